package router

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"baton-attendance/backend/config"
	"baton-attendance/backend/internal/api/handler"
	"baton-attendance/backend/internal/api/middleware"
	"baton-attendance/backend/pkg/jwt"
	"baton-attendance/backend/pkg/metrics"
	"baton-attendance/backend/pkg/redis"
)

// Setup 初始化并返回 Gin 路由引擎；rdb 为 nil 时限流退回进程内令牌桶
func Setup(cfg *config.Config, h *handler.Handler, jwtMgr *jwt.Manager, rdb *redis.Client, logger *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	// 扫码位置校验依赖 ClientIP，只接受受信代理写入的 X-Forwarded-For
	proxies := cfg.Server.TrustedProxies
	if len(proxies) == 0 {
		proxies = nil
	}
	if err := r.SetTrustedProxies(proxies); err != nil {
		logger.Warn("受信代理配置无效，忽略全部转发头", zap.Error(err))
		_ = r.SetTrustedProxies(nil)
	}

	// ── 全局中间件 ──
	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(logger))
	r.Use(middleware.SecurityHeaders())
	r.Use(middleware.CORS(cfg.Server.CORS))
	r.Use(middleware.BodyLimit(cfg.Server.BodyLimitBytes))
	r.Use(metrics.Middleware())

	// ── 健康检查 / 指标 ──
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 避免把 nil *redis.Client 包装成非 nil 接口
	var window middleware.SlidingWindow
	if rdb != nil {
		window = rdb
	}
	scanLimit := middleware.RateLimit(window, cfg.RateLimit.ScanLimit, cfg.RateLimit.ScanWindow, logger)

	teacher := middleware.RoleAuth(jwt.RoleTeacher)
	student := middleware.RoleAuth(jwt.RoleStudent)

	// ── API v1 ──
	v1 := r.Group("/api/v1")
	v1.Use(middleware.JWTAuth(jwtMgr))
	{
		// 班级名册
		classes := v1.Group("/classes", teacher)
		{
			classes.GET("/:classId/roster", h.Roster.Get)
			classes.PUT("/:classId/roster", h.Roster.Replace)
		}

		// 会话与接力链
		sessions := v1.Group("/sessions")
		{
			sessions.POST("", teacher, h.Session.Create)
			sessions.GET("/:id", h.Session.Get)
			sessions.POST("/:id/end", teacher, h.Session.End)
			sessions.GET("/:id/attendance", teacher, h.Session.Attendance)
			sessions.GET("/:id/events", teacher, h.Event.Subscribe)

			sessions.POST("/:id/seed-entry", teacher, h.Chain.SeedEntry)
			sessions.POST("/:id/start-exit-chain", teacher, h.Chain.StartExitChain)
			sessions.POST("/:id/reseed-entry", teacher, h.Chain.ReseedEntry)
			sessions.POST("/:id/reseed-exit", teacher, h.Chain.ReseedExit)

			sessions.GET("/:id/chains", teacher, h.Chain.List)
			sessions.POST("/:id/chains/:chainId/close", teacher, h.Chain.Close)
			sessions.POST("/:id/chains/:chainId/set-holder", teacher, h.Chain.SetHolder)
			sessions.GET("/:id/chains/:chainId/history", teacher, h.Chain.History)
			sessions.GET("/:id/chains/:chainId/token", student, h.Chain.HolderToken)

			sessions.GET("/:id/late-qr", teacher, h.Session.LateQR)
			sessions.GET("/:id/early-qr", teacher, h.Session.EarlyQR)
			sessions.POST("/:id/start-early-leave", teacher, h.Session.StartEarlyLeave)
			sessions.POST("/:id/stop-early-leave", teacher, h.Session.StopEarlyLeave)
		}

		// 学生扫码
		scan := v1.Group("/scan", student, scanLimit)
		{
			scan.POST("/chain", h.Scan.Chain)
			scan.POST("/exit-chain", h.Scan.ExitChain)
			scan.POST("/late-entry", h.Scan.LateEntry)
			scan.POST("/early-leave", h.Scan.EarlyLeave)
		}
	}

	return r
}
