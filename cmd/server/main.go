package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"baton-attendance/backend/config"
	"baton-attendance/backend/internal/api/handler"
	"baton-attendance/backend/internal/api/router"
	"baton-attendance/backend/internal/event"
	"baton-attendance/backend/internal/repository"
	"baton-attendance/backend/internal/service"
	"baton-attendance/backend/pkg/clock"
	"baton-attendance/backend/pkg/database"
	"baton-attendance/backend/pkg/jwt"
	applogger "baton-attendance/backend/pkg/logger"
	"baton-attendance/backend/pkg/redis"
)

func main() {
	// 1. 加载配置
	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	// 2. 初始化日志
	logger, err := applogger.NewLogger(&cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("应用启动中...",
		zap.Int("port", cfg.Server.Port),
		zap.String("db_driver", cfg.Database.Driver),
		zap.String("log_level", cfg.Log.Level),
	)

	// 3. 连接数据库
	db, err := database.NewDB(&cfg.Database, cfg.Log.Level, logger)
	if err != nil {
		logger.Fatal("数据库连接失败", zap.Error(err))
	}

	// 3.1 建表：postgres 走版本化迁移，sqlite 开发库直接 AutoMigrate
	sqlDB, err := db.DB()
	if err != nil {
		logger.Fatal("获取底层 sql.DB 失败", zap.Error(err))
	}
	if cfg.Database.Driver == "sqlite" {
		err = database.AutoMigrate(db)
	} else {
		err = database.RunMigrations(sqlDB, logger)
	}
	if err != nil {
		logger.Fatal("数据库迁移失败", zap.Error(err))
	}

	// 4. 事件总线；Redis 可选，连接失败时降级为单实例广播
	relayCtx, stopRelay := context.WithCancel(context.Background())
	defer stopRelay()

	hub := event.NewHub(event.DefaultBufferSize, logger.Named("event"))
	var pub event.Publisher = hub

	var rdb *redis.Client
	rdb, err = redis.NewClient(&cfg.Redis, logger)
	if err != nil {
		logger.Warn("Redis 连接失败，限流退回进程内令牌桶，事件仅在本实例广播", zap.Error(err))
		rdb = nil
	} else {
		pub = event.NewRedisBroadcaster(rdb, hub, logger.Named("event"))
		go event.Relay(relayCtx, rdb, hub, logger.Named("event"))
	}

	// 5. 初始化 JWT 管理器
	jwtMgr := jwt.NewManager(&cfg.Auth)

	// 6. 依赖注入: Repository → Service → Handler
	repo := repository.NewRepository(db)
	svc := service.NewService(cfg, repo, pub, clock.Real(), logger)
	h := handler.NewHandler(cfg, svc, hub, logger)

	// 6.1 恢复进行中会话的轮换任务，启动停滞检测
	bootCtx, bootCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := svc.Session.RestoreWindows(bootCtx); err != nil {
		logger.Error("恢复会话窗口失败", zap.Error(err))
	}
	bootCancel()
	if err := svc.Stall.Start(); err != nil {
		logger.Fatal("启动停滞检测失败", zap.Error(err))
	}

	// 7. 初始化路由
	engine := router.Setup(cfg, h, jwtMgr, rdb, logger)

	// 8. 启动 HTTP 服务器（优雅关闭）
	// WriteTimeout 置 0：事件流为长连接，写超时由 WebSocket 自行设置
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("HTTP 服务器已启动", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP 服务器异常", zap.Error(err))
		}
	}()

	// 9. 监听系统信号，优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	logger.Info("收到关闭信号，开始优雅关闭...", zap.String("signal", sig.String()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("服务器关闭异常", zap.Error(err))
	}

	// 停止后台任务
	svc.Stall.Stop()
	svc.Scheduler.Shutdown()
	stopRelay()

	// 关闭数据库连接
	if err := sqlDB.Close(); err != nil {
		logger.Warn("关闭数据库连接失败", zap.Error(err))
	}

	// 关闭 Redis 连接
	if rdb != nil {
		rdb.Close()
	}

	logger.Info("服务器已关闭")
}
