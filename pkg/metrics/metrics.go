package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "baton"

var (
	// ScanTotal 扫码结果计数，result 为 ok 或稳定错误码
	ScanTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "scan_total",
		Help:      "Scan attempts by endpoint kind and outcome.",
	}, []string{"kind", "result"})

	// ChainsSeeded 新建接力链数量
	ChainsSeeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "chains_seeded_total",
		Help:      "Chains created by seeding.",
	}, []string{"phase"})

	// StallTransitions ACTIVE→STALLED 次数
	StallTransitions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "chain_stall_transitions_total",
		Help:      "Chains moved to STALLED by the stall detector.",
	})

	// ActiveRotations 正在运行的轮换令牌任务
	ActiveRotations = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "rotation_jobs_active",
		Help:      "Rotating-token jobs currently running.",
	})

	// EventSubscribers 当前推送订阅数
	EventSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "event_subscribers",
		Help:      "Connected push subscribers.",
	})

	// EventsDropped 因缓冲区溢出被断开的订阅者
	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "event_subscribers_dropped_total",
		Help:      "Subscribers disconnected because their buffer overflowed.",
	})

	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency by route and status.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route", "status"})
)

// Middleware 按路由模板记录请求耗时（未匹配路由统一记为 unmatched）
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		httpDuration.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).
			Observe(time.Since(start).Seconds())
	}
}
