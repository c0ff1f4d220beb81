package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "HTTP requests by route, method and status",
	}, []string{"route", "method", "status"})

	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "method"})

	JobsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "queue_jobs_enqueued_total",
		Help: "Jobs accepted by the queue",
	}, []string{"type"})

	JobsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "queue_jobs_completed_total",
		Help: "Jobs acked as completed",
	}, []string{"type"})

	JobsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "queue_jobs_failed_total",
		Help: "Job attempts that failed, by terminal flag",
	}, []string{"type", "terminal"})

	JobsRetried = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "queue_jobs_retried_total",
		Help: "Jobs pushed back for a delayed retry",
	}, []string{"type"})

	UpstreamCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ai_upstream_calls_total",
		Help: "Calls to the inference service by operation and outcome",
	}, []string{"op", "outcome"})
)

// Middleware 记录每个请求的计数与耗时
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		HTTPRequests.WithLabelValues(route, c.Request.Method, strconv.Itoa(c.Writer.Status())).Inc()
		HTTPDuration.WithLabelValues(route, c.Request.Method).Observe(time.Since(start).Seconds())
	}
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) { h.ServeHTTP(c.Writer, c.Request) }
}
