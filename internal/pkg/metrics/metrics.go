package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// 领域指标，经 /metrics 暴露给 Prometheus。
var (
	HTTPRequestsTotal *prometheus.CounterVec
	HTTPDuration      *prometheus.HistogramVec

	HabitsCreatedTotal prometheus.Counter
	HabitsDeletedTotal prometheus.Counter
	DayTogglesTotal    *prometheus.CounterVec

	LoginsTotal        *prometheus.CounterVec
	AuthThrottledTotal prometheus.Counter
)

var initOnce sync.Once

// InitMetrics 注册全部指标，多次调用只生效一次。
func InitMetrics() {
	initOnce.Do(func() {
		HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "habitgrid_http_requests_total",
			Help: "HTTP requests by method, path and status.",
		}, []string{"method", "path", "status"})

		HTTPDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "habitgrid_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"})

		HabitsCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "habitgrid_habits_created_total",
			Help: "Habits created.",
		})

		HabitsDeletedTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "habitgrid_habits_deleted_total",
			Help: "Habits soft deleted.",
		})

		DayTogglesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "habitgrid_day_toggles_total",
			Help: "Completion toggles by resulting state.",
		}, []string{"state"})

		LoginsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "habitgrid_logins_total",
			Help: "Login attempts by result.",
		}, []string{"result"})

		AuthThrottledTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "habitgrid_auth_throttled_total",
			Help: "Auth requests rejected by the rate limiter.",
		})

		prometheus.MustRegister(
			HTTPRequestsTotal,
			HTTPDuration,
			HabitsCreatedTotal,
			HabitsDeletedTotal,
			DayTogglesTotal,
			LoginsTotal,
			AuthThrottledTotal,
		)
	})
}
