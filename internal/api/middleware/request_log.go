package middleware

import (
	"strconv"
	"time"

	"log/slog"

	"habitgrid/internal/pkg/metrics"

	"github.com/gin-gonic/gin"
)

// RequestLogger 记录每个 HTTP 请求的访问日志与指标。
func RequestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		latency := time.Since(start)
		path := c.Request.URL.Path
		method := c.Request.Method
		clientIP := c.ClientIP()

		// 指标用路由模板做标签，避免 habit ID 撑爆基数。
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		if metrics.HTTPRequestsTotal != nil {
			metrics.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
			metrics.HTTPDuration.WithLabelValues(method, route).Observe(latency.Seconds())
		}

		if logger != nil {
			logger.Info("http request",
				slog.String("method", method),
				slog.String("path", path),
				slog.Int("status", status),
				slog.String("client_ip", clientIP),
				slog.String("latency", latency.String()),
			)
		}
	}
}
