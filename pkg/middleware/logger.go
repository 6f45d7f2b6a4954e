package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/swiftride/dispatch/pkg/logger"
	"go.uber.org/zap"
)

// RequestLogger emits one structured line per request. Bodies are never
// logged: location heartbeats arrive at high rate and their payloads carry
// no diagnostic value beyond the route fields.
func RequestLogger(serviceName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		statusCode := c.Writer.Status()

		fields := []zap.Field{
			zap.String("service", serviceName),
			zap.Int("status", statusCode),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.String("route", c.FullPath()),
			zap.String("ip", c.ClientIP()),
			zap.Duration("latency", latency),
			zap.Int("response_size", c.Writer.Size()),
		}

		reqLogger := logger.WithContext(c.Request.Context())

		switch {
		case len(c.Errors) > 0:
			fields = append(fields, zap.String("errors", c.Errors.String()))
			reqLogger.Error("Request completed with errors", fields...)
		case statusCode >= 500:
			reqLogger.Error("Request completed", fields...)
		default:
			reqLogger.Info("Request completed", fields...)
		}
	}
}
