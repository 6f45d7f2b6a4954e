package middleware

import (
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	sentrygin "github.com/getsentry/sentry-go/gin"
	"github.com/gin-gonic/gin"
	"github.com/swiftride/dispatch/pkg/common"
	"github.com/swiftride/dispatch/pkg/errors"
	"github.com/swiftride/dispatch/pkg/logger"
	"go.uber.org/zap"
)

// SentryMiddleware binds a Sentry hub to the request and captures panics.
// Repanic is on: the Recovery middleware above it owns the client response.
func SentryMiddleware() gin.HandlerFunc {
	return sentrygin.New(sentrygin.Options{
		Repanic:         true,
		WaitForDelivery: false,
		Timeout:         2 * time.Second,
	})
}

// Recovery is the outermost panic barrier. Reporting already happened in
// SentryMiddleware by the time the panic reaches here; this layer only logs
// and shapes the 500 envelope.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if p := recover(); p != nil {
				logger.WithContext(c.Request.Context()).Error("Request panicked",
					zap.Any("panic", p),
					zap.String("method", c.Request.Method),
					zap.String("path", c.Request.URL.Path),
					zap.Stack("stacktrace"),
				)

				if !c.Writer.Written() {
					common.AppErrorResponse(c, common.NewInternalError("internal server error", nil))
				}
				c.Abort()
			}
		}()

		c.Next()
	}
}

// ErrorHandler reports request failures to Sentry after the handler chain
// runs. Expected client errors stay out; 5xx responses and rate-limit
// shedding go in.
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start)
		statusCode := c.Writer.Status()

		errors.AddBreadcrumbForRequest(
			c.Request.Method,
			c.Request.URL.Path,
			statusCode,
			duration,
		)

		if len(c.Errors) > 0 {
			for _, err := range c.Errors {
				if errors.ShouldReportError(err.Err, statusCode) {
					captureRequestError(c, err.Err, statusCode, duration)
				}
			}
			return
		}

		if statusCode >= 500 {
			captureStatusOnly(c, statusCode)
		}
	}
}

func captureRequestError(c *gin.Context, err error, statusCode int, duration time.Duration) {
	hub := sentrygin.GetHubFromContext(c)
	if hub == nil {
		hub = sentry.CurrentHub().Clone()
	}

	scope := hub.Scope()
	scope.SetRequest(c.Request)
	scope.SetLevel(sentryLevel(statusCode))
	scope.SetTag("http.method", c.Request.Method)
	scope.SetTag("http.status_code", fmt.Sprintf("%d", statusCode))
	scope.SetTag("endpoint", c.FullPath())
	if correlationID := GetCorrelationID(c); correlationID != "" {
		scope.SetTag("correlation_id", correlationID)
	}
	scope.SetContext("http", map[string]interface{}{
		"method":      c.Request.Method,
		"url":         c.Request.URL.String(),
		"status_code": statusCode,
		"duration_ms": duration.Milliseconds(),
		"remote_addr": c.ClientIP(),
	})

	hub.CaptureException(err)
}

func captureStatusOnly(c *gin.Context, statusCode int) {
	hub := sentrygin.GetHubFromContext(c)
	if hub == nil {
		hub = sentry.CurrentHub().Clone()
	}

	scope := hub.Scope()
	scope.SetRequest(c.Request)
	scope.SetLevel(sentryLevel(statusCode))
	scope.SetTag("http.method", c.Request.Method)
	scope.SetTag("http.status_code", fmt.Sprintf("%d", statusCode))
	scope.SetTag("endpoint", c.FullPath())

	hub.CaptureMessage(fmt.Sprintf("HTTP %d: %s %s", statusCode, c.Request.Method, c.Request.URL.Path))
}

func sentryLevel(statusCode int) sentry.Level {
	switch {
	case statusCode >= 500:
		return sentry.LevelError
	case statusCode == 429:
		return sentry.LevelWarning
	default:
		return sentry.LevelInfo
	}
}
