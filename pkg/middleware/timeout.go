package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/swiftride/dispatch/pkg/common"
	"github.com/swiftride/dispatch/pkg/logger"
	"go.uber.org/zap"
)

// RequestTimeout caps how long a request may run. The wrapped chain runs on
// its own goroutine; on deadline the client gets a 504 while the handler
// keeps the expired context, so repository and Redis calls fail fast.
func RequestTimeout(timeout time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()

		c.Request = c.Request.WithContext(ctx)

		done := make(chan struct{})
		panicChan := make(chan interface{}, 1)

		go func() {
			defer func() {
				if p := recover(); p != nil {
					panicChan <- p
				}
			}()
			c.Next()
			close(done)
		}()

		select {
		case p := <-panicChan:
			// Re-raise on the request goroutine so the recovery
			// middleware sees it.
			panic(p)
		case <-done:
		case <-ctx.Done():
			if ctx.Err() != context.DeadlineExceeded {
				return
			}
			// The handler goroutine may still be running; only
			// write if it has not.
			if !c.Writer.Written() {
				c.Abort()
				c.Writer.Header().Set("X-Timeout", "true")
				common.ErrorResponse(c, http.StatusGatewayTimeout, "request timed out")

				logger.WithContext(c.Request.Context()).Warn("Request timeout",
					zap.String("path", c.Request.URL.Path),
					zap.String("method", c.Request.Method),
					zap.Duration("timeout", timeout),
				)
			}
		}
	}
}
