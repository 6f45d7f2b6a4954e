package middleware

import (
	"bytes"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/swiftride/dispatch/pkg/common"
	"github.com/swiftride/dispatch/pkg/idempotency"
	"github.com/swiftride/dispatch/pkg/logger"
	"go.uber.org/zap"
)

// ReplayedHeader marks responses served from the idempotency cache.
const ReplayedHeader = "Idempotent-Replayed"

type responseCapture struct {
	gin.ResponseWriter
	body       *bytes.Buffer
	statusCode int
}

func (w *responseCapture) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *responseCapture) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

func (w *responseCapture) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

// Idempotency makes mutating endpoints safe to retry. The Idempotency-Key
// header is required; a replayed key returns the cached response without
// re-executing the handler, and a reused key with a different payload is
// rejected. Successful responses are cached write-once, so concurrent
// requests with the same key cannot both claim it.
func Idempotency(store *idempotency.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		switch c.Request.Method {
		case http.MethodPost, http.MethodPut, http.MethodPatch:
		default:
			c.Next()
			return
		}

		key := strings.TrimSpace(c.GetHeader(idempotency.KeyHeader))
		if key == "" {
			common.AppErrorResponse(c, common.NewMissingIdempotencyKeyError())
			c.Abort()
			return
		}

		bodyBytes, err := io.ReadAll(c.Request.Body)
		if err != nil {
			common.AppErrorResponse(c, common.NewValidationError("failed to read request body"))
			c.Abort()
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))

		requestHash := idempotency.HashRequest(c.Request.Method, c.FullPath(), bodyBytes)

		entry, outcome, err := store.Check(c.Request.Context(), key, requestHash)
		if err != nil {
			// Proceed as new: the unique idempotency_key column still
			// rejects a true duplicate insert.
			logger.WarnContext(c.Request.Context(), "idempotency lookup failed, proceeding",
				zap.String("key", key),
				zap.Error(err),
			)
		}

		switch outcome {
		case idempotency.OutcomeConflict:
			common.AppErrorResponse(c, common.NewIdempotencyConflictError(
				"Idempotency-Key has already been used with a different request"))
			c.Abort()
			return
		case idempotency.OutcomeReplay:
			for k, v := range entry.Headers {
				c.Header(k, v)
			}
			// Replays answer 200 even when the original was a 201: the
			// resource already exists, nothing was created this time.
			c.Header(ReplayedHeader, "true")
			c.Data(http.StatusOK, "application/json; charset=utf-8", entry.Body)
			c.Abort()
			return
		}

		writer := &responseCapture{
			ResponseWriter: c.Writer,
			body:           &bytes.Buffer{},
			statusCode:     http.StatusOK,
		}
		c.Writer = writer

		c.Next()

		if writer.statusCode < 200 || writer.statusCode >= 300 {
			return
		}

		cached := &idempotency.Entry{
			StatusCode: writer.statusCode,
			Headers: map[string]string{
				"Content-Type": c.Writer.Header().Get("Content-Type"),
			},
			Body:        writer.body.Bytes(),
			RequestHash: requestHash,
		}
		if err := store.Save(c.Request.Context(), key, cached); err != nil {
			logger.WarnContext(c.Request.Context(), "failed to cache idempotent response",
				zap.String("key", key),
				zap.Error(err),
			)
		}
	}
}
