package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestTimeout(t *testing.T) {
	gin.SetMode(gin.TestMode)

	t.Run("should timeout after configured duration", func(t *testing.T) {
		router := gin.New()
		router.Use(RequestTimeout(50 * time.Millisecond))
		router.GET("/slow", func(c *gin.Context) {
			select {
			case <-time.After(200 * time.Millisecond):
				c.JSON(http.StatusOK, gin.H{"message": "success"})
			case <-c.Request.Context().Done():
			}
		})

		req := httptest.NewRequest(http.MethodGet, "/slow", nil)
		w := httptest.NewRecorder()

		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusGatewayTimeout, w.Code)
		assert.Contains(t, w.Body.String(), "request timed out")
		assert.Contains(t, w.Body.String(), `"success":false`)
		assert.Equal(t, "true", w.Header().Get("X-Timeout"))
	})

	t.Run("should not timeout if request completes in time", func(t *testing.T) {
		router := gin.New()
		router.Use(RequestTimeout(500 * time.Millisecond))
		router.GET("/fast", func(c *gin.Context) {
			time.Sleep(10 * time.Millisecond)
			c.JSON(http.StatusOK, gin.H{"message": "success"})
		})

		req := httptest.NewRequest(http.MethodGet, "/fast", nil)
		w := httptest.NewRecorder()

		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "success")
		assert.Empty(t, w.Header().Get("X-Timeout"))
	})

	t.Run("should re-raise handler panics to the recovery middleware", func(t *testing.T) {
		router := gin.New()
		router.Use(Recovery())
		router.Use(RequestTimeout(500 * time.Millisecond))
		router.GET("/panic", func(c *gin.Context) {
			panic("test panic")
		})

		req := httptest.NewRequest(http.MethodGet, "/panic", nil)
		w := httptest.NewRecorder()

		require.NotPanics(t, func() {
			router.ServeHTTP(w, req)
		})

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.Contains(t, w.Body.String(), "INTERNAL_ERROR")
	})

	t.Run("should expose deadline to the handler context", func(t *testing.T) {
		router := gin.New()
		router.Use(RequestTimeout(50 * time.Millisecond))

		handlerSawDeadline := make(chan bool, 1)
		router.GET("/ctx", func(c *gin.Context) {
			select {
			case <-c.Request.Context().Done():
				handlerSawDeadline <- true
			case <-time.After(500 * time.Millisecond):
				handlerSawDeadline <- false
			}
		})

		req := httptest.NewRequest(http.MethodGet, "/ctx", nil)
		w := httptest.NewRecorder()

		router.ServeHTTP(w, req)

		assert.True(t, <-handlerSawDeadline)
	})

	t.Run("should propagate correlation ID on timeout", func(t *testing.T) {
		router := gin.New()
		router.Use(CorrelationID())
		router.Use(RequestTimeout(50 * time.Millisecond))
		router.GET("/slow", func(c *gin.Context) {
			select {
			case <-time.After(200 * time.Millisecond):
				c.JSON(http.StatusOK, gin.H{"message": "success"})
			case <-c.Request.Context().Done():
			}
		})

		req := httptest.NewRequest(http.MethodGet, "/slow", nil)
		req.Header.Set(CorrelationIDHeader, "550e8400-e29b-41d4-a716-446655440000")
		w := httptest.NewRecorder()

		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusGatewayTimeout, w.Code)
		assert.Equal(t, "550e8400-e29b-41d4-a716-446655440000", w.Header().Get(CorrelationIDHeader))
	})
}

func BenchmarkRequestTimeout(b *testing.B) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(RequestTimeout(30 * time.Second))
	router.GET("/test", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "success"})
	})

	req := httptest.NewRequest(http.MethodGet, "/test", nil)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
	}
}
