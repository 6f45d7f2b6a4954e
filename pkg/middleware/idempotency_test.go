package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/swiftride/dispatch/pkg/idempotency"
	"github.com/swiftride/dispatch/test/mocks"
)

const ridesPath = "/api/v1/rides"

func newIdempotencyRouter(redis *mocks.MockRedisClient, handler gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	store := idempotency.NewStore(redis, time.Hour)

	router := gin.New()
	router.POST(ridesPath, Idempotency(store), handler)
	return router
}

func createRideHandler(c *gin.Context) {
	c.JSON(http.StatusCreated, gin.H{"success": true, "data": gin.H{"id": "ride-1"}})
}

func TestIdempotencyRequiresKey(t *testing.T) {
	redis := new(mocks.MockRedisClient)
	router := newIdempotencyRouter(redis, createRideHandler)

	req := httptest.NewRequest(http.MethodPost, ridesPath, bytes.NewBufferString(`{"riderId":"r1"}`))
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "MISSING_IDEMPOTENCY_KEY")
	redis.AssertNotCalled(t, "GetString", mock.Anything, mock.Anything)
}

func TestIdempotencyNewKeyRunsHandlerAndCaches(t *testing.T) {
	redis := new(mocks.MockRedisClient)
	redis.On("GetString", mock.Anything, "idempotency:key-1").Return("", goredis.Nil)
	redis.On("SetNX", mock.Anything, "idempotency:key-1", mock.Anything, time.Hour).Return(true, nil)

	router := newIdempotencyRouter(redis, createRideHandler)

	req := httptest.NewRequest(http.MethodPost, ridesPath, bytes.NewBufferString(`{"riderId":"r1"}`))
	req.Header.Set(idempotency.KeyHeader, "key-1")
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Empty(t, w.Header().Get(ReplayedHeader))
	redis.AssertExpectations(t)
}

func TestIdempotencyReplayServesCachedResponse(t *testing.T) {
	body := `{"riderId":"r1"}`
	hash := idempotency.HashRequest(http.MethodPost, ridesPath, []byte(body))

	cached, err := json.Marshal(idempotency.Entry{
		StatusCode:  http.StatusCreated,
		Headers:     map[string]string{"Content-Type": "application/json; charset=utf-8"},
		Body:        json.RawMessage(`{"success":true,"data":{"id":"ride-1"}}`),
		RequestHash: hash,
	})
	require.NoError(t, err)

	redis := new(mocks.MockRedisClient)
	redis.On("GetString", mock.Anything, "idempotency:key-1").Return(string(cached), nil)

	handlerRan := false
	router := newIdempotencyRouter(redis, func(c *gin.Context) {
		handlerRan = true
		createRideHandler(c)
	})

	req := httptest.NewRequest(http.MethodPost, ridesPath, bytes.NewBufferString(body))
	req.Header.Set(idempotency.KeyHeader, "key-1")
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	// The original create answered 201; its replay answers 200.
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "true", w.Header().Get(ReplayedHeader))
	assert.Contains(t, w.Body.String(), "ride-1")
	assert.False(t, handlerRan)
	redis.AssertNotCalled(t, "SetNX", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestIdempotencyConflictOnDifferentPayload(t *testing.T) {
	hash := idempotency.HashRequest(http.MethodPost, ridesPath, []byte(`{"riderId":"r1"}`))

	cached, err := json.Marshal(idempotency.Entry{
		StatusCode:  http.StatusCreated,
		Headers:     map[string]string{},
		Body:        json.RawMessage(`{}`),
		RequestHash: hash,
	})
	require.NoError(t, err)

	redis := new(mocks.MockRedisClient)
	redis.On("GetString", mock.Anything, "idempotency:key-1").Return(string(cached), nil)

	router := newIdempotencyRouter(redis, createRideHandler)

	req := httptest.NewRequest(http.MethodPost, ridesPath, bytes.NewBufferString(`{"riderId":"someone-else"}`))
	req.Header.Set(idempotency.KeyHeader, "key-1")
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, w.Body.String(), "IDEMPOTENCY_CONFLICT")
}

func TestIdempotencyDoesNotCacheFailures(t *testing.T) {
	redis := new(mocks.MockRedisClient)
	redis.On("GetString", mock.Anything, "idempotency:key-1").Return("", goredis.Nil)

	router := newIdempotencyRouter(redis, func(c *gin.Context) {
		c.JSON(http.StatusBadRequest, gin.H{"success": false})
	})

	req := httptest.NewRequest(http.MethodPost, ridesPath, bytes.NewBufferString(`{"riderId":"r1"}`))
	req.Header.Set(idempotency.KeyHeader, "key-1")
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	redis.AssertNotCalled(t, "SetNX", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestIdempotencyLookupFailureProceeds(t *testing.T) {
	redis := new(mocks.MockRedisClient)
	redis.On("GetString", mock.Anything, "idempotency:key-1").Return("", assert.AnError)
	redis.On("SetNX", mock.Anything, "idempotency:key-1", mock.Anything, time.Hour).Return(true, nil)

	router := newIdempotencyRouter(redis, createRideHandler)

	req := httptest.NewRequest(http.MethodPost, ridesPath, bytes.NewBufferString(`{"riderId":"r1"}`))
	req.Header.Set(idempotency.KeyHeader, "key-1")
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusCreated, w.Code)
	redis.AssertExpectations(t)
}
