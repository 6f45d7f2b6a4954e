package presence

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	redisClient "github.com/swiftride/dispatch/pkg/redis"
	"github.com/swiftride/dispatch/pkg/validation"
	"github.com/swiftride/dispatch/test/mocks"
)

func TestMain(m *testing.M) {
	if err := validation.RegisterCustomValidators(); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

func setupTestContext(method, path string, body interface{}) (*gin.Context, *httptest.ResponseRecorder) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	var req *http.Request
	if body != nil {
		bodyBytes, _ := json.Marshal(body)
		req = httptest.NewRequest(method, path, bytes.NewReader(bodyBytes))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	c.Request = req

	return c, w
}

func setupTestContextWithQuery(method, path string, query map[string]string) (*gin.Context, *httptest.ResponseRecorder) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	fullPath := path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		fullPath += "?" + params.Encode()
	}

	c.Request = httptest.NewRequest(method, fullPath, nil)

	return c, w
}

func parseResponse(w *httptest.ResponseRecorder) map[string]interface{} {
	var response map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &response)
	return response
}

func TestHandler_UpdateLocation_Success(t *testing.T) {
	mockRedis := new(mocks.MockRedisClient)
	handler := NewHandler(NewService(mockRedis, nil, testConfig()))
	driverID := uuid.New()

	mockRedis.On("GeoAdd", mock.Anything, "drivers:geo:bengaluru", 77.5946, 12.9716, driverID.String()).Return(nil)
	mockRedis.On("SetWithExpiration", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	mockRedis.On("GetString", mock.Anything, "driver:meta:"+driverID.String()).
		Return("", errors.New("redis: nil"))

	reqBody := map[string]interface{}{
		"latitude":  12.9716,
		"longitude": 77.5946,
		"heading":   45.0,
		"speed":     30.0,
	}

	c, w := setupTestContext("POST", "/api/v1/drivers/"+driverID.String()+"/location", reqBody)
	c.Params = gin.Params{{Key: "driverId", Value: driverID.String()}}

	handler.UpdateLocation(c)

	assert.Equal(t, http.StatusOK, w.Code)
	response := parseResponse(w)
	assert.True(t, response["success"].(bool))
	data := response["data"].(map[string]interface{})
	assert.Equal(t, "bengaluru", data["region"])
	assert.NotEmpty(t, data["cell"])
	mockRedis.AssertExpectations(t)
}

func TestHandler_UpdateLocation_InvalidDriverID(t *testing.T) {
	handler := NewHandler(nil)

	c, w := setupTestContext("POST", "/api/v1/drivers/not-a-uuid/location", map[string]interface{}{
		"latitude":  12.9716,
		"longitude": 77.5946,
	})
	c.Params = gin.Params{{Key: "driverId", Value: "not-a-uuid"}}

	handler.UpdateLocation(c)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	response := parseResponse(w)
	errObj := response["error"].(map[string]interface{})
	assert.Equal(t, "VALIDATION_ERROR", errObj["errorCode"])
}

func TestHandler_UpdateLocation_MissingCoordinates(t *testing.T) {
	handler := NewHandler(nil)
	driverID := uuid.New()

	c, w := setupTestContext("POST", "/api/v1/drivers/"+driverID.String()+"/location", map[string]interface{}{
		"latitude": 12.9716,
	})
	c.Params = gin.Params{{Key: "driverId", Value: driverID.String()}}

	handler.UpdateLocation(c)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_UpdateLocation_LatitudeOutOfRange(t *testing.T) {
	handler := NewHandler(nil)
	driverID := uuid.New()

	c, w := setupTestContext("POST", "/api/v1/drivers/"+driverID.String()+"/location", map[string]interface{}{
		"latitude":  91.0,
		"longitude": 77.5946,
	})
	c.Params = gin.Params{{Key: "driverId", Value: driverID.String()}}

	handler.UpdateLocation(c)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	response := parseResponse(w)
	errObj := response["error"].(map[string]interface{})
	assert.Contains(t, errObj["message"], "latitude")
}

func TestHandler_UpdateLocation_ZeroCoordinatesAreValid(t *testing.T) {
	// 0,0 is a legal position (Gulf of Guinea), not a missing field.
	mockRedis := new(mocks.MockRedisClient)
	handler := NewHandler(NewService(mockRedis, nil, testConfig()))
	driverID := uuid.New()

	mockRedis.On("GeoAdd", mock.Anything, mock.Anything, 0.0, 0.0, driverID.String()).Return(nil)
	mockRedis.On("SetWithExpiration", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	mockRedis.On("GetString", mock.Anything, mock.Anything).Return("", errors.New("redis: nil"))

	c, w := setupTestContext("POST", "/api/v1/drivers/"+driverID.String()+"/location", map[string]interface{}{
		"latitude":  0.0,
		"longitude": 0.0,
	})
	c.Params = gin.Params{{Key: "driverId", Value: driverID.String()}}

	handler.UpdateLocation(c)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandler_SetStatus_Success(t *testing.T) {
	mockRedis := new(mocks.MockRedisClient)
	handler := NewHandler(NewService(mockRedis, nil, testConfig()))
	driverID := uuid.New()

	mockRedis.On("GetString", mock.Anything, "driver:meta:"+driverID.String()).
		Return("", errors.New("redis: nil"))
	mockRedis.On("SetWithExpiration", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	c, w := setupTestContext("PATCH", "/api/v1/drivers/"+driverID.String()+"/status", map[string]interface{}{
		"status": "ONLINE",
	})
	c.Params = gin.Params{{Key: "driverId", Value: driverID.String()}}

	handler.SetStatus(c)

	assert.Equal(t, http.StatusOK, w.Code)
	response := parseResponse(w)
	data := response["data"].(map[string]interface{})
	assert.Equal(t, "ONLINE", data["status"])
	assert.Equal(t, "OFFLINE", data["previousStatus"])
}

func TestHandler_SetStatus_InvalidStatus(t *testing.T) {
	mockRedis := new(mocks.MockRedisClient)
	handler := NewHandler(NewService(mockRedis, nil, testConfig()))
	driverID := uuid.New()

	c, w := setupTestContext("PATCH", "/api/v1/drivers/"+driverID.String()+"/status", map[string]interface{}{
		"status": "NAPPING",
	})
	c.Params = gin.Params{{Key: "driverId", Value: driverID.String()}}

	handler.SetStatus(c)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	response := parseResponse(w)
	errObj := response["error"].(map[string]interface{})
	assert.Equal(t, "VALIDATION_ERROR", errObj["errorCode"])
}

func TestHandler_FindNearby_Success(t *testing.T) {
	mockRedis := new(mocks.MockRedisClient)
	handler := NewHandler(NewService(mockRedis, nil, testConfig()))
	driverID := uuid.New()

	members := []redisClient.GeoMember{
		{Member: driverID.String(), Longitude: 77.60, Latitude: 12.97, DistanceKm: 0.8},
	}
	mockRedis.On("GeoSearch", mock.Anything, "drivers:geo:bengaluru", 77.5946, 12.9716, 2.0, 30).
		Return(members, nil)
	mockRedis.On("MGetStrings", mock.Anything, mock.Anything).Return([]string{
		"1",
		nearbyFixture(driverID, StatusOnline, TierEconomy),
	}, nil)

	c, w := setupTestContextWithQuery("GET", "/api/v1/drivers/nearby", map[string]string{
		"latitude":  "12.9716",
		"longitude": "77.5946",
		"radiusKm":  "2",
		"limit":     "10",
	})

	handler.FindNearby(c)

	assert.Equal(t, http.StatusOK, w.Code)
	response := parseResponse(w)
	data := response["data"].(map[string]interface{})
	assert.Equal(t, float64(1), data["count"])
	drivers := data["drivers"].([]interface{})
	assert.Len(t, drivers, 1)
}

func TestHandler_FindNearby_Validation(t *testing.T) {
	handler := NewHandler(nil)

	tests := []struct {
		name  string
		query map[string]string
	}{
		{"missing latitude", map[string]string{"longitude": "77.59"}},
		{"latitude out of range", map[string]string{"latitude": "95", "longitude": "77.59"}},
		{"longitude out of range", map[string]string{"latitude": "12.97", "longitude": "190"}},
		{"radius too large", map[string]string{"latitude": "12.97", "longitude": "77.59", "radiusKm": "51"}},
		{"radius not a number", map[string]string{"latitude": "12.97", "longitude": "77.59", "radiusKm": "wide"}},
		{"limit zero", map[string]string{"latitude": "12.97", "longitude": "77.59", "limit": "0"}},
		{"limit too large", map[string]string{"latitude": "12.97", "longitude": "77.59", "limit": "51"}},
		{"unknown tier", map[string]string{"latitude": "12.97", "longitude": "77.59", "vehicleType": "HOVERCRAFT"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, w := setupTestContextWithQuery("GET", "/api/v1/drivers/nearby", tt.query)

			handler.FindNearby(c)

			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestHandler_GetLocation_NotFound(t *testing.T) {
	mockRedis := new(mocks.MockRedisClient)
	handler := NewHandler(NewService(mockRedis, nil, testConfig()))
	driverID := uuid.New()

	mockRedis.On("GetString", mock.Anything, "driver:meta:"+driverID.String()).
		Return("", errors.New("redis: nil"))

	c, w := setupTestContext("GET", "/api/v1/drivers/"+driverID.String()+"/location", nil)
	c.Params = gin.Params{{Key: "driverId", Value: driverID.String()}}

	handler.GetLocation(c)

	assert.Equal(t, http.StatusNotFound, w.Code)
}
