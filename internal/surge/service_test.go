package surge

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/swiftride/dispatch/internal/geo"
	"github.com/swiftride/dispatch/internal/presence"
	"github.com/swiftride/dispatch/pkg/config"
	"github.com/swiftride/dispatch/test/mocks"
)

// ─── mocks ───────────────────────────────────────────────────────────────────

type mockSupply struct{ mock.Mock }

func (m *mockSupply) FindNearby(ctx context.Context, q presence.NearbyQuery) ([]presence.NearbyDriver, error) {
	args := m.Called(ctx, q)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]presence.NearbyDriver), args.Error(1)
}

func testConfig() config.SurgeConfig {
	return config.SurgeConfig{
		CacheTTL:       60 * time.Second,
		DemandTTL:      300 * time.Second,
		MinMultiplier:  1.0,
		MaxMultiplier:  3.0,
		SupplyRadiusKm: 2.0,
	}
}

func nDrivers(n int) []presence.NearbyDriver {
	drivers := make([]presence.NearbyDriver, n)
	for i := range drivers {
		drivers[i] = presence.NearbyDriver{DriverID: uuid.New()}
	}
	return drivers
}

// ─── multiplier formula ──────────────────────────────────────────────────────

func TestMultiplier(t *testing.T) {
	service := NewService(nil, nil, nil, testConfig())

	tests := []struct {
		name     string
		supply   int
		demand   int
		expected float64
	}{
		{"no supply no demand", 0, 0, 1.0},
		{"no supply with demand", 0, 7, 3.0},
		{"balanced", 10, 10, 1.0},
		{"demand double supply", 10, 20, 1.5},
		{"demand triple supply", 10, 30, 2.0},
		{"extreme demand clamps at max", 2, 40, 3.0},
		{"oversupply clamps at min", 20, 5, 1.0},
		{"smoothing rounds to one decimal", 3, 4, 1.2}, // raw 1.333 → 1.1666 → 1.2
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, service.multiplier(tt.supply, tt.demand))
		})
	}
}

// ─── demand counter ──────────────────────────────────────────────────────────

func TestService_IncrementDemand_FirstIncrementArmsTTL(t *testing.T) {
	mockRedis := new(mocks.MockRedisClient)
	service := NewService(mockRedis, nil, nil, testConfig())
	ctx := context.Background()

	mockRedis.On("Incr", ctx, "surge:demand:8860145ae1fffff").Return(int64(1), nil)
	mockRedis.On("Expire", ctx, "surge:demand:8860145ae1fffff", 300*time.Second).Return(nil)

	count, err := service.IncrementDemand(ctx, "8860145ae1fffff", "bengaluru")

	assert.NoError(t, err)
	assert.Equal(t, int64(1), count)
	mockRedis.AssertExpectations(t)
}

func TestService_IncrementDemand_LaterIncrementsKeepWindow(t *testing.T) {
	mockRedis := new(mocks.MockRedisClient)
	service := NewService(mockRedis, nil, nil, testConfig())
	ctx := context.Background()

	mockRedis.On("Incr", ctx, mock.Anything).Return(int64(4), nil)

	count, err := service.IncrementDemand(ctx, "8860145ae1fffff", "bengaluru")

	assert.NoError(t, err)
	assert.Equal(t, int64(4), count)
	mockRedis.AssertNotCalled(t, "Expire", mock.Anything, mock.Anything, mock.Anything)
}

func TestService_IncrementDemand_RedisError(t *testing.T) {
	mockRedis := new(mocks.MockRedisClient)
	service := NewService(mockRedis, nil, nil, testConfig())

	mockRedis.On("Incr", mock.Anything, mock.Anything).Return(int64(0), errors.New("connection refused"))

	_, err := service.IncrementDemand(context.Background(), "8860145ae1fffff", "bengaluru")

	assert.Error(t, err)
}

// ─── cached reads ────────────────────────────────────────────────────────────

func TestService_GetSurgeForCell_Hit(t *testing.T) {
	mockRedis := new(mocks.MockRedisClient)
	service := NewService(mockRedis, nil, nil, testConfig())
	ctx := context.Background()

	cached := CellSurge{Cell: "8860145ae1fffff", Region: "bengaluru", Multiplier: 1.8, Supply: 5, Demand: 13}
	data, _ := json.Marshal(cached)
	mockRedis.On("GetString", ctx, "surge:cell:8860145ae1fffff").Return(string(data), nil)

	entry, err := service.GetSurgeForCell(ctx, "8860145ae1fffff")

	require.NoError(t, err)
	assert.Equal(t, 1.8, entry.Multiplier)
	assert.Equal(t, 5, entry.Supply)
	assert.Equal(t, 13, entry.Demand)
}

func TestService_GetSurgeForCell_MissReturnsSentinel(t *testing.T) {
	mockRedis := new(mocks.MockRedisClient)
	service := NewService(mockRedis, nil, nil, testConfig())

	mockRedis.On("GetString", mock.Anything, mock.Anything).Return("", errors.New("redis: nil"))

	entry, err := service.GetSurgeForCell(context.Background(), "8860145ae1fffff")

	require.NoError(t, err)
	assert.Equal(t, 1.0, entry.Multiplier)
	assert.Equal(t, 0, entry.Supply)
	assert.Equal(t, 0, entry.Demand)
	assert.Equal(t, "8860145ae1fffff", entry.Cell)
}

// ─── recomputation ───────────────────────────────────────────────────────────

func TestService_CalculateSurge_WritesCacheAndRegionSet(t *testing.T) {
	mockRedis := new(mocks.MockRedisClient)
	supply := new(mockSupply)
	service := NewService(mockRedis, supply, nil, testConfig())
	ctx := context.Background()

	lat, lng := 12.9716, 77.5946
	cell := geo.CellID(lat, lng)

	supply.On("FindNearby", ctx, mock.MatchedBy(func(q presence.NearbyQuery) bool {
		return q.RadiusKm == 2.0 && q.Region == "bengaluru"
	})).Return(nDrivers(4), nil)

	mockRedis.On("GetString", ctx, "surge:demand:"+cell).Return("8", nil)
	// no prior cache entry
	mockRedis.On("GetString", ctx, "surge:cell:"+cell).Return("", errors.New("redis: nil"))
	mockRedis.On("SetWithExpiration", ctx, "surge:cell:"+cell,
		mock.AnythingOfType("[]uint8"), 60*time.Second).Return(nil)
	mockRedis.On("SAdd", ctx, "surge:cells:bengaluru", []interface{}{cell}).Return(nil)

	entry, err := service.CalculateSurge(ctx, CalculateInput{
		Region:    "bengaluru",
		Latitude:  lat,
		Longitude: lng,
	})

	// raw = 8/4 = 2.0 → 1 + (2−1)·0.5 = 1.5
	require.NoError(t, err)
	assert.Equal(t, 1.5, entry.Multiplier)
	assert.Equal(t, 4, entry.Supply)
	assert.Equal(t, 8, entry.Demand)
	assert.Equal(t, cell, entry.Cell)
	assert.True(t, entry.ValidUntil.After(entry.UpdatedAt))
	mockRedis.AssertExpectations(t)
	supply.AssertExpectations(t)
}

func TestService_CalculateSurge_PublishesOnChange(t *testing.T) {
	mockRedis := new(mocks.MockRedisClient)
	supply := new(mockSupply)
	mockBus := new(mocks.MockEventBus)
	service := NewService(mockRedis, supply, mockBus, testConfig())
	ctx := context.Background()

	lat, lng := 12.9716, 77.5946
	cell := geo.CellID(lat, lng)

	prior := CellSurge{Cell: cell, Region: "bengaluru", Multiplier: 1.0}
	priorJSON, _ := json.Marshal(prior)

	supply.On("FindNearby", ctx, mock.Anything).Return(nDrivers(2), nil)
	mockRedis.On("GetString", ctx, "surge:demand:"+cell).Return("10", nil)
	mockRedis.On("GetString", ctx, "surge:cell:"+cell).Return(string(priorJSON), nil)
	mockRedis.On("SetWithExpiration", ctx, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	mockRedis.On("SAdd", ctx, mock.Anything, mock.Anything).Return(nil)
	mockBus.On("Publish", ctx, "surge.updated", mock.AnythingOfType("*eventbus.Event")).Return(nil)

	// raw = 10/2 = 5 → 1 + 4·0.5 = 3.0 (clamped)
	entry, err := service.CalculateSurge(ctx, CalculateInput{Latitude: lat, Longitude: lng})

	require.NoError(t, err)
	assert.Equal(t, 3.0, entry.Multiplier)
	mockBus.AssertExpectations(t)
}

func TestService_CalculateSurge_NoEventWhenUnchanged(t *testing.T) {
	mockRedis := new(mocks.MockRedisClient)
	supply := new(mockSupply)
	mockBus := new(mocks.MockEventBus)
	service := NewService(mockRedis, supply, mockBus, testConfig())
	ctx := context.Background()

	lat, lng := 12.9716, 77.5946
	cell := geo.CellID(lat, lng)

	prior := CellSurge{Cell: cell, Region: "bengaluru", Multiplier: 1.5}
	priorJSON, _ := json.Marshal(prior)

	supply.On("FindNearby", ctx, mock.Anything).Return(nDrivers(4), nil)
	mockRedis.On("GetString", ctx, "surge:demand:"+cell).Return("8", nil)
	mockRedis.On("GetString", ctx, "surge:cell:"+cell).Return(string(priorJSON), nil)
	mockRedis.On("SetWithExpiration", ctx, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	mockRedis.On("SAdd", ctx, mock.Anything, mock.Anything).Return(nil)

	entry, err := service.CalculateSurge(ctx, CalculateInput{Latitude: lat, Longitude: lng})

	require.NoError(t, err)
	assert.Equal(t, 1.5, entry.Multiplier)
	mockBus.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
}

func TestService_CalculateSurge_SupplyLookupFailureAssumesZero(t *testing.T) {
	mockRedis := new(mocks.MockRedisClient)
	supply := new(mockSupply)
	service := NewService(mockRedis, supply, nil, testConfig())
	ctx := context.Background()

	lat, lng := 12.9716, 77.5946
	cell := geo.CellID(lat, lng)

	supply.On("FindNearby", ctx, mock.Anything).Return(nil, errors.New("index down"))
	mockRedis.On("GetString", ctx, "surge:demand:"+cell).Return("3", nil)
	mockRedis.On("GetString", ctx, "surge:cell:"+cell).Return("", errors.New("redis: nil"))
	mockRedis.On("SetWithExpiration", ctx, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	mockRedis.On("SAdd", ctx, mock.Anything, mock.Anything).Return(nil)

	entry, err := service.CalculateSurge(ctx, CalculateInput{Latitude: lat, Longitude: lng})

	// zero supply with demand pins the cell at the cap
	require.NoError(t, err)
	assert.Equal(t, 3.0, entry.Multiplier)
	assert.Equal(t, 0, entry.Supply)
}

func TestService_CalculateSurge_ResolvesCenterFromCell(t *testing.T) {
	mockRedis := new(mocks.MockRedisClient)
	supply := new(mockSupply)
	service := NewService(mockRedis, supply, nil, testConfig())
	ctx := context.Background()

	cell := geo.CellID(12.9716, 77.5946)

	supply.On("FindNearby", ctx, mock.MatchedBy(func(q presence.NearbyQuery) bool {
		// the cell center is inside the cell, so the region resolves the same
		return q.Region == "bengaluru" && q.Latitude != 0 && q.Longitude != 0
	})).Return(nDrivers(1), nil)
	mockRedis.On("GetString", ctx, "surge:demand:"+cell).Return("", errors.New("redis: nil"))
	mockRedis.On("GetString", ctx, "surge:cell:"+cell).Return("", errors.New("redis: nil"))
	mockRedis.On("SetWithExpiration", ctx, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	mockRedis.On("SAdd", ctx, mock.Anything, mock.Anything).Return(nil)

	entry, err := service.CalculateSurge(ctx, CalculateInput{Cell: cell})

	require.NoError(t, err)
	assert.Equal(t, "bengaluru", entry.Region)
	assert.Equal(t, 1.0, entry.Multiplier)
	supply.AssertExpectations(t)
}

func TestService_CalculateSurge_RejectsEmptyInput(t *testing.T) {
	service := NewService(nil, nil, nil, testConfig())

	_, err := service.CalculateSurge(context.Background(), CalculateInput{})

	assert.Error(t, err)
}

// ─── location and region reads ───────────────────────────────────────────────

func TestService_GetSurgeForLocation_CacheHitSkipsRecompute(t *testing.T) {
	mockRedis := new(mocks.MockRedisClient)
	supply := new(mockSupply)
	service := NewService(mockRedis, supply, nil, testConfig())
	ctx := context.Background()

	lat, lng := 12.9716, 77.5946
	cell := geo.CellID(lat, lng)

	cached := CellSurge{Cell: cell, Region: "bengaluru", Multiplier: 2.1}
	data, _ := json.Marshal(cached)
	mockRedis.On("GetString", ctx, "surge:cell:"+cell).Return(string(data), nil)

	entry, err := service.GetSurgeForLocation(ctx, lat, lng)

	require.NoError(t, err)
	assert.Equal(t, 2.1, entry.Multiplier)
	supply.AssertNotCalled(t, "FindNearby", mock.Anything, mock.Anything)
}

func TestService_GetSurgeForLocation_MissTriggersCalculation(t *testing.T) {
	mockRedis := new(mocks.MockRedisClient)
	supply := new(mockSupply)
	service := NewService(mockRedis, supply, nil, testConfig())
	ctx := context.Background()

	lat, lng := 12.9716, 77.5946
	cell := geo.CellID(lat, lng)

	mockRedis.On("GetString", ctx, "surge:cell:"+cell).Return("", errors.New("redis: nil"))
	supply.On("FindNearby", ctx, mock.Anything).Return(nDrivers(3), nil)
	mockRedis.On("GetString", ctx, "surge:demand:"+cell).Return("3", nil)
	mockRedis.On("SetWithExpiration", ctx, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	mockRedis.On("SAdd", ctx, mock.Anything, mock.Anything).Return(nil)

	entry, err := service.GetSurgeForLocation(ctx, lat, lng)

	require.NoError(t, err)
	assert.Equal(t, 1.0, entry.Multiplier)
	assert.Equal(t, 3, entry.Supply)
	supply.AssertExpectations(t)
}

func TestService_GetSurgeZonesForRegion_FiltersAndSorts(t *testing.T) {
	mockRedis := new(mocks.MockRedisClient)
	service := NewService(mockRedis, nil, nil, testConfig())
	ctx := context.Background()

	mild, _ := json.Marshal(CellSurge{Cell: "a", Multiplier: 1.2})
	hot, _ := json.Marshal(CellSurge{Cell: "b", Multiplier: 2.8})
	warm, _ := json.Marshal(CellSurge{Cell: "c", Multiplier: 1.6})

	mockRedis.On("SMembers", ctx, "surge:cells:bengaluru").
		Return([]string{"a", "b", "c", "d"}, nil)
	mockRedis.On("MGetStrings", ctx, []string{"surge:cell:a", "surge:cell:b", "surge:cell:c", "surge:cell:d"}).
		Return([]string{string(mild), string(hot), string(warm), ""}, nil)

	zones, err := service.GetSurgeZonesForRegion(ctx, "bengaluru", 1.5)

	// the 1.2 cell is under the threshold, the expired cell is gone,
	// and the rest come back hottest first
	require.NoError(t, err)
	require.Len(t, zones, 2)
	assert.Equal(t, "b", zones[0].Cell)
	assert.Equal(t, "c", zones[1].Cell)
}

func TestService_GetSurgeZonesForRegion_EmptyRegion(t *testing.T) {
	mockRedis := new(mocks.MockRedisClient)
	service := NewService(mockRedis, nil, nil, testConfig())

	mockRedis.On("SMembers", mock.Anything, "surge:cells:pune").Return([]string{}, nil)

	zones, err := service.GetSurgeZonesForRegion(context.Background(), "pune", 1.0)

	require.NoError(t, err)
	assert.Empty(t, zones)
	mockRedis.AssertNotCalled(t, "MGetStrings", mock.Anything, mock.Anything)
}
