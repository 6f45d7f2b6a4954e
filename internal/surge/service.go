package surge

import (
	"context"
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/swiftride/dispatch/internal/geo"
	"github.com/swiftride/dispatch/internal/presence"
	"github.com/swiftride/dispatch/pkg/common"
	"github.com/swiftride/dispatch/pkg/config"
	"github.com/swiftride/dispatch/pkg/eventbus"
	"github.com/swiftride/dispatch/pkg/logger"
	redisClient "github.com/swiftride/dispatch/pkg/redis"
	"go.uber.org/zap"
)

const (
	demandKeyPrefix = "surge:demand:"
	cellKeyPrefix   = "surge:cell:"
	regionKeyPrefix = "surge:cells:"

	// smoothing factor applied to the raw demand/supply ratio so a single
	// burst doesn't swing the multiplier to the cap
	sigma = 0.5

	supplyFetchLimit = 50

	eventSource = "dispatch"
)

var (
	surgeCalculationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "surge_calculations_total",
		Help: "Total number of surge multiplier recomputations",
	}, []string{"region"})

	demandIncrementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "surge_demand_increments_total",
		Help: "Total number of demand counter increments",
	}, []string{"region"})
)

func demandKey(cell string) string   { return demandKeyPrefix + cell }
func cellKey(cell string) string     { return cellKeyPrefix + cell }
func regionKey(region string) string { return regionKeyPrefix + region }

// SupplySource counts available drivers around a point. Implemented by the
// presence service.
type SupplySource interface {
	FindNearby(ctx context.Context, q presence.NearbyQuery) ([]presence.NearbyDriver, error)
}

// Service owns per-cell demand counters and the cached surge multiplier.
type Service struct {
	redis  redisClient.ClientInterface
	supply SupplySource
	bus    eventbus.Publisher
	cfg    config.SurgeConfig
}

// NewService creates a surge pricing service.
func NewService(redis redisClient.ClientInterface, supply SupplySource, bus eventbus.Publisher, cfg config.SurgeConfig) *Service {
	return &Service{redis: redis, supply: supply, bus: bus, cfg: cfg}
}

// IncrementDemand bumps the demand counter for a cell. The first increment
// of a window arms the TTL; later increments ride the existing window.
func (s *Service) IncrementDemand(ctx context.Context, cell, region string) (int64, error) {
	count, err := s.redis.Incr(ctx, demandKey(cell))
	if err != nil {
		return 0, common.NewInternalError("failed to increment demand counter", err)
	}

	if count == 1 {
		if err := s.redis.Expire(ctx, demandKey(cell), s.cfg.DemandTTL); err != nil {
			logger.WarnContext(ctx, "failed to arm demand counter TTL",
				zap.String("cell", cell),
				zap.Error(err),
			)
		}
	}

	demandIncrementsTotal.WithLabelValues(region).Inc()

	return count, nil
}

// GetSurgeForCell returns the cached surge entry, or the neutral sentinel
// when nothing is cached. It never recomputes.
func (s *Service) GetSurgeForCell(ctx context.Context, cell string) (*CellSurge, error) {
	raw, err := s.redis.GetString(ctx, cellKey(cell))
	if err != nil {
		return &CellSurge{
			Cell:       cell,
			Multiplier: 1.0,
			Supply:     0,
			Demand:     0,
			UpdatedAt:  time.Now().UTC(),
		}, nil
	}

	var entry CellSurge
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, common.NewInternalError("failed to decode surge entry", err)
	}

	return &entry, nil
}

// CalculateSurge recomputes the multiplier for a cell from live supply and
// the demand counter, refreshes the cache, registers the cell in its region
// set, and emits surge.updated when the multiplier moved.
func (s *Service) CalculateSurge(ctx context.Context, input CalculateInput) (*CellSurge, error) {
	cell, region, lat, lng, err := s.resolve(input)
	if err != nil {
		return nil, err
	}

	supply := 0
	drivers, err := s.supply.FindNearby(ctx, presence.NearbyQuery{
		Latitude:  lat,
		Longitude: lng,
		RadiusKm:  s.cfg.SupplyRadiusKm,
		Region:    region,
		Limit:     supplyFetchLimit,
	})
	if err != nil {
		logger.WarnContext(ctx, "supply lookup failed, assuming zero supply",
			zap.String("cell", cell),
			zap.Error(err),
		)
	} else {
		supply = len(drivers)
	}

	demand := s.readDemand(ctx, cell)

	previous := 1.0
	if raw, err := s.redis.GetString(ctx, cellKey(cell)); err == nil {
		var prior CellSurge
		if json.Unmarshal([]byte(raw), &prior) == nil {
			previous = prior.Multiplier
		}
	}

	now := time.Now().UTC()
	entry := &CellSurge{
		Cell:       cell,
		Region:     region,
		Multiplier: s.multiplier(supply, demand),
		Supply:     supply,
		Demand:     demand,
		UpdatedAt:  now,
		ValidUntil: now.Add(s.cfg.CacheTTL),
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return nil, common.NewInternalError("failed to encode surge entry", err)
	}
	if err := s.redis.SetWithExpiration(ctx, cellKey(cell), data, s.cfg.CacheTTL); err != nil {
		return nil, common.NewInternalError("failed to cache surge entry", err)
	}

	if err := s.redis.SAdd(ctx, regionKey(region), cell); err != nil {
		logger.WarnContext(ctx, "failed to register surge cell in region set",
			zap.String("cell", cell),
			zap.String("region", region),
			zap.Error(err),
		)
	}

	surgeCalculationsTotal.WithLabelValues(region).Inc()

	if entry.Multiplier != previous {
		s.publish(ctx, eventbus.SurgeUpdatedData{
			Cell:               cell,
			Region:             region,
			Multiplier:         entry.Multiplier,
			PreviousMultiplier: previous,
			Supply:             supply,
			Demand:             demand,
			ValidUntil:         entry.ValidUntil,
		})
	}

	return entry, nil
}

// GetSurgeForLocation returns the surge entry covering a point, computing it
// on a cache miss.
func (s *Service) GetSurgeForLocation(ctx context.Context, lat, lng float64) (*CellSurge, error) {
	cell := geo.CellID(lat, lng)
	if cell == "" {
		return nil, common.NewValidationError("coordinates do not map to a cell")
	}

	if raw, err := s.redis.GetString(ctx, cellKey(cell)); err == nil {
		var entry CellSurge
		if json.Unmarshal([]byte(raw), &entry) == nil {
			return &entry, nil
		}
	}

	return s.CalculateSurge(ctx, CalculateInput{
		Cell:      cell,
		Region:    geo.RegionFor(lat, lng),
		Latitude:  lat,
		Longitude: lng,
	})
}

// GetSurgeZonesForRegion lists cached surge entries for a region at or above
// a threshold, hottest first. Expired entries drop out via the MGET misses.
func (s *Service) GetSurgeZonesForRegion(ctx context.Context, region string, minMultiplier float64) ([]CellSurge, error) {
	cells, err := s.redis.SMembers(ctx, regionKey(region))
	if err != nil {
		return nil, common.NewInternalError("failed to list region surge cells", err)
	}
	if len(cells) == 0 {
		return []CellSurge{}, nil
	}

	keys := make([]string, len(cells))
	for i, cell := range cells {
		keys[i] = cellKey(cell)
	}
	values, err := s.redis.MGetStrings(ctx, keys...)
	if err != nil {
		return nil, common.NewInternalError("failed to load surge entries", err)
	}

	zones := make([]CellSurge, 0, len(values))
	for _, raw := range values {
		if raw == "" {
			continue
		}
		var entry CellSurge
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			continue
		}
		if entry.Multiplier >= minMultiplier {
			zones = append(zones, entry)
		}
	}

	// hottest cells first
	sort.Slice(zones, func(i, j int) bool {
		return zones[i].Multiplier > zones[j].Multiplier
	})

	return zones, nil
}

func (s *Service) resolve(input CalculateInput) (cell, region string, lat, lng float64, err error) {
	cell = input.Cell
	lat, lng = input.Latitude, input.Longitude

	switch {
	case cell == "" && lat == 0 && lng == 0:
		return "", "", 0, 0, common.NewValidationError("cell or coordinates required")
	case cell == "":
		cell = geo.CellID(lat, lng)
		if cell == "" {
			return "", "", 0, 0, common.NewValidationError("coordinates do not map to a cell")
		}
	case lat == 0 && lng == 0:
		lat, lng, err = geo.CellCenter(cell)
		if err != nil {
			return "", "", 0, 0, common.NewValidationError("invalid cell identifier")
		}
	}

	region = input.Region
	if region == "" {
		region = geo.RegionFor(lat, lng)
	}

	return cell, region, lat, lng, nil
}

func (s *Service) readDemand(ctx context.Context, cell string) int {
	raw, err := s.redis.GetString(ctx, demandKey(cell))
	if err != nil {
		return 0
	}
	demand, err := strconv.Atoi(raw)
	if err != nil {
		logger.WarnContext(ctx, "corrupt demand counter",
			zap.String("cell", cell),
			zap.String("value", raw),
		)
		return 0
	}
	return demand
}

// multiplier maps supply and demand to the clamped, smoothed multiplier,
// rounded to one decimal.
func (s *Service) multiplier(supply, demand int) float64 {
	if supply == 0 {
		if demand == 0 {
			return s.cfg.MinMultiplier
		}
		return s.cfg.MaxMultiplier
	}

	raw := float64(demand) / float64(supply)
	m := 1 + (raw-1)*sigma
	m = math.Max(s.cfg.MinMultiplier, math.Min(s.cfg.MaxMultiplier, m))
	return math.Round(m*10) / 10
}

func (s *Service) publish(ctx context.Context, data eventbus.SurgeUpdatedData) {
	if s.bus == nil {
		return
	}
	event, err := eventbus.NewEvent(eventbus.SubjectSurgeUpdated, eventSource, data)
	if err != nil {
		logger.WarnContext(ctx, "failed to build surge event", zap.Error(err))
		return
	}
	if err := s.bus.Publish(ctx, eventbus.SubjectSurgeUpdated, event); err != nil {
		logger.WarnContext(ctx, "failed to publish surge event",
			zap.String("cell", data.Cell),
			zap.Error(err),
		)
	}
}
