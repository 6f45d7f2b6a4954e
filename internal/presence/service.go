package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/swiftride/dispatch/internal/geo"
	"github.com/swiftride/dispatch/pkg/common"
	"github.com/swiftride/dispatch/pkg/config"
	"github.com/swiftride/dispatch/pkg/eventbus"
	"github.com/swiftride/dispatch/pkg/logger"
	redisClient "github.com/swiftride/dispatch/pkg/redis"
	"go.uber.org/zap"
)

const (
	geoKeyPrefix      = "drivers:geo:"
	presenceKeyPrefix = "driver:presence:"
	metaKeyPrefix     = "driver:meta:"

	defaultRadiusKm = 5.0
	defaultLimit    = 20

	// FindNearby overfetches because the geo set holds drivers the marker,
	// status, and tier gates will drop. When the first batch comes back
	// full but still underfills the result, one wider pass runs.
	nearbyOverfetch     = 3
	nearbyRefetchFactor = 4

	eventSource = "dispatch"
)

func geoKey(region string) string     { return geoKeyPrefix + region }
func presenceKey(id uuid.UUID) string { return presenceKeyPrefix + id.String() }
func metaKey(id uuid.UUID) string     { return metaKeyPrefix + id.String() }

// Service maintains the driver proximity index: a geo set per region, a
// short-TTL presence marker per driver, and a metadata record per driver.
type Service struct {
	redis redisClient.ClientInterface
	bus   eventbus.Publisher
	cfg   config.PresenceConfig
}

// NewService creates a presence service.
func NewService(redis redisClient.ClientInterface, bus eventbus.Publisher, cfg config.PresenceConfig) *Service {
	return &Service{redis: redis, bus: bus, cfg: cfg}
}

// UpdateLocation ingests a driver heartbeat: geo index, presence marker,
// metadata, in that order. It never changes the driver's status. The geo
// write is required; the rest is best-effort because a missed presence or
// metadata write only hides the driver until the next heartbeat.
func (s *Service) UpdateLocation(ctx context.Context, input UpdateLocationInput) (*UpdateLocationResult, error) {
	region := geo.RegionFor(input.Latitude, input.Longitude)
	cell := geo.CellID(input.Latitude, input.Longitude)

	ts := time.Now().UTC()
	if input.Timestamp != nil {
		ts = input.Timestamp.UTC()
	}

	if err := s.redis.GeoAdd(ctx, geoKey(region), input.Longitude, input.Latitude, input.DriverID.String()); err != nil {
		return nil, common.NewInternalError("failed to index driver location", err)
	}

	if err := s.redis.SetWithExpiration(ctx, presenceKey(input.DriverID), []byte("1"), s.cfg.PresenceTTL); err != nil {
		logger.WarnContext(ctx, "presence marker write failed",
			zap.String("driverId", input.DriverID.String()),
			zap.Error(err),
		)
	}

	meta := s.loadMeta(ctx, input.DriverID)
	meta.Latitude = input.Latitude
	meta.Longitude = input.Longitude
	meta.Heading = input.Heading
	meta.Speed = input.Speed
	meta.Cell = cell
	meta.Region = region
	meta.UpdatedAt = ts
	s.saveMeta(ctx, meta)

	locationUpdatesTotal.WithLabelValues(region).Inc()

	s.publish(ctx, eventbus.SubjectDriverLocationUpdated, eventbus.DriverLocationUpdatedData{
		DriverID:  input.DriverID,
		Latitude:  input.Latitude,
		Longitude: input.Longitude,
		Heading:   input.Heading,
		Speed:     input.Speed,
		Cell:      cell,
		Region:    region,
		Timestamp: ts,
	})

	return &UpdateLocationResult{DriverID: input.DriverID, Cell: cell, Region: region}, nil
}

// SetStatus changes a driver's availability and optionally their tier.
// OFFLINE additionally removes the driver from the geo index and drops the
// presence marker so the driver disappears immediately instead of on TTL.
func (s *Service) SetStatus(ctx context.Context, input SetStatusInput) (*StatusChange, error) {
	if !ValidDriverStatus(input.Status) {
		return nil, common.NewValidationError(fmt.Sprintf("invalid driver status %q", input.Status))
	}
	if input.VehicleType != nil && !ValidVehicleType(*input.VehicleType) {
		return nil, common.NewValidationError(fmt.Sprintf("invalid vehicle type %q", *input.VehicleType))
	}

	meta := s.loadMeta(ctx, input.DriverID)
	previous := meta.Status

	meta.Status = input.Status
	if input.VehicleType != nil {
		meta.VehicleType = *input.VehicleType
	}
	meta.UpdatedAt = time.Now().UTC()

	if err := s.saveMeta(ctx, meta); err != nil {
		return nil, common.NewInternalError("failed to persist driver status", err)
	}

	if input.Status == StatusOffline {
		region := meta.Region
		if region == "" {
			region = geo.DefaultRegion
		}
		if err := s.redis.GeoRemove(ctx, geoKey(region), input.DriverID.String()); err != nil {
			logger.WarnContext(ctx, "failed to remove offline driver from geo index",
				zap.String("driverId", input.DriverID.String()),
				zap.Error(err),
			)
		}
		if err := s.redis.Delete(ctx, presenceKey(input.DriverID)); err != nil {
			logger.WarnContext(ctx, "failed to drop presence marker",
				zap.String("driverId", input.DriverID.String()),
				zap.Error(err),
			)
		}
	}

	statusChangesTotal.WithLabelValues(string(input.Status)).Inc()

	s.publish(ctx, eventbus.SubjectDriverStatusChanged, eventbus.DriverStatusChangedData{
		DriverID:       input.DriverID,
		PreviousStatus: string(previous),
		NewStatus:      string(input.Status),
		ChangedAt:      meta.UpdatedAt,
	})

	return &StatusChange{DriverID: input.DriverID, PreviousStatus: previous, Status: input.Status}, nil
}

// FindNearby returns drivers around a point, closest first. Candidates come
// from the region geo set, then presence markers and metadata are batch-read
// and used to gate the result: a driver counts only while ONLINE with a live
// presence marker and, when a tier is requested, a matching vehicle type.
// Presence expiry wins over stale geo entries.
func (s *Service) FindNearby(ctx context.Context, q NearbyQuery) ([]NearbyDriver, error) {
	region := q.Region
	if region == "" {
		region = geo.RegionFor(q.Latitude, q.Longitude)
	}
	radius := q.RadiusKm
	if radius <= 0 {
		radius = defaultRadiusKm
	}
	limit := q.Limit
	if limit <= 0 {
		limit = defaultLimit
	}

	fetch := limit * nearbyOverfetch
	members, err := s.redis.GeoSearch(ctx, geoKey(region), q.Longitude, q.Latitude, radius, fetch)
	if err != nil {
		return nil, common.NewInternalError("proximity search failed", err)
	}
	if len(members) == 0 {
		return []NearbyDriver{}, nil
	}

	drivers, err := s.filterCandidates(ctx, q.Tier, members, limit)
	if err != nil {
		return nil, err
	}

	// A dense cell can filter away most of the batch: the first fetch was
	// saturated yet the result is short. Widen once and refilter.
	if len(drivers) < limit && len(members) == fetch {
		members, err = s.redis.GeoSearch(ctx, geoKey(region), q.Longitude, q.Latitude, radius, fetch*nearbyRefetchFactor)
		if err != nil {
			return nil, common.NewInternalError("proximity search failed", err)
		}
		drivers, err = s.filterCandidates(ctx, q.Tier, members, limit)
		if err != nil {
			return nil, err
		}
	}

	nearbyResultsHistogram.Observe(float64(len(drivers)))

	return drivers, nil
}

// filterCandidates batch-reads presence markers and metadata for a geo batch
// and applies the marker, status, and tier gates, keeping distance order and
// capping at limit.
func (s *Service) filterCandidates(ctx context.Context, tier VehicleType, members []redisClient.GeoMember, limit int) ([]NearbyDriver, error) {
	keys := make([]string, 0, len(members)*2)
	for _, m := range members {
		keys = append(keys, presenceKeyPrefix+m.Member)
	}
	for _, m := range members {
		keys = append(keys, metaKeyPrefix+m.Member)
	}
	values, err := s.redis.MGetStrings(ctx, keys...)
	if err != nil {
		return nil, common.NewInternalError("failed to load driver records", err)
	}

	drivers := make([]NearbyDriver, 0, limit)
	for i, m := range members {
		if values[i] == "" {
			continue // presence marker expired
		}
		metaRaw := values[len(members)+i]
		if metaRaw == "" {
			continue
		}

		var meta DriverMeta
		if err := json.Unmarshal([]byte(metaRaw), &meta); err != nil {
			logger.WarnContext(ctx, "corrupt driver metadata, skipping",
				zap.String("driverId", m.Member),
				zap.Error(err),
			)
			continue
		}
		if meta.Status != StatusOnline {
			continue
		}
		if tier != "" && meta.VehicleType != tier {
			continue
		}

		driverID, err := uuid.Parse(m.Member)
		if err != nil {
			continue
		}

		drivers = append(drivers, NearbyDriver{
			DriverID:    driverID,
			DistanceKm:  math.Round(m.DistanceKm*100) / 100,
			Latitude:    m.Latitude,
			Longitude:   m.Longitude,
			VehicleType: meta.VehicleType,
			Status:      meta.Status,
			Heading:     meta.Heading,
			Speed:       meta.Speed,
		})
		if len(drivers) == limit {
			break
		}
	}

	return drivers, nil
}

// GetLocation returns a driver's last known position and metadata. The geo
// set coordinates win over the metadata copy when both exist.
func (s *Service) GetLocation(ctx context.Context, driverID uuid.UUID, region string) (*DriverMeta, error) {
	raw, err := s.redis.GetString(ctx, metaKey(driverID))
	if err != nil {
		return nil, common.NewNotFoundError("driver location not found", err)
	}

	var meta DriverMeta
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return nil, common.NewInternalError("failed to decode driver metadata", err)
	}

	if region == "" {
		region = meta.Region
	}
	if lng, lat, err := s.redis.GeoPos(ctx, geoKey(region), driverID.String()); err == nil {
		meta.Longitude = lng
		meta.Latitude = lat
	}

	return &meta, nil
}

// loadMeta returns the stored record or a fresh one. New drivers start
// OFFLINE on the ECONOMY tier until an explicit SetStatus.
func (s *Service) loadMeta(ctx context.Context, driverID uuid.UUID) *DriverMeta {
	raw, err := s.redis.GetString(ctx, metaKey(driverID))
	if err == nil {
		var meta DriverMeta
		if jsonErr := json.Unmarshal([]byte(raw), &meta); jsonErr == nil {
			return &meta
		}
		logger.WarnContext(ctx, "corrupt driver metadata, resetting",
			zap.String("driverId", driverID.String()),
		)
	}
	return &DriverMeta{
		DriverID:    driverID,
		Status:      StatusOffline,
		VehicleType: TierEconomy,
	}
}

func (s *Service) saveMeta(ctx context.Context, meta *DriverMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal driver metadata: %w", err)
	}
	if err := s.redis.SetWithExpiration(ctx, metaKey(meta.DriverID), data, s.cfg.MetaTTL); err != nil {
		logger.WarnContext(ctx, "driver metadata write failed",
			zap.String("driverId", meta.DriverID.String()),
			zap.Error(err),
		)
		return err
	}
	return nil
}

func (s *Service) publish(ctx context.Context, subject string, data interface{}) {
	if s.bus == nil {
		return
	}
	event, err := eventbus.NewEvent(subject, eventSource, data)
	if err != nil {
		logger.WarnContext(ctx, "failed to build event", zap.String("subject", subject), zap.Error(err))
		return
	}
	if err := s.bus.Publish(ctx, subject, event); err != nil {
		logger.WarnContext(ctx, "failed to publish event", zap.String("subject", subject), zap.Error(err))
	}
}
