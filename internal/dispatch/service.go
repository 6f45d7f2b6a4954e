package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/swiftride/dispatch/internal/geo"
	"github.com/swiftride/dispatch/internal/presence"
	"github.com/swiftride/dispatch/internal/surge"
	"github.com/swiftride/dispatch/pkg/async"
	"github.com/swiftride/dispatch/pkg/common"
	"github.com/swiftride/dispatch/pkg/config"
	"github.com/swiftride/dispatch/pkg/eventbus"
	"github.com/swiftride/dispatch/pkg/logger"
	redisClient "github.com/swiftride/dispatch/pkg/redis"
	"github.com/swiftride/dispatch/pkg/resilience"
	"github.com/swiftride/dispatch/pkg/tracing"
)

const (
	eventSource = "dispatch"
	tracerName  = "dispatch-service"

	// The fast-lookup entry outlives the offer slightly so a response that
	// races the deadline still resolves against the entry, not a void.
	offerEntrySlack = 5 * time.Second

	// Timers fire just after the offer deadline; CheckTimeout revalidates
	// under the lock, so an early or duplicate fire is harmless.
	offerTimerSlack = time.Second

	offerTimerBudget = 5 * time.Second

	// A probe that loses the per-ride lock (or hits a transient failure)
	// retries a bounded number of times so the offer cannot sit PENDING
	// past its deadline with no probe left.
	offerTimerRetries    = 2
	offerTimerRetryDelay = 500 * time.Millisecond
)

func offerKey(rideID uuid.UUID) string {
	return "ride:" + rideID.String() + ":offer"
}

// PresenceDirectory is the slice of the presence index matching needs.
type PresenceDirectory interface {
	FindNearby(ctx context.Context, q presence.NearbyQuery) ([]presence.NearbyDriver, error)
	SetStatus(ctx context.Context, input presence.SetStatusInput) (*presence.StatusChange, error)
}

// SurgeReader is the slice of the surge engine the intake path needs.
type SurgeReader interface {
	IncrementDemand(ctx context.Context, cell, region string) (int64, error)
	GetSurgeForLocation(ctx context.Context, lat, lng float64) (*surge.CellSurge, error)
}

// Service owns the ride request lifecycle: intake, matching, offers,
// driver responses, timeouts, and cancellation.
type Service struct {
	repo         Repository
	drivers      PresenceDirectory
	surge        SurgeReader
	redis        redisClient.ClientInterface
	bus          eventbus.Publisher
	locker       *RideLocker
	scorer       *Scorer
	surgeBreaker *resilience.CircuitBreaker
	cfg          config.DispatchConfig
	fare         config.FareConfig
}

// NewService creates the dispatch service. surgeBreaker may be nil, in which
// case surge lookups run unprotected.
func NewService(
	repo Repository,
	drivers PresenceDirectory,
	surgeReader SurgeReader,
	redis redisClient.ClientInterface,
	bus eventbus.Publisher,
	surgeBreaker *resilience.CircuitBreaker,
	cfg config.DispatchConfig,
	fare config.FareConfig,
) *Service {
	return &Service{
		repo:         repo,
		drivers:      drivers,
		surge:        surgeReader,
		redis:        redis,
		bus:          bus,
		locker:       NewRideLocker(redis, cfg.LockTTL),
		scorer:       NewScorer(DefaultScoringConfig()),
		surgeBreaker: surgeBreaker,
		cfg:          cfg,
		fare:         fare,
	}
}

// CreateRideRequest validates intake, prices the ride, persists it in
// MATCHING, and runs the first matching pass synchronously. The idempotency
// arbitration itself happens in middleware before this is reached; the key
// is stored on the row for audit.
func (s *Service) CreateRideRequest(ctx context.Context, input CreateRideInput) (*RideResponse, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "CreateRideRequest")
	defer span.End()

	if err := validateRideInput(input); err != nil {
		return nil, err
	}

	tracing.AddSpanAttributes(ctx,
		tracing.RiderIDKey.String(input.RiderID.String()),
		tracing.LatitudeKey.Float64(input.Pickup.Latitude),
		tracing.LongitudeKey.Float64(input.Pickup.Longitude),
	)

	region := geo.RegionFor(input.Pickup.Latitude, input.Pickup.Longitude)
	cell := geo.CellID(input.Pickup.Latitude, input.Pickup.Longitude)

	// Demand feeds surge; losing a tick skews pricing, never correctness.
	if _, err := s.surge.IncrementDemand(ctx, cell, region); err != nil {
		logger.WarnContext(ctx, "demand increment failed",
			zap.String("cell", cell),
			zap.Error(err),
		)
	}

	multiplier := s.surgeMultiplier(ctx, input.Pickup.Latitude, input.Pickup.Longitude)

	distance := geo.Haversine(
		input.Pickup.Latitude, input.Pickup.Longitude,
		input.Destination.Latitude, input.Destination.Longitude,
	)
	fare := s.estimateFare(distance, multiplier)

	ride := &RideRequest{
		ID:                   uuid.New(),
		RiderID:              input.RiderID,
		Status:               StatusMatching,
		PickupLatitude:       input.Pickup.Latitude,
		PickupLongitude:      input.Pickup.Longitude,
		DestinationLatitude:  input.Destination.Latitude,
		DestinationLongitude: input.Destination.Longitude,
		Tier:                 input.Tier,
		PaymentMethod:        input.PaymentMethod,
		SurgeMultiplier:      multiplier,
		EstimatedDistanceKm:  distance,
		EstimatedFare:        fare,
		MatchAttempts:        0,
		IdempotencyKey:       input.IdempotencyKey,
		Region:               region,
		Cell:                 cell,
		ExpiresAt:            time.Now().UTC().Add(s.cfg.RequestTTL),
	}

	if err := s.repo.CreateRideRequest(ctx, ride); err != nil {
		// Two creates with the same key can both pass the idempotency cache
		// when Redis fails open; the unique index picks the winner.
		if errors.Is(err, ErrDuplicateRide) {
			return nil, common.NewDuplicateRideError("a ride with this idempotency key already exists")
		}
		tracing.RecordError(ctx, err)
		return nil, common.NewInternalError("failed to create ride request", err)
	}

	ridesCreatedTotal.WithLabelValues(region, string(ride.Tier)).Inc()
	tracing.AddSpanAttributes(ctx,
		tracing.RideIDKey.String(ride.ID.String()),
		tracing.RegionKey.String(region),
		tracing.CellKey.String(cell),
		tracing.TierKey.String(string(ride.Tier)),
		tracing.SurgeKey.Float64(multiplier),
		tracing.FareKey.Float64(fare),
	)

	s.publish(ctx, eventbus.SubjectRideRequested, eventbus.RideRequestedData{
		RideID:               ride.ID,
		RiderID:              ride.RiderID,
		PickupLatitude:       ride.PickupLatitude,
		PickupLongitude:      ride.PickupLongitude,
		DestinationLatitude:  ride.DestinationLatitude,
		DestinationLongitude: ride.DestinationLongitude,
		Tier:                 string(ride.Tier),
		PaymentMethod:        string(ride.PaymentMethod),
		SurgeMultiplier:      ride.SurgeMultiplier,
		EstimatedFare:        ride.EstimatedFare,
		Region:               ride.Region,
		RequestedAt:          time.Now().UTC(),
	})

	outcome, err := s.MatchNextDriver(ctx, ride)
	if err != nil {
		// The ride row exists and stays MATCHING; a later pass picks it up.
		logger.WarnContext(ctx, "initial matching pass failed",
			zap.String("rideId", ride.ID.String()),
			zap.Error(err),
		)
		return ride.toResponse(nil), nil
	}

	resp := ride.toResponse(outcome.Driver)
	if outcome.Matched {
		// The create response reports the intake state; the pending offer
		// rides along as matchedDriver, and ride.matched carries the
		// DRIVER_OFFERED transition.
		resp.Status = StatusMatching
	}
	return resp, nil
}

// MatchNextDriver runs one matching pass for a ride in MATCHING: find
// candidates, pick one, create the offer, flip the ride to DRIVER_OFFERED,
// and arm the timeout probe. No candidates moves the ride to its terminal
// status. The caller's ride is updated in place on success.
func (s *Service) MatchNextDriver(ctx context.Context, ride *RideRequest) (*MatchOutcome, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "MatchNextDriver")
	defer span.End()
	tracing.AddSpanAttributes(ctx, tracing.RideIDKey.String(ride.ID.String()))

	if err := guardTransition(ride.Status, StatusDriverOffered); err != nil {
		return nil, err
	}

	excluded, err := s.repo.OfferedDriverIDs(ctx, ride.ID)
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, common.NewInternalError("failed to load prior offers", err)
	}

	candidates, err := s.drivers.FindNearby(ctx, presence.NearbyQuery{
		Latitude:  ride.PickupLatitude,
		Longitude: ride.PickupLongitude,
		RadiusKm:  s.cfg.DefaultRadiusKm,
		Region:    ride.Region,
		Tier:      ride.Tier,
		Limit:     s.cfg.CandidateLimit,
	})
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, common.NewInternalError("failed to search nearby drivers", err)
	}

	eligible := excludeOffered(candidates, excluded)
	if len(eligible) == 0 {
		return s.finishUnmatched(ctx, ride)
	}

	selected := s.selectCandidate(ctx, eligible)

	now := time.Now().UTC()
	offer := &DriverOffer{
		ID:            uuid.New(),
		RideRequestID: ride.ID,
		DriverID:      selected.DriverID,
		Status:        OfferPending,
		DistanceKm:    selected.DistanceKm,
		EtaMinutes:    geo.ETAMinutes(selected.DistanceKm),
		ExpiresAt:     now.Add(s.cfg.OfferTTL),
	}

	if err := s.repo.CreateOffer(ctx, offer); err != nil {
		tracing.RecordError(ctx, err)
		return nil, common.NewInternalError("failed to create driver offer", err)
	}

	attempts := ride.MatchAttempts + 1
	if err := s.repo.UpdateForOffer(ctx, ride.ID, offer.DriverID, offer.ID, attempts); err != nil {
		tracing.RecordError(ctx, err)
		return nil, common.NewInternalError("failed to attach offer to ride", err)
	}

	ride.Status = StatusDriverOffered
	ride.DriverID = &offer.DriverID
	ride.CurrentOfferID = &offer.ID
	ride.MatchAttempts = attempts

	s.writeOfferEntry(ctx, ride.ID, offer)

	tracing.AddSpanAttributes(ctx,
		tracing.OfferIDKey.String(offer.ID.String()),
		tracing.DriverIDKey.String(offer.DriverID.String()),
		tracing.DistanceKey.Float64(offer.DistanceKm),
		tracing.AttemptKey.Int(attempts),
	)

	offersCreatedTotal.WithLabelValues(ride.Region).Inc()
	matchAttemptsHistogram.Observe(float64(attempts))

	s.publish(ctx, eventbus.SubjectRideMatched, eventbus.RideMatchedData{
		RideID:         ride.ID,
		DriverID:       offer.DriverID,
		OfferID:        offer.ID,
		Attempt:        attempts,
		DistanceKm:     offer.DistanceKm,
		EtaMinutes:     offer.EtaMinutes,
		OfferExpiresAt: offer.ExpiresAt,
	})

	s.armOfferTimer(ctx, ride.ID)

	return &MatchOutcome{
		Matched:     true,
		FinalStatus: StatusDriverOffered,
		Driver: &MatchedDriver{
			DriverID:       offer.DriverID,
			OfferID:        offer.ID,
			DistanceKm:     offer.DistanceKm,
			EtaMinutes:     offer.EtaMinutes,
			OfferExpiresAt: offer.ExpiresAt,
		},
	}, nil
}

// HandleDriverResponse applies an accept or decline to the ride's current
// offer under the per-ride lock.
func (s *Service) HandleDriverResponse(ctx context.Context, rideID uuid.UUID, input DriverResponseInput) (*ResponseOutcome, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "HandleDriverResponse")
	defer span.End()
	tracing.AddSpanAttributes(ctx,
		tracing.RideIDKey.String(rideID.String()),
		tracing.DriverIDKey.String(input.DriverID.String()),
	)

	if input.Action != ActionAccept && input.Action != ActionDecline {
		return nil, common.NewValidationError("action must be ACCEPT or DECLINE")
	}

	token, acquired, err := s.locker.Acquire(ctx, rideID)
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, common.NewInternalError("failed to acquire ride lock", err)
	}
	if !acquired {
		return nil, common.NewRideBusyError("another update for this ride is in progress")
	}
	defer s.locker.Release(ctx, rideID, token)

	ride, err := s.repo.GetRideRequest(ctx, rideID)
	if err != nil {
		return nil, common.NewNotFoundError("ride not found", nil)
	}

	offer, err := s.currentPendingOffer(ctx, ride, input.DriverID)
	if err != nil {
		return nil, err
	}

	// The fast entry is the liveness authority. Gone means the offer died,
	// whatever the relational row still says.
	if !s.offerEntryAlive(ctx, rideID) {
		return nil, common.NewOfferExpiredError("offer has expired")
	}

	driverResponsesTotal.WithLabelValues(string(input.Action)).Inc()

	if input.Action == ActionAccept {
		return s.acceptOffer(ctx, ride, offer)
	}

	reason := input.Reason
	if reason == "" {
		reason = "Declined by driver"
	}
	return s.declineCurrentOffer(ctx, ride, offer, reason, OfferDeclined)
}

// CheckTimeout expires the current offer when its deadline passed. It is
// driven by the per-offer timer and by the public endpoint; both paths
// revalidate under the lock, so duplicate or stale probes are no-ops.
func (s *Service) CheckTimeout(ctx context.Context, rideID uuid.UUID) (*TimeoutResult, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "CheckTimeout")
	defer span.End()
	tracing.AddSpanAttributes(ctx, tracing.RideIDKey.String(rideID.String()))

	token, acquired, err := s.locker.Acquire(ctx, rideID)
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, common.NewInternalError("failed to acquire ride lock", err)
	}
	if !acquired {
		return nil, common.NewRideBusyError("another update for this ride is in progress")
	}
	defer s.locker.Release(ctx, rideID, token)

	ride, err := s.repo.GetRideRequest(ctx, rideID)
	if err != nil {
		return nil, common.NewNotFoundError("ride not found", nil)
	}

	if ride.Status != StatusDriverOffered || ride.CurrentOfferID == nil {
		return &TimeoutResult{TimedOut: false}, nil
	}

	if entry := s.readOfferEntry(ctx, rideID); entry != nil && entry.ExpiresAt.After(time.Now().UTC()) {
		return &TimeoutResult{TimedOut: false}, nil
	}

	offer, err := s.repo.GetOffer(ctx, *ride.CurrentOfferID)
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, common.NewInternalError("failed to load current offer", err)
	}

	offerTimeoutsTotal.Inc()

	outcome, err := s.declineCurrentOffer(ctx, ride, offer, "Timeout", OfferExpired)
	if err != nil {
		return nil, err
	}

	return &TimeoutResult{TimedOut: true, Outcome: outcome}, nil
}

// GetRideDetails returns the ride with its current offer resolved.
func (s *Service) GetRideDetails(ctx context.Context, rideID uuid.UUID) (*RideDetails, error) {
	ride, err := s.repo.GetRideRequest(ctx, rideID)
	if err != nil {
		return nil, common.NewNotFoundError("ride not found", nil)
	}

	details := &RideDetails{
		RideResponse:       *ride.toResponse(nil),
		CancellationReason: ride.CancellationReason,
		DriverID:           ride.DriverID,
	}

	if ride.CurrentOfferID == nil {
		return details, nil
	}

	offer, err := s.repo.GetOffer(ctx, *ride.CurrentOfferID)
	if err != nil {
		logger.WarnContext(ctx, "failed to load current offer for ride details",
			zap.String("rideId", rideID.String()),
			zap.Error(err),
		)
		return details, nil
	}

	details.CurrentOffer = &OfferSummary{
		OfferID:    offer.ID,
		DriverID:   offer.DriverID,
		Status:     offer.Status,
		DistanceKm: offer.DistanceKm,
		ExpiresAt:  offer.ExpiresAt,
	}

	return details, nil
}

// CancelRide moves the ride to CANCELLED. Already-terminal rides are a
// no-op: the current state comes back unchanged. The conditional UPDATE
// arbitrates races with accepts, so no lock is needed here.
func (s *Service) CancelRide(ctx context.Context, rideID uuid.UUID, reason *string) (*RideDetails, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "CancelRide")
	defer span.End()
	tracing.AddSpanAttributes(ctx, tracing.RideIDKey.String(rideID.String()))

	ride, err := s.repo.GetRideRequest(ctx, rideID)
	if err != nil {
		return nil, common.NewNotFoundError("ride not found", nil)
	}

	// Already settled: report the current state without touching anything.
	if ride.Status.Terminal() {
		return s.GetRideDetails(ctx, rideID)
	}

	if err := guardTransition(ride.Status, StatusCancelled); err != nil {
		return nil, err
	}

	moved, err := s.repo.MarkTerminal(ctx, rideID, StatusCancelled, reason)
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, common.NewInternalError("failed to cancel ride", err)
	}

	if moved {
		s.deleteOfferEntry(ctx, rideID)

		if ride.CurrentOfferID != nil {
			cancelReason := "Ride cancelled"
			if _, err := s.repo.ResolveOffer(ctx, *ride.CurrentOfferID, OfferExpired, time.Now().UTC(), &cancelReason); err != nil {
				logger.WarnContext(ctx, "failed to expire offer on cancel",
					zap.String("rideId", rideID.String()),
					zap.Error(err),
				)
			}
		}

		cancelledReason := ""
		if reason != nil {
			cancelledReason = *reason
		}
		s.publish(ctx, eventbus.SubjectRideCancelled, eventbus.RideCancelledData{
			RideID:      rideID,
			Reason:      cancelledReason,
			CancelledAt: time.Now().UTC(),
		})
		ridesCancelledTotal.Inc()
	}

	return s.GetRideDetails(ctx, rideID)
}

// ─── internals ───

// guardTransition rejects a status move the ride state machine does not
// allow. The conditional UPDATEs in the repository stay the authoritative
// barrier; this check runs before any write is issued.
func guardTransition(from, to RideStatus) error {
	if CanTransition(from, to) {
		return nil
	}
	return common.NewOfferInvalidError(fmt.Sprintf("ride in %s cannot move to %s", from, to))
}

// acceptOffer commits the accept. The conditional UPDATE inside AcceptRide
// is the second barrier: it re-checks status and offer id at the database,
// so two accepts can never both win even if the lock ever failed us.
func (s *Service) acceptOffer(ctx context.Context, ride *RideRequest, offer *DriverOffer) (*ResponseOutcome, error) {
	if err := guardTransition(ride.Status, StatusAccepted); err != nil {
		return nil, err
	}

	accepted, err := s.repo.AcceptRide(ctx, ride.ID, offer.DriverID, offer.ID)
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, common.NewInternalError("failed to accept ride", err)
	}
	if !accepted {
		return nil, common.NewOfferInvalidError("offer no longer matches the ride state")
	}

	tracing.AddSpanEvent(ctx, "ride_accepted",
		tracing.RideIDKey.String(ride.ID.String()),
		tracing.DriverIDKey.String(offer.DriverID.String()),
	)

	s.deleteOfferEntry(ctx, ride.ID)

	if _, err := s.drivers.SetStatus(ctx, presence.SetStatusInput{
		DriverID: offer.DriverID,
		Status:   presence.StatusOnTrip,
	}); err != nil {
		logger.WarnContext(ctx, "failed to flip driver to ON_TRIP",
			zap.String("driverId", offer.DriverID.String()),
			zap.Error(err),
		)
	}

	s.publish(ctx, eventbus.SubjectRideAccepted, eventbus.RideAcceptedData{
		RideID:     ride.ID,
		DriverID:   offer.DriverID,
		OfferID:    offer.ID,
		AcceptedAt: time.Now().UTC(),
	})
	matchOutcomesTotal.WithLabelValues("accepted").Inc()

	driverID := offer.DriverID
	return &ResponseOutcome{Status: ResponseAccepted, DriverID: &driverID}, nil
}

// declineCurrentOffer resolves the offer (DECLINED for explicit declines,
// EXPIRED for timeouts), then either exhausts the ride or requeues it and
// runs the next matching pass. Callers hold the per-ride lock.
func (s *Service) declineCurrentOffer(ctx context.Context, ride *RideRequest, offer *DriverOffer, reason string, offerStatus OfferStatus) (*ResponseOutcome, error) {
	resolved, err := s.repo.ResolveOffer(ctx, offer.ID, offerStatus, time.Now().UTC(), &reason)
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, common.NewInternalError("failed to resolve driver offer", err)
	}
	if !resolved {
		return nil, common.NewOfferInvalidError("offer is no longer pending")
	}

	s.deleteOfferEntry(ctx, ride.ID)

	s.publish(ctx, eventbus.SubjectRideDeclined, eventbus.RideDeclinedData{
		RideID:     ride.ID,
		DriverID:   offer.DriverID,
		OfferID:    offer.ID,
		Reason:     reason,
		Attempt:    ride.MatchAttempts,
		DeclinedAt: time.Now().UTC(),
	})

	if ride.MatchAttempts >= s.cfg.MaxAttempts {
		return s.exhaustRide(ctx, ride, "Max match attempts reached")
	}

	if err := guardTransition(ride.Status, StatusMatching); err != nil {
		return nil, err
	}
	if err := s.repo.RequeueForMatching(ctx, ride.ID); err != nil {
		tracing.RecordError(ctx, err)
		return nil, common.NewInternalError("failed to requeue ride", err)
	}
	ride.Status = StatusMatching
	ride.DriverID = nil
	ride.CurrentOfferID = nil

	outcome, err := s.MatchNextDriver(ctx, ride)
	if err != nil {
		return nil, err
	}
	if outcome.Matched {
		matchOutcomesTotal.WithLabelValues("reassigned").Inc()
		return &ResponseOutcome{Status: ResponseReassigned, Driver: outcome.Driver}, nil
	}

	return &ResponseOutcome{Status: ResponseExpired, Reason: "No available drivers"}, nil
}

// exhaustRide finalizes a ride that ran out of attempts.
func (s *Service) exhaustRide(ctx context.Context, ride *RideRequest, reason string) (*ResponseOutcome, error) {
	if err := guardTransition(ride.Status, StatusExpired); err != nil {
		return nil, err
	}

	moved, err := s.repo.MarkTerminal(ctx, ride.ID, StatusExpired, &reason)
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, common.NewInternalError("failed to expire ride", err)
	}
	if moved {
		ride.Status = StatusExpired
		s.publish(ctx, eventbus.SubjectRideExpired, eventbus.RideExpiredData{
			RideID:      ride.ID,
			FinalStatus: string(StatusExpired),
			Attempts:    ride.MatchAttempts,
			Reason:      reason,
			ExpiredAt:   time.Now().UTC(),
		})
		matchOutcomesTotal.WithLabelValues("expired").Inc()
	}

	return &ResponseOutcome{Status: ResponseExpired, Reason: reason}, nil
}

// finishUnmatched terminates a matching pass that found no candidates.
// First pass means nobody was ever around (NO_DRIVERS); later passes mean
// the pool drained mid-dispatch (EXPIRED).
func (s *Service) finishUnmatched(ctx context.Context, ride *RideRequest) (*MatchOutcome, error) {
	status := StatusNoDrivers
	reason := "No drivers available"
	if ride.MatchAttempts > 0 {
		status = StatusExpired
		reason = "No available drivers"
	}

	if err := guardTransition(ride.Status, status); err != nil {
		return nil, err
	}

	moved, err := s.repo.MarkTerminal(ctx, ride.ID, status, &reason)
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, common.NewInternalError("failed to finalize unmatched ride", err)
	}
	if moved {
		ride.Status = status
		s.publish(ctx, eventbus.SubjectRideExpired, eventbus.RideExpiredData{
			RideID:      ride.ID,
			FinalStatus: string(status),
			Attempts:    ride.MatchAttempts,
			Reason:      reason,
			ExpiredAt:   time.Now().UTC(),
		})
		matchOutcomesTotal.WithLabelValues("no_drivers").Inc()
	}

	return &MatchOutcome{Matched: false, FinalStatus: status}, nil
}

// currentPendingOffer loads and checks the offer a driver is answering.
func (s *Service) currentPendingOffer(ctx context.Context, ride *RideRequest, driverID uuid.UUID) (*DriverOffer, error) {
	if ride.Status != StatusDriverOffered || ride.CurrentOfferID == nil {
		return nil, common.NewOfferInvalidError("ride has no active offer")
	}

	offer, err := s.repo.GetOffer(ctx, *ride.CurrentOfferID)
	if err != nil {
		return nil, common.NewOfferInvalidError("ride has no active offer")
	}

	if offer.Status != OfferPending || offer.DriverID != driverID {
		return nil, common.NewOfferInvalidError("offer is not pending for this driver")
	}

	return offer, nil
}

// selectCandidate picks the driver to offer to. Default is nearest-first
// (FindNearby returns distance order); scoring reranks when enabled.
func (s *Service) selectCandidate(ctx context.Context, eligible []presence.NearbyDriver) presence.NearbyDriver {
	if !s.cfg.UseScoring || len(eligible) < 2 {
		return eligible[0]
	}

	ids := make([]uuid.UUID, len(eligible))
	for i, c := range eligible {
		ids[i] = c.DriverID
	}

	stats, err := s.repo.GetDriverStats(ctx, ids)
	if err != nil {
		logger.WarnContext(ctx, "driver stats unavailable, falling back to nearest",
			zap.Error(err),
		)
		return eligible[0]
	}

	return s.scorer.Rank(eligible, stats)[0]
}

// armOfferTimer schedules the internal timeout probe for the offer just
// created. The probe re-checks everything under the lock, so it stays
// correct even when the offer was already resolved or replaced.
func (s *Service) armOfferTimer(ctx context.Context, rideID uuid.UUID) {
	if !s.cfg.OfferTimers {
		return
	}

	tc := async.CaptureContext(ctx, "offer-timeout")
	time.AfterFunc(s.cfg.OfferTTL+offerTimerSlack, func() {
		for attempt := 0; ; attempt++ {
			err := func() error {
				probeCtx, cancel := tc.NewContextWithTimeout(offerTimerBudget)
				defer cancel()
				_, err := s.CheckTimeout(probeCtx, rideID)
				return err
			}()
			if err == nil {
				return
			}

			// An unknown ride will not become known on retry.
			var appErr *common.AppError
			if errors.As(err, &appErr) && appErr.ErrorCode == common.CodeNotFound {
				return
			}

			if attempt >= offerTimerRetries {
				logger.Warn("offer timeout probe failed",
					zap.String("rideId", rideID.String()),
					zap.Int("attempts", attempt+1),
					zap.Error(err),
				)
				return
			}
			time.Sleep(offerTimerRetryDelay)
		}
	})
}

// writeOfferEntry installs the fast-lookup record for a fresh offer. A
// failed write just means the offer dies early through the timeout path.
func (s *Service) writeOfferEntry(ctx context.Context, rideID uuid.UUID, offer *DriverOffer) {
	entry := offerEntry{
		OfferID:   offer.ID,
		DriverID:  offer.DriverID,
		ExpiresAt: offer.ExpiresAt,
	}

	data, err := json.Marshal(entry)
	if err != nil {
		logger.WarnContext(ctx, "failed to encode offer entry", zap.Error(err))
		return
	}

	if err := s.redis.SetWithExpiration(ctx, offerKey(rideID), data, s.cfg.OfferTTL+offerEntrySlack); err != nil {
		logger.WarnContext(ctx, "failed to write offer entry",
			zap.String("rideId", rideID.String()),
			zap.Error(err),
		)
	}
}

// readOfferEntry returns the fast-lookup record, or nil when absent or
// unreadable. Absent is authoritative for offer death.
func (s *Service) readOfferEntry(ctx context.Context, rideID uuid.UUID) *offerEntry {
	raw, err := s.redis.GetString(ctx, offerKey(rideID))
	if err != nil || raw == "" {
		return nil
	}

	var entry offerEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		logger.WarnContext(ctx, "corrupt offer entry",
			zap.String("rideId", rideID.String()),
			zap.Error(err),
		)
		return nil
	}

	return &entry
}

func (s *Service) offerEntryAlive(ctx context.Context, rideID uuid.UUID) bool {
	return s.readOfferEntry(ctx, rideID) != nil
}

func (s *Service) deleteOfferEntry(ctx context.Context, rideID uuid.UUID) {
	if err := s.redis.Delete(ctx, offerKey(rideID)); err != nil {
		logger.WarnContext(ctx, "failed to delete offer entry",
			zap.String("rideId", rideID.String()),
			zap.Error(err),
		)
	}
}

// surgeMultiplier reads the surge multiplier through the circuit breaker.
// Any failure prices the ride at base fare.
func (s *Service) surgeMultiplier(ctx context.Context, lat, lng float64) float64 {
	result, err := s.surgeBreaker.Execute(ctx, func(ctx context.Context) (interface{}, error) {
		return s.surge.GetSurgeForLocation(ctx, lat, lng)
	})
	if err != nil {
		logger.WarnContext(ctx, "surge lookup unavailable, using base fare", zap.Error(err))
		return 1.0
	}

	info, ok := result.(*surge.CellSurge)
	if !ok || info == nil {
		return 1.0
	}

	return info.Multiplier
}

// estimateFare prices a trip: base plus distance and time components, all
// scaled by the surge multiplier, rounded to cents.
func (s *Service) estimateFare(distanceKm, multiplier float64) float64 {
	fare := (s.fare.Base + s.fare.PerKm*distanceKm + s.fare.PerMinute*geo.TripMinutes(distanceKm)) * multiplier
	return math.Round(fare*100) / 100
}

func excludeOffered(candidates []presence.NearbyDriver, excluded []uuid.UUID) []presence.NearbyDriver {
	if len(excluded) == 0 {
		return candidates
	}

	skip := make(map[uuid.UUID]struct{}, len(excluded))
	for _, id := range excluded {
		skip[id] = struct{}{}
	}

	eligible := make([]presence.NearbyDriver, 0, len(candidates))
	for _, c := range candidates {
		if _, ok := skip[c.DriverID]; ok {
			continue
		}
		eligible = append(eligible, c)
	}

	return eligible
}

func validateRideInput(input CreateRideInput) error {
	if input.RiderID == uuid.Nil {
		return common.NewValidationError("riderId is required")
	}
	if !validPoint(input.Pickup) {
		return common.NewValidationError("pickup coordinates out of range")
	}
	if !validPoint(input.Destination) {
		return common.NewValidationError("destination coordinates out of range")
	}
	if !presence.ValidVehicleType(input.Tier) {
		return common.NewValidationError("tier must be one of ECONOMY, PREMIUM, XL")
	}
	if !ValidPaymentMethod(input.PaymentMethod) {
		return common.NewValidationError("paymentMethod must be one of CARD, WALLET, CASH")
	}
	return nil
}

func validPoint(p Point) bool {
	return p.Latitude >= -90 && p.Latitude <= 90 && p.Longitude >= -180 && p.Longitude <= 180
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
