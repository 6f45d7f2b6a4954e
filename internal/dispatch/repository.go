package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/swiftride/dispatch/pkg/database"
)

// ErrDuplicateRide reports an insert that hit the unique index on
// ride_requests.idempotency_key: another request with the same key already
// landed its row.
var ErrDuplicateRide = errors.New("ride request with this idempotency key already exists")

// Repository is the persistence contract the dispatch service works against.
type Repository interface {
	CreateRideRequest(ctx context.Context, ride *RideRequest) error
	GetRideRequest(ctx context.Context, id uuid.UUID) (*RideRequest, error)
	// UpdateForOffer moves a ride to DRIVER_OFFERED with the new offer
	// attached and the attempt counter bumped.
	UpdateForOffer(ctx context.Context, rideID, driverID, offerID uuid.UUID, attempts int) error
	// AcceptRide is the second barrier against a double accept: the UPDATE
	// carries the expected status and offer id in its WHERE clause and
	// reports whether exactly one row moved.
	AcceptRide(ctx context.Context, rideID, driverID, offerID uuid.UUID) (bool, error)
	// RequeueForMatching returns a ride to MATCHING, detaching the current
	// offer and driver.
	RequeueForMatching(ctx context.Context, rideID uuid.UUID) error
	// MarkTerminal sets a terminal status unless the ride is already
	// terminal; reports whether the row moved.
	MarkTerminal(ctx context.Context, rideID uuid.UUID, status RideStatus, reason *string) (bool, error)

	CreateOffer(ctx context.Context, offer *DriverOffer) error
	GetOffer(ctx context.Context, id uuid.UUID) (*DriverOffer, error)
	// ResolveOffer finalizes a PENDING offer; reports whether the offer was
	// still pending.
	ResolveOffer(ctx context.Context, offerID uuid.UUID, status OfferStatus, respondedAt time.Time, declineReason *string) (bool, error)
	// OfferedDriverIDs lists drivers who already held an offer for this
	// ride, for exclusion from the next pass.
	OfferedDriverIDs(ctx context.Context, rideID uuid.UUID) ([]uuid.UUID, error)

	GetDriverStats(ctx context.Context, driverIDs []uuid.UUID) (map[uuid.UUID]*DriverStats, error)
}

// PostgresRepository persists ride requests and driver offers via pgx.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// Ensure PostgresRepository implements Repository
var _ Repository = (*PostgresRepository)(nil)

// NewRepository creates a dispatch repository over a pgx pool.
func NewRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const rideColumns = `
	id, rider_id, driver_id, status, pickup_latitude, pickup_longitude,
	destination_latitude, destination_longitude, tier, payment_method,
	surge_multiplier, estimated_distance_km, estimated_fare, match_attempts,
	current_offer_id, idempotency_key, region, cell, cancellation_reason,
	created_at, updated_at, expires_at`

// CreateRideRequest inserts a new ride request row.
func (r *PostgresRepository) CreateRideRequest(ctx context.Context, ride *RideRequest) error {
	query := `
		INSERT INTO ride_requests (
			id, rider_id, status, pickup_latitude, pickup_longitude,
			destination_latitude, destination_longitude, tier, payment_method,
			surge_multiplier, estimated_distance_km, estimated_fare,
			match_attempts, idempotency_key, region, cell, expires_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		RETURNING created_at, updated_at
	`

	err := r.db.QueryRow(ctx, query,
		ride.ID,
		ride.RiderID,
		ride.Status,
		ride.PickupLatitude,
		ride.PickupLongitude,
		ride.DestinationLatitude,
		ride.DestinationLongitude,
		ride.Tier,
		ride.PaymentMethod,
		ride.SurgeMultiplier,
		ride.EstimatedDistanceKm,
		ride.EstimatedFare,
		ride.MatchAttempts,
		ride.IdempotencyKey,
		ride.Region,
		ride.Cell,
		ride.ExpiresAt,
	).Scan(&ride.CreatedAt, &ride.UpdatedAt)

	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateRide
		}
		return fmt.Errorf("failed to create ride request: %w", err)
	}

	return nil
}

// isUniqueViolation reports whether err is a Postgres unique-index hit.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// GetRideRequest retrieves a ride request by id. pgx.ErrNoRows surfaces
// wrapped so callers can translate it to NOT_FOUND.
func (r *PostgresRepository) GetRideRequest(ctx context.Context, id uuid.UUID) (*RideRequest, error) {
	query := `SELECT ` + rideColumns + ` FROM ride_requests WHERE id = $1`

	ride := &RideRequest{}
	err := r.db.QueryRow(ctx, query, id).Scan(
		&ride.ID,
		&ride.RiderID,
		&ride.DriverID,
		&ride.Status,
		&ride.PickupLatitude,
		&ride.PickupLongitude,
		&ride.DestinationLatitude,
		&ride.DestinationLongitude,
		&ride.Tier,
		&ride.PaymentMethod,
		&ride.SurgeMultiplier,
		&ride.EstimatedDistanceKm,
		&ride.EstimatedFare,
		&ride.MatchAttempts,
		&ride.CurrentOfferID,
		&ride.IdempotencyKey,
		&ride.Region,
		&ride.Cell,
		&ride.CancellationReason,
		&ride.CreatedAt,
		&ride.UpdatedAt,
		&ride.ExpiresAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get ride request: %w", err)
	}

	return ride, nil
}

// UpdateForOffer attaches a fresh offer to the ride.
func (r *PostgresRepository) UpdateForOffer(ctx context.Context, rideID, driverID, offerID uuid.UUID, attempts int) error {
	query := `
		UPDATE ride_requests
		SET status = $1, driver_id = $2, current_offer_id = $3, match_attempts = $4, updated_at = NOW()
		WHERE id = $5
	`

	tag, err := r.db.Exec(ctx, query, StatusDriverOffered, driverID, offerID, attempts, rideID)
	if err != nil {
		return fmt.Errorf("failed to attach offer to ride: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("failed to attach offer to ride: %w", pgx.ErrNoRows)
	}

	return nil
}

// AcceptRide performs the guarded accept. The WHERE clause re-checks status
// and the offer id under the database's own serialization, so two accepts
// for the same offer can never both see RowsAffected == 1.
func (r *PostgresRepository) AcceptRide(ctx context.Context, rideID, driverID, offerID uuid.UUID) (bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin accept transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	rideQuery := `
		UPDATE ride_requests
		SET status = $1, driver_id = $2, updated_at = NOW()
		WHERE id = $3 AND status = $4 AND current_offer_id = $5
	`
	tag, err := tx.Exec(ctx, rideQuery,
		StatusAccepted, driverID, rideID, StatusDriverOffered, offerID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to accept ride: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return false, nil
	}

	offerQuery := `
		UPDATE driver_offers
		SET status = $1, responded_at = NOW()
		WHERE id = $2 AND status = $3
	`
	if _, err := tx.Exec(ctx, offerQuery, OfferAccepted, offerID, OfferPending); err != nil {
		return false, fmt.Errorf("failed to resolve accepted offer: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit accept transaction: %w", err)
	}

	return true, nil
}

// RequeueForMatching puts a ride back in the matching pool.
func (r *PostgresRepository) RequeueForMatching(ctx context.Context, rideID uuid.UUID) error {
	query := `
		UPDATE ride_requests
		SET status = $1, driver_id = NULL, current_offer_id = NULL, updated_at = NOW()
		WHERE id = $2
	`

	if _, err := r.db.Exec(ctx, query, StatusMatching, rideID); err != nil {
		return fmt.Errorf("failed to requeue ride for matching: %w", err)
	}

	return nil
}

// MarkTerminal finalizes a ride unless something else got there first.
func (r *PostgresRepository) MarkTerminal(ctx context.Context, rideID uuid.UUID, status RideStatus, reason *string) (bool, error) {
	query := `
		UPDATE ride_requests
		SET status = $1, cancellation_reason = COALESCE($2, cancellation_reason), updated_at = NOW()
		WHERE id = $3 AND status NOT IN ($4, $5, $6, $7)
	`

	tag, err := r.db.Exec(ctx, query, status, reason, rideID,
		StatusAccepted, StatusNoDrivers, StatusExpired, StatusCancelled,
	)
	if err != nil {
		return false, fmt.Errorf("failed to finalize ride: %w", err)
	}

	return tag.RowsAffected() == 1, nil
}

// CreateOffer inserts a new driver offer row.
func (r *PostgresRepository) CreateOffer(ctx context.Context, offer *DriverOffer) error {
	query := `
		INSERT INTO driver_offers (
			id, ride_request_id, driver_id, status, distance_km, eta_minutes, expires_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`

	err := r.db.QueryRow(ctx, query,
		offer.ID,
		offer.RideRequestID,
		offer.DriverID,
		offer.Status,
		offer.DistanceKm,
		offer.EtaMinutes,
		offer.ExpiresAt,
	).Scan(&offer.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to create driver offer: %w", err)
	}

	return nil
}

// GetOffer retrieves a driver offer by id.
func (r *PostgresRepository) GetOffer(ctx context.Context, id uuid.UUID) (*DriverOffer, error) {
	query := `
		SELECT id, ride_request_id, driver_id, status, distance_km, eta_minutes,
		       expires_at, responded_at, decline_reason, created_at
		FROM driver_offers
		WHERE id = $1
	`

	offer := &DriverOffer{}
	err := r.db.QueryRow(ctx, query, id).Scan(
		&offer.ID,
		&offer.RideRequestID,
		&offer.DriverID,
		&offer.Status,
		&offer.DistanceKm,
		&offer.EtaMinutes,
		&offer.ExpiresAt,
		&offer.RespondedAt,
		&offer.DeclineReason,
		&offer.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get driver offer: %w", err)
	}

	return offer, nil
}

// ResolveOffer finalizes a PENDING offer. The status guard keeps the offer
// lifecycle monotonic: a late decline cannot overwrite an accept.
func (r *PostgresRepository) ResolveOffer(ctx context.Context, offerID uuid.UUID, status OfferStatus, respondedAt time.Time, declineReason *string) (bool, error) {
	query := `
		UPDATE driver_offers
		SET status = $1, responded_at = $2, decline_reason = $3
		WHERE id = $4 AND status = $5
	`

	tag, err := r.db.Exec(ctx, query, status, respondedAt, declineReason, offerID, OfferPending)
	if err != nil {
		return false, fmt.Errorf("failed to resolve driver offer: %w", err)
	}

	return tag.RowsAffected() == 1, nil
}

// OfferedDriverIDs lists every driver this ride has already been offered to.
func (r *PostgresRepository) OfferedDriverIDs(ctx context.Context, rideID uuid.UUID) ([]uuid.UUID, error) {
	query := `SELECT DISTINCT driver_id FROM driver_offers WHERE ride_request_id = $1`

	rows, err := r.db.Query(ctx, query, rideID)
	if err != nil {
		return nil, fmt.Errorf("failed to list offered drivers: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan offered driver id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list offered drivers: %w", err)
	}

	return ids, nil
}

// GetDriverStats returns scorer inputs for a set of drivers, with defaults
// for drivers missing from the relational store.
func (r *PostgresRepository) GetDriverStats(ctx context.Context, driverIDs []uuid.UUID) (map[uuid.UUID]*DriverStats, error) {
	if len(driverIDs) == 0 {
		return make(map[uuid.UUID]*DriverStats), nil
	}

	query := `
		SELECT
			d.id,
			COALESCE(d.rating, 4.0) AS rating,
			COALESCE(
				CAST(SUM(CASE WHEN o.status = 'ACCEPTED' THEN 1 ELSE 0 END) AS FLOAT) /
				NULLIF(COUNT(o.id), 0),
				0.8
			) AS acceptance_rate
		FROM drivers d
		LEFT JOIN driver_offers o ON o.driver_id = d.id AND o.created_at > NOW() - INTERVAL '30 days'
		WHERE d.id = ANY($1)
		GROUP BY d.id, d.rating
	`

	// A transient failure here would needlessly disable scoring for the
	// pass, so this read retries.
	stats, err := database.RetryableQuery(ctx, r.db, query, []interface{}{driverIDs},
		func(rows pgx.Rows) (map[uuid.UUID]*DriverStats, error) {
			stats := make(map[uuid.UUID]*DriverStats, len(driverIDs))
			for rows.Next() {
				s := &DriverStats{}
				if err := rows.Scan(&s.DriverID, &s.Rating, &s.AcceptanceRate); err != nil {
					return nil, fmt.Errorf("failed to scan driver stats: %w", err)
				}
				stats[s.DriverID] = s
			}
			return stats, rows.Err()
		})
	if err != nil {
		return nil, fmt.Errorf("failed to get driver stats: %w", err)
	}

	// New drivers get neutral defaults rather than a missing entry.
	for _, id := range driverIDs {
		if _, ok := stats[id]; !ok {
			stats[id] = &DriverStats{DriverID: id, Rating: 4.0, AcceptanceRate: 0.8}
		}
	}

	return stats, nil
}
