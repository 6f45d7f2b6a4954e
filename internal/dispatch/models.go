package dispatch

import (
	"time"

	"github.com/google/uuid"
	"github.com/swiftride/dispatch/internal/presence"
)

// RideStatus is the ride request state machine vocabulary. DECLINED is a
// transient hop between DRIVER_OFFERED and MATCHING; EXPIRED doubles as the
// exhaustion terminal when matching runs out of attempts or candidates.
type RideStatus string

const (
	StatusPending       RideStatus = "PENDING"
	StatusMatching      RideStatus = "MATCHING"
	StatusDriverOffered RideStatus = "DRIVER_OFFERED"
	StatusAccepted      RideStatus = "ACCEPTED"
	StatusDeclined      RideStatus = "DECLINED"
	StatusNoDrivers     RideStatus = "NO_DRIVERS"
	StatusExpired       RideStatus = "EXPIRED"
	StatusCancelled     RideStatus = "CANCELLED"
)

// Terminal reports whether a ride in this status can never move again.
func (s RideStatus) Terminal() bool {
	switch s {
	case StatusAccepted, StatusNoDrivers, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

// canTransition is the allowed edge set of the ride state machine.
var canTransition = map[RideStatus][]RideStatus{
	StatusPending:       {StatusMatching, StatusCancelled},
	StatusMatching:      {StatusDriverOffered, StatusNoDrivers, StatusExpired, StatusCancelled},
	StatusDriverOffered: {StatusAccepted, StatusDeclined, StatusMatching, StatusExpired, StatusCancelled},
	StatusDeclined:      {StatusMatching, StatusExpired, StatusCancelled},
}

// CanTransition reports whether the edge from → to is legal.
func CanTransition(from, to RideStatus) bool {
	for _, next := range canTransition[from] {
		if next == to {
			return true
		}
	}
	return false
}

// OfferStatus is the driver offer lifecycle. PENDING moves exactly once.
type OfferStatus string

const (
	OfferPending  OfferStatus = "PENDING"
	OfferAccepted OfferStatus = "ACCEPTED"
	OfferDeclined OfferStatus = "DECLINED"
	OfferExpired  OfferStatus = "EXPIRED"
)

// PaymentMethod is how the rider intends to pay.
type PaymentMethod string

const (
	PaymentCard   PaymentMethod = "CARD"
	PaymentWallet PaymentMethod = "WALLET"
	PaymentCash   PaymentMethod = "CASH"
)

// ValidPaymentMethod reports whether m is a known payment method.
func ValidPaymentMethod(m PaymentMethod) bool {
	switch m {
	case PaymentCard, PaymentWallet, PaymentCash:
		return true
	}
	return false
}

// Point is a WGS84 coordinate pair.
type Point struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// RideRequest is the persisted ride request aggregate.
type RideRequest struct {
	ID                   uuid.UUID            `json:"id" db:"id"`
	RiderID              uuid.UUID            `json:"riderId" db:"rider_id"`
	DriverID             *uuid.UUID           `json:"driverId,omitempty" db:"driver_id"`
	Status               RideStatus           `json:"status" db:"status"`
	PickupLatitude       float64              `json:"pickupLatitude" db:"pickup_latitude"`
	PickupLongitude      float64              `json:"pickupLongitude" db:"pickup_longitude"`
	DestinationLatitude  float64              `json:"destinationLatitude" db:"destination_latitude"`
	DestinationLongitude float64              `json:"destinationLongitude" db:"destination_longitude"`
	Tier                 presence.VehicleType `json:"tier" db:"tier"`
	PaymentMethod        PaymentMethod        `json:"paymentMethod" db:"payment_method"`
	SurgeMultiplier      float64              `json:"surgeMultiplier" db:"surge_multiplier"`
	EstimatedDistanceKm  float64              `json:"estimatedDistanceKm" db:"estimated_distance_km"`
	EstimatedFare        float64              `json:"estimatedFare" db:"estimated_fare"`
	MatchAttempts        int                  `json:"matchAttempts" db:"match_attempts"`
	CurrentOfferID       *uuid.UUID           `json:"currentOfferId,omitempty" db:"current_offer_id"`
	IdempotencyKey       string               `json:"-" db:"idempotency_key"`
	Region               string               `json:"region" db:"region"`
	Cell                 string               `json:"cell" db:"cell"`
	CancellationReason   *string              `json:"cancellationReason,omitempty" db:"cancellation_reason"`
	CreatedAt            time.Time            `json:"createdAt" db:"created_at"`
	UpdatedAt            time.Time            `json:"updatedAt" db:"updated_at"`
	ExpiresAt            time.Time            `json:"expiresAt" db:"expires_at"`
}

// Pickup returns the pickup coordinate pair.
func (r *RideRequest) Pickup() Point {
	return Point{Latitude: r.PickupLatitude, Longitude: r.PickupLongitude}
}

// Destination returns the destination coordinate pair.
func (r *RideRequest) Destination() Point {
	return Point{Latitude: r.DestinationLatitude, Longitude: r.DestinationLongitude}
}

// DriverOffer is one offer made to one driver for one ride request.
type DriverOffer struct {
	ID            uuid.UUID   `json:"id" db:"id"`
	RideRequestID uuid.UUID   `json:"rideRequestId" db:"ride_request_id"`
	DriverID      uuid.UUID   `json:"driverId" db:"driver_id"`
	Status        OfferStatus `json:"status" db:"status"`
	DistanceKm    float64     `json:"distanceKm" db:"distance_km"`
	EtaMinutes    int         `json:"etaMinutes" db:"eta_minutes"`
	ExpiresAt     time.Time   `json:"expiresAt" db:"expires_at"`
	RespondedAt   *time.Time  `json:"respondedAt,omitempty" db:"responded_at"`
	DeclineReason *string     `json:"declineReason,omitempty" db:"decline_reason"`
	CreatedAt     time.Time   `json:"createdAt" db:"created_at"`
}

// offerEntry is the fast-lookup record under ride:{rideId}:offer. Its absence
// is authoritative: no entry, no live offer.
type offerEntry struct {
	OfferID   uuid.UUID `json:"offerId"`
	DriverID  uuid.UUID `json:"driverId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// DriverStats carries the relational-store inputs to the optional scorer.
type DriverStats struct {
	DriverID       uuid.UUID
	Rating         float64
	AcceptanceRate float64
}

// CreateRideInput is the validated ride intake payload.
type CreateRideInput struct {
	RiderID        uuid.UUID
	Pickup         Point
	Destination    Point
	Tier           presence.VehicleType
	PaymentMethod  PaymentMethod
	IdempotencyKey string
}

// MatchedDriver describes the driver currently holding the offer.
type MatchedDriver struct {
	DriverID       uuid.UUID `json:"driverId"`
	OfferID        uuid.UUID `json:"offerId"`
	DistanceKm     float64   `json:"distanceKm"`
	EtaMinutes     int       `json:"etaMinutes"`
	OfferExpiresAt time.Time `json:"offerExpiresAt"`
}

// RideResponse is the API shape of a ride request.
type RideResponse struct {
	ID                  uuid.UUID            `json:"id"`
	RiderID             uuid.UUID            `json:"riderId"`
	Status              RideStatus           `json:"status"`
	Pickup              Point                `json:"pickup"`
	Destination         Point                `json:"destination"`
	Tier                presence.VehicleType `json:"tier"`
	PaymentMethod       PaymentMethod        `json:"paymentMethod"`
	SurgeMultiplier     float64              `json:"surgeMultiplier"`
	EstimatedDistanceKm float64              `json:"estimatedDistanceKm"`
	EstimatedFare       float64              `json:"estimatedFare"`
	MatchAttempts       int                  `json:"matchAttempts"`
	MatchedDriver       *MatchedDriver       `json:"matchedDriver,omitempty"`
	Region              string               `json:"region"`
	CreatedAt           time.Time            `json:"createdAt"`
	ExpiresAt           time.Time            `json:"expiresAt"`
}

// OfferSummary is the current offer attached to ride details.
type OfferSummary struct {
	OfferID    uuid.UUID   `json:"offerId"`
	DriverID   uuid.UUID   `json:"driverId"`
	Status     OfferStatus `json:"status"`
	DistanceKm float64     `json:"distanceKm"`
	ExpiresAt  time.Time   `json:"expiresAt"`
}

// RideDetails is a ride with its current offer resolved.
type RideDetails struct {
	RideResponse
	CancellationReason *string       `json:"cancellationReason,omitempty"`
	DriverID           *uuid.UUID    `json:"driverId,omitempty"`
	CurrentOffer       *OfferSummary `json:"currentOffer,omitempty"`
}

// MatchOutcome is the result of one matching pass.
type MatchOutcome struct {
	Matched     bool           `json:"matched"`
	Driver      *MatchedDriver `json:"driver,omitempty"`
	FinalStatus RideStatus     `json:"finalStatus"`
}

// ResponseAction is what a driver does with an offer.
type ResponseAction string

const (
	ActionAccept  ResponseAction = "ACCEPT"
	ActionDecline ResponseAction = "DECLINE"
)

// DriverResponseInput is a driver's answer to the current offer.
type DriverResponseInput struct {
	DriverID uuid.UUID
	Action   ResponseAction
	Reason   string
}

// ResponseStatus classifies the outcome of a driver response.
type ResponseStatus string

const (
	ResponseAccepted   ResponseStatus = "ACCEPTED"
	ResponseReassigned ResponseStatus = "REASSIGNED"
	ResponseExpired    ResponseStatus = "EXPIRED"
)

// ResponseOutcome is the result of HandleDriverResponse.
type ResponseOutcome struct {
	Status   ResponseStatus `json:"status"`
	DriverID *uuid.UUID     `json:"driverId,omitempty"`
	Driver   *MatchedDriver `json:"driver,omitempty"`
	Reason   string         `json:"reason,omitempty"`
}

// TimeoutResult is the result of CheckTimeout.
type TimeoutResult struct {
	TimedOut bool             `json:"timedOut"`
	Outcome  *ResponseOutcome `json:"outcome,omitempty"`
}

// toResponse maps the persisted aggregate to its API shape.
func (r *RideRequest) toResponse(driver *MatchedDriver) *RideResponse {
	return &RideResponse{
		ID:                  r.ID,
		RiderID:             r.RiderID,
		Status:              r.Status,
		Pickup:              r.Pickup(),
		Destination:         r.Destination(),
		Tier:                r.Tier,
		PaymentMethod:       r.PaymentMethod,
		SurgeMultiplier:     r.SurgeMultiplier,
		EstimatedDistanceKm: r.EstimatedDistanceKm,
		EstimatedFare:       r.EstimatedFare,
		MatchAttempts:       r.MatchAttempts,
		MatchedDriver:       driver,
		Region:              r.Region,
		CreatedAt:           r.CreatedAt,
		ExpiresAt:           r.ExpiresAt,
	}
}
