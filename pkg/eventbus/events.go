package eventbus

import (
	"time"

	"github.com/google/uuid"
)

// RideRequestedData is emitted when a rider requests a ride, after the
// request row is persisted and before matching starts.
type RideRequestedData struct {
	RideID               uuid.UUID `json:"rideId"`
	RiderID              uuid.UUID `json:"riderId"`
	PickupLatitude       float64   `json:"pickupLatitude"`
	PickupLongitude      float64   `json:"pickupLongitude"`
	DestinationLatitude  float64   `json:"destinationLatitude"`
	DestinationLongitude float64   `json:"destinationLongitude"`
	Tier                 string    `json:"tier"`
	PaymentMethod        string    `json:"paymentMethod"`
	SurgeMultiplier      float64   `json:"surgeMultiplier"`
	EstimatedFare        float64   `json:"estimatedFare"`
	Region               string    `json:"region"`
	RequestedAt          time.Time `json:"requestedAt"`
}

// RideMatchedData is emitted when an offer goes out to a driver.
type RideMatchedData struct {
	RideID         uuid.UUID `json:"rideId"`
	DriverID       uuid.UUID `json:"driverId"`
	OfferID        uuid.UUID `json:"offerId"`
	Attempt        int       `json:"attempt"`
	DistanceKm     float64   `json:"distanceKm"`
	EtaMinutes     int       `json:"etaMinutes"`
	OfferExpiresAt time.Time `json:"offerExpiresAt"`
}

// RideAcceptedData is emitted when a driver accepts the current offer.
type RideAcceptedData struct {
	RideID     uuid.UUID `json:"rideId"`
	DriverID   uuid.UUID `json:"driverId"`
	OfferID    uuid.UUID `json:"offerId"`
	AcceptedAt time.Time `json:"acceptedAt"`
}

// RideDeclinedData is emitted when a driver declines an offer, explicitly
// or via timeout.
type RideDeclinedData struct {
	RideID     uuid.UUID `json:"rideId"`
	DriverID   uuid.UUID `json:"driverId"`
	OfferID    uuid.UUID `json:"offerId"`
	Reason     string    `json:"reason"`
	Attempt    int       `json:"attempt"`
	DeclinedAt time.Time `json:"declinedAt"`
}

// RideExpiredData is emitted when a ride reaches a terminal status without
// a driver (NO_DRIVERS or EXPIRED).
type RideExpiredData struct {
	RideID      uuid.UUID `json:"rideId"`
	FinalStatus string    `json:"finalStatus"`
	Attempts    int       `json:"attempts"`
	Reason      string    `json:"reason"`
	ExpiredAt   time.Time `json:"expiredAt"`
}

// RideCancelledData is emitted when a ride is cancelled externally.
type RideCancelledData struct {
	RideID      uuid.UUID `json:"rideId"`
	Reason      string    `json:"reason"`
	CancelledAt time.Time `json:"cancelledAt"`
}

// DriverLocationUpdatedData is emitted on every accepted heartbeat.
type DriverLocationUpdatedData struct {
	DriverID  uuid.UUID `json:"driverId"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Heading   float64   `json:"heading,omitempty"`
	Speed     float64   `json:"speed,omitempty"`
	Cell      string    `json:"cell"`
	Region    string    `json:"region"`
	Timestamp time.Time `json:"timestamp"`
}

// DriverStatusChangedData is emitted when a driver's availability changes.
type DriverStatusChangedData struct {
	DriverID       uuid.UUID `json:"driverId"`
	PreviousStatus string    `json:"previousStatus"`
	NewStatus      string    `json:"newStatus"`
	ChangedAt      time.Time `json:"changedAt"`
}

// SurgeUpdatedData is emitted when a cell's multiplier changes.
type SurgeUpdatedData struct {
	Cell               string    `json:"cell"`
	Region             string    `json:"region"`
	Multiplier         float64   `json:"multiplier"`
	PreviousMultiplier float64   `json:"previousMultiplier"`
	Supply             int       `json:"supply"`
	Demand             int       `json:"demand"`
	ValidUntil         time.Time `json:"validUntil"`
}
