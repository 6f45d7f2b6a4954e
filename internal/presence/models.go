package presence

import (
	"time"

	"github.com/google/uuid"
)

// DriverStatus is the driver's availability for matching.
type DriverStatus string

const (
	StatusOnline  DriverStatus = "ONLINE"
	StatusOffline DriverStatus = "OFFLINE"
	StatusOnTrip  DriverStatus = "ON_TRIP"
)

// ValidDriverStatus reports whether s is a known status.
func ValidDriverStatus(s DriverStatus) bool {
	switch s {
	case StatusOnline, StatusOffline, StatusOnTrip:
		return true
	}
	return false
}

// VehicleType is the service tier a driver's vehicle serves.
type VehicleType string

const (
	TierEconomy VehicleType = "ECONOMY"
	TierPremium VehicleType = "PREMIUM"
	TierXL      VehicleType = "XL"
)

// ValidVehicleType reports whether t is a known tier.
func ValidVehicleType(t VehicleType) bool {
	switch t {
	case TierEconomy, TierPremium, TierXL:
		return true
	}
	return false
}

// DriverMeta is the per-driver record kept in Redis. It is refreshed by
// every heartbeat and ages out on its own TTL; the short-lived presence
// marker, not this record, decides matchability.
type DriverMeta struct {
	DriverID    uuid.UUID    `json:"driverId"`
	Status      DriverStatus `json:"status"`
	VehicleType VehicleType  `json:"vehicleType"`
	Latitude    float64      `json:"latitude"`
	Longitude   float64      `json:"longitude"`
	Heading     float64      `json:"heading,omitempty"`
	Speed       float64      `json:"speed,omitempty"`
	Cell        string       `json:"cell"`
	Region      string       `json:"region"`
	UpdatedAt   time.Time    `json:"updatedAt"`
}

// UpdateLocationInput is a single driver heartbeat.
type UpdateLocationInput struct {
	DriverID  uuid.UUID
	Latitude  float64
	Longitude float64
	Timestamp *time.Time
	Heading   float64
	Speed     float64
}

// UpdateLocationResult reports where the heartbeat was indexed.
type UpdateLocationResult struct {
	DriverID uuid.UUID `json:"driverId"`
	Cell     string    `json:"cell"`
	Region   string    `json:"region"`
}

// SetStatusInput changes a driver's availability. VehicleType, when set,
// updates the driver's tier in the same write.
type SetStatusInput struct {
	DriverID    uuid.UUID
	Status      DriverStatus
	VehicleType *VehicleType
}

// StatusChange is the outcome of SetStatus.
type StatusChange struct {
	DriverID       uuid.UUID    `json:"driverId"`
	PreviousStatus DriverStatus `json:"previousStatus"`
	Status         DriverStatus `json:"status"`
}

// NearbyQuery selects drivers around a point. Region is inferred from the
// coordinates when empty; Tier empty means any tier.
type NearbyQuery struct {
	Latitude  float64
	Longitude float64
	RadiusKm  float64
	Region    string
	Tier      VehicleType
	Limit     int
}

// NearbyDriver is one proximity search hit, closest first.
type NearbyDriver struct {
	DriverID    uuid.UUID    `json:"driverId"`
	DistanceKm  float64      `json:"distanceKm"`
	Latitude    float64      `json:"latitude"`
	Longitude   float64      `json:"longitude"`
	VehicleType VehicleType  `json:"vehicleType"`
	Status      DriverStatus `json:"status"`
	Heading     float64      `json:"heading,omitempty"`
	Speed       float64      `json:"speed,omitempty"`
}
