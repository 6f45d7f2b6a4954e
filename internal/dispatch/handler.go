package dispatch

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/swiftride/dispatch/internal/presence"
	"github.com/swiftride/dispatch/pkg/common"
)

// Handler handles HTTP requests for the ride request lifecycle.
type Handler struct {
	service *Service
}

// NewHandler creates a new dispatch handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type pointPayload struct {
	Latitude  *float64 `json:"latitude" binding:"required,latitude"`
	Longitude *float64 `json:"longitude" binding:"required,longitude"`
}

// CreateRide handles ride intake. Idempotency arbitration happens in the
// middleware before this runs; the handler stores the key on the row.
func (h *Handler) CreateRide(c *gin.Context) {
	var req struct {
		RiderID       string        `json:"riderId" binding:"required"`
		Pickup        *pointPayload `json:"pickup" binding:"required"`
		Destination   *pointPayload `json:"destination" binding:"required"`
		Tier          string        `json:"tier" binding:"required,vehicle_tier"`
		PaymentMethod string        `json:"paymentMethod" binding:"required,payment_method"`
	}
	if !common.BindJSON(c, &req) {
		return
	}

	riderID, err := uuid.Parse(req.RiderID)
	if err != nil {
		common.AppErrorResponse(c, common.NewValidationError("invalid riderId"))
		return
	}

	ride, err := h.service.CreateRideRequest(c.Request.Context(), CreateRideInput{
		RiderID:        riderID,
		Pickup:         Point{Latitude: *req.Pickup.Latitude, Longitude: *req.Pickup.Longitude},
		Destination:    Point{Latitude: *req.Destination.Latitude, Longitude: *req.Destination.Longitude},
		Tier:           presence.VehicleType(req.Tier),
		PaymentMethod:  PaymentMethod(req.PaymentMethod),
		IdempotencyKey: c.GetHeader("Idempotency-Key"),
	})
	if common.HandleServiceError(c, err, "failed to create ride request") {
		return
	}

	common.CreatedResponse(c, ride)
}

// GetRide handles fetching a ride with its current offer.
func (h *Handler) GetRide(c *gin.Context) {
	rideID, ok := common.ParseUUIDParam(c, "rideId", "ride ID")
	if !ok {
		return
	}

	details, err := h.service.GetRideDetails(c.Request.Context(), rideID)
	if common.HandleServiceError(c, err, "failed to get ride") {
		return
	}

	common.SuccessResponse(c, details)
}

// DriverResponse handles a driver's accept or decline of the current offer.
func (h *Handler) DriverResponse(c *gin.Context) {
	rideID, ok := common.ParseUUIDParam(c, "rideId", "ride ID")
	if !ok {
		return
	}

	var req struct {
		DriverID string `json:"driverId" binding:"required"`
		Action   string `json:"action" binding:"required"`
		Reason   string `json:"reason"`
	}
	if !common.BindJSON(c, &req) {
		return
	}

	driverID, err := uuid.Parse(req.DriverID)
	if err != nil {
		common.AppErrorResponse(c, common.NewValidationError("invalid driverId"))
		return
	}

	outcome, err := h.service.HandleDriverResponse(c.Request.Context(), rideID, DriverResponseInput{
		DriverID: driverID,
		Action:   ResponseAction(req.Action),
		Reason:   req.Reason,
	})
	if common.HandleServiceError(c, err, "failed to process driver response") {
		return
	}

	common.SuccessResponse(c, outcome)
}

// CheckTimeout handles the external timeout probe for the current offer.
func (h *Handler) CheckTimeout(c *gin.Context) {
	rideID, ok := common.ParseUUIDParam(c, "rideId", "ride ID")
	if !ok {
		return
	}

	result, err := h.service.CheckTimeout(c.Request.Context(), rideID)
	if common.HandleServiceError(c, err, "failed to check offer timeout") {
		return
	}

	common.SuccessResponse(c, result)
}

// CancelRide handles a ride cancellation.
func (h *Handler) CancelRide(c *gin.Context) {
	rideID, ok := common.ParseUUIDParam(c, "rideId", "ride ID")
	if !ok {
		return
	}

	var reason *string
	if c.Request.ContentLength > 0 {
		var req struct {
			Reason *string `json:"reason"`
		}
		if !common.BindJSON(c, &req) {
			return
		}
		reason = req.Reason
	}

	details, err := h.service.CancelRide(c.Request.Context(), rideID, reason)
	if common.HandleServiceError(c, err, "failed to cancel ride") {
		return
	}

	common.SuccessResponse(c, details)
}

// RegisterRoutes registers ride routes. The idempotency middleware guards
// only the create endpoint.
func (h *Handler) RegisterRoutes(r *gin.Engine, idempotency gin.HandlerFunc) {
	rides := r.Group("/api/v1/rides")
	{
		rides.POST("", idempotency, h.CreateRide)
		rides.GET("/:rideId", h.GetRide)
		rides.POST("/:rideId/driver-response", h.DriverResponse)
		rides.POST("/:rideId/check-timeout", h.CheckTimeout)
		rides.POST("/:rideId/cancel", h.CancelRide)
	}
}
