package presence

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/swiftride/dispatch/pkg/common"
)

// Handler handles HTTP requests for driver presence and proximity search.
type Handler struct {
	service *Service
}

// NewHandler creates a new presence handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// UpdateLocation handles a driver location heartbeat.
func (h *Handler) UpdateLocation(c *gin.Context) {
	driverID, ok := common.ParseUUIDParam(c, "driverId", "driver ID")
	if !ok {
		return
	}

	var req struct {
		Latitude  *float64   `json:"latitude" binding:"required,latitude"`
		Longitude *float64   `json:"longitude" binding:"required,longitude"`
		Heading   float64    `json:"heading"`
		Speed     float64    `json:"speed"`
		Timestamp *time.Time `json:"timestamp"`
	}
	if !common.BindJSON(c, &req) {
		return
	}

	result, err := h.service.UpdateLocation(c.Request.Context(), UpdateLocationInput{
		DriverID:  driverID,
		Latitude:  *req.Latitude,
		Longitude: *req.Longitude,
		Heading:   req.Heading,
		Speed:     req.Speed,
		Timestamp: req.Timestamp,
	})
	if common.HandleServiceError(c, err, "failed to update driver location") {
		return
	}

	common.SuccessResponse(c, result)
}

// SetStatus handles a driver availability change.
func (h *Handler) SetStatus(c *gin.Context) {
	driverID, ok := common.ParseUUIDParam(c, "driverId", "driver ID")
	if !ok {
		return
	}

	var req struct {
		Status      string  `json:"status" binding:"required,driver_status"`
		VehicleType *string `json:"vehicleType" binding:"omitempty,vehicle_tier"`
	}
	if !common.BindJSON(c, &req) {
		return
	}

	input := SetStatusInput{DriverID: driverID, Status: DriverStatus(req.Status)}
	if req.VehicleType != nil {
		tier := VehicleType(*req.VehicleType)
		input.VehicleType = &tier
	}

	change, err := h.service.SetStatus(c.Request.Context(), input)
	if common.HandleServiceError(c, err, "failed to update driver status") {
		return
	}

	common.SuccessResponse(c, change)
}

// FindNearby handles a proximity search around a point.
func (h *Handler) FindNearby(c *gin.Context) {
	var req struct {
		Latitude    *float64 `form:"latitude" binding:"required,latitude"`
		Longitude   *float64 `form:"longitude" binding:"required,longitude"`
		RadiusKm    *float64 `form:"radiusKm" binding:"omitempty,min=0.1,max=50"`
		Limit       *int     `form:"limit" binding:"omitempty,min=1,max=50"`
		Region      string   `form:"region"`
		VehicleType string   `form:"vehicleType" binding:"omitempty,vehicle_tier"`
	}
	if !common.BindQuery(c, &req) {
		return
	}

	radiusKm := defaultRadiusKm
	if req.RadiusKm != nil {
		radiusKm = *req.RadiusKm
	}
	limit := defaultLimit
	if req.Limit != nil {
		limit = *req.Limit
	}

	drivers, err := h.service.FindNearby(c.Request.Context(), NearbyQuery{
		Latitude:  *req.Latitude,
		Longitude: *req.Longitude,
		RadiusKm:  radiusKm,
		Region:    req.Region,
		Tier:      VehicleType(req.VehicleType),
		Limit:     limit,
	})
	if common.HandleServiceError(c, err, "failed to find nearby drivers") {
		return
	}

	common.SuccessResponseWithMeta(c, gin.H{
		"drivers": drivers,
		"count":   len(drivers),
	}, &common.Meta{Limit: limit, Total: int64(len(drivers))})
}

// GetLocation handles fetching a single driver's last known location.
func (h *Handler) GetLocation(c *gin.Context) {
	driverID, ok := common.ParseUUIDParam(c, "driverId", "driver ID")
	if !ok {
		return
	}

	meta, err := h.service.GetLocation(c.Request.Context(), driverID, c.Query("region"))
	if common.HandleServiceError(c, err, "failed to get driver location") {
		return
	}

	common.SuccessResponse(c, meta)
}

// RegisterRoutes registers presence routes.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	drivers := r.Group("/api/v1/drivers")
	{
		drivers.POST("/:driverId/location", h.UpdateLocation)
		drivers.PATCH("/:driverId/status", h.SetStatus)
		drivers.GET("/:driverId/location", h.GetLocation)
		drivers.GET("/nearby", h.FindNearby)
	}
}
