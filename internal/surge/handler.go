package surge

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/swiftride/dispatch/pkg/common"
)

// Handler handles HTTP requests for surge pricing.
type Handler struct {
	service *Service
}

// NewHandler creates a new surge handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// GetSurgeForCell returns the cached surge entry for a cell. Misses answer
// with the neutral sentinel, never 404, so pricing callers need no fallback.
func (h *Handler) GetSurgeForCell(c *gin.Context) {
	cell := c.Param("cell")
	if cell == "" {
		common.AppErrorResponse(c, common.NewValidationError("cell is required"))
		return
	}

	entry, err := h.service.GetSurgeForCell(c.Request.Context(), cell)
	if common.HandleServiceError(c, err, "failed to read surge entry") {
		return
	}

	common.SuccessResponse(c, entry)
}

// CalculateSurge forces a recomputation for a cell.
func (h *Handler) CalculateSurge(c *gin.Context) {
	var req struct {
		Cell      string  `json:"cell"`
		Region    string  `json:"region"`
		Latitude  float64 `json:"latitude" binding:"omitempty,latitude"`
		Longitude float64 `json:"longitude" binding:"omitempty,longitude"`
	}
	if !common.BindJSON(c, &req) {
		return
	}

	entry, err := h.service.CalculateSurge(c.Request.Context(), CalculateInput{
		Cell:      req.Cell,
		Region:    req.Region,
		Latitude:  req.Latitude,
		Longitude: req.Longitude,
	})
	if common.HandleServiceError(c, err, "failed to calculate surge") {
		return
	}

	common.SuccessResponse(c, entry)
}

// GetSurgeZones lists the active surge cells of a region, hottest first.
func (h *Handler) GetSurgeZones(c *gin.Context) {
	region := c.Param("region")
	if region == "" {
		common.AppErrorResponse(c, common.NewValidationError("region is required"))
		return
	}

	minSurge := 1.0
	if m := c.Query("minSurge"); m != "" {
		parsed, err := strconv.ParseFloat(m, 64)
		if err != nil || parsed < 1.0 {
			common.AppErrorResponse(c, common.NewValidationError("minSurge must be a number >= 1.0"))
			return
		}
		minSurge = parsed
	}

	zones, err := h.service.GetSurgeZonesForRegion(c.Request.Context(), region, minSurge)
	if common.HandleServiceError(c, err, "failed to list surge zones") {
		return
	}

	common.SuccessResponseWithMeta(c, gin.H{
		"region": region,
		"zones":  zones,
	}, &common.Meta{Total: int64(len(zones))})
}

// IncrementDemand bumps the demand counter for a cell. Exposed for the
// pricing pipeline; ride intake calls the service directly.
func (h *Handler) IncrementDemand(c *gin.Context) {
	var req struct {
		Cell   string `json:"cell" binding:"required"`
		Region string `json:"region"`
	}
	if !common.BindJSON(c, &req) {
		return
	}

	count, err := h.service.IncrementDemand(c.Request.Context(), req.Cell, req.Region)
	if common.HandleServiceError(c, err, "failed to increment demand") {
		return
	}

	common.SuccessResponse(c, DemandCount{
		Cell:        req.Cell,
		Region:      req.Region,
		DemandCount: count,
	})
}

// RegisterRoutes registers surge routes.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	surge := r.Group("/api/v1/surge")
	{
		surge.GET("/region/:region", h.GetSurgeZones)
		surge.POST("/calculate", h.CalculateSurge)
		surge.POST("/demand", h.IncrementDemand)
		surge.GET("/:cell", h.GetSurgeForCell)
	}
}
