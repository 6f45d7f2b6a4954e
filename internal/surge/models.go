package surge

import "time"

// CellSurge is the cached surge state for one geo cell. ValidUntil mirrors
// the cache TTL so clients know how long the quote holds.
type CellSurge struct {
	Cell       string    `json:"cell"`
	Region     string    `json:"region"`
	Multiplier float64   `json:"multiplier"`
	Supply     int       `json:"supply"`
	Demand     int       `json:"demand"`
	UpdatedAt  time.Time `json:"updatedAt"`
	ValidUntil time.Time `json:"validUntil"`
}

// CalculateInput identifies the cell to recompute. Cell or coordinates may
// be given; the missing half is derived from the other.
type CalculateInput struct {
	Cell      string
	Region    string
	Latitude  float64
	Longitude float64
}

// DemandCount is the result of a demand increment.
type DemandCount struct {
	Cell        string `json:"cell"`
	Region      string `json:"region"`
	DemandCount int64  `json:"demandCount"`
}
