package geo

import (
	"fmt"

	"github.com/uber/h3-go/v4"
)

// CellResolution is the H3 resolution used for demand counting and surge
// caching (~460m edge, ~0.74 km²).
// See: https://h3geo.org/docs/core-library/restable
const CellResolution = 8

// CellID converts latitude/longitude to the H3 cell index (as hex string)
// at CellResolution. Coordinates must be validated upstream; out-of-range
// input yields an empty string.
func CellID(lat, lng float64) string {
	latLng := h3.NewLatLng(lat, lng)
	cell, err := h3.LatLngToCell(latLng, CellResolution)
	if err != nil {
		return ""
	}
	return cell.String()
}

// CellCenter returns the center coordinates of an H3 cell given as hex string.
func CellCenter(cell string) (lat, lng float64, err error) {
	parsed := h3.CellFromString(cell)
	latLng, err := parsed.LatLng()
	if err != nil {
		return 0, 0, fmt.Errorf("invalid cell %q: %w", cell, err)
	}
	return latLng.Lat, latLng.Lng, nil
}
