package geo

import "math"

const earthRadiusKm = 6371.0

// Haversine returns the great-circle distance between two points in
// kilometers, rounded to 2 decimal places.
func Haversine(lat1, lng1, lat2, lng2 float64) float64 {
	lat1Rad := lat1 * math.Pi / 180
	lat2Rad := lat2 * math.Pi / 180
	deltaLat := (lat2 - lat1) * math.Pi / 180
	deltaLng := (lng2 - lng1) * math.Pi / 180

	a := math.Sin(deltaLat/2)*math.Sin(deltaLat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*
			math.Sin(deltaLng/2)*math.Sin(deltaLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return math.Round(earthRadiusKm*c*100) / 100
}

// ETAMinutes estimates driver arrival time from straight-line distance,
// assuming 30 km/h through city traffic.
func ETAMinutes(distanceKm float64) int {
	return int(math.Ceil(2 * distanceKm))
}

// TripMinutes estimates trip duration from pickup to destination,
// assuming 20 km/h including stops.
func TripMinutes(distanceKm float64) float64 {
	return distanceKm * 3
}
