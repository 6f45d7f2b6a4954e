package geo

// DefaultRegion is used when coordinates fall outside every known
// operating area.
const DefaultRegion = "bengaluru"

type regionBounds struct {
	name   string
	minLat float64
	maxLat float64
	minLng float64
	maxLng float64
}

// Operating areas as coarse bounding boxes. Order matters: the first
// matching box wins, so boxes for dense neighbouring cities must not
// overlap.
var regions = []regionBounds{
	{"bengaluru", 12.75, 13.20, 77.35, 77.85},
	{"mumbai", 18.85, 19.30, 72.75, 73.15},
	{"pune", 18.40, 18.70, 73.70, 74.05},
	{"delhi", 28.35, 28.90, 76.80, 77.45},
	{"hyderabad", 17.20, 17.60, 78.25, 78.70},
	{"chennai", 12.80, 13.25, 80.10, 80.35},
}

// RegionFor maps coordinates to the operating region used for the
// per-region driver geo set and surge cell registry. Unknown locations
// fall back to DefaultRegion.
func RegionFor(lat, lng float64) string {
	for _, r := range regions {
		if lat >= r.minLat && lat <= r.maxLat && lng >= r.minLng && lng <= r.maxLng {
			return r.name
		}
	}
	return DefaultRegion
}

// KnownRegions returns the names of all configured operating areas.
func KnownRegions() []string {
	names := make([]string, len(regions))
	for i, r := range regions {
		names[i] = r.name
	}
	return names
}
