package geo

import "fmt"

// Point represents a geographic coordinate (WGS84 degrees)
type Point struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lng"`
}

// String renders the point as "lat,lon" with full precision, used for cache keys
func (p Point) String() string {
	return fmt.Sprintf("%v,%v", p.Latitude, p.Longitude)
}

// Projection selects how planar degree offsets are converted to meters
// when measuring distance to a route segment
type Projection string

const (
	// FlatEarth scales both axes by MetersPerDegree. Longitude offsets are
	// overstated away from the equator.
	FlatEarth Projection = "flat"

	// LatitudeCorrected shrinks longitude offsets by cos(latitude) before scaling
	LatitudeCorrected Projection = "latitude_corrected"
)

const (
	// EarthRadiusMeters is the mean Earth radius used by Haversine
	EarthRadiusMeters = 6371000.0

	// MetersPerDegree is the length of one degree of latitude
	MetersPerDegree = 111320.0
)
