package geo

import (
	"errors"
	"math"

	"github.com/twpayne/go-polyline"
)

// Haversine calculates great-circle distance between two points in meters
func Haversine(p1, p2 Point) float64 {
	// If points are the same, distance is 0
	if p1.Latitude == p2.Latitude && p1.Longitude == p2.Longitude {
		return 0
	}

	lat1 := toRadians(p1.Latitude)
	lat2 := toRadians(p2.Latitude)
	dlat := lat2 - lat1
	dlon := toRadians(p2.Longitude - p1.Longitude)

	a := math.Sin(dlat/2)*math.Sin(dlat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dlon/2)*math.Sin(dlon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return EarthRadiusMeters * c
}

// PointToSegment calculates the distance in meters from point to the segment
// [segmentStart, segmentEnd] using the flat-earth projection.
func PointToSegment(point, segmentStart, segmentEnd Point) float64 {
	return FlatEarth.PointToSegment(point, segmentStart, segmentEnd)
}

// DistanceToPath returns the minimum distance from point to any segment of path
// using the flat-earth projection. Paths with fewer than two points return +Inf.
func DistanceToPath(point Point, path []Point) float64 {
	return FlatEarth.DistanceToPath(point, path)
}

// PointToSegment projects point onto the segment in a locally flat frame,
// clamping the projection parameter to [0, 1] so points beyond either end
// measure to the nearest endpoint.
func (p Projection) PointToSegment(point, segmentStart, segmentEnd Point) float64 {
	// x = latitude, y = longitude; the longitude axis optionally shrinks with latitude
	lonScale := 1.0
	if p == LatitudeCorrected {
		lonScale = math.Cos(toRadians(point.Latitude))
	}

	x, y := point.Latitude, point.Longitude*lonScale
	x1, y1 := segmentStart.Latitude, segmentStart.Longitude*lonScale
	x2, y2 := segmentEnd.Latitude, segmentEnd.Longitude*lonScale

	c := x2 - x1
	d := y2 - y1
	lenSq := c*c + d*d

	// Degenerate segment: distance to its only point
	param := -1.0
	if lenSq != 0 {
		param = ((x-x1)*c + (y-y1)*d) / lenSq
	}

	var xx, yy float64
	switch {
	case param < 0:
		xx, yy = x1, y1
	case param > 1:
		xx, yy = x2, y2
	default:
		xx, yy = x1+param*c, y1+param*d
	}

	dx := x - xx
	dy := y - yy
	return math.Sqrt(dx*dx+dy*dy) * MetersPerDegree
}

// DistanceToPath returns the minimum PointToSegment distance over consecutive
// pairs of path. With fewer than two points there is no route to measure
// against and +Inf is returned.
func (p Projection) DistanceToPath(point Point, path []Point) float64 {
	minDistance := math.Inf(1)
	for i := 0; i < len(path)-1; i++ {
		distance := p.PointToSegment(point, path[i], path[i+1])
		if distance < minDistance {
			minDistance = distance
		}
	}
	return minDistance
}

// Evaluable reports whether a distance returned by DistanceToPath can be used
// for a deviation decision
func Evaluable(distance float64) bool {
	return !math.IsInf(distance, 0) && !math.IsNaN(distance)
}

// DecodePolyline decodes a Google encoded polyline string to a point sequence
func DecodePolyline(encoded string) ([]Point, error) {
	if encoded == "" {
		return nil, errors.New("encoded polyline string is empty")
	}

	coords, _, err := polyline.DecodeCoords([]byte(encoded))
	if err != nil {
		return nil, errors.New("failed to decode polyline: " + err.Error())
	}

	points := make([]Point, len(coords))
	for i, coord := range coords {
		points[i] = Point{Latitude: coord[0], Longitude: coord[1]}
		if !Valid(points[i]) {
			return nil, errors.New("decoded polyline contains invalid coordinates")
		}
	}

	return points, nil
}

// Valid validates latitude and longitude ranges and rejects NaN/Inf
func Valid(point Point) bool {
	if math.IsNaN(point.Latitude) || math.IsNaN(point.Longitude) {
		return false
	}
	return point.Latitude >= -90 && point.Latitude <= 90 &&
		point.Longitude >= -180 && point.Longitude <= 180
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}
