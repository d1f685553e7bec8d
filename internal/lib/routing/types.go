package routing

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/dpup/triptracker/server/internal/lib/geo"
)

// ErrTooFewWaypoints is returned when fewer than two usable waypoints are given
var ErrTooFewWaypoints = errors.New("at least 2 valid waypoints required")

// Waypoints is the ordered list a trip must visit:
// truck start, stops, disposal site
type Waypoints []geo.Point

// Key is the order-sensitive concatenation of the waypoint coordinates
func (w Waypoints) Key() string {
	parts := make([]string, len(w))
	for i, p := range w {
		parts[i] = p.String()
	}
	return strings.Join(parts, "|")
}

// Valid returns the waypoints with invalid coordinates removed
func (w Waypoints) Valid() Waypoints {
	valid := make(Waypoints, 0, len(w))
	for _, p := range w {
		if geo.Valid(p) {
			valid = append(valid, p)
		}
	}
	return valid
}

// Path is the reference polyline a tracked truck is expected to follow
type Path []geo.Point

// Result is the outcome of a route lookup
type Result struct {
	Path Path

	// Degraded is set when the routing service could not be reached and the
	// raw waypoint list is used as the path
	Degraded bool

	// Cached is set when the path came from the cache without a request
	Cached bool
}

// Router computes a path through waypoints with the first and last fixed
type Router interface {
	Trip(ctx context.Context, waypoints []geo.Point) ([]geo.Point, error)
}

// PathStore caches computed paths by waypoint key
type PathStore interface {
	GetPath(ctx context.Context, key string) ([]geo.Point, bool, error)
	SetPath(ctx context.Context, key string, path []geo.Point) error
}

// RetryPolicy bounds outbound routing attempts
type RetryPolicy struct {
	// MaxAttempts is the total number of requests, including the first
	MaxAttempts int

	// Delay is the fixed wait between attempts
	Delay time.Duration
}

// DefaultRetryPolicy makes three attempts two seconds apart
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Delay: 2 * time.Second}
}
