package position

import (
	"context"
	"errors"
	"time"

	"github.com/dpup/triptracker/server/internal/lib/geo"
)

var (
	// ErrUnavailable means the location capability is missing or permission
	// was denied. It is terminal: sources stop instead of retrying.
	ErrUnavailable = errors.New("location unavailable")

	// ErrNoFix means no reading is available yet; callers may try again later
	ErrNoFix = errors.New("no position fix available")
)

// Fix is a raw reading from a location provider
type Fix struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Accuracy  float64   `json:"accuracy"` // meters, 0 when unknown
	Timestamp time.Time `json:"timestamp"`
}

// Point returns the fix coordinates
func (f Fix) Point() geo.Point {
	return geo.Point{Latitude: f.Latitude, Longitude: f.Longitude}
}

// Options mirror the knobs of a device location API
type Options struct {
	HighAccuracy bool

	// MaximumAge is the oldest cached reading acceptable; zero demands a fresh one
	MaximumAge time.Duration

	// Timeout bounds how long a reading may take (or how stale it may be)
	Timeout time.Duration
}

// Locator abstracts the device/vehicle location feed
type Locator interface {
	// Watch streams readings until ctx is done. Errors that wrap
	// ErrUnavailable on the error channel are terminal.
	Watch(ctx context.Context, opts Options) (<-chan Fix, <-chan error, error)

	// Current returns a single reading
	Current(ctx context.Context, opts Options) (Fix, error)
}

// Sample is an accepted position reading
type Sample struct {
	Point     geo.Point `json:"point"`
	Accuracy  float64   `json:"accuracy"`
	Timestamp time.Time `json:"timestamp"`
}

// Syncer persists the current coordinates against the vehicle record
type Syncer interface {
	SyncPosition(ctx context.Context, point geo.Point) error
}
