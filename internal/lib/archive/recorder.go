// Package archive keeps the coarse breadcrumb trail of a trip, persisted
// locally so a restart does not lose it before the trip is submitted.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dpup/prefab/logging"

	"github.com/dpup/triptracker/server/internal/lib/lifecycle"
	"github.com/dpup/triptracker/server/internal/lib/position"
)

// DefaultInterval between archived points
const DefaultInterval = 30 * time.Second

// Point is one archived position
type Point struct {
	Timestamp time.Time `json:"timestamp"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
}

// LatestSample exposes the most recent accepted position
type LatestSample interface {
	Last() (position.Sample, bool)
}

// Config for a Recorder
type Config struct {
	Interval time.Duration `yaml:"interval"`

	// Dir holds one JSON file per trip; empty keeps points in memory only
	Dir string `yaml:"dir"`
}

type state struct {
	TripID string  `json:"trip_id"`
	Points []Point `json:"points"`
}

// Recorder appends the latest position to the trip's archive at a fixed
// interval, independently of how often positions arrive
type Recorder struct {
	tripID string
	source LatestSample
	cfg    Config

	mu     sync.Mutex
	points []Point
	now    func() time.Time
}

// NewRecorder creates a recorder for tripID
func NewRecorder(tripID string, source LatestSample, cfg Config) *Recorder {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	return &Recorder{
		tripID: tripID,
		source: source,
		cfg:    cfg,
		now:    time.Now,
	}
}

// Path returns the archive file location, or "" when not persisted
func (r *Recorder) Path() string {
	if r.cfg.Dir == "" {
		return ""
	}
	return filepath.Join(r.cfg.Dir, r.tripID+".json")
}

// Resume reloads points archived for this trip before a restart. A missing
// file is not an error.
func (r *Recorder) Resume() error {
	path := r.Path()
	if path == "" {
		return nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read archive %s: %w", path, err)
	}

	var s state
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("failed to parse archive %s: %w", path, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.points = append(s.Points, r.points...)
	return nil
}

// Start records on every interval until registry closes
func (r *Recorder) Start(ctx context.Context, registry *lifecycle.Registry) {
	registry.Ticker(logging.EnsureLogger(ctx), "archive-"+r.tripID, r.cfg.Interval, func(ctx context.Context) {
		if err := r.Record(); err != nil {
			logging.Warnw(ctx, "Failed to persist path archive", "trip_id", r.tripID, "error", err)
		}
	})
}

// Record appends the latest sample, if any. The point is kept in memory
// even when writing the file fails.
func (r *Recorder) Record() error {
	sample, ok := r.source.Last()
	if !ok {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.points = append(r.points, Point{
		Timestamp: r.now(),
		Latitude:  sample.Point.Latitude,
		Longitude: sample.Point.Longitude,
	})
	return r.saveLocked()
}

// Points returns a copy of the archive
func (r *Recorder) Points() []Point {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Point(nil), r.points...)
}

// Len returns the number of archived points
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.points)
}

// Flush removes the local file once the archive has been submitted
func (r *Recorder) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.points = nil
	path := r.Path()
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove archive %s: %w", path, err)
	}
	return nil
}

func (r *Recorder) saveLocked() error {
	path := r.Path()
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(r.cfg.Dir, 0o755); err != nil {
		return fmt.Errorf("failed to create archive dir: %w", err)
	}

	data, err := json.MarshalIndent(state{TripID: r.tripID, Points: r.points}, "", "  ")
	if err != nil {
		return err
	}

	// Write then rename so a crash never leaves a truncated archive
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write archive: %w", err)
	}
	return os.Rename(tmp, path)
}
