package config

import (
	"fmt"
	"time"

	"github.com/dpup/triptracker/server/internal/lib/alerts"
	"github.com/dpup/triptracker/server/internal/lib/archive"
	"github.com/dpup/triptracker/server/internal/lib/deviation"
	"github.com/dpup/triptracker/server/internal/lib/geo"
)

// Config is the "tracking" section of prefab.yaml
type Config struct {
	// BackendURL is the fleet REST API every component talks to
	BackendURL string `yaml:"backend_url"`

	Routing   RoutingConfig   `yaml:"routing"`
	Position  PositionConfig  `yaml:"position"`
	Deviation DeviationConfig `yaml:"deviation"`
	Alerts    alerts.Config   `yaml:"alerts"`
	Archive   archive.Config  `yaml:"archive"`
	Fleet     FleetConfig     `yaml:"fleet"`
}

// RoutingConfig holds trip-routing service and cache settings
type RoutingConfig struct {
	OSRMURL  string `yaml:"osrm_url"`
	Profile  string `yaml:"profile"`
	Optimize bool   `yaml:"optimize"`
	Geometry string `yaml:"geometry"`

	MaxAttempts int           `yaml:"max_attempts"`
	RetryDelay  time.Duration `yaml:"retry_delay"`

	// CacheTTL of zero keeps routes for the life of the process
	CacheTTL time.Duration `yaml:"cache_ttl"`

	// RedisAddress enables the shared route cache tier when set
	RedisAddress string `yaml:"redis_address"`
}

// PositionConfig holds position filtering and sampling settings
type PositionConfig struct {
	MaxAccuracy     float64       `yaml:"max_accuracy"`
	MinDisplacement float64       `yaml:"min_displacement"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	Timeout         time.Duration `yaml:"timeout"`
	SyncTimeout     time.Duration `yaml:"sync_timeout"`
}

// DeviationConfig holds hysteresis and debounce settings
type DeviationConfig struct {
	Thresholds deviation.Hysteresis `yaml:"thresholds"`
	Debounce   time.Duration        `yaml:"debounce"`
	Projection geo.Projection       `yaml:"projection"`
}

// FleetConfig holds dispatcher-view settings
type FleetConfig struct {
	Enabled         bool          `yaml:"enabled"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	PollInterval    time.Duration `yaml:"poll_interval"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		BackendURL: "http://localhost:8000",
		Routing: RoutingConfig{
			OSRMURL:     "https://router.project-osrm.org",
			Profile:     "driving",
			Optimize:    true,
			Geometry:    "geojson",
			MaxAttempts: 3,
			RetryDelay:  2 * time.Second,
		},
		Position: PositionConfig{
			MaxAccuracy:     35,
			MinDisplacement: 5,
			PollInterval:    3 * time.Second,
			Timeout:         10 * time.Second,
			SyncTimeout:     10 * time.Second,
		},
		Deviation: DeviationConfig{
			Thresholds: deviation.DefaultHysteresis(),
			Debounce:   deviation.DefaultDebounce,
			Projection: geo.FlatEarth,
		},
		Alerts: alerts.DefaultConfig(),
		Archive: archive.Config{
			Interval: archive.DefaultInterval,
			Dir:      "./state/archive",
		},
		Fleet: FleetConfig{
			Enabled:         true,
			RefreshInterval: 30 * time.Second,
			PollInterval:    2 * time.Second,
		},
	}
}

// Validate checks settings that would otherwise fail at runtime
func (c *Config) Validate() error {
	if c.BackendURL == "" {
		return fmt.Errorf("backend_url is required")
	}
	if c.Routing.OSRMURL == "" {
		return fmt.Errorf("routing.osrm_url is required")
	}
	if c.Routing.MaxAttempts < 1 {
		return fmt.Errorf("routing.max_attempts must be at least 1, got %d", c.Routing.MaxAttempts)
	}
	if c.Routing.Geometry != "geojson" && c.Routing.Geometry != "polyline" {
		return fmt.Errorf("routing.geometry must be geojson or polyline, got %q", c.Routing.Geometry)
	}
	if c.Position.PollInterval < 2*time.Second || c.Position.PollInterval > 5*time.Second {
		return fmt.Errorf("position.poll_interval must be between 2s and 5s, got %v", c.Position.PollInterval)
	}
	if c.Position.MaxAccuracy < 0 || c.Position.MinDisplacement < 0 {
		return fmt.Errorf("position filters must not be negative")
	}
	if err := c.Deviation.Thresholds.Validate(); err != nil {
		return fmt.Errorf("deviation.thresholds: %w", err)
	}
	if c.Deviation.Debounce <= 0 {
		return fmt.Errorf("deviation.debounce must be positive")
	}
	switch c.Deviation.Projection {
	case geo.FlatEarth, geo.LatitudeCorrected:
	default:
		return fmt.Errorf("deviation.projection must be %q or %q, got %q",
			geo.FlatEarth, geo.LatitudeCorrected, c.Deviation.Projection)
	}
	if c.Alerts.RecoveredTTL <= 0 {
		return fmt.Errorf("alerts.recovered_ttl must be positive")
	}
	if c.Fleet.Enabled && c.Fleet.RefreshInterval <= 0 {
		return fmt.Errorf("fleet.refresh_interval must be positive")
	}
	return nil
}
