// Package deviation decides whether a tracked vehicle has left its planned
// route, using two thresholds so a reading near the boundary cannot flap
// the state.
package deviation

import (
	"fmt"
	"time"
)

// State of a tracked vehicle relative to its route
type State int

const (
	Normal State = iota
	Deviated
)

func (s State) String() string {
	if s == Deviated {
		return "deviated"
	}
	return "normal"
}

// Default thresholds in meters
const (
	DefaultDeviateAbove     = 40.0
	DefaultRecoverAtOrBelow = 20.0
)

// Hysteresis holds the two distance thresholds
type Hysteresis struct {
	// DeviateAbove enters Deviated when the distance is strictly greater
	DeviateAbove float64 `yaml:"deviate_above"`

	// RecoverAtOrBelow returns to Normal when the distance is less or equal
	RecoverAtOrBelow float64 `yaml:"recover_at_or_below"`
}

// DefaultHysteresis returns the 40m / 20m thresholds
func DefaultHysteresis() Hysteresis {
	return Hysteresis{
		DeviateAbove:     DefaultDeviateAbove,
		RecoverAtOrBelow: DefaultRecoverAtOrBelow,
	}
}

// Validate checks the thresholds leave a dead band
func (h Hysteresis) Validate() error {
	if h.DeviateAbove <= 0 {
		return fmt.Errorf("deviation threshold must be positive, got %v", h.DeviateAbove)
	}
	if h.RecoverAtOrBelow < 0 {
		return fmt.Errorf("recovery threshold must not be negative, got %v", h.RecoverAtOrBelow)
	}
	if h.RecoverAtOrBelow > h.DeviateAbove {
		return fmt.Errorf("recovery threshold %v exceeds deviation threshold %v",
			h.RecoverAtOrBelow, h.DeviateAbove)
	}
	return nil
}

// Step returns the next state for distance and whether it changed.
// Between the thresholds the current state is kept.
func (h Hysteresis) Step(state State, distance float64) (State, bool) {
	switch state {
	case Normal:
		if distance > h.DeviateAbove {
			return Deviated, true
		}
	case Deviated:
		if distance <= h.RecoverAtOrBelow {
			return Normal, true
		}
	}
	return state, false
}

// Event reports a state transition for one tracked vehicle
type Event struct {
	TripID         string    `json:"trip_id"`
	EntityID       string    `json:"entity_id"`
	IsDeviated     bool      `json:"is_deviated"`
	DistanceMeters float64   `json:"distance_meters"`
	Timestamp      time.Time `json:"timestamp"`

	// Resurfaced marks the re-announcement of a deviation that was already
	// recorded before this monitor started
	Resurfaced bool `json:"resurfaced,omitempty"`
}
