// Package alerts turns deviation transitions into operator-visible alert
// records and an audible cue.
package alerts

import (
	"crypto/sha256"
	"fmt"
	"time"
)

// Record is one alert shown to the operator
type Record struct {
	ID         string    `json:"id"`
	EntityID   string    `json:"entity_id"`
	TripID     string    `json:"trip_id,omitempty"`
	Message    string    `json:"message"`
	IsDeviated bool      `json:"is_deviated"`
	Persistent bool      `json:"persistent"`
	Distance   float64   `json:"distance_meters"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at,omitempty"`
}

// Config controls presentation
type Config struct {
	// CueRepetitions is how many times the cue plays for a deviation
	CueRepetitions int `yaml:"cue_repetitions"`

	// RecoveredTTL is how long a back-on-route alert stays visible
	RecoveredTTL time.Duration `yaml:"recovered_ttl"`

	// EntityLabel prefixes messages, e.g. "Truck 3 deviated from route"
	EntityLabel string `yaml:"entity_label"`
}

// DefaultConfig plays the cue three times and keeps recoveries for 5s
func DefaultConfig() Config {
	return Config{
		CueRepetitions: 3,
		RecoveredTTL:   5 * time.Second,
		EntityLabel:    "Truck",
	}
}

// recordID derives a stable identifier from what the alert is about and
// when it was raised
func recordID(entityID string, deviated bool, createdAt time.Time, seq uint64) string {
	kind := "recovered"
	if deviated {
		kind = "deviated"
	}
	signature := fmt.Sprintf("%s|%s|%d|%d", entityID, kind, createdAt.UnixNano(), seq)
	hash := sha256.Sum256([]byte(signature))
	return fmt.Sprintf("%x", hash[:8])
}
