package position

import (
	"sync"

	"github.com/dpup/triptracker/server/internal/lib/geo"
)

// Filter drops low-accuracy readings and readings that have not moved far
// enough from the last accepted one (GPS jitter while stationary)
type Filter struct {
	maxAccuracy     float64
	minDisplacement float64

	mu   sync.Mutex
	last *Sample
}

// NewFilter creates a filter. A zero maxAccuracy accepts any accuracy.
func NewFilter(maxAccuracy, minDisplacement float64) *Filter {
	return &Filter{
		maxAccuracy:     maxAccuracy,
		minDisplacement: minDisplacement,
	}
}

// Accept reports whether sample should be emitted and, if so, remembers it
// as the reference for the next displacement check
func (f *Filter) Accept(sample Sample) bool {
	if !geo.Valid(sample.Point) {
		return false
	}
	if f.maxAccuracy > 0 && sample.Accuracy > f.maxAccuracy {
		return false
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.last != nil && geo.Haversine(f.last.Point, sample.Point) < f.minDisplacement {
		return false
	}

	accepted := sample
	f.last = &accepted
	return true
}

// Last returns the last accepted sample
func (f *Filter) Last() (Sample, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.last == nil {
		return Sample{}, false
	}
	return *f.last, true
}
