package deviation

import (
	"context"
	"sync"
	"time"

	"github.com/dpup/prefab/logging"

	"github.com/dpup/triptracker/server/internal/lib/geo"
	"github.com/dpup/triptracker/server/internal/lib/position"
)

// DefaultDebounce is the quiet period after the last sample before the
// position is evaluated
const DefaultDebounce = 5 * time.Second

// Persister records deviation transitions against the trip
type Persister interface {
	PersistDeviation(ctx context.Context, deviated bool, distance float64) error
}

// Options configure a Monitor
type Options struct {
	TripID   string
	EntityID string

	Hysteresis Hysteresis
	Projection geo.Projection
	Debounce   time.Duration

	// InitiallyDeviated seeds the state from the persisted trip record
	InitiallyDeviated bool

	Persister Persister
	OnEvent   func(Event)
}

// Monitor evaluates one vehicle's samples against its route. Samples are
// debounced; evaluations are serialized so events are strictly ordered.
type Monitor struct {
	opts   Options
	ctx    context.Context
	cancel context.CancelFunc

	// evalMu serializes evaluations; mu guards the fields below
	evalMu sync.Mutex
	mu     sync.Mutex

	route        []geo.Point
	sample       *position.Sample
	state        State
	lastDistance float64
	hasDistance  bool
	evaluations  int

	initialDone      bool
	initialScheduled bool
	timer            *time.Timer
	closed           bool

	now func() time.Time
}

// NewMonitor creates a monitor. ctx scopes debounced evaluations and
// persistence calls; Close cancels them.
func NewMonitor(ctx context.Context, route []geo.Point, opts Options) *Monitor {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Hysteresis == (Hysteresis{}) {
		opts.Hysteresis = DefaultHysteresis()
	}
	if opts.Projection == "" {
		opts.Projection = geo.FlatEarth
	}

	state := Normal
	if opts.InitiallyDeviated {
		state = Deviated
	}

	ctx, cancel := context.WithCancel(logging.EnsureLogger(ctx))
	return &Monitor{
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
		route:  append([]geo.Point(nil), route...),
		state:  state,
		now:    time.Now,
	}
}

// SetRoute replaces the route used for later evaluations
func (m *Monitor) SetRoute(route []geo.Point) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.route = append([]geo.Point(nil), route...)
}

// Observe records sample as the latest position. The first sample triggers
// the initial check right away. Later samples start the debounce timer when
// none is pending; a pending evaluation picks up the newest sample, so a
// steady stream is evaluated once per window.
func (m *Monitor) Observe(sample position.Sample) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.sample = &sample

	if !m.initialDone {
		// The pending initial check picks up this sample
		if !m.initialScheduled {
			m.initialScheduled = true
			m.schedule(0)
		}
		return
	}
	if m.timer == nil {
		m.schedule(m.opts.Debounce)
	}
}

// schedule arms the single pending evaluation; mu must be held
func (m *Monitor) schedule(delay time.Duration) {
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		m.mu.Lock()
		if m.timer == t {
			m.timer = nil
		}
		m.mu.Unlock()
		m.evaluate(m.ctx)
	})
	m.timer = t
}

// CheckNow evaluates the latest sample immediately. It returns the distance
// and whether an evaluation happened.
func (m *Monitor) CheckNow(ctx context.Context) (float64, bool) {
	ctx = logging.EnsureLogger(ctx)
	m.mu.Lock()
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.mu.Unlock()
	return m.evaluate(ctx)
}

func (m *Monitor) evaluate(ctx context.Context) (float64, bool) {
	m.evalMu.Lock()
	defer m.evalMu.Unlock()

	m.mu.Lock()
	if m.closed || m.sample == nil {
		m.mu.Unlock()
		return 0, false
	}
	point := m.sample.Point
	route := m.route
	state := m.state
	initial := !m.initialDone
	m.mu.Unlock()

	distance := m.opts.Projection.DistanceToPath(point, route)
	if !geo.Evaluable(distance) {
		m.mu.Lock()
		// Retry the initial check on the next sample
		m.initialScheduled = false
		m.mu.Unlock()
		logging.Debugw(ctx, "Skipping deviation check without a usable route",
			"entity_id", m.opts.EntityID, "route_points", len(route))
		return 0, false
	}

	next, changed := m.opts.Hysteresis.Step(state, distance)

	m.mu.Lock()
	m.evaluations++
	m.lastDistance = distance
	m.hasDistance = true
	m.initialDone = true
	m.mu.Unlock()

	logging.Debugw(ctx, "Deviation check",
		"entity_id", m.opts.EntityID, "distance", distance, "state", state.String(), "initial", initial)

	if initial && state == Deviated && !changed {
		// The deviation was recorded before this monitor existed; show it
		// again without writing it twice
		m.emitOpen(Event{
			TripID:         m.opts.TripID,
			EntityID:       m.opts.EntityID,
			IsDeviated:     true,
			DistanceMeters: distance,
			Timestamp:      m.now(),
			Resurfaced:     true,
		})
		return distance, true
	}

	if !changed {
		return distance, true
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return distance, true
	}
	m.state = next
	m.mu.Unlock()

	deviated := next == Deviated
	if deviated {
		logging.Warnw(ctx, "Vehicle deviated from route",
			"entity_id", m.opts.EntityID, "trip_id", m.opts.TripID, "distance", distance)
	} else {
		logging.Infow(ctx, "Vehicle back on route",
			"entity_id", m.opts.EntityID, "trip_id", m.opts.TripID, "distance", distance)
	}

	if m.opts.Persister != nil {
		if err := m.opts.Persister.PersistDeviation(ctx, deviated, distance); err != nil {
			logging.Errorw(ctx, "Failed to persist deviation state",
				"entity_id", m.opts.EntityID, "trip_id", m.opts.TripID, "deviated", deviated, "error", err)
		}
	}

	m.emitOpen(Event{
		TripID:         m.opts.TripID,
		EntityID:       m.opts.EntityID,
		IsDeviated:     deviated,
		DistanceMeters: distance,
		Timestamp:      m.now(),
	})
	return distance, true
}

// emitOpen delivers event unless the monitor has been closed; evalMu must
// be held
func (m *Monitor) emitOpen(event Event) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed || m.opts.OnEvent == nil {
		return
	}
	m.opts.OnEvent(event)
}

// State returns the current deviation state
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastDistance returns the distance from the last evaluation
func (m *Monitor) LastDistance() (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastDistance, m.hasDistance
}

// LastSample returns the most recently observed sample
func (m *Monitor) LastSample() (position.Sample, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sample == nil {
		return position.Sample{}, false
	}
	return *m.sample, true
}

// Evaluations returns how many evaluations have run
func (m *Monitor) Evaluations() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.evaluations
}

// Close stops the pending evaluation and waits for a running one to finish.
// No event is delivered after Close returns and later samples are ignored.
// Close must not be called from OnEvent.
func (m *Monitor) Close() {
	m.mu.Lock()
	m.closed = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.mu.Unlock()

	m.cancel()
	m.evalMu.Lock()
	defer m.evalMu.Unlock()
}
