package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dpup/prefab/logging"

	"github.com/dpup/triptracker/server/internal/config"
	"github.com/dpup/triptracker/server/internal/lib/alerts"
	"github.com/dpup/triptracker/server/internal/lib/lifecycle"
	"github.com/dpup/triptracker/server/internal/lib/position"
)

// claimer reports trucks whose device already drives a session
type claimer interface {
	Has(truckID int) bool
}

// FleetMonitor is the dispatcher view: it keeps a session for every truck
// the backend reports on trip, reading positions the devices write to the
// truck records
type FleetMonitor struct {
	backend Backend
	routes  RouteProvider
	alerts  *alerts.Presenter
	claimed claimer
	cfg     *config.Config

	registry *lifecycle.Registry

	// refreshMu serializes refreshes
	refreshMu sync.Mutex

	mu       sync.Mutex
	sessions map[int]*TripSession
	lastErr  error
	lastRun  time.Time
}

// NewFleetMonitor creates a FleetMonitor. Trucks claimed by a device
// session are left alone so no truck is tracked twice.
func NewFleetMonitor(b Backend, routes RouteProvider, presenter *alerts.Presenter, claimed claimer, cfg *config.Config) *FleetMonitor {
	return &FleetMonitor{
		backend:  b,
		routes:   routes,
		alerts:   presenter,
		claimed:  claimed,
		cfg:      cfg,
		registry: lifecycle.NewRegistry(),
		sessions: make(map[int]*TripSession),
	}
}

// Start refreshes once, then on every refresh interval
func (f *FleetMonitor) Start(ctx context.Context) {
	ctx = logging.EnsureLogger(ctx)
	interval := f.cfg.Fleet.RefreshInterval
	logging.Infow(ctx, "Starting fleet monitor", "refresh_interval", interval)

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if !f.registry.Add("fleet-context", cancel) {
		return
	}
	go lifecycle.Safely(loopCtx, "fleet-refresh", func() { f.refresh(loopCtx) })
	f.registry.Ticker(loopCtx, "fleet-refresh", interval, f.refresh)
}

func (f *FleetMonitor) refresh(ctx context.Context) {
	refreshCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	if err := f.Refresh(refreshCtx); err != nil {
		logging.Errorw(ctx, "Fleet refresh failed", "error", err)
	}
}

// Refresh reconciles sessions with the trucks currently on trip
func (f *FleetMonitor) Refresh(ctx context.Context) error {
	ctx = logging.EnsureLogger(ctx)
	f.refreshMu.Lock()
	defer f.refreshMu.Unlock()
	if f.registry.Closed() {
		return nil
	}

	trucks, err := f.backend.ListTrucks(ctx)
	f.mu.Lock()
	f.lastRun = time.Now()
	f.lastErr = err
	f.mu.Unlock()
	if err != nil {
		return err
	}

	wanted := make(map[int]bool)
	for _, truck := range trucks {
		if truck.OnTrip && !f.claimed.Has(truck.ID) {
			wanted[truck.ID] = true
		}
	}

	f.mu.Lock()
	var stale []*TripSession
	for id, session := range f.sessions {
		if !wanted[id] {
			stale = append(stale, session)
			delete(f.sessions, id)
		}
	}
	var added []*TripSession
	for id := range wanted {
		session, ok := f.sessions[id]
		if ok && !session.Closed() && session.Err() == nil {
			continue
		}
		if !ok || session.Closed() {
			session = NewTripSession(id, SessionDeps{
				Backend: f.backend,
				Routes:  f.routes,
				Locator: position.NewBackendLocator(truckReader{backend: f.backend, truckID: id}, f.cfg.Fleet.PollInterval),
				Alerts:  f.alerts,
			}, f.cfg)
			f.sessions[id] = session
		}
		added = append(added, session)
	}
	f.mu.Unlock()

	for _, session := range stale {
		session.Close()
		logging.Infow(ctx, "Stopped monitoring truck", "truck_id", session.TruckID())
	}
	// Start retries sessions whose resources failed to load last time
	for _, session := range added {
		if err := session.Start(ctx); err != nil {
			logging.Warnw(ctx, "Could not monitor truck", "truck_id", session.TruckID(), "error", err)
		}
	}
	return nil
}

// Snapshot returns the status of every monitored truck, ordered by truck
func (f *FleetMonitor) Snapshot() []SessionStatus {
	f.mu.Lock()
	sessions := make([]*TripSession, 0, len(f.sessions))
	for _, s := range f.sessions {
		sessions = append(sessions, s)
	}
	f.mu.Unlock()

	statuses := make([]SessionStatus, 0, len(sessions))
	for _, s := range sessions {
		statuses = append(statuses, s.Status())
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].TruckID < statuses[j].TruckID })
	return statuses
}

// Session returns the monitored session for a truck
func (f *FleetMonitor) Session(truckID int) (*TripSession, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[truckID]
	return s, ok
}

// Release stops monitoring a truck, typically because its device took over
func (f *FleetMonitor) Release(truckID int) {
	f.mu.Lock()
	session, ok := f.sessions[truckID]
	delete(f.sessions, truckID)
	f.mu.Unlock()
	if ok {
		session.Close()
	}
}

// LastRefresh reports when the fleet was last listed and the error, if any
func (f *FleetMonitor) LastRefresh() (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastRun, f.lastErr
}

// Stop ends the refresh loop and closes every session
func (f *FleetMonitor) Stop() {
	f.registry.Close()

	// Wait out an in-flight refresh so it cannot add sessions after this
	f.refreshMu.Lock()
	defer f.refreshMu.Unlock()

	f.mu.Lock()
	sessions := f.sessions
	f.sessions = make(map[int]*TripSession)
	f.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	logging.Infow(logging.EnsureLogger(context.Background()), "Stopped fleet monitor")
}
