package services

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/dpup/prefab/logging"

	"github.com/dpup/triptracker/server/internal/clients/backend"
	"github.com/dpup/triptracker/server/internal/config"
	"github.com/dpup/triptracker/server/internal/lib/alerts"
	"github.com/dpup/triptracker/server/internal/lib/position"
)

// Tracker owns the device-driven sessions: positions pushed by a truck's
// device flow through its feed into that truck's TripSession
type Tracker struct {
	backend Backend
	routes  RouteProvider
	alerts  *alerts.Presenter
	cfg     *config.Config

	mu       sync.Mutex
	feeds    map[int]*position.FeedLocator
	sessions map[int]*TripSession
}

// NewTracker creates a Tracker
func NewTracker(b Backend, routes RouteProvider, presenter *alerts.Presenter, cfg *config.Config) *Tracker {
	return &Tracker{
		backend:  b,
		routes:   routes,
		alerts:   presenter,
		cfg:      cfg,
		feeds:    make(map[int]*position.FeedLocator),
		sessions: make(map[int]*TripSession),
	}
}

// Feed returns the position feed for a truck, creating it on first use.
// The feed outlives sessions so a device may report before a trip starts.
func (t *Tracker) Feed(truckID int) *position.FeedLocator {
	t.mu.Lock()
	defer t.mu.Unlock()
	feed, ok := t.feeds[truckID]
	if !ok {
		feed = position.NewFeedLocator()
		t.feeds[truckID] = feed
	}
	return feed
}

// StartSession begins tracking the truck's active trip. A session whose
// start failed is kept so its error stays visible, and is retried by the
// next call.
func (t *Tracker) StartSession(ctx context.Context, truckID int) (*TripSession, error) {
	feed := t.Feed(truckID)

	t.mu.Lock()
	session, ok := t.sessions[truckID]
	if !ok || session.Closed() {
		session = NewTripSession(truckID, SessionDeps{
			Backend:      t.backend,
			Routes:       t.routes,
			Locator:      feed,
			Alerts:       t.alerts,
			SyncPosition: true,
		}, t.cfg)
		t.sessions[truckID] = session
	}
	t.mu.Unlock()

	if err := session.Start(ctx); err != nil {
		return session, err
	}
	return session, nil
}

// Session returns the truck's session, if one exists
func (t *Tracker) Session(truckID int) (*TripSession, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	session, ok := t.sessions[truckID]
	return session, ok
}

// Has reports whether the truck has a live device session
func (t *Tracker) Has(truckID int) bool {
	session, ok := t.Session(truckID)
	return ok && !session.Closed()
}

// EndSession finalizes the truck's trip. The session is dropped only when
// finalization succeeds.
func (t *Tracker) EndSession(ctx context.Context, truckID int) (backend.TripHistory, error) {
	session, ok := t.Session(truckID)
	if !ok {
		return backend.TripHistory{}, fmt.Errorf("truck %d: %w", truckID, backend.ErrNoActiveTrip)
	}

	history, err := session.End(ctx)
	if err != nil {
		return history, err
	}

	t.mu.Lock()
	if t.sessions[truckID] == session {
		delete(t.sessions, truckID)
	}
	t.mu.Unlock()
	return history, nil
}

// CloseSession stops tracking the truck without finalizing its trip
func (t *Tracker) CloseSession(ctx context.Context, truckID int) bool {
	t.mu.Lock()
	session, ok := t.sessions[truckID]
	delete(t.sessions, truckID)
	t.mu.Unlock()

	if !ok {
		return false
	}
	session.Close()
	logging.Infow(logging.EnsureLogger(ctx), "Tracking session closed", "truck_id", truckID)
	return true
}

// Snapshot returns the status of every session, ordered by truck
func (t *Tracker) Snapshot() []SessionStatus {
	t.mu.Lock()
	sessions := make([]*TripSession, 0, len(t.sessions))
	for _, s := range t.sessions {
		sessions = append(sessions, s)
	}
	t.mu.Unlock()

	statuses := make([]SessionStatus, 0, len(sessions))
	for _, s := range sessions {
		statuses = append(statuses, s.Status())
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].TruckID < statuses[j].TruckID })
	return statuses
}

// Stop closes every session
func (t *Tracker) Stop() {
	t.mu.Lock()
	sessions := t.sessions
	t.sessions = make(map[int]*TripSession)
	t.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}
