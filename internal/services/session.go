package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/dpup/prefab/logging"
	"github.com/sourcegraph/conc/pool"

	"github.com/dpup/triptracker/server/internal/clients/backend"
	"github.com/dpup/triptracker/server/internal/config"
	"github.com/dpup/triptracker/server/internal/lib/alerts"
	"github.com/dpup/triptracker/server/internal/lib/archive"
	"github.com/dpup/triptracker/server/internal/lib/deviation"
	"github.com/dpup/triptracker/server/internal/lib/geo"
	"github.com/dpup/triptracker/server/internal/lib/lifecycle"
	"github.com/dpup/triptracker/server/internal/lib/position"
	"github.com/dpup/triptracker/server/internal/lib/routing"
)

// SessionDeps are the collaborators of a TripSession
type SessionDeps struct {
	Backend Backend
	Routes  RouteProvider
	Locator position.Locator

	// Alerts may be shared by many sessions; nil disables alerting
	Alerts *alerts.Presenter

	// SyncPosition mirrors accepted positions onto the truck record. Off
	// when the device already owns that record.
	SyncPosition bool
}

type sessionState int

const (
	stateIdle sessionState = iota
	stateActive
	stateEnded
	stateClosed
)

func (s sessionState) String() string {
	switch s {
	case stateActive:
		return "active"
	case stateEnded:
		return "ended"
	case stateClosed:
		return "closed"
	default:
		return "idle"
	}
}

// TripSession tracks one truck's active trip: it resolves the trip's
// entities, plans the route, watches the truck's position for deviations
// and finalizes the trip when it ends
type TripSession struct {
	truckID  int
	entityID string
	deps     SessionDeps
	cfg      *config.Config

	// opMu serializes Start, End and Close
	opMu sync.Mutex

	mu               sync.Mutex
	state            sessionState
	trip             backend.Trip
	truck            backend.Truck
	driverName       string
	crewNames        []string
	landfill         backend.Site
	waypoints        routing.Waypoints
	route            routing.Result
	startedAt        time.Time
	visibleErr       error
	historySubmitted bool
	finalRecorded    bool

	registry *lifecycle.Registry
	source   *position.Source
	monitor  *deviation.Monitor
	recorder *archive.Recorder

	now func() time.Time
}

// NewTripSession creates an idle session for truckID
func NewTripSession(truckID int, deps SessionDeps, cfg *config.Config) *TripSession {
	return &TripSession{
		truckID:  truckID,
		entityID: strconv.Itoa(truckID),
		deps:     deps,
		cfg:      cfg,
		now:      time.Now,
	}
}

// TruckID returns the tracked truck
func (s *TripSession) TruckID() int {
	return s.truckID
}

// Start loads the truck's active trip and begins tracking it. A
// ResourceError is returned, and kept as the visible error, when any
// entity of the trip cannot be loaded. Starting an active session is a
// no-op.
func (s *TripSession) Start(ctx context.Context) error {
	ctx = logging.EnsureLogger(ctx)
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	switch state {
	case stateActive:
		return nil
	case stateEnded, stateClosed:
		return ErrSessionClosed
	}

	if err := s.resolve(ctx); err != nil {
		s.setError(err)
		logging.Errorw(ctx, "Failed to resolve trip resources", "truck_id", s.truckID, "error", err)
		return err
	}

	s.mu.Lock()
	trip := s.trip
	waypoints := s.waypoints
	s.mu.Unlock()

	// Background work outlives the request that started the session
	sessionCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	registry := lifecycle.NewRegistry()
	registry.Add("session-context", cancel)
	if s.deps.Alerts != nil {
		registry.Add("alerts", func() { s.deps.Alerts.Clear(s.entityID) })
	}

	result, err := s.deps.Routes.Route(sessionCtx, waypoints)
	if err != nil {
		registry.Close()
		rerr := &ResourceError{Resource: "route for trip", ID: trip.ID, Err: err}
		s.setError(rerr)
		return rerr
	}
	if result.Degraded {
		logging.Warnw(ctx, "Tracking against raw waypoints, routing service unavailable",
			"truck_id", s.truckID, "trip_id", trip.ID)
	}

	monitor := deviation.NewMonitor(sessionCtx, result.Path, deviation.Options{
		TripID:            strconv.Itoa(trip.ID),
		EntityID:          s.entityID,
		Hysteresis:        s.cfg.Deviation.Thresholds,
		Projection:        s.cfg.Deviation.Projection,
		Debounce:          s.cfg.Deviation.Debounce,
		InitiallyDeviated: trip.Deviated,
		Persister:         tripPersister{backend: s.deps.Backend, tripID: trip.ID},
		OnEvent:           s.handleEvent,
	})
	registry.Add("deviation-monitor", monitor.Close)

	var syncer position.Syncer
	if s.deps.SyncPosition {
		syncer = truckSyncer{backend: s.deps.Backend, truckID: s.truckID}
	}
	source := position.NewSource(s.deps.Locator, syncer, position.Config{
		MaxAccuracy:     s.cfg.Position.MaxAccuracy,
		MinDisplacement: s.cfg.Position.MinDisplacement,
		PollInterval:    s.cfg.Position.PollInterval,
		Timeout:         s.cfg.Position.Timeout,
		SyncTimeout:     s.cfg.Position.SyncTimeout,
	})
	source.Subscribe(monitor.Observe)
	source.OnUnavailable(func(err error) { s.setError(err) })
	registry.Add("position-source", source.Stop)

	recorder := archive.NewRecorder(strconv.Itoa(trip.ID), source, s.cfg.Archive)
	if err := recorder.Resume(); err != nil {
		logging.Warnw(ctx, "Could not resume path archive", "trip_id", trip.ID, "error", err)
	}

	s.mu.Lock()
	s.route = result
	s.registry = registry
	s.monitor = monitor
	s.source = source
	s.recorder = recorder
	s.startedAt = s.now()
	s.visibleErr = nil
	s.state = stateActive
	s.mu.Unlock()

	if err := source.Start(sessionCtx); err != nil {
		// The trip can still be ended without live positions
		s.setError(err)
		logging.Errorw(ctx, "Position tracking unavailable", "truck_id", s.truckID, "error", err)
	}
	recorder.Start(sessionCtx, registry)

	logging.Infow(ctx, "Tracking session started",
		"truck_id", s.truckID, "trip_id", trip.ID, "waypoints", len(waypoints),
		"route_points", len(result.Path), "route_degraded", result.Degraded, "initially_deviated", trip.Deviated)
	return nil
}

// resolve loads the trip and every entity it references
func (s *TripSession) resolve(ctx context.Context) error {
	trip, err := s.deps.Backend.ActiveTrip(ctx, s.truckID)
	if err != nil {
		return &ResourceError{Resource: "active trip", Err: err}
	}

	truck, err := s.deps.Backend.GetTruck(ctx, s.truckID)
	if err != nil {
		return &ResourceError{Resource: "truck", ID: s.truckID, Err: err}
	}

	containers := make([]backend.Site, len(trip.ContainerIDs))
	crew := make([]string, len(truck.WorkerIDs))
	var landfill backend.Site
	var driverName string

	p := pool.New().WithContext(ctx).WithCancelOnError().WithFirstError()
	for i, id := range trip.ContainerIDs {
		p.Go(func(ctx context.Context) error {
			site, err := s.deps.Backend.GetContainer(ctx, id)
			if err != nil {
				return &ResourceError{Resource: "container", ID: id, Err: err}
			}
			containers[i] = site
			return nil
		})
	}
	p.Go(func(ctx context.Context) error {
		site, err := s.deps.Backend.GetLandfill(ctx, trip.LandfillID)
		if err != nil {
			return &ResourceError{Resource: "landfill", ID: trip.LandfillID, Err: err}
		}
		landfill = site
		return nil
	})
	if truck.DriverID != nil {
		driverID := *truck.DriverID
		p.Go(func(ctx context.Context) error {
			driver, err := s.deps.Backend.GetDriver(ctx, driverID)
			if err != nil {
				return &ResourceError{Resource: "driver", ID: driverID, Err: err}
			}
			driverName = driver.FullName
			return nil
		})
	}
	for i, id := range truck.WorkerIDs {
		p.Go(func(ctx context.Context) error {
			worker, err := s.deps.Backend.GetWorker(ctx, id)
			if err != nil {
				return &ResourceError{Resource: "worker", ID: id, Err: err}
			}
			crew[i] = worker.FullName
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return err
	}

	start := trip.Start()
	if start == (geo.Point{}) {
		// Trips created before the start position was captured
		start = truck.Position()
	}

	waypoints := routing.Waypoints{start}
	for _, c := range containers {
		waypoints = append(waypoints, c.Point())
	}
	waypoints = append(waypoints, landfill.Point())

	s.mu.Lock()
	defer s.mu.Unlock()
	s.trip = trip
	s.truck = truck
	s.landfill = landfill
	s.driverName = driverName
	s.crewNames = crew
	s.waypoints = waypoints
	return nil
}

func (s *TripSession) handleEvent(event deviation.Event) {
	if s.deps.Alerts != nil {
		s.deps.Alerts.Handle(event)
	}
}

// End finalizes the trip: the history record is submitted, the trip is
// marked complete and the truck is taken off trip. On a SubmissionError
// the session keeps running and End may be retried.
func (s *TripSession) End(ctx context.Context) (backend.TripHistory, error) {
	ctx = logging.EnsureLogger(ctx)
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	state := s.state
	trip := s.trip
	recorder := s.recorder
	registry := s.registry
	submitted := s.historySubmitted
	finalRecorded := s.finalRecorded
	s.finalRecorded = true
	s.mu.Unlock()

	switch state {
	case stateIdle:
		return backend.TripHistory{}, fmt.Errorf("truck %d: %w", s.truckID, backend.ErrNoActiveTrip)
	case stateEnded, stateClosed:
		return backend.TripHistory{}, ErrSessionClosed
	}

	// Capture where the truck finished, once across retries
	if !finalRecorded {
		if err := recorder.Record(); err != nil {
			logging.Warnw(ctx, "Failed to persist final position", "trip_id", trip.ID, "error", err)
		}
	}
	history := s.buildHistory()

	if !submitted {
		if err := s.deps.Backend.SubmitTripHistory(ctx, history); err != nil {
			serr := &SubmissionError{TripID: trip.ID, Step: "submit trip history", Err: err}
			s.setError(serr)
			logging.Errorw(ctx, "Trip submission failed", "trip_id", trip.ID, "error", err)
			return history, serr
		}
		s.mu.Lock()
		s.historySubmitted = true
		s.mu.Unlock()
	}

	if err := s.deps.Backend.CompleteTrip(ctx, trip.ID, history.DurationMinutes); err != nil {
		serr := &SubmissionError{TripID: trip.ID, Step: "complete trip", Err: err}
		s.setError(serr)
		logging.Errorw(ctx, "Trip completion failed", "trip_id", trip.ID, "error", err)
		return history, serr
	}

	// Stop position syncs first so a late one cannot put the truck back on trip
	registry.Close()

	if err := s.deps.Backend.UpdateTruckPosition(ctx, s.truckID, geo.Point{}, false); err != nil {
		logging.Errorw(ctx, "Failed to take truck off trip", "truck_id", s.truckID, "error", err)
	}
	if err := recorder.Flush(); err != nil {
		logging.Warnw(ctx, "Failed to remove path archive", "trip_id", trip.ID, "error", err)
	}

	s.mu.Lock()
	s.state = stateEnded
	s.visibleErr = nil
	s.mu.Unlock()

	logging.Infow(ctx, "Trip ended",
		"truck_id", s.truckID, "trip_id", trip.ID, "duration_min", history.DurationMinutes,
		"path_points", len(history.Path))
	return history, nil
}

func (s *TripSession) buildHistory() backend.TripHistory {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := s.tripStartLocked()
	minutes := math.Round(s.now().Sub(start).Minutes()*100) / 100
	if minutes < 0 {
		minutes = 0
	}

	var path []backend.HistoryPoint
	if s.recorder != nil {
		for _, p := range s.recorder.Points() {
			path = append(path, backend.HistoryPoint{
				Timestamp: p.Timestamp,
				Latitude:  p.Latitude,
				Longitude: p.Longitude,
			})
		}
	}

	deviated := s.trip.Deviated
	if s.monitor != nil {
		deviated = s.monitor.State() == deviation.Deviated
	}

	origin := s.waypoints[0]
	return backend.TripHistory{
		TripID:            s.trip.ID,
		TruckID:           s.truckID,
		PlateNumber:       s.truck.PlateNumber,
		DriverName:        s.driverName,
		CrewNames:         append([]string(nil), s.crewNames...),
		StartTime:         start,
		DurationMinutes:   minutes,
		LandfillLatitude:  float64(s.landfill.Latitude),
		LandfillLongitude: float64(s.landfill.Longitude),
		StartLatitude:     origin.Latitude,
		StartLongitude:    origin.Longitude,
		Deviated:          deviated,
		Path:              path,
	}
}

// tripStartLocked prefers the recorded start time when it carries a time
// of day; a bare date falls back to when tracking began
func (s *TripSession) tripStartLocked() time.Time {
	if started, ok := s.trip.StartedAt(); ok && len(s.trip.StartDate) > len("2006-01-02") {
		return started
	}
	return s.startedAt
}

// Close stops tracking without finalizing the trip. Safe to call more than
// once.
func (s *TripSession) Close() {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	registry := s.registry
	if s.state != stateEnded {
		s.state = stateClosed
	}
	s.mu.Unlock()

	if registry != nil {
		registry.Close()
	}
}

// Closed reports whether the session has ended or been torn down
func (s *TripSession) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateEnded || s.state == stateClosed
}

// Err returns the session's visible error, if any
func (s *TripSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.visibleErr
}

func (s *TripSession) setError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.visibleErr = err
}

// ArchivedPath returns the trip's breadcrumb trail
func (s *TripSession) ArchivedPath() (int, []archive.Point) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recorder == nil {
		return s.trip.ID, nil
	}
	return s.trip.ID, s.recorder.Points()
}

// SessionStatus is a point-in-time view of a session
type SessionStatus struct {
	TruckID        int              `json:"truck_id"`
	TripID         int              `json:"trip_id,omitempty"`
	State          string           `json:"state"`
	PlateNumber    string           `json:"plate_number,omitempty"`
	DriverName     string           `json:"driver_name,omitempty"`
	CrewNames      []string         `json:"crew_names,omitempty"`
	StartedAt      time.Time        `json:"started_at,omitempty"`
	Waypoints      []geo.Point      `json:"waypoints,omitempty"`
	Route          []geo.Point      `json:"route,omitempty"`
	RouteDegraded  bool             `json:"route_degraded"`
	Deviated       bool             `json:"deviated"`
	LastDistance   *float64         `json:"last_distance_meters,omitempty"`
	LastPosition   *position.Sample `json:"last_position,omitempty"`
	ArchivedPoints int              `json:"archived_points"`
	Alerts         []alerts.Record  `json:"alerts"`
	Error          string           `json:"error,omitempty"`
}

// Status returns a snapshot of the session
func (s *TripSession) Status() SessionStatus {
	s.mu.Lock()
	status := SessionStatus{
		TruckID:       s.truckID,
		TripID:        s.trip.ID,
		State:         s.state.String(),
		PlateNumber:   s.truck.PlateNumber,
		DriverName:    s.driverName,
		CrewNames:     append([]string(nil), s.crewNames...),
		StartedAt:     s.startedAt,
		Waypoints:     append([]geo.Point(nil), s.waypoints...),
		Route:         append([]geo.Point(nil), s.route.Path...),
		RouteDegraded: s.route.Degraded,
		Deviated:      s.trip.Deviated,
	}
	if s.visibleErr != nil {
		status.Error = s.visibleErr.Error()
	}
	monitor := s.monitor
	recorder := s.recorder
	s.mu.Unlock()

	if monitor != nil {
		status.Deviated = monitor.State() == deviation.Deviated
		if d, ok := monitor.LastDistance(); ok {
			status.LastDistance = &d
		}
		if sample, ok := monitor.LastSample(); ok {
			status.LastPosition = &sample
		}
	}
	if recorder != nil {
		status.ArchivedPoints = recorder.Len()
	}

	status.Alerts = []alerts.Record{}
	if s.deps.Alerts != nil {
		if active := s.deps.Alerts.Active(s.entityID); active != nil {
			status.Alerts = active
		}
	}
	return status
}

// IsResourceError reports whether err is a ResourceError
func IsResourceError(err error) bool {
	var rerr *ResourceError
	return errors.As(err, &rerr)
}

// IsSubmissionError reports whether err is a SubmissionError
func IsSubmissionError(err error) bool {
	var serr *SubmissionError
	return errors.As(err, &serr)
}
