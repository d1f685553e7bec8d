package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dpup/triptracker/server/internal/cache"
	"github.com/dpup/triptracker/server/internal/clients/backend"
	"github.com/dpup/triptracker/server/internal/config"
	"github.com/dpup/triptracker/server/internal/lib/alerts"
	"github.com/dpup/triptracker/server/internal/lib/geo"
	"github.com/dpup/triptracker/server/internal/lib/position"
	"github.com/dpup/triptracker/server/internal/lib/routing"
)

type deviationCall struct {
	TripID   int
	Deviated bool
	Distance float64
}

type positionCall struct {
	TruckID int
	Point   geo.Point
	OnTrip  bool
}

// fakeBackend is an in-memory fleet API
type fakeBackend struct {
	mu         sync.Mutex
	trips      map[int]backend.Trip // keyed by truck
	trucks     map[int]backend.Truck
	containers map[int]backend.Site
	landfills  map[int]backend.Site
	people     map[int]backend.Person

	historyErr  error
	completeErr error
	listErr     error

	deviations []deviationCall
	positions  []positionCall
	histories  []backend.TripHistory
	completed  map[int]float64
}

func newFakeBackend() *fakeBackend {
	driverID := 7
	return &fakeBackend{
		trips: map[int]backend.Trip{
			3: {
				ID:                    11,
				TruckID:               3,
				LandfillID:            2,
				ContainerIDs:          []int{5},
				StartDate:             "2024-05-01",
				InitialTruckLatitude:  35.54,
				InitialTruckLongitude: 35.80,
			},
		},
		trucks: map[int]backend.Truck{
			3: {ID: 3, PlateNumber: "ABC-123", DriverID: &driverID, WorkerIDs: []int{8, 9}, OnTrip: true},
		},
		containers: map[int]backend.Site{5: {ID: 5, Latitude: 35.55, Longitude: 35.81}},
		landfills:  map[int]backend.Site{2: {ID: 2, Latitude: 35.56, Longitude: 35.82}},
		people: map[int]backend.Person{
			7: {ID: 7, FullName: "Sam Driver"},
			8: {ID: 8, FullName: "Ali Crew"},
			9: {ID: 9, FullName: "Noor Crew"},
		},
		completed: make(map[int]float64),
	}
}

func (f *fakeBackend) ActiveTrip(_ context.Context, truckID int) (backend.Trip, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	trip, ok := f.trips[truckID]
	if !ok || !trip.Active() {
		return backend.Trip{}, backend.ErrNoActiveTrip
	}
	return trip, nil
}

func (f *fakeBackend) ListTrucks(context.Context) ([]backend.Truck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var trucks []backend.Truck
	for _, t := range f.trucks {
		trucks = append(trucks, t)
	}
	return trucks, nil
}

func (f *fakeBackend) GetTruck(_ context.Context, id int) (backend.Truck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.trucks[id]
	if !ok {
		return backend.Truck{}, backend.ErrNotFound
	}
	return t, nil
}

func (f *fakeBackend) GetContainer(_ context.Context, id int) (backend.Site, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.containers[id]
	if !ok {
		return backend.Site{}, backend.ErrNotFound
	}
	return s, nil
}

func (f *fakeBackend) GetLandfill(_ context.Context, id int) (backend.Site, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.landfills[id]
	if !ok {
		return backend.Site{}, backend.ErrNotFound
	}
	return s, nil
}

func (f *fakeBackend) GetDriver(_ context.Context, id int) (backend.Person, error) {
	return f.person(id)
}

func (f *fakeBackend) GetWorker(_ context.Context, id int) (backend.Person, error) {
	return f.person(id)
}

func (f *fakeBackend) person(id int) (backend.Person, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.people[id]
	if !ok {
		return backend.Person{}, backend.ErrNotFound
	}
	return p, nil
}

func (f *fakeBackend) UpdateTripDeviation(_ context.Context, tripID int, deviated bool, distance float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deviations = append(f.deviations, deviationCall{tripID, deviated, distance})
	return nil
}

func (f *fakeBackend) CompleteTrip(_ context.Context, tripID int, minutes float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.completeErr != nil {
		return f.completeErr
	}
	f.completed[tripID] = minutes
	for truckID, trip := range f.trips {
		if trip.ID == tripID {
			trip.DurationMinutes = &minutes
			f.trips[truckID] = trip
		}
	}
	return nil
}

func (f *fakeBackend) UpdateTruckPosition(_ context.Context, truckID int, point geo.Point, onTrip bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.positions = append(f.positions, positionCall{truckID, point, onTrip})
	if t, ok := f.trucks[truckID]; ok {
		t.Latitude = backend.Degrees(point.Latitude)
		t.Longitude = backend.Degrees(point.Longitude)
		t.OnTrip = onTrip
		f.trucks[truckID] = t
	}
	return nil
}

func (f *fakeBackend) SubmitTripHistory(_ context.Context, history backend.TripHistory) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.historyErr != nil {
		return f.historyErr
	}
	f.histories = append(f.histories, history)
	return nil
}

func (f *fakeBackend) setHistoryErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.historyErr = err
}

func (f *fakeBackend) deviationCalls() []deviationCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]deviationCall(nil), f.deviations...)
}

func (f *fakeBackend) positionCalls() []positionCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]positionCall(nil), f.positions...)
}

func (f *fakeBackend) historyCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.histories)
}

// degradedRoutes always falls back to the raw waypoints
type degradedRoutes struct {
	mu    sync.Mutex
	calls []routing.Waypoints
	err   error
}

func (r *degradedRoutes) Route(_ context.Context, waypoints routing.Waypoints) (routing.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, waypoints)
	if r.err != nil {
		return routing.Result{}, r.err
	}
	return routing.Result{Path: routing.Path(waypoints), Degraded: true}, nil
}

func testConfig(t *testing.T) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Deviation.Debounce = 20 * time.Millisecond
	cfg.Alerts.RecoveredTTL = 100 * time.Millisecond
	cfg.Position.PollInterval = time.Hour
	cfg.Archive.Dir = t.TempDir()
	cfg.Archive.Interval = time.Hour
	cfg.Fleet.PollInterval = 10 * time.Millisecond
	return cfg
}

func newPresenter(t *testing.T) *alerts.Presenter {
	p := alerts.NewPresenter(context.Background(), alerts.NopCue{}, alerts.Config{
		CueRepetitions: 3,
		RecoveredTTL:   100 * time.Millisecond,
		EntityLabel:    "Truck",
	})
	t.Cleanup(p.Close)
	return p
}

func push(feed *position.FeedLocator, lat, lon float64) {
	feed.Push(position.Fix{Latitude: lat, Longitude: lon, Accuracy: 5, Timestamp: time.Now()})
}

func TestTracker_DeviationAndRecovery(t *testing.T) {
	api := newFakeBackend()
	routes := &degradedRoutes{}
	presenter := newPresenter(t)
	tracker := NewTracker(api, routes, presenter, testConfig(t))
	t.Cleanup(tracker.Stop)

	session, err := tracker.StartSession(context.Background(), 3)
	require.NoError(t, err)

	require.Len(t, routes.calls, 1)
	assert.Equal(t, routing.Waypoints{
		{Latitude: 35.54, Longitude: 35.80},
		{Latitude: 35.55, Longitude: 35.81},
		{Latitude: 35.56, Longitude: 35.82},
	}, routes.calls[0])

	status := session.Status()
	assert.Equal(t, "active", status.State)
	assert.Equal(t, 11, status.TripID)
	assert.Equal(t, "ABC-123", status.PlateNumber)
	assert.Equal(t, "Sam Driver", status.DriverName)
	assert.Equal(t, []string{"Ali Crew", "Noor Crew"}, status.CrewNames)
	assert.True(t, status.RouteDegraded)
	assert.False(t, status.Deviated)

	feed := tracker.Feed(3)

	// Far off the route
	push(feed, 35.70, 35.95)
	require.Eventually(t, func() bool { return len(api.deviationCalls()) == 1 }, time.Second, 5*time.Millisecond)

	call := api.deviationCalls()[0]
	assert.Equal(t, 11, call.TripID)
	assert.True(t, call.Deviated)
	assert.Greater(t, call.Distance, 40.0)

	require.Eventually(t, func() bool { return len(presenter.Active("3")) == 1 }, time.Second, 5*time.Millisecond)
	active := presenter.Active("3")
	assert.True(t, active[0].Persistent)
	assert.True(t, active[0].IsDeviated)
	assert.True(t, session.Status().Deviated)

	// Accepted positions are mirrored onto the truck record
	require.Eventually(t, func() bool {
		for _, c := range api.positionCalls() {
			if c.OnTrip && c.Point == (geo.Point{Latitude: 35.70, Longitude: 35.95}) {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	// Back on the first leg
	push(feed, 35.541, 35.801)
	require.Eventually(t, func() bool { return len(api.deviationCalls()) == 2 }, time.Second, 5*time.Millisecond)
	assert.False(t, api.deviationCalls()[1].Deviated)

	require.Eventually(t, func() bool {
		active = presenter.Active("3")
		return len(active) == 1 && !active[0].IsDeviated
	}, time.Second, time.Millisecond)
	assert.False(t, active[0].Persistent)
	assert.False(t, active[0].ExpiresAt.IsZero())

	// The recovered alert expires on its own
	assert.Eventually(t, func() bool { return len(presenter.Active("3")) == 0 }, time.Second, 10*time.Millisecond)
	assert.False(t, session.Status().Deviated)
}

// MockRouter is a mock implementation of routing.Router
type MockRouter struct {
	mock.Mock
}

func (m *MockRouter) Trip(ctx context.Context, waypoints []geo.Point) ([]geo.Point, error) {
	args := m.Called(ctx, waypoints)
	path, _ := args.Get(0).([]geo.Point)
	return path, args.Error(1)
}

func TestTracker_DeviationWithRoutingServiceDown(t *testing.T) {
	router := &MockRouter{}
	router.On("Trip", mock.Anything, mock.Anything).Return(nil, errors.New("503 service unavailable"))
	routes := routing.NewProvider(router, cache.NewRouteStore(cache.NewCache(), time.Minute), routing.RetryPolicy{
		MaxAttempts: 3,
		Delay:       time.Millisecond,
	})

	api := newFakeBackend()
	presenter := newPresenter(t)
	tracker := NewTracker(api, routes, presenter, testConfig(t))
	t.Cleanup(tracker.Stop)

	session, err := tracker.StartSession(context.Background(), 3)
	require.NoError(t, err)
	router.AssertNumberOfCalls(t, "Trip", 3)

	status := session.Status()
	assert.True(t, status.RouteDegraded)
	assert.Equal(t, status.Waypoints, status.Route, "Tracking falls back to the raw waypoints")

	feed := tracker.Feed(3)
	push(feed, 35.70, 35.95)
	require.Eventually(t, func() bool {
		active := presenter.Active("3")
		return len(active) == 1 && active[0].Persistent
	}, time.Second, 5*time.Millisecond)
	require.Len(t, api.deviationCalls(), 1)
	assert.True(t, api.deviationCalls()[0].Deviated)

	push(feed, 35.541, 35.801)
	require.Eventually(t, func() bool {
		active := presenter.Active("3")
		return len(active) == 1 && !active[0].IsDeviated
	}, time.Second, time.Millisecond)
	assert.Eventually(t, func() bool { return len(presenter.Active("3")) == 0 }, time.Second, 10*time.Millisecond)

	require.Len(t, api.deviationCalls(), 2)
	assert.False(t, api.deviationCalls()[1].Deviated)
}

func TestTracker_EndSession(t *testing.T) {
	api := newFakeBackend()
	tracker := NewTracker(api, &degradedRoutes{}, newPresenter(t), testConfig(t))
	t.Cleanup(tracker.Stop)

	_, err := tracker.StartSession(context.Background(), 3)
	require.NoError(t, err)

	push(tracker.Feed(3), 35.545, 35.805)
	require.Eventually(t, func() bool { return len(api.positionCalls()) == 1 }, time.Second, 5*time.Millisecond)

	history, err := tracker.EndSession(context.Background(), 3)
	require.NoError(t, err)

	assert.Equal(t, 11, history.TripID)
	assert.Equal(t, 3, history.TruckID)
	assert.Equal(t, "ABC-123", history.PlateNumber)
	assert.Equal(t, 35.56, history.LandfillLatitude)
	assert.Equal(t, 35.80, history.StartLongitude)
	assert.GreaterOrEqual(t, history.DurationMinutes, 0.0)
	require.Len(t, history.Path, 1)
	assert.Equal(t, 35.545, history.Path[0].Latitude)

	assert.Equal(t, 1, api.historyCount())
	assert.Contains(t, api.completed, 11)

	// The last write takes the truck off trip
	calls := api.positionCalls()
	assert.Equal(t, positionCall{TruckID: 3, Point: geo.Point{}, OnTrip: false}, calls[len(calls)-1])

	_, ok := tracker.Session(3)
	assert.False(t, ok)
	assert.False(t, tracker.Has(3))
}

func TestTracker_EndSessionSubmissionFailure(t *testing.T) {
	api := newFakeBackend()
	api.setHistoryErr(errors.New("backend down"))

	tracker := NewTracker(api, &degradedRoutes{}, newPresenter(t), testConfig(t))
	t.Cleanup(tracker.Stop)

	_, err := tracker.StartSession(context.Background(), 3)
	require.NoError(t, err)

	push(tracker.Feed(3), 35.545, 35.805)
	require.Eventually(t, func() bool { return len(api.positionCalls()) == 1 }, time.Second, 5*time.Millisecond)

	_, err = tracker.EndSession(context.Background(), 3)
	require.Error(t, err)
	assert.True(t, IsSubmissionError(err))
	assert.Contains(t, err.Error(), "backend down")

	_, err = tracker.EndSession(context.Background(), 3)
	require.Error(t, err)

	// Still tracking, with the failure visible
	session, ok := tracker.Session(3)
	require.True(t, ok)
	status := session.Status()
	assert.Equal(t, "active", status.State)
	assert.Contains(t, status.Error, "submit trip history")

	api.setHistoryErr(nil)
	history, err := tracker.EndSession(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, 1, api.historyCount())
	assert.Len(t, history.Path, 1, "Retries do not append more final points")
}

func TestTracker_CompletionRetrySkipsHistory(t *testing.T) {
	api := newFakeBackend()
	api.completeErr = errors.New("timeout")

	tracker := NewTracker(api, &degradedRoutes{}, newPresenter(t), testConfig(t))
	t.Cleanup(tracker.Stop)

	_, err := tracker.StartSession(context.Background(), 3)
	require.NoError(t, err)

	_, err = tracker.EndSession(context.Background(), 3)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "complete trip")
	assert.Equal(t, 1, api.historyCount())

	api.mu.Lock()
	api.completeErr = nil
	api.mu.Unlock()

	_, err = tracker.EndSession(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, 1, api.historyCount(), "history should not be submitted twice")
}

func TestTracker_ResourceErrors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*fakeBackend)
		errText string
	}{
		{"no active trip", func(f *fakeBackend) { delete(f.trips, 3) }, "active trip"},
		{"missing container", func(f *fakeBackend) { delete(f.containers, 5) }, "container 5"},
		{"missing landfill", func(f *fakeBackend) { delete(f.landfills, 2) }, "landfill 2"},
		{"missing worker", func(f *fakeBackend) { delete(f.people, 9) }, "worker 9"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newFakeBackend()
			tt.mutate(api)
			routes := &degradedRoutes{}
			tracker := NewTracker(api, routes, newPresenter(t), testConfig(t))
			t.Cleanup(tracker.Stop)

			session, err := tracker.StartSession(context.Background(), 3)
			require.Error(t, err)
			assert.True(t, IsResourceError(err))
			assert.Contains(t, err.Error(), tt.errText)
			assert.Empty(t, routes.calls, "no route without every waypoint")

			status := session.Status()
			assert.Equal(t, "idle", status.State)
			assert.Contains(t, status.Error, tt.errText)
		})
	}
}

func TestTracker_RetryAfterResourceError(t *testing.T) {
	api := newFakeBackend()
	api.mu.Lock()
	delete(api.containers, 5)
	api.mu.Unlock()

	tracker := NewTracker(api, &degradedRoutes{}, newPresenter(t), testConfig(t))
	t.Cleanup(tracker.Stop)

	_, err := tracker.StartSession(context.Background(), 3)
	require.Error(t, err)

	api.mu.Lock()
	api.containers[5] = backend.Site{ID: 5, Latitude: 35.55, Longitude: 35.81}
	api.mu.Unlock()

	session, err := tracker.StartSession(context.Background(), 3)
	require.NoError(t, err)
	assert.Empty(t, session.Status().Error)
}

func TestTracker_RouteFailure(t *testing.T) {
	api := newFakeBackend()
	routes := &degradedRoutes{err: routing.ErrTooFewWaypoints}
	tracker := NewTracker(api, routes, newPresenter(t), testConfig(t))
	t.Cleanup(tracker.Stop)

	_, err := tracker.StartSession(context.Background(), 3)
	require.Error(t, err)
	assert.True(t, IsResourceError(err))
	assert.ErrorIs(t, err, routing.ErrTooFewWaypoints)
}

func TestTracker_ResurfacesRecordedDeviation(t *testing.T) {
	api := newFakeBackend()
	trip := api.trips[3]
	trip.Deviated = true
	api.trips[3] = trip

	presenter := newPresenter(t)
	tracker := NewTracker(api, &degradedRoutes{}, presenter, testConfig(t))
	t.Cleanup(tracker.Stop)

	_, err := tracker.StartSession(context.Background(), 3)
	require.NoError(t, err)

	push(tracker.Feed(3), 35.70, 35.95)
	require.Eventually(t, func() bool { return len(presenter.Active("3")) == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, presenter.Active("3")[0].Persistent)
	assert.Empty(t, api.deviationCalls(), "an already recorded deviation is not written again")
}

func TestTracker_UnavailableLocation(t *testing.T) {
	api := newFakeBackend()
	tracker := NewTracker(api, &degradedRoutes{}, newPresenter(t), testConfig(t))
	t.Cleanup(tracker.Stop)

	tracker.Feed(3).Disable(errors.New("permission denied"))

	session, err := tracker.StartSession(context.Background(), 3)
	require.NoError(t, err, "the trip can still be ended without positions")

	status := session.Status()
	assert.Equal(t, "active", status.State)
	assert.Contains(t, status.Error, "permission denied")

	_, err = tracker.EndSession(context.Background(), 3)
	assert.NoError(t, err)
}

func TestTracker_CloseSession(t *testing.T) {
	api := newFakeBackend()
	presenter := newPresenter(t)
	tracker := NewTracker(api, &degradedRoutes{}, presenter, testConfig(t))

	session, err := tracker.StartSession(context.Background(), 3)
	require.NoError(t, err)

	push(tracker.Feed(3), 35.70, 35.95)
	require.Eventually(t, func() bool { return len(presenter.Active("3")) == 1 }, time.Second, 5*time.Millisecond)

	assert.True(t, tracker.CloseSession(context.Background(), 3))
	assert.False(t, tracker.CloseSession(context.Background(), 3))
	assert.True(t, session.Closed())
	assert.Empty(t, presenter.Active("3"), "closing clears the truck's alerts")

	// Closing never finalizes the trip
	assert.Zero(t, api.historyCount())
	assert.Empty(t, api.completed)

	_, err = session.End(context.Background())
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestTracker_EndWithoutSession(t *testing.T) {
	tracker := NewTracker(newFakeBackend(), &degradedRoutes{}, newPresenter(t), testConfig(t))
	_, err := tracker.EndSession(context.Background(), 42)
	assert.ErrorIs(t, err, backend.ErrNoActiveTrip)
}
