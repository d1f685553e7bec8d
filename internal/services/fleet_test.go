package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dpup/triptracker/server/internal/clients/backend"
)

type claimedSet map[int]bool

func (c claimedSet) Has(truckID int) bool { return c[truckID] }

func (f *fakeBackend) moveTruck(truckID int, lat, lon float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.trucks[truckID]
	t.Latitude = backend.Degrees(lat)
	t.Longitude = backend.Degrees(lon)
	f.trucks[truckID] = t
}

func (f *fakeBackend) setOnTrip(truckID int, onTrip bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.trucks[truckID]
	t.OnTrip = onTrip
	f.trucks[truckID] = t
}

func TestFleetMonitor_TracksTrucksOnTrip(t *testing.T) {
	api := newFakeBackend()
	api.trucks[4] = backend.Truck{ID: 4, PlateNumber: "IDLE-1"}

	presenter := newPresenter(t)
	fleet := NewFleetMonitor(api, &degradedRoutes{}, presenter, claimedSet{}, testConfig(t))
	t.Cleanup(fleet.Stop)

	require.NoError(t, fleet.Refresh(context.Background()))

	snapshot := fleet.Snapshot()
	require.Len(t, snapshot, 1)
	assert.Equal(t, 3, snapshot[0].TruckID)
	assert.Equal(t, "active", snapshot[0].State)

	// The device writes a position far from the route
	api.moveTruck(3, 35.70, 35.95)
	require.Eventually(t, func() bool { return len(api.deviationCalls()) == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(presenter.Active("3")) == 1 }, time.Second, 5*time.Millisecond)

	// The dispatcher view never writes the truck's position
	assert.Empty(t, api.positionCalls())

	// Trip finished elsewhere
	api.setOnTrip(3, false)
	require.NoError(t, fleet.Refresh(context.Background()))
	assert.Empty(t, fleet.Snapshot())
	assert.Empty(t, presenter.Active("3"))
}

func TestFleetMonitor_SkipsClaimedTrucks(t *testing.T) {
	api := newFakeBackend()
	claimed := claimedSet{}
	fleet := NewFleetMonitor(api, &degradedRoutes{}, newPresenter(t), claimed, testConfig(t))
	t.Cleanup(fleet.Stop)

	require.NoError(t, fleet.Refresh(context.Background()))
	session, ok := fleet.Session(3)
	require.True(t, ok)

	// A device session takes over
	claimed[3] = true
	require.NoError(t, fleet.Refresh(context.Background()))
	_, ok = fleet.Session(3)
	assert.False(t, ok)
	assert.True(t, session.Closed())
}

func TestFleetMonitor_KeepsFailedSessionVisible(t *testing.T) {
	api := newFakeBackend()
	delete(api.landfills, 2)

	fleet := NewFleetMonitor(api, &degradedRoutes{}, newPresenter(t), claimedSet{}, testConfig(t))
	t.Cleanup(fleet.Stop)

	require.NoError(t, fleet.Refresh(context.Background()))
	snapshot := fleet.Snapshot()
	require.Len(t, snapshot, 1)
	assert.Equal(t, "idle", snapshot[0].State)
	assert.Contains(t, snapshot[0].Error, "landfill 2")

	// Retried on the next refresh
	api.mu.Lock()
	api.landfills[2] = backend.Site{ID: 2, Latitude: 35.56, Longitude: 35.82}
	api.mu.Unlock()

	require.NoError(t, fleet.Refresh(context.Background()))
	snapshot = fleet.Snapshot()
	require.Len(t, snapshot, 1)
	assert.Equal(t, "active", snapshot[0].State)
	assert.Empty(t, snapshot[0].Error)
}

func TestFleetMonitor_ListFailure(t *testing.T) {
	api := newFakeBackend()
	api.listErr = errors.New("connection refused")

	fleet := NewFleetMonitor(api, &degradedRoutes{}, newPresenter(t), claimedSet{}, testConfig(t))
	t.Cleanup(fleet.Stop)

	err := fleet.Refresh(context.Background())
	assert.Error(t, err)

	last, lastErr := fleet.LastRefresh()
	assert.False(t, last.IsZero())
	assert.ErrorContains(t, lastErr, "connection refused")
}

func TestFleetMonitor_StartAndStop(t *testing.T) {
	api := newFakeBackend()
	fleet := NewFleetMonitor(api, &degradedRoutes{}, newPresenter(t), claimedSet{}, testConfig(t))

	fleet.Start(context.Background())
	require.Eventually(t, func() bool { return len(fleet.Snapshot()) == 1 }, time.Second, 5*time.Millisecond)

	session, _ := fleet.Session(3)
	fleet.Stop()
	assert.Empty(t, fleet.Snapshot())
	assert.True(t, session.Closed())

	// Refreshing after Stop is a no-op
	require.NoError(t, fleet.Refresh(context.Background()))
	assert.Empty(t, fleet.Snapshot())
}
