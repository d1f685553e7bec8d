package services

import (
	"context"

	"github.com/dpup/triptracker/server/internal/clients/backend"
	"github.com/dpup/triptracker/server/internal/lib/geo"
	"github.com/dpup/triptracker/server/internal/lib/routing"
)

// Backend is the subset of the fleet API used by tracking sessions
type Backend interface {
	ActiveTrip(ctx context.Context, truckID int) (backend.Trip, error)
	ListTrucks(ctx context.Context) ([]backend.Truck, error)
	GetTruck(ctx context.Context, id int) (backend.Truck, error)
	GetContainer(ctx context.Context, id int) (backend.Site, error)
	GetLandfill(ctx context.Context, id int) (backend.Site, error)
	GetDriver(ctx context.Context, id int) (backend.Person, error)
	GetWorker(ctx context.Context, id int) (backend.Person, error)
	UpdateTripDeviation(ctx context.Context, tripID int, deviated bool, distance float64) error
	CompleteTrip(ctx context.Context, tripID int, durationMinutes float64) error
	UpdateTruckPosition(ctx context.Context, truckID int, point geo.Point, onTrip bool) error
	SubmitTripHistory(ctx context.Context, history backend.TripHistory) error
}

// RouteProvider resolves waypoints to a path
type RouteProvider interface {
	Route(ctx context.Context, waypoints routing.Waypoints) (routing.Result, error)
}

// tripPersister writes deviation transitions to the trip record
type tripPersister struct {
	backend Backend
	tripID  int
}

func (p tripPersister) PersistDeviation(ctx context.Context, deviated bool, distance float64) error {
	return p.backend.UpdateTripDeviation(ctx, p.tripID, deviated, distance)
}

// truckSyncer mirrors accepted positions onto the truck record
type truckSyncer struct {
	backend Backend
	truckID int
}

func (s truckSyncer) SyncPosition(ctx context.Context, point geo.Point) error {
	return s.backend.UpdateTruckPosition(ctx, s.truckID, point, true)
}

// truckReader reads the coordinates the device last wrote to the truck
type truckReader struct {
	backend Backend
	truckID int
}

func (r truckReader) CurrentPosition(ctx context.Context) (geo.Point, error) {
	truck, err := r.backend.GetTruck(ctx, r.truckID)
	if err != nil {
		return geo.Point{}, err
	}
	return truck.Position(), nil
}
