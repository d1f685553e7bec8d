// Package backend talks to the fleet REST API that owns trips, trucks,
// containers, landfills and staff records.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dpup/triptracker/server/internal/lib/geo"
)

var (
	// ErrNotFound is returned for a 404 from the API
	ErrNotFound = errors.New("record not found")

	// ErrNoActiveTrip means the truck has no trip without a duration
	ErrNoActiveTrip = errors.New("no active trip for truck")
)

// HTTPDoer is the subset of *http.Client used by the client
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client is a REST client for the fleet API. Every path is resolved against
// one base URL.
type Client struct {
	baseURL    string
	httpClient HTTPDoer
	now        func() time.Time
}

// NewClient creates a client with a default HTTP client
func NewClient(baseURL string) *Client {
	return NewClientWithHTTPDoer(baseURL, &http.Client{
		Timeout: 30 * time.Second,
	})
}

// NewClientWithHTTPDoer creates a client with a custom HTTP implementation
func NewClientWithHTTPDoer(baseURL string, doer HTTPDoer) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: doer,
		now:        time.Now,
	}
}

// ListTrips returns every trip
func (c *Client) ListTrips(ctx context.Context) ([]Trip, error) {
	var trips []Trip
	if err := c.do(ctx, http.MethodGet, "/Staff/trips/", nil, &trips); err != nil {
		return nil, fmt.Errorf("failed to list trips: %w", err)
	}
	return trips, nil
}

// GetTrip fetches one trip
func (c *Client) GetTrip(ctx context.Context, id int) (Trip, error) {
	var trip Trip
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/Staff/trips/%d", id), nil, &trip); err != nil {
		return Trip{}, fmt.Errorf("failed to get trip %d: %w", id, err)
	}
	return trip, nil
}

// ActiveTrip returns the truck's trip that has no duration yet. If several
// match, the most recently created one wins.
func (c *Client) ActiveTrip(ctx context.Context, truckID int) (Trip, error) {
	trips, err := c.ListTrips(ctx)
	if err != nil {
		return Trip{}, err
	}

	var active *Trip
	for i := range trips {
		t := &trips[i]
		if t.TruckID != truckID || !t.Active() {
			continue
		}
		if active == nil || t.ID > active.ID {
			active = t
		}
	}
	if active == nil {
		return Trip{}, fmt.Errorf("truck %d: %w", truckID, ErrNoActiveTrip)
	}
	return *active, nil
}

// ListTrucks returns every truck
func (c *Client) ListTrucks(ctx context.Context) ([]Truck, error) {
	var trucks []Truck
	if err := c.do(ctx, http.MethodGet, "/Staff/trucks/", nil, &trucks); err != nil {
		return nil, fmt.Errorf("failed to list trucks: %w", err)
	}
	return trucks, nil
}

// GetTruck fetches one truck
func (c *Client) GetTruck(ctx context.Context, id int) (Truck, error) {
	var truck Truck
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/Staff/trucks/%d", id), nil, &truck); err != nil {
		return Truck{}, fmt.Errorf("failed to get truck %d: %w", id, err)
	}
	return truck, nil
}

// GetContainer fetches one container
func (c *Client) GetContainer(ctx context.Context, id int) (Site, error) {
	var site Site
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/Staff/containers/%d", id), nil, &site); err != nil {
		return Site{}, fmt.Errorf("failed to get container %d: %w", id, err)
	}
	return site, nil
}

// GetLandfill fetches one landfill
func (c *Client) GetLandfill(ctx context.Context, id int) (Site, error) {
	var site Site
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/Staff/landfills/%d", id), nil, &site); err != nil {
		return Site{}, fmt.Errorf("failed to get landfill %d: %w", id, err)
	}
	return site, nil
}

// GetDriver fetches one driver
func (c *Client) GetDriver(ctx context.Context, id int) (Person, error) {
	var p Person
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/Staff/drivers/%d", id), nil, &p); err != nil {
		return Person{}, fmt.Errorf("failed to get driver %d: %w", id, err)
	}
	return p, nil
}

// GetWorker fetches one crew member
func (c *Client) GetWorker(ctx context.Context, id int) (Person, error) {
	var p Person
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/Staff/workers/%d", id), nil, &p); err != nil {
		return Person{}, fmt.Errorf("failed to get worker %d: %w", id, err)
	}
	return p, nil
}

// UpdateTripDeviation records a deviation transition on the trip
func (c *Client) UpdateTripDeviation(ctx context.Context, tripID int, deviated bool, distance float64) error {
	patch := deviationPatch{
		Deviated:              deviated,
		LastDeviationDistance: distance,
		LastUpdated:           c.now().UTC().Format(time.RFC3339Nano),
	}
	if err := c.do(ctx, http.MethodPatch, fmt.Sprintf("/Staff/trips/%d", tripID), patch, nil); err != nil {
		return fmt.Errorf("failed to update deviation for trip %d: %w", tripID, err)
	}
	return nil
}

// CompleteTrip sets the trip duration, which marks it finished
func (c *Client) CompleteTrip(ctx context.Context, tripID int, durationMinutes float64) error {
	patch := durationPatch{DurationMinutes: durationMinutes}
	if err := c.do(ctx, http.MethodPatch, fmt.Sprintf("/Staff/trips/%d", tripID), patch, nil); err != nil {
		return fmt.Errorf("failed to complete trip %d: %w", tripID, err)
	}
	return nil
}

// UpdateTruckPosition writes the truck's live coordinates and trip flag
func (c *Client) UpdateTruckPosition(ctx context.Context, truckID int, point geo.Point, onTrip bool) error {
	patch := truckPositionPatch{
		Longitude: point.Longitude,
		Latitude:  point.Latitude,
		OnTrip:    onTrip,
	}
	if err := c.do(ctx, http.MethodPatch, fmt.Sprintf("/Staff/trucks/%d", truckID), patch, nil); err != nil {
		return fmt.Errorf("failed to update position for truck %d: %w", truckID, err)
	}
	return nil
}

// SubmitTripHistory posts the completed trip record
func (c *Client) SubmitTripHistory(ctx context.Context, history TripHistory) error {
	if err := c.do(ctx, http.MethodPost, "/Staff/trip_history/", history, nil); err != nil {
		return fmt.Errorf("failed to submit history for trip %d: %w", history.TripID, err)
	}
	return nil
}

// do sends body as JSON (when non-nil) and decodes the response into out
// (when non-nil)
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("API error %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
