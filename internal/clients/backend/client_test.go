package backend

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dpup/triptracker/server/internal/lib/geo"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   map[string]interface{}
}

type fakeAPI struct {
	mu       sync.Mutex
	requests []recordedRequest
	routes   map[string]string
	status   map[string]int
}

func newFakeAPI(t *testing.T) (*fakeAPI, *Client) {
	api := &fakeAPI{routes: map[string]string{}, status: map[string]int{}}
	server := httptest.NewServer(http.HandlerFunc(api.serve))
	t.Cleanup(server.Close)
	return api, NewClient(server.URL + "/")
}

func (f *fakeAPI) serve(w http.ResponseWriter, r *http.Request) {
	data, _ := io.ReadAll(r.Body)
	var body map[string]interface{}
	_ = json.Unmarshal(data, &body)

	key := r.Method + " " + r.URL.Path
	f.mu.Lock()
	f.requests = append(f.requests, recordedRequest{Method: r.Method, Path: r.URL.Path, Body: body})
	payload, ok := f.routes[key]
	status := f.status[key]
	f.mu.Unlock()

	if status != 0 {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"detail":"failure"}`))
		return
	}
	if !ok {
		if r.Method == http.MethodGet {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		payload = "{}"
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(payload))
}

func (f *fakeAPI) Requests() []recordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedRequest(nil), f.requests...)
}

const tripsJSON = `[
  {"id": 5, "truck": 3, "Landfill": 1, "container_set": [10], "Start_Date": "2026-03-01", "Duration_min": 42.5, "Deviated": false,
   "initial_truck_latitude": "35.50", "initial_truck_longitude": "35.70"},
  {"id": 7, "truck": 3, "Landfill": 2, "container_set": [11, 12], "Start_Date": "2026-03-02T08:00:00Z", "Duration_min": null, "Deviated": true,
   "initial_truck_latitude": "35.540000", "initial_truck_longitude": 35.8},
  {"id": 8, "truck": 4, "Landfill": 2, "container_set": [], "Start_Date": "2026-03-02", "Duration_min": null, "Deviated": false,
   "initial_truck_latitude": null, "initial_truck_longitude": null}
]`

func TestClient_ActiveTrip(t *testing.T) {
	api, client := newFakeAPI(t)
	api.routes["GET /Staff/trips/"] = tripsJSON

	trip, err := client.ActiveTrip(context.Background(), 3)
	require.NoError(t, err)

	assert.Equal(t, 7, trip.ID)
	assert.Equal(t, 2, trip.LandfillID)
	assert.Equal(t, []int{11, 12}, trip.ContainerIDs)
	assert.True(t, trip.Deviated)
	assert.True(t, trip.Active())
	assert.Equal(t, geo.Point{Latitude: 35.54, Longitude: 35.8}, trip.Start())

	started, ok := trip.StartedAt()
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC), started)

	_, err = client.ActiveTrip(context.Background(), 99)
	assert.ErrorIs(t, err, ErrNoActiveTrip)
}

func TestClient_GetEntities(t *testing.T) {
	api, client := newFakeAPI(t)
	api.routes["GET /Staff/trucks/3"] = `{"id": 3, "Plate_number": "123456", "driver": 9, "worker_set": [20, 21], "Latitude_M": "35.541", "Longitude_M": "35.801", "on_trip": true}`
	api.routes["GET /Staff/containers/11"] = `{"id": 11, "Latitude_M": "35.55", "Longitude_M": "35.81"}`
	api.routes["GET /Staff/landfills/2"] = `{"id": 2, "Latitude_M": 35.56, "Longitude_M": 35.82}`
	api.routes["GET /Staff/drivers/9"] = `{"id": 9, "Full_Name": "Sami Haddad"}`
	api.routes["GET /Staff/workers/20"] = `{"id": 20, "Full_Name": "Omar Khoury"}`

	ctx := context.Background()

	truck, err := client.GetTruck(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, "123456", truck.PlateNumber)
	require.NotNil(t, truck.DriverID)
	assert.Equal(t, 9, *truck.DriverID)
	assert.Equal(t, []int{20, 21}, truck.WorkerIDs)
	assert.Equal(t, geo.Point{Latitude: 35.541, Longitude: 35.801}, truck.Position())

	container, err := client.GetContainer(ctx, 11)
	require.NoError(t, err)
	assert.Equal(t, geo.Point{Latitude: 35.55, Longitude: 35.81}, container.Point())

	landfill, err := client.GetLandfill(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, geo.Point{Latitude: 35.56, Longitude: 35.82}, landfill.Point())

	driver, err := client.GetDriver(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, "Sami Haddad", driver.FullName)

	worker, err := client.GetWorker(ctx, 20)
	require.NoError(t, err)
	assert.Equal(t, "Omar Khoury", worker.FullName)

	_, err = client.GetContainer(ctx, 404)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClient_UpdateTripDeviation(t *testing.T) {
	api, client := newFakeAPI(t)
	client.now = func() time.Time { return time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC) }

	require.NoError(t, client.UpdateTripDeviation(context.Background(), 7, true, 152.25))

	requests := api.Requests()
	require.Len(t, requests, 1)
	assert.Equal(t, http.MethodPatch, requests[0].Method)
	assert.Equal(t, "/Staff/trips/7", requests[0].Path)
	assert.Equal(t, true, requests[0].Body["Deviated"])
	assert.Equal(t, 152.25, requests[0].Body["last_deviation_distance"])
	assert.Equal(t, "2026-03-02T09:30:00Z", requests[0].Body["last_updated"])
}

func TestClient_TripCompletion(t *testing.T) {
	api, client := newFakeAPI(t)
	ctx := context.Background()

	require.NoError(t, client.CompleteTrip(ctx, 7, 95))
	require.NoError(t, client.UpdateTruckPosition(ctx, 3, geo.Point{}, false))

	requests := api.Requests()
	require.Len(t, requests, 2)
	assert.Equal(t, "/Staff/trips/7", requests[0].Path)
	assert.Equal(t, 95.0, requests[0].Body["Duration_min"])

	assert.Equal(t, "/Staff/trucks/3", requests[1].Path)
	assert.Equal(t, false, requests[1].Body["on_trip"])
	assert.Equal(t, 0.0, requests[1].Body["Latitude_M"])
	assert.Equal(t, 0.0, requests[1].Body["Longitude_M"])
}

func TestClient_SubmitTripHistory(t *testing.T) {
	api, client := newFakeAPI(t)

	history := TripHistory{
		TripID:          7,
		TruckID:         3,
		PlateNumber:     "123456",
		DriverName:      "Sami Haddad",
		CrewNames:       []string{"Omar Khoury"},
		StartTime:       time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC),
		DurationMinutes: 95,
		Path:            []HistoryPoint{{Latitude: 35.54, Longitude: 35.80}},
	}
	require.NoError(t, client.SubmitTripHistory(context.Background(), history))

	requests := api.Requests()
	require.Len(t, requests, 1)
	assert.Equal(t, http.MethodPost, requests[0].Method)
	assert.Equal(t, "/Staff/trip_history/", requests[0].Path)
	assert.Equal(t, "123456", requests[0].Body["plate_number"])
	assert.Len(t, requests[0].Body["path"], 1)
}

func TestClient_ServerError(t *testing.T) {
	api, client := newFakeAPI(t)
	api.status["POST /Staff/trip_history/"] = http.StatusBadGateway

	err := client.SubmitTripHistory(context.Background(), TripHistory{TripID: 7})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API error 502")
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestDegrees_Unmarshal(t *testing.T) {
	tests := []struct {
		input    string
		expected Degrees
		wantErr  bool
	}{
		{`35.5`, 35.5, false},
		{`"35.5"`, 35.5, false},
		{`null`, 0, false},
		{`""`, 0, false},
		{`"north"`, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			var d Degrees
			err := json.Unmarshal([]byte(tt.input), &d)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, d)
		})
	}
}
