package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/dpup/prefab/logging"
	"github.com/gorilla/mux"

	"github.com/dpup/triptracker/server/internal/clients/backend"
	"github.com/dpup/triptracker/server/internal/lib/alerts"
	"github.com/dpup/triptracker/server/internal/lib/archive"
	"github.com/dpup/triptracker/server/internal/lib/position"
	"github.com/dpup/triptracker/server/internal/services"
)

// Handler serves the tracking API for devices and the dispatcher view
type Handler struct {
	tracker *services.Tracker
	fleet   *services.FleetMonitor
	alerts  *alerts.Presenter
}

// NewHandler creates a Handler. fleet may be nil when the dispatcher view
// is disabled.
func NewHandler(tracker *services.Tracker, fleet *services.FleetMonitor, presenter *alerts.Presenter) *Handler {
	return &Handler{tracker: tracker, fleet: fleet, alerts: presenter}
}

type positionRequest struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Accuracy  float64   `json:"accuracy"`
	Timestamp time.Time `json:"timestamp"`
}

type errorResponse struct {
	Error  string                  `json:"error"`
	Status *services.SessionStatus `json:"status,omitempty"`
}

// ReportPosition accepts a reading from a truck's device
func (h *Handler) ReportPosition(w http.ResponseWriter, r *http.Request) {
	truckID, ok := truckIDParam(w, r)
	if !ok {
		return
	}

	var req positionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now()
	}

	h.tracker.Feed(truckID).Push(position.Fix{
		Latitude:  req.Latitude,
		Longitude: req.Longitude,
		Accuracy:  req.Accuracy,
		Timestamp: req.Timestamp,
	})
	w.WriteHeader(http.StatusAccepted)
}

// StartSession begins device tracking of the truck's active trip
func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	truckID, ok := truckIDParam(w, r)
	if !ok {
		return
	}

	// The device now owns this truck
	if h.fleet != nil {
		h.fleet.Release(truckID)
	}

	session, err := h.tracker.StartSession(r.Context(), truckID)
	if err != nil {
		status := session.Status()
		code := http.StatusBadGateway
		if errors.Is(err, backend.ErrNoActiveTrip) {
			code = http.StatusNotFound
		}
		logging.Warnw(logging.EnsureLogger(r.Context()), "Failed to start tracking session", "truck_id", truckID, "error", err)
		writeJSON(w, code, errorResponse{Error: err.Error(), Status: &status})
		return
	}
	writeJSON(w, http.StatusCreated, session.Status())
}

// GetSession returns the truck's session, device-driven or monitored
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	truckID, ok := truckIDParam(w, r)
	if !ok {
		return
	}
	session, found := h.session(truckID)
	if !found {
		writeError(w, http.StatusNotFound, "No tracking session for truck")
		return
	}
	writeJSON(w, http.StatusOK, session.Status())
}

// CloseSession stops device tracking without ending the trip
func (h *Handler) CloseSession(w http.ResponseWriter, r *http.Request) {
	truckID, ok := truckIDParam(w, r)
	if !ok {
		return
	}
	if !h.tracker.CloseSession(r.Context(), truckID) {
		writeError(w, http.StatusNotFound, "No tracking session for truck")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// EndSession finalizes the truck's trip
func (h *Handler) EndSession(w http.ResponseWriter, r *http.Request) {
	truckID, ok := truckIDParam(w, r)
	if !ok {
		return
	}

	history, err := h.tracker.EndSession(r.Context(), truckID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, history)
	case errors.Is(err, backend.ErrNoActiveTrip):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, services.ErrSessionClosed):
		writeError(w, http.StatusConflict, err.Error())
	case services.IsSubmissionError(err):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		logging.Errorw(logging.EnsureLogger(r.Context()), "Failed to end trip", "truck_id", truckID, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// TruckAlerts lists the truck's active alerts
func (h *Handler) TruckAlerts(w http.ResponseWriter, r *http.Request) {
	truckID, ok := truckIDParam(w, r)
	if !ok {
		return
	}
	records := h.alerts.Active(strconv.Itoa(truckID))
	if records == nil {
		records = []alerts.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

// ListAlerts lists every active alert
func (h *Handler) ListAlerts(w http.ResponseWriter, _ *http.Request) {
	records := h.alerts.All()
	if records == nil {
		records = []alerts.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

// DismissAlert removes an alert
func (h *Handler) DismissAlert(w http.ResponseWriter, r *http.Request) {
	if !h.alerts.Dismiss(mux.Vars(r)["alertID"]) {
		writeError(w, http.StatusNotFound, "Alert not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Fleet lists every tracked truck
func (h *Handler) Fleet(w http.ResponseWriter, _ *http.Request) {
	statuses := h.tracker.Snapshot()
	if h.fleet != nil {
		statuses = append(statuses, h.fleet.Snapshot()...)
	}
	sort.SliceStable(statuses, func(i, j int) bool { return statuses[i].TruckID < statuses[j].TruckID })
	writeJSON(w, http.StatusOK, statuses)
}

// PathKML exports the truck's archived path
func (h *Handler) PathKML(w http.ResponseWriter, r *http.Request) {
	truckID, ok := truckIDParam(w, r)
	if !ok {
		return
	}
	session, found := h.session(truckID)
	if !found {
		writeError(w, http.StatusNotFound, "No tracking session for truck")
		return
	}

	tripID, points := session.ArchivedPath()
	w.Header().Set("Content-Type", "application/vnd.google-earth.kml+xml")
	w.Header().Set("Content-Disposition", "attachment; filename=\"trip-"+strconv.Itoa(tripID)+".kml\"")
	if err := archive.WriteKML(w, "Trip "+strconv.Itoa(tripID), points); err != nil {
		logging.Errorw(logging.EnsureLogger(r.Context()), "Failed to write KML", "truck_id", truckID, "error", err)
	}
}

func (h *Handler) session(truckID int) (*services.TripSession, bool) {
	if s, ok := h.tracker.Session(truckID); ok {
		return s, true
	}
	if h.fleet != nil {
		return h.fleet.Session(truckID)
	}
	return nil, false
}

func truckIDParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(mux.Vars(r)["truckID"])
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "Invalid truck ID")
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg})
}
