package backend

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dpup/triptracker/server/internal/lib/geo"
)

// Degrees is a coordinate component. The API serializes decimal fields as
// strings, older records as numbers, and unset ones as null.
type Degrees float64

// UnmarshalJSON accepts a number, a numeric string or null
func (d *Degrees) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" || raw == `""` {
		*d = 0
		return nil
	}
	raw = strings.Trim(raw, `"`)
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("invalid coordinate %s: %w", string(data), err)
	}
	*d = Degrees(v)
	return nil
}

// Trip is the backend trip record
type Trip struct {
	ID                    int      `json:"id"`
	TruckID               int      `json:"truck"`
	LandfillID            int      `json:"Landfill"`
	ContainerIDs          []int    `json:"container_set"`
	StartDate             string   `json:"Start_Date"`
	DurationMinutes       *float64 `json:"Duration_min"`
	DistanceKm            *float64 `json:"Distance_km"`
	FuelSpentLiter        *float64 `json:"Fuel_Spent_Liter"`
	Deviated              bool     `json:"Deviated"`
	LastDeviationDistance *float64 `json:"last_deviation_distance"`
	LastUpdated           string   `json:"last_updated"`
	InitialTruckLatitude  Degrees  `json:"initial_truck_latitude"`
	InitialTruckLongitude Degrees  `json:"initial_truck_longitude"`
}

// Active reports whether the trip has not been completed
func (t Trip) Active() bool {
	return t.DurationMinutes == nil
}

// Start returns where the truck was when the trip began
func (t Trip) Start() geo.Point {
	return geo.Point{Latitude: float64(t.InitialTruckLatitude), Longitude: float64(t.InitialTruckLongitude)}
}

var startDateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// StartedAt parses StartDate
func (t Trip) StartedAt() (time.Time, bool) {
	for _, layout := range startDateLayouts {
		if ts, err := time.Parse(layout, t.StartDate); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

// Truck is the backend truck record
type Truck struct {
	ID          int     `json:"id"`
	PlateNumber string  `json:"Plate_number"`
	DriverID    *int    `json:"driver"`
	WorkerIDs   []int   `json:"worker_set"`
	Latitude    Degrees `json:"Latitude_M"`
	Longitude   Degrees `json:"Longitude_M"`
	OnTrip      bool    `json:"on_trip"`
}

// Position returns the truck's last reported coordinates
func (t Truck) Position() geo.Point {
	return geo.Point{Latitude: float64(t.Latitude), Longitude: float64(t.Longitude)}
}

// Site is a container or landfill
type Site struct {
	ID        int     `json:"id"`
	Name      string  `json:"name,omitempty"`
	Latitude  Degrees `json:"Latitude_M"`
	Longitude Degrees `json:"Longitude_M"`
}

// Point returns the site coordinates
func (s Site) Point() geo.Point {
	return geo.Point{Latitude: float64(s.Latitude), Longitude: float64(s.Longitude)}
}

// Person is a driver or crew member
type Person struct {
	ID       int    `json:"id"`
	FullName string `json:"Full_Name"`
}

// TripHistory is the record submitted when a trip ends
type TripHistory struct {
	TripID            int            `json:"trip"`
	TruckID           int            `json:"truck"`
	PlateNumber       string         `json:"plate_number"`
	DriverName        string         `json:"driver_name"`
	CrewNames         []string       `json:"crew_names"`
	StartTime         time.Time      `json:"start_time"`
	DurationMinutes   float64        `json:"duration_min"`
	LandfillLatitude  float64        `json:"landfill_latitude"`
	LandfillLongitude float64        `json:"landfill_longitude"`
	StartLatitude     float64        `json:"start_latitude"`
	StartLongitude    float64        `json:"start_longitude"`
	Deviated          bool           `json:"deviated"`
	Path              []HistoryPoint `json:"path"`
}

// HistoryPoint is one archived position in a TripHistory
type HistoryPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
}

// deviationPatch is the trip update written on a deviation transition
type deviationPatch struct {
	Deviated              bool    `json:"Deviated"`
	LastDeviationDistance float64 `json:"last_deviation_distance"`
	LastUpdated           string  `json:"last_updated"`
}

type durationPatch struct {
	DurationMinutes float64 `json:"Duration_min"`
}

type truckPositionPatch struct {
	Longitude float64 `json:"Longitude_M"`
	Latitude  float64 `json:"Latitude_M"`
	OnTrip    bool    `json:"on_trip"`
}

var _ json.Unmarshaler = (*Degrees)(nil)
