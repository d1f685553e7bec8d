package osrm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dpup/triptracker/server/internal/lib/geo"
)

// HTTPDoer is the subset of *http.Client used by the client
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Geometry formats understood by the OSRM HTTP API
const (
	GeometryGeoJSON  = "geojson"
	GeometryPolyline = "polyline"
)

// Options controls how routes are requested
type Options struct {
	// Profile is the routing profile, e.g. "driving"
	Profile string

	// Optimize lets the service reorder intermediate waypoints (trip service).
	// When false the route service is used and waypoint order is kept.
	Optimize bool

	// Geometry is GeometryGeoJSON (default) or GeometryPolyline
	Geometry string
}

// Client provides access to an OSRM-compatible trip/route service
type Client struct {
	baseURL    string
	httpClient HTTPDoer
	options    Options
}

// NewClient creates a new OSRM client with a default HTTP client
func NewClient(baseURL string, options Options) *Client {
	return NewClientWithHTTPDoer(baseURL, options, &http.Client{
		Timeout: 15 * time.Second,
	})
}

// NewClientWithHTTPDoer creates a client with a custom HTTP implementation
func NewClientWithHTTPDoer(baseURL string, options Options, doer HTTPDoer) *Client {
	if options.Profile == "" {
		options.Profile = "driving"
	}
	if options.Geometry == "" {
		options.Geometry = GeometryGeoJSON
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: doer,
		options:    options,
	}
}

// Trip requests a path through all waypoints with the first and last
// waypoints anchored. Returned coordinates are converted from the service's
// [lon,lat] order to geo.Point.
func (c *Client) Trip(ctx context.Context, waypoints []geo.Point) ([]geo.Point, error) {
	if len(waypoints) < 2 {
		return nil, fmt.Errorf("at least 2 waypoints required, got %d", len(waypoints))
	}

	requestURL := c.buildURL(waypoints)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("rate limit exceeded")
	}
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("OSRM error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var response tripResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	if response.Code != "" && response.Code != "Ok" {
		return nil, fmt.Errorf("OSRM returned %s: %s", response.Code, response.Message)
	}

	// Trip service answers with "trips", route service with "routes"
	routes := response.Trips
	if len(routes) == 0 {
		routes = response.Routes
	}
	if len(routes) == 0 {
		return nil, fmt.Errorf("no trips found in response")
	}

	return c.decodeGeometry(routes[0].Geometry)
}

// buildURL renders the request URL with semicolon-separated lon,lat pairs
func (c *Client) buildURL(waypoints []geo.Point) string {
	coords := make([]string, len(waypoints))
	for i, wp := range waypoints {
		coords[i] = fmt.Sprintf("%.6f,%.6f", wp.Longitude, wp.Latitude)
	}

	params := url.Values{}
	params.Set("overview", "full")
	params.Set("geometries", c.options.Geometry)

	service := "route"
	if c.options.Optimize {
		service = "trip"
		params.Set("source", "first")
		params.Set("destination", "last")
		params.Set("roundtrip", "false")
	}

	return fmt.Sprintf("%s/%s/v1/%s/%s?%s",
		c.baseURL, service, c.options.Profile, strings.Join(coords, ";"), params.Encode())
}

func (c *Client) decodeGeometry(raw json.RawMessage) ([]geo.Point, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("trip has no geometry")
	}

	if c.options.Geometry == GeometryPolyline {
		var encoded string
		if err := json.Unmarshal(raw, &encoded); err != nil {
			return nil, fmt.Errorf("failed to decode polyline geometry: %w", err)
		}
		return geo.DecodePolyline(encoded)
	}

	var line geoJSONLineString
	if err := json.Unmarshal(raw, &line); err != nil {
		return nil, fmt.Errorf("failed to decode geojson geometry: %w", err)
	}
	if len(line.Coordinates) == 0 {
		return nil, fmt.Errorf("trip geometry is empty")
	}

	points := make([]geo.Point, 0, len(line.Coordinates))
	for _, pair := range line.Coordinates {
		if len(pair) < 2 {
			return nil, fmt.Errorf("malformed coordinate in geometry: %v", pair)
		}
		points = append(points, geo.Point{Latitude: pair[1], Longitude: pair[0]})
	}
	return points, nil
}

// tripResponse covers both /trip and /route responses
type tripResponse struct {
	Code    string      `json:"code"`
	Message string      `json:"message,omitempty"`
	Trips   []osrmRoute `json:"trips"`
	Routes  []osrmRoute `json:"routes"`
}

type osrmRoute struct {
	Geometry json.RawMessage `json:"geometry"`
	Distance float64         `json:"distance"`
	Duration float64         `json:"duration"`
}

type geoJSONLineString struct {
	Type        string      `json:"type"`
	Coordinates [][]float64 `json:"coordinates"`
}
