package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/dpup/prefab"
	"github.com/dpup/prefab/logging"
	"github.com/redis/go-redis/v9"

	"github.com/dpup/triptracker/server/internal/api"
	"github.com/dpup/triptracker/server/internal/cache"
	"github.com/dpup/triptracker/server/internal/clients/backend"
	"github.com/dpup/triptracker/server/internal/clients/osrm"
	"github.com/dpup/triptracker/server/internal/config"
	"github.com/dpup/triptracker/server/internal/lib/alerts"
	"github.com/dpup/triptracker/server/internal/lib/routing"
	"github.com/dpup/triptracker/server/internal/services"
)

func main() {
	// Load configuration using Prefab's config system
	appConfig := loadConfig()

	ctx := logging.EnsureLogger(context.Background())

	// Route cache: in-process, plus Redis when several instances share routes
	localCache := cache.NewCache()
	localCache.StartPeriodicCleanup(ctx, 10*time.Minute)

	var routeStore routing.PathStore = cache.NewRouteStore(localCache, appConfig.Routing.CacheTTL)
	if addr := appConfig.Routing.RedisAddress; addr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: addr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Fatalf("Failed to connect to Redis at %s: %v", addr, err)
		}
		routeStore = cache.NewTiered(routeStore, cache.NewSharedRouteStore(redisClient, appConfig.Routing.CacheTTL))
		log.Printf("Shared route cache enabled (redis: %s)", addr)
	}

	router := osrm.NewClient(appConfig.Routing.OSRMURL, osrm.Options{
		Profile:  appConfig.Routing.Profile,
		Optimize: appConfig.Routing.Optimize,
		Geometry: appConfig.Routing.Geometry,
	})
	routes := routing.NewProvider(router, routeStore, routing.RetryPolicy{
		MaxAttempts: appConfig.Routing.MaxAttempts,
		Delay:       appConfig.Routing.RetryDelay,
	})

	backendClient := backend.NewClient(appConfig.BackendURL)

	presenter := alerts.NewPresenter(ctx, alerts.NewBellCue(os.Stdout, 400*time.Millisecond), appConfig.Alerts)
	defer presenter.Close()

	tracker := services.NewTracker(backendClient, routes, presenter, appConfig)
	defer tracker.Stop()

	var fleet *services.FleetMonitor
	if appConfig.Fleet.Enabled {
		fleet = services.NewFleetMonitor(backendClient, routes, presenter, tracker, appConfig)
		fleet.Start(ctx)
		defer fleet.Stop()
	}

	log.Printf("Trip tracker starting")
	log.Printf("Backend: %s", appConfig.BackendURL)
	log.Printf("Routing: %s (profile %s, optimize %v)", appConfig.Routing.OSRMURL, appConfig.Routing.Profile, appConfig.Routing.Optimize)
	log.Printf("Deviation thresholds: above %.0fm, recover at or below %.0fm, debounce %v",
		appConfig.Deviation.Thresholds.DeviateAbove, appConfig.Deviation.Thresholds.RecoverAtOrBelow, appConfig.Deviation.Debounce)

	handler := api.NewHandler(tracker, fleet, presenter).Routes()

	// Server configuration (port, etc.) will be loaded from prefab.yaml/env vars
	server := prefab.New(
		prefab.WithHTTPHandlerFunc("/v1/", handler.ServeHTTP),
		prefab.WithHTTPHandlerFunc("/", homepageHandler),
	)

	// Start the server (blocks until shutdown)
	if err := server.Start(); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

// loadConfig loads the "tracking" section over the defaults. Configuration
// is loaded from prefab.yaml and environment variables with PF__ prefix.
func loadConfig() *config.Config {
	appConfig := config.DefaultConfig()

	if err := prefab.Config.Unmarshal("tracking", appConfig); err != nil {
		log.Fatalf("Failed to unmarshal tracking section: %v", err)
	}
	if err := appConfig.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	return appConfig
}

// homepageHandler serves a simple HTML homepage at the server root
func homepageHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	html := `<!DOCTYPE html>
<html>
<head>
    <meta charset="utf-8">
    <title>triptracker</title>
    <style>
        body {
            font-family: 'Courier New', Consolas, monospace;
            background: #000;
            color: #0f0;
            padding: 20px;
            line-height: 1.4;
        }
        a { color: #0ff; text-decoration: none; }
        a:hover { text-decoration: underline; }
        pre { margin: 0; }
        .header { color: #ff0; }
    </style>
</head>
<body>
<pre>
<span class="header">triptracker</span>

Tracks collection trucks against their planned route and raises an alert
when a truck leaves it.

<span class="header">Device API:</span>
  POST   /v1/trucks/{truck_id}/position      - Report a position reading
  POST   /v1/trucks/{truck_id}/session       - Start tracking the active trip
  GET    /v1/trucks/{truck_id}/session       - Session status
  DELETE /v1/trucks/{truck_id}/session       - Stop tracking
  POST   /v1/trucks/{truck_id}/session/end   - End the trip

<span class="header">Dispatcher API:</span>
  <a href="/v1/fleet">GET    /v1/fleet</a>                           - Every tracked truck
  <a href="/v1/alerts">GET    /v1/alerts</a>                          - Active alerts
  GET    /v1/trucks/{truck_id}/alerts        - Alerts for one truck
  DELETE /v1/alerts/{alert_id}               - Dismiss an alert
  GET    /v1/trucks/{truck_id}/path.kml      - Archived path as KML
</pre>
</body>
</html>`

	_, _ = w.Write([]byte(html))
}
