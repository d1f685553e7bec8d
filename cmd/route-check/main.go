package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dpup/triptracker/server/internal/cache"
	"github.com/dpup/triptracker/server/internal/clients/osrm"
	"github.com/dpup/triptracker/server/internal/lib/archive"
	"github.com/dpup/triptracker/server/internal/lib/deviation"
	"github.com/dpup/triptracker/server/internal/lib/geo"
	"github.com/dpup/triptracker/server/internal/lib/routing"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]

	switch command {
	case "point-distance":
		handlePointDistance()
	case "path-distance":
		handlePathDistance()
	case "route":
		handleRoute()
	case "decode-polyline":
		handleDecodePolyline()
	case "help":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func handlePointDistance() {
	fs := flag.NewFlagSet("point-distance", flag.ExitOnError)
	lat1 := fs.Float64("lat1", 0, "Latitude of first point")
	lng1 := fs.Float64("lng1", 0, "Longitude of first point")
	lat2 := fs.Float64("lat2", 0, "Latitude of second point")
	lng2 := fs.Float64("lng2", 0, "Longitude of second point")

	_ = fs.Parse(os.Args[2:])

	if *lat1 == 0 && *lng1 == 0 && *lat2 == 0 && *lng2 == 0 {
		fmt.Println("Example usage:")
		fmt.Println("  route-check point-distance --lat1 35.54 --lng1 35.80 --lat2 35.56 --lng2 35.82")
		os.Exit(1)
	}

	p1 := geo.Point{Latitude: *lat1, Longitude: *lng1}
	p2 := geo.Point{Latitude: *lat2, Longitude: *lng2}
	distance := geo.Haversine(p1, p2)

	fmt.Printf("Distance between points:\n")
	fmt.Printf("  Point 1: %s\n", p1)
	fmt.Printf("  Point 2: %s\n", p2)
	fmt.Printf("  Distance: %.2f meters (%.2f km)\n", distance, distance/1000)
}

func handlePathDistance() {
	fs := flag.NewFlagSet("path-distance", flag.ExitOnError)
	lat := fs.Float64("lat", 0, "Latitude of point")
	lng := fs.Float64("lng", 0, "Longitude of point")
	path := fs.String("path", "", "Path as 'lat,lng;lat,lng;...'")
	polylineStr := fs.String("polyline", "", "Path as an encoded polyline")
	projection := fs.String("projection", string(geo.FlatEarth), "flat or latitude_corrected")
	deviated := fs.Bool("deviated", false, "Current state is deviated")

	_ = fs.Parse(os.Args[2:])

	if *lat == 0 && *lng == 0 {
		fmt.Println("Example usage:")
		fmt.Println("  route-check path-distance --lat 35.70 --lng 35.95 --path \"35.54,35.80;35.55,35.81;35.56,35.82\"")
		os.Exit(1)
	}

	points := mustPath(*path, *polylineStr)
	point := geo.Point{Latitude: *lat, Longitude: *lng}
	distance := geo.Projection(*projection).DistanceToPath(point, points)

	state := deviation.Normal
	if *deviated {
		state = deviation.Deviated
	}
	next, changed := deviation.DefaultHysteresis().Step(state, distance)

	fmt.Printf("Distance from point to path:\n")
	fmt.Printf("  Point: %s\n", point)
	fmt.Printf("  Path: %d points\n", len(points))
	if !geo.Evaluable(distance) {
		fmt.Printf("  Distance: not measurable (path needs at least two points)\n")
		return
	}
	fmt.Printf("  Distance: %.2f meters (%s)\n", distance, *projection)
	fmt.Printf("  State: %s -> %s (changed: %t)\n", state, next, changed)
}

func handleRoute() {
	fs := flag.NewFlagSet("route", flag.ExitOnError)
	waypointsStr := fs.String("waypoints", "", "Waypoints as 'lat,lng;lat,lng;...'")
	server := fs.String("osrm", "https://router.project-osrm.org", "OSRM base URL")
	optimize := fs.Bool("optimize", true, "Let the service reorder intermediate waypoints")
	geometry := fs.String("geometry", osrm.GeometryGeoJSON, "geojson or polyline")
	attempts := fs.Int("attempts", 3, "Routing attempts before falling back to waypoints")
	kmlOut := fs.String("kml", "", "Write the path to this KML file")

	_ = fs.Parse(os.Args[2:])

	if *waypointsStr == "" {
		fmt.Println("Example usage:")
		fmt.Println("  route-check route --waypoints \"35.54,35.80;35.55,35.81;35.56,35.82\" --kml route.kml")
		os.Exit(1)
	}

	waypoints, err := parseCoordinatePairs(*waypointsStr)
	if err != nil {
		log.Fatalf("Error parsing waypoints: %v", err)
	}

	client := osrm.NewClient(*server, osrm.Options{Optimize: *optimize, Geometry: *geometry})
	provider := routing.NewProvider(client, cache.NewRouteStore(cache.NewCache(), 0), routing.RetryPolicy{
		MaxAttempts: *attempts,
		Delay:       2 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	start := time.Now()
	result, err := provider.Route(ctx, waypoints)
	if err != nil {
		log.Fatalf("Error resolving route: %v", err)
	}

	fmt.Printf("Route resolved in %v:\n", time.Since(start).Round(time.Millisecond))
	fmt.Printf("  Waypoints: %d\n", len(waypoints))
	fmt.Printf("  Path points: %d\n", len(result.Path))
	fmt.Printf("  Degraded: %t\n", result.Degraded)

	if *kmlOut != "" {
		f, err := os.Create(*kmlOut)
		if err != nil {
			log.Fatalf("Error creating %s: %v", *kmlOut, err)
		}
		defer f.Close()

		points := make([]archive.Point, 0, len(result.Path))
		for _, p := range result.Path {
			points = append(points, archive.Point{Timestamp: start, Latitude: p.Latitude, Longitude: p.Longitude})
		}
		if err := archive.WriteKML(f, "Planned route", points); err != nil {
			log.Fatalf("Error writing KML: %v", err)
		}
		fmt.Printf("  KML: %s\n", *kmlOut)
	}
}

func handleDecodePolyline() {
	fs := flag.NewFlagSet("decode-polyline", flag.ExitOnError)
	polylineStr := fs.String("polyline", "", "Encoded polyline string to decode")
	verbose := fs.Bool("verbose", false, "Show all decoded points")

	_ = fs.Parse(os.Args[2:])

	if *polylineStr == "" {
		fmt.Println("Example usage:")
		fmt.Println("  route-check decode-polyline --polyline \"_p~iF~ps|U_ulLnnqC_mqNvxq`@\" --verbose")
		os.Exit(1)
	}

	points, err := geo.DecodePolyline(*polylineStr)
	if err != nil {
		log.Fatalf("Error decoding polyline: %v", err)
	}

	fmt.Printf("Polyline decoded successfully:\n")
	fmt.Printf("  Points: %d\n", len(points))

	if len(points) > 0 {
		fmt.Printf("  Start: %s\n", points[0])
		if len(points) > 1 {
			fmt.Printf("  End: %s\n", points[len(points)-1])
		}
	}

	if *verbose {
		for i, point := range points {
			fmt.Printf("    %d: %s\n", i+1, point)
		}
	}
}

func printUsage() {
	fmt.Printf(`route-check - Route and deviation checking tool

USAGE:
    route-check <command> [options]

COMMANDS:
    point-distance      Great-circle distance between two points
    path-distance       Distance from a point to a path and the resulting deviation state
    route               Resolve waypoints through the routing service
    decode-polyline     Decode an encoded polyline to coordinates
    help                Show this help message

EXAMPLES:
    route-check point-distance --lat1 35.54 --lng1 35.80 --lat2 35.56 --lng2 35.82
    route-check path-distance --lat 35.70 --lng 35.95 --path "35.54,35.80;35.55,35.81;35.56,35.82"
    route-check route --waypoints "35.54,35.80;35.55,35.81;35.56,35.82" --kml route.kml
    route-check decode-polyline --polyline "encoded_string" --verbose
`)
}

func mustPath(pathStr, polylineStr string) []geo.Point {
	switch {
	case polylineStr != "":
		points, err := geo.DecodePolyline(polylineStr)
		if err != nil {
			log.Fatalf("Error decoding polyline: %v", err)
		}
		return points
	case pathStr != "":
		points, err := parseCoordinatePairs(pathStr)
		if err != nil {
			log.Fatalf("Error parsing path: %v", err)
		}
		return points
	default:
		log.Fatal("Either --path or --polyline is required")
		return nil
	}
}

// parseCoordinatePairs parses "lat,lng;lat,lng"
func parseCoordinatePairs(coordStr string) ([]geo.Point, error) {
	pairs := strings.Split(coordStr, ";")
	points := make([]geo.Point, 0, len(pairs))

	for _, pair := range pairs {
		coords := strings.Split(strings.TrimSpace(pair), ",")
		if len(coords) != 2 {
			return nil, fmt.Errorf("invalid coordinate pair: %s", pair)
		}

		lat, err := strconv.ParseFloat(strings.TrimSpace(coords[0]), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid latitude: %s", coords[0])
		}

		lng, err := strconv.ParseFloat(strings.TrimSpace(coords[1]), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid longitude: %s", coords[1])
		}

		points = append(points, geo.Point{Latitude: lat, Longitude: lng})
	}

	return points, nil
}
