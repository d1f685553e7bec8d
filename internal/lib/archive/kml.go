package archive

import (
	"fmt"
	"io"

	"github.com/twpayne/go-kml"
)

// WriteKML renders points as a single LineString placemark. The first and
// last points are also marked so the trip's endpoints stand out.
func WriteKML(w io.Writer, name string, points []Point) error {
	coords := make([]kml.Coordinate, 0, len(points))
	for _, p := range points {
		coords = append(coords, kml.Coordinate{Lon: p.Longitude, Lat: p.Latitude})
	}

	children := []kml.Element{kml.Name(name)}
	if len(coords) > 0 {
		first, last := points[0], points[len(points)-1]
		children = append(children,
			kml.Placemark(
				kml.Name(name+" path"),
				kml.Description(fmt.Sprintf("%d points from %s to %s",
					len(points), first.Timestamp.Format("2006-01-02 15:04:05"), last.Timestamp.Format("2006-01-02 15:04:05"))),
				kml.LineString(
					kml.Tessellate(true),
					kml.Coordinates(coords...),
				),
			),
			kml.Placemark(
				kml.Name("Start"),
				kml.Point(kml.Coordinates(coords[0])),
			),
			kml.Placemark(
				kml.Name("Last position"),
				kml.Point(kml.Coordinates(coords[len(coords)-1])),
			),
		)
	}

	return kml.KML(kml.Document(children...)).WriteIndent(w, "", "  ")
}
