package envelope

import (
	"encoding/xml"
	"io"
	"strconv"
	"strings"
	"time"
)

// KMLPoint is one `<Placemark>` fix read from a location-streaming
// attachment (§6: `application/vnd.google-earth.kml+xml`, named
// `message.kml` or `location.kml`). A single document can carry more
// than one Placemark, one per fix accumulated since the last send, so
// ParseKML returns a slice rather than a single point.
type KMLPoint struct {
	Latitude  float64
	Longitude float64
	Accuracy  float64 // 0 if the coordinates carried no accuracy attribute
	Timestamp time.Time
}

// kmlDocument mirrors just enough of the KML schema to read back what
// the Builder writes: a flat list of Placemarks each holding one
// Timestamp/when and one Point/coordinates pair. Namespaces are
// ignored (decoding by local name only), since every KML-producing
// chat client in practice uses the same bare element names.
type kmlDocument struct {
	Placemarks []kmlPlacemark `xml:"Document>Placemark"`
}

type kmlPlacemark struct {
	Timestamp struct {
		When string `xml:"when"`
	} `xml:"Timestamp"`
	Point struct {
		Coordinates struct {
			Value    string `xml:",chardata"`
			Accuracy string `xml:"accuracy,attr"`
		} `xml:"coordinates"`
	} `xml:"Point"`
}

// ParseKML decodes a `<Placemark>/<Timestamp>/<when>` +
// `<Point>/<coordinates accuracy="...">lon,lat</coordinates>` document
// per §6. Placemarks missing either a timestamp or coordinates are
// skipped rather than failing the whole document, since one malformed
// fix in a long-running track shouldn't discard the rest.
func ParseKML(r io.Reader) ([]KMLPoint, error) {
	var doc kmlDocument
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, err
	}

	points := make([]KMLPoint, 0, len(doc.Placemarks))
	for _, pm := range doc.Placemarks {
		when := strings.TrimSpace(pm.Timestamp.When)
		coords := strings.TrimSpace(pm.Point.Coordinates.Value)
		if when == "" || coords == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, when)
		if err != nil {
			continue
		}
		lon, lat, ok := parseCoordinates(coords)
		if !ok {
			continue
		}
		var accuracy float64
		if a := strings.TrimSpace(pm.Point.Coordinates.Accuracy); a != "" {
			accuracy, _ = strconv.ParseFloat(a, 64)
		}
		points = append(points, KMLPoint{
			Latitude:  lat,
			Longitude: lon,
			Accuracy:  accuracy,
			Timestamp: ts,
		})
	}
	return points, nil
}

// parseCoordinates reads KML's "lon,lat[,alt]" ordering.
func parseCoordinates(s string) (lon, lat float64, ok bool) {
	parts := strings.Split(s, ",")
	if len(parts) < 2 {
		return 0, 0, false
	}
	lonVal, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return 0, 0, false
	}
	latVal, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return 0, 0, false
	}
	return lonVal, latVal, true
}

// BuildKML renders points back into the document ParseKML reads,
// named message.kml on the wire per §6. Used by the I/O Scheduler's
// location loop to attach an outgoing batch of fixes to a chat
// message.
func BuildKML(points []KMLPoint) []byte {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n")
	b.WriteString(`<kml xmlns="http://www.opengis.net/kml/2.2"><Document>` + "\n")
	for _, p := range points {
		b.WriteString("<Placemark><Timestamp><when>")
		b.WriteString(p.Timestamp.UTC().Format(time.RFC3339))
		b.WriteString("</when></Timestamp><Point><coordinates accuracy=\"")
		b.WriteString(strconv.FormatFloat(p.Accuracy, 'f', -1, 64))
		b.WriteString("\">")
		b.WriteString(strconv.FormatFloat(p.Longitude, 'f', -1, 64))
		b.WriteByte(',')
		b.WriteString(strconv.FormatFloat(p.Latitude, 'f', -1, 64))
		b.WriteString("</coordinates></Point></Placemark>\n")
	}
	b.WriteString("</Document></kml>\n")
	return []byte(b.String())
}
