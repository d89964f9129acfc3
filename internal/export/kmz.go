package export

import (
	"archive/zip"
	"fmt"
	"html"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/EmpoweredVote/district-places/internal/districts"
	"github.com/twpayne/go-kml"
	"github.com/twpayne/go-kml/icon"
)

const (
	styleOperational = "operational"
	styleClosed      = "closed"
	styleUnknown     = "unknown"
)

// KMZStats reports what WriteKMZ placed on the map.
type KMZStats struct {
	Placemarks int
	Folders    int
	Skipped    int
}

func statusStyle(status string) string {
	switch strings.ToUpper(status) {
	case "OPERATIONAL":
		return styleOperational
	case "CLOSED_TEMPORARILY", "CLOSED_PERMANENTLY":
		return styleClosed
	default:
		return styleUnknown
	}
}

func description(r Row) string {
	var parts []string
	if r.Address != "" {
		parts = append(parts, "<b>Address:</b> "+html.EscapeString(r.Address))
	}
	if r.Phone != "" {
		parts = append(parts, "<b>Phone:</b> "+html.EscapeString(r.Phone))
	}
	if r.Website != "" {
		w := html.EscapeString(r.Website)
		parts = append(parts, fmt.Sprintf("<b>Website:</b> <a href='%s' target='_blank'>%s</a>", w, w))
	}
	if r.Hours != "" {
		hours := strings.ReplaceAll(html.EscapeString(r.Hours), " | ", "<br>")
		parts = append(parts, "<b>Hours:</b><br>"+hours)
	}
	switch r.IsOpenNow {
	case "True":
		parts = append(parts, "<b>Status:</b> Open now")
	case "False":
		parts = append(parts, "<b>Status:</b> Closed")
	}
	if r.BusinessStatus != "" {
		parts = append(parts, "<b>Business status:</b> "+html.EscapeString(r.BusinessStatus))
	}
	if r.DistrictNum != "" {
		district := r.DistrictNum
		if r.DistrictName != "" {
			district += " (" + r.DistrictName + ")"
		}
		parts = append(parts, "<b>District:</b> "+html.EscapeString(district))
	}
	if r.MapsURL != "" {
		parts = append(parts, fmt.Sprintf("<a href='%s' target='_blank'>View on Google Maps</a>", html.EscapeString(r.MapsURL)))
	}
	return strings.Join(parts, "<br>")
}

// BuildKML assembles the KML document: one folder per district and one
// placemark per row with coordinates.
func BuildKML(title string, rows []Row) (kml.Element, KMZStats) {
	var stats KMZStats

	styles := map[string]*kml.SharedElement{
		styleOperational: kml.SharedStyle(styleOperational, icon.PaddleIconStyle("grn-circle")),
		styleClosed:      kml.SharedStyle(styleClosed, icon.PaddleIconStyle("red-circle")),
		styleUnknown:     kml.SharedStyle(styleUnknown, icon.PaddleIconStyle("wht-circle")),
	}

	ordered := append([]Row(nil), rows...)
	SortByDistrict(ordered)

	folders := map[string]*kml.CompoundElement{}
	var folderOrder []string
	for _, r := range ordered {
		lat, lon, ok := r.Coordinates()
		if !ok {
			stats.Skipped++
			continue
		}
		f, exists := folders[r.DistrictNum]
		if !exists {
			name := "District " + r.DistrictNum
			if r.DistrictNum == "" {
				name = "Unassigned"
			} else if r.DistrictName != "" && r.DistrictName != name {
				name += " - " + r.DistrictName
			}
			f = kml.Folder(kml.Name(name))
			folders[r.DistrictNum] = f
			folderOrder = append(folderOrder, r.DistrictNum)
		}
		f.Add(kml.Placemark(
			kml.Name(r.Name),
			kml.Description(description(r)),
			kml.StyleURL(styles[statusStyle(r.BusinessStatus)].URL()),
			kml.Point(kml.Coordinates(kml.Coordinate{Lon: lon, Lat: lat})),
		))
		stats.Placemarks++
	}

	doc := kml.Document(
		kml.Name(title),
		kml.Description(fmt.Sprintf("%d places in %d districts", stats.Placemarks, len(folderOrder))),
		styles[styleOperational],
		styles[styleClosed],
		styles[styleUnknown],
	)
	districts.SortIDs(folderOrder)
	for _, id := range folderOrder {
		doc.Add(folders[id])
	}
	stats.Folders = len(folderOrder)
	return kml.KML(doc), stats
}

// WriteKMZ writes a zip archive holding the document as doc.kml.
func WriteKMZ(w io.Writer, title string, rows []Row) (KMZStats, error) {
	doc, stats := BuildKML(title, rows)

	zw := zip.NewWriter(w)
	f, err := zw.CreateHeader(&zip.FileHeader{Name: "doc.kml", Method: zip.Deflate})
	if err != nil {
		return stats, err
	}
	if err := doc.WriteIndent(f, "", "  "); err != nil {
		return stats, fmt.Errorf("encode kml: %w", err)
	}
	if err := zw.Close(); err != nil {
		return stats, err
	}
	return stats, nil
}

// WriteKMZFile writes the KMZ to path.
func WriteKMZFile(path, title string, rows []Row) (KMZStats, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return KMZStats{}, err
	}
	out, err := os.Create(path)
	if err != nil {
		return KMZStats{}, err
	}
	stats, err := WriteKMZ(out, title, rows)
	if err != nil {
		out.Close()
		return stats, err
	}
	if err := out.Close(); err != nil {
		return stats, err
	}
	log.Printf("[export] kmz %s: %d placemarks in %d folders, %d rows without coordinates",
		path, stats.Placemarks, stats.Folders, stats.Skipped)
	return stats, nil
}
