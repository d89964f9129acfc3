package districts

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
)

// LoadOptions narrows what a loader accepts.
type LoadOptions struct {
	// Folder restricts KML parsing to placemarks inside a folder with this
	// name. Empty means every placemark.
	Folder string
}

// Load reads a district file, choosing the parser by extension:
// .kml, .geojson, .json (district map) or .yaml/.yml.
func Load(path string, opts LoadOptions) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open districts: %w", err)
	}
	defer f.Close()

	var ds []District
	switch strings.ToLower(filepath.Ext(path)) {
	case ".kml":
		ds, err = ParseKML(f, opts.Folder)
	case ".geojson":
		ds, err = ParseGeoJSON(f)
	case ".json":
		ds, err = ParseJSON(f)
	case ".yaml", ".yml":
		ds, err = ParseYAML(f)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownFormat, path)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(ds) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoDistricts, path)
	}

	log.Printf("[districts] loaded %d districts from %s", len(ds), path)
	return NewCatalog(ds), nil
}

// --- KML ---

type kmlRoot struct {
	Document kmlContainer `xml:"Document"`
}

type kmlContainer struct {
	Name       string         `xml:"name"`
	Folders    []kmlContainer `xml:"Folder"`
	Placemarks []kmlPlacemark `xml:"Placemark"`
}

type kmlPlacemark struct {
	Name     string       `xml:"name"`
	Polygons []kmlPolygon `xml:"Polygon"`
	Multi    []kmlPolygon `xml:"MultiGeometry>Polygon"`
}

type kmlPolygon struct {
	Outer string `xml:"outerBoundaryIs>LinearRing>coordinates"`
}

var districtNumber = regexp.MustCompile(`^(?:district\s*)?(\d+)$`)

// ParseKML reads polygons from a KML document, such as a Google My Maps
// export. Placemark names must be a district number ("7" or "District 7").
// Placemarks that cannot be used are skipped with a log line.
func ParseKML(r io.Reader, folder string) ([]District, error) {
	var root kmlRoot
	if err := xml.NewDecoder(r).Decode(&root); err != nil {
		return nil, fmt.Errorf("decode kml: %w", err)
	}

	var out []District
	var walk func(c kmlContainer, inFolder bool)
	walk = func(c kmlContainer, inFolder bool) {
		if inFolder {
			for _, pm := range c.Placemarks {
				if d, ok := kmlDistrict(pm); ok {
					out = append(out, d)
				}
			}
		}
		for _, sub := range c.Folders {
			walk(sub, inFolder || strings.TrimSpace(sub.Name) == folder)
		}
	}
	walk(root.Document, folder == "")
	return out, nil
}

func kmlDistrict(pm kmlPlacemark) (District, bool) {
	name := strings.TrimSpace(pm.Name)
	m := districtNumber.FindStringSubmatch(strings.ToLower(name))
	if m == nil {
		log.Printf("[districts] skipping placemark with invalid name: %q", name)
		return District{}, false
	}
	id := m[1]

	var best orb.Ring
	for _, poly := range append(pm.Polygons, pm.Multi...) {
		ring, err := ParseCoordinates(poly.Outer)
		if err != nil {
			log.Printf("[districts] district %s: %v", id, err)
			continue
		}
		if best == nil || ringArea(ring) > ringArea(best) {
			best = ring
		}
	}
	if best == nil {
		log.Printf("[districts] district %s has no coordinates", id)
		return District{}, false
	}

	d, err := New(id, "", best)
	if err != nil {
		log.Printf("[districts] skipping: %v", err)
		return District{}, false
	}
	return d, true
}

// ParseCoordinates parses a KML coordinates string: whitespace separated
// "lon,lat[,alt]" tuples.
func ParseCoordinates(s string) (orb.Ring, error) {
	var ring orb.Ring
	for _, tuple := range strings.Fields(s) {
		parts := strings.Split(tuple, ",")
		if len(parts) < 2 {
			return nil, fmt.Errorf("bad coordinate tuple %q", tuple)
		}
		lon, err := strconv.ParseFloat(parts[0], 64)
		if err != nil {
			return nil, fmt.Errorf("bad longitude in %q: %w", tuple, err)
		}
		lat, err := strconv.ParseFloat(parts[1], 64)
		if err != nil {
			return nil, fmt.Errorf("bad latitude in %q: %w", tuple, err)
		}
		ring = append(ring, orb.Point{lon, lat})
	}
	if len(ring) == 0 {
		return nil, fmt.Errorf("empty coordinates")
	}
	return ring, nil
}

func ringArea(r orb.Ring) float64 {
	return math.Abs(planar.Area(r))
}

// --- GeoJSON ---

var idProperties = []string{"district", "district_num", "id", "name"}

// ParseGeoJSON reads a FeatureCollection of Polygon or MultiPolygon
// features. The district id comes from the first of the district,
// district_num, id or name properties that is set.
func ParseGeoJSON(r io.Reader) ([]District, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	fc, err := geojson.UnmarshalFeatureCollection(raw)
	if err != nil {
		return nil, fmt.Errorf("decode geojson: %w", err)
	}

	var out []District
	for i, f := range fc.Features {
		id := featureID(f)
		if id == "" {
			log.Printf("[districts] feature %d has no district id", i)
			continue
		}

		var ring orb.Ring
		switch g := f.Geometry.(type) {
		case orb.Polygon:
			if len(g) > 0 {
				ring = g[0]
			}
		case orb.MultiPolygon:
			for _, p := range g {
				if len(p) > 0 && (ring == nil || ringArea(p[0]) > ringArea(ring)) {
					ring = p[0]
				}
			}
		default:
			log.Printf("[districts] district %s: unsupported geometry %T", id, f.Geometry)
			continue
		}

		d, err := New(id, f.Properties.MustString("district_name", ""), ring)
		if err != nil {
			log.Printf("[districts] skipping: %v", err)
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func featureID(f *geojson.Feature) string {
	if f.ID != nil {
		if s := strings.TrimSpace(fmt.Sprint(f.ID)); s != "" {
			return s
		}
	}
	for _, key := range idProperties {
		v, ok := f.Properties[key]
		if !ok || v == nil {
			continue
		}
		switch tv := v.(type) {
		case float64:
			return strconv.FormatFloat(tv, 'f', -1, 64)
		case string:
			if m := districtNumber.FindStringSubmatch(strings.ToLower(strings.TrimSpace(tv))); m != nil {
				return m[1]
			}
			if s := strings.TrimSpace(tv); s != "" {
				return s
			}
		}
	}
	return ""
}

// --- district map (JSON / YAML) ---

// catalogEntry is one district in a JSON or YAML catalog file. Polygon
// vertices are [lon, lat] pairs, the same order KML uses.
type catalogEntry struct {
	ID       string      `json:"id" yaml:"id"`
	Name     string      `json:"name" yaml:"name"`
	GridSize int         `json:"grid_size" yaml:"grid_size"`
	Polygon  [][]float64 `json:"polygon" yaml:"polygon"`
}

// ParseJSON reads a districts.json map of district number to entry.
func ParseJSON(r io.Reader) ([]District, error) {
	var m map[string]catalogEntry
	if err := json.NewDecoder(r).Decode(&m); err != nil {
		return nil, fmt.Errorf("decode districts json: %w", err)
	}
	entries := make([]catalogEntry, 0, len(m))
	for id, e := range m {
		if e.ID == "" {
			e.ID = id
		}
		entries = append(entries, e)
	}
	return fromEntries(entries), nil
}

type yamlCatalog struct {
	Districts []catalogEntry `yaml:"districts"`
}

// ParseYAML reads a catalog of the form:
//
//	districts:
//	  - id: "1"
//	    name: District 1
//	    grid_size: 4
//	    polygon: [[-74.0, 40.7], [-73.9, 40.7], [-73.9, 40.8]]
func ParseYAML(r io.Reader) ([]District, error) {
	var c yamlCatalog
	if err := yaml.NewDecoder(r).Decode(&c); err != nil {
		return nil, fmt.Errorf("decode districts yaml: %w", err)
	}
	return fromEntries(c.Districts), nil
}

func fromEntries(entries []catalogEntry) []District {
	var out []District
	for _, e := range entries {
		ring := make(orb.Ring, 0, len(e.Polygon))
		for _, v := range e.Polygon {
			if len(v) < 2 {
				continue
			}
			ring = append(ring, orb.Point{v[0], v[1]})
		}
		d, err := New(e.ID, e.Name, ring)
		if err != nil {
			log.Printf("[districts] skipping: %v", err)
			continue
		}
		out = append(out, d.WithGrid(e.GridSize, e.GridSize))
	}
	return out
}
