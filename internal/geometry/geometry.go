// Package geometry holds the polygon primitives used to bound a district
// search: bounding boxes, grid partitioning into search circles and
// point-in-polygon membership.
package geometry

import (
	"errors"
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/planar"
)

var (
	ErrInvalidGeometry      = errors.New("invalid geometry")
	ErrInvalidConfiguration = errors.New("invalid grid configuration")
)

// Cell is one circular search region derived from a bounding box.
type Cell struct {
	Row          int
	Col          int
	Center       orb.Point
	RadiusMeters float64
}

// Label identifies the cell in record provenance, e.g. "grid:r0c2".
func (c Cell) Label() string {
	return fmt.Sprintf("grid:r%dc%d", c.Row, c.Col)
}

// BoundingBox returns the axis-aligned bounds of ring. The ring needs at
// least three distinct vertices; a repeated closing vertex is not counted.
func BoundingBox(ring orb.Ring) (orb.Bound, error) {
	if distinctVertices(ring) < 3 {
		return orb.Bound{}, fmt.Errorf("%w: polygon needs at least 3 distinct vertices, got %d",
			ErrInvalidGeometry, distinctVertices(ring))
	}
	for _, p := range ring {
		if !validCoord(p) {
			return orb.Bound{}, fmt.Errorf("%w: coordinate out of range: %v", ErrInvalidGeometry, p)
		}
	}
	return ring.Bound(), nil
}

// Center returns the midpoint of b. It is used as the district centroid.
func Center(b orb.Bound) orb.Point {
	return b.Center()
}

// ValidateGrid checks the grid settings Partition accepts.
func ValidateGrid(rows, cols int, overlap float64) error {
	if rows < 1 || cols < 1 {
		return fmt.Errorf("%w: grid must be at least 1x1, got %dx%d", ErrInvalidConfiguration, rows, cols)
	}
	if overlap < 0 || math.IsNaN(overlap) || math.IsInf(overlap, 0) {
		return fmt.Errorf("%w: overlap must be a finite value >= 0, got %v", ErrInvalidConfiguration, overlap)
	}
	return nil
}

// Partition splits b into rows*cols equal sub-boxes, row-major from the
// south-west corner, and returns one search circle per sub-box. Each radius
// is the distance from the cell center to its farthest corner, inflated by
// overlap, so the circles together cover b.
func Partition(b orb.Bound, rows, cols int, overlap float64) ([]Cell, error) {
	if err := ValidateGrid(rows, cols, overlap); err != nil {
		return nil, err
	}

	width := (b.Max.Lon() - b.Min.Lon()) / float64(cols)
	height := (b.Max.Lat() - b.Min.Lat()) / float64(rows)

	cells := make([]Cell, 0, rows*cols)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			minLon := b.Min.Lon() + float64(c)*width
			minLat := b.Min.Lat() + float64(r)*height
			cellBound := orb.Bound{
				Min: orb.Point{minLon, minLat},
				Max: orb.Point{minLon + width, minLat + height},
			}
			center := cellBound.Center()

			var far float64
			for _, corner := range corners(cellBound) {
				if d := geo.Distance(center, corner); d > far {
					far = d
				}
			}
			radius := math.Ceil(far * (1 + overlap))
			if radius < 1 {
				radius = 1
			}

			cells = append(cells, Cell{Row: r, Col: c, Center: center, RadiusMeters: radius})
		}
	}
	return cells, nil
}

// PointInPolygon reports whether p lies inside ring or on its boundary.
// Vertex order does not matter. Rings without area contain nothing.
func PointInPolygon(p orb.Point, ring orb.Ring) bool {
	if len(ring) < 3 {
		return false
	}
	if math.Abs(planar.Area(ring)) == 0 {
		return false
	}
	return planar.RingContains(ring, p)
}

func corners(b orb.Bound) [4]orb.Point {
	return [4]orb.Point{
		b.Min,
		{b.Max.Lon(), b.Min.Lat()},
		b.Max,
		{b.Min.Lon(), b.Max.Lat()},
	}
}

func distinctVertices(ring orb.Ring) int {
	seen := make(map[orb.Point]struct{}, len(ring))
	for _, p := range ring {
		seen[p] = struct{}{}
	}
	return len(seen)
}

func validCoord(p orb.Point) bool {
	lon, lat := p.Lon(), p.Lat()
	if math.IsNaN(lon) || math.IsNaN(lat) {
		return false
	}
	return lon >= -180 && lon <= 180 && lat >= -90 && lat <= 90
}
