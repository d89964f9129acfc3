// Package districts loads the named district polygons that bound a search.
package districts

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/EmpoweredVote/district-places/internal/geometry"
	"github.com/paulmach/orb"
)

// DefaultGridSize is the grid used when a district does not carry its own.
const DefaultGridSize = 3

var (
	ErrNoDistricts     = errors.New("no districts found")
	ErrUnknownDistrict = errors.New("unknown district")
	ErrUnknownFormat   = errors.New("unknown district file format")
)

// District is a named polygon with its derived bounds. Values are not
// modified after loading.
type District struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Boundary orb.Ring  `json:"-"`
	Bound    orb.Bound `json:"-"`
	Centroid orb.Point `json:"-"`
	GridRows int       `json:"grid_rows"`
	GridCols int       `json:"grid_cols"`
}

// New validates ring and derives bounds and centroid. The ring is closed if
// its last vertex does not repeat the first.
func New(id, name string, ring orb.Ring) (District, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return District{}, fmt.Errorf("%w: district id is empty", geometry.ErrInvalidGeometry)
	}
	if name == "" {
		name = "District " + id
	}
	if len(ring) > 0 && !ring.Closed() {
		closed := make(orb.Ring, len(ring), len(ring)+1)
		copy(closed, ring)
		ring = append(closed, ring[0])
	}

	b, err := geometry.BoundingBox(ring)
	if err != nil {
		return District{}, fmt.Errorf("district %s: %w", id, err)
	}

	return District{
		ID:       id,
		Name:     name,
		Boundary: ring,
		Bound:    b,
		Centroid: geometry.Center(b),
		GridRows: DefaultGridSize,
		GridCols: DefaultGridSize,
	}, nil
}

// WithGrid returns a copy using a rows x cols grid. Non-positive values keep
// the current setting.
func (d District) WithGrid(rows, cols int) District {
	if rows > 0 {
		d.GridRows = rows
	}
	if cols > 0 {
		d.GridCols = cols
	}
	return d
}

// Contains reports whether p lies inside the district boundary.
func (d District) Contains(p orb.Point) bool {
	return geometry.PointInPolygon(p, d.Boundary)
}

// Catalog is an ordered, read-only set of districts.
type Catalog struct {
	byID  map[string]District
	order []string
}

// NewCatalog builds a catalog. A later district with a duplicate id replaces
// the earlier one.
func NewCatalog(ds []District) *Catalog {
	c := &Catalog{byID: make(map[string]District, len(ds))}
	for _, d := range ds {
		if _, dup := c.byID[d.ID]; !dup {
			c.order = append(c.order, d.ID)
		}
		c.byID[d.ID] = d
	}
	SortIDs(c.order)
	return c
}

func (c *Catalog) Len() int { return len(c.order) }

func (c *Catalog) IDs() []string {
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

func (c *Catalog) Get(id string) (District, error) {
	d, ok := c.byID[strings.TrimSpace(id)]
	if !ok {
		return District{}, fmt.Errorf("%w: %s", ErrUnknownDistrict, id)
	}
	return d, nil
}

func (c *Catalog) All() []District {
	out := make([]District, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.byID[id])
	}
	return out
}

// Locate returns the districts whose boundary contains p, in catalog order.
// Districts may overlap, so more than one can match.
func (c *Catalog) Locate(p orb.Point) []District {
	var out []District
	for _, id := range c.order {
		d := c.byID[id]
		if d.Bound.Contains(p) && d.Contains(p) {
			out = append(out, d)
		}
	}
	return out
}

// Select returns the named districts in catalog order, or all of them when
// ids is empty.
func (c *Catalog) Select(ids []string) ([]District, error) {
	if len(ids) == 0 {
		return c.All(), nil
	}
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if _, ok := c.byID[id]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownDistrict, id)
		}
		want[id] = true
	}
	var out []District
	for _, id := range c.order {
		if want[id] {
			out = append(out, c.byID[id])
		}
	}
	return out, nil
}

// SortIDs orders district ids numerically when both are numbers ("2" before
// "10") and lexically otherwise.
func SortIDs(ids []string) {
	sort.SliceStable(ids, func(i, j int) bool { return LessID(ids[i], ids[j]) })
}

func LessID(a, b string) bool {
	ai, aerr := strconv.Atoi(a)
	bi, berr := strconv.Atoi(b)
	switch {
	case aerr == nil && berr == nil:
		return ai < bi
	case aerr == nil:
		return true
	case berr == nil:
		return false
	}
	return a < b
}
