package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/EmpoweredVote/district-places/internal/districts"
	"github.com/EmpoweredVote/district-places/internal/places"
	"github.com/go-chi/chi/v5"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

type districtSummary struct {
	ID       string     `json:"id"`
	Name     string     `json:"name"`
	GridRows int        `json:"grid_rows"`
	GridCols int        `json:"grid_cols"`
	BBox     [4]float64 `json:"bbox"`
	Centroid [2]float64 `json:"centroid"`
	Vertices int        `json:"vertices"`
}

func summarize(d districts.District) districtSummary {
	return districtSummary{
		ID:       d.ID,
		Name:     d.Name,
		GridRows: d.GridRows,
		GridCols: d.GridCols,
		BBox:     [4]float64{d.Bound.Min.Lon(), d.Bound.Min.Lat(), d.Bound.Max.Lon(), d.Bound.Max.Lat()},
		Centroid: [2]float64{d.Centroid.Lon(), d.Centroid.Lat()},
		Vertices: len(d.Boundary),
	}
}

type cacheStatus struct {
	QueryKind string    `json:"query_kind"`
	Records   int       `json:"records"`
	FetchedAt time.Time `json:"fetched_at"`
	Fresh     bool      `json:"fresh"`
}

type districtDetail struct {
	districtSummary
	Cached []cacheStatus `json:"cached"`
}

type placesResponse struct {
	DistrictID string          `json:"district_id"`
	QueryKind  string          `json:"query_kind"`
	FetchedAt  *time.Time      `json:"fetched_at,omitempty"`
	Count      int             `json:"count"`
	Records    []places.Record `json:"records"`
}

func (s *Server) district(w http.ResponseWriter, r *http.Request) (districts.District, bool) {
	id := chi.URLParam(r, "id")
	d, err := s.Catalog.Get(id)
	if errors.Is(err, districts.ErrUnknownDistrict) {
		writeError(w, http.StatusNotFound, "unknown district "+id)
		return districts.District{}, false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return districts.District{}, false
	}
	return d, true
}

func (s *Server) kind(r *http.Request) string {
	if k := r.URL.Query().Get("kind"); k != "" {
		return k
	}
	return s.DefaultKind
}

func (s *Server) listDistricts(w http.ResponseWriter, r *http.Request) {
	all := s.Catalog.All()
	out := make([]districtSummary, 0, len(all))
	for _, d := range all {
		out = append(out, summarize(d))
	}
	writeJSON(w, out)
}

func (s *Server) getDistrict(w http.ResponseWriter, r *http.Request) {
	d, ok := s.district(w, r)
	if !ok {
		return
	}
	detail := districtDetail{districtSummary: summarize(d), Cached: []cacheStatus{}}
	for _, e := range s.Cache.Entries() {
		if e.DistrictID != d.ID {
			continue
		}
		detail.Cached = append(detail.Cached, cacheStatus{
			QueryKind: e.QueryKind,
			Records:   len(e.Records),
			FetchedAt: e.FetchedAt,
			Fresh:     s.Cache.Fresh(e),
		})
	}
	writeJSON(w, detail)
}

// locate answers which districts contain ?lat=&lng=.
func (s *Server) locate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, err1 := strconv.ParseFloat(q.Get("lat"), 64)
	lng, err2 := strconv.ParseFloat(q.Get("lng"), 64)
	if err1 != nil || err2 != nil || lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		writeError(w, http.StatusBadRequest, "lat and lng must be valid coordinates")
		return
	}
	matches := s.Catalog.Locate(orb.Point{lng, lat})
	out := make([]districtSummary, 0, len(matches))
	for _, d := range matches {
		out = append(out, summarize(d))
	}
	writeJSON(w, out)
}

func (s *Server) getBoundary(w http.ResponseWriter, r *http.Request) {
	d, ok := s.district(w, r)
	if !ok {
		return
	}
	f := geojson.NewFeature(orb.Polygon{d.Boundary})
	f.ID = d.ID
	f.Properties["name"] = d.Name
	f.Properties["grid_rows"] = d.GridRows
	f.Properties["grid_cols"] = d.GridCols

	w.Header().Set("Content-Type", "application/geo+json")
	_ = json.NewEncoder(w).Encode(f)
}

// getPlaces serves the fresh cache entry for the district. ?format=geojson
// returns a FeatureCollection of the records that have coordinates.
func (s *Server) getPlaces(w http.ResponseWriter, r *http.Request) {
	d, ok := s.district(w, r)
	if !ok {
		return
	}
	kind := s.kind(r)
	e, ok := s.Cache.Get(d.ID, kind)
	if !ok {
		writeError(w, http.StatusNotFound, "no fresh "+kind+" results for district "+d.ID)
		return
	}

	w.Header().Set("X-Cache-Fetched-At", e.FetchedAt.UTC().Format(time.RFC3339))
	w.Header().Set("Cache-Control", "public, max-age=300")

	if r.URL.Query().Get("format") == "geojson" {
		w.Header().Set("Content-Type", "application/geo+json")
		_ = json.NewEncoder(w).Encode(featureCollection(e.Records))
		return
	}

	fetched := e.FetchedAt
	writeJSON(w, placesResponse{
		DistrictID: d.ID,
		QueryKind:  kind,
		FetchedAt:  &fetched,
		Count:      len(e.Records),
		Records:    nonNil(e.Records),
	})
}

func (s *Server) getArchive(w http.ResponseWriter, r *http.Request) {
	if s.Archive == nil {
		writeError(w, http.StatusNotFound, "archive is not configured")
		return
	}
	d, ok := s.district(w, r)
	if !ok {
		return
	}
	kind := s.kind(r)
	recs, err := s.Archive.ForDistrict(r.Context(), d.ID, kind)
	if err != nil {
		log.Printf("[api] archive district=%s kind=%s: %v", d.ID, kind, err)
		writeError(w, http.StatusInternalServerError, "archive lookup failed")
		return
	}
	writeJSON(w, placesResponse{
		DistrictID: d.ID,
		QueryKind:  kind,
		Count:      len(recs),
		Records:    nonNil(recs),
	})
}

func featureCollection(recs []places.Record) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, rec := range recs {
		if !rec.HasLocation {
			continue
		}
		f := geojson.NewFeature(rec.Location)
		f.ID = rec.ProviderID
		f.Properties["name"] = rec.Name
		f.Properties["address"] = rec.Address
		f.Properties["phone"] = rec.Phone
		f.Properties["website"] = rec.Website
		f.Properties["google_maps_url"] = rec.GoogleMapsURL()
		f.Properties["business_status"] = rec.BusinessStatus
		f.Properties["categories"] = rec.Categories
		f.Properties["district_id"] = rec.DistrictID
		fc.Append(f)
	}
	return fc
}

func nonNil(recs []places.Record) []places.Record {
	if recs == nil {
		return []places.Record{}
	}
	return recs
}

func (s *Server) cacheStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, s.Cache.Stats())
}

type entrySummary struct {
	DistrictID string    `json:"district_id"`
	QueryKind  string    `json:"query_kind"`
	Records    int       `json:"records"`
	FetchedAt  time.Time `json:"fetched_at"`
	Fresh      bool      `json:"fresh"`
}

func (s *Server) cacheEntries(w http.ResponseWriter, r *http.Request) {
	entries := s.Cache.Entries()
	out := make([]entrySummary, 0, len(entries))
	for _, e := range entries {
		out = append(out, entrySummary{
			DistrictID: e.DistrictID,
			QueryKind:  e.QueryKind,
			Records:    len(e.Records),
			FetchedAt:  e.FetchedAt,
			Fresh:      s.Cache.Fresh(e),
		})
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, out)
}

type removedResponse struct {
	Removed int `json:"removed"`
}

// invalidate drops the district's entries; ?kind= limits it to one kind.
// Unknown districts are accepted so stale entries can still be removed.
func (s *Server) invalidate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var kinds []string
	if k := r.URL.Query().Get("kind"); k != "" {
		kinds = append(kinds, k)
	}
	n, err := s.Cache.Invalidate(r.Context(), id, kinds...)
	if err != nil {
		log.Printf("[api] invalidate district=%s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "could not save cache")
		return
	}
	log.Printf("[api] invalidated %d cache entries for district %s", n, id)
	writeJSON(w, removedResponse{Removed: n})
}

func (s *Server) clean(w http.ResponseWriter, r *http.Request) {
	n, err := s.Cache.CleanExpired(r.Context())
	if err != nil {
		log.Printf("[api] clean: %v", err)
		writeError(w, http.StatusInternalServerError, "could not save cache")
		return
	}
	writeJSON(w, removedResponse{Removed: n})
}
