// Package api serves districts and cached place records over HTTP. It never
// calls a places provider; it only reads what batch runs have stored.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/EmpoweredVote/district-places/internal/cache"
	"github.com/EmpoweredVote/district-places/internal/districts"
	"github.com/EmpoweredVote/district-places/internal/metrics"
	"github.com/EmpoweredVote/district-places/internal/middleware"
	"github.com/EmpoweredVote/district-places/internal/places"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

// Archive returns previously archived records of a district.
type Archive interface {
	ForDistrict(ctx context.Context, districtID, kind string) ([]places.Record, error)
}

type Server struct {
	Catalog *districts.Catalog
	Cache   *cache.Cache
	// Archive is optional; without it the archive route answers 404.
	Archive     Archive
	DefaultKind string
	AdminToken  string
	Origins     []string
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(s.Origins))

	r.Get("/", RootHandler)
	r.Handle("/metrics", metrics.Handler())

	r.Get("/locate", s.locate)

	r.Route("/districts", func(r chi.Router) {
		r.Get("/", s.listDistricts)
		r.Get("/{id}", s.getDistrict)
		r.Get("/{id}/boundary", s.getBoundary)
		r.Get("/{id}/places", s.getPlaces)
		r.Get("/{id}/archive", s.getArchive)
	})

	r.Route("/cache", func(r chi.Router) {
		r.Get("/stats", s.cacheStats)
		r.Get("/entries", s.cacheEntries)
		r.With(middleware.AdminToken(s.AdminToken)).Delete("/districts/{id}", s.invalidate)
		r.With(middleware.AdminToken(s.AdminToken)).Post("/clean", s.clean)
	})

	return r
}

func RootHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprintln(w, "Server is up!")
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
