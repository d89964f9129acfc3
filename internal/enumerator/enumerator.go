// Package enumerator finds the places of one profile inside a district
// polygon: a grid of nearby searches over the district's bounding box plus a
// few text searches, filtered by polygon membership and deduplicated by
// provider id. Results go through the cache.
package enumerator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/EmpoweredVote/district-places/internal/cache"
	"github.com/EmpoweredVote/district-places/internal/districts"
	"github.com/EmpoweredVote/district-places/internal/geometry"
	"github.com/EmpoweredVote/district-places/internal/metrics"
	"github.com/EmpoweredVote/district-places/internal/places"
	"github.com/EmpoweredVote/district-places/internal/places/provider"
)

// ErrNoCoverage is returned when every search of a district failed.
var ErrNoCoverage = errors.New("every search for the district failed")

// errCachedFailure stands in for the error of a query that failed when a
// cached partial result was fetched.
var errCachedFailure = errors.New("failed when the cached result was fetched")

// State is a step of one district enumeration.
type State string

const (
	StatePending      State = "PENDING"
	StateFetchingGrid State = "FETCHING_GRID"
	StateFetchingText State = "FETCHING_TEXT"
	StateFiltering    State = "FILTERING"
	StateDeduping     State = "DEDUPING"
	StateCached       State = "CACHED"
)

// Status summarizes how complete a result is.
type Status string

const (
	StatusComplete Status = "complete"
	StatusPartial  Status = "partial"
)

// ResultCache is the part of the cache the enumerator uses.
type ResultCache interface {
	Get(districtID, kind string) (cache.Entry, bool)
	PutEntry(ctx context.Context, e cache.Entry) error
}

// Config holds the grid and retry settings shared by all districts.
type Config struct {
	Rows             int
	Cols             int
	Overlap          float64
	TextRadiusMeters float64
	Retry            provider.RetryPolicy
}

// DefaultConfig is a 3x3 grid whose circles are 1.5x the half-diagonal of a
// cell, with a 2 km text search bias.
func DefaultConfig() Config {
	return Config{
		Rows:             districts.DefaultGridSize,
		Cols:             districts.DefaultGridSize,
		Overlap:          0.5,
		TextRadiusMeters: 2000,
		Retry:            provider.DefaultRetryPolicy(),
	}
}

func (c Config) Validate() error {
	if err := geometry.ValidateGrid(c.Rows, c.Cols, c.Overlap); err != nil {
		return err
	}
	if !(c.TextRadiusMeters >= 0) || math.IsInf(c.TextRadiusMeters, 1) {
		return fmt.Errorf("%w: text radius must be a finite value >= 0, got %v", geometry.ErrInvalidConfiguration, c.TextRadiusMeters)
	}
	return nil
}

// QueryFailure is a search that was skipped after its retries ran out.
type QueryFailure struct {
	Query string
	Err   error
}

// Counts tracks where hits were dropped.
type Counts struct {
	Queries        int `json:"queries"`
	RawHits        int `json:"raw_hits"`
	Rejected       int `json:"rejected"`
	OutsideEarly   int `json:"outside_early"`
	DetailLookups  int `json:"detail_lookups"`
	DetailFailures int `json:"detail_failures"`
	OutsideDetails int `json:"outside_details"`
	Duplicates     int `json:"duplicates"`
	OutsideFinal   int `json:"outside_final"`
}

// Result is the outcome of one district enumeration.
type Result struct {
	DistrictID string
	QueryKind  string
	Records    []places.Record
	Status     Status
	FromCache  bool
	Failures   []QueryFailure
	Counts     Counts
}

type Option func(*Enumerator)

// WithStateHook registers fn to be called on every state change.
func WithStateHook(fn func(districtID string, s State)) Option {
	return func(e *Enumerator) { e.onState = fn }
}

// WithClock replaces time.Now for cache timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Enumerator) { e.now = now }
}

// Enumerator runs one profile against districts. It holds no per-district
// state between calls.
type Enumerator struct {
	provider provider.PlacesProvider
	details  provider.DetailsProvider
	cache    ResultCache
	profile  Profile
	cfg      Config
	now      func() time.Time
	onState  func(string, State)
}

// New validates cfg and builds an enumerator. Details lookups are enabled
// when the profile asks for them and p implements provider.DetailsProvider.
func New(p provider.PlacesProvider, c ResultCache, profile Profile, cfg Config, opts ...Option) (*Enumerator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := profile.compile(); err != nil {
		return nil, err
	}
	e := &Enumerator{
		provider: p,
		cache:    c,
		profile:  profile,
		cfg:      cfg,
		now:      time.Now,
	}
	if d, ok := provider.SupportsDetails(p); ok && profile.EnrichDetails {
		e.details = d
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func (e *Enumerator) Profile() Profile { return e.profile }

func (e *Enumerator) setState(districtID string, s State) {
	if e.onState != nil {
		e.onState(districtID, s)
	}
}

// candidate is a hit together with the query that produced it.
type candidate struct {
	hit    provider.Hit
	source string
}

// Enumerate returns the places of the profile inside d. A fresh cache entry
// is returned without provider calls. Failed searches are skipped and mark
// the result partial; fatal provider errors, invalid geometry and context
// cancellation return an error and leave the cache untouched.
func (e *Enumerator) Enumerate(ctx context.Context, d districts.District) (*Result, error) {
	kind := e.profile.Kind()
	res := &Result{DistrictID: d.ID, QueryKind: kind, Status: StatusComplete}

	if entry, ok := e.cache.Get(d.ID, kind); ok {
		log.Printf("[enumerator] district %s: %d %s records from cache (fetched %s)",
			d.ID, len(entry.Records), kind, entry.FetchedAt.Format(time.RFC3339))
		res.Records = entry.Records
		res.FromCache = true
		if entry.Status == string(StatusPartial) {
			res.Status = StatusPartial
			for _, q := range entry.FailedQueries {
				res.Failures = append(res.Failures, QueryFailure{Query: q, Err: errCachedFailure})
			}
		}
		return res, nil
	}
	e.setState(d.ID, StatePending)

	bound, err := geometry.BoundingBox(d.Boundary)
	if err != nil {
		return nil, fmt.Errorf("district %s: %w", d.ID, err)
	}
	rows, cols := e.cfg.Rows, e.cfg.Cols
	if d.GridRows > 0 && d.GridCols > 0 {
		rows, cols = d.GridRows, d.GridCols
	}
	cells, err := geometry.Partition(bound, rows, cols, e.cfg.Overlap)
	if err != nil {
		return nil, fmt.Errorf("district %s: %w", d.ID, err)
	}

	var found []candidate

	e.setState(d.ID, StateFetchingGrid)
	if e.profile.Keyword != "" || e.profile.Type != "" {
		for _, cell := range cells {
			req := provider.NearbyRequest{
				Center:       cell.Center,
				RadiusMeters: cell.RadiusMeters,
				Keyword:      e.profile.Keyword,
				Type:         e.profile.Type,
			}
			hits, err := e.search(ctx, res, cell.Label(), func(ctx context.Context) ([]provider.Hit, error) {
				return e.provider.NearbySearch(ctx, req)
			})
			if err != nil {
				return nil, fmt.Errorf("district %s: %w", d.ID, err)
			}
			for _, h := range hits {
				found = append(found, candidate{hit: h, source: cell.Label()})
			}
		}
	}

	e.setState(d.ID, StateFetchingText)
	for _, q := range e.profile.TextQueries {
		label := "text:" + q
		req := provider.TextRequest{Query: q, Bias: d.Centroid, RadiusMeters: e.cfg.TextRadiusMeters}
		hits, err := e.search(ctx, res, label, func(ctx context.Context) ([]provider.Hit, error) {
			return e.provider.TextSearch(ctx, req)
		})
		if err != nil {
			return nil, fmt.Errorf("district %s: %w", d.ID, err)
		}
		for _, h := range hits {
			found = append(found, candidate{hit: h, source: label})
		}
	}

	if res.Counts.Queries > 0 && len(res.Failures) == res.Counts.Queries {
		return nil, fmt.Errorf("district %s: %w (%d queries): %v", d.ID, ErrNoCoverage, len(res.Failures), res.Failures[0].Err)
	}

	e.setState(d.ID, StateFiltering)
	kept, err := e.filter(ctx, d, found, &res.Counts)
	if err != nil {
		return nil, fmt.Errorf("district %s: %w", d.ID, err)
	}

	e.setState(d.ID, StateDeduping)
	records := dedupe(kept, &res.Counts)
	records = e.finalPass(d, records, &res.Counts)
	res.Records = records

	if len(res.Failures) > 0 {
		res.Status = StatusPartial
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entry := cache.Entry{DistrictID: d.ID, QueryKind: kind, Records: records, FetchedAt: e.now(), Status: string(res.Status)}
	for _, f := range res.Failures {
		entry.FailedQueries = append(entry.FailedQueries, f.Query)
	}
	if err := e.cache.PutEntry(ctx, entry); err != nil {
		log.Printf("[enumerator] WARNING district %s: cache write failed: %v", d.ID, err)
	} else {
		e.setState(d.ID, StateCached)
	}

	log.Printf("[enumerator] district %s: %d %s records (%s) raw=%d rejected=%d outside=%d dupes=%d failed_queries=%d",
		d.ID, len(records), kind, res.Status, res.Counts.RawHits, res.Counts.Rejected,
		res.Counts.OutsideEarly+res.Counts.OutsideDetails+res.Counts.OutsideFinal,
		res.Counts.Duplicates, len(res.Failures))
	return res, nil
}

// search runs one query with retries. Skippable failures are recorded on
// res and yield no hits; fatal errors and cancellation are returned.
func (e *Enumerator) search(ctx context.Context, res *Result, label string, fn func(context.Context) ([]provider.Hit, error)) ([]provider.Hit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	res.Counts.Queries++

	hits, err := provider.Retry(ctx, e.cfg.Retry, label, fn)
	if err != nil {
		if stop(ctx, err) {
			return nil, err
		}
		log.Printf("[enumerator] district %s: %s skipped: %v", res.DistrictID, label, err)
		res.Failures = append(res.Failures, QueryFailure{Query: label, Err: err})
		return nil, nil
	}
	res.Counts.RawHits += len(hits)
	return hits, nil
}

// stop reports whether err must end the district instead of being skipped.
func stop(ctx context.Context, err error) bool {
	return provider.IsFatal(err) || ctx.Err() != nil
}

// filter applies the profile filter and the early polygon check to every
// candidate, then enriches survivors with details (once per place) and
// rechecks those whose coordinates moved.
func (e *Enumerator) filter(ctx context.Context, d districts.District, found []candidate, counts *Counts) ([]places.Record, error) {
	looked := map[string]*provider.Details{}

	out := make([]places.Record, 0, len(found))
	for _, c := range found {
		if !e.profile.Accepts(c.hit) {
			counts.Rejected++
			continue
		}
		if c.hit.HasLocation && !d.Contains(c.hit.Location) {
			counts.OutsideEarly++
			continue
		}

		rec := c.hit.Record(d.ID, c.source)
		if e.details != nil {
			det, ok := looked[rec.ProviderID]
			if !ok {
				var err error
				if det, err = e.lookup(ctx, rec.ProviderID, counts); err != nil {
					return nil, err
				}
				looked[rec.ProviderID] = det
			}
			if det != nil {
				if moved := det.Apply(&rec); moved && !d.Contains(rec.Location) {
					counts.OutsideDetails++
					continue
				}
			}
		}
		out = append(out, rec)
	}
	return out, nil
}

// lookup fetches details for one place. A skippable failure returns nil
// details so the record keeps its search-result fields.
func (e *Enumerator) lookup(ctx context.Context, id string, counts *Counts) (*provider.Details, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	counts.DetailLookups++
	det, err := provider.Retry(ctx, e.cfg.Retry, "details", func(ctx context.Context) (*provider.Details, error) {
		return e.details.Details(ctx, id)
	})
	if err != nil {
		if stop(ctx, err) {
			return nil, err
		}
		counts.DetailFailures++
		log.Printf("[enumerator] details for %s failed, keeping search data: %v", id, err)
		return nil, nil
	}
	return det, nil
}

// dedupe merges records by provider id. The first occurrence with
// coordinates is kept and the others only add their source queries.
func dedupe(recs []places.Record, counts *Counts) []places.Record {
	index := make(map[string]int, len(recs))
	out := make([]places.Record, 0, len(recs))
	for _, r := range recs {
		if i, ok := index[r.ProviderID]; ok {
			if !out[i].HasLocation && r.HasLocation {
				kept := out[i].SourceQueries
				out[i] = r
				out[i].SourceQueries = nil
				for _, q := range kept {
					out[i].AddSource(q)
				}
			}
			for _, q := range r.SourceQueries {
				out[i].AddSource(q)
			}
			counts.Duplicates++
			continue
		}
		index[r.ProviderID] = len(out)
		out = append(out, r)
	}
	return out
}

// finalPass is the authoritative membership check on the merged records.
// Records without coordinates are dropped here.
func (e *Enumerator) finalPass(d districts.District, recs []places.Record, counts *Counts) []places.Record {
	out := recs[:0]
	for _, r := range recs {
		if r.HasLocation && d.Contains(r.Location) {
			out = append(out, r)
			continue
		}
		counts.OutsideFinal++
		log.Printf("[enumerator] WARNING district %s: final check dropped %s (%s)", d.ID, r.ProviderID, r.Name)
	}
	return out
}

// Observe records the outcome of a finished enumeration in metrics.
func Observe(res *Result, err error) {
	if err != nil {
		metrics.ObserveDistrict("failed", "", 0)
		return
	}
	metrics.ObserveDistrict(string(res.Status), res.QueryKind, len(res.Records))
}
