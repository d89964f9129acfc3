// Package cache keeps enumerated place records per (district, query kind)
// with a time-to-live, so a district is only fetched from the provider again
// once its entry has expired or been invalidated.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/EmpoweredVote/district-places/internal/metrics"
	"github.com/EmpoweredVote/district-places/internal/places"
)

const (
	FormatVersion = "1.0"
	DefaultTTL    = 30 * 24 * time.Hour
)

// ErrCorrupt marks a persisted cache that could not be decoded.
var ErrCorrupt = errors.New("cache corrupted")

// Entry is one cached enumeration result.
type Entry struct {
	DistrictID string          `json:"district_id"`
	QueryKind  string          `json:"query_kind"`
	Records    []places.Record `json:"records"`
	FetchedAt  time.Time       `json:"fetched_at"`
	// Status is "partial" when some searches failed; FailedQueries names them.
	Status        string   `json:"status,omitempty"`
	FailedQueries []string `json:"failed_queries,omitempty"`
}

// Document is the persisted form of the whole cache.
type Document struct {
	Version string            `json:"version"`
	Entries map[string]*Entry `json:"entries"`
}

func NewDocument() *Document {
	return &Document{Version: FormatVersion, Entries: map[string]*Entry{}}
}

// Store persists the whole document. Every write replaces what was there.
type Store interface {
	Load(ctx context.Context) (*Document, error)
	Save(ctx context.Context, doc *Document) error
	Location() string
}

// Key is the stable string form of (district, kind).
func Key(districtID, kind string) string {
	return districtID + "|" + kind
}

type Option func(*Cache)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// Cache is safe for concurrent readers; writes are serialized and each one
// persists the full document before returning.
type Cache struct {
	mu    sync.RWMutex
	store Store
	ttl   time.Duration
	now   func() time.Time
	doc   *Document
}

// New loads the document from store. A corrupt document is logged and
// replaced by an empty one; any other load error is returned.
func New(ctx context.Context, store Store, ttl time.Duration, opts ...Option) (*Cache, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &Cache{store: store, ttl: ttl, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}

	doc, err := store.Load(ctx)
	switch {
	case errors.Is(err, ErrCorrupt):
		log.Printf("[cache] WARNING: %v; starting with an empty cache", err)
		doc = NewDocument()
	case err != nil:
		return nil, fmt.Errorf("load cache from %s: %w", store.Location(), err)
	case doc == nil:
		doc = NewDocument()
	}
	if doc.Entries == nil {
		doc.Entries = map[string]*Entry{}
	}
	c.doc = doc

	log.Printf("[cache] loaded %d entries from %s", len(doc.Entries), store.Location())
	return c, nil
}

func (c *Cache) TTL() time.Duration { return c.ttl }

func (c *Cache) fresh(e *Entry, now time.Time) bool {
	return now.Sub(e.FetchedAt) < c.ttl
}

// Get returns the entry for (district, kind) if it exists and is younger
// than the TTL. Expired entries stay in place until CleanExpired.
func (c *Cache) Get(districtID, kind string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.doc.Entries[Key(districtID, kind)]
	if !ok || !c.fresh(e, c.now()) {
		metrics.ObserveCacheLookup(kind, false)
		return Entry{}, false
	}
	metrics.ObserveCacheLookup(kind, true)
	return copyEntry(e), true
}

// Put stores records for (district, kind), replacing any previous entry, and
// persists the cache before returning.
func (c *Cache) Put(ctx context.Context, districtID, kind string, records []places.Record, fetchedAt time.Time) error {
	return c.PutEntry(ctx, Entry{DistrictID: districtID, QueryKind: kind, Records: records, FetchedAt: fetchedAt})
}

// PutEntry is Put with the completeness fields. When the save fails the
// previous entry is restored.
func (c *Cache) PutEntry(ctx context.Context, e Entry) error {
	if e.DistrictID == "" {
		return errors.New("cache entry has no district id")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	stored := copyEntry(&e)
	stored.FetchedAt = e.FetchedAt.UTC()
	key := Key(e.DistrictID, e.QueryKind)
	prev, had := c.doc.Entries[key]
	c.doc.Entries[key] = &stored

	if err := c.store.Save(ctx, c.doc); err != nil {
		if had {
			c.doc.Entries[key] = prev
		} else {
			delete(c.doc.Entries, key)
		}
		return fmt.Errorf("save cache: %w", err)
	}
	log.Printf("[cache] stored %d records for district %s (%s)", len(e.Records), e.DistrictID, e.QueryKind)
	return nil
}

// Invalidate removes the entries of a district, limited to kinds when any are
// given. Other districts are untouched. It returns the number removed.
func (c *Cache) Invalidate(ctx context.Context, districtID string, kinds ...string) (int, error) {
	return c.remove(ctx, func(e *Entry) bool {
		if e.DistrictID != districtID {
			return false
		}
		if len(kinds) == 0 {
			return true
		}
		for _, k := range kinds {
			if e.QueryKind == k {
				return true
			}
		}
		return false
	})
}

// CleanExpired drops every entry older than the TTL.
func (c *Cache) CleanExpired(ctx context.Context) (int, error) {
	now := c.now()
	return c.remove(ctx, func(e *Entry) bool { return !c.fresh(e, now) })
}

// Clear drops every entry.
func (c *Cache) Clear(ctx context.Context) (int, error) {
	return c.remove(ctx, func(*Entry) bool { return true })
}

func (c *Cache) remove(ctx context.Context, match func(*Entry) bool) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := map[string]*Entry{}
	for k, e := range c.doc.Entries {
		if match(e) {
			removed[k] = e
			delete(c.doc.Entries, k)
		}
	}
	if len(removed) == 0 {
		return 0, nil
	}
	if err := c.store.Save(ctx, c.doc); err != nil {
		for k, e := range removed {
			c.doc.Entries[k] = e
		}
		return 0, fmt.Errorf("save cache: %w", err)
	}
	return len(removed), nil
}

// Stats summarizes the cache without changing it.
type Stats struct {
	Entries      int        `json:"entries"`
	Fresh        int        `json:"fresh"`
	Expired      int        `json:"expired"`
	TotalRecords int        `json:"total_records"`
	Oldest       *time.Time `json:"oldest,omitempty"`
	Newest       *time.Time `json:"newest,omitempty"`
	TTLDays      float64    `json:"ttl_days"`
	Location     string     `json:"location"`
}

func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := c.now()
	s := Stats{
		Entries:  len(c.doc.Entries),
		TTLDays:  c.ttl.Hours() / 24,
		Location: c.store.Location(),
	}
	for _, e := range c.doc.Entries {
		if c.fresh(e, now) {
			s.Fresh++
		} else {
			s.Expired++
		}
		s.TotalRecords += len(e.Records)

		t := e.FetchedAt
		if s.Oldest == nil || t.Before(*s.Oldest) {
			s.Oldest = &t
		}
		if s.Newest == nil || t.After(*s.Newest) {
			tn := t
			s.Newest = &tn
		}
	}
	return s
}

// Entries returns copies of all entries, fresh or not, ordered by key.
func (c *Cache) Entries() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	keys := make([]string, 0, len(c.doc.Entries))
	for k := range c.doc.Entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]Entry, 0, len(keys))
	for _, k := range keys {
		out = append(out, copyEntry(c.doc.Entries[k]))
	}
	return out
}

// Fresh reports whether e would be served by Get right now.
func (c *Cache) Fresh(e Entry) bool {
	return c.fresh(&e, c.now())
}

func copyEntry(e *Entry) Entry {
	out := *e
	out.Records = cloneRecords(e.Records)
	out.FailedQueries = append([]string(nil), e.FailedQueries...)
	return out
}

func cloneRecords(in []places.Record) []places.Record {
	out := make([]places.Record, len(in))
	for i, r := range in {
		out[i] = r.Clone()
	}
	return out
}
