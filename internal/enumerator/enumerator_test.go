package enumerator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"testing"
	"time"

	"github.com/EmpoweredVote/district-places/internal/cache"
	"github.com/EmpoweredVote/district-places/internal/districts"
	"github.com/EmpoweredVote/district-places/internal/geometry"
	"github.com/EmpoweredVote/district-places/internal/places"
	"github.com/EmpoweredVote/district-places/internal/places/provider"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProvider answers searches from test-supplied functions and counts calls.
type fakeProvider struct {
	nearby      func(req provider.NearbyRequest) ([]provider.Hit, error)
	text        func(req provider.TextRequest) ([]provider.Hit, error)
	nearbyCalls int
	textCalls   int
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) NearbySearch(ctx context.Context, req provider.NearbyRequest) ([]provider.Hit, error) {
	f.nearbyCalls++
	if f.nearby == nil {
		return nil, nil
	}
	return f.nearby(req)
}

func (f *fakeProvider) TextSearch(ctx context.Context, req provider.TextRequest) ([]provider.Hit, error) {
	f.textCalls++
	if f.text == nil {
		return nil, nil
	}
	return f.text(req)
}

func (f *fakeProvider) calls() int { return f.nearbyCalls + f.textCalls }

type fakeDetailsProvider struct {
	*fakeProvider
	details     func(id string) (*provider.Details, error)
	detailCalls int
}

func (f *fakeDetailsProvider) Details(ctx context.Context, id string) (*provider.Details, error) {
	f.detailCalls++
	return f.details(id)
}

// square district: lon -74.00..-73.98, lat 40.70..40.72
func squareDistrict(t *testing.T) districts.District {
	t.Helper()
	d, err := districts.New("7", "District 7", orb.Ring{
		{-74.00, 40.70}, {-73.98, 40.70}, {-73.98, 40.72}, {-74.00, 40.72}, {-74.00, 40.70},
	})
	require.NoError(t, err)
	return d
}

var (
	centroid = orb.Point{-73.99, 40.71}
	// just east of the district edge, inside the north-east cell's circle
	outside = orb.Point{-73.9795, 40.719}
)

func hit(id string, p orb.Point) provider.Hit {
	return provider.Hit{ProviderID: id, Name: "Place " + id, Location: p, HasLocation: true, Categories: []string{"pharmacy"}}
}

func testProfile() Profile {
	return Profile{Name: "pharmacy", Type: "pharmacy", TextQueries: []string{"pharmacy", "CVS Duane Reade"}}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Retry = provider.RetryPolicy{Attempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	return cfg
}

func newCache(t *testing.T) (*cache.Cache, *cache.MemoryStore) {
	t.Helper()
	store := &cache.MemoryStore{}
	c, err := cache.New(context.Background(), store, cache.DefaultTTL)
	require.NoError(t, err)
	return c, store
}

func newEnumerator(t *testing.T, p provider.PlacesProvider, c ResultCache, profile Profile, opts ...Option) *Enumerator {
	t.Helper()
	e, err := New(p, c, profile, testConfig(), opts...)
	require.NoError(t, err)
	return e
}

func gridLabels(t *testing.T, d districts.District) []string {
	t.Helper()
	cells, err := geometry.Partition(d.Bound, 3, 3, 0.5)
	require.NoError(t, err)
	var labels []string
	for _, c := range cells {
		labels = append(labels, c.Label())
	}
	return labels
}

func ids(recs []places.Record) []string {
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.ProviderID)
	}
	sort.Strings(out)
	return out
}

func TestEnumerate_SinglePlaceFoundByEveryCell(t *testing.T) {
	d := squareDistrict(t)
	fp := &fakeProvider{
		nearby: func(req provider.NearbyRequest) ([]provider.Hit, error) {
			return []provider.Hit{hit("center", centroid)}, nil
		},
	}
	c, _ := newCache(t)
	e := newEnumerator(t, fp, c, Profile{Name: "pharmacy", Type: "pharmacy"})

	res, err := e.Enumerate(context.Background(), d)
	require.NoError(t, err)
	require.Len(t, res.Records, 1)

	r := res.Records[0]
	assert.Equal(t, "center", r.ProviderID)
	assert.Equal(t, "7", r.DistrictID)
	assert.ElementsMatch(t, gridLabels(t, d), r.SourceQueries)
	assert.Equal(t, StatusComplete, res.Status)
	assert.Equal(t, 8, res.Counts.Duplicates)
	assert.Equal(t, 9, fp.nearbyCalls)
}

func TestEnumerate_ExcludesPlaceOutsidePolygon(t *testing.T) {
	d := squareDistrict(t)
	cells, err := geometry.Partition(d.Bound, 3, 3, 0.5)
	require.NoError(t, err)
	// the outside point is within reach of the north-east cell's circle
	require.LessOrEqual(t, geo.Distance(cells[8].Center, outside), cells[8].RadiusMeters)

	fp := &fakeProvider{
		nearby: func(req provider.NearbyRequest) ([]provider.Hit, error) {
			return []provider.Hit{hit("in", centroid), hit("out", outside)}, nil
		},
	}
	c, _ := newCache(t)
	res, err := newEnumerator(t, fp, c, testProfile()).Enumerate(context.Background(), d)
	require.NoError(t, err)

	assert.Equal(t, []string{"in"}, ids(res.Records))
	assert.Equal(t, 9, res.Counts.OutsideEarly)
}

func TestEnumerate_PartialWhenSomeCellsFail(t *testing.T) {
	d := squareDistrict(t)
	cells, err := geometry.Partition(d.Bound, 3, 3, 0.5)
	require.NoError(t, err)
	failing := map[orb.Point]bool{cells[2].Center: true, cells[5].Center: true}

	fp := &fakeProvider{
		nearby: func(req provider.NearbyRequest) ([]provider.Hit, error) {
			if failing[req.Center] {
				return nil, provider.Transient("fake", "nearby", 0, context.DeadlineExceeded)
			}
			// each working cell finds its own place at its center
			return []provider.Hit{hit(fmt.Sprint(req.Center), req.Center)}, nil
		},
		text: func(req provider.TextRequest) ([]provider.Hit, error) {
			assert.Equal(t, centroid, req.Bias)
			return []provider.Hit{hit("text-"+req.Query, orb.Point{-73.995, 40.705})}, nil
		},
	}
	c, store := newCache(t)
	res, err := newEnumerator(t, fp, c, testProfile()).Enumerate(context.Background(), d)
	require.NoError(t, err)

	assert.Equal(t, StatusPartial, res.Status)
	require.Len(t, res.Failures, 2)
	assert.Equal(t, cells[2].Label(), res.Failures[0].Query)
	assert.Len(t, res.Records, 7+2)
	// 7 good cells + 2 failing cells tried twice + 2 text searches
	assert.Equal(t, 7+4, fp.nearbyCalls)
	assert.Equal(t, 2, fp.textCalls)

	// partial results are cached
	assert.Equal(t, 1, store.Saves)
	_, ok := c.Get("7", "pharmacy")
	assert.True(t, ok)
}

func TestEnumerate_SecondRunServedFromCache(t *testing.T) {
	d := squareDistrict(t)
	fp := &fakeProvider{
		nearby: func(req provider.NearbyRequest) ([]provider.Hit, error) {
			return []provider.Hit{hit("a", centroid)}, nil
		},
	}
	c, _ := newCache(t)
	e := newEnumerator(t, fp, c, testProfile())

	first, err := e.Enumerate(context.Background(), d)
	require.NoError(t, err)
	assert.False(t, first.FromCache)
	calls := fp.calls()
	require.Equal(t, 11, calls)

	second, err := e.Enumerate(context.Background(), d)
	require.NoError(t, err)
	assert.True(t, second.FromCache)
	assert.Equal(t, calls, fp.calls(), "cache hit must not call the provider")
	assert.Equal(t, first.Records, second.Records)
}

func TestEnumerate_ExpiredCacheRefetches(t *testing.T) {
	d := squareDistrict(t)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	store := &cache.MemoryStore{}
	c, err := cache.New(context.Background(), store, time.Hour, cache.WithClock(func() time.Time { return now }))
	require.NoError(t, err)

	fp := &fakeProvider{}
	e := newEnumerator(t, fp, c, testProfile(), WithClock(func() time.Time { return now }))
	_, err = e.Enumerate(context.Background(), d)
	require.NoError(t, err)

	now = now.Add(time.Hour)
	res, err := e.Enumerate(context.Background(), d)
	require.NoError(t, err)
	assert.False(t, res.FromCache)
	assert.Equal(t, 22, fp.calls())
}

func TestEnumerate_FatalErrorAbortsWithoutCaching(t *testing.T) {
	d := squareDistrict(t)
	fp := &fakeProvider{
		nearby: func(req provider.NearbyRequest) ([]provider.Hit, error) {
			return nil, provider.Fatal("fake", "nearby", 403, errors.New("REQUEST_DENIED"))
		},
	}
	c, store := newCache(t)
	_, err := newEnumerator(t, fp, c, testProfile()).Enumerate(context.Background(), d)

	assert.ErrorIs(t, err, provider.ErrFatal)
	assert.Equal(t, 1, fp.calls(), "fatal errors are not retried and stop the district")
	assert.Zero(t, store.Saves)
}

func TestEnumerate_AllQueriesFailed(t *testing.T) {
	d := squareDistrict(t)
	boom := func() error { return provider.Malformed("fake", "search", "garbage") }
	fp := &fakeProvider{
		nearby: func(provider.NearbyRequest) ([]provider.Hit, error) { return nil, boom() },
		text:   func(provider.TextRequest) ([]provider.Hit, error) { return nil, boom() },
	}
	c, store := newCache(t)
	_, err := newEnumerator(t, fp, c, testProfile()).Enumerate(context.Background(), d)

	assert.ErrorIs(t, err, ErrNoCoverage)
	assert.Equal(t, 11, fp.calls(), "response errors are not retried")
	assert.Zero(t, store.Saves)
}

func TestEnumerate_InvalidGeometry(t *testing.T) {
	bad := districts.District{ID: "x", Boundary: orb.Ring{{0, 0}, {1, 1}}}
	fp := &fakeProvider{}
	c, _ := newCache(t)
	_, err := newEnumerator(t, fp, c, testProfile()).Enumerate(context.Background(), bad)

	assert.ErrorIs(t, err, geometry.ErrInvalidGeometry)
	assert.Zero(t, fp.calls())
}

func TestEnumerate_CancelledLeavesCacheEmpty(t *testing.T) {
	d := squareDistrict(t)
	ctx, cancel := context.WithCancel(context.Background())
	fp := &fakeProvider{
		nearby: func(req provider.NearbyRequest) ([]provider.Hit, error) {
			cancel()
			return []provider.Hit{hit("a", centroid)}, nil
		},
	}
	c, store := newCache(t)
	_, err := newEnumerator(t, fp, c, testProfile()).Enumerate(ctx, d)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, fp.calls())
	assert.Zero(t, store.Saves)
}

func TestEnumerate_StateOrder(t *testing.T) {
	d := squareDistrict(t)
	var states []State
	var order []string
	fp := &fakeProvider{
		nearby: func(provider.NearbyRequest) ([]provider.Hit, error) {
			order = append(order, "grid")
			return nil, nil
		},
		text: func(provider.TextRequest) ([]provider.Hit, error) {
			order = append(order, "text")
			return nil, nil
		},
	}
	c, _ := newCache(t)
	e := newEnumerator(t, fp, c, testProfile(), WithStateHook(func(id string, s State) {
		assert.Equal(t, "7", id)
		states = append(states, s)
	}))
	_, err := e.Enumerate(context.Background(), d)
	require.NoError(t, err)

	assert.Equal(t, []State{StatePending, StateFetchingGrid, StateFetchingText, StateFiltering, StateDeduping, StateCached}, states)
	assert.Equal(t, []string{"grid", "grid", "grid", "grid", "grid", "grid", "grid", "grid", "grid", "text", "text"}, order)

	// a cache hit never leaves the initial state machine entry point
	states = nil
	_, err = e.Enumerate(context.Background(), d)
	require.NoError(t, err)
	assert.Empty(t, states)
}

func TestEnumerate_DetailsEnrichment(t *testing.T) {
	d := squareDistrict(t)
	fp := &fakeDetailsProvider{
		fakeProvider: &fakeProvider{
			nearby: func(provider.NearbyRequest) ([]provider.Hit, error) {
				return []provider.Hit{
					hit("keep", centroid),
					hit("moves-out", orb.Point{-73.985, 40.715}),
					hit("flaky", orb.Point{-73.995, 40.705}),
					hit("far", outside),
				}, nil
			},
		},
	}
	fp.details = func(id string) (*provider.Details, error) {
		switch id {
		case "keep":
			return &provider.Details{Phone: "(212) 555-0100", Website: "https://example.com", Location: centroid, HasLocation: true}, nil
		case "moves-out":
			return &provider.Details{Location: outside, HasLocation: true}, nil
		case "flaky":
			return nil, provider.Transient("fake", "details", 503, errors.New("unavailable"))
		}
		t.Errorf("details requested for %s, which failed the early check", id)
		return nil, nil
	}

	profile := testProfile()
	profile.EnrichDetails = true
	c, _ := newCache(t)
	res, err := newEnumerator(t, fp, c, profile).Enumerate(context.Background(), d)
	require.NoError(t, err)

	assert.Equal(t, []string{"flaky", "keep"}, ids(res.Records))
	for _, r := range res.Records {
		if r.ProviderID == "keep" {
			assert.Equal(t, "(212) 555-0100", r.Phone)
		}
	}
	assert.Equal(t, StatusComplete, res.Status, "details failures do not make a district partial")
	assert.Equal(t, 3, res.Counts.DetailLookups)
	assert.Equal(t, 1, res.Counts.DetailFailures)
	// each place is looked up once even though 9 cells found it; flaky is retried once
	assert.Equal(t, 4, fp.detailCalls)
	assert.Equal(t, 9, res.Counts.OutsideDetails)
}

func TestEnumerate_DetailsDisabledByProfile(t *testing.T) {
	d := squareDistrict(t)
	fp := &fakeDetailsProvider{
		fakeProvider: &fakeProvider{
			nearby: func(provider.NearbyRequest) ([]provider.Hit, error) {
				return []provider.Hit{hit("a", centroid)}, nil
			},
		},
		details: func(string) (*provider.Details, error) { return &provider.Details{}, nil },
	}
	c, _ := newCache(t)
	_, err := newEnumerator(t, fp, c, testProfile()).Enumerate(context.Background(), d)
	require.NoError(t, err)
	assert.Zero(t, fp.detailCalls)
}

func TestEnumerate_FinalPassDropsRecordsWithoutCoordinates(t *testing.T) {
	d := squareDistrict(t)
	fp := &fakeProvider{
		text: func(provider.TextRequest) ([]provider.Hit, error) {
			return []provider.Hit{{ProviderID: "nowhere", Name: "CVS", Categories: []string{"pharmacy"}}, hit("a", centroid)}, nil
		},
	}
	c, _ := newCache(t)
	res, err := newEnumerator(t, fp, c, testProfile()).Enumerate(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids(res.Records))
	assert.Equal(t, 1, res.Counts.OutsideFinal)
}

func TestEnumerate_ProfileFilter(t *testing.T) {
	d := squareDistrict(t)
	fp := &fakeProvider{
		text: func(provider.TextRequest) ([]provider.Hit, error) {
			h := hit("store", centroid)
			h.Name = "CVS"
			h.Categories = []string{"convenience_store"}
			other := hit("deli", centroid)
			other.Categories = []string{"food"}
			return []provider.Hit{h, other, hit("rx", centroid)}, nil
		},
	}
	profile := testProfile()
	profile.RequireCategories = []string{"pharmacy"}
	profile.IncludeNameKeywords = []string{"cvs"}

	c, _ := newCache(t)
	res, err := newEnumerator(t, fp, c, profile).Enumerate(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, []string{"rx", "store"}, ids(res.Records))
	assert.Equal(t, 2, res.Counts.Rejected)
}

func TestEnumerate_DistrictGridOverride(t *testing.T) {
	d := squareDistrict(t).WithGrid(2, 4)
	fp := &fakeProvider{}
	c, _ := newCache(t)
	_, err := newEnumerator(t, fp, c, testProfile()).Enumerate(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, 8, fp.nearbyCalls)
}

func TestEnumerate_DedupeIsOrderIndependent(t *testing.T) {
	d := squareDistrict(t)
	base := []provider.Hit{
		hit("a", centroid),
		hit("b", orb.Point{-73.995, 40.705}),
		hit("c", orb.Point{-73.985, 40.715}),
		hit("a", centroid),
		hit("d", outside),
		hit("b", orb.Point{-73.995, 40.705}),
	}

	var want []string
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 20; i++ {
		perm := append([]provider.Hit(nil), base...)
		rng.Shuffle(len(perm), func(i, j int) { perm[i], perm[j] = perm[j], perm[i] })

		call := 0
		fp := &fakeProvider{
			nearby: func(provider.NearbyRequest) ([]provider.Hit, error) {
				// spread the permutation over the cells
				defer func() { call++ }()
				if call < len(perm) {
					return perm[call : call+1], nil
				}
				return nil, nil
			},
		}
		c, _ := newCache(t)
		res, err := newEnumerator(t, fp, c, Profile{Name: "pharmacy", Type: "pharmacy"}).Enumerate(context.Background(), d)
		require.NoError(t, err)

		got := ids(res.Records)
		if want == nil {
			want = got
		}
		assert.Equal(t, want, got)
	}
	assert.Equal(t, []string{"a", "b", "c"}, want)
}

func TestEnumerate_DedupePrefersCopyWithCoordinates(t *testing.T) {
	d := squareDistrict(t)
	located := hit("x", centroid)
	bare := provider.Hit{ProviderID: "x", Name: "Place x", Categories: []string{"pharmacy"}}

	for name, order := range map[string][]provider.Hit{
		"located first": {located, bare},
		"bare first":    {bare, located},
	} {
		t.Run(name, func(t *testing.T) {
			call := 0
			fp := &fakeProvider{
				nearby: func(provider.NearbyRequest) ([]provider.Hit, error) {
					defer func() { call++ }()
					if call < len(order) {
						return order[call : call+1], nil
					}
					return nil, nil
				},
			}
			c, _ := newCache(t)
			res, err := newEnumerator(t, fp, c, Profile{Name: "pharmacy", Type: "pharmacy"}).Enumerate(context.Background(), d)
			require.NoError(t, err)

			require.Equal(t, []string{"x"}, ids(res.Records))
			assert.True(t, res.Records[0].HasLocation)
			assert.Len(t, res.Records[0].SourceQueries, 2)
			assert.Zero(t, res.Counts.OutsideFinal)
		})
	}
}

func TestEnumerate_PartialStatusSurvivesCacheHit(t *testing.T) {
	d := squareDistrict(t)
	cells, err := geometry.Partition(d.Bound, 3, 3, 0.5)
	require.NoError(t, err)

	fp := &fakeProvider{
		nearby: func(req provider.NearbyRequest) ([]provider.Hit, error) {
			if req.Center == cells[0].Center {
				return nil, provider.Transient("fake", "nearby", 0, context.DeadlineExceeded)
			}
			return []provider.Hit{hit("a", centroid)}, nil
		},
	}
	c, _ := newCache(t)
	e := newEnumerator(t, fp, c, testProfile())

	first, err := e.Enumerate(context.Background(), d)
	require.NoError(t, err)
	require.Equal(t, StatusPartial, first.Status)

	second, err := e.Enumerate(context.Background(), d)
	require.NoError(t, err)
	assert.True(t, second.FromCache)
	assert.Equal(t, StatusPartial, second.Status)
	require.Len(t, second.Failures, 1)
	assert.Equal(t, cells[0].Label(), second.Failures[0].Query)
}

func TestDedupe_FirstOccurrenceWins(t *testing.T) {
	recs := []places.Record{
		{ProviderID: "a", Name: "first", SourceQueries: []string{"grid:r0c0"}},
		{ProviderID: "b", Name: "b", SourceQueries: []string{"grid:r0c1"}},
		{ProviderID: "a", Name: "second", SourceQueries: []string{"text:pharmacy"}},
		{ProviderID: "a", Name: "third", SourceQueries: []string{"grid:r0c0"}},
	}
	var counts Counts
	out := dedupe(recs, &counts)

	require.Len(t, out, 2)
	assert.Equal(t, "first", out[0].Name)
	assert.Equal(t, []string{"grid:r0c0", "text:pharmacy"}, out[0].SourceQueries)
	assert.Equal(t, 2, counts.Duplicates)
}

func TestNew_InvalidConfiguration(t *testing.T) {
	c, _ := newCache(t)
	cfg := DefaultConfig()
	cfg.Rows = 0
	_, err := New(&fakeProvider{}, c, testProfile(), cfg)
	assert.ErrorIs(t, err, geometry.ErrInvalidConfiguration)

	cfg = DefaultConfig()
	cfg.Overlap = -1
	_, err = New(&fakeProvider{}, c, testProfile(), cfg)
	assert.ErrorIs(t, err, geometry.ErrInvalidConfiguration)

	for _, bad := range []float64{math.NaN(), math.Inf(1)} {
		cfg = DefaultConfig()
		cfg.Overlap = bad
		_, err = New(&fakeProvider{}, c, testProfile(), cfg)
		assert.ErrorIs(t, err, geometry.ErrInvalidConfiguration, "overlap %v", bad)

		cfg = DefaultConfig()
		cfg.TextRadiusMeters = bad
		_, err = New(&fakeProvider{}, c, testProfile(), cfg)
		assert.ErrorIs(t, err, geometry.ErrInvalidConfiguration, "text radius %v", bad)
	}

	_, err = New(&fakeProvider{}, c, Profile{Name: "empty"}, DefaultConfig())
	assert.Error(t, err)
}
