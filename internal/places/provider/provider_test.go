package provider

import (
	"bytes"
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProvider struct {
	calls int
}

func (s *stubProvider) Name() string { return "stub" }

func (s *stubProvider) NearbySearch(ctx context.Context, req NearbyRequest) ([]Hit, error) {
	s.calls++
	return []Hit{{ProviderID: "a", Name: "A"}}, nil
}

func (s *stubProvider) TextSearch(ctx context.Context, req TextRequest) ([]Hit, error) {
	s.calls++
	return nil, Transient("stub", "text", 503, errors.New("unavailable"))
}

type stubDetailsProvider struct {
	stubProvider
}

func (s *stubDetailsProvider) Details(ctx context.Context, id string) (*Details, error) {
	s.calls++
	return &Details{ProviderID: id, Phone: "212-555-0100"}, nil
}

func TestError_KindMatching(t *testing.T) {
	err := error(Fatal("google", "nearby", 403, errors.New("REQUEST_DENIED")))
	assert.ErrorIs(t, err, ErrFatal)
	assert.NotErrorIs(t, err, ErrTransient)
	assert.True(t, IsFatal(err))
	assert.Contains(t, err.Error(), "HTTP 403")

	wrapped := errors.Join(errors.New("district 4"), Transient("google", "text", 0, context.DeadlineExceeded))
	assert.True(t, IsTransient(wrapped))
	assert.ErrorIs(t, wrapped, context.DeadlineExceeded)

	assert.ErrorIs(t, Malformed("serper", "maps", "missing %s", "title"), ErrResponse)
}

func TestFromHTTPStatus(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusUnauthorized, ErrFatal},
		{http.StatusForbidden, ErrFatal},
		{http.StatusTooManyRequests, ErrTransient},
		{http.StatusBadGateway, ErrTransient},
		{http.StatusBadRequest, ErrResponse},
	}
	for _, tt := range tests {
		assert.ErrorIs(t, FromHTTPStatus("google", "nearby", tt.status, ""), tt.want, "status %d", tt.status)
	}
}

func fastPolicy(attempts int) RetryPolicy {
	return RetryPolicy{Attempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func TestRetry_TransientThenSuccess(t *testing.T) {
	calls := 0
	out, err := Retry(context.Background(), fastPolicy(3), "nearby", func(ctx context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, Transient("stub", "nearby", 500, errors.New("boom"))
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, out)
	assert.Equal(t, 3, calls)
}

func TestRetry_GivesUpAfterAttempts(t *testing.T) {
	calls := 0
	_, err := Retry(context.Background(), fastPolicy(3), "nearby", func(ctx context.Context) (int, error) {
		calls++
		return 0, Transient("stub", "nearby", 0, context.DeadlineExceeded)
	})
	assert.ErrorIs(t, err, ErrTransient)
	assert.Equal(t, 3, calls)
}

func TestRetry_FatalNotRetried(t *testing.T) {
	calls := 0
	_, err := Retry(context.Background(), fastPolicy(5), "nearby", func(ctx context.Context) (int, error) {
		calls++
		return 0, Fatal("stub", "nearby", 401, errors.New("bad key"))
	})
	assert.ErrorIs(t, err, ErrFatal)
	assert.Equal(t, 1, calls)
}

func TestRetry_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := Retry(ctx, RetryPolicy{Attempts: 5, BaseDelay: time.Hour}, "nearby", func(ctx context.Context) (int, error) {
		calls++
		cancel()
		return 0, Transient("stub", "nearby", 500, errors.New("boom"))
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestRetryPolicy_DelayCapped(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.Equal(t, time.Second, p.delay(1))
	assert.Equal(t, 2*time.Second, p.delay(2))
	assert.Equal(t, 8*time.Second, p.delay(10))
}

func TestRateLimited_PreservesDetails(t *testing.T) {
	plain := RateLimited(&stubProvider{}, 0)
	_, ok := SupportsDetails(plain)
	assert.False(t, ok)

	inner := &stubDetailsProvider{}
	wrapped := RateLimited(inner, 0)
	d, ok := SupportsDetails(wrapped)
	require.True(t, ok)

	det, err := d.Details(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, "212-555-0100", det.Phone)

	_, err = wrapped.NearbySearch(context.Background(), NearbyRequest{})
	require.NoError(t, err)
	_, err = wrapped.TextSearch(context.Background(), TextRequest{})
	assert.ErrorIs(t, err, ErrTransient)
	assert.Equal(t, 3, inner.calls)
	assert.Equal(t, "stub", wrapped.Name())
}

func TestRateLimited_SpacesCalls(t *testing.T) {
	p := RateLimited(&stubProvider{}, 50)
	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := p.NearbySearch(context.Background(), NearbyRequest{})
		require.NoError(t, err)
	}
	// burst of 1: the second and third call each wait ~20ms
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestNormalizeHits(t *testing.T) {
	hits, err := NormalizeHits("google", "nearby", []Hit{{ProviderID: " p1 ", Name: " CVS Pharmacy "}})
	require.NoError(t, err)
	assert.Equal(t, "p1", hits[0].ProviderID)
	assert.Equal(t, "CVS Pharmacy", hits[0].Name)

	_, err = NormalizeHits("google", "nearby", []Hit{{ProviderID: "p1", Name: "A"}, {Name: "B"}})
	assert.ErrorIs(t, err, ErrResponse)

	_, err = NormalizeHits("google", "nearby", []Hit{{ProviderID: "p1"}})
	assert.ErrorIs(t, err, ErrResponse)
}

func TestHitRecordAndDetailsApply(t *testing.T) {
	h := Hit{ProviderID: "p1", Name: "Duane Reade", Location: orb.Point{-73.99, 40.74}, HasLocation: true, Categories: []string{"pharmacy"}}
	r := h.Record("3", "grid:r0c0")
	assert.Equal(t, []string{"grid:r0c0"}, r.SourceQueries)
	assert.Equal(t, "3", r.DistrictID)

	open := true
	moved := Details{Phone: "212", Hours: []string{"Monday: 8AM-10PM"}, OpenNow: &open, Location: orb.Point{-73.99, 40.74}, HasLocation: true}.Apply(&r)
	assert.False(t, moved)
	assert.Equal(t, "212", r.Phone)
	assert.True(t, *r.OpenNow)

	moved = Details{Location: orb.Point{-73.98, 40.75}, HasLocation: true}.Apply(&r)
	assert.True(t, moved)
	assert.Equal(t, orb.Point{-73.98, 40.75}, r.Location)
	assert.Equal(t, "212", r.Phone)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PLACES_PROVIDER", " Serper ")
	t.Setenv("SERPER_API_KEY", "k")
	t.Setenv("SERPER_ENDPOINT", "http://localhost:9999/")
	t.Setenv("REQUEST_TIMEOUT", "2.5")
	t.Setenv("MAX_REQUESTS_PER_SECOND", "bogus")
	t.Setenv("PAGE_TOKEN_DELAY_MS", "")
	t.Setenv("MAX_PAGES", "1")

	cfg := LoadFromEnv()
	assert.Equal(t, ProviderSerper, cfg.Provider)
	assert.Equal(t, "http://localhost:9999", cfg.SerperEndpoint)
	assert.Equal(t, DefaultGoogleEndpoint, cfg.GoogleEndpoint)
	assert.Equal(t, 2500*time.Millisecond, cfg.Timeout)
	assert.Equal(t, DefaultRequestsPerSecond, cfg.RequestsPerSecond)
	assert.Equal(t, DefaultPageTokenDelay, cfg.PageTokenDelay)
	assert.Equal(t, 1, cfg.MaxPages)
	assert.NoError(t, cfg.Validate())
}

func TestNewProvider(t *testing.T) {
	_, err := NewProvider(Config{Provider: ProviderGoogle})
	assert.ErrorIs(t, err, ErrMissingGoogleKey)

	_, err = NewProvider(Config{Provider: "carrier-pigeon"})
	assert.ErrorIs(t, err, ErrUnknownProvider)

	RegisterProvider("stub", func(Config) (PlacesProvider, error) { return &stubDetailsProvider{}, nil })
	p, err := NewProvider(Config{Provider: "stub"})
	require.NoError(t, err)
	_, ok := SupportsDetails(p)
	assert.True(t, ok)
}

func TestLogQuery_SortedParamsAndPage(t *testing.T) {
	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)

	LogQuery("google", "nearbysearch", 2, map[string]interface{}{"type": "pharmacy", "location": "40.7,-73.9"})
	LogQuery("google", "details", 0, nil)
	LogPageFailure("serper", "text", 3, 20, errors.New("boom"))

	out := buf.String()
	assert.Contains(t, out, "[google] nearbysearch page=2 location=40.7,-73.9 type=pharmacy")
	assert.Contains(t, out, "[google] details\n")
	assert.Contains(t, out, "[serper] text page 3 failed, keeping 20 places: boom")
}
