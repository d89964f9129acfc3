package provider

import (
	"context"
	"errors"
	"time"

	"github.com/EmpoweredVote/district-places/internal/metrics"
	"golang.org/x/time/rate"
)

// limited spaces out calls to the wrapped provider and records each call.
type limited struct {
	next    PlacesProvider
	limiter *rate.Limiter
}

// limitedDetails is used when the wrapped provider also serves details.
type limitedDetails struct {
	limited
	details DetailsProvider
}

// RateLimited wraps p so that search and details calls together stay under
// rps requests per second. A non-positive rps disables the limit. The result
// implements DetailsProvider exactly when p does.
func RateLimited(p PlacesProvider, rps float64) PlacesProvider {
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	l := limited{next: p, limiter: rate.NewLimiter(limit, 1)}
	if d, ok := p.(DetailsProvider); ok {
		return &limitedDetails{limited: l, details: d}
	}
	return &l
}

func (l *limited) Name() string { return l.next.Name() }

func (l *limited) NearbySearch(ctx context.Context, req NearbyRequest) ([]Hit, error) {
	return observe(ctx, l, "nearby", func(ctx context.Context) ([]Hit, error) {
		return l.next.NearbySearch(ctx, req)
	})
}

func (l *limited) TextSearch(ctx context.Context, req TextRequest) ([]Hit, error) {
	return observe(ctx, l, "text", func(ctx context.Context) ([]Hit, error) {
		return l.next.TextSearch(ctx, req)
	})
}

func (l *limitedDetails) Details(ctx context.Context, providerID string) (*Details, error) {
	return observe(ctx, &l.limited, "details", func(ctx context.Context) (*Details, error) {
		return l.details.Details(ctx, providerID)
	})
}

func observe[T any](ctx context.Context, l *limited, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := l.limiter.Wait(ctx); err != nil {
		return zero, err
	}

	start := time.Now()
	out, err := fn(ctx)
	metrics.ObserveProviderCall(l.next.Name(), op, outcome(err), time.Since(start))
	return out, err
}

func outcome(err error) string {
	var pe *Error
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &pe):
		return pe.Kind.String()
	}
	return "error"
}
