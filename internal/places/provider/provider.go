package provider

import (
	"context"
	"errors"
	"fmt"
)

// Common errors
var (
	ErrMissingGoogleKey = errors.New("GOOGLE_PLACES_API_KEY environment variable is required for google provider")
	ErrMissingSerperKey = errors.New("SERPER_API_KEY environment variable is required for serper provider")
	ErrUnknownProvider  = errors.New("unknown provider type")
)

// PlacesProvider is the interface that all places-search providers must implement.
// It abstracts the differences between Google Places, Serper and any future providers.
type PlacesProvider interface {
	// Name returns the provider name for logging purposes.
	Name() string

	// NearbySearch returns places within a circle, optionally narrowed by a
	// keyword and a provider place type. Pagination is handled inside.
	NearbySearch(ctx context.Context, req NearbyRequest) ([]Hit, error)

	// TextSearch runs a free-text query biased toward a location.
	TextSearch(ctx context.Context, req TextRequest) ([]Hit, error)
}

// DetailsProvider is implemented by providers that can enrich a single place
// with phone, website, hours and refined coordinates.
type DetailsProvider interface {
	Details(ctx context.Context, providerID string) (*Details, error)
}

// providerRegistry holds registered provider constructors.
// This allows new providers to be registered without modifying this file.
var providerRegistry = make(map[ProviderType]func(Config) (PlacesProvider, error))

// RegisterProvider registers a provider constructor for a given provider type.
// This should be called from init() in each provider package.
func RegisterProvider(providerType ProviderType, constructor func(Config) (PlacesProvider, error)) {
	providerRegistry[providerType] = constructor
}

// NewProvider creates a PlacesProvider based on the configuration and wraps
// it with the configured rate limit.
// It returns an error if the configuration is invalid or the provider is unknown.
func NewProvider(cfg Config) (PlacesProvider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	constructor, ok := providerRegistry[cfg.Provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, cfg.Provider)
	}

	p, err := constructor(cfg)
	if err != nil {
		return nil, err
	}
	return RateLimited(p, cfg.RequestsPerSecond), nil
}

// SupportsDetails reports whether p can look up place details.
func SupportsDetails(p PlacesProvider) (DetailsProvider, bool) {
	d, ok := p.(DetailsProvider)
	return d, ok
}
