package provider

import (
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

// ProviderType identifies which places provider to use.
type ProviderType string

const (
	ProviderGoogle ProviderType = "google"
	ProviderSerper ProviderType = "serper"
)

const (
	DefaultGoogleEndpoint    = "https://maps.googleapis.com/maps/api/place"
	DefaultSerperEndpoint    = "https://google.serper.dev"
	DefaultTimeout           = 10 * time.Second
	DefaultRequestsPerSecond = 1.0
	DefaultPageTokenDelay    = 2 * time.Second
	DefaultMaxPages          = 3
)

// Config holds configuration for the places provider.
type Config struct {
	// Provider type: "google" or "serper"
	Provider ProviderType

	// Google Places web service
	GoogleKey      string
	GoogleEndpoint string

	// Serper.dev maps search
	SerperKey      string
	SerperEndpoint string

	Timeout           time.Duration
	RequestsPerSecond float64

	// Google only issues a next_page_token that works after a short delay.
	PageTokenDelay time.Duration
	MaxPages       int

	// HTTPClient overrides the client built from Timeout.
	HTTPClient *http.Client
}

// LoadFromEnv loads provider configuration from environment variables.
//
// Environment variables:
//   - PLACES_PROVIDER: "google" or "serper" (default: "google")
//   - GOOGLE_PLACES_API_KEY: API key for Google Places (required if using google)
//   - GOOGLE_PLACES_ENDPOINT: base URL (default: https://maps.googleapis.com/maps/api/place)
//   - SERPER_API_KEY: API key for Serper (required if using serper)
//   - SERPER_ENDPOINT: base URL (default: https://google.serper.dev)
//   - REQUEST_TIMEOUT: seconds per HTTP request (default: 10)
//   - MAX_REQUESTS_PER_SECOND: provider call rate (default: 1)
//   - PAGE_TOKEN_DELAY_MS: wait before following a page token (default: 2000)
//   - MAX_PAGES: pages followed per search (default: 3)
func LoadFromEnv() Config {
	var provider ProviderType
	switch strings.ToLower(strings.TrimSpace(os.Getenv("PLACES_PROVIDER"))) {
	case "serper":
		provider = ProviderSerper
	default:
		provider = ProviderGoogle
	}

	return Config{
		Provider:          provider,
		GoogleKey:         os.Getenv("GOOGLE_PLACES_API_KEY"),
		GoogleEndpoint:    envOr("GOOGLE_PLACES_ENDPOINT", DefaultGoogleEndpoint),
		SerperKey:         os.Getenv("SERPER_API_KEY"),
		SerperEndpoint:    envOr("SERPER_ENDPOINT", DefaultSerperEndpoint),
		Timeout:           time.Duration(envFloat("REQUEST_TIMEOUT", DefaultTimeout.Seconds()) * float64(time.Second)),
		RequestsPerSecond: envFloat("MAX_REQUESTS_PER_SECOND", DefaultRequestsPerSecond),
		PageTokenDelay:    time.Duration(envFloat("PAGE_TOKEN_DELAY_MS", float64(DefaultPageTokenDelay.Milliseconds()))) * time.Millisecond,
		MaxPages:          int(envFloat("MAX_PAGES", DefaultMaxPages)),
	}
}

// Validate checks that the configuration is valid for the selected provider.
func (c Config) Validate() error {
	switch c.Provider {
	case ProviderGoogle:
		if c.GoogleKey == "" {
			return ErrMissingGoogleKey
		}
	case ProviderSerper:
		if c.SerperKey == "" {
			return ErrMissingSerperKey
		}
	}
	return nil
}

// Client returns the HTTP client providers should use.
func (c Config) Client() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{Timeout: timeout}
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return strings.TrimRight(v, "/")
	}
	return def
}

func envFloat(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 {
		return def
	}
	return f
}
