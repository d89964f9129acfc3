// Package google implements the places provider on the Google Places web
// service (nearby search, text search and place details).
package google

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/EmpoweredVote/district-places/internal/places/provider"
	"github.com/paulmach/orb"
)

const providerName = "google"

// detailFields limits the details response to what a record needs.
var detailFields = strings.Join([]string{
	"place_id", "name", "formatted_address", "formatted_phone_number",
	"website", "url", "geometry/location", "business_status", "types",
	"opening_hours",
}, ",")

func init() {
	provider.RegisterProvider(provider.ProviderGoogle, func(cfg provider.Config) (provider.PlacesProvider, error) {
		return New(cfg), nil
	})
}

// Client wraps the Google Places API.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	pageDelay  time.Duration
	maxPages   int
}

// New creates a client from cfg. Zero values fall back to the package
// defaults in provider.
func New(cfg provider.Config) *Client {
	base := cfg.GoogleEndpoint
	if base == "" {
		base = provider.DefaultGoogleEndpoint
	}
	pages := cfg.MaxPages
	if pages < 1 {
		pages = provider.DefaultMaxPages
	}
	return &Client{
		apiKey:     cfg.GoogleKey,
		baseURL:    strings.TrimRight(base, "/"),
		httpClient: cfg.Client(),
		pageDelay:  cfg.PageTokenDelay,
		maxPages:   pages,
	}
}

func (c *Client) Name() string { return providerName }

type searchResponse struct {
	Results       []placeResult `json:"results"`
	Status        string        `json:"status"`
	ErrorMessage  string        `json:"error_message"`
	NextPageToken string        `json:"next_page_token"`
}

type detailsResponse struct {
	Result       placeResult `json:"result"`
	Status       string      `json:"status"`
	ErrorMessage string      `json:"error_message"`
}

type placeResult struct {
	PlaceID              string        `json:"place_id"`
	Name                 string        `json:"name"`
	FormattedAddress     string        `json:"formatted_address"`
	Vicinity             string        `json:"vicinity"`
	FormattedPhoneNumber string        `json:"formatted_phone_number"`
	Website              string        `json:"website"`
	URL                  string        `json:"url"`
	Geometry             *geometry     `json:"geometry"`
	BusinessStatus       string        `json:"business_status"`
	Types                []string      `json:"types"`
	OpeningHours         *openingHours `json:"opening_hours"`
}

type geometry struct {
	Location latLng `json:"location"`
}

type latLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type openingHours struct {
	OpenNow     *bool    `json:"open_now"`
	WeekdayText []string `json:"weekday_text"`
}

// NearbySearch issues place/nearbysearch and follows next_page_token.
func (c *Client) NearbySearch(ctx context.Context, req provider.NearbyRequest) ([]provider.Hit, error) {
	params := url.Values{}
	params.Set("location", formatLatLng(req.Center))
	params.Set("radius", strconv.Itoa(int(req.RadiusMeters)))
	if req.Keyword != "" {
		params.Set("keyword", req.Keyword)
	}
	if req.Type != "" {
		params.Set("type", req.Type)
	}
	return c.search(ctx, "nearbysearch", params)
}

// TextSearch issues place/textsearch biased toward req.Bias.
func (c *Client) TextSearch(ctx context.Context, req provider.TextRequest) ([]provider.Hit, error) {
	params := url.Values{}
	params.Set("query", req.Query)
	if req.Bias != (orb.Point{}) {
		params.Set("location", formatLatLng(req.Bias))
		if req.RadiusMeters > 0 {
			params.Set("radius", strconv.Itoa(int(req.RadiusMeters)))
		}
	}
	return c.search(ctx, "textsearch", params)
}

// search fetches up to maxPages pages. A failure on a later page keeps the
// hits collected so far unless it is fatal.
func (c *Client) search(ctx context.Context, op string, params url.Values) ([]provider.Hit, error) {
	start := time.Now()
	var raw []placeResult

	token := ""
	for page := 1; page <= c.maxPages; page++ {
		q := params
		if token != "" {
			if err := sleep(ctx, c.pageDelay); err != nil {
				return nil, err
			}
			q = url.Values{"pagetoken": {token}}
		}

		var resp searchResponse
		err := c.get(ctx, op, page, q, &resp)
		if err == nil {
			err = statusError(op, resp.Status, resp.ErrorMessage, token != "")
		}
		if err != nil {
			if page == 1 || provider.IsFatal(err) || ctx.Err() != nil {
				return nil, err
			}
			provider.LogPageFailure(providerName, op, page, len(raw), err)
			break
		}

		raw = append(raw, resp.Results...)
		token = resp.NextPageToken
		if token == "" {
			break
		}
	}

	hits := make([]provider.Hit, 0, len(raw))
	for _, r := range raw {
		hits = append(hits, r.hit())
	}
	out, err := provider.NormalizeHits(providerName, op, hits)
	if err != nil {
		return nil, err
	}
	provider.LogNormalized(providerName, op, len(raw), len(out), time.Since(start))
	return out, nil
}

// Details issues place/details for one place id.
func (c *Client) Details(ctx context.Context, placeID string) (*provider.Details, error) {
	params := url.Values{}
	params.Set("place_id", placeID)
	params.Set("fields", detailFields)

	var resp detailsResponse
	if err := c.get(ctx, "details", 0, params, &resp); err != nil {
		return nil, err
	}
	if err := statusError("details", resp.Status, resp.ErrorMessage, false); err != nil {
		return nil, err
	}

	r := resp.Result
	if r.PlaceID == "" {
		r.PlaceID = placeID
	}
	h := r.hit()
	return &provider.Details{
		ProviderID:     h.ProviderID,
		Name:           h.Name,
		Location:       h.Location,
		HasLocation:    h.HasLocation,
		Address:        r.FormattedAddress,
		Phone:          r.FormattedPhoneNumber,
		Website:        r.Website,
		MapsURL:        r.URL,
		BusinessStatus: r.BusinessStatus,
		Categories:     r.Types,
		OpenNow:        h.OpenNow,
		Hours:          h.Hours,
	}, nil
}

func (r placeResult) hit() provider.Hit {
	h := provider.Hit{
		ProviderID:     r.PlaceID,
		Name:           r.Name,
		Address:        r.FormattedAddress,
		Categories:     r.Types,
		BusinessStatus: r.BusinessStatus,
		Phone:          r.FormattedPhoneNumber,
		Website:        r.Website,
		MapsURL:        r.URL,
	}
	if h.Address == "" {
		h.Address = r.Vicinity
	}
	if r.Geometry != nil {
		h.Location = orb.Point{r.Geometry.Location.Lng, r.Geometry.Location.Lat}
		h.HasLocation = true
	}
	if r.OpeningHours != nil {
		h.OpenNow = r.OpeningHours.OpenNow
		h.Hours = r.OpeningHours.WeekdayText
	}
	return h
}

func (c *Client) get(ctx context.Context, op string, page int, params url.Values, out any) error {
	endpoint := fmt.Sprintf("%s/%s/json", c.baseURL, op)
	provider.LogQuery(providerName, op, page, logParams(params))

	q := url.Values{}
	for k, v := range params {
		q[k] = v
	}
	q.Set("key", c.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return provider.Transient(providerName, op, 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return provider.FromHTTPStatus(providerName, op, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &provider.Error{Kind: provider.KindResponse, Provider: providerName, Op: op,
			StatusCode: resp.StatusCode, Err: fmt.Errorf("decoding response: %w", err)}
	}
	provider.LogResult(providerName, op, page, resp.StatusCode, time.Since(start), resultCount(out))
	return nil
}

// statusError maps the API status field onto the provider error kinds.
// INVALID_REQUEST on a page-token request means the token is not active yet.
func statusError(op, status, message string, pageToken bool) error {
	var err error
	if message != "" {
		err = errors.New(status + ": " + message)
	} else {
		err = errors.New(status)
	}

	switch status {
	case "OK", "ZERO_RESULTS":
		return nil
	case "REQUEST_DENIED", "OVER_QUERY_LIMIT", "OVER_DAILY_LIMIT":
		return provider.Fatal(providerName, op, 0, err)
	case "UNKNOWN_ERROR":
		return provider.Transient(providerName, op, 0, err)
	case "INVALID_REQUEST":
		if pageToken {
			return provider.Transient(providerName, op, 0, err)
		}
		return &provider.Error{Kind: provider.KindResponse, Provider: providerName, Op: op, Err: err}
	case "NOT_FOUND":
		return &provider.Error{Kind: provider.KindResponse, Provider: providerName, Op: op, Err: err}
	}
	return provider.Malformed(providerName, op, "unexpected status %q", status)
}

func resultCount(out any) int {
	switch v := out.(type) {
	case *searchResponse:
		return len(v.Results)
	case *detailsResponse:
		return 1
	}
	return 0
}

func logParams(v url.Values) map[string]interface{} {
	m := make(map[string]interface{}, len(v))
	for k := range v {
		if k == "pagetoken" {
			m[k] = "..."
			continue
		}
		m[k] = v.Get(k)
	}
	return m
}

func formatLatLng(p orb.Point) string {
	return strconv.FormatFloat(p.Lat(), 'f', 7, 64) + "," + strconv.FormatFloat(p.Lon(), 'f', 7, 64)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
