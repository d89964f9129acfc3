// Package serper implements the places provider on the Serper.dev maps
// search API. Serper returns contact fields in search results and has no
// details endpoint.
package serper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/EmpoweredVote/district-places/internal/places/provider"
	"github.com/paulmach/orb"
)

const (
	providerName = "serper"
	pageSize     = 20
)

var weekdays = []string{"Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday", "Sunday"}

func init() {
	provider.RegisterProvider(provider.ProviderSerper, func(cfg provider.Config) (provider.PlacesProvider, error) {
		return New(cfg), nil
	})
}

// Client wraps the Serper maps endpoint.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	maxPages   int
}

func New(cfg provider.Config) *Client {
	base := cfg.SerperEndpoint
	if base == "" {
		base = provider.DefaultSerperEndpoint
	}
	pages := cfg.MaxPages
	if pages < 1 {
		pages = provider.DefaultMaxPages
	}
	return &Client{
		apiKey:     cfg.SerperKey,
		baseURL:    strings.TrimRight(base, "/"),
		httpClient: cfg.Client(),
		maxPages:   pages,
	}
}

func (c *Client) Name() string { return providerName }

type mapsRequest struct {
	Q    string `json:"q"`
	LL   string `json:"ll,omitempty"`
	GL   string `json:"gl"`
	HL   string `json:"hl"`
	Page int    `json:"page,omitempty"`
}

type mapsResponse struct {
	Places  []place `json:"places"`
	Message string  `json:"message"`
}

type place struct {
	Title        string            `json:"title"`
	Address      string            `json:"address"`
	Latitude     *float64          `json:"latitude"`
	Longitude    *float64          `json:"longitude"`
	PhoneNumber  string            `json:"phoneNumber"`
	Website      string            `json:"website"`
	Type         string            `json:"type"`
	Types        []string          `json:"types"`
	OpeningHours map[string]string `json:"openingHours"`
	CID          string            `json:"cid"`
	PlaceID      string            `json:"placeId"`
}

// NearbySearch searches for the keyword (or the place type) in the map
// viewport centered on req.Center.
func (c *Client) NearbySearch(ctx context.Context, req provider.NearbyRequest) ([]provider.Hit, error) {
	q := req.Keyword
	if q == "" {
		q = strings.ReplaceAll(req.Type, "_", " ")
	}
	if q == "" {
		return nil, provider.Malformed(providerName, "nearby", "nearby search needs a keyword or type")
	}
	return c.search(ctx, "nearby", mapsRequest{Q: q, LL: viewport(req.Center, req.RadiusMeters)})
}

// TextSearch runs a free-text maps query, centered on req.Bias when set.
func (c *Client) TextSearch(ctx context.Context, req provider.TextRequest) ([]provider.Hit, error) {
	body := mapsRequest{Q: req.Query}
	if req.Bias != (orb.Point{}) {
		radius := req.RadiusMeters
		if radius <= 0 {
			radius = 2000
		}
		body.LL = viewport(req.Bias, radius)
	}
	return c.search(ctx, "text", body)
}

func (c *Client) search(ctx context.Context, op string, body mapsRequest) ([]provider.Hit, error) {
	body.GL = "us"
	body.HL = "en"

	start := time.Now()
	var raw []place
	for page := 1; page <= c.maxPages; page++ {
		if page > 1 {
			body.Page = page
		}
		resp, err := c.post(ctx, op, body)
		if err != nil {
			if page == 1 || provider.IsFatal(err) || ctx.Err() != nil {
				return nil, err
			}
			provider.LogPageFailure(providerName, op, page, len(raw), err)
			break
		}
		raw = append(raw, resp.Places...)
		if len(resp.Places) < pageSize {
			break
		}
	}

	hits := make([]provider.Hit, 0, len(raw))
	for _, p := range raw {
		hits = append(hits, p.hit())
	}
	out, err := provider.NormalizeHits(providerName, op, hits)
	if err != nil {
		return nil, err
	}
	provider.LogNormalized(providerName, op, len(raw), len(out), time.Since(start))
	return out, nil
}

func (p place) hit() provider.Hit {
	id := p.PlaceID
	if id == "" && p.CID != "" {
		id = "cid:" + p.CID
	}

	h := provider.Hit{
		ProviderID: id,
		Name:       p.Title,
		Address:    p.Address,
		Phone:      p.PhoneNumber,
		Website:    p.Website,
		Categories: p.Types,
		Hours:      formatHours(p.OpeningHours),
	}
	if len(h.Categories) == 0 && p.Type != "" {
		h.Categories = []string{p.Type}
	}
	if p.CID != "" {
		h.MapsURL = "https://maps.google.com/?cid=" + p.CID
	}
	if p.Latitude != nil && p.Longitude != nil {
		h.Location = orb.Point{*p.Longitude, *p.Latitude}
		h.HasLocation = true
	}
	return h
}

func (c *Client) post(ctx context.Context, op string, body mapsRequest) (*mapsResponse, error) {
	endpoint := c.baseURL + "/maps"
	provider.LogQuery(providerName, op, max(body.Page, 1), map[string]interface{}{
		"q": body.Q, "ll": body.LL,
	})

	buf, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("X-API-KEY", c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, provider.Transient(providerName, op, 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		msg := strings.TrimSpace(string(raw))
		// Serper answers an exhausted account with 400 "Not enough credits".
		if strings.Contains(strings.ToLower(msg), "credits") {
			return nil, provider.Fatal(providerName, op, resp.StatusCode, fmt.Errorf("%s", msg))
		}
		return nil, provider.FromHTTPStatus(providerName, op, resp.StatusCode, msg)
	}

	var out mapsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, provider.Malformed(providerName, op, "decoding response: %v", err)
	}
	provider.LogResult(providerName, op, max(body.Page, 1), resp.StatusCode, time.Since(start), len(out.Places))
	return &out, nil
}

// viewport renders the "@lat,lon,Nz" map position Serper expects. The zoom
// is chosen so the visible map spans roughly the search circle.
func viewport(center orb.Point, radius float64) string {
	zoom := 12
	switch {
	case radius <= 500:
		zoom = 16
	case radius <= 1000:
		zoom = 15
	case radius <= 2000:
		zoom = 14
	case radius <= 4000:
		zoom = 13
	}
	return fmt.Sprintf("@%.7f,%.7f,%dz", center.Lat(), center.Lon(), zoom)
}

func formatHours(m map[string]string) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for _, day := range weekdays {
		if v, ok := m[day]; ok {
			out = append(out, day+": "+v)
		}
	}
	return out
}
