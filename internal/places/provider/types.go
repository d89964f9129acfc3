package provider

import (
	"strings"

	"github.com/EmpoweredVote/district-places/internal/places"
	"github.com/paulmach/orb"
)

// NearbyRequest is a circular search around Center.
type NearbyRequest struct {
	Center       orb.Point
	RadiusMeters float64
	Keyword      string
	Type         string
}

// TextRequest is a free-text search biased toward Bias.
type TextRequest struct {
	Query        string
	Bias         orb.Point
	RadiusMeters float64
}

// Hit is a validated search result in a provider-independent shape.
// Providers that return contact fields in search results fill them here.
type Hit struct {
	ProviderID     string
	Name           string
	Location       orb.Point
	HasLocation    bool
	Address        string
	Categories     []string
	BusinessStatus string
	Phone          string
	Website        string
	MapsURL        string
	OpenNow        *bool
	Hours          []string
}

// Details holds the fields returned by a place details lookup.
type Details struct {
	ProviderID     string
	Name           string
	Location       orb.Point
	HasLocation    bool
	Address        string
	Phone          string
	Website        string
	MapsURL        string
	BusinessStatus string
	Categories     []string
	OpenNow        *bool
	Hours          []string
}

// Record converts a hit into a place record for district.
func (h Hit) Record(districtID, source string) places.Record {
	r := places.Record{
		ProviderID:     h.ProviderID,
		Name:           h.Name,
		Location:       h.Location,
		HasLocation:    h.HasLocation,
		Address:        h.Address,
		Phone:          h.Phone,
		Website:        h.Website,
		MapsURL:        h.MapsURL,
		Categories:     append([]string(nil), h.Categories...),
		BusinessStatus: h.BusinessStatus,
		OpenNow:        h.OpenNow,
		Hours:          append([]string(nil), h.Hours...),
		DistrictID:     districtID,
	}
	r.AddSource(source)
	return r
}

// Apply copies the non-empty detail fields onto r. It reports whether the
// coordinates changed.
func (d Details) Apply(r *places.Record) (moved bool) {
	if d.HasLocation && (!r.HasLocation || d.Location != r.Location) {
		r.Location = d.Location
		r.HasLocation = true
		moved = true
	}
	if d.Address != "" {
		r.Address = d.Address
	}
	if d.Phone != "" {
		r.Phone = d.Phone
	}
	if d.Website != "" {
		r.Website = d.Website
	}
	if d.MapsURL != "" {
		r.MapsURL = d.MapsURL
	}
	if d.BusinessStatus != "" {
		r.BusinessStatus = d.BusinessStatus
	}
	if len(d.Categories) > 0 {
		r.Categories = append([]string(nil), d.Categories...)
	}
	if d.OpenNow != nil {
		r.OpenNow = d.OpenNow
	}
	if len(d.Hours) > 0 {
		r.Hours = append([]string(nil), d.Hours...)
	}
	return moved
}

// NormalizeHits trims the string fields of every hit and rejects the batch
// if any hit lacks an id or a name.
func NormalizeHits(providerName, op string, hits []Hit) ([]Hit, error) {
	out := make([]Hit, 0, len(hits))
	for i, h := range hits {
		h.ProviderID = strings.TrimSpace(h.ProviderID)
		h.Name = strings.TrimSpace(h.Name)
		h.Address = strings.TrimSpace(h.Address)
		h.Phone = strings.TrimSpace(h.Phone)
		h.Website = strings.TrimSpace(h.Website)
		if h.ProviderID == "" {
			return nil, Malformed(providerName, op, "result %d has no place id", i)
		}
		if h.Name == "" {
			return nil, Malformed(providerName, op, "result %d (%s) has no name", i, h.ProviderID)
		}
		out = append(out, h)
	}
	return out, nil
}
