// Package places defines the place record produced by district enumeration
// and consumed by the cache and the exporters.
package places

import (
	"fmt"

	"github.com/paulmach/orb"
)

// Record is one point of interest found inside a district. ProviderID is the
// only deduplication key.
type Record struct {
	ProviderID     string    `json:"provider_id"`
	Name           string    `json:"name"`
	Location       orb.Point `json:"location"`
	HasLocation    bool      `json:"has_location"`
	Address        string    `json:"address,omitempty"`
	Phone          string    `json:"phone,omitempty"`
	Website        string    `json:"website,omitempty"`
	MapsURL        string    `json:"maps_url,omitempty"`
	Categories     []string  `json:"categories,omitempty"`
	BusinessStatus string    `json:"business_status,omitempty"`
	OpenNow        *bool     `json:"open_now,omitempty"`
	Hours          []string  `json:"hours,omitempty"`
	SourceQueries  []string  `json:"source_queries"`
	DistrictID     string    `json:"district_id"`
}

func (r Record) Lat() float64 { return r.Location.Lat() }
func (r Record) Lon() float64 { return r.Location.Lon() }

// AddSource records that query found this place. Repeats are ignored.
func (r *Record) AddSource(query string) {
	for _, q := range r.SourceQueries {
		if q == query {
			return
		}
	}
	r.SourceQueries = append(r.SourceQueries, query)
}

// GoogleMapsURL returns the record's maps link, building one from the
// provider id when the provider did not return it.
func (r Record) GoogleMapsURL() string {
	if r.MapsURL != "" {
		return r.MapsURL
	}
	if r.ProviderID == "" {
		return ""
	}
	return fmt.Sprintf("https://www.google.com/maps/place/?q=place_id:%s", r.ProviderID)
}

// Clone returns a deep copy so callers can modify slices safely.
func (r Record) Clone() Record {
	out := r
	out.Categories = append([]string(nil), r.Categories...)
	out.Hours = append([]string(nil), r.Hours...)
	out.SourceQueries = append([]string(nil), r.SourceQueries...)
	if r.OpenNow != nil {
		v := *r.OpenNow
		out.OpenNow = &v
	}
	return out
}
