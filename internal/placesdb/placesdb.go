// Package placesdb archives enumerated places in Postgres so runs can be
// compared and queried after the cache entries expire.
package placesdb

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/EmpoweredVote/district-places/internal/db"
	"github.com/EmpoweredVote/district-places/internal/districts"
	"github.com/EmpoweredVote/district-places/internal/enumerator"
	"github.com/EmpoweredVote/district-places/internal/places"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/paulmach/orb"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const schema = "places"

var namespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("district-places"))

// Place is one archived record. The id is derived from district, kind and
// provider id, so re-archiving a district updates rows in place.
type Place struct {
	ID             uuid.UUID      `json:"id" gorm:"type:uuid;primaryKey"`
	DistrictID     string         `json:"district_id" gorm:"not null;index:idx_district_kind"`
	QueryKind      string         `json:"query_kind" gorm:"not null;index:idx_district_kind"`
	ProviderID     string         `json:"provider_id" gorm:"not null"`
	Name           string         `json:"name"`
	Address        string         `json:"address"`
	Phone          string         `json:"phone"`
	Website        string         `json:"website"`
	MapsURL        string         `json:"maps_url"`
	BusinessStatus string         `json:"business_status"`
	OpenNow        *bool          `json:"open_now"`
	Latitude       *float64       `json:"latitude"`
	Longitude      *float64       `json:"longitude"`
	Categories     pq.StringArray `json:"categories" gorm:"type:text[]"`
	Hours          pq.StringArray `json:"hours" gorm:"type:text[]"`
	SourceQueries  pq.StringArray `json:"source_queries" gorm:"type:text[]"`
	LastSeen       time.Time      `json:"last_seen" gorm:"index"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

func (Place) TableName() string { return schema + ".district_places" }

// PlaceID is the archive key for a record.
func PlaceID(districtID, kind, providerID string) uuid.UUID {
	return uuid.NewSHA1(namespace, []byte(districtID+"|"+kind+"|"+providerID))
}

// FromRecord converts r for storage.
func FromRecord(kind string, r places.Record, seenAt time.Time) Place {
	p := Place{
		ID:             PlaceID(r.DistrictID, kind, r.ProviderID),
		DistrictID:     r.DistrictID,
		QueryKind:      kind,
		ProviderID:     r.ProviderID,
		Name:           r.Name,
		Address:        r.Address,
		Phone:          r.Phone,
		Website:        r.Website,
		MapsURL:        r.GoogleMapsURL(),
		BusinessStatus: r.BusinessStatus,
		OpenNow:        r.OpenNow,
		Categories:     pq.StringArray(r.Categories),
		Hours:          pq.StringArray(r.Hours),
		SourceQueries:  pq.StringArray(r.SourceQueries),
		LastSeen:       seenAt.UTC(),
	}
	if r.HasLocation {
		lat, lon := r.Lat(), r.Lon()
		p.Latitude, p.Longitude = &lat, &lon
	}
	return p
}

// Record converts an archived row back to a place record.
func (p Place) Record() places.Record {
	r := places.Record{
		ProviderID:     p.ProviderID,
		Name:           p.Name,
		Address:        p.Address,
		Phone:          p.Phone,
		Website:        p.Website,
		MapsURL:        p.MapsURL,
		Categories:     []string(p.Categories),
		BusinessStatus: p.BusinessStatus,
		OpenNow:        p.OpenNow,
		Hours:          []string(p.Hours),
		SourceQueries:  []string(p.SourceQueries),
		DistrictID:     p.DistrictID,
	}
	if p.Latitude != nil && p.Longitude != nil {
		r.Location = orb.Point{*p.Longitude, *p.Latitude}
		r.HasLocation = true
	}
	return r
}

// Migrate creates the schema and table.
func Migrate(d *gorm.DB) error {
	if err := db.EnsureSchema(d, schema); err != nil {
		return fmt.Errorf("ensure schema %s: %w", schema, err)
	}
	if err := d.AutoMigrate(&Place{}); err != nil {
		return fmt.Errorf("migrate places: %w", err)
	}
	return nil
}

// UpsertDistrict replaces the archived records of one district and kind.
// Rows not present in records are removed.
func UpsertDistrict(ctx context.Context, d *gorm.DB, kind, districtID string, records []places.Record, seenAt time.Time) (int, error) {
	seenAt = seenAt.UTC()
	rows := make([]Place, 0, len(records))
	for _, r := range records {
		if r.DistrictID == "" {
			r.DistrictID = districtID
		}
		rows = append(rows, FromRecord(kind, r, seenAt))
	}

	var removed int64
	err := d.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(rows) > 0 {
			if err := tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "id"}},
				DoUpdates: clause.AssignmentColumns([]string{
					"name", "address", "phone", "website", "maps_url", "business_status",
					"open_now", "latitude", "longitude", "categories", "hours",
					"source_queries", "last_seen", "updated_at",
				}),
			}).CreateInBatches(&rows, 200).Error; err != nil {
				return err
			}
		}

		res := tx.Where("district_id = ? AND query_kind = ? AND last_seen < ?", districtID, kind, seenAt).
			Delete(&Place{})
		if res.Error != nil {
			return res.Error
		}
		removed = res.RowsAffected
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("archive district %s: %w", districtID, err)
	}
	if removed > 0 {
		log.Printf("[placesdb] district %s/%s: removed %d places no longer found", districtID, kind, removed)
	}
	return len(rows), nil
}

// ForDistrict returns the archived records of a district, ordered by name.
func ForDistrict(ctx context.Context, d *gorm.DB, districtID, kind string) ([]places.Record, error) {
	var rows []Place
	q := d.WithContext(ctx).Where("district_id = ?", districtID)
	if kind != "" {
		q = q.Where("query_kind = ?", kind)
	}
	if err := q.Order("name").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]places.Record, 0, len(rows))
	for _, p := range rows {
		out = append(out, p.Record())
	}
	return out, nil
}

// Sink archives each finished district.
type Sink struct {
	DB  *gorm.DB
	Now func() time.Time
}

func (s Sink) WriteDistrict(ctx context.Context, d districts.District, res *enumerator.Result) error {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	n, err := UpsertDistrict(ctx, s.DB, res.QueryKind, d.ID, res.Records, now())
	if err != nil {
		return err
	}
	log.Printf("[placesdb] district %s/%s: archived %d places", d.ID, res.QueryKind, n)
	return nil
}

// Archive serves archived records to the HTTP read side.
type Archive struct {
	DB *gorm.DB
}

func (a Archive) ForDistrict(ctx context.Context, districtID, kind string) ([]places.Record, error) {
	return ForDistrict(ctx, a.DB, districtID, kind)
}
