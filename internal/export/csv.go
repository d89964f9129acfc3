// Package export writes enumerated places as CSV tables and KMZ map
// overlays, and consolidates per-district CSV files into one table.
package export

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/EmpoweredVote/district-places/internal/districts"
	"github.com/EmpoweredVote/district-places/internal/enumerator"
	"github.com/EmpoweredVote/district-places/internal/places"
	"github.com/paulmach/orb"
	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

// Columns is the fixed CSV header.
var Columns = []string{
	"district_num", "district_name", "name", "address", "phone", "website",
	"google_maps_url", "business_status", "is_open_now", "hours",
	"latitude", "longitude", "place_id", "types", "source_queries",
}

var ErrMissingColumn = errors.New("csv is missing a required column")

// Row is one CSV line.
type Row struct {
	DistrictNum    string
	DistrictName   string
	Name           string
	Address        string
	Phone          string
	Website        string
	MapsURL        string
	BusinessStatus string
	IsOpenNow      string
	Hours          string
	Latitude       string
	Longitude      string
	PlaceID        string
	Types          string
	SourceQueries  string
}

// FromRecord flattens r for district d.
func FromRecord(d districts.District, r places.Record) Row {
	row := Row{
		DistrictNum:    d.ID,
		DistrictName:   d.Name,
		Name:           r.Name,
		Address:        r.Address,
		Phone:          r.Phone,
		Website:        r.Website,
		MapsURL:        r.GoogleMapsURL(),
		BusinessStatus: r.BusinessStatus,
		Hours:          strings.Join(r.Hours, " | "),
		PlaceID:        r.ProviderID,
		Types:          strings.Join(r.Categories, ", "),
		SourceQueries:  strings.Join(r.SourceQueries, " | "),
	}
	if r.OpenNow != nil {
		row.IsOpenNow = "False"
		if *r.OpenNow {
			row.IsOpenNow = "True"
		}
	}
	if r.HasLocation {
		row.Latitude = strconv.FormatFloat(r.Lat(), 'f', 7, 64)
		row.Longitude = strconv.FormatFloat(r.Lon(), 'f', 7, 64)
	}
	return row
}

// Coordinates parses the latitude and longitude columns.
func (r Row) Coordinates() (lat, lon float64, ok bool) {
	lat, err1 := strconv.ParseFloat(r.Latitude, 64)
	lon, err2 := strconv.ParseFloat(r.Longitude, 64)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return lat, lon, true
}

// Record rebuilds the place record a row was written from. Columns that
// do not round-trip, like the district name, are dropped.
func (r Row) Record() places.Record {
	rec := places.Record{
		ProviderID:     r.PlaceID,
		Name:           r.Name,
		Address:        r.Address,
		Phone:          r.Phone,
		Website:        r.Website,
		MapsURL:        r.MapsURL,
		BusinessStatus: r.BusinessStatus,
		Hours:          splitList(r.Hours, "|"),
		Categories:     splitList(r.Types, ","),
		SourceQueries:  splitList(r.SourceQueries, "|"),
		DistrictID:     r.DistrictNum,
	}
	switch strings.ToLower(r.IsOpenNow) {
	case "true":
		open := true
		rec.OpenNow = &open
	case "false":
		open := false
		rec.OpenNow = &open
	}
	if lat, lon, ok := r.Coordinates(); ok {
		rec.Location = orb.Point{lon, lat}
		rec.HasLocation = true
	}
	return rec
}

func splitList(s, sep string) []string {
	var out []string
	for _, v := range strings.Split(s, sep) {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// RecordsByDistrict groups rows by their district number.
func RecordsByDistrict(rows []Row) map[string][]places.Record {
	out := map[string][]places.Record{}
	for _, r := range rows {
		out[r.DistrictNum] = append(out[r.DistrictNum], r.Record())
	}
	return out
}

func (r Row) values() []string {
	return []string{
		r.DistrictNum, r.DistrictName, r.Name, r.Address, r.Phone, r.Website,
		r.MapsURL, r.BusinessStatus, r.IsOpenNow, r.Hours,
		r.Latitude, r.Longitude, r.PlaceID, r.Types, r.SourceQueries,
	}
}

// filled counts non-empty columns; Consolidate keeps the fuller duplicate.
func (r Row) filled() int {
	n := 0
	for _, v := range r.values() {
		if v != "" {
			n++
		}
	}
	return n
}

func newCollator() *collate.Collator {
	return collate.New(language.English, collate.IgnoreCase)
}

// SortByName orders rows by name, case-insensitively.
func SortByName(rows []Row) {
	c := newCollator()
	sort.SliceStable(rows, func(i, j int) bool {
		return c.CompareString(rows[i].Name, rows[j].Name) < 0
	})
}

// SortByDistrict orders rows by district number, then by name.
func SortByDistrict(rows []Row) {
	c := newCollator()
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].DistrictNum != rows[j].DistrictNum {
			return districts.LessID(rows[i].DistrictNum, rows[j].DistrictNum)
		}
		return c.CompareString(rows[i].Name, rows[j].Name) < 0
	})
}

// WriteCSV writes the header and rows.
func WriteCSV(w io.Writer, rows []Row) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Columns); err != nil {
		return err
	}
	for _, r := range rows {
		if err := cw.Write(r.values()); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// DistrictFileName is the per-district CSV name.
func DistrictFileName(districtID, kind string) string {
	return fmt.Sprintf("district_%s_%s.csv", districtID, kind)
}

// WriteDistrictCSV writes the records of one district, sorted by name, to
// dir. A district without records still gets a file holding only the
// header so it reads as processed.
func WriteDistrictCSV(dir string, d districts.District, kind string, records []places.Record) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	rows := make([]Row, 0, len(records))
	for _, r := range records {
		rows = append(rows, FromRecord(d, r))
	}
	SortByName(rows)

	path := filepath.Join(dir, DistrictFileName(d.ID, kind))
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	if err := WriteCSV(f, rows); err != nil {
		f.Close()
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return path, f.Close()
}

// ReadCSV reads rows by header name. Unknown columns are ignored and missing
// optional columns read as empty; name and place_id are required.
func ReadCSV(r io.Reader) ([]Row, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	idx := map[string]int{}
	for i, h := range header {
		h = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		idx[h] = i
	}
	for _, required := range []string{"name", "place_id"} {
		if _, ok := idx[required]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingColumn, required)
		}
	}

	var rows []Row
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		get := func(col string) string {
			i, ok := idx[col]
			if !ok || i >= len(rec) {
				return ""
			}
			return rec[i]
		}
		rows = append(rows, Row{
			DistrictNum:    get("district_num"),
			DistrictName:   get("district_name"),
			Name:           get("name"),
			Address:        get("address"),
			Phone:          get("phone"),
			Website:        get("website"),
			MapsURL:        get("google_maps_url"),
			BusinessStatus: get("business_status"),
			IsOpenNow:      get("is_open_now"),
			Hours:          get("hours"),
			Latitude:       get("latitude"),
			Longitude:      get("longitude"),
			PlaceID:        get("place_id"),
			Types:          get("types"),
			SourceQueries:  get("source_queries"),
		})
	}
	return rows, nil
}

// ReadCSVFile opens and reads one CSV file.
func ReadCSVFile(path string) ([]Row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	rows, err := ReadCSV(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return rows, nil
}

// Consolidate merges the rows of every file into one table deduplicated by
// place_id, sorted by district number then name. A place seen in several
// districts keeps its fullest row. Files that cannot be read are logged and
// skipped.
func Consolidate(paths []string) ([]Row, error) {
	if len(paths) == 0 {
		return nil, errors.New("no input files")
	}
	byID := map[string]int{}
	var out []Row
	total := 0
	for _, p := range paths {
		rows, err := ReadCSVFile(p)
		if err != nil {
			log.Printf("[export] skipping %s: %v", p, err)
			continue
		}
		log.Printf("[export] loaded %d rows from %s", len(rows), filepath.Base(p))
		for _, r := range rows {
			total++
			if r.PlaceID == "" {
				continue
			}
			if i, ok := byID[r.PlaceID]; ok {
				if r.filled() > out[i].filled() {
					out[i] = r
				}
				continue
			}
			byID[r.PlaceID] = len(out)
			out = append(out, r)
		}
	}
	if removed := total - len(out); removed > 0 {
		log.Printf("[export] removed %d duplicate or id-less rows", removed)
	}
	SortByDistrict(out)
	return out, nil
}

// WriteCSVFile writes rows to path, creating parent directories.
func WriteCSVFile(path string, rows []Row) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteCSV(f, rows); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// CSVSink writes one CSV per district into Dir.
type CSVSink struct {
	Dir string
}

func (s CSVSink) WriteDistrict(ctx context.Context, d districts.District, res *enumerator.Result) error {
	path, err := WriteDistrictCSV(s.Dir, d, res.QueryKind, res.Records)
	if err != nil {
		return err
	}
	log.Printf("[export] district %s: %d records -> %s", d.ID, len(res.Records), path)
	return nil
}
