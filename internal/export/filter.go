package export

import (
	"fmt"
	"strings"
	"time"
)

var dayNames = map[string]time.Weekday{}

func init() {
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		dayNames[name] = d
		dayNames[name[:3]] = d
	}
}

// ParseDays reads a comma separated list such as "sat,sun" or
// "Saturday, Sunday".
func ParseDays(s string) ([]time.Weekday, error) {
	var out []time.Weekday
	for _, part := range strings.Split(s, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part == "" {
			continue
		}
		d, ok := dayNames[part]
		if !ok {
			return nil, fmt.Errorf("unknown day %q", part)
		}
		out = append(out, d)
	}
	return out, nil
}

// OpenOn reports whether the hours column lists day with anything other
// than "Closed". A row without hours for the day counts as closed.
func (r Row) OpenOn(day time.Weekday) bool {
	for _, entry := range strings.Split(r.Hours, " | ") {
		name, hours, ok := strings.Cut(entry, ":")
		if !ok {
			continue
		}
		d, known := dayNames[strings.ToLower(strings.TrimSpace(name))]
		if !known || d != day {
			continue
		}
		return !strings.EqualFold(strings.TrimSpace(hours), "closed")
	}
	return false
}

// FilterOpenOn keeps the rows open on every one of days.
func FilterOpenOn(rows []Row, days []time.Weekday) []Row {
	out := make([]Row, 0, len(rows))
	for _, r := range rows {
		open := true
		for _, d := range days {
			if !r.OpenOn(d) {
				open = false
				break
			}
		}
		if open {
			out = append(out, r)
		}
	}
	return out
}
