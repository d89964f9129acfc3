package provider

import (
	"fmt"
	"log"
	"sort"
	"strings"
	"time"
)

// LogQuery logs one search or details call. Page is 0 for calls that are
// not paged.
func LogQuery(provider, op string, page int, params map[string]interface{}) {
	var b strings.Builder
	b.WriteString(op)
	if page > 0 {
		fmt.Fprintf(&b, " page=%d", page)
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, params[k])
	}
	log.Printf("[%s] %s", provider, b.String())
}

// LogResult logs the places a call returned.
func LogResult(provider, op string, page, statusCode int, duration time.Duration, places int) {
	log.Printf("[%s] %s page=%d status=%d duration=%dms places=%d",
		provider, op, page, statusCode, duration.Milliseconds(), places)
}

// LogPageFailure logs a later page that failed while the earlier pages'
// places are kept.
func LogPageFailure(provider, op string, page, kept int, err error) {
	log.Printf("[%s] %s page %d failed, keeping %d places: %v", provider, op, page, kept, err)
}

// LogRetry logs a transient failure of the query labelled label.
func LogRetry(label string, attempt int, wait time.Duration, err error) {
	log.Printf("[retry] %s attempt %d failed, retrying in %s: %v", label, attempt, wait, err)
}

// LogNormalized logs how many raw places survived as hits.
func LogNormalized(provider, op string, raw, hits int, duration time.Duration) {
	log.Printf("[%s] %s normalized %d places -> %d hits in %dms",
		provider, op, raw, hits, duration.Milliseconds())
}
