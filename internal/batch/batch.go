// Package batch runs one enumeration profile over a list of districts,
// one district at a time, checkpointing progress so an interrupted run can
// be resumed.
package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/EmpoweredVote/district-places/internal/districts"
	"github.com/EmpoweredVote/district-places/internal/enumerator"
	"github.com/EmpoweredVote/district-places/internal/places/provider"
	"github.com/google/uuid"
)

const (
	StatusRunning             = "running"
	StatusCompleted           = "completed"
	StatusCompletedWithErrors = "completed_with_errors"
	StatusAborted             = "aborted"
)

// DefaultDelay separates consecutive districts.
const DefaultDelay = time.Second

// Enumerator produces the records of one district.
type Enumerator interface {
	Enumerate(ctx context.Context, d districts.District) (*enumerator.Result, error)
}

// Sink receives each finished district, e.g. a CSV writer or the database.
type Sink interface {
	WriteDistrict(ctx context.Context, d districts.District, res *enumerator.Result) error
}

// Run tracks the progress of a batch. It is also the checkpoint format.
type Run struct {
	ID                 string            `json:"id"`
	Profile            string            `json:"profile"`
	Status             string            `json:"status"`
	TotalDistricts     int               `json:"total_districts"`
	CurrentDistrict    string            `json:"current_district,omitempty"`
	CompletedDistricts []string          `json:"completed_districts"`
	PartialDistricts   []string          `json:"partial_districts"`
	FailedDistricts    map[string]string `json:"failed_districts"`
	RecordCounts       map[string]int    `json:"record_counts"`
	FromCache          []string          `json:"from_cache,omitempty"`
	DelayMs            int               `json:"delay_between_ms"`
	StartedAt          time.Time         `json:"started_at"`
	LastUpdated        time.Time         `json:"last_updated"`
	CompletedAt        *time.Time        `json:"completed_at,omitempty"`
	AbortReason        string            `json:"abort_reason,omitempty"`
}

func newRun(profile string, delay time.Duration) *Run {
	now := time.Now()
	return &Run{
		ID:              uuid.New().String(),
		Profile:         profile,
		Status:          StatusRunning,
		FailedDistricts: map[string]string{},
		RecordCounts:    map[string]int{},
		DelayMs:         int(delay.Milliseconds()),
		StartedAt:       now,
		LastUpdated:     now,
	}
}

// done reports whether a resumed run has already visited the district.
func (r *Run) done(id string) bool {
	if _, failed := r.FailedDistricts[id]; failed {
		return true
	}
	return contains(r.CompletedDistricts, id) || contains(r.PartialDistricts, id)
}

func (r *Run) record(id string, res *enumerator.Result) {
	r.CompletedDistricts = remove(r.CompletedDistricts, id)
	r.PartialDistricts = remove(r.PartialDistricts, id)
	delete(r.FailedDistricts, id)

	r.RecordCounts[id] = len(res.Records)
	if res.FromCache {
		r.FromCache = append(remove(r.FromCache, id), id)
	}
	if res.Status == enumerator.StatusPartial {
		r.PartialDistricts = append(r.PartialDistricts, id)
		return
	}
	r.CompletedDistricts = append(r.CompletedDistricts, id)
}

func (r *Run) fail(id string, err error) {
	r.CompletedDistricts = remove(r.CompletedDistricts, id)
	r.PartialDistricts = remove(r.PartialDistricts, id)
	r.FailedDistricts[id] = err.Error()
}

// Runner processes districts sequentially.
type Runner struct {
	Enumerator Enumerator
	Sinks      []Sink
	// Profile labels the run; a resumed checkpoint must carry the same one.
	Profile string
	// ProgressPath is the checkpoint file. Empty disables checkpoints.
	ProgressPath string
	Resume       bool
	// Rerun names districts a resumed run processes again even though the
	// checkpoint already has an outcome for them.
	Rerun []string
	Delay time.Duration
}

// Run enumerates ds in order. A provider fatal error or a cancelled context
// stops the run; the checkpoint and the run so far are returned with the
// error. Other district errors are recorded and the run continues.
func (rn *Runner) Run(ctx context.Context, ds []districts.District) (*Run, error) {
	run, err := rn.start()
	if err != nil {
		return nil, err
	}
	run.TotalDistricts = len(ds)

	log.Printf("[batch] run=%s profile=%s starting %d districts", run.ID, run.Profile, len(ds))

	for i, d := range ds {
		if rn.Resume && run.done(d.ID) && !contains(rn.Rerun, d.ID) {
			log.Printf("[batch] run=%s district %s already done, skipping", run.ID, d.ID)
			continue
		}
		run.CurrentDistrict = d.ID
		log.Printf("[batch] run=%s processing district %s (%d/%d)", run.ID, d.ID, i+1, len(ds))

		res, err := rn.Enumerator.Enumerate(ctx, d)
		enumerator.Observe(res, err)
		if err == nil {
			err = rn.write(ctx, d, res)
		}

		switch {
		case err != nil && (provider.IsFatal(err) || ctx.Err() != nil):
			run.Status = StatusAborted
			run.AbortReason = err.Error()
			if ctx.Err() == nil {
				run.fail(d.ID, err)
			}
			if serr := rn.save(run); serr != nil {
				log.Printf("[batch] run=%s saving progress: %v", run.ID, serr)
			}
			log.Printf("[batch] run=%s aborted at district %s: %v", run.ID, d.ID, err)
			return run, err
		case err != nil:
			log.Printf("[batch] run=%s district %s failed: %v", run.ID, d.ID, err)
			run.fail(d.ID, err)
		default:
			run.record(d.ID, res)
		}

		if err := rn.save(run); err != nil {
			log.Printf("[batch] run=%s saving progress: %v", run.ID, err)
		}

		// no wait after the last district or after a cache hit
		if i < len(ds)-1 && (res == nil || !res.FromCache) {
			if err := sleep(ctx, rn.delay()); err != nil {
				run.Status = StatusAborted
				run.AbortReason = err.Error()
				_ = rn.save(run)
				return run, err
			}
		}
	}

	now := time.Now()
	run.CurrentDistrict = ""
	run.CompletedAt = &now
	if len(run.FailedDistricts) > 0 || len(run.PartialDistricts) > 0 {
		run.Status = StatusCompletedWithErrors
	} else {
		run.Status = StatusCompleted
	}
	if err := rn.save(run); err != nil {
		log.Printf("[batch] run=%s saving progress: %v", run.ID, err)
	}

	log.Printf("[batch] run=%s finished: completed=%d partial=%d failed=%d",
		run.ID, len(run.CompletedDistricts), len(run.PartialDistricts), len(run.FailedDistricts))
	return run, nil
}

func (rn *Runner) delay() time.Duration {
	if rn.Delay < 0 {
		return 0
	}
	return rn.Delay
}

func (rn *Runner) write(ctx context.Context, d districts.District, res *enumerator.Result) error {
	for _, s := range rn.Sinks {
		if err := s.WriteDistrict(ctx, d, res); err != nil {
			return fmt.Errorf("writing district %s: %w", d.ID, err)
		}
	}
	return nil
}

// start loads the checkpoint when resuming, otherwise begins a fresh run.
func (rn *Runner) start() (*Run, error) {
	if !rn.Resume || rn.ProgressPath == "" {
		return newRun(rn.Profile, rn.delay()), nil
	}
	prev, err := LoadProgress(rn.ProgressPath)
	if errors.Is(err, os.ErrNotExist) {
		return newRun(rn.Profile, rn.delay()), nil
	}
	if err != nil {
		return nil, err
	}
	if prev.Profile != rn.Profile {
		return nil, fmt.Errorf("checkpoint %s belongs to profile %q, not %q", rn.ProgressPath, prev.Profile, rn.Profile)
	}
	if prev.FailedDistricts == nil {
		prev.FailedDistricts = map[string]string{}
	}
	if prev.RecordCounts == nil {
		prev.RecordCounts = map[string]int{}
	}
	prev.Status = StatusRunning
	prev.CompletedAt = nil
	prev.AbortReason = ""
	log.Printf("[batch] resuming run=%s: %d completed, %d partial, %d failed",
		prev.ID, len(prev.CompletedDistricts), len(prev.PartialDistricts), len(prev.FailedDistricts))
	return prev, nil
}

func (rn *Runner) save(run *Run) error {
	run.LastUpdated = time.Now()
	if rn.ProgressPath == "" {
		return nil
	}
	b, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(rn.ProgressPath), 0o755); err != nil {
		return err
	}
	tmp := rn.ProgressPath + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, rn.ProgressPath)
}

// LoadProgress reads a checkpoint file.
func LoadProgress(path string) (*Run, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var run Run
	if err := json.Unmarshal(b, &run); err != nil {
		return nil, fmt.Errorf("decode progress %s: %w", path, err)
	}
	return &run, nil
}

// WriteSummary prints the per-district outcome of run.
func WriteSummary(w io.Writer, run *Run) {
	fmt.Fprintf(w, "Run %s (%s): %s\n", run.ID, run.Profile, run.Status)
	fmt.Fprintf(w, "  districts: %d  completed: %d  partial: %d  failed: %d  from cache: %d\n",
		run.TotalDistricts, len(run.CompletedDistricts), len(run.PartialDistricts),
		len(run.FailedDistricts), len(run.FromCache))

	total := 0
	for _, n := range run.RecordCounts {
		total += n
	}
	fmt.Fprintf(w, "  records: %d\n", total)

	if len(run.PartialDistricts) > 0 {
		ids := sorted(run.PartialDistricts)
		fmt.Fprintf(w, "  partial districts (re-run with `places cache invalidate --district N`): %v\n", ids)
	}
	if len(run.FailedDistricts) > 0 {
		ids := make([]string, 0, len(run.FailedDistricts))
		for id := range run.FailedDistricts {
			ids = append(ids, id)
		}
		districts.SortIDs(ids)
		fmt.Fprintln(w, "  failed districts:")
		for _, id := range ids {
			fmt.Fprintf(w, "    %s: %s\n", id, run.FailedDistricts[id])
		}
	}
	if run.AbortReason != "" {
		fmt.Fprintf(w, "  aborted: %s\n", run.AbortReason)
	}
}

func sorted(ids []string) []string {
	out := append([]string(nil), ids...)
	districts.SortIDs(out)
	return out
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func remove(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
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
