package batch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/EmpoweredVote/district-places/internal/districts"
	"github.com/EmpoweredVote/district-places/internal/enumerator"
	"github.com/EmpoweredVote/district-places/internal/places"
	"github.com/EmpoweredVote/district-places/internal/places/provider"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEnumerator struct {
	results map[string]*enumerator.Result
	errs    map[string]error
	calls   []string
	cancel  func()
}

func (f *fakeEnumerator) Enumerate(ctx context.Context, d districts.District) (*enumerator.Result, error) {
	f.calls = append(f.calls, d.ID)
	if f.cancel != nil && d.ID == "2" {
		f.cancel()
		return nil, ctx.Err()
	}
	if err, ok := f.errs[d.ID]; ok {
		return nil, err
	}
	if res, ok := f.results[d.ID]; ok {
		return res, nil
	}
	return &enumerator.Result{DistrictID: d.ID, QueryKind: "pharmacy", Status: enumerator.StatusComplete}, nil
}

type recordingSink struct {
	written []string
	fail    string
}

func (s *recordingSink) WriteDistrict(ctx context.Context, d districts.District, res *enumerator.Result) error {
	if d.ID == s.fail {
		return errors.New("disk full")
	}
	s.written = append(s.written, d.ID)
	return nil
}

func testDistricts(t *testing.T, n int) []districts.District {
	t.Helper()
	var out []districts.District
	for i := 1; i <= n; i++ {
		x := float64(i)
		d, err := districts.New(fmt.Sprint(i), "", orb.Ring{{x, 0}, {x + 1, 0}, {x + 1, 1}, {x, 1}})
		require.NoError(t, err)
		out = append(out, d)
	}
	return out
}

func withRecords(id string, n int, status enumerator.Status) *enumerator.Result {
	res := &enumerator.Result{DistrictID: id, QueryKind: "pharmacy", Status: status}
	for i := 0; i < n; i++ {
		res.Records = append(res.Records, places.Record{ProviderID: fmt.Sprintf("%s-%d", id, i), Name: "x"})
	}
	return res
}

func TestRunAllComplete(t *testing.T) {
	enum := &fakeEnumerator{results: map[string]*enumerator.Result{
		"1": withRecords("1", 2, enumerator.StatusComplete),
		"2": withRecords("2", 3, enumerator.StatusComplete),
	}}
	sink := &recordingSink{}
	progress := filepath.Join(t.TempDir(), "progress.json")
	r := &Runner{Enumerator: enum, Sinks: []Sink{sink}, Profile: "pharmacy", ProgressPath: progress}

	run, err := r.Run(context.Background(), testDistricts(t, 2))
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, run.Status)
	assert.Equal(t, []string{"1", "2"}, run.CompletedDistricts)
	assert.Equal(t, map[string]int{"1": 2, "2": 3}, run.RecordCounts)
	assert.Equal(t, []string{"1", "2"}, sink.written)
	require.NotNil(t, run.CompletedAt)

	saved, err := LoadProgress(progress)
	require.NoError(t, err)
	assert.Equal(t, run.ID, saved.ID)
	assert.Equal(t, StatusCompleted, saved.Status)
}

func TestRunPartialAndFailedContinue(t *testing.T) {
	enum := &fakeEnumerator{
		results: map[string]*enumerator.Result{"1": withRecords("1", 1, enumerator.StatusPartial)},
		errs:    map[string]error{"2": enumerator.ErrNoCoverage},
	}
	sink := &recordingSink{}
	r := &Runner{Enumerator: enum, Sinks: []Sink{sink}, Profile: "pharmacy"}

	run, err := r.Run(context.Background(), testDistricts(t, 3))
	require.NoError(t, err)

	assert.Equal(t, StatusCompletedWithErrors, run.Status)
	assert.Equal(t, []string{"1"}, run.PartialDistricts)
	assert.Equal(t, []string{"3"}, run.CompletedDistricts)
	assert.Contains(t, run.FailedDistricts["2"], "every search")
	assert.Equal(t, []string{"1", "2", "3"}, enum.calls)
	assert.Equal(t, []string{"1", "3"}, sink.written)
}

func TestRunSinkFailureMarksDistrictFailed(t *testing.T) {
	sink := &recordingSink{fail: "1"}
	r := &Runner{Enumerator: &fakeEnumerator{}, Sinks: []Sink{sink}, Profile: "pharmacy"}

	run, err := r.Run(context.Background(), testDistricts(t, 2))
	require.NoError(t, err)
	assert.Contains(t, run.FailedDistricts["1"], "disk full")
	assert.Equal(t, []string{"2"}, run.CompletedDistricts)
}

func TestRunFatalStops(t *testing.T) {
	fatal := provider.Fatal("google", "nearbysearch", 200, errors.New("REQUEST_DENIED"))
	enum := &fakeEnumerator{errs: map[string]error{"2": fatal}}
	progress := filepath.Join(t.TempDir(), "progress.json")
	r := &Runner{Enumerator: enum, Profile: "pharmacy", ProgressPath: progress}

	run, err := r.Run(context.Background(), testDistricts(t, 3))
	require.Error(t, err)
	assert.True(t, provider.IsFatal(err))
	assert.Equal(t, StatusAborted, run.Status)
	assert.Equal(t, []string{"1", "2"}, enum.calls)
	assert.Equal(t, []string{"1"}, run.CompletedDistricts)
	assert.Contains(t, run.FailedDistricts, "2")

	saved, err := LoadProgress(progress)
	require.NoError(t, err)
	assert.Equal(t, StatusAborted, saved.Status)
	assert.Equal(t, []string{"1"}, saved.CompletedDistricts)
}

func TestRunCancelStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	enum := &fakeEnumerator{cancel: cancel}
	r := &Runner{Enumerator: enum, Profile: "pharmacy"}

	run, err := r.Run(ctx, testDistricts(t, 3))
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StatusAborted, run.Status)
	assert.Equal(t, []string{"1", "2"}, enum.calls)
	assert.NotContains(t, run.FailedDistricts, "2")
}

func TestRunResumeSkipsDone(t *testing.T) {
	progress := filepath.Join(t.TempDir(), "progress.json")
	fatal := provider.Fatal("google", "nearbysearch", 403, errors.New("denied"))

	first := &fakeEnumerator{
		results: map[string]*enumerator.Result{"2": withRecords("2", 1, enumerator.StatusPartial)},
		errs:    map[string]error{"3": fatal},
	}
	r := &Runner{Enumerator: first, Profile: "pharmacy", ProgressPath: progress}
	run1, err := r.Run(context.Background(), testDistricts(t, 4))
	require.Error(t, err)

	second := &fakeEnumerator{}
	r = &Runner{Enumerator: second, Profile: "pharmacy", ProgressPath: progress, Resume: true}
	run2, err := r.Run(context.Background(), testDistricts(t, 4))
	require.NoError(t, err)

	assert.Equal(t, run1.ID, run2.ID)
	assert.Equal(t, []string{"4"}, second.calls)
	assert.Contains(t, run2.FailedDistricts, "3")
	assert.Equal(t, StatusCompletedWithErrors, run2.Status)

	third := &fakeEnumerator{}
	r = &Runner{Enumerator: third, Profile: "pharmacy", ProgressPath: progress, Resume: true, Rerun: []string{"2", "3"}}
	run3, err := r.Run(context.Background(), testDistricts(t, 4))
	require.NoError(t, err)

	assert.Equal(t, []string{"2", "3"}, third.calls)
	assert.Empty(t, run3.FailedDistricts)
	assert.Empty(t, run3.PartialDistricts)
	assert.ElementsMatch(t, []string{"1", "2", "3", "4"}, run3.CompletedDistricts)
	assert.Equal(t, StatusCompleted, run3.Status)
}

func TestRunResumeRejectsOtherProfile(t *testing.T) {
	progress := filepath.Join(t.TempDir(), "progress.json")
	r := &Runner{Enumerator: &fakeEnumerator{}, Profile: "pharmacy", ProgressPath: progress}
	_, err := r.Run(context.Background(), testDistricts(t, 1))
	require.NoError(t, err)

	r = &Runner{Enumerator: &fakeEnumerator{}, Profile: "law_office", ProgressPath: progress, Resume: true}
	_, err = r.Run(context.Background(), testDistricts(t, 1))
	assert.ErrorContains(t, err, "pharmacy")
}

func TestResumeWithoutCheckpointStartsFresh(t *testing.T) {
	progress := filepath.Join(t.TempDir(), "missing.json")
	enum := &fakeEnumerator{}
	r := &Runner{Enumerator: enum, Profile: "pharmacy", ProgressPath: progress, Resume: true}
	run, err := r.Run(context.Background(), testDistricts(t, 2))
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2"}, enum.calls)
	assert.Equal(t, StatusCompleted, run.Status)
}

func TestWriteSummary(t *testing.T) {
	run := newRun("pharmacy", 0)
	run.TotalDistricts = 3
	run.record("1", withRecords("1", 4, enumerator.StatusComplete))
	run.record("10", withRecords("10", 1, enumerator.StatusPartial))
	run.record("2", withRecords("2", 0, enumerator.StatusPartial))
	run.fail("3", enumerator.ErrNoCoverage)
	run.Status = StatusCompletedWithErrors

	var buf bytes.Buffer
	WriteSummary(&buf, run)
	out := buf.String()
	assert.Contains(t, out, "completed_with_errors")
	assert.Contains(t, out, "records: 5")
	assert.Contains(t, out, "[2 10]")
	assert.Contains(t, out, "3: ")
}
