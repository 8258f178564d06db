package runstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"

	"github.com/liamcoop/rescueplan/models"
	"github.com/liamcoop/rescueplan/pipeline"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate store: %v", err)
	}
	return store
}

func completedRun(incident string, finished time.Time) *pipeline.Result {
	started := finished.Add(-2 * time.Second)
	return &pipeline.Result{
		RunID:      uuid.NewString(),
		IncidentID: incident,
		Status:     pipeline.StatusCompleted,
		State:      pipeline.StateCompleted,
		Plan: &models.Plan{
			Sequence:            []string{"T_SEARCH", "T_EXTRACT"},
			Partial:             true,
			Committed:           true,
			OverallCoverageRate: 0.5,
			Gaps:                []models.Gap{{TaskID: "T_EXTRACT", Reason: "missing capabilities"}},
		},
		Trace: []pipeline.TraceRecord{
			{Stage: pipeline.StageLoad, To: pipeline.StateLoaded, StartedAt: started, Duration: 1500 * time.Microsecond,
				Output: map[string]any{"rules": 4}},
			{Stage: pipeline.StageMatchRules, From: pipeline.StateLoaded, To: pipeline.StateRulesMatched, StartedAt: started.Add(time.Millisecond),
				Output: map[string]any{"matched": []string{"R_EQ_COLLAPSE_RESCUE"}}},
		},
		Errors:     []pipeline.RunError{{Stage: pipeline.StageMatchResources, Kind: pipeline.KindUnresolvableTask, TaskID: "T_EXTRACT", Message: "no team"}},
		StartedAt:  started,
		FinishedAt: finished,
	}
}

func failedRun(incident string, finished time.Time) *pipeline.Result {
	return &pipeline.Result{
		RunID:               uuid.NewString(),
		IncidentID:          incident,
		Status:              pipeline.StatusFailed,
		State:               pipeline.StateFailed,
		Reason:              pipeline.ReasonInfeasible,
		Message:             "infeasible: every solution violates hard rules [HR_DEADLINE]",
		ViolatedConstraints: []models.Constraint{{RuleID: "HR_DEADLINE", Kind: "hard", Message: "too slow"}},
		StartedAt:           finished.Add(-time.Second),
		FinishedAt:          finished,
	}
}

func TestSaveAndGet(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	now := time.Now().UTC().Truncate(time.Microsecond)
	run := completedRun("inc-1", now)
	if err := store.Save(ctx, run); err != nil {
		t.Fatalf("save run: %v", err)
	}

	got, err := store.Get(ctx, run.RunID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Status != pipeline.StatusCompleted || got.IncidentID != "inc-1" {
		t.Errorf("unexpected run: %+v", got)
	}
	if diff := cmp.Diff(run.Plan.Gaps, got.Plan.Gaps); diff != "" {
		t.Errorf("gaps mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(run.Errors, got.Errors); diff != "" {
		t.Errorf("errors mismatch (-want +got):\n%s", diff)
	}
	if !got.FinishedAt.Equal(now) {
		t.Errorf("finished at %v, want %v", got.FinishedAt, now)
	}

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestTrace(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	run := completedRun("inc-1", time.Now().UTC())
	if err := store.Save(ctx, run); err != nil {
		t.Fatalf("save run: %v", err)
	}

	trace, err := store.Trace(ctx, run.RunID)
	if err != nil {
		t.Fatalf("trace: %v", err)
	}
	if len(trace) != 2 {
		t.Fatalf("expected 2 trace records, got %d", len(trace))
	}
	if trace[0].To != pipeline.StateLoaded || trace[1].From != pipeline.StateLoaded || trace[1].To != pipeline.StateRulesMatched {
		t.Errorf("trace out of order: %+v", trace)
	}
	if trace[0].Duration != 1500*time.Microsecond {
		t.Errorf("duration = %v, want 1.5ms", trace[0].Duration)
	}
	// JSON numbers come back as float64.
	if trace[0].Output["rules"] != float64(4) {
		t.Errorf("output = %v", trace[0].Output)
	}
	if trace[0].Input != nil {
		t.Errorf("empty input should stay nil, got %v", trace[0].Input)
	}
}

// TestSaveReplaces verifies a run saved twice keeps only the latest version
// and its trace.
func TestSaveReplaces(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	run := completedRun("inc-1", time.Now().UTC())
	if err := store.Save(ctx, run); err != nil {
		t.Fatalf("save run: %v", err)
	}
	run.Trace = run.Trace[:1]
	run.Plan.Committed = false
	if err := store.Save(ctx, run); err != nil {
		t.Fatalf("save run again: %v", err)
	}

	trace, err := store.Trace(ctx, run.RunID)
	if err != nil {
		t.Fatalf("trace: %v", err)
	}
	if len(trace) != 1 {
		t.Errorf("expected 1 trace record after replace, got %d", len(trace))
	}
	runs, err := store.List(ctx, Filter{})
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 1 || runs[0].Committed {
		t.Errorf("unexpected runs after replace: %+v", runs)
	}
}

func TestList(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	first := completedRun("inc-1", base)
	second := failedRun("inc-1", base.Add(time.Minute))
	other := completedRun("inc-2", base.Add(2*time.Minute))
	for _, r := range []*pipeline.Result{first, second, other} {
		if err := store.Save(ctx, r); err != nil {
			t.Fatalf("save run: %v", err)
		}
	}

	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{name: "all", filter: Filter{}, want: []string{other.RunID, second.RunID, first.RunID}},
		{name: "incident", filter: Filter{IncidentID: "inc-1"}, want: []string{second.RunID, first.RunID}},
		{name: "failed", filter: Filter{Status: pipeline.StatusFailed}, want: []string{second.RunID}},
		{name: "limit", filter: Filter{Limit: 1}, want: []string{other.RunID}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runs, err := store.List(ctx, tt.filter)
			if err != nil {
				t.Fatalf("list runs: %v", err)
			}
			var got []string
			for _, r := range runs {
				got = append(got, r.RunID)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("runs mismatch (-want +got):\n%s", diff)
			}
		})
	}

	runs, _ := store.List(ctx, Filter{Status: pipeline.StatusFailed})
	if runs[0].Reason != pipeline.ReasonInfeasible || runs[0].Partial {
		t.Errorf("unexpected failed summary: %+v", runs[0])
	}
	runs, _ = store.List(ctx, Filter{IncidentID: "inc-2"})
	if !runs[0].Partial || !runs[0].Committed || runs[0].CoverageRate != 0.5 {
		t.Errorf("unexpected completed summary: %+v", runs[0])
	}
}

func TestPrune(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	old := completedRun("inc-1", base)
	recent := completedRun("inc-1", base.Add(time.Hour))
	for _, r := range []*pipeline.Result{old, recent} {
		if err := store.Save(ctx, r); err != nil {
			t.Fatalf("save run: %v", err)
		}
	}

	n, err := store.Prune(ctx, base.Add(30*time.Minute))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned %d runs, want 1", n)
	}
	if _, err := store.Get(ctx, old.RunID); !errors.Is(err, ErrNotFound) {
		t.Errorf("old run should be gone, got %v", err)
	}
	trace, err := store.Trace(ctx, old.RunID)
	if err != nil || len(trace) != 0 {
		t.Errorf("trace should be pruned too, got %d records (%v)", len(trace), err)
	}
}

func TestSaveRequiresRunID(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	if err := store.Save(context.Background(), &pipeline.Result{}); err == nil {
		t.Error("expected error without run id")
	}
}
