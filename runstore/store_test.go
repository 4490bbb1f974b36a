package runstore

import (
	"context"
	"errors"
	"strings"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/solhealth/dhisfill/filler"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRunLifecycle(t *testing.T) {
	// WHAT: A run moves pending -> running -> completed, carrying the fill
	// report and per-field verdicts.
	// WHY: The HTTP API reads exactly this state back for operators.
	s := testStore(t)
	ctx := context.Background()

	id := NewRunID()
	if !strings.HasPrefix(id, "run_") {
		t.Errorf("run id %q lacks prefix", id)
	}

	orgPath := []string{"Sierra Leone", "Bo", "Bo CHC"}
	if err := s.CreateRun(ctx, id, orgPath, "January 2026"); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := s.SetStatus(ctx, id, StatusRunning, ""); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}

	report := &filler.Report{
		Attempted:     3,
		Filled:        []string{"A||X", "B||X"},
		SkippedHidden: []string{"C||X"},
		Failed:        map[string]string{},
		SuccessRate:   1,
	}
	v := filler.Validation{Triggered: true, ScreenshotPath: "screenshots/validation_x.png"}
	if err := s.CompleteRun(ctx, id, report, v); err != nil {
		t.Fatalf("CompleteRun: %v", err)
	}

	run, err := s.GetRun(ctx, id)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != StatusCompleted || run.Filled != 2 || run.SkippedHidden != 1 {
		t.Errorf("run = %+v", run)
	}
	if !run.ValidationTriggered || run.ScreenshotPath == "" {
		t.Errorf("validation not persisted: %+v", run)
	}
	if len(run.OrgPath) != 3 || run.OrgPath[2] != "Bo CHC" {
		t.Errorf("org path mangled: %v", run.OrgPath)
	}

	results, err := s.Results(ctx, id)
	if err != nil {
		t.Fatalf("Results: %v", err)
	}
	if len(results) != 3 {
		t.Errorf("results = %v", results)
	}
	for _, fr := range results {
		if fr.FieldKey == "C||X" && fr.Verdict != VerdictSkipped {
			t.Errorf("C||X verdict = %q", fr.Verdict)
		}
	}
}

func TestRunFailure(t *testing.T) {
	// WHAT: Failures and conflicts persist with their message.
	// WHY: "failed" without a reason is useless at 2am.
	s := testStore(t)
	ctx := context.Background()

	id := NewRunID()
	if err := s.CreateRun(ctx, id, []string{"X"}, "Feb"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetStatus(ctx, id, StatusConflict, "concurrent entry conflict"); err != nil {
		t.Fatal(err)
	}

	run, err := s.GetRun(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != StatusConflict || run.Error == "" {
		t.Errorf("run = %+v", run)
	}
}

func TestGetRun_NotFound(t *testing.T) {
	// WHAT: Unknown IDs return ErrNotFound.
	// WHY: The HTTP layer maps this to 404 rather than 500.
	s := testStore(t)
	if _, err := s.GetRun(context.Background(), "run_missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := s.SetStatus(context.Background(), "run_missing", StatusFailed, "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestHasCompletedRun(t *testing.T) {
	// WHAT: Duplicate detection only counts completed runs for the same
	// unit and period.
	// WHY: A failed attempt must not block the retry.
	s := testStore(t)
	ctx := context.Background()
	orgPath := []string{"Sierra Leone", "Bo", "Bo CHC"}

	id := NewRunID()
	if err := s.CreateRun(ctx, id, orgPath, "January 2026"); err != nil {
		t.Fatal(err)
	}

	dup, err := s.HasCompletedRun(ctx, orgPath, "January 2026")
	if err != nil {
		t.Fatal(err)
	}
	if dup {
		t.Error("pending run must not count as duplicate")
	}

	report := &filler.Report{Attempted: 1, Filled: []string{"A||X"}, Failed: map[string]string{}, SuccessRate: 1}
	if err := s.CompleteRun(ctx, id, report, filler.Validation{}); err != nil {
		t.Fatal(err)
	}

	dup, err = s.HasCompletedRun(ctx, orgPath, "January 2026")
	if err != nil {
		t.Fatal(err)
	}
	if !dup {
		t.Error("completed run must count as duplicate")
	}
	if dup, _ := s.HasCompletedRun(ctx, orgPath, "February 2026"); dup {
		t.Error("different period must not be a duplicate")
	}
}

func TestListRuns(t *testing.T) {
	// WHAT: Listing returns newest first and honours the limit.
	// WHY: The dashboard shows recent activity only.
	s := testStore(t)
	ctx := context.Background()

	for range 3 {
		if err := s.CreateRun(ctx, NewRunID(), []string{"X"}, "Jan"); err != nil {
			t.Fatal(err)
		}
	}

	runs, err := s.ListRuns(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 {
		t.Errorf("got %d runs, want 2", len(runs))
	}
}
