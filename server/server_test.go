package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/solhealth/dhisfill/filler"
	"github.com/solhealth/dhisfill/runner"
	"github.com/solhealth/dhisfill/runstore"
)

func testServer(t *testing.T, run RunFunc) (*Server, *runstore.Store) {
	t.Helper()
	store, err := runstore.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	if run == nil {
		run = func(ctx context.Context, record map[string]any, orgPath []string, period string) (*runner.Result, error) {
			return &runner.Result{
				OrgPath:     orgPath,
				Period:      period,
				Attempted:   len(record),
				Filled:      []string{"A||X"},
				Failed:      map[string]string{},
				SuccessRate: 1,
			}, nil
		}
	}
	return New(Config{Store: store, Run: run, CacheDir: t.TempDir()}), store
}

// waitForStatus polls until the run leaves the pending/running states.
func waitForStatus(t *testing.T, store *runstore.Store, id string) *runstore.Run {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		run, err := store.GetRun(context.Background(), id)
		if err != nil {
			t.Fatalf("GetRun: %v", err)
		}
		if run.Status != runstore.StatusPending && run.Status != runstore.StatusRunning {
			return run
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("run never reached a terminal status")
	return nil
}

func TestHealthz(t *testing.T) {
	// WHAT: The health endpoint answers 200.
	// WHY: It is the deployment liveness probe.
	s, _ := testServer(t, nil)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestCreateRun_Lifecycle(t *testing.T) {
	// WHAT: Creating a run answers 202 with an id and the background
	// execution lands in the store with per-field results.
	// WHY: Clients poll the store; this is the whole API contract.
	s, store := testServer(t, nil)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	body := `{"record":{"outpatients":{"under_5_male":17}},"org_path":["SL","Bo","Bo CHC"],"period":"January 2026"}`
	resp, err := http.Post(srv.URL+"/api/runs", "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var created struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatal(err)
	}

	run := waitForStatus(t, store, created.ID)
	if run.Status != runstore.StatusCompleted {
		t.Errorf("status = %q (%s)", run.Status, run.Error)
	}
	if run.Filled != 1 {
		t.Errorf("filled = %d", run.Filled)
	}

	// Results endpoint serves the verdicts.
	rr, err := http.Get(srv.URL + "/api/runs/" + created.ID + "/results")
	if err != nil {
		t.Fatal(err)
	}
	defer rr.Body.Close()
	var results struct {
		Results []runstore.FieldResult `json:"results"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&results); err != nil {
		t.Fatal(err)
	}
	if len(results.Results) != 1 || results.Results[0].FieldKey != "A||X" {
		t.Errorf("results = %v", results.Results)
	}
}

func TestCreateRun_DuplicateIsConflict(t *testing.T) {
	// WHAT: A second run for the same unit and period answers 409.
	// WHY: Filing the same report twice double-counts every value.
	s, store := testServer(t, nil)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	// Seed a completed run for the slot.
	id := runstore.NewRunID()
	orgPath := []string{"SL", "Bo", "Bo CHC"}
	if err := store.CreateRun(context.Background(), id, orgPath, "January 2026"); err != nil {
		t.Fatal(err)
	}
	report := &filler.Report{Attempted: 1, Filled: []string{"A||X"}, Failed: map[string]string{}, SuccessRate: 1}
	if err := store.CompleteRun(context.Background(), id, report, filler.Validation{}); err != nil {
		t.Fatal(err)
	}

	body := `{"record":{"a":1},"org_path":["SL","Bo","Bo CHC"],"period":"January 2026"}`
	resp, err := http.Post(srv.URL+"/api/runs", "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", resp.StatusCode)
	}
}

func TestRun_EntryConflictPersists(t *testing.T) {
	// WHAT: A run aborted by a concurrent entry conflict lands in the
	// store with the conflict status, not a generic failure.
	// WHY: Operators triage conflicts differently from crashes.
	conflictRun := func(context.Context, map[string]any, []string, string) (*runner.Result, error) {
		return nil, fmt.Errorf("fill: %w", filler.ErrConflict)
	}
	s, store := testServer(t, conflictRun)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	body := `{"record":{"a":1},"period":"Feb"}`
	resp, err := http.Post(srv.URL+"/api/runs", "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var created struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatal(err)
	}

	run := waitForStatus(t, store, created.ID)
	if run.Status != runstore.StatusConflict {
		t.Errorf("status = %q", run.Status)
	}
}

func TestGetRun_NotFound(t *testing.T) {
	// WHAT: Unknown run IDs answer 404.
	// WHY: Distinguishes a bad id from a server fault.
	s, _ := testServer(t, nil)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/runs/run_nope")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestUploadReport_JSON(t *testing.T) {
	// WHAT: A JSON report upload returns the flattened record.
	// WHY: Upload-then-run is the primary operator workflow.
	s, _ := testServer(t, nil)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("report", "report.json")
	if err != nil {
		t.Fatal(err)
	}
	fmt.Fprint(fw, `{"outpatients":{"under_5":{"male":17}}}`)
	mw.Close()

	resp, err := http.Post(srv.URL+"/api/reports", mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var out struct {
		Record map[string]any `json:"record"`
		Fields int            `json:"fields"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.Fields != 1 || out.Record["outpatients.under_5.male"] != float64(17) {
		t.Errorf("out = %+v", out)
	}
}

func TestUploadReport_UnsupportedType(t *testing.T) {
	// WHAT: Unknown file extensions answer 415.
	// WHY: Early rejection beats a confusing extraction failure later.
	s, _ := testServer(t, nil)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, _ := mw.CreateFormFile("report", "report.docx")
	fmt.Fprint(fw, "binary")
	mw.Close()

	resp, err := http.Post(srv.URL+"/api/reports", mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnsupportedMediaType {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func writeOrgCache(t *testing.T, dir string) {
	t.Helper()
	cache := map[string]any{
		"timestamp": time.Now().Format(time.RFC3339Nano),
		"org_units": map[string]any{
			"Sierra Leone": map[string]any{"id": "ImspTQPwCqd", "level": 1},
			"Bo":           map[string]any{"id": "O6uvpzGd5pu", "level": 2},
		},
		"total_units": 2,
	}
	data, err := json.Marshal(cache)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "org_units_cache.json"), data, 0o644); err != nil {
		t.Fatal(err)
	}
}

var errNoRun = errors.New("run not expected in this test")

func failingRun(context.Context, map[string]any, []string, string) (*runner.Result, error) {
	return nil, errNoRun
}
