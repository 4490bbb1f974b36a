package runstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/solhealth/dhisfill/filler"
)

// ErrNotFound is returned for unknown run IDs.
var ErrNotFound = errors.New("runstore: run not found")

// Run statuses.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusConflict  = "conflict"
)

// Field verdicts.
const (
	VerdictFilled  = "filled"
	VerdictSkipped = "skipped_hidden"
	VerdictFailed  = "failed"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id                   TEXT PRIMARY KEY,
	org_path             TEXT NOT NULL,
	period               TEXT NOT NULL,
	status               TEXT NOT NULL,
	attempted            INTEGER NOT NULL DEFAULT 0,
	filled               INTEGER NOT NULL DEFAULT 0,
	skipped_hidden       INTEGER NOT NULL DEFAULT 0,
	failed               INTEGER NOT NULL DEFAULT 0,
	success_rate         REAL NOT NULL DEFAULT 0,
	validation_triggered INTEGER NOT NULL DEFAULT 0,
	screenshot_path      TEXT NOT NULL DEFAULT '',
	error                TEXT NOT NULL DEFAULT '',
	created_at           TEXT NOT NULL,
	updated_at           TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS fill_results (
	run_id    TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	field_key TEXT NOT NULL,
	verdict   TEXT NOT NULL,
	detail    TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (run_id, field_key)
);

CREATE INDEX IF NOT EXISTS idx_runs_created ON runs(created_at DESC);
`

// Run is one automation run's persisted state.
type Run struct {
	ID                  string    `json:"id"`
	OrgPath             []string  `json:"org_path"`
	Period              string    `json:"period"`
	Status              string    `json:"status"`
	Attempted           int       `json:"attempted"`
	Filled              int       `json:"filled"`
	SkippedHidden       int       `json:"skipped_hidden"`
	Failed              int       `json:"failed"`
	SuccessRate         float64   `json:"success_rate"`
	ValidationTriggered bool      `json:"validation_triggered"`
	ScreenshotPath      string    `json:"screenshot_path,omitempty"`
	Error               string    `json:"error,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// FieldResult is one field's persisted verdict.
type FieldResult struct {
	FieldKey string `json:"field_key"`
	Verdict  string `json:"verdict"`
	Detail   string `json:"detail,omitempty"`
}

// Store persists runs. Safe for concurrent use.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the run database at path.
func Open(path string) (*Store, error) {
	db, err := open(path)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// OpenMemory opens an in-memory store, for tests.
func OpenMemory() (*Store, error) {
	db, err := open(":memory:")
	if err != nil {
		return nil, err
	}
	// Every new connection to :memory: is a fresh database.
	db.SetMaxOpenConns(1)
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// NewRunID mints a time-ordered run identifier.
func NewRunID() string {
	return "run_" + uuid.Must(uuid.NewV7()).String()
}

// CreateRun records a new pending run.
func (s *Store) CreateRun(ctx context.Context, id string, orgPath []string, period string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := exec(ctx, s.db,
		`INSERT INTO runs (id, org_path, period, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		id, strings.Join(orgPath, "/"), period, StatusPending, now, now)
	if err != nil {
		return fmt.Errorf("runstore: create run: %w", err)
	}
	return nil
}

// SetStatus moves a run to status, recording an error message if any.
func (s *Store) SetStatus(ctx context.Context, id, status, errMsg string) error {
	res, err := exec(ctx, s.db,
		`UPDATE runs SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
		status, errMsg, time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("runstore: set status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CompleteRun stores the fill report and validation outcome, marks the run
// completed and persists every per-field verdict in one transaction.
func (s *Store) CompleteRun(ctx context.Context, id string, report *filler.Report, v filler.Validation) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)

	return runTx(ctx, s.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE runs SET status = ?, attempted = ?, filled = ?, skipped_hidden = ?,
			        failed = ?, success_rate = ?, validation_triggered = ?,
			        screenshot_path = ?, updated_at = ?
			 WHERE id = ?`,
			StatusCompleted, report.Attempted, len(report.Filled), len(report.SkippedHidden),
			len(report.Failed), report.SuccessRate, boolInt(v.Triggered),
			v.ScreenshotPath, now, id)
		if err != nil {
			return fmt.Errorf("runstore: complete run: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}

		insert := `INSERT OR REPLACE INTO fill_results (run_id, field_key, verdict, detail)
		           VALUES (?, ?, ?, ?)`
		for _, key := range report.Filled {
			if _, err := tx.ExecContext(ctx, insert, id, key, VerdictFilled, ""); err != nil {
				return fmt.Errorf("runstore: insert result: %w", err)
			}
		}
		for _, key := range report.SkippedHidden {
			if _, err := tx.ExecContext(ctx, insert, id, key, VerdictSkipped, ""); err != nil {
				return fmt.Errorf("runstore: insert result: %w", err)
			}
		}
		for key, reason := range report.Failed {
			if _, err := tx.ExecContext(ctx, insert, id, key, VerdictFailed, reason); err != nil {
				return fmt.Errorf("runstore: insert result: %w", err)
			}
		}
		return nil
	})
}

// GetRun fetches one run.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, org_path, period, status, attempted, filled, skipped_hidden,
		        failed, success_rate, validation_triggered, screenshot_path,
		        error, created_at, updated_at
		 FROM runs WHERE id = ?`, id)
	return scanRun(row)
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, org_path, period, status, attempted, filled, skipped_hidden,
		        failed, success_rate, validation_triggered, screenshot_path,
		        error, created_at, updated_at
		 FROM runs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("runstore: list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Results returns a run's per-field verdicts.
func (s *Store) Results(ctx context.Context, id string) ([]FieldResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT field_key, verdict, detail FROM fill_results
		 WHERE run_id = ? ORDER BY field_key`, id)
	if err != nil {
		return nil, fmt.Errorf("runstore: results: %w", err)
	}
	defer rows.Close()

	var out []FieldResult
	for rows.Next() {
		var fr FieldResult
		if err := rows.Scan(&fr.FieldKey, &fr.Verdict, &fr.Detail); err != nil {
			return nil, fmt.Errorf("runstore: scan result: %w", err)
		}
		out = append(out, fr)
	}
	return out, rows.Err()
}

// HasCompletedRun reports whether a completed run already exists for the
// same unit and period. The HTTP layer turns this into a conflict response.
func (s *Store) HasCompletedRun(ctx context.Context, orgPath []string, period string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM runs WHERE org_path = ? AND period = ? AND status = ?`,
		strings.Join(orgPath, "/"), period, StatusCompleted).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("runstore: duplicate check: %w", err)
	}
	return n > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var r Run
	var orgPath, createdAt, updatedAt string
	var validation int
	err := row.Scan(&r.ID, &orgPath, &r.Period, &r.Status, &r.Attempted, &r.Filled,
		&r.SkippedHidden, &r.Failed, &r.SuccessRate, &validation,
		&r.ScreenshotPath, &r.Error, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("runstore: scan run: %w", err)
	}
	if orgPath != "" {
		r.OrgPath = strings.Split(orgPath, "/")
	}
	r.ValidationTriggered = validation != 0
	r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	r.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &r, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
