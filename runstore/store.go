// Package runstore keeps a SQLite log of finished pipeline runs and their
// traces, for review and reporting.
package runstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/liamcoop/rescueplan/pipeline"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned for unknown run ids.
var ErrNotFound = errors.New("run not found")

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id TEXT PRIMARY KEY,
	incident_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	state TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	message TEXT NOT NULL DEFAULT '',
	partial INTEGER NOT NULL DEFAULT 0,
	committed INTEGER NOT NULL DEFAULT 0,
	coverage_rate REAL NOT NULL DEFAULT 0,
	started_at INTEGER NOT NULL,
	finished_at INTEGER NOT NULL,
	result TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_incident ON runs(incident_id, finished_at);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status, finished_at);

CREATE TABLE IF NOT EXISTS run_trace (
	run_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	stage TEXT NOT NULL,
	from_state TEXT NOT NULL,
	to_state TEXT NOT NULL,
	started_at INTEGER NOT NULL,
	duration_us INTEGER NOT NULL,
	error TEXT NOT NULL DEFAULT '',
	input TEXT NOT NULL,
	output TEXT NOT NULL,
	PRIMARY KEY(run_id, seq),
	FOREIGN KEY(run_id) REFERENCES runs(run_id) ON DELETE CASCADE
);
`

// Summary is the list view of a run.
type Summary struct {
	RunID        string          `json:"run_id"`
	IncidentID   string          `json:"incident_id,omitempty"`
	Status       pipeline.Status `json:"status"`
	State        pipeline.State  `json:"state"`
	Reason       pipeline.Reason `json:"reason,omitempty"`
	Message      string          `json:"message,omitempty"`
	Partial      bool            `json:"partial"`
	Committed    bool            `json:"committed"`
	CoverageRate float64         `json:"coverage_rate"`
	StartedAt    time.Time       `json:"started_at"`
	FinishedAt   time.Time       `json:"finished_at"`
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	IncidentID string
	Status     pipeline.Status
	Limit      int
}

type Store struct {
	db *sql.DB
}

func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Pragmas are per connection.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set sqlite pragma %q: %w", stmt, err)
		}
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// Save stores res and its trace. Saving a run id again replaces it.
func (s *Store) Save(ctx context.Context, res *pipeline.Result) error {
	if res == nil || res.RunID == "" {
		return errors.New("save run: run id is required")
	}
	body, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode run %s: %w", res.RunID, err)
	}

	var partial, committed bool
	var coverage float64
	if res.Plan != nil {
		partial, committed, coverage = res.Plan.Partial, res.Plan.Committed, res.Plan.OverallCoverageRate
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`DELETE FROM run_trace WHERE run_id = ?`,
		`DELETE FROM runs WHERE run_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, res.RunID); err != nil {
			return fmt.Errorf("replace run %s: %w", res.RunID, err)
		}
	}
	_, err = tx.ExecContext(
		ctx,
		`INSERT INTO runs(
			run_id, incident_id, status, state, reason, message, partial, committed,
			coverage_rate, started_at, finished_at, result
		) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		res.RunID, res.IncidentID, string(res.Status), string(res.State), string(res.Reason), res.Message,
		boolToInt(partial), boolToInt(committed), coverage,
		res.StartedAt.UnixMicro(), res.FinishedAt.UnixMicro(), string(body),
	)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", res.RunID, err)
	}

	for i, tr := range res.Trace {
		in, err := json.Marshal(tr.Input)
		if err != nil {
			return fmt.Errorf("encode trace input: %w", err)
		}
		out, err := json.Marshal(tr.Output)
		if err != nil {
			return fmt.Errorf("encode trace output: %w", err)
		}
		_, err = tx.ExecContext(
			ctx,
			`INSERT INTO run_trace(
				run_id, seq, stage, from_state, to_state, started_at, duration_us, error, input, output
			) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			res.RunID, i, tr.Stage, string(tr.From), string(tr.To),
			tr.StartedAt.UnixMicro(), tr.Duration.Microseconds(), tr.Error, string(in), string(out),
		)
		if err != nil {
			return fmt.Errorf("insert trace %s/%d: %w", res.RunID, i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save: %w", err)
	}
	return nil
}

// Get returns the stored result of runID.
func (s *Store) Get(ctx context.Context, runID string) (*pipeline.Result, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT result FROM runs WHERE run_id = ?`, runID).Scan(&body)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
		}
		return nil, fmt.Errorf("get run: %w", err)
	}
	var res pipeline.Result
	if err := json.Unmarshal([]byte(body), &res); err != nil {
		return nil, fmt.Errorf("decode run %s: %w", runID, err)
	}
	return &res, nil
}

// Trace returns the trace of runID in transition order.
func (s *Store) Trace(ctx context.Context, runID string) ([]pipeline.TraceRecord, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT stage, from_state, to_state, started_at, duration_us, error, input, output
		FROM run_trace WHERE run_id = ? ORDER BY seq`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("list trace: %w", err)
	}
	defer rows.Close()

	result := make([]pipeline.TraceRecord, 0)
	for rows.Next() {
		var tr pipeline.TraceRecord
		var from, to, in, out string
		var started, duration int64
		if err := rows.Scan(&tr.Stage, &from, &to, &started, &duration, &tr.Error, &in, &out); err != nil {
			return nil, fmt.Errorf("scan trace: %w", err)
		}
		tr.From = pipeline.State(from)
		tr.To = pipeline.State(to)
		tr.StartedAt = time.UnixMicro(started).UTC()
		tr.Duration = time.Duration(duration) * time.Microsecond
		if err := json.Unmarshal([]byte(in), &tr.Input); err != nil {
			return nil, fmt.Errorf("decode trace input: %w", err)
		}
		if err := json.Unmarshal([]byte(out), &tr.Output); err != nil {
			return nil, fmt.Errorf("decode trace output: %w", err)
		}
		result = append(result, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trace: %w", err)
	}
	return result, nil
}

// List returns run summaries, most recent first.
func (s *Store) List(ctx context.Context, f Filter) ([]Summary, error) {
	var (
		where []string
		args  []any
	)
	if f.IncidentID != "" {
		where = append(where, "incident_id = ?")
		args = append(args, f.IncidentID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	query := `SELECT run_id, incident_id, status, state, reason, message, partial, committed,
		coverage_rate, started_at, finished_at FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY finished_at DESC, run_id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	result := make([]Summary, 0)
	for rows.Next() {
		var sum Summary
		var status, state, reason string
		var partial, committed int
		var started, finished int64
		if err := rows.Scan(
			&sum.RunID, &sum.IncidentID, &status, &state, &reason, &sum.Message,
			&partial, &committed, &sum.CoverageRate, &started, &finished,
		); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		sum.Status = pipeline.Status(status)
		sum.State = pipeline.State(state)
		sum.Reason = pipeline.Reason(reason)
		sum.Partial = partial != 0
		sum.Committed = committed != 0
		sum.StartedAt = time.UnixMicro(started).UTC()
		sum.FinishedAt = time.UnixMicro(finished).UTC()
		result = append(result, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return result, nil
}

// Prune removes runs finished before the given time, with their traces.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin prune: %w", err)
	}
	defer tx.Rollback()

	cutoff := before.UnixMicro()
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM run_trace WHERE run_id IN (SELECT run_id FROM runs WHERE finished_at < ?)`, cutoff); err != nil {
		return 0, fmt.Errorf("prune traces: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE finished_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit prune: %w", err)
	}
	return n, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
