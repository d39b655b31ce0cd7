// Package runs persists simulation runs, their parameters and their logs.
package runs

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/example/matrixsim/internal/db"
)

type Run struct {
	ID           int64      `json:"id"`
	Name         string     `json:"name"`
	ServerNumber int        `json:"server_number"`
	StartedAt    time.Time  `json:"start_timestamp"`
	EndedAt      *time.Time `json:"end_timestamp,omitempty"`
	Outcome      string     `json:"outcome"`
	Error        *string    `json:"error,omitempty"`
}

type Severity string

const (
	Info  Severity = "info"
	Warn  Severity = "warn"
	Error Severity = "error"
)

type LogEntry struct {
	RunID       int64     `json:"simulation_run_id"`
	Timestamp   time.Time `json:"timestamp"`
	Severity    Severity  `json:"severity"`
	Message     string    `json:"action"`
	StationCode *int      `json:"station_code,omitempty"`
	BinCode     *int      `json:"bin_code,omitempty"`
}

type Repo struct{ q db.Querier }

func NewRepo(q db.Querier) *Repo { return &Repo{q: q} }

// StartRun records the start of a run. A positive ID upserts that row so
// callers that pre-register runs keep their identifiers.
func (r *Repo) StartRun(ctx context.Context, run Run) (int64, error) {
	if run.ID > 0 {
		return r.startRunWithID(ctx, run)
	}
	var id int64
	err := r.q.QueryRow(ctx, `
INSERT INTO simulation_runs(name,server_number,start_timestamp,outcome)
VALUES ($1,$2,$3,'running')
RETURNING id`, run.Name, run.ServerNumber, run.StartedAt).Scan(&id)
	return id, db.WrapNotFound(err)
}

// startRunWithID reuses run.ID. Logs and parameters left by an earlier run
// with the same id are dropped, and the id sequence is moved past the highest
// id so generated ids never collide with explicit ones.
func (r *Repo) startRunWithID(ctx context.Context, run Run) (int64, error) {
	tx, err := r.q.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("db: begin: %w", err)
	}

	var id int64
	err = func() error {
		if _, err := tx.Exec(ctx, `DELETE FROM logs WHERE simulation_run_id=$1`, run.ID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM parameters WHERE simulation_run_id=$1`, run.ID); err != nil {
			return err
		}
		err := tx.QueryRow(ctx, `
INSERT INTO simulation_runs(id,name,server_number,start_timestamp,outcome)
VALUES ($1,$2,$3,$4,'running')
ON CONFLICT (id) DO UPDATE
SET name=EXCLUDED.name, server_number=EXCLUDED.server_number, start_timestamp=EXCLUDED.start_timestamp,
    end_timestamp=NULL, outcome='running', error=NULL
RETURNING id`, run.ID, run.Name, run.ServerNumber, run.StartedAt).Scan(&id)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
SELECT setval(pg_get_serial_sequence('simulation_runs','id'), (SELECT max(id) FROM simulation_runs))`)
		return err
	}()
	if err != nil {
		_ = tx.Rollback(ctx)
		return 0, fmt.Errorf("db: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("db: commit: %w", err)
	}
	return id, nil
}

// FinishRun sets the end timestamp and outcome once; later calls are no-ops.
func (r *Repo) FinishRun(ctx context.Context, id int64, endedAt time.Time, outcome string, runErr *string) error {
	_, err := r.q.Exec(ctx, `
UPDATE simulation_runs SET end_timestamp=$2, outcome=$3, error=$4
WHERE id=$1 AND end_timestamp IS NULL`, id, endedAt, outcome, runErr)
	return err
}

var logColumns = []string{"simulation_run_id", "timestamp", "severity", "action", "station_code", "bin_code"}

// AppendLogs writes entries in one COPY.
func (r *Repo) AppendLogs(ctx context.Context, entries []LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	_, err := r.q.CopyFrom(ctx, pgx.Identifier{"logs"}, logColumns,
		pgx.CopyFromSlice(len(entries), func(i int) ([]any, error) {
			e := entries[i]
			return []any{e.RunID, e.Timestamp, string(e.Severity), e.Message, e.StationCode, e.BinCode}, nil
		}))
	return err
}

// SaveParameters stores the request a run was started with.
func (r *Repo) SaveParameters(ctx context.Context, runID int64, request []byte) error {
	_, err := r.q.Exec(ctx, `
INSERT INTO parameters(simulation_run_id, request) VALUES ($1,$2)
ON CONFLICT (simulation_run_id) DO UPDATE SET request=EXCLUDED.request, created_at=now()`, runID, request)
	return err
}

func (r *Repo) Parameters(ctx context.Context, runID int64) ([]byte, error) {
	var b []byte
	err := r.q.QueryRow(ctx, `SELECT request FROM parameters WHERE simulation_run_id=$1`, runID).Scan(&b)
	if err != nil {
		return nil, db.WrapNotFound(err)
	}
	return b, nil
}

const runColumns = `id,name,server_number,start_timestamp,end_timestamp,outcome,error`

func scanRun(row pgx.Row) (Run, error) {
	var run Run
	err := row.Scan(&run.ID, &run.Name, &run.ServerNumber, &run.StartedAt, &run.EndedAt, &run.Outcome, &run.Error)
	return run, err
}

func (r *Repo) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	rows, err := r.q.Query(ctx, `SELECT `+runColumns+` FROM simulation_runs ORDER BY start_timestamp DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func (r *Repo) GetRun(ctx context.Context, id int64) (Run, error) {
	run, err := scanRun(r.q.QueryRow(ctx, `SELECT `+runColumns+` FROM simulation_runs WHERE id=$1`, id))
	if err != nil {
		return Run{}, db.WrapNotFound(err)
	}
	return run, nil
}

// ListLogs returns a run's entries in timestamp order.
func (r *Repo) ListLogs(ctx context.Context, runID int64, limit int) ([]LogEntry, error) {
	rows, err := r.q.Query(ctx, `
SELECT simulation_run_id,timestamp,severity,action,station_code,bin_code
FROM logs
WHERE simulation_run_id=$1
ORDER BY timestamp ASC, id ASC
LIMIT $2`, runID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LogEntry
	for rows.Next() {
		var e LogEntry
		var sev string
		if err := rows.Scan(&e.RunID, &e.Timestamp, &sev, &e.Message, &e.StationCode, &e.BinCode); err != nil {
			return nil, err
		}
		e.Severity = Severity(sev)
		out = append(out, e)
	}
	return out, rows.Err()
}
