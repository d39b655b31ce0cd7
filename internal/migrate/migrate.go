// Package migrate applies the embedded SQL files in name order, each in its
// own transaction together with its schema_migrations row.
package migrate

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"slices"
	"strings"
	"time"

	"github.com/example/matrixsim/internal/db"
)

//go:embed *.sql
var files embed.FS

const createTable = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version    TEXT PRIMARY KEY,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// Migration is one embedded file and when it was applied, if ever.
type Migration struct {
	Version   string     `json:"version"`
	AppliedAt *time.Time `json:"applied_at,omitempty"`
}

func versions() ([]string, error) {
	entries, err := fs.ReadDir(files, ".")
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			out = append(out, e.Name())
		}
	}
	slices.Sort(out)
	return out, nil
}

// Status lists every embedded migration with its applied time.
func Status(ctx context.Context, q db.Querier) ([]Migration, error) {
	vs, err := versions()
	if err != nil {
		return nil, err
	}
	if _, err := q.Exec(ctx, createTable); err != nil {
		return nil, err
	}

	rows, err := q.Query(ctx, `SELECT version, applied_at FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	applied := map[string]time.Time{}
	for rows.Next() {
		var v string
		var at time.Time
		if err := rows.Scan(&v, &at); err != nil {
			return nil, err
		}
		applied[v] = at
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]Migration, 0, len(vs))
	for _, v := range vs {
		m := Migration{Version: v}
		if at, ok := applied[v]; ok {
			m.AppliedAt = &at
		}
		out = append(out, m)
	}
	return out, nil
}

// Up applies pending migrations and returns the versions it applied. A failed
// file is rolled back and stops the run; earlier files stay applied.
func Up(ctx context.Context, q db.Querier) ([]string, error) {
	ms, err := Status(ctx, q)
	if err != nil {
		return nil, err
	}

	var done []string
	for _, m := range ms {
		if m.AppliedAt != nil {
			continue
		}
		if err := apply(ctx, q, m.Version); err != nil {
			return done, fmt.Errorf("apply %s: %w", m.Version, err)
		}
		done = append(done, m.Version)
	}
	return done, nil
}

func apply(ctx context.Context, q db.Querier, version string) error {
	b, err := files.ReadFile(version)
	if err != nil {
		return err
	}

	tx, err := q.Begin(ctx)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, string(b)); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations(version) VALUES ($1)`, version); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}
