package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"geoalign/internal/job"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	id         TEXT PRIMARY KEY,
	status     TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	data       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at);
`

const sqliteUpsert = `
INSERT INTO jobs (id, status, created_at, updated_at, data)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	status = excluded.status,
	updated_at = excluded.updated_at,
	data = excluded.data
`

// SQLitePersister stores one row per job and writes only the changed record,
// inside a transaction, on each mutation.
type SQLitePersister struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLitePersister, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=FULL;`,
		`PRAGMA busy_timeout=5000;`,
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite %s: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLitePersister{db: db}, nil
}

// Load reads every row.
func (p *SQLitePersister) Load(ctx context.Context) (map[string]*job.Job, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, data FROM jobs`)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	jobs := make(map[string]*job.Job)
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		var j job.Job
		if err := json.Unmarshal([]byte(data), &j); err != nil {
			return nil, fmt.Errorf("decode job %s: %w", id, err)
		}
		jobs[id] = &j
	}
	return jobs, rows.Err()
}

// Save upserts changed, or every record when changed is nil.
func (p *SQLitePersister) Save(ctx context.Context, changed *job.Job, all map[string]*job.Job) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, sqliteUpsert)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	upsert := func(j *job.Job) error {
		data, err := json.Marshal(j)
		if err != nil {
			return fmt.Errorf("encode job %s: %w", j.ID, err)
		}
		_, err = stmt.ExecContext(ctx, j.ID, string(j.Status), j.CreatedAt.UnixMilli(), j.UpdatedAt.UnixMilli(), string(data))
		if err != nil {
			return fmt.Errorf("upsert job %s: %w", j.ID, err)
		}
		return nil
	}

	if changed != nil {
		if err := upsert(changed); err != nil {
			return err
		}
	} else {
		for _, j := range all {
			if err := upsert(j); err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

// Close closes the database.
func (p *SQLitePersister) Close() error {
	return p.db.Close()
}
