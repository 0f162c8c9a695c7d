// Package registry mirrors shard attach/detach history into SQLite for
// crash recovery and introspection. The directory rescan performed by
// the Shard Pool at startup remains the source of truth; this mirror
// only answers "what did we last see attached" without re-reading the
// shard directory.
//
// Uses the same sql.Open DSN/pragma shape and CREATE TABLE IF NOT EXISTS
// style as the rest of this codebase's SQLite usage, adapted to a much
// smaller single-table schema.
package registry

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/liliang-cn/newsindex/internal/errs"
	"github.com/liliang-cn/newsindex/internal/shardpool"
)

// Registry persists a mirror of shard attach events.
type Registry struct {
	db *sql.DB
}

// Open opens (creating if necessary) the registry database at path.
func Open(path string) (*Registry, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errs.Wrap(errs.KindFormatError, "registry_open", err)
	}
	db.SetMaxOpenConns(4)

	r := &Registry{db: db}
	if err := r.createTables(); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Registry) createTables() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS shards (
		name TEXT PRIMARY KEY,
		path TEXT NOT NULL,
		date TEXT NOT NULL,
		attached_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		status TEXT NOT NULL DEFAULT 'attached'
	);
	CREATE INDEX IF NOT EXISTS idx_shards_date ON shards(date);
	`
	if _, err := r.db.Exec(schema); err != nil {
		return errs.Wrap(errs.KindFormatError, "registry_create_tables", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (r *Registry) Close() error {
	return r.db.Close()
}

// RecordAttach upserts a shard row as attached. Intended as the
// Shard Pool's onAttach hook.
func (r *Registry) RecordAttach(e shardpool.Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO shards(name, path, date, status)
		VALUES (?, ?, ?, 'attached')
		ON CONFLICT(name) DO UPDATE SET path=excluded.path, date=excluded.date, status='attached', attached_at=CURRENT_TIMESTAMP
	`, e.Name, e.Path, e.Date)
	_ = err // best-effort mirror; the directory rescan remains authoritative
}

// RecordDetach marks a shard row as detached without deleting it, so
// attach history survives across restarts.
func (r *Registry) RecordDetach(name string) error {
	_, err := r.db.Exec(`UPDATE shards SET status='detached' WHERE name = ?`, name)
	if err != nil {
		return errs.Wrap(errs.KindFormatError, "registry_record_detach", err)
	}
	return nil
}

// Row is one registry entry as surfaced to the shard-introspection API.
type Row struct {
	Name       string
	Path       string
	Date       string
	AttachedAt string
	Status     string
}

// List returns every known shard row, most recently attached first.
func (r *Registry) List(ctx context.Context) ([]Row, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT name, path, date, attached_at, status FROM shards ORDER BY attached_at DESC`)
	if err != nil {
		return nil, errs.Wrap(errs.KindFormatError, "registry_list", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var row Row
		if err := rows.Scan(&row.Name, &row.Path, &row.Date, &row.AttachedAt, &row.Status); err != nil {
			return nil, errs.Wrap(errs.KindFormatError, "registry_list", err)
		}
		out = append(out, row)
	}
	return out, nil
}
