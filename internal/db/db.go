package db

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"

	_ "modernc.org/sqlite"
)

type DB struct {
	conn *sql.DB
}

// Open opens the SQLite database at path. Transactions take the write lock
// up front so pool allocation is serialized across processes sharing the file.
func Open(path string) (*DB, error) {
	q := url.Values{}
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "busy_timeout(5000)")
	q.Set("_txlock", "immediate")

	db, err := sql.Open("sqlite", "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting wal mode: %w", err)
	}

	return &DB{conn: db}, nil
}

func (d *DB) Close() error {
	return d.conn.Close()
}

func (d *DB) Init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT 'user',
		token_hash TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS jobs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		service_name TEXT NOT NULL,
		status TEXT NOT NULL,
		assigned_ip TEXT NOT NULL DEFAULT '',
		template_type TEXT NOT NULL,
		owner TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		details_json TEXT NOT NULL DEFAULT '{}'
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_owner ON jobs(owner);

	CREATE TABLE IF NOT EXISTS machines (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		address TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'available',
		job_id INTEGER,
		owner_tag TEXT,
		occupant TEXT,
		FOREIGN KEY (job_id) REFERENCES jobs(id)
	);
	CREATE INDEX IF NOT EXISTS idx_machines_status ON machines(status);
	CREATE INDEX IF NOT EXISTS idx_machines_job ON machines(job_id);
	`

	if _, err := d.conn.Exec(schema); err != nil {
		return fmt.Errorf("initializing schema: %w", err)
	}

	return nil
}

func (d *DB) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return d.conn.ExecContext(ctx, query, args...)
}

func (d *DB) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return d.conn.QueryRowContext(ctx, query, args...)
}

func (d *DB) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return d.conn.QueryContext(ctx, query, args...)
}

func (d *DB) Begin(ctx context.Context) (*sql.Tx, error) {
	return d.conn.BeginTx(ctx, nil)
}
