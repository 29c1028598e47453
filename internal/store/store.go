// Package store provides the server-side entity store for the sync protocol.
//
// The store is a local SQLite database (embedded, WAL mode) holding one table
// per syncable entity kind plus the membership tables consulted by scope
// resolution and the durable retry queue.
//
// Every entity mutation stamps a fresh revision drawn from a single global
// counter, so revisions strictly increase across all writes and double as the
// replication cursor for pulls. Deletes are tombstones: the row keeps its id
// and last revision with deleted=1, and read paths decide visibility through
// an explicit includeTombstones parameter rather than an ambient filter.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// DB wraps the SQLite connection with entity-store functionality.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates a database connection at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent reads.
// If the database doesn't exist it is created; call InitSchema before use.
// The caller MUST call Close() when done.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{conn: conn, path: path}

	if _, err := db.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if _, err := db.conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return db, nil
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Close closes the database connection after checkpointing the WAL.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}
	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}
	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	db.conn = nil
	return nil
}

// InitSchema creates the database schema if it doesn't exist.
// Idempotent - safe to call multiple times.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// EntitySchema creates the per-kind entity tables and their indexes. The
// server store and the client mirror share these tables; everything else in
// InitSchema is server-only.
const EntitySchema = `
	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		revision INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		deleted INTEGER NOT NULL DEFAULT 0,
		deleted_at TEXT
	);

	CREATE TABLE IF NOT EXISTS properties (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		name TEXT NOT NULL,
		address TEXT NOT NULL DEFAULT '',
		property_type TEXT NOT NULL DEFAULT 'house',
		revision INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		deleted INTEGER NOT NULL DEFAULT 0,
		deleted_at TEXT
	);

	CREATE TABLE IF NOT EXISTS units (
		id TEXT PRIMARY KEY,
		property_id TEXT NOT NULL,
		name TEXT NOT NULL,
		unit_type TEXT NOT NULL DEFAULT 'other',
		revision INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		deleted INTEGER NOT NULL DEFAULT 0,
		deleted_at TEXT
	);

	CREATE TABLE IF NOT EXISTS records (
		id TEXT PRIMARY KEY,
		property_id TEXT NOT NULL,
		unit_id TEXT,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		record_type TEXT NOT NULL DEFAULT 'repair',
		status TEXT NOT NULL DEFAULT 'open',
		cost REAL NOT NULL DEFAULT 0,
		tags TEXT NOT NULL DEFAULT '[]',  -- JSON array
		revision INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		deleted INTEGER NOT NULL DEFAULT 0,
		deleted_at TEXT
	);

	CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		record_id TEXT NOT NULL,
		name TEXT NOT NULL,
		url TEXT NOT NULL DEFAULT '',
		content_type TEXT NOT NULL DEFAULT '',
		revision INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		deleted INTEGER NOT NULL DEFAULT 0,
		deleted_at TEXT
	);

	CREATE TABLE IF NOT EXISTS comments (
		id TEXT PRIMARY KEY,
		record_id TEXT NOT NULL,
		author_id TEXT NOT NULL DEFAULT '',
		body TEXT NOT NULL,
		revision INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		deleted INTEGER NOT NULL DEFAULT 0,
		deleted_at TEXT
	);

	-- Revision scans are the hot path for pulls.
	CREATE INDEX IF NOT EXISTS idx_projects_revision ON projects(revision);
	CREATE INDEX IF NOT EXISTS idx_properties_revision ON properties(revision);
	CREATE INDEX IF NOT EXISTS idx_properties_project ON properties(project_id);
	CREATE INDEX IF NOT EXISTS idx_units_revision ON units(revision);
	CREATE INDEX IF NOT EXISTS idx_units_property ON units(property_id);
	CREATE INDEX IF NOT EXISTS idx_records_revision ON records(revision);
	CREATE INDEX IF NOT EXISTS idx_records_property ON records(property_id);
	CREATE INDEX IF NOT EXISTS idx_documents_revision ON documents(revision);
	CREATE INDEX IF NOT EXISTS idx_documents_record ON documents(record_id);
	CREATE INDEX IF NOT EXISTS idx_comments_revision ON comments(revision);
	CREATE INDEX IF NOT EXISTS idx_comments_record ON comments(record_id);
`

// InitSchemaContext creates the database schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	schema := EntitySchema + `
	-- Global revision counter; every entity write bumps it inside the
	-- writing transaction so revisions are strictly increasing.
	CREATE TABLE IF NOT EXISTS sync_state (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		revision INTEGER NOT NULL
	);
	INSERT OR IGNORE INTO sync_state (id, revision) VALUES (1, 0);

	-- Membership tables consulted by scope resolution. Rows are managed by
	-- the CRUD/invitation surface, which is outside the sync subsystem.
	CREATE TABLE IF NOT EXISTS project_members (
		project_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		PRIMARY KEY (project_id, user_id)
	);

	CREATE TABLE IF NOT EXISTS property_members (
		property_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		PRIMARY KEY (property_id, user_id)
	);

	CREATE TABLE IF NOT EXISTS record_members (
		record_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		PRIMARY KEY (record_id, user_id)
	);

	-- Durable record of changes that failed to apply for unexpected
	-- reasons, reattempted out of band by the drain worker.
	CREATE TABLE IF NOT EXISTS retry_queue (
		id TEXT PRIMARY KEY,
		actor_id TEXT NOT NULL,
		scope_type TEXT NOT NULL,
		scope_id TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		operation TEXT NOT NULL,
		payload TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		retry_count INTEGER NOT NULL DEFAULT 0,
		next_retry_at TEXT NOT NULL,
		last_error TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_retry_due ON retry_queue(status, next_retry_at);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Begin starts a transaction. Push batches run all entity mutations inside
// one transaction and commit at the end of the batch (the flush boundary).
func (db *DB) Begin(ctx context.Context) (*sql.Tx, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return tx, nil
}

// NextRevision bumps and returns the global revision counter within tx.
func NextRevision(ctx context.Context, tx *sql.Tx) (int64, error) {
	var rev int64
	err := tx.QueryRowContext(ctx,
		`UPDATE sync_state SET revision = revision + 1 WHERE id = 1 RETURNING revision`).Scan(&rev)
	if err != nil {
		return 0, fmt.Errorf("failed to advance revision counter: %w", err)
	}
	return rev, nil
}

// CurrentRevision returns the last revision stamped on any entity.
func (db *DB) CurrentRevision(ctx context.Context) (int64, error) {
	var rev int64
	err := db.conn.QueryRowContext(ctx,
		`SELECT revision FROM sync_state WHERE id = 1`).Scan(&rev)
	if err != nil {
		return 0, fmt.Errorf("failed to read revision counter: %w", err)
	}
	return rev, nil
}

func timeToNullString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.Format(time.RFC3339), Valid: true}
}

func nullStringToTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil
	}
	return &t
}
