package database

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps the SQLite database connection
type DB struct {
	conn      *sql.DB // Read connection pool
	writeConn *sql.DB // Dedicated write connection (1 connection)
}

// pragmas are applied to both the read pool and the write connection
var pragmas = []struct {
	stmt string
	what string
}{
	// WAL allows multiple readers and one writer at the same time
	{"PRAGMA journal_mode = WAL", "enable WAL mode"},
	// Wait and retry instead of immediately failing with SQLITE_BUSY
	{"PRAGMA busy_timeout = 5000", "set busy timeout"},
	{"PRAGMA foreign_keys = ON", "enable foreign keys"},
	{"PRAGMA synchronous = NORMAL", "set synchronous mode"},
}

func applyPragmas(conn *sql.DB) error {
	for _, p := range pragmas {
		if _, err := conn.Exec(p.stmt); err != nil {
			return fmt.Errorf("failed to %s: %w", p.what, err)
		}
	}
	return nil
}

// Open opens a connection to the SQLite database at the given path
// and initializes the schema if needed
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Multiple readers in WAL mode
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	if err := applyPragmas(conn); err != nil {
		conn.Close()
		return nil, err
	}

	// Create dedicated write connection (single connection, no pooling)
	writeConn, err := sql.Open("sqlite", path)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open write connection: %w", err)
	}
	writeConn.SetMaxOpenConns(1)
	writeConn.SetMaxIdleConns(1)
	writeConn.SetConnMaxLifetime(0) // Never expire

	if err := applyPragmas(writeConn); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, fmt.Errorf("write connection: %w", err)
	}

	db := &DB{
		conn:      conn,
		writeConn: writeConn,
	}

	if err := db.initSchema(); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	db.writeConn.Close()
	return db.conn.Close()
}

// initSchema creates all tables and indexes if they don't exist
func (db *DB) initSchema() error {
	schema := `
-- Account table (accounts auth mode)
CREATE TABLE IF NOT EXISTS Account (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE COLLATE NOCASE,
	password_hash TEXT NOT NULL,
	level INTEGER NOT NULL DEFAULT 20,
	created_at INTEGER NOT NULL,
	last_login INTEGER
);

-- AuditEvent table (ULID ids sort by time)
CREATE TABLE IF NOT EXISTS AuditEvent (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	movie TEXT NOT NULL DEFAULT '',
	user_name TEXT NOT NULL DEFAULT '',
	detail TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_movie ON AuditEvent(movie, created_at);

-- MovieAttribute table (snapshots of persistent movies)
CREATE TABLE IF NOT EXISTS MovieAttribute (
	movie TEXT NOT NULL COLLATE NOCASE,
	key TEXT NOT NULL,
	value BLOB NOT NULL,
	set_by TEXT NOT NULL DEFAULT '',
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (movie, key)
);
`
	_, err := db.writeConn.Exec(schema)
	return err
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
