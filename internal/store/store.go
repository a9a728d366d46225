// Package store is the only component touching persistent state. It wraps a
// single SQLite database (WAL mode, foreign keys on, 5s busy timeout) shared
// by every sidecar component and, through the filesystem, by sibling
// processes such as the desktop shell and the MCP shim.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// timeLayout is the ISO-8601 UTC format used for every persisted timestamp.
const timeLayout = "2006-01-02T15:04:05.000Z"

// Store owns all database access. Writes are serialized through mu; reads
// take the read lock and see WAL snapshots.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open opens (or creates) the store at path, applies pending migrations and
// sweeps orphaned runs left behind by a crashed process.
func Open(path string) (*Store, error) {
	dsn := "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	swept, err := s.SweepOrphanRuns()
	if err != nil {
		slog.Warn("store: orphan sweep failed", "error", err)
	} else if swept > 0 {
		slog.Info("store: marked orphaned runs failed", "count", swept)
	}

	slog.Info("store opened", "path", path, "schema", s.mustVersion())
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) mustVersion() int {
	v, _ := s.SchemaVersion()
	return v
}

// Now returns the current time formatted for persistence.
func Now() string {
	return time.Now().UTC().Format(timeLayout)
}

// FormatTime renders t in the persisted timestamp format.
func FormatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// ParseTime parses a persisted timestamp. Accepts the canonical layout plus
// plain RFC3339 for rows written by older tooling.
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(timeLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

// nullStr maps an sql.NullString to a *string.
func nullStr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func nullInt(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}

func nullIntAsInt(ni sql.NullInt64) *int {
	if !ni.Valid {
		return nil
	}
	v := int(ni.Int64)
	return &v
}

func nullFloat(nf sql.NullFloat64) *float64 {
	if !nf.Valid {
		return nil
	}
	v := nf.Float64
	return &v
}
