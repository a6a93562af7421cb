// Package storage keeps the local call history in a SQLite database.
// Only finished calls land here; live signaling state lives in the
// shared document store and never touches disk.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/petervdpas/peercall/internal/call"
	"github.com/petervdpas/peercall/internal/signal"
)

// CallLog wraps the history database. It satisfies call.Log.
type CallLog struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
}

// Open opens or creates the call history database in the given directory.
func Open(configDir string) (*CallLog, error) {
	dbPath := filepath.Join(configDir, "calls.db")

	// Ensure directory exists
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return nil, fmt.Errorf("create config dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL mode so a history write never stalls an exiting call
	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS calls (
			call_id    TEXT NOT NULL,
			peer_id    TEXT NOT NULL,
			peer_name  TEXT DEFAULT '',
			direction  TEXT NOT NULL,
			kind       TEXT NOT NULL,
			reason     TEXT NOT NULL,
			started_at DATETIME NOT NULL,
			ended_at   DATETIME NOT NULL
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create calls table: %w", err)
	}
	if _, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_calls_started ON calls(started_at DESC);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create calls index: %w", err)
	}

	return &CallLog{db: db, path: dbPath}, nil
}

// Path returns the database file location.
func (l *CallLog) Path() string { return l.path }

// Record appends one finished call.
func (l *CallLog) Record(e call.LogEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.db.Exec(`
		INSERT INTO calls (call_id, peer_id, peer_name, direction, kind, reason, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.CallID, e.PeerID, e.PeerName, e.Direction, string(e.Kind), string(e.Reason),
		e.StartedAt.UTC().Format(time.RFC3339Nano), e.EndedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert call: %w", err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (l *CallLog) Recent(limit int) ([]call.LogEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.Query(`
		SELECT call_id, peer_id, peer_name, direction, kind, reason, started_at, ended_at
		FROM calls ORDER BY started_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query calls: %w", err)
	}
	defer rows.Close()

	var out []call.LogEntry
	for rows.Next() {
		var e call.LogEntry
		var kind, reason, started, ended string
		if err := rows.Scan(&e.CallID, &e.PeerID, &e.PeerName, &e.Direction, &kind, &reason, &started, &ended); err != nil {
			return nil, fmt.Errorf("scan call row: %w", err)
		}
		e.Kind = signal.MediaKind(kind)
		e.Reason = call.Reason(reason)
		if t, err := time.Parse(time.RFC3339Nano, started); err == nil {
			e.StartedAt = t
		}
		if t, err := time.Parse(time.RFC3339Nano, ended); err == nil {
			e.EndedAt = t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Prune deletes entries that ended before the cutoff. Returns how many
// rows were removed.
func (l *CallLog) Prune(before time.Time) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	res, err := l.db.Exec(`DELETE FROM calls WHERE ended_at < ?`, before.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("prune calls: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the database.
func (l *CallLog) Close() error {
	return l.db.Close()
}
