// Package history persists session and execution records so past bridge
// activity survives broker restarts.
package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/probelab/testbridge/internal/logger"
	"github.com/probelab/testbridge/internal/registry"
)

// Store records connection and execution history in SQLite. It implements
// registry.Recorder.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the history database under dataDir.
func NewStore(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "history.db")
	// WAL and a busy timeout for concurrent reader/writer access
	db, err := sql.Open("sqlite", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS connections (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL UNIQUE,
		test_file TEXT NOT NULL,
		test_name TEXT NOT NULL,
		connected_at DATETIME NOT NULL,
		closed_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_connections_identity ON connections(test_file, test_name);
	CREATE INDEX IF NOT EXISTS idx_connections_connected ON connections(connected_at);

	CREATE TABLE IF NOT EXISTS executions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		token TEXT NOT NULL,
		status TEXT NOT NULL,
		duration_ms INTEGER NOT NULL,
		executed_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_executions_session ON executions(session_id);
	CREATE INDEX IF NOT EXISTS idx_executions_executed ON executions(executed_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping() error {
	return s.db.Ping()
}

// RecordConnect stores a new session row. Implements registry.Recorder.
func (s *Store) RecordConnect(id registry.Identity, sessionID string, at time.Time) {
	_, err := s.db.Exec(
		`INSERT INTO connections (session_id, test_file, test_name, connected_at) VALUES (?, ?, ?, ?)`,
		sessionID, id.TestFile, id.TestName, at.UTC(),
	)
	if err != nil {
		logger.Error("Failed to record connect for session %s: %v", sessionID, err)
	}
}

// RecordDisconnect stamps the session's close time. Implements
// registry.Recorder.
func (s *Store) RecordDisconnect(sessionID string, at time.Time) {
	_, err := s.db.Exec(
		`UPDATE connections SET closed_at = ? WHERE session_id = ?`,
		at.UTC(), sessionID,
	)
	if err != nil {
		logger.Error("Failed to record disconnect for session %s: %v", sessionID, err)
	}
}

// RecordExecute stores one execute outcome. Implements registry.Recorder.
func (s *Store) RecordExecute(sessionID, token, status string, duration time.Duration) {
	_, err := s.db.Exec(
		`INSERT INTO executions (session_id, token, status, duration_ms, executed_at) VALUES (?, ?, ?, ?, ?)`,
		sessionID, token, status, duration.Milliseconds(), time.Now().UTC(),
	)
	if err != nil {
		logger.Error("Failed to record execution %s: %v", token, err)
	}
}

// ConnectionRecord is one row of connection history.
type ConnectionRecord struct {
	SessionID   string     `json:"session_id"`
	TestFile    string     `json:"test_file"`
	TestName    string     `json:"test_name"`
	ConnectedAt time.Time  `json:"connected_at"`
	ClosedAt    *time.Time `json:"closed_at,omitempty"`
}

// RecentConnections returns the most recent connection rows, newest first.
func (s *Store) RecentConnections(limit int) ([]ConnectionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT session_id, test_file, test_name, connected_at, closed_at
		 FROM connections ORDER BY connected_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query connections: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []ConnectionRecord
	for rows.Next() {
		var rec ConnectionRecord
		var closedAt sql.NullTime
		if err := rows.Scan(&rec.SessionID, &rec.TestFile, &rec.TestName, &rec.ConnectedAt, &closedAt); err != nil {
			return nil, fmt.Errorf("failed to scan connection row: %w", err)
		}
		if closedAt.Valid {
			t := closedAt.Time
			rec.ClosedAt = &t
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// ExecutionCount returns the number of recorded executions for a session.
func (s *Store) ExecutionCount(sessionID string) (int, error) {
	var count int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM executions WHERE session_id = ?`, sessionID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count executions: %w", err)
	}
	return count, nil
}

// Purge deletes connection and execution rows older than the cutoff and
// returns how many connection rows were removed.
func (s *Store) Purge(olderThan time.Time) (int64, error) {
	if _, err := s.db.Exec(`DELETE FROM executions WHERE executed_at < ?`, olderThan.UTC()); err != nil {
		return 0, fmt.Errorf("failed to purge executions: %w", err)
	}
	res, err := s.db.Exec(`DELETE FROM connections WHERE connected_at < ?`, olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to purge connections: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
