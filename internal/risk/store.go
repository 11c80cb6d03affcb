package risk

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

const behaviorSchema = `
CREATE TABLE IF NOT EXISTS behavior_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	subject_id TEXT NOT NULL,
	timestamp_ms INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_behavior_subject ON behavior_events(subject_id);
CREATE INDEX IF NOT EXISTS idx_behavior_timestamp ON behavior_events(timestamp_ms);
`

// SQLiteBehaviorStore is the persistent sliding-window behavior counter
// from spec.md §4.4: a separate database from the ledger, same engine.
type SQLiteBehaviorStore struct {
	db *sql.DB
}

// NewSQLiteBehaviorStore opens (or creates) the behavior database.
func NewSQLiteBehaviorStore(dbPath string) (*SQLiteBehaviorStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening behavior db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}
	if _, err := db.Exec(behaviorSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating behavior schema: %w", err)
	}
	return &SQLiteBehaviorStore{db: db}, nil
}

// Record inserts a behavior event for subjectID at nowMs.
func (s *SQLiteBehaviorStore) Record(subjectID string, nowMs int64) error {
	_, err := s.db.Exec(
		`INSERT INTO behavior_events (subject_id, timestamp_ms) VALUES (?, ?)`,
		subjectID, nowMs,
	)
	if err != nil {
		return fmt.Errorf("recording behavior event: %w", err)
	}
	return nil
}

// Count implements spec.md §4.4's behavior-store contract: first delete
// rows with timestamp_ms <= cutoffMs for this subject, then return the
// remaining count. Pruning is lazy, triggered by counting.
func (s *SQLiteBehaviorStore) Count(subjectID string, cutoffMs int64) (int, error) {
	if _, err := s.db.Exec(
		`DELETE FROM behavior_events WHERE subject_id = ? AND timestamp_ms <= ?`,
		subjectID, cutoffMs,
	); err != nil {
		return 0, fmt.Errorf("pruning expired behavior events: %w", err)
	}

	var count int
	row := s.db.QueryRow(`SELECT COUNT(*) FROM behavior_events WHERE subject_id = ?`, subjectID)
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("counting behavior events: %w", err)
	}
	return count, nil
}

// Close releases the database handle.
func (s *SQLiteBehaviorStore) Close() error {
	return s.db.Close()
}
