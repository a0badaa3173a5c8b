package persistence

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/crypto-trading/ibportal/internal/domain"
)

// SQLiteStore is the local session journal.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens the journal at dbPath, creating its parent directory
// when missing.
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if !strings.HasPrefix(dbPath, "file:") {
		if dir := filepath.Dir(dbPath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create journal directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db, logger: logger}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS session_events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			kind TEXT NOT NULL,
			state TEXT NOT NULL,
			account TEXT NOT NULL,
			attempt INTEGER NOT NULL DEFAULT 0,
			detail TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			occurred_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_session_events_occurred
			ON session_events (occurred_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) WriteEvent(ev domain.SessionEvent) error {
	_, err := s.db.Exec(
		`INSERT INTO session_events (id, kind, state, account, attempt, detail, error, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID.String(), string(ev.Kind), string(ev.State), ev.Account,
		ev.Attempt, ev.Detail, ev.Error, ev.OccurredAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert session event: %w", err)
	}
	return nil
}

// RecentEvents returns up to limit events, newest first.
func (s *SQLiteStore) RecentEvents(limit int) ([]domain.SessionEvent, error) {
	rows, err := s.db.Query(
		`SELECT id, kind, state, account, attempt, detail, error, occurred_at
		FROM session_events ORDER BY seq DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query session events: %w", err)
	}
	defer rows.Close()

	var events []domain.SessionEvent
	for rows.Next() {
		var (
			ev         domain.SessionEvent
			id         string
			kind       string
			state      string
			occurredAt time.Time
		)
		if err := rows.Scan(&id, &kind, &state, &ev.Account, &ev.Attempt, &ev.Detail, &ev.Error, &occurredAt); err != nil {
			return nil, fmt.Errorf("scan session event: %w", err)
		}
		ev.ID, err = uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("parse event id %q: %w", id, err)
		}
		ev.Kind = domain.EventKind(kind)
		ev.State = domain.SessionState(state)
		ev.OccurredAt = occurredAt
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *SQLiteStore) CleanupOldEvents(maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge).UTC()
	res, err := s.db.Exec(
		"DELETE FROM session_events WHERE occurred_at < ?",
		cutoff,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
