package persistence

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/crypto-trading/ibportal/internal/domain"
)

// PostgresStore mirrors the session journal to a shared database. A nil
// store is valid and ignores writes.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewPostgresStore(ctx context.Context, dsn string, poolSize int, logger *slog.Logger) (*PostgresStore, error) {
	if dsn == "" {
		logger.Info("no PostgreSQL DSN configured, cold store disabled")
		return nil, nil
	}

	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pg config: %w", err)
	}

	config.MaxConns = int32(poolSize)

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &PostgresStore{pool: pool, logger: logger}
	return store, nil
}

func (s *PostgresStore) RunMigrations(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return nil
	}

	migrations := []string{
		`CREATE TABLE IF NOT EXISTS session_events (
			id UUID PRIMARY KEY,
			kind VARCHAR(32) NOT NULL,
			state VARCHAR(32) NOT NULL,
			account VARCHAR(32) NOT NULL,
			attempt INTEGER NOT NULL DEFAULT 0,
			detail TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			occurred_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_session_events_account
			ON session_events (account, occurred_at)`,
	}

	for _, m := range migrations {
		if _, err := s.pool.Exec(ctx, m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	s.logger.Info("PostgreSQL migrations completed")
	return nil
}

func (s *PostgresStore) WriteEvent(ctx context.Context, ev domain.SessionEvent) error {
	if s == nil || s.pool == nil {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO session_events (id, kind, state, account, attempt, detail, error, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`,
		ev.ID, string(ev.Kind), string(ev.State), ev.Account,
		ev.Attempt, ev.Detail, ev.Error, ev.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("insert session event: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
}
