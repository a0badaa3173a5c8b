package persistence

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crypto-trading/ibportal/internal/domain"
	"github.com/crypto-trading/ibportal/internal/eventbus"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func openStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "journal.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStore_CreatesMissingDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "data", "nested", "session_journal.db")

	store, err := NewSQLiteStore(dbPath, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.WriteEvent(domain.NewSessionEvent(domain.EventStateChange, domain.SessionServerStarting, "U1234567")))
	_, err = os.Stat(dbPath)
	assert.NoError(t, err)
}

func TestSQLiteStore_WriteAndRead(t *testing.T) {
	store := openStore(t)

	first := domain.NewSessionEvent(domain.EventStateChange, domain.SessionServerStarting, "U1234567")
	second := domain.NewSessionEvent(domain.EventAuthAttempt, domain.SessionAuthenticated, "U1234567")
	second.Attempt = 2
	second.Detail = "reauthenticated"

	require.NoError(t, store.WriteEvent(first))
	require.NoError(t, store.WriteEvent(second))

	events, err := store.RecentEvents(10)
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, second.ID, events[0].ID, "newest first")
	assert.Equal(t, domain.EventAuthAttempt, events[0].Kind)
	assert.Equal(t, domain.SessionAuthenticated, events[0].State)
	assert.Equal(t, 2, events[0].Attempt)
	assert.Equal(t, "reauthenticated", events[0].Detail)
	assert.Equal(t, first.ID, events[1].ID)

	limited, err := store.RecentEvents(1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestSQLiteStore_DuplicateIDRejected(t *testing.T) {
	store := openStore(t)

	ev := domain.NewSessionEvent(domain.EventRenewal, domain.SessionAuthenticated, "U1")
	require.NoError(t, store.WriteEvent(ev))
	assert.Error(t, store.WriteEvent(ev))
}

func TestSQLiteStore_CleanupOldEvents(t *testing.T) {
	store := openStore(t)

	old := domain.NewSessionEvent(domain.EventRenewal, domain.SessionAuthenticated, "U1")
	old.OccurredAt = time.Now().Add(-72 * time.Hour)
	fresh := domain.NewSessionEvent(domain.EventRenewal, domain.SessionAuthenticated, "U1")

	require.NoError(t, store.WriteEvent(old))
	require.NoError(t, store.WriteEvent(fresh))

	removed, err := store.CleanupOldEvents(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	events, err := store.RecentEvents(10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, fresh.ID, events[0].ID)
}

func TestPostgresStore_DisabledWithoutDSN(t *testing.T) {
	store, err := NewPostgresStore(context.Background(), "", 4, testLogger())
	require.NoError(t, err)
	assert.Nil(t, store)

	assert.NoError(t, store.RunMigrations(context.Background()))
	assert.NoError(t, store.WriteEvent(context.Background(), domain.SessionEvent{}))
	store.Close()
}

func TestAsyncWriter_JournalsBusEvents(t *testing.T) {
	store := openStore(t)
	bus := eventbus.New(16, testLogger())

	w := NewAsyncWriter(store, nil, 16, testLogger())
	w.Consume(bus.SubscribeSessionEvents())
	w.Run()

	bus.PublishSessionEvent(domain.NewSessionEvent(domain.EventStateChange, domain.SessionAwaitingUserLogin, "U1"))
	bus.PublishSessionEvent(domain.NewSessionEvent(domain.EventStateChange, domain.SessionAuthenticated, "U1"))

	bus.Close()
	w.Stop()

	events, err := store.RecentEvents(10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, domain.SessionAuthenticated, events[0].State)
	assert.Equal(t, domain.SessionAwaitingUserLogin, events[1].State)

	// Stop is idempotent.
	w.Stop()
}
