package persistence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/crypto-trading/ibportal/internal/domain"
)

// AsyncWriter drains session events into the journal off the caller's
// goroutine. Either store may be nil.
type AsyncWriter struct {
	writeCh       chan domain.SessionEvent
	sqliteStore   *SQLiteStore
	postgresStore *PostgresStore
	logger        *slog.Logger

	stopOnce  sync.Once
	consumers sync.WaitGroup
	runner    sync.WaitGroup
}

func NewAsyncWriter(
	sqliteStore *SQLiteStore,
	postgresStore *PostgresStore,
	bufferSize int,
	logger *slog.Logger,
) *AsyncWriter {
	return &AsyncWriter{
		writeCh:       make(chan domain.SessionEvent, bufferSize),
		sqliteStore:   sqliteStore,
		postgresStore: postgresStore,
		logger:        logger,
	}
}

func (w *AsyncWriter) Write(ev domain.SessionEvent) {
	select {
	case w.writeCh <- ev:
	default:
		w.logger.Warn("journal channel full, dropping session event",
			"kind", ev.Kind, "state", ev.State)
	}
}

// Consume forwards events from a bus subscription until it is closed.
func (w *AsyncWriter) Consume(events <-chan domain.SessionEvent) {
	w.consumers.Add(1)
	go func() {
		defer w.consumers.Done()
		for ev := range events {
			w.Write(ev)
		}
	}()
}

func (w *AsyncWriter) Run() {
	w.runner.Add(1)
	go func() {
		defer w.runner.Done()
		for ev := range w.writeCh {
			w.handleWrite(ev)
		}
	}()
}

func (w *AsyncWriter) handleWrite(ev domain.SessionEvent) {
	if w.sqliteStore != nil {
		if err := w.sqliteStore.WriteEvent(ev); err != nil {
			w.logger.Error("failed to journal session event", "error", err)
		}
	}
	if w.postgresStore != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := w.postgresStore.WriteEvent(ctx, ev); err != nil {
			w.logger.Error("failed to mirror session event", "error", err)
		}
	}
}

// Stop closes the queue and waits for pending writes. Close the bus
// subscription passed to Consume first.
func (w *AsyncWriter) Stop() {
	w.stopOnce.Do(func() {
		w.consumers.Wait()
		close(w.writeCh)
	})
	w.runner.Wait()
}
