package eventbus

import (
	"encoding/json"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/crypto-trading/ibportal/internal/domain"
)

func TestEventBusSessionEvents(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	bus := New(10, logger)
	defer bus.Close()

	ch := bus.SubscribeSessionEvents()

	ev := domain.NewSessionEvent(domain.EventStateChange, domain.SessionAuthenticated, "U123")
	bus.PublishSessionEvent(ev)

	select {
	case received := <-ch:
		if received.ID != ev.ID {
			t.Errorf("expected event %s, got %s", ev.ID, received.ID)
		}
		if received.State != domain.SessionAuthenticated {
			t.Errorf("expected state AUTHENTICATED, got '%s'", received.State)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for session event")
	}
}

func TestEventBusStream(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	bus := New(10, logger)
	defer bus.Close()

	ch := bus.SubscribeStream()

	bus.PublishStream(domain.StreamMessage{
		Topic:   "smd+265598",
		ConID:   265598,
		Payload: json.RawMessage(`{"31":"190.25"}`),
	})

	select {
	case received := <-ch:
		if received.ConID != 265598 {
			t.Errorf("expected conid 265598, got %d", received.ConID)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for stream message")
	}
}

func TestEventBusDropOnFull(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	bus := New(1, logger)
	defer bus.Close()

	ch := bus.SubscribeSessionEvents()

	bus.PublishSessionEvent(domain.NewSessionEvent(domain.EventRenewal, domain.SessionAuthenticated, "U123"))
	bus.PublishSessionEvent(domain.NewSessionEvent(domain.EventRenewal, domain.SessionAuthenticated, "U123"))

	if len(ch) != 1 {
		t.Errorf("expected 1 buffered event, got %d", len(ch))
	}
}

func TestEventBusCloseIsIdempotent(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	bus := New(1, logger)

	ch := bus.SubscribeSessionEvents()
	bus.Close()
	bus.Close()

	if _, ok := <-ch; ok {
		t.Error("expected subscriber channel to be closed")
	}

	// publishing after close must not panic
	bus.PublishSessionEvent(domain.NewSessionEvent(domain.EventStateChange, domain.SessionClosed, "U123"))

	late := bus.SubscribeStream()
	if _, ok := <-late; ok {
		t.Error("expected late subscription to be closed")
	}
}
