package eventbus

import (
	"log/slog"
	"sync"

	"github.com/crypto-trading/ibportal/internal/domain"
)

// EventBus fans session lifecycle events and streamed market data out to
// subscribers. Publishing never blocks; a full subscriber drops the event.
type EventBus struct {
	mu sync.RWMutex

	sessionSubs []chan domain.SessionEvent
	streamSubs  []chan domain.StreamMessage
	closed      bool

	bufferSize int
	logger     *slog.Logger
}

func New(bufferSize int, logger *slog.Logger) *EventBus {
	return &EventBus{
		bufferSize: bufferSize,
		logger:     logger,
	}
}

func (eb *EventBus) SubscribeSessionEvents() <-chan domain.SessionEvent {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	ch := make(chan domain.SessionEvent, eb.bufferSize)
	if eb.closed {
		close(ch)
		return ch
	}
	eb.sessionSubs = append(eb.sessionSubs, ch)
	return ch
}

func (eb *EventBus) PublishSessionEvent(ev domain.SessionEvent) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	if eb.closed {
		return
	}
	for _, ch := range eb.sessionSubs {
		select {
		case ch <- ev:
		default:
			eb.logger.Warn("session event subscriber channel full, dropping event",
				"kind", ev.Kind, "state", ev.State)
		}
	}
}

func (eb *EventBus) SubscribeStream() <-chan domain.StreamMessage {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	ch := make(chan domain.StreamMessage, eb.bufferSize)
	if eb.closed {
		close(ch)
		return ch
	}
	eb.streamSubs = append(eb.streamSubs, ch)
	return ch
}

func (eb *EventBus) PublishStream(msg domain.StreamMessage) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	if eb.closed {
		return
	}
	for _, ch := range eb.streamSubs {
		select {
		case ch <- msg:
		default:
			eb.logger.Warn("stream subscriber channel full, dropping message",
				"topic", msg.Topic)
		}
	}
}

func (eb *EventBus) Close() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	if eb.closed {
		return
	}
	eb.closed = true
	for _, ch := range eb.sessionSubs {
		close(ch)
	}
	for _, ch := range eb.streamSubs {
		close(ch)
	}
}
