package stream

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/crypto-trading/ibportal/internal/domain"
	"github.com/crypto-trading/ibportal/internal/monitor"
)

var (
	ErrNotConnected = errors.New("websocket not connected")
	// ErrClosed is returned by Connect once Close has been called.
	ErrClosed = errors.New("websocket client closed")
)

// Publisher receives every decoded frame in addition to the Messages channel.
type Publisher interface {
	PublishStream(msg domain.StreamMessage)
}

// Client is a market data websocket against the gateway's /api/ws endpoint.
// A "tic" heartbeat keeps the gateway from dropping an idle connection.
type Client struct {
	url       string
	heartbeat time.Duration
	dialer    websocket.Dialer

	mu     sync.Mutex
	conn   *websocket.Conn
	subs   map[string][]string
	closed bool
	done   chan struct{}

	reconnectBase time.Duration
	reconnectMax  time.Duration
	maxFailures   int

	out       chan domain.StreamMessage
	publisher Publisher
	metrics   *monitor.Metrics
	logger    *slog.Logger
}

type Option func(*Client)

func WithPublisher(p Publisher) Option {
	return func(c *Client) { c.publisher = p }
}

func WithMetrics(m *monitor.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

func WithReconnect(base, maxDelay time.Duration, maxFailures int) Option {
	return func(c *Client) {
		c.reconnectBase = base
		c.reconnectMax = maxDelay
		c.maxFailures = maxFailures
	}
}

// URLFromBase derives the websocket URL from the REST base, e.g.
// https://localhost:5000 becomes wss://localhost:5000/v1/api/ws.
func URLFromBase(baseURL, apiVersion string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = "/" + apiVersion + "/api/ws"
	return u.String(), nil
}

func New(wsURL string, heartbeat time.Duration, insecureSkipVerify bool, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		url:       wsURL,
		heartbeat: heartbeat,
		dialer: websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			TLSClientConfig:  &tls.Config{InsecureSkipVerify: insecureSkipVerify}, //nolint:gosec // local self-signed gateway
		},
		subs:          make(map[string][]string),
		done:          make(chan struct{}),
		reconnectBase: 100 * time.Millisecond,
		reconnectMax:  30 * time.Second,
		maxFailures:   5,
		out:           make(chan domain.StreamMessage, 256),
		logger:        logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Messages is closed when Run returns.
func (c *Client) Messages() <-chan domain.StreamMessage {
	return c.out
}

func (c *Client) Connect(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("websocket connect to %s: %w", c.url, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	prev := c.conn
	c.conn = conn
	c.mu.Unlock()

	if prev != nil {
		_ = prev.Close()
	}

	c.logger.Info("websocket connected", "url", c.url)
	return nil
}

func (c *Client) reconnect(ctx context.Context) error {
	delay := c.reconnectBase
	for i := 0; i < c.maxFailures; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return ErrClosed
		case <-time.After(delay):
		}

		if err := c.Connect(ctx); err != nil {
			if errors.Is(err, ErrClosed) {
				return err
			}
			c.logger.Warn("reconnect attempt failed",
				"attempt", i+1, "error", err)
			delay *= 2
			if delay > c.reconnectMax {
				delay = c.reconnectMax
			}
			continue
		}
		return c.resubscribe()
	}
	return fmt.Errorf("failed to reconnect after %d attempts", c.maxFailures)
}

func (c *Client) resubscribe() error {
	c.mu.Lock()
	subs := make(map[string][]string, len(c.subs))
	for k, v := range c.subs {
		subs[k] = v
	}
	c.mu.Unlock()

	for conid, fields := range subs {
		if err := c.Subscribe(conid, fields); err != nil {
			return fmt.Errorf("resubscribe %s: %w", conid, err)
		}
	}
	return nil
}

func (c *Client) send(msg string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, []byte(msg))
}

// Subscribe requests streaming market data for conid.
func (c *Client) Subscribe(conid string, fields []string) error {
	args, err := json.Marshal(map[string][]string{"fields": fields})
	if err != nil {
		return fmt.Errorf("marshal subscription: %w", err)
	}
	if err := c.send("smd+" + conid + "+" + string(args)); err != nil {
		return err
	}

	c.mu.Lock()
	c.subs[conid] = fields
	c.mu.Unlock()
	c.logger.Info("subscribed to market data", "conid", conid, "fields", fields)
	return nil
}

func (c *Client) Unsubscribe(conid string) error {
	if err := c.send("umd+" + conid + "+{}"); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.subs, conid)
	c.mu.Unlock()
	return nil
}

// Run reads frames until ctx is done or Close is called. It reconnects on
// read errors and gives up after the configured number of failures.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.out)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-runCtx.Done()
		c.closeConn()
	}()
	if c.heartbeat > 0 {
		go c.heartbeatLoop(runCtx)
	}

	for {
		c.mu.Lock()
		conn := c.conn
		closed := c.closed
		c.mu.Unlock()

		if closed || ctx.Err() != nil {
			return nil
		}
		if conn == nil {
			return ErrNotConnected
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			closed = c.closed
			c.mu.Unlock()
			if closed || ctx.Err() != nil {
				return nil
			}
			c.logger.Error("websocket read error", "error", err)
			if reconnErr := c.reconnect(runCtx); reconnErr != nil {
				if ctx.Err() != nil || errors.Is(reconnErr, ErrClosed) {
					return nil
				}
				c.logger.Error("reconnection failed permanently", "error", reconnErr)
				return reconnErr
			}
			continue
		}

		c.handleMessage(data)
	}
}

func (c *Client) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.send("tic"); err != nil {
				c.logger.Warn("heartbeat failed", "error", err)
			}
		}
	}
}

func (c *Client) handleMessage(data []byte) {
	var head struct {
		Topic string          `json:"topic"`
		ConID json.RawMessage `json:"conid"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		c.logger.Warn("failed to parse websocket message", "error", err)
		return
	}

	msg := domain.StreamMessage{
		Topic:      head.Topic,
		ConID:      parseConID(head.ConID),
		Payload:    json.RawMessage(append([]byte(nil), data...)),
		ReceivedAt: time.Now(),
	}

	kind, _, _ := strings.Cut(head.Topic, "+")
	c.metrics.ObserveStreamMessage(kind)
	if c.publisher != nil {
		c.publisher.PublishStream(msg)
	}

	select {
	case c.out <- msg:
	default:
		c.logger.Warn("stream consumer too slow, dropping message", "topic", head.Topic)
	}
}

func parseConID(raw json.RawMessage) int64 {
	if len(raw) == 0 {
		return 0
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		var parsed int64
		if _, err := fmt.Sscan(s, &parsed); err == nil {
			return parsed
		}
	}
	return 0
}

func (c *Client) closeConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	if c.conn != nil {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = c.conn.Close()
	}
}

// Close stops Run and closes the connection. The client cannot be
// reconnected afterwards.
func (c *Client) Close() error {
	c.closeConn()
	return nil
}
