package gateway

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/crypto-trading/ibportal/internal/config"
	"github.com/crypto-trading/ibportal/internal/domain"
	"github.com/crypto-trading/ibportal/internal/monitor"
)

const (
	DefaultAPIVersion     = "v1"
	DefaultRequestTimeout = 10 * time.Second

	loginPath = "/sso/Login?forwardTo=22&RL=1&ip2loc=on"
)

// Request describes one call against the portal API. Endpoint is the suffix
// after "{base}/{version}/portal/".
type Request struct {
	Endpoint    string
	Method      string
	ContentType domain.ContentType
	Params      *Params
	Body        any
}

// Client issues single request/response calls against the local gateway.
// It never retries; callers own retry policy.
type Client struct {
	baseURL     string
	apiVersion  string
	timeout     time.Duration
	httpClient  *http.Client
	rateLimiter *RateLimiter
	tolerated   map[string]struct{}
	metrics     *monitor.Metrics
	tracer      trace.Tracer
	logger      *slog.Logger
}

type Option func(*Client)

func WithAPIVersion(version string) Option {
	return func(c *Client) {
		if version != "" {
			c.apiVersion = version
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithHTTPClient replaces the transport; the per-request timeout still applies.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

func WithInsecureSkipVerify(skip bool) Option {
	return func(c *Client) {
		if t, ok := c.httpClient.Transport.(*http.Transport); ok {
			t.TLSClientConfig = &tls.Config{InsecureSkipVerify: skip} //nolint:gosec // local self-signed gateway
		}
	}
}

func WithRateLimiter(rl *RateLimiter) Option {
	return func(c *Client) { c.rateLimiter = rl }
}

// WithToleratedEndpoints replaces the set of endpoints whose non-2xx
// responses are logged instead of returned as errors.
func WithToleratedEndpoints(endpoints ...string) Option {
	return func(c *Client) {
		c.tolerated = make(map[string]struct{}, len(endpoints))
		for _, ep := range endpoints {
			c.tolerated[strings.Trim(ep, "/")] = struct{}{}
		}
	}
}

func WithMetrics(m *monitor.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

func WithTracer(t trace.Tracer) Option {
	return func(c *Client) {
		if t != nil {
			c.tracer = t
		}
	}
}

func NewClient(baseURL string, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiVersion: DefaultAPIVersion,
		timeout:    DefaultRequestTimeout,
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 90 * time.Second,
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec // local self-signed gateway
			},
		},
		tolerated: map[string]struct{}{EndpointAccount: {}},
		tracer:    otel.Tracer("github.com/crypto-trading/ibportal/internal/gateway"),
		logger:    logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewClientFromConfig wires a client from the gateway config section.
func NewClientFromConfig(cfg config.GatewayConfig, logger *slog.Logger, metrics *monitor.Metrics) (*Client, error) {
	base, err := cfg.BaseURL()
	if err != nil {
		return nil, fmt.Errorf("gateway base url: %w", err)
	}
	opts := []Option{
		WithAPIVersion(cfg.APIVersion),
		WithTimeout(cfg.RequestTimeout()),
		WithInsecureSkipVerify(cfg.InsecureSkipVerify),
		WithMetrics(metrics),
	}
	if len(cfg.TolerateEndpoints) > 0 {
		opts = append(opts, WithToleratedEndpoints(cfg.TolerateEndpoints...))
	}
	if len(cfg.RateLimits) > 0 {
		opts = append(opts, WithRateLimiter(NewRateLimiterFromConfig(cfg.RateLimits)))
	}
	return NewClient(base, logger, opts...), nil
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) APIVersion() string {
	return c.apiVersion
}

// LoginURL is the page the user opens to complete the browser login.
func (c *Client) LoginURL() string {
	return c.baseURL + loginPath
}

// BuildURL returns the percent-decoded portal URL for endpoint. If the
// joined string cannot be decoded it is returned as is.
func (c *Client) BuildURL(endpoint string) string {
	raw := c.baseURL + "/" + c.apiVersion + "/portal/" + strings.TrimPrefix(endpoint, "/")
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		return raw
	}
	return decoded
}

func (c *Client) isTolerated(endpoint string) bool {
	_, ok := c.tolerated[strings.Trim(endpoint, "/")]
	return ok
}

// Do performs req. A 2xx response yields the raw JSON body (nil when the body
// is empty) whatever Content-Type the gateway declared.
func (c *Client) Do(ctx context.Context, req Request) (json.RawMessage, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	ctx, span := c.tracer.Start(ctx, "gateway "+method+" "+req.Endpoint,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("gateway.endpoint", req.Endpoint),
		))
	defer span.End()

	// The timeout covers the pacing wait as well as the round trip.
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if c.rateLimiter != nil {
		if isNoWait(ctx) {
			if category, ok := c.rateLimiter.TryWait(req.Endpoint); !ok {
				c.logger.Debug("request dropped by rate limiter", "endpoint", req.Endpoint, "category", category)
				return nil, c.fail(span, &Error{Kind: KindRateLimited, Method: method, Endpoint: req.Endpoint, Err: ErrRateLimited})
			}
		} else {
			waitStart := time.Now()
			category, err := c.rateLimiter.Wait(ctx, req.Endpoint)
			c.metrics.ObserveRateLimitWait(category, time.Since(waitStart))
			if err != nil {
				return nil, c.fail(span, &Error{Kind: KindTransport, Method: method, Endpoint: req.Endpoint, Err: fmt.Errorf("rate limit: %w", err)})
			}
		}
	}

	target := c.BuildURL(req.Endpoint)
	if q := req.Params.Encode(); q != "" {
		target += "?" + q
	}

	reqBody, err := encodeBody(req.ContentType, req.Body)
	if err != nil {
		return nil, c.fail(span, &Error{Kind: KindTransport, Method: method, Endpoint: req.Endpoint, Err: fmt.Errorf("encode body: %w", err)})
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target, reqBody)
	if err != nil {
		return nil, c.fail(span, &Error{Kind: KindTransport, Method: method, Endpoint: req.Endpoint, Err: fmt.Errorf("create request: %w", err)})
	}
	if h := req.ContentType.Header(); h != "" {
		httpReq.Header.Set("Content-Type", h)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.metrics.ObserveError(req.Endpoint, KindTransport.String())
		return nil, c.fail(span, &Error{Kind: KindTransport, Method: method, Endpoint: req.Endpoint, Err: err})
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	elapsed := time.Since(start)
	c.metrics.ObserveRequest(req.Endpoint, method, resp.StatusCode, elapsed)
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if err != nil {
		return nil, c.fail(span, &Error{Kind: KindTransport, Method: method, Endpoint: req.Endpoint, StatusCode: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)})
	}

	c.logger.Debug("gateway round trip",
		"method", method,
		"url", target,
		"status", resp.StatusCode,
		"elapsed_ms", elapsed.Milliseconds(),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if c.isTolerated(req.Endpoint) {
			c.logger.Warn("tolerated endpoint returned error status",
				"endpoint", req.Endpoint,
				"status", resp.StatusCode,
			)
			return nil, nil
		}
		c.metrics.ObserveError(req.Endpoint, KindHTTPStatus.String())
		return nil, c.fail(span, &Error{
			Kind:       KindHTTPStatus,
			Method:     method,
			Endpoint:   req.Endpoint,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(respBody)),
		})
	}

	trimmed := bytes.TrimSpace(respBody)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if !json.Valid(trimmed) {
		c.metrics.ObserveError(req.Endpoint, KindDecode.String())
		return nil, c.fail(span, &Error{
			Kind:       KindDecode,
			Method:     method,
			Endpoint:   req.Endpoint,
			StatusCode: resp.StatusCode,
			Body:       string(trimmed),
			Err:        fmt.Errorf("response is not valid JSON"),
		})
	}
	return json.RawMessage(trimmed), nil
}

func (c *Client) fail(span trace.Span, err *Error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Kind.String())
	return err
}

func encodeBody(ct domain.ContentType, body any) (io.Reader, error) {
	if body == nil {
		return nil, nil
	}
	switch ct {
	case domain.ContentTypeForm:
		switch v := body.(type) {
		case url.Values:
			return strings.NewReader(v.Encode()), nil
		case map[string]string:
			form := url.Values{}
			for k, val := range v {
				form.Set(k, val)
			}
			return strings.NewReader(form.Encode()), nil
		default:
			return nil, fmt.Errorf("form body must be url.Values or map[string]string, got %T", body)
		}
	default:
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		return bytes.NewReader(data), nil
	}
}

func (c *Client) get(ctx context.Context, endpoint string, params *Params) (json.RawMessage, error) {
	return c.Do(ctx, Request{Endpoint: endpoint, Method: http.MethodGet, ContentType: domain.ContentTypeJSON, Params: params})
}

func (c *Client) post(ctx context.Context, endpoint string, body any) (json.RawMessage, error) {
	return c.Do(ctx, Request{Endpoint: endpoint, Method: http.MethodPost, ContentType: domain.ContentTypeJSON, Body: body})
}

func decodeInto[T any](raw json.RawMessage, endpoint string) (*T, error) {
	var out T
	if len(raw) == 0 {
		return &out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, &Error{Kind: KindDecode, Endpoint: endpoint, Body: string(raw), Err: err}
	}
	return &out, nil
}
