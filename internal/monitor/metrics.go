package monitor

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/crypto-trading/ibportal/internal/domain"
)

var allStates = []domain.SessionState{
	domain.SessionNotStarted,
	domain.SessionServerStarting,
	domain.SessionAwaitingUserLogin,
	domain.SessionAuthenticated,
	domain.SessionClosed,
	domain.SessionFailed,
}

// Metrics is safe to use through a nil pointer; every recorder is a no-op then.
type Metrics struct {
	GatewayRequestTotal   *prometheus.CounterVec
	GatewayRequestLatency *prometheus.HistogramVec
	GatewayRequestError   *prometheus.CounterVec
	RateLimitWait         *prometheus.HistogramVec
	SessionState          *prometheus.GaugeVec
	AuthAttemptTotal      *prometheus.CounterVec
	RenewalTotal          *prometheus.CounterVec
	GatewayProcessUp      prometheus.Gauge
	StreamMessagesTotal   *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		GatewayRequestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_request_total",
			Help: "Gateway REST requests by endpoint, method and status code",
		}, []string{"endpoint", "method", "status"}),

		GatewayRequestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_request_latency_ms",
			Help:    "Gateway REST round trip latency",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		}, []string{"endpoint", "method"}),

		GatewayRequestError: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_request_error_total",
			Help: "Gateway REST errors by endpoint and kind",
		}, []string{"endpoint", "kind"}),

		RateLimitWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_rate_limit_wait_ms",
			Help:    "Time spent waiting for a pacing token",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		}, []string{"category"}),

		SessionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "session_state",
			Help: "1 for the current session state, 0 otherwise",
		}, []string{"state"}),

		AuthAttemptTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "session_auth_attempt_total",
			Help: "Authentication status polls by outcome",
		}, []string{"outcome"}),

		RenewalTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "session_renewal_total",
			Help: "Keepalive renewals by result",
		}, []string{"result"}),

		GatewayProcessUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_process_up",
			Help: "1 while the owned gateway process is running",
		}),

		StreamMessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stream_messages_total",
			Help: "WebSocket messages received by topic",
		}, []string{"topic"}),
	}

	reg.MustRegister(
		m.GatewayRequestTotal,
		m.GatewayRequestLatency,
		m.GatewayRequestError,
		m.RateLimitWait,
		m.SessionState,
		m.AuthAttemptTotal,
		m.RenewalTotal,
		m.GatewayProcessUp,
		m.StreamMessagesTotal,
	)

	return m
}

func (m *Metrics) ObserveRequest(endpoint, method string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.GatewayRequestTotal.WithLabelValues(endpoint, method, strconv.Itoa(status)).Inc()
	m.GatewayRequestLatency.WithLabelValues(endpoint, method).Observe(float64(elapsed.Milliseconds()))
}

func (m *Metrics) ObserveError(endpoint, kind string) {
	if m == nil {
		return
	}
	m.GatewayRequestError.WithLabelValues(endpoint, kind).Inc()
}

func (m *Metrics) ObserveRateLimitWait(category domain.EndpointCategory, waited time.Duration) {
	if m == nil {
		return
	}
	m.RateLimitWait.WithLabelValues(string(category)).Observe(float64(waited.Milliseconds()))
}

func (m *Metrics) SetSessionState(state domain.SessionState) {
	if m == nil {
		return
	}
	for _, s := range allStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.SessionState.WithLabelValues(string(s)).Set(v)
	}
}

func (m *Metrics) ObserveAuthAttempt(outcome string) {
	if m == nil {
		return
	}
	m.AuthAttemptTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveRenewal(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.RenewalTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) SetProcessUp(up bool) {
	if m == nil {
		return
	}
	if up {
		m.GatewayProcessUp.Set(1)
		return
	}
	m.GatewayProcessUp.Set(0)
}

func (m *Metrics) ObserveStreamMessage(topic string) {
	if m == nil {
		return
	}
	m.StreamMessagesTotal.WithLabelValues(topic).Inc()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor serves a specific registry, used when the binary does not
// register into the default one.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
