package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crypto-trading/ibportal/internal/domain"
	"github.com/crypto-trading/ibportal/internal/gateway/simulated"
	"github.com/crypto-trading/ibportal/internal/monitor"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func newSimClient(t *testing.T, opts ...Option) (*Client, *simulated.Gateway) {
	t.Helper()
	sim := simulated.New([]string{"U123", "U456"}, testLogger())
	srv := httptest.NewTLSServer(sim)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, testLogger(), opts...), sim
}

func newRawClient(t *testing.T, handler http.HandlerFunc, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewTLSServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, testLogger(), opts...)
}

func TestBuildURL(t *testing.T) {
	c := NewClient("https://localhost:5000/", testLogger())

	assert.Equal(t, "https://localhost:5000/v1/portal/iserver/accounts", c.BuildURL("iserver/accounts"))
	assert.Equal(t, "https://localhost:5000/v1/portal/portfolio/U123/meta", c.BuildURL("/portfolio/U%31%323/meta"))
	assert.Equal(t, "https://localhost:5000/v1/portal/bad%zz", c.BuildURL("bad%zz"), "undecodable urls are kept verbatim")

	c2 := NewClient("https://10.0.0.5:5000", testLogger(), WithAPIVersion("v2"))
	assert.Equal(t, "https://10.0.0.5:5000/v2/portal/sso/validate", c2.BuildURL(EndpointValidate))
	assert.Equal(t, "https://10.0.0.5:5000/sso/Login?forwardTo=22&RL=1&ip2loc=on", c2.LoginURL())
}

func TestParams_Encode(t *testing.T) {
	p := NewParams().
		SetList("conids", []string{"265598", "8314"}).
		SetOptional("since", "").
		SetList("fields", []string{"31", "84"})

	assert.Equal(t, "conids=265598,8314&fields=31,84", p.Encode())
	_, ok := p.Get("since")
	assert.False(t, ok)

	single := NewParams().SetList("conids", []string{"265598"})
	assert.Equal(t, "conids=265598", single.Encode())

	var empty *Params
	assert.Equal(t, "", empty.Encode())
}

func TestDo_ReturnsJSONRegardlessOfContentType(t *testing.T) {
	c := newRawClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`[{"id":"U123"}]`))
	})

	raw, err := c.Do(context.Background(), Request{Endpoint: EndpointPortfolioAccounts})
	require.NoError(t, err)
	assert.JSONEq(t, `[{"id":"U123"}]`, string(raw))
}

func TestDo_EmptyBody(t *testing.T) {
	c := newRawClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	raw, err := c.Do(context.Background(), Request{Endpoint: EndpointReauthenticate, Method: http.MethodPost})
	require.NoError(t, err)
	assert.Nil(t, raw)
}

func TestDo_InvalidJSON(t *testing.T) {
	c := newRawClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<html>not json</html>"))
	})

	_, err := c.Do(context.Background(), Request{Endpoint: EndpointValidate})
	require.Error(t, err)
	assert.Equal(t, KindDecode, KindOf(err))
}

func TestDo_NonSuccessStatus(t *testing.T) {
	tests := []struct {
		name         string
		status       int
		unauthorized bool
	}{
		{"server error", http.StatusInternalServerError, false},
		{"not found", http.StatusNotFound, false},
		{"unauthorized", http.StatusUnauthorized, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newRawClient(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error":"nope"}`))
			})

			_, err := c.Do(context.Background(), Request{Endpoint: EndpointServerAccounts})
			require.Error(t, err)

			var gwErr *Error
			require.True(t, errors.As(err, &gwErr))
			assert.Equal(t, KindHTTPStatus, gwErr.Kind)
			assert.Equal(t, tt.status, gwErr.StatusCode)
			assert.Equal(t, `{"error":"nope"}`, gwErr.Body)
			assert.Equal(t, tt.unauthorized, errors.Is(err, ErrUnauthorized))
		})
	}
}

func TestDo_ToleratedEndpoint(t *testing.T) {
	c, sim := newSimClient(t)

	// U123 is already selected, so the gateway answers 500.
	raw, err := c.SwitchAccount(context.Background(), "U123")
	require.NoError(t, err)
	assert.Nil(t, raw)
	assert.Equal(t, 1, sim.Count(http.MethodPost, EndpointAccount))

	raw, err = c.SwitchAccount(context.Background(), "U456")
	require.NoError(t, err)
	assert.JSONEq(t, `{"set":true,"acctId":"U456"}`, string(raw))
}

func TestDo_ToleratedSetIsConfigurable(t *testing.T) {
	c, sim := newSimClient(t, WithToleratedEndpoints())
	sim.Fail(http.MethodPost, EndpointAccount, http.StatusInternalServerError)

	_, err := c.SwitchAccount(context.Background(), "U456")
	require.Error(t, err)
	assert.Equal(t, KindHTTPStatus, KindOf(err))
}

func TestDo_TimeoutIsApplied(t *testing.T) {
	c := newRawClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}, WithTimeout(50*time.Millisecond))

	start := time.Now()
	_, err := c.Do(context.Background(), Request{Endpoint: EndpointAuthStatus})
	require.Error(t, err)
	assert.Equal(t, KindTransport, KindOf(err))
	assert.Less(t, time.Since(start), time.Second)
}

func TestDo_RateLimitWaitIsBoundedByTimeout(t *testing.T) {
	rl := NewRateLimiter()
	rl.AddBucket(domain.EndpointValidate, 1, 1.0/60)
	c, sim := newSimClient(t, WithRateLimiter(rl), WithTimeout(100*time.Millisecond))

	_, err := c.Validate(context.Background())
	require.NoError(t, err)

	start := time.Now()
	_, err = c.Validate(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, KindTransport, KindOf(err))
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, 1, sim.Count(http.MethodGet, EndpointValidate))
}

func TestDo_NoWaitDropsPacedRequest(t *testing.T) {
	rl := NewRateLimiter()
	rl.AddBucket(domain.EndpointValidate, 1, 1.0/60)
	c, sim := newSimClient(t, WithRateLimiter(rl))

	_, err := c.Validate(NoWait(context.Background()))
	require.NoError(t, err, "a token is available for the first call")

	start := time.Now()
	_, err = c.Validate(NoWait(context.Background()))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, KindRateLimited, KindOf(err))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, 1, sim.Count(http.MethodGet, EndpointValidate))
}

func TestDo_RecordsMetrics(t *testing.T) {
	m := monitor.NewMetrics(prometheus.NewRegistry())
	c, _ := newSimClient(t, WithMetrics(m))

	_, err := c.Validate(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.GatewayRequestTotal.WithLabelValues(EndpointValidate, http.MethodGet, "200")))
}

func TestAuthStatus_VerbAndContentType(t *testing.T) {
	c, sim := newSimClient(t)
	ctx := context.Background()

	status, err := c.AuthStatus(ctx, true)
	require.NoError(t, err)
	assert.True(t, status.Authenticated)
	assert.Equal(t, "sim", status.ServerInfo.ServerName)

	_, err = c.AuthStatus(ctx, false)
	require.NoError(t, err)

	assert.Equal(t, 1, sim.Count(http.MethodGet, EndpointAuthStatus))
	assert.Equal(t, 1, sim.Count(http.MethodPost, EndpointAuthStatus))

	call, ok := sim.LastCall(http.MethodPost, EndpointAuthStatus)
	require.True(t, ok)
	assert.Empty(t, call.ContentType)
}

func TestAuthStatus_StatusCodeInBody(t *testing.T) {
	c := newRawClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"statusCode":401}`))
	})

	status, err := c.AuthStatus(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, 401, status.StatusCode)
	assert.False(t, status.Authenticated)
}

func TestServerAccounts(t *testing.T) {
	c, _ := newSimClient(t)

	accts, err := c.ServerAccounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"U123", "U456"}, accts.Accounts)
	assert.True(t, accts.Contains("U456"))
	assert.False(t, accts.Contains("U999"))
}

func TestPortfolioEndpoints(t *testing.T) {
	c, sim := newSimClient(t)
	ctx := context.Background()

	calls := []struct {
		endpoint string
		call     func() (json.RawMessage, error)
	}{
		{"portfolio/accounts", func() (json.RawMessage, error) { return c.PortfolioAccounts(ctx) }},
		{"portfolio/subaccounts", func() (json.RawMessage, error) { return c.PortfolioSubAccounts(ctx) }},
		{"portfolio/U123/meta", func() (json.RawMessage, error) { return c.PortfolioAccountInfo(ctx, "U123") }},
		{"portfolio/U123/summary", func() (json.RawMessage, error) { return c.PortfolioAccountSummary(ctx, "U123") }},
		{"portfolio/U123/ledger", func() (json.RawMessage, error) { return c.PortfolioAccountLedger(ctx, "U123") }},
		{"portfolio/U123/positions/0", func() (json.RawMessage, error) { return c.PortfolioAccountPositions(ctx, "U123", 0) }},
		{"portfolio/U123/position/265598", func() (json.RawMessage, error) { return c.PortfolioAccountPosition(ctx, "U123", "265598") }},
		{"portfolio/positions/265598", func() (json.RawMessage, error) { return c.PortfolioPositions(ctx, "265598") }},
	}

	for _, tc := range calls {
		t.Run(tc.endpoint, func(t *testing.T) {
			raw, err := tc.call()
			require.NoError(t, err)
			assert.NotEmpty(t, raw)
			assert.Equal(t, 1, sim.Count(http.MethodGet, tc.endpoint))
		})
	}
}

func TestMarketDataSnapshot_QueryString(t *testing.T) {
	c, sim := newSimClient(t)

	raw, err := c.MarketDataSnapshot(context.Background(), []string{"265598", "8314"}, "", []string{"31", "84"})
	require.NoError(t, err)

	call, ok := sim.LastCall(http.MethodGet, EndpointSnapshot)
	require.True(t, ok)
	assert.Contains(t, call.RawQuery, "conids=265598,8314&fields=31,84")
	assert.NotContains(t, call.RawQuery, "since")

	var rows []map[string]any
	require.NoError(t, json.Unmarshal(raw, &rows))
	assert.Len(t, rows, 2)
	assert.Equal(t, "100.00", rows[0]["31"])
}

func TestMarketDataSnapshot_OmitsEmptyFields(t *testing.T) {
	c, sim := newSimClient(t)

	_, err := c.MarketDataSnapshot(context.Background(), []string{"265598"}, "1700000000000", nil)
	require.NoError(t, err)

	call, ok := sim.LastCall(http.MethodGet, EndpointSnapshot)
	require.True(t, ok)
	assert.Equal(t, "conids=265598&since=1700000000000", call.RawQuery)
}

func TestMarketDataHistory(t *testing.T) {
	c, sim := newSimClient(t)

	_, err := c.MarketDataHistory(context.Background(), "265598", "1d", "5min")
	require.NoError(t, err)

	call, ok := sim.LastCall(http.MethodGet, EndpointHistory)
	require.True(t, ok)
	assert.Equal(t, "conid=265598&period=1d&bar=5min", call.RawQuery)
}

func TestSearchSymbol(t *testing.T) {
	c, sim := newSimClient(t)

	raw, err := c.SearchSymbol(context.Background(), "aapl", false)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"symbol":"AAPL"`)

	call, _ := sim.LastCall(http.MethodPost, EndpointSecdefSearch)
	assert.JSONEq(t, `{"symbol":"aapl"}`, string(call.Body))
}

func TestPlaceOrder_PlainMapping(t *testing.T) {
	c, sim := newSimClient(t)

	order := domain.OrderPayload{
		"conid":     265598,
		"orderType": "MKT",
		"side":      "BUY",
		"quantity":  1,
		"tif":       "DAY",
	}
	raw, err := c.PlaceOrder(context.Background(), "U123", order)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "order_id")

	call, ok := sim.LastCall("", "iserver/account/U123/order")
	require.True(t, ok)
	assert.Equal(t, http.MethodPost, call.Method)
	assert.Equal(t, "application/json", call.ContentType)
	assert.JSONEq(t, `{"conid":265598,"orderType":"MKT","side":"BUY","quantity":1,"tif":"DAY"}`, string(call.Body))
}

func TestPlaceOrder_TypedOrder(t *testing.T) {
	c, sim := newSimClient(t)

	order := domain.Order{
		ConID:           265598,
		CustomerOrderID: "my-order-1",
		OrderType:       domain.OrderTypeLimit,
		Price:           decimal.RequireFromString("190.25"),
		Side:            domain.SideSell,
		TIF:             domain.TIFGTC,
		Quantity:        decimal.NewFromInt(10),
	}
	_, err := c.WhatIfOrder(context.Background(), "U123", order)
	require.NoError(t, err)

	call, ok := sim.LastCall(http.MethodPost, "iserver/account/U123/order/whatif")
	require.True(t, ok)

	var body map[string]any
	require.NoError(t, json.Unmarshal(call.Body, &body))
	assert.Equal(t, "my-order-1", body["cOID"])
	assert.Equal(t, 190.25, body["price"])
	assert.Equal(t, "SELL", body["side"])
}

func TestPlaceOrder_InvalidTypedOrder(t *testing.T) {
	c, sim := newSimClient(t)

	_, err := c.PlaceOrder(context.Background(), "U123", domain.Order{ConID: 1, Side: domain.SideBuy})
	require.Error(t, err)
	assert.Equal(t, 0, sim.Count("", "iserver/account/U123/order"))

	_, err = c.PlaceOrder(context.Background(), "U123", nil)
	require.Error(t, err)
}

func TestPlaceOrders_WrapsBatch(t *testing.T) {
	c, sim := newSimClient(t)

	parent := domain.OrderPayload{"conid": 265598, "cOID": "parent", "orderType": "LMT", "price": 190, "side": "BUY", "quantity": 1, "tif": "DAY"}
	child := domain.OrderPayload{"conid": 265598, "parentId": "parent", "orderType": "STP", "price": 180, "side": "SELL", "quantity": 1, "tif": "GTC"}

	raw, err := c.PlaceOrders(context.Background(), "U123", parent, child)
	require.NoError(t, err)

	var acks []map[string]any
	require.NoError(t, json.Unmarshal(raw, &acks))
	assert.Len(t, acks, 2)

	call, ok := sim.LastCall(http.MethodPost, "iserver/account/U123/orders")
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(strings.TrimSpace(string(call.Body)), "{"), "batch must be an object, not a bare array")
	var body struct {
		Orders []map[string]any `json:"orders"`
	}
	require.NoError(t, json.Unmarshal(call.Body, &body))
	require.Len(t, body.Orders, 2)
	assert.Equal(t, "parent", body.Orders[1]["parentId"])
}

func TestOrderLifecycle(t *testing.T) {
	c, sim := newSimClient(t)
	ctx := context.Background()

	raw, err := c.PlaceOrder(ctx, "U123", domain.OrderPayload{"conid": 8314, "orderType": "LMT", "price": 10, "side": "BUY", "quantity": 5, "tif": "DAY"})
	require.NoError(t, err)

	var acks []struct {
		OrderID string `json:"order_id"`
	}
	require.NoError(t, json.Unmarshal(raw, &acks))
	require.Len(t, acks, 1)
	orderID := acks[0].OrderID

	live, err := c.LiveOrders(ctx)
	require.NoError(t, err)
	assert.Contains(t, string(live), orderID)

	_, err = c.ModifyOrder(ctx, "U123", orderID, domain.OrderPayload{"conid": 8314, "orderType": "LMT", "price": 11, "side": "BUY", "quantity": 5, "tif": "DAY"})
	require.NoError(t, err)
	assert.Equal(t, 1, sim.Count(http.MethodPost, "iserver/account/U123/order/"+orderID))

	_, err = c.CancelOrder(ctx, "U123", orderID)
	require.NoError(t, err)
	assert.Equal(t, 1, sim.Count(http.MethodDelete, "iserver/account/U123/order/"+orderID))

	_, err = c.CancelOrder(ctx, "U123", orderID)
	require.Error(t, err)
	assert.Equal(t, KindHTTPStatus, KindOf(err))
}

func TestReplyOrder(t *testing.T) {
	c, sim := newSimClient(t)

	raw, err := c.ReplyOrder(context.Background(), "a1b2c3", true)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "Submitted")

	call, _ := sim.LastCall(http.MethodPost, "iserver/reply/a1b2c3")
	assert.JSONEq(t, `{"confirmed":true}`, string(call.Body))
}

func TestEncodeBody_Form(t *testing.T) {
	r, err := encodeBody(domain.ContentTypeForm, map[string]string{"acctId": "U123"})
	require.NoError(t, err)
	buf := new(strings.Builder)
	_, _ = io.Copy(buf, r)
	assert.Equal(t, "acctId=U123", buf.String())

	_, err = encodeBody(domain.ContentTypeForm, 42)
	require.Error(t, err)
}
