package simulated

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

const portalPrefix = "/v1/portal/"

// StatusReply is one scripted answer of iserver/auth/status.
type StatusReply struct {
	HTTPStatus    int
	Authenticated bool
	StatusCode    int
}

// Call records a request served by the gateway, with Endpoint relative to
// the portal prefix.
type Call struct {
	Method      string
	Endpoint    string
	RawQuery    string
	Query       url.Values
	ContentType string
	Body        json.RawMessage
	At          time.Time
}

// Gateway is an in-process stand-in for the Client Portal gateway. It serves
// the portal REST endpoints and the market data websocket.
type Gateway struct {
	mu sync.Mutex

	accounts      []string
	selected      string
	authenticated bool
	statuses      []StatusReply
	statusIdx     int
	failures      map[string]int
	orders        map[string]map[string]any
	calls         []Call
	latency       time.Duration

	upgrader websocket.Upgrader
	mux      *http.ServeMux
	logger   *slog.Logger
}

type Option func(*Gateway)

// WithStatusSequence scripts auth status answers; the last one repeats.
func WithStatusSequence(replies ...StatusReply) Option {
	return func(g *Gateway) { g.statuses = replies }
}

// WithAuthenticated sets the unscripted login state; it starts true.
func WithAuthenticated(authenticated bool) Option {
	return func(g *Gateway) { g.authenticated = authenticated }
}

func WithLatency(d time.Duration) Option {
	return func(g *Gateway) { g.latency = d }
}

func New(accounts []string, logger *slog.Logger, opts ...Option) *Gateway {
	g := &Gateway{
		accounts:      accounts,
		authenticated: true,
		failures:      make(map[string]int),
		orders:        make(map[string]map[string]any),
		upgrader:      websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		mux:           http.NewServeMux(),
		logger:        logger,
	}
	if len(accounts) > 0 {
		g.selected = accounts[0]
	}
	for _, opt := range opts {
		opt(g)
	}
	g.routes()
	return g
}

func (g *Gateway) routes() {
	p := func(pattern string) string {
		method, path, _ := strings.Cut(pattern, " ")
		return method + " " + portalPrefix + path
	}
	g.mux.HandleFunc(p("GET iserver/auth/status"), g.handleAuthStatus)
	g.mux.HandleFunc(p("POST iserver/auth/status"), g.handleAuthStatus)
	g.mux.HandleFunc(p("POST iserver/reauthenticate"), g.handleReauthenticate)
	g.mux.HandleFunc(p("GET sso/validate"), g.handleValidate)
	g.mux.HandleFunc(p("POST logout"), g.handleLogout)

	g.mux.HandleFunc(p("GET iserver/accounts"), g.handleServerAccounts)
	g.mux.HandleFunc(p("POST iserver/account"), g.handleSwitchAccount)

	g.mux.HandleFunc(p("GET portfolio/accounts"), g.handlePortfolioAccounts)
	g.mux.HandleFunc(p("GET portfolio/subaccounts"), g.handlePortfolioAccounts)
	g.mux.HandleFunc(p("GET portfolio/positions/{conid}"), g.handlePositionByConid)
	g.mux.HandleFunc(p("GET portfolio/{id}/{section}"), g.handlePortfolioSection)
	g.mux.HandleFunc(p("GET portfolio/{id}/positions/{page}"), g.handlePositions)
	g.mux.HandleFunc(p("GET portfolio/{id}/position/{conid}"), g.handlePositionByConid)

	g.mux.HandleFunc(p("GET iserver/marketdata/snapshot"), g.handleSnapshot)
	g.mux.HandleFunc(p("GET iserver/marketdata/history"), g.handleHistory)
	g.mux.HandleFunc(p("POST iserver/secdef/search"), g.handleSearch)

	g.mux.HandleFunc(p("GET iserver/account/orders"), g.handleLiveOrders)
	g.mux.HandleFunc(p("POST iserver/account/{acct}/order"), g.handlePlaceOrder)
	g.mux.HandleFunc(p("POST iserver/account/{acct}/orders"), g.handlePlaceOrders)
	g.mux.HandleFunc(p("POST iserver/account/{acct}/order/whatif"), g.handleWhatIf)
	g.mux.HandleFunc(p("POST iserver/account/{acct}/order/{orderID}"), g.handleModifyOrder)
	g.mux.HandleFunc(p("DELETE iserver/account/{acct}/order/{orderID}"), g.handleCancelOrder)
	g.mux.HandleFunc(p("POST iserver/reply/{replyID}"), g.handleReply)

	g.mux.HandleFunc("GET /v1/api/ws", g.handleWebsocket)
}

// Fail makes every call to method+endpoint answer with status.
func (g *Gateway) Fail(method, endpoint string, status int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures[method+" "+endpoint] = status
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if g.latency > 0 {
		time.Sleep(g.latency)
	}

	var body []byte
	if r.Body != nil {
		body, _ = io.ReadAll(r.Body)
		r.Body.Close()
		r.Body = io.NopCloser(strings.NewReader(string(body)))
	}
	endpoint := strings.TrimPrefix(r.URL.Path, portalPrefix)

	g.mu.Lock()
	g.calls = append(g.calls, Call{
		Method:      r.Method,
		Endpoint:    endpoint,
		RawQuery:    r.URL.RawQuery,
		Query:       r.URL.Query(),
		ContentType: r.Header.Get("Content-Type"),
		Body:        json.RawMessage(body),
		At:          time.Now(),
	})
	status, failing := g.failures[r.Method+" "+endpoint]
	g.mu.Unlock()

	g.logger.Debug("simulated gateway request", "method", r.Method, "endpoint", endpoint)

	if failing {
		writeJSON(w, status, map[string]any{"error": http.StatusText(status), "statusCode": status})
		return
	}
	g.mux.ServeHTTP(w, r)
}

// Calls returns a copy of the recorded requests.
func (g *Gateway) Calls() []Call {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Call, len(g.calls))
	copy(out, g.calls)
	return out
}

// Count returns how many requests hit method+endpoint. An empty method matches any verb.
func (g *Gateway) Count(method, endpoint string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, c := range g.calls {
		if c.Endpoint == endpoint && (method == "" || c.Method == method) {
			n++
		}
	}
	return n
}

func (g *Gateway) LastCall(method, endpoint string) (Call, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i := len(g.calls) - 1; i >= 0; i-- {
		c := g.calls[i]
		if c.Endpoint == endpoint && (method == "" || c.Method == method) {
			return c, true
		}
	}
	return Call{}, false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (g *Gateway) handleAuthStatus(w http.ResponseWriter, _ *http.Request) {
	g.mu.Lock()
	reply := StatusReply{HTTPStatus: http.StatusOK, Authenticated: g.authenticated}
	if len(g.statuses) > 0 {
		idx := g.statusIdx
		if idx >= len(g.statuses) {
			idx = len(g.statuses) - 1
		}
		reply = g.statuses[idx]
		g.statusIdx++
	}
	g.mu.Unlock()

	if reply.HTTPStatus == 0 {
		reply.HTTPStatus = http.StatusOK
	}
	body := map[string]any{
		"authenticated": reply.Authenticated,
		"competing":     false,
		"connected":     true,
		"message":       "",
		"serverInfo":    map[string]string{"serverName": "sim", "serverVersion": "Build 10.25.0"},
	}
	if reply.StatusCode != 0 {
		body = map[string]any{"statusCode": reply.StatusCode, "error": http.StatusText(reply.StatusCode)}
	}
	writeJSON(w, reply.HTTPStatus, body)
}

func (g *Gateway) handleReauthenticate(w http.ResponseWriter, _ *http.Request) {
	g.mu.Lock()
	g.authenticated = true
	g.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"message": "triggered"})
}

func (g *Gateway) handleValidate(w http.ResponseWriter, _ *http.Request) {
	g.mu.Lock()
	defer g.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{
		"USER_ID":   1,
		"USER_NAME": "simuser",
		"RESULT":    g.authenticated,
		"AUTH_TIME": time.Now().UnixMilli(),
	})
}

func (g *Gateway) handleLogout(w http.ResponseWriter, _ *http.Request) {
	g.mu.Lock()
	g.authenticated = false
	g.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]bool{"status": true})
}

func (g *Gateway) handleServerAccounts(w http.ResponseWriter, _ *http.Request) {
	g.mu.Lock()
	defer g.mu.Unlock()
	aliases := make(map[string]string, len(g.accounts))
	for _, a := range g.accounts {
		aliases[a] = a
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"accounts":        g.accounts,
		"aliases":         aliases,
		"selectedAccount": g.selected,
	})
}

func (g *Gateway) handleSwitchAccount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AcctID string `json:"acctId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if req.AcctID == g.selected || !contains(g.accounts, req.AcctID) {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "account not switched"})
		return
	}
	g.selected = req.AcctID
	writeJSON(w, http.StatusOK, map[string]any{"set": true, "acctId": req.AcctID})
}

func (g *Gateway) handlePortfolioAccounts(w http.ResponseWriter, _ *http.Request) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]map[string]any, 0, len(g.accounts))
	for _, a := range g.accounts {
		out = append(out, map[string]any{
			"id":        a,
			"accountId": a,
			"type":      "INDIVIDUAL",
			"currency":  "USD",
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (g *Gateway) handlePortfolioSection(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	switch r.PathValue("section") {
	case "meta":
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "accountId": id, "currency": "USD", "type": "INDIVIDUAL"})
	case "summary":
		writeJSON(w, http.StatusOK, map[string]any{
			"netliquidation": map[string]any{"amount": 100000.0, "currency": "USD"},
			"availablefunds": map[string]any{"amount": 50000.0, "currency": "USD"},
		})
	case "ledger":
		writeJSON(w, http.StatusOK, map[string]any{
			"USD": map[string]any{"cashbalance": 50000.0, "currency": "USD"},
		})
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown section"})
	}
}

func (g *Gateway) handlePositions(w http.ResponseWriter, r *http.Request) {
	page, err := strconv.Atoi(r.PathValue("page"))
	if err != nil || page > 0 {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	writeJSON(w, http.StatusOK, []map[string]any{position(r.PathValue("id"), "265598")})
}

func (g *Gateway) handlePositionByConid(w http.ResponseWriter, r *http.Request) {
	acct := r.PathValue("id")
	if acct == "" {
		g.mu.Lock()
		acct = g.selected
		g.mu.Unlock()
	}
	writeJSON(w, http.StatusOK, []map[string]any{position(acct, r.PathValue("conid"))})
}

func position(acct, conid string) map[string]any {
	id, _ := strconv.ParseInt(conid, 10, 64)
	return map[string]any{
		"acctId":   acct,
		"conid":    id,
		"position": 100.0,
		"mktPrice": 190.25,
		"avgCost":  150.5,
		"currency": "USD",
	}
}

func (g *Gateway) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	conids := splitList(r.URL.Query().Get("conids"))
	fields := splitList(r.URL.Query().Get("fields"))
	now := time.Now().UnixMilli()

	out := make([]map[string]any, 0, len(conids))
	for i, c := range conids {
		id, _ := strconv.ParseInt(c, 10, 64)
		row := map[string]any{"conid": id, "conidEx": c, "_updated": now}
		for j, f := range fields {
			price := decimal.NewFromInt(100 + int64(i)).Add(decimal.New(int64(j), -2))
			row[f] = price.StringFixed(2)
		}
		out = append(out, row)
	}
	writeJSON(w, http.StatusOK, out)
}

func (g *Gateway) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	now := time.Now().Truncate(time.Minute)
	bars := make([]map[string]any, 0, 3)
	for i := 3; i > 0; i-- {
		bars = append(bars, map[string]any{
			"o": 100.0, "h": 101.0, "l": 99.5, "c": 100.5, "v": 1200.0,
			"t": now.Add(-time.Duration(i) * time.Minute).UnixMilli(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"symbol":     "SIM",
		"conid":      q.Get("conid"),
		"timePeriod": q.Get("period"),
		"barLength":  q.Get("bar"),
		"data":       bars,
	})
}

func (g *Gateway) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Symbol string `json:"symbol"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	writeJSON(w, http.StatusOK, []map[string]any{{
		"conid":         "265598",
		"symbol":        strings.ToUpper(req.Symbol),
		"companyHeader": strings.ToUpper(req.Symbol) + " - NASDAQ",
		"sections":      []map[string]string{{"secType": "STK"}},
	}})
}

func (g *Gateway) handleLiveOrders(w http.ResponseWriter, _ *http.Request) {
	g.mu.Lock()
	defer g.mu.Unlock()
	orders := make([]map[string]any, 0, len(g.orders))
	for id, o := range g.orders {
		row := map[string]any{"orderId": id, "status": "Submitted"}
		for k, v := range o {
			row[k] = v
		}
		orders = append(orders, row)
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": orders, "snapshot": true})
}

func (g *Gateway) storeOrder(payload map[string]any) string {
	id := uuid.Must(uuid.NewV7()).String()
	g.mu.Lock()
	g.orders[id] = payload
	g.mu.Unlock()
	return id
}

func (g *Gateway) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid order"})
		return
	}
	id := g.storeOrder(payload)
	writeJSON(w, http.StatusOK, []map[string]any{{"order_id": id, "order_status": "Submitted"}})
}

func (g *Gateway) handlePlaceOrders(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Orders []map[string]any `json:"orders"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Orders) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid orders"})
		return
	}
	out := make([]map[string]any, 0, len(req.Orders))
	for _, o := range req.Orders {
		out = append(out, map[string]any{"order_id": g.storeOrder(o), "order_status": "Submitted"})
	}
	writeJSON(w, http.StatusOK, out)
}

func (g *Gateway) handleWhatIf(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"amount": map[string]string{"amount": "19,025.00 USD", "commission": "1.00 USD"},
		"equity": map[string]string{"current": "100,000", "change": "-1", "after": "99,999"},
		"warn":   nil,
		"error":  nil,
	})
}

func (g *Gateway) handleModifyOrder(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("orderID")
	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid order"})
		return
	}
	g.mu.Lock()
	_, ok := g.orders[id]
	if ok {
		g.orders[id] = payload
	}
	g.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "order not found"})
		return
	}
	writeJSON(w, http.StatusOK, []map[string]any{{"order_id": id, "order_status": "PreSubmitted"}})
}

func (g *Gateway) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("orderID")
	g.mu.Lock()
	_, ok := g.orders[id]
	delete(g.orders, id)
	g.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "order not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"msg":      "Request was submitted",
		"order_id": id,
		"conid":    -1,
		"account":  r.PathValue("acct"),
	})
}

func (g *Gateway) handleReply(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Confirmed bool `json:"confirmed"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	if !req.Confirmed {
		writeJSON(w, http.StatusOK, []map[string]any{{"order_status": "Cancelled", "reply_id": r.PathValue("replyID")}})
		return
	}
	writeJSON(w, http.StatusOK, []map[string]any{{
		"order_id":     uuid.Must(uuid.NewV7()).String(),
		"order_status": "Submitted",
		"reply_id":     r.PathValue("replyID"),
	}})
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
