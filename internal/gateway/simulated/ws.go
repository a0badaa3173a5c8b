package simulated

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

// handleWebsocket speaks the streaming protocol: "tic" heartbeats,
// "smd+{conid}+{...}" subscriptions and "umd+{conid}+{}" cancellations.
// Each subscription answers with one market data message.
func (g *Gateway) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("simulated websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	g.mu.Lock()
	selected := g.selected
	g.mu.Unlock()

	if err := conn.WriteJSON(map[string]any{"topic": "system", "success": selected}); err != nil {
		return
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				g.logger.Debug("simulated websocket read ended", "error", err)
			}
			return
		}
		msg := string(data)

		switch {
		case msg == "tic":
			err = conn.WriteJSON(map[string]any{"topic": "system", "hb": time.Now().UnixMilli()})
		case strings.HasPrefix(msg, "smd+"):
			err = conn.WriteJSON(marketDataMessage(msg))
		case strings.HasPrefix(msg, "umd+"):
			parts := strings.SplitN(msg, "+", 3)
			if len(parts) >= 2 {
				err = conn.WriteJSON(map[string]any{"topic": "umd+" + parts[1], "unsubscribed": true})
			}
		default:
			err = conn.WriteJSON(map[string]any{"topic": "error", "error": "unknown message"})
		}
		if err != nil {
			return
		}
	}
}

func marketDataMessage(msg string) map[string]any {
	parts := strings.SplitN(msg, "+", 3)
	conid := parts[1]
	var args struct {
		Fields []string `json:"fields"`
	}
	if len(parts) == 3 {
		_ = json.Unmarshal([]byte(parts[2]), &args)
	}

	id, _ := strconv.ParseInt(conid, 10, 64)
	out := map[string]any{
		"topic":    "smd+" + conid,
		"conid":    id,
		"_updated": time.Now().UnixMilli(),
	}
	for i, f := range args.Fields {
		out[f] = decimal.NewFromInt(100).Add(decimal.New(int64(i), -2)).StringFixed(2)
	}
	return out
}
