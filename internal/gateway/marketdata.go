package gateway

import (
	"context"
	"encoding/json"
)

// MarketDataSnapshot requests a snapshot for conids. Empty since and fields
// are omitted from the query rather than sent blank.
func (c *Client) MarketDataSnapshot(ctx context.Context, conids []string, since string, fields []string) (json.RawMessage, error) {
	params := NewParams().
		SetList("conids", conids).
		SetOptional("since", since).
		SetList("fields", fields)
	return c.get(ctx, EndpointSnapshot, params)
}

func (c *Client) MarketDataHistory(ctx context.Context, conid, period, bar string) (json.RawMessage, error) {
	params := NewParams().
		Set("conid", conid).
		Set("period", period).
		Set("bar", bar)
	return c.get(ctx, EndpointHistory, params)
}

// SearchSymbol looks up contracts by ticker, or by company name when byName is set.
func (c *Client) SearchSymbol(ctx context.Context, symbol string, byName bool) (json.RawMessage, error) {
	body := map[string]any{"symbol": symbol}
	if byName {
		body["name"] = true
	}
	return c.post(ctx, EndpointSecdefSearch, body)
}
