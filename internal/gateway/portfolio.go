package gateway

import (
	"context"
	"encoding/json"
	"strconv"
)

func (c *Client) PortfolioAccounts(ctx context.Context) (json.RawMessage, error) {
	return c.get(ctx, EndpointPortfolioAccounts, nil)
}

func (c *Client) PortfolioSubAccounts(ctx context.Context) (json.RawMessage, error) {
	return c.get(ctx, EndpointSubAccounts, nil)
}

func (c *Client) PortfolioAccountInfo(ctx context.Context, accountID string) (json.RawMessage, error) {
	return c.get(ctx, "portfolio/"+accountID+"/meta", nil)
}

func (c *Client) PortfolioAccountSummary(ctx context.Context, accountID string) (json.RawMessage, error) {
	return c.get(ctx, "portfolio/"+accountID+"/summary", nil)
}

func (c *Client) PortfolioAccountLedger(ctx context.Context, accountID string) (json.RawMessage, error) {
	return c.get(ctx, "portfolio/"+accountID+"/ledger", nil)
}

// PortfolioAccountPositions returns one page of positions; pages start at 0.
func (c *Client) PortfolioAccountPositions(ctx context.Context, accountID string, page int) (json.RawMessage, error) {
	return c.get(ctx, "portfolio/"+accountID+"/positions/"+strconv.Itoa(page), nil)
}

func (c *Client) PortfolioAccountPosition(ctx context.Context, accountID, conid string) (json.RawMessage, error) {
	return c.get(ctx, "portfolio/"+accountID+"/position/"+conid, nil)
}

// PortfolioPositions returns the position in conid across all accounts.
func (c *Client) PortfolioPositions(ctx context.Context, conid string) (json.RawMessage, error) {
	return c.get(ctx, "portfolio/positions/"+conid, nil)
}
