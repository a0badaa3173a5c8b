package gateway

import (
	"context"
	"encoding/json"

	"github.com/crypto-trading/ibportal/internal/domain"
)

const (
	EndpointAuthStatus        = "iserver/auth/status"
	EndpointReauthenticate    = "iserver/reauthenticate"
	EndpointValidate          = "sso/validate"
	EndpointServerAccounts    = "iserver/accounts"
	EndpointAccount           = "iserver/account"
	EndpointPortfolioAccounts = "portfolio/accounts"
	EndpointSubAccounts       = "portfolio/subaccounts"
	EndpointSnapshot          = "iserver/marketdata/snapshot"
	EndpointHistory           = "iserver/marketdata/history"
	EndpointSecdefSearch      = "iserver/secdef/search"
	EndpointLiveOrders        = "iserver/account/orders"
)

// API is the portal surface a session exposes. *Client implements it; tests
// and the session layer depend on the interface.
type API interface {
	AuthStatus(ctx context.Context, check bool) (*domain.AuthStatus, error)
	Reauthenticate(ctx context.Context) (json.RawMessage, error)
	Validate(ctx context.Context) (json.RawMessage, error)
	ServerAccounts(ctx context.Context) (*domain.ServerAccounts, error)
	SwitchAccount(ctx context.Context, accountID string) (json.RawMessage, error)

	PortfolioAccounts(ctx context.Context) (json.RawMessage, error)
	PortfolioSubAccounts(ctx context.Context) (json.RawMessage, error)
	PortfolioAccountInfo(ctx context.Context, accountID string) (json.RawMessage, error)
	PortfolioAccountSummary(ctx context.Context, accountID string) (json.RawMessage, error)
	PortfolioAccountLedger(ctx context.Context, accountID string) (json.RawMessage, error)
	PortfolioAccountPositions(ctx context.Context, accountID string, page int) (json.RawMessage, error)
	PortfolioAccountPosition(ctx context.Context, accountID, conid string) (json.RawMessage, error)
	PortfolioPositions(ctx context.Context, conid string) (json.RawMessage, error)

	MarketDataSnapshot(ctx context.Context, conids []string, since string, fields []string) (json.RawMessage, error)
	MarketDataHistory(ctx context.Context, conid, period, bar string) (json.RawMessage, error)
	SearchSymbol(ctx context.Context, symbol string, byName bool) (json.RawMessage, error)

	LiveOrders(ctx context.Context) (json.RawMessage, error)
	PlaceOrder(ctx context.Context, accountID string, order domain.OrderPayloader) (json.RawMessage, error)
	PlaceOrders(ctx context.Context, accountID string, orders ...domain.OrderPayloader) (json.RawMessage, error)
	WhatIfOrder(ctx context.Context, accountID string, order domain.OrderPayloader) (json.RawMessage, error)
	ReplyOrder(ctx context.Context, replyID string, confirmed bool) (json.RawMessage, error)
	ModifyOrder(ctx context.Context, accountID, orderID string, order domain.OrderPayloader) (json.RawMessage, error)
	CancelOrder(ctx context.Context, accountID, orderID string) (json.RawMessage, error)

	BaseURL() string
	LoginURL() string
}

var _ API = (*Client)(nil)
