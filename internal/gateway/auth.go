package gateway

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/crypto-trading/ibportal/internal/domain"
)

// AuthStatus reads the brokerage session status. check selects GET; the
// POST variant also asks the gateway to refresh its view of the session.
func (c *Client) AuthStatus(ctx context.Context, check bool) (*domain.AuthStatus, error) {
	method := http.MethodPost
	if check {
		method = http.MethodGet
	}
	raw, err := c.Do(ctx, Request{Endpoint: EndpointAuthStatus, Method: method, ContentType: domain.ContentTypeNone})
	if err != nil {
		return nil, err
	}
	return decodeInto[domain.AuthStatus](raw, EndpointAuthStatus)
}

func (c *Client) Reauthenticate(ctx context.Context) (json.RawMessage, error) {
	return c.Do(ctx, Request{Endpoint: EndpointReauthenticate, Method: http.MethodPost, ContentType: domain.ContentTypeNone})
}

func (c *Client) Validate(ctx context.Context) (json.RawMessage, error) {
	return c.get(ctx, EndpointValidate, nil)
}

func (c *Client) ServerAccounts(ctx context.Context) (*domain.ServerAccounts, error) {
	raw, err := c.get(ctx, EndpointServerAccounts, nil)
	if err != nil {
		return nil, err
	}
	return decodeInto[domain.ServerAccounts](raw, EndpointServerAccounts)
}

// SwitchAccount selects the active account. The gateway answers with an error
// status when the account is already selected, so the endpoint is tolerated
// by default and a nil payload is a normal outcome.
func (c *Client) SwitchAccount(ctx context.Context, accountID string) (json.RawMessage, error) {
	return c.post(ctx, EndpointAccount, map[string]string{"acctId": accountID})
}
