package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/crypto-trading/ibportal/internal/domain"
)

func orderPath(accountID string, suffix string) string {
	return "iserver/account/" + accountID + suffix
}

func payloadOf(order domain.OrderPayloader) (map[string]any, error) {
	if order == nil {
		return nil, fmt.Errorf("order payload is nil")
	}
	payload, err := order.Payload()
	if err != nil {
		return nil, fmt.Errorf("build order payload: %w", err)
	}
	return payload, nil
}

// LiveOrders lists the orders of the current brokerage session.
func (c *Client) LiveOrders(ctx context.Context) (json.RawMessage, error) {
	return c.get(ctx, EndpointLiveOrders, nil)
}

// PlaceOrder posts the payload of order as the request body unchanged.
func (c *Client) PlaceOrder(ctx context.Context, accountID string, order domain.OrderPayloader) (json.RawMessage, error) {
	payload, err := payloadOf(order)
	if err != nil {
		return nil, err
	}
	return c.post(ctx, orderPath(accountID, "/order"), payload)
}

// PlaceOrders submits a batch, typically a bracket, to the /orders endpoint.
// The body is always the gateway's {"orders": [...]} envelope, never a bare
// JSON array. A parent/child bracket is linked through cOID and parentId on
// the individual payloads. Use Do for any other body shape.
func (c *Client) PlaceOrders(ctx context.Context, accountID string, orders ...domain.OrderPayloader) (json.RawMessage, error) {
	payloads := make([]map[string]any, 0, len(orders))
	for i, o := range orders {
		p, err := payloadOf(o)
		if err != nil {
			return nil, fmt.Errorf("order %d: %w", i, err)
		}
		payloads = append(payloads, p)
	}
	return c.post(ctx, orderPath(accountID, "/orders"), map[string]any{"orders": payloads})
}

func (c *Client) WhatIfOrder(ctx context.Context, accountID string, order domain.OrderPayloader) (json.RawMessage, error) {
	payload, err := payloadOf(order)
	if err != nil {
		return nil, err
	}
	return c.post(ctx, orderPath(accountID, "/order/whatif"), payload)
}

// ReplyOrder answers a confirmation question the gateway raised while placing an order.
func (c *Client) ReplyOrder(ctx context.Context, replyID string, confirmed bool) (json.RawMessage, error) {
	return c.post(ctx, "iserver/reply/"+replyID, map[string]bool{"confirmed": confirmed})
}

func (c *Client) ModifyOrder(ctx context.Context, accountID, orderID string, order domain.OrderPayloader) (json.RawMessage, error) {
	payload, err := payloadOf(order)
	if err != nil {
		return nil, err
	}
	return c.post(ctx, orderPath(accountID, "/order/"+orderID), payload)
}

func (c *Client) CancelOrder(ctx context.Context, accountID, orderID string) (json.RawMessage, error) {
	return c.Do(ctx, Request{
		Endpoint:    orderPath(accountID, "/order/"+orderID),
		Method:      http.MethodDelete,
		ContentType: domain.ContentTypeJSON,
	})
}
