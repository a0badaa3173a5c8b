package domain

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

type OrderType string

const (
	OrderTypeLimit     OrderType = "LMT"
	OrderTypeMarket    OrderType = "MKT"
	OrderTypeStop      OrderType = "STP"
	OrderTypeStopLimit OrderType = "STOP_LIMIT"
)

type TimeInForce string

const (
	TIFDay TimeInForce = "DAY"
	TIFGTC TimeInForce = "GTC"
	TIFIOC TimeInForce = "IOC"
)

// OrderPayloader is anything that can produce the JSON body of an order
// request. Order and OrderPayload both satisfy it.
type OrderPayloader interface {
	Payload() (map[string]any, error)
}

// OrderPayload is a pre-built order body passed through unchanged.
type OrderPayload map[string]any

func (p OrderPayload) Payload() (map[string]any, error) {
	return map[string]any(p), nil
}

// Order is the typed builder for an order request body.
type Order struct {
	AccountID       string    `validate:"omitempty"`
	ConID           int64     `validate:"required,gt=0"`
	SecType         string    `validate:"omitempty"`
	CustomerOrderID string    `validate:"omitempty"`
	ParentID        string    `validate:"omitempty"`
	OrderType       OrderType `validate:"required,oneof=LMT MKT STP STOP_LIMIT"`
	ListingExchange string    `validate:"omitempty"`
	OutsideRTH      bool
	Price           decimal.Decimal
	AuxPrice        decimal.Decimal
	Side            Side        `validate:"required,oneof=BUY SELL"`
	Ticker          string      `validate:"omitempty"`
	TIF             TimeInForce `validate:"required,oneof=DAY GTC IOC"`
	Referrer        string      `validate:"omitempty"`
	Quantity        decimal.Decimal
	UseAdaptive     bool
}

var orderValidator = validator.New()

func (o Order) Validate() error {
	if err := orderValidator.Struct(o); err != nil {
		return fmt.Errorf("validate order: %w", err)
	}
	if !o.Quantity.IsPositive() {
		return fmt.Errorf("validate order: quantity must be positive, got %s", o.Quantity)
	}
	if (o.OrderType == OrderTypeLimit || o.OrderType == OrderTypeStopLimit) && !o.Price.IsPositive() {
		return fmt.Errorf("validate order: %s order requires a price", o.OrderType)
	}
	return nil
}

// Payload builds the request body. A missing customer order id is filled in
// so replies and modifications can be correlated.
func (o Order) Payload() (map[string]any, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}

	coid := o.CustomerOrderID
	if coid == "" {
		coid = NewCustomerOrderID()
	}

	body := map[string]any{
		"conid":       o.ConID,
		"cOID":        coid,
		"orderType":   string(o.OrderType),
		"outsideRTH":  o.OutsideRTH,
		"side":        string(o.Side),
		"tif":         string(o.TIF),
		"quantity":    o.Quantity.InexactFloat64(),
		"useAdaptive": o.UseAdaptive,
	}
	if o.AccountID != "" {
		body["acctId"] = o.AccountID
	}
	if o.SecType != "" {
		body["secType"] = o.SecType
	}
	if o.ParentID != "" {
		body["parentId"] = o.ParentID
	}
	if o.ListingExchange != "" {
		body["listingExchange"] = o.ListingExchange
	}
	if o.Ticker != "" {
		body["ticker"] = o.Ticker
	}
	if o.Referrer != "" {
		body["referrer"] = o.Referrer
	}
	if !o.Price.IsZero() {
		body["price"] = o.Price.InexactFloat64()
	}
	if !o.AuxPrice.IsZero() {
		body["auxPrice"] = o.AuxPrice.InexactFloat64()
	}
	return body, nil
}
