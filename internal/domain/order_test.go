package domain

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderPayload_PassThrough(t *testing.T) {
	body := OrderPayload{"conid": 265598, "side": "BUY", "custom": "kept"}

	payload, err := body.Payload()
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"conid": 265598, "side": "BUY", "custom": "kept"}, payload)
}

func TestOrder_Payload(t *testing.T) {
	o := Order{
		AccountID:       "U123",
		ConID:           265598,
		CustomerOrderID: "my-order-1",
		OrderType:       OrderTypeLimit,
		Price:           decimal.RequireFromString("185.25"),
		Side:            SideBuy,
		TIF:             TIFDay,
		Quantity:        decimal.NewFromInt(10),
	}

	payload, err := o.Payload()
	require.NoError(t, err)

	assert.Equal(t, int64(265598), payload["conid"])
	assert.Equal(t, "U123", payload["acctId"])
	assert.Equal(t, "my-order-1", payload["cOID"])
	assert.Equal(t, "LMT", payload["orderType"])
	assert.Equal(t, "BUY", payload["side"])
	assert.Equal(t, "DAY", payload["tif"])
	assert.Equal(t, 185.25, payload["price"])
	assert.Equal(t, 10.0, payload["quantity"])
	assert.NotContains(t, payload, "auxPrice")
}

func TestOrder_PayloadGeneratesCustomerOrderID(t *testing.T) {
	o := Order{
		ConID:     8314,
		OrderType: OrderTypeMarket,
		Side:      SideSell,
		TIF:       TIFDay,
		Quantity:  decimal.NewFromInt(1),
	}

	first, err := o.Payload()
	require.NoError(t, err)
	second, err := o.Payload()
	require.NoError(t, err)

	assert.NotEmpty(t, first["cOID"])
	assert.NotEqual(t, first["cOID"], second["cOID"])
}

func TestOrder_Validate(t *testing.T) {
	base := Order{
		ConID:     8314,
		OrderType: OrderTypeLimit,
		Side:      SideBuy,
		TIF:       TIFGTC,
		Price:     decimal.NewFromInt(100),
		Quantity:  decimal.NewFromInt(1),
	}
	require.NoError(t, base.Validate())

	noPrice := base
	noPrice.Price = decimal.Zero
	assert.Error(t, noPrice.Validate())

	noQty := base
	noQty.Quantity = decimal.Zero
	assert.Error(t, noQty.Validate())

	badSide := base
	badSide.Side = "HOLD"
	assert.Error(t, badSide.Validate())

	noConID := base
	noConID.ConID = 0
	_, err := noConID.Payload()
	assert.Error(t, err)
}

func TestJoinList(t *testing.T) {
	assert.Equal(t, "", JoinList(nil))
	assert.Equal(t, "265598", JoinList([]string{"265598"}))
	assert.Equal(t, "265598,8314,9408", JoinList([]string{"265598", "8314", "9408"}))
}

func TestContentTypeHeader(t *testing.T) {
	assert.Equal(t, "application/json", ContentTypeJSON.Header())
	assert.Equal(t, "application/x-www-form-urlencoded", ContentTypeForm.Header())
	assert.Equal(t, "", ContentTypeNone.Header())
}
