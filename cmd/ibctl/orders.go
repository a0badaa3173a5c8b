package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/crypto-trading/ibportal/internal/domain"
)

// orderFlags collects a typed order from flags, or a raw JSON body via --raw.
type orderFlags struct {
	raw        string
	conid      int64
	side       string
	orderType  string
	quantity   string
	price      string
	auxPrice   string
	tif        string
	coid       string
	outsideRTH bool
}

func (f *orderFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.raw, "raw", "", "Raw JSON order body; other order flags are ignored")
	cmd.Flags().Int64Var(&f.conid, "conid", 0, "Contract id")
	cmd.Flags().StringVar(&f.side, "side", "BUY", "BUY or SELL")
	cmd.Flags().StringVar(&f.orderType, "type", "LMT", "LMT, MKT, STP or STOP_LIMIT")
	cmd.Flags().StringVar(&f.quantity, "qty", "", "Quantity")
	cmd.Flags().StringVar(&f.price, "price", "", "Limit price")
	cmd.Flags().StringVar(&f.auxPrice, "aux-price", "", "Stop price")
	cmd.Flags().StringVar(&f.tif, "tif", "DAY", "DAY, GTC or IOC")
	cmd.Flags().StringVar(&f.coid, "coid", "", "Customer order id (generated when empty)")
	cmd.Flags().BoolVar(&f.outsideRTH, "outside-rth", false, "Allow execution outside regular trading hours")
}

func parseDecimal(name, s string) (decimal.Decimal, error) {
	d, err := domain.ParseDecimal(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid --%s %q: %w", name, s, err)
	}
	return d, nil
}

func (f *orderFlags) build(account string) (domain.OrderPayloader, error) {
	if f.raw != "" {
		var body map[string]any
		if err := json.Unmarshal([]byte(f.raw), &body); err != nil {
			return nil, fmt.Errorf("invalid --raw order: %w", err)
		}
		return domain.OrderPayload(body), nil
	}

	qty, err := parseDecimal("qty", f.quantity)
	if err != nil {
		return nil, err
	}
	price, err := parseDecimal("price", f.price)
	if err != nil {
		return nil, err
	}
	aux, err := parseDecimal("aux-price", f.auxPrice)
	if err != nil {
		return nil, err
	}

	order := domain.Order{
		AccountID:       account,
		ConID:           f.conid,
		CustomerOrderID: f.coid,
		OrderType:       domain.OrderType(strings.ToUpper(f.orderType)),
		OutsideRTH:      f.outsideRTH,
		Price:           price,
		AuxPrice:        aux,
		Side:            domain.Side(strings.ToUpper(f.side)),
		TIF:             domain.TimeInForce(strings.ToUpper(f.tif)),
		Quantity:        qty,
	}
	if err := order.Validate(); err != nil {
		return nil, err
	}
	return order, nil
}

func ordersCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "orders",
		Short: "List live orders",
		RunE: func(cmd *cobra.Command, _ []string) error {
			raw, err := a.client.LiveOrders(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(raw)
		},
	}
}

func placeCmd(a *app, whatIf bool) *cobra.Command {
	flags := &orderFlags{}
	use, short := "place", "Place an order"
	if whatIf {
		use, short = "whatif", "Preview commission and margin impact of an order"
	}
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, _ []string) error {
			order, err := flags.build(a.account)
			if err != nil {
				return err
			}
			var raw json.RawMessage
			if whatIf {
				raw, err = a.client.WhatIfOrder(cmd.Context(), a.account, order)
			} else {
				raw, err = a.client.PlaceOrder(cmd.Context(), a.account, order)
			}
			if err != nil {
				return err
			}
			return printJSON(raw)
		},
	}
	flags.register(cmd)
	return cmd
}

func replyCmd(a *app) *cobra.Command {
	var reject bool
	cmd := &cobra.Command{
		Use:   "reply <reply-id>",
		Short: "Confirm (or reject) an order warning returned by place",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := a.client.ReplyOrder(cmd.Context(), args[0], !reject)
			if err != nil {
				return err
			}
			return printJSON(raw)
		},
	}
	cmd.Flags().BoolVar(&reject, "reject", false, "Reject instead of confirming")
	return cmd
}

func modifyCmd(a *app) *cobra.Command {
	flags := &orderFlags{}
	cmd := &cobra.Command{
		Use:   "modify <order-id>",
		Short: "Modify a live order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			order, err := flags.build(a.account)
			if err != nil {
				return err
			}
			raw, err := a.client.ModifyOrder(cmd.Context(), a.account, args[0], order)
			if err != nil {
				return err
			}
			return printJSON(raw)
		},
	}
	flags.register(cmd)
	return cmd
}

func cancelCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <order-id>",
		Short: "Cancel a live order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := a.client.CancelOrder(cmd.Context(), a.account, args[0])
			if err != nil {
				return err
			}
			return printJSON(raw)
		},
	}
}
