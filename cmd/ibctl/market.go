package main

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/crypto-trading/ibportal/internal/persistence"
	"github.com/crypto-trading/ibportal/internal/stream"
)

func portfolioCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "portfolio",
		Short: "Read portfolio accounts, summaries, ledgers and positions",
	}

	simple := func(use, short string, call func(*cobra.Command) (json.RawMessage, error)) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			RunE: func(cmd *cobra.Command, _ []string) error {
				raw, err := call(cmd)
				if err != nil {
					return err
				}
				return printJSON(raw)
			},
		}
	}

	var page int
	positions := &cobra.Command{
		Use:   "positions [conid]",
		Short: "List positions, or one position when a conid is given",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				raw json.RawMessage
				err error
			)
			if len(args) == 1 {
				raw, err = a.client.PortfolioAccountPosition(cmd.Context(), a.account, args[0])
			} else {
				raw, err = a.client.PortfolioAccountPositions(cmd.Context(), a.account, page)
			}
			if err != nil {
				return err
			}
			return printJSON(raw)
		},
	}
	positions.Flags().IntVar(&page, "page", 0, "Page index")

	cmd.AddCommand(
		simple("accounts", "List portfolio accounts", func(c *cobra.Command) (json.RawMessage, error) {
			return a.client.PortfolioAccounts(c.Context())
		}),
		simple("subaccounts", "List portfolio subaccounts", func(c *cobra.Command) (json.RawMessage, error) {
			return a.client.PortfolioSubAccounts(c.Context())
		}),
		simple("meta", "Show account metadata", func(c *cobra.Command) (json.RawMessage, error) {
			return a.client.PortfolioAccountInfo(c.Context(), a.account)
		}),
		simple("summary", "Show the account summary", func(c *cobra.Command) (json.RawMessage, error) {
			return a.client.PortfolioAccountSummary(c.Context(), a.account)
		}),
		simple("ledger", "Show the account ledger", func(c *cobra.Command) (json.RawMessage, error) {
			return a.client.PortfolioAccountLedger(c.Context(), a.account)
		}),
		positions,
		&cobra.Command{
			Use:   "by-conid <conid>",
			Short: "Show positions in a contract across accounts",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				raw, err := a.client.PortfolioPositions(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(raw)
			},
		},
	)
	return cmd
}

func snapshotCmd(a *app) *cobra.Command {
	var (
		since  string
		fields []string
	)
	cmd := &cobra.Command{
		Use:   "snapshot <conid>...",
		Short: "Request a market data snapshot",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := a.client.MarketDataSnapshot(cmd.Context(), args, since, fields)
			if err != nil {
				return err
			}
			return printJSON(raw)
		},
	}
	cmd.Flags().StringVar(&since, "since", "", "Epoch millis; only fields updated after it")
	cmd.Flags().StringSliceVar(&fields, "fields", []string{"31", "84", "86"}, "Field codes")
	return cmd
}

func historyCmd(a *app) *cobra.Command {
	var period, bar string
	cmd := &cobra.Command{
		Use:   "history <conid>",
		Short: "Request historical bars",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := a.client.MarketDataHistory(cmd.Context(), args[0], period, bar)
			if err != nil {
				return err
			}
			return printJSON(raw)
		},
	}
	cmd.Flags().StringVar(&period, "period", "1d", "Lookback period, e.g. 1d, 1w")
	cmd.Flags().StringVar(&bar, "bar", "5min", "Bar size")
	return cmd
}

func searchCmd(a *app) *cobra.Command {
	var byName bool
	cmd := &cobra.Command{
		Use:   "search <symbol>",
		Short: "Search contracts by symbol or name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := a.client.SearchSymbol(cmd.Context(), args[0], byName)
			if err != nil {
				return err
			}
			return printJSON(raw)
		},
	}
	cmd.Flags().BoolVar(&byName, "name", false, "Treat the argument as a company name")
	return cmd
}

func streamCmd(a *app) *cobra.Command {
	var fields []string
	cmd := &cobra.Command{
		Use:   "stream <conid>...",
		Short: "Stream market data over the gateway websocket until interrupted",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wsURL, err := stream.URLFromBase(a.client.BaseURL(), a.client.APIVersion())
			if err != nil {
				return err
			}

			c := stream.New(wsURL, a.cfg.Stream.Heartbeat(), a.cfg.Gateway.InsecureSkipVerify, a.logger)
			if err := c.Connect(cmd.Context()); err != nil {
				return err
			}

			errCh := make(chan error, 1)
			go func() { errCh <- c.Run(cmd.Context()) }()

			for _, conid := range args {
				if err := c.Subscribe(conid, fields); err != nil {
					c.Close()
					return err
				}
			}

			for msg := range c.Messages() {
				fmt.Printf("%s %s %s\n", msg.ReceivedAt.Format("15:04:05.000"), msg.Topic, msg.Payload)
			}
			return <-errCh
		},
	}
	cmd.Flags().StringSliceVar(&fields, "fields", []string{"31", "84", "86"}, "Field codes")
	return cmd
}

func journalCmd(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Show recent session events recorded by ibrenew",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := persistence.NewSQLiteStore(a.cfg.Persistence.JournalDB, a.logger)
			if err != nil {
				return err
			}
			defer store.Close()

			events, err := store.RecentEvents(limit)
			if err != nil {
				return err
			}
			for _, ev := range events {
				line := fmt.Sprintf("%s %-13s %-20s %s", ev.OccurredAt.Local().Format("2006-01-02 15:04:05"), ev.Kind, ev.State, ev.Account)
				if ev.Attempt > 0 {
					line += " attempt=" + strconv.Itoa(ev.Attempt)
				}
				if ev.Detail != "" {
					line += " " + ev.Detail
				}
				if ev.Error != "" {
					line += " error=" + strconv.Quote(ev.Error)
				}
				fmt.Println(line)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of events")
	return cmd
}
