package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/crypto-trading/ibportal/internal/config"
	"github.com/crypto-trading/ibportal/internal/gateway"
	"github.com/crypto-trading/ibportal/internal/session"
)

// app holds what every subcommand needs once the root flags are parsed.
type app struct {
	configPath string
	account    string
	verbose    bool

	cfg    *config.Config
	logger *slog.Logger
	client *gateway.Client
}

func main() {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:           "ibctl",
		Short:         "Operator CLI for the Client Portal gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init()
		},
	}

	rootCmd.PersistentFlags().StringVar(&a.configPath, "config", "configs/config.yaml", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&a.account, "account", "", "Account id (defaults to account.id from config)")
	rootCmd.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Log requests to stderr")

	rootCmd.AddCommand(
		statusCmd(a),
		loginCmd(a),
		validateCmd(a),
		reauthCmd(a),
		accountsCmd(a),
		switchAccountCmd(a),
		portfolioCmd(a),
		snapshotCmd(a),
		historyCmd(a),
		searchCmd(a),
		ordersCmd(a),
		placeCmd(a, false),
		placeCmd(a, true),
		replyCmd(a),
		modifyCmd(a),
		cancelCmd(a),
		streamCmd(a),
		journalCmd(a),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func (a *app) init() error {
	level := slog.LevelWarn
	if a.verbose {
		level = slog.LevelDebug
	}
	a.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	a.cfg = cfg
	if a.account == "" {
		a.account = cfg.Account.ID
	}

	client, err := gateway.NewClientFromConfig(cfg.Gateway, a.logger, nil)
	if err != nil {
		return err
	}
	a.client = client
	return nil
}

// printJSON pretty-prints a raw response. A nil body prints "null".
func printJSON(raw json.RawMessage) error {
	if len(raw) == 0 {
		fmt.Println("null")
		return nil
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return fmt.Errorf("format response: %w", err)
	}
	fmt.Println(buf.String())
	return nil
}

func printValue(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("format response: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func statusCmd(a *app) *cobra.Command {
	var refresh bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the brokerage session authentication status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			status, err := a.client.AuthStatus(cmd.Context(), !refresh)
			if err != nil {
				return err
			}
			return printValue(status)
		},
	}
	cmd.Flags().BoolVar(&refresh, "refresh", false, "POST instead of GET to refresh the status")
	return cmd
}

func loginCmd(a *app) *cobra.Command {
	var noWait bool
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Wait for a browser login against a running gateway, then authenticate",
		RunE: func(cmd *cobra.Command, _ []string) error {
			sess := session.New(a.client, session.Options{
				Account:      a.account,
				Username:     a.cfg.Account.Username,
				Prompter:     session.NewConsolePrompter(),
				MaxRetries:   a.cfg.Auth.MaxRetries,
				PollInterval: a.cfg.Auth.PollInterval(),
			}, a.logger)
			var err error
			if noWait {
				err = sess.Authenticate(cmd.Context())
			} else {
				err = sess.Login(cmd.Context())
			}
			if err != nil {
				return err
			}
			fmt.Printf("session %s for account %s\n", sess.State(), sess.Account())
			return nil
		},
	}
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "Skip the login prompt and only poll the status")
	return cmd
}

func validateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the SSO session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			raw, err := a.client.Validate(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(raw)
		},
	}
}

func reauthCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "reauth",
		Short: "Ask the gateway to reauthenticate the brokerage session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			raw, err := a.client.Reauthenticate(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(raw)
		},
	}
}

func accountsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "accounts",
		Short: "List brokerage accounts known to the gateway",
		RunE: func(cmd *cobra.Command, _ []string) error {
			accts, err := a.client.ServerAccounts(cmd.Context())
			if err != nil {
				return err
			}
			return printValue(accts)
		},
	}
}

func switchAccountCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "switch <account>",
		Short: "Switch the gateway's selected account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := a.client.SwitchAccount(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(raw)
		},
	}
}
