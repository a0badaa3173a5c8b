package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/crypto-trading/ibportal/internal/config"
	"github.com/crypto-trading/ibportal/internal/domain"
	"github.com/crypto-trading/ibportal/internal/eventbus"
	"github.com/crypto-trading/ibportal/internal/gateway"
	"github.com/crypto-trading/ibportal/internal/gateway/simulated"
	"github.com/crypto-trading/ibportal/internal/launcher"
	"github.com/crypto-trading/ibportal/internal/monitor"
	"github.com/crypto-trading/ibportal/internal/persistence"
	"github.com/crypto-trading/ibportal/internal/renewal"
	"github.com/crypto-trading/ibportal/internal/session"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("ibrenew exiting", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	logger := initLogger("INFO")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger = initLogger(cfg.System.LogLevel)
	logger.Info("configuration loaded",
		"instance_id", cfg.System.InstanceID,
		"trading_mode", cfg.System.TradingMode,
		"account", cfg.Account.ID,
	)

	cutoff, err := cfg.Renewal.Cutoff()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := monitor.NewMetrics(prometheus.DefaultRegisterer)

	tracerShutdown, err := monitor.InitTracer(cfg.System.InstanceID, cfg.Monitoring.TracingEnabled, logger)
	if err != nil {
		logger.Warn("failed to initialize tracer", "error", err)
	}

	alertMgr := monitor.NewAlertManager(cfg.Monitoring.AlertChannels, logger)
	bus := eventbus.New(1024, logger)

	sqliteStore, err := persistence.NewSQLiteStore(cfg.Persistence.JournalDB, logger)
	if err != nil {
		return fmt.Errorf("initialize session journal: %w", err)
	}
	defer sqliteStore.Close()

	if removed, err := sqliteStore.CleanupOldEvents(cfg.Persistence.Retention()); err != nil {
		logger.Warn("journal cleanup failed", "error", err)
	} else if removed > 0 {
		logger.Info("journal cleanup", "removed", removed)
	}

	var pgStore *persistence.PostgresStore
	if cfg.Persistence.ColdStoreDSN != "" {
		pgStore, err = persistence.NewPostgresStore(ctx, cfg.Persistence.ColdStoreDSN, cfg.Persistence.ColdStorePoolSize, logger)
		if err != nil {
			logger.Warn("PostgreSQL cold store unavailable, continuing without it", "error", err)
			pgStore = nil
		} else if pgStore != nil {
			defer pgStore.Close()
			if err := pgStore.RunMigrations(ctx); err != nil {
				logger.Error("failed to run PostgreSQL migrations", "error", err)
			}
		}
	}

	asyncWriter := persistence.NewAsyncWriter(sqliteStore, pgStore, 1024, logger)
	asyncWriter.Consume(bus.SubscribeSessionEvents())
	asyncWriter.Run()

	alertEvents := bus.SubscribeSessionEvents()
	go func() {
		for ev := range alertEvents {
			alertMgr.HandleSessionEvent(ev)
		}
	}()

	metricsSrv := startMetricsServer(cfg.Monitoring.MetricsAddr, logger)

	api, proc, cleanup, err := buildGateway(cfg, metrics, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	var prompter session.Prompter = session.NewConsolePrompter()
	if domain.TradingMode(cfg.System.TradingMode) == domain.TradingModeDryRun {
		prompter = session.AutoPrompter{}
	}

	sess := session.New(api, session.Options{
		Account:      cfg.Account.ID,
		Username:     cfg.Account.Username,
		Process:      proc,
		Prompter:     prompter,
		MaxRetries:   cfg.Auth.MaxRetries,
		PollInterval: cfg.Auth.PollInterval(),
		Events:       bus,
		Metrics:      metrics,
	}, logger)

	defer func() {
		if err := sess.Close(); err != nil {
			logger.Error("failed to close session", "error", err)
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if metricsSrv != nil {
			_ = metricsSrv.Shutdown(shutdownCtx)
		}
		bus.Close()
		asyncWriter.Stop()

		if tracerShutdown != nil {
			if err := tracerShutdown(shutdownCtx); err != nil {
				logger.Error("failed to shut down tracer", "error", err)
			}
		}
		logger.Info("shutdown complete")
	}()

	if cfg.Auth.WaitForLogin {
		err = sess.CreateSession(ctx, cfg.Auth.StartServer, true)
	} else if err = sess.Connect(ctx, cfg.Auth.StartServer, false); err == nil {
		// Someone else completes the browser login; just poll.
		err = sess.Authenticate(ctx)
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("startup interrupted")
			return nil
		}
		return fmt.Errorf("start session: %w", err)
	}

	renewer := renewal.New(sess, cfg.Renewal.Delay(), cutoff, logger)

	if err := config.WatchAndReload(configPath, func(newCfg *config.Config) {
		c, err := newCfg.Renewal.Cutoff()
		if err != nil {
			logger.Warn("ignoring renewal schedule change", "error", err)
			return
		}
		renewer.SetSchedule(newCfg.Renewal.Delay(), c)
	}); err != nil {
		logger.Warn("config hot-reload setup failed", "error", err)
	}

	logger.Info("session renewal started",
		"account", sess.Account(),
		"delay", cfg.Renewal.Delay(),
		"cutoff", cutoff.String(),
	)

	if err := renewer.Run(ctx); err != nil && !errors.Is(err, session.ErrClosed) {
		return fmt.Errorf("renewal loop: %w", err)
	}
	return nil
}

// buildGateway wires a client to the real gateway, or to an in-process
// simulated one in dry_run mode. The returned process is nil when there is
// nothing to launch.
func buildGateway(cfg *config.Config, metrics *monitor.Metrics, logger *slog.Logger) (*gateway.Client, session.Process, func(), error) {
	if domain.TradingMode(cfg.System.TradingMode) == domain.TradingModeDryRun {
		sim := simulated.New([]string{cfg.Account.ID}, logger)

		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return nil, nil, nil, fmt.Errorf("listen for simulated gateway: %w", err)
		}
		srv := &http.Server{Handler: sim, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("simulated gateway stopped", "error", err)
			}
		}()

		baseURL := "http://" + ln.Addr().String()
		logger.Warn("=== DRY RUN: using simulated gateway ===", "base_url", baseURL)

		client := gateway.NewClient(baseURL, logger,
			gateway.WithAPIVersion(cfg.Gateway.APIVersion),
			gateway.WithTimeout(cfg.Gateway.RequestTimeout()),
			gateway.WithMetrics(metrics),
		)
		return client, nil, func() { _ = srv.Close() }, nil
	}

	client, err := gateway.NewClientFromConfig(cfg.Gateway, logger, metrics)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("build gateway client: %w", err)
	}

	var proc session.Process
	if cfg.Auth.StartServer {
		proc = launcher.NewFromConfig(cfg.Gateway, logger, metrics)
	}
	return client, proc, func() {}, nil
}

func initLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "DEBUG":
		logLevel = slog.LevelDebug
	case "INFO":
		logLevel = slog.LevelInfo
	case "WARN":
		logLevel = slog.LevelWarn
	case "ERROR":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func startMetricsServer(addr string, logger *slog.Logger) *http.Server {
	if addr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", monitor.MetricsHandler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("metrics server starting", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", "error", err)
		}
	}()
	return server
}
