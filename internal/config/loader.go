package config

import (
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

var globalConfig atomic.Pointer[Config]

func Get() *Config {
	return globalConfig.Load()
}

func newViper(configPath string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// The renewal script historically read REGULAR_ACCOUNT / REGULAR_USERNAME.
	_ = v.BindEnv("account.id", "ACCOUNT_ID", "IB_ACCOUNT", "REGULAR_ACCOUNT")
	_ = v.BindEnv("account.username", "ACCOUNT_USERNAME", "IB_USERNAME", "REGULAR_USERNAME")

	setDefaults(v)
	return v
}

// DefaultRateLimits is the gateway pacing applied when the config file sets none.
func DefaultRateLimits() map[string]RateLimitConfig {
	return map[string]RateLimitConfig{
		"global":             {Capacity: 10, RefillPerSecond: 10},
		"auth_status":        {Capacity: 1, RefillPerSecond: 1},
		"validate":           {Capacity: 1, RefillPerSecond: 1.0 / 60},
		"live_orders":        {Capacity: 1, RefillPerSecond: 0.2},
		"portfolio_accounts": {Capacity: 1, RefillPerSecond: 0.2},
		"snapshot":           {Capacity: 10, RefillPerSecond: 10},
		"history":            {Capacity: 5, RefillPerSecond: 5},
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("system.instance_id", "ibportal")
	v.SetDefault("system.trading_mode", "live")
	v.SetDefault("system.log_level", "INFO")
	v.SetDefault("system.session_state_path", "data/server_session.json")

	v.SetDefault("gateway.scheme", "https")
	v.SetDefault("gateway.host", "localhost")
	v.SetDefault("gateway.port", 5000)
	v.SetDefault("gateway.api_version", "v1")
	v.SetDefault("gateway.portal_folder", "resources/clientportal.beta.gw")
	v.SetDefault("gateway.launch_command", []string{"sh", "bin/run.sh", "root/conf.yaml"})
	v.SetDefault("gateway.request_timeout_ms", 10000)
	v.SetDefault("gateway.stop_timeout_ms", 5000)
	v.SetDefault("gateway.insecure_skip_verify", true)
	v.SetDefault("gateway.tolerate_endpoints", []string{"iserver/account"})
	rateLimits := make(map[string]any)
	for name, lim := range DefaultRateLimits() {
		rateLimits[name] = map[string]any{"capacity": lim.Capacity, "refill_per_second": lim.RefillPerSecond}
	}
	v.SetDefault("gateway.rate_limits", rateLimits)

	v.SetDefault("auth.max_retries", 10)
	v.SetDefault("auth.poll_interval_ms", 1000)
	v.SetDefault("auth.start_server", true)
	v.SetDefault("auth.wait_for_login", true)

	v.SetDefault("renewal.delay_seconds", 60)
	v.SetDefault("renewal.market_close", "16:00")
	v.SetDefault("renewal.timezone", "America/New_York")

	v.SetDefault("stream.heartbeat_seconds", 60)

	v.SetDefault("persistence.journal_db", "data/session_journal.db")
	v.SetDefault("persistence.cold_store_pool_size", 4)
	v.SetDefault("persistence.retention_days", 30)

	v.SetDefault("monitoring.metrics_addr", ":9090")
	v.SetDefault("monitoring.tracing_enabled", false)
}

func decodeAndValidate(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	validate := validator.New()
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	if _, err := cfg.Renewal.Cutoff(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

func Load(configPath string) (*Config, error) {
	v := newViper(configPath)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg, err := decodeAndValidate(v)
	if err != nil {
		return nil, err
	}

	globalConfig.Store(cfg)
	return cfg, nil
}

func WatchAndReload(configPath string, onChange func(*Config)) error {
	v := newViper(configPath)

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config for watch: %w", err)
	}

	v.OnConfigChange(func(_ fsnotify.Event) {
		newCfg, err := decodeAndValidate(v)
		if err != nil {
			slog.Error("reloaded config rejected", "error", err)
			return
		}

		old := globalConfig.Load()
		globalConfig.Store(newCfg)
		slog.Info("configuration reloaded successfully")

		if onChange != nil {
			onChange(newCfg)
		}

		logConfigChanges(old, newCfg)
	})
	v.WatchConfig()

	return nil
}

func logConfigChanges(old, new *Config) {
	if old == nil || new == nil {
		return
	}
	if old.Renewal != new.Renewal {
		slog.Info("renewal schedule changed",
			"old_delay_s", old.Renewal.DelaySeconds,
			"new_delay_s", new.Renewal.DelaySeconds,
			"old_close", old.Renewal.MarketClose,
			"new_close", new.Renewal.MarketClose,
			"timezone", new.Renewal.Timezone,
		)
	}
	if old.System.LogLevel != new.System.LogLevel {
		slog.Info("log level changed",
			"old", old.System.LogLevel,
			"new", new.System.LogLevel,
		)
	}
	if old.Account.ID != new.Account.ID {
		slog.Warn("account changed on reload; takes effect on next session",
			"old", old.Account.ID,
			"new", new.Account.ID,
		)
	}
}
