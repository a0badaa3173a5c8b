package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"
	_ "time/tzdata"
)

type Config struct {
	System      SystemConfig      `mapstructure:"system" validate:"required"`
	Account     AccountConfig     `mapstructure:"account" validate:"required"`
	Gateway     GatewayConfig     `mapstructure:"gateway" validate:"required"`
	Auth        AuthConfig        `mapstructure:"auth" validate:"required"`
	Renewal     RenewalConfig     `mapstructure:"renewal" validate:"required"`
	Stream      StreamConfig      `mapstructure:"stream"`
	Persistence PersistenceConfig `mapstructure:"persistence" validate:"required"`
	Monitoring  MonitoringConfig  `mapstructure:"monitoring"`
}

type SystemConfig struct {
	InstanceID  string `mapstructure:"instance_id" validate:"required"`
	TradingMode string `mapstructure:"trading_mode" validate:"required,oneof=live dry_run"`
	LogLevel    string `mapstructure:"log_level" validate:"required,oneof=DEBUG INFO WARN ERROR"`
	// SessionStatePath is reserved; nothing reads or writes it yet.
	SessionStatePath string `mapstructure:"session_state_path"`
}

type AccountConfig struct {
	ID       string `mapstructure:"id" validate:"required"`
	Username string `mapstructure:"username" validate:"required"`
}

type GatewayConfig struct {
	Scheme             string                     `mapstructure:"scheme" validate:"required,oneof=http https"`
	Host               string                     `mapstructure:"host" validate:"required"`
	Port               int                        `mapstructure:"port" validate:"required,gt=0,lte=65535"`
	APIVersion         string                     `mapstructure:"api_version" validate:"required"`
	PortalFolder       string                     `mapstructure:"portal_folder"`
	LaunchCommand      []string                   `mapstructure:"launch_command" validate:"required,min=1"`
	RequestTimeoutMs   int                        `mapstructure:"request_timeout_ms" validate:"gt=0"`
	StopTimeoutMs      int                        `mapstructure:"stop_timeout_ms" validate:"gt=0"`
	InsecureSkipVerify bool                       `mapstructure:"insecure_skip_verify"`
	TolerateEndpoints  []string                   `mapstructure:"tolerate_endpoints"`
	RateLimits         map[string]RateLimitConfig `mapstructure:"rate_limits" validate:"dive"`
}

type RateLimitConfig struct {
	Capacity        int     `mapstructure:"capacity" validate:"required,gt=0"`
	RefillPerSecond float64 `mapstructure:"refill_per_second" validate:"required,gt=0"`
}

func (c GatewayConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMs) * time.Millisecond
}

func (c GatewayConfig) StopTimeout() time.Duration {
	return time.Duration(c.StopTimeoutMs) * time.Millisecond
}

// BaseURL returns scheme://host:port. A host of "auto" resolves the machine's
// own mDNS name, which is where the gateway binds by default.
func (c GatewayConfig) BaseURL() (string, error) {
	host := c.Host
	if strings.EqualFold(host, "auto") {
		resolved, err := ResolveLocalHost()
		if err != nil {
			return "", err
		}
		host = resolved
	}
	return fmt.Sprintf("%s://%s", c.Scheme, net.JoinHostPort(host, fmt.Sprint(c.Port))), nil
}

func ResolveLocalHost() (string, error) {
	name, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("hostname: %w", err)
	}
	addrs, err := net.LookupHost(name + ".local")
	if err != nil {
		return "", fmt.Errorf("resolve %s.local: %w", name, err)
	}
	for _, a := range addrs {
		if ip := net.ParseIP(a); ip != nil && ip.To4() != nil {
			return a, nil
		}
	}
	if len(addrs) == 0 {
		return "", fmt.Errorf("resolve %s.local: no addresses", name)
	}
	return addrs[0], nil
}

type AuthConfig struct {
	MaxRetries     int  `mapstructure:"max_retries" validate:"required,gt=0"`
	PollIntervalMs int  `mapstructure:"poll_interval_ms" validate:"gte=0"`
	StartServer    bool `mapstructure:"start_server"`
	WaitForLogin   bool `mapstructure:"wait_for_login"`
}

func (c AuthConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

type RenewalConfig struct {
	DelaySeconds int    `mapstructure:"delay_seconds" validate:"required,gt=0"`
	MarketClose  string `mapstructure:"market_close" validate:"required"`
	Timezone     string `mapstructure:"timezone" validate:"required"`
}

func (c RenewalConfig) Delay() time.Duration {
	return time.Duration(c.DelaySeconds) * time.Second
}

// Cutoff parses MarketClose (HH:MM) in Timezone.
func (c RenewalConfig) Cutoff() (Cutoff, error) {
	return ParseCutoff(c.MarketClose, c.Timezone)
}

// Cutoff is a wall-clock time of day in an explicit location.
type Cutoff struct {
	Hour     int
	Minute   int
	Location *time.Location
}

func ParseCutoff(hhmm, timezone string) (Cutoff, error) {
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		return Cutoff{}, fmt.Errorf("parse market close %q: %w", hhmm, err)
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return Cutoff{}, fmt.Errorf("load timezone %q: %w", timezone, err)
	}
	return Cutoff{Hour: t.Hour(), Minute: t.Minute(), Location: loc}, nil
}

// Passed reports whether now, seen in the cutoff's location, is at or after
// the cutoff time of day.
func (c Cutoff) Passed(now time.Time) bool {
	loc := c.Location
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	mins := local.Hour()*60 + local.Minute()
	return mins >= c.Hour*60+c.Minute
}

func (c Cutoff) String() string {
	name := "UTC"
	if c.Location != nil {
		name = c.Location.String()
	}
	return fmt.Sprintf("%02d:%02d %s", c.Hour, c.Minute, name)
}

type StreamConfig struct {
	HeartbeatSeconds int `mapstructure:"heartbeat_seconds" validate:"gte=0"`
}

func (c StreamConfig) Heartbeat() time.Duration {
	return time.Duration(c.HeartbeatSeconds) * time.Second
}

type PersistenceConfig struct {
	JournalDB         string `mapstructure:"journal_db" validate:"required"`
	ColdStoreDSN      string `mapstructure:"cold_store_dsn"`
	ColdStorePoolSize int    `mapstructure:"cold_store_pool_size" validate:"gt=0"`
	RetentionDays     int    `mapstructure:"retention_days" validate:"gt=0"`
}

func (c PersistenceConfig) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

type MonitoringConfig struct {
	MetricsAddr    string   `mapstructure:"metrics_addr"`
	TracingEnabled bool     `mapstructure:"tracing_enabled"`
	AlertChannels  []string `mapstructure:"alert_channels"`
}
