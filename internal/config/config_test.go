package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalConfig = `
account:
  id: U1234567
  username: trader
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, "U1234567", cfg.Account.ID)
	assert.Equal(t, "trader", cfg.Account.Username)
	assert.Equal(t, "https", cfg.Gateway.Scheme)
	assert.Equal(t, 5000, cfg.Gateway.Port)
	assert.Equal(t, "v1", cfg.Gateway.APIVersion)
	assert.Equal(t, []string{"sh", "bin/run.sh", "root/conf.yaml"}, cfg.Gateway.LaunchCommand)
	assert.Equal(t, []string{"iserver/account"}, cfg.Gateway.TolerateEndpoints)
	assert.Equal(t, 10*time.Second, cfg.Gateway.RequestTimeout())
	assert.True(t, cfg.Gateway.InsecureSkipVerify)
	assert.Equal(t, 10, cfg.Auth.MaxRetries)
	assert.Equal(t, time.Minute, cfg.Renewal.Delay())
	assert.Equal(t, "16:00", cfg.Renewal.MarketClose)
	assert.Contains(t, cfg.Gateway.RateLimits, "validate")
	assert.Equal(t, cfg, Get())

	base, err := cfg.Gateway.BaseURL()
	require.NoError(t, err)
	assert.Equal(t, "https://localhost:5000", base)
}

func TestLoad_Overrides(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig+`
gateway:
  scheme: http
  host: 127.0.0.1
  port: 5001
  tolerate_endpoints: []
renewal:
  delay_seconds: 30
  market_close: "15:45"
  timezone: Europe/London
`))
	require.NoError(t, err)

	base, err := cfg.Gateway.BaseURL()
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:5001", base)
	assert.Empty(t, cfg.Gateway.TolerateEndpoints)

	cutoff, err := cfg.Renewal.Cutoff()
	require.NoError(t, err)
	assert.Equal(t, 15, cutoff.Hour)
	assert.Equal(t, 45, cutoff.Minute)
	assert.Equal(t, "Europe/London", cutoff.Location.String())
}

func TestLoad_LegacyEnvCredentials(t *testing.T) {
	t.Setenv("REGULAR_ACCOUNT", "U7654321")
	t.Setenv("REGULAR_USERNAME", "legacy")

	cfg, err := Load(writeConfig(t, "system:\n  log_level: DEBUG\n"))
	require.NoError(t, err)
	assert.Equal(t, "U7654321", cfg.Account.ID)
	assert.Equal(t, "legacy", cfg.Account.Username)
}

func TestLoad_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing account", "system:\n  log_level: INFO\n"},
		{"bad log level", minimalConfig + "system:\n  log_level: LOUD\n"},
		{"bad market close", minimalConfig + "renewal:\n  market_close: \"4pm\"\n"},
		{"bad timezone", minimalConfig + "renewal:\n  timezone: Mars/Olympus\n"},
		{"bad trading mode", minimalConfig + "system:\n  trading_mode: paper\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestCutoff_Passed(t *testing.T) {
	cutoff, err := ParseCutoff("16:00", "America/New_York")
	require.NoError(t, err)

	ny := cutoff.Location
	assert.False(t, cutoff.Passed(time.Date(2026, 10, 19, 15, 59, 0, 0, ny)))
	assert.True(t, cutoff.Passed(time.Date(2026, 10, 19, 16, 0, 0, 0, ny)))
	assert.True(t, cutoff.Passed(time.Date(2026, 10, 19, 17, 30, 0, 0, ny)))

	// 19:30 UTC is 15:30 in New York during daylight saving time.
	assert.False(t, cutoff.Passed(time.Date(2026, 7, 1, 19, 30, 0, 0, time.UTC)))
	assert.True(t, cutoff.Passed(time.Date(2026, 7, 1, 20, 5, 0, 0, time.UTC)))
	assert.Equal(t, "16:00 America/New_York", cutoff.String())
}
