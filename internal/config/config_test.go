package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitos/options_breakout/internal/domain"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_DefaultsAndOverrides(t *testing.T) {
	path := writeConfig(t, `
broker:
  client_secret: "file-secret"
  refresh_token: "file-refresh"
  account_number: "5WT00001"
trading:
  dte_max: 3
  cycle_interval: 30s
tickers:
  - symbol: spy
    enabled: true
  - symbol: QQQ
    enabled: false
    threshold: 1.5
`)
	t.Setenv("TASTY_CLIENT_SECRET", "env-secret")
	t.Setenv("PAPER_TRADING", "false")
	t.Setenv("PORT", "8081")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "env-secret", cfg.Broker.ClientSecret)
	assert.Equal(t, "file-refresh", cfg.Broker.RefreshToken)
	assert.False(t, cfg.Broker.PaperTrading)
	assert.Equal(t, "https://api.tastyworks.com", cfg.Broker.ResolveBaseURL())
	assert.Equal(t, 8081, cfg.Server.Port)

	assert.Equal(t, 12*time.Minute, cfg.Broker.TokenMargin)
	assert.Equal(t, 30*time.Second, cfg.Streaming.KeepaliveInterval)
	assert.Equal(t, 30*time.Second, cfg.Trading.CycleInterval)
	assert.Equal(t, 0, cfg.Trading.DTEMin)
	assert.Equal(t, 3, cfg.Trading.DTEMax)

	require.Len(t, cfg.Tickers, 2)
	assert.Equal(t, "SPY", cfg.Tickers[0].Symbol)
	assert.Equal(t, domain.DefaultThreshold, cfg.Tickers[0].Threshold)
	assert.Equal(t, domain.DefaultMaxPositions, cfg.Tickers[0].MaxPositions)
	assert.Equal(t, domain.DefaultCapitalPerTrade, cfg.Tickers[0].CapitalPerTrade)
	assert.Equal(t, 1.5, cfg.Tickers[1].Threshold)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg := Default()
		cfg.Broker.ClientSecret = "s"
		cfg.Broker.RefreshToken = "r"
		return cfg
	}

	require.NoError(t, base().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"Missing credentials", func(c *Config) { c.Broker.RefreshToken = "" }},
		{"End before start", func(c *Config) { c.Trading.EndTime = "09:00" }},
		{"Bad clock", func(c *Config) { c.Trading.StartTime = "9h30" }},
		{"Inverted DTE", func(c *Config) { c.Trading.DTEMin = 5; c.Trading.DTEMax = 2 }},
		{"Unknown timezone", func(c *Config) { c.Trading.Timezone = "Mars/Olympus" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestParseClock(t *testing.T) {
	d, err := ParseClock("09:30")
	require.NoError(t, err)
	assert.Equal(t, 9*time.Hour+30*time.Minute, d)
}
