package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadConfigFillsDefaults(t *testing.T) {
	path := writeConfig(t, `{}`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "paper", cfg.Venue.Exchange)
	assert.Equal(t, 0.05, cfg.Risk.DefaultStopLossPct)
	assert.Equal(t, 10.0, cfg.Risk.DustMinNotionalUsd)
	assert.Equal(t, 0.15, cfg.Risk.LiquidationBufferPct)
	assert.Equal(t, 0.005, cfg.Risk.SizeTolerancePct)
	assert.True(t, cfg.TradeManagement.IsEnabled())
	assert.Equal(t, 3, cfg.TradeManagement.CloseMaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.TradeManagement.CloseBackoffMin())
	assert.Equal(t, 5*time.Second, cfg.TradeManagement.CloseBackoffMax())
	assert.Equal(t, 15, cfg.MonitorIntervalSeconds)
	assert.Equal(t, 4, cfg.MaxConcurrentCloses)
	assert.Equal(t, 1, cfg.ReconcileEveryTicks)
	assert.Equal(t, 8080, cfg.APIServerPort)
	assert.Equal(t, "data", cfg.DataDir)
	assert.Equal(t, 15*time.Second, cfg.MonitorInterval())
}

func TestTradeManagementGate(t *testing.T) {
	path := writeConfig(t, `{"trade_management": {"enabled": false, "close_max_attempts": 5}}`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.False(t, cfg.TradeManagement.IsEnabled())
	assert.Equal(t, 5, cfg.TradeManagement.CloseMaxAttempts)
}

func TestLoadConfigExplicitValues(t *testing.T) {
	path := writeConfig(t, `{
		"venue": {"exchange": "hyperliquid", "hyperliquid_private_key": "0xabc", "hyperliquid_testnet": true},
		"risk": {"default_stop_loss_pct": 0.08, "default_max_hold_hours": 6.5},
		"monitor_interval_seconds": 30,
		"api_server_port": 9090
	}`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "hyperliquid", cfg.Venue.Exchange)
	assert.True(t, cfg.Venue.HyperliquidTestnet)
	assert.Equal(t, 0.08, cfg.Risk.DefaultStopLossPct)
	assert.Equal(t, int64(6.5*3600), cfg.Risk.DefaultMaxHoldSeconds())
	assert.Equal(t, 30*time.Second, cfg.MonitorInterval())
	assert.Equal(t, 9090, cfg.APIServerPort)
}

func TestBinanceRequiresCredentials(t *testing.T) {
	path := writeConfig(t, `{"venue": {"exchange": "binance"}}`)
	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestHyperliquidRequiresKey(t *testing.T) {
	path := writeConfig(t, `{"venue": {"exchange": "hyperliquid"}}`)
	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestUnknownExchangeRejected(t *testing.T) {
	path := writeConfig(t, `{"venue": {"exchange": "ftx"}}`)
	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestStopLossOutOfRangeRejected(t *testing.T) {
	path := writeConfig(t, `{"risk": {"default_stop_loss_pct": 1.0}}`)
	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestEnvironmentOverridesSecrets(t *testing.T) {
	t.Setenv("BINANCE_API_KEY", "env-key")
	t.Setenv("BINANCE_SECRET_KEY", "env-secret")
	t.Setenv("DATABASE_URL", "postgres://localhost/trades")

	path := writeConfig(t, `{"venue": {"exchange": "binance"}}`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "env-key", cfg.Venue.BinanceAPIKey)
	assert.Equal(t, "env-secret", cfg.Venue.BinanceSecretKey)
	assert.Equal(t, "postgres://localhost/trades", cfg.DatabaseURL)
}

func TestMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}
