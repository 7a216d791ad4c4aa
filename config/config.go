package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// VenueConfig execution venue selection and credentials
type VenueConfig struct {
	// Exchange "binance", "hyperliquid" or "paper"
	Exchange string `json:"exchange"`

	// Binance configuration
	BinanceAPIKey    string `json:"binance_api_key,omitempty"`
	BinanceSecretKey string `json:"binance_secret_key,omitempty"`

	// Hyperliquid configuration
	HyperliquidPrivateKey string `json:"hyperliquid_private_key,omitempty"`
	HyperliquidTestnet    bool   `json:"hyperliquid_testnet,omitempty"`
}

// RiskConfig exit policy knobs
type RiskConfig struct {
	DefaultStopLossPct   float64 `json:"default_stop_loss_pct"`   // applied when intake omits one
	DefaultTakeProfitPct float64 `json:"default_take_profit_pct"` // 0 = no default TP
	DefaultMaxHoldHours  float64 `json:"default_max_hold_hours"`  // 0 = no default time stop

	DustMinNotionalUsd   float64 `json:"dust_min_notional_usd"`
	LiquidationBufferPct float64 `json:"liquidation_buffer_pct"` // fraction of liq distance kept as safety margin

	// SizeTolerancePct relative ledger/venue size drift treated as rounding
	SizeTolerancePct float64 `json:"size_tolerance_pct"`
}

// TradeManagementConfig the engine gate and close-protocol knobs
type TradeManagementConfig struct {
	// Enabled gates intake, manual closes and the monitor loop.
	// Omitted means enabled.
	Enabled *bool `json:"enabled,omitempty"`

	// CloseMaxAttempts venue call budget per close step, counting the
	// first try
	CloseMaxAttempts int `json:"close_max_attempts"`

	// CloseBackoffMinMs / CloseBackoffMaxMs retry backoff bounds
	CloseBackoffMinMs int `json:"close_backoff_min_ms"`
	CloseBackoffMaxMs int `json:"close_backoff_max_ms"`
}

// IsEnabled reports the trade management gate
func (c *TradeManagementConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// CloseBackoffMin the retry backoff floor as a duration
func (c *TradeManagementConfig) CloseBackoffMin() time.Duration {
	return time.Duration(c.CloseBackoffMinMs) * time.Millisecond
}

// CloseBackoffMax the retry backoff ceiling as a duration
func (c *TradeManagementConfig) CloseBackoffMax() time.Duration {
	return time.Duration(c.CloseBackoffMaxMs) * time.Millisecond
}

// Config main configuration
type Config struct {
	Venue           VenueConfig           `json:"venue"`
	Risk            RiskConfig            `json:"risk"`
	TradeManagement TradeManagementConfig `json:"trade_management"`

	MonitorIntervalSeconds int `json:"monitor_interval_seconds"`
	MaxConcurrentCloses    int `json:"max_concurrent_closes"`
	ReconcileEveryTicks    int `json:"reconcile_every_ticks"`

	APIServerPort int `json:"api_server_port"`

	// DataDir holds the SQLite database unless database_url points at Postgres
	DataDir     string `json:"data_dir"`
	DatabaseURL string `json:"database_url,omitempty"`
}

// LoadConfig loads configuration from file. Credentials may also come from
// the environment so the config file stays checked-in safe.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment overrides for secrets
	if v := os.Getenv("BINANCE_API_KEY"); v != "" {
		config.Venue.BinanceAPIKey = v
	}
	if v := os.Getenv("BINANCE_SECRET_KEY"); v != "" {
		config.Venue.BinanceSecretKey = v
	}
	if v := os.Getenv("HYPERLIQUID_PRIVATE_KEY"); v != "" {
		config.Venue.HyperliquidPrivateKey = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		config.DatabaseURL = v
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

// Validate validates configuration validity and fills defaults
func (c *Config) Validate() error {
	if c.Venue.Exchange == "" {
		c.Venue.Exchange = "paper" // Default to paper trading
	}
	switch c.Venue.Exchange {
	case "binance":
		if c.Venue.BinanceAPIKey == "" || c.Venue.BinanceSecretKey == "" {
			return fmt.Errorf("binance_api_key and binance_secret_key must be configured when using Binance")
		}
	case "hyperliquid":
		if c.Venue.HyperliquidPrivateKey == "" {
			return fmt.Errorf("hyperliquid_private_key must be configured when using Hyperliquid")
		}
	case "paper":
		// paper mode does not require credentials
	default:
		return fmt.Errorf("exchange must be 'binance', 'hyperliquid' or 'paper'")
	}

	if c.Risk.DefaultStopLossPct < 0 || c.Risk.DefaultStopLossPct >= 1 {
		return fmt.Errorf("default_stop_loss_pct must be in [0, 1)")
	}
	if c.Risk.DefaultStopLossPct == 0 {
		c.Risk.DefaultStopLossPct = 0.05 // Default 5% stop
	}
	if c.Risk.DustMinNotionalUsd <= 0 {
		c.Risk.DustMinNotionalUsd = 10.0
	}
	if c.Risk.LiquidationBufferPct <= 0 || c.Risk.LiquidationBufferPct >= 1 {
		c.Risk.LiquidationBufferPct = 0.15 // Exit with 15% of the liq distance to spare
	}
	if c.Risk.SizeTolerancePct <= 0 {
		c.Risk.SizeTolerancePct = 0.005
	}

	if c.TradeManagement.CloseMaxAttempts <= 0 {
		c.TradeManagement.CloseMaxAttempts = 3
	}
	if c.TradeManagement.CloseBackoffMinMs <= 0 {
		c.TradeManagement.CloseBackoffMinMs = 500
	}
	if c.TradeManagement.CloseBackoffMaxMs <= 0 {
		c.TradeManagement.CloseBackoffMaxMs = 5000
	}

	if c.MonitorIntervalSeconds <= 0 {
		c.MonitorIntervalSeconds = 15
	}
	if c.MaxConcurrentCloses <= 0 {
		c.MaxConcurrentCloses = 4
	}
	// Reconciliation runs before every evaluation pass unless amortized
	if c.ReconcileEveryTicks <= 0 {
		c.ReconcileEveryTicks = 1
	}
	if c.APIServerPort <= 0 {
		c.APIServerPort = 8080 // Default port 8080
	}
	if c.DataDir == "" {
		c.DataDir = "data"
	}

	return nil
}

// MonitorInterval the tick interval as a duration
func (c *Config) MonitorInterval() time.Duration {
	return time.Duration(c.MonitorIntervalSeconds) * time.Second
}

// DefaultMaxHoldSeconds the default time stop in seconds, 0 when disabled
func (c *RiskConfig) DefaultMaxHoldSeconds() int64 {
	return int64(c.DefaultMaxHoldHours * 3600)
}
