package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/nmdc00/Thufir-Hawat-sub003/api"
	"github.com/nmdc00/Thufir-Hawat-sub003/audit"
	"github.com/nmdc00/Thufir-Hawat-sub003/config"
	"github.com/nmdc00/Thufir-Hawat-sub003/execution"
	"github.com/nmdc00/Thufir-Hawat-sub003/exit"
	"github.com/nmdc00/Thufir-Hawat-sub003/ledger"
	"github.com/nmdc00/Thufir-Hawat-sub003/manager"
	"github.com/nmdc00/Thufir-Hawat-sub003/market"
	"github.com/nmdc00/Thufir-Hawat-sub003/monitor"
	"github.com/nmdc00/Thufir-Hawat-sub003/reconcile"
	"github.com/nmdc00/Thufir-Hawat-sub003/venue"
)

func main() {
	fmt.Println("╔════════════════════════════════════════════════════════════╗")
	fmt.Println("║        📊 Leveraged Trade Lifecycle & Risk Engine          ║")
	fmt.Println("╚════════════════════════════════════════════════════════════╝")
	fmt.Println()

	// Load .env if present (silently ignore if missing)
	if err := godotenv.Load(); err != nil {
		if os.IsNotExist(err) {
			log.Printf("ℹ️  No .env file found, continuing with OS environment variables")
		} else {
			log.Printf("⚠️  Failed to load .env file: %v", err)
		}
	}

	// Load configuration file
	configFile := "config.json"
	if len(os.Args) > 1 {
		configFile = os.Args[1]
	}

	log.Printf("📋 Loading configuration file: %s", configFile)
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		log.Fatalf("❌ Failed to load configuration: %v", err)
	}

	// Override API server port with the platform PORT variable if set
	if envPort := os.Getenv("PORT"); envPort != "" {
		if portNum, err := strconv.Atoi(envPort); err == nil {
			cfg.APIServerPort = portNum
			log.Printf("✓ Using PORT from environment: %d", portNum)
		}
	}

	// Open the trade ledger
	store, err := ledger.Open(ledger.StoreConfig{DataDir: cfg.DataDir, DatabaseURL: cfg.DatabaseURL})
	if err != nil {
		log.Fatalf("❌ Failed to open trade ledger: %v", err)
	}
	defer store.Close()

	// Audit events go to the log and the ledger
	sink := audit.MultiSink{audit.LogSink{}, store}

	// Market data and execution venue
	mkt, adapter, err := buildVenue(cfg)
	if err != nil {
		log.Fatalf("❌ Failed to initialize venue: %v", err)
	}
	log.Printf("✓ Venue ready: %s", adapter.Name())

	serviceCfg := manager.Config{
		Enabled: cfg.TradeManagement.IsEnabled(),
		Monitor: monitor.Config{
			Interval:            cfg.MonitorInterval(),
			MaxConcurrentCloses: cfg.MaxConcurrentCloses,
			ReconcileEveryTicks: cfg.ReconcileEveryTicks,
			Exit: exit.Config{
				DustMinNotionalUsd:   cfg.Risk.DustMinNotionalUsd,
				LiquidationBufferPct: cfg.Risk.LiquidationBufferPct,
			},
			Reconcile: reconcile.Config{
				SizeTolerancePct:     cfg.Risk.SizeTolerancePct,
				LiquidationBufferPct: cfg.Risk.LiquidationBufferPct,
			},
		},
		Defaults: manager.RiskDefaults{
			StopLossPct:    cfg.Risk.DefaultStopLossPct,
			TakeProfitPct:  cfg.Risk.DefaultTakeProfitPct,
			MaxHoldSeconds: cfg.Risk.DefaultMaxHoldSeconds(),
		},
		Close: execution.Config{
			MaxAttempts: cfg.TradeManagement.CloseMaxAttempts,
			BackoffMin:  cfg.TradeManagement.CloseBackoffMin(),
			BackoffMax:  cfg.TradeManagement.CloseBackoffMax(),
		},
	}

	service := manager.NewService(store, mkt, adapter, sink, serviceCfg)

	fmt.Println()
	fmt.Printf("  • Venue: %s\n", adapter.Name())
	fmt.Printf("  • Tick interval: %s\n", cfg.MonitorInterval())
	fmt.Printf("  • Default stop loss: %.1f%%\n", cfg.Risk.DefaultStopLossPct*100)
	fmt.Printf("  • Dust threshold: $%.0f\n", cfg.Risk.DustMinNotionalUsd)
	fmt.Println()
	fmt.Println("Press Ctrl+C to stop")
	fmt.Println(strings.Repeat("=", 60))
	fmt.Println()

	// Create and start API server
	apiServer := api.NewServer(service, cfg.APIServerPort)
	go func() {
		if err := apiServer.Start(); err != nil {
			log.Printf("❌ API server error: %v", err)
		}
	}()

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	service.Start()

	// Wait for shutdown signal
	<-sigChan
	fmt.Println()
	log.Println("📛 Received shutdown signal, stopping trade monitor...")
	service.Stop()

	fmt.Println("👋 Engine stopped, open positions remain managed on restart")
}

// buildVenue wires the market data client and execution adapter for the
// configured exchange
func buildVenue(cfg *config.Config) (market.Client, venue.Adapter, error) {
	switch cfg.Venue.Exchange {
	case "binance":
		return market.NewBinanceClient(), venue.NewBinanceAdapter(cfg.Venue.BinanceAPIKey, cfg.Venue.BinanceSecretKey), nil
	case "hyperliquid":
		adapter, err := venue.NewHyperliquidAdapter(cfg.Venue.HyperliquidPrivateKey, cfg.Venue.HyperliquidTestnet)
		if err != nil {
			return nil, nil, err
		}
		feed := market.NewHyperliquidFeed(cfg.Venue.HyperliquidTestnet)
		feed.Start()
		return feed, adapter, nil
	default:
		// Paper venue priced off the public Binance feed
		mkt := market.NewBinanceClient()
		return mkt, venue.NewPaperAdapter(mkt), nil
	}
}
