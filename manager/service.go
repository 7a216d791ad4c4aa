// Package manager owns the engine lifecycle: the enabled gate, trade intake
// from the upstream decision layer, and the query surface the API serves.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nmdc00/Thufir-Hawat-sub003/audit"
	"github.com/nmdc00/Thufir-Hawat-sub003/execution"
	"github.com/nmdc00/Thufir-Hawat-sub003/ledger"
	"github.com/nmdc00/Thufir-Hawat-sub003/market"
	"github.com/nmdc00/Thufir-Hawat-sub003/monitor"
	"github.com/nmdc00/Thufir-Hawat-sub003/venue"
)

// ErrDisabled intake and closes are rejected while the engine is disabled
var ErrDisabled = errors.New("trade engine is disabled")

// RiskDefaults applied to intake fields the caller leaves unset
type RiskDefaults struct {
	StopLossPct    float64
	TakeProfitPct  float64
	MaxHoldSeconds int64
}

// Config service policy, wired from the trade_management configuration
// surface
type Config struct {
	// Enabled gates intake, manual closes and the monitor loop. A service
	// built with Enabled false stays dormant: Start is a no-op.
	Enabled bool

	Monitor  monitor.Config
	Defaults RiskDefaults
	Close    execution.Config
}

// TradeIntake an entry the upstream decision layer hands over for management
type TradeIntake struct {
	HypothesisID string     `json:"hypothesis_id"`
	Symbol       string     `json:"symbol"`
	Side         string     `json:"side"`
	EntryPrice   float64    `json:"entry_price"`
	Size         float64    `json:"size"`
	Leverage     int        `json:"leverage"`
	EntryCloid   string     `json:"entry_cloid"`
	EntryFeesUsd float64    `json:"entry_fees_usd"`
	EnteredAt    *time.Time `json:"entered_at,omitempty"`

	StopLossPct           float64  `json:"stop_loss_pct"`
	TakeProfitPct         float64  `json:"take_profit_pct"`
	MaxHoldSeconds        int64    `json:"max_hold_seconds"`
	TrailingStopPct       *float64 `json:"trailing_stop_pct,omitempty"`
	TrailingActivationPct float64  `json:"trailing_activation_pct"`
	MaxLossUsd            *float64 `json:"max_loss_usd,omitempty"`

	Thesis       string   `json:"thesis"`
	SignalKinds  []string `json:"signal_kinds,omitempty"`
	Invalidation string   `json:"invalidation,omitempty"`
	CatalystID   string   `json:"catalyst_id,omitempty"`

	TPOid string `json:"tp_oid,omitempty"`
	SLOid string `json:"sl_oid,omitempty"`
}

// Service the trade management service. A stopped service can be started
// again; each start builds a fresh monitor so no state leaks across cycles.
type Service struct {
	store *ledger.Store
	mkt   market.Client
	adapt venue.Adapter
	coord *execution.Coordinator
	sink  audit.Sink

	cfg Config

	mu      sync.Mutex
	enabled bool
	mon     *monitor.Monitor
}

// NewService wires the engine together
func NewService(store *ledger.Store, mkt market.Client, adapt venue.Adapter, sink audit.Sink, cfg Config) *Service {
	if sink == nil {
		sink = audit.LogSink{}
	}
	return &Service{
		store: store,
		mkt:   mkt,
		adapt: adapt,
		coord: execution.New(store, adapt, sink, cfg.Close),
		sink:  sink,
		cfg:   cfg,
	}
}

// Start enables the engine and launches a monitor. A no-op when trade
// management is disabled by configuration, and when already running.
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.cfg.Enabled {
		log.Printf("⏸️  Trade management is disabled by configuration, not starting")
		return
	}

	s.enabled = true
	if s.mon != nil {
		return
	}
	s.mon = monitor.New(s.store, s.mkt, s.adapt, s.coord, s.sink, s.cfg.Monitor)
	s.mon.Start()
	log.Printf("🚀 Trade management service started (venue: %s)", s.adapt.Name())
}

// Stop disables the engine and waits for in-flight closes. Open envelopes
// stay open in the ledger; nothing is flattened on shutdown.
func (s *Service) Stop() {
	s.mu.Lock()
	mon := s.mon
	s.mon = nil
	s.enabled = false
	s.mu.Unlock()

	if mon != nil {
		mon.Stop()
	}
	log.Printf("✓ Trade management service stopped")
}

// Running reports whether the monitor loop is live
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mon != nil
}

// SubmitTrade validates an intake, fills defaults and creates the envelope.
// Rejected while the engine is disabled: an entry nobody monitors is an
// unmanaged risk.
func (s *Service) SubmitTrade(ctx context.Context, in TradeIntake) (*ledger.TradeEnvelope, error) {
	s.mu.Lock()
	enabled := s.enabled
	s.mu.Unlock()
	if !enabled {
		return nil, ErrDisabled
	}

	e, err := s.buildEnvelope(in)
	if err != nil {
		return nil, err
	}

	if err := s.store.CreateEnvelope(ctx, e); err != nil {
		return nil, fmt.Errorf("persist envelope: %w", err)
	}

	log.Printf("📥 Trade accepted: %s %s %.6f @ %.6f (%dx, SL %.1f%%, TP %.1f%%)",
		e.Symbol, e.Side, e.Size, e.EntryPrice, e.Leverage, e.StopLossPct*100, e.TakeProfitPct*100)
	_ = s.sink.Append(ctx, audit.Event{
		At: time.Now(), TradeID: e.TradeID, Symbol: e.Symbol,
		Action: "intake", Outcome: "ok", Detail: string(e.Side),
	})
	return e, nil
}

func (s *Service) buildEnvelope(in TradeIntake) (*ledger.TradeEnvelope, error) {
	symbol := strings.ToUpper(strings.TrimSpace(in.Symbol))
	if symbol == "" {
		return nil, fmt.Errorf("symbol is required")
	}

	var side ledger.Side
	switch strings.ToLower(in.Side) {
	case "buy", "long":
		side = ledger.SideBuy
	case "sell", "short":
		side = ledger.SideSell
	default:
		return nil, fmt.Errorf("invalid side %q", in.Side)
	}

	if in.EntryPrice <= 0 {
		return nil, fmt.Errorf("entry price must be positive")
	}
	if in.Size <= 0 {
		return nil, fmt.Errorf("size must be positive")
	}
	if in.Leverage < 1 {
		in.Leverage = 1
	}
	if in.StopLossPct < 0 || in.StopLossPct >= 1 {
		return nil, fmt.Errorf("stop loss pct out of range: %f", in.StopLossPct)
	}
	if in.TakeProfitPct < 0 {
		return nil, fmt.Errorf("take profit pct out of range: %f", in.TakeProfitPct)
	}
	if in.TrailingStopPct != nil && (*in.TrailingStopPct <= 0 || *in.TrailingStopPct >= 1) {
		return nil, fmt.Errorf("trailing stop pct out of range: %f", *in.TrailingStopPct)
	}

	// A trade with no stop at all is not accepted for management
	if in.StopLossPct == 0 {
		in.StopLossPct = s.cfg.Defaults.StopLossPct
	}
	if in.TakeProfitPct == 0 {
		in.TakeProfitPct = s.cfg.Defaults.TakeProfitPct
	}
	if in.MaxHoldSeconds == 0 {
		in.MaxHoldSeconds = s.cfg.Defaults.MaxHoldSeconds
	}
	if in.StopLossPct == 0 && in.MaxLossUsd == nil {
		return nil, fmt.Errorf("a stop loss or max loss is required")
	}

	enteredAt := time.Now()
	if in.EnteredAt != nil {
		enteredAt = *in.EnteredAt
	}

	notional := in.EntryPrice * in.Size
	e := &ledger.TradeEnvelope{
		TradeID:               uuid.NewString(),
		HypothesisID:          in.HypothesisID,
		Symbol:                symbol,
		Side:                  side,
		EntryPrice:            in.EntryPrice,
		Size:                  in.Size,
		Leverage:              in.Leverage,
		NotionalUsd:           notional,
		MarginUsd:             notional / float64(in.Leverage),
		EntryCloid:            in.EntryCloid,
		EntryFeesUsd:          in.EntryFeesUsd,
		EnteredAt:             enteredAt,
		StopLossPct:           in.StopLossPct,
		TakeProfitPct:         in.TakeProfitPct,
		MaxHoldSeconds:        in.MaxHoldSeconds,
		TrailingStopPct:       in.TrailingStopPct,
		TrailingActivationPct: in.TrailingActivationPct,
		MaxLossUsd:            in.MaxLossUsd,
		Thesis:                in.Thesis,
		SignalKinds:           in.SignalKinds,
		Invalidation:          in.Invalidation,
		CatalystID:            in.CatalystID,
		TPOid:                 in.TPOid,
		SLOid:                 in.SLOid,
		Status:                ledger.StatusOpen,
	}
	return e, nil
}

// CloseTrade closes one trade on operator request, whether or not the
// monitor loop is running
func (s *Service) CloseTrade(ctx context.Context, tradeID string) (*ledger.TradeCloseRecord, error) {
	s.mu.Lock()
	enabled := s.enabled
	s.mu.Unlock()
	if !enabled {
		return nil, ErrDisabled
	}

	e, err := s.store.GetEnvelope(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if e.Status != ledger.StatusOpen {
		return nil, ledger.ErrClosed
	}

	now := time.Now()
	acquired, err := s.store.AcquireCloseLock(ctx, tradeID, ledger.ExitManual, now)
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, fmt.Errorf("trade %s already has a close in flight", tradeID)
	}
	e.ClosePending = true
	e.ClosePendingReason = ledger.ExitManual
	e.ClosePendingAt = &now

	price := e.EntryPrice
	if snap, serr := s.mkt.GetSnapshot(ctx, e.Symbol); serr == nil {
		price = snap.Price
	}
	return s.coord.Close(ctx, e, ledger.ExitManual, price)
}

// OpenTrades lists open envelopes
func (s *Service) OpenTrades(ctx context.Context) ([]*ledger.TradeEnvelope, error) {
	return s.store.OpenEnvelopes(ctx)
}

// GetTrade fetches one envelope
func (s *Service) GetTrade(ctx context.Context, tradeID string) (*ledger.TradeEnvelope, error) {
	return s.store.GetEnvelope(ctx, tradeID)
}

// ClosedTrades lists recent close records
func (s *Service) ClosedTrades(ctx context.Context, limit int) ([]*ledger.TradeCloseRecord, error) {
	return s.store.CloseRecords(ctx, limit)
}

// PendingReflections lists post-mortems awaiting pickup
func (s *Service) PendingReflections(ctx context.Context) ([]*ledger.TradeReflection, error) {
	return s.store.PendingReflections(ctx)
}

// AckReflection marks a reflection picked up
func (s *Service) AckReflection(ctx context.Context, id int64) error {
	return s.store.AckReflection(ctx, id)
}

// VenueName reports which adapter the service executes on
func (s *Service) VenueName() string {
	return s.adapt.Name()
}
