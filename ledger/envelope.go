package ledger

import (
	"encoding/json"
	"time"
)

// Side position direction, as submitted by the upstream decision layer
type Side string

const (
	SideBuy  Side = "buy"  // long
	SideSell Side = "sell" // short
)

// Status envelope lifecycle status
type Status string

const (
	StatusOpen   Status = "open"
	StatusClosed Status = "closed"
)

// ExitReason enumerates why a position was (or is being) closed
type ExitReason string

const (
	ExitStopLoss         ExitReason = "stop_loss"
	ExitTakeProfit       ExitReason = "take_profit"
	ExitTimeStop         ExitReason = "time_stop"
	ExitTrailingStop     ExitReason = "trailing_stop"
	ExitLiquidationGuard ExitReason = "liquidation_guard"
	ExitManual           ExitReason = "manual"
	ExitDust             ExitReason = "dust"
	ExitOrphanDefault    ExitReason = "orphan_default"
)

// RiskProposal risk parameters a revision process may suggest.
// Never auto-applied; kept on the envelope for operator review only.
type RiskProposal struct {
	StopLossPct     float64  `json:"stop_loss_pct"`
	TakeProfitPct   float64  `json:"take_profit_pct"`
	MaxHoldSeconds  int64    `json:"max_hold_seconds"`
	TrailingStopPct *float64 `json:"trailing_stop_pct,omitempty"`
	Reasoning       string   `json:"reasoning,omitempty"`
}

// TradeEnvelope is the live record of one position being risk-managed.
// Created by the upstream decision layer with status=open; mutated only by
// the monitor tick; flipped to closed exactly once.
type TradeEnvelope struct {
	// Identity
	TradeID      string `json:"trade_id"`
	HypothesisID string `json:"hypothesis_id,omitempty"`

	// Market identity
	Symbol string `json:"symbol"`
	Side   Side   `json:"side"`

	// Entry facts
	EntryPrice   float64   `json:"entry_price"`
	Size         float64   `json:"size"`
	Leverage     int       `json:"leverage"`
	NotionalUsd  float64   `json:"notional_usd"`
	MarginUsd    float64   `json:"margin_usd"`
	EntryCloid   string    `json:"entry_cloid,omitempty"`
	EntryFeesUsd float64   `json:"entry_fees_usd"`
	EnteredAt    time.Time `json:"entered_at"`

	// Risk configuration
	StopLossPct           float64       `json:"stop_loss_pct"`
	TakeProfitPct         float64       `json:"take_profit_pct"`
	MaxHoldSeconds        int64         `json:"max_hold_seconds"`
	TrailingStopPct       *float64      `json:"trailing_stop_pct,omitempty"`
	TrailingActivationPct float64       `json:"trailing_activation_pct"`
	MaxLossUsd            *float64      `json:"max_loss_usd,omitempty"`
	Proposed              *RiskProposal `json:"proposed,omitempty"`

	// Narrative context from the upstream layer (opaque to the core)
	Thesis            string          `json:"thesis,omitempty"`
	SignalKinds       []string        `json:"signal_kinds,omitempty"`
	Invalidation      string          `json:"invalidation,omitempty"`
	CatalystID        string          `json:"catalyst_id,omitempty"`
	NarrativeSnapshot json.RawMessage `json:"narrative_snapshot,omitempty"`

	// Trailing runtime state. Exactly one of high/low water is meaningful,
	// selected by side. TrailingActivated never resets while open.
	HighWaterPrice    float64 `json:"high_water_price,omitempty"`
	LowWaterPrice     float64 `json:"low_water_price,omitempty"`
	TrailingActivated bool    `json:"trailing_activated"`

	FundingSinceOpenUsd float64 `json:"funding_since_open_usd"`

	// Close-intent lock: the exclusive mutation lock for this trade.
	// Set via compare-and-set only; cleared only on confirmed close or abort.
	ClosePending       bool       `json:"close_pending"`
	ClosePendingReason ExitReason `json:"close_pending_reason,omitempty"`
	ClosePendingAt     *time.Time `json:"close_pending_at,omitempty"`

	// Venue order references for protective orders, set only once accepted
	TPOid string `json:"tp_oid,omitempty"`
	SLOid string `json:"sl_oid,omitempty"`

	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Status    Status     `json:"status"`
}

// IsLong reports whether the envelope is a long position
func (e *TradeEnvelope) IsLong() bool {
	return e.Side == SideBuy
}

// WaterMark returns the trailing extremum relevant to this side
func (e *TradeEnvelope) WaterMark() float64 {
	if e.IsLong() {
		return e.HighWaterPrice
	}
	return e.LowWaterPrice
}

// HoldDuration time the position has been open
func (e *TradeEnvelope) HoldDuration(now time.Time) time.Duration {
	return now.Sub(e.EnteredAt)
}

// UnrealizedPnlUsd signed P&L in USD at the given price (funding and exit
// fees not included; those are settled on close)
func (e *TradeEnvelope) UnrealizedPnlUsd(price float64) float64 {
	if e.IsLong() {
		return (price - e.EntryPrice) * e.Size
	}
	return (e.EntryPrice - price) * e.Size
}

// TradeCloseRecord immutable result of a closed trade, created exactly once
// per envelope at the moment status flips to closed
type TradeCloseRecord struct {
	TradeID             string     `json:"trade_id"`
	ExitPrice           float64    `json:"exit_price"`
	ExitReason          ExitReason `json:"exit_reason"`
	PnlUsd              float64    `json:"pnl_usd"`
	PnlPct              float64    `json:"pnl_pct"`
	HoldDurationSeconds int64      `json:"hold_duration_seconds"`
	FundingPaidUsd      float64    `json:"funding_paid_usd"`
	FeesUsd             float64    `json:"fees_usd"`
	ClosedAt            time.Time  `json:"closed_at"`
}

// TradeReflection post-mortem request emitted for the upstream reasoning
// layer. The core fills the context fields only; the upstream layer answers
// the correctness/lessons fields and acknowledges pickup.
type TradeReflection struct {
	ID          int64      `json:"id"`
	TradeID     string     `json:"trade_id"`
	ExitReason  ExitReason `json:"exit_reason"`
	PnlUsd      float64    `json:"pnl_usd"`
	PnlPct      float64    `json:"pnl_pct"`
	Thesis      string     `json:"thesis,omitempty"`
	RequestedAt time.Time  `json:"requested_at"`
	PickedUp    bool       `json:"picked_up"`
}
