// Package exit holds the pure exit-decision logic. The evaluator never does
// I/O and never mutates the envelope: it returns a trigger and trailing-state
// intents for the monitor to persist.
package exit

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/nmdc00/Thufir-Hawat-sub003/ledger"
	"github.com/nmdc00/Thufir-Hawat-sub003/market"
)

// Config evaluator policy knobs resolved once at startup
type Config struct {
	// DustMinNotionalUsd positions whose remaining notional falls below this
	// are closed at market regardless of P&L
	DustMinNotionalUsd float64

	// LiquidationBufferPct margin-ratio heuristic for the liquidation guard:
	// an adverse excursion of (1/leverage)*(1-buffer) trips the guard even
	// when max_loss_usd is unset. maxLossUsd is authoritative when present.
	LiquidationBufferPct float64
}

// Trigger a matched exit condition
type Trigger struct {
	Reason    ledger.ExitReason
	ExitPrice float64
}

// Result outcome of evaluating one envelope against one snapshot.
// Trailing fields are intents: the ledger applies them, the evaluator only
// computes them.
type Result struct {
	Trigger *Trigger

	TrailingActivated bool    // true if active at tick end (monotonic)
	HighWaterPrice    float64 // updated mark for longs
	LowWaterPrice     float64 // updated mark for shorts
	TrailingChanged   bool    // whether the trailing state needs persisting
}

// Evaluate runs the exit checks in severity order, first match wins:
// liquidation_guard > stop_loss > take_profit > trailing_stop > time_stop >
// dust. Comparisons are done in decimal so a price exactly at a threshold
// triggers. Closed or close-pending envelopes are a no-op.
func Evaluate(e *ledger.TradeEnvelope, snap market.Snapshot, now time.Time, cfg Config) Result {
	var res Result
	if e.Status != ledger.StatusOpen || e.ClosePending {
		return res
	}

	price := decimal.NewFromFloat(snap.Price)
	entry := decimal.NewFromFloat(e.EntryPrice)
	if entry.IsZero() || price.IsZero() {
		return res
	}

	// Signed move relative to entry, positive = favorable for this side
	move := price.Sub(entry).Div(entry)
	if !e.IsLong() {
		move = move.Neg()
	}
	adverse := move.Neg()

	// 1. liquidation guard
	if reason := evaluateLiquidationGuard(e, snap.Price, adverse, cfg); reason != "" {
		res.Trigger = &Trigger{Reason: reason, ExitPrice: snap.Price}
		return res
	}

	// 2. stop loss
	if e.StopLossPct > 0 && adverse.GreaterThanOrEqual(decimal.NewFromFloat(e.StopLossPct)) {
		res.Trigger = &Trigger{Reason: ledger.ExitStopLoss, ExitPrice: snap.Price}
		return res
	}

	// 3. take profit
	if e.TakeProfitPct > 0 && move.GreaterThanOrEqual(decimal.NewFromFloat(e.TakeProfitPct)) {
		res.Trigger = &Trigger{Reason: ledger.ExitTakeProfit, ExitPrice: snap.Price}
		return res
	}

	// 4. trailing stop
	if trg := evaluateTrailing(e, price, move, &res); trg != nil {
		res.Trigger = trg
		return res
	}

	// 5. time stop
	if e.MaxHoldSeconds > 0 && !now.Before(e.EnteredAt.Add(time.Duration(e.MaxHoldSeconds)*time.Second)) {
		res.Trigger = &Trigger{Reason: ledger.ExitTimeStop, ExitPrice: snap.Price}
		return res
	}
	if e.ExpiresAt != nil && !now.Before(*e.ExpiresAt) {
		res.Trigger = &Trigger{Reason: ledger.ExitTimeStop, ExitPrice: snap.Price}
		return res
	}

	// 6. dust
	if cfg.DustMinNotionalUsd > 0 && e.Size*snap.Price < cfg.DustMinNotionalUsd {
		res.Trigger = &Trigger{Reason: ledger.ExitDust, ExitPrice: snap.Price}
		return res
	}

	return res
}

func evaluateLiquidationGuard(e *ledger.TradeEnvelope, price float64, adverse decimal.Decimal, cfg Config) ledger.ExitReason {
	if e.MaxLossUsd != nil && *e.MaxLossUsd > 0 {
		loss := -e.UnrealizedPnlUsd(price)
		if decimal.NewFromFloat(loss).GreaterThanOrEqual(decimal.NewFromFloat(*e.MaxLossUsd)) {
			return ledger.ExitLiquidationGuard
		}
		return ""
	}

	if e.Leverage <= 1 || cfg.LiquidationBufferPct <= 0 {
		return ""
	}
	// Implied liquidation distance for isolated margin is roughly 1/leverage;
	// exit once the adverse move eats through all but the configured buffer.
	threshold := decimal.NewFromInt(1).
		Div(decimal.NewFromInt(int64(e.Leverage))).
		Mul(decimal.NewFromInt(1).Sub(decimal.NewFromFloat(cfg.LiquidationBufferPct)))
	if adverse.GreaterThanOrEqual(threshold) {
		return ledger.ExitLiquidationGuard
	}
	return ""
}

// evaluateTrailing handles activation, water-mark tracking and the retrace
// trigger. A trigger is only possible once activation was already true at
// tick start; activation this tick initializes the mark at the current price
// so the retrace is zero by construction.
func evaluateTrailing(e *ledger.TradeEnvelope, price, move decimal.Decimal, res *Result) *Trigger {
	if e.TrailingStopPct == nil || *e.TrailingStopPct <= 0 {
		return nil
	}

	res.TrailingActivated = e.TrailingActivated
	res.HighWaterPrice = e.HighWaterPrice
	res.LowWaterPrice = e.LowWaterPrice

	activatedAtStart := e.TrailingActivated

	if !activatedAtStart {
		if e.TrailingActivationPct > 0 && move.GreaterThanOrEqual(decimal.NewFromFloat(e.TrailingActivationPct)) {
			res.TrailingActivated = true
			res.TrailingChanged = true
			p, _ := price.Float64()
			if e.IsLong() {
				res.HighWaterPrice = p
			} else {
				res.LowWaterPrice = p
			}
		}
		return nil
	}

	// Already active: advance the mark to the best price seen
	var mark decimal.Decimal
	if e.IsLong() {
		mark = decimal.NewFromFloat(e.HighWaterPrice)
		if price.GreaterThan(mark) {
			mark = price
			res.HighWaterPrice, _ = price.Float64()
			res.TrailingChanged = true
		}
	} else {
		mark = decimal.NewFromFloat(e.LowWaterPrice)
		if mark.IsZero() || price.LessThan(mark) {
			mark = price
			res.LowWaterPrice, _ = price.Float64()
			res.TrailingChanged = true
		}
	}
	if mark.IsZero() {
		return nil
	}

	var retrace decimal.Decimal
	if e.IsLong() {
		retrace = mark.Sub(price).Div(mark)
	} else {
		retrace = price.Sub(mark).Div(mark)
	}
	if retrace.GreaterThanOrEqual(decimal.NewFromFloat(*e.TrailingStopPct)) {
		p, _ := price.Float64()
		return &Trigger{Reason: ledger.ExitTrailingStop, ExitPrice: p}
	}
	return nil
}
