// Package backtest replays price paths through the exit rules so risk
// parameter variants can be compared offline before they guard real money.
package backtest

import (
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/nmdc00/Thufir-Hawat-sub003/execution"
	"github.com/nmdc00/Thufir-Hawat-sub003/exit"
	"github.com/nmdc00/Thufir-Hawat-sub003/ledger"
	"github.com/nmdc00/Thufir-Hawat-sub003/market"
)

// PricePoint one observation on the replayed path
type PricePoint struct {
	Time  time.Time `json:"time"`
	Price float64   `json:"price"`
}

// Variant one risk-parameter combination to test
type Variant struct {
	Name                  string   `json:"name"`
	StopLossPct           float64  `json:"stop_loss_pct"`
	TakeProfitPct         float64  `json:"take_profit_pct"`
	TrailingStopPct       *float64 `json:"trailing_stop_pct,omitempty"`
	TrailingActivationPct float64  `json:"trailing_activation_pct"`
	MaxHoldSeconds        int64    `json:"max_hold_seconds"`
}

// VariantResult outcome of one variant over the path
type VariantResult struct {
	Name              string            `json:"name"`
	ExitReason        ledger.ExitReason `json:"exit_reason"` // empty = held to path end
	ExitPrice         float64           `json:"exit_price"`
	ExitIndex         int               `json:"exit_index"`
	PnlUsd            float64           `json:"pnl_usd"`
	PnlPct            float64           `json:"pnl_pct"`
	HoldSeconds       int64             `json:"hold_seconds"`
	TrailingActivated bool              `json:"trailing_activated"`
}

// Result all variants, best first by P&L
type Result struct {
	Symbol   string          `json:"symbol"`
	Points   int             `json:"points"`
	Variants []VariantResult `json:"variants"`
}

// Replay runs every variant over the path. The template supplies the entry
// facts; each variant overrides the risk configuration. Trailing intents are
// applied back onto the working copy the same way the monitor persists them.
func Replay(template ledger.TradeEnvelope, path []PricePoint, variants []Variant, cfg exit.Config) (*Result, error) {
	if len(path) == 0 {
		return nil, fmt.Errorf("empty price path")
	}
	if template.EntryPrice <= 0 || template.Size <= 0 {
		return nil, fmt.Errorf("template needs a positive entry price and size")
	}

	log.Printf("🧪 Replaying %d price points over %d variants for %s", len(path), len(variants), template.Symbol)

	result := &Result{Symbol: template.Symbol, Points: len(path)}
	for _, v := range variants {
		result.Variants = append(result.Variants, replayOne(template, path, v, cfg))
	}

	sort.Slice(result.Variants, func(i, j int) bool {
		return result.Variants[i].PnlUsd > result.Variants[j].PnlUsd
	})
	return result, nil
}

func replayOne(template ledger.TradeEnvelope, path []PricePoint, v Variant, cfg exit.Config) VariantResult {
	e := template
	e.Status = ledger.StatusOpen
	e.ClosePending = false
	e.TrailingActivated = false
	e.HighWaterPrice = 0
	e.LowWaterPrice = 0
	e.StopLossPct = v.StopLossPct
	e.TakeProfitPct = v.TakeProfitPct
	e.TrailingStopPct = v.TrailingStopPct
	e.TrailingActivationPct = v.TrailingActivationPct
	e.MaxHoldSeconds = v.MaxHoldSeconds
	if e.EnteredAt.IsZero() {
		e.EnteredAt = path[0].Time
	}

	out := VariantResult{Name: v.Name}

	for i, p := range path {
		snap := market.Snapshot{Symbol: e.Symbol, Price: p.Price, Timestamp: p.Time}
		res := exit.Evaluate(&e, snap, p.Time, cfg)
		if res.TrailingChanged {
			e.TrailingActivated = e.TrailingActivated || res.TrailingActivated
			e.HighWaterPrice = res.HighWaterPrice
			e.LowWaterPrice = res.LowWaterPrice
		}
		if res.Trigger != nil {
			rec := execution.BuildCloseRecord(&e, res.Trigger.Reason, res.Trigger.ExitPrice, 0, p.Time)
			out.ExitReason = res.Trigger.Reason
			out.ExitPrice = res.Trigger.ExitPrice
			out.ExitIndex = i
			out.PnlUsd = rec.PnlUsd
			out.PnlPct = rec.PnlPct
			out.HoldSeconds = rec.HoldDurationSeconds
			out.TrailingActivated = e.TrailingActivated
			return out
		}
	}

	// Held through the whole path: mark to the final price
	last := path[len(path)-1]
	rec := execution.BuildCloseRecord(&e, "", last.Price, 0, last.Time)
	out.ExitPrice = last.Price
	out.ExitIndex = len(path) - 1
	out.PnlUsd = rec.PnlUsd
	out.PnlPct = rec.PnlPct
	out.HoldSeconds = rec.HoldDurationSeconds
	out.TrailingActivated = e.TrailingActivated
	return out
}
