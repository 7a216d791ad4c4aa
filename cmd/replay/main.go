// Replay compares exit-policy variants over a recorded price path.
// The input file holds a JSON object with the entry facts and the path;
// variants come from a second JSON file or the built-in grid.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/nmdc00/Thufir-Hawat-sub003/backtest"
	"github.com/nmdc00/Thufir-Hawat-sub003/exit"
	"github.com/nmdc00/Thufir-Hawat-sub003/ledger"
)

type replayInput struct {
	Symbol     string                `json:"symbol"`
	Side       string                `json:"side"`
	EntryPrice float64               `json:"entry_price"`
	Size       float64               `json:"size"`
	Leverage   int                   `json:"leverage"`
	Path       []backtest.PricePoint `json:"path"`
	Variants   []backtest.Variant    `json:"variants,omitempty"`
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: replay <input.json>")
		os.Exit(1)
	}

	data, err := os.ReadFile(os.Args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Failed to read input: %v\n", err)
		os.Exit(1)
	}

	var in replayInput
	if err := json.Unmarshal(data, &in); err != nil {
		fmt.Fprintf(os.Stderr, "❌ Failed to parse input: %v\n", err)
		os.Exit(1)
	}

	side := ledger.SideBuy
	if in.Side == "sell" || in.Side == "short" {
		side = ledger.SideSell
	}
	leverage := in.Leverage
	if leverage < 1 {
		leverage = 1
	}

	template := ledger.TradeEnvelope{
		TradeID:     "replay",
		Symbol:      in.Symbol,
		Side:        side,
		EntryPrice:  in.EntryPrice,
		Size:        in.Size,
		Leverage:    leverage,
		NotionalUsd: in.EntryPrice * in.Size,
		MarginUsd:   in.EntryPrice * in.Size / float64(leverage),
		EnteredAt:   time.Now(),
		Status:      ledger.StatusOpen,
	}

	variants := in.Variants
	if len(variants) == 0 {
		variants = defaultGrid()
	}

	result, err := backtest.Replay(template, in.Path, variants, exit.Config{DustMinNotionalUsd: 10, LiquidationBufferPct: 0.15})
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Replay failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("📈 %s over %d points, best variant first:\n\n", result.Symbol, result.Points)
	for _, v := range result.Variants {
		reason := string(v.ExitReason)
		if reason == "" {
			reason = "held"
		}
		fmt.Printf("  %-24s %-18s exit %.4f   P&L $%9.2f (%.2f%%)   hold %ds\n",
			v.Name, reason, v.ExitPrice, v.PnlUsd, v.PnlPct*100, v.HoldSeconds)
	}
}

// defaultGrid the stop/trailing combinations tested when none are supplied
func defaultGrid() []backtest.Variant {
	trail2 := 0.02
	trail3 := 0.03
	return []backtest.Variant{
		{Name: "sl5-tp10", StopLossPct: 0.05, TakeProfitPct: 0.10},
		{Name: "sl3-tp6", StopLossPct: 0.03, TakeProfitPct: 0.06},
		{Name: "sl5-trail2-act3", StopLossPct: 0.05, TrailingStopPct: &trail2, TrailingActivationPct: 0.03},
		{Name: "sl5-trail3-act5", StopLossPct: 0.05, TrailingStopPct: &trail3, TrailingActivationPct: 0.05},
		{Name: "sl5-tp10-12h", StopLossPct: 0.05, TakeProfitPct: 0.10, MaxHoldSeconds: 12 * 3600},
	}
}
