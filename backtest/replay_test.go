package backtest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmdc00/Thufir-Hawat-sub003/exit"
	"github.com/nmdc00/Thufir-Hawat-sub003/ledger"
)

var replayCfg = exit.Config{DustMinNotionalUsd: 1, LiquidationBufferPct: 0.15}

func replayTemplate() ledger.TradeEnvelope {
	return ledger.TradeEnvelope{
		TradeID:     "bt-1",
		Symbol:      "ETH",
		Side:        ledger.SideBuy,
		EntryPrice:  100,
		Size:        1,
		Leverage:    1,
		NotionalUsd: 100,
		MarginUsd:   100,
	}
}

func pathOf(prices ...float64) []PricePoint {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	path := make([]PricePoint, len(prices))
	for i, p := range prices {
		path[i] = PricePoint{Time: start.Add(time.Duration(i) * time.Minute), Price: p}
	}
	return path
}

func TestReplayStopVsTrail(t *testing.T) {
	// Rally to 110 then collapse. The fixed take-profit banks the rally, the
	// plain stop rides it all the way back down.
	path := pathOf(100, 103, 106, 110, 108, 104, 98, 94)
	trail := 0.02
	variants := []Variant{
		{Name: "plain-stop", StopLossPct: 0.05},
		{Name: "take-profit", StopLossPct: 0.05, TakeProfitPct: 0.06},
		{Name: "trailing", StopLossPct: 0.05, TrailingStopPct: &trail, TrailingActivationPct: 0.03},
	}

	res, err := Replay(replayTemplate(), path, variants, replayCfg)
	require.NoError(t, err)
	require.Len(t, res.Variants, 3)
	assert.Equal(t, 8, res.Points)

	byName := make(map[string]VariantResult)
	for _, v := range res.Variants {
		byName[v.Name] = v
	}

	tp := byName["take-profit"]
	assert.Equal(t, ledger.ExitTakeProfit, tp.ExitReason)
	assert.Equal(t, 106.0, tp.ExitPrice)
	assert.Equal(t, 2, tp.ExitIndex)
	assert.InDelta(t, 6.0, tp.PnlUsd, 1e-9)

	tr := byName["trailing"]
	assert.Equal(t, ledger.ExitTrailingStop, tr.ExitReason)
	assert.True(t, tr.TrailingActivated)
	// High water 110, 2% retrace = 107.8, first breach is 104
	assert.Equal(t, 104.0, tr.ExitPrice)

	st := byName["plain-stop"]
	assert.Equal(t, ledger.ExitStopLoss, st.ExitReason)
	assert.Equal(t, 94.0, st.ExitPrice)

	// Sorted best first
	assert.GreaterOrEqual(t, res.Variants[0].PnlUsd, res.Variants[1].PnlUsd)
	assert.GreaterOrEqual(t, res.Variants[1].PnlUsd, res.Variants[2].PnlUsd)
}

func TestReplayHeldToEnd(t *testing.T) {
	path := pathOf(100, 101, 102)
	variants := []Variant{{Name: "wide", StopLossPct: 0.20, TakeProfitPct: 0.30}}

	res, err := Replay(replayTemplate(), path, variants, replayCfg)
	require.NoError(t, err)

	v := res.Variants[0]
	assert.Empty(t, v.ExitReason)
	assert.Equal(t, 102.0, v.ExitPrice)
	assert.Equal(t, 2, v.ExitIndex)
	assert.InDelta(t, 2.0, v.PnlUsd, 1e-9)
}

func TestReplayTimeStopVariant(t *testing.T) {
	path := pathOf(100, 100.5, 101, 100.8, 100.2)
	variants := []Variant{{Name: "short-hold", StopLossPct: 0.10, MaxHoldSeconds: 150}}

	res, err := Replay(replayTemplate(), path, variants, replayCfg)
	require.NoError(t, err)

	v := res.Variants[0]
	assert.Equal(t, ledger.ExitTimeStop, v.ExitReason)
	assert.Equal(t, 3, v.ExitIndex) // first point past 150s on a 60s grid
}

func TestReplayRejectsBadInput(t *testing.T) {
	_, err := Replay(replayTemplate(), nil, []Variant{{Name: "x", StopLossPct: 0.05}}, replayCfg)
	assert.Error(t, err)

	tpl := replayTemplate()
	tpl.EntryPrice = 0
	_, err = Replay(tpl, pathOf(100), []Variant{{Name: "x", StopLossPct: 0.05}}, replayCfg)
	assert.Error(t, err)
}

func TestSummarize(t *testing.T) {
	records := []*ledger.TradeCloseRecord{
		{ExitReason: ledger.ExitTakeProfit, PnlUsd: 30, FeesUsd: 0.5, HoldDurationSeconds: 600},
		{ExitReason: ledger.ExitTakeProfit, PnlUsd: 10, FeesUsd: 0.5, HoldDurationSeconds: 1200},
		{ExitReason: ledger.ExitStopLoss, PnlUsd: -20, FeesUsd: 0.5, FundingPaidUsd: 0.2, HoldDurationSeconds: 1800},
	}

	s := Summarize(records)
	assert.Equal(t, 3, s.TotalTrades)
	assert.Equal(t, 2, s.WinningTrades)
	assert.Equal(t, 1, s.LosingTrades)
	assert.InDelta(t, 66.666, s.WinRate, 0.01)
	assert.InDelta(t, 20.0, s.TotalPnlUsd, 1e-9)
	assert.InDelta(t, 20.0, s.AvgWinUsd, 1e-9)
	assert.InDelta(t, -20.0, s.AvgLossUsd, 1e-9)
	assert.InDelta(t, 2.0, s.ProfitFactor, 1e-9)
	assert.InDelta(t, 1.5, s.TotalFeesUsd, 1e-9)
	assert.InDelta(t, 20.0, s.AvgHoldMinutes, 1e-9)

	require.Contains(t, s.ByReason, ledger.ExitTakeProfit)
	assert.Equal(t, 2, s.ByReason[ledger.ExitTakeProfit].Trades)
	assert.InDelta(t, 40.0, s.ByReason[ledger.ExitTakeProfit].PnlUsd, 1e-9)
}

func TestSummarizeEmpty(t *testing.T) {
	s := Summarize(nil)
	assert.Equal(t, 0, s.TotalTrades)
	assert.Zero(t, s.WinRate)
	assert.Zero(t, s.ProfitFactor)
}
