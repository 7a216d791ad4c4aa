package exit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmdc00/Thufir-Hawat-sub003/ledger"
	"github.com/nmdc00/Thufir-Hawat-sub003/market"
)

var testCfg = Config{DustMinNotionalUsd: 10, LiquidationBufferPct: 0.15}

func longEnvelope() *ledger.TradeEnvelope {
	return &ledger.TradeEnvelope{
		TradeID:       "t1",
		Symbol:        "BTC",
		Side:          ledger.SideBuy,
		EntryPrice:    100,
		Size:          1,
		Leverage:      1,
		NotionalUsd:   100,
		MarginUsd:     100,
		EnteredAt:     time.Now().Add(-time.Minute),
		StopLossPct:   0.05,
		TakeProfitPct: 0.10,
		Status:        ledger.StatusOpen,
	}
}

func snap(price float64) market.Snapshot {
	return market.Snapshot{Symbol: "BTC", Price: price, Timestamp: time.Now()}
}

func TestStopLossLong(t *testing.T) {
	e := longEnvelope()
	res := Evaluate(e, snap(94), time.Now(), testCfg)
	require.NotNil(t, res.Trigger)
	assert.Equal(t, ledger.ExitStopLoss, res.Trigger.Reason)
	assert.Equal(t, 94.0, res.Trigger.ExitPrice)
}

func TestStopLossExactBoundary(t *testing.T) {
	// A move of exactly stopLossPct triggers: comparisons are inclusive
	e := longEnvelope()
	res := Evaluate(e, snap(95), time.Now(), testCfg)
	require.NotNil(t, res.Trigger)
	assert.Equal(t, ledger.ExitStopLoss, res.Trigger.Reason)
}

func TestTakeProfitLong(t *testing.T) {
	e := longEnvelope()
	res := Evaluate(e, snap(111), time.Now(), testCfg)
	require.NotNil(t, res.Trigger)
	assert.Equal(t, ledger.ExitTakeProfit, res.Trigger.Reason)
	assert.Equal(t, 111.0, res.Trigger.ExitPrice)

	res = Evaluate(e, snap(110), time.Now(), testCfg)
	require.NotNil(t, res.Trigger)
	assert.Equal(t, ledger.ExitTakeProfit, res.Trigger.Reason)
}

func TestNoTriggerInBand(t *testing.T) {
	e := longEnvelope()
	res := Evaluate(e, snap(102), time.Now(), testCfg)
	assert.Nil(t, res.Trigger)
	assert.False(t, res.TrailingChanged)
}

func TestShortSymmetry(t *testing.T) {
	e := longEnvelope()
	e.Side = ledger.SideSell

	res := Evaluate(e, snap(105), time.Now(), testCfg)
	require.NotNil(t, res.Trigger)
	assert.Equal(t, ledger.ExitStopLoss, res.Trigger.Reason)

	res = Evaluate(e, snap(90), time.Now(), testCfg)
	require.NotNil(t, res.Trigger)
	assert.Equal(t, ledger.ExitTakeProfit, res.Trigger.Reason)
}

func TestTrailingStopSequence(t *testing.T) {
	trail := 0.02
	e := longEnvelope()
	e.TakeProfitPct = 0 // keep TP out of the way
	e.TrailingStopPct = &trail
	e.TrailingActivationPct = 0.03
	now := time.Now()

	// 104: activates, high-water initialized at 104, no trigger
	res := Evaluate(e, snap(104), now, testCfg)
	assert.Nil(t, res.Trigger)
	require.True(t, res.TrailingChanged)
	assert.True(t, res.TrailingActivated)
	assert.Equal(t, 104.0, res.HighWaterPrice)
	e.TrailingActivated = true
	e.HighWaterPrice = res.HighWaterPrice

	// 110: high-water advances, no trigger
	res = Evaluate(e, snap(110), now, testCfg)
	assert.Nil(t, res.Trigger)
	require.True(t, res.TrailingChanged)
	assert.Equal(t, 110.0, res.HighWaterPrice)
	e.HighWaterPrice = res.HighWaterPrice

	// 107.9: retrace 1.9%, still holding
	res = Evaluate(e, snap(107.9), now, testCfg)
	assert.Nil(t, res.Trigger)

	// 107.8: retrace exactly 2% from 110, triggers
	res = Evaluate(e, snap(107.8), now, testCfg)
	require.NotNil(t, res.Trigger)
	assert.Equal(t, ledger.ExitTrailingStop, res.Trigger.Reason)
	assert.Equal(t, 107.8, res.Trigger.ExitPrice)
}

func TestTrailingNoTriggerOnActivationTick(t *testing.T) {
	// Even a huge favorable jump only arms the trail; the retrace is zero by
	// construction on the activation tick
	trail := 0.02
	e := longEnvelope()
	e.TakeProfitPct = 0
	e.TrailingStopPct = &trail
	e.TrailingActivationPct = 0.03

	res := Evaluate(e, snap(120), time.Now(), testCfg)
	assert.Nil(t, res.Trigger)
	assert.True(t, res.TrailingActivated)
	assert.Equal(t, 120.0, res.HighWaterPrice)
}

func TestTrailingShortWatermark(t *testing.T) {
	trail := 0.02
	e := longEnvelope()
	e.Side = ledger.SideSell
	e.TakeProfitPct = 0
	e.StopLossPct = 0.20
	e.TrailingStopPct = &trail
	e.TrailingActivationPct = 0.03
	e.TrailingActivated = true
	e.LowWaterPrice = 95
	now := time.Now()

	// New low advances the mark
	res := Evaluate(e, snap(92), now, testCfg)
	assert.Nil(t, res.Trigger)
	assert.Equal(t, 92.0, res.LowWaterPrice)
	e.LowWaterPrice = 92

	// Bounce of 2% off the low triggers
	res = Evaluate(e, snap(93.84), now, testCfg)
	require.NotNil(t, res.Trigger)
	assert.Equal(t, ledger.ExitTrailingStop, res.Trigger.Reason)
}

func TestTimeStop(t *testing.T) {
	e := longEnvelope()
	e.MaxHoldSeconds = 3600
	entered := time.Now()
	e.EnteredAt = entered

	res := Evaluate(e, snap(102), entered.Add(3599*time.Second), testCfg)
	assert.Nil(t, res.Trigger)

	res = Evaluate(e, snap(102), entered.Add(3601*time.Second), testCfg)
	require.NotNil(t, res.Trigger)
	assert.Equal(t, ledger.ExitTimeStop, res.Trigger.Reason)
}

func TestExpiresAt(t *testing.T) {
	e := longEnvelope()
	expiry := time.Now().Add(-time.Second)
	e.ExpiresAt = &expiry

	res := Evaluate(e, snap(102), time.Now(), testCfg)
	require.NotNil(t, res.Trigger)
	assert.Equal(t, ledger.ExitTimeStop, res.Trigger.Reason)
}

func TestLiquidationGuardBeatsStopLoss(t *testing.T) {
	e := longEnvelope()
	e.Leverage = 10 // implied liq distance 10%, guard at 8.5% with 15% buffer

	res := Evaluate(e, snap(91), time.Now(), testCfg)
	require.NotNil(t, res.Trigger)
	assert.Equal(t, ledger.ExitLiquidationGuard, res.Trigger.Reason)
}

func TestMaxLossUsdAuthoritative(t *testing.T) {
	maxLoss := 5.0
	e := longEnvelope()
	e.MaxLossUsd = &maxLoss

	// $6 down on a 1-unit position
	res := Evaluate(e, snap(94), time.Now(), testCfg)
	require.NotNil(t, res.Trigger)
	assert.Equal(t, ledger.ExitLiquidationGuard, res.Trigger.Reason)

	// $4 down: maxLoss holds, but the 5% stop has not been hit either at 96
	res = Evaluate(e, snap(96), time.Now(), testCfg)
	assert.Nil(t, res.Trigger)
}

func TestDustClose(t *testing.T) {
	e := longEnvelope()
	e.Size = 0.05 // $5 notional at entry

	res := Evaluate(e, snap(101), time.Now(), testCfg)
	require.NotNil(t, res.Trigger)
	assert.Equal(t, ledger.ExitDust, res.Trigger.Reason)
}

func TestClosedAndPendingAreNoops(t *testing.T) {
	e := longEnvelope()
	e.Status = ledger.StatusClosed
	assert.Nil(t, Evaluate(e, snap(50), time.Now(), testCfg).Trigger)

	e = longEnvelope()
	e.ClosePending = true
	assert.Nil(t, Evaluate(e, snap(50), time.Now(), testCfg).Trigger)
}
