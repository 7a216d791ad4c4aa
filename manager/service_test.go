package manager

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmdc00/Thufir-Hawat-sub003/audit"
	"github.com/nmdc00/Thufir-Hawat-sub003/execution"
	"github.com/nmdc00/Thufir-Hawat-sub003/exit"
	"github.com/nmdc00/Thufir-Hawat-sub003/ledger"
	"github.com/nmdc00/Thufir-Hawat-sub003/market"
	"github.com/nmdc00/Thufir-Hawat-sub003/monitor"
	"github.com/nmdc00/Thufir-Hawat-sub003/reconcile"
	"github.com/nmdc00/Thufir-Hawat-sub003/venue"
)

func testService(t *testing.T, prices map[string]float64) (*Service, *ledger.Store, *venue.PaperAdapter, *market.StaticClient) {
	return testServiceCfg(t, prices, true)
}

func testServiceCfg(t *testing.T, prices map[string]float64, enabled bool) (*Service, *ledger.Store, *venue.PaperAdapter, *market.StaticClient) {
	t.Helper()
	store, err := ledger.Open(ledger.StoreConfig{DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	mkt := market.NewStaticClient(prices)
	paper := venue.NewPaperAdapter(mkt)

	cfg := Config{
		Enabled: enabled,
		Monitor: monitor.Config{
			Interval:            time.Minute,
			MaxConcurrentCloses: 2,
			ReconcileEveryTicks: 1000,
			Exit:                exit.Config{DustMinNotionalUsd: 10, LiquidationBufferPct: 0.15},
			Reconcile: reconcile.Config{
				SizeTolerancePct:     0.005,
				LiquidationBufferPct: 0.15,
			},
		},
		Defaults: RiskDefaults{StopLossPct: 0.05, TakeProfitPct: 0.10, MaxHoldSeconds: 24 * 3600},
		Close:    execution.Config{BackoffMin: time.Millisecond, BackoffMax: 2 * time.Millisecond},
	}
	svc := NewService(store, mkt, paper, audit.LogSink{}, cfg)
	t.Cleanup(svc.Stop)
	return svc, store, paper, mkt
}

func validIntake() TradeIntake {
	return TradeIntake{
		HypothesisID: "hyp-1",
		Symbol:       "eth",
		Side:         "long",
		EntryPrice:   2000,
		Size:         0.5,
		Leverage:     5,
		Thesis:       "funding squeeze",
	}
}

func TestSubmitRejectedWhileDisabled(t *testing.T) {
	svc, _, _, _ := testService(t, nil)

	_, err := svc.SubmitTrade(context.Background(), validIntake())
	assert.ErrorIs(t, err, ErrDisabled)
}

func TestConfigDisabledServiceStaysDormant(t *testing.T) {
	svc, _, _, _ := testServiceCfg(t, nil, false)

	// Start must be a no-op: no monitor loop, intake still rejected
	svc.Start()
	assert.False(t, svc.Running())

	_, err := svc.SubmitTrade(context.Background(), validIntake())
	assert.ErrorIs(t, err, ErrDisabled)

	_, err = svc.CloseTrade(context.Background(), "whatever")
	assert.ErrorIs(t, err, ErrDisabled)
}

func TestSubmitFillsDefaults(t *testing.T) {
	svc, store, _, _ := testService(t, nil)
	svc.Start()
	ctx := context.Background()

	e, err := svc.SubmitTrade(ctx, validIntake())
	require.NoError(t, err)

	assert.Equal(t, "ETH", e.Symbol)
	assert.Equal(t, ledger.SideBuy, e.Side)
	assert.Equal(t, 0.05, e.StopLossPct)
	assert.Equal(t, 0.10, e.TakeProfitPct)
	assert.Equal(t, int64(24*3600), e.MaxHoldSeconds)
	assert.Equal(t, 1000.0, e.NotionalUsd)
	assert.Equal(t, 200.0, e.MarginUsd)
	assert.NotEmpty(t, e.TradeID)

	got, err := store.GetEnvelope(ctx, e.TradeID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusOpen, got.Status)
}

func TestSubmitValidation(t *testing.T) {
	svc, _, _, _ := testService(t, nil)
	svc.Start()
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*TradeIntake)
	}{
		{"missing symbol", func(in *TradeIntake) { in.Symbol = " " }},
		{"bad side", func(in *TradeIntake) { in.Side = "hold" }},
		{"zero entry", func(in *TradeIntake) { in.EntryPrice = 0 }},
		{"negative size", func(in *TradeIntake) { in.Size = -1 }},
		{"stop loss too large", func(in *TradeIntake) { in.StopLossPct = 1.5 }},
		{"negative take profit", func(in *TradeIntake) { in.TakeProfitPct = -0.1 }},
		{"trailing out of range", func(in *TradeIntake) { bad := 1.2; in.TrailingStopPct = &bad }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := validIntake()
			tc.mutate(&in)
			_, err := svc.SubmitTrade(ctx, in)
			assert.Error(t, err)
		})
	}
}

func TestSubmitAcceptsSellAliases(t *testing.T) {
	svc, _, _, _ := testService(t, nil)
	svc.Start()
	ctx := context.Background()

	for _, side := range []string{"sell", "short", "SELL"} {
		in := validIntake()
		in.Side = side
		e, err := svc.SubmitTrade(ctx, in)
		require.NoError(t, err)
		assert.Equal(t, ledger.SideSell, e.Side)
	}
}

func TestLeverageClampedToOne(t *testing.T) {
	svc, _, _, _ := testService(t, nil)
	svc.Start()

	in := validIntake()
	in.Leverage = 0
	e, err := svc.SubmitTrade(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, 1, e.Leverage)
	assert.Equal(t, e.NotionalUsd, e.MarginUsd)
}

func TestStartStopIdempotent(t *testing.T) {
	svc, _, _, _ := testService(t, nil)

	assert.False(t, svc.Running())
	svc.Start()
	svc.Start()
	assert.True(t, svc.Running())

	svc.Stop()
	svc.Stop()
	assert.False(t, svc.Running())

	// A stopped service can come back
	svc.Start()
	assert.True(t, svc.Running())
	svc.Stop()
}

func TestManualClose(t *testing.T) {
	svc, store, paper, _ := testService(t, map[string]float64{"ETH": 2100})
	svc.Start()
	ctx := context.Background()

	e, err := svc.SubmitTrade(ctx, validIntake())
	require.NoError(t, err)
	paper.SeedPosition(venue.Position{Symbol: "ETH", Side: ledger.SideBuy, Size: 0.5, EntryPrice: 2000, Leverage: 5})

	rec, err := svc.CloseTrade(ctx, e.TradeID)
	require.NoError(t, err)
	assert.Equal(t, ledger.ExitManual, rec.ExitReason)
	assert.Equal(t, 2100.0, rec.ExitPrice)

	got, err := store.GetEnvelope(ctx, e.TradeID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusClosed, got.Status)

	// Second close of the same trade
	_, err = svc.CloseTrade(ctx, e.TradeID)
	assert.ErrorIs(t, err, ledger.ErrClosed)
}

func TestManualCloseRequiresEnabled(t *testing.T) {
	svc, _, _, _ := testService(t, nil)
	_, err := svc.CloseTrade(context.Background(), "whatever")
	assert.ErrorIs(t, err, ErrDisabled)
}

func TestManualCloseUnknownTrade(t *testing.T) {
	svc, _, _, _ := testService(t, nil)
	svc.Start()
	_, err := svc.CloseTrade(context.Background(), "missing")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestQuerySurface(t *testing.T) {
	svc, _, paper, _ := testService(t, map[string]float64{"ETH": 2100})
	svc.Start()
	ctx := context.Background()

	e, err := svc.SubmitTrade(ctx, validIntake())
	require.NoError(t, err)

	open, err := svc.OpenTrades(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)

	got, err := svc.GetTrade(ctx, e.TradeID)
	require.NoError(t, err)
	assert.Equal(t, e.TradeID, got.TradeID)

	paper.SeedPosition(venue.Position{Symbol: "ETH", Side: ledger.SideBuy, Size: 0.5, EntryPrice: 2000})
	_, err = svc.CloseTrade(ctx, e.TradeID)
	require.NoError(t, err)

	closed, err := svc.ClosedTrades(ctx, 10)
	require.NoError(t, err)
	require.Len(t, closed, 1)

	reflections, err := svc.PendingReflections(ctx)
	require.NoError(t, err)
	require.Len(t, reflections, 1)
	require.NoError(t, svc.AckReflection(ctx, reflections[0].ID))

	reflections, err = svc.PendingReflections(ctx)
	require.NoError(t, err)
	assert.Empty(t, reflections)

	assert.Equal(t, "paper", svc.VenueName())
}
