package execution

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmdc00/Thufir-Hawat-sub003/audit"
	"github.com/nmdc00/Thufir-Hawat-sub003/ledger"
	"github.com/nmdc00/Thufir-Hawat-sub003/venue"
)

// fakeAdapter scripts venue behavior per call
type fakeAdapter struct {
	placeResults []placeResult
	placed       []venue.OrderRequest

	cancelOutcomes map[string]venue.CancelOutcome
	cancelScript   map[string][]cancelResult
	cancelled      []string
	fills          map[string]*venue.Fill
	positions      []venue.Position
}

type placeResult struct {
	res *venue.OrderResult
	err error
}

type cancelResult struct {
	out venue.CancelOutcome
	err error
}

func (f *fakeAdapter) Name() string { return "fake" }

func (f *fakeAdapter) PlaceMarketOrder(_ context.Context, req venue.OrderRequest) (*venue.OrderResult, error) {
	f.placed = append(f.placed, req)
	if len(f.placeResults) == 0 {
		return &venue.OrderResult{OrderID: "1", Status: "FILLED", AvgPrice: 0, ExecutedQty: req.Quantity}, nil
	}
	r := f.placeResults[0]
	f.placeResults = f.placeResults[1:]
	return r.res, r.err
}

func (f *fakeAdapter) CancelOrder(_ context.Context, _, orderID string) (venue.CancelOutcome, error) {
	f.cancelled = append(f.cancelled, orderID)
	if script, ok := f.cancelScript[orderID]; ok && len(script) > 0 {
		r := script[0]
		f.cancelScript[orderID] = script[1:]
		return r.out, r.err
	}
	if out, ok := f.cancelOutcomes[orderID]; ok {
		return out, nil
	}
	return venue.CancelConfirmed, nil
}

func (f *fakeAdapter) OpenPositions(_ context.Context) ([]venue.Position, error) {
	return f.positions, nil
}

func (f *fakeAdapter) OpenOrders(_ context.Context, _ string) ([]venue.Order, error) {
	return nil, nil
}

func (f *fakeAdapter) FillForOrder(_ context.Context, _, orderID string) (*venue.Fill, error) {
	return f.fills[orderID], nil
}

func testSetup(t *testing.T, adapt venue.Adapter) (*Coordinator, *ledger.Store) {
	t.Helper()
	store, err := ledger.Open(ledger.StoreConfig{DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	c := New(store, adapt, audit.LogSink{}, Config{BackoffMin: time.Millisecond, BackoffMax: 2 * time.Millisecond})
	return c, store
}

func lockedEnvelope(t *testing.T, store *ledger.Store, reason ledger.ExitReason) *ledger.TradeEnvelope {
	t.Helper()
	ctx := context.Background()
	e := &ledger.TradeEnvelope{
		TradeID:      "t1",
		Symbol:       "ETH",
		Side:         ledger.SideBuy,
		EntryPrice:   100,
		Size:         1,
		Leverage:     5,
		NotionalUsd:  100,
		MarginUsd:    20,
		EntryCloid:   "entry-1",
		EntryFeesUsd: 0.1,
		EnteredAt:    time.Now().Add(-10 * time.Minute),
		StopLossPct:  0.05,
		Status:       ledger.StatusOpen,
	}
	require.NoError(t, store.CreateEnvelope(ctx, e))

	ok, err := store.AcquireCloseLock(ctx, e.TradeID, reason, time.Now())
	require.NoError(t, err)
	require.True(t, ok)
	e.ClosePending = true
	e.ClosePendingReason = reason
	return e
}

func TestCloseHappyPath(t *testing.T) {
	fake := &fakeAdapter{
		placeResults: []placeResult{{res: &venue.OrderResult{
			OrderID: "9", Status: "FILLED", AvgPrice: 110, ExecutedQty: 1, FeeUsd: 0.05,
		}}},
	}
	c, store := testSetup(t, fake)
	ctx := context.Background()
	e := lockedEnvelope(t, store, ledger.ExitTakeProfit)

	rec, err := c.Close(ctx, e, ledger.ExitTakeProfit, 110)
	require.NoError(t, err)

	require.Len(t, fake.placed, 1)
	assert.Equal(t, ledger.SideSell, fake.placed[0].Side)
	assert.True(t, fake.placed[0].ReduceOnly)
	assert.NotEmpty(t, fake.placed[0].ClientOrderID)

	assert.Equal(t, 110.0, rec.ExitPrice)
	assert.Equal(t, ledger.ExitTakeProfit, rec.ExitReason)
	// gross +10, minus entry fee 0.1 and exit fee 0.05
	assert.InDelta(t, 9.85, rec.PnlUsd, 1e-9)
	assert.InDelta(t, 9.85/20, rec.PnlPct, 1e-9)

	got, err := store.GetEnvelope(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusClosed, got.Status)

	reflections, err := store.PendingReflections(ctx)
	require.NoError(t, err)
	require.Len(t, reflections, 1)
	assert.Equal(t, "t1", reflections[0].TradeID)
}

func TestProtectiveFillIsTheClose(t *testing.T) {
	fake := &fakeAdapter{
		cancelOutcomes: map[string]venue.CancelOutcome{"55": venue.CancelAlreadyFilled},
		fills: map[string]*venue.Fill{"55": {
			OrderID: "55", Symbol: "ETH", AvgPrice: 94, Quantity: 1, FeeUsd: 0.07, Time: time.Now(),
		}},
	}
	c, store := testSetup(t, fake)
	ctx := context.Background()
	e := lockedEnvelope(t, store, ledger.ExitStopLoss)
	e.SLOid = "55"

	rec, err := c.Close(ctx, e, ledger.ExitStopLoss, 94.2)
	require.NoError(t, err)

	// No market order may follow the protective fill
	assert.Empty(t, fake.placed)
	assert.Equal(t, 94.0, rec.ExitPrice)
	assert.InDelta(t, -6.17, rec.PnlUsd, 1e-9)

	got, err := store.GetEnvelope(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusClosed, got.Status)
}

func TestRetriesExhaustedKeepsLock(t *testing.T) {
	fake := &fakeAdapter{
		placeResults: []placeResult{
			{err: rejectErrFor("margin")},
			{err: rejectErrFor("margin")},
			{err: rejectErrFor("margin")},
		},
	}
	c, store := testSetup(t, fake)
	ctx := context.Background()
	e := lockedEnvelope(t, store, ledger.ExitStopLoss)

	_, err := c.Close(ctx, e, ledger.ExitStopLoss, 94)
	require.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Len(t, fake.placed, 3)

	// The envelope stays locked and open: nothing else may touch it until
	// resume or the operator intervenes
	got, gerr := store.GetEnvelope(ctx, "t1")
	require.NoError(t, gerr)
	assert.Equal(t, ledger.StatusOpen, got.Status)
	assert.True(t, got.ClosePending)
}

func TestCancelRetriesThenCloses(t *testing.T) {
	fake := &fakeAdapter{
		cancelScript: map[string][]cancelResult{"77": {
			{out: venue.CancelFailed, err: fmt.Errorf("rate limited")},
			{out: venue.CancelConfirmed},
		}},
		placeResults: []placeResult{{res: &venue.OrderResult{
			OrderID: "9", Status: "FILLED", AvgPrice: 94, ExecutedQty: 1,
		}}},
	}
	c, store := testSetup(t, fake)
	ctx := context.Background()
	e := lockedEnvelope(t, store, ledger.ExitStopLoss)
	e.SLOid = "77"

	rec, err := c.Close(ctx, e, ledger.ExitStopLoss, 94)
	require.NoError(t, err)
	assert.Equal(t, []string{"77", "77"}, fake.cancelled)
	assert.Len(t, fake.placed, 1)
	assert.Equal(t, 94.0, rec.ExitPrice)
}

func TestCancelExhaustedKeepsLock(t *testing.T) {
	fake := &fakeAdapter{
		cancelScript: map[string][]cancelResult{"77": {
			{out: venue.CancelFailed, err: fmt.Errorf("rate limited")},
			{out: venue.CancelFailed, err: fmt.Errorf("rate limited")},
			{out: venue.CancelFailed, err: fmt.Errorf("rate limited")},
		}},
	}
	c, store := testSetup(t, fake)
	ctx := context.Background()
	e := lockedEnvelope(t, store, ledger.ExitStopLoss)
	e.SLOid = "77"

	_, err := c.Close(ctx, e, ledger.ExitStopLoss, 94)
	require.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Len(t, fake.cancelled, 3)
	// The market close must not be sent while a protective order may rest
	assert.Empty(t, fake.placed)

	got, gerr := store.GetEnvelope(ctx, "t1")
	require.NoError(t, gerr)
	assert.Equal(t, ledger.StatusOpen, got.Status)
	assert.True(t, got.ClosePending)
}

func TestUnknownOutcomeResolvedByPositionGone(t *testing.T) {
	fake := &fakeAdapter{
		placeResults: []placeResult{{err: unknownErrFor("timeout")}},
		positions:    nil, // position gone: the order landed
	}
	c, store := testSetup(t, fake)
	ctx := context.Background()
	e := lockedEnvelope(t, store, ledger.ExitTimeStop)

	rec, err := c.Close(ctx, e, ledger.ExitTimeStop, 103)
	require.NoError(t, err)
	assert.Len(t, fake.placed, 1)
	assert.Equal(t, 103.0, rec.ExitPrice)

	got, gerr := store.GetEnvelope(ctx, "t1")
	require.NoError(t, gerr)
	assert.Equal(t, ledger.StatusClosed, got.Status)
}

func TestUnknownOutcomeRetriesWhilePositionRemains(t *testing.T) {
	fake := &fakeAdapter{
		placeResults: []placeResult{
			{err: unknownErrFor("disconnect")},
			{res: &venue.OrderResult{OrderID: "2", Status: "FILLED", AvgPrice: 103.5, ExecutedQty: 1}},
		},
		positions: []venue.Position{{Symbol: "ETH", Side: ledger.SideBuy, Size: 1}},
	}
	c, store := testSetup(t, fake)
	ctx := context.Background()
	e := lockedEnvelope(t, store, ledger.ExitTimeStop)

	rec, err := c.Close(ctx, e, ledger.ExitTimeStop, 103)
	require.NoError(t, err)
	require.Len(t, fake.placed, 2)
	// Retry must reuse the same client order id
	assert.Equal(t, fake.placed[0].ClientOrderID, fake.placed[1].ClientOrderID)
	assert.Equal(t, 103.5, rec.ExitPrice)
}

func TestCloseCloidIsDeterministic(t *testing.T) {
	e := &ledger.TradeEnvelope{TradeID: "t1", EntryCloid: "entry-1"}
	assert.Equal(t, closeCloid(e, ledger.ExitStopLoss), closeCloid(e, ledger.ExitStopLoss))
	assert.NotEqual(t, closeCloid(e, ledger.ExitStopLoss), closeCloid(e, ledger.ExitTakeProfit))
}

func TestBuildCloseRecordShort(t *testing.T) {
	e := &ledger.TradeEnvelope{
		TradeID:             "t2",
		Side:                ledger.SideSell,
		EntryPrice:          100,
		Size:                2,
		NotionalUsd:         200,
		MarginUsd:           40,
		EntryFeesUsd:        0.2,
		FundingSinceOpenUsd: -0.5, // shorts collected funding
		EnteredAt:           time.Now().Add(-time.Hour),
	}
	rec := BuildCloseRecord(e, ledger.ExitTakeProfit, 90, 0.3, time.Now())
	// gross +20, fees 0.5, funding -0.5 adds back
	assert.InDelta(t, 20.0, rec.PnlUsd, 1e-9)
	assert.InDelta(t, 0.5, rec.PnlPct, 1e-9)
	assert.InDelta(t, 3600, rec.HoldDurationSeconds, 2)
}

func rejectErrFor(msg string) error  { return fmt.Errorf("%w: %s", venue.ErrRejected, msg) }
func unknownErrFor(msg string) error { return fmt.Errorf("%w: %s", venue.ErrOutcomeUnknown, msg) }
