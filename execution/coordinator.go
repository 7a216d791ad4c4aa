// Package execution drives a position close through the venue: cancel the
// protective orders, send the reduce-only market close, confirm the fill,
// settle the ledger. The caller must already hold the envelope's
// close-pending lock.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"

	"github.com/nmdc00/Thufir-Hawat-sub003/audit"
	"github.com/nmdc00/Thufir-Hawat-sub003/ledger"
	"github.com/nmdc00/Thufir-Hawat-sub003/venue"
)

// ErrRetriesExhausted the close could not be completed within the attempt
// budget. The close-pending lock stays held so the next tick resumes it.
var ErrRetriesExhausted = errors.New("close retries exhausted")

// Config retry policy for venue calls. Zero values take the defaults.
type Config struct {
	// MaxAttempts per venue operation, counting the first try
	MaxAttempts int
	BackoffMin  time.Duration
	BackoffMax  time.Duration
}

// Coordinator executes closes against one venue adapter
type Coordinator struct {
	store *ledger.Store
	adapt venue.Adapter
	sink  audit.Sink
	cfg   Config
}

// New creates a coordinator
func New(store *ledger.Store, adapt venue.Adapter, sink audit.Sink, cfg Config) *Coordinator {
	if sink == nil {
		sink = audit.LogSink{}
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffMin <= 0 {
		cfg.BackoffMin = 500 * time.Millisecond
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 5 * time.Second
	}
	return &Coordinator{
		store: store,
		adapt: adapt,
		sink:  sink,
		cfg:   cfg,
	}
}

// Close runs the full close protocol for an envelope whose close-pending
// lock is already held. Idempotent: resuming after a crash re-runs the same
// protocol with the same client order id, and a protective order that filled
// first is taken as the close instead of sending a second order.
func (c *Coordinator) Close(ctx context.Context, e *ledger.TradeEnvelope, reason ledger.ExitReason, hintPrice float64) (*ledger.TradeCloseRecord, error) {
	if !e.ClosePending {
		return nil, fmt.Errorf("close %s: envelope does not hold the close lock", e.TradeID)
	}

	// Step 1: clear the protective orders so the market close cannot race
	// them into a double fill
	fill, err := c.cancelProtective(ctx, e)
	if err != nil {
		return nil, err
	}
	if fill != nil {
		// The protective order executed before we could cancel it. Its fill
		// IS the close; sending another order would flip the position.
		c.auditEvent(ctx, e, "cancel", "already_filled", fmt.Sprintf("protective fill @ %.6f is the close", fill.AvgPrice))
		return c.settle(ctx, e, reason, fill.AvgPrice, fill.FeeUsd, fill.Time)
	}
	if e.TPOid != "" || e.SLOid != "" {
		if err := c.store.ClearProtectiveOrders(ctx, e.TradeID); err != nil {
			return nil, fmt.Errorf("clear protective order refs: %w", err)
		}
		e.TPOid, e.SLOid = "", ""
	}

	// Step 2: reduce-only market close, retried with backoff. The client
	// order id is derived from the entry id and reason so a resend after an
	// ambiguous failure cannot double-execute.
	result, err := c.submitClose(ctx, e, reason, hintPrice)
	if err != nil {
		return nil, err
	}

	return c.settle(ctx, e, reason, result.AvgPrice, result.FeeUsd, time.Now())
}

// SettleExternal records a close that already happened outside the engine
// (manual intervention or liquidation found by reconciliation). No venue
// calls are made; the caller must hold the close-pending lock.
func (c *Coordinator) SettleExternal(ctx context.Context, e *ledger.TradeEnvelope, reason ledger.ExitReason, exitPrice float64) (*ledger.TradeCloseRecord, error) {
	return c.settle(ctx, e, reason, exitPrice, 0, time.Now())
}

// cancelProtective cancels TP and SL orders. Returns the fill if one of them
// already executed, which short-circuits the close.
func (c *Coordinator) cancelProtective(ctx context.Context, e *ledger.TradeEnvelope) (*venue.Fill, error) {
	for _, oid := range []string{e.TPOid, e.SLOid} {
		if oid == "" {
			continue
		}
		fill, err := c.cancelOne(ctx, e, oid)
		if err != nil {
			return nil, err
		}
		if fill != nil {
			return fill, nil
		}
	}
	return nil, nil
}

// cancelOne cancels a single protective order under the same retry budget as
// the close order itself
func (c *Coordinator) cancelOne(ctx context.Context, e *ledger.TradeEnvelope, oid string) (*venue.Fill, error) {
	b := &backoff.Backoff{Min: c.cfg.BackoffMin, Max: c.cfg.BackoffMax, Factor: 2, Jitter: true}

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		outcome, err := c.adapt.CancelOrder(ctx, e.Symbol, oid)
		switch outcome {
		case venue.CancelConfirmed:
			log.Printf("  ✓ Cancelled protective order %s on %s", oid, e.Symbol)
			return nil, nil
		case venue.CancelAlreadyFilled:
			fill, ferr := c.adapt.FillForOrder(ctx, e.Symbol, oid)
			if ferr != nil {
				return nil, fmt.Errorf("protective %s filled but fill lookup failed: %w", oid, ferr)
			}
			if fill == nil {
				return nil, fmt.Errorf("protective %s reported filled but no fill found: %w", oid, venue.ErrOutcomeUnknown)
			}
			return fill, nil
		default:
			lastErr = err
			c.auditEvent(ctx, e, "cancel", "failed", fmt.Sprintf("attempt %d order %s: %v", attempt, oid, err))
			if attempt < c.cfg.MaxAttempts {
				d := b.Duration()
				log.Printf("  🔄 Cancel attempt %d/%d for order %s failed, retrying in %s: %v", attempt, c.cfg.MaxAttempts, oid, d, err)
				select {
				case <-time.After(d):
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
		}
	}

	c.auditEvent(ctx, e, "cancel", "exhausted", fmt.Sprintf("order %s after %d attempts: %v", oid, c.cfg.MaxAttempts, lastErr))
	return nil, fmt.Errorf("%w: cancel protective order %s: %v", ErrRetriesExhausted, oid, lastErr)
}

// submitClose sends the market close with bounded retries. Rejections retry;
// unknown outcomes are resolved against venue state before any resend.
func (c *Coordinator) submitClose(ctx context.Context, e *ledger.TradeEnvelope, reason ledger.ExitReason, hintPrice float64) (*venue.OrderResult, error) {
	req := venue.OrderRequest{
		Symbol:        e.Symbol,
		Side:          venue.CloseSide(e.Side),
		Quantity:      e.Size,
		ReduceOnly:    true,
		ClientOrderID: closeCloid(e, reason),
	}

	b := &backoff.Backoff{Min: c.cfg.BackoffMin, Max: c.cfg.BackoffMax, Factor: 2, Jitter: true}

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		result, err := c.adapt.PlaceMarketOrder(ctx, req)
		if err == nil {
			c.auditEvent(ctx, e, "submit", "ok", fmt.Sprintf("close order %s @ %.6f", result.OrderID, result.AvgPrice))
			if result.AvgPrice <= 0 {
				result.AvgPrice = hintPrice
			}
			return result, nil
		}
		lastErr = err

		if errors.Is(err, venue.ErrOutcomeUnknown) {
			c.auditEvent(ctx, e, "submit", "unknown", err.Error())
			result, resolved, rerr := c.resolveUnknown(ctx, e, hintPrice)
			if rerr != nil {
				return nil, rerr
			}
			if resolved {
				return result, nil
			}
			// Position still on the venue: the order did not land, safe to
			// resend with the same client order id
		} else {
			c.auditEvent(ctx, e, "submit", "rejected", err.Error())
			if !errors.Is(err, venue.ErrRejected) {
				return nil, err
			}
		}

		if attempt < c.cfg.MaxAttempts {
			d := b.Duration()
			log.Printf("  🔄 Close attempt %d/%d for %s failed, retrying in %s: %v", attempt, c.cfg.MaxAttempts, e.TradeID, d, err)
			select {
			case <-time.After(d):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	c.auditEvent(ctx, e, "submit", "exhausted", fmt.Sprintf("after %d attempts: %v", c.cfg.MaxAttempts, lastErr))
	return nil, fmt.Errorf("%w: %s: %v", ErrRetriesExhausted, e.TradeID, lastErr)
}

// resolveUnknown checks venue state after an ambiguous order failure. If the
// position is gone the close landed; report it with the best price we have.
func (c *Coordinator) resolveUnknown(ctx context.Context, e *ledger.TradeEnvelope, hintPrice float64) (*venue.OrderResult, bool, error) {
	positions, err := c.adapt.OpenPositions(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("reconcile after unknown outcome: %w", err)
	}
	for _, pos := range positions {
		if pos.Symbol == e.Symbol && pos.Side == e.Side && pos.Size >= e.Size*0.99 {
			return nil, false, nil
		}
	}
	c.auditEvent(ctx, e, "reconcile", "ok", "position gone after unknown outcome, treating close as executed")
	return &venue.OrderResult{Status: "FILLED", AvgPrice: hintPrice, ExecutedQty: e.Size}, true, nil
}

// settle writes the close record and queues the post-mortem reflection
func (c *Coordinator) settle(ctx context.Context, e *ledger.TradeEnvelope, reason ledger.ExitReason, exitPrice, exitFees float64, closedAt time.Time) (*ledger.TradeCloseRecord, error) {
	rec := BuildCloseRecord(e, reason, exitPrice, exitFees, closedAt)

	if err := c.store.CloseEnvelope(ctx, rec); err != nil {
		if errors.Is(err, ledger.ErrClosed) {
			// Lost a benign race with another settle of the same trade
			return c.store.GetCloseRecord(ctx, e.TradeID)
		}
		c.auditEvent(ctx, e, "settle", "failed", err.Error())
		return nil, fmt.Errorf("persist close for %s: %w", e.TradeID, err)
	}

	log.Printf("✅ Closed %s %s: %s @ %.6f, P&L $%.2f (%.2f%%)",
		e.Symbol, e.TradeID, reason, exitPrice, rec.PnlUsd, rec.PnlPct*100)
	c.auditEvent(ctx, e, "settle", "ok", fmt.Sprintf("%s pnl $%.2f", reason, rec.PnlUsd))

	reflection := &ledger.TradeReflection{
		TradeID:     e.TradeID,
		ExitReason:  reason,
		PnlUsd:      rec.PnlUsd,
		PnlPct:      rec.PnlPct,
		Thesis:      e.Thesis,
		RequestedAt: closedAt,
	}
	if err := c.store.RequestReflection(ctx, reflection); err != nil {
		// The close itself is settled; a lost reflection is logged, not fatal
		log.Printf("  ⚠ Failed to queue reflection for %s: %v", e.TradeID, err)
	}

	return rec, nil
}

// BuildCloseRecord computes the immutable close result. Net P&L deducts
// entry fees, exit fees and accrued funding; the percentage is against
// margin so it reflects leveraged return.
func BuildCloseRecord(e *ledger.TradeEnvelope, reason ledger.ExitReason, exitPrice, exitFees float64, closedAt time.Time) *ledger.TradeCloseRecord {
	gross := e.UnrealizedPnlUsd(exitPrice)
	fees := e.EntryFeesUsd + exitFees
	net := gross - fees - e.FundingSinceOpenUsd

	basis := e.MarginUsd
	if basis <= 0 {
		basis = e.NotionalUsd
	}
	var pnlPct float64
	if basis > 0 {
		pnlPct = net / basis
	}

	hold := int64(math.Round(closedAt.Sub(e.EnteredAt).Seconds()))
	if hold < 0 {
		hold = 0
	}

	return &ledger.TradeCloseRecord{
		TradeID:             e.TradeID,
		ExitPrice:           exitPrice,
		ExitReason:          reason,
		PnlUsd:              net,
		PnlPct:              pnlPct,
		HoldDurationSeconds: hold,
		FundingPaidUsd:      e.FundingSinceOpenUsd,
		FeesUsd:             fees,
		ClosedAt:            closedAt,
	}
}

// closeCloid derives a deterministic client order id for the close so that
// retries and crash resumes reuse it
func closeCloid(e *ledger.TradeEnvelope, reason ledger.ExitReason) string {
	seed := e.EntryCloid
	if seed == "" {
		seed = e.TradeID
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(seed+":"+string(reason))).String()
}

func (c *Coordinator) auditEvent(ctx context.Context, e *ledger.TradeEnvelope, action, outcome, detail string) {
	_ = c.sink.Append(ctx, audit.Event{
		At:      time.Now(),
		TradeID: e.TradeID,
		Symbol:  e.Symbol,
		Action:  action,
		Outcome: outcome,
		Detail:  detail,
	})
}
