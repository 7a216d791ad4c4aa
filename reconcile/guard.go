// Package reconcile detects drift between the ledger's open envelopes and
// the venue's actual positions. The guard itself is pure: it diffs the two
// views and emits actions for the monitor to apply.
package reconcile

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/nmdc00/Thufir-Hawat-sub003/ledger"
	"github.com/nmdc00/Thufir-Hawat-sub003/venue"
)

// ErrMismatch ledger and venue disagree in a way the guard cannot repair
// on its own
var ErrMismatch = errors.New("reconciliation mismatch")

// Kind reconciliation action type
type Kind int

const (
	// KindAdoptOrphan venue position with no envelope: synthesize a minimal
	// one so the position is closed through the normal path instead of
	// sitting at the venue unmanaged
	KindAdoptOrphan Kind = iota
	// KindExternalClosure open envelope with no venue position: something
	// outside the engine flattened it (manual intervention or liquidation)
	KindExternalClosure
	// KindSizeDrift envelope and venue sizes disagree beyond tolerance
	KindSizeDrift
)

func (k Kind) String() string {
	switch k {
	case KindAdoptOrphan:
		return "adopt_orphan"
	case KindExternalClosure:
		return "external_closure"
	default:
		return "size_drift"
	}
}

// Action one repair the monitor should apply
type Action struct {
	Kind     Kind
	Symbol   string
	TradeID  string                // set for closure and drift
	Envelope *ledger.TradeEnvelope // synthesized, set for adoption
	// Reason exit reason: orphan_default for adoptions, inferred for
	// external closures
	Reason ledger.ExitReason
	// ExitPrice best-effort price for the close record
	ExitPrice float64
	Detail    string
}

// Config guard policy
type Config struct {
	// SizeTolerancePct relative size drift ignored as rounding, e.g. 0.005
	SizeTolerancePct float64
	// LiquidationBufferPct mirrors the exit evaluator's guard threshold,
	// used to tell a liquidation from a manual close
	LiquidationBufferPct float64
}

// Diff compares open envelopes against venue positions and returns the
// repairs needed. Envelopes already close-pending are left alone: their
// in-flight close explains a missing venue position. Prices, when known,
// refine external closures into manual vs liquidation.
func Diff(envelopes []*ledger.TradeEnvelope, positions []venue.Position, prices map[string]float64, now time.Time, cfg Config) []Action {
	bySymbol := make(map[string][]*ledger.TradeEnvelope)
	for _, e := range envelopes {
		bySymbol[e.Symbol] = append(bySymbol[e.Symbol], e)
	}

	var actions []Action
	seen := make(map[string]bool)

	for _, pos := range positions {
		seen[pos.Symbol] = true
		held := bySymbol[pos.Symbol]
		if len(held) == 0 {
			actions = append(actions, adopt(pos, now))
			continue
		}

		var total float64
		for _, e := range held {
			total += e.Size
		}
		drift := math.Abs(total-pos.Size) / math.Max(total, pos.Size)
		if drift > cfg.SizeTolerancePct {
			actions = append(actions, Action{
				Kind:    KindSizeDrift,
				Symbol:  pos.Symbol,
				TradeID: held[0].TradeID,
				Detail:  fmt.Sprintf("ledger size %.8f vs venue size %.8f", total, pos.Size),
			})
		}
	}

	for symbol, held := range bySymbol {
		if seen[symbol] {
			continue
		}
		for _, e := range held {
			if e.ClosePending {
				// Our own close is in flight; absence at the venue is the
				// expected outcome, not drift
				continue
			}
			actions = append(actions, externalClosure(e, prices[symbol], cfg))
		}
	}

	return actions
}

// adopt synthesizes a minimal envelope for an unmanaged venue position.
// Risk config stays zero: the envelope exists only so the position can be
// closed through the normal protocol with a proper close record, which the
// monitor does immediately under the orphan_default reason.
func adopt(pos venue.Position, now time.Time) Action {
	entry := pos.EntryPrice
	if entry <= 0 {
		entry = pos.MarkPrice
	}
	leverage := pos.Leverage
	if leverage < 1 {
		leverage = 1
	}

	e := &ledger.TradeEnvelope{
		TradeID:     uuid.NewString(),
		Symbol:      pos.Symbol,
		Side:        pos.Side,
		EntryPrice:  entry,
		Size:        pos.Size,
		Leverage:    leverage,
		NotionalUsd: entry * pos.Size,
		EnteredAt:   now,
		Thesis:      "adopted unmanaged venue position",
		Status:      ledger.StatusOpen,
	}
	if leverage > 0 {
		e.MarginUsd = e.NotionalUsd / float64(leverage)
	}

	exitPrice := pos.MarkPrice
	if exitPrice <= 0 {
		exitPrice = entry
	}

	return Action{
		Kind:      KindAdoptOrphan,
		Symbol:    pos.Symbol,
		TradeID:   e.TradeID,
		Envelope:  e,
		Reason:    ledger.ExitOrphanDefault,
		ExitPrice: exitPrice,
		Detail:    fmt.Sprintf("venue holds %.8f %s with no envelope", pos.Size, pos.Symbol),
	}
}

// externalClosure classifies a position that vanished at the venue. When the
// last known price sits past the implied liquidation distance the closure is
// attributed to liquidation, otherwise to manual intervention.
func externalClosure(e *ledger.TradeEnvelope, lastPrice float64, cfg Config) Action {
	reason := ledger.ExitManual
	exitPrice := lastPrice
	if exitPrice <= 0 {
		exitPrice = e.EntryPrice
	}

	if lastPrice > 0 && e.Leverage > 1 {
		move := (lastPrice - e.EntryPrice) / e.EntryPrice
		if !e.IsLong() {
			move = -move
		}
		threshold := (1.0 / float64(e.Leverage)) * (1.0 - cfg.LiquidationBufferPct)
		if -move >= threshold {
			reason = ledger.ExitLiquidationGuard
		}
	}

	return Action{
		Kind:      KindExternalClosure,
		Symbol:    e.Symbol,
		TradeID:   e.TradeID,
		Reason:    reason,
		ExitPrice: exitPrice,
		Detail:    fmt.Sprintf("envelope open but venue reports no %s position", e.Symbol),
	}
}
