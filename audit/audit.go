package audit

import (
	"context"
	"log"
	"time"
)

// Event one attempted action against the venue or the ledger, with outcome.
// Events are append-only and consumed for operator visibility; the trading
// core never reads them back.
type Event struct {
	At      time.Time `json:"at"`
	TradeID string    `json:"trade_id,omitempty"`
	Symbol  string    `json:"symbol,omitempty"`
	Action  string    `json:"action"`  // submit, cancel, reject, reconcile, escalate...
	Outcome string    `json:"outcome"` // ok, failed, unknown, skipped...
	Detail  string    `json:"detail,omitempty"`
}

// Sink append-only audit destination
type Sink interface {
	Append(ctx context.Context, ev Event) error
}

// LogSink writes audit events to the process log. Used as fallback when no
// durable sink is configured, and by tests.
type LogSink struct{}

func (LogSink) Append(_ context.Context, ev Event) error {
	log.Printf("🧾 [audit] %s %s %s → %s %s", ev.TradeID, ev.Symbol, ev.Action, ev.Outcome, ev.Detail)
	return nil
}

// MultiSink fans one event out to several sinks; a failing sink never blocks
// the others.
type MultiSink []Sink

func (m MultiSink) Append(ctx context.Context, ev Event) error {
	var firstErr error
	for _, s := range m {
		if err := s.Append(ctx, ev); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
