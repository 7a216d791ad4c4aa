// Package monitor runs the periodic tick that drives every open envelope
// through evaluation, reconciliation and, when a trigger fires, the close
// protocol.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nmdc00/Thufir-Hawat-sub003/audit"
	"github.com/nmdc00/Thufir-Hawat-sub003/exit"
	"github.com/nmdc00/Thufir-Hawat-sub003/execution"
	"github.com/nmdc00/Thufir-Hawat-sub003/ledger"
	"github.com/nmdc00/Thufir-Hawat-sub003/market"
	"github.com/nmdc00/Thufir-Hawat-sub003/reconcile"
	"github.com/nmdc00/Thufir-Hawat-sub003/venue"
)

// fundingInterval perp funding settles every 8 hours on both venues
const fundingInterval = 8 * time.Hour

// Config monitor policy
type Config struct {
	Interval time.Duration
	// MaxConcurrentCloses bound on simultaneous close protocols
	MaxConcurrentCloses int
	// ReconcileEveryTicks reconciliation sweep cadence. Defaults to 1 so
	// the ledger/venue diff runs before every evaluation pass.
	ReconcileEveryTicks int

	Exit      exit.Config
	Reconcile reconcile.Config
}

// Monitor one-shot tick loop over the trade ledger. Start once, Stop once;
// the manager builds a fresh monitor for each enable cycle.
type Monitor struct {
	store *ledger.Store
	mkt   market.Client
	adapt venue.Adapter
	coord *execution.Coordinator
	sink  audit.Sink
	cfg   Config

	stopChan chan struct{}
	doneChan chan struct{}
	closeSem chan struct{}
	wg       sync.WaitGroup

	// inflight trades with a close goroutine running in this process,
	// so a tick never starts a second driver for the same trade
	inflightMu sync.Mutex
	inflight   map[string]bool

	startOnce sync.Once
	stopOnce  sync.Once

	tickCount int
}

// New creates a monitor
func New(store *ledger.Store, mkt market.Client, adapt venue.Adapter, coord *execution.Coordinator, sink audit.Sink, cfg Config) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.MaxConcurrentCloses <= 0 {
		cfg.MaxConcurrentCloses = 4
	}
	if cfg.ReconcileEveryTicks <= 0 {
		cfg.ReconcileEveryTicks = 1
	}
	if sink == nil {
		sink = audit.LogSink{}
	}
	return &Monitor{
		store:    store,
		mkt:      mkt,
		adapt:    adapt,
		coord:    coord,
		sink:     sink,
		cfg:      cfg,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
		closeSem: make(chan struct{}, cfg.MaxConcurrentCloses),
		inflight: make(map[string]bool),
	}
}

// Start resumes any interrupted closes, then begins ticking
func (m *Monitor) Start() {
	m.startOnce.Do(func() {
		go m.run()
	})
}

// Stop halts the loop and waits for in-flight closes to finish
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopChan)
	})
	<-m.doneChan
	m.wg.Wait()
	log.Printf("🛑 Trade monitor stopped")
}

func (m *Monitor) run() {
	defer close(m.doneChan)

	log.Printf("🔍 Trade monitor started (interval: %s)", m.cfg.Interval)
	m.resumePending()

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopChan:
			return
		case <-ticker.C:
			m.Tick(context.Background())
		}
	}
}

// resumePending re-runs the close protocol for envelopes that crashed while
// close-pending. The deterministic client order id makes the resend safe.
func (m *Monitor) resumePending() {
	ctx := context.Background()
	pending, err := m.store.PendingEnvelopes(ctx)
	if err != nil {
		log.Printf("❌ Failed to load pending closes: %v", err)
		return
	}
	for _, e := range pending {
		reason := e.ClosePendingReason
		if reason == "" {
			reason = ledger.ExitManual
		}
		log.Printf("🔁 Resuming interrupted close: %s %s (%s)", e.Symbol, e.TradeID, reason)

		price := e.EntryPrice
		if snap, serr := m.mkt.GetSnapshot(ctx, e.Symbol); serr == nil {
			price = snap.Price
		}
		if _, err := m.coord.Close(ctx, e, reason, price); err != nil {
			log.Printf("  ⚠ Resume failed for %s, will retry next tick: %v", e.TradeID, err)
		}
	}
}

// Tick runs one full evaluation pass. Exported so tests and the manual
// close path can drive the monitor synchronously.
func (m *Monitor) Tick(ctx context.Context) {
	m.tickCount++

	envelopes, err := m.store.OpenEnvelopes(ctx)
	if err != nil {
		log.Printf("❌ Tick aborted, cannot load open envelopes: %v", err)
		return
	}

	if m.tickCount%m.cfg.ReconcileEveryTicks == 0 {
		m.reconcileSweep(ctx, envelopes)
		// Reload: reconciliation may have adopted or closed envelopes
		if envelopes, err = m.store.OpenEnvelopes(ctx); err != nil {
			log.Printf("❌ Tick aborted after reconciliation: %v", err)
			return
		}
	}

	now := time.Now()
	for _, e := range envelopes {
		if e.ClosePending {
			// The lock is held but no close is running here: an earlier
			// attempt failed or a crash interrupted it. Re-drive it.
			m.redriveClose(ctx, e)
			continue
		}

		snap, err := m.mkt.GetSnapshot(ctx, e.Symbol)
		if err != nil {
			// One symbol's feed being down must not stall the rest
			log.Printf("  ⚠ Skipping %s this tick: %v", e.Symbol, err)
			continue
		}

		m.accrueFunding(ctx, e, snap)

		res := exit.Evaluate(e, snap, now, m.cfg.Exit)
		if res.TrailingChanged {
			if err := m.store.UpdateTrailing(ctx, e.TradeID, res.TrailingActivated, res.HighWaterPrice, res.LowWaterPrice); err != nil {
				log.Printf("  ❌ Failed to persist trailing state for %s: %v", e.TradeID, err)
				continue
			}
			if res.TrailingActivated && !e.TrailingActivated {
				log.Printf("  📈 Trailing stop armed for %s %s at %.6f", e.Symbol, e.TradeID, snap.Price)
			}
		}

		if res.Trigger != nil {
			m.dispatchClose(ctx, e, res.Trigger.Reason, res.Trigger.ExitPrice)
		}
	}
}

// dispatchClose takes the close lock and runs the protocol in a bounded
// goroutine. The CAS makes concurrent triggers for the same trade harmless.
func (m *Monitor) dispatchClose(ctx context.Context, e *ledger.TradeEnvelope, reason ledger.ExitReason, exitPrice float64) {
	now := time.Now()
	acquired, err := m.store.AcquireCloseLock(ctx, e.TradeID, reason, now)
	if err != nil {
		log.Printf("  ❌ Cannot take close lock for %s, leaving position untouched: %v", e.TradeID, err)
		return
	}
	if !acquired {
		return
	}
	e.ClosePending = true
	e.ClosePendingReason = reason
	e.ClosePendingAt = &now

	log.Printf("🎯 Exit triggered: %s %s → %s @ %.6f", e.Symbol, e.TradeID, reason, exitPrice)
	m.launchClose(ctx, e, reason, exitPrice)
}

// redriveClose re-runs the close protocol for an envelope whose lock is held
// but which has no driver goroutine in this process
func (m *Monitor) redriveClose(ctx context.Context, e *ledger.TradeEnvelope) {
	reason := e.ClosePendingReason
	if reason == "" {
		reason = ledger.ExitManual
	}
	price := e.EntryPrice
	if snap, err := m.mkt.GetSnapshot(ctx, e.Symbol); err == nil {
		price = snap.Price
	}
	if m.launchClose(ctx, e, reason, price) {
		log.Printf("🔁 Re-driving held close: %s %s (%s)", e.Symbol, e.TradeID, reason)
	}
}

// launchClose runs the protocol in a bounded goroutine. The semaphore is
// taken inside the goroutine so a full close queue never stalls the tick
// loop. Reports whether a driver was actually started.
func (m *Monitor) launchClose(ctx context.Context, e *ledger.TradeEnvelope, reason ledger.ExitReason, exitPrice float64) bool {
	m.inflightMu.Lock()
	if m.inflight[e.TradeID] {
		m.inflightMu.Unlock()
		return false
	}
	m.inflight[e.TradeID] = true
	m.inflightMu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			m.inflightMu.Lock()
			delete(m.inflight, e.TradeID)
			m.inflightMu.Unlock()
		}()

		m.closeSem <- struct{}{}
		defer func() { <-m.closeSem }()

		if _, err := m.coord.Close(ctx, e, reason, exitPrice); err != nil {
			if errors.Is(err, execution.ErrRetriesExhausted) {
				// Lock stays held; the next tick re-drives the close
				m.escalate(ctx, e, fmt.Sprintf("close retries exhausted: %v", err))
				return
			}
			log.Printf("  ❌ Close failed for %s, retrying next tick: %v", e.TradeID, err)
			m.escalate(ctx, e, err.Error())
		}
	}()
	return true
}

// reconcileSweep diffs ledger against venue and applies the repairs
func (m *Monitor) reconcileSweep(ctx context.Context, envelopes []*ledger.TradeEnvelope) {
	positions, err := m.adapt.OpenPositions(ctx)
	if err != nil {
		log.Printf("  ⚠ Reconciliation skipped, cannot list venue positions: %v", err)
		return
	}

	prices := make(map[string]float64)
	for _, e := range envelopes {
		if _, ok := prices[e.Symbol]; ok {
			continue
		}
		if snap, err := m.mkt.GetSnapshot(ctx, e.Symbol); err == nil {
			prices[e.Symbol] = snap.Price
		}
	}

	for _, action := range reconcile.Diff(envelopes, positions, prices, time.Now(), m.cfg.Reconcile) {
		switch action.Kind {
		case reconcile.KindAdoptOrphan:
			if err := m.store.CreateEnvelope(ctx, action.Envelope); err != nil {
				log.Printf("  ❌ Failed to adopt orphan %s: %v", action.Symbol, err)
				continue
			}
			log.Printf("👀 Adopted orphan position: %s %s (%s)", action.Symbol, action.TradeID, action.Detail)
			m.auditEvent(ctx, action.TradeID, action.Symbol, "reconcile", "adopted", action.Detail)

			// No position is left unmanaged: the synthesized envelope is
			// closed right away through the normal protocol
			price := action.ExitPrice
			if snap, serr := m.mkt.GetSnapshot(ctx, action.Symbol); serr == nil {
				price = snap.Price
			}
			m.dispatchClose(ctx, action.Envelope, action.Reason, price)

		case reconcile.KindExternalClosure:
			acquired, err := m.store.AcquireCloseLock(ctx, action.TradeID, action.Reason, time.Now())
			if err != nil || !acquired {
				continue
			}
			e, err := m.store.GetEnvelope(ctx, action.TradeID)
			if err != nil {
				continue
			}
			if _, err := m.coord.SettleExternal(ctx, e, action.Reason, action.ExitPrice); err != nil {
				log.Printf("  ❌ Failed to settle external closure %s: %v", action.TradeID, err)
				continue
			}
			log.Printf("⚠️  External closure recorded: %s %s as %s", action.Symbol, action.TradeID, action.Reason)
			m.auditEvent(ctx, action.TradeID, action.Symbol, "reconcile", "external_closure", action.Detail)

		case reconcile.KindSizeDrift:
			log.Printf("⚠️  Size drift on %s: %s", action.Symbol, action.Detail)
			m.auditEvent(ctx, action.TradeID, action.Symbol, "reconcile", "size_drift",
				fmt.Sprintf("%v: %s", reconcile.ErrMismatch, action.Detail))
		}
	}
}

// accrueFunding charges the tick's share of the funding rate to the envelope
func (m *Monitor) accrueFunding(ctx context.Context, e *ledger.TradeEnvelope, snap market.Snapshot) {
	if snap.FundingRate == nil || *snap.FundingRate == 0 {
		return
	}
	notional := e.Size * snap.Price
	delta := *snap.FundingRate * notional * float64(m.cfg.Interval) / float64(fundingInterval)
	if !e.IsLong() {
		// Positive funding is paid by longs to shorts
		delta = -delta
	}
	if err := m.store.AccrueFunding(ctx, e.TradeID, delta); err != nil {
		log.Printf("  ⚠ Failed to accrue funding for %s: %v", e.TradeID, err)
		return
	}
	e.FundingSinceOpenUsd += delta
}

func (m *Monitor) escalate(ctx context.Context, e *ledger.TradeEnvelope, detail string) {
	m.auditEvent(ctx, e.TradeID, e.Symbol, "escalate", "stuck", detail)
}

func (m *Monitor) auditEvent(ctx context.Context, tradeID, symbol, action, outcome, detail string) {
	_ = m.sink.Append(ctx, audit.Event{
		At:      time.Now(),
		TradeID: tradeID,
		Symbol:  symbol,
		Action:  action,
		Outcome: outcome,
		Detail:  detail,
	})
}
