package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver (Supabase-style deployments)
	_ "modernc.org/sqlite"

	"github.com/nmdc00/Thufir-Hawat-sub003/audit"
)

// ErrNotFound returned when an envelope or close record does not exist
var ErrNotFound = errors.New("ledger: not found")

// ErrClosed returned when mutating an envelope that already flipped to closed
var ErrClosed = errors.New("ledger: envelope already closed")

// StoreConfig selects the ledger backend (mirrors the decision-log setup:
// Postgres when a database URL is configured, SQLite otherwise)
type StoreConfig struct {
	DataDir     string // SQLite directory (default "trade_ledger")
	DatabaseURL string // PostgreSQL connection string; empty = SQLite
}

// Store durable trade ledger. Single source of truth for local trade state;
// the closePending transition uses compare-and-set so no two writers can
// start a close on the same envelope.
type Store struct {
	db         *sql.DB
	isPostgres bool
}

// Open opens the ledger store. A configured but unreachable Postgres falls
// back to SQLite with a warning rather than refusing to start.
func Open(cfg StoreConfig) (*Store, error) {
	s := &Store{}

	if cfg.DatabaseURL != "" {
		connString := cfg.DatabaseURL
		if !strings.Contains(connString, "connect_timeout") {
			if strings.Contains(connString, "?") {
				connString += "&connect_timeout=30&sslmode=require"
			} else {
				connString += "?connect_timeout=30&sslmode=require"
			}
		}
		db, err := sql.Open("postgres", connString)
		if err == nil {
			db.SetMaxOpenConns(20)
			db.SetMaxIdleConns(10)
			db.SetConnMaxLifetime(10 * time.Minute)
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			err = db.PingContext(ctx)
			cancel()
			if err == nil {
				s.db = db
				s.isPostgres = true
				log.Printf("✅ Trade ledger connected to PostgreSQL")
			} else {
				db.Close()
			}
		}
		if !s.isPostgres {
			log.Printf("⚠ PostgreSQL ledger unavailable, falling back to SQLite: %v", err)
		}
	}

	if s.db == nil {
		dataDir := cfg.DataDir
		if dataDir == "" {
			dataDir = "trade_ledger"
		}
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create ledger directory: %w", err)
		}
		dbPath := filepath.Join(dataDir, "trades.db")
		db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=synchronous(NORMAL)")
		if err != nil {
			return nil, fmt.Errorf("failed to open SQLite ledger: %w", err)
		}
		if err := db.Ping(); err != nil {
			db.Close()
			return nil, fmt.Errorf("SQLite ledger connection failed: %w", err)
		}
		s.db = db
	}

	if err := s.initSchema(); err != nil {
		s.db.Close()
		return nil, fmt.Errorf("failed to initialize ledger schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	serial := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.isPostgres {
		serial = "SERIAL PRIMARY KEY"
	}
	schema := `
	CREATE TABLE IF NOT EXISTS trades (
		trade_id TEXT PRIMARY KEY,
		hypothesis_id TEXT,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		entry_price REAL NOT NULL,
		size REAL NOT NULL,
		leverage INTEGER NOT NULL,
		notional_usd REAL NOT NULL,
		margin_usd REAL NOT NULL,
		entry_cloid TEXT,
		entry_fees_usd REAL NOT NULL DEFAULT 0,
		entered_at TIMESTAMP NOT NULL,
		stop_loss_pct REAL NOT NULL,
		take_profit_pct REAL NOT NULL,
		max_hold_seconds INTEGER NOT NULL,
		trailing_stop_pct REAL,
		trailing_activation_pct REAL NOT NULL DEFAULT 0,
		max_loss_usd REAL,
		proposed TEXT,
		thesis TEXT,
		signal_kinds TEXT,
		invalidation TEXT,
		catalyst_id TEXT,
		narrative_snapshot TEXT,
		high_water_price REAL NOT NULL DEFAULT 0,
		low_water_price REAL NOT NULL DEFAULT 0,
		trailing_activated BOOLEAN NOT NULL DEFAULT FALSE,
		funding_since_open_usd REAL NOT NULL DEFAULT 0,
		close_pending BOOLEAN NOT NULL DEFAULT FALSE,
		close_pending_reason TEXT,
		close_pending_at TIMESTAMP,
		tp_oid TEXT,
		sl_oid TEXT,
		expires_at TIMESTAMP,
		status TEXT NOT NULL DEFAULT 'open'
	);

	CREATE TABLE IF NOT EXISTS trade_closes (
		trade_id TEXT PRIMARY KEY REFERENCES trades(trade_id),
		exit_price REAL NOT NULL,
		exit_reason TEXT NOT NULL,
		pnl_usd REAL NOT NULL,
		pnl_pct REAL NOT NULL,
		hold_duration_seconds INTEGER NOT NULL,
		funding_paid_usd REAL NOT NULL,
		fees_usd REAL NOT NULL,
		closed_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS reflections (
		id ` + serial + `,
		trade_id TEXT NOT NULL,
		exit_reason TEXT NOT NULL,
		pnl_usd REAL NOT NULL,
		pnl_pct REAL NOT NULL,
		thesis TEXT,
		requested_at TIMESTAMP NOT NULL,
		picked_up BOOLEAN NOT NULL DEFAULT FALSE
	);

	CREATE TABLE IF NOT EXISTS audit_events (
		id ` + serial + `,
		at TIMESTAMP NOT NULL,
		trade_id TEXT,
		symbol TEXT,
		action TEXT NOT NULL,
		outcome TEXT NOT NULL,
		detail TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_trades_status ON trades(status);
	CREATE INDEX IF NOT EXISTS idx_trades_symbol ON trades(symbol);
	CREATE INDEX IF NOT EXISTS idx_closes_closed_at ON trade_closes(closed_at);
	CREATE INDEX IF NOT EXISTS idx_reflections_pickup ON reflections(picked_up);
	`
	_, err := s.db.Exec(schema)
	return err
}

// bind rewrites ? placeholders to $n for the Postgres backend
func (s *Store) bind(query string) string {
	if !s.isPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const envelopeColumns = `trade_id, hypothesis_id, symbol, side, entry_price, size, leverage,
	notional_usd, margin_usd, entry_cloid, entry_fees_usd, entered_at,
	stop_loss_pct, take_profit_pct, max_hold_seconds, trailing_stop_pct,
	trailing_activation_pct, max_loss_usd, proposed, thesis, signal_kinds,
	invalidation, catalyst_id, narrative_snapshot, high_water_price,
	low_water_price, trailing_activated, funding_since_open_usd,
	close_pending, close_pending_reason, close_pending_at, tp_oid, sl_oid,
	expires_at, status`

// CreateEnvelope inserts a new envelope (status forced to open, runtime
// fields at their zero state)
func (s *Store) CreateEnvelope(ctx context.Context, e *TradeEnvelope) error {
	if e.TradeID == "" {
		return fmt.Errorf("ledger: trade_id required")
	}
	e.Status = StatusOpen
	e.ClosePending = false
	e.TrailingActivated = false

	proposed, err := marshalNullable(e.Proposed)
	if err != nil {
		return err
	}
	signalKinds, err := marshalNullable(e.SignalKinds)
	if err != nil {
		return err
	}

	query := s.bind(`INSERT INTO trades (` + envelopeColumns + `) VALUES
		(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = s.db.ExecContext(ctx, query,
		e.TradeID, nullString(e.HypothesisID), e.Symbol, string(e.Side),
		e.EntryPrice, e.Size, e.Leverage, e.NotionalUsd, e.MarginUsd,
		nullString(e.EntryCloid), e.EntryFeesUsd, e.EnteredAt,
		e.StopLossPct, e.TakeProfitPct, e.MaxHoldSeconds,
		nullFloat(e.TrailingStopPct), e.TrailingActivationPct, nullFloat(e.MaxLossUsd),
		proposed, nullString(e.Thesis), signalKinds,
		nullString(e.Invalidation), nullString(e.CatalystID),
		nullString(string(e.NarrativeSnapshot)),
		e.HighWaterPrice, e.LowWaterPrice, e.TrailingActivated,
		e.FundingSinceOpenUsd, e.ClosePending,
		nullString(string(e.ClosePendingReason)), nullTime(e.ClosePendingAt),
		nullString(e.TPOid), nullString(e.SLOid), nullTime(e.ExpiresAt),
		string(e.Status))
	if err != nil {
		return fmt.Errorf("failed to insert envelope %s: %w", e.TradeID, err)
	}
	return nil
}

// GetEnvelope fetches one envelope by trade id
func (s *Store) GetEnvelope(ctx context.Context, tradeID string) (*TradeEnvelope, error) {
	row := s.db.QueryRowContext(ctx,
		s.bind(`SELECT `+envelopeColumns+` FROM trades WHERE trade_id = ?`), tradeID)
	return scanEnvelope(row)
}

// OpenEnvelopes returns every envelope still marked open, oldest entry first
func (s *Store) OpenEnvelopes(ctx context.Context) ([]*TradeEnvelope, error) {
	return s.queryEnvelopes(ctx,
		`SELECT `+envelopeColumns+` FROM trades WHERE status = 'open' ORDER BY entered_at ASC`)
}

// PendingEnvelopes returns open envelopes whose close lock was taken but not
// resolved — after a restart these are resumed, not re-evaluated
func (s *Store) PendingEnvelopes(ctx context.Context) ([]*TradeEnvelope, error) {
	return s.queryEnvelopes(ctx,
		`SELECT `+envelopeColumns+` FROM trades WHERE status = 'open' AND close_pending ORDER BY close_pending_at ASC`)
}

func (s *Store) queryEnvelopes(ctx context.Context, query string, args ...interface{}) ([]*TradeEnvelope, error) {
	rows, err := s.db.QueryContext(ctx, s.bind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query envelopes: %w", err)
	}
	defer rows.Close()

	var result []*TradeEnvelope
	for rows.Next() {
		e, err := scanEnvelope(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// AcquireCloseLock durably sets closePending via compare-and-set. Returns
// false when the envelope is already pending or already closed — the caller
// must not proceed with any venue action in that case.
func (s *Store) AcquireCloseLock(ctx context.Context, tradeID string, reason ExitReason, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.bind(
		`UPDATE trades SET close_pending = TRUE, close_pending_reason = ?, close_pending_at = ?
		 WHERE trade_id = ? AND status = 'open' AND NOT close_pending`),
		string(reason), at, tradeID)
	if err != nil {
		return false, fmt.Errorf("failed to acquire close lock for %s: %w", tradeID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ReleaseCloseLock clears closePending after a confirmed abort (the close
// attempt was abandoned and the position is verified still open)
func (s *Store) ReleaseCloseLock(ctx context.Context, tradeID string) error {
	_, err := s.db.ExecContext(ctx, s.bind(
		`UPDATE trades SET close_pending = FALSE, close_pending_reason = NULL, close_pending_at = NULL
		 WHERE trade_id = ? AND status = 'open'`), tradeID)
	if err != nil {
		return fmt.Errorf("failed to release close lock for %s: %w", tradeID, err)
	}
	return nil
}

// UpdateTrailing persists trailing runtime state. Activation is monotonic:
// the statement never flips trailing_activated back to false.
func (s *Store) UpdateTrailing(ctx context.Context, tradeID string, activated bool, highWater, lowWater float64) error {
	_, err := s.db.ExecContext(ctx, s.bind(
		`UPDATE trades SET trailing_activated = (trailing_activated OR ?),
		 high_water_price = ?, low_water_price = ?
		 WHERE trade_id = ? AND status = 'open'`),
		activated, highWater, lowWater, tradeID)
	if err != nil {
		return fmt.Errorf("failed to update trailing state for %s: %w", tradeID, err)
	}
	return nil
}

// AccrueFunding adds a funding delta to the envelope's running total
func (s *Store) AccrueFunding(ctx context.Context, tradeID string, deltaUsd float64) error {
	_, err := s.db.ExecContext(ctx, s.bind(
		`UPDATE trades SET funding_since_open_usd = funding_since_open_usd + ?
		 WHERE trade_id = ? AND status = 'open'`), deltaUsd, tradeID)
	if err != nil {
		return fmt.Errorf("failed to accrue funding for %s: %w", tradeID, err)
	}
	return nil
}

// SetProtectiveOrders records venue order ids for accepted TP/SL orders
func (s *Store) SetProtectiveOrders(ctx context.Context, tradeID, tpOid, slOid string) error {
	_, err := s.db.ExecContext(ctx, s.bind(
		`UPDATE trades SET tp_oid = ?, sl_oid = ? WHERE trade_id = ? AND status = 'open'`),
		nullString(tpOid), nullString(slOid), tradeID)
	if err != nil {
		return fmt.Errorf("failed to set protective orders for %s: %w", tradeID, err)
	}
	return nil
}

// ClearProtectiveOrders clears both order references once their cancellation
// is confirmed; a market close must not be issued while either is set
func (s *Store) ClearProtectiveOrders(ctx context.Context, tradeID string) error {
	return s.SetProtectiveOrders(ctx, tradeID, "", "")
}

// CloseEnvelope flips status to closed and writes the close record in one
// transaction. Fails with ErrClosed when already closed.
func (s *Store) CloseEnvelope(ctx context.Context, rec *TradeCloseRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin close transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, s.bind(
		`UPDATE trades SET status = 'closed', close_pending = FALSE,
		 close_pending_reason = NULL, close_pending_at = NULL, tp_oid = NULL, sl_oid = NULL
		 WHERE trade_id = ? AND status = 'open'`), rec.TradeID)
	if err != nil {
		return fmt.Errorf("failed to flip envelope %s to closed: %w", rec.TradeID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrClosed
	}

	_, err = tx.ExecContext(ctx, s.bind(
		`INSERT INTO trade_closes (trade_id, exit_price, exit_reason, pnl_usd, pnl_pct,
		 hold_duration_seconds, funding_paid_usd, fees_usd, closed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		rec.TradeID, rec.ExitPrice, string(rec.ExitReason), rec.PnlUsd, rec.PnlPct,
		rec.HoldDurationSeconds, rec.FundingPaidUsd, rec.FeesUsd, rec.ClosedAt)
	if err != nil {
		return fmt.Errorf("failed to insert close record for %s: %w", rec.TradeID, err)
	}

	return tx.Commit()
}

// CloseRecords returns the most recent close records, newest first
func (s *Store) CloseRecords(ctx context.Context, limit int) ([]*TradeCloseRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.bind(
		`SELECT trade_id, exit_price, exit_reason, pnl_usd, pnl_pct,
		 hold_duration_seconds, funding_paid_usd, fees_usd, closed_at
		 FROM trade_closes ORDER BY closed_at DESC LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query close records: %w", err)
	}
	defer rows.Close()

	var result []*TradeCloseRecord
	for rows.Next() {
		var rec TradeCloseRecord
		var reason string
		if err := rows.Scan(&rec.TradeID, &rec.ExitPrice, &reason, &rec.PnlUsd, &rec.PnlPct,
			&rec.HoldDurationSeconds, &rec.FundingPaidUsd, &rec.FeesUsd, &rec.ClosedAt); err != nil {
			return nil, err
		}
		rec.ExitReason = ExitReason(reason)
		result = append(result, &rec)
	}
	return result, rows.Err()
}

// GetCloseRecord fetches the close record for one trade
func (s *Store) GetCloseRecord(ctx context.Context, tradeID string) (*TradeCloseRecord, error) {
	var rec TradeCloseRecord
	var reason string
	err := s.db.QueryRowContext(ctx, s.bind(
		`SELECT trade_id, exit_price, exit_reason, pnl_usd, pnl_pct,
		 hold_duration_seconds, funding_paid_usd, fees_usd, closed_at
		 FROM trade_closes WHERE trade_id = ?`), tradeID).
		Scan(&rec.TradeID, &rec.ExitPrice, &reason, &rec.PnlUsd, &rec.PnlPct,
			&rec.HoldDurationSeconds, &rec.FundingPaidUsd, &rec.FeesUsd, &rec.ClosedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec.ExitReason = ExitReason(reason)
	return &rec, nil
}

// RequestReflection emits a post-mortem request for the upstream layer
func (s *Store) RequestReflection(ctx context.Context, r *TradeReflection) error {
	_, err := s.db.ExecContext(ctx, s.bind(
		`INSERT INTO reflections (trade_id, exit_reason, pnl_usd, pnl_pct, thesis, requested_at, picked_up)
		 VALUES (?, ?, ?, ?, ?, ?, FALSE)`),
		r.TradeID, string(r.ExitReason), r.PnlUsd, r.PnlPct, nullString(r.Thesis), r.RequestedAt)
	if err != nil {
		return fmt.Errorf("failed to request reflection for %s: %w", r.TradeID, err)
	}
	return nil
}

// PendingReflections lists reflection requests the upstream layer has not
// acknowledged yet
func (s *Store) PendingReflections(ctx context.Context) ([]*TradeReflection, error) {
	rows, err := s.db.QueryContext(ctx, s.bind(
		`SELECT id, trade_id, exit_reason, pnl_usd, pnl_pct, thesis, requested_at, picked_up
		 FROM reflections WHERE NOT picked_up ORDER BY requested_at ASC`))
	if err != nil {
		return nil, fmt.Errorf("failed to query reflections: %w", err)
	}
	defer rows.Close()

	var result []*TradeReflection
	for rows.Next() {
		var r TradeReflection
		var reason string
		var thesis sql.NullString
		if err := rows.Scan(&r.ID, &r.TradeID, &reason, &r.PnlUsd, &r.PnlPct, &thesis, &r.RequestedAt, &r.PickedUp); err != nil {
			return nil, err
		}
		r.ExitReason = ExitReason(reason)
		r.Thesis = thesis.String
		result = append(result, &r)
	}
	return result, rows.Err()
}

// AckReflection marks a reflection request as picked up
func (s *Store) AckReflection(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, s.bind(
		`UPDATE reflections SET picked_up = TRUE WHERE id = ?`), id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// Append implements audit.Sink against the audit_events table
func (s *Store) Append(ctx context.Context, ev audit.Event) error {
	_, err := s.db.ExecContext(ctx, s.bind(
		`INSERT INTO audit_events (at, trade_id, symbol, action, outcome, detail)
		 VALUES (?, ?, ?, ?, ?, ?)`),
		ev.At, nullString(ev.TradeID), nullString(ev.Symbol), ev.Action, ev.Outcome, nullString(ev.Detail))
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEnvelope(row rowScanner) (*TradeEnvelope, error) {
	var e TradeEnvelope
	var (
		hypothesisID, entryCloid, proposed, thesis, signalKinds     sql.NullString
		invalidation, catalystID, narrative, pendingReason          sql.NullString
		tpOid, slOid, side, status                                  sql.NullString
		trailingStopPct, maxLossUsd                                 sql.NullFloat64
		pendingAt, expiresAt                                        sql.NullTime
	)
	err := row.Scan(&e.TradeID, &hypothesisID, &e.Symbol, &side,
		&e.EntryPrice, &e.Size, &e.Leverage, &e.NotionalUsd, &e.MarginUsd,
		&entryCloid, &e.EntryFeesUsd, &e.EnteredAt,
		&e.StopLossPct, &e.TakeProfitPct, &e.MaxHoldSeconds, &trailingStopPct,
		&e.TrailingActivationPct, &maxLossUsd, &proposed, &thesis, &signalKinds,
		&invalidation, &catalystID, &narrative, &e.HighWaterPrice,
		&e.LowWaterPrice, &e.TrailingActivated, &e.FundingSinceOpenUsd,
		&e.ClosePending, &pendingReason, &pendingAt, &tpOid, &slOid,
		&expiresAt, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan envelope: %w", err)
	}

	e.HypothesisID = hypothesisID.String
	e.Side = Side(side.String)
	e.EntryCloid = entryCloid.String
	e.Thesis = thesis.String
	e.Invalidation = invalidation.String
	e.CatalystID = catalystID.String
	e.ClosePendingReason = ExitReason(pendingReason.String)
	e.TPOid = tpOid.String
	e.SLOid = slOid.String
	e.Status = Status(status.String)
	if narrative.Valid {
		e.NarrativeSnapshot = json.RawMessage(narrative.String)
	}
	if trailingStopPct.Valid {
		v := trailingStopPct.Float64
		e.TrailingStopPct = &v
	}
	if maxLossUsd.Valid {
		v := maxLossUsd.Float64
		e.MaxLossUsd = &v
	}
	if pendingAt.Valid {
		t := pendingAt.Time
		e.ClosePendingAt = &t
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		e.ExpiresAt = &t
	}
	if proposed.Valid && proposed.String != "" {
		var p RiskProposal
		if err := json.Unmarshal([]byte(proposed.String), &p); err == nil {
			e.Proposed = &p
		}
	}
	if signalKinds.Valid && signalKinds.String != "" {
		_ = json.Unmarshal([]byte(signalKinds.String), &e.SignalKinds)
	}
	return &e, nil
}

func marshalNullable(v interface{}) (sql.NullString, error) {
	switch x := v.(type) {
	case nil:
		return sql.NullString{}, nil
	case *RiskProposal:
		if x == nil {
			return sql.NullString{}, nil
		}
	case []string:
		if len(x) == 0 {
			return sql.NullString{}, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to marshal ledger field: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
