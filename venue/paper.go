package venue

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/nmdc00/Thufir-Hawat-sub003/ledger"
	"github.com/nmdc00/Thufir-Hawat-sub003/market"
)

// PaperAdapter simulates a venue in memory: market orders fill instantly at
// the market client's price with a taker fee. Used for paper trading mode
// and in tests.
type PaperAdapter struct {
	prices market.Client

	mu          sync.Mutex
	positions   map[string]*Position // keyed by symbol
	orders      map[string]*Order    // resting orders by id
	fills       map[string]*Fill     // filled orders by id
	nextOrderID int64

	// FeeRate taker fee charged on notional, defaults to 4 bps
	FeeRate float64
}

// NewPaperAdapter creates a simulated venue priced by the given client
func NewPaperAdapter(prices market.Client) *PaperAdapter {
	return &PaperAdapter{
		prices:    prices,
		positions: make(map[string]*Position),
		orders:    make(map[string]*Order),
		fills:     make(map[string]*Fill),
		FeeRate:   0.0004,
	}
}

func (p *PaperAdapter) Name() string { return "paper" }

// SeedPosition installs a position directly, for paper entries and for
// exercising reconciliation paths
func (p *PaperAdapter) SeedPosition(pos Position) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := pos
	p.positions[pos.Symbol] = &cp
}

// SeedOrder installs a resting order and returns its id
func (p *PaperAdapter) SeedOrder(o Order) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextOrderID++
	o.OrderID = strconv.FormatInt(p.nextOrderID, 10)
	o.Status = "open"
	p.orders[o.OrderID] = &o
	return o.OrderID
}

// FillOrder marks a resting order as executed at the given price, simulating
// a protective order firing before the coordinator's cancel lands
func (p *PaperAdapter) FillOrder(orderID string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[orderID]
	if !ok {
		return
	}
	delete(p.orders, orderID)
	p.fills[orderID] = &Fill{
		OrderID:  orderID,
		Symbol:   o.Symbol,
		AvgPrice: price,
		Quantity: o.Quantity,
		FeeUsd:   price * o.Quantity * p.FeeRate,
		Time:     time.Now(),
	}
	p.reduce(o.Symbol, o.Quantity)
}

// PlaceMarketOrder fills immediately at the current price
func (p *PaperAdapter) PlaceMarketOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	snap, err := p.prices.GetSnapshot(ctx, req.Symbol)
	if err != nil {
		return nil, unknownErr("paper price %s: %v", req.Symbol, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if req.ReduceOnly {
		pos, ok := p.positions[req.Symbol]
		if !ok || pos.Side == req.Side {
			return nil, rejectErr("no position to reduce for %s", req.Symbol)
		}
		if req.Quantity > pos.Size {
			req.Quantity = pos.Size
		}
	}

	p.nextOrderID++
	orderID := strconv.FormatInt(p.nextOrderID, 10)
	fee := snap.Price * req.Quantity * p.FeeRate

	p.fills[orderID] = &Fill{
		OrderID:  orderID,
		Symbol:   req.Symbol,
		AvgPrice: snap.Price,
		Quantity: req.Quantity,
		FeeUsd:   fee,
		Time:     time.Now(),
	}

	if req.ReduceOnly {
		p.reduce(req.Symbol, req.Quantity)
	} else {
		p.open(req.Symbol, req.Side, req.Quantity, snap.Price)
	}

	log.Printf("📝 [paper] %s %s %.6f @ %.4f (fee %.4f)", req.Symbol, req.Side, req.Quantity, snap.Price, fee)

	return &OrderResult{
		OrderID:       orderID,
		ClientOrderID: req.ClientOrderID,
		Status:        "FILLED",
		AvgPrice:      snap.Price,
		ExecutedQty:   req.Quantity,
		FeeUsd:        fee,
	}, nil
}

// CancelOrder removes a resting order; an order that already filled reports
// CancelAlreadyFilled the way a real venue would
func (p *PaperAdapter) CancelOrder(_ context.Context, symbol, orderID string) (CancelOutcome, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.orders[orderID]; ok {
		delete(p.orders, orderID)
		return CancelConfirmed, nil
	}
	if _, ok := p.fills[orderID]; ok {
		return CancelAlreadyFilled, nil
	}
	return CancelFailed, fmt.Errorf("unknown order %s for %s", orderID, symbol)
}

// OpenPositions lists simulated positions
func (p *PaperAdapter) OpenPositions(_ context.Context) ([]Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	result := make([]Position, 0, len(p.positions))
	for _, pos := range p.positions {
		result = append(result, *pos)
	}
	return result, nil
}

// OpenOrders lists resting simulated orders for a symbol
func (p *PaperAdapter) OpenOrders(_ context.Context, symbol string) ([]Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var result []Order
	for _, o := range p.orders {
		if o.Symbol == symbol {
			result = append(result, *o)
		}
	}
	return result, nil
}

// FillForOrder returns the recorded fill, nil if the order never filled
func (p *PaperAdapter) FillForOrder(_ context.Context, _ string, orderID string) (*Fill, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if f, ok := p.fills[orderID]; ok {
		cp := *f
		return &cp, nil
	}
	return nil, nil
}

// reduce shrinks or removes the position on a symbol (caller holds the lock)
func (p *PaperAdapter) reduce(symbol string, quantity float64) {
	pos, ok := p.positions[symbol]
	if !ok {
		return
	}
	pos.Size -= quantity
	if pos.Size <= 1e-12 {
		delete(p.positions, symbol)
	}
}

// open adds to or creates a position (caller holds the lock)
func (p *PaperAdapter) open(symbol string, side ledger.Side, quantity, price float64) {
	pos, ok := p.positions[symbol]
	if !ok {
		p.positions[symbol] = &Position{Symbol: symbol, Side: side, Size: quantity, EntryPrice: price, MarkPrice: price}
		return
	}
	if pos.Side == side {
		total := pos.Size + quantity
		pos.EntryPrice = (pos.EntryPrice*pos.Size + price*quantity) / total
		pos.Size = total
		return
	}
	p.reduce(symbol, quantity)
}
