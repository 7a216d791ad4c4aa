package venue

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/futures"

	"github.com/nmdc00/Thufir-Hawat-sub003/ledger"
)

// BinanceAdapter executes against Binance USDⓈ-M futures
type BinanceAdapter struct {
	client *futures.Client

	// Quantity precision per symbol, loaded from exchange info once
	precisionCache map[string]int
	precisionMutex sync.RWMutex

	// Positions cache
	cachedPositions     []Position
	positionsCacheTime  time.Time
	positionsCacheMutex sync.RWMutex
	cacheDuration       time.Duration

	// Hedge mode detection: one-way accounts take reduceOnly orders, hedge
	// mode accounts need an explicit position side instead
	isHedgeMode bool
	hedgeMutex  sync.RWMutex

	// Time sync tracking
	lastTimeSync  time.Time
	timeSyncMutex sync.RWMutex
}

// NewBinanceAdapter creates a Binance futures execution adapter
func NewBinanceAdapter(apiKey, secretKey string) *BinanceAdapter {
	client := futures.NewClient(apiKey, secretKey)
	syncServerTime(client)

	return &BinanceAdapter{
		client:         client,
		precisionCache: make(map[string]int),
		cacheDuration:  5 * time.Second,
	}
}

func (b *BinanceAdapter) Name() string { return "binance" }

// syncServerTime checks the local clock against Binance server time
func syncServerTime(client *futures.Client) {
	serverTime, err := client.NewServerTimeService().Do(context.Background())
	if err != nil {
		log.Printf("⚠️  Failed to get Binance server time: %v (will continue without sync)", err)
		return
	}

	offset := serverTime - time.Now().UnixMilli()
	if offset > 1000 || offset < -1000 {
		log.Printf("⚠️  Time offset detected: %d ms, timestamp errors likely until the system clock is synced", offset)
	} else {
		log.Printf("✓ Time synchronized with Binance server (offset: %d ms)", offset)
	}
}

// reSyncServerTime re-syncs server time, at most once per minute
func (b *BinanceAdapter) reSyncServerTime() {
	b.timeSyncMutex.Lock()
	defer b.timeSyncMutex.Unlock()

	if time.Since(b.lastTimeSync) < 1*time.Minute {
		return
	}

	log.Printf("🔄 Re-syncing with Binance server time due to timestamp error...")
	syncServerTime(b.client)
	b.lastTimeSync = time.Now()
}

func isTimestampErr(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "-1021") || strings.Contains(msg, "recvWindow") || strings.Contains(msg, "timestamp")
}

// isRejectionErr actively refused by the matching engine or risk checks
func isRejectionErr(err error) bool {
	msg := err.Error()
	for _, code := range []string{"-2019", "-2021", "-2022", "-4003", "-4164", "-1111", "-1013"} {
		if strings.Contains(msg, code) {
			return true
		}
	}
	return false
}

// PlaceMarketOrder submits a market order. One-way accounts get reduceOnly
// closes; on a -4061 position side mismatch the adapter flips to hedge mode
// and retries with an explicit position side.
func (b *BinanceAdapter) PlaceMarketOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	quantityStr, err := b.formatQuantity(ctx, req.Symbol, req.Quantity)
	if err != nil {
		return nil, rejectErr("format quantity: %v", err)
	}

	side := futures.SideTypeBuy
	if req.Side == ledger.SideSell {
		side = futures.SideTypeSell
	}

	b.hedgeMutex.RLock()
	hedge := b.isHedgeMode
	b.hedgeMutex.RUnlock()

	order, err := b.submit(ctx, req, side, quantityStr, hedge)
	if err != nil {
		if isTimestampErr(err) {
			b.reSyncServerTime()
			order, err = b.submit(ctx, req, side, quantityStr, hedge)
		} else if strings.Contains(err.Error(), "-4061") || strings.Contains(err.Error(), "position side does not match") {
			log.Printf("  ⚠ Detected hedge mode account, retrying with explicit position side...")
			b.hedgeMutex.Lock()
			b.isHedgeMode = true
			b.hedgeMutex.Unlock()
			order, err = b.submit(ctx, req, side, quantityStr, true)
		}
	}
	if err != nil {
		if isRejectionErr(err) {
			return nil, rejectErr("%s %s %s: %v", req.Symbol, req.Side, quantityStr, err)
		}
		// Anything that is not a clean rejection may still have reached the
		// engine; the outcome is unknown until reconciled.
		return nil, unknownErr("%s %s: %v", req.Symbol, req.Side, err)
	}

	log.Printf("✓ Market order submitted: %s %s %s (order %d)", req.Symbol, req.Side, quantityStr, order.OrderID)

	res := &OrderResult{
		OrderID:       strconv.FormatInt(order.OrderID, 10),
		ClientOrderID: order.ClientOrderID,
		Status:        string(order.Status),
	}
	res.AvgPrice, _ = strconv.ParseFloat(order.AvgPrice, 64)
	res.ExecutedQty, _ = strconv.ParseFloat(order.ExecutedQuantity, 64)
	return res, nil
}

func (b *BinanceAdapter) submit(ctx context.Context, req OrderRequest, side futures.SideType, quantityStr string, hedge bool) (*futures.CreateOrderResponse, error) {
	svc := b.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(side).
		Type(futures.OrderTypeMarket).
		Quantity(quantityStr).
		NewOrderResponseType(futures.NewOrderRespTypeRESULT)

	if req.ClientOrderID != "" {
		svc = svc.NewClientOrderID(req.ClientOrderID)
	}

	if hedge {
		// Hedge mode: the position side itself makes the order reducing
		posSide := futures.PositionSideTypeLong
		if req.ReduceOnly {
			if side == futures.SideTypeBuy {
				posSide = futures.PositionSideTypeShort
			}
		} else if side == futures.SideTypeSell {
			posSide = futures.PositionSideTypeShort
		}
		svc = svc.PositionSide(posSide)
	} else if req.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}

	return svc.Do(ctx)
}

// CancelOrder cancels a resting order. A -2011 unknown-order response is
// resolved by fetching the order: FILLED means the protective order executed
// first and its fill is the close.
func (b *BinanceAdapter) CancelOrder(ctx context.Context, symbol, orderID string) (CancelOutcome, error) {
	oid, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return CancelFailed, fmt.Errorf("bad order id %q: %w", orderID, err)
	}

	_, err = b.client.NewCancelOrderService().Symbol(symbol).OrderID(oid).Do(ctx)
	if err == nil {
		log.Printf("  ✓ Cancelled order %s for %s", orderID, symbol)
		return CancelConfirmed, nil
	}

	if strings.Contains(err.Error(), "-2011") || strings.Contains(err.Error(), "Unknown order") {
		order, getErr := b.client.NewGetOrderService().Symbol(symbol).OrderID(oid).Do(ctx)
		if getErr != nil {
			return CancelFailed, unknownErr("cancel %s then lookup failed: %v", orderID, getErr)
		}
		switch order.Status {
		case futures.OrderStatusTypeFilled:
			return CancelAlreadyFilled, nil
		case futures.OrderStatusTypeCanceled, futures.OrderStatusTypeExpired:
			return CancelConfirmed, nil
		}
		return CancelFailed, unknownErr("cancel %s: order in state %s", orderID, order.Status)
	}

	if ctx.Err() != nil {
		return CancelFailed, unknownErr("cancel %s: %v", orderID, err)
	}
	return CancelFailed, fmt.Errorf("cancel %s: %w", orderID, err)
}

// OpenPositions lists non-zero positions, cached briefly so the per-tick
// reconciliation sweep costs one API call
func (b *BinanceAdapter) OpenPositions(ctx context.Context) ([]Position, error) {
	b.positionsCacheMutex.RLock()
	if b.cachedPositions != nil && time.Since(b.positionsCacheTime) < b.cacheDuration {
		defer b.positionsCacheMutex.RUnlock()
		return b.cachedPositions, nil
	}
	b.positionsCacheMutex.RUnlock()

	risks, err := b.client.NewGetPositionRiskService().Do(ctx)
	if err != nil {
		if isTimestampErr(err) {
			b.reSyncServerTime()
			risks, err = b.client.NewGetPositionRiskService().Do(ctx)
		}
		if err != nil {
			return nil, fmt.Errorf("get positions: %w", err)
		}
	}

	result := make([]Position, 0, len(risks))
	for _, pos := range risks {
		amt, _ := strconv.ParseFloat(pos.PositionAmt, 64)
		if amt == 0 {
			continue
		}

		p := Position{Symbol: pos.Symbol, Size: amt, Side: ledger.SideBuy}
		if amt < 0 {
			p.Side = ledger.SideSell
			p.Size = -amt
		}
		p.EntryPrice, _ = strconv.ParseFloat(pos.EntryPrice, 64)
		p.MarkPrice, _ = strconv.ParseFloat(pos.MarkPrice, 64)
		p.UnrealizedPnl, _ = strconv.ParseFloat(pos.UnRealizedProfit, 64)
		p.LiquidationPrice, _ = strconv.ParseFloat(pos.LiquidationPrice, 64)
		if lev, err := strconv.ParseFloat(pos.Leverage, 64); err == nil {
			p.Leverage = int(lev)
		}
		result = append(result, p)
	}

	b.positionsCacheMutex.Lock()
	b.cachedPositions = result
	b.positionsCacheTime = time.Now()
	b.positionsCacheMutex.Unlock()

	return result, nil
}

// OpenOrders lists resting orders for a symbol
func (b *BinanceAdapter) OpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	orders, err := b.client.NewListOpenOrdersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("list open orders %s: %w", symbol, err)
	}

	result := make([]Order, 0, len(orders))
	for _, o := range orders {
		side := ledger.SideBuy
		if o.Side == futures.SideTypeSell {
			side = ledger.SideSell
		}
		ord := Order{
			OrderID:       strconv.FormatInt(o.OrderID, 10),
			ClientOrderID: o.ClientOrderID,
			Symbol:        o.Symbol,
			Side:          side,
			Type:          string(o.Type),
			Status:        string(o.Status),
		}
		ord.Quantity, _ = strconv.ParseFloat(o.OrigQuantity, 64)
		ord.StopPrice, _ = strconv.ParseFloat(o.StopPrice, 64)
		result = append(result, ord)
	}
	return result, nil
}

// FillForOrder fetches execution details for a filled order, including fees
// from the account trade list. Returns nil when the order has not filled.
func (b *BinanceAdapter) FillForOrder(ctx context.Context, symbol, orderID string) (*Fill, error) {
	oid, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("bad order id %q: %w", orderID, err)
	}

	order, err := b.client.NewGetOrderService().Symbol(symbol).OrderID(oid).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", orderID, err)
	}
	if order.Status != futures.OrderStatusTypeFilled {
		return nil, nil
	}

	fill := &Fill{
		OrderID: orderID,
		Symbol:  symbol,
		Time:    time.UnixMilli(order.UpdateTime),
	}
	fill.AvgPrice, _ = strconv.ParseFloat(order.AvgPrice, 64)
	fill.Quantity, _ = strconv.ParseFloat(order.ExecutedQuantity, 64)

	// Commission comes from the trade list, not the order
	trades, err := b.client.NewListAccountTradeService().Symbol(symbol).Do(ctx)
	if err != nil {
		log.Printf("  ⚠ Failed to fetch trades for fee lookup on %s: %v", symbol, err)
		return fill, nil
	}
	for _, tr := range trades {
		if tr.OrderID != oid {
			continue
		}
		if fee, err := strconv.ParseFloat(tr.Commission, 64); err == nil {
			fill.FeeUsd += fee
		}
	}
	return fill, nil
}

// formatQuantity renders a quantity at the symbol's LOT_SIZE precision
func (b *BinanceAdapter) formatQuantity(ctx context.Context, symbol string, quantity float64) (string, error) {
	precision, err := b.symbolPrecision(ctx, symbol)
	if err != nil {
		return fmt.Sprintf("%.3f", quantity), nil
	}
	return strconv.FormatFloat(quantity, 'f', precision, 64), nil
}

func (b *BinanceAdapter) symbolPrecision(ctx context.Context, symbol string) (int, error) {
	b.precisionMutex.RLock()
	if p, ok := b.precisionCache[symbol]; ok {
		b.precisionMutex.RUnlock()
		return p, nil
	}
	b.precisionMutex.RUnlock()

	exchangeInfo, err := b.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("exchange info: %w", err)
	}

	b.precisionMutex.Lock()
	defer b.precisionMutex.Unlock()
	for _, s := range exchangeInfo.Symbols {
		for _, filter := range s.Filters {
			if filter["filterType"] == "LOT_SIZE" {
				if stepSize, ok := filter["stepSize"].(string); ok {
					b.precisionCache[s.Symbol] = stepPrecision(stepSize)
				}
			}
		}
	}
	if p, ok := b.precisionCache[symbol]; ok {
		return p, nil
	}
	return 3, nil
}

// stepPrecision counts meaningful decimals in a LOT_SIZE step like "0.001000"
func stepPrecision(stepSize string) int {
	stepSize = strings.TrimRight(stepSize, "0")
	dot := strings.IndexByte(stepSize, '.')
	if dot == -1 || dot == len(stepSize)-1 {
		return 0
	}
	return len(stepSize) - dot - 1
}
