package venue

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/nmdc00/Thufir-Hawat-sub003/ledger"
)

const (
	hyperliquidMainnetURL = "https://api.hyperliquid.xyz"
	hyperliquidTestnetURL = "https://api.hyperliquid-testnet.xyz"
)

// HyperliquidAdapter executes against Hyperliquid perps through the native
// info/exchange REST endpoints. Market orders are emulated as aggressive
// IOC limits, which is how the venue itself does it.
type HyperliquidAdapter struct {
	baseURL    string
	httpClient *http.Client
	isMainnet  bool

	priv    *ecdsa.PrivateKey
	address string

	// Perp metadata from the meta endpoint: asset index and size decimals
	// per coin, loaded once
	assetIndex map[string]int
	szDecimals map[string]int
	metaMutex  sync.RWMutex

	nonceMutex sync.Mutex
	lastNonce  uint64
}

// NewHyperliquidAdapter creates a Hyperliquid adapter from a wallet private
// key (hex, no 0x prefix required)
func NewHyperliquidAdapter(privateKeyHex string, testnet bool) (*HyperliquidAdapter, error) {
	priv, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	baseURL := hyperliquidMainnetURL
	if testnet {
		baseURL = hyperliquidTestnetURL
	}

	a := &HyperliquidAdapter{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		isMainnet:  !testnet,
		priv:       priv,
		address:    crypto.PubkeyToAddress(priv.PublicKey).Hex(),
		assetIndex: make(map[string]int),
		szDecimals: make(map[string]int),
	}
	log.Printf("✓ Hyperliquid adapter ready for %s", a.address)
	return a, nil
}

func (a *HyperliquidAdapter) Name() string { return "hyperliquid" }

// nextNonce returns a strictly increasing millisecond nonce
func (a *HyperliquidAdapter) nextNonce() uint64 {
	a.nonceMutex.Lock()
	defer a.nonceMutex.Unlock()
	nonce := uint64(time.Now().UnixMilli())
	if nonce <= a.lastNonce {
		nonce = a.lastNonce + 1
	}
	a.lastNonce = nonce
	return nonce
}

// info POSTs a query to the info endpoint and decodes the response
func (a *HyperliquidAdapter) info(ctx context.Context, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/info", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("info request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read info response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("info status %d: %s", resp.StatusCode, string(data))
	}
	return json.Unmarshal(data, out)
}

// exchange signs and POSTs an action to the exchange endpoint
func (a *HyperliquidAdapter) exchange(ctx context.Context, action interface{}, out interface{}) error {
	nonce := a.nextNonce()
	sig, err := signL1Action(a.priv, action, nonce, a.isMainnet)
	if err != nil {
		return err
	}

	payload := map[string]interface{}{
		"action":       action,
		"nonce":        nonce,
		"signature":    sig,
		"vaultAddress": nil,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/exchange", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return unknownErr("exchange request: %v", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return unknownErr("read exchange response: %v", err)
	}
	if resp.StatusCode >= 500 {
		return unknownErr("exchange status %d: %s", resp.StatusCode, string(data))
	}
	if resp.StatusCode != http.StatusOK {
		return rejectErr("exchange status %d: %s", resp.StatusCode, string(data))
	}
	return json.Unmarshal(data, out)
}

// loadMeta fetches the perp universe once and caches asset indexes
func (a *HyperliquidAdapter) loadMeta(ctx context.Context) error {
	a.metaMutex.RLock()
	if len(a.assetIndex) > 0 {
		a.metaMutex.RUnlock()
		return nil
	}
	a.metaMutex.RUnlock()

	var meta struct {
		Universe []struct {
			Name       string `json:"name"`
			SzDecimals int    `json:"szDecimals"`
		} `json:"universe"`
	}
	if err := a.info(ctx, map[string]string{"type": "meta"}, &meta); err != nil {
		return fmt.Errorf("load meta: %w", err)
	}

	a.metaMutex.Lock()
	for i, u := range meta.Universe {
		a.assetIndex[u.Name] = i
		a.szDecimals[u.Name] = u.SzDecimals
	}
	a.metaMutex.Unlock()
	return nil
}

func (a *HyperliquidAdapter) asset(ctx context.Context, symbol string) (int, int, error) {
	if err := a.loadMeta(ctx); err != nil {
		return 0, 0, err
	}
	a.metaMutex.RLock()
	defer a.metaMutex.RUnlock()
	idx, ok := a.assetIndex[symbol]
	if !ok {
		return 0, 0, rejectErr("unknown coin %s", symbol)
	}
	return idx, a.szDecimals[symbol], nil
}

// Action wire structs. Field order must match what the venue hashes, so
// declaration order here is load-bearing for the signature.

type hlLimit struct {
	Tif string `msgpack:"tif" json:"tif"`
}

type hlOrderType struct {
	Limit hlLimit `msgpack:"limit" json:"limit"`
}

type hlOrder struct {
	Asset      int         `msgpack:"a" json:"a"`
	IsBuy      bool        `msgpack:"b" json:"b"`
	Price      string      `msgpack:"p" json:"p"`
	Size       string      `msgpack:"s" json:"s"`
	ReduceOnly bool        `msgpack:"r" json:"r"`
	Type       hlOrderType `msgpack:"t" json:"t"`
	Cloid      string      `msgpack:"c,omitempty" json:"c,omitempty"`
}

type hlOrderAction struct {
	Type     string    `msgpack:"type" json:"type"`
	Orders   []hlOrder `msgpack:"orders" json:"orders"`
	Grouping string    `msgpack:"grouping" json:"grouping"`
}

type hlCancel struct {
	Asset int   `msgpack:"a" json:"a"`
	Oid   int64 `msgpack:"o" json:"o"`
}

type hlCancelAction struct {
	Type    string     `msgpack:"type" json:"type"`
	Cancels []hlCancel `msgpack:"cancels" json:"cancels"`
}

type hlExchangeResponse struct {
	Status   string `json:"status"`
	Response struct {
		Type string `json:"type"`
		Data struct {
			Statuses []json.RawMessage `json:"statuses"`
		} `json:"data"`
	} `json:"response"`
}

// PlaceMarketOrder submits an aggressive IOC limit crossing the book by 5%
func (a *HyperliquidAdapter) PlaceMarketOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	idx, szDec, err := a.asset(ctx, req.Symbol)
	if err != nil {
		return nil, err
	}

	mid, err := a.midPrice(ctx, req.Symbol)
	if err != nil {
		return nil, unknownErr("mid price %s: %v", req.Symbol, err)
	}

	isBuy := req.Side == ledger.SideBuy
	limit := mid * 1.05
	if !isBuy {
		limit = mid * 0.95
	}

	order := hlOrder{
		Asset:      idx,
		IsBuy:      isBuy,
		Price:      formatHLPrice(limit, szDec),
		Size:       strconv.FormatFloat(req.Quantity, 'f', szDec, 64),
		ReduceOnly: req.ReduceOnly,
		Type:       hlOrderType{Limit: hlLimit{Tif: "Ioc"}},
	}
	if req.ClientOrderID != "" {
		order.Cloid = deriveCloid(req.ClientOrderID)
	}
	action := hlOrderAction{Type: "order", Orders: []hlOrder{order}, Grouping: "na"}

	var resp hlExchangeResponse
	if err := a.exchange(ctx, action, &resp); err != nil {
		return nil, err
	}
	if resp.Status != "ok" || len(resp.Response.Data.Statuses) == 0 {
		return nil, rejectErr("order response status %q", resp.Status)
	}

	var status struct {
		Filled *struct {
			TotalSz string `json:"totalSz"`
			AvgPx   string `json:"avgPx"`
			Oid     int64  `json:"oid"`
		} `json:"filled"`
		Resting *struct {
			Oid int64 `json:"oid"`
		} `json:"resting"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(resp.Response.Data.Statuses[0], &status); err != nil {
		return nil, unknownErr("decode order status: %v", err)
	}

	switch {
	case status.Error != "":
		return nil, rejectErr("%s %s: %s", req.Symbol, req.Side, status.Error)
	case status.Filled != nil:
		res := &OrderResult{
			OrderID:       strconv.FormatInt(status.Filled.Oid, 10),
			ClientOrderID: order.Cloid,
			Status:        "FILLED",
		}
		res.AvgPrice, _ = strconv.ParseFloat(status.Filled.AvgPx, 64)
		res.ExecutedQty, _ = strconv.ParseFloat(status.Filled.TotalSz, 64)
		log.Printf("✓ Hyperliquid IOC filled: %s %s %s @ %s", req.Symbol, req.Side, status.Filled.TotalSz, status.Filled.AvgPx)
		return res, nil
	case status.Resting != nil:
		// IOC should never rest; treat as unknown and let reconciliation
		// sort it out
		return nil, unknownErr("ioc order %d resting", status.Resting.Oid)
	}
	return nil, unknownErr("empty order status for %s", req.Symbol)
}

// CancelOrder cancels by oid, resolving the ambiguous already-gone response
// through an order status lookup
func (a *HyperliquidAdapter) CancelOrder(ctx context.Context, symbol, orderID string) (CancelOutcome, error) {
	oid, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return CancelFailed, fmt.Errorf("bad order id %q: %w", orderID, err)
	}
	idx, _, err := a.asset(ctx, symbol)
	if err != nil {
		return CancelFailed, err
	}

	action := hlCancelAction{Type: "cancel", Cancels: []hlCancel{{Asset: idx, Oid: oid}}}

	var resp hlExchangeResponse
	if err := a.exchange(ctx, action, &resp); err != nil {
		return CancelFailed, err
	}
	if resp.Status == "ok" && len(resp.Response.Data.Statuses) > 0 {
		var status struct {
			Error string `json:"error"`
		}
		// A bare "success" string is not an object; that is a clean cancel
		if err := json.Unmarshal(resp.Response.Data.Statuses[0], &status); err != nil || status.Error == "" {
			return CancelConfirmed, nil
		}
		// "never placed, already canceled, or filled": disambiguate
		st, lookupErr := a.orderStatus(ctx, oid)
		if lookupErr != nil {
			return CancelFailed, unknownErr("cancel %d then lookup failed: %v", oid, lookupErr)
		}
		switch st {
		case "filled":
			return CancelAlreadyFilled, nil
		case "canceled", "marginCanceled":
			return CancelConfirmed, nil
		}
		return CancelFailed, unknownErr("cancel %d: %s (order status %s)", oid, status.Error, st)
	}
	return CancelFailed, rejectErr("cancel response status %q", resp.Status)
}

// orderStatus fetches one order's terminal status
func (a *HyperliquidAdapter) orderStatus(ctx context.Context, oid int64) (string, error) {
	var resp struct {
		Status string `json:"status"`
		Order  struct {
			Status string `json:"status"`
		} `json:"order"`
	}
	query := map[string]interface{}{"type": "orderStatus", "user": a.address, "oid": oid}
	if err := a.info(ctx, query, &resp); err != nil {
		return "", err
	}
	if resp.Status != "order" {
		return "", fmt.Errorf("order %d not found", oid)
	}
	return resp.Order.Status, nil
}

// OpenPositions reads the clearinghouse state
func (a *HyperliquidAdapter) OpenPositions(ctx context.Context) ([]Position, error) {
	var state struct {
		AssetPositions []struct {
			Position struct {
				Coin     string `json:"coin"`
				Szi      string `json:"szi"`
				EntryPx  string `json:"entryPx"`
				Leverage struct {
					Value int `json:"value"`
				} `json:"leverage"`
				LiquidationPx string `json:"liquidationPx"`
				UnrealizedPnl string `json:"unrealizedPnl"`
			} `json:"position"`
		} `json:"assetPositions"`
	}
	query := map[string]string{"type": "clearinghouseState", "user": a.address}
	if err := a.info(ctx, query, &state); err != nil {
		return nil, fmt.Errorf("clearinghouse state: %w", err)
	}

	result := make([]Position, 0, len(state.AssetPositions))
	for _, ap := range state.AssetPositions {
		szi, _ := strconv.ParseFloat(ap.Position.Szi, 64)
		if szi == 0 {
			continue
		}
		p := Position{Symbol: ap.Position.Coin, Side: ledger.SideBuy, Size: szi, Leverage: ap.Position.Leverage.Value}
		if szi < 0 {
			p.Side = ledger.SideSell
			p.Size = -szi
		}
		p.EntryPrice, _ = strconv.ParseFloat(ap.Position.EntryPx, 64)
		p.UnrealizedPnl, _ = strconv.ParseFloat(ap.Position.UnrealizedPnl, 64)
		p.LiquidationPrice, _ = strconv.ParseFloat(ap.Position.LiquidationPx, 64)
		result = append(result, p)
	}
	return result, nil
}

// OpenOrders lists resting orders for a coin
func (a *HyperliquidAdapter) OpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	var orders []struct {
		Coin      string `json:"coin"`
		Oid       int64  `json:"oid"`
		Side      string `json:"side"` // B = bid
		Sz        string `json:"sz"`
		LimitPx   string `json:"limitPx"`
		Cloid     string `json:"cloid"`
		OrderType string `json:"orderType"`
	}
	query := map[string]string{"type": "openOrders", "user": a.address}
	if err := a.info(ctx, query, &orders); err != nil {
		return nil, fmt.Errorf("open orders: %w", err)
	}

	var result []Order
	for _, o := range orders {
		if o.Coin != symbol {
			continue
		}
		side := ledger.SideSell
		if o.Side == "B" {
			side = ledger.SideBuy
		}
		ord := Order{
			OrderID:       strconv.FormatInt(o.Oid, 10),
			ClientOrderID: o.Cloid,
			Symbol:        o.Coin,
			Side:          side,
			Type:          o.OrderType,
			Status:        "open",
		}
		ord.Quantity, _ = strconv.ParseFloat(o.Sz, 64)
		ord.StopPrice, _ = strconv.ParseFloat(o.LimitPx, 64)
		result = append(result, ord)
	}
	return result, nil
}

// FillForOrder sums the user fills attributed to an order
func (a *HyperliquidAdapter) FillForOrder(ctx context.Context, symbol, orderID string) (*Fill, error) {
	oid, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("bad order id %q: %w", orderID, err)
	}

	var fills []struct {
		Coin string `json:"coin"`
		Px   string `json:"px"`
		Sz   string `json:"sz"`
		Oid  int64  `json:"oid"`
		Fee  string `json:"fee"`
		Time int64  `json:"time"`
	}
	query := map[string]string{"type": "userFills", "user": a.address}
	if err := a.info(ctx, query, &fills); err != nil {
		return nil, fmt.Errorf("user fills: %w", err)
	}

	fill := &Fill{OrderID: orderID, Symbol: symbol}
	var notional float64
	for _, f := range fills {
		if f.Oid != oid {
			continue
		}
		px, _ := strconv.ParseFloat(f.Px, 64)
		sz, _ := strconv.ParseFloat(f.Sz, 64)
		fee, _ := strconv.ParseFloat(f.Fee, 64)
		fill.Quantity += sz
		fill.FeeUsd += fee
		notional += px * sz
		if t := time.UnixMilli(f.Time); t.After(fill.Time) {
			fill.Time = t
		}
	}
	if fill.Quantity == 0 {
		return nil, nil
	}
	fill.AvgPrice = notional / fill.Quantity
	return fill, nil
}

// midPrice fetches the current mid for one coin
func (a *HyperliquidAdapter) midPrice(ctx context.Context, symbol string) (float64, error) {
	var mids map[string]string
	if err := a.info(ctx, map[string]string{"type": "allMids"}, &mids); err != nil {
		return 0, err
	}
	raw, ok := mids[symbol]
	if !ok {
		return 0, fmt.Errorf("no mid for %s", symbol)
	}
	return strconv.ParseFloat(raw, 64)
}

// formatHLPrice renders a price to 5 significant figures, capped at the
// decimal budget perps allow (6 minus size decimals)
func formatHLPrice(price float64, szDecimals int) string {
	maxDecimals := 6 - szDecimals
	if maxDecimals < 0 {
		maxDecimals = 0
	}
	s := strconv.FormatFloat(price, 'g', 5, 64)
	v, _ := strconv.ParseFloat(s, 64)
	out := strconv.FormatFloat(v, 'f', -1, 64)
	if dot := strings.IndexByte(out, '.'); dot != -1 && len(out)-dot-1 > maxDecimals {
		out = strconv.FormatFloat(v, 'f', maxDecimals, 64)
		out = strings.TrimRight(strings.TrimRight(out, "0"), ".")
	}
	return out
}
