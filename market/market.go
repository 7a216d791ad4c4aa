// Package market provides point-in-time market snapshots for the trade
// monitor: last/mark price, funding rate when the source reports one, and
// the source timestamp.
package market

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/futures"
)

// ErrUnavailable market data could not be fetched for a symbol. Non-fatal:
// the monitor skips that symbol for the tick and logs it.
var ErrUnavailable = errors.New("market data unavailable")

// Snapshot one observation of a symbol
type Snapshot struct {
	Symbol      string    `json:"symbol"`
	Price       float64   `json:"price"`
	FundingRate *float64  `json:"funding_rate,omitempty"` // per funding interval, when reported
	Timestamp   time.Time `json:"timestamp"`
}

// Client market snapshot source
type Client interface {
	GetSnapshot(ctx context.Context, symbol string) (Snapshot, error)
}

// BinanceClient fetches mark price and funding from the Binance futures
// premium index endpoint, with a short TTL cache so one tick fanning out
// over many envelopes on the same symbol costs one API call.
type BinanceClient struct {
	client *futures.Client

	cache      map[string]Snapshot
	cacheMutex sync.RWMutex
	cacheTTL   time.Duration

	timeout time.Duration
}

// NewBinanceClient creates a public market data client (no API keys needed)
func NewBinanceClient() *BinanceClient {
	return &BinanceClient{
		client:   futures.NewClient("", ""),
		cache:    make(map[string]Snapshot),
		cacheTTL: 5 * time.Second,
		timeout:  10 * time.Second,
	}
}

// GetSnapshot returns the latest mark price and funding rate for a symbol
func (c *BinanceClient) GetSnapshot(ctx context.Context, symbol string) (Snapshot, error) {
	c.cacheMutex.RLock()
	if snap, ok := c.cache[symbol]; ok && time.Since(snap.Timestamp) < c.cacheTTL {
		c.cacheMutex.RUnlock()
		return snap, nil
	}
	c.cacheMutex.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	premium, err := c.client.NewPremiumIndexService().Symbol(symbol).Do(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: %s: %v", ErrUnavailable, symbol, err)
	}
	if len(premium) == 0 {
		return Snapshot{}, fmt.Errorf("%w: %s: empty premium index", ErrUnavailable, symbol)
	}

	price, err := strconv.ParseFloat(premium[0].MarkPrice, 64)
	if err != nil || price <= 0 {
		return Snapshot{}, fmt.Errorf("%w: %s: bad mark price %q", ErrUnavailable, symbol, premium[0].MarkPrice)
	}

	snap := Snapshot{
		Symbol:    symbol,
		Price:     price,
		Timestamp: time.Now(),
	}
	if rate, err := strconv.ParseFloat(premium[0].LastFundingRate, 64); err == nil {
		snap.FundingRate = &rate
	}

	c.cacheMutex.Lock()
	c.cache[symbol] = snap
	c.cacheMutex.Unlock()

	return snap, nil
}

// StaticClient serves snapshots from a fixed table. Used by tests and by the
// paper venue.
type StaticClient struct {
	mu     sync.RWMutex
	prices map[string]float64
}

// NewStaticClient creates a static price table client
func NewStaticClient(prices map[string]float64) *StaticClient {
	if prices == nil {
		prices = make(map[string]float64)
	}
	return &StaticClient{prices: prices}
}

// SetPrice updates one symbol's price
func (c *StaticClient) SetPrice(symbol string, price float64) {
	c.mu.Lock()
	c.prices[symbol] = price
	c.mu.Unlock()
}

// GetSnapshot returns the configured price, or ErrUnavailable
func (c *StaticClient) GetSnapshot(_ context.Context, symbol string) (Snapshot, error) {
	c.mu.RLock()
	price, ok := c.prices[symbol]
	c.mu.RUnlock()
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrUnavailable, symbol)
	}
	return Snapshot{Symbol: symbol, Price: price, Timestamp: time.Now()}, nil
}
