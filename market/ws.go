package market

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	hyperliquidWSMainnet = "wss://api.hyperliquid.xyz/ws"
	hyperliquidWSTestnet = "wss://api.hyperliquid-testnet.xyz/ws"

	// midStaleAfter snapshots older than this are refused rather than served
	midStaleAfter = 30 * time.Second
)

// HyperliquidFeed streams mid prices for every coin over the allMids
// websocket channel and serves them as snapshots. Reconnects with backoff;
// while disconnected, stale data ages out into ErrUnavailable instead of
// silently feeding old prices to the evaluator.
type HyperliquidFeed struct {
	url string

	mu      sync.RWMutex
	mids    map[string]float64
	updated time.Time

	stopChan  chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewHyperliquidFeed creates the feed without connecting
func NewHyperliquidFeed(testnet bool) *HyperliquidFeed {
	url := hyperliquidWSMainnet
	if testnet {
		url = hyperliquidWSTestnet
	}
	return &HyperliquidFeed{
		url:      url,
		mids:     make(map[string]float64),
		stopChan: make(chan struct{}),
	}
}

// Start launches the connect/read loop
func (f *HyperliquidFeed) Start() {
	f.startOnce.Do(func() {
		go f.run()
	})
}

// Stop closes the feed
func (f *HyperliquidFeed) Stop() {
	f.stopOnce.Do(func() {
		close(f.stopChan)
	})
}

// GetSnapshot serves the last streamed mid. Funding is not carried on this
// channel, so snapshots report price only.
func (f *HyperliquidFeed) GetSnapshot(_ context.Context, symbol string) (Snapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	price, ok := f.mids[symbol]
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %s: no mid streamed yet", ErrUnavailable, symbol)
	}
	if time.Since(f.updated) > midStaleAfter {
		return Snapshot{}, fmt.Errorf("%w: %s: feed stale for %s", ErrUnavailable, symbol, time.Since(f.updated).Round(time.Second))
	}
	return Snapshot{Symbol: symbol, Price: price, Timestamp: f.updated}, nil
}

func (f *HyperliquidFeed) run() {
	delay := time.Second
	for {
		select {
		case <-f.stopChan:
			return
		default:
		}

		if err := f.connectAndRead(); err != nil {
			log.Printf("⚠️  Hyperliquid feed disconnected: %v (reconnecting in %s)", err, delay)
		}

		select {
		case <-f.stopChan:
			return
		case <-time.After(delay):
		}
		if delay < 30*time.Second {
			delay *= 2
		}
	}
}

func (f *HyperliquidFeed) connectAndRead() error {
	conn, _, err := websocket.DefaultDialer.Dial(f.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", f.url, err)
	}
	defer conn.Close()

	sub := map[string]interface{}{
		"method":       "subscribe",
		"subscription": map[string]string{"type": "allMids"},
	}
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("subscribe allMids: %w", err)
	}
	log.Printf("✓ Hyperliquid mid-price feed connected")

	for {
		select {
		case <-f.stopChan:
			return nil
		default:
		}

		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		var msg struct {
			Channel string `json:"channel"`
			Data    struct {
				Mids map[string]string `json:"mids"`
			} `json:"data"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if msg.Channel != "allMids" {
			continue
		}

		f.mu.Lock()
		for coin, raw := range msg.Data.Mids {
			if price, err := strconv.ParseFloat(raw, 64); err == nil && price > 0 {
				f.mids[coin] = price
			}
		}
		f.updated = time.Now()
		f.mu.Unlock()
	}
}
