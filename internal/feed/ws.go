// Package feed connects to an external price feed over WebSocket and hands
// validated ticks to the core. Ticks are untrusted input: stale or malformed
// messages are dropped before they reach mark-to-market or trigger
// evaluation.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/quantadyne/tradecore/internal/domain"
)

// TickHandler is called for each accepted price tick.
type TickHandler func(ctx context.Context, tick domain.PriceTick)

// wireTick is the feed's wire format.
type wireTick struct {
	Symbol    string `json:"symbol"`
	Price     string `json:"price"`
	Timestamp int64  `json:"ts"` // unix milliseconds
}

// WSFeed subscribes to price ticks for a set of symbols and invokes the
// handler on each one. It reconnects with a fixed backoff on disconnect.
type WSFeed struct {
	url       string
	symbols   []string
	maxAge    time.Duration
	handler   TickHandler
	logger    *slog.Logger
	closeOnce sync.Once
	done      chan struct{}
}

// NewWSFeed creates a feed for the given symbols. Ticks older than maxAge
// are dropped; zero disables the recency check.
func NewWSFeed(url string, symbols []string, maxAge time.Duration, handler TickHandler, logger *slog.Logger) *WSFeed {
	return &WSFeed{
		url:     url,
		symbols: symbols,
		maxAge:  maxAge,
		handler: handler,
		logger:  logger.With(slog.String("component", "price_feed")),
		done:    make(chan struct{}),
	}
}

// Run connects, subscribes, and processes ticks until the context is
// cancelled or Close is called.
func (f *WSFeed) Run(ctx context.Context) error {
	if len(f.symbols) == 0 {
		f.logger.Info("no symbols to subscribe, exiting")
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.done:
			return nil
		default:
		}

		if err := f.runConnection(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			f.logger.Warn("feed disconnected, reconnecting", slog.String("error", err.Error()))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.done:
			return nil
		case <-time.After(2 * time.Second):
		}
	}
}

func (f *WSFeed) runConnection(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, f.url, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("feed: dial %s: %w", f.url, err)
	}
	defer conn.Close()

	sub := map[string]any{"op": "subscribe", "symbols": f.symbols}
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("feed: subscribe: %w", err)
	}
	f.logger.Info("feed subscribed", slog.Int("symbols", len(f.symbols)))

	// Close the connection when the context ends so ReadMessage unblocks.
	readDone := make(chan struct{})
	defer close(readDone)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-f.done:
			_ = conn.Close()
		case <-readDone:
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("feed: read: %w", err)
		}
		tick, err := f.parse(msg)
		if err != nil {
			f.logger.Warn("dropping tick", slog.String("error", err.Error()))
			continue
		}
		f.handler(ctx, tick)
	}
}

// parse decodes and validates one wire message.
func (f *WSFeed) parse(msg []byte) (domain.PriceTick, error) {
	var wt wireTick
	if err := json.Unmarshal(msg, &wt); err != nil {
		return domain.PriceTick{}, fmt.Errorf("feed: decode tick: %w", err)
	}
	if wt.Symbol == "" {
		return domain.PriceTick{}, fmt.Errorf("feed: tick without symbol")
	}
	price, err := decimal.NewFromString(wt.Price)
	if err != nil {
		return domain.PriceTick{}, fmt.Errorf("feed: parse price %q: %w", wt.Price, err)
	}
	if !price.IsPositive() {
		return domain.PriceTick{}, fmt.Errorf("feed: non-positive price %s for %s", price, wt.Symbol)
	}
	tick := domain.PriceTick{
		Symbol:    wt.Symbol,
		Price:     price,
		Timestamp: time.UnixMilli(wt.Timestamp).UTC(),
	}
	if tick.Stale(time.Now().UTC(), f.maxAge) {
		return domain.PriceTick{}, fmt.Errorf("feed: %s tick from %s: %w", wt.Symbol, tick.Timestamp, domain.ErrStaleTick)
	}
	return tick, nil
}

// Close stops the feed.
func (f *WSFeed) Close() {
	f.closeOnce.Do(func() { close(f.done) })
}
