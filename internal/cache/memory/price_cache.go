// Package memory provides in-process cache implementations used when Redis
// is not configured.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantadyne/tradecore/internal/domain"
)

type priceEntry struct {
	price decimal.Decimal
	ts    time.Time
}

// PriceCache implements domain.PriceCache with a mutex-guarded map.
type PriceCache struct {
	mu      sync.RWMutex
	entries map[string]priceEntry
}

// NewPriceCache creates an empty PriceCache.
func NewPriceCache() *PriceCache {
	return &PriceCache{entries: make(map[string]priceEntry)}
}

// SetPrice stores the latest price for a symbol.
func (p *PriceCache) SetPrice(_ context.Context, symbol string, price decimal.Decimal, ts time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries[symbol] = priceEntry{price: price, ts: ts}
	return nil
}

// GetPrice returns the latest price and observation time for a symbol.
func (p *PriceCache) GetPrice(_ context.Context, symbol string) (decimal.Decimal, time.Time, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	entry, ok := p.entries[symbol]
	if !ok {
		return decimal.Zero, time.Time{}, fmt.Errorf("memory: no price for %s", symbol)
	}
	return entry.price, entry.ts, nil
}

var _ domain.PriceCache = (*PriceCache)(nil)
