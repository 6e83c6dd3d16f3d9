package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/quantadyne/tradecore/internal/domain"
)

// priceEntry is the stored JSON document for one symbol.
type priceEntry struct {
	Price     string    `json:"price"`
	Timestamp time.Time `json:"ts"`
}

// PriceCache implements domain.PriceCache with one JSON value per symbol.
// The monitor mode and dashboards read it; the trading path never does.
type PriceCache struct {
	rdb       *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// NewPriceCache creates a PriceCache backed by the given Client. Entries
// expire after ttl; zero keeps them forever.
func NewPriceCache(c *Client, keyPrefix string, ttl time.Duration) *PriceCache {
	return &PriceCache{rdb: c.Underlying(), keyPrefix: keyPrefix, ttl: ttl}
}

func (p *PriceCache) key(symbol string) string {
	return p.keyPrefix + ":price:" + symbol
}

// SetPrice stores the latest price for a symbol.
func (p *PriceCache) SetPrice(ctx context.Context, symbol string, price decimal.Decimal, ts time.Time) error {
	body, err := json.Marshal(priceEntry{Price: price.String(), Timestamp: ts.UTC()})
	if err != nil {
		return fmt.Errorf("redis: marshal price for %s: %w", symbol, err)
	}
	if err := p.rdb.Set(ctx, p.key(symbol), body, p.ttl).Err(); err != nil {
		return fmt.Errorf("redis: set price for %s: %w", symbol, err)
	}
	return nil
}

// GetPrice returns the latest price and observation time for a symbol.
func (p *PriceCache) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, time.Time, error) {
	body, err := p.rdb.Get(ctx, p.key(symbol)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return decimal.Zero, time.Time{}, fmt.Errorf("redis: no price for %s", symbol)
		}
		return decimal.Zero, time.Time{}, fmt.Errorf("redis: get price for %s: %w", symbol, err)
	}
	var entry priceEntry
	if err := json.Unmarshal(body, &entry); err != nil {
		return decimal.Zero, time.Time{}, fmt.Errorf("redis: decode price for %s: %w", symbol, err)
	}
	price, err := decimal.NewFromString(entry.Price)
	if err != nil {
		return decimal.Zero, time.Time{}, fmt.Errorf("redis: parse price %q for %s: %w", entry.Price, symbol, err)
	}
	return price, entry.Timestamp, nil
}

var _ domain.PriceCache = (*PriceCache)(nil)
