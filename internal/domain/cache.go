package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// TradeRateLimiter bounds how many trades the engine may execute per hour and
// per day. Allowed never consumes budget; counters advance only through
// RecordFill, so rejected signals are never penalized.
type TradeRateLimiter interface {
	// Allowed returns nil when a trade may proceed, or a *RateLimitError
	// naming the exhausted window.
	Allowed(ctx context.Context) error
	// RecordFill counts one successfully filled trade against both windows.
	RecordFill(ctx context.Context) error
}

// PriceCache stores the latest observed price per symbol for the reporting
// surfaces. It is advisory: the trading path carries prices explicitly.
type PriceCache interface {
	SetPrice(ctx context.Context, symbol string, price decimal.Decimal, ts time.Time) error
	GetPrice(ctx context.Context, symbol string) (decimal.Decimal, time.Time, error)
}

// BlobWriter uploads a serialized object to blob storage.
type BlobWriter interface {
	Put(ctx context.Context, key string, body []byte, contentType string) error
}
