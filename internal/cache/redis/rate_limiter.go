package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quantadyne/tradecore/internal/domain"
)

// TradeRateLimiter implements domain.TradeRateLimiter with shared hourly and
// daily fill counters, so multiple engine instances draw from one budget.
// Matching the in-process limiter, Allowed only reads; RecordFill is the
// only operation that consumes budget.
type TradeRateLimiter struct {
	rdb         *redis.Client
	keyPrefix   string
	hourlyLimit int
	dailyLimit  int
}

// NewTradeRateLimiter creates a limiter backed by the given Client. The key
// prefix isolates independent engines sharing one Redis.
func NewTradeRateLimiter(c *Client, keyPrefix string, hourly, daily int) *TradeRateLimiter {
	return &TradeRateLimiter{
		rdb:         c.Underlying(),
		keyPrefix:   keyPrefix,
		hourlyLimit: hourly,
		dailyLimit:  daily,
	}
}

func (l *TradeRateLimiter) hourKey(now time.Time) string {
	return fmt.Sprintf("%s:fills:hour:%s", l.keyPrefix, now.UTC().Format("2006010215"))
}

func (l *TradeRateLimiter) dayKey(now time.Time) string {
	return fmt.Sprintf("%s:fills:day:%s", l.keyPrefix, now.UTC().Format("20060102"))
}

// Allowed returns nil when a trade may proceed, or a *domain.RateLimitError
// naming the exhausted window.
func (l *TradeRateLimiter) Allowed(ctx context.Context) error {
	now := time.Now()
	vals, err := l.rdb.MGet(ctx, l.hourKey(now), l.dayKey(now)).Result()
	if err != nil {
		return fmt.Errorf("redis: rate limit read: %w", err)
	}

	hourly := parseCount(vals[0])
	daily := parseCount(vals[1])

	if l.hourlyLimit > 0 && hourly >= l.hourlyLimit {
		return &domain.RateLimitError{Window: "hourly", Limit: l.hourlyLimit, Count: hourly}
	}
	if l.dailyLimit > 0 && daily >= l.dailyLimit {
		return &domain.RateLimitError{Window: "daily", Limit: l.dailyLimit, Count: daily}
	}
	return nil
}

// RecordFill increments both window counters, setting expirations so stale
// windows clean themselves up.
func (l *TradeRateLimiter) RecordFill(ctx context.Context) error {
	now := time.Now()
	pipe := l.rdb.TxPipeline()
	pipe.Incr(ctx, l.hourKey(now))
	pipe.Expire(ctx, l.hourKey(now), 2*time.Hour)
	pipe.Incr(ctx, l.dayKey(now))
	pipe.Expire(ctx, l.dayKey(now), 48*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: rate limit record: %w", err)
	}
	return nil
}

func parseCount(v any) int {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	n := 0
	_, _ = fmt.Sscanf(s, "%d", &n)
	return n
}

var _ domain.TradeRateLimiter = (*TradeRateLimiter)(nil)
