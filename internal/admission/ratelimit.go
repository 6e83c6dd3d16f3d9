package admission

import (
	"context"
	"sync"
	"time"

	"github.com/quantadyne/tradecore/internal/domain"
)

// WindowLimiter is the in-process implementation of domain.TradeRateLimiter:
// hourly and daily fill counters over a pruned timestamp list. Counters
// advance only on RecordFill, so rejected signals never consume budget.
type WindowLimiter struct {
	hourlyLimit int
	dailyLimit  int

	mu    sync.Mutex
	fills []time.Time

	now func() time.Time
}

// NewWindowLimiter creates a limiter with the given hourly and daily fill
// caps. A cap of zero disables that window.
func NewWindowLimiter(hourly, daily int) *WindowLimiter {
	return &WindowLimiter{
		hourlyLimit: hourly,
		dailyLimit:  daily,
		now:         time.Now,
	}
}

// Allowed returns nil when a trade may proceed, or a *domain.RateLimitError
// naming the exhausted window. It never consumes budget.
func (l *WindowLimiter) Allowed(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.prune(now)

	if l.hourlyLimit > 0 {
		n := l.countSince(now.Add(-time.Hour))
		if n >= l.hourlyLimit {
			return &domain.RateLimitError{Window: "hourly", Limit: l.hourlyLimit, Count: n}
		}
	}
	if l.dailyLimit > 0 {
		n := len(l.fills)
		if n >= l.dailyLimit {
			return &domain.RateLimitError{Window: "daily", Limit: l.dailyLimit, Count: n}
		}
	}
	return nil
}

// RecordFill counts one filled trade against both windows.
func (l *WindowLimiter) RecordFill(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.prune(now)
	l.fills = append(l.fills, now)
	return nil
}

// prune drops fills older than the daily window. Caller holds the lock.
func (l *WindowLimiter) prune(now time.Time) {
	cutoff := now.Add(-24 * time.Hour)
	i := 0
	for i < len(l.fills) && l.fills[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		l.fills = append(l.fills[:0], l.fills[i:]...)
	}
}

// countSince returns the number of fills at or after the cutoff. Caller
// holds the lock.
func (l *WindowLimiter) countSince(cutoff time.Time) int {
	n := 0
	for _, t := range l.fills {
		if !t.Before(cutoff) {
			n++
		}
	}
	return n
}

var _ domain.TradeRateLimiter = (*WindowLimiter)(nil)
