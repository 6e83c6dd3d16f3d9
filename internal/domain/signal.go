package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// SignalAction is the direction a strategy wants to trade. Hold signals are
// rejected by the admission pipeline before any locking occurs.
type SignalAction string

const (
	SignalBuy  SignalAction = "buy"
	SignalSell SignalAction = "sell"
	SignalHold SignalAction = "hold"
)

// TradingSignal is produced by a strategy worker and consumed by the
// admission engine. The core never generates signals.
type TradingSignal struct {
	Symbol     string
	Action     SignalAction
	Confidence float64 // 0.0 - 1.0
	Source     string  // strategy name, for logging and audit
	CreatedAt  time.Time
}

// PriceTick is one price observation from the external feed. Ticks are
// untrusted input: the core checks recency before using them for
// mark-to-market or trigger evaluation.
type PriceTick struct {
	Symbol    string
	Price     decimal.Decimal
	Timestamp time.Time
}

// Stale reports whether the tick is older than maxAge relative to now.
func (t PriceTick) Stale(now time.Time, maxAge time.Duration) bool {
	return maxAge > 0 && now.Sub(t.Timestamp) > maxAge
}
