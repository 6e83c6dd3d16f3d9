package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Sentinel errors for lookups and lifecycle misuse.
var (
	ErrPositionNotFound   = errors.New("position not found")
	ErrPositionClosed     = errors.New("position already closed")
	ErrReservationUnknown = errors.New("reservation not found")
	ErrOrderTerminal      = errors.New("order already in terminal state")
	ErrStaleTick          = errors.New("price tick too old")
)

// Severity classifies an error for the retry policy. Transient errors are
// eligible for bounded retry; fatal errors are returned to the caller
// immediately and must never be retried.
type Severity int

const (
	SeverityFatal Severity = iota
	SeverityTransient
)

// String returns the lowercase severity name.
func (s Severity) String() string {
	if s == SeverityTransient {
		return "transient"
	}
	return "fatal"
}

// Classified is implemented by every taxonomy error so callers can branch on
// severity without knowing the concrete variant.
type Classified interface {
	error
	Severity() Severity
}

// SeverityOf returns the severity of err. Errors outside the taxonomy are
// treated as fatal: only failures we positively know to be transient are
// retried.
func SeverityOf(err error) Severity {
	var c Classified
	if errors.As(err, &c) {
		return c.Severity()
	}
	return SeverityFatal
}

// LimitScope identifies which position cap was hit.
type LimitScope string

const (
	LimitPerSymbol LimitScope = "per_symbol"
	LimitTotal     LimitScope = "total"
)

// InsufficientBalanceError is returned when the portfolio cannot cover the
// requested notional. Required and Available are carried so the caller can
// resize without re-querying the accountant.
type InsufficientBalanceError struct {
	Required  decimal.Decimal
	Available decimal.Decimal
	Currency  string
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: required %s %s, available %s %s",
		e.Required.String(), e.Currency, e.Available.String(), e.Currency)
}

// Severity implements Classified. Balance shortfalls are a caller problem,
// never retried.
func (e *InsufficientBalanceError) Severity() Severity { return SeverityFatal }

// PositionLimitError is returned when opening a position would exceed the
// per-symbol or total position cap.
type PositionLimitError struct {
	Symbol  string
	Limit   int
	Current int
	Scope   LimitScope
}

func (e *PositionLimitError) Error() string {
	return fmt.Sprintf("position limit exceeded for %s: %s limit %d, current %d",
		e.Symbol, e.Scope, e.Limit, e.Current)
}

func (e *PositionLimitError) Severity() Severity { return SeverityFatal }

// OrderValidationError is returned by the admission pipeline for local,
// side-effect-free rejections (hold signals, low confidence, whitelist,
// undersized orders, malformed parameters).
type OrderValidationError struct {
	Symbol string
	Reason string
}

func (e *OrderValidationError) Error() string {
	return fmt.Sprintf("order validation failed for %s: %s", e.Symbol, e.Reason)
}

func (e *OrderValidationError) Severity() Severity { return SeverityFatal }

// RateLimitError is returned when the hourly or daily trade counter is
// exhausted. Window names the exhausted counter.
type RateLimitError struct {
	Window string
	Limit  int
	Count  int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("trade rate limit exceeded: %s limit %d, current %d",
		e.Window, e.Limit, e.Count)
}

func (e *RateLimitError) Severity() Severity { return SeverityFatal }

// ExchangeConnectionError is returned when order submission fails or times
// out at the transport level. Outage is how long the exchange has been
// unreachable when known.
type ExchangeConnectionError struct {
	Exchange string
	Outage   time.Duration
	Err      error
}

func (e *ExchangeConnectionError) Error() string {
	msg := fmt.Sprintf("exchange %s connection lost after %s", e.Exchange, e.Outage)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ExchangeConnectionError) Unwrap() error { return e.Err }

// Severity implements Classified. Connectivity failures are the only class
// eligible for bounded retry.
func (e *ExchangeConnectionError) Severity() Severity { return SeverityTransient }

// TraderUnavailableError is returned when the trading engine is not accepting
// signals (draining, kill switch, not yet wired).
type TraderUnavailableError struct {
	Reason string
}

func (e *TraderUnavailableError) Error() string {
	return fmt.Sprintf("trader unavailable: %s", e.Reason)
}

func (e *TraderUnavailableError) Severity() Severity { return SeverityTransient }

// InsufficientCandlesError is returned when a signal arrives before enough
// market history exists to price it.
type InsufficientCandlesError struct {
	Symbol string
	Have   int
	Need   int
}

func (e *InsufficientCandlesError) Error() string {
	return fmt.Sprintf("insufficient candles for %s: have %d, need %d", e.Symbol, e.Have, e.Need)
}

func (e *InsufficientCandlesError) Severity() Severity { return SeverityFatal }
