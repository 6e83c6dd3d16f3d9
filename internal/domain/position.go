package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PositionSide is the direction of a position's exposure.
type PositionSide string

const (
	SideLong  PositionSide = "long"
	SideShort PositionSide = "short"
)

// PositionStatus tracks whether a position is open or closed.
type PositionStatus string

const (
	PositionStatusOpen   PositionStatus = "open"
	PositionStatusClosed PositionStatus = "closed"
)

// Position represents one open or closed directional exposure to a symbol.
// Positions are owned exclusively by the ledger; other components observe
// copies through ledger and accountant APIs and never mutate them directly.
type Position struct {
	ID            uuid.UUID
	Symbol        string
	Side          PositionSide
	Quantity      decimal.Decimal
	EntryPrice    decimal.Decimal
	CurrentPrice  decimal.Decimal
	UnrealizedPnL decimal.Decimal
	RealizedPnL   decimal.Decimal
	StopLoss      *decimal.Decimal
	TakeProfit    *decimal.Decimal
	Status        PositionStatus
	OpenedAt      time.Time
	ClosedAt      *time.Time
	ExitPrice     *decimal.Decimal
}

// MarketValue returns quantity * current_price, the position's contribution
// to portfolio total value.
func (p *Position) MarketValue() decimal.Decimal {
	return p.Quantity.Mul(p.CurrentPrice)
}

// PnLAt computes the profit of exiting at the given price: for long
// (price - entry) * quantity, negated for short.
func (p *Position) PnLAt(price decimal.Decimal) decimal.Decimal {
	pnl := price.Sub(p.EntryPrice).Mul(p.Quantity)
	if p.Side == SideShort {
		pnl = pnl.Neg()
	}
	return pnl
}

// Triggered reports whether price breaches the position's stop-loss or
// take-profit level.
func (p *Position) Triggered(price decimal.Decimal) bool {
	if p.Status != PositionStatusOpen {
		return false
	}
	switch p.Side {
	case SideLong:
		if p.StopLoss != nil && price.LessThanOrEqual(*p.StopLoss) {
			return true
		}
		if p.TakeProfit != nil && price.GreaterThanOrEqual(*p.TakeProfit) {
			return true
		}
	case SideShort:
		if p.StopLoss != nil && price.GreaterThanOrEqual(*p.StopLoss) {
			return true
		}
		if p.TakeProfit != nil && price.LessThanOrEqual(*p.TakeProfit) {
			return true
		}
	}
	return false
}

// Validate checks the per-position invariants: quantity and entry price
// strictly positive, stop/take levels on the correct side of entry, and the
// closed_at timestamp present exactly when the position is closed.
func (p *Position) Validate() error {
	if p.Symbol == "" {
		return &OrderValidationError{Symbol: p.Symbol, Reason: "empty symbol"}
	}
	if p.Side != SideLong && p.Side != SideShort {
		return &OrderValidationError{Symbol: p.Symbol, Reason: fmt.Sprintf("invalid side %q", p.Side)}
	}
	if !p.Quantity.IsPositive() {
		return &OrderValidationError{Symbol: p.Symbol, Reason: "quantity must be positive"}
	}
	if !p.EntryPrice.IsPositive() {
		return &OrderValidationError{Symbol: p.Symbol, Reason: "entry price must be positive"}
	}
	switch p.Side {
	case SideLong:
		if p.StopLoss != nil && !p.StopLoss.LessThan(p.EntryPrice) {
			return &OrderValidationError{Symbol: p.Symbol, Reason: "long stop loss must be below entry price"}
		}
		if p.TakeProfit != nil && p.TakeProfit.LessThan(p.EntryPrice) {
			return &OrderValidationError{Symbol: p.Symbol, Reason: "long take profit must be at or above entry price"}
		}
	case SideShort:
		if p.StopLoss != nil && !p.StopLoss.GreaterThan(p.EntryPrice) {
			return &OrderValidationError{Symbol: p.Symbol, Reason: "short stop loss must be above entry price"}
		}
		if p.TakeProfit != nil && p.TakeProfit.GreaterThan(p.EntryPrice) {
			return &OrderValidationError{Symbol: p.Symbol, Reason: "short take profit must be at or below entry price"}
		}
	}
	closed := p.Status == PositionStatusClosed
	if closed != (p.ClosedAt != nil) {
		return &OrderValidationError{Symbol: p.Symbol, Reason: "closed_at must be set exactly when status is closed"}
	}
	return nil
}
