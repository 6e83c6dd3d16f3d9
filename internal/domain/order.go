package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderType identifies an order's pricing mode. Every order this core
// submits is a limit order: market intents are slippage-bounded into a
// capped price before they are built.
type OrderType string

const (
	OrderTypeLimit OrderType = "limit"
)

// OrderStatus tracks the order lifecycle. Filled, rejected, and cancelled are
// terminal; an order is never mutated after reaching one of them.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusRejected  OrderStatus = "rejected"
	OrderStatusCancelled OrderStatus = "cancelled"
)

// Order is a request to change exposure. Price is the slippage-bounded
// limit price.
type Order struct {
	ID        uuid.UUID
	Symbol    string
	Side      OrderSide
	Quantity  decimal.Decimal
	Price     *decimal.Decimal
	Type      OrderType
	Status    OrderStatus
	CreatedAt time.Time
	FilledAt  *time.Time
	FillPrice decimal.Decimal
}

// Terminal reports whether the order has reached a final state.
func (o *Order) Terminal() bool {
	switch o.Status {
	case OrderStatusFilled, OrderStatusRejected, OrderStatusCancelled:
		return true
	}
	return false
}

// Notional returns quantity * price using the limit price, or zero when the
// order is still unpriced.
func (o *Order) Notional() decimal.Decimal {
	if o.Price == nil {
		return decimal.Zero
	}
	return o.Quantity.Mul(*o.Price)
}

// FillConfirmation is the exchange's acknowledgement of a filled order.
type FillConfirmation struct {
	OrderID  uuid.UUID
	Price    decimal.Decimal
	Quantity decimal.Decimal
	FilledAt time.Time
}

// TradeFill is one row of trade history: a filled order together with the
// position it opened or closed and any realized PnL.
type TradeFill struct {
	ID          uuid.UUID
	OrderID     uuid.UUID
	PositionID  uuid.UUID
	Symbol      string
	Side        OrderSide
	Quantity    decimal.Decimal
	Price       decimal.Decimal
	RealizedPnL *decimal.Decimal
	ExecutedAt  time.Time
}
