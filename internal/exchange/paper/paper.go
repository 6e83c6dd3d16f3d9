// Package paper implements domain.ExchangeClient with simulated fills. It
// backs the paper run mode and the admission engine's tests; no network I/O
// is performed.
package paper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quantadyne/tradecore/internal/domain"
)

// Exchange fills every priced order at its limit price after an optional
// simulated latency.
type Exchange struct {
	latency time.Duration
	logger  *slog.Logger

	mu    sync.Mutex
	fills map[uuid.UUID]domain.FillConfirmation
}

// New creates a paper Exchange with the given simulated submission latency.
func New(latency time.Duration, logger *slog.Logger) *Exchange {
	return &Exchange{
		latency: latency,
		logger:  logger.With(slog.String("component", "paper_exchange")),
		fills:   make(map[uuid.UUID]domain.FillConfirmation),
	}
}

// SubmitOrder fills the order at its limit price. Unpriced orders are
// rejected: the admission engine bounds every market order before
// submission, so an unpriced order here is a pipeline bug.
func (e *Exchange) SubmitOrder(ctx context.Context, order domain.Order) (domain.FillConfirmation, error) {
	if order.Price == nil {
		return domain.FillConfirmation{}, &domain.OrderValidationError{
			Symbol: order.Symbol,
			Reason: "paper exchange requires a slippage-bounded price",
		}
	}
	if e.latency > 0 {
		select {
		case <-ctx.Done():
			return domain.FillConfirmation{}, ctx.Err()
		case <-time.After(e.latency):
		}
	}

	fill := domain.FillConfirmation{
		OrderID:  order.ID,
		Price:    *order.Price,
		Quantity: order.Quantity,
		FilledAt: time.Now().UTC(),
	}

	e.mu.Lock()
	e.fills[order.ID] = fill
	e.mu.Unlock()

	e.logger.DebugContext(ctx, "paper fill",
		slog.String("order_id", order.ID.String()),
		slog.String("symbol", order.Symbol),
		slog.String("price", fill.Price.String()),
		slog.String("quantity", fill.Quantity.String()),
	)
	return fill, nil
}

// CancelOrder is a no-op for known orders; paper fills are immediate so
// there is never anything in flight to cancel.
func (e *Exchange) CancelOrder(ctx context.Context, orderID uuid.UUID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.fills[orderID]; !ok {
		return fmt.Errorf("paper: unknown order %s", orderID)
	}
	return nil
}

// Fill returns the recorded fill for an order, for assertions in tests.
func (e *Exchange) Fill(orderID uuid.UUID) (domain.FillConfirmation, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	f, ok := e.fills[orderID]
	return f, ok
}

var _ domain.ExchangeClient = (*Exchange)(nil)
