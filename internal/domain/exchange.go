package domain

import (
	"context"

	"github.com/google/uuid"
)

// ExchangeClient is the capability interface through which orders reach the
// exchange. The core depends only on this interface, never on a specific
// exchange's wire format. SubmitOrder is the only blocking, cancellable step
// in the execution pipeline.
type ExchangeClient interface {
	SubmitOrder(ctx context.Context, order Order) (FillConfirmation, error)
	CancelOrder(ctx context.Context, orderID uuid.UUID) error
}
