package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and time filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// TradeStore persists trade history. The admission engine writes one row per
// fill; this is the durable-write obligation emitted at every accountant
// commit.
type TradeStore interface {
	InsertFill(ctx context.Context, fill TradeFill) error
	ListRecent(ctx context.Context, opts ListOpts) ([]TradeFill, error)
	ListBefore(ctx context.Context, before time.Time) ([]TradeFill, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log. Ledger opens/closes and
// accountant commits/rollbacks are logged here.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
