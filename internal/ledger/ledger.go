// Package ledger owns the set of open and closed positions. It enforces
// per-position invariants and position caps, computes PnL, and provides the
// read surfaces the accountant and reporting layers build on.
//
// Concurrency contract: reads never block each other; a write (open/close)
// excludes other writes to the same symbol but not reads or writes on other
// symbols. Within one symbol, opens and closes are totally ordered.
package ledger

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/quantadyne/tradecore/internal/domain"
	"github.com/quantadyne/tradecore/internal/lockorder"
)

// Config holds the ledger's position caps.
type Config struct {
	MaxPerSymbol      int
	MaxTotalPositions int
}

// Ledger tracks positions. The per-symbol mutexes serialize writers of one
// symbol (lock name "ledger_symbol"); the state RWMutex guards the shared
// maps (lock name "ledger_state") and is held only for bounded in-memory
// work.
type Ledger struct {
	cfg    Config
	audit  domain.AuditStore
	logger *slog.Logger

	symMuGuard sync.Mutex
	symMu      map[string]*sync.Mutex

	mu           sync.RWMutex
	positions    map[uuid.UUID]*domain.Position
	openBySymbol map[string]int
	openTotal    int
}

// New creates a Ledger. The validator is consulted once for the ledger's own
// symbol-then-state acquisition order; a DAG that forbids it is a wiring
// error surfaced at startup. audit may be nil.
func New(cfg Config, validator *lockorder.Validator, audit domain.AuditStore, logger *slog.Logger) (*Ledger, error) {
	if err := validator.ValidateOrder([]lockorder.LockName{
		lockorder.LockLedgerSymbol,
		lockorder.LockLedgerState,
	}); err != nil {
		return nil, err
	}
	return &Ledger{
		cfg:          cfg,
		audit:        audit,
		logger:       logger.With(slog.String("component", "ledger")),
		symMu:        make(map[string]*sync.Mutex),
		positions:    make(map[uuid.UUID]*domain.Position),
		openBySymbol: make(map[string]int),
	}, nil
}

// symbolLock returns the write mutex for a symbol, creating it on first use.
func (l *Ledger) symbolLock(symbol string) *sync.Mutex {
	l.symMuGuard.Lock()
	defer l.symMuGuard.Unlock()
	mu, ok := l.symMu[symbol]
	if !ok {
		mu = &sync.Mutex{}
		l.symMu[symbol] = mu
	}
	return mu
}

// OpenRequest carries the parameters for opening a position.
type OpenRequest struct {
	Symbol     string
	Side       domain.PositionSide
	Quantity   decimal.Decimal
	EntryPrice decimal.Decimal
	StopLoss   *decimal.Decimal
	TakeProfit *decimal.Decimal
}

// Open atomically creates a new open position. It fails with
// *domain.PositionLimitError when the per-symbol or total cap would be
// violated, and with *domain.OrderValidationError on invalid parameters. The
// cap check and the insert happen under the same locks, so concurrent opens
// can never overshoot a cap.
func (l *Ledger) Open(ctx context.Context, req OpenRequest) (uuid.UUID, error) {
	pos := &domain.Position{
		ID:            uuid.New(),
		Symbol:        req.Symbol,
		Side:          req.Side,
		Quantity:      req.Quantity,
		EntryPrice:    req.EntryPrice,
		CurrentPrice:  req.EntryPrice,
		UnrealizedPnL: decimal.Zero,
		StopLoss:      req.StopLoss,
		TakeProfit:    req.TakeProfit,
		Status:        domain.PositionStatusOpen,
		OpenedAt:      time.Now().UTC(),
	}
	if err := pos.Validate(); err != nil {
		return uuid.Nil, err
	}

	symMu := l.symbolLock(req.Symbol)
	symMu.Lock()
	defer symMu.Unlock()

	l.mu.Lock()
	if l.cfg.MaxTotalPositions > 0 && l.openTotal >= l.cfg.MaxTotalPositions {
		current := l.openTotal
		l.mu.Unlock()
		return uuid.Nil, &domain.PositionLimitError{
			Symbol:  req.Symbol,
			Limit:   l.cfg.MaxTotalPositions,
			Current: current,
			Scope:   domain.LimitTotal,
		}
	}
	if l.cfg.MaxPerSymbol > 0 && l.openBySymbol[req.Symbol] >= l.cfg.MaxPerSymbol {
		current := l.openBySymbol[req.Symbol]
		l.mu.Unlock()
		return uuid.Nil, &domain.PositionLimitError{
			Symbol:  req.Symbol,
			Limit:   l.cfg.MaxPerSymbol,
			Current: current,
			Scope:   domain.LimitPerSymbol,
		}
	}
	l.positions[pos.ID] = pos
	l.openBySymbol[req.Symbol]++
	l.openTotal++
	l.mu.Unlock()

	l.auditLog(ctx, "position_opened", map[string]any{
		"position_id": pos.ID.String(),
		"symbol":      pos.Symbol,
		"side":        string(pos.Side),
		"quantity":    pos.Quantity.String(),
		"entry_price": pos.EntryPrice.String(),
	})
	l.logger.InfoContext(ctx, "position opened",
		slog.String("position_id", pos.ID.String()),
		slog.String("symbol", pos.Symbol),
		slog.String("side", string(pos.Side)),
		slog.String("quantity", pos.Quantity.String()),
		slog.String("entry_price", pos.EntryPrice.String()),
	)
	return pos.ID, nil
}

// Close transitions an open position to closed at exitPrice and returns the
// realized PnL: (exit - entry) * quantity for long, negated for short. It
// returns domain.ErrPositionNotFound for unknown IDs and
// domain.ErrPositionClosed when the position is already closed.
func (l *Ledger) Close(ctx context.Context, id uuid.UUID, exitPrice decimal.Decimal) (decimal.Decimal, error) {
	l.mu.RLock()
	pos, ok := l.positions[id]
	if !ok {
		l.mu.RUnlock()
		return decimal.Zero, domain.ErrPositionNotFound
	}
	symbol := pos.Symbol
	l.mu.RUnlock()

	symMu := l.symbolLock(symbol)
	symMu.Lock()
	defer symMu.Unlock()

	l.mu.Lock()
	pos, ok = l.positions[id]
	if !ok {
		l.mu.Unlock()
		return decimal.Zero, domain.ErrPositionNotFound
	}
	if pos.Status != domain.PositionStatusOpen {
		l.mu.Unlock()
		return decimal.Zero, domain.ErrPositionClosed
	}

	realized := pos.PnLAt(exitPrice)
	now := time.Now().UTC()
	pos.Status = domain.PositionStatusClosed
	pos.ClosedAt = &now
	pos.ExitPrice = &exitPrice
	pos.CurrentPrice = exitPrice
	pos.RealizedPnL = realized
	pos.UnrealizedPnL = decimal.Zero
	l.openBySymbol[symbol]--
	l.openTotal--
	l.mu.Unlock()

	l.auditLog(ctx, "position_closed", map[string]any{
		"position_id":  id.String(),
		"symbol":       symbol,
		"exit_price":   exitPrice.String(),
		"realized_pnl": realized.String(),
	})
	l.logger.InfoContext(ctx, "position closed",
		slog.String("position_id", id.String()),
		slog.String("symbol", symbol),
		slog.String("exit_price", exitPrice.String()),
		slog.String("realized_pnl", realized.String()),
	)
	return realized, nil
}

// MarkPrice updates current price and unrealized PnL for every open position
// on the symbol.
func (l *Ledger) MarkPrice(ctx context.Context, symbol string, price decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, pos := range l.positions {
		if pos.Symbol != symbol || pos.Status != domain.PositionStatusOpen {
			continue
		}
		pos.CurrentPrice = price
		pos.UnrealizedPnL = pos.PnLAt(price)
	}
}

// CheckTriggers returns the IDs of open positions on the symbol whose
// stop-loss or take-profit is breached at price. It is side-effect-free;
// closing happens through Close, so trigger scans never hold a write lock.
func (l *Ledger) CheckTriggers(symbol string, price decimal.Decimal) []uuid.UUID {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var hit []uuid.UUID
	for id, pos := range l.positions {
		if pos.Symbol == symbol && pos.Triggered(price) {
			hit = append(hit, id)
		}
	}
	return hit
}

// Count returns the number of open positions for the symbol, or across all
// symbols when symbol is empty.
func (l *Ledger) Count(symbol string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if symbol == "" {
		return l.openTotal
	}
	return l.openBySymbol[symbol]
}

// Get returns a copy of the position with the given ID.
func (l *Ledger) Get(id uuid.UUID) (domain.Position, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	pos, ok := l.positions[id]
	if !ok {
		return domain.Position{}, domain.ErrPositionNotFound
	}
	return *pos, nil
}

// OpenPositions returns copies of every open position.
func (l *Ledger) OpenPositions() []domain.Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]domain.Position, 0, l.openTotal)
	for _, pos := range l.positions {
		if pos.Status == domain.PositionStatusOpen {
			out = append(out, *pos)
		}
	}
	return out
}

// OldestOpen returns a copy of the oldest open position on the symbol with
// the given side, if any.
func (l *Ledger) OldestOpen(symbol string, side domain.PositionSide) (domain.Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var oldest *domain.Position
	for _, pos := range l.positions {
		if pos.Symbol != symbol || pos.Side != side || pos.Status != domain.PositionStatusOpen {
			continue
		}
		if oldest == nil || pos.OpenedAt.Before(oldest.OpenedAt) {
			oldest = pos
		}
	}
	if oldest == nil {
		return domain.Position{}, false
	}
	return *oldest, true
}

// OpenNotional returns the sum of quantity * current_price over all open
// positions. The accountant uses it for the total-value invariant.
func (l *Ledger) OpenNotional() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	total := decimal.Zero
	for _, pos := range l.positions {
		if pos.Status == domain.PositionStatusOpen {
			total = total.Add(pos.MarketValue())
		}
	}
	return total
}

// UnrealizedPnL returns the sum of unrealized PnL over all open positions.
func (l *Ledger) UnrealizedPnL() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	total := decimal.Zero
	for _, pos := range l.positions {
		if pos.Status == domain.PositionStatusOpen {
			total = total.Add(pos.UnrealizedPnL)
		}
	}
	return total
}

func (l *Ledger) auditLog(ctx context.Context, event string, detail map[string]any) {
	if l.audit == nil {
		return
	}
	if err := l.audit.Log(ctx, event, detail); err != nil {
		l.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
