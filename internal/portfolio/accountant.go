// Package portfolio owns aggregate cash and total value. Every mutation runs
// through a two-phase reserve/commit/rollback protocol so that a caller
// failing between reserve and commit leaves the portfolio exactly as it was.
// The accountant is the single source of truth for "can we afford this".
package portfolio

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/quantadyne/tradecore/internal/domain"
	"github.com/quantadyne/tradecore/internal/lockorder"
)

// PositionBook is the read surface the accountant needs from the ledger to
// enforce the total-value and position-cap invariants.
type PositionBook interface {
	OpenPositions() []domain.Position
	Count(symbol string) int
}

// Config holds the accountant's initial cash and position caps.
type Config struct {
	StartingCash      decimal.Decimal
	Currency          string
	MaxPerSymbol      int
	MaxTotalPositions int
}

// Reservation is a staged, not-yet-committed claim against portfolio
// capacity. It is consumed exactly once, by Commit or Rollback; consuming it
// twice is a protocol violation and panics.
type Reservation struct {
	id            uuid.UUID
	symbol        string
	notional      decimal.Decimal
	opensPosition bool
	createdAt     time.Time
	consumed      atomic.Bool
}

// ID returns the reservation's unique ID.
func (r *Reservation) ID() uuid.UUID { return r.id }

// Symbol returns the symbol the reservation was made for.
func (r *Reservation) Symbol() string { return r.symbol }

// Notional returns the cash amount held by the reservation.
func (r *Reservation) Notional() decimal.Decimal { return r.notional }

// Snapshot is a consistent point-in-time view of the portfolio. Readers see
// either the pre- or post-commit state of any mutation, never an
// intermediate one.
type Snapshot struct {
	AvailableCash decimal.Decimal
	Reserved      decimal.Decimal
	TotalValue    decimal.Decimal
	OpenPositions []domain.Position
	TakenAt       time.Time
}

// Accountant enforces the portfolio invariants: non-negative cash, exact
// total-value accounting, and position caps. Its RWMutex is the lock named
// "accountant" in the acquisition DAG; it is taken before any ledger lock,
// never after.
type Accountant struct {
	cfg    Config
	book   PositionBook
	audit  domain.AuditStore
	logger *slog.Logger

	mu              sync.RWMutex
	cash            decimal.Decimal
	reserved        decimal.Decimal
	pendingBySymbol map[string]int
	pendingTotal    int
	outstanding     map[uuid.UUID]*Reservation
}

// New creates an Accountant with the given starting cash. The validator is
// consulted for the accountant-then-ledger acquisition order used by Commit
// and Snapshot. audit may be nil.
func New(cfg Config, book PositionBook, validator *lockorder.Validator, audit domain.AuditStore, logger *slog.Logger) (*Accountant, error) {
	if err := validator.ValidateOrder([]lockorder.LockName{
		lockorder.LockAccountant,
		lockorder.LockLedgerState,
	}); err != nil {
		return nil, err
	}
	if cfg.StartingCash.IsNegative() {
		return nil, &domain.InsufficientBalanceError{
			Required:  decimal.Zero,
			Available: cfg.StartingCash,
			Currency:  cfg.Currency,
		}
	}
	return &Accountant{
		cfg:             cfg,
		book:            book,
		audit:           audit,
		logger:          logger.With(slog.String("component", "accountant")),
		cash:            cfg.StartingCash,
		pendingBySymbol: make(map[string]int),
		outstanding:     make(map[uuid.UUID]*Reservation),
	}, nil
}

// ValidateAndReserve checks the portfolio invariants against the prospective
// post-state without mutating committed state, and on success returns a
// reservation holding notional cash (and, when opensPosition is true, one
// position slot for the symbol). Concurrent reservations are counted, so two
// workers can never jointly oversubscribe cash or position slots.
func (a *Accountant) ValidateAndReserve(ctx context.Context, symbol string, notional decimal.Decimal, opensPosition bool) (*Reservation, error) {
	if notional.IsNegative() {
		return nil, &domain.OrderValidationError{Symbol: symbol, Reason: "negative order notional"}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	available := a.cash.Sub(a.reserved)
	if notional.GreaterThan(available) {
		return nil, &domain.InsufficientBalanceError{
			Required:  notional,
			Available: available,
			Currency:  a.cfg.Currency,
		}
	}
	if opensPosition {
		// book reads take the ledger state lock while the accountant lock is
		// held, which the DAG permits (accountant -> ledger_state).
		perSymbol := a.book.Count(symbol) + a.pendingBySymbol[symbol]
		if a.cfg.MaxPerSymbol > 0 && perSymbol >= a.cfg.MaxPerSymbol {
			return nil, &domain.PositionLimitError{
				Symbol:  symbol,
				Limit:   a.cfg.MaxPerSymbol,
				Current: perSymbol,
				Scope:   domain.LimitPerSymbol,
			}
		}
		total := a.book.Count("") + a.pendingTotal
		if a.cfg.MaxTotalPositions > 0 && total >= a.cfg.MaxTotalPositions {
			return nil, &domain.PositionLimitError{
				Symbol:  symbol,
				Limit:   a.cfg.MaxTotalPositions,
				Current: total,
				Scope:   domain.LimitTotal,
			}
		}
	}

	res := &Reservation{
		id:            uuid.New(),
		symbol:        symbol,
		notional:      notional,
		opensPosition: opensPosition,
		createdAt:     time.Now().UTC(),
	}
	a.outstanding[res.id] = res
	a.reserved = a.reserved.Add(notional)
	if opensPosition {
		a.pendingBySymbol[symbol]++
		a.pendingTotal++
	}

	a.logger.DebugContext(ctx, "reservation created",
		slog.String("reservation_id", res.id.String()),
		slog.String("symbol", symbol),
		slog.String("notional", notional.String()),
	)
	return res, nil
}

// Commit applies a reserved mutation. apply runs under the accountant's
// write lock and performs the paired ledger mutation, returning the cash
// delta to apply (negative for an open's debit, positive for a close's
// proceeds). If apply fails the reservation stays outstanding and committed
// state is untouched; the caller's rollback then releases it.
//
// The cash invariant is re-asserted after the mutation. A violation at that
// point means a reservation was bypassed; the accounting state can no longer
// be trusted and the process must not keep trading on it.
func (a *Accountant) Commit(ctx context.Context, res *Reservation, apply func(ctx context.Context) (decimal.Decimal, error)) error {
	delta, newCash, err := a.commitLocked(ctx, res, apply)
	if err != nil {
		return err
	}

	// The audit write may hit a database; it runs after the lock is released
	// so a slow audit backend never stalls reservations or snapshots.
	a.auditLog(ctx, "accountant_commit", map[string]any{
		"reservation_id": res.id.String(),
		"symbol":         res.symbol,
		"cash_delta":     delta.String(),
		"cash_after":     newCash.String(),
	})
	return nil
}

// commitLocked applies the mutation under the write lock and returns the cash
// delta and resulting balance for the audit trail.
func (a *Accountant) commitLocked(ctx context.Context, res *Reservation, apply func(ctx context.Context) (decimal.Decimal, error)) (delta, newCash decimal.Decimal, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.outstanding[res.id]; !ok {
		return decimal.Zero, decimal.Zero, domain.ErrReservationUnknown
	}

	delta, err = apply(ctx)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}

	newCash = a.cash.Add(delta)
	if newCash.IsNegative() {
		panic("portfolio: commit would drive cash negative past a valid reservation")
	}

	a.consume(res, "commit")
	a.cash = newCash
	return delta, newCash, nil
}

// Rollback discards a reservation, releasing its cash and position slot. The
// portfolio is left exactly as it was before ValidateAndReserve.
func (a *Accountant) Rollback(ctx context.Context, res *Reservation) error {
	if err := a.rollbackLocked(res); err != nil {
		return err
	}

	a.auditLog(ctx, "accountant_rollback", map[string]any{
		"reservation_id": res.id.String(),
		"symbol":         res.symbol,
		"notional":       res.notional.String(),
	})
	return nil
}

func (a *Accountant) rollbackLocked(res *Reservation) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.outstanding[res.id]; !ok {
		return domain.ErrReservationUnknown
	}
	a.consume(res, "rollback")
	return nil
}

// consume releases the reservation's holds and marks it spent. Caller holds
// the write lock.
func (a *Accountant) consume(res *Reservation, how string) {
	if res.consumed.Swap(true) {
		panic("portfolio: reservation consumed twice (" + how + ")")
	}
	delete(a.outstanding, res.id)
	a.reserved = a.reserved.Sub(res.notional)
	if res.opensPosition {
		a.pendingBySymbol[res.symbol]--
		if a.pendingBySymbol[res.symbol] == 0 {
			delete(a.pendingBySymbol, res.symbol)
		}
		a.pendingTotal--
	}
}

// Snapshot returns a consistent point-in-time view. Total value is
// available cash plus the market value of every open position, exactly.
func (a *Accountant) Snapshot() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	// Marks can move between ledger reads, so the total is derived from the
	// same position copies the snapshot carries rather than a second read.
	open := a.book.OpenPositions()
	total := a.cash
	for i := range open {
		total = total.Add(open[i].MarketValue())
	}
	return Snapshot{
		AvailableCash: a.cash,
		Reserved:      a.reserved,
		TotalValue:    total,
		OpenPositions: open,
		TakenAt:       time.Now().UTC(),
	}
}

// AvailableCash returns committed cash. Outstanding reservations do not
// change it; they only constrain further reservations.
func (a *Accountant) AvailableCash() decimal.Decimal {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cash
}

// Outstanding returns the number of unconsumed reservations. Any nonzero
// value after a completed execution indicates a reservation leak.
func (a *Accountant) Outstanding() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.outstanding)
}

// CheckInvariants re-derives the portfolio invariants from current state and
// returns the first violation. It backs the health surface and tests.
func (a *Accountant) CheckInvariants() error {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.cash.IsNegative() {
		return &domain.InsufficientBalanceError{
			Required:  decimal.Zero,
			Available: a.cash,
			Currency:  a.cfg.Currency,
		}
	}
	counts := make(map[string]int)
	total := 0
	for _, pos := range a.book.OpenPositions() {
		if err := pos.Validate(); err != nil {
			return err
		}
		counts[pos.Symbol]++
		total++
	}
	for symbol, n := range counts {
		if a.cfg.MaxPerSymbol > 0 && n > a.cfg.MaxPerSymbol {
			return &domain.PositionLimitError{
				Symbol:  symbol,
				Limit:   a.cfg.MaxPerSymbol,
				Current: n,
				Scope:   domain.LimitPerSymbol,
			}
		}
	}
	if a.cfg.MaxTotalPositions > 0 && total > a.cfg.MaxTotalPositions {
		return &domain.PositionLimitError{
			Limit:   a.cfg.MaxTotalPositions,
			Current: total,
			Scope:   domain.LimitTotal,
		}
	}
	return nil
}

func (a *Accountant) auditLog(ctx context.Context, event string, detail map[string]any) {
	if a.audit == nil {
		return
	}
	if err := a.audit.Log(ctx, event, detail); err != nil {
		a.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
