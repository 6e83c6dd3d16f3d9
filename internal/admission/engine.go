// Package admission validates trading signals against confidence, whitelist,
// rate-limit, and portfolio constraints, sizes and slippage-bounds the
// resulting order, submits it to the exchange, and settles the fill through
// the accountant's reserve/commit/rollback protocol.
//
// Steps before reservation are local and side-effect-free on rejection.
// Submission is the only step with external I/O and the only one eligible
// for retry. Every post-reservation failure path rolls the reservation back;
// there is no path that leaves one held.
package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/quantadyne/tradecore/internal/domain"
	"github.com/quantadyne/tradecore/internal/ledger"
	"github.com/quantadyne/tradecore/internal/lockorder"
	"github.com/quantadyne/tradecore/internal/portfolio"
)

// quantityPlaces is the precision orders are sized to.
const quantityPlaces = 8

// historyCap bounds the in-memory recent-fill ring.
const historyCap = 256

// Alerter receives notifications for resource-limit rejections, which
// indicate the caller's strategy should back off and must not be silently
// swallowed.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Config holds the admission pipeline's tunables.
type Config struct {
	// MinConfidence rejects signals below this confidence.
	MinConfidence float64
	// Whitelist is the set of tradable symbols. Empty allows all.
	Whitelist []string
	// SizingPct is the fraction of available cash committed per order.
	SizingPct decimal.Decimal
	// MinOrderQty rejects orders sized below this quantity.
	MinOrderQty decimal.Decimal
	// SlippagePct bounds a market order's limit price at
	// current_price * (1 ± SlippagePct).
	SlippagePct decimal.Decimal
	// StopLossPct / TakeProfitPct place exit levels relative to the fill
	// price on opened positions. Zero disables the level.
	StopLossPct   decimal.Decimal
	TakeProfitPct decimal.Decimal
	// MaxRetries bounds resubmission attempts for transient exchange errors.
	MaxRetries int
	// RetryBackoff is the pause between attempts.
	RetryBackoff time.Duration
	// SubmitTimeout bounds one submission attempt.
	SubmitTimeout time.Duration
	// ExchangeName labels connection-loss errors.
	ExchangeName string
}

// Engine is the single entry point for signal-driven trading.
type Engine struct {
	cfg       Config
	whitelist map[string]struct{}
	acct      *portfolio.Accountant
	book      *ledger.Ledger
	exchange  domain.ExchangeClient
	limiter   domain.TradeRateLimiter
	validator *lockorder.Validator
	logger    *slog.Logger

	trades  domain.TradeStore
	alerter Alerter

	symMuGuard sync.Mutex
	symMu      map[string]*sync.Mutex

	histMu  sync.Mutex
	history []domain.TradeFill

	draining atomic.Bool
}

// New creates an Engine. The full lock acquisition plan of one execution
// (traders -> accountant -> ledger locks) is validated against the DAG at
// construction so a mis-ordered wiring fails at startup, not mid-trade.
func New(
	cfg Config,
	acct *portfolio.Accountant,
	book *ledger.Ledger,
	exchange domain.ExchangeClient,
	limiter domain.TradeRateLimiter,
	validator *lockorder.Validator,
	logger *slog.Logger,
) (*Engine, error) {
	if err := validator.ValidateOrder([]lockorder.LockName{
		lockorder.LockTraders,
		lockorder.LockAccountant,
		lockorder.LockLedgerSymbol,
		lockorder.LockLedgerState,
	}); err != nil {
		return nil, err
	}
	wl := make(map[string]struct{}, len(cfg.Whitelist))
	for _, s := range cfg.Whitelist {
		wl[s] = struct{}{}
	}
	return &Engine{
		cfg:       cfg,
		whitelist: wl,
		acct:      acct,
		book:      book,
		exchange:  exchange,
		limiter:   limiter,
		validator: validator,
		logger:    logger.With(slog.String("component", "admission")),
		symMu:     make(map[string]*sync.Mutex),
	}, nil
}

// WithTradeStore attaches durable trade-history persistence.
func (e *Engine) WithTradeStore(store domain.TradeStore) *Engine {
	e.trades = store
	return e
}

// WithAlerter attaches resource-limit alerting.
func (e *Engine) WithAlerter(a Alerter) *Engine {
	e.alerter = a
	return e
}

// Drain stops the engine accepting new signals. In-flight executions finish
// normally.
func (e *Engine) Drain() {
	e.draining.Store(true)
}

// ExecuteSignal runs the full admission pipeline for one signal and returns
// the filled order, or a taxonomy error describing the first failed step.
func (e *Engine) ExecuteSignal(ctx context.Context, sig domain.TradingSignal, currentPrice decimal.Decimal) (domain.Order, error) {
	if e.draining.Load() {
		return domain.Order{}, &domain.TraderUnavailableError{Reason: "engine is draining"}
	}

	log := e.logger.With(
		slog.String("symbol", sig.Symbol),
		slog.String("action", string(sig.Action)),
		slog.String("source", sig.Source),
	)

	// Steps 1-4: local, synchronous, side-effect-free on rejection.
	if sig.Action == domain.SignalHold {
		return domain.Order{}, &domain.OrderValidationError{Symbol: sig.Symbol, Reason: "hold signal is never executed"}
	}
	if sig.Action != domain.SignalBuy && sig.Action != domain.SignalSell {
		return domain.Order{}, &domain.OrderValidationError{Symbol: sig.Symbol, Reason: fmt.Sprintf("unknown signal action %q", sig.Action)}
	}
	if sig.Confidence < e.cfg.MinConfidence {
		return domain.Order{}, &domain.OrderValidationError{
			Symbol: sig.Symbol,
			Reason: fmt.Sprintf("confidence %.2f below minimum %.2f", sig.Confidence, e.cfg.MinConfidence),
		}
	}
	if len(e.whitelist) > 0 {
		if _, ok := e.whitelist[sig.Symbol]; !ok {
			return domain.Order{}, &domain.OrderValidationError{Symbol: sig.Symbol, Reason: "symbol not whitelisted"}
		}
	}
	if err := e.limiter.Allowed(ctx); err != nil {
		e.alertLimit(ctx, sig.Symbol, err)
		return domain.Order{}, err
	}
	if !currentPrice.IsPositive() {
		return domain.Order{}, &domain.OrderValidationError{Symbol: sig.Symbol, Reason: "non-positive current price"}
	}

	// Per-symbol execution lock ("traders"): reserve/commit pairs for one
	// symbol are never interleaved with another order's pair.
	guard := e.validator.NewGuard()
	if err := guard.Acquire(lockorder.LockTraders); err != nil {
		return domain.Order{}, err
	}
	symMu := e.symbolLock(sig.Symbol)
	symMu.Lock()
	defer func() {
		symMu.Unlock()
		guard.Release(lockorder.LockTraders)
	}()

	// A sell closes the oldest open long when one exists; otherwise it opens
	// a short. A buy closes the oldest open short before going long only via
	// triggers, so it opens a long here.
	if sig.Action == domain.SignalSell {
		if pos, ok := e.book.OldestOpen(sig.Symbol, domain.SideLong); ok {
			return e.executeClose(ctx, guard, log, pos, currentPrice)
		}
	}
	side := domain.SideLong
	if sig.Action == domain.SignalSell {
		side = domain.SideShort
	}
	return e.executeOpen(ctx, guard, log, sig.Symbol, side, currentPrice)
}

// ClosePosition closes one position through the exchange at a price bounded
// around exitPrice, settling cash through the reservation protocol. The
// trigger monitor calls this for stop-loss/take-profit breaches.
func (e *Engine) ClosePosition(ctx context.Context, positionID uuid.UUID, exitPrice decimal.Decimal) (domain.Order, error) {
	pos, err := e.book.Get(positionID)
	if err != nil {
		return domain.Order{}, err
	}
	if pos.Status != domain.PositionStatusOpen {
		return domain.Order{}, domain.ErrPositionClosed
	}

	log := e.logger.With(
		slog.String("symbol", pos.Symbol),
		slog.String("position_id", positionID.String()),
	)

	guard := e.validator.NewGuard()
	if err := guard.Acquire(lockorder.LockTraders); err != nil {
		return domain.Order{}, err
	}
	symMu := e.symbolLock(pos.Symbol)
	symMu.Lock()
	defer func() {
		symMu.Unlock()
		guard.Release(lockorder.LockTraders)
	}()

	return e.executeClose(ctx, guard, log, pos, exitPrice)
}

// executeOpen runs sizing, slippage bounding, reservation, submission, and
// settlement for a position-opening order. Caller holds the traders lock.
func (e *Engine) executeOpen(ctx context.Context, guard *lockorder.Guard, log *slog.Logger, symbol string, side domain.PositionSide, currentPrice decimal.Decimal) (domain.Order, error) {
	orderSide := domain.OrderSideBuy
	if side == domain.SideShort {
		orderSide = domain.OrderSideSell
	}
	limitPrice := e.boundPrice(currentPrice, orderSide)

	// Sizing: portfolio-percentage of available cash, bounded below by the
	// minimum order quantity. Still side-effect-free.
	cash := e.acct.AvailableCash()
	quantity := cash.Mul(e.cfg.SizingPct).Div(limitPrice).RoundDown(quantityPlaces)
	if quantity.LessThan(e.cfg.MinOrderQty) || !quantity.IsPositive() {
		return domain.Order{}, &domain.OrderValidationError{
			Symbol: symbol,
			Reason: fmt.Sprintf("sized quantity %s below minimum %s", quantity.String(), e.cfg.MinOrderQty.String()),
		}
	}
	notional := quantity.Mul(limitPrice)

	res, err := e.reserve(ctx, guard, symbol, notional, true)
	if err != nil {
		e.alertLimit(ctx, symbol, err)
		return domain.Order{}, err
	}
	committed := false
	defer e.rollbackUnlessCommitted(ctx, guard, res, &committed, log)

	order := e.newOrder(symbol, orderSide, quantity, limitPrice)
	fill, err := e.submit(ctx, log, order)
	if err != nil {
		order.Status = domain.OrderStatusRejected
		return order, err
	}

	var positionID uuid.UUID
	err = e.commit(ctx, guard, res, func(cctx context.Context) (decimal.Decimal, error) {
		stop, take := e.exitLevels(side, fill.Price)
		id, openErr := e.book.Open(cctx, ledger.OpenRequest{
			Symbol:     symbol,
			Side:       side,
			Quantity:   fill.Quantity,
			EntryPrice: fill.Price,
			StopLoss:   stop,
			TakeProfit: take,
		})
		if openErr != nil {
			return decimal.Zero, openErr
		}
		positionID = id
		return fill.Price.Mul(fill.Quantity).Neg(), nil
	})
	if err != nil {
		order.Status = domain.OrderStatusRejected
		return order, err
	}
	committed = true

	e.settle(ctx, log, &order, fill, positionID, nil)
	return order, nil
}

// executeClose submits a closing order for pos and settles the proceeds.
// Caller holds the traders lock.
func (e *Engine) executeClose(ctx context.Context, guard *lockorder.Guard, log *slog.Logger, pos domain.Position, currentPrice decimal.Decimal) (domain.Order, error) {
	orderSide := domain.OrderSideSell
	if pos.Side == domain.SideShort {
		orderSide = domain.OrderSideBuy
	}
	limitPrice := e.boundPrice(currentPrice, orderSide)

	// Closes release capacity rather than consume it; the zero-notional
	// reservation keeps the commit path uniform and the pair serialized.
	res, err := e.reserve(ctx, guard, pos.Symbol, decimal.Zero, false)
	if err != nil {
		return domain.Order{}, err
	}
	committed := false
	defer e.rollbackUnlessCommitted(ctx, guard, res, &committed, log)

	order := e.newOrder(pos.Symbol, orderSide, pos.Quantity, limitPrice)
	fill, err := e.submit(ctx, log, order)
	if err != nil {
		order.Status = domain.OrderStatusRejected
		return order, err
	}

	var realized decimal.Decimal
	err = e.commit(ctx, guard, res, func(cctx context.Context) (decimal.Decimal, error) {
		pnl, closeErr := e.book.Close(cctx, pos.ID, fill.Price)
		if closeErr != nil {
			return decimal.Zero, closeErr
		}
		realized = pnl
		// Proceeds: the entry collateral plus realized PnL.
		return pos.Quantity.Mul(pos.EntryPrice).Add(pnl), nil
	})
	if err != nil {
		order.Status = domain.OrderStatusRejected
		return order, err
	}
	committed = true

	e.settle(ctx, log, &order, fill, pos.ID, &realized)
	return order, nil
}

// reserve wraps ValidateAndReserve with the runtime lock-order guard.
func (e *Engine) reserve(ctx context.Context, guard *lockorder.Guard, symbol string, notional decimal.Decimal, opensPosition bool) (*portfolio.Reservation, error) {
	if err := guard.Acquire(lockorder.LockAccountant); err != nil {
		return nil, err
	}
	defer guard.Release(lockorder.LockAccountant)
	return e.acct.ValidateAndReserve(ctx, symbol, notional, opensPosition)
}

// commit wraps Accountant.Commit with the runtime lock-order guard.
func (e *Engine) commit(ctx context.Context, guard *lockorder.Guard, res *portfolio.Reservation, apply func(context.Context) (decimal.Decimal, error)) error {
	if err := guard.Acquire(lockorder.LockAccountant); err != nil {
		return err
	}
	defer guard.Release(lockorder.LockAccountant)
	return e.acct.Commit(ctx, res, apply)
}

// rollbackUnlessCommitted releases the reservation on every failure path
// after it was created. Rollback here is unconditional: no code path leaves
// a reservation held without a commit.
func (e *Engine) rollbackUnlessCommitted(ctx context.Context, guard *lockorder.Guard, res *portfolio.Reservation, committed *bool, log *slog.Logger) {
	if *committed {
		return
	}
	if err := guard.Acquire(lockorder.LockAccountant); err != nil {
		log.ErrorContext(ctx, "rollback lock order violated", slog.String("error", err.Error()))
		return
	}
	defer guard.Release(lockorder.LockAccountant)
	if err := e.acct.Rollback(ctx, res); err != nil && !errors.Is(err, domain.ErrReservationUnknown) {
		log.ErrorContext(ctx, "reservation rollback failed",
			slog.String("reservation_id", res.ID().String()),
			slog.String("error", err.Error()),
		)
	}
}

// submit sends the order to the exchange with bounded retries. Only errors
// classified transient are retried; validation-class failures surface
// immediately. Timeouts are folded into ExchangeConnectionError so the
// caller sees one connectivity variant.
func (e *Engine) submit(ctx context.Context, log *slog.Logger, order domain.Order) (domain.FillConfirmation, error) {
	start := time.Now()
	attempts := e.cfg.MaxRetries + 1
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		subCtx := ctx
		cancel := context.CancelFunc(func() {})
		if e.cfg.SubmitTimeout > 0 {
			subCtx, cancel = context.WithTimeout(ctx, e.cfg.SubmitTimeout)
		}
		fill, err := e.exchange.SubmitOrder(subCtx, order)
		cancel()
		if err == nil {
			return fill, nil
		}

		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			err = &domain.ExchangeConnectionError{
				Exchange: e.cfg.ExchangeName,
				Outage:   time.Since(start).Round(time.Millisecond),
				Err:      err,
			}
		}
		lastErr = err

		if domain.SeverityOf(err) != domain.SeverityTransient {
			return domain.FillConfirmation{}, err
		}
		if attempt == attempts {
			break
		}
		log.WarnContext(ctx, "transient submission failure, retrying",
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
		select {
		case <-ctx.Done():
			return domain.FillConfirmation{}, &domain.ExchangeConnectionError{
				Exchange: e.cfg.ExchangeName,
				Outage:   time.Since(start).Round(time.Millisecond),
				Err:      ctx.Err(),
			}
		case <-time.After(e.cfg.RetryBackoff):
		}
	}
	return domain.FillConfirmation{}, lastErr
}

// settle marks the order filled, advances the rate counters, and records
// trade history. Counter and history failures are logged, never propagated:
// the trade itself is already committed.
func (e *Engine) settle(ctx context.Context, log *slog.Logger, order *domain.Order, fill domain.FillConfirmation, positionID uuid.UUID, realized *decimal.Decimal) {
	filledAt := fill.FilledAt
	order.Status = domain.OrderStatusFilled
	order.FillPrice = fill.Price
	order.FilledAt = &filledAt

	if err := e.limiter.RecordFill(ctx); err != nil {
		log.WarnContext(ctx, "rate counter record failed", slog.String("error", err.Error()))
	}

	tf := domain.TradeFill{
		ID:          uuid.New(),
		OrderID:     order.ID,
		PositionID:  positionID,
		Symbol:      order.Symbol,
		Side:        order.Side,
		Quantity:    fill.Quantity,
		Price:       fill.Price,
		RealizedPnL: realized,
		ExecutedAt:  filledAt,
	}
	e.histMu.Lock()
	e.history = append(e.history, tf)
	if len(e.history) > historyCap {
		e.history = e.history[len(e.history)-historyCap:]
	}
	e.histMu.Unlock()

	if e.trades != nil {
		if err := e.trades.InsertFill(ctx, tf); err != nil {
			log.WarnContext(ctx, "trade history insert failed", slog.String("error", err.Error()))
		}
	}

	log.InfoContext(ctx, "order filled",
		slog.String("order_id", order.ID.String()),
		slog.String("price", fill.Price.String()),
		slog.String("quantity", fill.Quantity.String()),
	)
}

// RecentFills returns a copy of the in-memory recent trade history, newest
// last.
func (e *Engine) RecentFills() []domain.TradeFill {
	e.histMu.Lock()
	defer e.histMu.Unlock()
	out := make([]domain.TradeFill, len(e.history))
	copy(out, e.history)
	return out
}

// boundPrice converts a market price into the slippage-capped limit price: a
// buy pays at most price * (1 + slippage), a sell accepts at least
// price * (1 - slippage).
func (e *Engine) boundPrice(price decimal.Decimal, side domain.OrderSide) decimal.Decimal {
	if e.cfg.SlippagePct.IsZero() {
		return price
	}
	one := decimal.NewFromInt(1)
	if side == domain.OrderSideBuy {
		return price.Mul(one.Add(e.cfg.SlippagePct))
	}
	return price.Mul(one.Sub(e.cfg.SlippagePct))
}

// exitLevels derives stop-loss/take-profit prices from the fill price.
func (e *Engine) exitLevels(side domain.PositionSide, fillPrice decimal.Decimal) (stop, take *decimal.Decimal) {
	one := decimal.NewFromInt(1)
	if e.cfg.StopLossPct.IsPositive() {
		var s decimal.Decimal
		if side == domain.SideLong {
			s = fillPrice.Mul(one.Sub(e.cfg.StopLossPct))
		} else {
			s = fillPrice.Mul(one.Add(e.cfg.StopLossPct))
		}
		stop = &s
	}
	if e.cfg.TakeProfitPct.IsPositive() {
		var t decimal.Decimal
		if side == domain.SideLong {
			t = fillPrice.Mul(one.Add(e.cfg.TakeProfitPct))
		} else {
			t = fillPrice.Mul(one.Sub(e.cfg.TakeProfitPct))
		}
		take = &t
	}
	return stop, take
}

func (e *Engine) newOrder(symbol string, side domain.OrderSide, quantity, limitPrice decimal.Decimal) domain.Order {
	return domain.Order{
		ID:        uuid.New(),
		Symbol:    symbol,
		Side:      side,
		Quantity:  quantity,
		Price:     &limitPrice,
		Type:      domain.OrderTypeLimit,
		Status:    domain.OrderStatusPending,
		CreatedAt: time.Now().UTC(),
	}
}

func (e *Engine) symbolLock(symbol string) *sync.Mutex {
	e.symMuGuard.Lock()
	defer e.symMuGuard.Unlock()
	mu, ok := e.symMu[symbol]
	if !ok {
		mu = &sync.Mutex{}
		e.symMu[symbol] = mu
	}
	return mu
}

// alertLimit notifies on resource-limit rejections: balance, position, and
// rate limits signal that strategy workers should back off.
func (e *Engine) alertLimit(ctx context.Context, symbol string, err error) {
	if e.alerter == nil {
		return
	}
	var (
		balErr  *domain.InsufficientBalanceError
		posErr  *domain.PositionLimitError
		rateErr *domain.RateLimitError
	)
	if !errors.As(err, &balErr) && !errors.As(err, &posErr) && !errors.As(err, &rateErr) {
		return
	}
	if notifyErr := e.alerter.Notify(ctx, "resource_limit", "trade rejected: "+symbol, err.Error()); notifyErr != nil {
		e.logger.WarnContext(ctx, "limit alert failed", slog.String("error", notifyErr.Error()))
	}
}
