package admission

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantadyne/tradecore/internal/domain"
	"github.com/quantadyne/tradecore/internal/exchange/paper"
	"github.com/quantadyne/tradecore/internal/ledger"
	"github.com/quantadyne/tradecore/internal/lockorder"
	"github.com/quantadyne/tradecore/internal/portfolio"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func baseConfig() Config {
	return Config{
		MinConfidence: 0.7,
		SizingPct:     decimal.NewFromFloat(0.5),
		MinOrderQty:   decimal.NewFromFloat(0.0001),
		SlippagePct:   decimal.Zero,
		MaxRetries:    2,
		RetryBackoff:  time.Millisecond,
		SubmitTimeout: time.Second,
		ExchangeName:  "paper",
	}
}

type testRig struct {
	engine   *Engine
	acct     *portfolio.Accountant
	book     *ledger.Ledger
	limiter  *WindowLimiter
	exchange domain.ExchangeClient
}

func newTestRig(t *testing.T, cfg Config, startingCash int64, maxPerSymbol, maxTotal int, exchange domain.ExchangeClient) *testRig {
	t.Helper()
	logger := discardLogger()
	validator := lockorder.Default()

	book, err := ledger.New(ledger.Config{
		MaxPerSymbol:      maxPerSymbol,
		MaxTotalPositions: maxTotal,
	}, validator, nil, logger)
	require.NoError(t, err)

	acct, err := portfolio.New(portfolio.Config{
		StartingCash:      decimal.NewFromInt(startingCash),
		Currency:          "USD",
		MaxPerSymbol:      maxPerSymbol,
		MaxTotalPositions: maxTotal,
	}, book, validator, nil, logger)
	require.NoError(t, err)

	if exchange == nil {
		exchange = paper.New(0, logger)
	}
	limiter := NewWindowLimiter(0, 0)
	engine, err := New(cfg, acct, book, exchange, limiter, validator, logger)
	require.NoError(t, err)

	return &testRig{engine: engine, acct: acct, book: book, limiter: limiter, exchange: exchange}
}

func buySignal(symbol string, confidence float64) domain.TradingSignal {
	return domain.TradingSignal{
		Symbol:     symbol,
		Action:     domain.SignalBuy,
		Confidence: confidence,
		Source:     "test",
		CreatedAt:  time.Now().UTC(),
	}
}

func sellSignal(symbol string, confidence float64) domain.TradingSignal {
	sig := buySignal(symbol, confidence)
	sig.Action = domain.SignalSell
	return sig
}

func TestBuyThenSellCashFlow(t *testing.T) {
	rig := newTestRig(t, baseConfig(), 10000, 5, 10, nil)
	ctx := context.Background()

	// Buy at 50000: sized to half of cash, 0.1 BTC for 5000.
	order, err := rig.engine.ExecuteSignal(ctx, buySignal("BTC-USD", 0.9), decimal.NewFromInt(50000))
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, order.Status)
	assert.Equal(t, domain.OrderTypeLimit, order.Type)
	require.NotNil(t, order.Price, "every submitted order carries a bounded price")
	assert.True(t, order.Quantity.Equal(decimal.NewFromFloat(0.1)), "quantity = %s", order.Quantity)
	assert.True(t, rig.acct.AvailableCash().Equal(decimal.NewFromInt(5000)),
		"cash after open = %s", rig.acct.AvailableCash())
	assert.Equal(t, 1, rig.book.Count("BTC-USD"))

	// Sell at 55000 closes the open long: 500 realized, cash back to 10500.
	order, err = rig.engine.ExecuteSignal(ctx, sellSignal("BTC-USD", 0.9), decimal.NewFromInt(55000))
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, order.Status)
	assert.True(t, rig.acct.AvailableCash().Equal(decimal.NewFromInt(10500)),
		"cash after close = %s", rig.acct.AvailableCash())
	assert.Equal(t, 0, rig.book.Count("BTC-USD"))
	assert.Equal(t, 0, rig.acct.Outstanding())

	fills := rig.engine.RecentFills()
	require.Len(t, fills, 2)
	require.NotNil(t, fills[1].RealizedPnL)
	assert.True(t, fills[1].RealizedPnL.Equal(decimal.NewFromInt(500)))
}

func TestLowConfidenceRejectedWithoutReservation(t *testing.T) {
	rig := newTestRig(t, baseConfig(), 10000, 5, 10, nil)
	before := rig.acct.Snapshot()

	_, err := rig.engine.ExecuteSignal(context.Background(), buySignal("BTC-USD", 0.4), decimal.NewFromInt(50000))
	var vErr *domain.OrderValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Contains(t, vErr.Reason, "confidence 0.40 below minimum 0.70")

	after := rig.acct.Snapshot()
	assert.True(t, after.AvailableCash.Equal(before.AvailableCash))
	assert.True(t, after.Reserved.Equal(before.Reserved))
	assert.Equal(t, 0, rig.acct.Outstanding())
	assert.Equal(t, 0, rig.book.Count(""))
}

func TestHoldAndUnknownActionsRejected(t *testing.T) {
	rig := newTestRig(t, baseConfig(), 10000, 5, 10, nil)
	ctx := context.Background()

	sig := buySignal("BTC-USD", 0.9)
	sig.Action = domain.SignalHold
	_, err := rig.engine.ExecuteSignal(ctx, sig, decimal.NewFromInt(50000))
	var vErr *domain.OrderValidationError
	require.ErrorAs(t, err, &vErr)

	sig.Action = domain.SignalAction("short_squeeze")
	_, err = rig.engine.ExecuteSignal(ctx, sig, decimal.NewFromInt(50000))
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, 0, rig.acct.Outstanding())
}

func TestWhitelistEnforced(t *testing.T) {
	cfg := baseConfig()
	cfg.Whitelist = []string{"BTC-USD"}
	rig := newTestRig(t, cfg, 10000, 5, 10, nil)
	ctx := context.Background()

	_, err := rig.engine.ExecuteSignal(ctx, buySignal("DOGE-USD", 0.9), decimal.NewFromInt(1))
	var vErr *domain.OrderValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Contains(t, vErr.Reason, "not whitelisted")

	_, err = rig.engine.ExecuteSignal(ctx, buySignal("BTC-USD", 0.9), decimal.NewFromInt(50000))
	assert.NoError(t, err)
}

func TestNonPositivePriceRejected(t *testing.T) {
	rig := newTestRig(t, baseConfig(), 10000, 5, 10, nil)
	_, err := rig.engine.ExecuteSignal(context.Background(), buySignal("BTC-USD", 0.9), decimal.Zero)
	var vErr *domain.OrderValidationError
	require.ErrorAs(t, err, &vErr)
}

func TestMinOrderQtyRejected(t *testing.T) {
	cfg := baseConfig()
	cfg.MinOrderQty = decimal.NewFromInt(1) // sized qty will be 0.1
	rig := newTestRig(t, cfg, 10000, 5, 10, nil)

	_, err := rig.engine.ExecuteSignal(context.Background(), buySignal("BTC-USD", 0.9), decimal.NewFromInt(50000))
	var vErr *domain.OrderValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Contains(t, vErr.Reason, "below minimum")
	assert.Equal(t, 0, rig.acct.Outstanding())
}

func TestDrainRejectsNewSignals(t *testing.T) {
	rig := newTestRig(t, baseConfig(), 10000, 5, 10, nil)
	rig.engine.Drain()

	_, err := rig.engine.ExecuteSignal(context.Background(), buySignal("BTC-USD", 0.9), decimal.NewFromInt(50000))
	var unavailErr *domain.TraderUnavailableError
	require.ErrorAs(t, err, &unavailErr)
	assert.Equal(t, domain.SeverityTransient, domain.SeverityOf(err))
}

func TestSlippageBoundsLimitPrice(t *testing.T) {
	cfg := baseConfig()
	cfg.SlippagePct = decimal.NewFromFloat(0.002)
	rig := newTestRig(t, cfg, 10000, 5, 10, nil)
	ctx := context.Background()

	order, err := rig.engine.ExecuteSignal(ctx, buySignal("BTC-USD", 0.9), decimal.NewFromInt(50000))
	require.NoError(t, err)

	// Paper fills at the limit price: a buy is capped at price * 1.002.
	fill, ok := rig.exchange.(*paper.Exchange).Fill(order.ID)
	require.True(t, ok)
	assert.True(t, fill.Price.Equal(decimal.NewFromInt(50100)), "fill price = %s", fill.Price)
	assert.True(t, order.FillPrice.Equal(decimal.NewFromInt(50100)))
}

func TestStopAndTakeLevelsSetFromFill(t *testing.T) {
	cfg := baseConfig()
	cfg.StopLossPct = decimal.NewFromFloat(0.05)
	cfg.TakeProfitPct = decimal.NewFromFloat(0.10)
	rig := newTestRig(t, cfg, 10000, 5, 10, nil)

	_, err := rig.engine.ExecuteSignal(context.Background(), buySignal("BTC-USD", 0.9), decimal.NewFromInt(50000))
	require.NoError(t, err)

	open := rig.book.OpenPositions()
	require.Len(t, open, 1)
	require.NotNil(t, open[0].StopLoss)
	require.NotNil(t, open[0].TakeProfit)
	assert.True(t, open[0].StopLoss.Equal(decimal.NewFromInt(47500)), "stop = %s", open[0].StopLoss)
	assert.True(t, open[0].TakeProfit.Equal(decimal.NewFromInt(55000)), "take = %s", open[0].TakeProfit)
}

func TestSellWithoutLongOpensShort(t *testing.T) {
	rig := newTestRig(t, baseConfig(), 10000, 5, 10, nil)
	ctx := context.Background()

	_, err := rig.engine.ExecuteSignal(ctx, sellSignal("BTC-USD", 0.9), decimal.NewFromInt(50000))
	require.NoError(t, err)

	open := rig.book.OpenPositions()
	require.Len(t, open, 1)
	assert.Equal(t, domain.SideShort, open[0].Side)

	// Closing the short below entry realizes a profit.
	_, err = rig.engine.ClosePosition(ctx, open[0].ID, decimal.NewFromInt(45000))
	require.NoError(t, err)
	pos, err := rig.book.Get(open[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusClosed, pos.Status)
	assert.True(t, pos.RealizedPnL.IsPositive())
	assert.Equal(t, 0, rig.acct.Outstanding())
}

func TestClosePositionLifecycleErrors(t *testing.T) {
	rig := newTestRig(t, baseConfig(), 10000, 5, 10, nil)
	ctx := context.Background()

	_, err := rig.engine.ClosePosition(ctx, uuid.New(), decimal.NewFromInt(100))
	assert.ErrorIs(t, err, domain.ErrPositionNotFound)

	_, err = rig.engine.ExecuteSignal(ctx, buySignal("BTC-USD", 0.9), decimal.NewFromInt(50000))
	require.NoError(t, err)

	open := rig.book.OpenPositions()
	require.Len(t, open, 1)
	_, err = rig.engine.ClosePosition(ctx, open[0].ID, decimal.NewFromInt(51000))
	require.NoError(t, err)
	_, err = rig.engine.ClosePosition(ctx, open[0].ID, decimal.NewFromInt(52000))
	assert.ErrorIs(t, err, domain.ErrPositionClosed)
}

func TestConcurrentOpensRespectPositionCap(t *testing.T) {
	cfg := baseConfig()
	cfg.SizingPct = decimal.NewFromFloat(0.1)
	rig := newTestRig(t, cfg, 100000, 2, 10, nil)
	ctx := context.Background()

	const workers = 3
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = rig.engine.ExecuteSignal(ctx, buySignal("BTC-USD", 0.9), decimal.NewFromInt(50000))
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		var limitErr *domain.PositionLimitError
		require.ErrorAs(t, err, &limitErr)
		assert.Equal(t, "BTC-USD", limitErr.Symbol)
		assert.Equal(t, 2, limitErr.Limit)
		assert.Equal(t, 2, limitErr.Current)
		assert.Equal(t, domain.LimitPerSymbol, limitErr.Scope)
	}
	assert.Equal(t, 2, succeeded)
	assert.Equal(t, 2, rig.book.Count("BTC-USD"))
	assert.Equal(t, 0, rig.acct.Outstanding())
	assert.NoError(t, rig.acct.CheckInvariants())
}

// timeoutExchange simulates an exchange that never answers within the
// submission deadline.
type timeoutExchange struct {
	mu    sync.Mutex
	calls int
}

func (e *timeoutExchange) SubmitOrder(ctx context.Context, _ domain.Order) (domain.FillConfirmation, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	<-ctx.Done()
	return domain.FillConfirmation{}, ctx.Err()
}

func (e *timeoutExchange) CancelOrder(context.Context, uuid.UUID) error { return nil }

func TestExchangeTimeoutRollsBackReservation(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxRetries = 1
	cfg.SubmitTimeout = 10 * time.Millisecond
	exchange := &timeoutExchange{}
	rig := newTestRig(t, cfg, 10000, 5, 10, exchange)

	before := rig.acct.Snapshot()
	_, err := rig.engine.ExecuteSignal(context.Background(), buySignal("BTC-USD", 0.9), decimal.NewFromInt(50000))

	var connErr *domain.ExchangeConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, "paper", connErr.Exchange)
	assert.Equal(t, 2, exchange.calls, "initial attempt plus one retry")

	// Everything the pipeline staged is released: no reservation, no
	// position, no cash movement, no rate budget consumed.
	after := rig.acct.Snapshot()
	assert.True(t, after.AvailableCash.Equal(before.AvailableCash))
	assert.True(t, after.Reserved.Equal(before.Reserved))
	assert.True(t, after.TotalValue.Equal(before.TotalValue))
	assert.Equal(t, 0, rig.acct.Outstanding())
	assert.Equal(t, 0, rig.book.Count(""))
	assert.Empty(t, rig.engine.RecentFills())
}

// flakyExchange fails with a transient error a fixed number of times, then
// fills at the order's limit price.
type flakyExchange struct {
	mu       sync.Mutex
	failures int
	calls    int
}

func (e *flakyExchange) SubmitOrder(_ context.Context, order domain.Order) (domain.FillConfirmation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.calls <= e.failures {
		return domain.FillConfirmation{}, &domain.ExchangeConnectionError{Exchange: "flaky", Outage: time.Millisecond}
	}
	return domain.FillConfirmation{
		OrderID:  order.ID,
		Price:    *order.Price,
		Quantity: order.Quantity,
		FilledAt: time.Now().UTC(),
	}, nil
}

func (e *flakyExchange) CancelOrder(context.Context, uuid.UUID) error { return nil }

func TestTransientFailureRetriedThenFills(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxRetries = 2
	exchange := &flakyExchange{failures: 2}
	rig := newTestRig(t, cfg, 10000, 5, 10, exchange)

	order, err := rig.engine.ExecuteSignal(context.Background(), buySignal("BTC-USD", 0.9), decimal.NewFromInt(50000))
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, order.Status)
	assert.Equal(t, 3, exchange.calls)
	assert.Equal(t, 1, rig.book.Count("BTC-USD"))
}

// rejectingExchange always fails with a fatal validation error.
type rejectingExchange struct {
	mu    sync.Mutex
	calls int
}

func (e *rejectingExchange) SubmitOrder(_ context.Context, order domain.Order) (domain.FillConfirmation, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	return domain.FillConfirmation{}, &domain.OrderValidationError{Symbol: order.Symbol, Reason: "rejected by venue"}
}

func (e *rejectingExchange) CancelOrder(context.Context, uuid.UUID) error { return nil }

func TestFatalSubmissionErrorNeverRetried(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxRetries = 5
	exchange := &rejectingExchange{}
	rig := newTestRig(t, cfg, 10000, 5, 10, exchange)

	_, err := rig.engine.ExecuteSignal(context.Background(), buySignal("BTC-USD", 0.9), decimal.NewFromInt(50000))
	var vErr *domain.OrderValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, 1, exchange.calls, "fatal errors surface immediately")
	assert.Equal(t, 0, rig.acct.Outstanding())
}

func TestRateCountersAdvanceOnlyOnFill(t *testing.T) {
	rig := newTestRig(t, baseConfig(), 10000, 5, 10, nil)
	rig.limiter.hourlyLimit = 1
	rig.limiter.dailyLimit = 10
	ctx := context.Background()

	// Rejected signals consume no budget.
	for i := 0; i < 5; i++ {
		_, err := rig.engine.ExecuteSignal(ctx, buySignal("BTC-USD", 0.1), decimal.NewFromInt(50000))
		require.Error(t, err)
	}

	_, err := rig.engine.ExecuteSignal(ctx, buySignal("BTC-USD", 0.9), decimal.NewFromInt(50000))
	require.NoError(t, err)

	// The fill consumed the hourly budget; the next signal is rate limited
	// before any reservation is made.
	_, err = rig.engine.ExecuteSignal(ctx, buySignal("ETH-USD", 0.9), decimal.NewFromInt(2000))
	var rateErr *domain.RateLimitError
	require.ErrorAs(t, err, &rateErr)
	assert.Equal(t, "hourly", rateErr.Window)
	assert.Equal(t, 0, rig.acct.Outstanding())
}

// recordingAlerter captures notifications for assertions.
type recordingAlerter struct {
	mu     sync.Mutex
	events []string
	titles []string
}

func (a *recordingAlerter) Notify(_ context.Context, event, title, _ string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	a.titles = append(a.titles, title)
	return nil
}

func TestResourceLimitRejectionsAlert(t *testing.T) {
	cfg := baseConfig()
	cfg.SizingPct = decimal.NewFromFloat(0.5)
	rig := newTestRig(t, cfg, 10000, 1, 10, nil)
	alerter := &recordingAlerter{}
	rig.engine.WithAlerter(alerter)
	ctx := context.Background()

	_, err := rig.engine.ExecuteSignal(ctx, buySignal("BTC-USD", 0.9), decimal.NewFromInt(50000))
	require.NoError(t, err)

	_, err = rig.engine.ExecuteSignal(ctx, buySignal("BTC-USD", 0.9), decimal.NewFromInt(50000))
	var limitErr *domain.PositionLimitError
	require.ErrorAs(t, err, &limitErr)

	require.Len(t, alerter.events, 1)
	assert.Equal(t, "resource_limit", alerter.events[0])
	assert.Contains(t, alerter.titles[0], "BTC-USD")

	// Validation rejections are not resource limits and never alert.
	_, err = rig.engine.ExecuteSignal(ctx, buySignal("ETH-USD", 0.1), decimal.NewFromInt(2000))
	require.Error(t, err)
	assert.Len(t, alerter.events, 1)
}

// memoryTradeStore records inserted fills in memory.
type memoryTradeStore struct {
	mu    sync.Mutex
	fills []domain.TradeFill
}

func (s *memoryTradeStore) InsertFill(_ context.Context, fill domain.TradeFill) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fills = append(s.fills, fill)
	return nil
}

func (s *memoryTradeStore) ListRecent(_ context.Context, opts domain.ListOpts) ([]domain.TradeFill, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.TradeFill, len(s.fills))
	copy(out, s.fills)
	return out, nil
}

func (s *memoryTradeStore) ListBefore(_ context.Context, cutoff time.Time) ([]domain.TradeFill, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.TradeFill
	for _, f := range s.fills {
		if f.ExecutedAt.Before(cutoff) {
			out = append(out, f)
		}
	}
	return out, nil
}

func TestTradeHistoryPersisted(t *testing.T) {
	rig := newTestRig(t, baseConfig(), 10000, 5, 10, nil)
	store := &memoryTradeStore{}
	rig.engine.WithTradeStore(store)
	ctx := context.Background()

	_, err := rig.engine.ExecuteSignal(ctx, buySignal("BTC-USD", 0.9), decimal.NewFromInt(50000))
	require.NoError(t, err)
	_, err = rig.engine.ExecuteSignal(ctx, sellSignal("BTC-USD", 0.9), decimal.NewFromInt(55000))
	require.NoError(t, err)

	require.Len(t, store.fills, 2)
	assert.Nil(t, store.fills[0].RealizedPnL, "open has no realized pnl")
	require.NotNil(t, store.fills[1].RealizedPnL)
	assert.True(t, store.fills[1].RealizedPnL.Equal(decimal.NewFromInt(500)))
	assert.Equal(t, store.fills[0].PositionID, store.fills[1].PositionID)
}

func TestConcurrentMixedTrafficKeepsInvariants(t *testing.T) {
	cfg := baseConfig()
	cfg.SizingPct = decimal.NewFromFloat(0.05)
	rig := newTestRig(t, cfg, 100000, 8, 32, nil)
	ctx := context.Background()

	symbols := []string{"BTC-USD", "ETH-USD", "SOL-USD", "AVAX-USD"}
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sym := symbols[i%len(symbols)]
			for j := 0; j < 10; j++ {
				if j%2 == 0 {
					_, _ = rig.engine.ExecuteSignal(ctx, buySignal(sym, 0.9), decimal.NewFromInt(1000))
				} else {
					_, _ = rig.engine.ExecuteSignal(ctx, sellSignal(sym, 0.9), decimal.NewFromInt(1000))
				}
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 0, rig.acct.Outstanding(), "no leaked reservations")
	assert.NoError(t, rig.acct.CheckInvariants())

	// Flat prices mean every open/close pair is cash neutral, so the exact
	// total-value identity pins total value to starting cash.
	snap := rig.acct.Snapshot()
	sum := snap.AvailableCash
	for _, pos := range snap.OpenPositions {
		sum = sum.Add(pos.Quantity.Mul(pos.CurrentPrice))
	}
	assert.True(t, snap.TotalValue.Equal(sum))
	assert.True(t, snap.TotalValue.Equal(decimal.NewFromInt(100000)), "total = %s", snap.TotalValue)
}
