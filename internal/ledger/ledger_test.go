package ledger

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantadyne/tradecore/internal/domain"
	"github.com/quantadyne/tradecore/internal/lockorder"
)

func newTestLedger(t *testing.T, cfg Config) *Ledger {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	l, err := New(cfg, lockorder.Default(), nil, logger)
	require.NoError(t, err)
	return l
}

func openReq(symbol string) OpenRequest {
	return OpenRequest{
		Symbol:     symbol,
		Side:       domain.SideLong,
		Quantity:   decimal.NewFromFloat(0.1),
		EntryPrice: decimal.NewFromInt(50000),
	}
}

func TestOpenCloseRoundTrip(t *testing.T) {
	l := newTestLedger(t, Config{MaxPerSymbol: 5, MaxTotalPositions: 10})
	ctx := context.Background()

	id, err := l.Open(ctx, openReq("BTC-USD"))
	require.NoError(t, err)
	assert.Equal(t, 1, l.Count("BTC-USD"))
	assert.Equal(t, 1, l.Count(""))

	pos, err := l.Get(id)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusOpen, pos.Status)
	assert.True(t, pos.UnrealizedPnL.IsZero())

	pnl, err := l.Close(ctx, id, decimal.NewFromInt(55000))
	require.NoError(t, err)
	assert.True(t, pnl.Equal(decimal.NewFromInt(500)), "pnl = %s", pnl)

	pos, err = l.Get(id)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusClosed, pos.Status)
	require.NotNil(t, pos.ClosedAt)
	require.NotNil(t, pos.ExitPrice)
	assert.True(t, pos.ExitPrice.Equal(decimal.NewFromInt(55000)))
	assert.True(t, pos.RealizedPnL.Equal(decimal.NewFromInt(500)))
	assert.Equal(t, 0, l.Count("BTC-USD"))
	assert.Equal(t, 0, l.Count(""))
}

func TestShortClosePnLNegated(t *testing.T) {
	l := newTestLedger(t, Config{MaxPerSymbol: 5, MaxTotalPositions: 10})
	ctx := context.Background()

	req := openReq("BTC-USD")
	req.Side = domain.SideShort
	id, err := l.Open(ctx, req)
	require.NoError(t, err)

	pnl, err := l.Close(ctx, id, decimal.NewFromInt(55000))
	require.NoError(t, err)
	assert.True(t, pnl.Equal(decimal.NewFromInt(-500)), "pnl = %s", pnl)
}

func TestOpenRejectsInvalidRequest(t *testing.T) {
	l := newTestLedger(t, Config{MaxPerSymbol: 5, MaxTotalPositions: 10})
	ctx := context.Background()

	req := openReq("BTC-USD")
	req.Quantity = decimal.Zero
	_, err := l.Open(ctx, req)
	var vErr *domain.OrderValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, 0, l.Count(""))
}

func TestCloseLifecycleErrors(t *testing.T) {
	l := newTestLedger(t, Config{MaxPerSymbol: 5, MaxTotalPositions: 10})
	ctx := context.Background()

	_, err := l.Close(ctx, uuid.New(), decimal.NewFromInt(100))
	assert.ErrorIs(t, err, domain.ErrPositionNotFound)

	id, err := l.Open(ctx, openReq("BTC-USD"))
	require.NoError(t, err)
	_, err = l.Close(ctx, id, decimal.NewFromInt(55000))
	require.NoError(t, err)

	_, err = l.Close(ctx, id, decimal.NewFromInt(56000))
	assert.ErrorIs(t, err, domain.ErrPositionClosed)
}

func TestConcurrentOpensNeverExceedPerSymbolCap(t *testing.T) {
	l := newTestLedger(t, Config{MaxPerSymbol: 2, MaxTotalPositions: 10})
	ctx := context.Background()

	const workers = 3
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = l.Open(ctx, openReq("BTC-USD"))
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
	assert.Equal(t, 2, l.Count("BTC-USD"))
}

func TestTotalCapAcrossSymbols(t *testing.T) {
	l := newTestLedger(t, Config{MaxPerSymbol: 2, MaxTotalPositions: 3})
	ctx := context.Background()

	for _, sym := range []string{"BTC-USD", "BTC-USD", "ETH-USD"} {
		_, err := l.Open(ctx, openReq(sym))
		require.NoError(t, err)
	}

	_, err := l.Open(ctx, openReq("SOL-USD"))
	var limitErr *domain.PositionLimitError
	require.ErrorAs(t, err, &limitErr)
	assert.Equal(t, domain.LimitTotal, limitErr.Scope)
	assert.Equal(t, 3, limitErr.Limit)
	assert.Equal(t, 3, limitErr.Current)
}

func TestMarkPriceAndTriggers(t *testing.T) {
	l := newTestLedger(t, Config{MaxPerSymbol: 5, MaxTotalPositions: 10})
	ctx := context.Background()

	stop := decimal.NewFromInt(47500)
	take := decimal.NewFromInt(55000)
	req := openReq("BTC-USD")
	req.StopLoss = &stop
	req.TakeProfit = &take
	id, err := l.Open(ctx, req)
	require.NoError(t, err)

	l.MarkPrice(ctx, "BTC-USD", decimal.NewFromInt(52000))
	pos, err := l.Get(id)
	require.NoError(t, err)
	assert.True(t, pos.CurrentPrice.Equal(decimal.NewFromInt(52000)))
	assert.True(t, pos.UnrealizedPnL.Equal(decimal.NewFromInt(200)))

	assert.Empty(t, l.CheckTriggers("BTC-USD", decimal.NewFromInt(52000)))

	hit := l.CheckTriggers("BTC-USD", decimal.NewFromInt(47000))
	require.Len(t, hit, 1)
	assert.Equal(t, id, hit[0])

	// CheckTriggers is side-effect-free: the position is still open.
	pos, err = l.Get(id)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusOpen, pos.Status)
}

func TestOldestOpen(t *testing.T) {
	l := newTestLedger(t, Config{MaxPerSymbol: 5, MaxTotalPositions: 10})
	ctx := context.Background()

	first, err := l.Open(ctx, openReq("BTC-USD"))
	require.NoError(t, err)
	_, err = l.Open(ctx, openReq("BTC-USD"))
	require.NoError(t, err)

	pos, ok := l.OldestOpen("BTC-USD", domain.SideLong)
	require.True(t, ok)
	assert.Equal(t, first, pos.ID)

	_, ok = l.OldestOpen("BTC-USD", domain.SideShort)
	assert.False(t, ok)
	_, ok = l.OldestOpen("ETH-USD", domain.SideLong)
	assert.False(t, ok)
}

func TestOpenNotionalTracksMarks(t *testing.T) {
	l := newTestLedger(t, Config{MaxPerSymbol: 5, MaxTotalPositions: 10})
	ctx := context.Background()

	_, err := l.Open(ctx, openReq("BTC-USD"))
	require.NoError(t, err)
	assert.True(t, l.OpenNotional().Equal(decimal.NewFromInt(5000)))

	l.MarkPrice(ctx, "BTC-USD", decimal.NewFromInt(60000))
	assert.True(t, l.OpenNotional().Equal(decimal.NewFromInt(6000)))
	assert.True(t, l.UnrealizedPnL().Equal(decimal.NewFromInt(1000)))
}

func TestConcurrentReadersAndWriters(t *testing.T) {
	l := newTestLedger(t, Config{MaxPerSymbol: 64, MaxTotalPositions: 256})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				id, err := l.Open(ctx, openReq("BTC-USD"))
				if err == nil {
					_, _ = l.Close(ctx, id, decimal.NewFromInt(51000))
				}
			}
		}()
	}
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = l.OpenPositions()
				_ = l.Count("BTC-USD")
				_ = l.OpenNotional()
				l.MarkPrice(ctx, "BTC-USD", decimal.NewFromInt(50500))
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, l.Count(""), "every opened position was closed")
}
