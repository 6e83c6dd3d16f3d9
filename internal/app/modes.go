package app

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/quantadyne/tradecore/internal/domain"
	"github.com/quantadyne/tradecore/internal/feed"
)

// snapshotInterval is how often the running modes log a portfolio snapshot.
const snapshotInterval = 30 * time.Second

// TradeMode runs the full pipeline against a live exchange.
func (a *App) TradeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting trade mode")
	return a.runTrading(ctx, deps)
}

// PaperMode runs the full pipeline with simulated exchange fills. The market
// data feed is real; order submission never leaves the process.
func (a *App) PaperMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting paper mode")
	return a.runTrading(ctx, deps)
}

// runTrading starts the price feed, the signal consumer, the trigger monitor,
// and the optional archiver, and blocks until the context is cancelled.
func (a *App) runTrading(ctx context.Context, deps *Dependencies) error {
	g, ctx := errgroup.WithContext(ctx)

	// Price feed: each accepted tick updates the cache, marks open positions
	// to market, and closes positions whose stop/take levels triggered.
	handler := func(ctx context.Context, tick domain.PriceTick) {
		if err := deps.PriceCache.SetPrice(ctx, tick.Symbol, tick.Price, tick.Timestamp); err != nil {
			a.logger.WarnContext(ctx, "price cache update failed",
				slog.String("symbol", tick.Symbol),
				slog.String("error", err.Error()),
			)
		}
		deps.Ledger.MarkPrice(ctx, tick.Symbol, tick.Price)
		for _, id := range deps.Ledger.CheckTriggers(tick.Symbol, tick.Price) {
			if _, err := deps.Engine.ClosePosition(ctx, id, tick.Price); err != nil {
				a.logger.WarnContext(ctx, "trigger close failed",
					slog.String("position_id", id.String()),
					slog.String("symbol", tick.Symbol),
					slog.String("error", err.Error()),
				)
			}
		}
	}
	wsFeed := feed.NewWSFeed(a.cfg.Feed.WsURL, a.cfg.Feed.Symbols, a.cfg.Feed.MaxTickAge.Duration, handler, a.logger)
	g.Go(func() error {
		defer wsFeed.Close()
		return wsFeed.Run(ctx)
	})

	// Signal consumer: execute every inbound signal at the latest cached
	// price. Rejections are the engine's job; here they are only logged.
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				deps.Engine.Drain()
				return ctx.Err()
			case sig, ok := <-deps.Signals:
				if !ok {
					return nil
				}
				price, _, err := deps.PriceCache.GetPrice(ctx, sig.Symbol)
				if err != nil {
					a.logger.WarnContext(ctx, "signal dropped, no price",
						slog.String("symbol", sig.Symbol),
						slog.String("error", err.Error()),
					)
					continue
				}
				order, err := deps.Engine.ExecuteSignal(ctx, sig, price)
				if err != nil {
					a.logger.InfoContext(ctx, "signal rejected",
						slog.String("symbol", sig.Symbol),
						slog.String("action", string(sig.Action)),
						slog.String("error", err.Error()),
					)
					continue
				}
				a.logger.InfoContext(ctx, "signal executed",
					slog.String("symbol", sig.Symbol),
					slog.String("order_id", order.ID.String()),
					slog.String("status", string(order.Status)),
				)
			}
		}
	})

	// Periodic portfolio snapshot.
	g.Go(func() error {
		return a.snapshotLoop(ctx, deps)
	})

	// Archiver: periodic JSONL export of aged trade history.
	if deps.Archiver != nil {
		g.Go(func() error {
			return deps.Archiver.Run(ctx, a.cfg.S3.ArchiveInterval.Duration, time.Duration(a.cfg.S3.RetentionDays)*24*time.Hour)
		})
	}

	return g.Wait()
}

// MonitorMode only reports: it runs the feed for mark-to-market pricing and
// logs portfolio snapshots, never submitting orders.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")

	g, ctx := errgroup.WithContext(ctx)

	if a.cfg.Feed.WsURL != "" && len(a.cfg.Feed.Symbols) > 0 {
		handler := func(ctx context.Context, tick domain.PriceTick) {
			if err := deps.PriceCache.SetPrice(ctx, tick.Symbol, tick.Price, tick.Timestamp); err != nil {
				a.logger.WarnContext(ctx, "price cache update failed",
					slog.String("symbol", tick.Symbol),
					slog.String("error", err.Error()),
				)
			}
			deps.Ledger.MarkPrice(ctx, tick.Symbol, tick.Price)
		}
		wsFeed := feed.NewWSFeed(a.cfg.Feed.WsURL, a.cfg.Feed.Symbols, a.cfg.Feed.MaxTickAge.Duration, handler, a.logger)
		g.Go(func() error {
			defer wsFeed.Close()
			return wsFeed.Run(ctx)
		})
	}

	g.Go(func() error {
		return a.snapshotLoop(ctx, deps)
	})

	return g.Wait()
}

// snapshotLoop periodically logs a consistent portfolio snapshot.
func (a *App) snapshotLoop(ctx context.Context, deps *Dependencies) error {
	ticker := time.NewTicker(snapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			snap := deps.Accountant.Snapshot()
			a.logger.InfoContext(ctx, "portfolio snapshot",
				slog.String("available_cash", snap.AvailableCash.String()),
				slog.String("reserved", snap.Reserved.String()),
				slog.String("total_value", snap.TotalValue.String()),
				slog.Int("open_positions", len(snap.OpenPositions)),
			)
			if err := deps.Accountant.CheckInvariants(); err != nil {
				a.logger.ErrorContext(ctx, "portfolio invariant violated",
					slog.String("error", err.Error()),
				)
				if notifyErr := deps.Notifier.Notify(ctx, "error", "portfolio invariant violated", err.Error()); notifyErr != nil {
					a.logger.WarnContext(ctx, "invariant alert failed", slog.String("error", notifyErr.Error()))
				}
			}
		}
	}
}
