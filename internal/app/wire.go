package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/quantadyne/tradecore/internal/admission"
	s3blob "github.com/quantadyne/tradecore/internal/blob/s3"
	"github.com/quantadyne/tradecore/internal/cache/memory"
	"github.com/quantadyne/tradecore/internal/cache/redis"
	"github.com/quantadyne/tradecore/internal/config"
	"github.com/quantadyne/tradecore/internal/domain"
	"github.com/quantadyne/tradecore/internal/exchange/paper"
	"github.com/quantadyne/tradecore/internal/ledger"
	"github.com/quantadyne/tradecore/internal/lockorder"
	"github.com/quantadyne/tradecore/internal/notify"
	"github.com/quantadyne/tradecore/internal/portfolio"
	"github.com/quantadyne/tradecore/internal/store/postgres"
)

// Dependencies bundles everything the application modes need to operate. It
// is constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	Validator  *lockorder.Validator
	Ledger     *ledger.Ledger
	Accountant *portfolio.Accountant
	Engine     *admission.Engine
	Exchange   domain.ExchangeClient

	// Signals is the integration point for strategy processes: every signal
	// written here is executed against the current cached price.
	Signals chan domain.TradingSignal

	PriceCache domain.PriceCache
	TradeStore domain.TradeStore
	AuditStore domain.AuditStore
	Archiver   *s3blob.Archiver
	Notifier   *notify.Notifier
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	logger := slog.Default()

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{
		Signals: make(chan domain.TradingSignal, 32),
	}

	// --- Lock discipline ---
	deps.Validator = lockorder.Default()

	// --- PostgreSQL (optional persistence) ---
	if cfg.Postgres.Enabled {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		pool := pgClient.Pool()
		deps.TradeStore = postgres.NewTradeStore(pool)
		deps.AuditStore = postgres.NewAuditStore(pool)
	}

	// --- Redis (optional shared rate limiting + price cache) ---
	var limiter domain.TradeRateLimiter
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		limiter = redis.NewTradeRateLimiter(redisClient, cfg.Redis.KeyPrefix,
			cfg.Admission.HourlyTradeLimit, cfg.Admission.DailyTradeLimit)
		deps.PriceCache = redis.NewPriceCache(redisClient, cfg.Redis.KeyPrefix, cfg.Redis.PriceTTL.Duration)
	} else {
		limiter = admission.NewWindowLimiter(cfg.Admission.HourlyTradeLimit, cfg.Admission.DailyTradeLimit)
		deps.PriceCache = memory.NewPriceCache()
	}

	// --- Core: ledger, accountant ---
	book, err := ledger.New(ledger.Config{
		MaxPerSymbol:      cfg.Risk.MaxPerSymbol,
		MaxTotalPositions: cfg.Risk.MaxTotalPositions,
	}, deps.Validator, deps.AuditStore, logger)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: ledger: %w", err)
	}
	deps.Ledger = book

	acct, err := portfolio.New(portfolio.Config{
		StartingCash:      decimal.NewFromFloat(cfg.Risk.StartingCash),
		Currency:          cfg.Risk.Currency,
		MaxPerSymbol:      cfg.Risk.MaxPerSymbol,
		MaxTotalPositions: cfg.Risk.MaxTotalPositions,
	}, book, deps.Validator, deps.AuditStore, logger)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: accountant: %w", err)
	}
	deps.Accountant = acct

	// --- Exchange ---
	// Mode validation guarantees paper here until a live adapter lands.
	deps.Exchange = paper.New(cfg.Exchange.PaperLatency.Duration, logger)

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.WebhookURL != "" {
		senders = append(senders, notify.NewWebhookSender(cfg.Notify.WebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	// --- Admission engine ---
	engine, err := admission.New(admission.Config{
		MinConfidence: cfg.Admission.MinConfidence,
		Whitelist:     cfg.Admission.Whitelist,
		SizingPct:     decimal.NewFromFloat(cfg.Admission.SizingPct),
		MinOrderQty:   decimal.NewFromFloat(cfg.Admission.MinOrderQty),
		SlippagePct:   decimal.NewFromFloat(cfg.Admission.SlippagePct),
		StopLossPct:   decimal.NewFromFloat(cfg.Admission.StopLossPct),
		TakeProfitPct: decimal.NewFromFloat(cfg.Admission.TakeProfitPct),
		MaxRetries:    cfg.Admission.MaxRetries,
		RetryBackoff:  cfg.Admission.RetryBackoff.Duration,
		SubmitTimeout: cfg.Admission.SubmitTimeout.Duration,
		ExchangeName:  cfg.Exchange.Name,
	}, acct, book, deps.Exchange, limiter, deps.Validator, logger)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: admission engine: %w", err)
	}
	if deps.TradeStore != nil {
		engine.WithTradeStore(deps.TradeStore)
	}
	engine.WithAlerter(deps.Notifier)
	deps.Engine = engine

	// --- S3 archiver (requires postgres-backed stores) ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		if deps.TradeStore != nil && deps.AuditStore != nil {
			deps.Archiver = s3blob.NewArchiver(s3blob.NewWriter(s3Client), deps.TradeStore, deps.AuditStore, logger)
		}
	}

	return deps, cleanup, nil
}
