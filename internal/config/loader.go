package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies TRADECORE_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known TRADECORE_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Risk ──
	setFloat64(&cfg.Risk.StartingCash, "TRADECORE_RISK_STARTING_CASH")
	setStr(&cfg.Risk.Currency, "TRADECORE_RISK_CURRENCY")
	setInt(&cfg.Risk.MaxPerSymbol, "TRADECORE_RISK_MAX_PER_SYMBOL")
	setInt(&cfg.Risk.MaxTotalPositions, "TRADECORE_RISK_MAX_TOTAL_POSITIONS")

	// ── Admission ──
	setFloat64(&cfg.Admission.MinConfidence, "TRADECORE_ADMISSION_MIN_CONFIDENCE")
	setStringSlice(&cfg.Admission.Whitelist, "TRADECORE_ADMISSION_WHITELIST")
	setFloat64(&cfg.Admission.SizingPct, "TRADECORE_ADMISSION_SIZING_PCT")
	setFloat64(&cfg.Admission.MinOrderQty, "TRADECORE_ADMISSION_MIN_ORDER_QTY")
	setFloat64(&cfg.Admission.SlippagePct, "TRADECORE_ADMISSION_SLIPPAGE_PCT")
	setFloat64(&cfg.Admission.StopLossPct, "TRADECORE_ADMISSION_STOP_LOSS_PCT")
	setFloat64(&cfg.Admission.TakeProfitPct, "TRADECORE_ADMISSION_TAKE_PROFIT_PCT")
	setInt(&cfg.Admission.MaxRetries, "TRADECORE_ADMISSION_MAX_RETRIES")
	setDuration(&cfg.Admission.RetryBackoff, "TRADECORE_ADMISSION_RETRY_BACKOFF")
	setDuration(&cfg.Admission.SubmitTimeout, "TRADECORE_ADMISSION_SUBMIT_TIMEOUT")
	setInt(&cfg.Admission.HourlyTradeLimit, "TRADECORE_ADMISSION_HOURLY_TRADE_LIMIT")
	setInt(&cfg.Admission.DailyTradeLimit, "TRADECORE_ADMISSION_DAILY_TRADE_LIMIT")

	// ── Exchange ──
	setStr(&cfg.Exchange.Name, "TRADECORE_EXCHANGE_NAME")
	setDuration(&cfg.Exchange.PaperLatency, "TRADECORE_EXCHANGE_PAPER_LATENCY")

	// ── Feed ──
	setStr(&cfg.Feed.WsURL, "TRADECORE_FEED_WS_URL")
	setStringSlice(&cfg.Feed.Symbols, "TRADECORE_FEED_SYMBOLS")
	setDuration(&cfg.Feed.MaxTickAge, "TRADECORE_FEED_MAX_TICK_AGE")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "TRADECORE_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "TRADECORE_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "TRADECORE_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "TRADECORE_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "TRADECORE_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "TRADECORE_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "TRADECORE_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "TRADECORE_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "TRADECORE_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "TRADECORE_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "TRADECORE_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "TRADECORE_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "TRADECORE_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "TRADECORE_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "TRADECORE_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "TRADECORE_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "TRADECORE_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "TRADECORE_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "TRADECORE_REDIS_KEY_PREFIX")
	setDuration(&cfg.Redis.PriceTTL, "TRADECORE_REDIS_PRICE_TTL")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "TRADECORE_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "TRADECORE_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "TRADECORE_S3_REGION")
	setStr(&cfg.S3.Bucket, "TRADECORE_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "TRADECORE_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "TRADECORE_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "TRADECORE_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "TRADECORE_S3_FORCE_PATH_STYLE")
	setDuration(&cfg.S3.ArchiveInterval, "TRADECORE_S3_ARCHIVE_INTERVAL")
	setInt(&cfg.S3.RetentionDays, "TRADECORE_S3_RETENTION_DAYS")

	// ── Notify ──
	setStr(&cfg.Notify.WebhookURL, "TRADECORE_NOTIFY_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "TRADECORE_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "TRADECORE_MODE")
	setStr(&cfg.LogLevel, "TRADECORE_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
