// Package config defines the top-level configuration for the trading core
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by TRADECORE_* environment variables.
type Config struct {
	Risk      RiskConfig      `toml:"risk"`
	Admission AdmissionConfig `toml:"admission"`
	Exchange  ExchangeConfig  `toml:"exchange"`
	Feed      FeedConfig      `toml:"feed"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Notify    NotifyConfig    `toml:"notify"`
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
}

// RiskConfig holds portfolio-level risk parameters shared by the accountant
// and the position ledger.
type RiskConfig struct {
	StartingCash      float64 `toml:"starting_cash"`
	Currency          string  `toml:"currency"`
	MaxPerSymbol      int     `toml:"max_per_symbol"`
	MaxTotalPositions int     `toml:"max_total_positions"`
}

// AdmissionConfig holds the order admission and execution parameters.
type AdmissionConfig struct {
	MinConfidence    float64  `toml:"min_confidence"`
	Whitelist        []string `toml:"whitelist"`
	SizingPct        float64  `toml:"sizing_pct"`
	MinOrderQty      float64  `toml:"min_order_qty"`
	SlippagePct      float64  `toml:"slippage_pct"`
	StopLossPct      float64  `toml:"stop_loss_pct"`
	TakeProfitPct    float64  `toml:"take_profit_pct"`
	MaxRetries       int      `toml:"max_retries"`
	RetryBackoff     duration `toml:"retry_backoff"`
	SubmitTimeout    duration `toml:"submit_timeout"`
	HourlyTradeLimit int      `toml:"hourly_trade_limit"`
	DailyTradeLimit  int      `toml:"daily_trade_limit"`
}

// ExchangeConfig selects and parameterizes the execution venue.
type ExchangeConfig struct {
	Name         string   `toml:"name"`
	PaperLatency duration `toml:"paper_latency"`
}

// FeedConfig holds the market data feed parameters.
type FeedConfig struct {
	WsURL      string   `toml:"ws_url"`
	Symbols    []string `toml:"symbols"`
	MaxTickAge duration `toml:"max_tick_age"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters. When disabled, rate limiting
// and the price cache stay in-process.
type RedisConfig struct {
	Enabled    bool     `toml:"enabled"`
	Addr       string   `toml:"addr"`
	Password   string   `toml:"password"`
	DB         int      `toml:"db"`
	PoolSize   int      `toml:"pool_size"`
	MaxRetries int      `toml:"max_retries"`
	TLSEnabled bool     `toml:"tls_enabled"`
	KeyPrefix  string   `toml:"key_prefix"`
	PriceTTL   duration `toml:"price_ttl"`
}

// S3Config holds S3-compatible object storage parameters for the archiver.
type S3Config struct {
	Enabled         bool     `toml:"enabled"`
	Endpoint        string   `toml:"endpoint"`
	Region          string   `toml:"region"`
	Bucket          string   `toml:"bucket"`
	AccessKey       string   `toml:"access_key"`
	SecretKey       string   `toml:"secret_key"`
	UseSSL          bool     `toml:"use_ssl"`
	ForcePathStyle  bool     `toml:"force_path_style"`
	ArchiveInterval duration `toml:"archive_interval"`
	RetentionDays   int      `toml:"retention_days"`
}

// NotifyConfig holds notification channel settings.
type NotifyConfig struct {
	WebhookURL string   `toml:"webhook_url"`
	Events     []string `toml:"events"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Risk: RiskConfig{
			StartingCash:      10_000,
			Currency:          "USD",
			MaxPerSymbol:      2,
			MaxTotalPositions: 10,
		},
		Admission: AdmissionConfig{
			MinConfidence:    0.7,
			Whitelist:        []string{},
			SizingPct:        0.10,
			MinOrderQty:      0.0001,
			SlippagePct:      0.002,
			StopLossPct:      0.05,
			TakeProfitPct:    0.10,
			MaxRetries:       2,
			RetryBackoff:     duration{500 * time.Millisecond},
			SubmitTimeout:    duration{5 * time.Second},
			HourlyTradeLimit: 20,
			DailyTradeLimit:  100,
		},
		Exchange: ExchangeConfig{
			Name:         "paper",
			PaperLatency: duration{10 * time.Millisecond},
		},
		Feed: FeedConfig{
			WsURL:      "wss://stream.example.com/ws",
			Symbols:    []string{"BTC-USD", "ETH-USD"},
			MaxTickAge: duration{5 * time.Second},
		},
		Postgres: PostgresConfig{
			Enabled:       false,
			Host:          "localhost",
			Port:          5432,
			Database:      "tradecore",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Enabled:    false,
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
			KeyPrefix:  "tradecore",
			PriceTTL:   duration{time.Minute},
		},
		S3: S3Config{
			Enabled:         false,
			Endpoint:        "http://localhost:9000",
			Region:          "us-east-1",
			Bucket:          "tradecore-data",
			UseSSL:          false,
			ForcePathStyle:  true,
			ArchiveInterval: duration{24 * time.Hour},
			RetentionDays:   90,
		},
		Notify: NotifyConfig{
			Events: []string{"resource_limit", "error"},
		},
		Mode:     "paper",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"trade":   true,
	"paper":   true,
	"monitor": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	// Mode
	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: trade, paper, monitor)", c.Mode))
	}

	// LogLevel
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Risk
	if c.Risk.StartingCash <= 0 {
		errs = append(errs, "risk: starting_cash must be > 0")
	}
	if c.Risk.Currency == "" {
		errs = append(errs, "risk: currency must not be empty")
	}
	if c.Risk.MaxPerSymbol < 1 {
		errs = append(errs, "risk: max_per_symbol must be >= 1")
	}
	if c.Risk.MaxTotalPositions < 1 {
		errs = append(errs, "risk: max_total_positions must be >= 1")
	}
	if c.Risk.MaxPerSymbol > c.Risk.MaxTotalPositions {
		errs = append(errs, "risk: max_per_symbol must not exceed max_total_positions")
	}

	// Admission
	if c.Admission.MinConfidence < 0 || c.Admission.MinConfidence > 1 {
		errs = append(errs, fmt.Sprintf("admission: min_confidence must be in [0, 1], got %g", c.Admission.MinConfidence))
	}
	if c.Admission.SizingPct <= 0 || c.Admission.SizingPct > 1 {
		errs = append(errs, fmt.Sprintf("admission: sizing_pct must be in (0, 1], got %g", c.Admission.SizingPct))
	}
	if c.Admission.SlippagePct < 0 || c.Admission.SlippagePct >= 1 {
		errs = append(errs, fmt.Sprintf("admission: slippage_pct must be in [0, 1), got %g", c.Admission.SlippagePct))
	}
	if c.Admission.MinOrderQty < 0 {
		errs = append(errs, "admission: min_order_qty must be >= 0")
	}
	if c.Admission.MaxRetries < 0 {
		errs = append(errs, "admission: max_retries must be >= 0")
	}
	if c.Admission.SubmitTimeout.Duration <= 0 {
		errs = append(errs, "admission: submit_timeout must be > 0")
	}
	if c.Admission.HourlyTradeLimit < 0 || c.Admission.DailyTradeLimit < 0 {
		errs = append(errs, "admission: trade limits must be >= 0 (0 disables)")
	}

	// Exchange
	switch strings.ToLower(c.Exchange.Name) {
	case "paper":
	case "":
		errs = append(errs, "exchange: name must not be empty")
	default:
		errs = append(errs, fmt.Sprintf("exchange: unknown name %q (valid: paper)", c.Exchange.Name))
	}
	if c.Mode == "trade" && strings.ToLower(c.Exchange.Name) == "paper" {
		errs = append(errs, "exchange: trade mode requires a live exchange, not paper")
	}

	// Feed — required for trading modes.
	if c.Mode == "trade" || c.Mode == "paper" {
		if c.Feed.WsURL == "" {
			errs = append(errs, "feed: ws_url must not be empty for mode "+c.Mode)
		}
		if len(c.Feed.Symbols) == 0 {
			errs = append(errs, "feed: at least one symbol is required for mode "+c.Mode)
		}
		if c.Feed.MaxTickAge.Duration <= 0 {
			errs = append(errs, "feed: max_tick_age must be > 0")
		}
	}

	// Postgres
	if c.Postgres.Enabled {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 {
			errs = append(errs, "postgres: pool_min_conns must be >= 0")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
		if c.Redis.KeyPrefix == "" {
			errs = append(errs, "redis: key_prefix must not be empty")
		}
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty")
		}
		if !c.Postgres.Enabled {
			errs = append(errs, "s3: archiving requires postgres to be enabled")
		}
		if c.S3.ArchiveInterval.Duration <= 0 {
			errs = append(errs, "s3: archive_interval must be > 0")
		}
		if c.S3.RetentionDays < 1 {
			errs = append(errs, "s3: retention_days must be >= 1")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
