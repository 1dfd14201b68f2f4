// Package config defines the top-level configuration for polyguard and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by POLYGUARD_* environment variables.
type Config struct {
	Postgres     PostgresConfig   `toml:"postgres"`
	Redis        RedisConfig      `toml:"redis"`
	Polymarket   PolymarketConfig `toml:"polymarket"`
	Feed         FeedConfig       `toml:"feed"`
	Exit         ExitConfig       `toml:"exit"`
	StopLoss     StopLossConfig   `toml:"stop_loss"`
	Breaker      BreakerConfig    `toml:"breaker"`
	Notify       NotifyConfig     `toml:"notify"`
	Metrics      MetricsConfig    `toml:"metrics"`
	Mode         string           `toml:"mode"`
	LogLevel     string           `toml:"log_level"`
	Store        string           `toml:"store"`
	Reservations string           `toml:"reservations"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
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

// RedisConfig holds Redis connection parameters. Redis is optional; an
// empty addr disables the signal bus, sweep locks and the market cache.
type RedisConfig struct {
	Addr       string   `toml:"addr"`
	Password   string   `toml:"password"`
	DB         int      `toml:"db"`
	PoolSize   int      `toml:"pool_size"`
	MaxRetries int      `toml:"max_retries"`
	TLSEnabled bool     `toml:"tls_enabled"`
	KeyPrefix  string   `toml:"key_prefix"`
	MarketTTL  duration `toml:"market_ttl"`
}

// PolymarketConfig holds Polymarket API endpoints.
type PolymarketConfig struct {
	ClobHost      string `toml:"clob_host"`
	GammaHost     string `toml:"gamma_host"`
	GammaPageSize int    `toml:"gamma_page_size"`
	GammaMaxPages int    `toml:"gamma_max_pages"`
}

// FeedConfig configures the wallet trade stream used for mirror exits.
type FeedConfig struct {
	Enabled bool   `toml:"enabled"`
	WsURL   string `toml:"ws_url"`
	Buffer  int    `toml:"buffer"`
}

// ExitConfig tunes the exit coordinator.
type ExitConfig struct {
	Concurrency         int      `toml:"concurrency"`
	MaxRetries          int      `toml:"max_retries"`
	FeeRate             float64  `toml:"fee_rate"`
	MinCorrectionProfit float64  `toml:"min_correction_profit"`
	ExitReadyInterval   duration `toml:"exit_ready_interval"`
	ResolutionInterval  duration `toml:"resolution_interval"`
	RetryInterval       duration `toml:"retry_interval"`
	CorrectionInterval  duration `toml:"correction_interval"`
	LockTTL             duration `toml:"lock_ttl"`
}

// StopLossConfig tunes the stop-loss check cycle.
type StopLossConfig struct {
	CheckInterval         duration `toml:"check_interval"`
	ConnectivityThreshold int      `toml:"connectivity_threshold"`
	NotifyBuffer          int      `toml:"notify_buffer"`
}

// BreakerConfig holds circuit breaker thresholds. Zero disables a check.
type BreakerConfig struct {
	Enabled              bool      `toml:"enabled"`
	MaxDailyLoss         float64   `toml:"max_daily_loss"`
	MaxDrawdownPct       float64   `toml:"max_drawdown_pct"`
	MaxConsecutiveLosses int       `toml:"max_consecutive_losses"`
	CooldownMinutes      int       `toml:"cooldown_minutes"`
	InitialValue         float64   `toml:"initial_value"`
	RecoveryStages       []float64 `toml:"recovery_stages"`
	MinTradesPerStage    int       `toml:"min_trades_per_stage"`
	StageDuration        duration  `toml:"stage_duration"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	DiscordUsername   string   `toml:"discord_username"`
	Events            []string `toml:"events"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
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
func Defaults() Config {
	return Config{
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "polyguard",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			PoolSize:   20,
			MaxRetries: 3,
			KeyPrefix:  "polyguard",
			MarketTTL:  duration{10 * time.Minute},
		},
		Polymarket: PolymarketConfig{
			ClobHost:      "https://clob.polymarket.com",
			GammaHost:     "https://gamma-api.polymarket.com",
			GammaPageSize: 500,
			GammaMaxPages: 20,
		},
		Feed: FeedConfig{
			Enabled: false,
			WsURL:   "wss://ws-live-data.polymarket.com",
			Buffer:  256,
		},
		Exit: ExitConfig{
			Concurrency:         8,
			MaxRetries:          3,
			FeeRate:             0.0,
			MinCorrectionProfit: 0.05,
			ExitReadyInterval:   duration{5 * time.Second},
			ResolutionInterval:  duration{time.Minute},
			RetryInterval:       duration{30 * time.Second},
			CorrectionInterval:  duration{15 * time.Second},
			LockTTL:             duration{time.Minute},
		},
		StopLoss: StopLossConfig{
			CheckInterval:         duration{5 * time.Second},
			ConnectivityThreshold: 5,
			NotifyBuffer:          64,
		},
		Breaker: BreakerConfig{
			Enabled:              true,
			MaxDailyLoss:         100,
			MaxDrawdownPct:       0.20,
			MaxConsecutiveLosses: 5,
			CooldownMinutes:      60,
		},
		Notify: NotifyConfig{
			DiscordUsername: "polyguard",
			Events:          []string{"exit_failed", "one_legged", "breaker_tripped"},
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9102",
		},
		Mode:         "full",
		LogLevel:     "info",
		Store:        "postgres",
		Reservations: "memory",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"exit":     true,
	"stoploss": true,
	"full":     true,
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

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: exit, stoploss, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	switch c.Store {
	case "memory":
	case "postgres":
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
	default:
		errs = append(errs, fmt.Sprintf("unknown store %q (valid: postgres, memory)", c.Store))
	}

	switch c.Reservations {
	case "memory":
	case "redis":
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must be set when reservations = \"redis\"")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown reservations %q (valid: memory, redis)", c.Reservations))
	}
	if c.Redis.Addr != "" && c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	if c.Polymarket.ClobHost == "" {
		errs = append(errs, "polymarket: clob_host must not be empty")
	}
	if c.Polymarket.GammaHost == "" {
		errs = append(errs, "polymarket: gamma_host must not be empty")
	}
	if c.Feed.Enabled && c.Feed.WsURL == "" {
		errs = append(errs, "feed: ws_url must not be empty when enabled")
	}

	if c.Exit.Concurrency < 1 {
		errs = append(errs, "exit: concurrency must be >= 1")
	}
	if c.Exit.MaxRetries < 0 {
		errs = append(errs, "exit: max_retries must be >= 0")
	}
	if c.Exit.FeeRate < 0 || c.Exit.FeeRate >= 1 {
		errs = append(errs, fmt.Sprintf("exit: fee_rate must be in [0, 1), got %g", c.Exit.FeeRate))
	}
	for name, d := range map[string]duration{
		"exit_ready_interval": c.Exit.ExitReadyInterval,
		"resolution_interval": c.Exit.ResolutionInterval,
		"retry_interval":      c.Exit.RetryInterval,
		"correction_interval": c.Exit.CorrectionInterval,
	} {
		if d.Duration <= 0 {
			errs = append(errs, fmt.Sprintf("exit: %s must be > 0", name))
		}
	}

	if c.StopLoss.CheckInterval.Duration <= 0 {
		errs = append(errs, "stop_loss: check_interval must be > 0")
	}
	if c.StopLoss.ConnectivityThreshold < 0 {
		errs = append(errs, "stop_loss: connectivity_threshold must be >= 0")
	}

	if c.Breaker.Enabled {
		if c.Breaker.MaxDailyLoss < 0 {
			errs = append(errs, "breaker: max_daily_loss must be >= 0")
		}
		if c.Breaker.MaxDrawdownPct < 0 || c.Breaker.MaxDrawdownPct > 1 {
			errs = append(errs, "breaker: max_drawdown_pct must be in [0, 1]")
		}
		if c.Breaker.MaxConsecutiveLosses < 0 {
			errs = append(errs, "breaker: max_consecutive_losses must be >= 0")
		}
		if c.Breaker.CooldownMinutes < 0 {
			errs = append(errs, "breaker: cooldown_minutes must be >= 0")
		}
		if c.Breaker.InitialValue < 0 {
			errs = append(errs, "breaker: initial_value must be >= 0")
		}
		for _, s := range c.Breaker.RecoveryStages {
			if s <= 0 || s > 1 {
				errs = append(errs, fmt.Sprintf("breaker: recovery stage %g must be in (0, 1]", s))
			}
		}
		if len(c.Breaker.RecoveryStages) > 0 && c.Breaker.MinTradesPerStage <= 0 && c.Breaker.StageDuration.Duration <= 0 {
			errs = append(errs, "breaker: recovery_stages needs min_trades_per_stage or stage_duration")
		}
		if c.Breaker.MinTradesPerStage < 0 || c.Breaker.StageDuration.Duration < 0 {
			errs = append(errs, "breaker: min_trades_per_stage and stage_duration must be >= 0")
		}
	}

	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		errs = append(errs, "metrics: addr must not be empty when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
