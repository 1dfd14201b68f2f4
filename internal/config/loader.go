package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies POLYGUARD_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		md, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return nil, fmt.Errorf("config: unknown keys in %s: %s", path, strings.Join(keys, ", "))
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known POLYGUARD_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "POLYGUARD_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "POLYGUARD_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "POLYGUARD_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "POLYGUARD_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "POLYGUARD_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "POLYGUARD_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "POLYGUARD_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "POLYGUARD_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "POLYGUARD_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "POLYGUARD_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "POLYGUARD_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "POLYGUARD_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "POLYGUARD_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "POLYGUARD_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "POLYGUARD_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "POLYGUARD_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "POLYGUARD_REDIS_KEY_PREFIX")
	setDuration(&cfg.Redis.MarketTTL, "POLYGUARD_REDIS_MARKET_TTL")

	// ── Polymarket ──
	setStr(&cfg.Polymarket.ClobHost, "POLYGUARD_POLYMARKET_CLOB_HOST")
	setStr(&cfg.Polymarket.GammaHost, "POLYGUARD_POLYMARKET_GAMMA_HOST")
	setInt(&cfg.Polymarket.GammaPageSize, "POLYGUARD_POLYMARKET_GAMMA_PAGE_SIZE")
	setInt(&cfg.Polymarket.GammaMaxPages, "POLYGUARD_POLYMARKET_GAMMA_MAX_PAGES")

	// ── Feed ──
	setBool(&cfg.Feed.Enabled, "POLYGUARD_FEED_ENABLED")
	setStr(&cfg.Feed.WsURL, "POLYGUARD_FEED_WS_URL")
	setInt(&cfg.Feed.Buffer, "POLYGUARD_FEED_BUFFER")

	// ── Exit ──
	setInt(&cfg.Exit.Concurrency, "POLYGUARD_EXIT_CONCURRENCY")
	setInt(&cfg.Exit.MaxRetries, "POLYGUARD_EXIT_MAX_RETRIES")
	setFloat64(&cfg.Exit.FeeRate, "POLYGUARD_EXIT_FEE_RATE")
	setFloat64(&cfg.Exit.MinCorrectionProfit, "POLYGUARD_EXIT_MIN_CORRECTION_PROFIT")
	setDuration(&cfg.Exit.ExitReadyInterval, "POLYGUARD_EXIT_EXIT_READY_INTERVAL")
	setDuration(&cfg.Exit.ResolutionInterval, "POLYGUARD_EXIT_RESOLUTION_INTERVAL")
	setDuration(&cfg.Exit.RetryInterval, "POLYGUARD_EXIT_RETRY_INTERVAL")
	setDuration(&cfg.Exit.CorrectionInterval, "POLYGUARD_EXIT_CORRECTION_INTERVAL")
	setDuration(&cfg.Exit.LockTTL, "POLYGUARD_EXIT_LOCK_TTL")

	// ── Stop loss ──
	setDuration(&cfg.StopLoss.CheckInterval, "POLYGUARD_STOP_LOSS_CHECK_INTERVAL")
	setInt(&cfg.StopLoss.ConnectivityThreshold, "POLYGUARD_STOP_LOSS_CONNECTIVITY_THRESHOLD")
	setInt(&cfg.StopLoss.NotifyBuffer, "POLYGUARD_STOP_LOSS_NOTIFY_BUFFER")

	// ── Breaker ──
	setBool(&cfg.Breaker.Enabled, "POLYGUARD_BREAKER_ENABLED")
	setFloat64(&cfg.Breaker.MaxDailyLoss, "POLYGUARD_BREAKER_MAX_DAILY_LOSS")
	setFloat64(&cfg.Breaker.MaxDrawdownPct, "POLYGUARD_BREAKER_MAX_DRAWDOWN_PCT")
	setInt(&cfg.Breaker.MaxConsecutiveLosses, "POLYGUARD_BREAKER_MAX_CONSECUTIVE_LOSSES")
	setInt(&cfg.Breaker.CooldownMinutes, "POLYGUARD_BREAKER_COOLDOWN_MINUTES")
	setFloat64(&cfg.Breaker.InitialValue, "POLYGUARD_BREAKER_INITIAL_VALUE")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "POLYGUARD_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "POLYGUARD_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "POLYGUARD_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "POLYGUARD_NOTIFY_EVENTS")

	// ── Metrics ──
	setBool(&cfg.Metrics.Enabled, "POLYGUARD_METRICS_ENABLED")
	setStr(&cfg.Metrics.Addr, "POLYGUARD_METRICS_ADDR")

	// ── Top-level ──
	setStr(&cfg.Mode, "POLYGUARD_MODE")
	setStr(&cfg.LogLevel, "POLYGUARD_LOG_LEVEL")
	setStr(&cfg.Store, "POLYGUARD_STORE")
	setStr(&cfg.Reservations, "POLYGUARD_RESERVATIONS")
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
