package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polyguard/internal/cache/redis"
	"github.com/alanyoungcy/polyguard/internal/config"
	"github.com/alanyoungcy/polyguard/internal/domain"
	"github.com/alanyoungcy/polyguard/internal/executor"
	"github.com/alanyoungcy/polyguard/internal/feed"
	"github.com/alanyoungcy/polyguard/internal/notify"
	"github.com/alanyoungcy/polyguard/internal/platform/polymarket"
	"github.com/alanyoungcy/polyguard/internal/risk"
	"github.com/alanyoungcy/polyguard/internal/store/memory"
	"github.com/alanyoungcy/polyguard/internal/store/postgres"
)

// Dependencies bundles every domain-level dependency that the application modes
// need to operate. It is constructed by Wire and torn down by the returned
// cleanup function.
type Dependencies struct {
	// Stores
	PositionStore domain.PositionStore
	RuleStore     domain.StopLossRuleStore
	AuditStore    domain.AuditStore // nil with the memory store

	// Redis-backed; nil when redis.addr is empty
	MarketCache domain.MarketCache
	LockManager domain.LockManager
	SignalBus   domain.SignalBus
	Signals     domain.SignalPublisher

	Reservations domain.ReservationSet
	MarketData   *polymarket.Client
	Executor     domain.OrderExecutor
	Breaker      *risk.Breaker
	Trades       *feed.Broadcaster // nil unless feed.enabled

	Notifier *notify.Notifier
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

	deps := &Dependencies{}

	// --- Position and rule storage ---
	switch cfg.Store {
	case "memory":
		deps.PositionStore = memory.NewPositionStore()
		deps.RuleStore = memory.NewStopLossRuleStore()
	default:
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
		deps.PositionStore = postgres.NewPositionStore(pool)
		deps.RuleStore = postgres.NewStopLossRuleStore(pool)
		deps.AuditStore = postgres.NewAuditStore(pool)
	}

	// --- Redis (optional) ---
	if cfg.Redis.Addr != "" {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		bus := redis.NewSignalBus(redisClient)
		deps.SignalBus = bus
		deps.Signals = bus
		deps.MarketCache = redis.NewMarketCache(redisClient, cfg.Redis.MarketTTL.Duration)
		deps.LockManager = redis.NewLockManager(redisClient)
		if cfg.Reservations == "redis" {
			deps.Reservations = redis.NewReservationSet(redisClient)
		}
	}
	if deps.Reservations == nil {
		deps.Reservations = executor.NewReservations()
	}

	// --- Market data and execution ---
	deps.MarketData = polymarket.NewClient(
		polymarket.NewGammaClient(cfg.Polymarket.GammaHost, cfg.Polymarket.GammaPageSize, cfg.Polymarket.GammaMaxPages),
		polymarket.NewClobClient(cfg.Polymarket.ClobHost),
	)
	feeRate := decimal.NewFromFloat(cfg.Exit.FeeRate)
	deps.Executor = executor.NewPaperExecutor(deps.MarketData, feeRate, logger)

	if cfg.Feed.Enabled {
		deps.Trades = feed.NewBroadcaster(cfg.Feed.Buffer)
		closers = append(closers, deps.Trades.Close)
	}

	// --- Circuit breaker ---
	deps.Breaker = risk.NewBreaker(breakerConfig(cfg.Breaker), logger,
		risk.WithInitialValue(decimal.NewFromFloat(cfg.Breaker.InitialValue)))

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL, cfg.Notify.DiscordUsername))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}

func breakerConfig(c config.BreakerConfig) risk.Config {
	out := risk.Config{
		Enabled:              c.Enabled,
		MaxDailyLoss:         decimal.NewFromFloat(c.MaxDailyLoss),
		MaxDrawdownPct:       decimal.NewFromFloat(c.MaxDrawdownPct),
		MaxConsecutiveLosses: c.MaxConsecutiveLosses,
		Cooldown:             minutes(c.CooldownMinutes),
		Recovery: risk.RecoveryConfig{
			MinTradesPerStage: c.MinTradesPerStage,
			StageDuration:     c.StageDuration.Duration,
		},
	}
	for _, s := range c.RecoveryStages {
		out.Recovery.Stages = append(out.Recovery.Stages, decimal.NewFromFloat(s))
	}
	return out
}

func minutes(n int) time.Duration { return time.Duration(n) * time.Minute }
