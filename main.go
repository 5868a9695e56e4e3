package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/loureed691/RAD-sub002/config"
	"github.com/loureed691/RAD-sub002/internal/events"
	"github.com/loureed691/RAD-sub002/internal/exchange"
	"github.com/loureed691/RAD-sub002/internal/gateway"
	"github.com/loureed691/RAD-sub002/internal/journal"
	"github.com/loureed691/RAD-sub002/internal/position"
	"github.com/loureed691/RAD-sub002/internal/ratelimit"
	sig "github.com/loureed691/RAD-sub002/internal/signal"
	"github.com/loureed691/RAD-sub002/internal/store"
	"github.com/loureed691/RAD-sub002/internal/trader"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallback := zerolog.New(os.Stderr)
		fallback.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logger := newLogger(cfg.LoggingConfig)
	logger.Info().Bool("mock_mode", cfg.ExchangeConfig.MockMode).Msg("Starting trading client")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewBus()

	// Exchange client. Only the simulated client is wired here; a live
	// connector plugs in behind the same interface.
	client, provider := buildExchange(cfg, logger)

	limiter := ratelimit.New(ratelimit.Config{
		MinInterval:      time.Duration(cfg.RateLimitConfig.MinIntervalMs) * time.Millisecond,
		FailureThreshold: cfg.RateLimitConfig.FailureThreshold,
		RecoveryTimeout:  time.Duration(cfg.RateLimitConfig.RecoveryTimeoutSec) * time.Second,
	})
	limiter.OnStateChange(func(state ratelimit.BreakerState) {
		logger.Warn().Str("state", string(state)).Msg("Circuit breaker state changed")
		bus.PublishBreakerState(string(state))
	})

	gw := gateway.New(client, limiter, bus, logger, gateway.Config{
		MaxRetries:         cfg.GatewayConfig.MaxRetries,
		CriticalMultiplier: cfg.GatewayConfig.CriticalMultiplier,
		CloseAttempts:      cfg.GatewayConfig.CloseAttempts,
		CloseRetryDelay:    time.Duration(cfg.GatewayConfig.CloseRetryDelaySec) * time.Second,
		CallTimeout:        time.Duration(cfg.GatewayConfig.CallTimeoutSec) * time.Second,
		InitialBackoff:     time.Duration(cfg.GatewayConfig.InitialBackoffMs) * time.Millisecond,
		MaxBackoff:         time.Duration(cfg.GatewayConfig.MaxBackoffSec) * time.Second,
		MarginHeadroom:     cfg.GatewayConfig.MarginHeadroom,
		MinNotional:        cfg.GatewayConfig.MinNotional,
		MarginType:         cfg.GatewayConfig.MarginType,
	})

	registry := position.NewRegistry()
	reconciler := position.NewReconciler(registry, gw, bus, logger, position.AdoptionConfig{})

	exitCfg := position.DefaultExitConfig()
	exitCfg.MaxHoldDuration = time.Duration(cfg.ExitConfig.MaxHoldHours * float64(time.Hour))
	exitCfg.VolatilitySpikeRatio = cfg.ExitConfig.VolatilitySpikeRatio
	exitCfg.MomentumReversalThreshold = cfg.ExitConfig.MomentumReversalThreshold
	exitCfg.RSIOverbought = cfg.ExitConfig.RSIOverbought
	exitCfg.RSIOversold = cfg.ExitConfig.RSIOversold
	exitCfg.AdverseStreakLimit = cfg.ExitConfig.AdverseStreakLimit
	exitCfg.ProfitLockActivation = cfg.ExitConfig.ProfitLockActivation
	exitCfg.ProfitLockRetraceFraction = cfg.ExitConfig.ProfitLockRetraceFraction
	exitCfg.BreakevenActivation = cfg.ExitConfig.BreakevenActivation
	exitCfg.BreakevenLockIn = cfg.ExitConfig.BreakevenLockIn
	exitCfg.TakeProfitROI = cfg.ExitConfig.TakeProfitROI
	if len(cfg.ExitConfig.EmergencyStops) > 0 {
		exitCfg.EmergencyStops = cfg.ExitConfig.EmergencyStops
	}
	exits := position.NewExitEngine(exitCfg)
	targets := position.NewTargetEngine(position.DefaultTargetConfig())

	snapshots := newSnapshotStore(ctx, cfg.RedisConfig, logger)

	pool, err := journal.Connect(ctx, postgresDSN(cfg.PostgresConfig))
	if err != nil {
		logger.Warn().Err(err).Msg("Postgres unavailable, journal disabled")
	}
	jnl := journal.New(pool, logger)
	if err := jnl.EnsureSchema(ctx); err != nil {
		logger.Warn().Err(err).Msg("Journal schema setup failed, journal disabled")
		jnl = journal.New(nil, logger)
	}
	jnl.Attach(bus)
	defer jnl.Close()

	monitor := trader.NewMonitor(registry, gw, provider, reconciler, exits, targets, bus, snapshots, logger,
		time.Duration(cfg.TraderConfig.MonitorIntervalSec)*time.Second)

	consumer := trader.NewConsumer(registry, gw, provider, targets, bus, snapshots, logger,
		trader.ConsumerConfig{
			ScanInterval:     time.Duration(cfg.TraderConfig.ScanIntervalSec) * time.Second,
			FirstScanDelay:   time.Duration(cfg.TraderConfig.FirstScanDelaySec) * time.Second,
			MinConfidence:    cfg.TraderConfig.MinConfidence,
			MaxOpenPositions: cfg.TraderConfig.MaxOpenPositions,
			MaxPerBaseAsset:  cfg.TraderConfig.MaxPerBaseAsset,
			MaxLeverage:      cfg.TraderConfig.MaxLeverage,
			PositionMargin:   cfg.TraderConfig.PositionMargin,
			InitialStopROI:   cfg.TraderConfig.InitialStopROI,
		},
		func(fatalErr error) {
			logger.Error().Err(fatalErr).Msg("Fatal exchange error, shutting down")
			cancel()
		},
	)

	t := trader.New(monitor, consumer, registry, snapshots, logger, trader.Config{
		ShutdownTimeout: time.Duration(cfg.TraderConfig.ShutdownTimeoutSec) * time.Second,
	})
	t.Start(ctx)

	// Scheduled reconciliation, independent of the monitor's pre-cycle pass.
	go reconciler.Run(ctx, time.Duration(cfg.TraderConfig.ReconcileIntervalSec)*time.Second)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sigCh:
		logger.Info().Str("signal", s.String()).Msg("Shutdown signal received")
	case <-ctx.Done():
	}

	t.Stop()
	logger.Info().Msg("Trading client stopped")
}

// newLogger builds the root zerolog logger.
func newLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	out := zerolog.New(os.Stdout)
	if cfg.Pretty {
		out = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	}
	return out.Level(level).With().Timestamp().Logger()
}

// buildExchange returns the exchange client and the signal provider. In mock
// mode both are simulated and the process runs as a dry-run harness.
func buildExchange(cfg *config.Config, logger zerolog.Logger) (exchange.Client, sig.Provider) {
	if !cfg.ExchangeConfig.MockMode {
		logger.Fatal().Msg("No live exchange connector configured, set exchange.mock_mode=true")
	}

	provider := &sig.StaticProvider{
		Contexts: map[string]*sig.MarketContext{},
	}
	client := exchange.NewMockClient(cfg.ExchangeConfig.InitialBalance, func(symbol string) (float64, error) {
		if mc, ok := provider.Contexts[symbol]; ok && mc.Price > 0 {
			return mc.Price, nil
		}
		return 0, exchange.ErrInvalidParams
	})
	return client, provider
}

// newSnapshotStore wires the redis-backed snapshot store, or the in-memory
// fallback when redis is disabled.
func newSnapshotStore(ctx context.Context, cfg config.RedisConfig, logger zerolog.Logger) *store.SnapshotStore {
	if !cfg.Enabled {
		return store.NewSnapshotStore(nil, logger)
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn().Err(err).Str("address", cfg.Address).Msg("Redis unreachable at startup, snapshots fall back to memory")
	}
	return store.NewSnapshotStore(client, logger)
}

func postgresDSN(cfg config.PostgresConfig) string {
	if !cfg.Enabled {
		return ""
	}
	return cfg.DSN
}
