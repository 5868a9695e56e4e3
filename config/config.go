// Package config loads the process configuration: a JSON file as the base,
// with environment variables taking precedence for deployment-specific
// settings.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

// Config is the full process configuration.
type Config struct {
	ExchangeConfig  ExchangeConfig  `json:"exchange"`
	RateLimitConfig RateLimitConfig `json:"rate_limit"`
	GatewayConfig   GatewayConfig   `json:"gateway"`
	ExitConfig      ExitConfig      `json:"exit"`
	TraderConfig    TraderConfig    `json:"trader"`
	RedisConfig     RedisConfig     `json:"redis"`
	PostgresConfig  PostgresConfig  `json:"postgres"`
	LoggingConfig   LoggingConfig   `json:"logging"`
}

// ExchangeConfig holds exchange client settings.
type ExchangeConfig struct {
	MockMode       bool    `json:"mock_mode"`
	InitialBalance float64 `json:"initial_balance"` // Mock mode starting balance
}

// RateLimitConfig holds rate limiter / circuit breaker settings.
type RateLimitConfig struct {
	MinIntervalMs      int `json:"min_interval_ms"`
	FailureThreshold   int `json:"failure_threshold"`
	RecoveryTimeoutSec int `json:"recovery_timeout_sec"`
}

// GatewayConfig holds order execution gateway settings.
type GatewayConfig struct {
	MaxRetries         int     `json:"max_retries"`
	CriticalMultiplier int     `json:"critical_multiplier"`
	CloseAttempts      int     `json:"close_attempts"`
	CloseRetryDelaySec int     `json:"close_retry_delay_sec"`
	CallTimeoutSec     int     `json:"call_timeout_sec"`
	InitialBackoffMs   int     `json:"initial_backoff_ms"`
	MaxBackoffSec      int     `json:"max_backoff_sec"`
	MarginHeadroom     float64 `json:"margin_headroom"`
	MinNotional        float64 `json:"min_notional"`
	MarginType         string  `json:"margin_type"`
}

// ExitConfig holds exit-strategy thresholds. PnL values are leveraged ROI
// fractions (0.20 == 20%).
type ExitConfig struct {
	MaxHoldHours              float64   `json:"max_hold_hours"`
	VolatilitySpikeRatio      float64   `json:"volatility_spike_ratio"`
	MomentumReversalThreshold float64   `json:"momentum_reversal_threshold"`
	RSIOverbought             float64   `json:"rsi_overbought"`
	RSIOversold               float64   `json:"rsi_oversold"`
	AdverseStreakLimit        int       `json:"adverse_streak_limit"`
	ProfitLockActivation      float64   `json:"profit_lock_activation"`
	ProfitLockRetraceFraction float64   `json:"profit_lock_retrace_fraction"`
	BreakevenActivation       float64   `json:"breakeven_activation"`
	BreakevenLockIn           float64   `json:"breakeven_lock_in"`
	TakeProfitROI             float64   `json:"take_profit_roi"`
	EmergencyStops            []float64 `json:"emergency_stops"`
}

// TraderConfig holds loop scheduling and sizing settings.
type TraderConfig struct {
	MonitorIntervalSec   int     `json:"monitor_interval_sec"`
	ScanIntervalSec      int     `json:"scan_interval_sec"`
	FirstScanDelaySec    int     `json:"first_scan_delay_sec"`
	ReconcileIntervalSec int     `json:"reconcile_interval_sec"`
	ShutdownTimeoutSec   int     `json:"shutdown_timeout_sec"`
	MinConfidence        float64 `json:"min_confidence"`
	MaxOpenPositions     int     `json:"max_open_positions"`
	MaxPerBaseAsset      int     `json:"max_per_base_asset"`
	MaxLeverage          int     `json:"max_leverage"`
	PositionMargin       float64 `json:"position_margin"`
	InitialStopROI       float64 `json:"initial_stop_roi"`
}

// RedisConfig holds snapshot store settings.
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// PostgresConfig holds journal settings.
type PostgresConfig struct {
	Enabled bool   `json:"enabled"`
	DSN     string `json:"dsn"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level  string `json:"level"`
	Pretty bool   `json:"pretty"`
}

// Default returns the baseline configuration used when no file is present.
func Default() *Config {
	return &Config{
		ExchangeConfig: ExchangeConfig{
			MockMode:       true,
			InitialBalance: 10000,
		},
		RateLimitConfig: RateLimitConfig{
			MinIntervalMs:      250,
			FailureThreshold:   5,
			RecoveryTimeoutSec: 30,
		},
		GatewayConfig: GatewayConfig{
			MaxRetries:         3,
			CriticalMultiplier: 3,
			CloseAttempts:      5,
			CloseRetryDelaySec: 2,
			CallTimeoutSec:     10,
			InitialBackoffMs:   500,
			MaxBackoffSec:      15,
			MarginHeadroom:     0.95,
			MinNotional:        5,
			MarginType:         "ISOLATED",
		},
		ExitConfig: ExitConfig{
			MaxHoldHours:              8,
			VolatilitySpikeRatio:      2.0,
			MomentumReversalThreshold: 0.02,
			RSIOverbought:             70,
			RSIOversold:               30,
			AdverseStreakLimit:        5,
			ProfitLockActivation:      0.10,
			ProfitLockRetraceFraction: 0.30,
			BreakevenActivation:       0.05,
			BreakevenLockIn:           0.002,
			TakeProfitROI:             0.20,
			EmergencyStops:            []float64{-0.15, -0.25, -0.40},
		},
		TraderConfig: TraderConfig{
			MonitorIntervalSec:   5,
			ScanIntervalSec:      60,
			FirstScanDelaySec:    15,
			ReconcileIntervalSec: 30,
			ShutdownTimeoutSec:   5,
			MinConfidence:        0.60,
			MaxOpenPositions:     5,
			MaxPerBaseAsset:      1,
			MaxLeverage:          20,
			PositionMargin:       50,
			InitialStopROI:       0.10,
		},
		RedisConfig: RedisConfig{
			Address: "localhost:6379",
		},
		LoggingConfig: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads config.json when present, then applies environment overrides.
func Load() (*Config, error) {
	cfg := Default()
	if err := loadFromFile("config.json", cfg); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides; these take
// precedence over the file.
func applyEnvOverrides(cfg *Config) {
	cfg.ExchangeConfig.MockMode = getEnvBool("EXCHANGE_MOCK_MODE", cfg.ExchangeConfig.MockMode)

	cfg.RateLimitConfig.MinIntervalMs = getEnvInt("RATE_LIMIT_MIN_INTERVAL_MS", cfg.RateLimitConfig.MinIntervalMs)
	cfg.RateLimitConfig.FailureThreshold = getEnvInt("RATE_LIMIT_FAILURE_THRESHOLD", cfg.RateLimitConfig.FailureThreshold)

	cfg.TraderConfig.MonitorIntervalSec = getEnvInt("MONITOR_INTERVAL_SEC", cfg.TraderConfig.MonitorIntervalSec)
	cfg.TraderConfig.ScanIntervalSec = getEnvInt("SCAN_INTERVAL_SEC", cfg.TraderConfig.ScanIntervalSec)
	cfg.TraderConfig.MaxOpenPositions = getEnvInt("MAX_OPEN_POSITIONS", cfg.TraderConfig.MaxOpenPositions)

	cfg.RedisConfig.Enabled = getEnvBool("REDIS_ENABLED", cfg.RedisConfig.Enabled)
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", cfg.RedisConfig.Address)
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)

	cfg.PostgresConfig.DSN = getEnvOrDefault("DATABASE_URL", cfg.PostgresConfig.DSN)
	if cfg.PostgresConfig.DSN != "" {
		cfg.PostgresConfig.Enabled = getEnvBool("POSTGRES_ENABLED", true)
	}

	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", cfg.LoggingConfig.Level)
	cfg.LoggingConfig.Pretty = getEnvBool("LOG_PRETTY", cfg.LoggingConfig.Pretty)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1"
	}
	return defaultValue
}
