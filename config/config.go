package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the root configuration for the risk bot.
type Config struct {
	BrokerConfig         BrokerConfig         `json:"broker"`
	DatabaseConfig       DatabaseConfig       `json:"database"`
	RedisConfig          RedisConfig          `json:"redis"`
	MarketConfig         MarketConfig         `json:"market"`
	SessionConfig        SessionConfig        `json:"session"`
	HardLimitsConfig     HardLimitsConfig     `json:"hard_limits"`
	TrailingConfig       TrailingConfig       `json:"trailing"`
	PeakDrawdownConfig   PeakDrawdownConfig   `json:"peak_drawdown"`
	UnderlyingExitConfig UnderlyingExitConfig `json:"underlying_exit"`
	CircuitBreakerConfig CircuitBreakerConfig `json:"circuit_breaker"`
	RiskLoopConfig       RiskLoopConfig       `json:"risk_loop"`
	FeatureFlags         FeatureFlags         `json:"features"`
	LoggingConfig        LoggingConfig        `json:"logging"`
}

// BrokerConfig holds broker API configuration.
type BrokerConfig struct {
	BaseURL        string `json:"base_url"`
	ClientID       string `json:"client_id"`
	AccessToken    string `json:"access_token"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	DryRun         bool   `json:"dry_run"` // Log exits without placing real orders
}

// DatabaseConfig holds PostgreSQL configuration.
type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

// RedisConfig holds Redis configuration for the distributed tick store
// and exit locks.
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// MarketConfig holds tick feed and price freshness configuration.
type MarketConfig struct {
	FeedURL          string `json:"feed_url"`
	FreshnessSeconds int    `json:"freshness_seconds"` // Max tick age before fallback fetch
	ReconnectSeconds int    `json:"reconnect_seconds"`
}

// SessionConfig holds intraday session boundaries. Times are "HH:MM" in Timezone.
type SessionConfig struct {
	Timezone     string `json:"timezone"`
	OpenTime     string `json:"open_time"`
	ForcedExitAt string `json:"forced_exit_at"` // Session-end cutoff, e.g. "15:20"
}

// HardLimitsConfig holds static SL/TP defaults used when the regime
// resolver has no mapping for an index.
type HardLimitsConfig struct {
	DefaultSLPercent float64 `json:"default_sl_percent"`
	DefaultTPPercent float64 `json:"default_tp_percent"`
}

// TrailingTier maps a profit threshold to a locked SL offset from entry.
type TrailingTier struct {
	ProfitPercent   float64 `json:"profit_percent"`    // Tier arms at this profit
	SLOffsetPercent float64 `json:"sl_offset_percent"` // SL locked at entry*(1+offset/100)
}

// TrailingConfig holds tiered trailing stop configuration.
type TrailingConfig struct {
	Enabled                  bool               `json:"enabled"`
	Tiers                    []TrailingTier     `json:"tiers"`
	BreakevenActivationPct   float64            `json:"breakeven_activation_pct"`
	AdaptiveBandMaxPct       float64            `json:"adaptive_band_max_pct"` // Drawdown band at low profit
	AdaptiveBandMinPct       float64            `json:"adaptive_band_min_pct"` // Band floor as profit grows
	AdaptiveBandFullAtProfit float64            `json:"adaptive_band_full_at"` // Profit % where the band reaches its floor
	IndexBandFloors          map[string]float64 `json:"index_band_floors"`     // Per-index band floor overrides
}

// PeakDrawdownConfig holds the peak-drawdown exit rule configuration.
type PeakDrawdownConfig struct {
	Enabled             bool    `json:"enabled"`
	MaxDrawdownPercent  float64 `json:"max_drawdown_percent"`
	GatingEnabled       bool    `json:"gating_enabled"`
	ActivationProfitPct float64 `json:"activation_profit_pct"`
	ActivationSLOffset  float64 `json:"activation_sl_offset_pct"`
}

// UnderlyingExitConfig holds the underlying-aware exit rule configuration.
type UnderlyingExitConfig struct {
	Enabled         bool    `json:"enabled"`
	TrendScoreFloor float64 `json:"trend_score_floor"` // Exit when score collapses below this
	CacheTTLSeconds int     `json:"cache_ttl_seconds"`
	CandleLookback  int     `json:"candle_lookback"`
	SwingLookback   int     `json:"swing_lookback"`
	ATRPeriod       int     `json:"atr_period"`
}

// CircuitBreakerConfig holds the upstream-failure circuit breaker configuration.
type CircuitBreakerConfig struct {
	Enabled          bool `json:"enabled"`
	FailureThreshold int  `json:"failure_threshold"`
	CooldownSeconds  int  `json:"cooldown_seconds"`
}

// RiskLoopConfig holds RiskManagerService loop configuration.
type RiskLoopConfig struct {
	IntervalSeconds      int `json:"interval_seconds"`
	SyncEveryCycles      int `json:"sync_every_cycles"`
	RecentErrorsRetained int `json:"recent_errors_retained"`
}

// FeatureFlags is the single typed flag set threaded into the control loop.
type FeatureFlags struct {
	UnderlyingAwareExit bool `json:"underlying_aware_exit"`
	PeakDrawdownExit    bool `json:"peak_drawdown_exit"`
	RegimeParameters    bool `json:"regime_parameters"`
	BreakevenLock       bool `json:"breakeven_lock"`
}

// LoggingConfig holds zerolog configuration.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Pretty bool   `json:"pretty"` // Console writer instead of JSON
}

// DefaultConfig returns a configuration with safe defaults for all sections.
func DefaultConfig() *Config {
	return &Config{
		BrokerConfig: BrokerConfig{
			BaseURL:        "https://api.dhan.co",
			TimeoutSeconds: 10,
			DryRun:         true,
		},
		DatabaseConfig: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "riskbot",
			Database: "riskbot",
			SSLMode:  "disable",
		},
		RedisConfig: RedisConfig{
			Enabled:  true,
			Address:  "localhost:6379",
			PoolSize: 10,
		},
		MarketConfig: MarketConfig{
			FreshnessSeconds: 5,
			ReconnectSeconds: 5,
		},
		SessionConfig: SessionConfig{
			Timezone:     "Asia/Kolkata",
			OpenTime:     "09:15",
			ForcedExitAt: "15:20",
		},
		HardLimitsConfig: HardLimitsConfig{
			DefaultSLPercent: 25.0,
			DefaultTPPercent: 50.0,
		},
		TrailingConfig: DefaultTrailingConfig(),
		PeakDrawdownConfig: PeakDrawdownConfig{
			Enabled:             true,
			MaxDrawdownPercent:  20.0,
			GatingEnabled:       true,
			ActivationProfitPct: 30.0,
			ActivationSLOffset:  10.0,
		},
		UnderlyingExitConfig: UnderlyingExitConfig{
			Enabled:         true,
			TrendScoreFloor: 0.35,
			CacheTTLSeconds: 15,
			CandleLookback:  100,
			SwingLookback:   5,
			ATRPeriod:       14,
		},
		CircuitBreakerConfig: CircuitBreakerConfig{
			Enabled:          true,
			FailureThreshold: 5,
			CooldownSeconds:  60,
		},
		RiskLoopConfig: RiskLoopConfig{
			IntervalSeconds:      5,
			SyncEveryCycles:      6,
			RecentErrorsRetained: 20,
		},
		FeatureFlags: FeatureFlags{
			UnderlyingAwareExit: true,
			PeakDrawdownExit:    true,
			RegimeParameters:    true,
			BreakevenLock:       true,
		},
		LoggingConfig: LoggingConfig{
			Level: "info",
		},
	}
}

// DefaultTrailingConfig returns the default tier schedule.
func DefaultTrailingConfig() TrailingConfig {
	return TrailingConfig{
		Enabled: true,
		Tiers: []TrailingTier{
			{ProfitPercent: 10.0, SLOffsetPercent: 2.0},
			{ProfitPercent: 20.0, SLOffsetPercent: 10.0},
			{ProfitPercent: 35.0, SLOffsetPercent: 22.0},
			{ProfitPercent: 50.0, SLOffsetPercent: 35.0},
			{ProfitPercent: 75.0, SLOffsetPercent: 55.0},
		},
		BreakevenActivationPct:   12.0,
		AdaptiveBandMaxPct:       18.0,
		AdaptiveBandMinPct:       6.0,
		AdaptiveBandFullAtProfit: 60.0,
		IndexBandFloors: map[string]float64{
			"NIFTY":     5.0,
			"BANKNIFTY": 7.0,
			"FINNIFTY":  6.0,
			"SENSEX":    7.0,
		},
	}
}

// Load reads configuration from the file named by RISKBOT_CONFIG (default
// config.json when present), applies environment overrides, validates, and
// returns the result. A missing config file is not an error; defaults apply.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	path := getEnvOrDefault("RISKBOT_CONFIG", "config.json")
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	// Environment overrides
	cfg.BrokerConfig.BaseURL = getEnvOrDefault("BROKER_BASE_URL", cfg.BrokerConfig.BaseURL)
	cfg.BrokerConfig.ClientID = getEnvOrDefault("BROKER_CLIENT_ID", cfg.BrokerConfig.ClientID)
	cfg.BrokerConfig.AccessToken = getEnvOrDefault("BROKER_ACCESS_TOKEN", cfg.BrokerConfig.AccessToken)
	if v := os.Getenv("BROKER_DRY_RUN"); v != "" {
		cfg.BrokerConfig.DryRun = v == "true"
	}

	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", cfg.DatabaseConfig.Host)
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", cfg.DatabaseConfig.User)
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Database = getEnvOrDefault("DB_NAME", cfg.DatabaseConfig.Database)
	if v := os.Getenv("DB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.DatabaseConfig.Port = port
		}
	}

	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", cfg.RedisConfig.Address)
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	if v := os.Getenv("REDIS_ENABLED"); v != "" {
		cfg.RedisConfig.Enabled = v == "true"
	}

	cfg.MarketConfig.FeedURL = getEnvOrDefault("MARKET_FEED_URL", cfg.MarketConfig.FeedURL)
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", cfg.LoggingConfig.Level)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints that would otherwise surface as
// confusing runtime behavior inside the control loop.
func (c *Config) Validate() error {
	if c.RiskLoopConfig.IntervalSeconds <= 0 {
		return fmt.Errorf("risk_loop.interval_seconds must be positive, got %d", c.RiskLoopConfig.IntervalSeconds)
	}
	if c.HardLimitsConfig.DefaultSLPercent <= 0 || c.HardLimitsConfig.DefaultTPPercent <= 0 {
		return fmt.Errorf("hard_limits default SL/TP percentages must be positive")
	}
	if c.PeakDrawdownConfig.MaxDrawdownPercent <= 0 {
		return fmt.Errorf("peak_drawdown.max_drawdown_percent must be positive")
	}
	if _, err := time.LoadLocation(c.SessionConfig.Timezone); err != nil {
		return fmt.Errorf("invalid session timezone %q: %w", c.SessionConfig.Timezone, err)
	}
	if _, err := parseClock(c.SessionConfig.ForcedExitAt); err != nil {
		return fmt.Errorf("invalid session forced_exit_at: %w", err)
	}
	prev := -1.0
	for i, tier := range c.TrailingConfig.Tiers {
		if tier.ProfitPercent <= prev {
			return fmt.Errorf("trailing tier %d out of order: profit %.2f%% not above previous", i, tier.ProfitPercent)
		}
		if tier.SLOffsetPercent >= tier.ProfitPercent {
			return fmt.Errorf("trailing tier %d invalid: SL offset %.2f%% must be below its profit threshold", i, tier.SLOffsetPercent)
		}
		prev = tier.ProfitPercent
	}
	if c.CircuitBreakerConfig.FailureThreshold <= 0 {
		return fmt.Errorf("circuit_breaker.failure_threshold must be positive")
	}
	return nil
}

// SessionCutoff returns today's forced-exit instant in the session timezone.
func (c *Config) SessionCutoff(now time.Time) (time.Time, error) {
	loc, err := time.LoadLocation(c.SessionConfig.Timezone)
	if err != nil {
		return time.Time{}, err
	}
	hm, err := parseClock(c.SessionConfig.ForcedExitAt)
	if err != nil {
		return time.Time{}, err
	}
	local := now.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), hm[0], hm[1], 0, 0, loc), nil
}

func parseClock(s string) ([2]int, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return [2]int{}, fmt.Errorf("expected HH:MM, got %q", s)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return [2]int{}, fmt.Errorf("clock value out of range: %q", s)
	}
	return [2]int{h, m}, nil
}

func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
