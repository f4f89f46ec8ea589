// Package config loads and validates the engine's YAML configuration,
// grounded on the teacher's internal/config/regime/weights.go loader
// idiom: typed structs, yaml.v3 tags, fail-fast Validate.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Universe is spec §6's "Universe" option group.
type Universe struct {
	Symbols         []string `yaml:"symbols"`
	PollSeconds     int      `yaml:"poll_seconds"`
	KlineLimit      int      `yaml:"kline_limit"`
	StateSyncKlines int      `yaml:"state_sync_klines"`
}

// Source is spec §6's "Staleness/backoff", "Polling", and "Source"
// option groups collapsed into one block.
type Source struct {
	DataSourcePreferred    string `yaml:"data_source_preferred"`
	StaleSeconds           int    `yaml:"stale_seconds"`
	KlineStaleMs           int64  `yaml:"kline_stale_ms"`
	WSBackoffMinSeconds    int    `yaml:"ws_backoff_min_seconds"`
	WSBackoffMaxSeconds    int    `yaml:"ws_backoff_max_seconds"`
	WSRecoverGoodTicks     int    `yaml:"ws_recover_good_ticks"`
	RESTPricePollSeconds   int    `yaml:"rest_price_poll_seconds"`
	RESTKlinePollSeconds   int    `yaml:"rest_kline_poll_seconds"`
	PremiumIndexPollSeconds int   `yaml:"premiumindex_poll_seconds"`
	FundingPollSeconds     int    `yaml:"funding_poll_seconds"`
	OIPollSeconds          int    `yaml:"oi_poll_seconds"`
}

// Clock is spec §6's "Clock" option group.
type Clock struct {
	MaxClockErrorMs           int64 `yaml:"max_clock_error_ms"`
	ServerTimeRefreshSec      int64 `yaml:"server_time_refresh_sec"`
	ServerTimeDegradedRetrySec int64 `yaml:"server_time_degraded_retry_sec"`
	ClockRefreshCooldownMs    int64 `yaml:"clock_refresh_cooldown_ms"`
	ClockDegradedTTLMs        int64 `yaml:"clock_degraded_ttl_ms"`
}

// Risk is spec §6's "Risk" option group.
type Risk struct {
	MaxDailyLossUSDT             float64 `yaml:"max_daily_loss_usdt"`
	MaxCardsPerDay               int     `yaml:"max_cards_per_day"`
	CooldownAfterTriggerMinutes  int     `yaml:"cooldown_after_trigger_minutes"`
	KillSwitch                   bool    `yaml:"kill_switch"`
	RiskStatePath                string  `yaml:"risk_state_path"`
	PnLCSVPath                   string  `yaml:"pnl_csv_path"`
}

// StrategyPriority holds each strategy's integer priority, per spec §6.
type StrategyPriority struct {
	VolBreakout          int `yaml:"vol_breakout"`
	FundingOiSkew        int `yaml:"funding_oi_skew"`
	LiquidationFollow    int `yaml:"liquidation_follow"`
	FakeBreakoutReversal int `yaml:"fake_breakout_reversal"`
}

// Strategy is spec §6's "Strategy" option group.
type Strategy struct {
	ReturnThreshold     float64          `yaml:"return_threshold"`
	ATRSpikeMultiplier  float64          `yaml:"atr_spike_multiplier"`
	FundingExtreme      float64          `yaml:"funding_extreme"`
	OIZScoreThreshold   float64          `yaml:"oi_zscore_threshold"`
	OIDeltaPctThreshold float64          `yaml:"oi_delta_pct_threshold"`
	SweepPct            float64          `yaml:"sweep_pct"`
	WickBodyRatio       float64          `yaml:"wick_body_ratio"`
	StopBufferATR       float64          `yaml:"stop_buffer_atr"`
	MinATRPct           float64          `yaml:"min_atr_pct"`
	LeverageSuggest     float64          `yaml:"leverage_suggest"`
	MaxRiskUSDT         float64          `yaml:"max_risk_usdt"`
	TTLMinutes          int              `yaml:"ttl_minutes"`
	Priority            StrategyPriority `yaml:"priority"`
}

// Arbitrator is spec §6's "Arbitrator" option group.
type Arbitrator struct {
	DedupeWindowSeconds int64   `yaml:"dedupe_window_seconds"`
	EntrySimilarPct     float64 `yaml:"entry_similar_pct"`
	StopSimilarPct      float64 `yaml:"stop_similar_pct"`
}

// Config is the root document loaded from the engine's YAML file.
type Config struct {
	Universe   Universe   `yaml:"universe"`
	Source     Source     `yaml:"source"`
	Clock      Clock      `yaml:"clock"`
	Risk       Risk       `yaml:"risk"`
	Strategy   Strategy   `yaml:"strategy"`
	Arbitrator Arbitrator `yaml:"arbitrator"`
	MetricsAddr string    `yaml:"metrics_addr"`
}

// Load reads and validates the YAML document at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validate %s: %w", path, err)
	}
	return &cfg, nil
}

// Validate fails fast on missing or out-of-range values, following the
// teacher's LoadWeightsConfig idiom of rejecting a bad config before
// any component depends on it.
func (c *Config) Validate() error {
	if len(c.Universe.Symbols) == 0 {
		return fmt.Errorf("universe.symbols must not be empty")
	}
	if c.Universe.PollSeconds <= 0 {
		return fmt.Errorf("universe.poll_seconds must be positive")
	}
	if c.Universe.StateSyncKlines < 120 {
		return fmt.Errorf("universe.state_sync_klines must be >= 120, got %d", c.Universe.StateSyncKlines)
	}
	if c.Universe.KlineLimit <= 0 {
		return fmt.Errorf("universe.kline_limit must be positive")
	}

	switch c.Source.DataSourcePreferred {
	case "ws", "rest":
	default:
		return fmt.Errorf("source.data_source_preferred must be \"ws\" or \"rest\", got %q", c.Source.DataSourcePreferred)
	}
	if c.Source.StaleSeconds <= 0 {
		return fmt.Errorf("source.stale_seconds must be positive")
	}
	if c.Source.WSBackoffMinSeconds <= 0 || c.Source.WSBackoffMaxSeconds < c.Source.WSBackoffMinSeconds {
		return fmt.Errorf("source.ws_backoff_min/max_seconds misconfigured")
	}
	if c.Source.WSRecoverGoodTicks <= 0 {
		return fmt.Errorf("source.ws_recover_good_ticks must be positive")
	}

	if c.Clock.MaxClockErrorMs <= 0 {
		return fmt.Errorf("clock.max_clock_error_ms must be positive")
	}
	if c.Clock.ClockRefreshCooldownMs <= 0 {
		return fmt.Errorf("clock.clock_refresh_cooldown_ms must be positive")
	}

	if c.Risk.MaxDailyLossUSDT <= 0 {
		return fmt.Errorf("risk.max_daily_loss_usdt must be positive")
	}
	if c.Risk.MaxCardsPerDay <= 0 {
		return fmt.Errorf("risk.max_cards_per_day must be positive")
	}
	if c.Risk.RiskStatePath == "" {
		return fmt.Errorf("risk.risk_state_path must be set")
	}

	if c.Strategy.MaxRiskUSDT <= 0 {
		return fmt.Errorf("strategy.max_risk_usdt must be positive")
	}
	if c.Strategy.TTLMinutes <= 0 {
		return fmt.Errorf("strategy.ttl_minutes must be positive")
	}

	if c.Arbitrator.DedupeWindowSeconds < 0 {
		return fmt.Errorf("arbitrator.dedupe_window_seconds must be >= 0")
	}

	return nil
}
