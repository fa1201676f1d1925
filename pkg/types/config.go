// Package types provides configuration types for the regime engine.
package types

import (
	"fmt"
	"time"
)

// Config is the root configuration
type Config struct {
	Log         LogConfig         `mapstructure:"log" yaml:"log" json:"log"`
	Account     AccountConfig     `mapstructure:"account" yaml:"account" json:"account"`
	Instruments []string          `mapstructure:"instruments" yaml:"instruments" json:"instruments"`
	Timeframe   Timeframe         `mapstructure:"timeframe" yaml:"timeframe" json:"timeframe"`
	Regime      RegimeConfig      `mapstructure:"regime" yaml:"regime" json:"regime"`
	Strategies  []StrategySpec    `mapstructure:"strategies" yaml:"strategies" json:"strategies"`
	Execution   ExecutionConfig   `mapstructure:"execution" yaml:"execution" json:"execution"`
	Positions   PositionLimits    `mapstructure:"positions" yaml:"positions" json:"positions"`
	Correlation CorrelationConfig `mapstructure:"correlation" yaml:"correlation" json:"correlation"`
	VaR         VaRConfig         `mapstructure:"var" yaml:"var" json:"var"`
	Emergency   EmergencyConfig   `mapstructure:"emergency" yaml:"emergency" json:"emergency"`
	Portfolio   PortfolioConfig   `mapstructure:"portfolio" yaml:"portfolio" json:"portfolio"`
	Backtest    BacktestConfig    `mapstructure:"backtest" yaml:"backtest" json:"backtest"`
	Live        LiveConfig        `mapstructure:"live" yaml:"live" json:"live"`
	Data        DataConfig        `mapstructure:"data" yaml:"data" json:"data"`
	Persistence PersistenceConfig `mapstructure:"persistence" yaml:"persistence" json:"persistence"`
	Alerts      AlertConfig       `mapstructure:"alerts" yaml:"alerts" json:"alerts"`
	Server      ServerConfig      `mapstructure:"server" yaml:"server" json:"server"`
}

// LogConfig configures the zap logger
type LogConfig struct {
	Level    string `mapstructure:"level" yaml:"level" json:"level"`
	Encoding string `mapstructure:"encoding" yaml:"encoding" json:"encoding"` // "console" or "json"
}

// AccountConfig describes the simulated account
type AccountConfig struct {
	Currency       string  `mapstructure:"currency" yaml:"currency" json:"currency"`
	InitialBalance float64 `mapstructure:"initial_balance" yaml:"initial_balance" json:"initialBalance"`
}

// RegimeConfig configures the regime detector
type RegimeConfig struct {
	Window            int     `mapstructure:"window" yaml:"window" json:"window"`
	ATRPeriod         int     `mapstructure:"atr_period" yaml:"atr_period" json:"atrPeriod"`
	TrendThreshold    float64 `mapstructure:"trend_threshold" yaml:"trend_threshold" json:"trendThreshold"`
	HighVolPercentile float64 `mapstructure:"high_vol_percentile" yaml:"high_vol_percentile" json:"highVolPercentile"`
	MinConfidence     float64 `mapstructure:"min_confidence" yaml:"min_confidence" json:"minConfidence"`
	MinDwellBars      int     `mapstructure:"min_dwell_bars" yaml:"min_dwell_bars" json:"minDwellBars"`
}

// StrategySpec is one registry entry: strategy name plus parameter overrides
type StrategySpec struct {
	Name   string             `mapstructure:"name" yaml:"name" json:"name"`
	Params map[string]float64 `mapstructure:"params" yaml:"params,omitempty" json:"params,omitempty"`
}

// ExecutionConfig configures the execution simulator
type ExecutionConfig struct {
	Spread            SpreadConfig    `mapstructure:"spread" yaml:"spread" json:"spread"`
	Slippage          SlippageConfig  `mapstructure:"slippage" yaml:"slippage" json:"slippage"`
	Financing         FinancingConfig `mapstructure:"financing" yaml:"financing" json:"financing"`
	CommissionPerSide float64         `mapstructure:"commission_per_side" yaml:"commission_per_side" json:"commissionPerSide"`
}

// SpreadConfig sets the quoted spread in pips per trading session
type SpreadConfig struct {
	AsianPips    float64            `mapstructure:"asian_pips" yaml:"asian_pips" json:"asianPips"`
	LondonPips   float64            `mapstructure:"london_pips" yaml:"london_pips" json:"londonPips"`
	OverlapPips  float64            `mapstructure:"overlap_pips" yaml:"overlap_pips" json:"overlapPips"`
	NewYorkPips  float64            `mapstructure:"new_york_pips" yaml:"new_york_pips" json:"newYorkPips"`
	RolloverPips float64            `mapstructure:"rollover_pips" yaml:"rollover_pips" json:"rolloverPips"`
	Multipliers  map[string]float64 `mapstructure:"multipliers" yaml:"multipliers,omitempty" json:"multipliers,omitempty"`
}

// SlippageConfig selects the slippage model
type SlippageConfig struct {
	Model       string  `mapstructure:"model" yaml:"model" json:"model"` // "zero", "fixed", "volatility"
	FixedPips   float64 `mapstructure:"fixed_pips" yaml:"fixed_pips" json:"fixedPips"`
	ATRFraction float64 `mapstructure:"atr_fraction" yaml:"atr_fraction" json:"atrFraction"`
}

// FinancingConfig sets annual swap rates (fractions) charged per rollover
type FinancingConfig struct {
	DefaultLongRate  float64              `mapstructure:"default_long_rate" yaml:"default_long_rate" json:"defaultLongRate"`
	DefaultShortRate float64              `mapstructure:"default_short_rate" yaml:"default_short_rate" json:"defaultShortRate"`
	Rates            map[string]SwapRates `mapstructure:"rates" yaml:"rates,omitempty" json:"rates,omitempty"`
	RolloverHourUTC  int                  `mapstructure:"rollover_hour_utc" yaml:"rollover_hour_utc" json:"rolloverHourUtc"`
}

// SwapRates are per-instrument annual financing rates; positive values are costs
type SwapRates struct {
	Long  float64 `mapstructure:"long" yaml:"long" json:"long"`
	Short float64 `mapstructure:"short" yaml:"short" json:"short"`
}

// PositionLimits bounds the number of open positions
type PositionLimits struct {
	MaxPerInstrument int `mapstructure:"max_per_instrument" yaml:"max_per_instrument" json:"maxPerInstrument"`
	MaxTotal         int `mapstructure:"max_total" yaml:"max_total" json:"maxTotal"`
}

// CorrelationConfig configures the correlation manager
type CorrelationConfig struct {
	Window            int           `mapstructure:"window" yaml:"window" json:"window"`
	WarningLevel      float64       `mapstructure:"warning_level" yaml:"warning_level" json:"warningLevel"`
	BreachLevel       float64       `mapstructure:"breach_level" yaml:"breach_level" json:"breachLevel"`
	ReductionFactor   float64       `mapstructure:"reduction_factor" yaml:"reduction_factor" json:"reductionFactor"`
	RecomputeInterval time.Duration `mapstructure:"recompute_interval" yaml:"recompute_interval" json:"recomputeInterval"`
}

// VaRConfig configures the VaR monitor
type VaRConfig struct {
	Window          int     `mapstructure:"window" yaml:"window" json:"window"`
	MinObservations int     `mapstructure:"min_observations" yaml:"min_observations" json:"minObservations"`
	Confidence      float64 `mapstructure:"confidence" yaml:"confidence" json:"confidence"`
	HorizonDays     int     `mapstructure:"horizon_days" yaml:"horizon_days" json:"horizonDays"`
	DailyTarget     float64 `mapstructure:"daily_target" yaml:"daily_target" json:"dailyTarget"`
	MonteCarloPaths int     `mapstructure:"monte_carlo_paths" yaml:"monte_carlo_paths" json:"monteCarloPaths"`
	Seed            int64   `mapstructure:"seed" yaml:"seed" json:"seed"`
}

// EmergencyConfig configures the emergency state machine
type EmergencyConfig struct {
	Level1Drawdown         float64 `mapstructure:"level1_drawdown" yaml:"level1_drawdown" json:"level1Drawdown"`
	Level2Drawdown         float64 `mapstructure:"level2_drawdown" yaml:"level2_drawdown" json:"level2Drawdown"`
	Level3Drawdown         float64 `mapstructure:"level3_drawdown" yaml:"level3_drawdown" json:"level3Drawdown"`
	Level4Drawdown         float64 `mapstructure:"level4_drawdown" yaml:"level4_drawdown" json:"level4Drawdown"`
	NormalMultiplier       float64 `mapstructure:"normal_multiplier" yaml:"normal_multiplier" json:"normalMultiplier"`
	Level1Multiplier       float64 `mapstructure:"level1_multiplier" yaml:"level1_multiplier" json:"level1Multiplier"`
	Level2Multiplier       float64 `mapstructure:"level2_multiplier" yaml:"level2_multiplier" json:"level2Multiplier"`
	Level3Multiplier       float64 `mapstructure:"level3_multiplier" yaml:"level3_multiplier" json:"level3Multiplier"`
	Level4Multiplier       float64 `mapstructure:"level4_multiplier" yaml:"level4_multiplier" json:"level4Multiplier"`
	StressRatio            float64 `mapstructure:"stress_ratio" yaml:"stress_ratio" json:"stressRatio"`
	StressShortWindow      int     `mapstructure:"stress_short_window" yaml:"stress_short_window" json:"stressShortWindow"`
	StressBaselineWindow   int     `mapstructure:"stress_baseline_window" yaml:"stress_baseline_window" json:"stressBaselineWindow"`
	RecoveryDwell          int     `mapstructure:"recovery_dwell" yaml:"recovery_dwell" json:"recoveryDwell"`
	NormalRecoveryDrawdown float64 `mapstructure:"normal_recovery_drawdown" yaml:"normal_recovery_drawdown" json:"normalRecoveryDrawdown"`
}

// PortfolioConfig configures coordinator caps, as fractions of equity at risk
type PortfolioConfig struct {
	MaxStrategyRisk float64 `mapstructure:"max_strategy_risk" yaml:"max_strategy_risk" json:"maxStrategyRisk"`
	MaxTotalRisk    float64 `mapstructure:"max_total_risk" yaml:"max_total_risk" json:"maxTotalRisk"`
}

// BacktestConfig configures a backtest run
type BacktestConfig struct {
	Start          string `mapstructure:"start" yaml:"start" json:"start"` // YYYY-MM-DD
	End            string `mapstructure:"end" yaml:"end" json:"end"`
	Seed           int64  `mapstructure:"seed" yaml:"seed" json:"seed"`
	RiskGating     bool   `mapstructure:"risk_gating" yaml:"risk_gating" json:"riskGating"`
	RiskEveryBars  int    `mapstructure:"risk_every_bars" yaml:"risk_every_bars" json:"riskEveryBars"`
	MonteCarloRuns int    `mapstructure:"monte_carlo_runs" yaml:"monte_carlo_runs" json:"monteCarloRuns"`
	CloseAtEnd     bool   `mapstructure:"close_at_end" yaml:"close_at_end" json:"closeAtEnd"`
}

// Range parses the configured start and end dates.
func (b BacktestConfig) Range() (time.Time, time.Time, error) {
	start, err := time.Parse("2006-01-02", b.Start)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid backtest.start %q: %w", b.Start, err)
	}
	end, err := time.Parse("2006-01-02", b.End)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid backtest.end %q: %w", b.End, err)
	}
	return start, end, nil
}

// LiveConfig configures the live cycle loop
type LiveConfig struct {
	Interval    time.Duration `mapstructure:"interval" yaml:"interval" json:"interval"`
	FeedTimeout time.Duration `mapstructure:"feed_timeout" yaml:"feed_timeout" json:"feedTimeout"`
	HistoryBars int           `mapstructure:"history_bars" yaml:"history_bars" json:"historyBars"`
	Seed        int64         `mapstructure:"seed" yaml:"seed" json:"seed"`
}

// DataConfig selects the data feed
type DataConfig struct {
	Feed      string  `mapstructure:"feed" yaml:"feed" json:"feed"` // "synthetic", "file", "stream"
	Dir       string  `mapstructure:"dir" yaml:"dir" json:"dir"`
	StreamURL string  `mapstructure:"stream_url" yaml:"stream_url" json:"streamUrl"`
	Seed      int64   `mapstructure:"seed" yaml:"seed" json:"seed"`
	MaxGapATR float64 `mapstructure:"max_gap_atr" yaml:"max_gap_atr" json:"maxGapAtr"`
	StaleBars int     `mapstructure:"stale_bars" yaml:"stale_bars" json:"staleBars"`
}

// PersistenceConfig selects the journal backend
type PersistenceConfig struct {
	Driver string `mapstructure:"driver" yaml:"driver" json:"driver"` // "memory", "sqlite3", "postgres"
	DSN    string `mapstructure:"dsn" yaml:"dsn" json:"dsn"`
}

// AlertConfig selects alert sinks. Secrets come from the environment.
type AlertConfig struct {
	Telegram bool   `mapstructure:"telegram" yaml:"telegram" json:"telegram"`
	Kafka    bool   `mapstructure:"kafka" yaml:"kafka" json:"kafka"`
	Topic    string `mapstructure:"topic" yaml:"topic" json:"topic"`
}

// ServerConfig represents the read-only state API configuration
type ServerConfig struct {
	Enabled       bool          `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Host          string        `mapstructure:"host" yaml:"host" json:"host"`
	Port          int           `mapstructure:"port" yaml:"port" json:"port"`
	WebSocketPath string        `mapstructure:"websocket_path" yaml:"websocket_path" json:"websocketPath"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout" yaml:"read_timeout" json:"readTimeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout" yaml:"write_timeout" json:"writeTimeout"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		Log:         LogConfig{Level: "info", Encoding: "console"},
		Account:     AccountConfig{Currency: "USD", InitialBalance: 100000},
		Instruments: []string{"EUR_USD", "GBP_USD", "AUD_USD", "NZD_USD"},
		Timeframe:   Timeframe1h,
		Regime: RegimeConfig{
			Window:            100,
			ATRPeriod:         14,
			TrendThreshold:    0.30,
			HighVolPercentile: 0.60,
			MinConfidence:     0.25,
			MinDwellBars:      3,
		},
		Strategies: []StrategySpec{
			{Name: "ma_crossover"},
			{Name: "rsi"},
			{Name: "bollinger"},
		},
		Execution: ExecutionConfig{
			Spread: SpreadConfig{
				AsianPips:    1.4,
				LondonPips:   0.9,
				OverlapPips:  0.7,
				NewYorkPips:  1.0,
				RolloverPips: 3.0,
			},
			Slippage:          SlippageConfig{Model: "fixed", FixedPips: 0.2, ATRFraction: 0.05},
			Financing:         FinancingConfig{DefaultLongRate: 0.02, DefaultShortRate: 0.01, RolloverHourUTC: 21},
			CommissionPerSide: 2.5,
		},
		Positions: PositionLimits{MaxPerInstrument: 2, MaxTotal: 6},
		Correlation: CorrelationConfig{
			Window:            60,
			WarningLevel:      0.35,
			BreachLevel:       0.40,
			ReductionFactor:   0.5,
			RecomputeInterval: 5 * time.Minute,
		},
		VaR: VaRConfig{
			Window:          252,
			MinObservations: 252,
			Confidence:      0.95,
			HorizonDays:     1,
			DailyTarget:     0.0031,
			MonteCarloPaths: 1000,
			Seed:            42,
		},
		Emergency: EmergencyConfig{
			Level1Drawdown:         0.10,
			Level2Drawdown:         0.15,
			Level3Drawdown:         0.20,
			Level4Drawdown:         0.25,
			NormalMultiplier:       1.0,
			Level1Multiplier:       0.8,
			Level2Multiplier:       0.6,
			Level3Multiplier:       0.3,
			Level4Multiplier:       0.0,
			StressRatio:            2.0,
			StressShortWindow:      5,
			StressBaselineWindow:   60,
			RecoveryDwell:          10,
			NormalRecoveryDrawdown: 0.05,
		},
		Portfolio: PortfolioConfig{MaxStrategyRisk: 0.03, MaxTotalRisk: 0.06},
		Backtest: BacktestConfig{
			Start:         "2023-01-02",
			End:           "2023-12-29",
			Seed:          7,
			RiskGating:    true,
			RiskEveryBars: 1,
			CloseAtEnd:    true,
		},
		Live: LiveConfig{
			Interval:    30 * time.Second,
			FeedTimeout: 5 * time.Second,
			HistoryBars: 300,
			Seed:        11,
		},
		Data:        DataConfig{Feed: "synthetic", Dir: "./data", Seed: 1, MaxGapATR: 8, StaleBars: 10},
		Persistence: PersistenceConfig{Driver: "memory"},
		Alerts:      AlertConfig{Topic: "fx-risk-alerts"},
		Server: ServerConfig{
			Host:          "localhost",
			Port:          8080,
			WebSocketPath: "/ws",
			ReadTimeout:   10 * time.Second,
			WriteTimeout:  10 * time.Second,
		},
	}
}

// Validate checks every threshold and fails with a ConfigurationError.
func (c *Config) Validate() error {
	const op = "config.validate"

	if c.Account.Currency == "" {
		return ConfigError(op, "account.currency is required")
	}
	if c.Account.InitialBalance <= 0 {
		return ConfigError(op, "account.initial_balance must be positive")
	}
	if len(c.Instruments) == 0 {
		return ConfigError(op, "at least one instrument is required")
	}
	seen := make(map[string]bool, len(c.Instruments))
	for _, inst := range c.Instruments {
		if _, quote := SplitInstrument(inst); quote == "" {
			return ConfigError(op, "instrument %q must look like BASE_QUOTE", inst)
		}
		if seen[inst] {
			return ConfigError(op, "instrument %q listed twice", inst)
		}
		seen[inst] = true
	}
	if !c.Timeframe.Valid() {
		return ConfigError(op, "unknown timeframe %q", c.Timeframe)
	}
	if len(c.Strategies) == 0 {
		return ConfigError(op, "at least one strategy is required")
	}

	r := c.Regime
	if r.Window < 60 {
		return ConfigError(op, "regime.window must be at least 60 bars, got %d", r.Window)
	}
	if r.ATRPeriod < 2 || r.ATRPeriod >= r.Window {
		return ConfigError(op, "regime.atr_period must be in [2, window)")
	}
	if !inUnit(r.TrendThreshold) || !inUnit(r.HighVolPercentile) || !inUnit(r.MinConfidence) {
		return ConfigError(op, "regime thresholds must be within (0, 1)")
	}
	if r.MinDwellBars < 1 {
		return ConfigError(op, "regime.min_dwell_bars must be >= 1")
	}

	switch c.Execution.Slippage.Model {
	case "zero", "fixed", "volatility":
	default:
		return ConfigError(op, "unknown slippage model %q", c.Execution.Slippage.Model)
	}
	if c.Execution.CommissionPerSide < 0 {
		return ConfigError(op, "execution.commission_per_side must not be negative")
	}
	s := c.Execution.Spread
	if s.AsianPips < 0 || s.LondonPips < 0 || s.OverlapPips < 0 || s.NewYorkPips < 0 || s.RolloverPips < 0 {
		return ConfigError(op, "spread pips must not be negative")
	}
	if h := c.Execution.Financing.RolloverHourUTC; h < 0 || h > 23 {
		return ConfigError(op, "execution.financing.rollover_hour_utc must be 0-23")
	}

	if c.Positions.MaxPerInstrument < 1 || c.Positions.MaxTotal < c.Positions.MaxPerInstrument {
		return ConfigError(op, "positions limits must satisfy 1 <= max_per_instrument <= max_total")
	}

	cc := c.Correlation
	if cc.Window < 2 {
		return ConfigError(op, "correlation.window must be >= 2")
	}
	if !(cc.WarningLevel > 0 && cc.WarningLevel < cc.BreachLevel && cc.BreachLevel <= 1) {
		return ConfigError(op, "correlation levels must satisfy 0 < warning < breach <= 1")
	}
	if !inUnit(cc.ReductionFactor) {
		return ConfigError(op, "correlation.reduction_factor must be within (0, 1)")
	}

	v := c.VaR
	if v.Window < 2 || v.MinObservations < 2 || v.MinObservations > v.Window {
		return ConfigError(op, "var window must satisfy 2 <= min_observations <= window")
	}
	if !inUnit(v.Confidence) {
		return ConfigError(op, "var.confidence must be within (0, 1)")
	}
	if v.HorizonDays < 1 {
		return ConfigError(op, "var.horizon_days must be >= 1")
	}
	if v.DailyTarget <= 0 {
		return ConfigError(op, "var.daily_target must be positive")
	}
	if v.MonteCarloPaths < 1000 {
		return ConfigError(op, "var.monte_carlo_paths must be at least 1000, got %d", v.MonteCarloPaths)
	}

	e := c.Emergency
	if !(0 < e.NormalRecoveryDrawdown && e.NormalRecoveryDrawdown < e.Level1Drawdown &&
		e.Level1Drawdown < e.Level2Drawdown && e.Level2Drawdown < e.Level3Drawdown &&
		e.Level3Drawdown < e.Level4Drawdown && e.Level4Drawdown < 1) {
		return ConfigError(op, "emergency drawdown thresholds must be strictly increasing within (0, 1)")
	}
	mults := []float64{e.NormalMultiplier, e.Level1Multiplier, e.Level2Multiplier, e.Level3Multiplier, e.Level4Multiplier}
	for i := 1; i < len(mults); i++ {
		if mults[i] > mults[i-1] || mults[i] < 0 || mults[i-1] > 1 {
			return ConfigError(op, "emergency multipliers must be non-increasing within [0, 1]")
		}
	}
	if e.Level4Multiplier != 0 {
		return ConfigError(op, "emergency.level4_multiplier must be 0 (halt)")
	}
	if e.StressRatio <= 1 {
		return ConfigError(op, "emergency.stress_ratio must be > 1")
	}
	if e.StressShortWindow < 2 || e.StressBaselineWindow <= e.StressShortWindow {
		return ConfigError(op, "emergency stress windows must satisfy 2 <= short < baseline")
	}
	if e.RecoveryDwell < 1 {
		return ConfigError(op, "emergency.recovery_dwell must be >= 1")
	}

	p := c.Portfolio
	if !inUnit(p.MaxStrategyRisk) || !inUnit(p.MaxTotalRisk) || p.MaxStrategyRisk > p.MaxTotalRisk {
		return ConfigError(op, "portfolio caps must satisfy 0 < max_strategy_risk <= max_total_risk < 1")
	}

	if c.Backtest.Start != "" || c.Backtest.End != "" {
		start, end, err := c.Backtest.Range()
		if err != nil {
			return NewError(KindConfiguration, op, "backtest range", err)
		}
		if !end.After(start) {
			return ConfigError(op, "backtest.end must be after backtest.start")
		}
	}
	if c.Backtest.RiskEveryBars < 1 {
		return ConfigError(op, "backtest.risk_every_bars must be >= 1")
	}

	if c.Live.Interval <= 0 || c.Live.FeedTimeout <= 0 {
		return ConfigError(op, "live.interval and live.feed_timeout must be positive")
	}
	if c.Live.HistoryBars < r.Window {
		return ConfigError(op, "live.history_bars must be >= regime.window")
	}

	switch c.Data.Feed {
	case "synthetic", "file", "stream":
	default:
		return ConfigError(op, "unknown data.feed %q", c.Data.Feed)
	}
	if c.Data.Feed == "stream" && c.Data.StreamURL == "" {
		return ConfigError(op, "data.stream_url is required for the stream feed")
	}

	switch c.Persistence.Driver {
	case "memory":
	case "sqlite3", "postgres":
		if c.Persistence.DSN == "" {
			return ConfigError(op, "persistence.dsn is required for driver %q", c.Persistence.Driver)
		}
	default:
		return ConfigError(op, "unknown persistence.driver %q", c.Persistence.Driver)
	}

	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		return ConfigError(op, "server.port out of range")
	}

	return nil
}

func inUnit(v float64) bool {
	return v > 0 && v < 1
}
