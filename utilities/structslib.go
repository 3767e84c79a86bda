package utilities

import (
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Logging Level
const (
	Debug LogLevel = iota
	Info
	Warn
	Error
	Fatal
)

// --- Types (Alphabetized) ---

// AppConfig is the root configuration structure, holding all other config sections.
type AppConfig struct {
	AppName     string          `mapstructure:"app_name"`
	DB          DatabaseConfig  `mapstructure:"database"`
	Discord     DiscordConfig   `mapstructure:"discord"`
	Environment string          `mapstructure:"environment"`
	Indicators  IndicatorConfig `mapstructure:"indicators"`
	Logging     LoggingConfig   `mapstructure:"logging"`
	MT5         MT5Config       `mapstructure:"mt5"`
	Orders      OrdersConfig    `mapstructure:"orders"`
	Recon       ReconConfig     `mapstructure:"reconciliation"`
	Risk        RiskConfig      `mapstructure:"risk"`
	Setup       SetupConfig     `mapstructure:"setup"`
	Trading     TradingConfig   `mapstructure:"trading"`
	Version     string          `mapstructure:"version"`
}

// Candle represents a single OHLCV bar for one symbol and timeframe.
// OpenTime is UTC and strictly increasing per symbol+timeframe stream.
type Candle struct {
	Symbol    string    `json:"symbol"`
	Timeframe string    `json:"timeframe"`
	OpenTime  time.Time `json:"open_time"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// DatabaseConfig holds settings for database connections.
type DatabaseConfig struct {
	DBPath string `mapstructure:"database_path"`
}

// DiscordConfig holds settings for sending alerts via Discord.
type DiscordConfig struct {
	WebhookURL string `mapstructure:"webhook_url"`
}

// IndicatorConfig holds parameters for the indicator engine.
type IndicatorConfig struct {
	MinCandles  int `mapstructure:"min_candles"`   // e.g. 200
	ROCLookback int `mapstructure:"roc_lookback"`  // e.g. 24
	RSIPeriod   int `mapstructure:"rsi_period"`    // e.g. 14
	RSIROCLags  int `mapstructure:"rsi_roc_lags"`  // e.g. 3
}

// InvariantViolation marks a programming-contract violation, such as a
// non-positive fib range reaching order construction or the risk guard
// observing an unreachable state. It is fatal to the affected component
// instance and must never be silently swallowed.
type InvariantViolation struct {
	Component string
	Detail    string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("invariant violation in %s: %s", e.Component, e.Detail)
}

// InMemoryNonceCounter provides a simple in-memory nonce generator.
type InMemoryNonceCounter struct {
	lastNonce int64
	mu        sync.Mutex
}

// Logger provides a structured logger with different levels.
type Logger struct {
	Level  LogLevel
	Logger *log.Logger
}

// LoggingConfig holds settings related to logging.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// LogLevel defines the severity of a log message.
type LogLevel int

// MT5Config holds all settings for the MT5 bridge integration.
type MT5Config struct {
	APIKey            string `mapstructure:"api_key"`
	APISecret         string `mapstructure:"api_secret"`
	BaseURL           string `mapstructure:"base_url"`
	MaxRetries        int    `mapstructure:"max_retries"`
	NonceCounter      NonceCounter
	RateLimitBurst    int        `mapstructure:"rate_limit_burst"`
	RateLimitPerSec   rate.Limit `mapstructure:"rate_limit_per_sec"`
	RequestTimeoutSec int        `mapstructure:"request_timeout_sec"`
	RetryDelaySec     int        `mapstructure:"retry_delay_sec"`
	StreamURL         string     `mapstructure:"stream_url"`
	StreamPingSec     int        `mapstructure:"stream_ping_sec"`
}

// NonceCounter defines an interface for generating unique nonces.
type NonceCounter interface {
	Next() string
}

// OrdersConfig holds settings for order construction and submission.
type OrdersConfig struct {
	ExpiryHours      float64 `mapstructure:"expiry_hours"`       // e.g. 100
	MaxSubmitRetries int     `mapstructure:"max_submit_retries"` // bounded backoff cap
	SubmitTimeoutSec int     `mapstructure:"submit_timeout_sec"`
}

// ReconConfig holds settings for the reconciliation loop.
type ReconConfig struct {
	CloseAllTimeoutSec   int     `mapstructure:"close_all_timeout_sec"`
	IntervalSec          int     `mapstructure:"interval_sec"` // e.g. 10
	SlippageTolerance    float64 `mapstructure:"slippage_tolerance"`
	UnexpectedOpenEquity float64 `mapstructure:"unexpected_open_equity_fraction"`
}

// RiskConfig holds settings for the risk guard state machine.
type RiskConfig struct {
	HardDrawdownPercent    float64 `mapstructure:"hard_drawdown_percent"`    // e.g. 20
	MinEquityFloor         float64 `mapstructure:"min_equity_floor"`
	SnapshotMaxAgeSec      int     `mapstructure:"snapshot_max_age_sec"`
	TickIntervalSec        int     `mapstructure:"tick_interval_sec"` // e.g. 30
	WarningDrawdownPercent float64 `mapstructure:"warning_drawdown_percent"` // e.g. 15
}

// SetupConfig holds parameters for setup detection and validation.
type SetupConfig struct {
	DedupKey            string  `mapstructure:"dedup_key"` // e.g. "symbol_timeframe_detected_at"
	Engine              string  `mapstructure:"engine"`    // "fib_rsi" or "learned"
	EntryRatio          float64 `mapstructure:"entry_ratio"`           // e.g. 0.74
	MaxCrossingHours    float64 `mapstructure:"max_crossing_hours"`    // e.g. 100
	MaxSetupAgeHours    float64 `mapstructure:"max_setup_age_hours"`   // e.g. 1440
	MinStopPoints       float64 `mapstructure:"min_stop_points"`       // e.g. 5
	OverboughtThreshold float64 `mapstructure:"overbought_threshold"`  // e.g. 70
	OversoldThreshold   float64 `mapstructure:"oversold_threshold"`    // e.g. 40
	RewardRisk          float64 `mapstructure:"reward_risk"`           // e.g. 3.25
	StopRatio           float64 `mapstructure:"stop_ratio"`            // e.g. 0.27
	Tolerance           float64 `mapstructure:"tolerance"`             // e.g. 0.20
}

// SymbolSpec holds the broker contract constraints for one symbol.
type SymbolSpec struct {
	LotStep    float64 `mapstructure:"lot_step"`    // e.g. 0.01
	MinLot     float64 `mapstructure:"min_lot"`     // e.g. 0.01
	PointValue float64 `mapstructure:"point_value"` // quote value of one point per lot
	TickSize   float64 `mapstructure:"tick_size"`   // price quantum
}

// TradingConfig holds general trading parameters.
type TradingConfig struct {
	DriftToleranceSec int                   `mapstructure:"drift_tolerance_sec"` // e.g. 60
	RiskFraction      float64               `mapstructure:"risk_fraction"`       // e.g. 0.02
	Specs             map[string]SymbolSpec `mapstructure:"symbol_specs"`
	Symbols           []string              `mapstructure:"symbols"`
	Timeframe         string                `mapstructure:"timeframe"`
}
