package strategy

import (
	"fmt"
	"sync"
	"time"

	"github.com/whoiscaerus/fibpilot/utilities"
)

// Direction of a trade setup.
type Direction string

const (
	Long  Direction = "long"
	Short Direction = "short"
)

// WindowSide marks which side of the RSI thresholds a window tracks.
type WindowSide string

const (
	Overbought WindowSide = "overbought"
	Oversold   WindowSide = "oversold"
)

// RsiWindow is a contiguous run of candles where RSI stays on one side of a
// threshold. ExtremePrice is the max high for overbought windows and the min
// low for oversold windows, computed only over candles inside the window.
type RsiWindow struct {
	Side         WindowSide
	StartIndex   int
	EndIndex     int
	StartTime    time.Time
	EndTime      time.Time
	ExtremePrice float64
	ExtremeTime  time.Time
}

// TradeSetup is a candidate trade derived from a paired RSI window sequence.
// It lives for exactly one pipeline tick: the validator either rejects it or
// converts it into immutable order parameters.
type TradeSetup struct {
	Symbol           string
	Timeframe        string
	Direction        Direction
	PriceHigh        float64
	PriceLow         float64
	Entry            float64
	StopLoss         float64
	TakeProfit       float64
	DetectedAt       time.Time
	CrossingDuration time.Duration
}

// Key returns the downstream de-duplication key for this setup. The default
// keys by (symbol, timeframe, detected_at); "symbol_direction" collapses to
// one live setup per direction per stream.
func (s TradeSetup) Key(mode string) string {
	switch mode {
	case "symbol_direction":
		return fmt.Sprintf("%s|%s|%s", s.Symbol, s.Timeframe, s.Direction)
	default:
		return fmt.Sprintf("%s|%s|%d", s.Symbol, s.Timeframe, s.DetectedAt.Unix())
	}
}

// StrategyEngine is the narrow, swappable contract every strategy variant
// satisfies, including learned-model plug-ins. Detect must be pure over the
// series it is handed: running it twice on the same series yields identical
// setups.
type StrategyEngine interface {
	Detect(series *IndicatorSeries) []TradeSetup
}

// EngineFactory builds a StrategyEngine from configuration.
type EngineFactory func(cfg utilities.SetupConfig, logger *utilities.Logger) (StrategyEngine, error)

var (
	engineMu       sync.RWMutex
	engineRegistry = map[string]EngineFactory{}
)

// RegisterEngine makes an external strategy variant selectable by name.
// Learned-model engines register themselves here; the core ships only fib_rsi.
func RegisterEngine(name string, factory EngineFactory) {
	engineMu.Lock()
	defer engineMu.Unlock()
	engineRegistry[name] = factory
}

// NewStrategyEngine constructs the engine selected by configuration.
func NewStrategyEngine(cfg utilities.SetupConfig, logger *utilities.Logger) (StrategyEngine, error) {
	name := cfg.Engine
	if name == "" || name == "fib_rsi" {
		return NewFibRsiDetector(cfg, logger), nil
	}
	engineMu.RLock()
	factory, ok := engineRegistry[name]
	engineMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown strategy engine %q: not registered", name)
	}
	return factory(cfg, logger)
}
