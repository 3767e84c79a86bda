package strategy

import (
	"errors"
	"fmt"
	"math"

	"github.com/whoiscaerus/fibpilot/utilities"
)

// ErrInsufficientData is returned by Compute when fewer candles than the
// configured minimum are supplied. Callers retry on the next tick; this is
// never fatal.
var ErrInsufficientData = errors.New("insufficient candles for indicator computation")

// IndicatorSeries holds indicator values aligned 1:1 with the candle slice
// they were computed from. Values inside the warm-up window are NaN rather
// than zero, so a caller can never mistake an undefined value for a real one.
// Every value at index i is computed only from candles at indices <= i.
type IndicatorSeries struct {
	Candles    []utilities.Candle
	RSI        []float64
	ROCPrice   []float64
	ROCRsi     []float64   // clipped to [-100,100], rescaled to [-1,1]
	ROCRsiLags [][]float64 // ROCRsi delayed by 1..n bars, auxiliary detector features
	FirstValid int         // first index where every series is defined
}

// Defined reports whether v carries a real indicator value.
func Defined(v float64) bool {
	return !math.IsNaN(v)
}

// IndicatorEngine computes the RSI and rate-of-change series consumed by the
// setup detectors.
type IndicatorEngine struct {
	cfg    utilities.IndicatorConfig
	logger *utilities.Logger
}

// NewIndicatorEngine constructs an IndicatorEngine with the given parameters.
func NewIndicatorEngine(cfg utilities.IndicatorConfig, logger *utilities.Logger) *IndicatorEngine {
	return &IndicatorEngine{cfg: cfg, logger: logger}
}

// Compute calculates the full indicator series over the given candles.
// It fails with ErrInsufficientData when fewer than the configured minimum
// candles are supplied.
func (e *IndicatorEngine) Compute(candles []utilities.Candle) (*IndicatorSeries, error) {
	if len(candles) < e.cfg.MinCandles {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrInsufficientData, len(candles), e.cfg.MinCandles)
	}

	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}

	rsi := computeRSISeries(closes, e.cfg.RSIPeriod)
	rocPrice := computeROCSeries(closes, e.cfg.ROCLookback)
	rocRsi := computeROCSeries(rsi, e.cfg.ROCLookback)
	for i, v := range rocRsi {
		if !Defined(v) {
			continue
		}
		// Clip to [-100,100], then rescale to [-1,1].
		rocRsi[i] = math.Max(-100, math.Min(100, v)) / 100.0
	}

	lagCount := e.cfg.RSIROCLags
	if lagCount <= 0 {
		lagCount = 3
	}
	lags := make([][]float64, lagCount)
	for k := 1; k <= lagCount; k++ {
		lagged := undefinedSeries(len(rocRsi))
		for i := k; i < len(rocRsi); i++ {
			lagged[i] = rocRsi[i-k]
		}
		lags[k-1] = lagged
	}

	series := &IndicatorSeries{
		Candles:    candles,
		RSI:        rsi,
		ROCPrice:   rocPrice,
		ROCRsi:     rocRsi,
		ROCRsiLags: lags,
	}
	series.FirstValid = firstDefinedIndex(series)
	return series, nil
}

// computeRSISeries calculates a Wilder-smoothed RSI over closes.
// The first defined value sits at index period; everything before it is NaN.
func computeRSISeries(closes []float64, period int) []float64 {
	rsi := undefinedSeries(len(closes))
	if period <= 0 || len(closes) < period+1 {
		return rsi
	}

	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		change := closes[i] - closes[i-1]
		if change > 0 {
			avgGain += change
		} else {
			avgLoss -= change
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)
	rsi[period] = rsiFromAverages(avgGain, avgLoss)

	for i := period + 1; i < len(closes); i++ {
		change := closes[i] - closes[i-1]
		gain, loss := 0.0, 0.0
		if change > 0 {
			gain = change
		} else {
			loss = -change
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
		rsi[i] = rsiFromAverages(avgGain, avgLoss)
	}
	return rsi
}

func rsiFromAverages(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		return 100.0
	}
	rs := avgGain / avgLoss
	return 100.0 - (100.0 / (1.0 + rs))
}

// computeROCSeries calculates the percentage rate of change with the given
// lookback. NaN inputs propagate, keeping warm-up boundaries exact.
func computeROCSeries(values []float64, lookback int) []float64 {
	roc := undefinedSeries(len(values))
	if lookback <= 0 {
		return roc
	}
	for i := lookback; i < len(values); i++ {
		base := values[i-lookback]
		if !Defined(values[i]) || !Defined(base) || base == 0 {
			continue
		}
		roc[i] = (values[i] - base) / base * 100.0
	}
	return roc
}

func undefinedSeries(n int) []float64 {
	s := make([]float64, n)
	for i := range s {
		s[i] = math.NaN()
	}
	return s
}

func firstDefinedIndex(s *IndicatorSeries) int {
	for i := range s.RSI {
		if !Defined(s.RSI[i]) || !Defined(s.ROCPrice[i]) || !Defined(s.ROCRsi[i]) {
			continue
		}
		allLags := true
		for _, lag := range s.ROCRsiLags {
			if !Defined(lag[i]) {
				allLags = false
				break
			}
		}
		if allLags {
			return i
		}
	}
	return len(s.RSI)
}
