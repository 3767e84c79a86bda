package strategy

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whoiscaerus/fibpilot/utilities"
)

func testIndicatorConfig() utilities.IndicatorConfig {
	return utilities.IndicatorConfig{
		MinCandles:  40,
		ROCLookback: 24,
		RSIPeriod:   14,
		RSIROCLags:  3,
	}
}

// makeCandles builds n hourly candles whose closes follow fn(i).
func makeCandles(n int, fn func(i int) float64) []utilities.Candle {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	candles := make([]utilities.Candle, n)
	for i := range candles {
		c := fn(i)
		candles[i] = utilities.Candle{
			Symbol:    "XAUUSD",
			Timeframe: "1h",
			OpenTime:  t0.Add(time.Duration(i) * time.Hour),
			Open:      c,
			High:      c + 1,
			Low:       c - 1,
			Close:     c,
			Volume:    100,
		}
	}
	return candles
}

func TestCompute_InsufficientData(t *testing.T) {
	engine := NewIndicatorEngine(testIndicatorConfig(), utilities.NewLogger(utilities.Error))

	_, err := engine.Compute(makeCandles(10, func(i int) float64 { return 2000 }))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInsufficientData)
}

func TestCompute_WarmupBoundaries(t *testing.T) {
	cfg := testIndicatorConfig()
	engine := NewIndicatorEngine(cfg, utilities.NewLogger(utilities.Error))

	candles := makeCandles(60, func(i int) float64 {
		return 2000 + 10*math.Sin(float64(i)/3)
	})
	series, err := engine.Compute(candles)
	require.NoError(t, err)
	require.Len(t, series.RSI, 60)

	// RSI: NaN strictly before the period, defined from it on.
	for i := 0; i < cfg.RSIPeriod; i++ {
		assert.False(t, Defined(series.RSI[i]), "RSI[%d] should be undefined", i)
	}
	for i := cfg.RSIPeriod; i < 60; i++ {
		require.True(t, Defined(series.RSI[i]), "RSI[%d] should be defined", i)
		assert.GreaterOrEqual(t, series.RSI[i], 0.0)
		assert.LessOrEqual(t, series.RSI[i], 100.0)
	}

	// Price ROC warms up after the lookback.
	for i := 0; i < cfg.ROCLookback; i++ {
		assert.False(t, Defined(series.ROCPrice[i]), "ROCPrice[%d] should be undefined", i)
	}
	assert.True(t, Defined(series.ROCPrice[cfg.ROCLookback]))

	// RSI ROC needs both warm-ups: period + lookback.
	rsiRocStart := cfg.RSIPeriod + cfg.ROCLookback
	for i := 0; i < rsiRocStart; i++ {
		assert.False(t, Defined(series.ROCRsi[i]), "ROCRsi[%d] should be undefined", i)
	}
	for i := rsiRocStart; i < 60; i++ {
		require.True(t, Defined(series.ROCRsi[i]), "ROCRsi[%d] should be defined", i)
		assert.GreaterOrEqual(t, series.ROCRsi[i], -1.0)
		assert.LessOrEqual(t, series.ROCRsi[i], 1.0)
	}

	// Each lag shifts the warm-up boundary by one more bar.
	require.Len(t, series.ROCRsiLags, 3)
	for k, lag := range series.ROCRsiLags {
		boundary := rsiRocStart + k + 1
		assert.False(t, Defined(lag[boundary-1]), "lag %d should be undefined at %d", k+1, boundary-1)
		require.True(t, Defined(lag[boundary]), "lag %d should be defined at %d", k+1, boundary)
		assert.Equal(t, series.ROCRsi[boundary-k-1], lag[boundary])
	}

	assert.Equal(t, rsiRocStart+3, series.FirstValid)
}

func TestCompute_Causality(t *testing.T) {
	engine := NewIndicatorEngine(testIndicatorConfig(), utilities.NewLogger(utilities.Error))

	candles := makeCandles(80, func(i int) float64 {
		return 2000 + 15*math.Sin(float64(i)/5) + float64(i%7)
	})

	full, err := engine.Compute(candles)
	require.NoError(t, err)
	prefix, err := engine.Compute(candles[:60])
	require.NoError(t, err)

	// Appending candles must never change earlier values: index i depends
	// only on candles at indices <= i.
	for i := 0; i < 60; i++ {
		assertSameValue(t, prefix.RSI[i], full.RSI[i], "RSI", i)
		assertSameValue(t, prefix.ROCPrice[i], full.ROCPrice[i], "ROCPrice", i)
		assertSameValue(t, prefix.ROCRsi[i], full.ROCRsi[i], "ROCRsi", i)
	}
}

func TestCompute_MonotonicRise(t *testing.T) {
	engine := NewIndicatorEngine(testIndicatorConfig(), utilities.NewLogger(utilities.Error))

	series, err := engine.Compute(makeCandles(50, func(i int) float64 {
		return 2000 + float64(i)
	}))
	require.NoError(t, err)

	// Monotonic rises have no losses, which pins RSI at 100.
	assert.InDelta(t, 100.0, series.RSI[49], 1e-9)
}

func assertSameValue(t *testing.T, a, b float64, name string, i int) {
	t.Helper()
	if math.IsNaN(a) {
		assert.True(t, math.IsNaN(b), "%s[%d]: prefix NaN, full %v", name, i, b)
		return
	}
	assert.Equal(t, a, b, "%s[%d] changed when candles were appended", name, i)
}
