package strategy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whoiscaerus/fibpilot/pkg/broker"
	"github.com/whoiscaerus/fibpilot/utilities"
)

func testOrdersConfig() utilities.OrdersConfig {
	return utilities.OrdersConfig{
		ExpiryHours:      100,
		MaxSubmitRetries: 3,
		SubmitTimeoutSec: 30,
	}
}

func newTestBuilder(now time.Time) *OrderBuilder {
	b := NewOrderBuilder(testOrdersConfig(), map[string]utilities.SymbolSpec{"XAUUSD": goldSpec()})
	b.now = func() time.Time { return now }
	return b
}

func TestBuild_ShortProducesSellLimit(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	builder := newTestBuilder(now)

	validated := ValidatedSetup{
		TradeSetup:  validShortSetup(now.Add(-time.Hour)),
		Tolerance:   0.20,
		ValidatedAt: now,
	}

	params, err := builder.Build(validated, 7.54, "tick-1")
	require.NoError(t, err)

	assert.Equal(t, broker.SellLimit, params.Type)
	assert.Equal(t, "XAUUSD", params.Symbol)
	assert.Equal(t, "1h", params.Timeframe)
	assert.InDelta(t, 2037.0, params.Entry, 1e-9)
	assert.InDelta(t, 2063.5, params.StopLoss, 1e-9)
	// 1950.875 quantized to the 0.01 tick.
	assert.InDelta(t, 1950.88, params.TakeProfit, 1e-9)
	assert.Equal(t, 7.54, params.Volume)
	assert.Equal(t, now.Add(100*time.Hour), params.ExpiryTime)
	assert.Equal(t, "tick-1", params.CorrelationID)
	assert.NotEmpty(t, params.ClientOrderID)
}

func TestBuild_LongProducesBuyLimit(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	builder := newTestBuilder(now)

	setup := validShortSetup(now.Add(-time.Hour))
	setup.Direction = Long
	setup.Entry = 2013.0
	setup.StopLoss = 1986.5
	setup.TakeProfit = 2099.125

	params, err := builder.Build(ValidatedSetup{TradeSetup: setup}, 0.10, "tick-2")
	require.NoError(t, err)
	assert.Equal(t, broker.BuyLimit, params.Type)
	assert.InDelta(t, 2099.13, params.TakeProfit, 1e-9)
}

func TestBuild_NonPositiveRangeIsInvariantViolation(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	builder := newTestBuilder(now)

	setup := validShortSetup(now)
	setup.PriceLow = setup.PriceHigh

	_, err := builder.Build(ValidatedSetup{TradeSetup: setup}, 1.0, "tick-3")
	require.Error(t, err)
	var violation *utilities.InvariantViolation
	assert.ErrorAs(t, err, &violation)
}

func TestBuild_ClientOrderIDsAreUnique(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	builder := newTestBuilder(now)

	validated := ValidatedSetup{TradeSetup: validShortSetup(now.Add(-time.Hour))}
	a, err := builder.Build(validated, 1.0, "tick-4")
	require.NoError(t, err)
	b, err := builder.Build(validated, 1.0, "tick-4")
	require.NoError(t, err)
	assert.NotEqual(t, a.ClientOrderID, b.ClientOrderID)
}
