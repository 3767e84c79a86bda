package strategy

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/whoiscaerus/fibpilot/pkg/broker"
	"github.com/whoiscaerus/fibpilot/utilities"
)

// OrderBuilder assembles broker-ready order parameters from a validated
// setup: prices quantized to the symbol's tick size, a limit order type for
// the direction, and the configured expiry. Market orders are never produced
// for this strategy class.
type OrderBuilder struct {
	cfg   utilities.OrdersConfig
	specs map[string]utilities.SymbolSpec
	now   func() time.Time
}

// NewOrderBuilder constructs a builder with the broker contract constraints
// per symbol.
func NewOrderBuilder(cfg utilities.OrdersConfig, specs map[string]utilities.SymbolSpec) *OrderBuilder {
	return &OrderBuilder{cfg: cfg, specs: specs, now: time.Now}
}

// Build converts a validated setup plus sized volume into OrderParams.
// A non-positive fib range reaching this point is a contract violation
// upstream validation must have caught, so it is returned as fatal.
func (b *OrderBuilder) Build(v ValidatedSetup, volume float64, correlationID string) (broker.OrderParams, error) {
	if v.PriceHigh-v.PriceLow <= 0 {
		return broker.OrderParams{}, &utilities.InvariantViolation{
			Component: "OrderBuilder",
			Detail:    "non-positive fib range passed validation",
		}
	}

	spec := b.specs[v.Symbol]

	orderType := broker.BuyLimit
	if v.Direction == Short {
		orderType = broker.SellLimit
	}

	expiry := b.now().UTC().Add(time.Duration(b.cfg.ExpiryHours * float64(time.Hour)))

	return broker.OrderParams{
		Symbol:        v.Symbol,
		Timeframe:     v.Timeframe,
		Type:          orderType,
		Entry:         roundToTick(v.Entry, spec.TickSize),
		StopLoss:      roundToTick(v.StopLoss, spec.TickSize),
		TakeProfit:    roundToTick(v.TakeProfit, spec.TickSize),
		Volume:        volume,
		ExpiryTime:    expiry,
		ClientOrderID: uuid.NewString(),
		CorrelationID: correlationID,
	}, nil
}

// roundToTick quantizes price to the nearest multiple of the tick size.
func roundToTick(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	p := decimal.NewFromFloat(price)
	t := decimal.NewFromFloat(tick)
	out, _ := p.Div(t).Round(0).Mul(t).Float64()
	return out
}
