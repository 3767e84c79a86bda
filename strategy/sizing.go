package strategy

import (
	"errors"
	"math"

	"github.com/shopspring/decimal"

	"github.com/whoiscaerus/fibpilot/utilities"
)

// ErrZeroStopDistance is returned when entry and stop loss coincide, which
// would make the risk formula divide by zero.
var ErrZeroStopDistance = errors.New("zero stop distance")

// PositionSizer converts a risk fraction and stop distance into a tradable
// volume under the broker's lot constraints.
type PositionSizer struct {
	riskFraction float64
}

// NewPositionSizer constructs a sizer risking the given fraction of account
// equity per trade (e.g. 0.02).
func NewPositionSizer(riskFraction float64) *PositionSizer {
	return &PositionSizer{riskFraction: riskFraction}
}

// Size computes the volume such that a stop-out loses riskFraction of equity.
// The result is rounded down to the symbol's lot step and floored at the
// broker minimum lot.
func (p *PositionSizer) Size(accountEquity, entry, stopLoss float64, spec utilities.SymbolSpec) (float64, error) {
	stopDistance := math.Abs(entry - stopLoss)
	if stopDistance == 0 {
		return 0, ErrZeroStopDistance
	}

	riskAmount := accountEquity * p.riskFraction
	volume := riskAmount / (stopDistance * spec.PointValue)

	rounded := floorToStep(volume, spec.LotStep)
	if rounded < spec.MinLot {
		rounded = spec.MinLot
	}
	return rounded, nil
}

// floorToStep rounds v down to a multiple of step. Decimal arithmetic keeps
// the quantized value exact; 0.07/0.01 style divisions drift in float64.
func floorToStep(v, step float64) float64 {
	if step <= 0 {
		return v
	}
	d := decimal.NewFromFloat(v)
	s := decimal.NewFromFloat(step)
	out, _ := d.Div(s).Floor().Mul(s).Float64()
	return out
}
