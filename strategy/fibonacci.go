package strategy

import (
	"math"
	"time"

	"github.com/whoiscaerus/fibpilot/utilities"
)

// RejectionReason is the typed outcome of a failed validation. Rejection is
// expected behavior, not an error: callers handle each reason explicitly and
// log it for audit.
type RejectionReason string

const (
	NonPositiveRange RejectionReason = "non_positive_range"
	EntryDeviation   RejectionReason = "entry_deviation"
	StopDeviation    RejectionReason = "stop_deviation"
	StopTooTight     RejectionReason = "stop_too_tight"
	RRTooLow         RejectionReason = "rr_too_low"
	StaleSetup       RejectionReason = "stale_setup"
)

// ValidatedSetup is a TradeSetup that has passed every tolerance and
// risk-reward check. It is immutable from here on.
type ValidatedSetup struct {
	TradeSetup
	Tolerance   float64
	ValidatedAt time.Time
}

// FibonacciCalculator recomputes the expected Fibonacci levels from the swing
// extremes and rejects setups that deviate beyond tolerance or violate the
// risk constraints.
type FibonacciCalculator struct {
	cfg    utilities.SetupConfig
	logger *utilities.Logger
	now    func() time.Time
}

// NewFibonacciCalculator constructs a validator with the given parameters.
func NewFibonacciCalculator(cfg utilities.SetupConfig, logger *utilities.Logger) *FibonacciCalculator {
	return &FibonacciCalculator{cfg: cfg, logger: logger, now: time.Now}
}

// Validate recomputes the expected entry and stop from PriceHigh, PriceLow
// and direction, then applies the tolerance, stop-distance, reward:risk and
// staleness checks in order. The boolean result reports acceptance; on
// rejection the RejectionReason identifies the first failed check.
func (f *FibonacciCalculator) Validate(setup TradeSetup, tolerance float64) (ValidatedSetup, RejectionReason, bool) {
	fibRange := setup.PriceHigh - setup.PriceLow
	if fibRange <= 0 {
		return ValidatedSetup{}, NonPositiveRange, false
	}

	var expectedEntry, expectedStop float64
	if setup.Direction == Short {
		expectedEntry = setup.PriceLow + fibRange*f.cfg.EntryRatio
		expectedStop = setup.PriceHigh + fibRange*f.cfg.StopRatio
	} else {
		expectedEntry = setup.PriceHigh - fibRange*f.cfg.EntryRatio
		expectedStop = setup.PriceLow - fibRange*f.cfg.StopRatio
	}

	if !utilities.ApproxEqual(setup.Entry, expectedEntry, tolerance) {
		return ValidatedSetup{}, EntryDeviation, false
	}
	if !utilities.ApproxEqual(setup.StopLoss, expectedStop, tolerance) {
		return ValidatedSetup{}, StopDeviation, false
	}

	stopDistance := math.Abs(setup.Entry - setup.StopLoss)
	if stopDistance < f.cfg.MinStopPoints {
		return ValidatedSetup{}, StopTooTight, false
	}

	reward := math.Abs(setup.Entry - setup.TakeProfit)
	if reward/stopDistance < f.cfg.RewardRisk-1e-9 {
		return ValidatedSetup{}, RRTooLow, false
	}

	maxAge := time.Duration(f.cfg.MaxSetupAgeHours * float64(time.Hour))
	if f.now().Sub(setup.DetectedAt) > maxAge {
		return ValidatedSetup{}, StaleSetup, false
	}

	return ValidatedSetup{
		TradeSetup:  setup,
		Tolerance:   tolerance,
		ValidatedAt: f.now(),
	}, "", true
}
