package strategy

import (
	"math"
	"time"

	"github.com/whoiscaerus/fibpilot/utilities"
)

// FibRsiDetector scans an indicator series for paired RSI-extreme windows and
// derives Fibonacci-based entry/stop/target levels from the swing extremes.
//
// A SHORT candidate starts with an overbought window (RSI crossing above the
// overbought threshold, max high tracked while it stays above) followed by an
// oversold window (RSI crossing to or below the oversold threshold within the
// max crossing window, min low tracked while it stays there). LONG is the
// mirror image. A pending pairing is abandoned, not extended, when the
// opposite crossing does not arrive in time.
type FibRsiDetector struct {
	cfg    utilities.SetupConfig
	logger *utilities.Logger
}

// NewFibRsiDetector constructs the built-in Fibonacci/RSI strategy engine.
func NewFibRsiDetector(cfg utilities.SetupConfig, logger *utilities.Logger) *FibRsiDetector {
	return &FibRsiDetector{cfg: cfg, logger: logger}
}

// Detect runs both symmetric passes over the series. It holds no state across
// calls: scanning the same series twice yields identical setups.
func (d *FibRsiDetector) Detect(series *IndicatorSeries) []TradeSetup {
	if series == nil || len(series.Candles) == 0 {
		return nil
	}
	var setups []TradeSetup
	for _, p := range d.scanPairs(series, Overbought) {
		setups = append(setups, d.buildSetup(p, Short))
	}
	for _, p := range d.scanPairs(series, Oversold) {
		setups = append(setups, d.buildSetup(p, Long))
	}
	return setups
}

type windowPair struct {
	symbol    string
	timeframe string
	first     RsiWindow
	second    RsiWindow
	// detectedAt is the open time of the candle that opened the second
	// window. Later bars may extend the window and move its extreme, but
	// the detection time of the pairing never changes, so rescans of a
	// longer series key the same pairing identically.
	detectedAt time.Time
}

type scanState int

const (
	scanIdle scanState = iota
	scanInFirst
	scanWaiting
	scanInSecond
)

// scanPairs walks the RSI series once and collects every completed window
// pairing whose first window is on firstSide. Each completed pairing resets
// the scanner, so multiple candidates in one scan are all emitted;
// de-duplication is the caller's concern.
func (d *FibRsiDetector) scanPairs(series *IndicatorSeries, firstSide WindowSide) []windowPair {
	secondSide := Oversold
	if firstSide == Oversold {
		secondSide = Overbought
	}
	maxCrossing := time.Duration(d.cfg.MaxCrossingHours * float64(time.Hour))

	candles := series.Candles
	rsi := series.RSI

	var pairs []windowPair
	state := scanIdle
	var first, second RsiWindow

	for i := 1; i < len(rsi); i++ {
		prev, cur := rsi[i-1], rsi[i]
		if !Defined(cur) || !Defined(prev) {
			continue
		}
		c := candles[i]

		switch state {
		case scanIdle:
			if d.crossesInto(firstSide, prev, cur) {
				first = d.openWindow(firstSide, i, c)
				state = scanInFirst
			}

		case scanInFirst:
			if d.inZone(firstSide, cur) {
				d.extendWindow(&first, firstSide, i, c)
				continue
			}
			state = scanWaiting
			// The exit candle may itself cross straight into the second
			// zone (e.g. RSI 75 to 35 in one bar), so fall through to the
			// waiting checks for this same candle.
			fallthrough

		case scanWaiting:
			if c.OpenTime.Sub(first.StartTime) > maxCrossing {
				// Opposite crossing never arrived in time: abandon the
				// pairing, never extend the search.
				state = scanIdle
				if d.crossesInto(firstSide, prev, cur) {
					first = d.openWindow(firstSide, i, c)
					state = scanInFirst
				}
				continue
			}
			if d.crossesInto(firstSide, prev, cur) {
				// A fresh first-side crossing supersedes the pending window.
				first = d.openWindow(firstSide, i, c)
				state = scanInFirst
				continue
			}
			if d.crossesInto(secondSide, prev, cur) {
				second = d.openWindow(secondSide, i, c)
				state = scanInSecond
			}

		case scanInSecond:
			if d.inZone(secondSide, cur) {
				d.extendWindow(&second, secondSide, i, c)
				continue
			}
			pairs = append(pairs, windowPair{
				symbol:     c.Symbol,
				timeframe:  c.Timeframe,
				first:      first,
				second:     second,
				detectedAt: second.StartTime,
			})
			state = scanIdle
			if d.crossesInto(firstSide, prev, cur) {
				first = d.openWindow(firstSide, i, c)
				state = scanInFirst
			}
		}
	}

	if state == scanInSecond {
		last := candles[len(candles)-1]
		pairs = append(pairs, windowPair{
			symbol:     last.Symbol,
			timeframe:  last.Timeframe,
			first:      first,
			second:     second,
			detectedAt: second.StartTime,
		})
	}
	return pairs
}

func (d *FibRsiDetector) inZone(side WindowSide, v float64) bool {
	if side == Overbought {
		return v > d.cfg.OverboughtThreshold
	}
	return v <= d.cfg.OversoldThreshold
}

func (d *FibRsiDetector) crossesInto(side WindowSide, prev, cur float64) bool {
	return !d.inZone(side, prev) && d.inZone(side, cur)
}

func (d *FibRsiDetector) openWindow(side WindowSide, i int, c utilities.Candle) RsiWindow {
	w := RsiWindow{
		Side:       side,
		StartIndex: i,
		EndIndex:   i,
		StartTime:  c.OpenTime,
		EndTime:    c.OpenTime,
	}
	if side == Overbought {
		w.ExtremePrice = c.High
	} else {
		w.ExtremePrice = c.Low
	}
	w.ExtremeTime = c.OpenTime
	return w
}

func (d *FibRsiDetector) extendWindow(w *RsiWindow, side WindowSide, i int, c utilities.Candle) {
	w.EndIndex = i
	w.EndTime = c.OpenTime
	if side == Overbought {
		if c.High > w.ExtremePrice {
			w.ExtremePrice = c.High
			w.ExtremeTime = c.OpenTime
		}
	} else if c.Low < w.ExtremePrice {
		w.ExtremePrice = c.Low
		w.ExtremeTime = c.OpenTime
	}
}

// buildSetup converts a completed window pairing into a TradeSetup with the
// Fibonacci-derived levels for its direction.
func (d *FibRsiDetector) buildSetup(p windowPair, dir Direction) TradeSetup {
	var priceHigh, priceLow float64
	if dir == Short {
		priceHigh = p.first.ExtremePrice
		priceLow = p.second.ExtremePrice
	} else {
		priceLow = p.first.ExtremePrice
		priceHigh = p.second.ExtremePrice
	}
	fibRange := priceHigh - priceLow

	var entry, stop, target float64
	if dir == Short {
		entry = priceLow + fibRange*d.cfg.EntryRatio
		stop = priceHigh + fibRange*d.cfg.StopRatio
		target = entry - math.Abs(entry-stop)*d.cfg.RewardRisk
	} else {
		entry = priceHigh - fibRange*d.cfg.EntryRatio
		stop = priceLow - fibRange*d.cfg.StopRatio
		target = entry + math.Abs(entry-stop)*d.cfg.RewardRisk
	}

	return TradeSetup{
		Symbol:           p.symbol,
		Timeframe:        p.timeframe,
		Direction:        dir,
		PriceHigh:        priceHigh,
		PriceLow:         priceLow,
		Entry:            entry,
		StopLoss:         stop,
		TakeProfit:       target,
		DetectedAt:       p.detectedAt,
		CrossingDuration: p.second.StartTime.Sub(p.first.StartTime),
	}
}
