// File: pkg/risk/guard.go
package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/whoiscaerus/fibpilot/dataprovider"
	"github.com/whoiscaerus/fibpilot/notification/discord"
	"github.com/whoiscaerus/fibpilot/pkg/broker"
	"github.com/whoiscaerus/fibpilot/utilities"
)

// GuardState is the circuit-breaker state of the account guard.
type GuardState string

const (
	StateActive      GuardState = "active"
	StateWarning     GuardState = "warning"
	StateLiquidating GuardState = "liquidating"
	StateHalted      GuardState = "halted"
)

// Liquidator closes every open position. The guard calls it exactly once per
// liquidation episode; repeated Evaluate calls while liquidating do not
// re-trigger it.
type Liquidator interface {
	CloseAll(ctx context.Context, reason string) error
}

// Alerter delivers guard alerts out of band.
type Alerter interface {
	SendAlert(alert discord.Alert) error
}

// StateStore persists the guard state and equity peak so a restart cannot
// resurrect trading after a halt or forget the peak the drawdown is measured
// against.
type StateStore interface {
	SaveGuardState(state string, peakEquity float64) error
	LoadGuardState() (state string, peakEquity float64, ok bool, err error)
}

// Guard watches account equity against its historical peak and trips a
// one-way circuit breaker when drawdown breaches the configured thresholds.
// Once halted, trading stays off until an operator calls Reset.
type Guard struct {
	mu sync.Mutex

	cfg     utilities.RiskConfig
	logger  *utilities.Logger
	store   StateStore
	audit   dataprovider.AuditSink
	alerter Alerter

	state      GuardState
	peakEquity float64
	lastEquity float64
	trippedAt  time.Time

	now func() time.Time
}

func NewGuard(cfg utilities.RiskConfig, store StateStore, audit dataprovider.AuditSink, alerter Alerter, logger *utilities.Logger) *Guard {
	g := &Guard{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		audit:   audit,
		alerter: alerter,
		state:   StateActive,
		now:     time.Now,
	}
	g.restore()
	return g
}

// restore adopts persisted state from a previous run. A run that died while
// liquidating cannot assume its positions were closed, so it comes back
// halted.
func (g *Guard) restore() {
	if g.store == nil {
		return
	}
	state, peak, ok, err := g.store.LoadGuardState()
	if err != nil {
		g.logger.LogError("RiskGuard: failed to load persisted state, starting halted: %v", err)
		g.state = StateHalted
		return
	}
	if !ok {
		return
	}
	restored := GuardState(state)
	switch restored {
	case StateActive, StateWarning, StateHalted:
	case StateLiquidating:
		restored = StateHalted
	default:
		g.logger.LogError("RiskGuard: unrecognized persisted state %q, starting halted.", state)
		restored = StateHalted
	}
	g.state = restored
	g.peakEquity = peak
	g.logger.LogInfo("RiskGuard: restored %s state with peak equity %.2f.", g.state, peak)
}

// State returns the current guard state.
func (g *Guard) State() GuardState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// TradingAllowed reports whether new orders may be submitted. Only the
// active and warning states permit submission.
func (g *Guard) TradingAllowed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state == StateActive || g.state == StateWarning
}

// PeakEquity returns the highest equity observed since the last reset.
func (g *Guard) PeakEquity() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.peakEquity
}

// Evaluate ingests an account snapshot and advances the state machine.
// A stale snapshot is treated as a broker outage: the guard refuses to act
// on it and reports an error so the caller can alarm.
//
// Transitions are one-way while the episode lasts: warning cannot be
// suppressed back to active by a config change, and liquidating always
// proceeds to halted. Reset is the only way out of halted.
func (g *Guard) Evaluate(ctx context.Context, snapshot broker.AccountState, liquidator Liquidator) error {
	g.mu.Lock()

	if g.cfg.SnapshotMaxAgeSec > 0 {
		age := g.now().Sub(snapshot.AsOf)
		if age > time.Duration(g.cfg.SnapshotMaxAgeSec)*time.Second {
			g.mu.Unlock()
			return fmt.Errorf("risk guard: account snapshot is stale (age %s)", age.Round(time.Second))
		}
	}

	g.lastEquity = snapshot.Equity
	peakBefore := g.peakEquity
	if snapshot.Equity > g.peakEquity {
		g.peakEquity = snapshot.Equity
	}
	if snapshot.PeakEquity > g.peakEquity {
		g.peakEquity = snapshot.PeakEquity
	}
	if g.peakEquity != peakBefore {
		g.persistLocked()
	}

	if g.state == StateHalted || g.state == StateLiquidating {
		g.mu.Unlock()
		return nil
	}

	drawdownPct := 0.0
	if g.peakEquity > 0 {
		drawdownPct = (g.peakEquity - snapshot.Equity) / g.peakEquity * 100.0
	}

	breachedFloor := g.cfg.MinEquityFloor > 0 && snapshot.Equity < g.cfg.MinEquityFloor
	breachedHard := drawdownPct >= g.cfg.HardDrawdownPercent
	breachedWarn := drawdownPct >= g.cfg.WarningDrawdownPercent

	switch {
	case breachedHard || breachedFloor:
		reason := fmt.Sprintf("drawdown %.2f%% from peak %.2f (equity %.2f)", drawdownPct, g.peakEquity, snapshot.Equity)
		if breachedFloor {
			reason = fmt.Sprintf("equity %.2f below floor %.2f", snapshot.Equity, g.cfg.MinEquityFloor)
		}
		g.transitionLocked(StateLiquidating, snapshot, reason)
		g.trippedAt = g.now()
		g.mu.Unlock()
		return g.liquidate(ctx, snapshot, liquidator, reason)

	case breachedWarn && g.state == StateActive:
		reason := fmt.Sprintf("drawdown %.2f%% from peak %.2f (equity %.2f)", drawdownPct, g.peakEquity, snapshot.Equity)
		g.transitionLocked(StateWarning, snapshot, reason)
		g.mu.Unlock()
		return nil
	}

	g.mu.Unlock()
	return nil
}

// ForceLiquidation trips the breaker from outside the equity path, used when
// reconciliation detects divergence severe enough to stand down. It follows
// the same one-shot liquidation discipline as an equity trip.
func (g *Guard) ForceLiquidation(ctx context.Context, snapshot broker.AccountState, liquidator Liquidator, reason string) error {
	g.mu.Lock()
	if g.state == StateHalted || g.state == StateLiquidating {
		g.mu.Unlock()
		return nil
	}
	g.transitionLocked(StateLiquidating, snapshot, reason)
	g.trippedAt = g.now()
	g.mu.Unlock()
	return g.liquidate(ctx, snapshot, liquidator, reason)
}

// liquidate runs the one-shot CloseAll and lands in halted regardless of
// outcome. A CloseAll failure is surfaced to the caller but never leaves the
// guard in a state that would allow new orders.
func (g *Guard) liquidate(ctx context.Context, snapshot broker.AccountState, liquidator Liquidator, reason string) error {
	var closeErr error
	if liquidator != nil {
		closeErr = liquidator.CloseAll(ctx, reason)
		if closeErr != nil {
			g.logger.LogError("RiskGuard: CloseAll failed during liquidation: %v", closeErr)
		}
	}

	g.mu.Lock()
	g.transitionLocked(StateHalted, snapshot, reason)
	g.mu.Unlock()

	if closeErr != nil {
		return fmt.Errorf("risk guard liquidation: %w", closeErr)
	}
	return nil
}

// Reset returns a halted guard to active and rebases the equity peak to the
// supplied value. It is the only path out of halted and is wired to an
// explicit operator command, never to automation.
func (g *Guard) Reset(currentEquity float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state != StateHalted {
		return fmt.Errorf("risk guard: reset requires halted state, currently %s", g.state)
	}

	g.logger.LogWarn("RiskGuard: operator reset. Rebasing peak equity from %.2f to %.2f.", g.peakEquity, currentEquity)
	g.state = StateActive
	g.peakEquity = currentEquity
	g.lastEquity = currentEquity
	g.trippedAt = time.Time{}
	g.persistLocked()

	if g.audit != nil {
		_ = g.audit.Append(dataprovider.AuditEvent{
			Category:  dataprovider.AuditGuardTransition,
			Details:   fmt.Sprintf("operator reset: halted -> active, peak rebased to %.2f", currentEquity),
			CreatedAt: g.now(),
		})
	}
	return nil
}

// persistLocked writes state and peak through to the store. Caller holds g.mu.
func (g *Guard) persistLocked() {
	if g.store == nil {
		return
	}
	if err := g.store.SaveGuardState(string(g.state), g.peakEquity); err != nil {
		g.logger.LogError("RiskGuard: failed to persist state: %v", err)
	}
}

// transitionLocked records and announces a state change. Caller holds g.mu.
func (g *Guard) transitionLocked(to GuardState, snapshot broker.AccountState, reason string) {
	from := g.state
	if from == to {
		return
	}
	g.state = to
	g.persistLocked()

	detail := fmt.Sprintf("guard %s -> %s: %s (equity %.2f, peak %.2f)", from, to, reason, snapshot.Equity, g.peakEquity)
	g.logger.LogWarn("RiskGuard: %s", detail)

	if g.audit != nil {
		if err := g.audit.Append(dataprovider.AuditEvent{
			Category:  dataprovider.AuditGuardTransition,
			Details:   detail,
			CreatedAt: g.now(),
		}); err != nil {
			g.logger.LogError("RiskGuard: failed to audit transition: %v", err)
		}
	}

	if g.alerter != nil {
		severity := discord.SeverityWarning
		if to == StateLiquidating || to == StateHalted {
			severity = discord.SeverityCritical
		}
		if err := g.alerter.SendAlert(discord.Alert{
			Severity:  severity,
			Category:  dataprovider.AuditGuardTransition,
			Timestamp: g.now(),
			Details:   detail,
		}); err != nil {
			g.logger.LogError("RiskGuard: failed to send transition alert: %v", err)
		}
	}
}
