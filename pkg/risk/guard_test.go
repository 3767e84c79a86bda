package risk

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whoiscaerus/fibpilot/dataprovider"
	"github.com/whoiscaerus/fibpilot/notification/discord"
	"github.com/whoiscaerus/fibpilot/pkg/broker"
	"github.com/whoiscaerus/fibpilot/utilities"
)

type memAudit struct {
	events []dataprovider.AuditEvent
}

func (m *memAudit) Append(e dataprovider.AuditEvent) error {
	m.events = append(m.events, e)
	return nil
}

type memAlerter struct {
	alerts []discord.Alert
}

func (m *memAlerter) SendAlert(a discord.Alert) error {
	m.alerts = append(m.alerts, a)
	return nil
}

type countingLiquidator struct {
	calls   int
	reasons []string
	err     error
}

func (c *countingLiquidator) CloseAll(ctx context.Context, reason string) error {
	c.calls++
	c.reasons = append(c.reasons, reason)
	return c.err
}

func testRiskConfig() utilities.RiskConfig {
	return utilities.RiskConfig{
		WarningDrawdownPercent: 15,
		HardDrawdownPercent:    20,
		MinEquityFloor:         1000,
		TickIntervalSec:        30,
	}
}

func snapshotAt(equity float64) broker.AccountState {
	return broker.AccountState{Equity: equity, AsOf: time.Now()}
}

type memStateStore struct {
	state   string
	peak    float64
	saved   bool
	loadErr error
}

func (m *memStateStore) SaveGuardState(state string, peakEquity float64) error {
	m.state = state
	m.peak = peakEquity
	m.saved = true
	return nil
}

func (m *memStateStore) LoadGuardState() (string, float64, bool, error) {
	return m.state, m.peak, m.saved, m.loadErr
}

func newTestGuard(audit dataprovider.AuditSink, alerter Alerter) *Guard {
	return NewGuard(testRiskConfig(), &memStateStore{}, audit, alerter, utilities.NewLogger(utilities.Error))
}

func TestGuard_StaysActiveWithinWarningThreshold(t *testing.T) {
	guard := newTestGuard(&memAudit{}, &memAlerter{})
	liq := &countingLiquidator{}

	require.NoError(t, guard.Evaluate(context.Background(), snapshotAt(10000), liq))
	require.NoError(t, guard.Evaluate(context.Background(), snapshotAt(9000), liq)) // 10% drawdown

	assert.Equal(t, StateActive, guard.State())
	assert.True(t, guard.TradingAllowed())
	assert.Equal(t, 0, liq.calls)
	assert.Equal(t, 10000.0, guard.PeakEquity())
}

func TestGuard_WarnsWithoutClosingPositions(t *testing.T) {
	audit := &memAudit{}
	alerter := &memAlerter{}
	guard := newTestGuard(audit, alerter)
	liq := &countingLiquidator{}

	require.NoError(t, guard.Evaluate(context.Background(), snapshotAt(10000), liq))
	require.NoError(t, guard.Evaluate(context.Background(), snapshotAt(8400), liq)) // 16% drawdown

	assert.Equal(t, StateWarning, guard.State())
	assert.True(t, guard.TradingAllowed(), "warning still permits submission")
	assert.Equal(t, 0, liq.calls, "warning must not close positions")

	require.Len(t, audit.events, 1)
	assert.Equal(t, dataprovider.AuditGuardTransition, audit.events[0].Category)
	require.Len(t, alerter.alerts, 1)
	assert.Equal(t, discord.SeverityWarning, alerter.alerts[0].Severity)
}

func TestGuard_HardDrawdownLiquidatesExactlyOnce(t *testing.T) {
	audit := &memAudit{}
	alerter := &memAlerter{}
	guard := newTestGuard(audit, alerter)
	liq := &countingLiquidator{}

	// Peak 10000, equity 7900: 21% drawdown breaches the hard threshold.
	require.NoError(t, guard.Evaluate(context.Background(), snapshotAt(10000), liq))
	require.NoError(t, guard.Evaluate(context.Background(), snapshotAt(7900), liq))

	assert.Equal(t, StateHalted, guard.State())
	assert.False(t, guard.TradingAllowed())
	assert.Equal(t, 1, liq.calls)

	// Repeated evaluations while halted never re-trigger liquidation.
	require.NoError(t, guard.Evaluate(context.Background(), snapshotAt(7900), liq))
	require.NoError(t, guard.Evaluate(context.Background(), snapshotAt(9900), liq))
	assert.Equal(t, 1, liq.calls)
	assert.Equal(t, StateHalted, guard.State())

	// Two transitions audited: active->liquidating, liquidating->halted.
	require.Len(t, audit.events, 2)
	for _, e := range audit.events {
		assert.Equal(t, dataprovider.AuditGuardTransition, e.Category)
	}
}

func TestGuard_SkipsWarningWhenBreachIsHard(t *testing.T) {
	guard := newTestGuard(&memAudit{}, &memAlerter{})
	liq := &countingLiquidator{}

	require.NoError(t, guard.Evaluate(context.Background(), snapshotAt(10000), liq))
	// One snapshot straight to 25% drawdown: no intermediate warning state.
	require.NoError(t, guard.Evaluate(context.Background(), snapshotAt(7500), liq))

	assert.Equal(t, StateHalted, guard.State())
	assert.Equal(t, 1, liq.calls)
}

func TestGuard_EquityFloorTrips(t *testing.T) {
	guard := newTestGuard(&memAudit{}, &memAlerter{})
	liq := &countingLiquidator{}

	require.NoError(t, guard.Evaluate(context.Background(), snapshotAt(1100), liq))
	require.NoError(t, guard.Evaluate(context.Background(), snapshotAt(990), liq)) // 10% drawdown, below floor

	assert.Equal(t, StateHalted, guard.State())
	assert.Equal(t, 1, liq.calls)
}

func TestGuard_LiquidationFailureStillHalts(t *testing.T) {
	guard := newTestGuard(&memAudit{}, &memAlerter{})
	liq := &countingLiquidator{err: assert.AnError}

	require.NoError(t, guard.Evaluate(context.Background(), snapshotAt(10000), liq))
	err := guard.Evaluate(context.Background(), snapshotAt(7000), liq)

	assert.Error(t, err)
	assert.Equal(t, StateHalted, guard.State(), "a failed CloseAll must never re-enable trading")
	assert.False(t, guard.TradingAllowed())
}

func TestGuard_ResetIsOnlyExitFromHalted(t *testing.T) {
	guard := newTestGuard(&memAudit{}, &memAlerter{})
	liq := &countingLiquidator{}

	assert.Error(t, guard.Reset(5000), "reset outside halted is rejected")

	require.NoError(t, guard.Evaluate(context.Background(), snapshotAt(10000), liq))
	require.NoError(t, guard.Evaluate(context.Background(), snapshotAt(7900), liq))
	require.Equal(t, StateHalted, guard.State())

	require.NoError(t, guard.Reset(7900))
	assert.Equal(t, StateActive, guard.State())
	assert.True(t, guard.TradingAllowed())
	assert.Equal(t, 7900.0, guard.PeakEquity(), "peak rebased on reset")

	// The rebased peak governs subsequent drawdown math.
	require.NoError(t, guard.Evaluate(context.Background(), snapshotAt(7000), liq)) // 11.4% from 7900
	assert.Equal(t, StateActive, guard.State())
}

func TestGuard_ForceLiquidation(t *testing.T) {
	audit := &memAudit{}
	guard := newTestGuard(audit, &memAlerter{})
	liq := &countingLiquidator{}

	require.NoError(t, guard.Evaluate(context.Background(), snapshotAt(10000), liq))
	require.NoError(t, guard.ForceLiquidation(context.Background(), snapshotAt(10000), liq, "unexpected position beyond equity tolerance"))

	assert.Equal(t, StateHalted, guard.State())
	assert.Equal(t, 1, liq.calls)
	require.NotEmpty(t, liq.reasons)
	assert.Contains(t, liq.reasons[0], "unexpected position")

	// Idempotent once halted.
	require.NoError(t, guard.ForceLiquidation(context.Background(), snapshotAt(10000), liq, "again"))
	assert.Equal(t, 1, liq.calls)
}

func TestGuard_RejectsStaleSnapshot(t *testing.T) {
	cfg := testRiskConfig()
	cfg.SnapshotMaxAgeSec = 60
	guard := NewGuard(cfg, &memStateStore{}, &memAudit{}, &memAlerter{}, utilities.NewLogger(utilities.Error))

	stale := broker.AccountState{Equity: 10000, AsOf: time.Now().Add(-2 * time.Minute)}
	err := guard.Evaluate(context.Background(), stale, &countingLiquidator{})
	assert.Error(t, err)
	assert.Equal(t, StateActive, guard.State(), "stale data never advances the state machine")
}

func TestGuard_HaltSurvivesRestart(t *testing.T) {
	store := &memStateStore{}
	logger := utilities.NewLogger(utilities.Error)
	guard := NewGuard(testRiskConfig(), store, &memAudit{}, &memAlerter{}, logger)
	liq := &countingLiquidator{}

	require.NoError(t, guard.Evaluate(context.Background(), snapshotAt(10000), liq))
	require.NoError(t, guard.Evaluate(context.Background(), snapshotAt(7900), liq)) // hard breach
	require.Equal(t, StateHalted, guard.State())

	// A new guard over the same store is the restart case. It must come up
	// halted with the original peak, not active with peak zero.
	restarted := NewGuard(testRiskConfig(), store, &memAudit{}, &memAlerter{}, logger)
	assert.Equal(t, StateHalted, restarted.State())
	assert.False(t, restarted.TradingAllowed())
	assert.Equal(t, 10000.0, restarted.PeakEquity())

	// The operator reset path works against the restarted guard and the
	// reset state itself persists.
	require.NoError(t, restarted.Reset(7900))
	assert.Equal(t, string(StateActive), store.state)
	assert.Equal(t, 7900.0, store.peak)
}

func TestGuard_PeakEquitySurvivesRestart(t *testing.T) {
	store := &memStateStore{}
	logger := utilities.NewLogger(utilities.Error)
	guard := NewGuard(testRiskConfig(), store, &memAudit{}, &memAlerter{}, logger)
	liq := &countingLiquidator{}

	require.NoError(t, guard.Evaluate(context.Background(), snapshotAt(10000), liq))

	restarted := NewGuard(testRiskConfig(), store, &memAudit{}, &memAlerter{}, logger)
	assert.Equal(t, 10000.0, restarted.PeakEquity())

	// Drawdown after the restart is measured against the persisted peak.
	require.NoError(t, restarted.Evaluate(context.Background(), snapshotAt(8400), liq)) // 16% from 10000
	assert.Equal(t, StateWarning, restarted.State())
}

func TestGuard_InterruptedLiquidationRestartsHalted(t *testing.T) {
	store := &memStateStore{state: string(StateLiquidating), peak: 10000, saved: true}
	guard := NewGuard(testRiskConfig(), store, &memAudit{}, &memAlerter{}, utilities.NewLogger(utilities.Error))
	assert.Equal(t, StateHalted, guard.State())
	assert.False(t, guard.TradingAllowed())
}
