package reconcile

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whoiscaerus/fibpilot/dataprovider"
	"github.com/whoiscaerus/fibpilot/notification/discord"
	"github.com/whoiscaerus/fibpilot/pkg/broker"
	"github.com/whoiscaerus/fibpilot/utilities"
)

type fakeGateway struct {
	mu       sync.Mutex
	state    broker.AccountState
	closed   []string
	pollErr  error
	stayOpen bool // when true, Close never removes positions
}

func (f *fakeGateway) Submit(ctx context.Context, params broker.OrderParams) (broker.OrderHandle, error) {
	return broker.OrderHandle{OrderID: "srv-1", SubmittedAt: time.Now()}, nil
}

func (f *fakeGateway) PollPositions(ctx context.Context) (broker.AccountState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pollErr != nil {
		return broker.AccountState{}, f.pollErr
	}
	return f.state.Clone(), nil
}

func (f *fakeGateway) Close(ctx context.Context, positionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, positionID)
	if f.stayOpen {
		return nil
	}
	remaining := f.state.OpenPositions[:0]
	for _, p := range f.state.OpenPositions {
		if p.PositionID != positionID {
			remaining = append(remaining, p)
		}
	}
	f.state.OpenPositions = remaining
	return nil
}

type memLedger struct {
	entries  map[string]dataprovider.LedgerEntry
	statuses map[string]string
}

func newMemLedger(entries ...dataprovider.LedgerEntry) *memLedger {
	m := &memLedger{
		entries:  make(map[string]dataprovider.LedgerEntry),
		statuses: make(map[string]string),
	}
	for _, e := range entries {
		m.entries[e.ClientOrderID] = e
	}
	return m
}

func (m *memLedger) LoadActiveLedger() (map[string]dataprovider.LedgerEntry, error) {
	out := make(map[string]dataprovider.LedgerEntry, len(m.entries))
	for k, v := range m.entries {
		if v.Status != dataprovider.LedgerClosed {
			out[k] = v
		}
	}
	return out, nil
}

func (m *memLedger) UpdateLedgerStatus(clientOrderID, status string) error {
	e := m.entries[clientOrderID]
	e.Status = status
	m.entries[clientOrderID] = e
	m.statuses[clientOrderID] = status
	return nil
}

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

func testReconConfig() utilities.ReconConfig {
	return utilities.ReconConfig{
		CloseAllTimeoutSec:   30,
		IntervalSec:          10,
		SlippageTolerance:    0.5,
		UnexpectedOpenEquity: 0.05,
	}
}

func openLedgerEntry() dataprovider.LedgerEntry {
	return dataprovider.LedgerEntry{
		ClientOrderID: "co-1",
		BrokerOrderID: "srv-1",
		Symbol:        "XAUUSD",
		Side:          "short",
		Entry:         2037.0,
		StopLoss:      2063.5,
		TakeProfit:    1950.88,
		Volume:        0.5,
		Status:        dataprovider.LedgerOpen,
		SubmittedAt:   time.Now().Add(-time.Hour),
	}
}

func matchingPosition(entry dataprovider.LedgerEntry) broker.Position {
	return broker.Position{
		PositionID:    "pos-1",
		ClientOrderID: entry.ClientOrderID,
		Symbol:        entry.Symbol,
		Side:          entry.Side,
		Volume:        entry.Volume,
		OpenPrice:     entry.Entry,
		StopLoss:      entry.StopLoss,
		TakeProfit:    entry.TakeProfit,
		OpenedAt:      time.Now().Add(-time.Hour),
	}
}

func newTestEngine(gw *fakeGateway, store LedgerStore, audit dataprovider.AuditSink, alerter Alerter) *Engine {
	return NewEngine(testReconConfig(), gw, store, audit, alerter, utilities.NewLogger(utilities.Error))
}

func TestReconcile_MatchedFillProducesNoDivergence(t *testing.T) {
	entry := openLedgerEntry()
	gw := &fakeGateway{state: broker.AccountState{
		Equity:        10000,
		OpenPositions: []broker.Position{matchingPosition(entry)},
		AsOf:          time.Now(),
	}}
	ledger := newMemLedger(entry)
	engine := newTestEngine(gw, ledger, &memAudit{}, &memAlerter{})

	records, err := engine.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestReconcile_PromotesSubmittedToOpen(t *testing.T) {
	entry := openLedgerEntry()
	entry.Status = dataprovider.LedgerSubmitted
	gw := &fakeGateway{state: broker.AccountState{
		Equity:        10000,
		OpenPositions: []broker.Position{matchingPosition(entry)},
	}}
	ledger := newMemLedger(entry)
	engine := newTestEngine(gw, ledger, &memAudit{}, &memAlerter{})

	_, err := engine.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, dataprovider.LedgerOpen, ledger.statuses["co-1"])
}

func TestReconcile_PriceSlippage(t *testing.T) {
	entry := openLedgerEntry()
	pos := matchingPosition(entry)
	pos.OpenPrice = entry.Entry + 1.2 // beyond the 0.5 tolerance
	gw := &fakeGateway{state: broker.AccountState{Equity: 10000, OpenPositions: []broker.Position{pos}}}
	engine := newTestEngine(gw, newMemLedger(entry), &memAudit{}, &memAlerter{})

	records, err := engine.Reconcile(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, DivergencePriceSlippage, records[0].Divergence)
	assert.InDelta(t, entry.Entry, records[0].ExpectedPrice, 1e-9)
	assert.InDelta(t, pos.OpenPrice, records[0].ObservedPrice, 1e-9)
}

func TestReconcile_PartialFill(t *testing.T) {
	entry := openLedgerEntry()
	pos := matchingPosition(entry)
	pos.Volume = 0.3
	gw := &fakeGateway{state: broker.AccountState{Equity: 10000, OpenPositions: []broker.Position{pos}}}
	engine := newTestEngine(gw, newMemLedger(entry), &memAudit{}, &memAlerter{})

	records, err := engine.Reconcile(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, DivergencePartialFill, records[0].Divergence)
	assert.Equal(t, 0.5, records[0].ExpectedVolume)
	assert.Equal(t, 0.3, records[0].ObservedVolume)
}

func TestReconcile_UnexpectedClose(t *testing.T) {
	entry := openLedgerEntry()
	gw := &fakeGateway{state: broker.AccountState{Equity: 10000}}
	ledger := newMemLedger(entry)
	audit := &memAudit{}
	engine := newTestEngine(gw, ledger, audit, &memAlerter{})

	records, err := engine.Reconcile(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, DivergenceUnexpectedClose, records[0].Divergence)
	assert.False(t, records[0].Severe, "unexpected close is recorded, never escalated")
	assert.Equal(t, dataprovider.LedgerClosed, ledger.statuses["co-1"])
	require.Len(t, audit.events, 1)
	assert.Equal(t, dataprovider.AuditDivergence, audit.events[0].Category)
}

func TestReconcile_SubmittedButUnfilledIsNotDivergence(t *testing.T) {
	entry := openLedgerEntry()
	entry.Status = dataprovider.LedgerSubmitted // limit order resting, no position yet
	gw := &fakeGateway{state: broker.AccountState{Equity: 10000}}
	engine := newTestEngine(gw, newMemLedger(entry), &memAudit{}, &memAlerter{})

	records, err := engine.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestReconcile_UnexpectedOpen(t *testing.T) {
	foreign := broker.Position{
		PositionID: "pos-x",
		Symbol:     "XAUUSD",
		Volume:     0.01,
		OpenPrice:  2000,
	}
	gw := &fakeGateway{state: broker.AccountState{Equity: 10000, OpenPositions: []broker.Position{foreign}}}
	alerter := &memAlerter{}
	engine := newTestEngine(gw, newMemLedger(), &memAudit{}, alerter)

	records, err := engine.Reconcile(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, DivergenceUnexpectedOpen, records[0].Divergence)
	// Notional 20 against equity 10000 is below the 5% escalation bar.
	assert.False(t, records[0].Severe)
	require.Len(t, alerter.alerts, 1)
	assert.Equal(t, discord.SeverityWarning, alerter.alerts[0].Severity)
}

func TestReconcile_UnexpectedOpenEscalatesOnMagnitude(t *testing.T) {
	foreign := broker.Position{
		PositionID: "pos-x",
		Symbol:     "XAUUSD",
		Volume:     5,
		OpenPrice:  2000, // notional 10000 = 100% of equity
	}
	gw := &fakeGateway{state: broker.AccountState{Equity: 10000, OpenPositions: []broker.Position{foreign}}}
	alerter := &memAlerter{}
	engine := newTestEngine(gw, newMemLedger(), &memAudit{}, alerter)

	records, err := engine.Reconcile(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.True(t, records[0].Severe)
	require.Len(t, alerter.alerts, 1)
	assert.Equal(t, discord.SeverityCritical, alerter.alerts[0].Severity)
}

func TestExpireStale(t *testing.T) {
	expired := openLedgerEntry()
	expired.Status = dataprovider.LedgerSubmitted
	expired.ExpiryTime = time.Now().Add(-time.Hour)

	fresh := openLedgerEntry()
	fresh.ClientOrderID = "co-2"
	fresh.Status = dataprovider.LedgerSubmitted
	fresh.ExpiryTime = time.Now().Add(time.Hour)

	ledger := newMemLedger(expired, fresh)
	engine := newTestEngine(&fakeGateway{}, ledger, &memAudit{}, &memAlerter{})

	require.NoError(t, engine.ExpireStale())
	assert.Equal(t, dataprovider.LedgerClosed, ledger.statuses["co-1"])
	assert.NotContains(t, ledger.statuses, "co-2")
}

func TestCloseAll_ClosesEveryPositionAndRetiresLedger(t *testing.T) {
	entry := openLedgerEntry()
	gw := &fakeGateway{state: broker.AccountState{
		Equity:        10000,
		OpenPositions: []broker.Position{matchingPosition(entry)},
	}}
	ledger := newMemLedger(entry)
	audit := &memAudit{}
	engine := newTestEngine(gw, ledger, audit, &memAlerter{})

	require.NoError(t, engine.CloseAll(context.Background(), "drawdown breach"))
	assert.Equal(t, []string{"pos-1"}, gw.closed)
	assert.Equal(t, dataprovider.LedgerClosed, ledger.statuses["co-1"])
	require.NotEmpty(t, audit.events)
	assert.Contains(t, audit.events[0].Details, "drawdown breach")
}

func TestCloseAll_TimeoutEscalatesAsFatal(t *testing.T) {
	entry := openLedgerEntry()
	gw := &fakeGateway{
		state: broker.AccountState{
			Equity:        10000,
			OpenPositions: []broker.Position{matchingPosition(entry)},
		},
		stayOpen: true,
	}
	alerter := &memAlerter{}
	cfg := testReconConfig()
	cfg.CloseAllTimeoutSec = 1
	engine := NewEngine(cfg, gw, newMemLedger(entry), &memAudit{}, alerter, utilities.NewLogger(utilities.Error))

	err := engine.CloseAll(context.Background(), "drawdown breach")
	require.Error(t, err)
	require.Len(t, alerter.alerts, 1)
	assert.Equal(t, discord.SeverityFatal, alerter.alerts[0].Severity)
}

// Round-trip: an order built from a validated setup, filled at exactly its
// entry price, reconciles with zero divergence records.
func TestRoundTrip_FillAtEntryIsClean(t *testing.T) {
	entry := dataprovider.LedgerEntry{
		ClientOrderID: "co-rt",
		Symbol:        "XAUUSD",
		Side:          "short",
		Entry:         2037.0,
		StopLoss:      2063.5,
		TakeProfit:    1950.88,
		Volume:        7.54,
		Status:        dataprovider.LedgerOpen,
	}
	pos := broker.Position{
		PositionID:    "pos-rt",
		ClientOrderID: "co-rt",
		Symbol:        "XAUUSD",
		Side:          "short",
		Volume:        7.54,
		OpenPrice:     2037.0,
	}
	gw := &fakeGateway{state: broker.AccountState{Equity: 10000, OpenPositions: []broker.Position{pos}}}
	engine := newTestEngine(gw, newMemLedger(entry), &memAudit{}, &memAlerter{})

	records, err := engine.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Empty(t, records)
}
