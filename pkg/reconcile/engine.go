// File: pkg/reconcile/engine.go
package reconcile

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/whoiscaerus/fibpilot/dataprovider"
	"github.com/whoiscaerus/fibpilot/notification/discord"
	"github.com/whoiscaerus/fibpilot/pkg/broker"
	"github.com/whoiscaerus/fibpilot/utilities"
)

// Divergence categorizes how a broker position disagrees with the ledger.
type Divergence string

const (
	DivergenceNone            Divergence = "none"
	DivergencePriceSlippage   Divergence = "price_slippage"
	DivergencePartialFill     Divergence = "partial_fill"
	DivergenceUnexpectedClose Divergence = "unexpected_close"
	DivergenceUnexpectedOpen  Divergence = "unexpected_open"
)

// Record is the outcome of comparing one position (or expected position)
// against the order ledger.
type Record struct {
	Divergence       Divergence
	PositionID       string
	ClientOrderID    string
	Symbol           string
	ExpectedPrice    float64
	ObservedPrice    float64
	ExpectedVolume   float64
	ObservedVolume   float64
	DivergenceReason string
	Severe           bool
	ObservedAt       time.Time
}

// LedgerStore is the slice of persistence the engine needs.
type LedgerStore interface {
	LoadActiveLedger() (map[string]dataprovider.LedgerEntry, error)
	UpdateLedgerStatus(clientOrderID, status string) error
}

// Alerter delivers reconciliation alerts out of band.
type Alerter interface {
	SendAlert(alert discord.Alert) error
}

// Engine pulls broker state on a fixed cadence and squares it against the
// ledger of orders this pipeline submitted. It never adopts a position it
// did not create; an unexpected open is recorded and alerted, nothing more.
type Engine struct {
	cfg     utilities.ReconConfig
	gateway broker.ExecutionGateway
	store   LedgerStore
	audit   dataprovider.AuditSink
	alerter Alerter
	logger  *utilities.Logger

	now func() time.Time
}

func NewEngine(cfg utilities.ReconConfig, gateway broker.ExecutionGateway, store LedgerStore, audit dataprovider.AuditSink, alerter Alerter, logger *utilities.Logger) *Engine {
	return &Engine{
		cfg:     cfg,
		gateway: gateway,
		store:   store,
		audit:   audit,
		alerter: alerter,
		logger:  logger,
		now:     time.Now,
	}
}

// Reconcile performs one pass: poll broker positions, match them to the
// active ledger, and emit one Record per divergence found. Matched positions
// with a ledger entry still marked submitted are promoted to open.
func (e *Engine) Reconcile(ctx context.Context) ([]Record, error) {
	state, err := e.gateway.PollPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconcile: failed to poll positions: %w", err)
	}

	ledger, err := e.store.LoadActiveLedger()
	if err != nil {
		return nil, fmt.Errorf("reconcile: failed to load ledger: %w", err)
	}

	var records []Record
	seen := make(map[string]bool, len(state.OpenPositions))

	for _, pos := range state.OpenPositions {
		entry, ok := ledger[pos.ClientOrderID]
		if !ok {
			rec := Record{
				Divergence:       DivergenceUnexpectedOpen,
				PositionID:       pos.PositionID,
				Symbol:           pos.Symbol,
				ObservedPrice:    pos.OpenPrice,
				ObservedVolume:   pos.Volume,
				DivergenceReason: fmt.Sprintf("position %s has no matching ledger entry", pos.PositionID),
				ObservedAt:       e.now(),
			}
			// A foreign position large relative to equity is not a
			// bookkeeping quirk; the caller must stand the account down.
			if e.cfg.UnexpectedOpenEquity > 0 && state.Equity > 0 {
				notional := pos.Volume * pos.OpenPrice
				if notional >= state.Equity*e.cfg.UnexpectedOpenEquity {
					rec.Severe = true
				}
			}
			records = append(records, e.finishRecord(rec))
			continue
		}

		seen[pos.ClientOrderID] = true

		if entry.Status == dataprovider.LedgerSubmitted {
			if err := e.store.UpdateLedgerStatus(pos.ClientOrderID, dataprovider.LedgerOpen); err != nil {
				e.logger.LogError("Reconcile: failed to promote ledger entry %s to open: %v", pos.ClientOrderID, err)
			}
		}

		if e.cfg.SlippageTolerance > 0 && math.Abs(pos.OpenPrice-entry.Entry) > e.cfg.SlippageTolerance {
			records = append(records, e.finishRecord(Record{
				Divergence:       DivergencePriceSlippage,
				PositionID:       pos.PositionID,
				ClientOrderID:    pos.ClientOrderID,
				Symbol:           pos.Symbol,
				ExpectedPrice:    entry.Entry,
				ObservedPrice:    pos.OpenPrice,
				ExpectedVolume:   entry.Volume,
				ObservedVolume:   pos.Volume,
				DivergenceReason: fmt.Sprintf("filled at %.5f, requested %.5f", pos.OpenPrice, entry.Entry),
				ObservedAt:       e.now(),
			}))
		}

		if pos.Volume < entry.Volume-1e-9 {
			records = append(records, e.finishRecord(Record{
				Divergence:       DivergencePartialFill,
				PositionID:       pos.PositionID,
				ClientOrderID:    pos.ClientOrderID,
				Symbol:           pos.Symbol,
				ExpectedPrice:    entry.Entry,
				ObservedPrice:    pos.OpenPrice,
				ExpectedVolume:   entry.Volume,
				ObservedVolume:   pos.Volume,
				DivergenceReason: fmt.Sprintf("filled %.2f of %.2f lots", pos.Volume, entry.Volume),
				ObservedAt:       e.now(),
			}))
		}
	}

	// Ledger rows the pipeline considers open that the broker no longer shows.
	// A still-submitted limit order simply has not filled; only open entries
	// count as unexpectedly closed.
	for id, entry := range ledger {
		if seen[id] || entry.Status != dataprovider.LedgerOpen {
			continue
		}
		records = append(records, e.finishRecord(Record{
			Divergence:       DivergenceUnexpectedClose,
			ClientOrderID:    id,
			Symbol:           entry.Symbol,
			ExpectedPrice:    entry.Entry,
			ExpectedVolume:   entry.Volume,
			DivergenceReason: "ledger expected open, broker shows closed",
			ObservedAt:       e.now(),
		}))
		if err := e.store.UpdateLedgerStatus(id, dataprovider.LedgerClosed); err != nil {
			e.logger.LogError("Reconcile: failed to close ledger entry %s: %v", id, err)
		}
	}

	return records, nil
}

// ExpireStale marks ledger entries past their expiry as closed. Limit orders
// carry a broker-side expiry; this keeps the local ledger from tracking
// orders the broker already discarded.
func (e *Engine) ExpireStale() error {
	ledger, err := e.store.LoadActiveLedger()
	if err != nil {
		return fmt.Errorf("reconcile: failed to load ledger for expiry: %w", err)
	}
	now := e.now()
	for id, entry := range ledger {
		if entry.Status == dataprovider.LedgerSubmitted && !entry.ExpiryTime.IsZero() && now.After(entry.ExpiryTime) {
			e.logger.LogInfo("Reconcile: ledger entry %s (%s) expired unfilled.", id, entry.Symbol)
			if err := e.store.UpdateLedgerStatus(id, dataprovider.LedgerClosed); err != nil {
				e.logger.LogError("Reconcile: failed to expire ledger entry %s: %v", id, err)
			}
		}
	}
	return nil
}

// CloseAll issues a close for every open position and polls until the broker
// confirms a flat book or the bounded timeout elapses. Timeout is a fatal
// condition: the alert escalates and the error propagates to the guard.
func (e *Engine) CloseAll(ctx context.Context, reason string) error {
	timeout := time.Duration(e.cfg.CloseAllTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	state, err := e.gateway.PollPositions(ctx)
	if err != nil {
		return fmt.Errorf("close_all: failed to poll positions: %w", err)
	}

	e.logger.LogWarn("Reconcile: CloseAll(%q) closing %d open position(s).", reason, len(state.OpenPositions))

	for _, pos := range state.OpenPositions {
		if err := e.gateway.Close(ctx, pos.PositionID); err != nil {
			e.logger.LogError("Reconcile: close request for %s failed: %v", pos.PositionID, err)
		}
		e.writeCloseRecord(pos, reason)
	}

	// Poll until the broker reports flat.
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		cur, err := e.gateway.PollPositions(ctx)
		if err == nil && len(cur.OpenPositions) == 0 {
			e.logger.LogWarn("Reconcile: CloseAll(%q) confirmed flat.", reason)
			return nil
		}
		if err != nil {
			e.logger.LogError("Reconcile: CloseAll poll failed: %v", err)
		}

		select {
		case <-ctx.Done():
			detail := fmt.Sprintf("close_all(%q) did not confirm flat within %s", reason, timeout)
			if e.alerter != nil {
				_ = e.alerter.SendAlert(discord.Alert{
					Severity:  discord.SeverityFatal,
					Category:  dataprovider.AuditDivergence,
					Timestamp: e.now(),
					Details:   detail,
				})
			}
			return fmt.Errorf("close_all: %s: %w", detail, ctx.Err())
		case <-ticker.C:
		}
	}
}

// writeCloseRecord audits one forced close and retires its ledger entry.
func (e *Engine) writeCloseRecord(pos broker.Position, reason string) {
	rec := Record{
		Divergence:       DivergenceNone,
		PositionID:       pos.PositionID,
		ClientOrderID:    pos.ClientOrderID,
		Symbol:           pos.Symbol,
		ObservedPrice:    pos.OpenPrice,
		ObservedVolume:   pos.Volume,
		DivergenceReason: reason,
		ObservedAt:       e.now(),
	}
	e.auditRecord(rec)
	if pos.ClientOrderID != "" {
		if err := e.store.UpdateLedgerStatus(pos.ClientOrderID, dataprovider.LedgerClosed); err != nil {
			e.logger.LogError("Reconcile: failed to retire ledger entry %s: %v", pos.ClientOrderID, err)
		}
	}
}

// finishRecord audits and alerts a divergence before handing it back.
func (e *Engine) finishRecord(rec Record) Record {
	e.auditRecord(rec)

	switch rec.Divergence {
	case DivergenceUnexpectedOpen, DivergenceUnexpectedClose:
		if e.alerter != nil {
			severity := discord.SeverityWarning
			if rec.Severe {
				severity = discord.SeverityCritical
			}
			if err := e.alerter.SendAlert(discord.Alert{
				Severity:  severity,
				Category:  string(rec.Divergence),
				Symbol:    rec.Symbol,
				Timestamp: rec.ObservedAt,
				Details:   rec.DivergenceReason,
			}); err != nil {
				e.logger.LogError("Reconcile: failed to alert divergence: %v", err)
			}
		}
	}
	return rec
}

func (e *Engine) auditRecord(rec Record) {
	if e.audit == nil {
		return
	}
	detail := fmt.Sprintf("%s position=%s client_order=%s: %s", rec.Divergence, rec.PositionID, rec.ClientOrderID, rec.DivergenceReason)
	if err := e.audit.Append(dataprovider.AuditEvent{
		CorrelationID: rec.ClientOrderID,
		Category:      dataprovider.AuditDivergence,
		Symbol:        rec.Symbol,
		Details:       detail,
		CreatedAt:     rec.ObservedAt,
	}); err != nil {
		e.logger.LogError("Reconcile: failed to audit record: %v", err)
	}
}
