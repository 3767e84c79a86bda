// File: dataprovider/dataproviders.go
package dataprovider

import (
	"context"
	"time"

	"github.com/whoiscaerus/fibpilot/utilities"
)

// CandleSource supplies time-ordered OHLCV bars per symbol/timeframe. The
// stream is infinite and restartable: passing the last seen open time as the
// resume cursor continues where a previous subscription left off.
type CandleSource interface {
	// Stream delivers candles in strictly increasing open-time order until
	// ctx is cancelled. resume is the open time of the last candle already
	// consumed; the zero value starts from the live edge.
	Stream(ctx context.Context, symbol, timeframe string, resume time.Time) (<-chan utilities.Candle, error)

	// Recent returns the last n closed candles for the symbol/timeframe,
	// oldest first.
	Recent(ctx context.Context, symbol, timeframe string, n int) ([]utilities.Candle, error)
}

// AuditEvent is one append-only audit record: a setup rejection, an order
// submission, a guard transition, or a reconciliation divergence. Details is
// a JSON document; CorrelationID ties the event to the signal tick that
// produced it.
type AuditEvent struct {
	ID            int64     `json:"id"`
	CorrelationID string    `json:"correlation_id"`
	Category      string    `json:"category"`
	Symbol        string    `json:"symbol"`
	Details       string    `json:"details"`
	CreatedAt     time.Time `json:"created_at"`
}

// Audit event categories.
const (
	AuditSetupRejected   = "setup_rejected"
	AuditOrderSubmitted  = "order_submitted"
	AuditGuardTransition = "guard_transition"
	AuditDivergence      = "recon_divergence"
	AuditTickTimeout     = "tick_timeout"
)

// AuditSink accepts append-only audit events. Records are never mutated
// after creation.
type AuditSink interface {
	Append(event AuditEvent) error
}

// LedgerEntry is the pipeline's own record of an order it intended and
// submitted. Reconciliation compares broker-reported positions against these.
type LedgerEntry struct {
	ClientOrderID string    `json:"client_order_id"`
	BrokerOrderID string    `json:"broker_order_id"`
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"`
	Entry         float64   `json:"entry"`
	StopLoss      float64   `json:"stop_loss"`
	TakeProfit    float64   `json:"take_profit"`
	Volume        float64   `json:"volume"`
	ExpiryTime    time.Time `json:"expiry_time"`
	CorrelationID string    `json:"correlation_id"`
	SetupKey      string    `json:"setup_key"` // dedup key of the originating setup
	Status        string    `json:"status"`    // submitted, open, closed
	SubmittedAt   time.Time `json:"submitted_at"`
}

// Ledger entry statuses.
const (
	LedgerSubmitted = "submitted"
	LedgerOpen      = "open"
	LedgerClosed    = "closed"
)
