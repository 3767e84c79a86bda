// File: pkg/broker/brokers.go
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ExecutionGateway defines the interface for interacting with the broker-side
// execution bridge. It is the only boundary through which orders leave the
// pipeline and account state enters it; every component receives the handle
// by constructor injection, never through a shared global.
type ExecutionGateway interface {
	// Submit places a new pending order with the broker.
	Submit(ctx context.Context, params OrderParams) (OrderHandle, error)

	// PollPositions retrieves a full snapshot of the account: equity and
	// every open position as the broker currently reports them.
	PollPositions(ctx context.Context) (AccountState, error)

	// Close requests closure of a single open position by its broker ID.
	Close(ctx context.Context, positionID string) error
}

// OrderType enumerates the order types this strategy class uses. Market
// orders are deliberately absent.
type OrderType string

const (
	BuyLimit  OrderType = "buy_limit"
	SellLimit OrderType = "sell_limit"
)

// OrderParams defines the parameters required to place a new pending order.
// Values are already quantized to the symbol's tick size and lot step.
type OrderParams struct {
	Symbol        string    `json:"symbol"`
	Timeframe     string    `json:"timeframe"`
	Type          OrderType `json:"type"`
	Entry         float64   `json:"entry"`
	StopLoss      float64   `json:"stop_loss"`
	TakeProfit    float64   `json:"take_profit"`
	Volume        float64   `json:"volume"`
	ExpiryTime    time.Time `json:"expiry_time"`
	ClientOrderID string    `json:"client_order_id"`
	CorrelationID string    `json:"correlation_id"`
}

// OrderHandle identifies a submitted order at the broker.
type OrderHandle struct {
	OrderID     string    `json:"order_id"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Position represents one open position as reported by the broker.
type Position struct {
	PositionID    string    `json:"position_id"`
	ClientOrderID string    `json:"client_order_id,omitempty"`
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"` // "long" or "short"
	Volume        float64   `json:"volume"`
	OpenPrice     float64   `json:"open_price"`
	StopLoss      float64   `json:"stop_loss,omitempty"`
	TakeProfit    float64   `json:"take_profit,omitempty"`
	OpenedAt      time.Time `json:"opened_at"`
}

// AccountState is a point-in-time snapshot of the broker account. It is
// replaced wholesale on each poll and handed to consumers as a copy, never
// mutated in place.
type AccountState struct {
	Equity        float64    `json:"equity"`
	PeakEquity    float64    `json:"peak_equity"`
	OpenPositions []Position `json:"open_positions"`
	AsOf          time.Time  `json:"as_of"`
}

// Clone returns a deep copy so that concurrent consumers can hold snapshots
// without sharing the positions slice.
func (s AccountState) Clone() AccountState {
	out := s
	out.OpenPositions = make([]Position, len(s.OpenPositions))
	copy(out.OpenPositions, s.OpenPositions)
	return out
}

// GatewayError wraps a transport or broker failure on submit/poll/close.
// These are retried with bounded backoff and then escalated; they are never
// treated as programming errors.
type GatewayError struct {
	Op  string
	Err error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway %s: %v", e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// IsGatewayError reports whether err is (or wraps) a GatewayError.
func IsGatewayError(err error) bool {
	var ge *GatewayError
	return errors.As(err, &ge)
}
