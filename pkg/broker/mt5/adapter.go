// File: pkg/broker/mt5/adapter.go
package mt5

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/whoiscaerus/fibpilot/pkg/broker"
	"github.com/whoiscaerus/fibpilot/utilities"
)

// Adapter implements broker.ExecutionGateway on top of the bridge Client.
// Transient transport failures are retried with capped exponential backoff;
// whatever survives the retries comes back wrapped as a GatewayError so the
// caller can distinguish broker trouble from programming errors.
type Adapter struct {
	client     *Client
	maxRetries uint64
	logger     *utilities.Logger
}

func NewAdapter(client *Client, maxRetries int, logger *utilities.Logger) *Adapter {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Adapter{
		client:     client,
		maxRetries: uint64(maxRetries),
		logger:     logger,
	}
}

// Ping verifies bridge connectivity. Used by preflight before any loop starts.
func (a *Adapter) Ping(ctx context.Context) error {
	if err := a.client.Ping(ctx); err != nil {
		return &broker.GatewayError{Op: "ping", Err: err}
	}
	return nil
}

// Submit places a pending order, retrying transient failures.
func (a *Adapter) Submit(ctx context.Context, params broker.OrderParams) (broker.OrderHandle, error) {
	payload := map[string]interface{}{
		"symbol":          params.Symbol,
		"type":            string(params.Type),
		"entry":           params.Entry,
		"stop_loss":       params.StopLoss,
		"take_profit":     params.TakeProfit,
		"volume":          params.Volume,
		"expiry_ts":       params.ExpiryTime.Unix(),
		"client_order_id": params.ClientOrderID,
	}

	var ack bridgeOrderAck
	err := a.withBackoff(ctx, func(ctx context.Context) error {
		var callErr error
		ack, callErr = a.client.SubmitOrder(ctx, payload)
		return callErr
	})
	if err != nil {
		return broker.OrderHandle{}, &broker.GatewayError{Op: "submit", Err: err}
	}

	submittedAt := time.Unix(ack.SubmittedAt, 0).UTC()
	if ack.SubmittedAt == 0 {
		submittedAt = time.Now().UTC()
	}
	a.logger.LogInfo("MT5: order %s accepted as %s (%s %s %.2f lots @ %.5f)",
		params.ClientOrderID, ack.OrderID, params.Symbol, params.Type, params.Volume, params.Entry)

	return broker.OrderHandle{OrderID: ack.OrderID, SubmittedAt: submittedAt}, nil
}

// PollPositions fetches the account snapshot and maps it to pipeline types.
func (a *Adapter) PollPositions(ctx context.Context) (broker.AccountState, error) {
	var acct bridgeAccount
	err := a.withBackoff(ctx, func(ctx context.Context) error {
		var callErr error
		acct, callErr = a.client.GetAccount(ctx)
		return callErr
	})
	if err != nil {
		return broker.AccountState{}, &broker.GatewayError{Op: "poll_positions", Err: err}
	}

	asOf := time.Unix(acct.ServerTs, 0).UTC()
	if acct.ServerTs == 0 {
		asOf = time.Now().UTC()
	}

	state := broker.AccountState{
		Equity:        acct.Equity,
		OpenPositions: make([]broker.Position, 0, len(acct.Positions)),
		AsOf:          asOf,
	}
	for _, p := range acct.Positions {
		state.OpenPositions = append(state.OpenPositions, broker.Position{
			PositionID:    p.PositionID,
			ClientOrderID: p.ClientOrderID,
			Symbol:        p.Symbol,
			Side:          p.Side,
			Volume:        p.Volume,
			OpenPrice:     p.OpenPrice,
			StopLoss:      p.StopLoss,
			TakeProfit:    p.TakeProfit,
			OpenedAt:      time.Unix(p.OpenedAt, 0).UTC(),
		})
	}
	return state, nil
}

// Close requests closure of a single position, retrying transient failures.
func (a *Adapter) Close(ctx context.Context, positionID string) error {
	err := a.withBackoff(ctx, func(ctx context.Context) error {
		return a.client.ClosePosition(ctx, positionID)
	})
	if err != nil {
		return &broker.GatewayError{Op: "close", Err: fmt.Errorf("position %s: %w", positionID, err)}
	}
	return nil
}

// Recent pulls the latest n candles. This lets the adapter double as a
// dataprovider.CandleSource backfill for warm-up.
func (a *Adapter) Recent(ctx context.Context, symbol, timeframe string, n int) ([]utilities.Candle, error) {
	var candles []utilities.Candle
	err := a.withBackoff(ctx, func(ctx context.Context) error {
		var callErr error
		candles, callErr = a.client.GetCandles(ctx, symbol, timeframe, n)
		return callErr
	})
	if err != nil {
		return nil, &broker.GatewayError{Op: "recent_candles", Err: err}
	}
	return candles, nil
}

// withBackoff runs fn with capped exponential backoff. Every error from the
// bridge is treated as retryable; context cancellation ends the retries.
func (a *Adapter) withBackoff(ctx context.Context, fn func(context.Context) error) error {
	backoff := retry.WithMaxRetries(a.maxRetries, retry.WithCappedDuration(10*time.Second, retry.NewExponential(500*time.Millisecond)))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := fn(ctx); err != nil {
			a.logger.LogDebug("MT5: transient gateway error, will retry: %v", err)
			return retry.RetryableError(err)
		}
		return nil
	})
}
