// File: pkg/app/app.go
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/whoiscaerus/fibpilot/dataprovider"
	"github.com/whoiscaerus/fibpilot/notification/discord"
	"github.com/whoiscaerus/fibpilot/pkg/broker"
	"github.com/whoiscaerus/fibpilot/pkg/reconcile"
	"github.com/whoiscaerus/fibpilot/pkg/risk"
	"github.com/whoiscaerus/fibpilot/strategy"
	"github.com/whoiscaerus/fibpilot/utilities"
)

// pinger is implemented by gateways that support a connectivity check.
type pinger interface {
	Ping(ctx context.Context) error
}

// App wires the pipeline together and runs its three loops: the candle-close
// aligned signal loop per symbol, the risk loop, and the reconciliation loop.
// Every collaborator arrives through the constructor; nothing is global.
type App struct {
	cfg     *utilities.AppConfig
	logger  *utilities.Logger
	store   *dataprovider.SQLiteStore
	source  dataprovider.CandleSource
	gateway broker.ExecutionGateway
	guard   *risk.Guard
	recon   *reconcile.Engine
	alerter risk.Alerter

	indicators *strategy.IndicatorEngine
	detector   strategy.StrategyEngine
	validator  *strategy.FibonacciCalculator
	sizer      *strategy.PositionSizer
	builder    *strategy.OrderBuilder

	mu        sync.Mutex
	submitted map[string]bool // dedup keys of setups already acted on
}

func New(
	cfg *utilities.AppConfig,
	store *dataprovider.SQLiteStore,
	source dataprovider.CandleSource,
	gateway broker.ExecutionGateway,
	guard *risk.Guard,
	recon *reconcile.Engine,
	alerter risk.Alerter,
	logger *utilities.Logger,
) (*App, error) {
	detector, err := strategy.NewStrategyEngine(cfg.Setup, logger)
	if err != nil {
		return nil, fmt.Errorf("app: failed to construct strategy engine: %w", err)
	}

	return &App{
		cfg:        cfg,
		logger:     logger,
		store:      store,
		source:     source,
		gateway:    gateway,
		guard:      guard,
		recon:      recon,
		alerter:    alerter,
		indicators: strategy.NewIndicatorEngine(cfg.Indicators, logger),
		detector:   detector,
		validator:  strategy.NewFibonacciCalculator(cfg.Setup, logger),
		sizer:      strategy.NewPositionSizer(cfg.Trading.RiskFraction),
		builder:    strategy.NewOrderBuilder(cfg.Orders, cfg.Trading.Specs),
		submitted:  make(map[string]bool),
	}, nil
}

// Run performs preflight, starts the loops, and blocks until ctx is
// cancelled. It returns only after every loop has drained.
func (a *App) Run(ctx context.Context) error {
	if err := a.preflight(ctx); err != nil {
		return fmt.Errorf("app: preflight failed: %w", err)
	}

	var wg sync.WaitGroup

	for _, symbol := range a.cfg.Trading.Symbols {
		wg.Add(2)
		sym := symbol
		go func() {
			defer wg.Done()
			a.ingestLoop(ctx, sym)
		}()
		go func() {
			defer wg.Done()
			a.signalLoop(ctx, sym)
		}()
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		a.riskLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		a.reconLoop(ctx)
	}()

	a.logger.LogInfo("App: all loops started for %d symbol(s) on %s.", len(a.cfg.Trading.Symbols), a.cfg.Trading.Timeframe)
	wg.Wait()
	a.logger.LogInfo("App: shutdown complete.")
	return nil
}

// preflight verifies the bridge, seeds the guard with a fresh snapshot, and
// rebuilds the dedup set from the active ledger so a restart does not
// resubmit orders it already placed.
func (a *App) preflight(ctx context.Context) error {
	if p, ok := a.gateway.(pinger); ok {
		if err := p.Ping(ctx); err != nil {
			return fmt.Errorf("gateway unreachable: %w", err)
		}
	}

	snapshot, err := a.gateway.PollPositions(ctx)
	if err != nil {
		return fmt.Errorf("initial position poll failed: %w", err)
	}
	if err := a.guard.Evaluate(ctx, snapshot, a.recon); err != nil {
		return fmt.Errorf("initial guard evaluation failed: %w", err)
	}

	ledger, err := a.store.LoadActiveLedger()
	if err != nil {
		return fmt.Errorf("failed to load active ledger: %w", err)
	}
	a.mu.Lock()
	for _, entry := range ledger {
		if entry.SetupKey != "" {
			a.submitted[entry.SetupKey] = true
		}
	}
	a.mu.Unlock()

	a.logger.LogInfo("App: preflight OK. Equity %.2f, %d open position(s), %d active ledger entries.",
		snapshot.Equity, len(snapshot.OpenPositions), len(ledger))
	return nil
}

// ingestLoop keeps the candle stream flowing. Persistence happens inside the
// source's write-through cache; this loop only drains the channel so the
// stream's resume cursor keeps advancing.
func (a *App) ingestLoop(ctx context.Context, symbol string) {
	resume, ok, err := a.store.LastCandleTime(symbol, a.cfg.Trading.Timeframe)
	if err != nil {
		a.logger.LogError("App: failed to read resume cursor for %s: %v", symbol, err)
	}
	if !ok {
		resume = time.Time{}
	}

	stream, err := a.source.Stream(ctx, symbol, a.cfg.Trading.Timeframe, resume)
	if err != nil {
		a.logger.LogError("App: candle stream for %s unavailable: %v", symbol, err)
		return
	}

	for candle := range stream {
		a.logger.LogDebug("App: ingested %s candle @ %s.", symbol, candle.OpenTime.Format(time.RFC3339))
	}
}

// signalLoop fires one tick per candle close for the symbol. Ticks never
// overlap: the next one is scheduled only after the current one finishes, and
// each tick runs under a hard deadline of twice the candle interval.
func (a *App) signalLoop(ctx context.Context, symbol string) {
	interval, err := utilities.TimeframeDuration(a.cfg.Trading.Timeframe)
	if err != nil {
		a.logger.LogError("App: invalid timeframe %q, signal loop for %s not started: %v", a.cfg.Trading.Timeframe, symbol, err)
		return
	}

	drift := time.Duration(a.cfg.Trading.DriftToleranceSec) * time.Second
	if drift <= 0 {
		drift = time.Minute
	}

	for {
		next := time.Now().Truncate(interval).Add(interval)
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(next) + time.Second):
		}

		late := time.Since(next)
		if late > drift {
			a.logger.LogWarn("App: signal tick for %s fired %.0fs past candle close, beyond tolerance.", symbol, late.Seconds())
		}

		correlationID := uuid.NewString()
		tickCtx, cancel := context.WithTimeout(ctx, 2*interval)
		err := a.processTick(tickCtx, symbol, correlationID)
		timedOut := errors.Is(tickCtx.Err(), context.DeadlineExceeded)
		cancel()

		if timedOut {
			a.reportTickTimeout(symbol, correlationID, 2*interval)
			continue
		}
		if err != nil {
			var violation *utilities.InvariantViolation
			if errors.As(err, &violation) {
				// The scheduler for this symbol stops; other loops keep running.
				a.logger.LogError("App: invariant violated on %s, stopping its signal loop: %v", symbol, err)
				if alertErr := a.alerter.SendAlert(discord.Alert{
					Severity:  discord.SeverityCritical,
					Category:  "invariant_violation",
					Symbol:    symbol,
					Timestamp: time.Now().UTC(),
					Details:   err.Error(),
				}); alertErr != nil {
					a.logger.LogError("App: failed to send invariant alert: %v", alertErr)
				}
				return
			}
			a.logger.LogError("App: signal tick %s for %s failed: %v", correlationID, symbol, err)
		}
	}
}

// processTick runs the full pipeline once for one symbol: history, indicators,
// detection, validation, sizing, order construction, and submission.
func (a *App) processTick(ctx context.Context, symbol, correlationID string) error {
	count := a.cfg.Indicators.MinCandles * 2
	candles, err := a.source.Recent(ctx, symbol, a.cfg.Trading.Timeframe, count)
	if err != nil {
		return fmt.Errorf("failed to fetch candles: %w", err)
	}

	series, err := a.indicators.Compute(candles)
	if err != nil {
		if errors.Is(err, strategy.ErrInsufficientData) {
			a.logger.LogInfo("App: %s has %d candle(s), below warm-up. Skipping tick.", symbol, len(candles))
			return nil
		}
		return fmt.Errorf("indicator computation failed: %w", err)
	}

	setups := a.detector.Detect(series)
	if len(setups) == 0 {
		a.logger.LogDebug("App: tick %s for %s produced no setups.", correlationID, symbol)
		return nil
	}

	snapshot, err := a.gateway.PollPositions(ctx)
	if err != nil {
		return fmt.Errorf("failed to poll account for sizing: %w", err)
	}

	for _, setup := range setups {
		if err := a.handleSetup(ctx, setup, snapshot, correlationID); err != nil {
			var violation *utilities.InvariantViolation
			if errors.As(err, &violation) {
				return err
			}
			a.logger.LogError("App: setup for %s not submitted: %v", symbol, err)
		}
	}
	return nil
}

// handleSetup takes one detected setup through validation, sizing, and
// submission. The guard is consulted immediately before Submit so a
// liquidation that started mid-tick always wins over a pending order.
func (a *App) handleSetup(ctx context.Context, setup strategy.TradeSetup, snapshot broker.AccountState, correlationID string) error {
	key := setup.Key(a.cfg.Setup.DedupKey)
	a.mu.Lock()
	if a.submitted[key] {
		a.mu.Unlock()
		a.logger.LogDebug("App: setup %s already acted on, skipping.", key)
		return nil
	}
	a.mu.Unlock()

	validated, reason, ok := a.validator.Validate(setup, a.cfg.Setup.Tolerance)
	if !ok {
		a.auditRejection(setup, string(reason), correlationID)
		return nil
	}

	spec, found := a.cfg.Trading.Specs[setup.Symbol]
	if !found {
		return fmt.Errorf("no symbol spec configured for %s", setup.Symbol)
	}

	volume, err := a.sizer.Size(snapshot.Equity, validated.Entry, validated.StopLoss, spec)
	if err != nil {
		return fmt.Errorf("position sizing failed: %w", err)
	}

	params, err := a.builder.Build(validated, volume, correlationID)
	if err != nil {
		return fmt.Errorf("order construction failed: %w", err)
	}

	if !a.guard.TradingAllowed() {
		a.logger.LogWarn("App: guard state %s forbids submission, dropping order for %s.", a.guard.State(), setup.Symbol)
		return nil
	}

	handle, err := a.gateway.Submit(ctx, params)
	if err != nil {
		return fmt.Errorf("order submission failed: %w", err)
	}

	a.mu.Lock()
	a.submitted[key] = true
	a.mu.Unlock()

	entry := dataprovider.LedgerEntry{
		ClientOrderID: params.ClientOrderID,
		BrokerOrderID: handle.OrderID,
		Symbol:        params.Symbol,
		Side:          string(setup.Direction),
		Entry:         params.Entry,
		StopLoss:      params.StopLoss,
		TakeProfit:    params.TakeProfit,
		Volume:        params.Volume,
		ExpiryTime:    params.ExpiryTime,
		CorrelationID: correlationID,
		SetupKey:      key,
		Status:        dataprovider.LedgerSubmitted,
		SubmittedAt:   handle.SubmittedAt,
	}
	if err := a.store.SaveLedgerEntry(entry); err != nil {
		a.logger.LogError("App: CRITICAL: order %s submitted but ledger write failed: %v", params.ClientOrderID, err)
	}

	if err := a.store.Append(dataprovider.AuditEvent{
		CorrelationID: correlationID,
		Category:      dataprovider.AuditOrderSubmitted,
		Symbol:        params.Symbol,
		Details: fmt.Sprintf(`{"client_order_id":%q,"broker_order_id":%q,"type":%q,"entry":%g,"stop_loss":%g,"take_profit":%g,"volume":%g}`,
			params.ClientOrderID, handle.OrderID, params.Type, params.Entry, params.StopLoss, params.TakeProfit, params.Volume),
		CreatedAt: time.Now(),
	}); err != nil {
		a.logger.LogError("App: failed to audit submission: %v", err)
	}

	a.logger.LogInfo("App: submitted %s %s %.2f lots entry %.5f stop %.5f target %.5f (order %s).",
		params.Symbol, params.Type, params.Volume, params.Entry, params.StopLoss, params.TakeProfit, handle.OrderID)
	return nil
}

// riskLoop feeds the guard a fresh account snapshot on a fixed cadence.
func (a *App) riskLoop(ctx context.Context) {
	interval := time.Duration(a.cfg.Risk.TickIntervalSec) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snapshot, err := a.gateway.PollPositions(ctx)
			if err != nil {
				a.logger.LogError("App: risk poll failed: %v", err)
				continue
			}
			if err := a.guard.Evaluate(ctx, snapshot, a.recon); err != nil {
				a.logger.LogError("App: guard evaluation failed: %v", err)
			}
		}
	}
}

// reconLoop squares the ledger against broker state on a fixed cadence. A
// severe unexpected-open trips the guard out of band.
func (a *App) reconLoop(ctx context.Context) {
	interval := time.Duration(a.cfg.Recon.IntervalSec) * time.Second
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.recon.ExpireStale(); err != nil {
				a.logger.LogError("App: ledger expiry pass failed: %v", err)
			}

			records, err := a.recon.Reconcile(ctx)
			if err != nil {
				a.logger.LogError("App: reconciliation pass failed: %v", err)
				continue
			}
			a.handleDivergences(ctx, records)
		}
	}
}

// handleDivergences routes reconciliation records to the guard without
// waiting for the next risk tick. A severe record trips forced liquidation;
// any unexpected position change gets the guard an immediate fresh snapshot.
func (a *App) handleDivergences(ctx context.Context, records []reconcile.Record) {
	notifyGuard := false
	for _, rec := range records {
		a.logger.LogWarn("App: reconciliation divergence %s on %s: %s", rec.Divergence, rec.Symbol, rec.DivergenceReason)
		if rec.Severe {
			snapshot, pollErr := a.gateway.PollPositions(ctx)
			if pollErr != nil {
				a.logger.LogError("App: poll before forced liquidation failed: %v", pollErr)
			}
			if err := a.guard.ForceLiquidation(ctx, snapshot, a.recon, rec.DivergenceReason); err != nil {
				a.logger.LogError("App: forced liquidation failed: %v", err)
			}
			return
		}
		if rec.Divergence == reconcile.DivergenceUnexpectedOpen || rec.Divergence == reconcile.DivergenceUnexpectedClose {
			notifyGuard = true
		}
	}
	if !notifyGuard {
		return
	}
	snapshot, err := a.gateway.PollPositions(ctx)
	if err != nil {
		a.logger.LogError("App: poll after unexpected position change failed: %v", err)
		return
	}
	if err := a.guard.Evaluate(ctx, snapshot, a.recon); err != nil {
		a.logger.LogError("App: out-of-band guard evaluation failed: %v", err)
	}
}

// reportTickTimeout audits and alerts a signal tick that blew its deadline.
func (a *App) reportTickTimeout(symbol, correlationID string, deadline time.Duration) {
	detail := fmt.Sprintf("signal tick exceeded %s deadline", deadline)
	a.logger.LogError("App: %s for %s (tick %s).", detail, symbol, correlationID)

	if err := a.store.Append(dataprovider.AuditEvent{
		CorrelationID: correlationID,
		Category:      dataprovider.AuditTickTimeout,
		Symbol:        symbol,
		Details:       detail,
		CreatedAt:     time.Now(),
	}); err != nil {
		a.logger.LogError("App: failed to audit tick timeout: %v", err)
	}
	if a.alerter != nil {
		if err := a.alerter.SendAlert(discord.Alert{
			Severity:  discord.SeverityCritical,
			Category:  dataprovider.AuditTickTimeout,
			Symbol:    symbol,
			Timestamp: time.Now(),
			Details:   detail,
		}); err != nil {
			a.logger.LogError("App: failed to alert tick timeout: %v", err)
		}
	}
}

// auditRejection writes one append-only event for a setup that failed
// validation or sizing.
func (a *App) auditRejection(setup strategy.TradeSetup, reason, correlationID string) {
	a.logger.LogInfo("App: setup %s %s rejected: %s.", setup.Symbol, setup.Direction, reason)
	if err := a.store.Append(dataprovider.AuditEvent{
		CorrelationID: correlationID,
		Category:      dataprovider.AuditSetupRejected,
		Symbol:        setup.Symbol,
		Details: fmt.Sprintf(`{"reason":%q,"direction":%q,"entry":%g,"stop_loss":%g,"take_profit":%g}`,
			reason, setup.Direction, setup.Entry, setup.StopLoss, setup.TakeProfit),
		CreatedAt: time.Now(),
	}); err != nil {
		a.logger.LogError("App: failed to audit rejection: %v", err)
	}
}

// ResetGuard is the operator path out of a halted guard. It polls current
// equity and rebases the peak.
func (a *App) ResetGuard(ctx context.Context) error {
	snapshot, err := a.gateway.PollPositions(ctx)
	if err != nil {
		return fmt.Errorf("app: cannot reset guard without a fresh snapshot: %w", err)
	}
	return a.guard.Reset(snapshot.Equity)
}
