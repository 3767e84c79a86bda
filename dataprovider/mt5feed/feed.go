// File: dataprovider/mt5feed/feed.go
package mt5feed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sethvargo/go-retry"

	"github.com/whoiscaerus/fibpilot/utilities"
)

// Backfill fetches historical candles over the bridge's REST surface. The
// feed uses it for warm-up history and to fill the gap after a reconnect.
type Backfill interface {
	Recent(ctx context.Context, symbol, timeframe string, n int) ([]utilities.Candle, error)
}

// CandleCache persists candles as they arrive so a restart can resume from
// the last stored open time instead of refetching everything.
type CandleCache interface {
	SaveCandle(c utilities.Candle) error
}

// Feed implements dataprovider.CandleSource over the bridge's websocket
// stream. It guarantees strictly increasing open times on the delivered
// channel: duplicates and out-of-order frames from the wire are dropped.
type Feed struct {
	cfg      utilities.MT5Config
	backfill Backfill
	cache    CandleCache
	logger   *utilities.Logger

	dialer *websocket.Dialer
}

// wsFrame is one message from the bridge stream.
type wsFrame struct {
	Type      string  `json:"type"` // "candle", "heartbeat"
	Symbol    string  `json:"symbol"`
	Timeframe string  `json:"timeframe"`
	OpenTime  int64   `json:"open_time"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
}

// wsSubscribe is the subscription request sent after connecting.
type wsSubscribe struct {
	Action    string `json:"action"` // "subscribe"
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
	Since     int64  `json:"since,omitempty"` // unix seconds resume cursor
}

func NewFeed(cfg utilities.MT5Config, backfill Backfill, cache CandleCache, logger *utilities.Logger) *Feed {
	return &Feed{
		cfg:      cfg,
		backfill: backfill,
		cache:    cache,
		logger:   logger,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 15 * time.Second,
		},
	}
}

// Recent returns the last n closed candles, oldest first.
func (f *Feed) Recent(ctx context.Context, symbol, timeframe string, n int) ([]utilities.Candle, error) {
	return f.backfill.Recent(ctx, symbol, timeframe, n)
}

// Stream opens the websocket subscription and delivers candles until ctx is
// cancelled. The connection is re-established with backoff on any error; the
// resume cursor advances with every delivered candle so a reconnect never
// replays or skips bars.
func (f *Feed) Stream(ctx context.Context, symbol, timeframe string, resume time.Time) (<-chan utilities.Candle, error) {
	if f.cfg.StreamURL == "" {
		return nil, fmt.Errorf("mt5feed: stream_url is required")
	}

	out := make(chan utilities.Candle)
	go func() {
		defer close(out)
		cursor := resume
		backoff := retry.WithCappedDuration(time.Minute, retry.NewExponential(time.Second))
		for {
			next, err := f.streamOnce(ctx, symbol, timeframe, cursor, out)
			if next.After(cursor) {
				cursor = next
				// Fresh data means the bridge recovered. Reset backoff.
				backoff = retry.WithCappedDuration(time.Minute, retry.NewExponential(time.Second))
			}
			if ctx.Err() != nil {
				return
			}
			f.logger.LogWarn("MT5Feed: stream for %s/%s dropped: %v. Reconnecting.", symbol, timeframe, err)
			delay, _ := backoff.Next()
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// streamOnce runs one websocket session. It returns the last delivered open
// time so the caller can resume, and the error that ended the session.
func (f *Feed) streamOnce(ctx context.Context, symbol, timeframe string, cursor time.Time, out chan<- utilities.Candle) (time.Time, error) {
	conn, _, err := f.dialer.DialContext(ctx, f.cfg.StreamURL, nil)
	if err != nil {
		return cursor, fmt.Errorf("dial %s: %w", f.cfg.StreamURL, err)
	}
	defer conn.Close()

	sub := wsSubscribe{Action: "subscribe", Symbol: symbol, Timeframe: timeframe}
	if !cursor.IsZero() {
		sub.Since = cursor.Unix()
	}
	if err := conn.WriteJSON(sub); err != nil {
		return cursor, fmt.Errorf("subscribe %s/%s: %w", symbol, timeframe, err)
	}
	f.logger.LogInfo("MT5Feed: subscribed to %s/%s (resume cursor %s).", symbol, timeframe, cursor.Format(time.RFC3339))

	// The reader goroutine below blocks on ReadMessage; closing the
	// connection on ctx cancellation is the only way to unblock it.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	pingPeriod := time.Duration(f.cfg.StreamPingSec) * time.Second
	if f.cfg.StreamPingSec <= 0 {
		pingPeriod = 30 * time.Second
	}

	for {
		_ = conn.SetReadDeadline(time.Now().Add(3 * pingPeriod))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return cursor, fmt.Errorf("read: %w", err)
		}

		var frame wsFrame
		if err := json.Unmarshal(msg, &frame); err != nil {
			f.logger.LogWarn("MT5Feed: dropping malformed frame: %v", err)
			continue
		}
		if frame.Type != "candle" {
			continue
		}

		openTime := time.Unix(frame.OpenTime, 0).UTC()
		if !openTime.After(cursor) {
			// Duplicate or out-of-order bar. The bridge replays the
			// live edge on resume; ordering here keeps downstream pure.
			continue
		}

		candle := utilities.Candle{
			Symbol:    symbol,
			Timeframe: timeframe,
			OpenTime:  openTime,
			Open:      frame.Open,
			High:      frame.High,
			Low:       frame.Low,
			Close:     frame.Close,
			Volume:    frame.Volume,
		}

		if f.cache != nil {
			if err := f.cache.SaveCandle(candle); err != nil {
				f.logger.LogError("MT5Feed: failed to cache candle %s/%s @ %s: %v", symbol, timeframe, openTime, err)
			}
		}

		select {
		case out <- candle:
			cursor = openTime
		case <-ctx.Done():
			return cursor, ctx.Err()
		}
	}
}
