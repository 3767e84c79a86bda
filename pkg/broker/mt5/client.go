// File: pkg/broker/mt5/client.go
package mt5

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/whoiscaerus/fibpilot/utilities"
)

// Client is a low-level HTTP client for the MT5 execution bridge. It handles
// request signing, nonce generation, rate limiting, and retries; it knows
// nothing about the pipeline's order types. The Adapter above it translates.
type Client struct {
	baseURL    string
	apiKey     string
	apiSecret  string
	httpClient *http.Client
	limiter    *rate.Limiter
	nonce      utilities.NonceCounter
	maxRetries int
	retryDelay time.Duration
	logger     *utilities.Logger
}

// bridgeResponse is the envelope every bridge endpoint returns.
type bridgeResponse struct {
	OK     bool            `json:"ok"`
	Error  string          `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

// bridgeCandle is the wire form of one OHLCV bar.
type bridgeCandle struct {
	OpenTime int64   `json:"open_time"` // unix seconds
	Open     float64 `json:"open"`
	High     float64 `json:"high"`
	Low      float64 `json:"low"`
	Close    float64 `json:"close"`
	Volume   float64 `json:"volume"`
}

// bridgeAccount is the wire form of the account snapshot.
type bridgeAccount struct {
	Equity    float64          `json:"equity"`
	Positions []bridgePosition `json:"positions"`
	ServerTs  int64            `json:"server_ts"`
}

type bridgePosition struct {
	PositionID    string  `json:"position_id"`
	ClientOrderID string  `json:"client_order_id"`
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	Volume        float64 `json:"volume"`
	OpenPrice     float64 `json:"open_price"`
	StopLoss      float64 `json:"stop_loss"`
	TakeProfit    float64 `json:"take_profit"`
	OpenedAt      int64   `json:"opened_at"`
}

type bridgeOrderAck struct {
	OrderID     string `json:"order_id"`
	SubmittedAt int64  `json:"submitted_at"`
}

func NewClient(cfg utilities.MT5Config, logger *utilities.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("mt5 client: base_url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("mt5 client: invalid base_url: %w", err)
	}

	timeout := time.Duration(cfg.RequestTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	perSec := cfg.RateLimitPerSec
	if perSec <= 0 {
		perSec = rate.Limit(5)
	}
	burst := cfg.RateLimitBurst
	if burst <= 0 {
		burst = 5
	}
	nonce := cfg.NonceCounter
	if nonce == nil {
		nonce = &utilities.InMemoryNonceCounter{}
	}

	return &Client{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		apiSecret:  cfg.APISecret,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(perSec, burst),
		nonce:      nonce,
		maxRetries: cfg.MaxRetries,
		retryDelay: time.Duration(cfg.RetryDelaySec) * time.Second,
		logger:     logger,
	}, nil
}

// call performs one signed request against the bridge and decodes the result
// envelope into out (which may be nil when only the ack matters).
func (c *Client) call(ctx context.Context, method, apiPath string, payload interface{}, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("mt5 client: rate limiter wait: %w", err)
	}

	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("mt5 client: failed to marshal request body: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+apiPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("mt5 client: failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	headers, err := utilities.GenerateBridgeAuthHeaders(c.apiKey, c.apiSecret, apiPath, c.nonce.Next(), body)
	if err != nil {
		return fmt.Errorf("mt5 client: failed to sign request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	var envelope bridgeResponse
	if err := utilities.DoJSONRequest(c.httpClient, req, c.maxRetries, c.retryDelay, &envelope); err != nil {
		return fmt.Errorf("mt5 client: %s %s: %w", method, apiPath, err)
	}
	if !envelope.OK {
		return fmt.Errorf("mt5 client: bridge error on %s: %s", apiPath, envelope.Error)
	}
	if out != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return fmt.Errorf("mt5 client: failed to decode result from %s: %w", apiPath, err)
		}
	}
	return nil
}

// Ping verifies connectivity and credentials against the bridge.
func (c *Client) Ping(ctx context.Context) error {
	return c.call(ctx, http.MethodGet, "/api/v1/ping", nil, nil)
}

// GetCandles fetches the most recent count bars for symbol/timeframe,
// ordered oldest to newest.
func (c *Client) GetCandles(ctx context.Context, symbol, timeframe string, count int) ([]utilities.Candle, error) {
	apiPath := "/api/v1/candles?symbol=" + url.QueryEscape(symbol) +
		"&timeframe=" + url.QueryEscape(timeframe) +
		"&count=" + strconv.Itoa(count)

	var raw []bridgeCandle
	if err := c.call(ctx, http.MethodGet, apiPath, nil, &raw); err != nil {
		return nil, err
	}

	candles := make([]utilities.Candle, 0, len(raw))
	for _, b := range raw {
		candles = append(candles, utilities.Candle{
			Symbol:    symbol,
			Timeframe: timeframe,
			OpenTime:  time.Unix(b.OpenTime, 0).UTC(),
			Open:      b.Open,
			High:      b.High,
			Low:       b.Low,
			Close:     b.Close,
			Volume:    b.Volume,
		})
	}
	utilities.SortCandlesByOpenTime(candles)
	return candles, nil
}

// GetAccount fetches the current account snapshot.
func (c *Client) GetAccount(ctx context.Context) (bridgeAccount, error) {
	var acct bridgeAccount
	if err := c.call(ctx, http.MethodGet, "/api/v1/account", nil, &acct); err != nil {
		return bridgeAccount{}, err
	}
	return acct, nil
}

// SubmitOrder places a pending order with the bridge.
func (c *Client) SubmitOrder(ctx context.Context, payload interface{}) (bridgeOrderAck, error) {
	var ack bridgeOrderAck
	if err := c.call(ctx, http.MethodPost, "/api/v1/orders", payload, &ack); err != nil {
		return bridgeOrderAck{}, err
	}
	return ack, nil
}

// ClosePosition requests closure of one open position.
func (c *Client) ClosePosition(ctx context.Context, positionID string) error {
	apiPath := "/api/v1/positions/" + url.PathEscape(positionID) + "/close"
	return c.call(ctx, http.MethodPost, apiPath, nil, nil)
}
