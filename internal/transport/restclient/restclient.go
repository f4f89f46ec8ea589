// Package restclient is a reference implementation of the REST
// capability (SPEC_FULL.md §6) against a generic perpetual-futures
// venue HTTP API. It is grounded on the teacher's
// internal/providers/kraken/ratelimiter.go token-bucket idiom, but
// swaps the hand-rolled bucket for golang.org/x/time/rate so the
// dependency is exercised directly rather than re-derived.
package restclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/sawpanic/signalengine/internal/calc"
	"github.com/sawpanic/signalengine/internal/provider"
)

// Client implements provider.RESTCapability over plain HTTP+JSON.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// Option configures a Client.
type Option func(*Client)

// WithRPS overrides the default request-per-second limit.
func WithRPS(rps float64) Option {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(rate.Limit(rps), int(rps*2)+1)
	}
}

// WithHTTPClient overrides the underlying *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New constructs a Client for the given venue base URL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(5), 10),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ provider.RESTCapability = (*Client)(nil)

func (c *Client) get(ctx context.Context, path string, out interface{}) (int64, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, fmt.Errorf("restclient: rate limit wait: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return 0, fmt.Errorf("restclient: build request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("restclient: do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return 0, fmt.Errorf("restclient: %s returned %d: %s", path, resp.StatusCode, string(body))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return 0, fmt.Errorf("restclient: decode %s: %w", path, err)
	}
	return time.Now().UnixMilli(), nil
}

type priceResponse struct {
	Price float64 `json:"price"`
}

func (c *Client) FetchPrice(ctx context.Context, symbol string) (float64, int64, error) {
	var out priceResponse
	ts, err := c.get(ctx, "/price?symbol="+symbol, &out)
	if err != nil {
		return 0, 0, err
	}
	return out.Price, ts, nil
}

type klineResponse struct {
	Candles [][4]float64 `json:"candles"` // [open, high, low, close]
}

func (c *Client) FetchKlines(ctx context.Context, symbol string, limit int) ([]calc.Candle, int64, error) {
	var out klineResponse
	ts, err := c.get(ctx, fmt.Sprintf("/klines?symbol=%s&limit=%d", symbol, limit), &out)
	if err != nil {
		return nil, 0, err
	}
	candles := make([]calc.Candle, len(out.Candles))
	for i, c4 := range out.Candles {
		candles[i] = calc.Candle{Open: c4[0], High: c4[1], Low: c4[2], Close: c4[3]}
	}
	return candles, ts, nil
}

type premiumIndexResponse struct {
	MarkPrice         float64 `json:"mark_price"`
	LastFundingRate   float64 `json:"last_funding_rate"`
	NextFundingTimeMs int64   `json:"next_funding_time_ms"`
}

func (c *Client) FetchPremiumIndex(ctx context.Context, symbol string) (float64, float64, int64, int64, error) {
	var out premiumIndexResponse
	ts, err := c.get(ctx, "/premiumIndex?symbol="+symbol, &out)
	if err != nil {
		return 0, 0, 0, 0, err
	}
	return out.MarkPrice, out.LastFundingRate, out.NextFundingTimeMs, ts, nil
}

type fundingHistoryResponse struct {
	Entries []provider.FundingHistoryEntry `json:"entries"`
}

func (c *Client) FetchFundingRateHistory(ctx context.Context, symbol string, limit int) ([]provider.FundingHistoryEntry, int64, error) {
	var out fundingHistoryResponse
	ts, err := c.get(ctx, fmt.Sprintf("/fundingRate/history?symbol=%s&limit=%d", symbol, limit), &out)
	if err != nil {
		return nil, 0, err
	}
	return out.Entries, ts, nil
}

type openInterestResponse struct {
	OpenInterest float64 `json:"open_interest"`
}

func (c *Client) FetchOpenInterest(ctx context.Context, symbol string) (float64, int64, error) {
	var out openInterestResponse
	ts, err := c.get(ctx, "/openInterest?symbol="+symbol, &out)
	if err != nil {
		return 0, 0, err
	}
	return out.OpenInterest, ts, nil
}

type serverTimeResponse struct {
	ServerTimeMs int64 `json:"server_time_ms"`
}

func (c *Client) FetchServerTimeMs(ctx context.Context) (int64, error) {
	var out serverTimeResponse
	if _, err := c.get(ctx, "/time", &out); err != nil {
		return 0, err
	}
	return out.ServerTimeMs, nil
}
