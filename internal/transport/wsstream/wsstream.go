// Package wsstream is a reference implementation of the Stream
// capability (SPEC_FULL.md §6), grounded directly on the teacher's
// internal/providers/kraken/websocket.go: a gorilla/websocket dialer
// and a bounded-read-deadline message loop. It has no ping loop and no
// reconnect-signal channel; reconnecting is left to the caller via
// Connect. Unlike the teacher's client it doesn't own a background
// goroutine pushing into handlers — ReadEvents is
// pull-based, per the Stream capability contract (§6), which keeps
// the driver loop single-threaded as required by §5.
package wsstream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/sawpanic/signalengine/internal/calc"
	"github.com/sawpanic/signalengine/internal/provider"
)

const readDeadline = 2 * time.Second

// WireMessage is the expected JSON shape for one stream frame. Real
// venues vary; production deployments supply their own Stream
// capability and this type is only used by this reference client.
type WireMessage struct {
	Type       string  `json:"type"` // "price" | "kline"
	Symbol     string  `json:"symbol"`
	Price      float64 `json:"price,omitempty"`
	Open       float64 `json:"open,omitempty"`
	High       float64 `json:"high,omitempty"`
	Low        float64 `json:"low,omitempty"`
	Close      float64 `json:"close,omitempty"`
	OpenTimeMs int64   `json:"open_time_ms,omitempty"`
	IsClosed   bool    `json:"is_closed,omitempty"`
	TsMs       int64   `json:"ts_ms"`
}

// Client is a minimal gorilla/websocket-backed Stream capability.
type Client struct {
	url string
	log zerolog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
}

// New constructs a wsstream.Client for the given websocket URL.
func New(url string, log zerolog.Logger) *Client {
	return &Client{url: url, log: log.With().Str("component", "wsstream").Logger()}
}

var _ provider.StreamCapability = (*Client)(nil)

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return nil
	}
	dialer := websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second

	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("wsstream: dial %s: %w", c.url, err)
	}
	c.conn = conn
	c.connected = true
	c.log.Info().Str("url", c.url).Msg("stream connected")
	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.connected = false
	return err
}

// ReadEvents drains whatever frames are immediately available on the
// connection within a short read deadline; a timeout with nothing
// ready is treated as "no events", not an error, per §6.
func (c *Client) ReadEvents(ctx context.Context) ([]provider.PriceTick, []provider.KlineTick, error) {
	c.mu.Lock()
	conn := c.conn
	connected := c.connected
	c.mu.Unlock()

	if !connected {
		return nil, nil, fmt.Errorf("wsstream: not connected")
	}

	var prices []provider.PriceTick
	var klines []provider.KlineTick

	for {
		conn.SetReadDeadline(time.Now().Add(readDeadline))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if netErr, ok := err.(interface{ Timeout() bool }); ok && netErr.Timeout() {
				break
			}
			return prices, klines, fmt.Errorf("wsstream: read: %w", err)
		}

		var msg WireMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warn().Err(err).Msg("malformed stream frame, skipping")
			continue
		}

		switch msg.Type {
		case "price":
			prices = append(prices, provider.PriceTick{Symbol: msg.Symbol, Price: msg.Price, TsMs: msg.TsMs})
		case "kline":
			klines = append(klines, provider.KlineTick{
				Symbol:     msg.Symbol,
				Candle:     calc.Candle{Open: msg.Open, High: msg.High, Low: msg.Low, Close: msg.Close},
				OpenTimeMs: msg.OpenTimeMs,
				TsMs:       msg.TsMs,
				IsClosed:   msg.IsClosed,
			})
		}

		select {
		case <-ctx.Done():
			return prices, klines, ctx.Err()
		default:
		}
	}

	return prices, klines, nil
}
