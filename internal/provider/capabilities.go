// Package provider implements the dual-mode (stream-preferred,
// REST-fallback) ingestion driver described in SPEC_FULL.md §4.4, plus
// the narrow capability interfaces it depends on (§6). Concrete
// transport adapters live in internal/transport/*; this package only
// knows about the interfaces.
package provider

import (
	"context"

	"github.com/sawpanic/signalengine/internal/calc"
)

// RESTCapability is the injected request/response data source.
type RESTCapability interface {
	FetchPrice(ctx context.Context, symbol string) (price float64, tsMs int64, err error)
	FetchKlines(ctx context.Context, symbol string, limit int) (candles []calc.Candle, tsMs int64, err error)
	FetchPremiumIndex(ctx context.Context, symbol string) (markPrice, lastFundingRate float64, nextFundingTimeMs, tsMs int64, err error)
	FetchFundingRateHistory(ctx context.Context, symbol string, limit int) (history []FundingHistoryEntry, tsMs int64, err error)
	FetchOpenInterest(ctx context.Context, symbol string) (oi float64, tsMs int64, err error)
	FetchServerTimeMs(ctx context.Context) (int64, error)
}

// FundingHistoryEntry is one row of a funding-rate-history response.
type FundingHistoryEntry struct {
	FundingRate   float64
	FundingTimeMs int64
}

// PriceTick is one streamed price update.
type PriceTick struct {
	Symbol string
	Price  float64
	TsMs   int64
}

// KlineTick is one streamed candle update.
type KlineTick struct {
	Symbol     string
	Candle     calc.Candle
	OpenTimeMs int64
	TsMs       int64
	IsClosed   bool
}

// StreamCapability is the injected push-feed data source.
type StreamCapability interface {
	Connected() bool
	Connect(ctx context.Context) error
	Close() error
	// ReadEvents returns promptly with whatever events are ready; a
	// timeout read with nothing ready is not an error.
	ReadEvents(ctx context.Context) (prices []PriceTick, klines []KlineTick, err error)
}
