// Package store implements the thread-safe, per-symbol rolling state
// that every other component reads: prices, 1-minute candles, funding,
// mark price, and open-interest history. A single (non-reentrant)
// mutex serializes all access; Snapshot returns a detached copy so
// callers never hold the lock while reading.
package store

import (
	"sync"

	"github.com/sawpanic/signalengine/internal/calc"
)

// Mode is the process-wide ingestion mode. It is shared across every
// symbol — see SourceManager (§4.4) and the "global process-wide mode"
// design note carried into SPEC_FULL.md §9.
type Mode string

const (
	ModeWS   Mode = "ws"
	ModeREST Mode = "rest"
)

const (
	defaultPriceCapacity  = 600
	defaultKlineCapacity  = 1440
	defaultOISeriesPoints = 24 * 60 * 6 // one point every 10s for 24h
)

// PricePoint is a single (timestamp, price) sample.
type PricePoint struct {
	TsMs  int64
	Price float64
}

// FundingSample is one entry of the small funding-rate history list.
type FundingSample struct {
	FundingRate    float64
	FundingTimeMs  int64
}

// symbolState is the mutable per-symbol record. All fields are only
// ever touched while the Store's mutex is held.
type symbolState struct {
	prices    []PricePoint // bounded FIFO, capacity priceCap
	klines    []calc.Candle
	lastWSKlineOpenTimeMs int64

	lastPriceTsMs       int64
	lastKlineCloseTsMs  int64
	lastKlineRecvTsMs   int64

	lastFundingRate    float64
	hasFundingRate     bool
	nextFundingTimeMs  int64
	fundingHistory     []FundingSample
	fundingTsMs        int64

	markPrice    float64
	hasMarkPrice bool

	openInterest   float64
	hasOI          bool
	openInterestTs int64

	oiSeries []calc.OIPoint
}

// Snapshot is a detached, read-only copy of one symbol's state.
type Snapshot struct {
	Symbol string

	Prices []PricePoint
	Klines []calc.Candle
	LastWSKlineOpenTimeMs int64

	LastPriceTsMs      int64
	LastKlineCloseTsMs int64
	LastKlineRecvTsMs  int64

	LastFundingRate   float64
	HasFundingRate    bool
	NextFundingTimeMs int64
	FundingHistory    []FundingSample
	FundingTsMs       int64

	MarkPrice    float64
	HasMarkPrice bool

	OpenInterest   float64
	HasOI          bool
	OpenInterestTs int64

	OISeries []calc.OIPoint

	Mode Mode
}

// BufferSizes reports the current occupancy of a symbol's bounded
// buffers, for health logging and tests.
type BufferSizes struct {
	Prices   int
	Klines   int
	OISeries int
}

// Options configures buffer capacities; zero values fall back to the
// spec defaults.
type Options struct {
	PriceCapacity  int
	KlineCapacity  int
	OISeriesPoints int
}

// Store owns every symbol's rolling state plus the shared ingestion
// mode. All exported methods are safe for concurrent use.
type Store struct {
	mu   sync.Mutex
	syms map[string]*symbolState

	priceCap  int
	klineCap  int
	oiCap     int

	mode Mode
}

// New creates a Store for the given universe of symbols.
func New(symbols []string, opts Options) *Store {
	s := &Store{
		syms:     make(map[string]*symbolState, len(symbols)),
		priceCap: orDefault(opts.PriceCapacity, defaultPriceCapacity),
		klineCap: orDefault(opts.KlineCapacity, defaultKlineCapacity),
		oiCap:    orDefault(opts.OISeriesPoints, defaultOISeriesPoints),
		mode:     ModeREST,
	}
	for _, sym := range symbols {
		s.syms[sym] = &symbolState{}
	}
	return s
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func (s *Store) get(symbol string) *symbolState {
	st, ok := s.syms[symbol]
	if !ok {
		st = &symbolState{}
		s.syms[symbol] = st
	}
	return st
}

// SetMode sets the process-wide ingestion mode.
func (s *Store) SetMode(m Mode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = m
}

// ModeNow returns the process-wide ingestion mode.
func (s *Store) ModeNow() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// UpdatePrice appends a (ts, price) sample to the symbol's bounded
// price FIFO, evicting the oldest entry when at capacity.
func (s *Store) UpdatePrice(symbol string, price float64, tsMs int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.get(symbol)
	st.prices = appendBounded(st.prices, PricePoint{TsMs: tsMs, Price: price}, s.priceCap)
	st.lastPriceTsMs = tsMs
}

func appendBounded[T any](buf []T, v T, cap int) []T {
	buf = append(buf, v)
	if len(buf) > cap {
		buf = buf[len(buf)-cap:]
	}
	return buf
}

// MergeKlines fully replaces the symbol's candle buffer, e.g. after a
// REST resync. The incoming slice is truncated to capacity from the
// tail.
func (s *Store) MergeKlines(symbol string, candles []calc.Candle, recvTsMs int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.get(symbol)
	if len(candles) > s.klineCap {
		candles = candles[len(candles)-s.klineCap:]
	}
	cp := make([]calc.Candle, len(candles))
	copy(cp, candles)
	st.klines = cp
	st.lastWSKlineOpenTimeMs = 0
	st.lastKlineRecvTsMs = recvTsMs
	if len(cp) > 0 {
		st.lastKlineCloseTsMs = recvTsMs
	}
}

// UpsertWSKline applies a streamed candle update: if the last buffered
// candle's open time equals openTimeMs, it is replaced in place;
// otherwise the candle is appended and the new open time recorded.
// lastKlineCloseTsMs only advances when isClosed is true.
func (s *Store) UpsertWSKline(symbol string, candle calc.Candle, openTimeMs int64, isClosed bool, tsMs int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.get(symbol)
	st.lastKlineRecvTsMs = tsMs

	if len(st.klines) > 0 && st.lastWSKlineOpenTimeMs == openTimeMs {
		st.klines[len(st.klines)-1] = candle
	} else {
		st.klines = appendBounded(st.klines, candle, s.klineCap)
		st.lastWSKlineOpenTimeMs = openTimeMs
	}
	if isClosed {
		st.lastKlineCloseTsMs = tsMs
	}
}

// UpdatePremiumIndex records mark price, last funding rate, and the
// next funding time from a premium-index poll.
func (s *Store) UpdatePremiumIndex(symbol string, markPrice, lastFundingRate float64, nextFundingTimeMs, tsMs int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.get(symbol)
	st.markPrice = markPrice
	st.hasMarkPrice = true
	st.lastFundingRate = lastFundingRate
	st.hasFundingRate = true
	st.nextFundingTimeMs = nextFundingTimeMs
	st.fundingTsMs = tsMs
}

// UpdateFundingRateHistory replaces the small funding-rate history list.
func (s *Store) UpdateFundingRateHistory(symbol string, history []FundingSample, tsMs int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.get(symbol)
	cp := make([]FundingSample, len(history))
	copy(cp, history)
	st.fundingHistory = cp
	if len(history) > 0 {
		st.lastFundingRate = history[len(history)-1].FundingRate
		st.hasFundingRate = true
	}
	st.fundingTsMs = tsMs
}

// UpdateOpenInterest appends an OI sample to the bounded OI series and
// updates the latest OI snapshot fields.
func (s *Store) UpdateOpenInterest(symbol string, oi float64, tsMs int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.get(symbol)
	st.openInterest = oi
	st.hasOI = true
	st.openInterestTs = tsMs
	st.oiSeries = appendBounded(st.oiSeries, calc.OIPoint{TsMs: tsMs, OI: oi}, s.oiCap)
}

// Snapshot returns a deep copy of one symbol's state plus the current
// process-wide mode. Safe to read without further locking.
func (s *Store) Snapshot(symbol string) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.get(symbol)

	return Snapshot{
		Symbol:                symbol,
		Prices:                append([]PricePoint(nil), st.prices...),
		Klines:                append([]calc.Candle(nil), st.klines...),
		LastWSKlineOpenTimeMs: st.lastWSKlineOpenTimeMs,
		LastPriceTsMs:         st.lastPriceTsMs,
		LastKlineCloseTsMs:    st.lastKlineCloseTsMs,
		LastKlineRecvTsMs:     st.lastKlineRecvTsMs,
		LastFundingRate:       st.lastFundingRate,
		HasFundingRate:        st.hasFundingRate,
		NextFundingTimeMs:     st.nextFundingTimeMs,
		FundingHistory:        append([]FundingSample(nil), st.fundingHistory...),
		FundingTsMs:           st.fundingTsMs,
		MarkPrice:             st.markPrice,
		HasMarkPrice:          st.hasMarkPrice,
		OpenInterest:          st.openInterest,
		HasOI:                 st.hasOI,
		OpenInterestTs:        st.openInterestTs,
		OISeries:              append([]calc.OIPoint(nil), st.oiSeries...),
		Mode:                  s.mode,
	}
}

// BufferSizes reports buffer occupancy for the given symbol.
func (s *Store) BufferSizes(symbol string) BufferSizes {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.get(symbol)
	return BufferSizes{
		Prices:   len(st.prices),
		Klines:   len(st.klines),
		OISeries: len(st.oiSeries),
	}
}
