package provider

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/signalengine/internal/calc"
	"github.com/sawpanic/signalengine/internal/store"
)

type fakeClock struct{ ms int64 }

func (f *fakeClock) NowMs() int64 { return f.ms }

type fakeCorrected struct{ ms int64 }

func (f *fakeCorrected) NowMs(ctx context.Context) int64 { return f.ms }

type fakeREST struct {
	mu         sync.Mutex
	price      float64
	klines     []calc.Candle
	markPrice  float64
	funding    float64
	nextFundingMs int64
	fundHist   []FundingHistoryEntry
	oi         float64
	ts         int64
	failPrice  bool
	failKlines bool
}

func (f *fakeREST) FetchPrice(ctx context.Context, symbol string) (float64, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPrice {
		return 0, 0, errors.New("price fail")
	}
	return f.price, f.ts, nil
}

func (f *fakeREST) FetchKlines(ctx context.Context, symbol string, limit int) ([]calc.Candle, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failKlines {
		return nil, 0, errors.New("klines fail")
	}
	return f.klines, f.ts, nil
}

func (f *fakeREST) FetchPremiumIndex(ctx context.Context, symbol string) (float64, float64, int64, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.markPrice, f.funding, f.nextFundingMs, f.ts, nil
}

func (f *fakeREST) FetchFundingRateHistory(ctx context.Context, symbol string, limit int) ([]FundingHistoryEntry, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fundHist, f.ts, nil
}

func (f *fakeREST) FetchOpenInterest(ctx context.Context, symbol string) (float64, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.oi, f.ts, nil
}

func (f *fakeREST) FetchServerTimeMs(ctx context.Context) (int64, error) {
	return f.ts, nil
}

type fakeStream struct {
	mu          sync.Mutex
	connected   bool
	connectErr  error
	readErr     error
	prices      []PriceTick
	klines      []KlineTick
}

func (f *fakeStream) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeStream) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeStream) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

func (f *fakeStream) ReadEvents(ctx context.Context) ([]PriceTick, []KlineTick, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return nil, nil, f.readErr
	}
	p, k := f.prices, f.klines
	f.prices, f.klines = nil, nil
	return p, k, nil
}

func testConfig(symbols []string) Config {
	return Config{
		Symbols:                 symbols,
		KlineLimit:              100,
		StateSyncKlines:         120,
		PreferredMode:           store.ModeWS,
		StaleSeconds:            5,
		KlineStaleMs:            90_000,
		WSBackoffMinSeconds:     1,
		WSBackoffMaxSeconds:     8,
		WSRecoverGoodTicks:      3,
		RESTPricePollSeconds:    2,
		RESTKlinePollSeconds:    30,
		PremiumIndexPollSeconds: 15,
		FundingPollSeconds:      60,
		OIPollSeconds:           30,
	}
}

func TestStreamToRestFallback_OnStaleness(t *testing.T) {
	st := store.New([]string{"BTCUSDT"}, store.Options{})
	st.UpdatePrice("BTCUSDT", 100, 0) // last_price_ts = 0

	rest := &fakeREST{klines: make([]calc.Candle, 150)}
	strm := &fakeStream{connected: true}
	corrected := &fakeCorrected{ms: 10_000} // 10s after -> stale at 5s threshold
	clk := &fakeClock{ms: 0}

	sm := New(testConfig([]string{"BTCUSDT"}), st, rest, strm, corrected, clk, zerolog.Nop())
	st.SetMode(store.ModeWS)

	sm.Refresh(context.Background())

	assert.Equal(t, store.ModeREST, st.ModeNow())
}

func TestStreamRecovery_AfterGoodTicksAndResync(t *testing.T) {
	st := store.New([]string{"BTCUSDT"}, store.Options{})
	st.SetMode(store.ModeREST)

	rest := &fakeREST{klines: make([]calc.Candle, 150)}
	strm := &fakeStream{connected: false}
	corrected := &fakeCorrected{ms: 1000}
	clk := &fakeClock{ms: 0}

	cfg := testConfig([]string{"BTCUSDT"})
	sm := New(cfg, st, rest, strm, corrected, clk, zerolog.Nop())

	for i := 0; i < cfg.WSRecoverGoodTicks; i++ {
		strm.mu.Lock()
		strm.prices = []PriceTick{{Symbol: "BTCUSDT", Price: 100, TsMs: 1000}}
		strm.mu.Unlock()
		sm.Refresh(context.Background())
	}

	require.Equal(t, store.ModeWS, st.ModeNow())
	sizes := st.BufferSizes("BTCUSDT")
	assert.GreaterOrEqual(t, sizes.Klines, cfg.StateSyncKlines)
}

func TestBackoffDoublesUpToMax(t *testing.T) {
	st := store.New([]string{"BTCUSDT"}, store.Options{})
	st.SetMode(store.ModeREST)

	rest := &fakeREST{}
	strm := &fakeStream{connectErr: errors.New("refused")}
	corrected := &fakeCorrected{ms: 0}
	clk := &fakeClock{ms: 0}

	cfg := testConfig([]string{"BTCUSDT"})
	sm := New(cfg, st, rest, strm, corrected, clk, zerolog.Nop())

	sm.Refresh(context.Background())
	assert.Equal(t, cfg.WSBackoffMinSeconds*2, sm.backoffSeconds)

	clk.ms = sm.nextRetryAtMs
	sm.Refresh(context.Background())
	assert.Equal(t, cfg.WSBackoffMinSeconds*4, sm.backoffSeconds)

	// Two more failures: 4 -> 8, then 16 is capped at the max of 8.
	for i := 0; i < 2; i++ {
		clk.ms = sm.nextRetryAtMs
		sm.Refresh(context.Background())
	}
	assert.Equal(t, cfg.WSBackoffMaxSeconds, sm.backoffSeconds)
}

// TestStalenessTrip_DoesNotRecoverOnSameTick reproduces the scenario where
// the stream is still reporting Connected() == true when staleness trips
// (e.g. the socket is open but nothing fresh has arrived). Leftover good
// ticks accumulated from ordinary ws-mode drains must not let
// attemptRecovery declare "recovered" before any fresh post-reconnect tick
// has actually been observed.
func TestStalenessTrip_DoesNotRecoverOnSameTick(t *testing.T) {
	st := store.New([]string{"BTCUSDT"}, store.Options{})
	st.SetMode(store.ModeWS)

	rest := &fakeREST{klines: make([]calc.Candle, 150)}
	strm := &fakeStream{connected: true}
	corrected := &fakeCorrected{ms: 0}
	clk := &fakeClock{ms: 0}

	cfg := testConfig([]string{"BTCUSDT"})
	sm := New(cfg, st, rest, strm, corrected, clk, zerolog.Nop())

	// Ordinary ws-mode operation: several fresh ticks drained via the
	// normal path, enough to have tripped the old bug's leftover counter.
	for i := 0; i < cfg.WSRecoverGoodTicks+2; i++ {
		strm.mu.Lock()
		strm.prices = []PriceTick{{Symbol: "BTCUSDT", Price: 100, TsMs: 0}}
		strm.mu.Unlock()
		sm.Refresh(context.Background())
	}
	require.Equal(t, store.ModeWS, st.ModeNow())
	assert.Equal(t, 0, sm.goodTickCount, "normal-path ticks must never count toward recovery")

	// Now the price goes stale: corrected time jumps far past the
	// configured stale threshold with no further stream events queued.
	corrected.ms = int64(cfg.StaleSeconds)*1000 + 10_000
	sm.Refresh(context.Background())

	assert.Equal(t, store.ModeREST, st.ModeNow(), "staleness trip must not be immediately undone by stale leftover recovery state")
	assert.Equal(t, 0, sm.goodTickCount)
}

func TestModeSwitchIsNoOpWhenFromEqualsTo(t *testing.T) {
	st := store.New([]string{"BTCUSDT"}, store.Options{})
	st.SetMode(store.ModeWS)
	rest := &fakeREST{}
	strm := &fakeStream{}
	corrected := &fakeCorrected{}
	clk := &fakeClock{}
	sm := New(testConfig([]string{"BTCUSDT"}), st, rest, strm, corrected, clk, zerolog.Nop())

	sm.switchMode(store.ModeWS, "noop", "")
	assert.Equal(t, store.ModeWS, st.ModeNow())
}
