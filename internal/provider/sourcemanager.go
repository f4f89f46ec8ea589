package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/sawpanic/signalengine/internal/metrics"
	"github.com/sawpanic/signalengine/internal/store"
)

// Clock is the local time source used for backoff/poll scheduling
// (distinct from the server-corrected clock used for staleness age
// calculations, per SPEC_FULL.md §5).
type Clock interface {
	NowMs() int64
}

type systemClock struct{}

func (systemClock) NowMs() int64 { return time.Now().UnixMilli() }

// CorrectedNower returns the engine's server-corrected current time.
// Satisfied by *clocksync.ClockSync.
type CorrectedNower interface {
	NowMs(ctx context.Context) int64
}

// Config holds every SourceManager tunable from SPEC_FULL.md §6.
type Config struct {
	Symbols []string

	KlineLimit        int
	StateSyncKlines   int // must be >= 120

	PreferredMode store.Mode

	StaleSeconds   int64
	KlineStaleMs   int64

	WSBackoffMinSeconds int64
	WSBackoffMaxSeconds int64
	WSRecoverGoodTicks  int

	RESTPricePollSeconds     int64
	RESTKlinePollSeconds     int64
	PremiumIndexPollSeconds  int64
	FundingPollSeconds       int64
	OIPollSeconds            int64

	HealthLogInterval time.Duration
}

// SourceManager drives ingestion for the configured symbol universe,
// preferring the stream capability and falling back to REST polling
// on staleness or stream failure.
type SourceManager struct {
	cfg   Config
	store *store.Store
	rest  RESTCapability
	strm  StreamCapability
	clock Clock
	corrected CorrectedNower
	log   zerolog.Logger

	breaker *gobreaker.CircuitBreaker
	metrics *metrics.Registry

	backoffSeconds int64
	nextRetryAtMs  int64
	goodTickCount  int

	nextPricePollMs    int64
	nextKlinePollMs    int64
	nextPremiumPollMs  int64
	nextFundingPollMs  int64
	nextOIPollMs       int64
	lastHealthLogMs    int64
}

// New constructs a SourceManager. clock may be nil to use the system
// clock for backoff/poll scheduling.
func New(cfg Config, st *store.Store, rest RESTCapability, strm StreamCapability, corrected CorrectedNower, clock Clock, log zerolog.Logger) *SourceManager {
	if clock == nil {
		clock = systemClock{}
	}
	if cfg.StateSyncKlines < 120 {
		cfg.StateSyncKlines = 120
	}
	sm := &SourceManager{
		cfg:            cfg,
		store:          st,
		rest:           rest,
		strm:           strm,
		clock:          clock,
		corrected:      corrected,
		log:            log.With().Str("component", "source_manager").Logger(),
		backoffSeconds: cfg.WSBackoffMinSeconds,
	}
	sm.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "stream-reconnect",
		MaxRequests: 1,
		Timeout:     time.Duration(cfg.WSBackoffMinSeconds) * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 1
		},
	})
	return sm
}

// WithMetrics attaches a Prometheus registry; every mode switch,
// staleness trip, and backoff increment is mirrored into it, matching
// the teacher's MetricsCallback pattern in providers/kraken/websocket.go.
func (sm *SourceManager) WithMetrics(reg *metrics.Registry) *SourceManager {
	sm.metrics = reg
	return sm
}

// Mode returns the current process-wide ingestion mode.
func (sm *SourceManager) Mode() store.Mode { return sm.store.ModeNow() }

// Start initializes the engine: sets the preferred mode, forces a
// clock refresh proxy (the caller's ClockSync already owns this — see
// CorrectedNower), performs a REST state sync, and attempts the
// initial stream connect if preferred.
func (sm *SourceManager) Start(ctx context.Context) {
	sm.store.SetMode(sm.cfg.PreferredMode)
	sm.corrected.NowMs(ctx) // proxy for "force a clock refresh"

	sm.stateSync(ctx)

	if sm.cfg.PreferredMode == store.ModeWS {
		if err := sm.strm.Connect(ctx); err != nil {
			sm.log.Warn().Err(err).Msg("initial stream connect failed, falling back to rest")
			sm.switchMode(store.ModeREST, "initial_connect_failed", "")
			sm.scheduleBackoff()
		}
	}
}

// stateSync performs a full REST resync of klines for every symbol,
// per §4.4 "resync candle count".
func (sm *SourceManager) stateSync(ctx context.Context) {
	limit := sm.cfg.StateSyncKlines
	for _, symbol := range sm.cfg.Symbols {
		candles, ts, err := sm.rest.FetchKlines(ctx, symbol, limit)
		if err != nil {
			sm.log.Warn().Err(err).Str("symbol", symbol).Msg("state sync kline fetch failed")
			continue
		}
		sm.store.MergeKlines(symbol, candles, ts)
	}
}

// Refresh runs one tick of the ingestion driver, per §4.4's ordered
// sequence.
func (sm *SourceManager) Refresh(ctx context.Context) {
	mode := sm.store.ModeNow()

	// 1. Drain the stream if connected. Ticks observed here are normal
	// ws-mode operation, not a verified post-reconnect recovery run, so
	// they must not count toward attemptRecovery's good-tick threshold.
	if mode == store.ModeWS && sm.strm.Connected() {
		if err := sm.drainStream(ctx, false); err != nil {
			sm.log.Warn().Err(err).Msg("stream read failed, switching to rest")
			sm.switchMode(store.ModeREST, "stream_error", "")
			_ = sm.strm.Close()
			sm.goodTickCount = 0
			mode = store.ModeREST
		}
	}

	// 2. Staleness evaluation (only meaningful in ws mode). A trip closes
	// the stream and clears goodTickCount so attemptRecovery's reconnect
	// branch actually runs and re-earns a fresh WSRecoverGoodTicks count,
	// instead of flipping straight back to ws on stale leftover state.
	if mode == store.ModeWS {
		if sym, reason, tripped := sm.evaluateStaleness(ctx); tripped {
			if sm.metrics != nil {
				sm.metrics.StalenessTrips.WithLabelValues(sym, reason).Inc()
			}
			sm.switchMode(store.ModeREST, reason, sym)
			_ = sm.strm.Close()
			sm.goodTickCount = 0
			mode = store.ModeREST
		}
	}

	// 3. Derivative polls (independent of mode, deadline-gated).
	sm.pollDerivatives(ctx)

	// 4. REST price/kline pollers + recovery attempt, when in rest mode.
	if mode == store.ModeREST {
		sm.pollRESTPriceAndKlines(ctx)
		sm.attemptRecovery(ctx)
	}

	// 5. Health log at most once per minute.
	sm.maybeLogHealth(ctx)
}

// drainStream applies whatever stream events are ready. countsTowardRecovery
// must be true only when called from attemptRecovery's post-reconnect path:
// that is the sole path spec §4.4/Testable Property 6 wants accumulating
// toward WSRecoverGoodTicks. Normal ws-mode operation (Refresh step 1) passes
// false so stale leftover counts from before a staleness trip can never let
// attemptRecovery declare "recovered" without observing fresh ticks.
func (sm *SourceManager) drainStream(ctx context.Context, countsTowardRecovery bool) error {
	prices, klines, err := sm.strm.ReadEvents(ctx)
	if err != nil {
		return err
	}
	now := sm.corrected.NowMs(ctx)
	for _, p := range prices {
		// Per the "price-tick timestamping" open question (DESIGN.md),
		// store the corrected now, not the event's own timestamp, so
		// every age comparison stays on one clock. A successfully
		// applied tick is fresh by construction (its resulting age is
		// zero), which is exactly what the recovery counter wants.
		sm.store.UpdatePrice(p.Symbol, p.Price, now)
		if countsTowardRecovery {
			sm.goodTickCount++
		}
	}
	for _, k := range klines {
		sm.store.UpsertWSKline(k.Symbol, k.Candle, k.OpenTimeMs, k.IsClosed, now)
	}
	return nil
}

// evaluateStaleness checks every symbol's price and kline recency
// against the corrected clock; the first tripped symbol aborts the
// loop, per §4.4.
func (sm *SourceManager) evaluateStaleness(ctx context.Context) (symbol, reason string, tripped bool) {
	now := sm.corrected.NowMs(ctx)
	for _, symbol := range sm.cfg.Symbols {
		snap := sm.store.Snapshot(symbol)

		rawAge := now - snap.LastPriceTsMs
		if rawAge > 0 && rawAge > sm.cfg.StaleSeconds*1000 {
			return symbol, "stale", true
		}
		klineAge := now - snap.LastKlineRecvTsMs
		if klineAge > 0 && klineAge > sm.cfg.KlineStaleMs {
			return symbol, "kline_stale", true
		}
	}
	return "", "", false
}

func (sm *SourceManager) pollDerivatives(ctx context.Context) {
	nowMono := sm.clock.NowMs()

	if nowMono >= sm.nextPremiumPollMs {
		sm.nextPremiumPollMs = nowMono + sm.cfg.PremiumIndexPollSeconds*1000
		for _, symbol := range sm.cfg.Symbols {
			mark, funding, nextFunding, ts, err := sm.rest.FetchPremiumIndex(ctx, symbol)
			if err != nil {
				sm.log.Warn().Err(err).Str("symbol", symbol).Msg("premium index poll failed")
				continue
			}
			sm.store.UpdatePremiumIndex(symbol, mark, funding, nextFunding, ts)
		}
	}

	if nowMono >= sm.nextFundingPollMs {
		sm.nextFundingPollMs = nowMono + sm.cfg.FundingPollSeconds*1000
		for _, symbol := range sm.cfg.Symbols {
			hist, ts, err := sm.rest.FetchFundingRateHistory(ctx, symbol, 8)
			if err != nil {
				sm.log.Warn().Err(err).Str("symbol", symbol).Msg("funding history poll failed")
				continue
			}
			entries := make([]store.FundingSample, len(hist))
			for i, h := range hist {
				entries[i] = store.FundingSample{FundingRate: h.FundingRate, FundingTimeMs: h.FundingTimeMs}
			}
			sm.store.UpdateFundingRateHistory(symbol, entries, ts)
		}
	}

	if nowMono >= sm.nextOIPollMs {
		sm.nextOIPollMs = nowMono + sm.cfg.OIPollSeconds*1000
		for _, symbol := range sm.cfg.Symbols {
			oi, ts, err := sm.rest.FetchOpenInterest(ctx, symbol)
			if err != nil {
				sm.log.Warn().Err(err).Str("symbol", symbol).Msg("open interest poll failed")
				continue
			}
			sm.store.UpdateOpenInterest(symbol, oi, ts)
		}
	}
}

func (sm *SourceManager) pollRESTPriceAndKlines(ctx context.Context) {
	nowMono := sm.clock.NowMs()

	if nowMono >= sm.nextPricePollMs {
		sm.nextPricePollMs = nowMono + sm.cfg.RESTPricePollSeconds*1000
		for _, symbol := range sm.cfg.Symbols {
			price, ts, err := sm.rest.FetchPrice(ctx, symbol)
			if err != nil {
				sm.log.Warn().Err(err).Str("symbol", symbol).Msg("price poll failed")
				continue
			}
			sm.store.UpdatePrice(symbol, price, ts)
		}
	}

	if nowMono >= sm.nextKlinePollMs {
		sm.nextKlinePollMs = nowMono + sm.cfg.RESTKlinePollSeconds*1000
		for _, symbol := range sm.cfg.Symbols {
			candles, ts, err := sm.rest.FetchKlines(ctx, symbol, sm.cfg.KlineLimit)
			if err != nil {
				sm.log.Warn().Err(err).Str("symbol", symbol).Msg("kline poll failed")
				continue
			}
			sm.store.MergeKlines(symbol, candles, ts)
		}
	}
}

// attemptRecovery implements the rest->ws recovery protocol of §4.4:
// exponential backoff gated reconnect attempts, accumulating "fresh"
// tick counts, and only switching to ws after a successful resync.
func (sm *SourceManager) attemptRecovery(ctx context.Context) {
	if sm.cfg.PreferredMode != store.ModeWS {
		return
	}
	nowMono := sm.clock.NowMs()
	if nowMono < sm.nextRetryAtMs {
		return
	}

	if !sm.strm.Connected() {
		err := sm.breaker.Execute(func() (interface{}, error) {
			return nil, sm.strm.Connect(ctx)
		})
		if err != nil {
			sm.scheduleBackoff()
			return
		}
		sm.backoffSeconds = sm.cfg.WSBackoffMinSeconds
		sm.goodTickCount = 0
	}

	if err := sm.drainStream(ctx, true); err != nil {
		sm.log.Warn().Err(err).Msg("recovery stream read failed")
		_ = sm.strm.Close()
		sm.scheduleBackoff()
		return
	}

	if sm.goodTickCount >= sm.cfg.WSRecoverGoodTicks {
		sm.stateSync(ctx)
		sm.switchMode(store.ModeWS, "recovered", "")
		sm.goodTickCount = 0
	}
}

func (sm *SourceManager) scheduleBackoff() {
	nowMono := sm.clock.NowMs()
	sm.nextRetryAtMs = nowMono + sm.backoffSeconds*1000
	sm.backoffSeconds *= 2
	if sm.backoffSeconds > sm.cfg.WSBackoffMaxSeconds {
		sm.backoffSeconds = sm.cfg.WSBackoffMaxSeconds
	}
	if sm.metrics != nil {
		sm.metrics.BackoffSeconds.Set(float64(sm.backoffSeconds))
	}
}

func (sm *SourceManager) switchMode(to store.Mode, reason, symbol string) {
	from := sm.store.ModeNow()
	if from == to {
		return
	}
	sm.store.SetMode(to)
	if sm.metrics != nil {
		sm.metrics.ModeSwitches.WithLabelValues(string(from), string(to), reason).Inc()
	}
	sm.log.Info().
		Str("from", string(from)).
		Str("to", string(to)).
		Str("reason", reason).
		Str("symbol", symbol).
		Msg("source mode switch")
}

func (sm *SourceManager) maybeLogHealth(ctx context.Context) {
	interval := sm.cfg.HealthLogInterval
	if interval <= 0 {
		interval = time.Minute
	}
	nowMono := sm.clock.NowMs()
	if nowMono-sm.lastHealthLogMs < interval.Milliseconds() {
		return
	}
	sm.lastHealthLogMs = nowMono

	now := sm.corrected.NowMs(ctx)
	ev := sm.log.Info().Str("mode", string(sm.store.ModeNow()))
	for _, symbol := range sm.cfg.Symbols {
		snap := sm.store.Snapshot(symbol)
		sizes := sm.store.BufferSizes(symbol)

		// Every tracked timestamp is checked for future-drift, not just
		// last_price, matching spec.md's generic raw_age_ms invariant and
		// the original's _log_health_if_needed field set.
		tsFields := []struct {
			name string
			ts   int64
			has  bool
		}{
			{"last_price", snap.LastPriceTsMs, true},
			{"last_kline_close", snap.LastKlineCloseTsMs, true},
			{"last_kline_recv", snap.LastKlineRecvTsMs, true},
			{"funding", snap.FundingTsMs, snap.HasFundingRate},
			{"open_interest", snap.OpenInterestTs, snap.HasOI},
		}
		for _, f := range tsFields {
			if !f.has {
				continue
			}
			if now-f.ts < 0 {
				sm.log.Warn().Str("symbol", symbol).Str("field", f.name).Msg("timestamp_in_future")
			}
		}

		ev = ev.Str(fmt.Sprintf("%s_prices", symbol), fmt.Sprintf("%d", sizes.Prices)).
			Str(fmt.Sprintf("%s_klines", symbol), fmt.Sprintf("%d", sizes.Klines))
	}
	ev.Msg("source_manager_health")
}
