// Package pipeline implements the Signal Service orchestrator of
// SPEC_FULL.md §4.8: the per-tick, per-symbol evaluation that ties
// DataStore, Strategies, Arbitrator, and RiskEngine together and
// delivers at most one card per symbol per cooldown window to the
// notifier and postback sinks.
package pipeline

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sawpanic/signalengine/internal/arbitrate"
	"github.com/sawpanic/signalengine/internal/calc"
	"github.com/sawpanic/signalengine/internal/metrics"
	"github.com/sawpanic/signalengine/internal/notify"
	"github.com/sawpanic/signalengine/internal/risk"
	"github.com/sawpanic/signalengine/internal/store"
	"github.com/sawpanic/signalengine/internal/strategy"
)

// minCandlesForATR is spec §4.8's ATR warmup floor: 15 * 14 = 210
// one-minute candles.
const minCandlesForATR = 15 * 14

const (
	decisionEmit     = "emit"
	decisionNoSignal = "no_signal"
	decisionBlocked  = "blocked"

	reasonDataNotReady       = "data_not_ready"
	reasonFundingMissing     = "funding_missing"
	reasonFundingStale       = "funding_stale"
	reasonDerivativesMissing = "derivatives_missing"
	reasonATRWarmup          = "atr_warmup"
	reasonNoCandidate        = "no_candidate"
)

// CorrectedNower returns the engine's server-corrected current time.
type CorrectedNower interface {
	NowMs(ctx context.Context) int64
}

// StrategyConfigs holds every strategy's per-run configuration.
type StrategyConfigs struct {
	VolBreakout          strategy.VolBreakoutConfig
	FundingOiSkew        strategy.FundingOiSkewConfig
	LiquidationFollow    strategy.LiquidationFollowConfig
	FakeBreakoutReversal strategy.FakeBreakoutReversalConfig
}

// Config holds the orchestrator's tunables beyond the strategy and
// arbitrator knobs, which are passed through to their owners as-is.
type Config struct {
	Symbols        []string
	FundingStaleMs int64
	OIStaleSeconds int64

	Arbitrator arbitrate.Config
	Strategies StrategyConfigs
}

// Service is the Signal Service orchestrator.
type Service struct {
	cfg      Config
	store    *store.Store
	clock    CorrectedNower
	risk     *risk.Engine
	notifier notify.Notifier
	postback notify.Postback
	log      zerolog.Logger
	metrics  *metrics.Registry

	lastSentMu sync.Mutex
	lastSent   map[string]int64
}

// New constructs a Signal Service.
func New(cfg Config, st *store.Store, clock CorrectedNower, riskEngine *risk.Engine, notifier notify.Notifier, postback notify.Postback, log zerolog.Logger) *Service {
	return &Service{
		cfg:      cfg,
		store:    st,
		clock:    clock,
		risk:     riskEngine,
		notifier: notifier,
		postback: postback,
		log:      log.With().Str("component", "pipeline").Logger(),
		lastSent: make(map[string]int64),
	}
}

// WithMetrics attaches a Prometheus registry; every tick is timed and
// every decision is mirrored into it, per SPEC_FULL.md §4.8.
func (s *Service) WithMetrics(reg *metrics.Registry) *Service {
	s.metrics = reg
	return s
}

// RunTick evaluates every configured symbol once.
func (s *Service) RunTick(ctx context.Context) {
	for _, symbol := range s.cfg.Symbols {
		s.evaluateSymbol(ctx, symbol)
	}
}

func (s *Service) lastSentLookup(symbol string) (int64, bool) {
	s.lastSentMu.Lock()
	defer s.lastSentMu.Unlock()
	ts, ok := s.lastSent[symbol]
	return ts, ok
}

func (s *Service) recordSent(symbol string, nowMs int64) {
	s.lastSentMu.Lock()
	defer s.lastSentMu.Unlock()
	s.lastSent[symbol] = nowMs
}

// evaluateSymbol runs the full per-tick sequence of §4.8 for one
// symbol: snapshot, freshness gates, feature build, strategy fan-out,
// arbitration, risk gate, and delivery.
func (s *Service) evaluateSymbol(ctx context.Context, symbol string) {
	var timer *metrics.TickTimer
	if s.metrics != nil {
		timer = s.metrics.StartTick(symbol)
		defer timer.Stop()
	}

	nowMs := s.clock.NowMs(ctx)
	snap := s.store.Snapshot(symbol)

	// 1. Data readiness.
	if len(snap.Prices) == 0 || len(snap.Klines) == 0 {
		s.log.Info().Str("symbol", symbol).Str("decision", decisionNoSignal).Str("reason", reasonDataNotReady).Msg("tick")
		s.recordDecision(decisionNoSignal, reasonDataNotReady)
		return
	}
	price := snap.Prices[len(snap.Prices)-1].Price

	// 2. Derivatives freshness gate.
	if !snap.HasFundingRate {
		s.log.Info().Str("symbol", symbol).Str("decision", decisionNoSignal).Str("reason", reasonFundingMissing).Msg("tick")
		s.recordDecision(decisionNoSignal, reasonFundingMissing)
		return
	}
	fundingAge := nowMs - snap.FundingTsMs
	if fundingAge > s.cfg.FundingStaleMs {
		s.log.Info().Str("symbol", symbol).Str("decision", decisionNoSignal).Str("reason", reasonFundingStale).
			Int64("funding_age_ms", fundingAge).Msg("tick")
		s.recordDecision(decisionNoSignal, reasonFundingStale)
		return
	}

	oiFreshness := strategy.OIUnknown
	if snap.HasOI {
		oiAgeSec := (nowMs - snap.OpenInterestTs) / 1000
		if oiAgeSec <= s.cfg.OIStaleSeconds {
			oiFreshness = strategy.OIFresh
		} else {
			oiFreshness = strategy.OIStale
		}
	}

	// 3. Derivatives-missing gate.
	if !snap.HasFundingRate || !snap.HasOI || !snap.HasMarkPrice {
		s.log.Info().Str("symbol", symbol).Str("decision", decisionNoSignal).Str("reason", reasonDerivativesMissing).Msg("tick")
		s.recordDecision(decisionNoSignal, reasonDerivativesMissing)
		return
	}

	// 4. ATR warmup gate.
	if len(snap.Klines) < minCandlesForATR {
		s.log.Info().Str("symbol", symbol).Str("decision", decisionNoSignal).Str("reason", reasonATRWarmup).
			Int("candles", len(snap.Klines)).Msg("tick")
		s.recordDecision(decisionNoSignal, reasonATRWarmup)
		return
	}

	sctx, ok := s.buildSignalContext(symbol, nowMs, price, snap, oiFreshness)
	if !ok {
		s.log.Info().Str("symbol", symbol).Str("decision", decisionNoSignal).Str("reason", reasonATRWarmup).Msg("tick")
		s.recordDecision(decisionNoSignal, reasonATRWarmup)
		return
	}

	candidates := s.fanOutStrategies(sctx)
	for _, c := range candidates {
		if s.metrics != nil {
			s.metrics.StrategyFires.WithLabelValues(c.Strategy, symbol).Inc()
		}
	}

	best := arbitrate.ChooseBest(candidates, symbol, nowMs, s.lastSentLookup, s.cfg.Arbitrator)
	trend := trendScore(sctx)
	markDistance := math.Abs(price-sctx.MarkPrice) / epsAbs(price)

	if best == nil {
		s.log.Info().Str("symbol", symbol).Str("decision", decisionNoSignal).Str("reason", reasonNoCandidate).
			Float64("trend_score", trend).Float64("mark_distance_pct", markDistance).Msg("tick")
		s.recordDecision(decisionNoSignal, reasonNoCandidate)
		return
	}

	now := time.UnixMilli(nowMs)
	decision := s.risk.Evaluate(symbol, now)
	if !decision.Allowed {
		s.log.Info().Str("symbol", symbol).Str("decision", decisionBlocked).Str("reason", decision.Reason).
			Int64("cooldown_remaining_ms", decision.CooldownRemainingMs).
			Float64("trend_score", trend).Float64("mark_distance_pct", markDistance).Msg("tick")
		s.recordDecision(decisionBlocked, decision.Reason)
		if s.metrics != nil {
			s.metrics.RiskBlocks.WithLabelValues(decision.Reason).Inc()
		}
		return
	}

	traceID := uuid.NewString()
	best.OIFreshness = oiFreshness

	if err := s.risk.RecordTrigger(symbol, now); err != nil {
		s.log.Error().Err(err).Str("symbol", symbol).Str("trace_id", traceID).Msg("risk state persistence failed")
	}
	s.recordSent(symbol, nowMs)

	payload := notify.CardPayload(best, traceID)
	if res, err := s.notifier.SendCard(ctx, payload); err != nil || !res.OK {
		s.log.Warn().Err(err).Str("symbol", symbol).Str("trace_id", traceID).Msg("notifier delivery failed")
	}
	if res, err := s.postback.Send(ctx, payload); err != nil || !res.OK {
		s.log.Warn().Err(err).Str("symbol", symbol).Str("trace_id", traceID).Msg("postback delivery failed")
	}

	s.log.Info().
		Str("symbol", symbol).
		Str("decision", decisionEmit).
		Str("reason", "ok").
		Str("strategy", best.Strategy).
		Float64("atr_15m", sctx.ATR15m).
		Float64("trend_score", trend).
		Float64("mark_distance_pct", markDistance).
		Bool("derivatives_ok", true).
		Str("trace_id", traceID).
		Msg("tick")
	s.recordDecision(decisionEmit, "ok")
}

func (s *Service) recordDecision(decision, reason string) {
	if s.metrics != nil {
		s.metrics.Decisions.WithLabelValues(decision, reason).Inc()
	}
}

// buildSignalContext derives the feature bundle every strategy reads,
// per §4.1/§4.5/§4.8.
func (s *Service) buildSignalContext(symbol string, nowMs int64, price float64, snap store.Snapshot, oiFreshness strategy.OIFreshness) (strategy.SignalContext, bool) {
	closes := make([]float64, len(snap.Klines))
	for i, c := range snap.Klines {
		closes[i] = c.Close
	}
	ret5m, hasRet5m := 0.0, false
	if r, err := calc.ReturnOver(closes, 5); err == nil {
		ret5m, hasRet5m = r, true
	}

	agg15m := calc.AggregateToWindow(snap.Klines, 15)
	agg15mCandles := make([]calc.Candle, len(agg15m))
	for i, a := range agg15m {
		agg15mCandles[i] = calc.Candle{Open: a.Open, High: a.High, Low: a.Low, Close: a.Close}
	}
	atrSeries := calc.ATRSeries(agg15mCandles, 14)
	if len(atrSeries) == 0 {
		return strategy.SignalContext{}, false
	}
	atr15m := atrSeries[len(atrSeries)-1]
	hasATRBaseline := false
	atrBaseline := atr15m
	const baselinePeriods = 96
	if len(atrSeries) > 1 {
		hist := atrSeries[:len(atrSeries)-1]
		if len(hist) > baselinePeriods {
			hist = hist[len(hist)-baselinePeriods:]
		}
		var sum float64
		for _, v := range hist {
			sum += v
		}
		atrBaseline = sum / float64(len(hist))
		hasATRBaseline = true
	}

	oiBuckets := calc.AggregateOITo15m(snap.OISeries)
	oiZScore, hasOIZ := 0.0, false
	oiDeltaPct, hasOIDelta := 0.0, false
	if z, err := calc.OIZScore(oiBuckets, 96); err == nil {
		oiZScore, hasOIZ = z, true
	}
	if d, err := calc.OIDeltaPct(oiBuckets); err == nil {
		oiDeltaPct, hasOIDelta = d, true
	}

	lastClose := snap.LastKlineCloseTsMs

	return strategy.SignalContext{
		Symbol:             symbol,
		BuildTsMs:          nowMs,
		Price:              price,
		Klines1m:           snap.Klines,
		Return5m:           ret5m,
		HasReturn5m:        hasRet5m,
		ATR15m:             atr15m,
		HasATR15m:          true,
		ATRBaseline15m:     atrBaseline,
		HasATRBaseline:     hasATRBaseline,
		FundingRate:        snap.LastFundingRate,
		HasFunding:         snap.HasFundingRate,
		MarkPrice:          snap.MarkPrice,
		HasMarkPrice:       snap.HasMarkPrice,
		OpenInterest:       snap.OpenInterest,
		HasOI:              snap.HasOI,
		OIZScore:           oiZScore,
		HasOIZScore:        hasOIZ,
		OIDeltaPct:         oiDeltaPct,
		HasOIDeltaPct:      hasOIDelta,
		LastKlineCloseTsMs: lastClose,
		HasLastKlineClose:  lastClose != 0,
		OIFreshness:        oiFreshness,
	}, true
}

func (s *Service) fanOutStrategies(ctx strategy.SignalContext) []*strategy.Card {
	var cards []*strategy.Card
	if c := strategy.VolBreakout(ctx, s.cfg.Strategies.VolBreakout); c != nil {
		cards = append(cards, c)
	}
	if c := strategy.FundingOiSkew(ctx, s.cfg.Strategies.FundingOiSkew); c != nil {
		cards = append(cards, c)
	}
	if c := strategy.LiquidationFollow(ctx, s.cfg.Strategies.LiquidationFollow); c != nil {
		cards = append(cards, c)
	}
	if c := strategy.FakeBreakoutReversal(ctx, s.cfg.Strategies.FakeBreakoutReversal, ctx.BuildTsMs); c != nil {
		cards = append(cards, c)
	}
	return cards
}

func trendScore(ctx strategy.SignalContext) float64 {
	if !ctx.HasReturn5m || !ctx.HasATR15m {
		return 0
	}
	return ctx.Return5m / epsAbs(ctx.ATR15m/epsAbs(ctx.Price))
}

func epsAbs(x float64) float64 {
	if x < 0 {
		x = -x
	}
	if x < 1e-9 {
		return 1e-9
	}
	return x
}
