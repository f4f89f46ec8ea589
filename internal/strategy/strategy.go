// Package strategy implements the four independent signal detectors
// of SPEC_FULL.md §4.5. Each is a pure function of a SignalContext and
// its own config; each returns at most one ProposalCard.
package strategy

import (
	"math"
	"time"

	"github.com/sawpanic/signalengine/internal/calc"
)

// Side is the proposed trade direction.
type Side string

const (
	Long  Side = "LONG"
	Short Side = "SHORT"
)

// OIFreshness tags how current the open-interest reading behind a
// card is.
type OIFreshness string

const (
	OIFresh   OIFreshness = "fresh"
	OIStale   OIFreshness = "stale"
	OIUnknown OIFreshness = "unknown"
)

// SignalContext is the derived, read-only feature bundle every
// strategy evaluates against (§3).
type SignalContext struct {
	Symbol          string
	BuildTsMs       int64
	Price           float64
	Klines1m        []calc.Candle
	Return5m        float64
	HasReturn5m     bool
	ATR15m          float64
	HasATR15m       bool
	ATRBaseline15m  float64
	HasATRBaseline  bool
	FundingRate     float64
	HasFunding      bool
	MarkPrice       float64
	HasMarkPrice    bool
	OpenInterest    float64
	HasOI           bool
	OIZScore        float64
	HasOIZScore     bool
	OIDeltaPct      float64
	HasOIDeltaPct   bool
	LastKlineCloseTsMs int64
	HasLastKlineClose  bool
	OIFreshness     OIFreshness
}

// Card is the ProposalCard data model from §3.
type Card struct {
	Symbol            string
	Strategy          string
	Side              Side
	Entry             float64
	Stop              float64
	SuggestedLeverage float64
	PositionSizeQuote float64
	MaxRiskQuote      float64
	TTLMinutes        int
	Rationale         string
	CreatedAt         time.Time
	Priority          int
	Confidence        float64
	OIFreshness       OIFreshness
}

// Shared is the set of config knobs common to every strategy's output
// shape (leverage, risk, TTL), per §4.5.
type Shared struct {
	LeverageSuggest float64
	MaxRiskUSDT     float64
	TTLMinutes      int
}

func clampConfidence(c float64) float64 {
	if c > 100 {
		return 100
	}
	if c < 0 {
		return 0
	}
	return c
}

func sizeCard(entry, stop float64, shared Shared) (size, maxRisk float64) {
	maxRisk = shared.MaxRiskUSDT
	size, err := calc.PositionSize(entry, stop, shared.MaxRiskUSDT)
	if err != nil {
		size = 0
	}
	return size, maxRisk
}

// VolBreakoutConfig holds VolBreakout's thresholds.
type VolBreakoutConfig struct {
	Shared
	Priority         int
	ReturnThreshold  float64
	SpikeMultiplier  float64
}

// VolBreakout fires on a 5m return or ATR spike exceeding threshold.
func VolBreakout(ctx SignalContext, cfg VolBreakoutConfig) *Card {
	if !ctx.HasReturn5m || !ctx.HasATR15m || !ctx.HasATRBaseline {
		return nil
	}
	retTriggered := math.Abs(ctx.Return5m) > cfg.ReturnThreshold
	atrTriggered := ctx.ATR15m > ctx.ATRBaseline15m*cfg.SpikeMultiplier
	if !retTriggered && !atrTriggered {
		return nil
	}

	side := Long
	if ctx.Return5m < 0 {
		side = Short
	}
	entry := ctx.Price
	var stop float64
	if side == Long {
		stop = entry - 1.2*ctx.ATR15m
	} else {
		stop = entry + 1.2*ctx.ATR15m
	}

	retRatio := math.Abs(ctx.Return5m) / eps(cfg.ReturnThreshold)
	atrRatio := ctx.ATR15m / eps(ctx.ATRBaseline15m)
	confidence := clampConfidence(40 + 20*retRatio + 10*atrRatio)

	size, maxRisk := sizeCard(entry, stop, cfg.Shared)
	return &Card{
		Symbol:            ctx.Symbol,
		Strategy:          "vol_breakout",
		Side:              side,
		Entry:             entry,
		Stop:              stop,
		SuggestedLeverage: cfg.LeverageSuggest,
		PositionSizeQuote: size,
		MaxRiskQuote:      maxRisk,
		TTLMinutes:        cfg.TTLMinutes,
		Rationale:         "5m return or 15m ATR spike exceeded threshold",
		CreatedAt:         msToTime(ctx.BuildTsMs),
		Priority:          cfg.Priority,
		Confidence:        confidence,
		OIFreshness:        ctx.OIFreshness,
	}
}

// FundingOiSkewConfig holds FundingOiSkew's thresholds.
type FundingOiSkewConfig struct {
	Shared
	Priority        int
	FundingExtreme  float64
	OIZThreshold    float64
}

// FundingOiSkew fires when funding is extreme, OI is building, and the
// crowd looks one-sided; it trades contrarian to the crowded side.
func FundingOiSkew(ctx SignalContext, cfg FundingOiSkewConfig) *Card {
	if !ctx.HasOIZScore || !ctx.HasFunding || !ctx.HasReturn5m {
		return nil
	}
	crowdedLong := ctx.FundingRate > 0 && ctx.Return5m > 0
	crowdedShort := ctx.FundingRate < 0 && ctx.Return5m < 0

	if math.Abs(ctx.FundingRate) < cfg.FundingExtreme || ctx.OIZScore < cfg.OIZThreshold {
		return nil
	}
	if !crowdedLong && !crowdedShort {
		return nil
	}

	side := Long
	if crowdedLong {
		side = Short
	}
	if !ctx.HasATR15m {
		return nil
	}
	entry := ctx.Price
	var stop float64
	if side == Long {
		stop = entry - ctx.ATR15m
	} else {
		stop = entry + ctx.ATR15m
	}

	confidence := clampConfidence(50 + 10*(math.Abs(ctx.FundingRate)/eps(cfg.FundingExtreme)) + 10*(ctx.OIZScore/eps(cfg.OIZThreshold)))

	size, maxRisk := sizeCard(entry, stop, cfg.Shared)
	return &Card{
		Symbol:            ctx.Symbol,
		Strategy:          "funding_oi_skew",
		Side:              side,
		Entry:             entry,
		Stop:              stop,
		SuggestedLeverage: cfg.LeverageSuggest,
		PositionSizeQuote: size,
		MaxRiskQuote:      maxRisk,
		TTLMinutes:        cfg.TTLMinutes,
		Rationale:         "extreme funding with crowded positioning and rising OI",
		CreatedAt:         msToTime(ctx.BuildTsMs),
		Priority:          cfg.Priority,
		Confidence:        confidence,
		OIFreshness:       ctx.OIFreshness,
	}
}

// LiquidationFollowConfig holds LiquidationFollow's thresholds.
type LiquidationFollowConfig struct {
	Shared
	Priority       int
	OIDeltaThreshold float64
}

// LiquidationFollow trend-follows when OI is building aligned with the
// price move and funding direction.
func LiquidationFollow(ctx SignalContext, cfg LiquidationFollowConfig) *Card {
	if !ctx.HasOIDeltaPct || !ctx.HasReturn5m || !ctx.HasFunding || !ctx.HasATR15m {
		return nil
	}
	if ctx.OIDeltaPct < cfg.OIDeltaThreshold {
		return nil
	}
	if math.Abs(ctx.Return5m) < 0.01 {
		return nil
	}
	trend := sign(ctx.Return5m)
	fundingDir := sign(ctx.FundingRate)
	if trend != fundingDir || trend == 0 {
		return nil
	}

	side := Long
	var stop float64
	entry := ctx.Price
	if trend > 0 {
		side = Long
		stop = entry - 1.5*ctx.ATR15m
	} else {
		side = Short
		stop = entry + 1.5*ctx.ATR15m
	}

	confidence := clampConfidence(50 + 30*(ctx.OIDeltaPct/eps(cfg.OIDeltaThreshold)))

	size, maxRisk := sizeCard(entry, stop, cfg.Shared)
	return &Card{
		Symbol:            ctx.Symbol,
		Strategy:          "liquidation_follow",
		Side:              side,
		Entry:             entry,
		Stop:              stop,
		SuggestedLeverage: cfg.LeverageSuggest,
		PositionSizeQuote: size,
		MaxRiskQuote:      maxRisk,
		TTLMinutes:        cfg.TTLMinutes,
		Rationale:         "OI building in the direction of price and funding",
		CreatedAt:         msToTime(ctx.BuildTsMs),
		Priority:          cfg.Priority,
		Confidence:        confidence,
		OIFreshness:       ctx.OIFreshness,
	}
}

// FakeBreakoutReversalConfig holds FakeBreakoutReversal's thresholds.
type FakeBreakoutReversalConfig struct {
	Shared
	Priority       int
	SweepPct       float64
	WickBodyRatio  float64
	StopBufferATR  float64
	MinATRPct      float64
	MaxKlineAgeSec int64
}

// FakeBreakoutReversal detects a sweep-and-reclaim on the last candle in
// the 1m buffer against the preceding 20-candle range. The last candle
// is not required to be closed; only the age of the latest close is
// checked.
func FakeBreakoutReversal(ctx SignalContext, cfg FakeBreakoutReversalConfig, nowMs int64) *Card {
	if !ctx.HasLastKlineClose {
		return nil
	}
	ageSec := (nowMs - ctx.LastKlineCloseTsMs) / 1000
	if ageSec > cfg.MaxKlineAgeSec {
		return nil
	}
	if !ctx.HasATR15m || ctx.ATR15m < cfg.MinATRPct*ctx.Price {
		return nil
	}
	if len(ctx.Klines1m) < 21 {
		return nil
	}

	candles := ctx.Klines1m
	latest := candles[len(candles)-1]
	baseline := candles[len(candles)-21 : len(candles)-1] // preceding 20

	prevHigh := baseline[0].High
	prevLow := baseline[0].Low
	for _, c := range baseline[1:] {
		if c.High > prevHigh {
			prevHigh = c.High
		}
		if c.Low < prevLow {
			prevLow = c.Low
		}
	}

	body := math.Abs(latest.Close - latest.Open)
	if body < 1e-9 {
		body = 1e-9
	}

	// Sweep-high + reclaim (bearish reversal).
	if latest.High > prevHigh*(1+cfg.SweepPct) && latest.Close < prevHigh {
		upperWick := latest.High - math.Max(latest.Open, latest.Close)
		if upperWick/body >= cfg.WickBodyRatio {
			entry := ctx.Price
			stop := latest.High + cfg.StopBufferATR*ctx.ATR15m
			size, maxRisk := sizeCard(entry, stop, cfg.Shared)
			return &Card{
				Symbol:            ctx.Symbol,
				Strategy:          "fake_breakout_reversal",
				Side:              Short,
				Entry:             entry,
				Stop:              stop,
				SuggestedLeverage: cfg.LeverageSuggest,
				PositionSizeQuote: size,
				MaxRiskQuote:      maxRisk,
				TTLMinutes:        cfg.TTLMinutes,
				Rationale:         "upper sweep and reclaim of prior 20m high",
				CreatedAt:         msToTime(ctx.BuildTsMs),
				Priority:          cfg.Priority,
				Confidence:        clampConfidence(60 + 5*(upperWick/body-cfg.WickBodyRatio)),
				OIFreshness:       ctx.OIFreshness,
			}
		}
	}

	// Sweep-low + reclaim (bullish reversal).
	if latest.Low < prevLow*(1-cfg.SweepPct) && latest.Close > prevLow {
		lowerWick := math.Min(latest.Open, latest.Close) - latest.Low
		if lowerWick/body >= cfg.WickBodyRatio {
			entry := ctx.Price
			stop := latest.Low - cfg.StopBufferATR*ctx.ATR15m
			size, maxRisk := sizeCard(entry, stop, cfg.Shared)
			return &Card{
				Symbol:            ctx.Symbol,
				Strategy:          "fake_breakout_reversal",
				Side:              Long,
				Entry:             entry,
				Stop:              stop,
				SuggestedLeverage: cfg.LeverageSuggest,
				PositionSizeQuote: size,
				MaxRiskQuote:      maxRisk,
				TTLMinutes:        cfg.TTLMinutes,
				Rationale:         "lower sweep and reclaim of prior 20m low",
				CreatedAt:         msToTime(ctx.BuildTsMs),
				Priority:          cfg.Priority,
				Confidence:        clampConfidence(60 + 5*(lowerWick/body-cfg.WickBodyRatio)),
				OIFreshness:       ctx.OIFreshness,
			}
		}
	}

	return nil
}

func eps(x float64) float64 {
	if x < 0 {
		if x > -1e-9 {
			return -1e-9
		}
		return x
	}
	if x < 1e-9 {
		return 1e-9
	}
	return x
}

func sign(x float64) int {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	default:
		return 0
	}
}

func msToTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
