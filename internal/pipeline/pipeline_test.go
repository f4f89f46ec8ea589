package pipeline

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/signalengine/internal/arbitrate"
	"github.com/sawpanic/signalengine/internal/calc"
	"github.com/sawpanic/signalengine/internal/notify"
	"github.com/sawpanic/signalengine/internal/risk"
	"github.com/sawpanic/signalengine/internal/store"
	"github.com/sawpanic/signalengine/internal/strategy"
)

type fixedCorrected struct{ ms int64 }

func (f fixedCorrected) NowMs(ctx context.Context) int64 { return f.ms }

type recordingNotifier struct {
	payloads []notify.Payload
}

func (r *recordingNotifier) SendCard(ctx context.Context, payload notify.Payload) (notify.NotifierResult, error) {
	r.payloads = append(r.payloads, payload)
	return notify.NotifierResult{OK: true}, nil
}

type recordingPostback struct {
	payloads []notify.Payload
}

func (r *recordingPostback) Send(ctx context.Context, payload notify.Payload) (notify.PostbackResult, error) {
	r.payloads = append(r.payloads, payload)
	return notify.PostbackResult{OK: true}, nil
}

func testRiskEngine(t *testing.T) *risk.Engine {
	t.Helper()
	e, err := risk.New(risk.Config{
		MaxDailyLossUSDT:        500,
		MaxCardsPerDay:          20,
		CooldownAfterTriggerMin: 30,
		StatePath:               filepath.Join(t.TempDir(), "risk_state.json"),
	})
	require.NoError(t, err)
	return e
}

func strategyConfigs() StrategyConfigs {
	return StrategyConfigs{
		VolBreakout: strategy.VolBreakoutConfig{
			Shared:          strategy.Shared{LeverageSuggest: 5, MaxRiskUSDT: 50, TTLMinutes: 15},
			Priority:        70,
			ReturnThreshold: 0.012,
			SpikeMultiplier: 1.8,
		},
		FundingOiSkew: strategy.FundingOiSkewConfig{
			Shared:         strategy.Shared{LeverageSuggest: 5, MaxRiskUSDT: 50, TTLMinutes: 15},
			Priority:       80,
			FundingExtreme: 0.0006,
			OIZThreshold:   2.0,
		},
		LiquidationFollow: strategy.LiquidationFollowConfig{
			Shared:           strategy.Shared{LeverageSuggest: 5, MaxRiskUSDT: 50, TTLMinutes: 15},
			Priority:         75,
			OIDeltaThreshold: 0.03,
		},
		FakeBreakoutReversal: strategy.FakeBreakoutReversalConfig{
			Shared:         strategy.Shared{LeverageSuggest: 5, MaxRiskUSDT: 50, TTLMinutes: 15},
			Priority:       85,
			SweepPct:       0.001,
			WickBodyRatio:  2.0,
			StopBufferATR:  0.25,
			MinATRPct:      0.0005,
			MaxKlineAgeSec: 90,
		},
	}
}

func warmupCandles(n int, price float64) []calc.Candle {
	out := make([]calc.Candle, n)
	for i := range out {
		out[i] = calc.Candle{Open: price, High: price + 1, Low: price - 1, Close: price}
	}
	return out
}

// Scenario from spec §8: funding ts = now-300s, OI ts = now-10s,
// funding_stale_ms = 180_000 -> gate denies with reason "funding_stale".
func TestEvaluateSymbol_DerivativesGate_StaleFunding(t *testing.T) {
	now := int64(1_700_000_000_000)
	st := store.New([]string{"BTCUSDT"}, store.Options{})
	st.UpdatePrice("BTCUSDT", 100, now)
	st.MergeKlines("BTCUSDT", warmupCandles(300, 100), now)
	st.UpdatePremiumIndex("BTCUSDT", 100, 0.0005, now+1000, now-300_000)
	st.UpdateOpenInterest("BTCUSDT", 1000, now-10_000)

	svc := New(Config{
		Symbols:        []string{"BTCUSDT"},
		FundingStaleMs: 180_000,
		OIStaleSeconds: 60,
		Arbitrator:     arbitrate.Config{DedupeWindowSeconds: 300, EntrySimilarPct: 0.002, StopSimilarPct: 0.004},
		Strategies:     strategyConfigs(),
	}, st, fixedCorrected{ms: now}, testRiskEngine(t), notify.DisabledNotifier{}, notify.DisabledPostback{}, zerolog.Nop())

	svc.evaluateSymbol(context.Background(), "BTCUSDT")
	// No direct assertion point other than no panic and no emission;
	// verify indirectly via lastSent never being recorded.
	_, sent := svc.lastSentLookup("BTCUSDT")
	assert.False(t, sent)
}

func TestEvaluateSymbol_DataNotReady_NoCandles(t *testing.T) {
	st := store.New([]string{"BTCUSDT"}, store.Options{})
	svc := New(Config{
		Symbols:        []string{"BTCUSDT"},
		FundingStaleMs: 180_000,
		OIStaleSeconds: 60,
		Arbitrator:     arbitrate.Config{DedupeWindowSeconds: 300},
		Strategies:     strategyConfigs(),
	}, st, fixedCorrected{ms: 1000}, testRiskEngine(t), notify.DisabledNotifier{}, notify.DisabledPostback{}, zerolog.Nop())

	svc.evaluateSymbol(context.Background(), "BTCUSDT")
	_, sent := svc.lastSentLookup("BTCUSDT")
	assert.False(t, sent)
}

func TestEvaluateSymbol_EmitsOnStrongBreakout(t *testing.T) {
	now := int64(1_700_000_000_000)
	st := store.New([]string{"BTCUSDT"}, store.Options{})

	base := warmupCandles(299, 100)
	spike := calc.Candle{Open: 104, High: 107, Low: 104, Close: 106}
	candles := append(base, spike)
	st.MergeKlines("BTCUSDT", candles, now)
	st.UpdatePrice("BTCUSDT", 106, now)
	st.UpdatePremiumIndex("BTCUSDT", 106, 0.0001, now+1000, now)
	st.UpdateOpenInterest("BTCUSDT", 1000, now)

	notifier := &recordingNotifier{}
	postback := &recordingPostback{}

	svc := New(Config{
		Symbols:        []string{"BTCUSDT"},
		FundingStaleMs: 180_000,
		OIStaleSeconds: 60,
		Arbitrator:     arbitrate.Config{DedupeWindowSeconds: 300, EntrySimilarPct: 0.002, StopSimilarPct: 0.004},
		Strategies:     strategyConfigs(),
	}, st, fixedCorrected{ms: now}, testRiskEngine(t), notifier, postback, zerolog.Nop())

	svc.evaluateSymbol(context.Background(), "BTCUSDT")

	sentAt, sent := svc.lastSentLookup("BTCUSDT")
	require.True(t, sent)
	assert.Equal(t, now, sentAt)
	require.Len(t, notifier.payloads, 1)
	require.Len(t, postback.payloads, 1)
	assert.Equal(t, "BTCUSDT", notifier.payloads[0]["symbol"])

	d := svc.risk.Evaluate("BTCUSDT", time.UnixMilli(now).Add(5*time.Minute))
	assert.False(t, d.Allowed)
	assert.Equal(t, risk.ReasonSymbolCooldown, d.Reason)
}
