package arbitrate

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/signalengine/internal/strategy"
)

func defaultCfg() Config {
	return Config{DedupeWindowSeconds: 300, EntrySimilarPct: 0.002, StopSimilarPct: 0.004}
}

func TestChooseBest_Empty(t *testing.T) {
	assert.Nil(t, ChooseBest(nil, "BTCUSDT", 0, nil, defaultCfg()))
}

func TestChooseBest_CooldownBlocksEmission(t *testing.T) {
	cards := []*strategy.Card{{Strategy: "a", Priority: 80, Confidence: 70, TTLMinutes: 10, Entry: 100, Stop: 98, Side: strategy.Long}}
	lastSent := func(symbol string) (int64, bool) { return 1000, true }
	got := ChooseBest(cards, "BTCUSDT", 1000+250_000, lastSent, defaultCfg())
	assert.Nil(t, got)

	got = ChooseBest(cards, "BTCUSDT", 1000+301_000, lastSent, defaultCfg())
	require.NotNil(t, got)
}

func TestChooseBest_TieOnPriorityAndConfidence_TTLWins(t *testing.T) {
	cardA := &strategy.Card{Strategy: "a", Priority: 80, Confidence: 70, TTLMinutes: 15, Entry: 100, Stop: 90, Side: strategy.Long}
	cardB := &strategy.Card{Strategy: "b", Priority: 80, Confidence: 70, TTLMinutes: 5, Entry: 200, Stop: 150, Side: strategy.Short}

	got := ChooseBest([]*strategy.Card{cardA, cardB}, "BTCUSDT", 0, nil, defaultCfg())
	require.NotNil(t, got)
	assert.Equal(t, cardB, got)
}

func TestChooseBest_DedupeSimilarSameSide(t *testing.T) {
	best := &strategy.Card{Strategy: "a", Priority: 90, Confidence: 80, TTLMinutes: 10, Entry: 100.0, Stop: 98.0, Side: strategy.Long}
	similarLowerRank := &strategy.Card{Strategy: "b", Priority: 80, Confidence: 70, TTLMinutes: 10, Entry: 100.05, Stop: 98.1, Side: strategy.Long}
	different := &strategy.Card{Strategy: "c", Priority: 70, Confidence: 60, TTLMinutes: 10, Entry: 150, Stop: 140, Side: strategy.Short}

	got := ChooseBest([]*strategy.Card{best, similarLowerRank, different}, "BTCUSDT", 0, nil, defaultCfg())
	require.NotNil(t, got)
	assert.Equal(t, best, got)
}

func TestChooseBest_IdempotentUnderPermutation(t *testing.T) {
	cards := []*strategy.Card{
		{Strategy: "a", Priority: 80, Confidence: 70, TTLMinutes: 15, Entry: 100, Stop: 90, Side: strategy.Long},
		{Strategy: "b", Priority: 80, Confidence: 70, TTLMinutes: 15, Entry: 200, Stop: 150, Side: strategy.Short},
		{Strategy: "c", Priority: 90, Confidence: 50, TTLMinutes: 20, Entry: 300, Stop: 290, Side: strategy.Long},
		{Strategy: "d", Priority: 90, Confidence: 50, TTLMinutes: 20, Entry: 1000, Stop: 990, Side: strategy.Long},
	}
	want := ChooseBest(cards, "BTCUSDT", 0, nil, defaultCfg())
	require.NotNil(t, want)

	r := rand.New(rand.NewSource(42))
	for trial := 0; trial < 20; trial++ {
		perm := append([]*strategy.Card(nil), cards...)
		r.Shuffle(len(perm), func(i, j int) { perm[i], perm[j] = perm[j], perm[i] })
		got := ChooseBest(perm, "BTCUSDT", 0, nil, defaultCfg())
		require.NotNil(t, got)
		assert.Equal(t, want, got)
	}
}
