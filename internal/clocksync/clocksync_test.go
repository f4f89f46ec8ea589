package clocksync

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ ms int64 }

func (f *fakeClock) NowMs() int64 { return f.ms }

type fakeFetcher struct {
	serverMs int64
	err      error
	calls    int
}

func (f *fakeFetcher) FetchServerTimeMs(ctx context.Context) (int64, error) {
	f.calls++
	return f.serverMs, f.err
}

func defaultCfg() Config {
	return Config{
		MaxClockErrorMs:   2000,
		RefreshSec:        300,
		DegradedRetrySec:  15,
		RefreshCooldownMs: 5000,
		DegradedTTLMs:     60000,
	}
}

func TestRefreshServerTime_SuccessSetsSkewAndSynced(t *testing.T) {
	clk := &fakeClock{ms: 1_000_000}
	fetch := &fakeFetcher{serverMs: 1_000_050}
	cs := New(defaultCfg(), fetch, clk)

	ok := cs.RefreshServerTime(context.Background(), true)
	require.True(t, ok)

	st := cs.State()
	assert.Equal(t, StateSynced, st.State)
	assert.EqualValues(t, 50, st.ClockSkewMs)
}

func TestComputeNowCorrected_EqualsServerMs(t *testing.T) {
	clk := &fakeClock{ms: 5_000_000}
	fetch := &fakeFetcher{serverMs: 5_000_123}
	cs := New(defaultCfg(), fetch, clk)
	require.True(t, cs.RefreshServerTime(context.Background(), true))

	corrected := cs.NowMs(context.Background())
	assert.Equal(t, fetch.serverMs, corrected)
}

func TestRefreshServerTime_NoForceRespectsCooldown(t *testing.T) {
	clk := &fakeClock{ms: 0}
	fetch := &fakeFetcher{serverMs: 0}
	cs := New(defaultCfg(), fetch, clk)
	require.True(t, cs.RefreshServerTime(context.Background(), true))
	require.Equal(t, 1, fetch.calls)

	// Still within refresh window.
	cs.RefreshServerTime(context.Background(), false)
	assert.Equal(t, 1, fetch.calls)
}

func TestRefreshServerTime_FailureDegrades(t *testing.T) {
	clk := &fakeClock{ms: 0}
	fetch := &fakeFetcher{err: errors.New("boom")}
	cs := New(defaultCfg(), fetch, clk)

	ok := cs.RefreshServerTime(context.Background(), true)
	assert.False(t, ok)
	st := cs.State()
	assert.Equal(t, StateDegraded, st.State)
	assert.False(t, st.HasLastServerMs)
}

func TestNowMs_DegradedReturnsLocalUntilCooldownElapses(t *testing.T) {
	clk := &fakeClock{ms: 1_000_000}
	fetch := &fakeFetcher{err: errors.New("down")}
	cs := New(defaultCfg(), fetch, clk)
	cs.RefreshServerTime(context.Background(), true)

	now := cs.NowMs(context.Background())
	assert.Equal(t, clk.ms, now)

	// Within cooldown: still degraded, no extra fetch attempt beyond the
	// first forced refresh recorded by NowMs.
	callsBefore := fetch.calls
	clk.ms += 1000
	now = cs.NowMs(context.Background())
	assert.Equal(t, clk.ms, now)
	assert.Equal(t, callsBefore, fetch.calls)

	// After cooldown elapses and the fetcher recovers, NowMs resyncs.
	fetch.err = nil
	clk.ms += defaultCfg().RefreshCooldownMs + 2000
	fetch.serverMs = clk.ms + 50
	now = cs.NowMs(context.Background())
	assert.Equal(t, fetch.serverMs, now)
	assert.Equal(t, StateSynced, cs.State().State)
}

func TestNowMs_SyncedDriftTooLargeForcesRefresh(t *testing.T) {
	clk := &fakeClock{ms: 1_000_000}
	fetch := &fakeFetcher{serverMs: 1_000_000}
	cs := New(defaultCfg(), fetch, clk)
	require.True(t, cs.RefreshServerTime(context.Background(), true))

	// Jump local clock far ahead without a corresponding server update,
	// simulating drift beyond MaxClockErrorMs while still outside the
	// refresh cooldown so a forced refresh is attempted.
	clk.ms += defaultCfg().RefreshCooldownMs + 10000
	fetch.serverMs = clk.ms + 5 // server agrees closely with the new local time
	now := cs.NowMs(context.Background())
	assert.Equal(t, fetch.serverMs, now)
}
