// Package clocksync maintains a server-time anchored, corrected "now"
// for the rest of the engine to consume. It is the only component
// that should read the wall clock directly (the "Clock machine" design
// note carried into SPEC_FULL.md §9); everything downstream calls NowMs.
//
// The synced/degraded state machine here mirrors the shape of the
// teacher's regime detector (internal/regime/detector.go): a small
// injected-inputs interface, a struct-valued state snapshot, and
// cooldown-gated transitions.
package clocksync

import (
	"context"
	"sync"
	"time"

	"github.com/sawpanic/signalengine/internal/metrics"
)

// State is the clock's sync status.
type State int

const (
	StateSynced State = iota
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StateSynced:
		return "synced"
	case StateDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// ServerTimeFetcher is the injected capability that returns the
// venue's server time in epoch milliseconds.
type ServerTimeFetcher interface {
	FetchServerTimeMs(ctx context.Context) (int64, error)
}

// Clock is the local-time source clocksync corrects against. Tests
// inject a fake; production uses time.Now.
type Clock interface {
	NowMs() int64
}

// systemClock wraps time.Now.
type systemClock struct{}

func (systemClock) NowMs() int64 { return time.Now().UnixMilli() }

// Config holds the tunables from SPEC_FULL.md §6 "clock" section.
type Config struct {
	MaxClockErrorMs         int64
	RefreshSec              int64
	DegradedRetrySec        int64
	RefreshCooldownMs       int64
	DegradedTTLMs           int64
}

// SyncState is the externally observable ClockSyncState from the data
// model (§3).
type SyncState struct {
	ClockSkewMs           int64
	LastServerMs          int64
	HasLastServerMs       bool
	LastSyncLocalMs       int64
	LastForceRefreshLocalMs int64
	DegradedUntilLocalMs  int64
	State                 State
}

// ClockSync is safe for concurrent use.
type ClockSync struct {
	mu     sync.Mutex
	cfg    Config
	fetch  ServerTimeFetcher
	local  Clock

	st             SyncState
	nextRefreshMono int64 // monotonic-ish: compared against local.NowMs()

	metrics *metrics.Registry
}

// WithMetrics attaches a Prometheus registry; every skew observation
// and degraded-state entry is mirrored into it, matching the same
// optional-setter pattern as SourceManager.WithMetrics.
func (c *ClockSync) WithMetrics(reg *metrics.Registry) *ClockSync {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics = reg
	return c
}

// New constructs a ClockSync. local may be nil to use the system
// clock.
func New(cfg Config, fetch ServerTimeFetcher, local Clock) *ClockSync {
	if local == nil {
		local = systemClock{}
	}
	return &ClockSync{
		cfg:   cfg,
		fetch: fetch,
		local: local,
		st:    SyncState{State: StateDegraded},
	}
}

// State returns a copy of the current sync state.
func (c *ClockSync) State() SyncState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st
}

// RefreshServerTime attempts to (re)synchronize against the server
// clock. When force is false and the refresh cooldown hasn't elapsed,
// it is a no-op that just reports the current sync-ness.
func (c *ClockSync) RefreshServerTime(ctx context.Context, force bool) bool {
	c.mu.Lock()
	localNow := c.local.NowMs()
	if !force && localNow < c.nextRefreshMono {
		synced := c.st.State == StateSynced
		c.mu.Unlock()
		return synced
	}
	c.mu.Unlock()

	serverMs, err := c.fetch.FetchServerTimeMs(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	localNow = c.local.NowMs()

	if err != nil {
		wasSynced := c.st.State == StateSynced
		c.st.ClockSkewMs = 0
		c.st.HasLastServerMs = false
		c.st.State = StateDegraded
		c.nextRefreshMono = localNow + c.cfg.DegradedRetrySec*1000
		c.st.DegradedUntilLocalMs = localNow + c.cfg.DegradedTTLMs
		if c.metrics != nil && wasSynced {
			c.metrics.ClockDegradations.Inc()
		}
		return false
	}

	c.st.ClockSkewMs = serverMs - localNow
	c.st.LastServerMs = serverMs
	c.st.HasLastServerMs = true
	c.st.LastSyncLocalMs = localNow
	c.st.State = StateSynced
	c.nextRefreshMono = localNow + c.cfg.RefreshSec*1000
	if c.metrics != nil {
		c.metrics.ClockSkewMs.Set(float64(c.st.ClockSkewMs))
	}
	return true
}

// NowMs returns the engine's corrected current time, running the
// degraded/synced state machine described in §4.3.
func (c *ClockSync) NowMs(ctx context.Context) int64 {
	c.mu.Lock()
	localNow := c.local.NowMs()

	switch c.st.State {
	case StateDegraded:
		if c.st.LastForceRefreshLocalMs != 0 && localNow-c.st.LastForceRefreshLocalMs < c.cfg.RefreshCooldownMs {
			c.mu.Unlock()
			return localNow
		}
		c.st.LastForceRefreshLocalMs = localNow
		c.mu.Unlock()
		if c.RefreshServerTime(ctx, true) {
			return c.correctedNow()
		}
		return localNow

	case StateSynced:
		corrected := localNow + c.st.ClockSkewMs
		if !c.st.HasLastServerMs {
			c.mu.Unlock()
			return localNow
		}
		drift := corrected - c.st.LastServerMs
		if drift < 0 {
			drift = -drift
		}
		if drift <= c.cfg.MaxClockErrorMs {
			c.mu.Unlock()
			return corrected
		}
		// Drift too large: cooldown still active -> downgrade; else force refresh.
		if c.st.LastForceRefreshLocalMs != 0 && localNow-c.st.LastForceRefreshLocalMs < c.cfg.RefreshCooldownMs {
			c.st.State = StateDegraded
			if c.metrics != nil {
				c.metrics.ClockDegradations.Inc()
			}
			c.mu.Unlock()
			return localNow
		}
		c.st.LastForceRefreshLocalMs = localNow
		c.mu.Unlock()
		if c.RefreshServerTime(ctx, true) {
			return c.correctedNow()
		}
		return localNow
	}

	c.mu.Unlock()
	return localNow
}

func (c *ClockSync) correctedNow() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local.NowMs() + c.st.ClockSkewMs
}
