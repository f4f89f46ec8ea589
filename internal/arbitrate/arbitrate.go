// Package arbitrate implements the per-symbol dedupe and best-card
// selection described in SPEC_FULL.md §4.6.
package arbitrate

import (
	"math"
	"sort"

	"github.com/sawpanic/signalengine/internal/strategy"
)

// Config holds the arbitrator's similarity/dedupe thresholds.
type Config struct {
	DedupeWindowSeconds int64
	EntrySimilarPct     float64
	StopSimilarPct      float64
}

// LastSentLookup resolves the last time a card was emitted for a
// symbol, if ever.
type LastSentLookup func(symbol string) (tsMs int64, ok bool)

// sortKey orders candidates by (priority desc, confidence desc, ttl
// asc), falling back to strategy name as a last-resort tiebreaker so
// the ordering is a total order independent of input order — required
// for ChooseBest to be idempotent under permutation even when two
// candidates tie on every spec-named field.
func sortKey(cards []*strategy.Card) {
	sort.Slice(cards, func(i, j int) bool {
		a, b := cards[i], cards[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if a.TTLMinutes != b.TTLMinutes {
			return a.TTLMinutes < b.TTLMinutes
		}
		return a.Strategy < b.Strategy
	})
}

func similar(a, b *strategy.Card, cfg Config) bool {
	if a.Side != b.Side {
		return false
	}
	entryDiff := math.Abs(a.Entry-b.Entry) / epsAbs(a.Entry)
	stopDiff := math.Abs(a.Stop-b.Stop) / epsAbs(math.Abs(a.Stop))
	return entryDiff < cfg.EntrySimilarPct || stopDiff < cfg.StopSimilarPct
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

// ChooseBest applies the full arbitration algorithm: per-symbol
// cooldown dedupe, similarity dedupe in priority/confidence/TTL order,
// then returns the top survivor by the same ordering. Returns nil when
// no candidate survives.
func ChooseBest(candidates []*strategy.Card, symbol string, nowMs int64, lastSent LastSentLookup, cfg Config) *strategy.Card {
	if len(candidates) == 0 {
		return nil
	}

	if lastSent != nil {
		if lastMs, ok := lastSent(symbol); ok {
			if (nowMs-lastMs)/1000 <= cfg.DedupeWindowSeconds {
				return nil
			}
		}
	}

	ordered := append([]*strategy.Card(nil), candidates...)
	sortKey(ordered)

	kept := make([]*strategy.Card, 0, len(ordered))
	for _, c := range ordered {
		dup := false
		for _, k := range kept {
			if similar(c, k, cfg) {
				dup = true
				break
			}
		}
		if !dup {
			kept = append(kept, c)
		}
	}
	if len(kept) == 0 {
		return nil
	}
	return kept[0]
}
