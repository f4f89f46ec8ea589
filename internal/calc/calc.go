// Package calc holds the pure, allocation-light math used to derive
// signal features from raw market data: returns, windowed candle
// aggregation, true range / ATR, position sizing, and open-interest
// statistics. Nothing here touches a clock, a network, or a lock.
package calc

import (
	"errors"
	"math"
)

// ErrInsufficientData is returned by functions that need a minimum
// number of samples and didn't get them.
var ErrInsufficientData = errors.New("calc: insufficient data")

// ErrInvalidRisk is returned by PositionSize when the risk ratio is
// non-positive (entry == stop, or entry == 0).
var ErrInvalidRisk = errors.New("calc: invalid risk ratio")

// eps floors a denominator away from zero (magnitude at least 1e-9,
// sign kept). The functions in this package guard their divisors with
// explicit checks and do not call it.
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

// Candle is an immutable OHLC 4-tuple. No timestamp: ordering is
// positional within its containing sequence.
type Candle struct {
	Open  float64
	High  float64
	Low   float64
	Close float64
}

// ReturnOver computes (closes[-1]/closes[-(k+1)]) - 1. It fails when
// there aren't at least k+1 closes, or the reference close is zero.
func ReturnOver(closes []float64, k int) (float64, error) {
	if k < 0 || len(closes) < k+1 {
		return 0, ErrInsufficientData
	}
	ref := closes[len(closes)-(k+1)]
	if ref == 0 {
		return 0, ErrInsufficientData
	}
	last := closes[len(closes)-1]
	return last/ref - 1, nil
}

// AggregatedCandle is the result of folding a window of 1-minute
// candles into a single OHLC bar.
type AggregatedCandle struct {
	Open  float64
	High  float64
	Low   float64
	Close float64
}

// AggregateToWindow groups candles into non-overlapping, left-aligned
// windows of size w, counting from the end of the slice so that any
// incomplete leading remainder is dropped. Each group folds to
// (first.open, max(high), min(low), last.close).
func AggregateToWindow(candles []Candle, w int) []AggregatedCandle {
	if w <= 0 || len(candles) < w {
		return nil
	}
	groups := len(candles) / w
	start := len(candles) - groups*w
	out := make([]AggregatedCandle, 0, groups)
	for g := 0; g < groups; g++ {
		chunk := candles[start+g*w : start+(g+1)*w]
		agg := AggregatedCandle{
			Open:  chunk[0].Open,
			High:  chunk[0].High,
			Low:   chunk[0].Low,
			Close: chunk[len(chunk)-1].Close,
		}
		for _, c := range chunk[1:] {
			if c.High > agg.High {
				agg.High = c.High
			}
			if c.Low < agg.Low {
				agg.Low = c.Low
			}
		}
		out = append(out, agg)
	}
	return out
}

// TrueRanges computes the true-range series for a candle sequence. The
// first entry is high-low; subsequent entries take the max of
// high-low, |high-prevClose|, |low-prevClose|.
func TrueRanges(candles []Candle) []float64 {
	if len(candles) == 0 {
		return nil
	}
	out := make([]float64, len(candles))
	out[0] = candles[0].High - candles[0].Low
	for i := 1; i < len(candles); i++ {
		c := candles[i]
		prevClose := candles[i-1].Close
		tr := c.High - c.Low
		if v := math.Abs(c.High - prevClose); v > tr {
			tr = v
		}
		if v := math.Abs(c.Low - prevClose); v > tr {
			tr = v
		}
		out[i] = tr
	}
	return out
}

// ATRSeries computes a simple (non-Wilder) rolling mean of true range
// over the given period. Returns empty when there isn't enough true
// range data; otherwise len(result) == len(trueRanges)-period+1.
func ATRSeries(candles []Candle, period int) []float64 {
	if period <= 0 {
		return nil
	}
	trs := TrueRanges(candles)
	if len(trs) < period {
		return nil
	}
	out := make([]float64, 0, len(trs)-period+1)
	var sum float64
	for i, tr := range trs {
		sum += tr
		if i >= period {
			sum -= trs[i-period]
		}
		if i >= period-1 {
			out = append(out, sum/float64(period))
		}
	}
	return out
}

// PositionSize returns maxRisk / (|entry-stop|/entry). Fails when the
// resulting risk ratio is non-positive.
func PositionSize(entry, stop, maxRisk float64) (float64, error) {
	if entry == 0 {
		return 0, ErrInvalidRisk
	}
	ratio := math.Abs(entry-stop) / math.Abs(entry)
	if ratio <= 0 {
		return 0, ErrInvalidRisk
	}
	return maxRisk / ratio, nil
}

// OIPoint is a single (timestamp-ms, open-interest) sample.
type OIPoint struct {
	TsMs int64
	OI   float64
}

// AggregateOITo15m partitions OI samples into 900-second buckets,
// keyed by floor(ts/900s); the last value observed in a bucket wins.
// Results are returned in bucket-time order.
func AggregateOITo15m(series []OIPoint) []OIPoint {
	if len(series) == 0 {
		return nil
	}
	const bucketMs = 900_000
	buckets := make(map[int64]float64)
	order := make([]int64, 0)
	for _, p := range series {
		b := p.TsMs / bucketMs
		if _, ok := buckets[b]; !ok {
			order = append(order, b)
		}
		buckets[b] = p.OI
	}
	// order may contain buckets discovered out of chronological order if
	// the input wasn't sorted; sort defensively.
	for i := 1; i < len(order); i++ {
		key := order[i]
		j := i - 1
		for j >= 0 && order[j] > key {
			order[j+1] = order[j]
			j--
		}
		order[j+1] = key
	}
	out := make([]OIPoint, 0, len(order))
	for _, b := range order {
		out = append(out, OIPoint{TsMs: b * bucketMs, OI: buckets[b]})
	}
	return out
}

// OIZScore standardizes the current (last) OI bucket against a
// trailing baseline of up to `baseline` prior buckets. Needs at least
// 2 samples total; a zero-sigma baseline yields 0.0.
func OIZScore(windows []OIPoint, baseline int) (float64, error) {
	if len(windows) < 2 {
		return 0, ErrInsufficientData
	}
	cur := windows[len(windows)-1].OI
	hist := windows[:len(windows)-1]
	if len(hist) > baseline {
		hist = hist[len(hist)-baseline:]
	}
	var sum float64
	for _, p := range hist {
		sum += p.OI
	}
	mean := sum / float64(len(hist))
	var variance float64
	for _, p := range hist {
		d := p.OI - mean
		variance += d * d
	}
	variance /= float64(len(hist))
	sigma := math.Sqrt(variance)
	if sigma == 0 {
		return 0.0, nil
	}
	return (cur - mean) / sigma, nil
}

// OIDeltaPct returns the percent change of the latest OI bucket versus
// the one before it. Undefined when the previous bucket is zero.
func OIDeltaPct(windows []OIPoint) (float64, error) {
	if len(windows) < 2 {
		return 0, ErrInsufficientData
	}
	cur := windows[len(windows)-1].OI
	prev := windows[len(windows)-2].OI
	if prev == 0 {
		return 0, ErrInsufficientData
	}
	return (cur - prev) / prev, nil
}
