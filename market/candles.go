package market

import (
	"sort"
	"time"

	"optionpilot/broker"
)

// Session open for NSE equity derivatives, minutes since midnight IST.
const sessionOpenMinute = 9*60 + 15

// bucketStart returns the open time of the m-minute bucket containing t,
// anchored at the 09:15 session open so 5m buckets run 09:15, 09:20, ...
func bucketStart(t time.Time, m int) time.Time {
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	offset := t.Hour()*60 + t.Minute() - sessionOpenMinute
	idx := offset / m
	if offset < 0 && offset%m != 0 {
		idx--
	}
	return midnight.Add(time.Duration(sessionOpenMinute+idx*m) * time.Minute)
}

// Resample aggregates 1-minute bars into m-minute bars. Open is the first
// bar's open, High/Low the extremes, Close the last bar's close, Volume
// the sum. A trailing bucket that does not yet hold m bars is dropped.
func Resample(bars []broker.Candle, m int) []broker.Candle {
	if m <= 1 || len(bars) == 0 {
		return bars
	}

	sorted := make([]broker.Candle, len(bars))
	copy(sorted, bars)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Time.Before(sorted[j].Time) })

	var out []broker.Candle
	counts := []int{}
	for _, bar := range sorted {
		start := bucketStart(bar.Time, m)
		if len(out) == 0 || !out[len(out)-1].Time.Equal(start) {
			b := bar
			b.Time = start
			out = append(out, b)
			counts = append(counts, 1)
			continue
		}
		last := &out[len(out)-1]
		if bar.High > last.High {
			last.High = bar.High
		}
		if bar.Low < last.Low {
			last.Low = bar.Low
		}
		last.Close = bar.Close
		last.Volume += bar.Volume
		counts[len(counts)-1]++
	}

	if len(out) > 0 && counts[len(counts)-1] < m {
		out = out[:len(out)-1]
	}
	return out
}

// Closes extracts the close series from bars.
func Closes(bars []broker.Candle) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}

// EMA calculates the exponential moving average over the full series and
// returns the latest value. Returns 0 if there are fewer than period values.
func EMA(values []float64, period int) float64 {
	if len(values) < period || period <= 0 {
		return 0
	}

	// Seed with SMA of the first period
	sum := 0.0
	for i := 0; i < period; i++ {
		sum += values[i]
	}
	ema := sum / float64(period)

	k := 2.0 / float64(period+1)
	for i := period; i < len(values); i++ {
		ema = values[i]*k + ema*(1-k)
	}
	return ema
}
