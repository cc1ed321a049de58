package market

import "optionpilot/broker"

const (
	supertrendPeriod = 10
	supertrendMult   = 3.0
)

// Supertrend computes the ATR trailing stop line for the series and
// returns its latest value plus the trend direction (true = price above
// the line, bullish). ok is false when there are too few bars.
func Supertrend(bars []broker.Candle) (value float64, bullish bool, ok bool) {
	n := len(bars)
	if n < supertrendPeriod+1 {
		return 0, false, false
	}

	// Wilder-smoothed ATR
	tr := make([]float64, n)
	tr[0] = bars[0].High - bars[0].Low
	for i := 1; i < n; i++ {
		hl := bars[i].High - bars[i].Low
		hc := abs(bars[i].High - bars[i-1].Close)
		lc := abs(bars[i].Low - bars[i-1].Close)
		tr[i] = max3(hl, hc, lc)
	}
	atr := 0.0
	for i := 0; i < supertrendPeriod; i++ {
		atr += tr[i]
	}
	atr /= supertrendPeriod

	mid := (bars[supertrendPeriod-1].High + bars[supertrendPeriod-1].Low) / 2
	upper := mid + supertrendMult*atr
	lower := mid - supertrendMult*atr
	bullish = bars[supertrendPeriod-1].Close > mid

	for i := supertrendPeriod; i < n; i++ {
		atr = (atr*(supertrendPeriod-1) + tr[i]) / supertrendPeriod

		mid = (bars[i].High + bars[i].Low) / 2
		basicUpper := mid + supertrendMult*atr
		basicLower := mid - supertrendMult*atr

		// Bands only tighten, never widen, until price crosses them.
		if basicUpper < upper || bars[i-1].Close > upper {
			upper = basicUpper
		}
		if basicLower > lower || bars[i-1].Close < lower {
			lower = basicLower
		}

		if bullish && bars[i].Close < lower {
			bullish = false
		} else if !bullish && bars[i].Close > upper {
			bullish = true
		}
	}

	if bullish {
		return lower, true, true
	}
	return upper, false, true
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}

func max3(a, b, c float64) float64 {
	m := a
	if b > m {
		m = b
	}
	if c > m {
		m = c
	}
	return m
}
