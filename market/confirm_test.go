package market

import (
	"strings"
	"testing"
	"time"

	"optionpilot/broker"
)

// trendBars builds n 1-minute bars whose closes rise (slope > 0) or fall.
func trendBars(n int, start, slope float64) []broker.Candle {
	open := time.Date(2026, 8, 28, 9, 15, 0, 0, ist)
	out := make([]broker.Candle, n)
	for i := 0; i < n; i++ {
		c := start + slope*float64(i)
		out[i] = broker.Candle{Time: open.Add(time.Duration(i) * time.Minute),
			Open: c, High: c, Low: c, Close: c, Volume: 1}
	}
	return out
}

func newConfirmer(bars []broker.Candle) *Confirmer {
	st := NewStore(&stubAPI{})
	st.mu.Lock()
	st.series["SYM"] = &series{bars: bars, fetchedAt: time.Now()}
	st.mu.Unlock()
	return NewConfirmer(st)
}

func TestDirectionVerdicts(t *testing.T) {
	// 400 rising minutes give every timeframe enough bars.
	c := newConfirmer(trendBars(400, 100, 0.5))
	for _, m := range confirmTimeframes {
		res := c.Direction("SYM", m)
		if !res.Valid {
			t.Fatalf("tf %dm should be valid", m)
		}
		if res.Trend != TrendBullish {
			t.Errorf("tf %dm trend = %v, want bullish", m, res.Trend)
		}
	}

	c = newConfirmer(trendBars(400, 400, -0.5))
	if res := c.Direction("SYM", 5); res.Trend != TrendBearish {
		t.Errorf("falling series trend = %v, want bearish", res.Trend)
	}

	// Flat series: fast == slow, strict comparisons give neutral.
	c = newConfirmer(trendBars(400, 250, 0))
	if res := c.Direction("SYM", 5); res.Trend != TrendNeutral {
		t.Errorf("flat series trend = %v, want neutral", res.Trend)
	}
}

func TestDirectionInsufficientHistory(t *testing.T) {
	c := newConfirmer(trendBars(20, 100, 0.5)) // under the slow period even at 1m
	res := c.Direction("SYM", 1)
	if res.Valid {
		t.Error("verdict should be invalid with fewer bars than the slow EMA period")
	}
	if res.Trend != TrendNeutral {
		t.Errorf("invalid verdict trend = %v, want neutral", res.Trend)
	}
}

func TestConfirmEntryTwoOfThree(t *testing.T) {
	c := newConfirmer(trendBars(400, 100, 0.5))
	ok, detail := c.ConfirmEntry("SYM", TrendBullish)
	if !ok {
		t.Fatalf("bullish entry rejected: %s", detail)
	}
	ok, _ = c.ConfirmEntry("SYM", TrendBearish)
	if ok {
		t.Error("bearish entry must fail on a rising series")
	}
	ok, _ = c.ConfirmEntry("SYM", TrendNeutral)
	if ok {
		t.Error("neutral request must never confirm")
	}
}

func TestConfirmEntryRequiresTwoValidTimeframes(t *testing.T) {
	// 40 rising minutes: 1m valid, 5m has only 8 bars, 15m has 2.
	c := newConfirmer(trendBars(40, 100, 0.5))
	ok, detail := c.ConfirmEntry("SYM", TrendBullish)
	if ok {
		t.Fatalf("entry must be rejected with one valid timeframe: %s", detail)
	}
	if !strings.Contains(detail, "insufficient history") {
		t.Errorf("detail = %q", detail)
	}
}

func TestDirectionCachedForTTL(t *testing.T) {
	c := newConfirmer(trendBars(400, 100, 0.5))
	base := time.Date(2026, 8, 28, 11, 0, 0, 0, ist)
	now := base
	c.now = func() time.Time { return now }

	first := c.Direction("SYM", 5)

	// Flip the underlying data; within the TTL the old verdict sticks.
	c.store.mu.Lock()
	c.store.series["SYM"] = &series{bars: trendBars(400, 400, -0.5)}
	c.store.mu.Unlock()

	now = base.Add(30 * time.Second)
	if res := c.Direction("SYM", 5); res.Trend != first.Trend {
		t.Error("verdict should come from cache inside the TTL")
	}

	now = base.Add(61 * time.Second)
	if res := c.Direction("SYM", 5); res.Trend != TrendBearish {
		t.Errorf("verdict after TTL = %v, want recomputed bearish", res.Trend)
	}

	// Invalidate clears the cache immediately.
	c.store.mu.Lock()
	c.store.series["SYM"] = &series{bars: trendBars(400, 100, 0.5)}
	c.store.mu.Unlock()
	c.Invalidate()
	now = base.Add(62 * time.Second)
	if res := c.Direction("SYM", 5); res.Trend != TrendBullish {
		t.Errorf("verdict after invalidate = %v, want bullish", res.Trend)
	}
}
