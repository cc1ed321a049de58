package market

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ═══════════════════════════════════════════════════════════════════════════════
// MULTI-TIMEFRAME TREND CONFIRMATION
// ═══════════════════════════════════════════════════════════════════════════════
//
// An entry signal only fires when the EMA trend agrees on at least two of
// the 1m / 5m / 15m timeframes. Results are cached for 60 seconds so a
// burst of ticks does not recompute the same indicators.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Trend is the direction read off one timeframe.
type Trend int

const (
	TrendNeutral Trend = iota
	TrendBullish
	TrendBearish
)

func (t Trend) String() string {
	switch t {
	case TrendBullish:
		return "BULLISH"
	case TrendBearish:
		return "BEARISH"
	default:
		return "NEUTRAL"
	}
}

// TimeframeResult is the trend verdict for one symbol on one timeframe.
type TimeframeResult struct {
	Timeframe int
	Trend     Trend
	Fast      float64
	Slow      float64
	Close     float64
	Valid     bool
	Computed  time.Time
}

const (
	fastPeriod = 9
	slowPeriod = 21
	confirmTTL = 60 * time.Second
)

// Timeframes checked for entry confirmation, in minutes.
var confirmTimeframes = []int{1, 5, 15}

// Confirmer computes and caches per-timeframe trend verdicts.
type Confirmer struct {
	store *Store

	mu    sync.Mutex
	cache map[string]TimeframeResult

	now func() time.Time
}

// NewConfirmer creates a confirmer over the given candle store.
func NewConfirmer(store *Store) *Confirmer {
	return &Confirmer{
		store: store,
		cache: make(map[string]TimeframeResult),
		now:   time.Now,
	}
}

// Direction returns the trend verdict for symbol on an m-minute timeframe,
// serving from cache while the entry is younger than 60s.
func (c *Confirmer) Direction(symbol string, m int) TimeframeResult {
	key := fmt.Sprintf("%s:%d", symbol, m)

	c.mu.Lock()
	if res, ok := c.cache[key]; ok && c.now().Sub(res.Computed) < confirmTTL {
		c.mu.Unlock()
		return res
	}
	c.mu.Unlock()

	res := c.compute(symbol, m)

	c.mu.Lock()
	c.cache[key] = res
	c.mu.Unlock()
	return res
}

func (c *Confirmer) compute(symbol string, m int) TimeframeResult {
	res := TimeframeResult{Timeframe: m, Computed: c.now()}

	closes := Closes(c.store.Bars(symbol, m))
	if len(closes) < slowPeriod {
		log.Debug().Str("symbol", symbol).Int("tf", m).Int("bars", len(closes)).
			Msg("Not enough bars for trend verdict")
		return res
	}

	res.Valid = true
	res.Fast = EMA(closes, fastPeriod)
	res.Slow = EMA(closes, slowPeriod)
	res.Close = closes[len(closes)-1]

	switch {
	case res.Fast > res.Slow && res.Close > res.Fast:
		res.Trend = TrendBullish
	case res.Fast < res.Slow && res.Close < res.Fast:
		res.Trend = TrendBearish
	}
	return res
}

// ConfirmEntry reports whether at least two timeframes agree with the
// wanted direction. At least two timeframes must have enough history,
// otherwise the entry is rejected outright.
func (c *Confirmer) ConfirmEntry(symbol string, want Trend) (bool, string) {
	if want == TrendNeutral {
		return false, "no direction requested"
	}

	agree, valid := 0, 0
	parts := make([]string, 0, len(confirmTimeframes))
	for _, m := range confirmTimeframes {
		res := c.Direction(symbol, m)
		if !res.Valid {
			parts = append(parts, fmt.Sprintf("%dm=?", m))
			continue
		}
		valid++
		if res.Trend == want {
			agree++
		}
		parts = append(parts, fmt.Sprintf("%dm=%s", m, res.Trend))
	}

	detail := strings.Join(parts, " ")
	if valid < 2 {
		return false, "insufficient history: " + detail
	}
	if agree < 2 {
		return false, detail
	}
	return true, detail
}

// Invalidate drops all cached verdicts.
func (c *Confirmer) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = make(map[string]TimeframeResult)
}
