package engine

import (
	"github.com/rs/zerolog/log"

	"optionpilot/internal/config"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TRAILING RISK ENGINE
// ═══════════════════════════════════════════════════════════════════════════════
//
// Two independent protections run on every price update:
//
//   Premium trail - once the option premium clears the target, the stop
//   ratchets up: first to the configured profit lock, then one loss step
//   per further target extension. Past the max-profit band it keeps
//   creeping up at 0.66 of the profit step per new high.
//
//   Index stop   - the supertrend line of the underlying, moved only in
//   the trade's favor. A close through it exits regardless of premium.
//
// The stop never moves down. Ever.
//
// ═══════════════════════════════════════════════════════════════════════════════

const maxProfitTrailFactor = 0.66

// TrailEngine maintains the stop levels for the open position.
type TrailEngine struct {
	st       *TradeState
	settings func() config.Settings
}

// NewTrailEngine creates a trail engine over the shared state.
func NewTrailEngine(st *TradeState, settings func() config.Settings) *TrailEngine {
	return &TrailEngine{st: st, settings: settings}
}

// Update folds a new premium print into the trail. Ratchets only fire
// on a fresh high.
func (t *TrailEngine) Update(ltp float64) {
	if ltp <= 0 {
		return
	}
	set := t.settings()

	t.st.Lock()
	defer t.st.Unlock()

	s := t.st
	if !s.TradeConfirmed || s.Side == PosNone || s.EntryPrice <= 0 {
		return
	}

	s.CurrentPrice = ltp
	if ltp <= s.HighestPrice {
		return
	}
	s.HighestPrice = ltp

	if !set.TrailingEnabled {
		return
	}

	gainPct := (s.HighestPrice - s.EntryPrice) / s.EntryPrice * 100
	if gainPct < s.TPPct {
		return
	}

	switch {
	case gainPct >= set.MaxProfitPct:
		if !set.TrailAfterMaxProfit {
			return
		}
		s.StopOffsetPct += maxProfitTrailFactor * set.ProfitStepPct
		s.Ratcheted = true
	case !s.Ratcheted:
		s.StopOffsetPct = set.FirstLockPct
		s.TPPct += set.ProfitStepPct
		s.Ratcheted = true
	default:
		s.StopOffsetPct += set.LossStepPct
		s.TPPct += set.ProfitStepPct
	}

	s.setRiskLevels()
	log.Info().
		Str("symbol", s.TradingSymbol).
		Float64("high", s.HighestPrice).
		Float64("gain_pct", gainPct).
		Float64("stop", s.StopLoss).
		Float64("target", s.Target).
		Msg("📈 Trail ratcheted")
}

// UpdateIndexStop moves the underlying trend stop, only ever in the
// trade's favor: up under a call, down under a put.
func (t *TrailEngine) UpdateIndexStop(value float64, bullish bool) {
	if value <= 0 {
		return
	}

	t.st.Lock()
	defer t.st.Unlock()

	s := t.st
	if s.Side == PosNone {
		return
	}

	switch {
	case !s.HasIndexStop:
		s.IndexStop = value
		s.HasIndexStop = true
	case s.Side == PosCall && value > s.IndexStop:
		s.IndexStop = value
	case s.Side == PosPut && value < s.IndexStop:
		s.IndexStop = value
	default:
		return
	}
	s.IndexBullish = bullish
	log.Debug().Float64("index_stop", s.IndexStop).Str("side", s.Side.String()).
		Msg("Index stop moved")
}

// ExitReason checks the stops against the latest prices and returns a
// non-empty reason when the position must be closed.
func (t *TrailEngine) ExitReason() string {
	set := t.settings()

	t.st.Lock()
	defer t.st.Unlock()

	s := t.st
	if !s.TradeConfirmed || s.Side == PosNone || s.CurrentPrice <= 0 {
		return ""
	}

	if s.CurrentPrice <= s.StopLoss {
		if s.Ratcheted {
			return "trailing stop"
		}
		return "stoploss"
	}

	// Without trailing the target is a hard exit. With trailing it only
	// arms the ratchet and the position rides.
	if !set.TrailingEnabled && s.CurrentPrice >= s.Target {
		return "target"
	}

	if s.HasIndexStop && s.SpotPrice > 0 {
		if s.Side == PosCall && s.SpotPrice < s.IndexStop {
			return "index trend stop"
		}
		if s.Side == PosPut && s.SpotPrice > s.IndexStop {
			return "index trend stop"
		}
	}
	return ""
}
