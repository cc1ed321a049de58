package engine

import (
	"math"
	"testing"

	"optionpilot/internal/config"
)

func trailSettings() config.Settings {
	return config.Settings{
		TPPct:               15,
		SLPct:               7,
		TrailingEnabled:     true,
		FirstLockPct:        5,
		ProfitStepPct:       5,
		LossStepPct:         3,
		MaxProfitPct:        50,
		TrailAfterMaxProfit: true,
	}
}

func openPosition(set config.Settings) *TradeState {
	st := &TradeState{}
	st.Lock()
	st.Side = PosCall
	st.TradingSymbol = "NSE:NIFTY25SEP24500CE"
	st.TradeConfirmed = true
	st.Qty = 75
	st.EntryPrice = 100
	st.CurrentPrice = 100
	st.HighestPrice = 100
	st.TPPct = set.TPPct
	st.StopOffsetPct = -set.SLPct
	st.setRiskLevels()
	st.Unlock()
	return st
}

func stopOf(st *TradeState) float64 {
	st.Lock()
	defer st.Unlock()
	return st.StopLoss
}

// near absorbs the float64 rounding that percentage arithmetic
// accumulates when price levels are derived from the entry.
func near(got, want float64) bool {
	return math.Abs(got-want) <= 1e-9
}

func TestTrailRatchets(t *testing.T) {
	set := trailSettings()
	st := openPosition(set)
	tr := NewTrailEngine(st, func() config.Settings { return set })

	if got := stopOf(st); !near(got, 93) {
		t.Fatalf("initial stop = %v, want 93", got)
	}

	// Below target: nothing moves.
	tr.Update(110)
	if got := stopOf(st); !near(got, 93) {
		t.Errorf("stop after 110 = %v, want 93", got)
	}

	// First ratchet at +15%: stop jumps to the first profit lock.
	tr.Update(115)
	if got := stopOf(st); !near(got, 105) {
		t.Errorf("stop after 115 = %v, want 105", got)
	}
	st.Lock()
	if st.TPPct != 20 {
		t.Errorf("target pct = %v, want 20", st.TPPct)
	}
	st.Unlock()

	// Pullback is not a new high, nothing moves.
	tr.Update(113)
	if got := stopOf(st); !near(got, 105) {
		t.Errorf("stop after pullback = %v, want 105", got)
	}

	// Next extension adds the loss step.
	tr.Update(120)
	if got := stopOf(st); !near(got, 108) {
		t.Errorf("stop after 120 = %v, want 108", got)
	}

	tr.Update(125)
	if got := stopOf(st); !near(got, 111) {
		t.Errorf("stop after 125 = %v, want 111", got)
	}
}

func TestTrailStopNeverDecreases(t *testing.T) {
	set := trailSettings()
	st := openPosition(set)
	tr := NewTrailEngine(st, func() config.Settings { return set })

	prices := []float64{105, 118, 112, 124, 119, 131, 128, 140, 155, 170, 165}
	prev := stopOf(st)
	for _, p := range prices {
		tr.Update(p)
		cur := stopOf(st)
		if cur < prev {
			t.Fatalf("stop decreased from %v to %v at price %v", prev, cur, p)
		}
		prev = cur
	}
}

func TestTrailBeyondMaxProfit(t *testing.T) {
	set := trailSettings()
	st := openPosition(set)
	tr := NewTrailEngine(st, func() config.Settings { return set })

	tr.Update(115) // first lock at +5%
	tr.Update(160) // +60%, past the 50% band: creep by 0.66*step
	st.Lock()
	wantOffset := 5 + maxProfitTrailFactor*set.ProfitStepPct
	if math.Abs(st.StopOffsetPct-wantOffset) > 1e-9 {
		t.Errorf("offset = %v, want %v", st.StopOffsetPct, wantOffset)
	}
	st.Unlock()

	// With trail-after-max disabled nothing moves past the band.
	set2 := trailSettings()
	set2.TrailAfterMaxProfit = false
	st2 := openPosition(set2)
	tr2 := NewTrailEngine(st2, func() config.Settings { return set2 })
	tr2.Update(115)
	before := stopOf(st2)
	tr2.Update(160)
	if got := stopOf(st2); got != before {
		t.Errorf("stop moved past max profit with trailing off: %v -> %v", before, got)
	}
}

func TestTrailDisabled(t *testing.T) {
	set := trailSettings()
	set.TrailingEnabled = false
	st := openPosition(set)
	tr := NewTrailEngine(st, func() config.Settings { return set })

	tr.Update(140)
	if got := stopOf(st); !near(got, 93) {
		t.Errorf("stop with trailing disabled = %v, want 93", got)
	}
	// Hard target exit applies instead.
	if reason := tr.ExitReason(); reason != "target" {
		t.Errorf("reason = %q, want target", reason)
	}
}

func TestExitReasons(t *testing.T) {
	set := trailSettings()
	st := openPosition(set)
	tr := NewTrailEngine(st, func() config.Settings { return set })

	if reason := tr.ExitReason(); reason != "" {
		t.Errorf("healthy position reason = %q", reason)
	}

	tr.Update(92)
	if reason := tr.ExitReason(); reason != "stoploss" {
		t.Errorf("reason = %q, want stoploss", reason)
	}
}

func TestTrailEndToEnd(t *testing.T) {
	// Entry at 100 with TP 15 / SL 7. Price runs to 130, then collapses.
	// The trade must exit via the trailing stop above entry.
	set := trailSettings()
	st := openPosition(set)
	tr := NewTrailEngine(st, func() config.Settings { return set })

	for _, p := range []float64{104, 109, 115, 121, 127, 130} {
		tr.Update(p)
		if reason := tr.ExitReason(); reason != "" {
			t.Fatalf("premature exit %q at %v", reason, p)
		}
	}

	stop := stopOf(st)
	if stop <= 100 {
		t.Fatalf("stop %v should have locked profit above entry", stop)
	}

	tr.Update(stop - 1)
	if reason := tr.ExitReason(); reason != "trailing stop" {
		t.Errorf("reason = %q, want trailing stop", reason)
	}
}

func TestIndexStopOnlyMovesInFavor(t *testing.T) {
	set := trailSettings()
	st := openPosition(set)
	st.Lock()
	st.SpotPrice = 24500
	st.Unlock()
	tr := NewTrailEngine(st, func() config.Settings { return set })

	tr.UpdateIndexStop(24300, true)
	tr.UpdateIndexStop(24400, true)
	tr.UpdateIndexStop(24250, true) // would loosen the stop, ignored
	st.Lock()
	if st.IndexStop != 24400 {
		t.Errorf("call index stop = %v, want 24400", st.IndexStop)
	}
	st.SpotPrice = 24350
	st.Unlock()

	if reason := tr.ExitReason(); reason != "index trend stop" {
		t.Errorf("reason = %q, want index trend stop", reason)
	}

	// Put side trails downward.
	st2 := openPosition(set)
	st2.Lock()
	st2.Side = PosPut
	st2.SpotPrice = 24500
	st2.Unlock()
	tr2 := NewTrailEngine(st2, func() config.Settings { return set })
	tr2.UpdateIndexStop(24700, false)
	tr2.UpdateIndexStop(24600, false)
	tr2.UpdateIndexStop(24800, false) // ignored
	st2.Lock()
	if st2.IndexStop != 24600 {
		t.Errorf("put index stop = %v, want 24600", st2.IndexStop)
	}
	st2.Unlock()
}
