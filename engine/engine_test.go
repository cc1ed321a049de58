package engine

import (
	"sync"
	"testing"
	"time"

	"optionpilot/broker"
	"optionpilot/feeds"
	"optionpilot/internal/config"
	"optionpilot/market"
)

type fakeProvider struct{ set config.Settings }

func (p fakeProvider) Get() config.Settings    { return p.set }
func (p fakeProvider) Reload() config.Settings { return p.set }

// fakeFeed records subscriptions and lets tests push ticks by hand.
type fakeFeed struct {
	mu     sync.Mutex
	subs   [][]string
	closed bool
	ticks  chan feeds.Tick
	states chan feeds.ConnState
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{
		ticks:  make(chan feeds.Tick, 16),
		states: make(chan feeds.ConnState, 4),
	}
}

func (f *fakeFeed) Connect() error { return nil }

func (f *fakeFeed) Subscribe(symbols []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, append([]string(nil), symbols...))
	return nil
}

func (f *fakeFeed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeFeed) Ticks() <-chan feeds.Tick { return f.ticks }

func (f *fakeFeed) States() <-chan feeds.ConnState { return f.states }

func (f *fakeFeed) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *fakeFeed) subscribed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, batch := range f.subs {
		out = append(out, batch...)
	}
	return out
}

func (f *fakeFeed) hasSymbol(sym string) bool {
	for _, s := range f.subscribed() {
		if s == sym {
			return true
		}
	}
	return false
}

func (f *fakeFeed) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func newTestEngine(t *testing.T) (*Engine, *fakeFeed, *fakeBroker) {
	t.Helper()
	fb := newFakeBroker()
	fb.bars = risingBars(400)
	store := market.NewStore(fb)
	confirmer := market.NewConfirmer(store)
	ff := newFakeFeed()
	eng := New(fakeProvider{set: testSettings()}, fb, ff, store, confirmer,
		&fakeGate{allow: true}, &fakeLedger{})
	// a Saturday: the entry path stands down, the pipeline still runs
	eng.now = func() time.Time {
		return time.Date(2026, 8, 29, 10, 0, 0, 0, time.FixedZone("IST", 19800))
	}
	return eng, ff, fb
}

func waitUntil(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestCycleSignalsCoalesce(t *testing.T) {
	eng, _, _ := newTestEngine(t)

	eng.signalCycle()
	eng.signalCycle()
	eng.signalCycle()
	if n := len(eng.cycleCh); n != 1 {
		t.Fatalf("queued cycles = %d, want 1 (pokes must coalesce)", n)
	}
	<-eng.cycleCh
	if len(eng.cycleCh) != 0 {
		t.Error("cycle queue should be empty after the drain")
	}
}

func TestLegSubscriptionFollowsSpot(t *testing.T) {
	eng, ff, _ := newTestEngine(t)
	set := testSettings()
	eng.st.ApplySettings(set, 0)

	eng.ensureLegs(set)
	if n := ff.calls(); n != 0 {
		t.Fatalf("subscribed before any spot print, calls = %d", n)
	}

	eng.st.Lock()
	eng.st.SpotPrice = 24510
	eng.st.Unlock()
	eng.ensureLegs(set)
	if !ff.hasSymbol("NSE:NIFTY25SEP24500CE") || !ff.hasSymbol("NSE:NIFTY25SEP24500PE") {
		t.Fatalf("ATM legs not subscribed, feed set = %v", ff.subscribed())
	}

	// same ATM strike, no repeat subscription
	calls := ff.calls()
	eng.ensureLegs(set)
	if ff.calls() != calls {
		t.Error("resubscribed without an ATM move")
	}

	// spot crossed to the next strike, the legs move with it
	eng.st.Lock()
	eng.st.SpotPrice = 24560
	eng.st.Unlock()
	eng.ensureLegs(set)
	if !ff.hasSymbol("NSE:NIFTY25SEP24550CE") || !ff.hasSymbol("NSE:NIFTY25SEP24550PE") {
		t.Errorf("legs did not follow the spot, feed set = %v", ff.subscribed())
	}
}

func TestFatalErrorHaltsEngine(t *testing.T) {
	eng, ff, _ := newTestEngine(t)
	set := testSettings()
	eng.st.ApplySettings(set, 0)
	eng.st.Lock()
	eng.st.SpotPrice = 24510
	eng.st.Unlock()

	eng.fail(broker.Classify("history", -16, "token expired"))
	if !eng.Halted() {
		t.Fatal("engine should halt on a fatal broker error")
	}
	select {
	case ev := <-eng.Events():
		if ev.Kind != EventAuthExpired {
			t.Errorf("event = %v, want auth expired", ev.Kind)
		}
	default:
		t.Fatal("no halt event emitted")
	}

	// repeated fatals do not spam the stream
	eng.fail(broker.Classify("quote", -17, "token expired"))
	select {
	case ev := <-eng.Events():
		t.Errorf("unexpected second event %v", ev.Kind)
	default:
	}

	// a halted cycle touches nothing, not even the feed
	eng.cycle()
	if n := ff.calls(); n != 0 {
		t.Errorf("halted cycle made %d feed calls", n)
	}
}

func TestHistoryRefreshQueuesOnce(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	eng.st.ApplySettings(testSettings(), 0)

	eng.maybeRefreshHistory()
	eng.maybeRefreshHistory()
	if n := len(eng.fetchCh); n != 1 {
		t.Fatalf("queued refreshes = %d, want 1", n)
	}

	(<-eng.fetchCh)()
	if eng.fetchBusy.Load() {
		t.Error("refresh flag still set after the job ran")
	}
}

func TestPipelineTickToState(t *testing.T) {
	eng, ff, _ := newTestEngine(t)
	if err := eng.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	ff.ticks <- feeds.Tick{Symbol: "NSE:NIFTY50-INDEX", LTP: 24510, Time: time.Now()}
	waitUntil(t, func() bool {
		eng.st.Lock()
		defer eng.st.Unlock()
		return eng.st.SpotPrice == 24510
	}, "tick never reached the state")

	// the first spot print resolves and subscribes both legs
	waitUntil(t, func() bool {
		return ff.hasSymbol("NSE:NIFTY25SEP24500CE") && ff.hasSymbol("NSE:NIFTY25SEP24500PE")
	}, "legs never subscribed")

	eng.Stop()
	if !ff.isClosed() {
		t.Error("feed not closed on Stop")
	}
}
