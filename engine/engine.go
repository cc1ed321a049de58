package engine

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"optionpilot/broker"
	"optionpilot/feeds"
	"optionpilot/internal/config"
	"optionpilot/market"
	"optionpilot/risk"
	"optionpilot/symbols"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TRADING ENGINE
// ═══════════════════════════════════════════════════════════════════════════════
//
// Ticks are processed in two stages so a burst never backs up the feed:
//
//   stage 1 (fast)  - fold the tick into the shared state and the candle
//                     store, then poke the cycle channel (capacity 1, so
//                     pending pokes coalesce)
//   stage 2 (cycle) - one worker runs the full decision pass: history
//                     refresh, order confirmation, trailing stops, exits,
//                     entries
//
// History fetches run on a small worker pool behind an in-flight flag,
// so at most one refresh is ever queued.
//
// A fatal broker error (expired token) halts all trading until restart.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	historyMaxAge   = time.Minute
	cycleTickPeriod = 2 * time.Second
	fetchWorkers    = 2
)

// Feed is the tick source surface the engine drives. Satisfied by
// *feeds.Supervisor.
type Feed interface {
	Connect() error
	Subscribe(symbols []string) error
	Close()
	Ticks() <-chan feeds.Tick
	States() <-chan feeds.ConnState
}

// SettingsProvider hands out the live trading parameters.
type SettingsProvider interface {
	Get() config.Settings
	Reload() config.Settings
}

// Engine ties the feed, market data, risk and order lifecycle together.
type Engine struct {
	provider  SettingsProvider
	st        *TradeState
	feed      Feed
	api       broker.API
	store     *market.Store
	confirmer *market.Confirmer
	coord     *Coordinator
	trail     *TrailEngine

	events  chan Event
	cycleCh chan struct{}
	fetchCh chan func()

	fetchBusy atomic.Bool
	halted    atomic.Bool

	legsSubscribed atomic.Bool
	legStrike      atomic.Int64

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	now func() time.Time
}

// New wires the engine. gate and ledger are the risk gate and trade
// ledger; both are consumed through the coordinator.
func New(provider SettingsProvider, api broker.API, feed Feed,
	store *market.Store, confirmer *market.Confirmer, gate EntryGate, ledger TradeLog) *Engine {

	e := &Engine{
		provider:  provider,
		st:        &TradeState{},
		feed:      feed,
		api:       api,
		store:     store,
		confirmer: confirmer,
		events:    make(chan Event, 64),
		cycleCh:   make(chan struct{}, 1),
		fetchCh:   make(chan func(), 4),
		stopCh:    make(chan struct{}),
		now:       time.Now,
	}
	settings := provider.Get
	e.coord = NewCoordinator(e.st, api, confirmer, gate, ledger, settings, e.emit, feed.Subscribe)
	e.trail = NewTrailEngine(e.st, settings)
	return e
}

// Events is the outbound notification stream.
func (e *Engine) Events() <-chan Event { return e.events }

// State exposes the shared trade state for status reporting.
func (e *Engine) State() *TradeState { return e.st }

// Halted reports whether trading stopped on a fatal broker error.
func (e *Engine) Halted() bool { return e.halted.Load() }

func (e *Engine) emit(ev Event) {
	select {
	case e.events <- ev:
	default:
		log.Warn().Str("kind", ev.Kind.String()).Msg("Event dropped, consumer behind")
	}
}

// Start connects the feed and launches the pipeline goroutines.
func (e *Engine) Start() error {
	set := e.provider.Get()
	e.st.ApplySettings(set, 0)

	if err := e.feed.Connect(); err != nil {
		return err
	}
	e.st.Lock()
	underlying := e.st.UnderlyingSymbol
	e.st.Unlock()
	if err := e.feed.Subscribe([]string{underlying}); err != nil {
		log.Warn().Err(err).Msg("Initial subscribe failed")
	}

	e.wg.Add(4 + fetchWorkers)
	go e.tickLoop()
	go e.cycleLoop()
	go e.connLoop()
	go e.timerLoop()
	for i := 0; i < fetchWorkers; i++ {
		go e.fetchWorker()
	}

	log.Info().Str("underlying", underlying).Int("interval_min", set.IntervalMin).
		Msg("🚀 Engine started")
	return nil
}

// Stop shuts the pipeline down and closes the feed.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopCh)
		e.wg.Wait()
		e.feed.Close()
	})
}

// signalCycle pokes the cycle worker. A poke already waiting is enough.
func (e *Engine) signalCycle() {
	select {
	case e.cycleCh <- struct{}{}:
	default:
	}
}

// tickLoop is stage 1: cheap state updates only, never a broker call.
func (e *Engine) tickLoop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.stopCh:
			return
		case tick := <-e.feed.Ticks():
			e.st.Lock()
			switch tick.Symbol {
			case e.st.UnderlyingSymbol:
				e.st.SpotPrice = tick.LTP
			case e.st.CallSymbol:
				e.st.CallPrice = tick.LTP
			case e.st.PutSymbol:
				e.st.PutPrice = tick.LTP
			}
			if tick.Symbol == e.st.TradingSymbol {
				e.st.CurrentPrice = tick.LTP
			}
			e.st.QuoteTime = tick.Time
			e.st.Unlock()

			e.store.PushTick(tick.Symbol, tick.LTP, tick.Time)
			e.signalCycle()
		}
	}
}

// cycleLoop is stage 2: the single decision worker.
func (e *Engine) cycleLoop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.stopCh:
			return
		case <-e.cycleCh:
			e.cycle()
		}
	}
}

// timerLoop keeps cycles flowing when the feed goes quiet, so pending
// order confirmation never stalls.
func (e *Engine) timerLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(cycleTickPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.signalCycle()
		}
	}
}

// connLoop forwards feed state changes to the event stream.
func (e *Engine) connLoop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.stopCh:
			return
		case st := <-e.feed.States():
			e.emit(Event{Kind: EventConn, At: e.now(), ConnState: st})
		}
	}
}

func (e *Engine) fetchWorker() {
	defer e.wg.Done()
	for {
		select {
		case <-e.stopCh:
			return
		case fn := <-e.fetchCh:
			fn()
		}
	}
}

// cycle runs one full decision pass.
func (e *Engine) cycle() {
	if e.halted.Load() {
		return
	}
	now := e.now()
	set := e.provider.Get()

	e.ensureLegs(set)
	e.maybeRefreshHistory()

	if err := e.coord.ConfirmPending(); err != nil {
		e.fail(err)
		return
	}

	e.st.Lock()
	side := e.st.Side
	confirmed := e.st.TradeConfirmed
	pending := e.st.OrderPending
	underlying := e.st.UnderlyingSymbol
	ltp := e.st.CurrentPrice
	e.st.Unlock()

	if side != PosNone && confirmed {
		e.managePosition(set, now, side, underlying, ltp)
		return
	}
	if !pending && side == PosNone {
		e.tryEnter(set, now, underlying)
	}
}

func (e *Engine) managePosition(set config.Settings, now time.Time,
	side Position, underlying string, ltp float64) {

	if bars := e.store.Bars(underlying, set.IntervalMin); len(bars) > 0 {
		if v, bullish, ok := market.Supertrend(bars); ok {
			e.trail.UpdateIndexStop(v, bullish)
		}
	}
	e.trail.Update(ltp)

	if risk.IsNearClose(now) {
		e.exit("market close square-off")
		return
	}
	if reason := e.trail.ExitReason(); reason != "" {
		e.exit(reason)
		return
	}

	// trend reversal on the working timeframe
	res := e.confirmer.Direction(underlying, set.IntervalMin)
	if res.Valid {
		if (side == PosCall && res.Trend == market.TrendBearish) ||
			(side == PosPut && res.Trend == market.TrendBullish) {
			e.exit("trend reversal")
		}
	}
}

func (e *Engine) tryEnter(set config.Settings, now time.Time, underlying string) {
	if !risk.IsMarketOpen(now) || risk.IsNearClose(now) {
		return
	}
	if risk.IsSidewayWindow(now) && !set.SidewayTrading {
		return
	}

	res := e.confirmer.Direction(underlying, set.IntervalMin)
	if !res.Valid {
		return
	}

	var want Position
	switch res.Trend {
	case market.TrendBullish:
		want = PosCall
	case market.TrendBearish:
		want = PosPut
	default:
		return
	}

	if err := e.coord.Enter(want); err != nil {
		e.fail(err)
	}
}

func (e *Engine) exit(reason string) {
	if err := e.coord.Exit(reason); err != nil {
		e.fail(err)
	}
}

// ensureLegs resolves and subscribes the option leg symbols once a spot
// price is known, and again whenever the spot crosses to a new ATM
// strike. The lookbacks come from the state so the affordability
// fallback carries over.
func (e *Engine) ensureLegs(set config.Settings) {
	e.st.Lock()
	spot := e.st.SpotPrice
	underlying := e.st.UnderlyingSymbol
	callLB, putLB := e.st.CallLookback, e.st.PutLookback
	e.st.Unlock()

	if spot <= 0 {
		return
	}
	atm := symbols.ATMStrike(spot, symbols.StrikeStep(set.Derivative))
	if e.legsSubscribed.Load() && e.legStrike.Load() == int64(atm) {
		return
	}

	call := symbols.Option(set.Derivative, set.Expiry, spot, callLB, symbols.Call)
	put := symbols.Option(set.Derivative, set.Expiry, spot, putLB, symbols.Put)
	e.st.Lock()
	e.st.CallSymbol = call
	e.st.PutSymbol = put
	e.st.Unlock()

	if err := e.feed.Subscribe([]string{underlying, call, put}); err != nil {
		log.Warn().Err(err).Msg("Leg subscribe failed")
		return
	}
	e.legsSubscribed.Store(true)
	e.legStrike.Store(int64(atm))
	log.Info().Str("call", call).Str("put", put).Msg("🔔 Option legs subscribed")
}

// maybeRefreshHistory queues a base-candle refresh when the cache is
// stale, unless one is already in flight.
func (e *Engine) maybeRefreshHistory() {
	e.st.Lock()
	targets := []string{e.st.UnderlyingSymbol}
	if e.st.TradingSymbol != "" {
		targets = append(targets, e.st.TradingSymbol)
	}
	e.st.Unlock()

	var stale []string
	for _, sym := range targets {
		if sym != "" && e.store.NeedsRefresh(sym, historyMaxAge) {
			stale = append(stale, sym)
		}
	}
	if len(stale) == 0 {
		return
	}
	if !e.fetchBusy.CompareAndSwap(false, true) {
		return
	}

	job := func() {
		defer e.fetchBusy.Store(false)
		for _, sym := range stale {
			if err := e.store.Refresh(sym); err != nil {
				e.fail(err)
				return
			}
		}
	}
	select {
	case e.fetchCh <- job:
	default:
		e.fetchBusy.Store(false)
	}
}

// fail routes an error from the trading path. Fatal auth errors halt
// the engine, everything else is logged and the next cycle retries.
func (e *Engine) fail(err error) {
	if err == nil {
		return
	}
	if broker.IsFatal(err) {
		if e.halted.CompareAndSwap(false, true) {
			log.Error().Err(err).Msg("🛑 Access token invalid, trading halted")
			e.emit(Event{Kind: EventAuthExpired, At: e.now(), Reason: err.Error()})
		}
		return
	}
	log.Error().Err(err).Msg("Cycle error")
}

// RefreshSettings reloads the live parameters and clears derived caches.
func (e *Engine) RefreshSettings() {
	set := e.provider.Reload()
	e.store.Invalidate()
	e.confirmer.Invalidate()

	e.st.Lock()
	spot := e.st.SpotPrice
	e.st.Unlock()
	e.st.ApplySettings(set, spot)
	e.legsSubscribed.Store(false)
	e.signalCycle()
}
