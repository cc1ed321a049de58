package engine

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"optionpilot/broker"
	"optionpilot/internal/config"
	"optionpilot/market"
	"optionpilot/storage"
	"optionpilot/symbols"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ORDER LIFECYCLE COORDINATOR
// ═══════════════════════════════════════════════════════════════════════════════
//
// Owns the path from entry signal to confirmed position and back out:
//
//   Enter    - gate check, trend confirmation, strike selection with
//              affordability fallback, chunked limit orders
//   Confirm  - polls order status (min 3s apart), cancels stale or
//              drifted orders, accepts partial fills at reduced size
//   Exit     - market sell, cost-adjusted PnL, ledger write
//
// Only one entry can be in flight at a time.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	confirmPollInterval = 3 * time.Second
	driftCancelBasePct  = 3.0
	maxStrikeAttempts   = 10
)

// TradeLog is the ledger surface the coordinator writes to.
type TradeLog interface {
	IncrementTrades(day time.Time) error
	RecordClose(trade *storage.ClosedTrade) error
}

// EntryGate approves new entries against the daily limits.
type EntryGate interface {
	Allow(maxTradesPerDay int, maxDailyLoss float64) (bool, string)
	Invalidate()
}

// Coordinator drives the order lifecycle over the shared state.
type Coordinator struct {
	st        *TradeState
	api       broker.API
	confirmer *market.Confirmer
	gate      EntryGate
	ledger    TradeLog
	settings  func() config.Settings
	emit      func(Event)
	subscribe func(symbols []string) error

	now func() time.Time
}

// NewCoordinator wires the lifecycle coordinator. subscribe adds
// symbols to the live feed so the traded strike keeps ticking.
func NewCoordinator(st *TradeState, api broker.API, confirmer *market.Confirmer,
	gate EntryGate, ledger TradeLog, settings func() config.Settings,
	emit func(Event), subscribe func(symbols []string) error) *Coordinator {
	return &Coordinator{
		st: st, api: api, confirmer: confirmer, gate: gate,
		ledger: ledger, settings: settings, emit: emit, subscribe: subscribe,
		now: time.Now,
	}
}

// Enter opens a position on the given side. Returns nil without acting
// when an order is already in flight, a position is open, the gate says
// no, or the trend does not confirm.
func (c *Coordinator) Enter(side Position) error {
	if side == PosNone {
		return nil
	}
	set := c.settings()

	c.st.Lock()
	if c.st.OrderPending || c.st.Side != PosNone {
		c.st.Unlock()
		return nil
	}
	c.st.OrderPending = true
	spot := c.st.SpotPrice
	lookback := c.st.CallLookback
	if side == PosPut {
		lookback = c.st.PutLookback
	}
	c.st.Unlock()

	placed := false
	defer func() {
		if !placed {
			c.st.Lock()
			c.st.OrderPending = false
			c.st.Unlock()
		}
	}()

	if ok, reason := c.gate.Allow(set.MaxTradesPerDay, set.MaxDailyLoss); !ok {
		c.emit(Event{Kind: EventBlocked, At: c.now(), Side: side.String(), Reason: reason})
		return nil
	}

	want := market.TrendBullish
	if side == PosPut {
		want = market.TrendBearish
	}
	underlying := symbols.Underlying(set.Derivative)
	if ok, detail := c.confirmer.ConfirmEntry(underlying, want); !ok {
		log.Debug().Str("side", side.String()).Str("detail", detail).
			Msg("Entry not confirmed across timeframes")
		return nil
	}

	if spot <= 0 {
		q, err := c.api.GetQuote(underlying)
		if err != nil || q.LTP <= 0 {
			if broker.IsFatal(err) {
				return err
			}
			log.Warn().Err(err).Msg("No spot price, skipping entry")
			return nil
		}
		spot = q.LTP
	}

	balance, err := c.api.Balance(set.CapitalReserve)
	if err != nil {
		if broker.IsFatal(err) {
			return err
		}
		log.Warn().Err(err).Msg("Balance unavailable, skipping entry")
		return nil
	}

	symbol, price, lookback, err := c.pickStrike(set, side, spot, lookback, balance)
	if err != nil {
		if broker.IsFatal(err) {
			return err
		}
		c.emit(Event{Kind: EventBlocked, At: c.now(), Side: side.String(), Reason: err.Error()})
		return nil
	}

	qty := affordableQty(balance, price, set.LotSize)
	if qty == 0 {
		c.emit(Event{Kind: EventBlocked, At: c.now(), Side: side.String(),
			Reason: fmt.Sprintf("balance %.2f cannot cover one lot of %s", balance, symbol)})
		return nil
	}

	orders, err := c.placeChunked(symbol, qty, price, set)
	if err != nil && broker.IsFatal(err) {
		return err
	}
	if len(orders) == 0 {
		log.Error().Err(err).Str("symbol", symbol).Msg("No orders placed")
		return nil
	}

	now := c.now()
	c.st.Lock()
	c.st.Side = side
	c.st.TradingSymbol = symbol
	c.st.PendingOrders = orders
	c.st.TradeConfirmed = false
	c.st.TradeStart = now
	c.st.LastStatusCheck = time.Time{}
	c.st.EntryPrice = price
	c.st.CurrentPrice = price
	c.st.HighestPrice = price
	c.st.TPPct = set.TPPct
	c.st.StopOffsetPct = -set.SLPct
	c.st.Ratcheted = false
	c.st.setRiskLevels()
	c.st.Balance = balance
	if side == PosCall {
		c.st.CallLookback = lookback
	} else {
		c.st.PutLookback = lookback
	}
	c.st.Unlock()
	placed = true

	// The strike fallback may have walked away from the pre-subscribed
	// legs. The stop and trail go blind unless this symbol ticks.
	if c.subscribe != nil {
		if err := c.subscribe([]string{symbol}); err != nil {
			log.Warn().Err(err).Str("symbol", symbol).Msg("Traded symbol subscribe failed")
		}
	}

	log.Info().Str("symbol", symbol).Str("side", side.String()).
		Int("qty", qty).Float64("limit", price).Int("orders", len(orders)).
		Msg("🎯 Entry submitted")
	c.emit(Event{Kind: EventEntryPending, At: now, Symbol: symbol,
		Side: side.String(), Qty: qty, Price: price})
	return nil
}

// pickStrike walks out of the money until one lot becomes affordable.
func (c *Coordinator) pickStrike(set config.Settings, side Position,
	spot float64, lookback int, balance float64) (string, float64, int, error) {

	for attempt := 0; attempt < maxStrikeAttempts; attempt++ {
		symbol := symbols.Option(set.Derivative, set.Expiry, spot, lookback, side.OptionSide())
		q, err := c.api.GetQuote(symbol)
		if err != nil {
			if broker.IsFatal(err) {
				return "", 0, 0, err
			}
			lookback++
			continue
		}
		if q.LTP <= 0 {
			lookback++
			continue
		}
		if balance >= q.LTP*float64(set.LotSize) {
			return symbol, q.LTP, lookback, nil
		}
		log.Debug().Str("symbol", symbol).Float64("ltp", q.LTP).
			Msg("Lot not affordable, trying cheaper strike")
		lookback++
	}
	return "", 0, 0, fmt.Errorf("no affordable %s strike within %d steps", side, maxStrikeAttempts)
}

// affordableQty floors the affordable quantity to a lot multiple.
func affordableQty(balance, price float64, lotSize int) int {
	if price <= 0 || lotSize <= 0 {
		return 0
	}
	lots := int(balance/price) / lotSize
	return lots * lotSize
}

// placeChunked splits qty into exchange-freeze-sized orders.
func (c *Coordinator) placeChunked(symbol string, qty int, price float64,
	set config.Settings) ([]broker.Order, error) {

	maxQty := set.MaxQtyPerOrder
	if maxQty <= 0 || maxQty > qty {
		maxQty = qty
	}

	full := qty / maxQty
	rem := qty % maxQty

	chunks := make([]int, 0, full+1)
	for i := 0; i < full; i++ {
		chunks = append(chunks, maxQty)
	}
	if rem > 0 {
		chunks = append(chunks, rem)
	}

	var orders []broker.Order
	for _, n := range chunks {
		id, err := c.api.PlaceBuy(symbol, n, price)
		if err != nil {
			if broker.IsFatal(err) {
				return orders, err
			}
			log.Error().Err(err).Str("symbol", symbol).Int("qty", n).Msg("Order rejected")
			continue
		}
		orders = append(orders, broker.Order{
			ID: id, Symbol: symbol, Qty: n, Price: price, PlacedAt: c.now(),
		})
	}
	return orders, nil
}

// ConfirmPending polls the broker for the state of in-flight orders.
// Polls are at least 3 seconds apart. Orders still unfilled past the
// cancel window, or after the premium drifts too far above the limit
// price, get cancelled. Partial fills confirm the trade at reduced size.
func (c *Coordinator) ConfirmPending() error {
	set := c.settings()
	now := c.now()

	c.st.Lock()
	if !c.st.OrderPending || len(c.st.PendingOrders) == 0 {
		c.st.Unlock()
		return nil
	}
	if !c.st.LastStatusCheck.IsZero() && now.Sub(c.st.LastStatusCheck) < confirmPollInterval {
		c.st.Unlock()
		return nil
	}
	c.st.LastStatusCheck = now
	orders := append([]broker.Order(nil), c.st.PendingOrders...)
	symbol := c.st.TradingSymbol
	entry := c.st.EntryPrice
	start := c.st.TradeStart
	side := c.st.Side
	c.st.Unlock()

	executedQty := 0
	var executed, open []broker.Order
	for _, o := range orders {
		status, err := c.api.OrderStatus(o.ID)
		if err != nil {
			if broker.IsFatal(err) {
				return err
			}
			// unknown this round, check again next poll
			open = append(open, o)
			continue
		}
		switch status {
		case broker.StatusExecuted:
			executedQty += o.Qty
			executed = append(executed, o)
		case broker.StatusCancelled, broker.StatusRejected:
			// dropped
		default:
			open = append(open, o)
		}
	}

	cancelReason := ""
	if len(open) > 0 {
		if set.CancelAfterMin > 0 && now.Sub(start) > time.Duration(set.CancelAfterMin)*time.Minute {
			cancelReason = fmt.Sprintf("unfilled for %d min", set.CancelAfterMin)
		} else if q, err := c.api.GetQuote(symbol); err == nil && q.LTP > 0 && entry > 0 {
			change := (q.LTP - entry) / entry * 100
			if change > driftCancelBasePct+set.DriftTolerancePct {
				cancelReason = fmt.Sprintf("price drifted %.2f%% above limit", change)
			}
		}
	}

	if cancelReason != "" {
		log.Warn().Str("symbol", symbol).Str("reason", cancelReason).
			Int("orders", len(open)).Msg("🚮 Cancelling stale entry orders")
		var stillOpen []broker.Order
		for _, o := range open {
			if err := c.api.CancelOrder(o.ID); err != nil {
				if broker.IsFatal(err) {
					return err
				}
				// keep it, the next poll sees the real status
				stillOpen = append(stillOpen, o)
			}
		}
		open = stillOpen
	}

	if len(open) > 0 {
		// some orders still working, carry the full set forward
		return nil
	}

	c.st.Lock()
	c.st.PendingOrders = nil
	c.st.OrderPending = false
	if executedQty > 0 {
		c.st.Qty = executedQty
		c.st.ConfirmedOrders = executed
		c.st.TradeConfirmed = true
		c.st.Unlock()

		if err := c.ledger.IncrementTrades(now); err != nil {
			log.Error().Err(err).Msg("Trade counter update failed")
		}
		c.gate.Invalidate()

		log.Info().Str("symbol", symbol).Int("qty", executedQty).
			Float64("entry", entry).Msg("✅ Trade confirmed")
		c.emit(Event{Kind: EventEntryConfirmed, At: now, Symbol: symbol,
			Side: side.String(), Qty: executedQty, Price: entry})
		return nil
	}

	c.st.resetTrade(now)
	c.st.Unlock()

	reason := cancelReason
	if reason == "" {
		reason = "all orders cancelled or rejected"
	}
	log.Info().Str("symbol", symbol).Str("reason", reason).Msg("Entry cancelled")
	c.emit(Event{Kind: EventEntryCancelled, At: now, Symbol: symbol,
		Side: side.String(), Price: entry, Reason: reason})
	return nil
}

// Exit closes the open position at market and records the trade. The
// in-flight flag covers the sell, so two concurrent exit triggers fire
// a single market order.
func (c *Coordinator) Exit(reason string) error {
	c.st.Lock()
	if c.st.Side == PosNone || !c.st.TradeConfirmed || c.st.OrderPending {
		c.st.Unlock()
		return nil
	}
	c.st.OrderPending = true
	symbol := c.st.TradingSymbol
	qty := c.st.Qty
	entry := c.st.EntryPrice
	current := c.st.CurrentPrice
	side := c.st.Side
	opened := c.st.TradeStart
	c.st.Unlock()

	if err := c.api.SellMarket(symbol, qty); err != nil {
		if broker.IsBenign(err) {
			log.Warn().Err(err).Str("symbol", symbol).Msg("Sell reported benign failure")
		} else {
			// position still open, the next cycle retries the exit
			c.st.Lock()
			c.st.OrderPending = false
			c.st.Unlock()
			return err
		}
	}

	exitPrice := current
	if q, err := c.api.GetQuote(symbol); err == nil && q.LTP > 0 {
		exitPrice = q.LTP
	}

	gross, costs, net := NetPnL(qty, entry, exitPrice)
	now := c.now()

	trade := &storage.ClosedTrade{
		Symbol:     symbol,
		Side:       side.String(),
		Qty:        qty,
		EntryPrice: decimal.NewFromFloat(entry),
		ExitPrice:  decimal.NewFromFloat(exitPrice),
		GrossPnL:   gross,
		Costs:      costs,
		NetPnL:     net,
		Reason:     reason,
		OpenedAt:   opened,
		ClosedAt:   now,
	}
	if err := c.ledger.RecordClose(trade); err != nil {
		log.Error().Err(err).Msg("Ledger write failed")
	}
	c.gate.Invalidate()

	c.st.Lock()
	c.st.resetTrade(now)
	c.st.Unlock()

	// released margin plus the realized result
	if bal, err := c.api.Balance(c.settings().CapitalReserve); err != nil {
		log.Warn().Err(err).Msg("Balance refresh after exit failed")
	} else {
		c.st.Lock()
		c.st.Balance = bal
		c.st.Unlock()
	}

	log.Info().Str("symbol", symbol).Str("reason", reason).
		Float64("entry", entry).Float64("exit", exitPrice).
		Str("net_pnl", net.StringFixed(2)).Msg("🏁 Position closed")
	c.emit(Event{Kind: EventExit, At: now, Symbol: symbol, Side: side.String(),
		Qty: qty, Price: entry, ExitPrice: exitPrice, NetPnL: net, Reason: reason})
	return nil
}
