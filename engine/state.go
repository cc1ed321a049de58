package engine

import (
	"sync"
	"time"

	"optionpilot/broker"
	"optionpilot/internal/config"
	"optionpilot/symbols"
)

// Position is the side currently held.
type Position int

const (
	PosNone Position = iota
	PosCall
	PosPut
)

func (p Position) String() string {
	switch p {
	case PosCall:
		return "CALL"
	case PosPut:
		return "PUT"
	default:
		return "NONE"
	}
}

// OptionSide maps the position to its option leg.
func (p Position) OptionSide() symbols.Side {
	if p == PosPut {
		return symbols.Put
	}
	return symbols.Call
}

// TradeState is the single shared snapshot of the trading session. One
// mutex guards everything; the tick fast path and the cycle worker both
// take it briefly and never hold it across broker calls.
type TradeState struct {
	sync.Mutex

	// live market snapshot
	SpotPrice float64
	CallPrice float64
	PutPrice  float64
	QuoteTime time.Time

	// resolved instruments
	UnderlyingSymbol string
	CallSymbol       string
	PutSymbol        string

	// adaptive strike selection
	CallLookback int
	PutLookback  int

	// position. PreviousPosition survives the reset so the next cycle
	// can see which side just closed.
	Side             Position
	PreviousPosition Position
	TradingSymbol    string
	Qty              int
	EntryPrice       float64
	CurrentPrice     float64
	HighestPrice     float64

	// order lifecycle. ConfirmedOrders keeps the individual fills that
	// built the position; Qty is their sum.
	OrderPending    bool
	PendingOrders   []broker.Order
	ConfirmedOrders []broker.Order
	TradeConfirmed  bool
	TradeStart      time.Time
	LastStatusCheck time.Time

	// risk levels. StopOffsetPct is relative to entry: negative before
	// any trailing ratchet, positive once profit is locked.
	TPPct         float64
	StopOffsetPct float64
	Target        float64
	StopLoss      float64
	Ratcheted     bool

	// index trend stop
	IndexStop    float64
	HasIndexStop bool
	IndexBullish bool

	Balance  float64
	ExitedAt time.Time
}

// ApplySettings refreshes the parts of the state derived from settings.
// Caller must not hold the lock.
func (s *TradeState) ApplySettings(set config.Settings, spot float64) {
	s.Lock()
	defer s.Unlock()

	s.CallLookback = set.CallLookback
	s.PutLookback = set.PutLookback
	s.UnderlyingSymbol = symbols.Underlying(set.Derivative)
	if spot > 0 {
		s.CallSymbol = symbols.Option(set.Derivative, set.Expiry, spot, s.CallLookback, symbols.Call)
		s.PutSymbol = symbols.Option(set.Derivative, set.Expiry, spot, s.PutLookback, symbols.Put)
	}
}

// setRiskLevels derives Target and StopLoss from the entry price and the
// current offsets. Caller holds the lock.
func (s *TradeState) setRiskLevels() {
	s.Target = s.EntryPrice * (1 + s.TPPct/100)
	stop := s.EntryPrice * (1 + s.StopOffsetPct/100)
	// the stop only ever moves up
	if !s.Ratcheted || stop > s.StopLoss {
		s.StopLoss = stop
	}
}

// resetTrade clears all position and order fields after an exit or a
// full cancellation. A confirmed side is remembered in
// PreviousPosition before it goes. Caller holds the lock.
func (s *TradeState) resetTrade(now time.Time) {
	if s.TradeConfirmed {
		s.PreviousPosition = s.Side
	}
	s.Side = PosNone
	s.TradingSymbol = ""
	s.Qty = 0
	s.EntryPrice = 0
	s.CurrentPrice = 0
	s.HighestPrice = 0
	s.OrderPending = false
	s.PendingOrders = nil
	s.ConfirmedOrders = nil
	s.TradeConfirmed = false
	s.TradeStart = time.Time{}
	s.LastStatusCheck = time.Time{}
	s.Target = 0
	s.StopLoss = 0
	s.Ratcheted = false
	s.HasIndexStop = false
	s.IndexStop = 0
	s.ExitedAt = now
}
