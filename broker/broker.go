package broker

import "time"

// Candle is a single OHLCV bar. Time is the bar open in exchange time.
type Candle struct {
	Time   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// Quote is a lightweight snapshot of the current market for a symbol.
type Quote struct {
	Symbol string
	LTP    float64
	Bid    float64
	Ask    float64
	Time   time.Time
}

// OrderStatus mirrors the broker order lifecycle.
type OrderStatus int

const (
	StatusUnknown OrderStatus = iota
	StatusPending
	StatusExecuted
	StatusCancelled
	StatusRejected
)

func (s OrderStatus) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusExecuted:
		return "EXECUTED"
	case StatusCancelled:
		return "CANCELLED"
	case StatusRejected:
		return "REJECTED"
	default:
		return "UNKNOWN"
	}
}

// Order is a placed order as tracked locally.
type Order struct {
	ID       string
	Symbol   string
	Qty      int
	Price    float64
	PlacedAt time.Time
}

// API is the broker surface the engine trades through. Implementations:
// Fyers (live REST) and Paper (in-memory simulation). Wrap either in a
// ResilientClient before handing it to trading code.
type API interface {
	// Balance returns available funds minus the capital reserve.
	Balance(capitalReserve float64) (float64, error)

	// GetQuote returns the current quote for an exchange-qualified symbol.
	GetQuote(symbol string) (Quote, error)

	// History returns 1-minute candles for the last n calendar days.
	History(symbol string, days int) ([]Candle, error)

	// PlaceBuy submits a limit buy and returns the broker order id.
	PlaceBuy(symbol string, qty int, limitPrice float64) (string, error)

	// CancelOrder cancels a pending order.
	CancelOrder(id string) error

	// OrderStatus reports the broker-side state of an order.
	OrderStatus(id string) (OrderStatus, error)

	// SellMarket exits a position at market.
	SellMarket(symbol string, qty int) error
}
