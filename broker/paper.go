package broker

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Paper simulates order execution for dry runs. Market data calls pass
// through to the wrapped data client; orders fill instantly in memory
// at the limit price.
type Paper struct {
	mu      sync.Mutex
	data    API
	balance float64
	orders  map[string]paperOrder
	prices  map[string]float64
}

type paperOrder struct {
	symbol string
	qty    int
	price  float64
	status OrderStatus
}

// NewPaper creates a simulated broker with the given starting balance.
// data may be nil, in which case quotes come from SetPrice.
func NewPaper(data API, startBalance float64) *Paper {
	return &Paper{
		data:    data,
		balance: startBalance,
		orders:  make(map[string]paperOrder),
		prices:  make(map[string]float64),
	}
}

// SetPrice seeds a quote for symbol. Used when no data client is attached.
func (p *Paper) SetPrice(symbol string, ltp float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[symbol] = ltp
}

func (p *Paper) Balance(capitalReserve float64) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	avail := p.balance - capitalReserve
	if avail < 0 {
		avail = 0
	}
	return avail, nil
}

func (p *Paper) GetQuote(symbol string) (Quote, error) {
	if p.data != nil {
		return p.data.GetQuote(symbol)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	ltp, ok := p.prices[symbol]
	if !ok {
		return Quote{}, Classify("quote", 0, "no data found for "+symbol)
	}
	return Quote{Symbol: symbol, LTP: ltp, Bid: ltp, Ask: ltp, Time: time.Now()}, nil
}

func (p *Paper) History(symbol string, days int) ([]Candle, error) {
	if p.data != nil {
		return p.data.History(symbol, days)
	}
	return nil, Classify("history", 0, "no data found for "+symbol)
}

func (p *Paper) PlaceBuy(symbol string, qty int, limitPrice float64) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cost := float64(qty) * limitPrice
	if cost > p.balance {
		return "", Classify("place_buy", 0, "invalid order: insufficient paper balance")
	}

	id := uuid.New().String()
	p.balance -= cost
	p.orders[id] = paperOrder{symbol: symbol, qty: qty, price: limitPrice, status: StatusExecuted}

	log.Info().Str("symbol", symbol).Int("qty", qty).Float64("limit", limitPrice).
		Str("order_id", id).Msg("🧪 Paper buy filled")
	return id, nil
}

func (p *Paper) CancelOrder(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	o, ok := p.orders[id]
	if !ok {
		return Classify("cancel_order", 0, "invalid order")
	}
	if o.status == StatusExecuted {
		// refund, a dry run has no partial fills
		p.balance += float64(o.qty) * o.price
	}
	o.status = StatusCancelled
	p.orders[id] = o
	return nil
}

func (p *Paper) OrderStatus(id string) (OrderStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	o, ok := p.orders[id]
	if !ok {
		return StatusUnknown, Classify("order_status", 0, "invalid order")
	}
	return o.status, nil
}

func (p *Paper) SellMarket(symbol string, qty int) error {
	q, err := p.GetQuote(symbol)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.balance += float64(qty) * q.LTP

	log.Info().Str("symbol", symbol).Int("qty", qty).Float64("price", q.LTP).
		Msg("🧪 Paper sell filled")
	return nil
}
