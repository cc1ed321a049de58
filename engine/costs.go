package engine

import "github.com/shopspring/decimal"

// NSE option transaction cost model. Rates are fractions of turnover.
var (
	brokeragePerOrder = decimal.NewFromInt(20)
	sttRate           = decimal.NewFromFloat(0.000125)  // sell side only
	exchangeRate      = decimal.NewFromFloat(0.000495)
	sebiRate          = decimal.NewFromFloat(0.000001)
	stampRate         = decimal.NewFromFloat(0.00003) // buy side only
	gstRate           = decimal.NewFromFloat(0.18)    // on brokerage + exchange + SEBI
)

// legCost prices one side of the round trip.
func legCost(turnover decimal.Decimal, sell bool) decimal.Decimal {
	exchange := turnover.Mul(exchangeRate)
	sebi := turnover.Mul(sebiRate)

	taxable := brokeragePerOrder.Add(exchange).Add(sebi)
	cost := taxable.Add(taxable.Mul(gstRate))

	if sell {
		cost = cost.Add(turnover.Mul(sttRate))
	} else {
		cost = cost.Add(turnover.Mul(stampRate))
	}
	return cost
}

// RoundTripCost returns the total charges for buying and selling qty
// contracts at the given prices.
func RoundTripCost(qty int, buyPrice, sellPrice float64) decimal.Decimal {
	q := decimal.NewFromInt(int64(qty))
	buyTurnover := q.Mul(decimal.NewFromFloat(buyPrice))
	sellTurnover := q.Mul(decimal.NewFromFloat(sellPrice))
	return legCost(buyTurnover, false).Add(legCost(sellTurnover, true))
}

// NetPnL returns gross PnL minus transaction costs.
func NetPnL(qty int, buyPrice, sellPrice float64) (gross, costs, net decimal.Decimal) {
	q := decimal.NewFromInt(int64(qty))
	gross = q.Mul(decimal.NewFromFloat(sellPrice).Sub(decimal.NewFromFloat(buyPrice)))
	costs = RoundTripCost(qty, buyPrice, sellPrice)
	net = gross.Sub(costs)
	return gross, costs, net
}
