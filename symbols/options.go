package symbols

import (
	"fmt"
	"math"
	"strings"
)

// ═══════════════════════════════════════════════════════════════════════════════
// NSE OPTION SYMBOL RESOLUTION
// ═══════════════════════════════════════════════════════════════════════════════
//
// Builds exchange-qualified option symbols from the underlying spot price,
// a strike lookback offset and the weekly expiry code.
//
// Lookback 0 is the at-the-money strike. Each additional step moves one
// strike further out of the money, which picks a cheaper premium.
//
// ═══════════════════════════════════════════════════════════════════════════════

const exchangePrefix = "NSE:"

// Side identifies the option leg.
type Side string

const (
	Call Side = "CE"
	Put  Side = "PE"
)

// Normalize returns the symbol with the NSE exchange prefix applied.
func Normalize(symbol string) string {
	symbol = strings.TrimSpace(symbol)
	if strings.Contains(symbol, ":") {
		return symbol
	}
	return exchangePrefix + symbol
}

// StrikeStep returns the strike interval for a derivative.
func StrikeStep(derivative string) int {
	switch strings.ToUpper(derivative) {
	case "BANKNIFTY", "SENSEX":
		return 100
	default:
		// NIFTY, FINNIFTY
		return 50
	}
}

// LotSize returns the exchange lot size for a derivative.
func LotSize(derivative string) int {
	switch strings.ToUpper(derivative) {
	case "BANKNIFTY":
		return 35
	case "SENSEX":
		return 20
	default:
		return 75
	}
}

// ATMStrike rounds the spot price to the nearest strike.
func ATMStrike(spot float64, step int) int {
	return int(math.Round(spot/float64(step))) * step
}

// Strike returns the strike for a leg at the given lookback offset.
// Calls walk up from the money, puts walk down.
func Strike(spot float64, step, lookback int, side Side) int {
	atm := ATMStrike(spot, step)
	if side == Call {
		return atm + lookback*step
	}
	return atm - lookback*step
}

// Option builds the full tradable option symbol,
// e.g. NSE:NIFTY25SEP24500CE.
func Option(derivative, expiry string, spot float64, lookback int, side Side) string {
	step := StrikeStep(derivative)
	strike := Strike(spot, step, lookback, side)
	return fmt.Sprintf("%s%s%s%d%s", exchangePrefix, strings.ToUpper(derivative), strings.ToUpper(expiry), strike, side)
}

// Underlying returns the index symbol used for spot quotes,
// e.g. NSE:NIFTY50-INDEX.
func Underlying(derivative string) string {
	switch strings.ToUpper(derivative) {
	case "NIFTY":
		return exchangePrefix + "NIFTY50-INDEX"
	case "BANKNIFTY":
		return exchangePrefix + "NIFTYBANK-INDEX"
	default:
		return exchangePrefix + strings.ToUpper(derivative) + "-INDEX"
	}
}
