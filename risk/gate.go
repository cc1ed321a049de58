package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ═══════════════════════════════════════════════════════════════════════════════
// RISK GATE - Central entry approval
// ═══════════════════════════════════════════════════════════════════════════════
//
// Engine asks → Gate approves/rejects → Coordinator places orders
//
// Daily counters come from the trade ledger and are cached for 5 seconds
// so the hot path never hits the database per tick.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Recorder is the ledger view the gate needs.
type Recorder interface {
	TradesToday(day time.Time) (int, error)
	RealizedPnLToday(day time.Time) (float64, error)
}

const statsCacheTTL = 5 * time.Second

// Gate enforces the daily trading limits.
type Gate struct {
	ledger Recorder

	mu       sync.Mutex
	cachedAt time.Time
	trades   int
	pnl      float64

	now func() time.Time
}

// NewGate creates a gate over the given ledger.
func NewGate(ledger Recorder) *Gate {
	return &Gate{ledger: ledger, now: time.Now}
}

// Allow reports whether a new entry is permitted under the daily limits.
func (g *Gate) Allow(maxTradesPerDay int, maxDailyLoss float64) (bool, string) {
	trades, pnl, err := g.stats()
	if err != nil {
		// Fail closed. No ledger, no trades.
		log.Error().Err(err).Msg("🚫 Risk stats unavailable, blocking entry")
		return false, "risk stats unavailable"
	}

	if maxTradesPerDay > 0 && trades >= maxTradesPerDay {
		return false, fmt.Sprintf("daily trade limit reached (%d/%d)", trades, maxTradesPerDay)
	}
	if maxDailyLoss > 0 && pnl <= -maxDailyLoss {
		return false, fmt.Sprintf("daily loss limit hit (%.2f)", pnl)
	}
	return true, ""
}

func (g *Gate) stats() (int, float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if now.Sub(g.cachedAt) < statsCacheTTL {
		return g.trades, g.pnl, nil
	}

	trades, err := g.ledger.TradesToday(now)
	if err != nil {
		return 0, 0, err
	}
	pnl, err := g.ledger.RealizedPnLToday(now)
	if err != nil {
		return 0, 0, err
	}

	g.cachedAt = now
	g.trades = trades
	g.pnl = pnl
	return trades, pnl, nil
}

// Invalidate drops the cached counters so the next Allow re-reads the
// ledger. Called right after a trade is recorded.
func (g *Gate) Invalidate() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cachedAt = time.Time{}
}
