package broker

import (
	"context"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// ═══════════════════════════════════════════════════════════════════════════════
// RESILIENT BROKER CLIENT
// ═══════════════════════════════════════════════════════════════════════════════
//
// Wraps any API implementation with:
//   - a token-bucket rate limit (10 req/s) applied before every call
//   - bounded retries with exponential backoff + jitter on retryable errors
//   - immediate passthrough of fatal errors (no retries, auth is gone)
//   - benign errors surfaced once, never retried
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	requestsPerSecond = 10
	maxAttempts       = 3
	baseRetryDelay    = 1 * time.Second
)

// ResilientClient decorates an API with rate limiting and retries.
type ResilientClient struct {
	inner   API
	limiter *rate.Limiter

	// injectable for tests
	sleep  func(time.Duration)
	jitter func() time.Duration
}

// NewResilient wraps inner with the standard limits.
func NewResilient(inner API) *ResilientClient {
	return &ResilientClient{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond),
		sleep:   time.Sleep,
		jitter:  defaultJitter,
	}
}

// jitter in [0.5s, 1.5s) keeps concurrent retries from syncing up.
func defaultJitter() time.Duration {
	return time.Duration((0.5 + rand.Float64()) * float64(time.Second))
}

// do runs fn under the rate limit, retrying retryable failures up to
// maxAttempts total tries. Fatal and benign errors return immediately.
func (c *ResilientClient) do(op string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := baseRetryDelay*time.Duration(1<<(attempt-1)) + c.jitter()
			log.Warn().
				Str("op", op).
				Int("attempt", attempt+1).
				Dur("delay", delay).
				Err(lastErr).
				Msg("🔁 Retrying broker call")
			c.sleep(delay)
		}

		c.limiter.Wait(context.Background())

		err := fn()
		if err == nil {
			return nil
		}

		switch KindOf(err) {
		case KindFatal:
			log.Error().Str("op", op).Err(err).Msg("🛑 Auth failure, not retrying")
			return err
		case KindBenign:
			log.Debug().Str("op", op).Err(err).Msg("Benign broker response")
			return err
		case KindRetryable:
			lastErr = err
		default:
			return err
		}
	}
	return lastErr
}

func (c *ResilientClient) Balance(capitalReserve float64) (float64, error) {
	var out float64
	err := c.do("balance", func() error {
		var e error
		out, e = c.inner.Balance(capitalReserve)
		return e
	})
	return out, err
}

func (c *ResilientClient) GetQuote(symbol string) (Quote, error) {
	var out Quote
	err := c.do("quote", func() error {
		var e error
		out, e = c.inner.GetQuote(symbol)
		return e
	})
	return out, err
}

func (c *ResilientClient) History(symbol string, days int) ([]Candle, error) {
	var out []Candle
	err := c.do("history", func() error {
		var e error
		out, e = c.inner.History(symbol, days)
		return e
	})
	return out, err
}

func (c *ResilientClient) PlaceBuy(symbol string, qty int, limitPrice float64) (string, error) {
	var out string
	err := c.do("place_buy", func() error {
		var e error
		out, e = c.inner.PlaceBuy(symbol, qty, limitPrice)
		return e
	})
	return out, err
}

func (c *ResilientClient) CancelOrder(id string) error {
	return c.do("cancel_order", func() error {
		return c.inner.CancelOrder(id)
	})
}

func (c *ResilientClient) OrderStatus(id string) (OrderStatus, error) {
	var out OrderStatus
	err := c.do("order_status", func() error {
		var e error
		out, e = c.inner.OrderStatus(id)
		return e
	})
	return out, err
}

func (c *ResilientClient) SellMarket(symbol string, qty int) error {
	return c.do("sell_market", func() error {
		return c.inner.SellMarket(symbol, qty)
	})
}
