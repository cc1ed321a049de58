package market

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"optionpilot/broker"
)

const historyDays = 10

// Store caches 1-minute base candles per symbol and keeps the in-progress
// bar current from the live tick feed. Higher timeframes are derived on
// demand with Resample.
type Store struct {
	mu     sync.Mutex
	api    broker.API
	series map[string]*series

	now func() time.Time
}

type series struct {
	bars      []broker.Candle
	fetchedAt time.Time
}

// NewStore creates a candle store backed by the given broker client.
func NewStore(api broker.API) *Store {
	return &Store{
		api:    api,
		series: make(map[string]*series),
		now:    time.Now,
	}
}

// Refresh fetches the 1-minute history for symbol and replaces the cached
// base series. Benign failures (market closed, no data) keep whatever is
// already cached.
func (s *Store) Refresh(symbol string) error {
	bars, err := s.api.History(symbol, historyDays)
	if err != nil {
		if broker.IsBenign(err) {
			log.Debug().Str("symbol", symbol).Err(err).Msg("History refresh skipped")
			return nil
		}
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.series[symbol] = &series{bars: bars, fetchedAt: s.now()}
	log.Debug().Str("symbol", symbol).Int("bars", len(bars)).Msg("📊 History refreshed")
	return nil
}

// NeedsRefresh reports whether the base series for symbol is missing or
// older than maxAge.
func (s *Store) NeedsRefresh(symbol string, maxAge time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sr, ok := s.series[symbol]
	if !ok {
		return true
	}
	return s.now().Sub(sr.fetchedAt) > maxAge
}

// PushTick folds a live trade into the in-progress 1-minute bar, opening
// a new bar when the minute rolls over.
func (s *Store) PushTick(symbol string, ltp float64, ts time.Time) {
	if ltp <= 0 {
		return
	}
	minute := ts.Truncate(time.Minute)

	s.mu.Lock()
	defer s.mu.Unlock()

	sr, ok := s.series[symbol]
	if !ok {
		sr = &series{}
		s.series[symbol] = sr
	}

	n := len(sr.bars)
	if n > 0 && sr.bars[n-1].Time.Equal(minute) {
		bar := &sr.bars[n-1]
		if ltp > bar.High {
			bar.High = ltp
		}
		if ltp < bar.Low {
			bar.Low = ltp
		}
		bar.Close = ltp
		return
	}
	if n > 0 && minute.Before(sr.bars[n-1].Time) {
		// stale tick, already rolled past this minute
		return
	}
	sr.bars = append(sr.bars, broker.Candle{
		Time: minute, Open: ltp, High: ltp, Low: ltp, Close: ltp,
	})
}

// Bars returns the series for symbol resampled to m minutes. The result
// is a copy and safe to hold.
func (s *Store) Bars(symbol string, m int) []broker.Candle {
	s.mu.Lock()
	sr, ok := s.series[symbol]
	var base []broker.Candle
	if ok {
		base = make([]broker.Candle, len(sr.bars))
		copy(base, sr.bars)
	}
	s.mu.Unlock()

	if !ok {
		return nil
	}
	return Resample(base, m)
}

// Invalidate drops every cached series. Called on settings reload.
func (s *Store) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.series = make(map[string]*series)
}
