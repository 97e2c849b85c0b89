package feed

import (
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// DefaultCapacity is the number of candles kept per symbol when the book is
// created with a non-positive capacity.
const DefaultCapacity = 500

// CandleBook holds a bounded, time-ordered buffer of candles per symbol.
// It is safe for concurrent use.
type CandleBook struct {
	mu       sync.RWMutex
	capacity int
	candles  map[string][]domain.Candle
	updated  map[string]time.Time
}

// NewCandleBook creates an empty book keeping at most capacity candles per symbol.
func NewCandleBook(capacity int) *CandleBook {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &CandleBook{
		capacity: capacity,
		candles:  make(map[string][]domain.Candle),
		updated:  make(map[string]time.Time),
	}
}

// Upsert records a candle. A candle with the same open time as the newest
// one replaces it (an in-progress bar being updated); an older candle is
// dropped.
func (b *CandleBook) Upsert(symbol string, c domain.Candle) {
	symbol = strings.ToUpper(symbol)
	b.mu.Lock()
	defer b.mu.Unlock()

	buf := b.candles[symbol]
	if n := len(buf); n > 0 {
		last := buf[n-1].OpenTime
		switch {
		case c.OpenTime.Equal(last):
			buf[n-1] = c
			b.updated[symbol] = time.Now()
			return
		case c.OpenTime.Before(last):
			return
		}
	}
	buf = append(buf, c)
	if len(buf) > b.capacity {
		buf = append(buf[:0:0], buf[len(buf)-b.capacity:]...)
	}
	b.candles[symbol] = buf
	b.updated[symbol] = time.Now()
}

// Snapshot returns up to lookback of the most recent candles for symbol,
// oldest first. The returned slice is a copy.
func (b *CandleBook) Snapshot(symbol string, lookback int) domain.MarketSnapshot {
	symbol = strings.ToUpper(symbol)
	b.mu.RLock()
	defer b.mu.RUnlock()

	buf := b.candles[symbol]
	if lookback > 0 && len(buf) > lookback {
		buf = buf[len(buf)-lookback:]
	}
	out := make([]domain.Candle, len(buf))
	copy(out, buf)
	return domain.MarketSnapshot{Symbol: symbol, Candles: out, At: b.updated[symbol]}
}

// LastPrice returns the close of the newest candle for symbol.
func (b *CandleBook) LastPrice(symbol string) (float64, bool) {
	symbol = strings.ToUpper(symbol)
	b.mu.RLock()
	defer b.mu.RUnlock()
	buf := b.candles[symbol]
	if len(buf) == 0 {
		return 0, false
	}
	return buf[len(buf)-1].Close, true
}

// Len returns how many candles are held for symbol.
func (b *CandleBook) Len(symbol string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.candles[strings.ToUpper(symbol)])
}

// Symbols lists every symbol that has at least one candle.
func (b *CandleBook) Symbols() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.candles))
	for s := range b.candles {
		out = append(out, s)
	}
	return out
}
