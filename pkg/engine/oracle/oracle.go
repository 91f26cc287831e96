// Package oracle supplies monotonically-timestamped mid prices per symbol.
// The core only reads from it; feeding is the job of an external price
// source adapter.
package oracle

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// ErrNoPrice is returned when no quote has been observed for a symbol.
var ErrNoPrice = errors.New("no price for symbol")

// Oracle is the read-only price interface the core consumes.
type Oracle interface {
	// MidPrice returns the most recent mid price in ticks and its timestamp.
	MidPrice(symbol string) (int64, time.Time, error)
}

type quote struct {
	price int64
	asOf  time.Time
}

// Feed is a push-based Oracle. External sources push decimal quote strings
// (e.g. "0.000156"); the feed converts them to integer ticks using the
// per-symbol price scale.
type Feed struct {
	mu     sync.RWMutex
	scales map[string]int32
	quotes map[string]quote
	now    func() time.Time
}

func NewFeed() *Feed {
	return &Feed{
		scales: make(map[string]int32),
		quotes: make(map[string]quote),
		now:    time.Now,
	}
}

// SetScale registers how many decimal places one tick represents for symbol.
func (f *Feed) SetScale(symbol string, scale int32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scales[symbol] = scale
}

// Push ingests one external quote. Timestamps must be monotonic per symbol;
// out-of-order quotes are dropped.
func (f *Feed) Push(symbol, price string, at time.Time) error {
	d, err := decimal.NewFromString(price)
	if err != nil {
		return fmt.Errorf("bad quote %q for %s: %w", price, symbol, err)
	}
	if d.Sign() <= 0 {
		return fmt.Errorf("quote for %s must be positive, got %s", symbol, d)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	scale, ok := f.scales[symbol]
	if !ok {
		return fmt.Errorf("%w: %s (scale not registered)", ErrNoPrice, symbol)
	}
	if prev, ok := f.quotes[symbol]; ok && at.Before(prev.asOf) {
		return nil
	}

	ticks := d.Shift(scale).IntPart()
	if ticks <= 0 {
		return fmt.Errorf("quote %s for %s rounds to zero ticks at scale %d", price, symbol, scale)
	}
	f.quotes[symbol] = quote{price: ticks, asOf: at}
	return nil
}

// SetTicks records a quote already expressed in ticks (tests, internal mark
// price fallback).
func (f *Feed) SetTicks(symbol string, ticks int64, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if prev, ok := f.quotes[symbol]; ok && at.Before(prev.asOf) {
		return
	}
	f.quotes[symbol] = quote{price: ticks, asOf: at}
}

// MidPrice implements Oracle.
func (f *Feed) MidPrice(symbol string) (int64, time.Time, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	q, ok := f.quotes[symbol]
	if !ok {
		return 0, time.Time{}, fmt.Errorf("%w: %s", ErrNoPrice, symbol)
	}
	return q.price, q.asOf, nil
}
