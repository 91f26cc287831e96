// Package events carries the read-only stream the presentation layer
// consumes. The core never depends on what subscribers do with it.
package events

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mrxshz77/mrxcoin/pkg/engine/orderbook"
)

type Type string

const (
	OrderAccepted         Type = "order_accepted"
	OrderRejected         Type = "order_rejected"
	TradeExecuted         Type = "trade"
	PositionUpdated       Type = "position_updated"
	FlashLoanStateChanged Type = "flash_loan_state"
)

type Event struct {
	Type    Type   `json:"type"`
	Symbol  string `json:"symbol,omitempty"`
	At      int64  `json:"ts"` // unix millis
	Payload any    `json:"payload"`
}

type OrderAcceptedPayload struct {
	OrderID  uint64         `json:"order_id"`
	Account  common.Address `json:"account"`
	Symbol   string         `json:"symbol"`
	Side     string         `json:"side"`
	Type     string         `json:"order_type"`
	Price    int64          `json:"price,omitempty"`
	Qty      int64          `json:"qty"`
	Leverage int64          `json:"leverage"`
}

type OrderRejectedPayload struct {
	Account common.Address `json:"account"`
	Symbol  string         `json:"symbol"`
	Reason  string         `json:"reason"`
}

type TradePayload struct {
	orderbook.Trade
}

type PositionPayload struct {
	Account    common.Address `json:"account"`
	Symbol     string         `json:"symbol"`
	Size       int64          `json:"size"`
	EntryPrice int64          `json:"entry_price"`
	Margin     int64          `json:"margin"`
	Realized   int64          `json:"realized,omitempty"`
}

type FlashLoanPayload struct {
	LoanID    uint64         `json:"loan_id"`
	Account   common.Address `json:"account"`
	Asset     string         `json:"asset"`
	Principal int64          `json:"principal"`
	Fee       int64          `json:"fee"`
	State     string         `json:"state"`
	Step      string         `json:"step,omitempty"` // where a revert happened
}

// Bus fans events out to subscribers. Publish never blocks: a subscriber
// whose buffer is full misses the event, exactly like the WebSocket hub it
// ultimately feeds.
//
// Hold switches the bus into buffering mode: published events are parked
// until Release flushes them or Discard drops them. The flash-loan
// coordinator uses this so that no intermediate strategy effect becomes
// visible before Commit.
type Bus struct {
	mu      sync.Mutex
	subs    []chan Event
	holding bool
	held    []Event
	now     func() time.Time
}

func NewBus() *Bus {
	return &Bus{now: time.Now}
}

// Subscribe returns a channel receiving all future events.
func (b *Bus) Subscribe(buf int) <-chan Event {
	ch := make(chan Event, buf)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch
}

// Publish delivers e to every subscriber, or parks it while a hold is active.
func (b *Bus) Publish(eventType Type, symbol string, payload any) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e := Event{Type: eventType, Symbol: symbol, At: b.now().UnixMilli(), Payload: payload}
	if b.holding {
		b.held = append(b.held, e)
		return
	}
	b.deliverLocked(e)
}

// Hold begins buffering published events.
func (b *Bus) Hold() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.holding = true
}

// Release flushes all held events in publish order and ends the hold.
func (b *Bus) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, e := range b.held {
		b.deliverLocked(e)
	}
	b.held = nil
	b.holding = false
}

// Discard drops all held events and ends the hold.
func (b *Bus) Discard() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.held = nil
	b.holding = false
}

func (b *Bus) deliverLocked(e Event) {
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber buffer full, skip.
		}
	}
}
