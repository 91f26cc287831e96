package orderbook

import (
	"container/heap"
	"fmt"
	"sort"
)

// Level is an aggregated price level for snapshots.
type Level struct {
	Price int64
	Qty   int64
}

// Book holds resting orders for one symbol in price-time priority. It is not
// internally synchronized: the owning symbol shard serializes all access.
type Book struct {
	symbol string

	// Heap-based best price tracking (O(1) peek)
	bidHeap *MaxPriceHeap
	askHeap *MinPriceHeap

	// Price level queues (FIFO matching within each price)
	bids map[int64][]*Order
	asks map[int64][]*Order

	// Order index for O(1) cancellation: id -> resting price
	index map[uint64]int64

	lastPrice int64 // most recent fill price
}

func NewBook(symbol string) *Book {
	bidHeap := &MaxPriceHeap{}
	askHeap := &MinPriceHeap{}
	heap.Init(bidHeap)
	heap.Init(askHeap)

	return &Book{
		symbol:  symbol,
		bidHeap: bidHeap,
		askHeap: askHeap,
		bids:    make(map[int64][]*Order),
		asks:    make(map[int64][]*Order),
		index:   make(map[uint64]int64),
	}
}

func (b *Book) bestBid() (int64, bool) {
	if b.bidHeap.Len() == 0 {
		return 0, false
	}
	return b.bidHeap.Peek(), true
}

func (b *Book) bestAsk() (int64, bool) {
	if b.askHeap.Len() == 0 {
		return 0, false
	}
	return b.askHeap.Peek(), true
}

// BestBid returns the highest resting bid price.
func (b *Book) BestBid() (int64, bool) { return b.bestBid() }

// BestAsk returns the lowest resting ask price.
func (b *Book) BestAsk() (int64, bool) { return b.bestAsk() }

// LastPrice returns the price of the most recent fill, 0 if none.
func (b *Book) LastPrice() int64 { return b.lastPrice }

// MidPrice returns (bestBid+bestAsk)/2, 0 when either side is empty.
func (b *Book) MidPrice() int64 {
	bid, okB := b.bestBid()
	ask, okA := b.bestAsk()
	if !okB || !okA {
		return 0
	}
	return (bid + ask) / 2
}

func (b *Book) rest(o *Order) {
	if o.Side == Buy {
		if len(b.bids[o.Price]) == 0 {
			heap.Push(b.bidHeap, o.Price)
		}
		b.bids[o.Price] = append(b.bids[o.Price], o)
	} else {
		if len(b.asks[o.Price]) == 0 {
			heap.Push(b.askHeap, o.Price)
		}
		b.asks[o.Price] = append(b.asks[o.Price], o)
	}
	b.index[o.ID] = o.Price
}

// Place matches an incoming order greedily against the opposite side, best
// price first, FIFO within a level. Every fill executes at the resting
// maker's price. Only a limit order carries a price bound and only a limit
// remainder rests; anything else (market, fired stop or take-profit) crosses
// unconditionally and its remainder never rests (the caller rejects it).
// Returns the fills and whether the order rested.
//
// Validation (market params, margin) is the caller's job.
func (b *Book) Place(o *Order) (fills []Fill, rested bool) {
	crossable := func(restingPrice int64) bool {
		if o.Type != Limit {
			return true
		}
		if o.Side == Buy {
			return restingPrice <= o.Price
		}
		return restingPrice >= o.Price
	}

	for o.Remaining > 0 {
		var (
			best int64
			ok   bool
		)
		if o.Side == Buy {
			best, ok = b.bestAsk()
		} else {
			best, ok = b.bestBid()
		}
		if !ok || !crossable(best) {
			break
		}

		level := b.levelFor(o.Side.Opposite(), best)
		if len(level) == 0 {
			b.dropLevel(o.Side.Opposite(), best)
			continue
		}

		maker := level[0]
		match := min(o.Remaining, maker.Remaining)
		o.Remaining -= match
		maker.Remaining -= match
		b.lastPrice = best

		fills = append(fills, Fill{
			TakerID: o.ID,
			MakerID: maker.ID,
			Maker:   maker,
			Price:   best,
			Qty:     match,
		})

		if maker.Remaining == 0 {
			b.popFront(o.Side.Opposite(), best)
			delete(b.index, maker.ID)
		}
	}

	if o.Remaining > 0 && o.Type == Limit {
		b.rest(o)
		return fills, true
	}
	return fills, false
}

// Cancel removes a resting order. Idempotent: an id that is not resting
// (already filled, already cancelled, never existed) returns (nil, false).
func (b *Book) Cancel(id uint64) (*Order, bool) {
	price, ok := b.index[id]
	if !ok {
		return nil, false
	}

	for _, side := range []Side{Buy, Sell} {
		arr := b.levelFor(side, price)
		for i, o := range arr {
			if o.ID != id {
				continue
			}
			b.setLevel(side, price, append(arr[:i:i], arr[i+1:]...))
			if len(b.levelFor(side, price)) == 0 {
				b.dropLevel(side, price)
			}
			delete(b.index, id)
			return o, true
		}
	}
	return nil, false
}

// Resting reports whether the order id currently rests on the book.
func (b *Book) Resting(id uint64) bool {
	_, ok := b.index[id]
	return ok
}

// Snapshot returns aggregated bid/ask levels, best price first, at most
// depth levels per side (depth <= 0 returns all levels).
func (b *Book) Snapshot(depth int) (bids, asks []Level) {
	collect := func(side Side, h []int64) []Level {
		prices := make([]int64, len(h))
		copy(prices, h)
		if side == Buy {
			sort.Slice(prices, func(i, j int) bool { return prices[i] > prices[j] })
		} else {
			sort.Slice(prices, func(i, j int) bool { return prices[i] < prices[j] })
		}

		var out []Level
		for _, p := range prices {
			var qty int64
			for _, o := range b.levelFor(side, p) {
				qty += o.Remaining
			}
			if qty == 0 {
				continue
			}
			out = append(out, Level{Price: p, Qty: qty})
			if depth > 0 && len(out) >= depth {
				break
			}
		}
		return out
	}

	return collect(Buy, *b.bidHeap), collect(Sell, *b.askHeap)
}

// CheckNotCrossed verifies best bid < best ask whenever both sides are
// non-empty. A violation is an engine invariant breach, never a legitimate
// business state: matching must consume crossing orders immediately.
func (b *Book) CheckNotCrossed() error {
	bid, okB := b.bestBid()
	ask, okA := b.bestAsk()
	if okB && okA && bid >= ask {
		return fmt.Errorf("crossed book %s: best bid %d >= best ask %d", b.symbol, bid, ask)
	}
	return nil
}

func (b *Book) levelFor(side Side, price int64) []*Order {
	if side == Buy {
		return b.bids[price]
	}
	return b.asks[price]
}

func (b *Book) setLevel(side Side, price int64, arr []*Order) {
	if side == Buy {
		b.bids[price] = arr
	} else {
		b.asks[price] = arr
	}
}

func (b *Book) popFront(side Side, price int64) {
	arr := b.levelFor(side, price)
	b.setLevel(side, price, arr[1:])
	if len(arr) == 1 {
		b.dropLevel(side, price)
	}
}

func (b *Book) dropLevel(side Side, price int64) {
	if side == Buy {
		delete(b.bids, price)
		for i := 0; i < b.bidHeap.Len(); i++ {
			if (*b.bidHeap)[i] == price {
				heap.Remove(b.bidHeap, i)
				return
			}
		}
	} else {
		delete(b.asks, price)
		for i := 0; i < b.askHeap.Len(); i++ {
			if (*b.askHeap)[i] == price {
				heap.Remove(b.askHeap, i)
				return
			}
		}
	}
}

func min(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
