package orderbook

import (
	"testing"
)

func limitOrder(id uint64, side Side, price, qty int64) *Order {
	return &Order{
		ID:        id,
		Symbol:    "MRX-SOL",
		Side:      side,
		Type:      Limit,
		Price:     price,
		Qty:       qty,
		Remaining: qty,
		Leverage:  1,
	}
}

func marketOrder(id uint64, side Side, qty int64) *Order {
	return &Order{
		ID:        id,
		Symbol:    "MRX-SOL",
		Side:      side,
		Type:      Market,
		Qty:       qty,
		Remaining: qty,
		Leverage:  1,
	}
}

func TestPlaceRestsNonCrossingLimit(t *testing.T) {
	b := NewBook("MRX-SOL")

	fills, rested := b.Place(limitOrder(1, Buy, 100, 10))
	if len(fills) != 0 {
		t.Fatalf("expected no fills on empty book, got %d", len(fills))
	}
	if !rested {
		t.Fatal("limit order should rest")
	}
	if bid, ok := b.BestBid(); !ok || bid != 100 {
		t.Fatalf("best bid = %d, want 100", bid)
	}
}

func TestMatchAtMakerPrice(t *testing.T) {
	b := NewBook("MRX-SOL")

	// Maker asks 100, taker bids 105: fill executes at 100, the resting price.
	b.Place(limitOrder(1, Sell, 100, 10))
	taker := limitOrder(2, Buy, 105, 10)
	fills, rested := b.Place(taker)

	if rested {
		t.Fatal("fully filled taker should not rest")
	}
	if len(fills) != 1 {
		t.Fatalf("expected 1 fill, got %d", len(fills))
	}
	if fills[0].Price != 100 {
		t.Fatalf("fill price = %d, want maker price 100", fills[0].Price)
	}
	if fills[0].Qty != 10 {
		t.Fatalf("fill qty = %d, want 10", fills[0].Qty)
	}
	if taker.Remaining != 0 {
		t.Fatalf("taker remaining = %d, want 0", taker.Remaining)
	}
	if b.LastPrice() != 100 {
		t.Fatalf("last price = %d, want 100", b.LastPrice())
	}
}

func TestPriceTimePriority(t *testing.T) {
	b := NewBook("MRX-SOL")

	// Two asks at 100: order 1 arrived first. A third ask at 99 is better
	// priced and must fill before both.
	b.Place(limitOrder(1, Sell, 100, 5))
	b.Place(limitOrder(2, Sell, 100, 5))
	b.Place(limitOrder(3, Sell, 99, 5))

	taker := limitOrder(4, Buy, 100, 12)
	fills, _ := b.Place(taker)

	if len(fills) != 3 {
		t.Fatalf("expected 3 fills, got %d", len(fills))
	}
	// Best price first, then FIFO within the 100 level.
	if fills[0].MakerID != 3 || fills[0].Price != 99 {
		t.Fatalf("fill 0: maker=%d price=%d, want maker=3 price=99", fills[0].MakerID, fills[0].Price)
	}
	if fills[1].MakerID != 1 {
		t.Fatalf("fill 1: maker=%d, want 1 (earlier arrival)", fills[1].MakerID)
	}
	if fills[2].MakerID != 2 {
		t.Fatalf("fill 2: maker=%d, want 2", fills[2].MakerID)
	}
	// 5+5+2 consumed; maker 2 keeps 3 lots.
	if fills[2].Qty != 2 {
		t.Fatalf("fill 2 qty = %d, want 2", fills[2].Qty)
	}
}

func TestPartialFillRestsRemainder(t *testing.T) {
	b := NewBook("MRX-SOL")

	b.Place(limitOrder(1, Sell, 100, 4))
	taker := limitOrder(2, Buy, 100, 10)
	fills, rested := b.Place(taker)

	if len(fills) != 1 || fills[0].Qty != 4 {
		t.Fatalf("expected one 4-lot fill, got %+v", fills)
	}
	if !rested {
		t.Fatal("limit remainder should rest")
	}
	if taker.Remaining != 6 {
		t.Fatalf("remaining = %d, want 6", taker.Remaining)
	}
	if bid, ok := b.BestBid(); !ok || bid != 100 {
		t.Fatalf("best bid = %d, want 100", bid)
	}
}

func TestMarketOrderNeverRests(t *testing.T) {
	b := NewBook("MRX-SOL")

	b.Place(limitOrder(1, Sell, 100, 4))
	taker := marketOrder(2, Buy, 10)
	fills, rested := b.Place(taker)

	if rested {
		t.Fatal("market order must not rest")
	}
	if len(fills) != 1 || fills[0].Qty != 4 {
		t.Fatalf("expected one 4-lot fill, got %+v", fills)
	}
	if taker.Remaining != 6 {
		t.Fatalf("remaining = %d, want 6", taker.Remaining)
	}
	if _, ok := b.BestBid(); ok {
		t.Fatal("no bid should rest after market order")
	}
}

func TestMarketOrderCrossesAllLevels(t *testing.T) {
	b := NewBook("MRX-SOL")

	b.Place(limitOrder(1, Sell, 100, 3))
	b.Place(limitOrder(2, Sell, 110, 3))
	b.Place(limitOrder(3, Sell, 120, 3))

	fills, _ := b.Place(marketOrder(4, Buy, 9))
	if len(fills) != 3 {
		t.Fatalf("expected 3 fills, got %d", len(fills))
	}
	if fills[2].Price != 120 {
		t.Fatalf("last fill price = %d, want 120", fills[2].Price)
	}
	if _, ok := b.BestAsk(); ok {
		t.Fatal("ask side should be empty")
	}
}

func TestCancelIdempotent(t *testing.T) {
	b := NewBook("MRX-SOL")

	o := limitOrder(1, Buy, 100, 10)
	b.Place(o)

	got, ok := b.Cancel(1)
	if !ok || got.ID != 1 {
		t.Fatal("first cancel should succeed")
	}
	if _, ok := b.Cancel(1); ok {
		t.Fatal("second cancel must be a no-op")
	}
	if _, ok := b.Cancel(99); ok {
		t.Fatal("cancel of unknown id must be a no-op")
	}
	if _, ok := b.BestBid(); ok {
		t.Fatal("book should be empty after cancel")
	}
}

func TestCancelledOrderNeverMatches(t *testing.T) {
	b := NewBook("MRX-SOL")

	b.Place(limitOrder(1, Sell, 100, 10))
	b.Cancel(1)

	fills, rested := b.Place(limitOrder(2, Buy, 100, 5))
	if len(fills) != 0 {
		t.Fatalf("cancelled order matched: %+v", fills)
	}
	if !rested {
		t.Fatal("buy should rest with no asks")
	}
}

func TestBookNeverCrossed(t *testing.T) {
	b := NewBook("MRX-SOL")

	// A crossing sequence must resolve through matching, leaving bid < ask.
	b.Place(limitOrder(1, Buy, 100, 5))
	b.Place(limitOrder(2, Sell, 95, 3)) // crosses, fills 3 at 100
	b.Place(limitOrder(3, Sell, 101, 5))
	b.Place(limitOrder(4, Buy, 99, 5))

	if err := b.CheckNotCrossed(); err != nil {
		t.Fatalf("book crossed: %v", err)
	}
	bid, _ := b.BestBid()
	ask, _ := b.BestAsk()
	if bid != 100 || ask != 101 {
		t.Fatalf("bid/ask = %d/%d, want 100/101", bid, ask)
	}
}

func TestSnapshotAggregatesLevels(t *testing.T) {
	b := NewBook("MRX-SOL")

	b.Place(limitOrder(1, Buy, 100, 5))
	b.Place(limitOrder(2, Buy, 100, 7))
	b.Place(limitOrder(3, Buy, 99, 2))
	b.Place(limitOrder(4, Sell, 102, 4))

	bids, asks := b.Snapshot(10)
	if len(bids) != 2 {
		t.Fatalf("bid levels = %d, want 2", len(bids))
	}
	if bids[0].Price != 100 || bids[0].Qty != 12 {
		t.Fatalf("top bid = %+v, want {100 12}", bids[0])
	}
	if bids[1].Price != 99 {
		t.Fatalf("second bid price = %d, want 99", bids[1].Price)
	}
	if len(asks) != 1 || asks[0].Price != 102 || asks[0].Qty != 4 {
		t.Fatalf("asks = %+v, want [{102 4}]", asks)
	}

	// Depth bound applies per side.
	bids, _ = b.Snapshot(1)
	if len(bids) != 1 {
		t.Fatalf("depth-1 bid levels = %d, want 1", len(bids))
	}
}

func TestCloneIsIndependent(t *testing.T) {
	b := NewBook("MRX-SOL")
	b.Place(limitOrder(1, Sell, 100, 10))

	reg := make(map[uint64]*Order)
	clone := b.Clone(reg)

	// Consume the original; the clone must keep the resting order intact.
	b.Place(marketOrder(2, Buy, 10))
	if _, ok := b.BestAsk(); ok {
		t.Fatal("original ask should be consumed")
	}
	if ask, ok := clone.BestAsk(); !ok || ask != 100 {
		t.Fatalf("clone ask = %d, want 100", ask)
	}
	if reg[1] == nil || reg[1].Remaining != 10 {
		t.Fatal("clone registry should hold the unconsumed order")
	}
	if clone.LastPrice() != 0 {
		t.Fatalf("clone last price = %d, want 0", clone.LastPrice())
	}
}
