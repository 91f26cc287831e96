package orderbook

import (
	"github.com/ethereum/go-ethereum/common"
)

type Side int8

const (
	Buy Side = iota
	Sell
)

func (s Side) String() string {
	if s == Buy {
		return "buy"
	}
	return "sell"
}

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// Type is the order execution type.
type Type int8

const (
	Limit Type = iota
	Market
	Stop       // parked until last price crosses TriggerPrice, then fired as market
	TakeProfit // parked until last price crosses TriggerPrice favorably, then fired as market
)

func (t Type) String() string {
	switch t {
	case Limit:
		return "limit"
	case Market:
		return "market"
	case Stop:
		return "stop"
	case TakeProfit:
		return "take_profit"
	default:
		return "unknown"
	}
}

// Status is the lifecycle state of an order. Transitions are monotonic: a
// terminal status (Filled, Cancelled, Rejected) is never left.
type Status int8

const (
	Open Status = iota
	PartiallyFilled
	Filled
	Cancelled
	Rejected
)

func (s Status) String() string {
	switch s {
	case Open:
		return "open"
	case PartiallyFilled:
		return "partially_filled"
	case Filled:
		return "filled"
	case Cancelled:
		return "cancelled"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == Filled || s == Cancelled || s == Rejected
}

// Order is a client order. While resting it is owned exclusively by the Book;
// all mutation happens under the owning symbol shard's serialization.
type Order struct {
	ID     uint64 // engine-assigned, monotonic
	Owner  common.Address
	Symbol string
	Side   Side
	Type   Type

	Price        int64 // limit price in ticks; 0 for market/trigger orders
	TriggerPrice int64 // stop/take-profit trigger in ticks
	Qty          int64 // lots
	Remaining    int64 // lots, invariant 0 < Remaining <= Qty while live

	Leverage     int64 // >= 1
	LockedMargin int64 // quote units still locked for the unfilled remainder

	Status    Status
	CreatedAt int64 // unix millis
	UpdatedAt int64
}

// Filled returns the executed quantity.
func (o *Order) FilledQty() int64 {
	return o.Qty - o.Remaining
}

// MarkStatus applies a status transition, refusing to leave a terminal state.
func (o *Order) MarkStatus(s Status, nowMillis int64) {
	if o.Status.Terminal() {
		return
	}
	o.Status = s
	o.UpdatedAt = nowMillis
}

// Fill is one match between an incoming taker order and a resting maker.
// Maker points at the book-owned resting order; it must only be read under
// the symbol shard's serialization.
type Fill struct {
	TakerID uint64
	MakerID uint64
	Maker   *Order
	Price   int64 // maker's resting price
	Qty     int64
}

// Trade is the immutable record of a fill.
type Trade struct {
	ID           uint64
	Symbol       string
	MakerOrderID uint64
	TakerOrderID uint64
	MakerOwner   common.Address
	TakerOwner   common.Address
	TakerSide    Side
	Price        int64
	Qty          int64
	Timestamp    int64 // unix millis
}
