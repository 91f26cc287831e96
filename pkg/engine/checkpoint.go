package engine

import (
	"github.com/mrxshz77/mrxcoin/pkg/engine/orderbook"
)

// shardCheckpoint is a deep copy of one shard's matching state. Ledger state
// is covered separately by the ledger journal.
type shardCheckpoint struct {
	book     *orderbook.Book
	orders   map[uint64]*orderbook.Order
	triggers map[uint64]*orderbook.Order
}

// Checkpoint captures every shard's book, order and trigger state. Valid only
// while the exclusive gate is held, so no shard can move underneath it.
func (x *ExclusiveSession) Checkpoint() {
	x.cps = make(map[string]*shardCheckpoint, len(x.e.shards))
	for symbol, s := range x.e.shards {
		reg := make(map[uint64]*orderbook.Order)
		cp := &shardCheckpoint{
			book:     s.book.Clone(reg),
			orders:   make(map[uint64]*orderbook.Order, len(s.orders)),
			triggers: make(map[uint64]*orderbook.Order, len(s.triggers)),
		}
		for id, o := range s.orders {
			if clone, resting := reg[id]; resting {
				cp.orders[id] = clone
				continue
			}
			c := *o
			cp.orders[id] = &c
		}
		for id := range s.triggers {
			cp.triggers[id] = cp.orders[id]
		}
		x.e.shards[symbol] = s
		x.cps[symbol] = cp
	}
}

// Rollback restores every shard to the last Checkpoint. Orders created after
// the checkpoint vanish; orders mutated after it regain their prior state.
func (x *ExclusiveSession) Rollback() {
	if x.cps == nil {
		return
	}
	for symbol, cp := range x.cps {
		s := x.e.shards[symbol]
		s.book = cp.book
		s.orders = cp.orders
		s.triggers = cp.triggers
	}
	x.cps = nil
	x.e.pendingTrades = nil
	x.e.pendingDeficit = 0
}
