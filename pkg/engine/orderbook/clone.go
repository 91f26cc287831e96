package orderbook

import "container/heap"

// Clone deep-copies the book, including every resting order. When reg is
// non-nil each cloned resting order is recorded there by id, so the caller
// can re-point its own indexes at the clones. Used by the flash-loan
// checkpoint to restore book state on revert.
func (b *Book) Clone(reg map[uint64]*Order) *Book {
	nb := NewBook(b.symbol)
	nb.lastPrice = b.lastPrice

	cloneLevels := func(src map[int64][]*Order, dst map[int64][]*Order) {
		for price, arr := range src {
			level := make([]*Order, len(arr))
			for i, o := range arr {
				cp := *o
				level[i] = &cp
				nb.index[cp.ID] = price
				if reg != nil {
					reg[cp.ID] = &cp
				}
			}
			dst[price] = level
		}
	}
	cloneLevels(b.bids, nb.bids)
	cloneLevels(b.asks, nb.asks)

	*nb.bidHeap = append((*nb.bidHeap)[:0], *b.bidHeap...)
	*nb.askHeap = append((*nb.askHeap)[:0], *b.askHeap...)
	heap.Init(nb.bidHeap)
	heap.Init(nb.askHeap)
	return nb
}
