package ledger

// Position is an open leveraged position. Mutated only by matching-engine
// fills and by liquidation.
type Position struct {
	Symbol     string
	Size       int64 // lots, positive = long, negative = short
	EntryPrice int64 // VWAP entry, ticks
	Leverage   int64
	Margin     int64 // quote units locked against this position
}

// UnrealizedPnL computes profit/loss at the given mark price.
// Formula: (markPrice - entryPrice) × size. Negative size flips the sign,
// so shorts profit when price drops.
func (p *Position) UnrealizedPnL(markPrice int64) int64 {
	if p.Size == 0 {
		return 0
	}
	return (markPrice - p.EntryPrice) * p.Size
}

// IsLong reports whether the position is long.
func (p *Position) IsLong() bool { return p.Size > 0 }

// Notional returns |size| × price.
func (p *Position) Notional(price int64) int64 {
	return absInt64(p.Size) * price
}

func absInt64(x int64) int64 {
	if x < 0 {
		return -x
	}
	return x
}
