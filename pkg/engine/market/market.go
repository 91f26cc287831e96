package market

import (
	"fmt"
)

// Status defines the trading status of a market.
type Status int8

const (
	Active Status = iota // trading enabled
	Paused               // trading halted
)

func (s Status) String() string {
	switch s {
	case Active:
		return "Active"
	case Paused:
		return "Paused"
	default:
		return "Unknown"
	}
}

// Market defines all parameters for a trading pair (e.g. MRX-SOL).
//
// Prices are integer ticks and quantities integer lots, chosen so that
// price × qty is directly a quote-asset amount. PriceScale records how many
// decimal places one tick represents in the external quote (scale 6 means a
// feed price of 0.000156 SOL becomes 156 ticks).
type Market struct {
	Symbol     string
	BaseAsset  string
	QuoteAsset string
	Status     Status

	PriceScale  int32
	MinNotional int64 // minimum order value in quote units, rejects dust

	MaxLeverage int64 // e.g. 50 (50x)

	MinOrderSize int64 // lots
	MaxOrderSize int64 // lots
	MaxPosition  int64 // lots, per account

	MakerFeeBps int64 // negative = rebate
	TakerFeeBps int64
}

// Params carries the tunable subset used by New.
type Params struct {
	PriceScale  int32
	MinNotional int64
	MaxLeverage int64
	MinOrder    int64
	MaxOrder    int64
	MaxPosition int64
	MakerFeeBps int64
	TakerFeeBps int64
}

// DefaultParams match the MRX-SOL listing.
func DefaultParams() Params {
	return Params{
		PriceScale:  6,
		MinNotional: 100,
		MaxLeverage: 50,
		MinOrder:    1,
		MaxOrder:    1_000_000,
		MaxPosition: 10_000_000,
		MakerFeeBps: -1,
		TakerFeeBps: 5,
	}
}

// New creates a market with validation.
func New(symbol, baseAsset, quoteAsset string, p Params) (*Market, error) {
	m := &Market{
		Symbol:       symbol,
		BaseAsset:    baseAsset,
		QuoteAsset:   quoteAsset,
		Status:       Active,
		PriceScale:   p.PriceScale,
		MinNotional:  p.MinNotional,
		MaxLeverage:  p.MaxLeverage,
		MinOrderSize: p.MinOrder,
		MaxOrderSize: p.MaxOrder,
		MaxPosition:  p.MaxPosition,
		MakerFeeBps:  p.MakerFeeBps,
		TakerFeeBps:  p.TakerFeeBps,
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid market params: %w", err)
	}
	return m, nil
}

// Validate checks market parameter sanity.
func (m *Market) Validate() error {
	if m.Symbol == "" {
		return fmt.Errorf("symbol cannot be empty")
	}
	if m.BaseAsset == "" || m.QuoteAsset == "" {
		return fmt.Errorf("base and quote assets must be specified")
	}
	if m.PriceScale < 0 {
		return fmt.Errorf("price scale cannot be negative")
	}
	if m.MinNotional < 0 {
		return fmt.Errorf("min notional cannot be negative")
	}
	if m.MaxLeverage <= 0 {
		return fmt.Errorf("max leverage must be positive")
	}
	if m.MinOrderSize <= 0 {
		return fmt.Errorf("min order size must be positive")
	}
	if m.MaxOrderSize < m.MinOrderSize {
		return fmt.Errorf("max order size cannot be below min order size")
	}
	if m.MaxPosition < m.MaxOrderSize {
		return fmt.Errorf("max position should be >= max order size")
	}
	if m.TakerFeeBps < 0 {
		return fmt.Errorf("taker fee cannot be negative")
	}
	return nil
}

// ValidateOrder performs per-order parameter validation.
// Price 0 is allowed (market orders carry no limit price).
func (m *Market) ValidateOrder(price, qty int64) error {
	if m.Status != Active {
		return fmt.Errorf("market %s is not active (status: %s)", m.Symbol, m.Status)
	}
	if price < 0 {
		return fmt.Errorf("price cannot be negative")
	}
	if qty <= 0 {
		return fmt.Errorf("quantity must be positive")
	}
	if qty < m.MinOrderSize {
		return fmt.Errorf("order size %d below minimum %d", qty, m.MinOrderSize)
	}
	if qty > m.MaxOrderSize {
		return fmt.Errorf("order size %d exceeds maximum %d", qty, m.MaxOrderSize)
	}
	if price > 0 {
		if notional := price * qty; notional < m.MinNotional {
			return fmt.Errorf("order notional %d below minimum %d", notional, m.MinNotional)
		}
	}
	return nil
}

// MakerFee returns the maker fee for a fill notional (negative = rebate owed
// to the maker).
func (m *Market) MakerFee(notional int64) int64 {
	return (notional * m.MakerFeeBps) / 10000
}

// TakerFee returns the taker fee for a fill notional.
func (m *Market) TakerFee(notional int64) int64 {
	return (notional * m.TakerFeeBps) / 10000
}
