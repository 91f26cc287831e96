// Package margin validates leverage and collateral before an order reaches
// the matching engine, and detects positions due for liquidation.
package margin

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mrxshz77/mrxcoin/pkg/engine/ledger"
	"github.com/mrxshz77/mrxcoin/pkg/engine/market"
	"github.com/mrxshz77/mrxcoin/pkg/engine/oracle"
	"github.com/mrxshz77/mrxcoin/pkg/engine/orderbook"
)

// Stable rejection reason codes. The error text is the wire-level reason.
var (
	ErrInvalidOrder       = errors.New("invalid_order")
	ErrLeverageExceeded   = errors.New("leverage_exceeded")
	ErrInsufficientMargin = errors.New("insufficient_margin")
	ErrStalePrice         = errors.New("stale_price")
)

// Manager performs admission checks and maintenance-margin monitoring.
// It only reads the ledger's balances and writes margin locks; the matching
// engine remains the sole mutator of positions.
type Manager struct {
	ledger  *ledger.Ledger
	markets *market.Registry
	oracle  oracle.Oracle

	maxStale       time.Duration
	maintenanceBps int64 // maintenance threshold in bps of initial margin

	log *zap.Logger
	now func() time.Time
}

func NewManager(l *ledger.Ledger, reg *market.Registry, px oracle.Oracle, maxStale time.Duration, maintenanceBps int64, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		ledger:         l,
		markets:        reg,
		oracle:         px,
		maxStale:       maxStale,
		maintenanceBps: maintenanceBps,
		log:            log,
		now:            time.Now,
	}
}

// Admit validates the order and locks its initial margin. On success the
// margin is already moved from available to locked, so two concurrently
// admitted orders for the same account can never double-spend collateral.
//
// Required margin = qty × price / leverage, rounded up. Market and trigger
// orders price against the oracle mid; any leveraged order is rejected when
// the oracle quote is older than the staleness bound.
func (m *Manager) Admit(o *orderbook.Order) error {
	mkt, ok := m.markets.Get(o.Symbol)
	if !ok {
		return fmt.Errorf("%w: unknown market %s", ErrInvalidOrder, o.Symbol)
	}
	if err := mkt.ValidateOrder(o.Price, o.Qty); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOrder, err)
	}
	if o.Leverage < 1 {
		return fmt.Errorf("%w: leverage must be >= 1", ErrInvalidOrder)
	}
	if o.Leverage > mkt.MaxLeverage {
		return fmt.Errorf("%w: %dx > max %dx", ErrLeverageExceeded, o.Leverage, mkt.MaxLeverage)
	}
	switch o.Type {
	case orderbook.Limit:
		if o.Price <= 0 {
			return fmt.Errorf("%w: limit order requires a price", ErrInvalidOrder)
		}
	case orderbook.Stop, orderbook.TakeProfit:
		if o.TriggerPrice <= 0 {
			return fmt.Errorf("%w: trigger order requires a trigger price", ErrInvalidOrder)
		}
	}

	basis, err := m.priceBasis(o, mkt)
	if err != nil {
		return err
	}

	required := requiredMargin(basis, o.Qty, o.Leverage)
	if err := m.ledger.Lock(o.Owner, mkt.QuoteAsset, required); err != nil {
		if errors.Is(err, ledger.ErrInsufficient) {
			return fmt.Errorf("%w: need %d %s", ErrInsufficientMargin, required, mkt.QuoteAsset)
		}
		return err
	}
	o.LockedMargin = required
	return nil
}

// priceBasis returns the price used for margin computation: the limit price
// for limit orders, the oracle mid otherwise.
func (m *Manager) priceBasis(o *orderbook.Order, mkt *market.Market) (int64, error) {
	needsOracle := o.Type != orderbook.Limit || o.Leverage > 1
	if !needsOracle {
		return o.Price, nil
	}

	mid, asOf, err := m.oracle.MidPrice(o.Symbol)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStalePrice, err)
	}
	if age := m.now().Sub(asOf); age > m.maxStale {
		return 0, fmt.Errorf("%w: quote age %s exceeds %s", ErrStalePrice, age, m.maxStale)
	}
	if o.Type == orderbook.Limit {
		// Staleness check passed; margin on the limit price itself.
		return o.Price, nil
	}
	return mid, nil
}

// ReleaseOrderMargin unlocks whatever margin remains locked for an order's
// unfilled remainder (cancel, market-order remainder rejection).
func (m *Manager) ReleaseOrderMargin(o *orderbook.Order) error {
	if o.LockedMargin == 0 {
		return nil
	}
	mkt, ok := m.markets.Get(o.Symbol)
	if !ok {
		return fmt.Errorf("unknown market %s", o.Symbol)
	}
	if err := m.ledger.Unlock(o.Owner, mkt.QuoteAsset, o.LockedMargin); err != nil {
		return err
	}
	o.LockedMargin = 0
	return nil
}

// ConsumeOrderMargin moves a fill's share of the order's admission lock into
// the position. Returns the consumed amount (capped at what is still locked).
func ConsumeOrderMargin(o *orderbook.Order, fillPrice, fillQty int64) int64 {
	delta := requiredMargin(fillPrice, fillQty, o.Leverage)
	if delta > o.LockedMargin {
		delta = o.LockedMargin
	}
	o.LockedMargin -= delta
	return delta
}

// Breached reports whether a position must be liquidated at markPrice:
// effective equity (margin + unrealized PnL) below the maintenance fraction
// of the initial margin.
func (m *Manager) Breached(pos ledger.Position, markPrice int64) bool {
	if pos.Size == 0 || pos.Margin == 0 {
		return false
	}
	equity := pos.Margin + pos.UnrealizedPnL(markPrice)
	maintenance := pos.Margin * m.maintenanceBps / 10000
	return equity < maintenance
}

// requiredMargin = price × qty / leverage, rounded up so positions are never
// undercollateralized by truncation.
func requiredMargin(price, qty, leverage int64) int64 {
	notional := price * qty
	return (notional + leverage - 1) / leverage
}
