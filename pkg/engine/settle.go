package engine

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/mrxshz77/mrxcoin/pkg/engine/events"
	"github.com/mrxshz77/mrxcoin/pkg/engine/ledger"
	"github.com/mrxshz77/mrxcoin/pkg/engine/margin"
	"github.com/mrxshz77/mrxcoin/pkg/engine/orderbook"
	"github.com/mrxshz77/mrxcoin/pkg/metrics"
)

// settle applies every fill of one match pass to the ledger: margin moves
// from the order locks into the positions, realized PnL and released margin
// land on available balances, fees are transferred, and trades are recorded.
// An error here means the books and the ledger disagree; the caller halts the
// shard. Caller holds the shard lock.
func (e *Engine) settle(s *shard, taker *orderbook.Order, fills []orderbook.Fill) ([]orderbook.Trade, error) {
	if len(fills) == 0 {
		return nil, nil
	}

	nowMs := e.now().UnixMilli()
	trades := make([]orderbook.Trade, 0, len(fills))

	for _, f := range fills {
		maker := f.Maker

		takerDelta := f.Qty
		if taker.Side == orderbook.Sell {
			takerDelta = -takerDelta
		}
		makerDelta := -takerDelta

		takerMargin := margin.ConsumeOrderMargin(taker, f.Price, f.Qty)
		makerMargin := margin.ConsumeOrderMargin(maker, f.Price, f.Qty)

		takerRes, err := e.ledger.ApplyFill(taker.Owner, s.symbol, s.quoteAsset, takerDelta, f.Price, takerMargin, taker.Leverage)
		if err != nil {
			return trades, fmt.Errorf("apply taker fill %d: %w", f.TakerID, err)
		}
		makerRes, err := e.ledger.ApplyFill(maker.Owner, s.symbol, s.quoteAsset, makerDelta, f.Price, makerMargin, maker.Leverage)
		if err != nil {
			return trades, fmt.Errorf("apply maker fill %d: %w", f.MakerID, err)
		}
		e.noteDeficit(s, taker.Owner, takerRes)
		e.noteDeficit(s, maker.Owner, makerRes)

		e.collectFees(s, taker.Owner, maker.Owner, f.Price*f.Qty)

		if maker.Remaining == 0 {
			maker.MarkStatus(orderbook.Filled, nowMs)
			// Rounding can leave a few quote units locked; give them back.
			if err := e.margin.ReleaseOrderMargin(maker); err != nil {
				return trades, err
			}
		} else {
			maker.MarkStatus(orderbook.PartiallyFilled, nowMs)
		}

		trade := orderbook.Trade{
			ID:           e.tradeSeq.Add(1),
			Symbol:       s.symbol,
			MakerOrderID: f.MakerID,
			TakerOrderID: f.TakerID,
			MakerOwner:   maker.Owner,
			TakerOwner:   taker.Owner,
			TakerSide:    taker.Side,
			Price:        f.Price,
			Qty:          f.Qty,
			Timestamp:    nowMs,
		}
		trades = append(trades, trade)

		if e.exclusiveActive {
			t := trade
			e.pendingTrades = append(e.pendingTrades, &t)
		} else if e.store != nil {
			if err := e.store.SaveTrade(&trade); err != nil {
				e.log.Warn("persist trade failed", zap.Uint64("trade", trade.ID), zap.Error(err))
			}
		}

		metrics.TradesExecuted.Inc()
		e.bus.Publish(events.TradeExecuted, s.symbol, events.TradePayload{Trade: trade})
		e.publishPosition(s.symbol, taker.Owner, takerRes.Realized)
		e.publishPosition(s.symbol, maker.Owner, makerRes.Realized)
	}
	return trades, nil
}

// collectFees moves taker and maker fees to the fee collector. A negative
// maker fee is a rebate paid out of the collector. Fee transfer is best
// effort: it never fails a trade that already settled.
func (e *Engine) collectFees(s *shard, takerOwner, makerOwner common.Address, notional int64) {
	takerFee := s.mkt.TakerFee(notional)
	makerFee := s.mkt.MakerFee(notional)
	if takerFee == 0 && makerFee == 0 {
		return
	}
	legs := []ledger.Leg{
		{Addr: takerOwner, Asset: s.quoteAsset, Amount: -takerFee},
		{Addr: makerOwner, Asset: s.quoteAsset, Amount: -makerFee},
		{Addr: FeeCollector, Asset: s.quoteAsset, Amount: takerFee + makerFee},
	}
	if err := e.ledger.Settle(legs); err != nil {
		e.log.Warn("fee collection skipped",
			zap.String("symbol", s.symbol),
			zap.Int64("taker_fee", takerFee),
			zap.Int64("maker_fee", makerFee),
			zap.Error(err),
		)
	}
}

func (e *Engine) noteDeficit(s *shard, addr common.Address, res ledger.FillResult) {
	if res.Deficit == 0 {
		return
	}
	// Loss beyond posted margin. Charged to the insurance fund so the
	// counterparty is still paid in full.
	e.log.Warn("fill loss exceeded margin",
		zap.String("symbol", s.symbol),
		zap.String("account", addr.Hex()),
		zap.Int64("deficit", res.Deficit),
	)
	if e.exclusiveActive {
		e.pendingDeficit += res.Deficit
		return
	}
	e.insuranceDeficit.Add(res.Deficit)
}

func (e *Engine) publishPosition(symbol string, addr common.Address, realized int64) {
	pos, _ := e.ledger.GetPosition(addr, symbol)
	e.bus.Publish(events.PositionUpdated, symbol, events.PositionPayload{
		Account:    addr,
		Symbol:     symbol,
		Size:       pos.Size,
		EntryPrice: pos.EntryPrice,
		Margin:     pos.Margin,
		Realized:   realized,
	})
}

// fireTriggers releases parked stop and take-profit orders whose trigger the
// last trade price crossed, executing each as a market order. Fills from a
// fired order can move the last price and arm further triggers, so the scan
// repeats until a pass fires nothing. Caller holds the shard lock.
func (e *Engine) fireTriggers(s *shard) {
	for {
		last := s.book.LastPrice()
		if last == 0 || s.halted {
			return
		}

		var fired *orderbook.Order
		for _, o := range s.triggers {
			if triggered(o, last) {
				fired = o
				break
			}
		}
		if fired == nil {
			return
		}
		delete(s.triggers, fired.ID)

		// The book executes any non-limit order at market; the stored order
		// keeps its stop/take-profit type for status queries.
		if _, err := e.execute(s, fired); err != nil {
			e.log.Warn("trigger order execution failed",
				zap.Uint64("order", fired.ID),
				zap.String("symbol", s.symbol),
				zap.Error(err),
			)
		}
	}
}

// triggered reports whether last crosses o's trigger price. Stops fire on
// adverse moves (buy above, sell below), take-profits on favorable ones.
func triggered(o *orderbook.Order, last int64) bool {
	switch o.Type {
	case orderbook.Stop:
		if o.Side == orderbook.Buy {
			return last >= o.TriggerPrice
		}
		return last <= o.TriggerPrice
	case orderbook.TakeProfit:
		if o.Side == orderbook.Buy {
			return last <= o.TriggerPrice
		}
		return last >= o.TriggerPrice
	default:
		return false
	}
}

// RunMaintenance sweeps every open position in symbol and force-closes the
// ones whose equity fell below the maintenance threshold. The close is a
// market order that bypasses admission: the position's own margin backs it,
// so no new collateral is locked.
func (e *Engine) RunMaintenance(symbol string) (liquidated int, err error) {
	e.gate.RLock()
	defer e.gate.RUnlock()

	s, ok := e.shards[symbol]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.halted {
		return 0, fmt.Errorf("%w: %s", ErrShardHalted, symbol)
	}

	mark := e.markPrice(s)
	if mark == 0 {
		return 0, nil
	}

	for addr, pos := range e.ledger.PositionsBySymbol(symbol) {
		if !e.margin.Breached(pos, mark) {
			continue
		}
		if err := e.liquidate(s, addr, pos); err != nil {
			e.log.Warn("liquidation failed",
				zap.String("symbol", symbol),
				zap.String("account", addr.Hex()),
				zap.Error(err),
			)
			continue
		}
		liquidated++
	}
	return liquidated, nil
}

// markPrice picks the liquidation reference: oracle mid when fresh enough,
// otherwise the book's own last trade price.
func (e *Engine) markPrice(s *shard) int64 {
	if mid, asOf, err := e.oracle.MidPrice(s.symbol); err == nil && e.now().Sub(asOf) <= e.oracleMaxAge {
		return mid
	}
	return s.book.LastPrice()
}

// liquidate force-closes one position with a market order on the opposite
// side. Caller holds the shard lock.
func (e *Engine) liquidate(s *shard, addr common.Address, pos ledger.Position) error {
	side := orderbook.Sell
	if pos.Size < 0 {
		side = orderbook.Buy
	}
	qty := pos.Size
	if qty < 0 {
		qty = -qty
	}

	nowMs := e.now().UnixMilli()
	leverage := pos.Leverage
	if leverage < 1 {
		leverage = 1
	}
	o := &orderbook.Order{
		ID:        e.orderSeq.Add(1),
		Owner:     addr,
		Symbol:    s.symbol,
		Side:      side,
		Type:      orderbook.Market,
		Qty:       qty,
		Remaining: qty,
		Leverage:  leverage,
		Status:    orderbook.Open,
		CreatedAt: nowMs,
		UpdatedAt: nowMs,
	}
	s.orders[o.ID] = o
	e.indexOrder(o.ID, s.symbol)

	before := qty
	if _, err := e.execute(s, o); err != nil && o.FilledQty() == 0 {
		// No liquidity to close against; the position stays and the next
		// sweep retries.
		return err
	}
	if o.Remaining == before {
		return fmt.Errorf("no fills for liquidation of %s", addr.Hex())
	}

	metrics.Liquidations.Inc()
	e.log.Info("position liquidated",
		zap.String("symbol", s.symbol),
		zap.String("account", addr.Hex()),
		zap.Int64("size", pos.Size),
		zap.Int64("closed", o.FilledQty()),
	)
	e.fireTriggers(s)
	return nil
}

// InsuranceDeficit reports the cumulative losses that exceeded posted margin.
func (e *Engine) InsuranceDeficit() int64 {
	return e.insuranceDeficit.Load()
}

// RecentTrades returns the most recent persisted trades for a symbol.
func (e *Engine) RecentTrades(symbol string, limit int) ([]*orderbook.Trade, error) {
	if e.store == nil {
		return nil, nil
	}
	return e.store.LoadRecentTrades(symbol, limit)
}
