// Package engine orchestrates admission, matching, settlement and
// notification for every listed symbol. Each symbol gets a single-writer
// shard; the ledger is the only structure shared across shards.
package engine

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/mrxshz77/mrxcoin/pkg/engine/events"
	"github.com/mrxshz77/mrxcoin/pkg/engine/ledger"
	"github.com/mrxshz77/mrxcoin/pkg/engine/margin"
	"github.com/mrxshz77/mrxcoin/pkg/engine/market"
	"github.com/mrxshz77/mrxcoin/pkg/engine/oracle"
	"github.com/mrxshz77/mrxcoin/pkg/engine/orderbook"
	"github.com/mrxshz77/mrxcoin/pkg/metrics"
)

// Stable rejection reason codes produced by the engine itself.
var (
	ErrUnknownSymbol         = errors.New("unknown_symbol")
	ErrShardHalted           = errors.New("shard_halted")
	ErrInsufficientLiquidity = errors.New("insufficient_liquidity")
)

// FeeCollector receives taker fees and pays maker rebates.
var FeeCollector = common.HexToAddress("0x0000000000000000000000000000000000000fee")

// Reason maps a rejection error to its stable wire-level reason code.
func Reason(err error) string {
	for _, sentinel := range []error{
		margin.ErrInvalidOrder,
		margin.ErrLeverageExceeded,
		margin.ErrInsufficientMargin,
		margin.ErrStalePrice,
		ErrUnknownSymbol,
		ErrShardHalted,
		ErrInsufficientLiquidity,
	} {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return "internal"
}

// OrderRequest is the transport-agnostic submit contract.
type OrderRequest struct {
	Account      common.Address
	Symbol       string
	Side         orderbook.Side
	Type         orderbook.Type
	Price        int64 // ticks; limit orders only
	TriggerPrice int64 // ticks; stop/take-profit only
	Qty          int64 // lots
	Leverage     int64
}

// OrderResult reports the outcome of an accepted order.
type OrderResult struct {
	OrderID uint64
	Status  orderbook.Status
	Trades  []orderbook.Trade
}

// shard serializes every operation for one symbol. All book and order state
// behind mu; a halted shard rejects new admissions until operator review.
type shard struct {
	mu         sync.Mutex
	symbol     string
	quoteAsset string
	mkt        *market.Market
	book       *orderbook.Book
	orders     map[uint64]*orderbook.Order // every order this shard has seen
	triggers   map[uint64]*orderbook.Order // parked stop/take-profit orders
	halted     bool
	haltErr    error
}

// Engine is the matching engine facade.
type Engine struct {
	log     *zap.Logger
	ledger  *ledger.Ledger
	markets *market.Registry
	margin  *margin.Manager
	oracle  oracle.Oracle
	bus     *events.Bus
	store   *ledger.Store // optional trade persistence

	// gate serializes flash-loan execution against everything else: public
	// operations hold it shared, the flash-loan coordinator exclusively.
	gate sync.RWMutex

	shards map[string]*shard // immutable after New

	orderSeq atomic.Uint64
	tradeSeq atomic.Uint64

	ownerIdx   map[uint64]string // order id -> symbol
	ownerIdxMu sync.Mutex

	oracleMaxAge     time.Duration // mark-price freshness bound for liquidation
	insuranceDeficit atomic.Int64  // losses beyond posted margin, cumulative

	// Trade persistence and deficit accounting are deferred while an
	// exclusive session runs, so a reverted flash loan leaves no trace in
	// the trade log or the insurance-fund total. All three fields are only
	// touched under the gate.
	exclusiveActive bool
	pendingTrades   []*orderbook.Trade
	pendingDeficit  int64

	now func() time.Time
}

// New builds an engine with one shard per registered market.
func New(l *ledger.Ledger, reg *market.Registry, mgr *margin.Manager, px oracle.Oracle, bus *events.Bus, store *ledger.Store, oracleMaxAge time.Duration, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	e := &Engine{
		log:          log,
		ledger:       l,
		markets:      reg,
		margin:       mgr,
		oracle:       px,
		bus:          bus,
		store:        store,
		shards:       make(map[string]*shard),
		ownerIdx:     make(map[uint64]string),
		oracleMaxAge: oracleMaxAge,
		now:          time.Now,
	}
	for _, mkt := range reg.List() {
		e.shards[mkt.Symbol] = &shard{
			symbol:     mkt.Symbol,
			quoteAsset: mkt.QuoteAsset,
			mkt:        mkt,
			book:       orderbook.NewBook(mkt.Symbol),
			orders:     make(map[uint64]*orderbook.Order),
			triggers:   make(map[uint64]*orderbook.Order),
		}
	}
	return e
}

// SubmitOrder admits, matches and settles one order.
func (e *Engine) SubmitOrder(req OrderRequest) (*OrderResult, error) {
	e.gate.RLock()
	defer e.gate.RUnlock()
	return e.submit(req)
}

// CancelOrder removes a resting or parked order owned by account.
// Idempotent: an id that is filled, already cancelled, unknown, or owned by
// someone else reports cancelled=false.
func (e *Engine) CancelOrder(account common.Address, orderID uint64) bool {
	e.gate.RLock()
	defer e.gate.RUnlock()
	return e.cancel(account, orderID)
}

// Snapshot returns aggregated depth for a symbol.
func (e *Engine) Snapshot(symbol string, depth int) (bids, asks []orderbook.Level, err error) {
	e.gate.RLock()
	defer e.gate.RUnlock()

	s, ok := e.shards[symbol]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	bids, asks = s.book.Snapshot(depth)
	return bids, asks, nil
}

// GetOrder returns a copy of an order owned by account.
func (e *Engine) GetOrder(account common.Address, orderID uint64) (orderbook.Order, bool) {
	e.gate.RLock()
	defer e.gate.RUnlock()

	s := e.shardForOrder(orderID)
	if s == nil {
		return orderbook.Order{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok || o.Owner != account {
		return orderbook.Order{}, false
	}
	return *o, true
}

// OpenOrders returns copies of every live (non-terminal) order owned by
// account, across all symbols.
func (e *Engine) OpenOrders(account common.Address) []orderbook.Order {
	e.gate.RLock()
	defer e.gate.RUnlock()

	var out []orderbook.Order
	for _, s := range e.shards {
		s.mu.Lock()
		for _, o := range s.orders {
			if o.Owner == account && !o.Status.Terminal() {
				out = append(out, *o)
			}
		}
		s.mu.Unlock()
	}
	return out
}

// Halted reports whether a symbol shard stopped admitting orders, and why.
func (e *Engine) Halted(symbol string) (bool, error) {
	s, ok := e.shards[symbol]
	if !ok {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.halted, s.haltErr
}

// Exclusive acquires the engine-wide exclusive session used by the
// flash-loan coordinator: no other submission, cancel or snapshot can
// observe intermediate state until Close.
func (e *Engine) Exclusive() *ExclusiveSession {
	e.gate.Lock()
	e.exclusiveActive = true
	return &ExclusiveSession{e: e}
}

// ExclusiveSession proxies engine operations while the exclusive gate is
// held. It must be Closed exactly once.
type ExclusiveSession struct {
	e      *Engine
	cps    map[string]*shardCheckpoint
	closed bool
}

func (x *ExclusiveSession) SubmitOrder(req OrderRequest) (*OrderResult, error) {
	return x.e.submit(req)
}

func (x *ExclusiveSession) CancelOrder(account common.Address, orderID uint64) bool {
	return x.e.cancel(account, orderID)
}

func (x *ExclusiveSession) Close() {
	if x.closed {
		return
	}
	x.closed = true
	e := x.e
	if e.store != nil {
		for _, t := range e.pendingTrades {
			if err := e.store.SaveTrade(t); err != nil {
				e.log.Warn("persist trade failed", zap.Uint64("trade", t.ID), zap.Error(err))
			}
		}
	}
	e.pendingTrades = nil
	e.insuranceDeficit.Add(e.pendingDeficit)
	e.pendingDeficit = 0
	e.exclusiveActive = false
	e.gate.Unlock()
}

// Deposit credits an account's available balance. Funding goes through the
// engine gate: it lands either before an exclusive session's journal starts
// or after the session resolves, never inside it where a revert would erase
// the funds.
func (e *Engine) Deposit(addr common.Address, asset string, amount int64) error {
	e.gate.RLock()
	defer e.gate.RUnlock()
	return e.ledger.Deposit(addr, asset, amount)
}

// Withdraw debits an account's available balance, gated like Deposit.
func (e *Engine) Withdraw(addr common.Address, asset string, amount int64) error {
	e.gate.RLock()
	defer e.gate.RUnlock()
	return e.ledger.Withdraw(addr, asset, amount)
}

// Balance returns the entry for (addr, asset). Reads hold the gate shared,
// so an exclusive session's intermediate ledger state is never observable.
func (e *Engine) Balance(addr common.Address, asset string) ledger.Entry {
	e.gate.RLock()
	defer e.gate.RUnlock()
	return e.ledger.Balance(addr, asset)
}

// Balances returns every asset entry for one account, gated like Balance.
func (e *Engine) Balances(addr common.Address) map[string]ledger.Entry {
	e.gate.RLock()
	defer e.gate.RUnlock()
	return e.ledger.Balances(addr)
}

// Positions returns every non-flat position for one account, gated like
// Balance.
func (e *Engine) Positions(addr common.Address) []ledger.Position {
	e.gate.RLock()
	defer e.gate.RUnlock()
	return e.ledger.Positions(addr)
}

func (e *Engine) submit(req OrderRequest) (*OrderResult, error) {
	s, ok := e.shards[req.Symbol]
	if !ok {
		e.reject(req, ErrUnknownSymbol)
		return nil, fmt.Errorf("%w: %s", ErrUnknownSymbol, req.Symbol)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.halted {
		err := fmt.Errorf("%w: %s: %v", ErrShardHalted, s.symbol, s.haltErr)
		e.reject(req, err)
		return nil, err
	}

	nowMs := e.now().UnixMilli()
	o := &orderbook.Order{
		ID:           e.orderSeq.Add(1),
		Owner:        req.Account,
		Symbol:       req.Symbol,
		Side:         req.Side,
		Type:         req.Type,
		Price:        req.Price,
		TriggerPrice: req.TriggerPrice,
		Qty:          req.Qty,
		Remaining:    req.Qty,
		Leverage:     req.Leverage,
		Status:       orderbook.Open,
		CreatedAt:    nowMs,
		UpdatedAt:    nowMs,
	}

	if err := e.margin.Admit(o); err != nil {
		e.reject(req, err)
		return nil, err
	}

	s.orders[o.ID] = o
	e.indexOrder(o.ID, s.symbol)

	metrics.OrdersAccepted.Inc()
	e.bus.Publish(events.OrderAccepted, s.symbol, events.OrderAcceptedPayload{
		OrderID:  o.ID,
		Account:  o.Owner,
		Symbol:   o.Symbol,
		Side:     o.Side.String(),
		Type:     o.Type.String(),
		Price:    o.Price,
		Qty:      o.Qty,
		Leverage: o.Leverage,
	})

	if o.Type == orderbook.Stop || o.Type == orderbook.TakeProfit {
		s.triggers[o.ID] = o
		return &OrderResult{OrderID: o.ID, Status: orderbook.Open}, nil
	}

	trades, err := e.execute(s, o)
	if err != nil {
		return nil, err
	}
	e.fireTriggers(s)
	return &OrderResult{OrderID: o.ID, Status: o.Status, Trades: trades}, nil
}

// execute matches one admitted order and settles its fills. Caller holds the
// shard lock.
func (e *Engine) execute(s *shard, o *orderbook.Order) ([]orderbook.Trade, error) {
	fills, rested := s.book.Place(o)

	trades, err := e.settle(s, o, fills)
	if err != nil {
		e.halt(s, err)
		return trades, err
	}

	nowMs := e.now().UnixMilli()
	switch {
	case o.Remaining == 0:
		o.MarkStatus(orderbook.Filled, nowMs)
	case rested:
		if len(fills) > 0 {
			o.MarkStatus(orderbook.PartiallyFilled, nowMs)
		}
	default:
		// Market-order remainder never rests: release the margin still
		// locked for it and reject the unfilled part.
		if err := e.margin.ReleaseOrderMargin(o); err != nil {
			e.halt(s, err)
			return trades, err
		}
		if len(fills) == 0 {
			o.MarkStatus(orderbook.Rejected, nowMs)
			err := fmt.Errorf("%w: no resting liquidity for %s %s", ErrInsufficientLiquidity, o.Symbol, o.Side)
			e.rejectOrder(o, err)
			return trades, err
		}
		o.MarkStatus(orderbook.Cancelled, nowMs)
	}

	if err := s.book.CheckNotCrossed(); err != nil {
		e.halt(s, err)
		return trades, err
	}
	return trades, nil
}

func (e *Engine) cancel(account common.Address, orderID uint64) bool {
	s := e.shardForOrder(orderID)
	if s == nil {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok || o.Owner != account || o.Status.Terminal() {
		return false
	}

	nowMs := e.now().UnixMilli()

	if _, parked := s.triggers[orderID]; parked {
		delete(s.triggers, orderID)
		if err := e.margin.ReleaseOrderMargin(o); err != nil {
			e.halt(s, err)
			return false
		}
		o.MarkStatus(orderbook.Cancelled, nowMs)
		return true
	}

	if _, removed := s.book.Cancel(orderID); !removed {
		// Raced with a fill that consumed the order; shard order decided.
		return false
	}
	if err := e.margin.ReleaseOrderMargin(o); err != nil {
		e.halt(s, err)
		return false
	}
	o.MarkStatus(orderbook.Cancelled, nowMs)
	return true
}

// halt stops a shard on a consistency violation. This is the one error class
// that is not locally recoverable: it signals a logic defect, so the shard
// stops admitting and raises an alert.
func (e *Engine) halt(s *shard, err error) {
	if s.halted {
		return
	}
	s.halted = true
	s.haltErr = err
	metrics.ShardHalts.Inc()
	e.log.Error("shard halted on invariant breach",
		zap.String("symbol", s.symbol),
		zap.Error(err),
	)
}

func (e *Engine) reject(req OrderRequest, err error) {
	metrics.OrdersRejected.WithLabelValues(Reason(err)).Inc()
	e.bus.Publish(events.OrderRejected, req.Symbol, events.OrderRejectedPayload{
		Account: req.Account,
		Symbol:  req.Symbol,
		Reason:  Reason(err),
	})
}

func (e *Engine) rejectOrder(o *orderbook.Order, err error) {
	metrics.OrdersRejected.WithLabelValues(Reason(err)).Inc()
	e.bus.Publish(events.OrderRejected, o.Symbol, events.OrderRejectedPayload{
		Account: o.Owner,
		Symbol:  o.Symbol,
		Reason:  Reason(err),
	})
}

func (e *Engine) indexOrder(id uint64, symbol string) {
	e.ownerIdxMu.Lock()
	e.ownerIdx[id] = symbol
	e.ownerIdxMu.Unlock()
}

func (e *Engine) shardForOrder(id uint64) *shard {
	e.ownerIdxMu.Lock()
	symbol, ok := e.ownerIdx[id]
	e.ownerIdxMu.Unlock()
	if !ok {
		return nil
	}
	return e.shards[symbol]
}
