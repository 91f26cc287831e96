// Package flashloan settles uncollateralized loans atomically: a registered
// strategy runs against the engine inside an exclusive session, and either
// the full principal plus fee comes back or every effect of the strategy is
// rolled back as if the loan never happened.
package flashloan

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/mrxshz77/mrxcoin/pkg/engine"
	"github.com/mrxshz77/mrxcoin/pkg/engine/events"
	"github.com/mrxshz77/mrxcoin/pkg/engine/ledger"
	"github.com/mrxshz77/mrxcoin/pkg/metrics"
)

// Stable rejection reason codes. The error text is the wire-level reason.
var (
	ErrInsufficientLiquidity = errors.New("insufficient_liquidity")
	ErrTimeout               = errors.New("timeout")
	ErrUnknownStrategy       = errors.New("not_found")
	ErrRepayment             = errors.New("insufficient_margin")
)

// Loan lifecycle states, published on every transition.
const (
	StateRequested = "requested"
	StateReserved  = "reserved"
	StateExecuting = "executing"
	StateCommitted = "committed"
	StateReverted  = "reverted"
)

// Revert steps, recorded in metrics and the final state event.
const (
	stepReserve  = "reserve"
	stepStrategy = "strategy"
	stepRepay    = "repay"
)

// Strategy is borrower code run while the loan principal is credited. It may
// only touch the engine and ledger through the session it is handed.
type Strategy func(s *Session) error

// Receipt summarizes a committed loan.
type Receipt struct {
	LoanID    uint64
	Principal int64
	Fee       int64
}

// Coordinator owns the loan pool and drives the loan lifecycle. Loans are
// strictly serialized: at most one strategy executes at a time, under the
// engine's exclusive gate, so no other market participant can observe or
// interleave with its intermediate state.
type Coordinator struct {
	engine *engine.Engine
	ledger *ledger.Ledger
	bus    *events.Bus
	log    *zap.Logger

	feeRateBps  int64
	opBudget    int
	maxDuration time.Duration

	mu         sync.Mutex
	pool       map[string]int64 // asset -> lendable liquidity
	strategies map[string]Strategy

	loanSeq atomic.Uint64
	now     func() time.Time
}

func NewCoordinator(eng *engine.Engine, l *ledger.Ledger, bus *events.Bus, feeRateBps int64, opBudget int, maxDuration time.Duration, log *zap.Logger) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Coordinator{
		engine:      eng,
		ledger:      l,
		bus:         bus,
		log:         log,
		feeRateBps:  feeRateBps,
		opBudget:    opBudget,
		maxDuration: maxDuration,
		pool:        make(map[string]int64),
		strategies:  make(map[string]Strategy),
		now:         time.Now,
	}
}

// Fund adds lendable liquidity to the pool for one asset.
func (c *Coordinator) Fund(asset string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("fund amount must be positive: %d", amount)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pool[asset] += amount
	return nil
}

// PoolLiquidity returns the lendable amount for one asset.
func (c *Coordinator) PoolLiquidity(asset string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pool[asset]
}

// RegisterStrategy makes a strategy addressable by reference from the API.
func (c *Coordinator) RegisterStrategy(ref string, fn Strategy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.strategies[ref] = fn
}

// Fee returns the fee owed on a principal: principal × rate, rounded up so
// the pool never lends for free.
func (c *Coordinator) Fee(principal int64) int64 {
	return (principal*c.feeRateBps + 9999) / 10000
}

// RequestRef runs the strategy registered under ref.
func (c *Coordinator) RequestRef(account common.Address, asset string, principal int64, ref string) (*Receipt, error) {
	c.mu.Lock()
	fn, ok := c.strategies[ref]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: strategy %q", ErrUnknownStrategy, ref)
	}
	return c.Request(account, asset, principal, fn)
}

// Request executes one flash loan end to end. On success the pool has grown
// by the fee and the receipt reports the totals; on any failure the ledger,
// the books and the pool are exactly as they were before the call.
func (c *Coordinator) Request(account common.Address, asset string, principal int64, fn Strategy) (*Receipt, error) {
	if principal <= 0 {
		return nil, fmt.Errorf("principal must be positive: %d", principal)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	loanID := c.loanSeq.Add(1)
	fee := c.Fee(principal)
	c.publish(loanID, account, asset, principal, fee, StateRequested, "")

	if c.pool[asset] < principal {
		c.publish(loanID, account, asset, principal, fee, StateReverted, stepReserve)
		metrics.FlashLoansReverted.WithLabelValues(stepReserve).Inc()
		return nil, fmt.Errorf("%w: pool has %d %s, need %d", ErrInsufficientLiquidity, c.pool[asset], asset, principal)
	}
	c.pool[asset] -= principal
	c.publish(loanID, account, asset, principal, fee, StateReserved, "")

	ex := c.engine.Exclusive()
	defer ex.Close()
	ex.Checkpoint()

	if err := c.ledger.StartJournal(); err != nil {
		c.pool[asset] += principal
		return nil, err
	}
	c.bus.Hold()

	session := &Session{
		co:        c,
		ex:        ex,
		loanID:    loanID,
		account:   account,
		asset:     asset,
		principal: principal,
		fee:       fee,
		deadline:  c.now().Add(c.maxDuration),
		opsLeft:   c.opBudget,
	}

	revert := func(step string, cause error) (*Receipt, error) {
		ex.Rollback()
		if err := c.ledger.RevertJournal(); err != nil {
			// The journal could not be unwound. Nothing the coordinator can
			// do recovers consistency here.
			c.log.Error("flash loan revert failed", zap.Uint64("loan", loanID), zap.Error(err))
		}
		c.pool[asset] += principal
		c.bus.Discard()
		c.publish(loanID, account, asset, principal, fee, StateReverted, step)
		metrics.FlashLoansReverted.WithLabelValues(step).Inc()
		return nil, cause
	}

	if err := c.ledger.Credit(account, asset, principal); err != nil {
		return revert(stepReserve, err)
	}
	c.publish(loanID, account, asset, principal, fee, StateExecuting, "")

	if err := c.runStrategy(fn, session); err != nil {
		return revert(stepStrategy, err)
	}
	if err := session.checkDeadline(); err != nil {
		return revert(stepStrategy, err)
	}

	owed := principal + fee
	if err := c.ledger.Debit(account, asset, owed); err != nil {
		if errors.Is(err, ledger.ErrInsufficient) {
			return revert(stepRepay, fmt.Errorf("%w: owe %d %s", ErrRepayment, owed, asset))
		}
		return revert(stepRepay, err)
	}

	if err := c.ledger.CommitJournal(); err != nil {
		return revert(stepRepay, err)
	}
	c.pool[asset] += owed
	c.publish(loanID, account, asset, principal, fee, StateCommitted, "")
	c.bus.Release()
	metrics.FlashLoansCommitted.Inc()

	c.log.Info("flash loan committed",
		zap.Uint64("loan", loanID),
		zap.String("account", account.Hex()),
		zap.String("asset", asset),
		zap.Int64("principal", principal),
		zap.Int64("fee", fee),
	)
	return &Receipt{LoanID: loanID, Principal: principal, Fee: fee}, nil
}

// runStrategy isolates borrower code: a panic reverts the loan instead of
// taking the engine down with the exclusive gate held.
func (c *Coordinator) runStrategy(fn Strategy, s *Session) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("strategy panic: %v", r)
		}
	}()
	return fn(s)
}

func (c *Coordinator) publish(loanID uint64, account common.Address, asset string, principal, fee int64, state, step string) {
	c.bus.Publish(events.FlashLoanStateChanged, "", events.FlashLoanPayload{
		LoanID:    loanID,
		Account:   account,
		Asset:     asset,
		Principal: principal,
		Fee:       fee,
		State:     state,
		Step:      step,
	})
}

// Session is the strategy's only handle on the engine while the loan runs.
// Every operation spends one unit of the op budget and checks the deadline.
type Session struct {
	co        *Coordinator
	ex        *engine.ExclusiveSession
	loanID    uint64
	account   common.Address
	asset     string
	principal int64
	fee       int64
	deadline  time.Time
	opsLeft   int
}

func (s *Session) Account() common.Address { return s.account }
func (s *Session) Asset() string           { return s.asset }
func (s *Session) Principal() int64        { return s.principal }

// Owed returns the total the strategy must leave available at the end.
func (s *Session) Owed() int64 { return s.principal + s.fee }

// SubmitOrder places an order inside the loan.
func (s *Session) SubmitOrder(req engine.OrderRequest) (*engine.OrderResult, error) {
	if err := s.spend(); err != nil {
		return nil, err
	}
	return s.ex.SubmitOrder(req)
}

// CancelOrder cancels an order placed inside the loan.
func (s *Session) CancelOrder(orderID uint64) (bool, error) {
	if err := s.spend(); err != nil {
		return false, err
	}
	return s.ex.CancelOrder(s.account, orderID), nil
}

func (s *Session) spend() error {
	if err := s.checkBudget(); err != nil {
		return err
	}
	s.opsLeft--
	return nil
}

func (s *Session) checkBudget() error {
	if err := s.checkDeadline(); err != nil {
		return err
	}
	if s.opsLeft <= 0 {
		return fmt.Errorf("%w: loan %d op budget exhausted", ErrTimeout, s.loanID)
	}
	return nil
}

func (s *Session) checkDeadline() error {
	if s.co.now().After(s.deadline) {
		return fmt.Errorf("%w: loan %d exceeded %s", ErrTimeout, s.loanID, s.co.maxDuration)
	}
	return nil
}
