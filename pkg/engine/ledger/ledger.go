package ledger

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// ErrInsufficient is returned when an account's available balance cannot
// cover a debit or a margin lock.
var ErrInsufficient = errors.New("insufficient available balance")

// Entry is the per-account, per-asset balance pair. Invariant: Available and
// Locked are never negative at any committed state.
type Entry struct {
	Available int64 `json:"available"`
	Locked    int64 `json:"locked"`
}

// FillResult reports the ledger effects of applying one fill to a position.
type FillResult struct {
	Realized int64 // realized PnL credited (or debited) on reduce/close
	Released int64 // margin unlocked back to available
	Deficit  int64 // loss the released margin could not cover (insurance-fund debt)
}

// Ledger holds balances and open positions for every account. It is the one
// structure shared across symbol shards, so every operation runs inside its
// single critical section. The journal, when active, records pre-images of
// everything touched so the flash-loan coordinator can roll back atomically.
type Ledger struct {
	mu        sync.Mutex
	balances  map[common.Address]map[string]*Entry    // addr -> asset -> entry
	positions map[common.Address]map[string]*Position // addr -> symbol -> position
	journal   *journal
	store     *Store // optional persistence
	log       *zap.Logger
}

// New creates an in-memory ledger. store may be nil (tests).
func New(store *Store, log *zap.Logger) *Ledger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Ledger{
		balances:  make(map[common.Address]map[string]*Entry),
		positions: make(map[common.Address]map[string]*Position),
		store:     store,
		log:       log,
	}
}

// entryLocked returns the entry for (addr, asset), creating it if needed and
// journaling the pre-image. Callers hold l.mu.
func (l *Ledger) entryLocked(addr common.Address, asset string) *Entry {
	assets, ok := l.balances[addr]
	if !ok {
		assets = make(map[string]*Entry)
		l.balances[addr] = assets
	}
	e, existed := assets[asset]
	if !existed {
		e = &Entry{}
		assets[asset] = e
	}
	if l.journal != nil {
		l.journal.noteBalance(addr, asset, e, existed)
	}
	return e
}

func (l *Ledger) positionLocked(addr common.Address, symbol string) *Position {
	syms, ok := l.positions[addr]
	if !ok {
		syms = make(map[string]*Position)
		l.positions[addr] = syms
	}
	p, existed := syms[symbol]
	if !existed {
		p = &Position{Symbol: symbol}
		syms[symbol] = p
	}
	if l.journal != nil {
		l.journal.notePosition(addr, symbol, p, existed)
	}
	return p
}

// Deposit adds funds to an account's available balance.
func (l *Ledger) Deposit(addr common.Address, asset string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("deposit amount must be positive: %d", amount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.entryLocked(addr, asset).Available += amount
	l.persistLocked(addr)
	return nil
}

// Withdraw removes funds from an account's available balance.
func (l *Ledger) Withdraw(addr common.Address, asset string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("withdraw amount must be positive: %d", amount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e := l.entryLocked(addr, asset)
	if e.Available < amount {
		return fmt.Errorf("%w: have %d, need %d", ErrInsufficient, e.Available, amount)
	}
	e.Available -= amount
	l.persistLocked(addr)
	return nil
}

// Balance returns a copy of the entry for (addr, asset).
func (l *Ledger) Balance(addr common.Address, asset string) Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	if assets, ok := l.balances[addr]; ok {
		if e, ok := assets[asset]; ok {
			return *e
		}
	}
	return Entry{}
}

// Restore installs persisted state for one account, replacing whatever is in
// memory. Startup replay only; never call while trading is live.
func (l *Ledger) Restore(addr common.Address, balances map[string]*Entry, positions map[string]*Position) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(balances) > 0 {
		l.balances[addr] = balances
	}
	if len(positions) > 0 {
		l.positions[addr] = positions
	}
}

// Balances returns copies of every asset entry for one account.
func (l *Ledger) Balances(addr common.Address) map[string]Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[string]Entry)
	for asset, e := range l.balances[addr] {
		out[asset] = *e
	}
	return out
}

// Lock moves amount from available to locked (margin, repayment obligations).
func (l *Ledger) Lock(addr common.Address, asset string, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("lock amount cannot be negative: %d", amount)
	}
	if amount == 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e := l.entryLocked(addr, asset)
	if e.Available < amount {
		return fmt.Errorf("%w: have %d, need %d", ErrInsufficient, e.Available, amount)
	}
	e.Available -= amount
	e.Locked += amount
	return nil
}

// Unlock releases locked funds back to available.
func (l *Ledger) Unlock(addr common.Address, asset string, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("unlock amount cannot be negative: %d", amount)
	}
	if amount == 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e := l.entryLocked(addr, asset)
	if e.Locked < amount {
		return fmt.Errorf("cannot unlock more than locked: locked=%d, unlock=%d", e.Locked, amount)
	}
	e.Locked -= amount
	e.Available += amount
	return nil
}

// Credit adds to an account's available balance (flash-loan principal,
// maker rebates).
func (l *Ledger) Credit(addr common.Address, asset string, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("credit amount cannot be negative: %d", amount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.entryLocked(addr, asset).Available += amount
	return nil
}

// Debit removes from an account's available balance.
func (l *Ledger) Debit(addr common.Address, asset string, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("debit amount cannot be negative: %d", amount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e := l.entryLocked(addr, asset)
	if e.Available < amount {
		return fmt.Errorf("%w: have %d, need %d", ErrInsufficient, e.Available, amount)
	}
	e.Available -= amount
	return nil
}

// Leg is one side of an atomic multi-account transfer.
type Leg struct {
	Addr   common.Address
	Asset  string
	Amount int64 // positive = credit available, negative = debit available
}

// Settle applies a set of legs atomically. Validation sums the legs per
// (account, asset) first, so repeated debits of the same entry are checked
// against their combined effect: either every leg lands or none do, and no
// committed state leaves an available balance negative.
func (l *Ledger) Settle(legs []Leg) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	type entryKey struct {
		addr  common.Address
		asset string
	}
	net := make(map[entryKey]int64, len(legs))
	for _, leg := range legs {
		net[entryKey{leg.Addr, leg.Asset}] += leg.Amount
	}
	for k, delta := range net {
		if delta >= 0 {
			continue
		}
		e := l.entryLocked(k.addr, k.asset)
		if e.Available+delta < 0 {
			return fmt.Errorf("%w: settle %s %s: have %d, need %d",
				ErrInsufficient, k.addr.Hex(), k.asset, e.Available, -delta)
		}
	}
	for _, leg := range legs {
		l.entryLocked(leg.Addr, leg.Asset).Available += leg.Amount
	}
	return nil
}

// ApplyFill updates (addr, symbol)'s position for a fill of signed sizeDelta
// lots at price. marginDelta is the slice of the order's admission lock
// consumed by this fill, in quote units.
//
// Same-direction fills grow the position and its margin (VWAP entry update).
// Opposite-direction fills realize PnL on the closed portion, release the
// proportional margin plus the order's own marginDelta, and flip the
// remainder onto a fresh entry price when the position crosses zero.
func (l *Ledger) ApplyFill(addr common.Address, symbol, quoteAsset string, sizeDelta, price, marginDelta, leverage int64) (FillResult, error) {
	if sizeDelta == 0 {
		return FillResult{}, fmt.Errorf("size delta cannot be zero")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	pos := l.positionLocked(addr, symbol)
	e := l.entryLocked(addr, quoteAsset)

	oldSize := pos.Size
	newSize := oldSize + sizeDelta
	var res FillResult

	sameDirection := oldSize == 0 || (oldSize > 0) == (sizeDelta > 0)
	if sameDirection {
		absOld := absInt64(oldSize)
		absNew := absInt64(newSize)
		if oldSize == 0 {
			pos.EntryPrice = price
		} else {
			pos.EntryPrice = (pos.EntryPrice*absOld + price*absInt64(sizeDelta)) / absNew
		}
		pos.Size = newSize
		pos.Margin += marginDelta
		pos.Leverage = leverage
		return res, nil
	}

	// Opposite direction: close up to |oldSize| lots, then flip any excess.
	absOld := absInt64(oldSize)
	closed := min64(absInt64(sizeDelta), absOld)

	realized := (price - pos.EntryPrice) * closed
	if oldSize < 0 {
		realized = -realized
	}
	released := int64(0)
	if absOld > 0 {
		released = pos.Margin * closed / absOld
	}
	pos.Margin -= released

	// The closing order locked margin of its own at admission; it is not
	// needed to carry the reduced position, so it is released alongside.
	flipped := absInt64(sizeDelta) > absOld
	releasedOrderMargin := marginDelta
	if flipped {
		releasedOrderMargin = 0 // order margin carries the new flipped position
	}

	unlock := released + releasedOrderMargin
	if e.Locked < unlock {
		return res, fmt.Errorf("position margin exceeds locked balance: locked=%d, release=%d", e.Locked, unlock)
	}
	e.Locked -= unlock
	e.Available += unlock + realized
	if e.Available < 0 {
		// Loss exceeded the posted margin. The account is zeroed and the
		// deficit surfaced to the caller (insurance-fund debt).
		res.Deficit = -e.Available
		e.Available = 0
	}
	res.Realized = realized
	res.Released = unlock

	pos.Size = newSize
	switch {
	case newSize == 0:
		pos.EntryPrice = 0
		pos.Margin = 0
		pos.Leverage = 0
	case flipped:
		pos.EntryPrice = price
		pos.Margin = marginDelta
		pos.Leverage = leverage
	}
	return res, nil
}

// GetPosition returns a copy of the position for (addr, symbol).
func (l *Ledger) GetPosition(addr common.Address, symbol string) (Position, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if syms, ok := l.positions[addr]; ok {
		if p, ok := syms[symbol]; ok && p.Size != 0 {
			return *p, true
		}
	}
	return Position{}, false
}

// PositionsBySymbol returns copies of every non-flat position in symbol,
// keyed by account. Used by the liquidation sweep.
func (l *Ledger) PositionsBySymbol(symbol string) map[common.Address]Position {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[common.Address]Position)
	for addr, syms := range l.positions {
		if p, ok := syms[symbol]; ok && p.Size != 0 {
			out[addr] = *p
		}
	}
	return out
}

// Positions returns copies of all non-flat positions for one account.
func (l *Ledger) Positions(addr common.Address) []Position {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Position
	for _, p := range l.positions[addr] {
		if p.Size != 0 {
			out = append(out, *p)
		}
	}
	return out
}

// StartJournal begins recording pre-images of every mutation. Only one
// journal may be active; the flash-loan coordinator serializes its use.
func (l *Ledger) StartJournal() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.journal != nil {
		return fmt.Errorf("journal already active")
	}
	l.journal = newJournal()
	return nil
}

// CommitJournal finalizes the recorded mutations and persists every account
// the journal touched.
func (l *Ledger) CommitJournal() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.journal == nil {
		return fmt.Errorf("no active journal")
	}
	for addr := range l.journal.accounts {
		l.persistLocked(addr)
	}
	l.journal = nil
	return nil
}

// RevertJournal undoes every mutation recorded since StartJournal, newest
// first, leaving the ledger bit-identical to its pre-journal state.
func (l *Ledger) RevertJournal() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.journal == nil {
		return fmt.Errorf("no active journal")
	}
	recs := l.journal.records
	l.journal = nil // disable recording while restoring

	for i := len(recs) - 1; i >= 0; i-- {
		r := recs[i]
		switch r.kind {
		case recordBalance:
			if !r.existed {
				delete(l.balances[r.addr], r.key)
				continue
			}
			e := r.entry
			l.balances[r.addr][r.key] = &e
		case recordPosition:
			if !r.existed {
				delete(l.positions[r.addr], r.key)
				continue
			}
			p := r.pos
			l.positions[r.addr][r.key] = &p
		}
	}

	// Prune account maps the journal created, so the snapshot compares
	// bit-identical to the pre-journal state.
	for addr, assets := range l.balances {
		if len(assets) == 0 {
			delete(l.balances, addr)
		}
	}
	for addr, syms := range l.positions {
		if len(syms) == 0 {
			delete(l.positions, addr)
		}
	}
	return nil
}

// Snapshot returns a deep copy of all balances and positions, for invariant
// checks and tests.
func (l *Ledger) Snapshot() (map[common.Address]map[string]Entry, map[common.Address]map[string]Position) {
	l.mu.Lock()
	defer l.mu.Unlock()

	bals := make(map[common.Address]map[string]Entry, len(l.balances))
	for addr, assets := range l.balances {
		m := make(map[string]Entry, len(assets))
		for asset, e := range assets {
			m[asset] = *e
		}
		bals[addr] = m
	}
	poss := make(map[common.Address]map[string]Position, len(l.positions))
	for addr, syms := range l.positions {
		m := make(map[string]Position, len(syms))
		for sym, p := range syms {
			m[sym] = *p
		}
		poss[addr] = m
	}
	return bals, poss
}

// persistLocked saves one account to the store, best effort.
func (l *Ledger) persistLocked(addr common.Address) {
	if l.store == nil {
		return
	}
	if err := l.store.SaveAccount(addr, l.balances[addr], l.positions[addr]); err != nil {
		l.log.Warn("persist account failed", zap.String("addr", addr.Hex()), zap.Error(err))
	}
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
