package ledger

import (
	"github.com/ethereum/go-ethereum/common"
)

type recordKind int8

const (
	recordBalance recordKind = iota
	recordPosition
)

// record is a pre-image of a balance entry or position taken immediately
// before its first mutation inside a journal. Reverting restores pre-images
// newest-first, so the earliest pre-image of each key wins and the ledger
// ends bit-identical to the state at StartJournal.
type record struct {
	kind    recordKind
	addr    common.Address
	key     string // asset for balances, symbol for positions
	existed bool
	entry   Entry
	pos     Position
}

type journal struct {
	records []record
	// touched accounts, persisted on commit
	accounts map[common.Address]struct{}
}

func newJournal() *journal {
	return &journal{accounts: make(map[common.Address]struct{})}
}

func (j *journal) noteBalance(addr common.Address, asset string, e *Entry, existed bool) {
	r := record{kind: recordBalance, addr: addr, key: asset, existed: existed}
	if existed {
		r.entry = *e
	}
	j.records = append(j.records, r)
	j.accounts[addr] = struct{}{}
}

func (j *journal) notePosition(addr common.Address, symbol string, p *Position, existed bool) {
	r := record{kind: recordPosition, addr: addr, key: symbol, existed: existed}
	if existed {
		r.pos = *p
	}
	j.records = append(j.records, r)
	j.accounts[addr] = struct{}{}
}
