package ledger

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"

	"github.com/mrxshz77/mrxcoin/pkg/engine/orderbook"
)

// Store provides Pebble-based persistence for accounts and trades.
// Thread safety comes from the Ledger's mutex; the trade log is append-only.
type Store struct {
	db *pebble.DB
}

// accountRecord is the durable shape of one account.
type accountRecord struct {
	Balances  map[string]*Entry    `json:"balances"`
	Positions map[string]*Position `json:"positions"`
}

// NewStore opens a Pebble database at the given path.
func NewStore(dbPath string) (*Store, error) {
	opts := &pebble.Options{
		Cache:                    pebble.NewCache(64 << 20),
		MemTableSize:             32 << 20,
		MaxConcurrentCompactions: func() int { return 2 },
		L0CompactionThreshold:    2,
		L0StopWritesThreshold:    12,
		MaxOpenFiles:             1000,
		BytesPerSync:             512 << 10,
	}

	db, err := pebble.Open(dbPath, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db at %s: %w", dbPath, err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveAccount persists one account's balances and positions.
func (s *Store) SaveAccount(addr common.Address, balances map[string]*Entry, positions map[string]*Position) error {
	rec := accountRecord{Balances: balances, Positions: positions}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal account: %w", err)
	}
	if err := s.db.Set(accountKey(addr), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}
	return nil
}

// LoadAccount loads one account. Returns nil maps if the account is unknown.
func (s *Store) LoadAccount(addr common.Address) (map[string]*Entry, map[string]*Position, error) {
	data, closer, err := s.db.Get(accountKey(addr))
	if err == pebble.ErrNotFound {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get account: %w", err)
	}
	defer closer.Close()

	var rec accountRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, nil, fmt.Errorf("failed to unmarshal account: %w", err)
	}
	return rec.Balances, rec.Positions, nil
}

// LoadAllAccounts streams every persisted account into fn.
func (s *Store) LoadAllAccounts(fn func(addr common.Address, balances map[string]*Entry, positions map[string]*Position)) error {
	prefix := []byte("acct/")
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		key := iter.Key()
		if len(key) != len(prefix)+common.AddressLength {
			continue
		}
		var rec accountRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			continue // skip invalid entries
		}
		fn(common.BytesToAddress(key[len(prefix):]), rec.Balances, rec.Positions)
	}
	return nil
}

// SaveTrade appends a trade to the durable trade log.
// NoSync: trades are reconstructible and batched by pebble.
func (s *Store) SaveTrade(t *orderbook.Trade) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal trade: %w", err)
	}
	if err := s.db.Set(tradeKey(t.Symbol, t.ID), data, pebble.NoSync); err != nil {
		return fmt.Errorf("failed to save trade: %w", err)
	}
	return nil
}

// LoadRecentTrades returns up to limit trades for symbol, newest first.
func (s *Store) LoadRecentTrades(symbol string, limit int) ([]*orderbook.Trade, error) {
	prefix := tradePrefix(symbol)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var trades []*orderbook.Trade
	for iter.Last(); iter.Valid() && len(trades) < limit; iter.Prev() {
		var t orderbook.Trade
		if err := json.Unmarshal(iter.Value(), &t); err != nil {
			continue
		}
		trades = append(trades, &t)
	}
	return trades, nil
}

func accountKey(addr common.Address) []byte {
	return append([]byte("acct/"), addr.Bytes()...)
}

func tradePrefix(symbol string) []byte {
	return []byte("trade/" + symbol + "/")
}

func tradeKey(symbol string, id uint64) []byte {
	key := tradePrefix(symbol)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], id)
	return append(key, buf[:]...)
}

func keyUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
