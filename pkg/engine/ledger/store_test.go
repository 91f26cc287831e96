package ledger

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrxshz77/mrxcoin/pkg/engine/orderbook"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAccountRoundTrip(t *testing.T) {
	s := newTestStore(t)

	balances := map[string]*Entry{"SOL": {Available: 500, Locked: 120}}
	positions := map[string]*Position{
		"MRX-SOL": {Symbol: "MRX-SOL", Size: 10, EntryPrice: 100, Leverage: 5, Margin: 200},
	}
	require.NoError(t, s.SaveAccount(alice, balances, positions))

	gotBals, gotPoss, err := s.LoadAccount(alice)
	require.NoError(t, err)
	assert.Equal(t, balances, gotBals)
	assert.Equal(t, positions, gotPoss)

	// Unknown account loads as nil maps, not an error.
	gotBals, gotPoss, err = s.LoadAccount(bob)
	require.NoError(t, err)
	assert.Nil(t, gotBals)
	assert.Nil(t, gotPoss)
}

func TestLoadAllAccounts(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.SaveAccount(alice, map[string]*Entry{"SOL": {Available: 1}}, nil))
	require.NoError(t, s.SaveAccount(bob, map[string]*Entry{"SOL": {Available: 2}}, nil))

	seen := make(map[string]int64)
	require.NoError(t, s.LoadAllAccounts(func(addr common.Address, balances map[string]*Entry, _ map[string]*Position) {
		seen[addr.Hex()] = balances["SOL"].Available
	}))
	assert.Len(t, seen, 2)
	assert.Equal(t, int64(1), seen[alice.Hex()])
	assert.Equal(t, int64(2), seen[bob.Hex()])
}

func TestTradeLogNewestFirst(t *testing.T) {
	s := newTestStore(t)

	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, s.SaveTrade(&orderbook.Trade{
			ID: i, Symbol: "MRX-SOL", Price: int64(100 + i), Qty: 1, Timestamp: int64(i),
		}))
	}
	// A trade in another symbol must not leak into the scan.
	require.NoError(t, s.SaveTrade(&orderbook.Trade{ID: 9, Symbol: "BTC-SOL", Price: 1, Qty: 1}))

	trades, err := s.LoadRecentTrades("MRX-SOL", 3)
	require.NoError(t, err)
	require.Len(t, trades, 3)
	assert.Equal(t, uint64(5), trades[0].ID, "newest first")
	assert.Equal(t, uint64(3), trades[2].ID)
}
