package engine

import (
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mrxshz77/mrxcoin/pkg/engine/events"
	"github.com/mrxshz77/mrxcoin/pkg/engine/ledger"
	"github.com/mrxshz77/mrxcoin/pkg/engine/margin"
	"github.com/mrxshz77/mrxcoin/pkg/engine/market"
	"github.com/mrxshz77/mrxcoin/pkg/engine/oracle"
	"github.com/mrxshz77/mrxcoin/pkg/engine/orderbook"
)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob   = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	carol = common.HexToAddress("0x00000000000000000000000000000000000000c3")
)

type fixture struct {
	eng  *Engine
	led  *ledger.Ledger
	feed *oracle.Feed
	bus  *events.Bus
}

// newFixture builds an engine over a zero-fee MRX-SOL market so balance
// assertions stay exact.
func newFixture(t *testing.T) *fixture {
	t.Helper()

	reg := market.NewRegistry()
	m, err := market.New("MRX-SOL", "MRX", "SOL", market.Params{
		PriceScale: 6, MinNotional: 1, MaxLeverage: 50,
		MinOrder: 1, MaxOrder: 1_000_000, MaxPosition: 10_000_000,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(m); err != nil {
		t.Fatal(err)
	}

	led := ledger.New(nil, nil)
	feed := oracle.NewFeed()
	feed.SetScale("MRX-SOL", 6)
	bus := events.NewBus()
	mgr := margin.NewManager(led, reg, feed, 5*time.Second, 5000, nil)
	eng := New(led, reg, mgr, feed, bus, nil, 5*time.Second, nil)
	return &fixture{eng: eng, led: led, feed: feed, bus: bus}
}

func (f *fixture) deposit(t *testing.T, addr common.Address, amount int64) {
	t.Helper()
	if err := f.eng.Deposit(addr, "SOL", amount); err != nil {
		t.Fatal(err)
	}
}

func limitReq(addr common.Address, side orderbook.Side, price, qty, lev int64) OrderRequest {
	return OrderRequest{
		Account: addr, Symbol: "MRX-SOL",
		Side: side, Type: orderbook.Limit,
		Price: price, Qty: qty, Leverage: lev,
	}
}

func marketReq(addr common.Address, side orderbook.Side, qty, lev int64) OrderRequest {
	return OrderRequest{
		Account: addr, Symbol: "MRX-SOL",
		Side: side, Type: orderbook.Market,
		Qty: qty, Leverage: lev,
	}
}

func TestSubmitMatchSettle(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, alice, 2000)
	f.deposit(t, bob, 2000)

	// Alice rests a 10-lot ask at 100 (locks 1000 margin at 1x).
	res, err := f.eng.SubmitOrder(limitReq(alice, orderbook.Sell, 100, 10, 1))
	if err != nil {
		t.Fatalf("maker submit: %v", err)
	}
	if res.Status != orderbook.Open {
		t.Fatalf("maker status = %s, want open", res.Status)
	}

	// Bob lifts it entirely.
	res, err = f.eng.SubmitOrder(limitReq(bob, orderbook.Buy, 100, 10, 1))
	if err != nil {
		t.Fatalf("taker submit: %v", err)
	}
	if res.Status != orderbook.Filled {
		t.Fatalf("taker status = %s, want filled", res.Status)
	}
	if len(res.Trades) != 1 || res.Trades[0].Price != 100 || res.Trades[0].Qty != 10 {
		t.Fatalf("trades = %+v, want one 10@100", res.Trades)
	}

	// Both sides carry the full notional as position margin at 1x.
	long, ok := f.led.GetPosition(bob, "MRX-SOL")
	if !ok || long.Size != 10 || long.EntryPrice != 100 || long.Margin != 1000 {
		t.Fatalf("bob position = %+v", long)
	}
	short, ok := f.led.GetPosition(alice, "MRX-SOL")
	if !ok || short.Size != -10 || short.EntryPrice != 100 || short.Margin != 1000 {
		t.Fatalf("alice position = %+v", short)
	}
	if got := f.led.Balance(bob, "SOL"); got.Available != 1000 || got.Locked != 1000 {
		t.Fatalf("bob balance = %+v, want 1000/1000", got)
	}
}

func TestMarketOrderNoLiquidityRejected(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, bob, 2000)
	f.feed.SetTicks("MRX-SOL", 100, time.Now())

	_, err := f.eng.SubmitOrder(marketReq(bob, orderbook.Buy, 10, 1))
	if !errors.Is(err, ErrInsufficientLiquidity) {
		t.Fatalf("err = %v, want insufficient_liquidity", err)
	}
	if Reason(err) != "insufficient_liquidity" {
		t.Fatalf("reason = %q", Reason(err))
	}
	// The admission lock must be fully returned.
	if got := f.led.Balance(bob, "SOL"); got.Available != 2000 || got.Locked != 0 {
		t.Fatalf("balance after rejection = %+v, want 2000/0", got)
	}
}

func TestMarketOrderPartialRemainderCancelled(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, alice, 2000)
	f.deposit(t, bob, 2000)
	f.feed.SetTicks("MRX-SOL", 100, time.Now())

	f.eng.SubmitOrder(limitReq(alice, orderbook.Sell, 100, 4, 1))

	res, err := f.eng.SubmitOrder(marketReq(bob, orderbook.Buy, 10, 1))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Status != orderbook.Cancelled {
		t.Fatalf("status = %s, want cancelled (remainder never rests)", res.Status)
	}
	if len(res.Trades) != 1 || res.Trades[0].Qty != 4 {
		t.Fatalf("trades = %+v, want one 4-lot fill", res.Trades)
	}
	// Locked margin covers only the filled 4 lots (400); the rest returned.
	if got := f.led.Balance(bob, "SOL"); got.Available != 1600 || got.Locked != 400 {
		t.Fatalf("balance = %+v, want 1600/400", got)
	}
	// Nothing rested on the bid side.
	bids, _, _ := f.eng.Snapshot("MRX-SOL", 10)
	if len(bids) != 0 {
		t.Fatalf("bids = %+v, want empty", bids)
	}
}

func TestCancelReleasesMargin(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, alice, 2000)

	res, err := f.eng.SubmitOrder(limitReq(alice, orderbook.Buy, 100, 5, 1))
	if err != nil {
		t.Fatal(err)
	}
	if got := f.led.Balance(alice, "SOL"); got.Locked != 500 {
		t.Fatalf("locked = %d, want 500", got.Locked)
	}

	if !f.eng.CancelOrder(alice, res.OrderID) {
		t.Fatal("cancel should succeed")
	}
	if got := f.led.Balance(alice, "SOL"); got.Available != 2000 || got.Locked != 0 {
		t.Fatalf("balance = %+v, want 2000/0", got)
	}
	// Idempotent, and never across owners.
	if f.eng.CancelOrder(alice, res.OrderID) {
		t.Fatal("second cancel must report not found")
	}
	if f.eng.CancelOrder(bob, res.OrderID) {
		t.Fatal("cancel by non-owner must report not found")
	}
}

func TestUnknownSymbolRejected(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, alice, 2000)

	_, err := f.eng.SubmitOrder(OrderRequest{
		Account: alice, Symbol: "DOGE-SOL",
		Side: orderbook.Buy, Type: orderbook.Limit,
		Price: 100, Qty: 1, Leverage: 1,
	})
	if !errors.Is(err, ErrUnknownSymbol) {
		t.Fatalf("err = %v, want unknown_symbol", err)
	}
}

func TestStopOrderFiresOnLastPrice(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, alice, 5000)
	f.deposit(t, bob, 5000)
	f.deposit(t, carol, 5000)
	f.feed.SetTicks("MRX-SOL", 100, time.Now())

	// Carol offers 10 lots at 110.
	f.eng.SubmitOrder(limitReq(carol, orderbook.Sell, 110, 10, 1))

	// Bob parks a stop buy: fire when the market trades at or above 110.
	res, err := f.eng.SubmitOrder(OrderRequest{
		Account: bob, Symbol: "MRX-SOL",
		Side: orderbook.Buy, Type: orderbook.Stop,
		TriggerPrice: 110, Qty: 5, Leverage: 1,
	})
	if err != nil {
		t.Fatalf("stop submit: %v", err)
	}
	if pos, ok := f.led.GetPosition(bob, "MRX-SOL"); ok {
		t.Fatalf("stop must stay parked, got position %+v", pos)
	}

	// Alice trades at 110, arming the trigger.
	f.eng.SubmitOrder(limitReq(alice, orderbook.Buy, 110, 5, 1))

	pos, ok := f.led.GetPosition(bob, "MRX-SOL")
	if !ok || pos.Size != 5 || pos.EntryPrice != 110 {
		t.Fatalf("bob position after trigger = %+v, want 5@110", pos)
	}
	o, ok := f.eng.GetOrder(bob, res.OrderID)
	if !ok || o.Status != orderbook.Filled {
		t.Fatalf("stop order status = %s, want filled", o.Status)
	}
	// Firing executes at market but the order keeps its submitted type.
	if o.Type != orderbook.Stop {
		t.Fatalf("stop order type = %s, want stop", o.Type)
	}
}

func TestMaintenanceSweepLiquidates(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, alice, 5000)
	f.deposit(t, bob, 5000)
	f.deposit(t, carol, 5000)
	f.feed.SetTicks("MRX-SOL", 100, time.Now())

	// Bob goes long 10 at 100 with 10x (margin 100) against alice's ask.
	f.eng.SubmitOrder(limitReq(alice, orderbook.Sell, 100, 10, 1))
	if _, err := f.eng.SubmitOrder(limitReq(bob, orderbook.Buy, 100, 10, 10)); err != nil {
		t.Fatalf("leveraged buy: %v", err)
	}
	pos, _ := f.led.GetPosition(bob, "MRX-SOL")
	if pos.Margin != 100 {
		t.Fatalf("bob margin = %d, want 100", pos.Margin)
	}

	// Mark at 96: equity 100 + (96-100)*10 = 60, maintenance 50: safe.
	f.feed.SetTicks("MRX-SOL", 96, time.Now())
	n, err := f.eng.RunMaintenance("MRX-SOL")
	if err != nil || n != 0 {
		t.Fatalf("sweep at 96: liquidated=%d err=%v, want 0", n, err)
	}

	// Mark at 93: equity 30 < 50, breached. Carol's bid absorbs the close.
	f.eng.SubmitOrder(limitReq(carol, orderbook.Buy, 93, 10, 1))
	f.feed.SetTicks("MRX-SOL", 93, time.Now())

	n, err = f.eng.RunMaintenance("MRX-SOL")
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("liquidated = %d, want 1", n)
	}
	if _, ok := f.led.GetPosition(bob, "MRX-SOL"); ok {
		t.Fatal("bob position should be closed")
	}
	// Realized (93-100)*10 = -70 against released margin 100:
	// 5000 - 100 + 100 - 70 = 4930 available.
	if got := f.led.Balance(bob, "SOL"); got.Available != 4930 || got.Locked != 0 {
		t.Fatalf("bob balance = %+v, want 4930/0", got)
	}
}

func TestEventsPublished(t *testing.T) {
	f := newFixture(t)
	ch := f.bus.Subscribe(64)
	f.deposit(t, alice, 2000)
	f.deposit(t, bob, 2000)

	f.eng.SubmitOrder(limitReq(alice, orderbook.Sell, 100, 5, 1))
	f.eng.SubmitOrder(limitReq(bob, orderbook.Buy, 100, 5, 1))

	seen := make(map[events.Type]int)
	for {
		select {
		case ev := <-ch:
			seen[ev.Type]++
		default:
			if seen[events.OrderAccepted] != 2 {
				t.Fatalf("order_accepted = %d, want 2", seen[events.OrderAccepted])
			}
			if seen[events.TradeExecuted] != 1 {
				t.Fatalf("trade = %d, want 1", seen[events.TradeExecuted])
			}
			if seen[events.PositionUpdated] != 2 {
				t.Fatalf("position_updated = %d, want 2", seen[events.PositionUpdated])
			}
			return
		}
	}
}

func TestExclusiveRollbackRestoresBooks(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, alice, 2000)
	f.deposit(t, bob, 2000)

	f.eng.SubmitOrder(limitReq(alice, orderbook.Sell, 100, 10, 1))

	balsBefore, possBefore := f.led.Snapshot()

	// Inside an exclusive session: consume alice's ask, then roll back.
	if err := f.led.StartJournal(); err != nil {
		t.Fatal(err)
	}
	x := f.eng.Exclusive()
	x.Checkpoint()
	if _, err := x.SubmitOrder(limitReq(bob, orderbook.Buy, 100, 10, 1)); err != nil {
		t.Fatalf("exclusive submit: %v", err)
	}
	if _, ok := f.led.GetPosition(bob, "MRX-SOL"); !ok {
		t.Fatal("fill should be visible inside the session")
	}
	x.Rollback()
	if err := f.led.RevertJournal(); err != nil {
		t.Fatal(err)
	}
	x.Close()

	// Book and ledger both back to the pre-session state.
	_, asks, _ := f.eng.Snapshot("MRX-SOL", 10)
	if len(asks) != 1 || asks[0].Price != 100 || asks[0].Qty != 10 {
		t.Fatalf("asks = %+v, want alice's 10@100 restored", asks)
	}
	balsAfter, possAfter := f.led.Snapshot()
	if len(balsAfter) != len(balsBefore) {
		t.Fatalf("balances diverged: %v vs %v", balsBefore, balsAfter)
	}
	for addr, assets := range balsBefore {
		for asset, e := range assets {
			if balsAfter[addr][asset] != e {
				t.Fatalf("balance %s/%s = %+v, want %+v", addr.Hex(), asset, balsAfter[addr][asset], e)
			}
		}
	}
	if len(possAfter) != len(possBefore) {
		t.Fatalf("positions diverged after rollback")
	}
}

func TestDepositBlocksDuringExclusiveSession(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, alice, 100)

	x := f.eng.Exclusive()

	// A deposit arriving mid-session must wait for the gate: landing inside
	// would record it in the session's journal and a revert would erase it.
	done := make(chan error, 1)
	go func() {
		done <- f.eng.Deposit(alice, "SOL", 777)
	}()

	select {
	case <-done:
		t.Fatal("deposit landed while the exclusive gate was held")
	case <-time.After(50 * time.Millisecond):
	}

	x.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("deposit after session: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("deposit never landed after the session closed")
	}
	if got := f.eng.Balance(alice, "SOL"); got.Available != 877 {
		t.Fatalf("available = %d, want 877", got.Available)
	}
}

func TestExclusiveRollbackDiscardsDeficit(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, alice, 130)
	f.deposit(t, bob, 5000)
	f.deposit(t, carol, 5000)
	f.feed.SetTicks("MRX-SOL", 100, time.Now())

	// Alice goes long 10 at 100 with 10x (margin 100, 30 left available)
	// against carol's ask; bob bids 10 at 80 to absorb the close.
	f.eng.SubmitOrder(limitReq(carol, orderbook.Sell, 100, 10, 1))
	if _, err := f.eng.SubmitOrder(limitReq(alice, orderbook.Buy, 100, 10, 10)); err != nil {
		t.Fatalf("leveraged buy: %v", err)
	}
	f.eng.SubmitOrder(limitReq(bob, orderbook.Buy, 80, 10, 1))
	f.feed.SetTicks("MRX-SOL", 80, time.Now())

	// Closing at 80 realizes -200 against 116 of released margin and 14 of
	// available: a 70 deficit, deferred while the session is open.
	closeReq := marketReq(alice, orderbook.Sell, 10, 50)

	if err := f.led.StartJournal(); err != nil {
		t.Fatal(err)
	}
	x := f.eng.Exclusive()
	x.Checkpoint()
	if _, err := x.SubmitOrder(closeReq); err != nil {
		t.Fatalf("exclusive close: %v", err)
	}
	if got := f.eng.InsuranceDeficit(); got != 0 {
		t.Fatalf("deficit visible mid-session = %d, want 0", got)
	}
	x.Rollback()
	if err := f.led.RevertJournal(); err != nil {
		t.Fatal(err)
	}
	x.Close()

	if got := f.eng.InsuranceDeficit(); got != 0 {
		t.Fatalf("deficit after rollback = %d, want 0", got)
	}
	if pos, ok := f.led.GetPosition(alice, "MRX-SOL"); !ok || pos.Size != 10 {
		t.Fatalf("alice position after rollback = %+v, want 10 long restored", pos)
	}

	// The same close inside a committed session flushes the deficit.
	if err := f.led.StartJournal(); err != nil {
		t.Fatal(err)
	}
	x = f.eng.Exclusive()
	x.Checkpoint()
	if _, err := x.SubmitOrder(closeReq); err != nil {
		t.Fatalf("committed close: %v", err)
	}
	if err := f.led.CommitJournal(); err != nil {
		t.Fatal(err)
	}
	x.Close()

	if got := f.eng.InsuranceDeficit(); got != 70 {
		t.Fatalf("deficit after commit = %d, want 70", got)
	}
}
