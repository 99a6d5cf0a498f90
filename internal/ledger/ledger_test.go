package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/fracbond/matching-core/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func newLedger(t *testing.T) (*Ledger, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	return New(st, nil), st
}

// fund gives buyer cash and seller units, with the trade's holds in place.
func fund(t *testing.T, l *Ledger, s Settlement) {
	t.Helper()
	ctx := context.Background()
	if err := l.Deposit(ctx, s.BuyerID, s.BuyerHold.Add(d(1000))); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := l.Allot(ctx, s.SellerID, s.BondID, s.Quantity, d(95)); err != nil {
		t.Fatalf("allot: %v", err)
	}
	if err := l.Reserve(ctx, Hold{UserID: s.BuyerID, Cash: s.BuyerHold}, nil); err != nil {
		t.Fatalf("reserve cash: %v", err)
	}
	if err := l.Reserve(ctx, Hold{UserID: s.SellerID, BondID: s.BondID, Units: s.Quantity}, nil); err != nil {
		t.Fatalf("reserve units: %v", err)
	}
}

func TestSettleTrade_Effects(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()

	s := Settlement{BondID: "B1", BuyerID: "buyer", SellerID: "seller", Price: d(98), Quantity: 100, BuyerHold: d(9900)}
	fund(t, l, s)

	if err := l.SettleTrade(ctx, s, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	buyer, _ := l.Portfolio(ctx, "buyer")
	// Deposited 10900, paid 9800.
	if !buyer.Cash.Equal(d(1100)) {
		t.Errorf("expected buyer cash=1100, got %s", buyer.Cash)
	}
	if !buyer.Reserved.IsZero() {
		t.Errorf("expected buyer hold consumed, got %s", buyer.Reserved)
	}
	if len(buyer.Positions) != 1 || buyer.Positions[0].Quantity != 100 || !buyer.Positions[0].AvgPrice.Equal(d(98)) {
		t.Errorf("unexpected buyer positions: %+v", buyer.Positions)
	}

	seller, _ := l.Portfolio(ctx, "seller")
	if !seller.Cash.Equal(d(9800)) {
		t.Errorf("expected seller cash=9800, got %s", seller.Cash)
	}
	if len(seller.Positions) != 0 {
		t.Errorf("seller position at zero should be removed, got %+v", seller.Positions)
	}
}

func TestSettleTrade_VWAP(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()

	// Buyer already holds 100 @ 95.
	if err := l.Allot(ctx, "buyer", "B1", 100, d(95)); err != nil {
		t.Fatal(err)
	}
	s := Settlement{BondID: "B1", BuyerID: "buyer", SellerID: "seller", Price: d(101), Quantity: 50, BuyerHold: d(5050)}
	fund(t, l, s)

	if err := l.SettleTrade(ctx, s, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	pos, _ := l.Position(ctx, "buyer", "B1")
	// (95×100 + 101×50) / 150 = 97
	if pos.Quantity != 150 || !pos.AvgPrice.Equal(d(97)) {
		t.Errorf("expected 150 @ 97, got %d @ %s", pos.Quantity, pos.AvgPrice)
	}
}

func TestSettleTrade_PriceImprovementFreesHold(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()

	// Buy limit 99 matched at 98: hold 99×10, pay 98×10.
	s := Settlement{BondID: "B1", BuyerID: "buyer", SellerID: "seller", Price: d(98), Quantity: 10, BuyerHold: d(990)}
	fund(t, l, s)

	if err := l.SettleTrade(ctx, s, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	acct, _ := l.Account(ctx, "buyer")
	if !acct.Reserved.IsZero() {
		t.Errorf("expected no hold left, got %s", acct.Reserved)
	}
	// 1990 − 980
	if !acct.Available().Equal(d(1010)) {
		t.Errorf("expected available=1010, got %s", acct.Available())
	}
}

func TestSettleTrade_SellerShortIsInconsistency(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()

	l.Deposit(ctx, "buyer", d(10000))
	l.Reserve(ctx, Hold{UserID: "buyer", Cash: d(980)}, nil)
	l.Allot(ctx, "seller", "B1", 5, d(95))
	l.Reserve(ctx, Hold{UserID: "seller", BondID: "B1", Units: 5}, nil)

	s := Settlement{BondID: "B1", BuyerID: "buyer", SellerID: "seller", Price: d(98), Quantity: 10, BuyerHold: d(980)}
	err := l.SettleTrade(ctx, s, nil)
	if !errors.Is(err, ErrLedgerInconsistency) {
		t.Fatalf("expected ErrLedgerInconsistency, got %v", err)
	}

	// Nothing applied.
	buyer, _ := l.Account(ctx, "buyer")
	if !buyer.Cash.Equal(d(10000)) || !buyer.Reserved.Equal(d(980)) {
		t.Errorf("buyer changed after failed settlement: %+v", buyer)
	}
	pos, _ := l.Position(ctx, "seller", "B1")
	if pos.Quantity != 5 || pos.Reserved != 5 {
		t.Errorf("seller changed after failed settlement: %+v", pos)
	}
}

func TestSettleTrade_RollsBackWithCallback(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()

	s := Settlement{BondID: "B1", BuyerID: "buyer", SellerID: "seller", Price: d(98), Quantity: 10, BuyerHold: d(980)}
	fund(t, l, s)

	boom := errors.New("trade log down")
	err := l.SettleTrade(ctx, s, func(store.Tx) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected callback error, got %v", err)
	}

	buyer, _ := l.Portfolio(ctx, "buyer")
	if len(buyer.Positions) != 0 {
		t.Errorf("buyer must not receive units on rollback, got %+v", buyer.Positions)
	}
	if !buyer.Reserved.Equal(d(980)) {
		t.Errorf("buyer hold must survive rollback, got %s", buyer.Reserved)
	}
	seller, _ := l.Portfolio(ctx, "seller")
	if !seller.Cash.IsZero() {
		t.Errorf("seller must not be paid on rollback, got %s", seller.Cash)
	}
}

func TestSettleTrade_SelfTrade(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()

	s := Settlement{BondID: "B1", BuyerID: "u1", SellerID: "u1", Price: d(100), Quantity: 10, BuyerHold: d(1000)}
	fund(t, l, s)

	if err := l.SettleTrade(ctx, s, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p, _ := l.Portfolio(ctx, "u1")
	if !p.Cash.Equal(d(2000)) || !p.Reserved.IsZero() {
		t.Errorf("self trade should not move cash, got cash=%s reserved=%s", p.Cash, p.Reserved)
	}
	if len(p.Positions) != 1 || p.Positions[0].Quantity != 10 || p.Positions[0].Reserved != 0 {
		t.Errorf("self trade should not move units, got %+v", p.Positions)
	}
}

func TestReserve_InsufficientFunds(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()
	l.Deposit(ctx, "u1", d(500))

	err := l.Reserve(ctx, Hold{UserID: "u1", Cash: d(600)}, nil)
	var fe *FundsError
	if !errors.As(err, &fe) {
		t.Fatalf("expected *FundsError, got %v", err)
	}
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Error("FundsError should unwrap to ErrInsufficientFunds")
	}
	if !fe.Required.Equal(d(600)) || !fe.Available.Equal(d(500)) {
		t.Errorf("unexpected payload: %+v", fe)
	}
}

func TestReserve_HoldsReduceAvailable(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()
	l.Deposit(ctx, "u1", d(1000))

	if err := l.Reserve(ctx, Hold{UserID: "u1", Cash: d(700)}, nil); err != nil {
		t.Fatal(err)
	}
	if err := l.Reserve(ctx, Hold{UserID: "u1", Cash: d(400)}, nil); !errors.Is(err, ErrInsufficientFunds) {
		t.Errorf("second hold should exceed available cash, got %v", err)
	}
	if err := l.Release(ctx, Hold{UserID: "u1", Cash: d(700)}, nil); err != nil {
		t.Fatal(err)
	}
	if err := l.Reserve(ctx, Hold{UserID: "u1", Cash: d(400)}, nil); err != nil {
		t.Errorf("hold should fit after release, got %v", err)
	}
}

func TestReserve_InsufficientPosition(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()

	err := l.Reserve(ctx, Hold{UserID: "u1", BondID: "B1", Units: 1}, nil)
	var pe *PositionError
	if !errors.As(err, &pe) || pe.Available != 0 {
		t.Fatalf("expected *PositionError with nothing available, got %v", err)
	}

	l.Allot(ctx, "u1", "B1", 10, d(100))
	l.Reserve(ctx, Hold{UserID: "u1", BondID: "B1", Units: 8}, nil)
	err = l.Reserve(ctx, Hold{UserID: "u1", BondID: "B1", Units: 3}, nil)
	if !errors.As(err, &pe) || pe.Available != 2 || pe.Required != 3 {
		t.Errorf("expected required=3 available=2, got %v", err)
	}
}

func TestReserve_CallbackFailureUndoesHold(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()
	l.Deposit(ctx, "u1", d(1000))

	err := l.Reserve(ctx, Hold{UserID: "u1", Cash: d(100)}, func(store.Tx) error {
		return store.ErrUnavailable
	})
	if !errors.Is(err, store.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	acct, _ := l.Account(ctx, "u1")
	if !acct.Reserved.IsZero() {
		t.Errorf("hold should be rolled back, got %s", acct.Reserved)
	}
}

func TestRelease_MoreThanHeld(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()
	l.Deposit(ctx, "u1", d(1000))
	l.Reserve(ctx, Hold{UserID: "u1", Cash: d(100)}, nil)

	if err := l.Release(ctx, Hold{UserID: "u1", Cash: d(200)}, nil); !errors.Is(err, ErrLedgerInconsistency) {
		t.Errorf("expected ErrLedgerInconsistency, got %v", err)
	}
}

func TestInvalidAmounts(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()

	cases := []error{
		l.Deposit(ctx, "u1", d(0)),
		l.Deposit(ctx, "u1", d(-5)),
		l.Allot(ctx, "u1", "B1", 0, d(100)),
		l.Reserve(ctx, Hold{UserID: "u1", Cash: d(-1)}, nil),
		l.Release(ctx, Hold{UserID: "u1", BondID: "B1", Units: -1}, nil),
		l.SettleTrade(ctx, Settlement{BuyerID: "a", SellerID: "b", Price: d(100), Quantity: 0}, nil),
	}
	for i, err := range cases {
		if !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("case %d: expected ErrInvalidAmount, got %v", i, err)
		}
	}
}

func TestSettleTrade_ConcurrentConservation(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()

	// Four users trade one unit at a time in a ring, so every pair of
	// concurrent settlements shares a counterparty.
	users := []string{"u0", "u1", "u2", "u3"}
	for _, u := range users {
		l.Deposit(ctx, u, d(100000))
		l.Allot(ctx, u, "B1", 1000, d(100))
	}

	const rounds = 50
	var wg sync.WaitGroup
	for i := range users {
		seller, buyer := users[i], users[(i+1)%len(users)]
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range rounds {
				if err := l.Reserve(ctx, Hold{UserID: buyer, Cash: d(100)}, nil); err != nil {
					t.Errorf("reserve cash: %v", err)
					return
				}
				if err := l.Reserve(ctx, Hold{UserID: seller, BondID: "B1", Units: 1}, nil); err != nil {
					t.Errorf("reserve units: %v", err)
					return
				}
				s := Settlement{BondID: "B1", BuyerID: buyer, SellerID: seller, Price: d(100), Quantity: 1, BuyerHold: d(100)}
				if err := l.SettleTrade(ctx, s, nil); err != nil {
					t.Errorf("settle: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	var units int64
	cash := decimal.Zero
	for _, u := range users {
		p, err := l.Portfolio(ctx, u)
		if err != nil {
			t.Fatal(err)
		}
		cash = cash.Add(p.Cash)
		for _, pos := range p.Positions {
			units += pos.Quantity
		}
		if !p.Reserved.IsZero() {
			t.Errorf("%s: leftover hold %s", u, p.Reserved)
		}
	}
	if units != 4000 {
		t.Errorf("units not conserved: %d", units)
	}
	if !cash.Equal(d(400000)) {
		t.Errorf("cash not conserved: %s", cash)
	}
}

func TestUserLocks_SortedAndDeduplicated(t *testing.T) {
	locks := newUserLocks()

	// Same user twice must not self-deadlock.
	unlock := locks.lock("b", "a", "b")
	unlock()

	if n := len(locks.locks); n != 0 {
		t.Errorf("expected lock table to drain, got %d entries", n)
	}

	// Opposite acquisition orders from many goroutines.
	var wg sync.WaitGroup
	for i := range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids := []string{"x", "y"}
			if i%2 == 0 {
				ids = []string{"y", "x"}
			}
			unlock := locks.lock(ids...)
			unlock()
		}()
	}
	wg.Wait()
}

func ExampleFundsError() {
	err := &FundsError{UserID: "u1", Required: decimal.NewFromInt(9900), Available: decimal.NewFromInt(5000)}
	fmt.Println(err)
	// Output: ledger: insufficient funds for user u1: required 9900, available 5000
}
