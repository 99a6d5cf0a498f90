package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/fracbond/matching-core/internal/ledger"
	"github.com/fracbond/matching-core/internal/model"
	"github.com/fracbond/matching-core/internal/store"
	"github.com/fracbond/matching-core/internal/tradelog"
)

func (e *Engine) bondCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.bonds)
}

func TestBondState_OnlyForAcceptedOrders(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	l := ledger.New(st, nil)
	tl, err := tradelog.New(ctx, st)
	if err != nil {
		t.Fatalf("trade log: %v", err)
	}
	e := New(st, l, tl, Options{})

	snap, err := e.OrderBook(ctx, "NO-SUCH-BOND", 5)
	if err != nil {
		t.Fatalf("order book: %v", err)
	}
	if len(snap.Bids) != 0 || len(snap.Asks) != 0 || snap.LastTrade != nil {
		t.Errorf("unexpected snapshot for unknown bond: %+v", snap)
	}

	price := decimal.NewFromInt(100)
	req := SubmitRequest{UserID: "u1", BondID: "GHOST-1", Side: model.Buy, Type: model.Limit, LimitPrice: &price, Quantity: 1}
	if _, err := e.Submit(ctx, req); !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if _, err := e.Submit(ctx, SubmitRequest{UserID: "u1", BondID: "GHOST-2", Side: model.Buy, Type: model.Market, Quantity: 1}); !errors.Is(err, ErrNoLiquidity) {
		t.Fatalf("expected ErrNoLiquidity, got %v", err)
	}
	if n := e.bondCount(); n != 0 {
		t.Fatalf("bond states after reads and rejections = %d, want 0", n)
	}

	if err := l.Deposit(ctx, "u1", decimal.NewFromInt(100)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := e.Submit(ctx, req); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if n := e.bondCount(); n != 1 {
		t.Errorf("bond states after a resting order = %d, want 1", n)
	}

	// A rejection on a bond with resting orders keeps its book.
	if _, err := e.Submit(ctx, req); !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	snap, _ = e.OrderBook(ctx, "GHOST-1", 0)
	if len(snap.Bids) != 1 || snap.Bids[0].Quantity != 1 {
		t.Errorf("bids = %+v, want one level of 1", snap.Bids)
	}
}
