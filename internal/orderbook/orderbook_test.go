package orderbook

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fracbond/matching-core/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var t0 = time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)

func limit(id string, side model.Side, price float64, qty int64, at int) *model.Order {
	p := d(price)
	return &model.Order{
		ID:         id,
		UserID:     "u-" + id,
		BondID:     "B1",
		Side:       side,
		Type:       model.Limit,
		LimitPrice: &p,
		Quantity:   qty,
		Status:     model.StatusOpen,
		Seq:        int64(at),
		CreatedAt:  t0.Add(time.Duration(at) * time.Second),
	}
}

func ids(b *Book, s model.Side) []string {
	var out []string
	for o := range b.Opposite(s) {
		out = append(out, o.ID)
	}
	return out
}

func TestOpposite_AsksAscendingThenTime(t *testing.T) {
	b := New("B1")
	for _, o := range []*model.Order{
		limit("s3", model.Sell, 101, 10, 1),
		limit("s2", model.Sell, 100, 10, 3),
		limit("s1", model.Sell, 100, 10, 2),
		limit("s4", model.Sell, 99.5, 10, 4),
	} {
		if err := b.Insert(o); err != nil {
			t.Fatalf("insert %s: %v", o.ID, err)
		}
	}

	got := ids(b, model.Buy)
	want := []string{"s4", "s1", "s2", "s3"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestOpposite_BidsDescendingThenTime(t *testing.T) {
	b := New("B1")
	b.Insert(limit("b1", model.Buy, 98, 10, 1))
	b.Insert(limit("b2", model.Buy, 99, 10, 2))
	b.Insert(limit("b3", model.Buy, 99, 10, 3))

	got := ids(b, model.Sell)
	want := []string{"b2", "b3", "b1"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], got[i])
		}
	}
	if best := b.BestOpposite(model.Sell); best.ID != "b2" {
		t.Errorf("expected best bid b2, got %s", best.ID)
	}
}

func TestInsert_CreationTimeNotArrival(t *testing.T) {
	// An older order inserted later (e.g. on restore) still has priority.
	b := New("B1")
	b.Insert(limit("late", model.Sell, 100, 10, 5))
	b.Insert(limit("early", model.Sell, 100, 10, 1))

	if best := b.BestOpposite(model.Buy); best.ID != "early" {
		t.Errorf("expected early order first, got %s", best.ID)
	}
}

func TestInsert_SameTimestampUsesSequence(t *testing.T) {
	b := New("B1")
	first := limit("first", model.Sell, 100, 10, 1)
	second := limit("second", model.Sell, 100, 10, 1)
	first.Seq, second.Seq = 7, 8

	b.Insert(second)
	b.Insert(first)

	if best := b.BestOpposite(model.Buy); best.ID != "first" {
		t.Errorf("expected lower sequence first, got %s", best.ID)
	}
}

func TestInsert_InvalidState(t *testing.T) {
	executed := limit("x1", model.Buy, 100, 10, 1)
	executed.Filled = 10
	executed.Status = model.StatusExecuted

	cancelled := limit("x2", model.Buy, 100, 10, 1)
	cancelled.Status = model.StatusCancelled

	filled := limit("x3", model.Buy, 100, 10, 1)
	filled.Filled = 10 // status still says OPEN

	market := limit("x4", model.Buy, 100, 10, 1)
	market.Type = model.Market
	market.LimitPrice = nil

	foreign := limit("x5", model.Buy, 100, 10, 1)
	foreign.BondID = "B2"

	b := New("B1")
	for _, o := range []*model.Order{executed, cancelled, filled, market, foreign} {
		if err := b.Insert(o); !errors.Is(err, ErrInvalidOrderState) {
			t.Errorf("%s: expected ErrInvalidOrderState, got %v", o.ID, err)
		}
	}
	if b.BestOpposite(model.Sell) != nil {
		t.Error("rejected orders must not rest")
	}
}

func TestInsert_Duplicate(t *testing.T) {
	b := New("B1")
	o := limit("dup", model.Buy, 100, 10, 1)
	if err := b.Insert(o); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := b.Insert(o); !errors.Is(err, ErrInvalidOrderState) {
		t.Errorf("expected ErrInvalidOrderState on duplicate, got %v", err)
	}
}

func TestRemove(t *testing.T) {
	b := New("B1")
	b.Insert(limit("s1", model.Sell, 100, 10, 1))
	b.Insert(limit("s2", model.Sell, 100, 10, 2))

	if o := b.Remove("s1"); o == nil || o.ID != "s1" {
		t.Fatalf("expected to remove s1, got %v", o)
	}
	if best := b.BestOpposite(model.Buy); best.ID != "s2" {
		t.Errorf("expected s2 after removal, got %s", best.ID)
	}

	b.Remove("s2")
	if b.BestOpposite(model.Buy) != nil {
		t.Error("expected empty ask side")
	}
	_, asks := b.Snapshot(0)
	if len(asks) != 0 {
		t.Errorf("empty level should be dropped, got %v", asks)
	}
}

func TestRemove_AbsentIsNoop(t *testing.T) {
	b := New("B1")
	if o := b.Remove("missing"); o != nil {
		t.Errorf("expected nil, got %v", o)
	}
}

func TestSnapshot_AggregatesAndLimitsDepth(t *testing.T) {
	b := New("B1")
	s1 := limit("s1", model.Sell, 100, 10, 1)
	s1.Filled = 4
	s1.Status = model.StatusPartial
	b.Insert(s1)
	b.Insert(limit("s2", model.Sell, 100, 5, 2))
	b.Insert(limit("s3", model.Sell, 101, 7, 3))
	b.Insert(limit("s4", model.Sell, 102, 1, 4))
	b.Insert(limit("b1", model.Buy, 99, 3, 5))
	b.Insert(limit("b2", model.Buy, 98, 2, 6))

	bids, asks := b.Snapshot(2)
	if len(asks) != 2 {
		t.Fatalf("expected 2 ask levels, got %d", len(asks))
	}
	if !asks[0].Price.Equal(d(100)) || asks[0].Quantity != 11 || asks[0].Orders != 2 {
		t.Errorf("unexpected best ask level: %+v", asks[0])
	}
	if !asks[1].Price.Equal(d(101)) || asks[1].Quantity != 7 {
		t.Errorf("unexpected second ask level: %+v", asks[1])
	}
	if len(bids) != 2 || !bids[0].Price.Equal(d(99)) || !bids[1].Price.Equal(d(98)) {
		t.Errorf("unexpected bids: %+v", bids)
	}

	// Snapshots are copies.
	asks[0].Quantity = 0
	_, again := b.Snapshot(1)
	if again[0].Quantity != 11 {
		t.Errorf("snapshot must not alias book state, got %d", again[0].Quantity)
	}
}

func TestSweep(t *testing.T) {
	b := New("B1")
	b.Insert(limit("s1", model.Sell, 98, 10, 1))
	b.Insert(limit("s2", model.Sell, 99, 10, 2))

	res := b.Sweep(model.Buy, 15)
	if res.Filled != 15 {
		t.Errorf("expected filled=15, got %d", res.Filled)
	}
	// 10×98 + 5×99 = 1475
	if !res.Notional.Equal(d(1475)) {
		t.Errorf("expected notional=1475, got %s", res.Notional)
	}
	if !res.Best.Equal(d(98)) || !res.Worst.Equal(d(99)) {
		t.Errorf("expected best=98 worst=99, got %s %s", res.Best, res.Worst)
	}

	short := b.Sweep(model.Buy, 50)
	if short.Filled != 20 {
		t.Errorf("sweep should stop at book depth, got %d", short.Filled)
	}

	if empty := b.Sweep(model.Sell, 5); empty.Filled != 0 {
		t.Errorf("expected nothing against empty bids, got %d", empty.Filled)
	}
}

func TestLen(t *testing.T) {
	b := New("B1")
	b.Insert(limit("s1", model.Sell, 98, 10, 1))
	b.Insert(limit("b1", model.Buy, 97, 10, 2))
	b.Insert(limit("b2", model.Buy, 96, 10, 3))

	if n := b.Len(model.Buy); n != 2 {
		t.Errorf("expected 2 bids, got %d", n)
	}
	if n := b.Len(model.Sell); n != 1 {
		t.Errorf("expected 1 ask, got %d", n)
	}
}
