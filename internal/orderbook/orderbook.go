// Package orderbook keeps the resting orders of one bond in price-time
// priority.
//
// Each side is a B-tree of price levels ordered best-first; each level holds
// its orders sorted by creation time, then creation sequence. A Book is not
// safe for concurrent use: the matching engine serializes all access to one
// bond's book.
package orderbook

import (
	"errors"
	"fmt"
	"iter"
	"sort"

	"github.com/google/btree"
	"github.com/shopspring/decimal"

	"github.com/fracbond/matching-core/internal/model"
)

// ErrInvalidOrderState is returned when an order cannot rest in the book.
var ErrInvalidOrderState = errors.New("orderbook: invalid order state")

const degree = 16

// level is one price point of one side.
type level struct {
	price  decimal.Decimal
	orders []*model.Order // priority order
}

// insert places o by (CreatedAt, Seq), never by arrival in the book.
func (l *level) insert(o *model.Order) {
	i := sort.Search(len(l.orders), func(i int) bool { return o.Before(l.orders[i]) })
	l.orders = append(l.orders, nil)
	copy(l.orders[i+1:], l.orders[i:])
	l.orders[i] = o
}

func (l *level) remove(id string) {
	for i, o := range l.orders {
		if o.ID == id {
			l.orders = append(l.orders[:i], l.orders[i+1:]...)
			return
		}
	}
}

func (l *level) quantity() int64 {
	var q int64
	for _, o := range l.orders {
		q += o.Remaining()
	}
	return q
}

// Book is the order book of a single bond.
type Book struct {
	bondID string
	bids   *btree.BTreeG[*level] // highest price first
	asks   *btree.BTreeG[*level] // lowest price first
	orders map[string]*model.Order
	counts [2]int // resting orders per side, indexed by sideIndex
}

func sideIndex(s model.Side) int {
	if s == model.Buy {
		return 0
	}
	return 1
}

// New creates an empty book for bondID.
func New(bondID string) *Book {
	return &Book{
		bondID: bondID,
		bids: btree.NewG(degree, func(a, b *level) bool {
			return a.price.GreaterThan(b.price)
		}),
		asks: btree.NewG(degree, func(a, b *level) bool {
			return a.price.LessThan(b.price)
		}),
		orders: make(map[string]*model.Order),
	}
}

// BondID returns the bond this book belongs to.
func (b *Book) BondID() string { return b.bondID }

func (b *Book) side(s model.Side) *btree.BTreeG[*level] {
	if s == model.Buy {
		return b.bids
	}
	return b.asks
}

// Insert rests o in the book. The book keeps the pointer: fills applied to
// o by the caller are reflected in later snapshots.
func (b *Book) Insert(o *model.Order) error {
	switch {
	case o.BondID != b.bondID:
		return fmt.Errorf("%w: order %s is for bond %s, book is %s", ErrInvalidOrderState, o.ID, o.BondID, b.bondID)
	case o.Status != model.StatusOpen && o.Status != model.StatusPartial:
		return fmt.Errorf("%w: order %s is %s", ErrInvalidOrderState, o.ID, o.Status)
	case o.Remaining() <= 0:
		return fmt.Errorf("%w: order %s has no remaining quantity", ErrInvalidOrderState, o.ID)
	case o.Type != model.Limit || o.LimitPrice == nil || !o.LimitPrice.IsPositive():
		return fmt.Errorf("%w: order %s has no limit price", ErrInvalidOrderState, o.ID)
	case !o.Side.Valid():
		return fmt.Errorf("%w: order %s has side %q", ErrInvalidOrderState, o.ID, o.Side)
	}
	if _, ok := b.orders[o.ID]; ok {
		return fmt.Errorf("%w: order %s already resting", ErrInvalidOrderState, o.ID)
	}

	tree := b.side(o.Side)
	lvl, ok := tree.Get(&level{price: *o.LimitPrice})
	if !ok {
		lvl = &level{price: *o.LimitPrice}
		tree.ReplaceOrInsert(lvl)
	}
	lvl.insert(o)
	b.orders[o.ID] = o
	b.counts[sideIndex(o.Side)]++
	return nil
}

// Remove takes an order out of the book and returns it, or nil if it was
// not resting.
func (b *Book) Remove(orderID string) *model.Order {
	o, ok := b.orders[orderID]
	if !ok {
		return nil
	}
	delete(b.orders, orderID)
	b.counts[sideIndex(o.Side)]--

	tree := b.side(o.Side)
	if lvl, ok := tree.Get(&level{price: *o.LimitPrice}); ok {
		lvl.remove(orderID)
		if len(lvl.orders) == 0 {
			tree.Delete(lvl)
		}
	}
	return o
}

// Get returns a resting order by id.
func (b *Book) Get(orderID string) (*model.Order, bool) {
	o, ok := b.orders[orderID]
	return o, ok
}

// Len returns the number of resting orders on one side.
func (b *Book) Len(s model.Side) int {
	return b.counts[sideIndex(s)]
}

// BestOpposite returns the highest-priority order an incoming order of side
// s would match first, or nil if the opposite side is empty.
func (b *Book) BestOpposite(s model.Side) *model.Order {
	lvl, ok := b.side(s.Opposite()).Min()
	if !ok {
		return nil
	}
	return lvl.orders[0]
}

// Opposite yields the orders an incoming order of side s would match, in
// priority order: asks ascending by price for a BUY, bids descending by
// price for a SELL, earlier creation first within a price. The book must
// not be modified during iteration.
func (b *Book) Opposite(s model.Side) iter.Seq[*model.Order] {
	return func(yield func(*model.Order) bool) {
		b.side(s.Opposite()).Ascend(func(lvl *level) bool {
			for _, o := range lvl.orders {
				if !yield(o) {
					return false
				}
			}
			return true
		})
	}
}

// SweepResult describes what a MARKET order would fill against the book.
type SweepResult struct {
	Filled   int64
	Notional decimal.Decimal
	Best     decimal.Decimal
	Worst    decimal.Decimal
}

// Sweep walks the side opposite to s as an incoming MARKET order of qty
// units would, without mutating the book.
func (b *Book) Sweep(s model.Side, qty int64) SweepResult {
	var res SweepResult
	for o := range b.Opposite(s) {
		if res.Filled >= qty {
			break
		}
		q := min(o.Remaining(), qty-res.Filled)
		if res.Filled == 0 {
			res.Best = *o.LimitPrice
		}
		res.Filled += q
		res.Notional = res.Notional.Add(o.LimitPrice.Mul(decimal.NewFromInt(q)))
		res.Worst = *o.LimitPrice
	}
	return res
}

// Snapshot returns aggregated levels of both sides, best first, limited to
// depth levels per side (depth <= 0 means all). The result shares no state
// with the book.
func (b *Book) Snapshot(depth int) (bids, asks []model.Level) {
	return aggregate(b.bids, depth), aggregate(b.asks, depth)
}

func aggregate(tree *btree.BTreeG[*level], depth int) []model.Level {
	levels := make([]model.Level, 0, tree.Len())
	tree.Ascend(func(lvl *level) bool {
		if depth > 0 && len(levels) >= depth {
			return false
		}
		levels = append(levels, model.Level{
			Price:    lvl.price,
			Quantity: lvl.quantity(),
			Orders:   len(lvl.orders),
		})
		return true
	})
	return levels
}
