// Package tradelog is the append-only record of executed trades.
package tradelog

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync/atomic"
	"time"

	"github.com/fracbond/matching-core/internal/model"
	"github.com/fracbond/matching-core/internal/store"
)

// DefaultPageSize bounds a Query without an explicit limit.
const DefaultPageSize = 100

// ErrInvalidTrade is returned when appending a trade that violates the
// trade invariants (non-positive quantity or price).
var ErrInvalidTrade = errors.New("tradelog: invalid trade")

// Sequencer issues strictly increasing trade ids.
type Sequencer struct {
	seq atomic.Int64
}

// NewSequencer creates a sequencer whose first id is start+1.
func NewSequencer(start int64) *Sequencer {
	s := &Sequencer{}
	s.seq.Store(start)
	return s
}

// Next returns the next id.
func (s *Sequencer) Next() int64 { return s.seq.Add(1) }

// Log appends trades inside the caller's storage transaction and serves
// read queries.
type Log struct {
	st  store.Store
	seq *Sequencer
	now func() time.Time
}

// New creates a trade log, continuing the id sequence after the highest
// trade already stored.
func New(ctx context.Context, st store.Store) (*Log, error) {
	maxID, err := st.MaxTradeID(ctx)
	if err != nil {
		return nil, fmt.Errorf("tradelog: load sequence: %w", err)
	}
	return &Log{st: st, seq: NewSequencer(maxID), now: time.Now}, nil
}

// Append assigns an id and execution time to t if unset and writes it
// through tx. It only fails on invalid trades or storage errors, which
// abort the enclosing transaction.
func (l *Log) Append(ctx context.Context, tx store.Tx, t *model.Trade) error {
	if t.Quantity <= 0 || !t.Price.IsPositive() {
		return fmt.Errorf("%w: quantity=%d price=%s", ErrInvalidTrade, t.Quantity, t.Price)
	}
	if t.ID == 0 {
		t.ID = l.seq.Next()
	}
	if t.ExecutedAt.IsZero() {
		t.ExecutedAt = l.now().UTC()
	}
	return tx.InsertTrade(ctx, t)
}

// Query selects trades by bond or user and time range. Zero fields do not
// filter; To is exclusive.
type Query struct {
	BondID string
	UserID string
	From   time.Time
	To     time.Time
	Cursor int64 // NextCursor of the previous page
	Limit  int
}

// Page is one batch of trades in execution order.
type Page struct {
	Trades     []model.Trade `json:"trades"`
	NextCursor int64         `json:"next_cursor,omitempty"` // 0 on the last page
}

// Query returns one page of trades matching q.
func (l *Log) Query(ctx context.Context, q Query) (Page, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultPageSize
	}

	// Fetch one extra row to know whether another page follows.
	trades, err := l.st.QueryTrades(ctx, store.TradeQuery{
		BondID:  q.BondID,
		UserID:  q.UserID,
		From:    q.From,
		To:      q.To,
		AfterID: q.Cursor,
		Limit:   limit + 1,
	})
	if err != nil {
		return Page{}, err
	}

	page := Page{Trades: trades}
	if len(trades) > limit {
		page.Trades = trades[:limit]
		page.NextCursor = page.Trades[limit-1].ID
	}
	if page.Trades == nil {
		page.Trades = []model.Trade{}
	}
	return page, nil
}

// All lazily walks every trade matching q, fetching one page at a time.
// Iteration stops at the first error.
func (l *Log) All(ctx context.Context, q Query) iter.Seq2[model.Trade, error] {
	return func(yield func(model.Trade, error) bool) {
		for {
			page, err := l.Query(ctx, q)
			if err != nil {
				yield(model.Trade{}, err)
				return
			}
			for _, t := range page.Trades {
				if !yield(t, nil) {
					return
				}
			}
			if page.NextCursor == 0 {
				return
			}
			q.Cursor = page.NextCursor
		}
	}
}

// Last returns the most recent trade of a bond, or nil if it never traded.
func (l *Log) Last(ctx context.Context, bondID string) (*model.Trade, error) {
	t, err := l.st.LastTrade(ctx, bondID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return t, err
}
