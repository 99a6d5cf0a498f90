// Package store defines the durable-state contract of the matching core.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fracbond/matching-core/internal/model"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrUnavailable is returned when the backing storage cannot serve the
	// request. The enclosing operation must be retried as a whole.
	ErrUnavailable = errors.New("store: storage unavailable")
)

// Unavailable wraps err so that errors.Is(err, ErrUnavailable) holds.
func Unavailable(err error) error {
	if err == nil || errors.Is(err, ErrUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// TxFunc runs inside a transaction. Returning an error rolls back every
// write made through tx.
type TxFunc func(tx Tx) error

// Store is the persistence interface. All writes happen inside InTx so that
// ledger effects, trade appends and order updates of one match commit
// together or not at all.
type Store interface {
	// InTx runs fn in a transaction and commits if fn returns nil.
	InTx(ctx context.Context, fn TxFunc) error

	// --- Orders ---

	// GetOrder retrieves an order by ID.
	GetOrder(ctx context.Context, id string) (*model.Order, error)

	// ListOpenOrders returns OPEN and PARTIAL orders, oldest first.
	// An empty bondID lists every bond.
	ListOpenOrders(ctx context.Context, bondID string) ([]model.Order, error)

	// ListOrdersByUser returns a user's orders, newest first.
	ListOrdersByUser(ctx context.Context, userID string, limit int) ([]model.Order, error)

	// --- Ledger reads ---

	// GetAccount returns the cash account of a user.
	GetAccount(ctx context.Context, userID string) (*model.Account, error)

	// ListPositions returns the non-zero positions of a user.
	ListPositions(ctx context.Context, userID string) ([]model.Position, error)

	// --- Trade log ---

	// QueryTrades returns trades matching q in execution (ID) order.
	QueryTrades(ctx context.Context, q TradeQuery) ([]model.Trade, error)

	// LastTrade returns the most recent trade of a bond.
	LastTrade(ctx context.Context, bondID string) (*model.Trade, error)

	// MaxTradeID returns the highest trade ID assigned so far (0 if none).
	MaxTradeID(ctx context.Context) (int64, error)
}

// Tx is the write side of one transaction. Reads through Tx observe the
// transaction's own writes.
type Tx interface {
	// GetAccount returns ErrNotFound when the user has no account yet.
	GetAccount(ctx context.Context, userID string) (*model.Account, error)
	PutAccount(ctx context.Context, a *model.Account) error

	// GetPosition returns ErrNotFound when the user holds no units.
	GetPosition(ctx context.Context, userID, bondID string) (*model.Position, error)
	PutPosition(ctx context.Context, p *model.Position) error
	DeletePosition(ctx context.Context, userID, bondID string) error

	// GetOrder reads an order and locks it until the transaction ends.
	GetOrder(ctx context.Context, id string) (*model.Order, error)

	// SaveOrder inserts or replaces an order.
	SaveOrder(ctx context.Context, o *model.Order) error

	// InsertTrade appends an immutable trade record.
	InsertTrade(ctx context.Context, t *model.Trade) error
}

// TradeQuery filters the trade log. Zero-valued fields do not filter.
type TradeQuery struct {
	BondID  string
	UserID  string // buyer or seller
	From    time.Time
	To      time.Time // exclusive
	AfterID int64     // cursor: only trades with ID > AfterID
	Limit   int
}

// Match reports whether t satisfies the query filters (ignoring Limit).
func (q TradeQuery) Match(t *model.Trade) bool {
	if q.BondID != "" && t.BondID != q.BondID {
		return false
	}
	if q.UserID != "" && t.BuyUserID != q.UserID && t.SellUserID != q.UserID {
		return false
	}
	if !q.From.IsZero() && t.ExecutedAt.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && !t.ExecutedAt.Before(q.To) {
		return false
	}
	return t.ID > q.AfterID
}
