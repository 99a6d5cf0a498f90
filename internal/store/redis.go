package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fracbond/matching-core/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for orders, accounts and positions. Writes go to the primary store
// inside InTx; the keys they touch are invalidated once the transaction
// commits. Reads check Redis first then fall back to the primary.
//
// A read that misses can race a commit and write back the pre-commit copy,
// so only EXECUTED and CANCELLED orders are cached: they never change again.
// Decisions on an order's live state read it through Tx.GetOrder.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write path (primary, then invalidate) ---

func (s *CachedStore) InTx(ctx context.Context, fn TxFunc) error {
	var touched []string
	err := s.primary.InTx(ctx, func(tx Tx) error {
		touched = touched[:0] // primary may retry fn
		return fn(&cachedTx{Tx: tx, touched: &touched})
	})
	if err != nil {
		return err
	}
	if len(touched) > 0 {
		s.rdb.Del(ctx, touched...)
	}
	return nil
}

// cachedTx records the cache keys a transaction writes. Reads inside the
// transaction go straight to the primary.
type cachedTx struct {
	Tx
	touched *[]string
}

func (t *cachedTx) touch(keys ...string) { *t.touched = append(*t.touched, keys...) }

func (t *cachedTx) PutAccount(ctx context.Context, a *model.Account) error {
	t.touch(accountKey(a.UserID))
	return t.Tx.PutAccount(ctx, a)
}

func (t *cachedTx) PutPosition(ctx context.Context, p *model.Position) error {
	t.touch(positionsKey(p.UserID))
	return t.Tx.PutPosition(ctx, p)
}

func (t *cachedTx) DeletePosition(ctx context.Context, userID, bondID string) error {
	t.touch(positionsKey(userID))
	return t.Tx.DeletePosition(ctx, userID, bondID)
}

func (t *cachedTx) SaveOrder(ctx context.Context, o *model.Order) error {
	t.touch(orderKey(o.ID))
	return t.Tx.SaveOrder(ctx, o)
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	var o model.Order
	if s.cached(ctx, orderKey(id), &o) {
		return &o, nil
	}

	order, err := s.primary.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheOrder(ctx, order)
	return order, nil
}

// cacheOrder caches o if its state is final.
func (s *CachedStore) cacheOrder(ctx context.Context, o *model.Order) {
	if o.Status.Terminal() {
		s.cache(ctx, orderKey(o.ID), o)
	}
}

func (s *CachedStore) GetAccount(ctx context.Context, userID string) (*model.Account, error) {
	var a model.Account
	if s.cached(ctx, accountKey(userID), &a) {
		return &a, nil
	}

	acct, err := s.primary.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, accountKey(userID), acct)
	return acct, nil
}

func (s *CachedStore) ListPositions(ctx context.Context, userID string) ([]model.Position, error) {
	var positions []model.Position
	if s.cached(ctx, positionsKey(userID), &positions) {
		return positions, nil
	}

	positions, err := s.primary.ListPositions(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, positionsKey(userID), positions)
	return positions, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListOpenOrders(ctx context.Context, bondID string) ([]model.Order, error) {
	return s.primary.ListOpenOrders(ctx, bondID)
}

func (s *CachedStore) ListOrdersByUser(ctx context.Context, userID string, limit int) ([]model.Order, error) {
	return s.primary.ListOrdersByUser(ctx, userID, limit)
}

func (s *CachedStore) QueryTrades(ctx context.Context, q TradeQuery) ([]model.Trade, error) {
	return s.primary.QueryTrades(ctx, q)
}

func (s *CachedStore) LastTrade(ctx context.Context, bondID string) (*model.Trade, error) {
	return s.primary.LastTrade(ctx, bondID)
}

func (s *CachedStore) MaxTradeID(ctx context.Context) (int64, error) {
	return s.primary.MaxTradeID(ctx)
}

// --- Cache helpers ---

func (s *CachedStore) cached(ctx context.Context, key string, v any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, v) == nil
}

func (s *CachedStore) cache(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func orderKey(id string) string      { return fmt.Sprintf("order:%s", id) }
func accountKey(uid string) string   { return fmt.Sprintf("account:%s", uid) }
func positionsKey(uid string) string { return fmt.Sprintf("positions:%s", uid) }
