package store

import (
	"context"
	"sort"
	"sync"

	"github.com/fracbond/matching-core/internal/model"
)

type posKey struct {
	userID string
	bondID string
}

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Transactions are serialized on one lock; writes are staged and applied
// only when the transaction function succeeds.
type MemoryStore struct {
	mu        sync.RWMutex
	orders    map[string]*model.Order
	accounts  map[string]*model.Account
	positions map[posKey]*model.Position
	trades    []model.Trade
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:    make(map[string]*model.Order),
		accounts:  make(map[string]*model.Account),
		positions: make(map[posKey]*model.Position),
	}
}

func (s *MemoryStore) InTx(_ context.Context, fn TxFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{
		s:         s,
		orders:    make(map[string]*model.Order),
		accounts:  make(map[string]*model.Account),
		positions: make(map[posKey]*model.Position),
	}
	if err := fn(tx); err != nil {
		return err
	}
	tx.apply()
	return nil
}

func (s *MemoryStore) GetOrder(_ context.Context, id string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return o.Clone(), nil
}

func (s *MemoryStore) ListOpenOrders(_ context.Context, bondID string) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Order
	for _, o := range s.orders {
		if bondID != "" && o.BondID != bondID {
			continue
		}
		if o.Status == model.StatusOpen || o.Status == model.StatusPartial {
			result = append(result, *o.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Before(&result[j]) })
	return result, nil
}

func (s *MemoryStore) ListOrdersByUser(_ context.Context, userID string, limit int) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Order
	for _, o := range s.orders {
		if o.UserID == userID {
			result = append(result, *o.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[j].Before(&result[i]) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *MemoryStore) GetAccount(_ context.Context, userID string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[userID]
	if !ok {
		return nil, ErrNotFound
	}
	copy := *a
	return &copy, nil
}

func (s *MemoryStore) ListPositions(_ context.Context, userID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Position
	for k, p := range s.positions {
		if k.userID == userID {
			result = append(result, *p)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].BondID < result[j].BondID })
	return result, nil
}

func (s *MemoryStore) QueryTrades(_ context.Context, q TradeQuery) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Trade
	for i := range s.trades {
		if !q.Match(&s.trades[i]) {
			continue
		}
		result = append(result, s.trades[i])
		if q.Limit > 0 && len(result) == q.Limit {
			break
		}
	}
	return result, nil
}

func (s *MemoryStore) LastTrade(_ context.Context, bondID string) (*model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := len(s.trades) - 1; i >= 0; i-- {
		if s.trades[i].BondID == bondID {
			t := s.trades[i]
			return &t, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) MaxTradeID(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.trades) == 0 {
		return 0, nil
	}
	return s.trades[len(s.trades)-1].ID, nil
}

// memTx stages writes on top of the store maps. A nil staged position
// marks a deletion.
type memTx struct {
	s         *MemoryStore
	orders    map[string]*model.Order
	accounts  map[string]*model.Account
	positions map[posKey]*model.Position
	trades    []model.Trade
}

func (tx *memTx) GetAccount(_ context.Context, userID string) (*model.Account, error) {
	a, ok := tx.accounts[userID]
	if !ok {
		a, ok = tx.s.accounts[userID]
	}
	if !ok {
		return nil, ErrNotFound
	}
	copy := *a
	return &copy, nil
}

func (tx *memTx) PutAccount(_ context.Context, a *model.Account) error {
	copy := *a
	tx.accounts[a.UserID] = &copy
	return nil
}

func (tx *memTx) GetPosition(_ context.Context, userID, bondID string) (*model.Position, error) {
	k := posKey{userID, bondID}
	p, staged := tx.positions[k]
	if !staged {
		p = tx.s.positions[k]
	}
	if p == nil {
		return nil, ErrNotFound
	}
	copy := *p
	return &copy, nil
}

func (tx *memTx) PutPosition(_ context.Context, p *model.Position) error {
	copy := *p
	tx.positions[posKey{p.UserID, p.BondID}] = &copy
	return nil
}

func (tx *memTx) DeletePosition(_ context.Context, userID, bondID string) error {
	tx.positions[posKey{userID, bondID}] = nil
	return nil
}

func (tx *memTx) GetOrder(_ context.Context, id string) (*model.Order, error) {
	o, ok := tx.orders[id]
	if !ok {
		o, ok = tx.s.orders[id]
	}
	if !ok {
		return nil, ErrNotFound
	}
	return o.Clone(), nil
}

func (tx *memTx) SaveOrder(_ context.Context, o *model.Order) error {
	tx.orders[o.ID] = o.Clone()
	return nil
}

func (tx *memTx) InsertTrade(_ context.Context, t *model.Trade) error {
	copy := *t
	copy.Receipt = append([]byte(nil), t.Receipt...)
	tx.trades = append(tx.trades, copy)
	return nil
}

func (tx *memTx) apply() {
	s := tx.s
	for id, o := range tx.orders {
		s.orders[id] = o
	}
	for id, a := range tx.accounts {
		s.accounts[id] = a
	}
	for k, p := range tx.positions {
		if p == nil {
			delete(s.positions, k)
			continue
		}
		s.positions[k] = p
	}
	s.trades = append(s.trades, tx.trades...)
}
