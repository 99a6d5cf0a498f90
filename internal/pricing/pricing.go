// Package pricing connects the matching core to the pricing collaborator.
// Fair prices are only used as a sanity band for MARKET orders; receipts
// are opaque payloads attached to trades.
package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/shopspring/decimal"
)

// ErrNoPrice is returned when the collaborator has no fair price for a bond.
var ErrNoPrice = errors.New("pricing: no fair price")

// FairPricer returns the current best-effort fair price of a bond.
type FairPricer interface {
	FairPrice(ctx context.Context, bondID string) (decimal.Decimal, error)
}

// ReceiptProvider returns the settlement receipt snapshot for trades about
// to execute in a bond. The payload is stored as is with every trade of one
// submission.
type ReceiptProvider interface {
	Receipt(ctx context.Context, bondID string) (json.RawMessage, error)
}

// Static serves fixed fair prices and receipts. Used for tests and when no
// pricing service is configured.
type Static struct {
	mu     sync.RWMutex
	prices map[string]decimal.Decimal
}

// NewStatic creates a static pricer with no prices.
func NewStatic() *Static {
	return &Static{prices: make(map[string]decimal.Decimal)}
}

// Set stores the fair price of a bond.
func (s *Static) Set(bondID string, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[bondID] = price
}

func (s *Static) FairPrice(_ context.Context, bondID string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.prices[bondID]
	if !ok {
		return decimal.Zero, ErrNoPrice
	}
	return p, nil
}

// Receipt records the fair price known at execution time, if any.
func (s *Static) Receipt(ctx context.Context, bondID string) (json.RawMessage, error) {
	fair, err := s.FairPrice(ctx, bondID)
	if err != nil {
		return nil, nil
	}
	return json.Marshal(struct {
		Source    string          `json:"source"`
		FairPrice decimal.Decimal `json:"fair_price"`
	}{"static", fair})
}
