package engine

import (
	"errors"
	"fmt"

	"github.com/fracbond/matching-core/internal/ledger"
	"github.com/fracbond/matching-core/internal/orderbook"
	"github.com/fracbond/matching-core/internal/risk"
	"github.com/fracbond/matching-core/internal/store"
)

var (
	// ErrInvalidOrder is returned for malformed submissions: missing ids,
	// non-positive quantity, or a price that does not fit the order type.
	ErrInvalidOrder = errors.New("engine: invalid order")

	// ErrNoLiquidity is returned for a MARKET BUY when no asks rest.
	ErrNoLiquidity = errors.New("engine: no liquidity")

	// ErrPriceBand is returned when a MARKET order would execute too far
	// from the fair price.
	ErrPriceBand = errors.New("engine: price outside fair-price band")

	ErrNotFound     = errors.New("engine: order not found")
	ErrForbidden    = errors.New("engine: order belongs to another user")
	ErrInvalidState = errors.New("engine: order already executed or cancelled")
)

// OrderError ties a failure to the order it concerns. Use errors.Is and
// errors.As to reach the cause and its details.
type OrderError struct {
	OrderID string
	Err     error
}

func (e *OrderError) Error() string {
	return fmt.Sprintf("order %s: %v", e.OrderID, e.Err)
}

func (e *OrderError) Unwrap() error { return e.Err }

// reason labels a rejection for metrics.
func reason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidOrder):
		return "invalid"
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return "funds"
	case errors.Is(err, ledger.ErrInsufficientPosition):
		return "position"
	case errors.Is(err, ErrNoLiquidity):
		return "liquidity"
	case errors.Is(err, ErrPriceBand):
		return "price_band"
	case errors.Is(err, risk.ErrBondLimitExceeded), errors.Is(err, risk.ErrIssuerLimitExceeded):
		return "risk"
	case errors.Is(err, orderbook.ErrInvalidOrderState):
		return "state"
	case errors.Is(err, store.ErrUnavailable):
		return "storage"
	case errors.Is(err, ledger.ErrLedgerInconsistency):
		return "inconsistency"
	default:
		return "other"
	}
}
