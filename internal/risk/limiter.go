// Package risk implements concentration limits on bond holdings.
//
// A user buying several bonds of one issuer carries correlated credit risk.
// The limiter groups bonds by issuer (see bond.IssuerKey) and enforces both
// a per-bond and an aggregate per-issuer cap on held units.
package risk

import (
	"errors"
	"fmt"

	"github.com/fracbond/matching-core/internal/bond"
)

var (
	// ErrBondLimitExceeded is returned when a BUY would push the holding in
	// a single bond beyond the per-bond maximum.
	ErrBondLimitExceeded = errors.New("risk: per-bond position limit exceeded")

	// ErrIssuerLimitExceeded is returned when a BUY would push the aggregate
	// holding across bonds of one issuer beyond the issuer maximum.
	ErrIssuerLimitExceeded = errors.New("risk: issuer exposure limit exceeded")
)

// Limiter enforces unit limits per bond and per issuer. A zero limit
// disables that check.
type Limiter struct {
	// MaxPerBond is the maximum number of units a user may hold in one bond.
	MaxPerBond int64

	// MaxPerIssuer is the maximum number of units a user may hold across
	// all bonds sharing an issuer key.
	MaxPerIssuer int64

	// issuerOf maps a bond id to its issuer group.
	issuerOf func(bondID string) string
}

// NewLimiter creates a limiter grouping bonds with bond.IssuerKey.
func NewLimiter(maxPerBond, maxPerIssuer int64) *Limiter {
	return &Limiter{
		MaxPerBond:   maxPerBond,
		MaxPerIssuer: maxPerIssuer,
		issuerOf:     bond.IssuerKey,
	}
}

// Enabled reports whether any limit is active.
func (l *Limiter) Enabled() bool {
	return l != nil && (l.MaxPerBond > 0 || l.MaxPerIssuer > 0)
}

// CheckLimit validates whether buying delta more units of bondID respects
// the limits, given the user's current holdings (bond id → units).
// Negative deltas (sells) only reduce exposure and always pass.
func (l *Limiter) CheckLimit(bondID string, delta int64, holdings map[string]int64) error {
	if !l.Enabled() || delta <= 0 {
		return nil
	}

	// 1. Per-bond limit.
	newHolding := holdings[bondID] + delta
	if l.MaxPerBond > 0 && newHolding > l.MaxPerBond {
		return fmt.Errorf("%w: %d units of %s (max %d)", ErrBondLimitExceeded, newHolding, bondID, l.MaxPerBond)
	}

	// 2. Issuer exposure: sum holdings across bonds sharing the issuer key.
	if l.MaxPerIssuer <= 0 {
		return nil
	}
	issuer := l.issuerOf(bondID)
	total := newHolding
	for id, units := range holdings {
		if id == bondID {
			continue // already counted via newHolding above
		}
		if l.issuerOf(id) == issuer {
			total += units
		}
	}

	if total > l.MaxPerIssuer {
		return fmt.Errorf("%w: %d units of issuer %s (max %d)", ErrIssuerLimitExceeded, total, issuer, l.MaxPerIssuer)
	}
	return nil
}
