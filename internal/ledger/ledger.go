// Package ledger owns user cash accounts and bond positions.
//
// Every mutation runs in one storage transaction while the affected users'
// locks are held, so the buyer and seller effects of a trade are applied
// together or not at all. Callers pass a store.TxFunc to persist related
// records (orders, trades) in the same transaction.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fracbond/matching-core/internal/metrics"
	"github.com/fracbond/matching-core/internal/model"
	"github.com/fracbond/matching-core/internal/store"
)

var (
	// ErrInsufficientFunds is returned when available cash cannot cover a
	// cash hold. The concrete error is a *FundsError.
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")

	// ErrInsufficientPosition is returned when available units cannot cover
	// a unit hold. The concrete error is a *PositionError.
	ErrInsufficientPosition = errors.New("ledger: insufficient position")

	// ErrLedgerInconsistency signals a violated ledger invariant, e.g. a
	// settlement whose seller does not hold the traded units. It is never
	// the result of bad user input and must not be retried.
	ErrLedgerInconsistency = errors.New("ledger: inconsistency")

	// ErrInvalidAmount is returned for negative holds or non-positive
	// deposits and allotments.
	ErrInvalidAmount = errors.New("ledger: invalid amount")
)

// FundsError reports the cash a user needed and had available.
type FundsError struct {
	UserID    string
	Required  decimal.Decimal
	Available decimal.Decimal
}

func (e *FundsError) Error() string {
	return fmt.Sprintf("ledger: insufficient funds for user %s: required %s, available %s",
		e.UserID, e.Required, e.Available)
}

func (e *FundsError) Unwrap() error { return ErrInsufficientFunds }

// PositionError reports the units a user needed and had available.
type PositionError struct {
	UserID    string
	BondID    string
	Required  int64
	Available int64
}

func (e *PositionError) Error() string {
	return fmt.Sprintf("ledger: insufficient position for user %s in %s: required %d, available %d",
		e.UserID, e.BondID, e.Required, e.Available)
}

func (e *PositionError) Unwrap() error { return ErrInsufficientPosition }

// Hold is a cash and/or unit reservation for one user. Cash is held
// against the account, Units against the position in BondID.
type Hold struct {
	UserID string
	BondID string
	Cash   decimal.Decimal
	Units  int64
}

// Settlement describes the ledger effects of one trade.
type Settlement struct {
	BondID   string
	BuyerID  string
	SellerID string
	Price    decimal.Decimal
	Quantity int64

	// BuyerHold is the part of the buyer's cash hold this trade consumes.
	// It is at least Price × Quantity; any excess returns to available cash.
	BuyerHold decimal.Decimal
}

// Notional returns Price × Quantity.
func (s Settlement) Notional() decimal.Decimal {
	return s.Price.Mul(decimal.NewFromInt(s.Quantity))
}

// Ledger applies cash and position changes through a store.
type Ledger struct {
	st     store.Store
	locks  *userLocks
	logger *slog.Logger
	now    func() time.Time
}

// New creates a ledger on top of st.
func New(st store.Store, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		st:     st,
		locks:  newUserLocks(),
		logger: logger.With("component", "ledger"),
		now:    time.Now,
	}
}

// Reserve places h on the user's available cash and units. It fails with a
// *FundsError or *PositionError if they do not suffice. with, if non-nil,
// runs in the same transaction after the hold is written.
func (l *Ledger) Reserve(ctx context.Context, h Hold, with store.TxFunc) error {
	if h.Cash.IsNegative() || h.Units < 0 {
		return fmt.Errorf("%w: hold cash=%s units=%d", ErrInvalidAmount, h.Cash, h.Units)
	}

	unlock := l.locks.lock(h.UserID)
	defer unlock()

	return l.st.InTx(ctx, func(tx store.Tx) error {
		now := l.now()

		if h.Cash.IsPositive() {
			acct, err := account(ctx, tx, h.UserID)
			if err != nil {
				return err
			}
			if acct.Available().LessThan(h.Cash) {
				return &FundsError{UserID: h.UserID, Required: h.Cash, Available: acct.Available()}
			}
			acct.Reserved = acct.Reserved.Add(h.Cash)
			acct.UpdatedAt = now
			if err := tx.PutAccount(ctx, acct); err != nil {
				return err
			}
		}

		if h.Units > 0 {
			pos, err := tx.GetPosition(ctx, h.UserID, h.BondID)
			if errors.Is(err, store.ErrNotFound) {
				return &PositionError{UserID: h.UserID, BondID: h.BondID, Required: h.Units}
			}
			if err != nil {
				return err
			}
			if pos.Available() < h.Units {
				return &PositionError{UserID: h.UserID, BondID: h.BondID, Required: h.Units, Available: pos.Available()}
			}
			pos.Reserved += h.Units
			pos.UpdatedAt = now
			if err := tx.PutPosition(ctx, pos); err != nil {
				return err
			}
		}

		return run(with, tx)
	})
}

// Release returns a previously reserved hold to the user's available cash
// and units. Releasing more than is held is a ledger inconsistency.
func (l *Ledger) Release(ctx context.Context, h Hold, with store.TxFunc) error {
	if h.Cash.IsNegative() || h.Units < 0 {
		return fmt.Errorf("%w: hold cash=%s units=%d", ErrInvalidAmount, h.Cash, h.Units)
	}

	unlock := l.locks.lock(h.UserID)
	defer unlock()

	return l.st.InTx(ctx, func(tx store.Tx) error {
		now := l.now()

		if h.Cash.IsPositive() {
			acct, err := account(ctx, tx, h.UserID)
			if err != nil {
				return err
			}
			if acct.Reserved.LessThan(h.Cash) {
				return l.inconsistent("release exceeds cash hold",
					"user_id", h.UserID, "reserved", acct.Reserved, "release", h.Cash)
			}
			acct.Reserved = acct.Reserved.Sub(h.Cash)
			acct.UpdatedAt = now
			if err := tx.PutAccount(ctx, acct); err != nil {
				return err
			}
		}

		if h.Units > 0 {
			pos, err := tx.GetPosition(ctx, h.UserID, h.BondID)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return err
			}
			if pos == nil || pos.Reserved < h.Units {
				return l.inconsistent("release exceeds unit hold",
					"user_id", h.UserID, "bond", h.BondID, "release", h.Units)
			}
			pos.Reserved -= h.Units
			pos.UpdatedAt = now
			if err := tx.PutPosition(ctx, pos); err != nil {
				return err
			}
		}

		return run(with, tx)
	})
}

// SettleTrade applies one trade: buyer cash −= p×q, seller cash += p×q,
// seller position −= q (removed at zero), buyer position += q with a
// volume-weighted average price. The buyer's cash hold and the seller's
// unit hold are consumed. All effects and with commit together.
func (l *Ledger) SettleTrade(ctx context.Context, s Settlement, with store.TxFunc) error {
	if s.Quantity <= 0 || !s.Price.IsPositive() {
		return fmt.Errorf("%w: settlement price=%s quantity=%d", ErrInvalidAmount, s.Price, s.Quantity)
	}

	unlock := l.locks.lock(s.BuyerID, s.SellerID)
	defer unlock()

	notional := s.Notional()
	qty := decimal.NewFromInt(s.Quantity)

	return l.st.InTx(ctx, func(tx store.Tx) error {
		now := l.now()

		// Seller gives up units.
		sellPos, err := tx.GetPosition(ctx, s.SellerID, s.BondID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if sellPos == nil || sellPos.Quantity < s.Quantity || sellPos.Reserved < s.Quantity {
			return l.inconsistent("seller position below trade quantity",
				"user_id", s.SellerID, "bond", s.BondID, "quantity", s.Quantity)
		}
		sellPos.Quantity -= s.Quantity
		sellPos.Reserved -= s.Quantity
		sellPos.UpdatedAt = now
		if sellPos.Quantity == 0 {
			err = tx.DeletePosition(ctx, s.SellerID, s.BondID)
		} else {
			err = tx.PutPosition(ctx, sellPos)
		}
		if err != nil {
			return err
		}

		// Seller receives cash.
		sellAcct, err := account(ctx, tx, s.SellerID)
		if err != nil {
			return err
		}
		sellAcct.Cash = sellAcct.Cash.Add(notional)
		sellAcct.UpdatedAt = now
		if err := tx.PutAccount(ctx, sellAcct); err != nil {
			return err
		}

		// Buyer pays from the hold.
		buyAcct, err := account(ctx, tx, s.BuyerID)
		if err != nil {
			return err
		}
		if buyAcct.Reserved.LessThan(s.BuyerHold) || s.BuyerHold.LessThan(notional) {
			return l.inconsistent("buyer hold cannot cover trade",
				"user_id", s.BuyerID, "reserved", buyAcct.Reserved, "hold", s.BuyerHold, "notional", notional)
		}
		buyAcct.Cash = buyAcct.Cash.Sub(notional)
		buyAcct.Reserved = buyAcct.Reserved.Sub(s.BuyerHold)
		buyAcct.UpdatedAt = now
		if buyAcct.Cash.IsNegative() || buyAcct.Cash.LessThan(buyAcct.Reserved) {
			return l.inconsistent("buyer cash below holds after trade",
				"user_id", s.BuyerID, "cash", buyAcct.Cash, "reserved", buyAcct.Reserved)
		}
		if err := tx.PutAccount(ctx, buyAcct); err != nil {
			return err
		}

		// Buyer receives units at a volume-weighted entry price.
		buyPos, err := tx.GetPosition(ctx, s.BuyerID, s.BondID)
		if errors.Is(err, store.ErrNotFound) {
			buyPos, err = &model.Position{UserID: s.BuyerID, BondID: s.BondID}, nil
		}
		if err != nil {
			return err
		}
		oldQty := decimal.NewFromInt(buyPos.Quantity)
		buyPos.AvgPrice = buyPos.AvgPrice.Mul(oldQty).Add(notional).Div(oldQty.Add(qty))
		buyPos.Quantity += s.Quantity
		buyPos.UpdatedAt = now
		if err := tx.PutPosition(ctx, buyPos); err != nil {
			return err
		}

		return run(with, tx)
	})
}

// Deposit credits cash to a user's account, creating it if needed.
func (l *Ledger) Deposit(ctx context.Context, userID string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: deposit %s", ErrInvalidAmount, amount)
	}

	unlock := l.locks.lock(userID)
	defer unlock()

	return l.st.InTx(ctx, func(tx store.Tx) error {
		acct, err := account(ctx, tx, userID)
		if err != nil {
			return err
		}
		acct.Cash = acct.Cash.Add(amount)
		acct.UpdatedAt = l.now()
		return tx.PutAccount(ctx, acct)
	})
}

// Allot credits units of a bond to a user at the given entry price, as in
// a primary allotment. The average price is updated like a purchase.
func (l *Ledger) Allot(ctx context.Context, userID, bondID string, units int64, price decimal.Decimal) error {
	if units <= 0 || price.IsNegative() {
		return fmt.Errorf("%w: allot %d units at %s", ErrInvalidAmount, units, price)
	}

	unlock := l.locks.lock(userID)
	defer unlock()

	return l.st.InTx(ctx, func(tx store.Tx) error {
		pos, err := tx.GetPosition(ctx, userID, bondID)
		if errors.Is(err, store.ErrNotFound) {
			pos, err = &model.Position{UserID: userID, BondID: bondID}, nil
		}
		if err != nil {
			return err
		}
		oldQty := decimal.NewFromInt(pos.Quantity)
		newQty := decimal.NewFromInt(units)
		pos.AvgPrice = pos.AvgPrice.Mul(oldQty).Add(price.Mul(newQty)).Div(oldQty.Add(newQty))
		pos.Quantity += units
		pos.UpdatedAt = l.now()
		return tx.PutPosition(ctx, pos)
	})
}

// Account returns a user's cash account; users without one have a zero
// balance.
func (l *Ledger) Account(ctx context.Context, userID string) (*model.Account, error) {
	acct, err := l.st.GetAccount(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return &model.Account{UserID: userID}, nil
	}
	return acct, err
}

// Position returns a user's position in one bond; absent positions are
// returned with zero quantity.
func (l *Ledger) Position(ctx context.Context, userID, bondID string) (*model.Position, error) {
	positions, err := l.st.ListPositions(ctx, userID)
	if err != nil {
		return nil, err
	}
	for i := range positions {
		if positions[i].BondID == bondID {
			return &positions[i], nil
		}
	}
	return &model.Position{UserID: userID, BondID: bondID}, nil
}

// Holdings returns the units a user holds per bond.
func (l *Ledger) Holdings(ctx context.Context, userID string) (map[string]int64, error) {
	positions, err := l.st.ListPositions(ctx, userID)
	if err != nil {
		return nil, err
	}
	holdings := make(map[string]int64, len(positions))
	for _, p := range positions {
		holdings[p.BondID] = p.Quantity
	}
	return holdings, nil
}

// Portfolio returns a user's cash and positions.
func (l *Ledger) Portfolio(ctx context.Context, userID string) (*model.Portfolio, error) {
	acct, err := l.Account(ctx, userID)
	if err != nil {
		return nil, err
	}
	positions, err := l.st.ListPositions(ctx, userID)
	if err != nil {
		return nil, err
	}
	if positions == nil {
		positions = []model.Position{}
	}
	return &model.Portfolio{
		UserID:    userID,
		Cash:      acct.Cash,
		Reserved:  acct.Reserved,
		Available: acct.Available(),
		Positions: positions,
	}, nil
}

// inconsistent logs and counts an invariant violation and returns it as an
// ErrLedgerInconsistency.
func (l *Ledger) inconsistent(msg string, args ...any) error {
	metrics.LedgerInconsistencies.Inc()
	l.logger.Error("ledger inconsistency: "+msg, args...)
	return fmt.Errorf("%w: %s", ErrLedgerInconsistency, msg)
}

func account(ctx context.Context, tx store.Tx, userID string) (*model.Account, error) {
	acct, err := tx.GetAccount(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return &model.Account{UserID: userID}, nil
	}
	return acct, err
}

func run(with store.TxFunc, tx store.Tx) error {
	if with == nil {
		return nil
	}
	return with(tx)
}
