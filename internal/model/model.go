// Package model defines the core domain types shared across the matching core.
// All monetary values use shopspring/decimal, never float64.
// Quantities are whole fractional-bond units.
package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Opposite returns the side an order of this side matches against.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// Valid reports whether s is BUY or SELL.
func (s Side) Valid() bool { return s == Buy || s == Sell }

// OrderType selects how an order is priced.
type OrderType string

const (
	Market OrderType = "MARKET"
	Limit  OrderType = "LIMIT"
)

// Valid reports whether t is MARKET or LIMIT.
func (t OrderType) Valid() bool { return t == Market || t == Limit }

// OrderStatus follows OPEN → (PARTIAL)* → EXECUTED | CANCELLED.
type OrderStatus string

const (
	StatusOpen      OrderStatus = "OPEN"
	StatusPartial   OrderStatus = "PARTIAL"
	StatusExecuted  OrderStatus = "EXECUTED"
	StatusCancelled OrderStatus = "CANCELLED"
)

// Terminal reports whether no further mutation is allowed.
func (s OrderStatus) Terminal() bool {
	return s == StatusExecuted || s == StatusCancelled
}

// Order is an intent to buy or sell units of one bond. Orders are never
// deleted; terminal orders are kept for audit.
type Order struct {
	ID         string           `json:"id" db:"id"`
	UserID     string           `json:"user_id" db:"user_id"`
	BondID     string           `json:"bond_id" db:"bond_id"`
	Side       Side             `json:"side" db:"side"`
	Type       OrderType        `json:"type" db:"type"`
	LimitPrice *decimal.Decimal `json:"limit_price,omitempty" db:"limit_price"` // nil for MARKET
	Quantity   int64            `json:"quantity" db:"quantity"`
	Filled     int64            `json:"filled" db:"filled"`
	Status     OrderStatus      `json:"status" db:"status"`
	Reserved   decimal.Decimal  `json:"reserved" db:"reserved"` // outstanding cash hold (BUY only)
	Seq        int64            `json:"seq" db:"seq"`           // creation sequence
	CreatedAt  time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at" db:"updated_at"`
}

// Clone returns a deep copy of o.
func (o *Order) Clone() *Order {
	c := *o
	if o.LimitPrice != nil {
		p := *o.LimitPrice
		c.LimitPrice = &p
	}
	return &c
}

// Remaining returns the unfilled quantity.
func (o *Order) Remaining() int64 {
	return o.Quantity - o.Filled
}

// Before reports whether o has time priority over other: earlier creation
// timestamp first, creation sequence for identical timestamps.
func (o *Order) Before(other *Order) bool {
	if !o.CreatedAt.Equal(other.CreatedAt) {
		return o.CreatedAt.Before(other.CreatedAt)
	}
	return o.Seq < other.Seq
}

// FillStatus returns the non-cancelled status implied by the fill state.
func (o *Order) FillStatus() OrderStatus {
	switch {
	case o.Filled >= o.Quantity:
		return StatusExecuted
	case o.Filled > 0:
		return StatusPartial
	default:
		return StatusOpen
	}
}

// Trade is an immutable record of a single match. Once created, trades are
// never modified or deleted.
type Trade struct {
	ID          int64           `json:"id" db:"id"`
	BondID      string          `json:"bond_id" db:"bond_id"`
	BuyOrderID  string          `json:"buy_order_id" db:"buy_order_id"`
	SellOrderID string          `json:"sell_order_id" db:"sell_order_id"`
	BuyUserID   string          `json:"buy_user_id" db:"buy_user_id"`
	SellUserID  string          `json:"sell_user_id" db:"sell_user_id"`
	Price       decimal.Decimal `json:"price" db:"price"`
	Quantity    int64           `json:"quantity" db:"quantity"`
	ExecutedAt  time.Time       `json:"executed_at" db:"executed_at"`
	Receipt     json.RawMessage `json:"receipt,omitempty" db:"receipt"` // opaque, from the pricing collaborator
}

// Notional returns price × quantity.
func (t *Trade) Notional() decimal.Decimal {
	return t.Price.Mul(decimal.NewFromInt(t.Quantity))
}

// Position is a user's holding of units in one bond. A zero quantity
// position does not exist.
type Position struct {
	UserID    string          `json:"user_id" db:"user_id"`
	BondID    string          `json:"bond_id" db:"bond_id"`
	Quantity  int64           `json:"quantity" db:"quantity"`
	Reserved  int64           `json:"reserved" db:"reserved"`   // units held by open SELL orders
	AvgPrice  decimal.Decimal `json:"avg_price" db:"avg_price"` // volume-weighted entry price
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// Available returns the units not held by open SELL orders.
func (p *Position) Available() int64 {
	return p.Quantity - p.Reserved
}

// Account is a user's cash balance.
type Account struct {
	UserID    string          `json:"user_id" db:"user_id"`
	Cash      decimal.Decimal `json:"cash" db:"cash"`
	Reserved  decimal.Decimal `json:"reserved" db:"reserved"` // cash held by open BUY orders
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// Available returns the cash not held by open BUY orders.
func (a *Account) Available() decimal.Decimal {
	return a.Cash.Sub(a.Reserved)
}

// Portfolio aggregates a user's cash and positions.
type Portfolio struct {
	UserID    string          `json:"user_id"`
	Cash      decimal.Decimal `json:"cash"`
	Reserved  decimal.Decimal `json:"reserved"`
	Available decimal.Decimal `json:"available"`
	Positions []Position      `json:"positions"`
}

// Level is one aggregated price point of a book side. It is a read-only
// projection recomputed from resting orders.
type Level struct {
	Price    decimal.Decimal `json:"price"`
	Quantity int64           `json:"quantity"`
	Orders   int             `json:"orders"`
}

// LastTrade is the most recent execution in a bond.
type LastTrade struct {
	Price decimal.Decimal `json:"price"`
	Time  time.Time       `json:"time"`
}

// BookSnapshot is the aggregated view of one bond's book, best level first.
type BookSnapshot struct {
	BondID    string     `json:"bond_id"`
	Bids      []Level    `json:"bids"`
	Asks      []Level    `json:"asks"`
	LastTrade *LastTrade `json:"last_trade,omitempty"`
}
