package engine

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fracbond/matching-core/internal/events"
	"github.com/fracbond/matching-core/internal/ledger"
	"github.com/fracbond/matching-core/internal/metrics"
	"github.com/fracbond/matching-core/internal/model"
	"github.com/fracbond/matching-core/internal/store"
)

// match fills o against the opposite side of the book until o is filled,
// the book runs dry, or (for LIMIT orders) the best opposite price no
// longer crosses. Each step commits before the next begins; on error o
// holds its last committed state.
func (e *Engine) match(ctx context.Context, bs *bondState, o *model.Order, evs []events.Event) ([]events.Event, error) {
	var rc receiptOnce
	for o.Remaining() > 0 {
		rest := bs.book.BestOpposite(o.Side)
		if rest == nil || !crosses(o, rest) {
			break
		}

		var err error
		evs, err = e.fill(ctx, bs, o, rest, &rc, evs)
		if err != nil {
			return evs, err
		}
	}
	return evs, nil
}

// crosses reports whether incoming may trade with the resting order.
func crosses(incoming, rest *model.Order) bool {
	if incoming.Type == model.Market {
		return true
	}
	if incoming.Side == model.Buy {
		return !rest.LimitPrice.GreaterThan(*incoming.LimitPrice)
	}
	return !rest.LimitPrice.LessThan(*incoming.LimitPrice)
}

// fill executes one trade between incoming and rest at the resting price.
func (e *Engine) fill(ctx context.Context, bs *bondState, incoming, rest *model.Order, rc *receiptOnce, evs []events.Event) ([]events.Event, error) {
	qty := min(incoming.Remaining(), rest.Remaining())
	price := *rest.LimitPrice
	now := e.now()

	nextIn := advance(incoming, qty, now)
	nextRest := advance(rest, qty, now)

	buy, nextBuy, sell := incoming, nextIn, rest
	if incoming.Side == model.Sell {
		buy, nextBuy, sell = rest, nextRest, incoming
	}
	hold := consumedHold(buy, nextBuy, price, qty)
	nextBuy.Reserved = buy.Reserved.Sub(hold)

	trade := &model.Trade{
		BondID:      incoming.BondID,
		BuyOrderID:  buy.ID,
		SellOrderID: sell.ID,
		BuyUserID:   buy.UserID,
		SellUserID:  sell.UserID,
		Price:       price,
		Quantity:    qty,
		ExecutedAt:  now,
		Receipt:     e.receipt(ctx, rc, incoming.BondID),
	}

	settle := ledger.Settlement{
		BondID:    incoming.BondID,
		BuyerID:   buy.UserID,
		SellerID:  sell.UserID,
		Price:     price,
		Quantity:  qty,
		BuyerHold: hold,
	}
	err := e.ledger.SettleTrade(ctx, settle, func(tx store.Tx) error {
		// Orders first: trades reference them.
		if err := tx.SaveOrder(ctx, nextIn); err != nil {
			return err
		}
		if err := tx.SaveOrder(ctx, nextRest); err != nil {
			return err
		}
		return e.trades.Append(ctx, tx, trade)
	})
	if err != nil {
		return evs, err
	}

	// Committed; now the book may change.
	*incoming = *nextIn
	*rest = *nextRest
	if rest.Remaining() == 0 {
		bs.book.Remove(rest.ID)
	}
	bs.last = &model.LastTrade{Price: price, Time: trade.ExecutedAt}
	bs.lastLoaded = true

	metrics.TradesTotal.WithLabelValues(trade.BondID).Inc()
	metrics.BondVolume.WithLabelValues(trade.BondID).Add(float64(qty))
	e.logger.Debug("trade executed", "trade_id", trade.ID, "bond", trade.BondID,
		"price", price, "quantity", qty, "buy_order", buy.ID, "sell_order", sell.ID)

	return append(evs,
		events.Settled(*trade),
		events.Matched(*rest, now),
		events.Matched(*incoming, now),
	), nil
}

// advance returns a copy of o with qty more units filled.
func advance(o *model.Order, qty int64, now time.Time) *model.Order {
	next := o.Clone()
	next.Filled += qty
	next.Status = next.FillStatus()
	next.UpdatedAt = now
	return next
}

// consumedHold is the part of the buy order's cash hold released by one
// fill. A LIMIT buy reserved limit × qty per unit, so price improvement
// frees cash; a MARKET buy reserved exactly what its fills cost. The last
// fill takes whatever remains so rounding never strands a hold.
func consumedHold(buy, next *model.Order, price decimal.Decimal, qty int64) decimal.Decimal {
	if next.Remaining() == 0 {
		return buy.Reserved
	}
	if buy.Type == model.Limit {
		return buy.LimitPrice.Mul(decimal.NewFromInt(qty))
	}
	return price.Mul(decimal.NewFromInt(qty))
}
