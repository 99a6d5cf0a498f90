// Package engine implements order submission, matching and cancellation.
//
// Each bond has its own critical section: validation, matching, resting
// and cancellation of one bond run under that bond's mutex, while different
// bonds proceed in parallel. Every match step settles through the ledger in
// one storage transaction together with the trade record and both order
// updates; in-memory book state changes only after that transaction
// commits.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/fracbond/matching-core/internal/events"
	"github.com/fracbond/matching-core/internal/ledger"
	"github.com/fracbond/matching-core/internal/metrics"
	"github.com/fracbond/matching-core/internal/model"
	"github.com/fracbond/matching-core/internal/orderbook"
	"github.com/fracbond/matching-core/internal/pricing"
	"github.com/fracbond/matching-core/internal/risk"
	"github.com/fracbond/matching-core/internal/store"
	"github.com/fracbond/matching-core/internal/tradelog"
)

// SubmitRequest is a new order from a collaborator that has already
// authenticated the user.
type SubmitRequest struct {
	UserID     string
	BondID     string
	Side       model.Side
	Type       model.OrderType
	LimitPrice *decimal.Decimal // LIMIT only
	Quantity   int64
}

// Options configures optional collaborators. Zero values disable them.
type Options struct {
	// Pricer and MaxDeviation bound the worst execution price of MARKET
	// orders to fair × (1 ± MaxDeviation).
	Pricer       pricing.FairPricer
	MaxDeviation decimal.Decimal

	// Receipts supplies the settlement receipt stored with each trade.
	Receipts pricing.ReceiptProvider

	// Limiter enforces concentration limits on BUY orders.
	Limiter *risk.Limiter

	Events events.Publisher
	Logger *slog.Logger
	Clock  func() time.Time
}

// bondState is everything guarded by one bond's critical section.
type bondState struct {
	mu         sync.Mutex
	book       *orderbook.Book
	last       *model.LastTrade
	lastLoaded bool
	retired    bool // dropped from Engine.bonds; holders must look up again

	// pubMu is taken before mu is released so that events of one bond
	// leave in the order they were produced.
	pubMu sync.Mutex
}

// Engine matches orders for any number of bonds.
type Engine struct {
	st     store.Store
	ledger *ledger.Ledger
	trades *tradelog.Log
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	bonds map[string]*bondState

	seq atomic.Int64 // order creation sequence
}

// New creates an engine. Call Restore before serving if the store may hold
// resting orders from a previous run.
func New(st store.Store, l *ledger.Ledger, tl *tradelog.Log, opts Options) *Engine {
	if opts.Events == nil {
		opts.Events = events.Discard{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Engine{
		st:     st,
		ledger: l,
		trades: tl,
		opts:   opts,
		logger: opts.Logger.With("component", "engine"),
		now:    func() time.Time { return opts.Clock().UTC() },
		bonds:  make(map[string]*bondState),
	}
}

// acquire returns the locked state of a bond, creating it if needed.
func (e *Engine) acquire(bondID string) *bondState {
	for {
		e.mu.Lock()
		bs, ok := e.bonds[bondID]
		if !ok {
			bs = &bondState{book: orderbook.New(bondID)}
			e.bonds[bondID] = bs
		}
		e.mu.Unlock()

		bs.mu.Lock()
		if !bs.retired {
			return bs
		}
		bs.mu.Unlock()
	}
}

// lockExisting returns the locked state of a bond, or nil if no order was
// ever accepted for it.
func (e *Engine) lockExisting(bondID string) *bondState {
	for {
		e.mu.Lock()
		bs := e.bonds[bondID]
		e.mu.Unlock()
		if bs == nil {
			return nil
		}

		bs.mu.Lock()
		if !bs.retired {
			return bs
		}
		bs.mu.Unlock()
	}
}

// retireIfIdle drops the state of a bond with an empty book, so rejected
// submissions for arbitrary ids leave nothing behind. bs.mu must be held.
func (e *Engine) retireIfIdle(bs *bondState) {
	if bs.book.Len(model.Buy) > 0 || bs.book.Len(model.Sell) > 0 {
		return
	}
	if !bs.pubMu.TryLock() {
		return // a previous section is still publishing
	}
	defer bs.pubMu.Unlock()

	e.mu.Lock()
	if e.bonds[bs.book.BondID()] == bs {
		delete(e.bonds, bs.book.BondID())
	}
	e.mu.Unlock()
	bs.retired = true
}

// publish releases bs.mu and then emits evs. Events of the next critical
// section on the same bond wait until these are out.
func (e *Engine) publish(ctx context.Context, bs *bondState, evs []events.Event) {
	if len(evs) == 0 {
		bs.mu.Unlock()
		return
	}
	bs.pubMu.Lock()
	bs.mu.Unlock()
	defer bs.pubMu.Unlock()
	e.opts.Events.Publish(ctx, evs...)
}

// Submit validates, matches and settles a new order and returns its final
// state: EXECUTED, resting as OPEN/PARTIAL, or CANCELLED for an unfilled
// MARKET remainder.
//
// Validation failures return a nil order and leave no trace. If storage
// fails after the order was accepted, Submit returns the order as last
// committed together with the error: trades already settled stay, and the
// unfilled remainder is kept OPEN/PARTIAL (resting, for LIMIT orders).
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (*model.Order, error) {
	id := uuid.NewString()
	if err := validate(req); err != nil {
		metrics.OrdersRejected.WithLabelValues(reason(err)).Inc()
		return nil, &OrderError{OrderID: id, Err: err}
	}

	fair, haveFair := e.fairPrice(ctx, req)

	bs := e.acquire(req.BondID)
	o, evs, err := e.submit(ctx, bs, id, req, fair, haveFair)
	e.publish(ctx, bs, evs)
	return o, err
}

// submit runs one submission inside the bond's critical section and returns
// the events to publish once it is left.
func (e *Engine) submit(ctx context.Context, bs *bondState, id string, req SubmitRequest,
	fair decimal.Decimal, haveFair bool) (*model.Order, []events.Event, error) {
	start := time.Now()
	defer func() {
		metrics.MatchLatency.WithLabelValues(string(req.Type)).Observe(time.Since(start).Seconds())
	}()

	now := e.now()
	o := &model.Order{
		ID:         id,
		UserID:     req.UserID,
		BondID:     req.BondID,
		Side:       req.Side,
		Type:       req.Type,
		LimitPrice: req.LimitPrice,
		Quantity:   req.Quantity,
		Status:     model.StatusOpen,
		Seq:        e.seq.Add(1),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if o.LimitPrice != nil {
		p := *o.LimitPrice
		o.LimitPrice = &p
	}

	hold, err := e.precheck(ctx, bs, o, fair, haveFair)
	if err == nil {
		o.Reserved = hold.Cash
		err = e.ledger.Reserve(ctx, hold, func(tx store.Tx) error {
			return tx.SaveOrder(ctx, o)
		})
	}
	if err != nil {
		e.retireIfIdle(bs)
		metrics.OrdersRejected.WithLabelValues(reason(err)).Inc()
		e.logger.Debug("order rejected", "order_id", id, "bond", req.BondID, "user_id", req.UserID, "err", err)
		return nil, nil, &OrderError{OrderID: id, Err: err}
	}
	metrics.OrdersSubmitted.WithLabelValues(string(o.Side), string(o.Type)).Inc()
	defer e.updateGauges(bs)

	evs, err := e.match(ctx, bs, o, nil)
	if err == nil {
		evs, err = e.finish(ctx, bs, o, evs)
	} else if o.Type == model.Limit && restable(bs, o) {
		// The committed remainder rests. One that would still cross stays
		// off-book, recorded OPEN/PARTIAL with its hold, until cancelled.
		if insErr := bs.book.Insert(o); insErr != nil {
			e.logger.Error("resting aborted order failed", "order_id", o.ID, "err", insErr)
		}
	}
	if err != nil {
		if errors.Is(err, store.ErrUnavailable) {
			metrics.StorageFailures.WithLabelValues("submit").Inc()
		}
		e.logger.Warn("order aborted", "order_id", o.ID, "bond", o.BondID,
			"filled", o.Filled, "status", o.Status, "err", err)
		return o.Clone(), evs, &OrderError{OrderID: o.ID, Err: err}
	}

	e.logger.Debug("order processed", "order_id", o.ID, "bond", o.BondID,
		"status", o.Status, "filled", o.Filled)
	return o.Clone(), evs, nil
}

func validate(req SubmitRequest) error {
	switch {
	case req.UserID == "":
		return fmt.Errorf("%w: missing user id", ErrInvalidOrder)
	case req.BondID == "":
		return fmt.Errorf("%w: missing bond id", ErrInvalidOrder)
	case !req.Side.Valid():
		return fmt.Errorf("%w: side %q", ErrInvalidOrder, req.Side)
	case !req.Type.Valid():
		return fmt.Errorf("%w: type %q", ErrInvalidOrder, req.Type)
	case req.Quantity <= 0:
		return fmt.Errorf("%w: quantity must be positive, got %d", ErrInvalidOrder, req.Quantity)
	case req.Type == model.Limit && (req.LimitPrice == nil || !req.LimitPrice.IsPositive()):
		return fmt.Errorf("%w: LIMIT order needs a positive limit price", ErrInvalidOrder)
	case req.Type == model.Market && req.LimitPrice != nil:
		return fmt.Errorf("%w: MARKET order must not carry a limit price", ErrInvalidOrder)
	}
	return nil
}

// precheck runs every check that needs the book and returns the hold the
// order requires. It mutates nothing; the hold itself is checked against
// the ledger by Reserve.
func (e *Engine) precheck(ctx context.Context, bs *bondState, o *model.Order, fair decimal.Decimal, haveFair bool) (ledger.Hold, error) {
	hold := ledger.Hold{UserID: o.UserID, BondID: o.BondID}

	switch {
	case o.Side == model.Buy && o.Type == model.Limit:
		hold.Cash = o.LimitPrice.Mul(decimal.NewFromInt(o.Quantity))

	case o.Side == model.Buy:
		sweep := bs.book.Sweep(model.Buy, o.Quantity)
		if sweep.Filled == 0 {
			return hold, ErrNoLiquidity
		}
		if err := e.checkBand(o, sweep.Worst, fair, haveFair); err != nil {
			return hold, err
		}
		// The book cannot change before matching, so the sweep notional is
		// exactly what the fills will cost.
		hold.Cash = sweep.Notional

	default:
		hold.Units = o.Quantity
		if o.Type == model.Market {
			if sweep := bs.book.Sweep(model.Sell, o.Quantity); sweep.Filled > 0 {
				if err := e.checkBand(o, sweep.Worst, fair, haveFair); err != nil {
					return hold, err
				}
			}
		}
	}

	if o.Side == model.Buy && e.opts.Limiter.Enabled() {
		holdings, err := e.ledger.Holdings(ctx, o.UserID)
		if err != nil {
			return hold, err
		}
		if err := e.opts.Limiter.CheckLimit(o.BondID, o.Quantity, holdings); err != nil {
			scope := "bond"
			if errors.Is(err, risk.ErrIssuerLimitExceeded) {
				scope = "issuer"
			}
			metrics.RiskLimitRejections.WithLabelValues(scope).Inc()
			return hold, err
		}
	}
	return hold, nil
}

// fairPrice asks the pricer for the band reference of a MARKET order. It
// runs before the bond is locked.
func (e *Engine) fairPrice(ctx context.Context, req SubmitRequest) (decimal.Decimal, bool) {
	if req.Type != model.Market || e.opts.Pricer == nil || !e.opts.MaxDeviation.IsPositive() {
		return decimal.Zero, false
	}
	fair, err := e.opts.Pricer.FairPrice(ctx, req.BondID)
	if err != nil {
		if !errors.Is(err, pricing.ErrNoPrice) {
			e.logger.Warn("fair price unavailable", "bond", req.BondID, "err", err)
		}
		return decimal.Zero, false
	}
	return fair, true
}

// checkBand rejects a MARKET order whose worst fill price lies beyond the
// allowed deviation from the fair price. Without a fair price the order
// passes.
func (e *Engine) checkBand(o *model.Order, worst, fair decimal.Decimal, haveFair bool) error {
	if !haveFair {
		return nil
	}

	one := decimal.NewFromInt(1)
	if o.Side == model.Buy {
		if ceiling := fair.Mul(one.Add(e.opts.MaxDeviation)); worst.GreaterThan(ceiling) {
			return fmt.Errorf("%w: worst price %s above %s", ErrPriceBand, worst, ceiling)
		}
		return nil
	}
	if floor := fair.Mul(one.Sub(e.opts.MaxDeviation)); worst.LessThan(floor) {
		return fmt.Errorf("%w: worst price %s below %s", ErrPriceBand, worst, floor)
	}
	return nil
}

// finish handles the remainder once matching stopped: a LIMIT remainder
// rests, a MARKET remainder is cancelled and its hold released.
func (e *Engine) finish(ctx context.Context, bs *bondState, o *model.Order, evs []events.Event) ([]events.Event, error) {
	if o.Remaining() == 0 {
		return evs, nil
	}
	if o.Type == model.Limit {
		return evs, bs.book.Insert(o)
	}

	next, err := e.cancel(ctx, o)
	if err != nil {
		return evs, err
	}
	*o = *next
	return append(evs, events.Cancelled(*o, o.UpdatedAt)), nil
}

// cancel releases the hold of o's remainder and persists it as CANCELLED
// in one transaction. The transaction fails with ErrInvalidState if the
// stored order no longer matches o. o itself is left untouched.
func (e *Engine) cancel(ctx context.Context, o *model.Order) (*model.Order, error) {
	hold := ledger.Hold{UserID: o.UserID, BondID: o.BondID}
	if o.Side == model.Buy {
		hold.Cash = o.Reserved
	} else {
		hold.Units = o.Remaining()
	}

	next := o.Clone()
	next.Status = model.StatusCancelled
	next.Reserved = decimal.Zero
	next.UpdatedAt = e.now()

	err := e.ledger.Release(ctx, hold, func(tx store.Tx) error {
		cur, err := tx.GetOrder(ctx, o.ID)
		if err != nil {
			return err
		}
		if cur.Status.Terminal() || cur.Filled != o.Filled || !cur.Reserved.Equal(o.Reserved) {
			return fmt.Errorf("%w: %s with %d filled", ErrInvalidState, cur.Status, cur.Filled)
		}
		return tx.SaveOrder(ctx, next)
	})
	if err != nil {
		return nil, err
	}
	metrics.OrdersCancelled.Inc()
	return next, nil
}

// Cancel cancels the unfilled remainder of an order owned by userID.
// Cancelling an order that is already EXECUTED or CANCELLED fails with
// ErrInvalidState and changes nothing.
func (e *Engine) Cancel(ctx context.Context, orderID, userID string) error {
	stored, err := e.st.GetOrder(ctx, orderID)
	if errors.Is(err, store.ErrNotFound) {
		return &OrderError{OrderID: orderID, Err: ErrNotFound}
	}
	if err != nil {
		return &OrderError{OrderID: orderID, Err: err}
	}
	if stored.UserID != userID {
		return &OrderError{OrderID: orderID, Err: ErrForbidden}
	}

	bs := e.acquire(stored.BondID)
	next, err := e.cancelLocked(ctx, bs, orderID)
	if err != nil {
		bs.mu.Unlock()
		return &OrderError{OrderID: orderID, Err: err}
	}
	e.logger.Debug("order cancelled", "order_id", orderID, "bond", next.BondID, "filled", next.Filled)
	e.publish(ctx, bs, []events.Event{events.Cancelled(*next, next.UpdatedAt)})
	return nil
}

// cancelLocked cancels orderID inside the bond's critical section.
func (e *Engine) cancelLocked(ctx context.Context, bs *bondState, orderID string) (*model.Order, error) {
	// The order may have filled while we waited for the lock. A resting
	// order's book entry is authoritative; otherwise read the stored order
	// inside a transaction, past any cache.
	cur, resting := bs.book.Get(orderID)
	if !resting {
		var err error
		if cur, err = e.loadOrder(ctx, orderID); err != nil {
			return nil, err
		}
	}
	if cur.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidState, cur.Status)
	}

	next, err := e.cancel(ctx, cur)
	if err != nil {
		if errors.Is(err, store.ErrUnavailable) {
			metrics.StorageFailures.WithLabelValues("cancel").Inc()
		}
		return nil, err
	}
	bs.book.Remove(orderID)
	e.updateGauges(bs)
	return next, nil
}

func (e *Engine) loadOrder(ctx context.Context, orderID string) (*model.Order, error) {
	var o *model.Order
	err := e.st.InTx(ctx, func(tx store.Tx) error {
		var err error
		o, err = tx.GetOrder(ctx, orderID)
		return err
	})
	return o, err
}

// OrderBook returns the aggregated book of a bond, best levels first,
// limited to depth levels per side (depth <= 0 means all).
func (e *Engine) OrderBook(ctx context.Context, bondID string, depth int) (*model.BookSnapshot, error) {
	bs := e.lockExisting(bondID)
	if bs == nil {
		bids, asks := orderbook.New(bondID).Snapshot(depth)
		snap := &model.BookSnapshot{BondID: bondID, Bids: bids, Asks: asks}
		t, err := e.trades.Last(ctx, bondID)
		if err != nil {
			return nil, err
		}
		if t != nil {
			snap.LastTrade = &model.LastTrade{Price: t.Price, Time: t.ExecutedAt}
		}
		return snap, nil
	}
	defer bs.mu.Unlock()

	if !bs.lastLoaded {
		t, err := e.trades.Last(ctx, bondID)
		if err != nil {
			return nil, err
		}
		if t != nil {
			bs.last = &model.LastTrade{Price: t.Price, Time: t.ExecutedAt}
		}
		bs.lastLoaded = true
	}

	bids, asks := bs.book.Snapshot(depth)
	snap := &model.BookSnapshot{BondID: bondID, Bids: bids, Asks: asks}
	if bs.last != nil {
		last := *bs.last
		snap.LastTrade = &last
	}
	return snap, nil
}

// GetOrder returns the current state of an order.
func (e *Engine) GetOrder(ctx context.Context, orderID string) (*model.Order, error) {
	o, err := e.st.GetOrder(ctx, orderID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &OrderError{OrderID: orderID, Err: ErrNotFound}
	}
	return o, err
}

// UserOrders returns a user's most recent orders, newest first.
func (e *Engine) UserOrders(ctx context.Context, userID string, limit int) ([]model.Order, error) {
	return e.st.ListOrdersByUser(ctx, userID, limit)
}

// Trades returns one page of the trade log.
func (e *Engine) Trades(ctx context.Context, q tradelog.Query) (tradelog.Page, error) {
	return e.trades.Query(ctx, q)
}

// Portfolio returns a user's cash and positions.
func (e *Engine) Portfolio(ctx context.Context, userID string) (*model.Portfolio, error) {
	return e.ledger.Portfolio(ctx, userID)
}

// Restore rebuilds the books from the OPEN and PARTIAL LIMIT orders in the
// store, in time priority. Orders left open by an aborted submission that
// are MARKET orders, or that would cross the book, are not rested; they
// remain cancellable.
func (e *Engine) Restore(ctx context.Context) error {
	open, err := e.st.ListOpenOrders(ctx, "")
	if err != nil {
		return fmt.Errorf("engine: restore: %w", err)
	}

	var rested, skipped int
	var maxSeq int64
	touched := make(map[string]*bondState)
	for i := range open {
		o := open[i].Clone()
		maxSeq = max(maxSeq, o.Seq)
		if o.Type != model.Limit {
			skipped++
			continue
		}

		bs := e.acquire(o.BondID)
		ok := restable(bs, o)
		if ok {
			err = bs.book.Insert(o)
		}
		bs.mu.Unlock()
		if err != nil {
			return fmt.Errorf("engine: restore order %s: %w", o.ID, err)
		}
		if !ok {
			e.logger.Warn("crossing order left off-book", "order_id", o.ID, "bond", o.BondID)
			skipped++
			continue
		}
		touched[o.BondID] = bs
		rested++
	}

	for cur := e.seq.Load(); cur < maxSeq; cur = e.seq.Load() {
		if e.seq.CompareAndSwap(cur, maxSeq) {
			break
		}
	}
	for _, bs := range touched {
		bs.mu.Lock()
		e.updateGauges(bs)
		bs.mu.Unlock()
	}

	e.logger.Info("order books restored", "bonds", len(touched), "orders", rested, "off_book", skipped)
	return nil
}

// receiptOnce holds the settlement receipt of one submission.
type receiptOnce struct {
	raw     json.RawMessage
	fetched bool
}

// receipt asks the pricing collaborator for the settlement receipt the
// first time a submission fills. A missing receipt does not block
// settlement.
func (e *Engine) receipt(ctx context.Context, r *receiptOnce, bondID string) json.RawMessage {
	if r.fetched || e.opts.Receipts == nil {
		return r.raw
	}
	r.fetched = true
	raw, err := e.opts.Receipts.Receipt(ctx, bondID)
	if err != nil {
		e.logger.Warn("settlement receipt unavailable", "bond", bondID, "err", err)
		return nil
	}
	r.raw = raw
	return raw
}

// restable reports whether o can rest without crossing the book.
func restable(bs *bondState, o *model.Order) bool {
	best := bs.book.BestOpposite(o.Side)
	return best == nil || !crosses(o, best)
}

func (e *Engine) updateGauges(bs *bondState) {
	bondID := bs.book.BondID()
	metrics.RestingOrders.WithLabelValues(bondID, string(model.Buy)).Set(float64(bs.book.Len(model.Buy)))
	metrics.RestingOrders.WithLabelValues(bondID, string(model.Sell)).Set(float64(bs.book.Len(model.Sell)))
}
