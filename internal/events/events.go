// Package events carries the domain events the matching engine produces
// to external subscribers: in-process channels, WebSocket clients and a
// durable outbox relayed to Kafka.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fracbond/matching-core/internal/metrics"
	"github.com/fracbond/matching-core/internal/model"
)

// Type names a domain event.
type Type string

const (
	// OrderMatched carries an order right after one of its fills settled.
	OrderMatched Type = "order.matched"
	// OrderCancelled carries an order that reached CANCELLED, either by
	// request or as the unfilled remainder of a MARKET order.
	OrderCancelled Type = "order.cancelled"
	// TradeSettled carries a trade whose ledger effects committed.
	TradeSettled Type = "trade.settled"
)

// Event is one domain event. Order is set for order events, Trade for
// TradeSettled.
type Event struct {
	Type       Type         `json:"type"`
	BondID     string       `json:"bond_id"`
	OccurredAt time.Time    `json:"occurred_at"`
	Order      *model.Order `json:"order,omitempty"`
	Trade      *model.Trade `json:"trade,omitempty"`
}

// Matched builds an OrderMatched event from a copy of o.
func Matched(o model.Order, at time.Time) Event {
	return Event{Type: OrderMatched, BondID: o.BondID, OccurredAt: at, Order: &o}
}

// Cancelled builds an OrderCancelled event from a copy of o.
func Cancelled(o model.Order, at time.Time) Event {
	return Event{Type: OrderCancelled, BondID: o.BondID, OccurredAt: at, Order: &o}
}

// Settled builds a TradeSettled event from a copy of t.
func Settled(t model.Trade) Event {
	return Event{Type: TradeSettled, BondID: t.BondID, OccurredAt: t.ExecutedAt, Trade: &t}
}

// Publisher accepts events in production order.
type Publisher interface {
	Publish(ctx context.Context, evs ...Event)
}

// Sink receives every event synchronously. A failing sink is logged and
// does not stop delivery to the others.
type Sink interface {
	Publish(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(ctx context.Context, ev Event) error

func (f SinkFunc) Publish(ctx context.Context, ev Event) error { return f(ctx, ev) }

type namedSink struct {
	name string
	sink Sink
}

// Bus fans events out to sinks and subscribers. Publish never blocks on a
// subscriber: events a lagging subscriber cannot buffer are dropped and
// counted.
type Bus struct {
	mu     sync.RWMutex
	sinks  []namedSink
	subs   map[*Subscription]struct{}
	logger *slog.Logger
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[*Subscription]struct{}),
		logger: logger.With("component", "events"),
	}
}

// AddSink registers a sink under name.
func (b *Bus) AddSink(name string, s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, namedSink{name: name, sink: s})
}

// Subscription is a buffered stream of events.
type Subscription struct {
	name string
	ch   chan Event
	bus  *Bus
	once sync.Once
}

// C returns the event channel. It is closed by Close.
func (s *Subscription) C() <-chan Event { return s.ch }

// Close detaches the subscription from the bus.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		close(s.ch)
	})
}

// Subscribe returns a subscription buffering up to buffer events.
func (b *Bus) Subscribe(name string, buffer int) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	sub := &Subscription{name: name, ch: make(chan Event, buffer), bus: b}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Publish delivers evs to every sink, then every subscriber, in order.
func (b *Bus) Publish(ctx context.Context, evs ...Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ev := range evs {
		for _, s := range b.sinks {
			if err := s.sink.Publish(ctx, ev); err != nil {
				b.logger.Error("event sink failed", "sink", s.name, "type", ev.Type, "bond", ev.BondID, "err", err)
			}
		}
		for sub := range b.subs {
			select {
			case sub.ch <- ev:
			default:
				metrics.EventsDropped.WithLabelValues(sub.name).Inc()
			}
		}
	}
}

// Discard is a Publisher that drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, ...Event) {}
