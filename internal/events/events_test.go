package events

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/fracbond/matching-core/internal/model"
)

func order(id, bond string) model.Order {
	return model.Order{ID: id, BondID: bond, Side: model.Buy, Type: model.Limit, Quantity: 10, Status: model.StatusOpen}
}

func TestBus_SinksAndSubscribersInOrder(t *testing.T) {
	bus := NewBus(nil)

	var got []Type
	bus.AddSink("record", SinkFunc(func(_ context.Context, ev Event) error {
		got = append(got, ev.Type)
		return nil
	}))
	bus.AddSink("broken", SinkFunc(func(context.Context, Event) error {
		return errors.New("down")
	}))
	sub := bus.Subscribe("test", 10)
	defer sub.Close()

	now := time.Now()
	bus.Publish(context.Background(),
		Matched(order("o1", "B1"), now),
		Settled(model.Trade{ID: 1, BondID: "B1", Price: decimal.NewFromInt(98), Quantity: 5, ExecutedAt: now}),
		Cancelled(order("o2", "B1"), now),
	)

	want := []Type{OrderMatched, TradeSettled, OrderCancelled}
	if len(got) != len(want) {
		t.Fatalf("sink: expected %v, got %v (a failing sink must not stop delivery)", want, got)
	}
	for i, typ := range want {
		if got[i] != typ {
			t.Errorf("sink event %d: expected %s, got %s", i, typ, got[i])
		}
		ev := <-sub.C()
		if ev.Type != typ {
			t.Errorf("subscriber event %d: expected %s, got %s", i, typ, ev.Type)
		}
	}
}

func TestBus_SlowSubscriberDrops(t *testing.T) {
	bus := NewBus(nil)
	sub := bus.Subscribe("slow", 1)

	// Must not block although nobody reads.
	for i := 0; i < 5; i++ {
		bus.Publish(context.Background(), Matched(order("o", "B1"), time.Now()))
	}
	if n := len(sub.C()); n != 1 {
		t.Errorf("expected 1 buffered event, got %d", n)
	}

	sub.Close()
	sub.Close() // idempotent
	if _, ok := <-drain(sub.C()); ok {
		t.Error("channel should be closed after Close")
	}
	bus.Publish(context.Background(), Matched(order("o", "B1"), time.Now()))
}

func drain(ch <-chan Event) <-chan Event {
	for range len(ch) {
		<-ch
	}
	return ch
}

func TestEventConstructorsCopy(t *testing.T) {
	o := order("o1", "B1")
	ev := Matched(o, time.Now())
	o.Filled = 10
	if ev.Order.Filled != 0 {
		t.Error("event must not alias the caller's order")
	}
	if ev.BondID != "B1" {
		t.Errorf("expected bond B1, got %s", ev.BondID)
	}
}

func TestOutbox_AppendPendingAck(t *testing.T) {
	dir := t.TempDir()
	ob, err := OpenOutbox(dir)
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	for _, bond := range []string{"B1", "B2", "B1"} {
		if err := ob.Publish(ctx, Matched(order("o", bond), time.Now())); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := ob.Pending(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	for i, e := range entries {
		if e.Seq != uint64(i+1) {
			t.Errorf("entry %d: expected seq %d, got %d", i, i+1, e.Seq)
		}
	}
	if entries[1].BondID != "B2" {
		t.Errorf("expected bond B2, got %s", entries[1].BondID)
	}
	var ev Event
	if err := json.Unmarshal(entries[0].Payload, &ev); err != nil || ev.Type != OrderMatched {
		t.Errorf("payload should decode to the event, got %+v %v", ev, err)
	}

	if err := ob.Ack(entries[0].Seq); err != nil {
		t.Fatal(err)
	}
	if n, _ := ob.Len(); n != 2 {
		t.Errorf("expected 2 pending after ack, got %d", n)
	}

	limited, _ := ob.Pending(1)
	if len(limited) != 1 || limited[0].Seq != 2 {
		t.Errorf("expected only seq 2, got %+v", limited)
	}
}

func TestOutbox_ResumesSequenceAfterReopen(t *testing.T) {
	dir := t.TempDir()
	ob, err := OpenOutbox(dir)
	if err != nil {
		t.Fatal(err)
	}
	ob.Publish(context.Background(), Matched(order("o1", "B1"), time.Now()))
	ob.Publish(context.Background(), Matched(order("o2", "B1"), time.Now()))
	if err := ob.Close(); err != nil {
		t.Fatal(err)
	}

	ob, err = OpenOutbox(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer ob.Close()

	ob.Publish(context.Background(), Matched(order("o3", "B1"), time.Now()))
	entries, _ := ob.Pending(0)
	if len(entries) != 3 || entries[2].Seq != 3 {
		t.Errorf("expected entries to survive reopen with seq 3 last, got %+v", entries)
	}
}

type fakeBroker struct {
	failAfter int
	keys      []string
}

func (f *fakeBroker) Send(_ context.Context, key, _ []byte) error {
	if f.failAfter >= 0 && len(f.keys) >= f.failAfter {
		return errors.New("broker unavailable")
	}
	f.keys = append(f.keys, string(key))
	return nil
}

func TestRelay_DeliversInOrderAndRetries(t *testing.T) {
	ob, err := OpenOutbox(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer ob.Close()

	ctx := context.Background()
	for _, bond := range []string{"B1", "B2", "B3"} {
		ob.Publish(ctx, Matched(order("o", bond), time.Now()))
	}

	broker := &fakeBroker{failAfter: 2}
	relay := NewRelay(ob, broker, time.Millisecond, nil)

	sent, err := relay.RelayOnce(ctx)
	if err == nil || sent != 2 {
		t.Fatalf("expected 2 sent then failure, got %d %v", sent, err)
	}
	if n, _ := ob.Len(); n != 1 {
		t.Errorf("undelivered entry must stay in the outbox, got %d pending", n)
	}

	broker.failAfter = -1
	sent, err = relay.RelayOnce(ctx)
	if err != nil || sent != 1 {
		t.Fatalf("expected retry to deliver 1, got %d %v", sent, err)
	}
	want := []string{"B1", "B2", "B3"}
	for i := range want {
		if broker.keys[i] != want[i] {
			t.Errorf("message %d: expected key %s, got %s", i, want[i], broker.keys[i])
		}
	}
	if n, _ := ob.Len(); n != 0 {
		t.Errorf("expected empty outbox, got %d", n)
	}
}

func TestWSHub_BroadcastsFilteredByBond(t *testing.T) {
	hub := NewWSHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	all, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer all.Close()
	onlyB2, _, err := websocket.DefaultDialer.Dial(wsURL+"?bond=B2", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer onlyB2.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("clients did not register")
		}
		time.Sleep(5 * time.Millisecond)
	}

	hub.Publish(ctx, Matched(order("o1", "B1"), time.Now()))
	hub.Publish(ctx, Matched(order("o2", "B2"), time.Now()))

	read := func(c *websocket.Conn) Event {
		t.Helper()
		c.SetReadDeadline(time.Now().Add(2 * time.Second))
		var ev Event
		if err := c.ReadJSON(&ev); err != nil {
			t.Fatalf("read: %v", err)
		}
		return ev
	}

	if ev := read(all); ev.Order.ID != "o1" {
		t.Errorf("expected o1 first, got %s", ev.Order.ID)
	}
	if ev := read(all); ev.Order.ID != "o2" {
		t.Errorf("expected o2 second, got %s", ev.Order.ID)
	}
	if ev := read(onlyB2); ev.Order.ID != "o2" {
		t.Errorf("filtered client should only see B2, got %s", ev.Order.ID)
	}
}
