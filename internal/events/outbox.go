package events

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/pebble"

	"github.com/fracbond/matching-core/internal/metrics"
)

var outboxPrefix = []byte("event/")

// Outbox is a durable FIFO of encoded events backed by pebble. Entries stay
// until the relay acknowledges them, so events survive a crash between the
// engine publishing them and the broker accepting them.
type Outbox struct {
	db  *pebble.DB
	seq atomic.Uint64
}

// OutboxEntry is one pending event.
type OutboxEntry struct {
	Seq     uint64
	BondID  string
	Payload []byte // JSON-encoded Event
}

// OpenOutbox opens (or creates) the outbox in dir and resumes its sequence.
func OpenOutbox(dir string) (*Outbox, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("outbox: open %s: %w", dir, err)
	}
	o := &Outbox{db: db}

	last, err := o.lastSeq()
	if err != nil {
		db.Close()
		return nil, err
	}
	o.seq.Store(last)

	n, err := o.Len()
	if err != nil {
		db.Close()
		return nil, err
	}
	metrics.OutboxPending.Set(float64(n))
	return o, nil
}

// Close closes the underlying database.
func (o *Outbox) Close() error {
	return o.db.Close()
}

// Publish appends ev to the outbox with a synced write.
func (o *Outbox) Publish(_ context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("outbox: encode: %w", err)
	}
	seq := o.seq.Add(1)
	if err := o.db.Set(keyFor(seq), data, pebble.Sync); err != nil {
		return fmt.Errorf("outbox: append %d: %w", seq, err)
	}
	metrics.OutboxPending.Inc()
	return nil
}

// Pending returns up to limit unacknowledged entries, oldest first.
func (o *Outbox) Pending(limit int) ([]OutboxEntry, error) {
	iter, err := o.db.NewIter(&pebble.IterOptions{
		LowerBound: outboxPrefix,
		UpperBound: upperBound(),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var entries []OutboxEntry
	for iter.First(); iter.Valid(); iter.Next() {
		if limit > 0 && len(entries) >= limit {
			break
		}
		seq, err := parseKey(iter.Key())
		if err != nil {
			return nil, err
		}
		payload := bytes.Clone(iter.Value())

		var head struct {
			BondID string `json:"bond_id"`
		}
		if err := json.Unmarshal(payload, &head); err != nil {
			return nil, fmt.Errorf("outbox: decode %d: %w", seq, err)
		}
		entries = append(entries, OutboxEntry{Seq: seq, BondID: head.BondID, Payload: payload})
	}
	return entries, iter.Error()
}

// Ack removes a delivered entry.
func (o *Outbox) Ack(seq uint64) error {
	if err := o.db.Delete(keyFor(seq), pebble.Sync); err != nil {
		return fmt.Errorf("outbox: ack %d: %w", seq, err)
	}
	metrics.OutboxPending.Dec()
	return nil
}

// Len counts pending entries.
func (o *Outbox) Len() (int, error) {
	iter, err := o.db.NewIter(&pebble.IterOptions{
		LowerBound: outboxPrefix,
		UpperBound: upperBound(),
	})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	var n int
	for iter.First(); iter.Valid(); iter.Next() {
		n++
	}
	return n, iter.Error()
}

func (o *Outbox) lastSeq() (uint64, error) {
	iter, err := o.db.NewIter(&pebble.IterOptions{
		LowerBound: outboxPrefix,
		UpperBound: upperBound(),
	})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	if !iter.Last() {
		return 0, iter.Error()
	}
	return parseKey(iter.Key())
}

// keyFor encodes seq big-endian so that keys sort in sequence order.
func keyFor(seq uint64) []byte {
	key := make([]byte, len(outboxPrefix)+8)
	copy(key, outboxPrefix)
	binary.BigEndian.PutUint64(key[len(outboxPrefix):], seq)
	return key
}

func parseKey(key []byte) (uint64, error) {
	if len(key) != len(outboxPrefix)+8 || !bytes.HasPrefix(key, outboxPrefix) {
		return 0, errors.New("outbox: malformed key")
	}
	return binary.BigEndian.Uint64(key[len(outboxPrefix):]), nil
}

func upperBound() []byte {
	ub := bytes.Clone(outboxPrefix)
	ub[len(ub)-1]++
	return ub
}
