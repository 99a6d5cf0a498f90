package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/fracbond/matching-core/internal/metrics"
)

// MessagePublisher delivers one keyed message to the broker and returns
// once it is acknowledged.
type MessagePublisher interface {
	Send(ctx context.Context, key, value []byte) error
}

// KafkaPublisher writes messages to one Kafka topic and waits for all
// in-sync replicas.
type KafkaPublisher struct {
	writer *kafka.Writer
}

// NewKafkaPublisher creates a publisher for topic on brokers. Messages are
// partitioned by key, so events of one bond stay ordered.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			Async:        false,
			BatchTimeout: 10 * time.Millisecond,
		},
	}
}

func (p *KafkaPublisher) Send(ctx context.Context, key, value []byte) error {
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   key,
		Value: value,
	})
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// Relay ships outbox entries to a broker in sequence order and deletes
// them once acknowledged. A failed send stops the pass; the entry is
// retried on the next tick, so delivery is at least once.
type Relay struct {
	outbox    *Outbox
	publisher MessagePublisher
	interval  time.Duration
	batch     int
	logger    *slog.Logger
}

// NewRelay creates a relay polling the outbox every interval.
func NewRelay(outbox *Outbox, publisher MessagePublisher, interval time.Duration, logger *slog.Logger) *Relay {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		outbox:    outbox,
		publisher: publisher,
		interval:  interval,
		batch:     256,
		logger:    logger.With("component", "relay"),
	}
}

// Run relays until ctx is done.
func (r *Relay) Run(ctx context.Context) {
	r.logger.Info("relay started", "interval", r.interval)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.RelayOnce(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("relay pass failed", "err", err)
			}
		}
	}
}

// RelayOnce sends pending entries until the outbox is drained or a send
// fails. It returns the number of entries delivered.
func (r *Relay) RelayOnce(ctx context.Context) (int, error) {
	var sent int
	for {
		entries, err := r.outbox.Pending(r.batch)
		if err != nil {
			return sent, err
		}
		if len(entries) == 0 {
			return sent, nil
		}
		for _, e := range entries {
			if err := r.publisher.Send(ctx, []byte(e.BondID), e.Payload); err != nil {
				return sent, err
			}
			if err := r.outbox.Ack(e.Seq); err != nil {
				return sent, err
			}
			metrics.EventsRelayed.Inc()
			sent++
		}
	}
}
