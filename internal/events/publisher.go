// Package events publishes lifecycle events to the message broker after the
// owning transaction commits. Delivery is best-effort: the audit table row
// written inside the transaction is the durable record.
package events

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"github.com/tokenrent/rentledger/internal/domain"
)

// Publisher delivers committed lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, evs []domain.Event) error
	Close() error
}

// Kafka publishes to a single topic keyed by lending id, so per-listing
// ordering is preserved within a partition.
type Kafka struct {
	w *kafka.Writer
}

func NewKafka(brokers []string, topic string) *Kafka {
	return &Kafka{
		w: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			BatchTimeout:           10 * time.Millisecond,
			AllowAutoTopicCreation: true,
		},
	}
}

func (k *Kafka) Publish(ctx context.Context, evs []domain.Event) error {
	if len(evs) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(evs))
	for _, ev := range evs {
		value, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(strconv.FormatInt(ev.LendingID, 10)),
			Value: value,
		})
	}
	if err := k.w.WriteMessages(ctx, msgs...); err != nil {
		log.Warn().Err(err).Int("events", len(msgs)).Msg("event publish failed")
		return err
	}
	return nil
}

func (k *Kafka) Close() error {
	return k.w.Close()
}

// Noop is used when no brokers are configured.
type Noop struct{}

func (Noop) Publish(context.Context, []domain.Event) error { return nil }
func (Noop) Close() error                                  { return nil }
