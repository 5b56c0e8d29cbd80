package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/custodia-labs/d365-sync/internal/core/domain"
	"github.com/custodia-labs/d365-sync/internal/core/ports/driven"
	"github.com/custodia-labs/d365-sync/internal/logger"
)

var _ driven.RecordSink = (*KafkaSink)(nil)

// Message header names.
const (
	HeaderEntity  = "d365-entity"
	HeaderDeleted = "d365-deleted"
)

// messageWriter is the part of *kafka.Writer the sink uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes one message per record. Messages are keyed by
// entity and record key so every version of a record lands on the same
// partition, in order.
type KafkaSink struct {
	writer messageWriter
	topic  string
}

// NewKafkaSink creates a sink producing to topic. Writes wait for all
// in-sync replicas.
func NewKafkaSink(brokers []string, topic string) (*KafkaSink, error) {
	if len(brokers) == 0 || topic == "" {
		return nil, fmt.Errorf("%w: kafka sink requires brokers and a topic", domain.ErrInvalidInput)
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 50 * time.Millisecond,
	}
	logger.Debug("sink: producing to kafka topic %s via %v", topic, brokers)
	return newKafkaSink(w, topic), nil
}

func newKafkaSink(w messageWriter, topic string) *KafkaSink {
	return &KafkaSink{writer: w, topic: topic}
}

// Deliver writes the page synchronously. It returns once every message
// was acknowledged.
func (s *KafkaSink) Deliver(ctx context.Context, entity string, records []domain.CanonicalRecord) error {
	if len(records) == 0 {
		return nil
	}

	msgs := make([]kafka.Message, 0, len(records))
	for _, rec := range records {
		value, err := json.Marshal(toEnvelope(rec))
		if err != nil {
			return fmt.Errorf("encode %s record %s: %w", entity, rec.Key, err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(entity + "/" + rec.Key),
			Value: value,
			Headers: []kafka.Header{
				{Key: HeaderEntity, Value: []byte(entity)},
				{Key: HeaderDeleted, Value: []byte(strconv.FormatBool(rec.Deleted))},
			},
		})
	}

	if err := s.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("produce to %s: %w", s.topic, err)
	}
	return nil
}

// Close flushes pending messages and closes the producer.
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
