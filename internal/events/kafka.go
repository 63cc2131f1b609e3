package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"convergence-trading-bot/internal/logging"

	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher forwards bus events to a Kafka topic, keyed by symbol so
// one symbol's decisions stay ordered within a partition.
type KafkaPublisher struct {
	writer       messageWriter
	topic        string
	writeTimeout time.Duration
	logger       *logging.Logger
}

// NewKafkaPublisher creates a publisher writing to topic on brokers.
func NewKafkaPublisher(brokers []string, topic string, logger *logging.Logger) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("brokers are required")
	}
	if logger == nil {
		logger = logging.Default()
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  3,
		WriteTimeout: 10 * time.Second,
		BatchTimeout: 100 * time.Millisecond,
	}
	return newKafkaPublisher(writer, topic, logger), nil
}

func newKafkaPublisher(w messageWriter, topic string, logger *logging.Logger) *KafkaPublisher {
	return &KafkaPublisher{
		writer:       w,
		topic:        topic,
		writeTimeout: 10 * time.Second,
		logger:       logger.WithComponent("KafkaPublisher"),
	}
}

// Attach subscribes the publisher to every event on the bus.
func (p *KafkaPublisher) Attach(bus *EventBus) {
	bus.SubscribeAll(p.Handle)
}

// Handle writes one event. Failures are logged; trading never waits on Kafka.
func (p *KafkaPublisher) Handle(event Event) {
	ctx, cancel := context.WithTimeout(context.Background(), p.writeTimeout)
	defer cancel()

	if err := p.Publish(ctx, event); err != nil {
		p.logger.Warn("Failed to publish event", "type", string(event.Type), "id", event.ID, "error", err)
	}
}

// Publish marshals and writes an event.
func (p *KafkaPublisher) Publish(ctx context.Context, event Event) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(event.Symbol),
		Value: value,
		Time:  event.Timestamp,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.Type)},
			{Key: "event_id", Value: []byte(event.ID)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write to %s: %w", p.topic, err)
	}
	return nil
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
