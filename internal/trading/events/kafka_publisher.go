package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaPublisher bridges bus events onto a Kafka topic for downstream
// notification and broadcast consumers. Write failures are logged and
// dropped; the trade that produced the event is already durable.
type KafkaPublisher struct {
	writer *kafka.Writer
	logger *zap.Logger
}

// NewKafkaPublisher builds a publisher writing to topic on brokers.
func NewKafkaPublisher(brokers []string, topic string, logger *zap.Logger) *KafkaPublisher {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		BatchSize:    100,
		BatchTimeout: 5 * time.Millisecond,
		WriteTimeout: time.Second,
		RequiredAcks: kafka.RequireOne,
		Compression:  kafka.Snappy,
	}
	return &KafkaPublisher{writer: writer, logger: logger}
}

// Attach subscribes the publisher to the given topics on the bus.
func (p *KafkaPublisher) Attach(bus Bus, topics ...string) {
	for _, topic := range topics {
		bus.Subscribe(topic, p.handle)
	}
}

func (p *KafkaPublisher) handle(event Event) {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		p.logger.Error("kafka publisher: marshal event", zap.Error(err), zap.String("type", event.Type))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.Topic),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.Type)},
		},
		Time: event.Timestamp,
	})
	if err != nil {
		p.logger.Warn("kafka publisher: write failed, event dropped",
			zap.Error(err),
			zap.String("topic", event.Topic),
			zap.String("type", event.Type))
	}
}

// Close flushes and closes the underlying writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
