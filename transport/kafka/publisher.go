// Package kafka carries supplier records in and saga outcomes out over Kafka.
package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

const (
	TopicSupplierA = "source.supplier-a.v1"
	TopicSupplierB = "source.supplier-b.v1"
	TopicProcessed = "target.processed.data.v1"
	TopicInvalid   = "target.invalid.data.v1"

	GroupSupplierA = "saga-group-a"
	GroupSupplierB = "saga-group-b"

	HeaderCorrelationID = "correlation-id"
	HeaderEventType     = "event-type"
	HeaderDeadReason    = "dead-letter-reason"
	HeaderSourceTopic   = "source-topic"
	HeaderSourceOffset  = "source-offset"
)

// DeadLetterTopic names the topic that receives records from topic which can
// never be processed.
func DeadLetterTopic(topic string) string {
	return topic + ".dead-letter"
}

// MessageWriter is the subset of *kafka.Writer the publishers use.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// NewWriter builds a synchronous writer for topic. Records are partitioned
// by key so every record of one business key stays on one partition.
func NewWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           10 * time.Millisecond,
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
}

// Publisher writes keyed records to one topic.
type Publisher struct {
	topic string
	w     MessageWriter
}

func NewPublisher(topic string, w MessageWriter) *Publisher {
	return &Publisher{topic: topic, w: w}
}

func (p *Publisher) Topic() string { return p.topic }

// Publish writes value under key and returns once the broker accepted it.
func (p *Publisher) Publish(ctx context.Context, key string, value []byte, headers ...kafka.Header) error {
	msg := kafka.Message{
		Key:     []byte(key),
		Value:   value,
		Headers: headers,
		Time:    time.Now().UTC(),
	}
	if err := p.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka: publish to %s: %w", p.topic, err)
	}
	return nil
}
