package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"

	"supplierflow/saga"
)

const (
	EventUnifiedProcessed = "UnifiedProcessed"
	EventValidationFailed = "ValidationFailed"
)

// Emitter publishes saga outcomes as JSON events. It implements saga.Emitter.
type Emitter struct {
	processed *Publisher
	invalid   *Publisher
}

func NewEmitter(processed, invalid *Publisher) *Emitter {
	return &Emitter{processed: processed, invalid: invalid}
}

func (e *Emitter) EmitProcessed(ctx context.Context, key string, ev saga.UnifiedProcessed) error {
	return publishEvent(ctx, e.processed, key, EventUnifiedProcessed, ev.CorrelationID.String(), ev)
}

func (e *Emitter) EmitFailed(ctx context.Context, key string, ev saga.ValidationFailed) error {
	return publishEvent(ctx, e.invalid, key, EventValidationFailed, ev.CorrelationID.String(), ev)
}

func publishEvent(ctx context.Context, p *Publisher, key, eventType, correlationID string, ev any) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("kafka: encode %s: %w", eventType, err)
	}
	return p.Publish(ctx, key, data,
		kafka.Header{Key: HeaderCorrelationID, Value: []byte(correlationID)},
		kafka.Header{Key: HeaderEventType, Value: []byte(eventType)},
	)
}
