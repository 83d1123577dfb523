// Package saga drives an infringement record from first sight to exactly one
// terminal outcome. Each saga resolves from a single input record: it is
// created, validated, routed to one outcome event and committed as processed
// or invalid. Redelivered records find the terminal saga and do nothing.
package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"supplierflow/correlation"
	"supplierflow/validation"
)

// DefaultLease bounds how long a worker owns a non-terminal saga before a
// redelivery may take it over.
const DefaultLease = 30 * time.Second

// Supplier describes one upstream input shape.
type Supplier[T any] struct {
	// Origin names the supplier in logs and spans.
	Origin    string
	Normalize func(T) Fields
}

// Orchestrator runs the saga state machine for one supplier's records.
type Orchestrator[T any] struct {
	supplier Supplier[T]
	store    Store
	emitter  Emitter
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time
	lease    time.Duration
}

// NewOrchestrator wires an orchestrator for supplier. A nil logger uses slog.Default.
func NewOrchestrator[T any](supplier Supplier[T], store Store, emitter Emitter, logger *slog.Logger) *Orchestrator[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator[T]{
		supplier: supplier,
		store:    store,
		emitter:  emitter,
		logger:   logger.With("origin", supplier.Origin),
		tracer:   otel.Tracer("supplierflow/saga"),
		now:      func() time.Time { return time.Now().UTC() },
		lease:    DefaultLease,
	}
}

// WithClock replaces the UTC wall clock used for leases and timestamps.
func (o *Orchestrator[T]) WithClock(now func() time.Time) *Orchestrator[T] {
	o.now = now
	return o
}

// WithLease sets how long a worker owns a saga it created or claimed.
// Non-positive durations keep DefaultLease.
func (o *Orchestrator[T]) WithLease(d time.Duration) *Orchestrator[T] {
	if d > 0 {
		o.lease = d
	}
	return o
}

// Consume handles input and acknowledges it only once the saga is resolved.
// Errors leave the record unacknowledged so the transport redelivers it.
func (o *Orchestrator[T]) Consume(ctx context.Context, input T, ack Acknowledger) error {
	if err := o.Handle(ctx, input); err != nil {
		return err
	}
	if err := ack.Ack(ctx); err != nil {
		return fmt.Errorf("saga: acknowledge: %w", err)
	}
	return nil
}

// Handle resolves the saga for input. It returns nil when the saga is
// terminal afterwards, whether this call resolved it or an earlier delivery did.
func (o *Orchestrator[T]) Handle(ctx context.Context, input T) error {
	fields := o.supplier.Normalize(input)

	id, err := correlation.Derive(fields.ExternalID)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	ctx, span := o.tracer.Start(ctx, "saga.handle", trace.WithAttributes(
		attribute.String("saga.correlation_id", id.String()),
		attribute.String("saga.external_id", fields.ExternalID),
		attribute.String("saga.origin", o.supplier.Origin),
	))
	defer span.End()

	err = o.handle(ctx, id, fields)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (o *Orchestrator[T]) handle(ctx context.Context, id correlation.Identity, fields Fields) error {
	log := o.logger.With("correlation_id", id.String(), "external_id", fields.ExternalID)

	now := o.now()
	rec, created, err := o.store.FindOrCreate(ctx, NewRecord(id, fields, now, now.Add(o.lease)))
	if err != nil {
		return fmt.Errorf("saga: find or create: %w", err)
	}

	if !created {
		switch {
		case rec.State.Terminal():
			log.Info("duplicate delivery ignored", "state", rec.State)
			return nil
		case now.Before(rec.LeaseUntil):
			return ErrInFlight
		}

		rec, err = o.store.Claim(ctx, id, rec.Version, now.Add(o.lease))
		if err != nil {
			if errors.Is(err, ErrConflict) {
				return ErrInFlight
			}
			return fmt.Errorf("saga: claim: %w", err)
		}
		log.Warn("reclaimed stale saga", "version", rec.Version)
	} else {
		log.Info("saga started")
	}

	verdict := validation.Check(rec.Plate, rec.Amount, rec.ExternalID)
	log.Info("validation completed", "valid", verdict.Valid)

	outcome := Route(rec, verdict, now)
	if err := o.emit(ctx, rec.ExternalID, outcome); err != nil {
		o.release(ctx, log, id, rec.Version)
		return fmt.Errorf("saga: emit %s outcome: %w", outcome.State, err)
	}

	if err := o.store.CommitTerminal(ctx, id, rec.Version, outcome.State, verdict, now); err != nil {
		if errors.Is(err, ErrConflict) {
			log.Warn("saga resolved concurrently", "state", outcome.State)
			return nil
		}
		// The outcome is out; the next delivery reclaims the saga at once and
		// emits it again under the same correlation id.
		o.release(ctx, log, id, rec.Version)
		return fmt.Errorf("saga: commit %s: %w", outcome.State, err)
	}

	if outcome.State == StateInvalid {
		log.Warn("saga invalid", "reason", verdict.Reason())
	} else {
		log.Info("saga processed")
	}
	return nil
}

// release clears the lease so a redelivery can reclaim the saga without
// waiting for it to expire. Failures are logged; the lease then lapses on its own.
func (o *Orchestrator[T]) release(ctx context.Context, log *slog.Logger, id correlation.Identity, version int) {
	if err := o.store.Release(ctx, id, version); err != nil {
		log.Error("release saga lease", "error", err)
	}
}

func (o *Orchestrator[T]) emit(ctx context.Context, key string, out Outcome) error {
	switch {
	case out.Processed != nil:
		return o.emitter.EmitProcessed(ctx, key, *out.Processed)
	case out.Failed != nil:
		return o.emitter.EmitFailed(ctx, key, *out.Failed)
	default:
		return fmt.Errorf("saga: empty outcome")
	}
}
