// Package actors drives concurrent, duplicated supplier deliveries into the
// saga orchestrators during stress runs.
package actors

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"supplierflow/correlation"
	"supplierflow/saga"
	"supplierflow/supplier"
)

// Keys is the shared pool of business keys actors fight over.
type Keys []string

func NewKeys(prefix string, n int) Keys {
	keys := make(Keys, n)
	for i := range keys {
		keys[i] = fmt.Sprintf("%s-%05d", prefix, i)
	}
	return keys
}

// InputA builds the supplier A payload for key. Every delivery of a key
// carries the same content; roughly a quarter of the keys fail validation.
func InputA(key string) supplier.SupplierAInput {
	h := hashKey(key)
	in := supplier.SupplierAInput{
		ExternalID:   key,
		Plate:        fmt.Sprintf("P%06d", h%1_000_000),
		Infringement: int(h % 500),
		TotalValue:   float64(h%100_000) / 100,
	}
	switch h % 8 {
	case 0:
		in.Plate = ""
	case 1:
		in.TotalValue = -in.TotalValue - 1
	}
	return in
}

// InputB is InputA in supplier B's shape.
func InputB(key string) supplier.SupplierBInput {
	a := InputA(key)
	return supplier.SupplierBInput{
		ExternalCode: a.ExternalID,
		Plate:        a.Plate,
		Infringement: a.Infringement,
		TotalValue:   a.TotalValue,
	}
}

func hashKey(key string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(key))
	return h.Sum64()
}

// Publisher redelivers random keys from keys to o until stop closes. Transient
// errors are expected under contention and chaos; only unexpected input
// errors abort the run.
func Publisher[T any](ctx context.Context, o *saga.Orchestrator[T], keys Keys, build func(string) T, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		key := keys[rand.Intn(len(keys))]
		if err := o.Handle(ctx, build(key)); err != nil {
			if errors.Is(err, saga.ErrInvalidInput) {
				return fmt.Errorf("publisher %s: %w", key, err)
			}
		}
		time.Sleep(time.Duration(rand.Intn(5)) * time.Millisecond)
	}
}

// Drain redelivers every key until its saga is terminal, the way the broker
// keeps redelivering an unacknowledged record.
func Drain[T any](ctx context.Context, o *saga.Orchestrator[T], keys Keys, build func(string) T) error {
	for _, key := range keys {
		for attempt := 0; ; attempt++ {
			err := o.Handle(ctx, build(key))
			if err == nil {
				break
			}
			if errors.Is(err, saga.ErrInvalidInput) || ctx.Err() != nil {
				return fmt.Errorf("drain %s: %w", key, err)
			}
			time.Sleep(time.Duration(min(attempt+1, 20)) * 10 * time.Millisecond)
		}
	}
	return nil
}

// Reader looks sagas up while they are being resolved and checks that a
// terminal record never changes once observed.
func Reader(ctx context.Context, store saga.Store, keys Keys, stop <-chan struct{}) error {
	seen := make(map[correlation.Identity]saga.Record)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		id := correlation.MustDerive(keys[rand.Intn(len(keys))])
		rec, err := store.Get(ctx, id)
		switch {
		case errors.Is(err, saga.ErrNotFound):
		case err != nil:
			// Backend connections are killed by chaos.
		case rec.State.Terminal():
			if prev, ok := seen[id]; ok {
				if prev.State != rec.State || prev.Version != rec.Version || prev.Verdict().Reason() != rec.Verdict().Reason() {
					return fmt.Errorf("reader: terminal saga %s changed from %+v to %+v", id, prev, rec)
				}
			} else {
				seen[id] = rec
			}
		}
		time.Sleep(time.Duration(5+rand.Intn(10)) * time.Millisecond)
	}
}

// LedgerEmitter records every accepted outcome in stress_emissions.
type LedgerEmitter struct {
	pool *pgxpool.Pool
}

func NewLedgerEmitter(pool *pgxpool.Pool) *LedgerEmitter {
	return &LedgerEmitter{pool: pool}
}

func (e *LedgerEmitter) EmitProcessed(ctx context.Context, _ string, ev saga.UnifiedProcessed) error {
	return e.record(ctx, ev.CorrelationID, saga.StateProcessed)
}

func (e *LedgerEmitter) EmitFailed(ctx context.Context, _ string, ev saga.ValidationFailed) error {
	return e.record(ctx, ev.CorrelationID, saga.StateInvalid)
}

func (e *LedgerEmitter) record(ctx context.Context, id correlation.Identity, kind saga.State) error {
	_, err := e.pool.Exec(ctx, `INSERT INTO stress_emissions (correlation_id, kind) VALUES ($1, $2)`, id, string(kind))
	if err != nil {
		return fmt.Errorf("ledger emit: %w", err)
	}
	return nil
}
