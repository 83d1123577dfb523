// Package chaos injects failures into stress runs.
package chaos

import (
	"context"
	"errors"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"supplierflow/saga"
)

// TerminateRandomBackend occasionally kills one backend connection of the
// current database, failing whatever saga write it was serving.
func TerminateRandomBackend(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if rand.Intn(5) == 0 {
				_, _ = pool.Exec(ctx, `SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE datname = current_database() AND pid <> pg_backend_pid() ORDER BY random() LIMIT 1`)
			}
		}
	}
}

// ErrInjected is returned by FlakyEmitter for the deliveries it drops.
var ErrInjected = errors.New("chaos: injected emit failure")

// FlakyEmitter fails a fraction of emissions before they reach next.
// Disable stops injecting, so a drain phase can complete.
type FlakyEmitter struct {
	next     saga.Emitter
	percent  int
	disabled atomic.Bool
	injected atomic.Int64
}

func NewFlakyEmitter(next saga.Emitter, percent int) *FlakyEmitter {
	return &FlakyEmitter{next: next, percent: percent}
}

func (f *FlakyEmitter) Disable() { f.disabled.Store(true) }

// Injected reports how many emissions were failed.
func (f *FlakyEmitter) Injected() int64 { return f.injected.Load() }

func (f *FlakyEmitter) fail() bool {
	if f.disabled.Load() || rand.Intn(100) >= f.percent {
		return false
	}
	f.injected.Add(1)
	return true
}

func (f *FlakyEmitter) EmitProcessed(ctx context.Context, key string, ev saga.UnifiedProcessed) error {
	if f.fail() {
		return ErrInjected
	}
	return f.next.EmitProcessed(ctx, key, ev)
}

func (f *FlakyEmitter) EmitFailed(ctx context.Context, key string, ev saga.ValidationFailed) error {
	if f.fail() {
		return ErrInjected
	}
	return f.next.EmitFailed(ctx, key, ev)
}
