package saga

import (
	"context"
	"errors"
	"time"

	"supplierflow/correlation"
	"supplierflow/validation"
)

var (
	// ErrConflict signals a version or state guard rejected the write because
	// another worker already moved the record on.
	ErrConflict = errors.New("saga: conflicting update")
	// ErrNotFound is returned when no saga exists for the identity.
	ErrNotFound = errors.New("saga: not found")
	// ErrInvalidInput marks records that cannot be identified. They are never
	// retried.
	ErrInvalidInput = errors.New("saga: invalid input")
	// ErrInFlight signals another worker currently owns the saga. The record
	// should be redelivered later.
	ErrInFlight = errors.New("saga: in flight")
)

// Store persists saga records. Implementations must guarantee identity
// uniqueness: concurrent FindOrCreate calls for one identity create it once.
type Store interface {
	// FindOrCreate inserts rec unless a record with rec.ID exists, and returns
	// the stored record with created=true only for the inserting caller.
	FindOrCreate(ctx context.Context, rec Record) (stored Record, created bool, err error)
	// Claim takes over a non-terminal record at the given version.
	Claim(ctx context.Context, id correlation.Identity, version int, leaseUntil time.Time) (Record, error)
	// Release clears the lease of a non-terminal record at the given version.
	Release(ctx context.Context, id correlation.Identity, version int) error
	// CommitTerminal moves an initial record at the given version to state.
	CommitTerminal(ctx context.Context, id correlation.Identity, version int, state State, v validation.Verdict, at time.Time) error
	Get(ctx context.Context, id correlation.Identity) (Record, error)
}

// Emitter publishes outcome events. key is the external id and drives
// downstream partitioning.
type Emitter interface {
	EmitProcessed(ctx context.Context, key string, ev UnifiedProcessed) error
	EmitFailed(ctx context.Context, key string, ev ValidationFailed) error
}

// Acknowledger tells the input transport a record was fully handled.
type Acknowledger interface {
	Ack(ctx context.Context) error
}

// AckFunc adapts a function to Acknowledger.
type AckFunc func(ctx context.Context) error

// Ack calls f.
func (f AckFunc) Ack(ctx context.Context) error { return f(ctx) }
