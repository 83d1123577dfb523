// Package postgres persists saga records in PostgreSQL. Identity uniqueness
// rests on the sagas primary key; terminal immutability is enforced both by
// the version/state guards below and by the sagas_terminal_guard trigger.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"supplierflow/correlation"
	"supplierflow/saga"
	"supplierflow/validation"
)

const (
	uniqueViolation = "23505"
	// dataExceptionClass covers values the column types reject, such as
	// NUL bytes in text. Retrying cannot make them storable.
	dataExceptionClass = "22"
)

const sagaColumns = `correlation_id, version, state, external_id, plate, infringement_code, amount,
       origin_system, is_valid, validation_errors, created_at, updated_at, lease_until`

// Store implements saga.Store backed by the sagas table.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgxpool-backed saga store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// FindOrCreate inserts rec and reports created=true, or loads the existing row
// when the insert hits the primary key.
func (s *Store) FindOrCreate(ctx context.Context, rec saga.Record) (saga.Record, bool, error) {
	const insertSQL = `
INSERT INTO sagas (correlation_id, version, state, external_id, plate, infringement_code, amount,
                   origin_system, is_valid, validation_errors, created_at, updated_at, lease_until)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
RETURNING ` + sagaColumns

	errs := rec.Errors
	if errs == nil {
		errs = []string{}
	}

	stored, err := scanRecord(s.pool.QueryRow(ctx, insertSQL,
		rec.ID,
		rec.Version,
		string(rec.State),
		rec.ExternalID,
		rec.Plate,
		rec.InfringementCode,
		rec.Amount,
		rec.OriginSystem,
		rec.Valid,
		errs,
		rec.CreatedAt,
		rec.UpdatedAt,
		nullableTime(rec.LeaseUntil),
	))
	if err == nil {
		return stored, true, nil
	}

	var pgErr *pgconn.PgError
	switch {
	case !errors.As(err, &pgErr):
		return saga.Record{}, false, fmt.Errorf("postgres: insert saga: %w", err)
	case strings.HasPrefix(pgErr.Code, dataExceptionClass):
		return saga.Record{}, false, fmt.Errorf("postgres: insert saga: %w: %w", saga.ErrInvalidInput, err)
	case pgErr.Code != uniqueViolation:
		return saga.Record{}, false, fmt.Errorf("postgres: insert saga: %w", err)
	}

	existing, err := s.Get(ctx, rec.ID)
	if err != nil {
		return saga.Record{}, false, err
	}
	return existing, false, nil
}

// Claim bumps the version of a non-terminal saga and extends its lease.
func (s *Store) Claim(ctx context.Context, id correlation.Identity, version int, leaseUntil time.Time) (saga.Record, error) {
	const claimSQL = `
UPDATE sagas
SET version = version + 1,
    lease_until = $3
WHERE correlation_id = $1
  AND version = $2
  AND state = 'initial'
RETURNING ` + sagaColumns

	rec, err := scanRecord(s.pool.QueryRow(ctx, claimSQL, id, version, nullableTime(leaseUntil)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return saga.Record{}, s.missOrConflict(ctx, id)
		}
		return saga.Record{}, fmt.Errorf("postgres: claim saga: %w", err)
	}
	return rec, nil
}

// Release drops the lease so the next delivery may claim the saga at once.
func (s *Store) Release(ctx context.Context, id correlation.Identity, version int) error {
	const releaseSQL = `
UPDATE sagas
SET version = version + 1,
    lease_until = NULL
WHERE correlation_id = $1
  AND version = $2
  AND state = 'initial'
`
	tag, err := s.pool.Exec(ctx, releaseSQL, id, version)
	if err != nil {
		return fmt.Errorf("postgres: release saga: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missOrConflict(ctx, id)
	}
	return nil
}

// CommitTerminal stores the verdict and terminal state in a single write.
func (s *Store) CommitTerminal(ctx context.Context, id correlation.Identity, version int, state saga.State, v validation.Verdict, at time.Time) error {
	if !state.Terminal() {
		return fmt.Errorf("postgres: commit non-terminal state %q", state)
	}

	const commitSQL = `
UPDATE sagas
SET version = version + 1,
    state = $3,
    is_valid = $4,
    validation_errors = $5,
    updated_at = $6,
    lease_until = NULL
WHERE correlation_id = $1
  AND version = $2
  AND state = 'initial'
`
	errs := v.Errors
	if errs == nil {
		errs = []string{}
	}

	tag, err := s.pool.Exec(ctx, commitSQL, id, version, string(state), v.Valid, errs, at)
	if err != nil {
		return fmt.Errorf("postgres: commit saga: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missOrConflict(ctx, id)
	}
	return nil
}

// Get loads the saga for id.
func (s *Store) Get(ctx context.Context, id correlation.Identity) (saga.Record, error) {
	selectSQL := `SELECT ` + sagaColumns + ` FROM sagas WHERE correlation_id = $1`

	rec, err := scanRecord(s.pool.QueryRow(ctx, selectSQL, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return saga.Record{}, saga.ErrNotFound
		}
		return saga.Record{}, fmt.Errorf("postgres: get saga: %w", err)
	}
	return rec, nil
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) missOrConflict(ctx context.Context, id correlation.Identity) error {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM sagas WHERE correlation_id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("postgres: check saga: %w", err)
	}
	if !exists {
		return saga.ErrNotFound
	}
	return saga.ErrConflict
}

func scanRecord(row pgx.Row) (saga.Record, error) {
	var (
		rec        saga.Record
		state      string
		errs       []string
		leaseUntil *time.Time
	)
	err := row.Scan(
		&rec.ID,
		&rec.Version,
		&state,
		&rec.ExternalID,
		&rec.Plate,
		&rec.InfringementCode,
		&rec.Amount,
		&rec.OriginSystem,
		&rec.Valid,
		&errs,
		&rec.CreatedAt,
		&rec.UpdatedAt,
		&leaseUntil,
	)
	if err != nil {
		return saga.Record{}, err
	}

	rec.State = saga.State(state)
	if len(errs) > 0 {
		rec.Errors = errs
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	if leaseUntil != nil {
		rec.LeaseUntil = leaseUntil.UTC()
	}
	return rec, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
