// Package redis persists saga records as JSON documents in Redis. Creation is
// a SETNX on the saga key; every later transition runs inside WATCH/MULTI so
// a concurrent writer aborts the transaction instead of overwriting it.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"supplierflow/correlation"
	"supplierflow/saga"
	"supplierflow/validation"
)

const keyPrefix = "saga:"

// document is the stored form of a saga.Record.
type document struct {
	ID               string    `json:"correlation_id"`
	Version          int       `json:"version"`
	State            string    `json:"state"`
	ExternalID       string    `json:"external_id"`
	Plate            string    `json:"plate"`
	InfringementCode int       `json:"infringement_code"`
	Amount           float64   `json:"amount"`
	OriginSystem     string    `json:"origin_system"`
	Valid            bool      `json:"is_valid"`
	Errors           []string  `json:"validation_errors,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
	LeaseUntil       time.Time `json:"lease_until,omitzero"`
}

// Store implements saga.Store on a Redis client.
type Store struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

// NewStore wires a Redis-backed saga store. Terminal sagas expire after
// terminalTTL when it is positive and are kept forever otherwise.
func NewStore(rdb redis.UniversalClient, terminalTTL time.Duration) *Store {
	return &Store{rdb: rdb, ttl: terminalTTL}
}

func key(id correlation.Identity) string {
	return keyPrefix + id.String()
}

func (s *Store) FindOrCreate(ctx context.Context, rec saga.Record) (saga.Record, bool, error) {
	data, err := json.Marshal(toDocument(rec))
	if err != nil {
		return saga.Record{}, false, fmt.Errorf("redis: encode saga: %w", err)
	}

	ok, err := s.rdb.SetNX(ctx, key(rec.ID), data, 0).Result()
	if err != nil {
		return saga.Record{}, false, fmt.Errorf("redis: create saga: %w", err)
	}
	if ok {
		return rec, true, nil
	}

	existing, err := s.Get(ctx, rec.ID)
	if err != nil {
		return saga.Record{}, false, err
	}
	return existing, false, nil
}

func (s *Store) Claim(ctx context.Context, id correlation.Identity, version int, leaseUntil time.Time) (saga.Record, error) {
	var claimed saga.Record
	err := s.update(ctx, id, version, func(rec *saga.Record) (time.Duration, error) {
		rec.Version++
		rec.LeaseUntil = leaseUntil
		claimed = *rec
		return 0, nil
	})
	if err != nil {
		return saga.Record{}, err
	}
	return claimed, nil
}

func (s *Store) Release(ctx context.Context, id correlation.Identity, version int) error {
	return s.update(ctx, id, version, func(rec *saga.Record) (time.Duration, error) {
		rec.Version++
		rec.LeaseUntil = time.Time{}
		return 0, nil
	})
}

func (s *Store) CommitTerminal(ctx context.Context, id correlation.Identity, version int, state saga.State, v validation.Verdict, at time.Time) error {
	if !state.Terminal() {
		return fmt.Errorf("redis: commit non-terminal state %q", state)
	}
	return s.update(ctx, id, version, func(rec *saga.Record) (time.Duration, error) {
		*rec = rec.Resolve(state, v, at)
		return s.ttl, nil
	})
}

func (s *Store) Get(ctx context.Context, id correlation.Identity) (saga.Record, error) {
	return get(ctx, s.rdb, id)
}

// Ping verifies the server is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// update applies mutate to the saga at version inside an optimistic
// transaction. mutate returns the expiry to set on the key, zero for none.
func (s *Store) update(ctx context.Context, id correlation.Identity, version int, mutate func(*saga.Record) (time.Duration, error)) error {
	k := key(id)
	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		rec, err := get(ctx, tx, id)
		if err != nil {
			return err
		}
		if rec.Version != version || rec.State.Terminal() {
			return saga.ErrConflict
		}

		expiry, err := mutate(&rec)
		if err != nil {
			return err
		}
		data, err := json.Marshal(toDocument(rec))
		if err != nil {
			return fmt.Errorf("redis: encode saga: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, k, data, expiry)
			return nil
		})
		return err
	}, k)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.TxFailedErr):
		return saga.ErrConflict
	case errors.Is(err, saga.ErrConflict), errors.Is(err, saga.ErrNotFound):
		return err
	default:
		return fmt.Errorf("redis: update saga: %w", err)
	}
}

func get(ctx context.Context, c redis.Cmdable, id correlation.Identity) (saga.Record, error) {
	data, err := c.Get(ctx, key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return saga.Record{}, saga.ErrNotFound
		}
		return saga.Record{}, fmt.Errorf("redis: get saga: %w", err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return saga.Record{}, fmt.Errorf("redis: decode saga: %w", err)
	}
	return fromDocument(doc)
}

func toDocument(rec saga.Record) document {
	return document{
		ID:               rec.ID.String(),
		Version:          rec.Version,
		State:            string(rec.State),
		ExternalID:       rec.ExternalID,
		Plate:            rec.Plate,
		InfringementCode: rec.InfringementCode,
		Amount:           rec.Amount,
		OriginSystem:     rec.OriginSystem,
		Valid:            rec.Valid,
		Errors:           rec.Errors,
		CreatedAt:        rec.CreatedAt.UTC(),
		UpdatedAt:        rec.UpdatedAt.UTC(),
		LeaseUntil:       rec.LeaseUntil.UTC(),
	}
}

func fromDocument(doc document) (saga.Record, error) {
	id, err := correlation.Parse(doc.ID)
	if err != nil {
		return saga.Record{}, fmt.Errorf("redis: decode saga id: %w", err)
	}
	return saga.Record{
		ID:               id,
		Version:          doc.Version,
		State:            saga.State(doc.State),
		ExternalID:       doc.ExternalID,
		Plate:            doc.Plate,
		InfringementCode: doc.InfringementCode,
		Amount:           doc.Amount,
		OriginSystem:     doc.OriginSystem,
		Valid:            doc.Valid,
		Errors:           doc.Errors,
		CreatedAt:        doc.CreatedAt,
		UpdatedAt:        doc.UpdatedAt,
		LeaseUntil:       doc.LeaseUntil,
	}, nil
}
