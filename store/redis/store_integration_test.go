package redis

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"supplierflow/correlation"
	"supplierflow/saga"
	"supplierflow/validation"
)

func newIntegrationStore(t *testing.T) (*Store, *redis.Client, context.Context) {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR is empty; set it to a live Redis to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)

	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { rdb.Close() })
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Fatalf("ping redis: %v", err)
	}
	return NewStore(rdb, time.Hour), rdb, ctx
}

func seed(t *testing.T, ctx context.Context, s *Store, rdb *redis.Client) saga.Record {
	t.Helper()
	ext := fmt.Sprintf("EXT-%s-%d", t.Name(), time.Now().UnixNano())
	id := correlation.MustDerive(ext)
	t.Cleanup(func() { rdb.Del(context.Background(), key(id)) })

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	rec := saga.NewRecord(id, saga.Fields{
		ExternalID:       ext,
		Plate:            "ABC1234",
		InfringementCode: 7,
		Amount:           -5,
		OriginSystem:     "SupplierB",
	}, now, now.Add(time.Minute))

	got, created, err := s.FindOrCreate(ctx, rec)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if !created {
		t.Fatalf("expected seed to create saga")
	}
	return got
}

func TestStore_FindOrCreateOnce_Integration(t *testing.T) {
	s, rdb, ctx := newIntegrationStore(t)
	rec := seed(t, ctx, s, rdb)

	var (
		wg      sync.WaitGroup
		created atomic.Int32
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := s.FindOrCreate(ctx, rec)
			if err != nil {
				t.Errorf("find or create: %v", err)
				return
			}
			if ok {
				created.Add(1)
			}
		}()
	}
	wg.Wait()
	if created.Load() != 0 {
		t.Fatalf("expected no further creations, got %d", created.Load())
	}

	got, err := s.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Plate != rec.Plate || got.Amount != rec.Amount || !got.LeaseUntil.Equal(rec.LeaseUntil) {
		t.Fatalf("stored record mismatch: %+v vs %+v", got, rec)
	}
}

func TestStore_CommitTerminal_Integration(t *testing.T) {
	s, rdb, ctx := newIntegrationStore(t)
	rec := seed(t, ctx, s, rdb)

	verdict := validation.Check(rec.Plate, rec.Amount, rec.ExternalID)
	at := rec.CreatedAt.Add(time.Second)

	if err := s.CommitTerminal(ctx, rec.ID, 7, saga.StateInvalid, verdict, at); !errors.Is(err, saga.ErrConflict) {
		t.Fatalf("expected conflict on stale version, got %v", err)
	}
	if err := s.CommitTerminal(ctx, rec.ID, rec.Version, saga.StateInvalid, verdict, at); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := s.CommitTerminal(ctx, rec.ID, rec.Version+1, saga.StateProcessed, validation.Verdict{Valid: true}, at); !errors.Is(err, saga.ErrConflict) {
		t.Fatalf("expected conflict on terminal saga, got %v", err)
	}

	got, err := s.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != saga.StateInvalid || got.Verdict().Reason() != "Invalid amount: -5.00" {
		t.Fatalf("unexpected terminal record %+v", got)
	}
	if ttl := rdb.TTL(ctx, key(rec.ID)).Val(); ttl <= 0 {
		t.Fatalf("expected terminal saga to expire, ttl=%s", ttl)
	}
}

func TestStore_ClaimRelease_Integration(t *testing.T) {
	s, rdb, ctx := newIntegrationStore(t)
	rec := seed(t, ctx, s, rdb)

	if err := s.Release(ctx, rec.ID, rec.Version); err != nil {
		t.Fatalf("release: %v", err)
	}
	claimed, err := s.Claim(ctx, rec.ID, rec.Version+1, rec.CreatedAt.Add(time.Hour))
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.Version != rec.Version+2 {
		t.Fatalf("expected version %d, got %d", rec.Version+2, claimed.Version)
	}
	if _, err := s.Claim(ctx, rec.ID, rec.Version+1, rec.CreatedAt); !errors.Is(err, saga.ErrConflict) {
		t.Fatalf("expected conflict on stale claim, got %v", err)
	}
	if _, err := s.Claim(ctx, correlation.MustDerive("missing-"+rec.ExternalID), 1, rec.CreatedAt); !errors.Is(err, saga.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
