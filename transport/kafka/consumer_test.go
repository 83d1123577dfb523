package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"supplierflow/concurrency"
	"supplierflow/correlation"
	"supplierflow/saga"
	"supplierflow/store/memory"
	"supplierflow/supplier"
	"supplierflow/validation"
)

type fakeReader struct {
	msgs chan kafka.Message

	mu          sync.Mutex
	committed   []kafka.Message
	failCommits int
}

func newFakeReader(msgs ...kafka.Message) *fakeReader {
	r := &fakeReader{msgs: make(chan kafka.Message, len(msgs))}
	for _, m := range msgs {
		r.msgs <- m
	}
	return r
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-r.msgs:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failCommits > 0 {
		r.failCommits--
		return errors.New("coordinator not available")
	}
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *fakeReader) Close() error { return nil }

// highWater returns the highest committed offset, or -1.
func (r *fakeReader) highWater() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	hw := int64(-1)
	for _, m := range r.committed {
		if m.Offset > hw {
			hw = m.Offset
		}
	}
	return hw
}

type fakeWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) written() []kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message(nil), w.msgs...)
}

func record(offset int64, key string, payload any) kafka.Message {
	data, _ := json.Marshal(payload)
	return kafka.Message{Topic: TopicSupplierA, Partition: 0, Offset: offset, Key: []byte(key), Value: data}
}

func testConfig() ConsumerConfig {
	return ConsumerConfig{
		Topic:           TopicSupplierA,
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Concurrency:     concurrency.Config{Limit: 2, Prefetch: 2},
	}
}

func runConsumer(t *testing.T, c *Consumer) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(cancel)
	return cancel, done
}

func TestConsumer_ResolvesSagasAndCommits(t *testing.T) {
	processed, invalid, dead := &fakeWriter{}, &fakeWriter{}, &fakeWriter{}
	emitter := NewEmitter(NewPublisher(TopicProcessed, processed), NewPublisher(TopicInvalid, invalid))
	orch := saga.NewOrchestrator(supplier.A, memory.New(), emitter, nil)

	reader := newFakeReader(
		record(0, "EXT-1", supplier.SupplierAInput{ExternalID: "EXT-1", Plate: "ABC1234", Infringement: 10, TotalValue: 150}),
		record(1, "EXT-1", supplier.SupplierAInput{ExternalID: "EXT-1", Plate: "ABC1234", Infringement: 10, TotalValue: 150}),
		record(2, "EXT-2", supplier.SupplierAInput{ExternalID: "EXT-2", Plate: "", Infringement: 3, TotalValue: 50}),
		kafka.Message{Topic: TopicSupplierA, Offset: 3, Key: []byte("junk"), Value: []byte("{not json")},
	)
	c := NewConsumer(testConfig(), reader,
		SagaHandler(orch, supplier.Decode[supplier.SupplierAInput]),
		NewPublisher(DeadLetterTopic(TopicSupplierA), dead), nil)

	cancel, done := runConsumer(t, c)
	require.Eventually(t, func() bool { return reader.highWater() == 3 }, 5*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	gotProcessed := processed.written()
	require.Len(t, gotProcessed, 1, "duplicate delivery must not emit twice")
	assert.Equal(t, "EXT-1", string(gotProcessed[0].Key))
	var ev saga.UnifiedProcessed
	require.NoError(t, json.Unmarshal(gotProcessed[0].Value, &ev))
	assert.Equal(t, correlation.MustDerive("EXT-1"), ev.CorrelationID)
	assert.Equal(t, "SupplierA", ev.SourceSystem)
	assert.Equal(t, 150.0, ev.Amount)
	assert.Equal(t, headerValue(gotProcessed[0], HeaderCorrelationID), ev.CorrelationID.String())

	gotInvalid := invalid.written()
	require.Len(t, gotInvalid, 1)
	var failed saga.ValidationFailed
	require.NoError(t, json.Unmarshal(gotInvalid[0].Value, &failed))
	assert.Equal(t, "Plate required", failed.FailureReason)
	assert.Equal(t, EventValidationFailed, headerValue(gotInvalid[0], HeaderEventType))

	gotDead := dead.written()
	require.Len(t, gotDead, 1)
	assert.Equal(t, "junk", string(gotDead[0].Key))
	assert.Equal(t, "3", headerValue(gotDead[0], HeaderSourceOffset))
	assert.Contains(t, headerValue(gotDead[0], HeaderDeadReason), "malformed")
}

func TestConsumer_RetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	handler := func(ctx context.Context, _ kafka.Message, ack saga.Acknowledger) error {
		if calls.Add(1) < 3 {
			return saga.ErrInFlight
		}
		return ack.Ack(ctx)
	}

	reader := newFakeReader(record(0, "EXT-1", struct{}{}))
	c := NewConsumer(testConfig(), reader, handler, nil, nil)

	cancel, done := runConsumer(t, c)
	require.Eventually(t, func() bool { return reader.highWater() == 0 }, 5*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, int32(3), calls.Load())
}

func TestConsumer_StopsWhenAttemptsExhausted(t *testing.T) {
	boom := errors.New("store unavailable")
	var calls atomic.Int32
	handler := func(context.Context, kafka.Message, saga.Acknowledger) error {
		calls.Add(1)
		return boom
	}

	reader := newFakeReader(record(7, "EXT-1", struct{}{}))
	c := NewConsumer(testConfig(), reader, handler, nil, nil)

	_, done := runConsumer(t, c)
	select {
	case err := <-done:
		require.ErrorIs(t, err, boom)
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not stop")
	}
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, int64(-1), reader.highWater(), "failed record must stay uncommitted")
}

func TestConsumer_AcksWhenHandlerDoesNot(t *testing.T) {
	handler := func(context.Context, kafka.Message, saga.Acknowledger) error { return nil }

	reader := newFakeReader(record(0, "a", struct{}{}), record(1, "b", struct{}{}))
	c := NewConsumer(testConfig(), reader, handler, nil, nil)

	cancel, done := runConsumer(t, c)
	require.Eventually(t, func() bool { return reader.highWater() == 1 }, 5*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestConsumer_DeadLetterFailureStopsConsumer(t *testing.T) {
	handler := func(context.Context, kafka.Message, saga.Acknowledger) error {
		return saga.ErrInvalidInput
	}
	dead := &fakeWriter{err: errors.New("broker down")}

	reader := newFakeReader(record(0, "a", struct{}{}))
	c := NewConsumer(testConfig(), reader, handler, NewPublisher("dlq", dead), nil)

	_, done := runConsumer(t, c)
	select {
	case err := <-done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "broker down")
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not stop")
	}
	assert.Equal(t, int64(-1), reader.highWater())
}

// flakyCommitStore fails the first n terminal commits.
type flakyCommitStore struct {
	*memory.Store

	mu sync.Mutex
	n  int
}

func (s *flakyCommitStore) CommitTerminal(ctx context.Context, id correlation.Identity, version int, state saga.State, v validation.Verdict, at time.Time) error {
	s.mu.Lock()
	fail := s.n > 0
	if fail {
		s.n--
	}
	s.mu.Unlock()
	if fail {
		return errors.New("connection reset by peer")
	}
	return s.Store.CommitTerminal(ctx, id, version, state, v, at)
}

func TestConsumer_TransientCommitFailureIsRedelivered(t *testing.T) {
	processed, invalid := &fakeWriter{}, &fakeWriter{}
	emitter := NewEmitter(NewPublisher(TopicProcessed, processed), NewPublisher(TopicInvalid, invalid))
	store := &flakyCommitStore{Store: memory.New(), n: 1}
	orch := saga.NewOrchestrator(supplier.A, store, emitter, nil)

	reader := newFakeReader(
		record(0, "EXT-1", supplier.SupplierAInput{ExternalID: "EXT-1", Plate: "ABC1234", Infringement: 10, TotalValue: 150}),
	)
	// Default retry budget and lease.
	c := NewConsumer(ConsumerConfig{Topic: TopicSupplierA}, reader,
		SagaHandler(orch, supplier.Decode[supplier.SupplierAInput]), nil, nil)

	cancel, done := runConsumer(t, c)
	require.Eventually(t, func() bool { return reader.highWater() == 0 }, 5*time.Second, 10*time.Millisecond)

	select {
	case err := <-done:
		t.Fatalf("consumer stopped: %v", err)
	default:
	}
	cancel()
	require.NoError(t, <-done)

	rec, err := store.Get(context.Background(), correlation.MustDerive("EXT-1"))
	require.NoError(t, err)
	assert.Equal(t, saga.StateProcessed, rec.State)

	got := processed.written()
	require.Len(t, got, 2, "the outcome is emitted again before the retried commit")
	assert.Equal(t, headerValue(got[0], HeaderCorrelationID), headerValue(got[1], HeaderCorrelationID))
}

func TestConsumer_RetriesFailedOffsetCommit(t *testing.T) {
	processed, invalid := &fakeWriter{}, &fakeWriter{}
	emitter := NewEmitter(NewPublisher(TopicProcessed, processed), NewPublisher(TopicInvalid, invalid))
	orch := saga.NewOrchestrator(supplier.A, memory.New(), emitter, nil)

	reader := newFakeReader(
		record(0, "EXT-1", supplier.SupplierAInput{ExternalID: "EXT-1", Plate: "ABC1234", Infringement: 10, TotalValue: 150}),
	)
	reader.failCommits = 1
	c := NewConsumer(testConfig(), reader,
		SagaHandler(orch, supplier.Decode[supplier.SupplierAInput]), nil, nil)

	cancel, done := runConsumer(t, c)
	require.Eventually(t, func() bool { return reader.highWater() == 0 }, 5*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Len(t, processed.written(), 1, "redelivery after a failed offset commit is a no-op")
	assert.Zero(t, c.tracker.outstanding())
}

func headerValue(m kafka.Message, key string) string {
	for _, h := range m.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}
