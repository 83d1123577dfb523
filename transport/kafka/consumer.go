package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/segmentio/kafka-go"
	"golang.org/x/sync/errgroup"

	"supplierflow/concurrency"
	"supplierflow/saga"
)

const (
	DefaultMaxAttempts     = 5
	DefaultInitialInterval = 200 * time.Millisecond
	DefaultMaxInterval     = 10 * time.Second
)

// Reader is the subset of *kafka.Reader the consumer drives.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewReader builds a consumer-group reader for topic. Offsets are committed
// explicitly by the consumer, never on fetch.
func NewReader(brokers []string, topic, groupID string, queueCapacity int) *kafka.Reader {
	if queueCapacity <= 0 {
		queueCapacity = concurrency.DefaultPrefetch
	}
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:       brokers,
		GroupID:       groupID,
		Topic:         topic,
		MinBytes:      1,
		MaxBytes:      10e6,
		QueueCapacity: queueCapacity,
		StartOffset:   kafka.FirstOffset,
	})
}

// Handler processes one record. It must call ack once the record is fully
// handled; the consumer acks on its behalf when it returns nil without doing so.
type Handler func(ctx context.Context, msg kafka.Message, ack saga.Acknowledger) error

// SagaHandler decodes records into T and hands them to the orchestrator.
// Undecodable payloads are reported as saga.ErrInvalidInput.
func SagaHandler[T any](o *saga.Orchestrator[T], decode func([]byte) (T, error)) Handler {
	return func(ctx context.Context, msg kafka.Message, ack saga.Acknowledger) error {
		in, err := decode(msg.Value)
		if err != nil {
			return fmt.Errorf("%w: %w", saga.ErrInvalidInput, err)
		}
		return o.Consume(ctx, in, ack)
	}
}

// ConsumerConfig tunes redelivery for one stream.
type ConsumerConfig struct {
	Topic           string
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Concurrency     concurrency.Config
}

func (c ConsumerConfig) withDefaults() ConsumerConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = DefaultInitialInterval
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = DefaultMaxInterval
	}
	return c
}

// Consumer feeds one topic through a concurrency.Controller into a Handler.
//
// Records failing with saga.ErrInvalidInput go to the dead-letter publisher
// and are committed. Other failures are retried with exponential backoff; a
// record that exhausts its attempts stops the consumer with its offset left
// uncommitted, so the broker redelivers it after restart.
type Consumer struct {
	cfg        ConsumerConfig
	reader     Reader
	handler    Handler
	deadLetter *Publisher
	ctrl       *concurrency.Controller
	tracker    *offsetTracker
	logger     *slog.Logger

	commitMu sync.Mutex
}

func NewConsumer(cfg ConsumerConfig, reader Reader, handler Handler, deadLetter *Publisher, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Consumer{
		cfg:        cfg,
		reader:     reader,
		handler:    handler,
		deadLetter: deadLetter,
		ctrl:       concurrency.New(cfg.Concurrency),
		tracker:    newOffsetTracker(),
		logger:     logger.With("topic", cfg.Topic),
	}
}

// Run fetches and dispatches records until ctx is cancelled or a record
// exhausts its attempts. Records already being handled finish first.
func (c *Consumer) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		failure  error
		failOnce sync.Once
	)
	fail := func(err error) {
		failOnce.Do(func() { failure = err })
		cancel()
	}

	c.logger.Info("consumer started",
		"limit", c.ctrl.Config().Limit,
		"prefetch", c.ctrl.Config().Prefetch,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.ctrl.Run(gctx)
	})
	g.Go(func() error {
		for {
			msg, err := c.reader.FetchMessage(gctx)
			if err != nil {
				if gctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("kafka: fetch %s: %w", c.cfg.Topic, err)
			}

			c.tracker.track(msg)
			err = c.ctrl.Submit(gctx, string(msg.Key), func(jobCtx context.Context) {
				if err := c.deliver(jobCtx, msg); err != nil {
					fail(err)
				}
			})
			if err != nil {
				if gctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("kafka: dispatch %s: %w", c.cfg.Topic, err)
			}
		}
	})

	err := g.Wait()
	if err == nil {
		err = failure
	}
	c.logger.Info("consumer stopped", "uncommitted", c.tracker.outstanding(), "error", err)
	return err
}

// Close releases the underlying reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}

// deliver runs the handler with retries and commits the record once handled.
func (c *Consumer) deliver(ctx context.Context, msg kafka.Message) error {
	log := c.logger.With("partition", msg.Partition, "offset", msg.Offset)

	ack := &delivery{consumer: c, msg: msg}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     c.cfg.InitialInterval,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         c.cfg.MaxInterval,
	}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := c.handler(ctx, msg, ack)
		if errors.Is(err, saga.ErrInvalidInput) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(c.cfg.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn("delivery failed, retrying", "error", err, "retry_in", next)
		}),
	)

	switch {
	case err == nil:
		return ack.Ack(ctx)
	case errors.Is(err, saga.ErrInvalidInput):
		log.Warn("dead-lettering record", "error", err)
		if dlqErr := c.deadLetterRecord(ctx, msg, err); dlqErr != nil {
			return dlqErr
		}
		return ack.Ack(ctx)
	default:
		log.Error("delivery attempts exhausted", "attempts", c.cfg.MaxAttempts, "error", err)
		return fmt.Errorf("kafka: %s partition %d offset %d: %w", msg.Topic, msg.Partition, msg.Offset, err)
	}
}

func (c *Consumer) deadLetterRecord(ctx context.Context, msg kafka.Message, reason error) error {
	if c.deadLetter == nil {
		return nil
	}
	headers := append([]kafka.Header(nil), msg.Headers...)
	headers = append(headers,
		kafka.Header{Key: HeaderDeadReason, Value: []byte(reason.Error())},
		kafka.Header{Key: HeaderSourceTopic, Value: []byte(msg.Topic)},
		kafka.Header{Key: HeaderSourceOffset, Value: []byte(strconv.FormatInt(msg.Offset, 10))},
	)
	return c.deadLetter.Publish(ctx, string(msg.Key), msg.Value, headers...)
}

// commit marks msg complete and commits the contiguous completed prefix of
// its partition. Commits are serialized so offsets never move backwards.
func (c *Consumer) commit(ctx context.Context, msg kafka.Message) error {
	c.commitMu.Lock()
	defer c.commitMu.Unlock()

	upTo, ok := c.tracker.complete(msg)
	if !ok {
		return nil
	}
	if err := c.reader.CommitMessages(ctx, upTo); err != nil {
		return fmt.Errorf("kafka: commit %s partition %d offset %d: %w", upTo.Topic, upTo.Partition, upTo.Offset, err)
	}
	c.tracker.committed(upTo)
	return nil
}

// delivery acknowledges one record at most once.
type delivery struct {
	consumer *Consumer
	msg      kafka.Message

	mu    sync.Mutex
	acked bool
}

func (d *delivery) Ack(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.acked {
		return nil
	}
	if err := d.consumer.commit(ctx, d.msg); err != nil {
		return err
	}
	d.acked = true
	return nil
}
