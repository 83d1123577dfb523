// Package concurrency bounds how many records a consumer processes at once and
// how many it may buffer ahead of processing.
//
// Work is spread over Limit lanes by key, so records sharing a key run in
// arrival order on one lane while distinct keys proceed in parallel.
package concurrency

import (
	"context"
	"errors"
	"sync"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultLimit    = 10
	DefaultPrefetch = 20
)

// ErrStopped is returned by Submit once Run has returned.
var ErrStopped = errors.New("concurrency: controller stopped")

// Config tunes one controller. Each supplier stream gets its own.
type Config struct {
	// Limit is the number of records processed concurrently.
	Limit int
	// Prefetch is how many accepted records may wait for a free lane.
	Prefetch int
}

func (c Config) withDefaults() Config {
	if c.Limit <= 0 {
		c.Limit = DefaultLimit
	}
	if c.Prefetch < 0 {
		c.Prefetch = 0
	}
	return c
}

// Job is one unit of work. The context it receives is not cancelled by
// shutdown, so a started job always runs to completion.
type Job func(ctx context.Context)

// Controller runs jobs on keyed lanes. Jobs sharing a key run one at a time
// in submission order.
type Controller struct {
	cfg     Config
	lanes   []chan Job
	slots   *semaphore.Weighted
	stopped chan struct{}
	once    sync.Once
}

// New builds a controller with cfg's limits. Jobs run only while Run is active.
func New(cfg Config) *Controller {
	cfg = cfg.withDefaults()
	capacity := cfg.Limit + cfg.Prefetch

	lanes := make([]chan Job, cfg.Limit)
	for i := range lanes {
		lanes[i] = make(chan Job, capacity)
	}

	return &Controller{
		cfg:     cfg,
		lanes:   lanes,
		slots:   semaphore.NewWeighted(int64(capacity)),
		stopped: make(chan struct{}),
	}
}

// Config returns the effective configuration.
func (c *Controller) Config() Config { return c.cfg }

// Submit queues job on the lane owning key. It blocks while Limit+Prefetch
// jobs are outstanding.
func (c *Controller) Submit(ctx context.Context, key string, job Job) error {
	select {
	case <-c.stopped:
		return ErrStopped
	default:
	}

	if err := c.slots.Acquire(ctx, 1); err != nil {
		return err
	}

	lane := c.lanes[xxhash.Sum64String(key)%uint64(len(c.lanes))]
	select {
	case lane <- job:
		return nil
	case <-c.stopped:
		c.slots.Release(1)
		return ErrStopped
	case <-ctx.Done():
		c.slots.Release(1)
		return ctx.Err()
	}
}

// Run starts the lane workers and blocks until ctx is cancelled. Jobs already
// running finish; queued jobs that never started are dropped.
func (c *Controller) Run(ctx context.Context) error {
	defer c.once.Do(func() { close(c.stopped) })

	jobCtx := context.WithoutCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	for _, lane := range c.lanes {
		g.Go(func() error {
			for {
				// Prefer shutdown over starting queued work.
				select {
				case <-gctx.Done():
					return nil
				default:
				}
				select {
				case <-gctx.Done():
					return nil
				case job := <-lane:
					job(jobCtx)
					c.slots.Release(1)
				}
			}
		})
	}
	return g.Wait()
}
