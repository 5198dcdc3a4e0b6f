// Package backfill replays spilled deliveries at a bounded rate once peers are reachable.
package backfill

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/uppehq/node/internal/metrics"
	"github.com/uppehq/node/internal/queue/persist"
	"github.com/uppehq/node/pkg/types"
)

type Controller struct {
	log      *persist.Log
	limiter  *rate.Limiter
	maxBatch int
	metrics  metrics.BackfillRecorder
}

type Option func(*Controller)

func WithRate(perSecond float64, burst int) Option {
	return func(c *Controller) {
		if perSecond <= 0 {
			return
		}
		if burst <= 0 {
			burst = int(perSecond)
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

func WithMaxBatch(size int) Option {
	return func(c *Controller) {
		if size > 0 {
			c.maxBatch = size
		}
	}
}

func WithMetrics(rec metrics.BackfillRecorder) Option {
	return func(c *Controller) {
		if rec != nil {
			c.metrics = rec
		}
	}
}

func New(log *persist.Log, opts ...Option) *Controller {
	c := &Controller{
		log:      log,
		limiter:  rate.NewLimiter(rate.Limit(50), 100),
		maxBatch: 256,
		metrics:  metrics.NoopBackfillRecorder{},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.limiter.Burst() < c.maxBatch {
		c.maxBatch = c.limiter.Burst()
	}
	c.observe()
	return c
}

type Batch struct {
	Deliveries []types.Delivery
	raw        persist.Batch
}

// Next waits for rate budget and returns the next spilled deliveries. An empty batch
// means nothing is pending.
func (c *Controller) Next(ctx context.Context, max int) (Batch, error) {
	if c.log == nil {
		return Batch{}, nil
	}
	if max <= 0 || max > c.maxBatch {
		max = c.maxBatch
	}
	raw, err := c.log.Peek(max)
	if err != nil {
		return Batch{}, err
	}
	if len(raw.Deliveries) == 0 {
		return Batch{}, nil
	}
	if err := c.limiter.WaitN(ctx, len(raw.Deliveries)); err != nil {
		return Batch{}, err
	}
	return Batch{Deliveries: raw.Deliveries, raw: raw}, nil
}

// Ack consumes a batch returned by Next.
func (c *Controller) Ack(batch Batch) error {
	if c.log == nil || len(batch.Deliveries) == 0 {
		return nil
	}
	if err := c.log.Commit(batch.raw); err != nil {
		return err
	}
	c.observe()
	return nil
}

func (c *Controller) PendingBytes() int64 {
	if c.log == nil {
		return 0
	}
	return c.log.Pending()
}

func (c *Controller) observe() {
	c.metrics.ObservePendingBytes(c.PendingBytes())
}
