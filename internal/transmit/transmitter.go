// Package transmit moves queued deliveries to peers and replays spilled ones.
package transmit

import (
	"context"
	"errors"
	"io"
	"log"
	"time"

	"github.com/uppehq/node/internal/backfill"
	"github.com/uppehq/node/internal/queue"
	"github.com/uppehq/node/pkg/types"
)

// Sink delivers results to peers. It returns the deliveries that could not be sent;
// a non-nil error with no failed deliveries means the whole batch failed.
type Sink interface {
	Send(ctx context.Context, deliveries []types.Delivery) ([]types.Delivery, error)
}

// Option configures a Transmitter instance.
type Option func(*Transmitter)

// WithBackfill connects a backfill controller for replaying spilled deliveries.
func WithBackfill(ctrl *backfill.Controller) Option {
	return func(t *Transmitter) {
		t.backfill = ctrl
	}
}

// WithBatchSize overrides the number of deliveries flushed per send.
func WithBatchSize(size int) Option {
	return func(t *Transmitter) {
		if size > 0 {
			t.batchSize = size
		}
	}
}

// WithIdleSleep customises the sleep interval when no data is available.
func WithIdleSleep(d time.Duration) Option {
	return func(t *Transmitter) {
		if d > 0 {
			t.idleSleep = d
		}
	}
}

// WithRetrySleep customises the backoff applied after a failed send attempt.
func WithRetrySleep(d time.Duration) Option {
	return func(t *Transmitter) {
		if d > 0 {
			t.retrySleep = d
		}
	}
}

// WithMaxAge drops deliveries whose result is older than d. Receivers reject such
// results as stale, so retrying them only wastes bandwidth.
func WithMaxAge(d time.Duration) Option {
	return func(t *Transmitter) {
		if d > 0 {
			t.maxAge = d
		}
	}
}

func WithLogger(logger *log.Logger) Option {
	return func(t *Transmitter) {
		if logger != nil {
			t.logger = logger
		}
	}
}

func WithNow(now func() time.Time) Option {
	return func(t *Transmitter) {
		if now != nil {
			t.now = now
		}
	}
}

// Transmitter drains live deliveries from the in-memory queue and replays spilled
// deliveries from the backfill controller when the live queue is idle.
type Transmitter struct {
	queue      *queue.DeliveryQueue
	backfill   *backfill.Controller
	sink       Sink
	batchSize  int
	idleSleep  time.Duration
	retrySleep time.Duration
	maxAge     time.Duration
	logger     *log.Logger
	now        func() time.Time
}

// New constructs a Transmitter. The queue and sink are required.
func New(q *queue.DeliveryQueue, sink Sink, opts ...Option) *Transmitter {
	t := &Transmitter{
		queue:      q,
		sink:       sink,
		batchSize:  256,
		idleSleep:  100 * time.Millisecond,
		retrySleep: time.Second,
		logger:     log.New(io.Discard, "", 0),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Run blocks until the context is cancelled or the backfill log fails.
func (t *Transmitter) Run(ctx context.Context) error {
	if t.queue == nil {
		return errors.New("transmitter queue is nil")
	}
	if t.sink == nil {
		return errors.New("transmitter sink is nil")
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if t.flushQueue(ctx) {
			continue
		}
		replayed, err := t.flushBackfill(ctx)
		if err != nil {
			return err
		}
		if replayed {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(t.idleSleep):
		}
	}
}

func (t *Transmitter) flushQueue(ctx context.Context) bool {
	deliveries := t.fresh(t.queue.Drain(t.batchSize))
	if len(deliveries) == 0 {
		return false
	}
	t.send(ctx, deliveries)
	return true
}

func (t *Transmitter) flushBackfill(ctx context.Context) (bool, error) {
	if t.backfill == nil {
		return false, nil
	}
	batch, err := t.backfill.Next(ctx, t.batchSize)
	if err != nil {
		return false, err
	}
	if len(batch.Deliveries) == 0 {
		return false, nil
	}
	if err := t.backfill.Ack(batch); err != nil {
		return true, err
	}
	if deliveries := t.fresh(batch.Deliveries); len(deliveries) > 0 {
		t.send(ctx, deliveries)
	}
	return true, nil
}

// send requeues whatever the sink could not deliver and backs off once.
func (t *Transmitter) send(ctx context.Context, deliveries []types.Delivery) {
	failed, err := t.sink.Send(ctx, deliveries)
	if err == nil && len(failed) == 0 {
		return
	}
	if len(failed) == 0 {
		failed = deliveries
	}
	t.logger.Printf("transmit: %d of %d deliveries failed: %v", len(failed), len(deliveries), err)
	for _, d := range failed {
		t.queue.Enqueue(d)
	}
	t.sleep(ctx, t.retrySleep)
}

func (t *Transmitter) fresh(deliveries []types.Delivery) []types.Delivery {
	if t.maxAge <= 0 {
		return deliveries
	}
	cutoff := t.now().Add(-t.maxAge)
	kept := deliveries[:0]
	for _, d := range deliveries {
		if d.Result.Timestamp.Before(cutoff) {
			continue
		}
		kept = append(kept, d)
	}
	return kept
}

func (t *Transmitter) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
