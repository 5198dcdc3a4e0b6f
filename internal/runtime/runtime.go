package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/uppehq/node/internal/backfill"
	"github.com/uppehq/node/internal/events"
	"github.com/uppehq/node/internal/metrics"
	"github.com/uppehq/node/internal/queue"
	"github.com/uppehq/node/internal/queue/persist"
	"github.com/uppehq/node/internal/scheduler"
	"github.com/uppehq/node/internal/transmit"
	"github.com/uppehq/node/internal/worker"
)

// HandlerFactory builds the probe handler once the scheduler and outbound
// queue exist. The scheduler is the handler's releaser and the queue its outbox.
type HandlerFactory func(sched *scheduler.Scheduler, outbox *queue.DeliveryQueue) (worker.Handler, error)

type Option func(*config)

type config struct {
	queueCapacity  int
	jobBuffer      int
	schedulerOpts  []scheduler.Option
	workerOpts     []worker.PoolOption
	spillLog       *persist.Log
	spillThreshold float64
	backfillCtrl   *backfill.Controller
	metricsStore   *metrics.Store
	events         events.Recorder
}

func WithQueueCapacity(cap int) Option {
	return func(c *config) {
		if cap > 0 {
			c.queueCapacity = cap
		}
	}
}

func WithJobBuffer(size int) Option {
	return func(c *config) {
		if size > 0 {
			c.jobBuffer = size
		}
	}
}

func WithSchedulerOptions(opts ...scheduler.Option) Option {
	return func(c *config) {
		c.schedulerOpts = append(c.schedulerOpts, opts...)
	}
}

func WithWorkerOptions(opts ...worker.PoolOption) Option {
	return func(c *config) {
		c.workerOpts = append(c.workerOpts, opts...)
	}
}

func WithSpill(log *persist.Log, threshold float64) Option {
	return func(c *config) {
		c.spillLog = log
		c.spillThreshold = threshold
	}
}

func WithBackfillController(ctrl *backfill.Controller) Option {
	return func(c *config) {
		c.backfillCtrl = ctrl
	}
}

func WithMetricsStore(store *metrics.Store) Option {
	return func(c *config) {
		c.metricsStore = store
	}
}

func WithEventRecorder(rec events.Recorder) Option {
	return func(c *config) {
		c.events = rec
	}
}

// Runtime ties the scheduler, the worker pool and the outbound delivery queue
// together.
type Runtime struct {
	jobs       chan worker.Job
	deliveries *queue.DeliveryQueue
	scheduler  *scheduler.Scheduler
	pool       *worker.Pool
	backfill   *backfill.Controller
}

func New(newHandler HandlerFactory, opts ...Option) (*Runtime, error) {
	cfg := config{
		queueCapacity: 1024,
		jobBuffer:     1024,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	jobs := make(chan worker.Job, cfg.jobBuffer)
	deliveries := queue.NewDeliveryQueue(cfg.queueCapacity)
	if cfg.spillLog != nil {
		deliveries.AttachSpill(cfg.spillLog, cfg.spillThreshold)
	}
	if cfg.events != nil {
		deliveries.SetEventRecorder(cfg.events)
	}
	schedOpts := cfg.schedulerOpts
	if cfg.metricsStore != nil {
		deliveries.SetMetricsRecorder(cfg.metricsStore.QueueRecorder())
		probes := cfg.metricsStore.ProbeRecorder()
		schedOpts = append(schedOpts, scheduler.WithSkipHook(func(_ string, reason string) {
			probes.IncProbeSkips(reason)
		}))
	}
	_sched := scheduler.New(jobs, schedOpts...)
	handler, err := newHandler(_sched, deliveries)
	if err != nil {
		return nil, fmt.Errorf("build probe handler: %w", err)
	}
	_pool := worker.NewPool(jobs, handler, cfg.workerOpts...)

	return &Runtime{
		jobs:       jobs,
		deliveries: deliveries,
		scheduler:  _sched,
		pool:       _pool,
		backfill:   cfg.backfillCtrl,
	}, nil
}

// Start launches the scheduler and workers. The returned func blocks until
// both have stopped after ctx is cancelled.
func (r *Runtime) Start(ctx context.Context) func() {
	workerWG := r.pool.Start(ctx)
	var schedWG sync.WaitGroup
	schedWG.Add(1)
	go func() {
		defer schedWG.Done()
		r.scheduler.Start(ctx)
	}()

	return func() {
		workerWG.Wait()
		schedWG.Wait()
	}
}

// Update replaces the scheduled monitor set.
func (r *Runtime) Update(specs []scheduler.MonitorSpec) {
	r.scheduler.Update(specs)
}

func (r *Runtime) RemoveMonitor(monitorID string) {
	r.scheduler.Remove(monitorID)
}

func (r *Runtime) Scheduled() int {
	return r.scheduler.Len()
}

func (r *Runtime) Deliveries() *queue.DeliveryQueue {
	return r.deliveries
}

func (r *Runtime) NewTransmitter(sink transmit.Sink, opts ...transmit.Option) *transmit.Transmitter {
	options := append([]transmit.Option(nil), opts...)
	if r.backfill != nil {
		options = append(options, transmit.WithBackfill(r.backfill))
	}
	return transmit.New(r.deliveries, sink, options...)
}

func WithTickResolution(d time.Duration) Option {
	return WithSchedulerOptions(scheduler.WithTickResolution(d))
}

func WithNow(now func() time.Time) Option {
	return WithSchedulerOptions(scheduler.WithNow(now))
}
