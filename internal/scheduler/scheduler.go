package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/uppehq/node/internal/worker"
	"github.com/uppehq/node/pkg/types"
)

const defaultInterval = 60 * time.Second

type MonitorSpec struct {
	MonitorID string
	Monitor   types.Monitor
	Cadence   time.Duration
}

// SpecFor builds the schedule entry for a monitor.
func SpecFor(m types.Monitor) MonitorSpec {
	return MonitorSpec{MonitorID: m.UUID, Monitor: m.Clone(), Cadence: m.Interval()}
}

type Scheduler struct {
	jobCh          chan<- worker.Job
	tickResolution time.Duration
	onSkip         func(monitorID string, reason string)

	now func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
	gen     uint64
}

type entry struct {
	spec    MonitorSpec
	next    time.Time
	busy    bool
	gen     uint64
	abandon chan struct{}
}

type Option func(*Scheduler)

func WithTickResolution(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.tickResolution = d
		}
	}
}

func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithSkipHook is called, under the scheduler lock, whenever a due probe is not dispatched.
func WithSkipHook(fn func(monitorID string, reason string)) Option {
	return func(s *Scheduler) {
		s.onSkip = fn
	}
}

func New(jobCh chan<- worker.Job, opts ...Option) *Scheduler {
	s := &Scheduler{
		jobCh:          jobCh,
		tickResolution: 100 * time.Millisecond,
		now:            time.Now,
		entries:        make(map[string]*entry),
		onSkip:         func(string, string) {},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.onSkip == nil {
		s.onSkip = func(string, string) {}
	}
	return s
}

// Update replaces the scheduled set. Monitors that disappear have their in-flight job
// abandoned; monitors that stay keep their phase unless the cadence changed. An edited
// monitor (new UpdatedAt) abandons the probe still running against the old definition.
func (s *Scheduler) Update(specs []MonitorSpec) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	nextEntries := make(map[string]*entry, len(specs))
	for _, spec := range specs {
		if prev, ok := s.entries[spec.MonitorID]; ok {
			if prev.spec.Cadence != spec.Cadence {
				prev.next = now.Add(interval(spec))
			}
			if !prev.spec.Monitor.UpdatedAt.Equal(spec.Monitor.UpdatedAt) {
				close(prev.abandon)
				s.gen++
				prev.gen = s.gen
				prev.abandon = make(chan struct{})
				prev.busy = false
			}
			prev.spec = spec
			nextEntries[spec.MonitorID] = prev
			continue
		}
		s.gen++
		nextEntries[spec.MonitorID] = &entry{
			spec:    spec,
			next:    now.Add(interval(spec)),
			gen:     s.gen,
			abandon: make(chan struct{}),
		}
	}
	for id, prev := range s.entries {
		if _, ok := nextEntries[id]; !ok {
			close(prev.abandon)
		}
	}
	s.entries = nextEntries
}

// Remove withdraws a single monitor immediately.
func (s *Scheduler) Remove(monitorID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[monitorID]; ok {
		close(e.abandon)
		delete(s.entries, monitorID)
	}
}

// Release marks the job finished. It returns false when the job's monitor was removed
// or replaced while the probe ran, in which case its result must be discarded.
func (s *Scheduler) Release(job worker.Job) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[job.MonitorID]
	if !ok || e.gen != job.Generation {
		return false
	}
	e.busy = false
	return true
}

// Len returns the number of scheduled monitors.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.tickResolution)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(s.now())
		}
	}
}

func (s *Scheduler) tick(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, e := range s.entries {
		if now.Before(e.next) {
			continue
		}
		switch {
		case e.busy:
			s.onSkip(id, "busy")
		default:
			job := worker.Job{
				MonitorID:    e.spec.MonitorID,
				Monitor:      e.spec.Monitor.Clone(),
				ScheduledFor: e.next,
				Abandon:      e.abandon,
				Generation:   e.gen,
			}
			select {
			case s.jobCh <- job:
				e.busy = true
			default:
				s.onSkip(id, "saturated")
			}
		}
		step := interval(e.spec)
		for !now.Before(e.next) {
			e.next = e.next.Add(step)
		}
	}
}

func interval(spec MonitorSpec) time.Duration {
	if spec.Cadence <= 0 {
		return defaultInterval
	}
	return spec.Cadence
}
