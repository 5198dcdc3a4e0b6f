package worker

import (
	"context"
	"runtime"
	"sync"
)

// Handler runs one job. The context is cancelled when the job is abandoned.
type Handler interface {
	Handle(ctx context.Context, job Job)
}

type HandlerFunc func(ctx context.Context, job Job)

func (f HandlerFunc) Handle(ctx context.Context, job Job) {
	f(ctx, job)
}

type Pool struct {
	jobs        <-chan Job
	handler     Handler
	workerCount int
}

type PoolOption func(*Pool)

func WithWorkerCount(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.workerCount = n
		}
	}
}

func NewPool(jobs <-chan Job, handler Handler, opts ...PoolOption) *Pool {
	p := &Pool{
		jobs:        jobs,
		handler:     handler,
		workerCount: runtime.NumCPU() * 4,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	if p.handler == nil {
		p.handler = HandlerFunc(func(context.Context, Job) {})
	}
	return p
}

func (p *Pool) Start(ctx context.Context) *sync.WaitGroup {
	var wg sync.WaitGroup
	for i := 0; i < p.workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.runWorker(ctx)
		}()
	}
	return &wg
}

func (p *Pool) runWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			p.handleJob(ctx, job)
		}
	}
}

func (p *Pool) handleJob(ctx context.Context, job Job) {
	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if job.Abandon != nil {
		stop := make(chan struct{})
		defer close(stop)
		go func() {
			select {
			case <-job.Abandon:
				cancel()
			case <-stop:
			}
		}()
	}
	p.handler.Handle(jobCtx, job)
}
