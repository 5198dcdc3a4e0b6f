// Package retention prunes stored results once they age out of the configured policy.
package retention

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"
)

const (
	DefaultPeerResultAge  = 30 * 24 * time.Hour
	DefaultLocalResultAge = 7 * 24 * time.Hour
	DefaultInterval       = time.Hour
)

// Pruner is the subset of the store retention needs.
type Pruner interface {
	DeleteResultsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DeletePeerResultsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type Policy struct {
	PeerResultAge  time.Duration
	LocalResultAge time.Duration
}

// Report summarises one cleanup pass.
type Report struct {
	LocalDeleted int64
	PeerDeleted  int64
}

type Option func(*Cleaner)

func WithNow(now func() time.Time) Option {
	return func(c *Cleaner) {
		if now != nil {
			c.now = now
		}
	}
}

func WithLogger(logger *log.Logger) Option {
	return func(c *Cleaner) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithReport registers fn to receive the outcome of every scheduled pass.
func WithReport(fn func(Report, error)) Option {
	return func(c *Cleaner) {
		c.report = fn
	}
}

type Cleaner struct {
	store  Pruner
	policy Policy
	now    func() time.Time
	logger *log.Logger
	report func(Report, error)
}

func New(store Pruner, policy Policy, opts ...Option) *Cleaner {
	if policy.PeerResultAge <= 0 {
		policy.PeerResultAge = DefaultPeerResultAge
	}
	if policy.LocalResultAge <= 0 {
		policy.LocalResultAge = DefaultLocalResultAge
	}
	c := &Cleaner{
		store:  store,
		policy: policy,
		now:    time.Now,
		logger: log.New(io.Discard, "", 0),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RunOnce deletes results older than the policy. Both tables are attempted even when
// one fails.
func (c *Cleaner) RunOnce(ctx context.Context) (Report, error) {
	now := c.now().UTC()
	var rep Report
	var errs []error

	n, err := c.store.DeleteResultsBefore(ctx, now.Add(-c.policy.LocalResultAge))
	if err != nil {
		errs = append(errs, fmt.Errorf("prune local results: %w", err))
	}
	rep.LocalDeleted = n

	n, err = c.store.DeletePeerResultsBefore(ctx, now.Add(-c.policy.PeerResultAge))
	if err != nil {
		errs = append(errs, fmt.Errorf("prune peer results: %w", err))
	}
	rep.PeerDeleted = n

	return rep, errors.Join(errs...)
}

// Run cleans on every tick until ctx is done.
func (c *Cleaner) Run(ctx context.Context, every time.Duration) error {
	if every <= 0 {
		every = DefaultInterval
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			rep, err := c.RunOnce(ctx)
			if c.report != nil {
				c.report(rep, err)
			}
			if err != nil {
				c.logger.Printf("retention: %v", err)
			}
			if rep.LocalDeleted+rep.PeerDeleted > 0 {
				c.logger.Printf("retention pruned local=%d peer=%d", rep.LocalDeleted, rep.PeerDeleted)
			}
		}
	}
}
