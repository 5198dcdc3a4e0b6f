package monitors

import (
	"context"
	"io"
	"log"
	"time"

	"github.com/uppehq/node/internal/scheduler"
)

const (
	DefaultSyncInterval     = 15 * time.Second
	DefaultAnnounceInterval = time.Minute
)

// SpecSink receives the full set of monitors this node should probe.
type SpecSink interface {
	Update(specs []scheduler.MonitorSpec)
}

// Announcer ships monitor definitions to the peers assigned to probe them.
type Announcer interface {
	Announce(ctx context.Context, out []Outbound) error
}

type SyncOption func(*Syncer)

func WithSyncInterval(d time.Duration) SyncOption {
	return func(s *Syncer) {
		if d > 0 {
			s.interval = d
		}
	}
}

func WithAnnouncer(a Announcer, every time.Duration) SyncOption {
	return func(s *Syncer) {
		s.announcer = a
		if every > 0 {
			s.announceEvery = every
		}
	}
}

// WithReport registers a callback invoked after every sync pass.
func WithReport(fn func(time.Time, error)) SyncOption {
	return func(s *Syncer) {
		s.report = fn
	}
}

func WithSyncLogger(logger *log.Logger) SyncOption {
	return func(s *Syncer) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithSyncNow(now func() time.Time) SyncOption {
	return func(s *Syncer) {
		if now != nil {
			s.now = now
		}
	}
}

// Syncer keeps the scheduler aligned with the catalog and the current assignments.
type Syncer struct {
	catalog       *Catalog
	sink          SpecSink
	announcer     Announcer
	interval      time.Duration
	announceEvery time.Duration
	report        func(time.Time, error)
	logger        *log.Logger
	now           func() time.Time

	lastAnnounced    time.Time
	announcedVersion uint64
	lastSpecs        int
}

func NewSyncer(catalog *Catalog, sink SpecSink, opts ...SyncOption) *Syncer {
	s := &Syncer{
		catalog:       catalog,
		sink:          sink,
		interval:      DefaultSyncInterval,
		announceEvery: DefaultAnnounceInterval,
		logger:        log.New(io.Discard, "", 0),
		now:           time.Now,
		lastSpecs:     -1,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SyncOnce reloads the catalog, pushes the responsible monitors to the scheduler and
// announces owned monitors when they changed or the announce interval elapsed.
func (s *Syncer) SyncOnce(ctx context.Context) error {
	err := s.catalog.Refresh(ctx)
	ts := s.now().UTC()
	if s.report != nil {
		s.report(ts, err)
	}
	if err != nil {
		s.logger.Printf("monitor sync failed: %v", err)
		return err
	}

	responsible := s.catalog.Responsible()
	specs := make([]scheduler.MonitorSpec, 0, len(responsible))
	for _, m := range responsible {
		specs = append(specs, scheduler.SpecFor(m))
	}
	s.sink.Update(specs)
	if len(specs) != s.lastSpecs {
		s.logger.Printf("monitor sync applied responsible=%d known=%d", len(specs), len(s.catalog.List()))
		s.lastSpecs = len(specs)
	}

	if s.announcer == nil {
		return nil
	}
	rev := s.catalog.Revision()
	if rev == s.announcedVersion && ts.Sub(s.lastAnnounced) < s.announceEvery {
		return nil
	}
	if err := s.announcer.Announce(ctx, s.catalog.Announcements()); err != nil {
		s.logger.Printf("monitor announce failed: %v", err)
		return nil
	}
	s.announcedVersion = rev
	s.lastAnnounced = ts
	return nil
}

// Run syncs immediately, then on every interval tick and whenever the catalog changes.
func (s *Syncer) Run(ctx context.Context) error {
	_ = s.SyncOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			_ = s.SyncOnce(ctx)
		case <-s.catalog.Changes():
			_ = s.SyncOnce(ctx)
		}
	}
}
