// Package consensus derives one status per monitor from the latest report of every peer.
package consensus

import (
	"io"
	"log"
	"sync"
	"time"

	"github.com/uppehq/node/internal/events"
	"github.com/uppehq/node/pkg/types"
)

const DefaultFreshnessWindow = 5 * time.Minute

// AssignmentSource returns the peers expected to report on a monitor. The boolean is
// false when the monitor is not known locally.
type AssignmentSource interface {
	Expected(monitorUUID string) ([]string, bool)
}

type Config struct {
	FreshnessWindow time.Duration
	// Quorum is the minimum number of fresh assigned reporters. Zero means a majority
	// of the expected reporters.
	Quorum int
	// TieBreak lists votes from most to least severe. An equal count resolves to the
	// status listed first. Votes left out follow in the default order down, degraded, up.
	TieBreak []types.Status
}

var defaultTieBreak = []types.Status{types.StatusDown, types.StatusDegraded, types.StatusUp}

type Dependencies struct {
	Assignments AssignmentSource
	Events      events.Recorder
	Logger      *log.Logger
}

type Option func(*Aggregator)

func WithNow(now func() time.Time) Option {
	return func(a *Aggregator) {
		if now != nil {
			a.now = now
		}
	}
}

type Aggregator struct {
	cfg         Config
	severity    map[types.Status]int
	assignments AssignmentSource
	events      events.Recorder
	logger      *log.Logger
	now         func() time.Time

	mu      sync.RWMutex
	windows map[string]*window
}

type window struct {
	mu     sync.Mutex
	latest map[string]types.Result
	status types.Status
}

func New(cfg Config, deps Dependencies, opts ...Option) *Aggregator {
	if cfg.FreshnessWindow <= 0 {
		cfg.FreshnessWindow = DefaultFreshnessWindow
	}
	if cfg.Quorum < 0 {
		cfg.Quorum = 0
	}
	cfg.TieBreak = completeTieBreak(cfg.TieBreak)
	severity := make(map[types.Status]int, len(cfg.TieBreak))
	for i, st := range cfg.TieBreak {
		severity[st] = len(cfg.TieBreak) - i
	}
	a := &Aggregator{
		cfg:         cfg,
		severity:    severity,
		assignments: deps.Assignments,
		events:      deps.Events,
		logger:      deps.Logger,
		now:         time.Now,
		windows:     make(map[string]*window),
	}
	if a.events == nil {
		a.events = events.NoopRecorder{}
	}
	if a.logger == nil {
		a.logger = log.New(io.Discard, "", 0)
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// completeTieBreak drops duplicates and appends every vote the order leaves out, so each
// vote has a distinct rank.
func completeTieBreak(order []types.Status) []types.Status {
	out := make([]types.Status, 0, len(defaultTieBreak))
	seen := make(map[types.Status]bool, len(defaultTieBreak))
	for _, st := range append(append([]types.Status(nil), order...), defaultTieBreak...) {
		if !seen[st] {
			seen[st] = true
			out = append(out, st)
		}
	}
	return out
}

func (a *Aggregator) window(monitorUUID string, create bool) *window {
	a.mu.RLock()
	w := a.windows[monitorUUID]
	a.mu.RUnlock()
	if w != nil || !create {
		return w
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if w = a.windows[monitorUUID]; w == nil {
		w = &window{latest: make(map[string]types.Result), status: types.StatusUnknown}
		a.windows[monitorUUID] = w
	}
	return w
}

// Observe records r as the reporter's latest result unless a newer one is already held.
// It returns false when r was older than the held report.
func (a *Aggregator) Observe(r types.Result) bool {
	w := a.window(r.MonitorUUID, true)
	w.mu.Lock()
	defer w.mu.Unlock()

	if prev, ok := w.latest[r.PeerID]; ok && !r.Timestamp.After(prev.Timestamp) {
		return false
	}
	w.latest[r.PeerID] = r
	a.evaluate(r.MonitorUUID, w)
	return true
}

// StatusOf computes the current aggregate status of a monitor.
func (a *Aggregator) StatusOf(monitorUUID string) types.AggregateStatus {
	w := a.window(monitorUUID, false)
	if w == nil {
		expected, _ := a.expected(monitorUUID, nil)
		return types.AggregateStatus{
			MonitorUUID:       monitorUUID,
			Status:            types.StatusUnknown,
			ExpectedReporters: len(expected),
			Quorum:            a.quorum(len(expected)),
		}
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return a.evaluate(monitorUUID, w)
}

// Forget drops all state for a deleted monitor.
func (a *Aggregator) Forget(monitorUUID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.windows, monitorUUID)
}

// Sweep re-evaluates every monitor so decays to unknown are recorded even when nobody
// asks, and drops reports that can never become fresh again. Monitors without a known
// assignment keep their stale reports.
func (a *Aggregator) Sweep() {
	a.mu.RLock()
	ids := make([]string, 0, len(a.windows))
	for id := range a.windows {
		ids = append(ids, id)
	}
	a.mu.RUnlock()

	cutoff := a.now().Add(-a.cfg.FreshnessWindow)
	for _, id := range ids {
		w := a.window(id, false)
		if w == nil {
			continue
		}
		w.mu.Lock()
		a.evaluate(id, w)
		if _, known := a.expected(id, w.latest); !known {
			// Every reporter stays: they are the quorum base without an assignment.
			w.mu.Unlock()
			continue
		}
		for peer, r := range w.latest {
			if r.Timestamp.Before(cutoff) {
				delete(w.latest, peer)
			}
		}
		w.mu.Unlock()
	}
}

// evaluate must be called with w.mu held.
func (a *Aggregator) evaluate(monitorUUID string, w *window) types.AggregateStatus {
	now := a.now()
	cutoff := now.Add(-a.cfg.FreshnessWindow)

	fresh := make(map[string]types.Result, len(w.latest))
	var lastUpdated time.Time
	for peer, r := range w.latest {
		if r.Timestamp.Before(cutoff) {
			continue
		}
		fresh[peer] = r
		if r.Timestamp.After(lastUpdated) {
			lastUpdated = r.Timestamp
		}
	}

	expected, known := a.expected(monitorUUID, w.latest)
	quorum := a.quorum(len(expected))

	reporting := len(fresh)
	if known {
		reporting = 0
		for _, peer := range expected {
			if _, ok := fresh[peer]; ok {
				reporting++
			}
		}
	}

	status := types.StatusUnknown
	if len(fresh) > 0 && reporting >= quorum {
		status = majority(fresh, a.severity)
	}

	if status != w.status {
		a.events.Record(types.Event{
			Type:      types.EventStatusChange,
			Timestamp: now,
			MonitorID: monitorUUID,
			Labels: map[string]string{
				"from": string(w.status),
				"to":   string(status),
			},
			Details: map[string]any{
				"contributing": len(fresh),
				"quorum":       quorum,
			},
		})
		w.status = status
	}

	return types.AggregateStatus{
		MonitorUUID:           monitorUUID,
		Status:                status,
		ContributingPeerCount: len(fresh),
		ExpectedReporters:     len(expected),
		Quorum:                quorum,
		LastUpdated:           lastUpdated,
	}
}

// expected falls back to every peer that ever reported when the assignment is unknown.
func (a *Aggregator) expected(monitorUUID string, latest map[string]types.Result) ([]string, bool) {
	if a.assignments != nil {
		if peers, ok := a.assignments.Expected(monitorUUID); ok {
			return peers, true
		}
	}
	peers := make([]string, 0, len(latest))
	for peer := range latest {
		peers = append(peers, peer)
	}
	return peers, false
}

func (a *Aggregator) quorum(expected int) int {
	if a.cfg.Quorum > 0 {
		return a.cfg.Quorum
	}
	return expected/2 + 1
}

func majority(reports map[string]types.Result, severity map[types.Status]int) types.Status {
	counts := make(map[types.Status]int, 3)
	for _, r := range reports {
		if vote := r.Status.Vote(); vote != types.StatusUnknown {
			counts[vote]++
		}
	}
	best := types.StatusUnknown
	bestCount := 0
	for status, n := range counts {
		if n > bestCount || (n == bestCount && severity[status] > severity[best]) {
			best = status
			bestCount = n
		}
	}
	return best
}
