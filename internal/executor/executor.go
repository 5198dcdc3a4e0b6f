// Package executor runs scheduled probes and routes the signed results.
package executor

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/uppehq/node/internal/metrics"
	"github.com/uppehq/node/internal/probe"
	"github.com/uppehq/node/internal/worker"
	"github.com/uppehq/node/pkg/types"
)

const maxErrorMessage = 1024

// Releaser hands a finished job back to the scheduler. It reports false when the monitor
// was withdrawn or replaced while the probe ran.
type Releaser interface {
	Release(job worker.Job) bool
}

// Signer stamps results with this node's identity.
type Signer interface {
	PeerID() string
	SignResult(r *types.Result)
}

// Assignments resolves which peers share responsibility for a monitor.
type Assignments interface {
	Assignment(monitorUUID string) (types.Assignment, bool)
}

// ResultStore persists locally produced results.
type ResultStore interface {
	AppendResult(ctx context.Context, r types.Result) (bool, error)
}

// Observer feeds results into consensus.
type Observer interface {
	Observe(r types.Result) bool
}

// Outbox queues deliveries to remote peers.
type Outbox interface {
	Enqueue(d types.Delivery) (dropped bool)
}

type Config struct {
	// DegradedThreshold marks successful probes slower than this as degraded. Zero disables it.
	DegradedThreshold time.Duration
	// Location is attached to every result. Callers reduce it to the configured privacy level.
	Location types.Location
}

type Dependencies struct {
	Prober      probe.Prober
	Releaser    Releaser
	Signer      Signer
	Assignments Assignments
	Store       ResultStore
	Aggregator  Observer
	Outbox      Outbox
	Metrics     metrics.ProbeRecorder
	Logger      *log.Logger
}

type Option func(*Executor)

func WithNow(now func() time.Time) Option {
	return func(e *Executor) {
		if now != nil {
			e.now = now
		}
	}
}

// Executor implements worker.Handler.
type Executor struct {
	cfg  Config
	deps Dependencies
	now  func() time.Time
}

func New(cfg Config, deps Dependencies, opts ...Option) (*Executor, error) {
	if deps.Prober == nil {
		return nil, fmt.Errorf("prober is required")
	}
	if deps.Releaser == nil {
		return nil, fmt.Errorf("releaser is required")
	}
	if deps.Signer == nil {
		return nil, fmt.Errorf("signer is required")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("result store is required")
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NoopProbeRecorder{}
	}
	if deps.Logger == nil {
		deps.Logger = log.New(io.Discard, "", 0)
	}
	e := &Executor{cfg: cfg, deps: deps, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Handle probes the job's monitor once. Results of jobs whose monitor was disabled or
// removed mid-flight are discarded.
func (e *Executor) Handle(ctx context.Context, job worker.Job) {
	if job.Abandoned() {
		e.deps.Releaser.Release(job)
		e.deps.Metrics.IncProbeSkips("abandoned")
		return
	}

	m := job.Monitor
	outcome := e.deps.Prober.Probe(ctx, probe.Request{
		Target:              m.Target,
		CheckType:           m.CheckType,
		Timeout:             m.Timeout(),
		ExpectedStatusCodes: m.ExpectedStatusCodes,
		Headers:             m.Headers,
		Body:                m.Body,
	})
	finished := e.now()

	if !e.deps.Releaser.Release(job) || job.Abandoned() {
		e.deps.Metrics.IncProbeSkips("abandoned")
		return
	}

	r := e.result(m, outcome, finished)
	e.deps.Metrics.ObserveProbe(string(r.Status))
	e.route(ctx, m, r)
}

func (e *Executor) result(m types.Monitor, out probe.Outcome, at time.Time) types.Result {
	r := types.Result{
		MonitorUUID: m.UUID,
		Timestamp:   at.UTC().Truncate(time.Microsecond),
		Status:      e.classify(out),
		LatencyMs:   out.LatencyMs,
		StatusCode:  out.StatusCode,
		PeerID:      e.deps.Signer.PeerID(),
	}
	if out.Err != nil {
		r.ErrorMessage = truncateMessage(out.Err.Error(), maxErrorMessage)
	} else if !out.Success && out.StatusCode != nil {
		r.ErrorMessage = fmt.Sprintf("unexpected status code %d", *out.StatusCode)
	}
	r.SetLocation(e.cfg.Location)
	e.deps.Signer.SignResult(&r)
	return r
}

// truncateMessage returns valid UTF-8 of at most max bytes, cut on a rune boundary. The
// signed bytes must survive JSON encoding unchanged.
func truncateMessage(msg string, max int) string {
	msg = strings.ToValidUTF8(msg, "\uFFFD")
	if len(msg) <= max {
		return msg
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}

func (e *Executor) classify(out probe.Outcome) types.Status {
	switch {
	case out.Success:
		if e.cfg.DegradedThreshold > 0 && out.LatencyMs != nil &&
			time.Duration(*out.LatencyMs)*time.Millisecond > e.cfg.DegradedThreshold {
			return types.StatusDegraded
		}
		return types.StatusUp
	case out.TimedOut:
		return types.StatusTimeout
	case out.StatusCode != nil:
		return types.StatusDown
	case out.Err != nil:
		return types.StatusError
	default:
		return types.StatusDown
	}
}

// route stores the result, feeds local consensus, and delivers it to the monitor's owner
// and the other assigned peers.
func (e *Executor) route(ctx context.Context, m types.Monitor, r types.Result) {
	if _, err := e.deps.Store.AppendResult(ctx, r); err != nil {
		e.deps.Logger.Printf("store result monitor=%s: %v", r.MonitorUUID, err)
	}
	if e.deps.Aggregator != nil {
		e.deps.Aggregator.Observe(r)
	}
	if e.deps.Outbox == nil || e.deps.Assignments == nil {
		return
	}
	for _, peerID := range e.recipients(m) {
		if dropped := e.deps.Outbox.Enqueue(types.Delivery{PeerID: peerID, Result: r}); dropped {
			e.deps.Logger.Printf("delivery dropped monitor=%s peer=%s", r.MonitorUUID, peerID)
		}
	}
}

func (e *Executor) recipients(m types.Monitor) []string {
	a, ok := e.deps.Assignments.Assignment(m.UUID)
	if !ok {
		return nil
	}
	self := e.deps.Signer.PeerID()
	seen := map[string]bool{self: true}
	var out []string
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	add(m.OwnerPeerID)
	for _, p := range a.Peers {
		add(p)
	}
	return out
}

var _ worker.Handler = (*Executor)(nil)
