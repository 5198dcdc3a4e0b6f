// Package ingest validates results received from peers and hands accepted ones to the
// store and the consensus aggregator.
package ingest

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/uppehq/node/internal/consensus"
	"github.com/uppehq/node/internal/events"
	"github.com/uppehq/node/internal/identity"
	"github.com/uppehq/node/internal/metrics"
	"github.com/uppehq/node/internal/store"
	"github.com/uppehq/node/pkg/types"
)

const (
	DefaultMaxSkew     = 2 * time.Minute
	DefaultRatePerPeer = 20
	DefaultBurst       = 200

	maxErrorMessageBytes = 1024
	maxLimiters          = 4096
)

// Reason names why a result was rejected.
type Reason string

const (
	ReasonInvalidSignature Reason = "InvalidSignature"
	ReasonMalformedPayload Reason = "MalformedPayload"
	ReasonReplayOrSkew     Reason = "ReplayOrSkew"
	ReasonUnknownMonitor   Reason = "UnknownMonitor"
	ReasonUnknownPeer      Reason = "UnknownPeer"
	ReasonRateLimited      Reason = "RateLimited"
)

// Outcome is the coarse result of ingesting one result.
type Outcome string

const (
	OutcomeAccepted  Outcome = "accepted"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeRejected  Outcome = "rejected"
)

// Decision reports what happened to an ingested result. Reason and Detail are set only
// for rejections.
type Decision struct {
	Outcome Outcome `json:"outcome"`
	Reason  Reason  `json:"reason,omitempty"`
	Detail  string  `json:"detail,omitempty"`
}

func (d Decision) Accepted() bool { return d.Outcome == OutcomeAccepted }

func accepted() Decision  { return Decision{Outcome: OutcomeAccepted} }
func duplicate() Decision { return Decision{Outcome: OutcomeDuplicate} }

func rejected(reason Reason, format string, args ...any) Decision {
	return Decision{Outcome: OutcomeRejected, Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// MonitorLookup reports whether a monitor is known to this node.
type MonitorLookup interface {
	Known(monitorUUID string) bool
}

// PeerLookup reports whether a reporter is a peer this node tracks. *directory.Directory
// satisfies it.
type PeerLookup interface {
	Known(peerID string) bool
}

// Observer receives accepted results. *consensus.Aggregator satisfies it.
type Observer interface {
	Observe(r types.Result) bool
}

var _ Observer = (*consensus.Aggregator)(nil)

type Config struct {
	// FreshnessWindow matches the aggregator's window; results older than
	// FreshnessWindow+MaxSkew are refused.
	FreshnessWindow time.Duration
	MaxSkew         time.Duration
	// RatePerPeer is the sustained number of results per second accepted from one peer.
	RatePerPeer float64
	Burst       int
}

type Dependencies struct {
	Monitors   MonitorLookup
	Peers      PeerLookup
	Verifier   identity.Verifier
	Store      store.Store
	Aggregator Observer
	Metrics    metrics.IngestRecorder
	Events     events.Recorder
	Logger     *log.Logger
}

type Option func(*Ingestor)

func WithNow(now func() time.Time) Option {
	return func(i *Ingestor) {
		if now != nil {
			i.now = now
		}
	}
}

// Ingestor applies the acceptance pipeline to inbound results. It is safe for
// concurrent use by HTTP handler goroutines.
type Ingestor struct {
	cfg        Config
	monitors   MonitorLookup
	peers      PeerLookup
	verifier   identity.Verifier
	store      store.Store
	aggregator Observer
	metrics    metrics.IngestRecorder
	events     events.Recorder
	logger     *log.Logger
	now        func() time.Time

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func New(cfg Config, deps Dependencies, opts ...Option) (*Ingestor, error) {
	if deps.Monitors == nil {
		return nil, fmt.Errorf("ingest: monitor lookup is required")
	}
	if deps.Peers == nil {
		return nil, fmt.Errorf("ingest: peer lookup is required")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("ingest: store is required")
	}
	if cfg.FreshnessWindow <= 0 {
		cfg.FreshnessWindow = consensus.DefaultFreshnessWindow
	}
	if cfg.MaxSkew <= 0 {
		cfg.MaxSkew = DefaultMaxSkew
	}
	if cfg.RatePerPeer <= 0 {
		cfg.RatePerPeer = DefaultRatePerPeer
	}
	if cfg.Burst <= 0 {
		cfg.Burst = DefaultBurst
	}
	i := &Ingestor{
		cfg:        cfg,
		monitors:   deps.Monitors,
		peers:      deps.Peers,
		verifier:   deps.Verifier,
		store:      deps.Store,
		aggregator: deps.Aggregator,
		metrics:    deps.Metrics,
		events:     deps.Events,
		logger:     deps.Logger,
		now:        time.Now,
		limiters:   make(map[string]*rate.Limiter),
	}
	if i.verifier == nil {
		i.verifier = identity.Ed25519Verifier{}
	}
	if i.metrics == nil {
		i.metrics = metrics.NoopIngestRecorder{}
	}
	if i.events == nil {
		i.events = events.NoopRecorder{}
	}
	if i.logger == nil {
		i.logger = log.New(io.Discard, "", 0)
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// Ingest runs r through validation, verification, de-duplication and freshness checks.
// A non-nil error means the store failed and the result was neither accepted nor
// rejected; the sender may retry.
func (i *Ingestor) Ingest(ctx context.Context, r types.Result) (Decision, error) {
	d, err := i.ingest(ctx, r)
	if err != nil {
		return Decision{}, err
	}
	i.metrics.ObserveIngest(r.PeerID, string(d.Outcome), string(d.Reason))
	if d.Outcome == OutcomeRejected {
		i.events.Record(types.Event{
			Type:      types.EventResultRejected,
			Timestamp: i.now().UTC(),
			MonitorID: r.MonitorUUID,
			PeerID:    r.PeerID,
			Labels:    map[string]string{"reason": string(d.Reason)},
		})
		i.logger.Printf("ingest: rejected result monitor=%s peer=%s reason=%s detail=%q", r.MonitorUUID, shortPeer(r.PeerID), d.Reason, d.Detail)
	}
	return d, nil
}

// IngestEnvelope ingests every result of a batch and returns one decision per result.
// Processing stops at the first store error.
func (i *Ingestor) IngestEnvelope(ctx context.Context, env types.ResultEnvelope) ([]Decision, error) {
	decisions := make([]Decision, 0, len(env.Results))
	for _, r := range env.Results {
		d, err := i.Ingest(ctx, r)
		if err != nil {
			return decisions, err
		}
		decisions = append(decisions, d)
	}
	return decisions, nil
}

func (i *Ingestor) ingest(ctx context.Context, r types.Result) (Decision, error) {
	if d, ok := validate(r); !ok {
		return d, nil
	}
	if !i.monitors.Known(r.MonitorUUID) {
		return rejected(ReasonUnknownMonitor, "monitor %s is not known", r.MonitorUUID), nil
	}
	if !i.peers.Known(r.PeerID) {
		return rejected(ReasonUnknownPeer, "peer %s is not known", shortPeer(r.PeerID)), nil
	}
	if err := identity.VerifyResult(i.verifier, r); err != nil {
		return rejected(ReasonInvalidSignature, "%v", err), nil
	}
	now := i.now()
	if !i.allow(r.PeerID, now) {
		return rejected(ReasonRateLimited, "peer exceeded %.0f results/s", i.cfg.RatePerPeer), nil
	}

	key := r.Key()
	seen, err := i.store.HasPeerResult(ctx, key)
	if err != nil {
		return Decision{}, fmt.Errorf("check duplicate: %w", err)
	}
	if seen {
		return duplicate(), nil
	}

	if r.Timestamp.After(now.Add(i.cfg.MaxSkew)) {
		return rejected(ReasonReplayOrSkew, "timestamp %s is ahead of local clock", r.Timestamp.UTC().Format(time.RFC3339Nano)), nil
	}
	if now.Sub(r.Timestamp) > i.cfg.FreshnessWindow+i.cfg.MaxSkew {
		return rejected(ReasonReplayOrSkew, "timestamp %s is older than the freshness window", r.Timestamp.UTC().Format(time.RFC3339Nano)), nil
	}

	inserted, err := i.store.AppendPeerResult(ctx, types.PeerResult{
		Result:     r,
		Verified:   true,
		ReceivedAt: now.UTC(),
	})
	if err != nil {
		return Decision{}, fmt.Errorf("store peer result: %w", err)
	}
	if !inserted {
		return duplicate(), nil
	}
	if i.aggregator != nil {
		i.aggregator.Observe(r)
	}
	return accepted(), nil
}

// validate checks the structure of r. Identifiers must be in their canonical lowercase
// form: the signature covers them verbatim, and every index keys on them.
func validate(r types.Result) (Decision, bool) {
	if _, err := uuid.Parse(r.MonitorUUID); err != nil {
		return rejected(ReasonMalformedPayload, "monitor_uuid: %v", err), false
	}
	if r.MonitorUUID != strings.ToLower(r.MonitorUUID) {
		return rejected(ReasonMalformedPayload, "monitor_uuid must be lowercase"), false
	}
	if r.Timestamp.IsZero() {
		return rejected(ReasonMalformedPayload, "timestamp missing"), false
	}
	if !r.Status.Valid() {
		return rejected(ReasonMalformedPayload, "status %q is not valid", r.Status), false
	}
	if r.LatencyMs != nil && *r.LatencyMs < 0 {
		return rejected(ReasonMalformedPayload, "latency_ms is negative"), false
	}
	if r.StatusCode != nil && (*r.StatusCode < 100 || *r.StatusCode > 599) {
		return rejected(ReasonMalformedPayload, "status_code %d out of range", *r.StatusCode), false
	}
	if len(r.ErrorMessage) > maxErrorMessageBytes {
		return rejected(ReasonMalformedPayload, "error_message exceeds %d bytes", maxErrorMessageBytes), false
	}
	if _, err := identity.ParsePeerID(r.PeerID); err != nil {
		return rejected(ReasonMalformedPayload, "peer_id: %v", err), false
	}
	if r.PeerID != strings.ToLower(r.PeerID) {
		return rejected(ReasonMalformedPayload, "peer_id must be lowercase"), false
	}
	return Decision{}, true
}

// allow applies the per-peer token bucket. It runs after signature verification so a
// forger cannot drain another peer's budget.
func (i *Ingestor) allow(peerID string, now time.Time) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	lim, ok := i.limiters[peerID]
	if !ok {
		if len(i.limiters) >= maxLimiters {
			i.pruneLocked(now)
		}
		lim = rate.NewLimiter(rate.Limit(i.cfg.RatePerPeer), i.cfg.Burst)
		i.limiters[peerID] = lim
	}
	return lim.AllowN(now, 1)
}

// pruneLocked drops limiters whose bucket has refilled; they carry no state worth keeping.
func (i *Ingestor) pruneLocked(now time.Time) {
	for id, lim := range i.limiters {
		if lim.TokensAt(now) >= float64(lim.Burst()) {
			delete(i.limiters, id)
		}
	}
}

func shortPeer(peerID string) string {
	if len(peerID) > 12 {
		return peerID[:12]
	}
	return peerID
}
