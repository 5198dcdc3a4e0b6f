package ingest

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/uppehq/node/internal/consensus"
	"github.com/uppehq/node/internal/events"
	"github.com/uppehq/node/internal/identity"
	"github.com/uppehq/node/internal/metrics"
	"github.com/uppehq/node/internal/store"
	"github.com/uppehq/node/pkg/types"
)

const monitorID = "0b6f2c1e-4a8d-4c36-9d0e-3f1b5a7c9e21"

type knownSet map[string]bool

func (k knownSet) Known(id string) bool { return k[id] }

type harness struct {
	ingestor *Ingestor
	peers    knownSet
	store    store.Store
	agg      *consensus.Aggregator
	metrics  *metrics.Store
	events   *events.Ring
	now      time.Time
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		store:   store.NewMemoryStore(),
		metrics: metrics.NewStore(),
		events:  events.NewRing(32),
		peers:   knownSet{},
		now:     time.Unix(1_700_000_000, 0).UTC(),
	}
	clock := func() time.Time { return h.now }
	h.agg = consensus.New(consensus.Config{FreshnessWindow: time.Minute}, consensus.Dependencies{}, consensus.WithNow(clock))
	if cfg.FreshnessWindow == 0 {
		cfg.FreshnessWindow = time.Minute
	}
	ing, err := New(cfg, Dependencies{
		Monitors:   knownSet{monitorID: true},
		Peers:      h.peers,
		Store:      h.store,
		Aggregator: h.agg,
		Metrics:    h.metrics.IngestRecorder(),
		Events:     h.events,
	}, WithNow(clock))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.ingestor = ing
	return h
}

func newKey(t *testing.T) *identity.Identity {
	t.Helper()
	id, err := identity.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	return id
}

// newPeer generates a key the directory knows about.
func (h *harness) newPeer(t *testing.T) *identity.Identity {
	t.Helper()
	id := newKey(t)
	h.peers[id.PeerID()] = true
	return id
}

func signed(id *identity.Identity, status types.Status, ts time.Time) types.Result {
	r := types.Result{
		MonitorUUID: monitorID,
		Timestamp:   ts,
		Status:      status,
		LatencyMs:   types.Int64(42),
	}
	id.SignResult(&r)
	return r
}

func (h *harness) ingest(t *testing.T, r types.Result) Decision {
	t.Helper()
	d, err := h.ingestor.Ingest(context.Background(), r)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	return d
}

func TestIngestAcceptsAndForwardsToAggregator(t *testing.T) {
	h := newHarness(t, Config{})
	peer := h.newPeer(t)

	d := h.ingest(t, signed(peer, types.StatusUp, h.now.Add(-time.Second)))
	if !d.Accepted() {
		t.Fatalf("expected accepted, got %+v", d)
	}
	stored, err := h.store.ListPeerResults(context.Background(), store.ResultQuery{MonitorUUID: monitorID})
	if err != nil {
		t.Fatalf("ListPeerResults: %v", err)
	}
	if len(stored) != 1 || !stored[0].Verified {
		t.Fatalf("expected one verified peer result, got %+v", stored)
	}
	status := h.agg.StatusOf(monitorID)
	if status.Status != types.StatusUp || status.ContributingPeerCount != 1 {
		t.Fatalf("expected aggregator to see the result, got %+v", status)
	}
}

func TestIngestDuplicateStoredOnce(t *testing.T) {
	h := newHarness(t, Config{})
	r := signed(h.newPeer(t), types.StatusUp, h.now)

	if d := h.ingest(t, r); !d.Accepted() {
		t.Fatalf("expected first delivery accepted, got %+v", d)
	}
	if d := h.ingest(t, r); d.Outcome != OutcomeDuplicate {
		t.Fatalf("expected duplicate, got %+v", d)
	}
	stored, _ := h.store.ListPeerResults(context.Background(), store.ResultQuery{MonitorUUID: monitorID})
	if len(stored) != 1 {
		t.Fatalf("expected exactly one stored result, got %d", len(stored))
	}
	if got := metrics.Count(h.metrics.Snapshot().Ingest, "duplicate", "none"); got != 1 {
		t.Fatalf("expected duplicate counted once, got %d", got)
	}
}

func TestIngestRejectsTamperedSignature(t *testing.T) {
	h := newHarness(t, Config{})
	peer := h.newPeer(t)
	r := signed(peer, types.StatusUp, h.now)
	r.Status = types.StatusDown

	d := h.ingest(t, r)
	if d.Outcome != OutcomeRejected || d.Reason != ReasonInvalidSignature {
		t.Fatalf("expected InvalidSignature, got %+v", d)
	}
	if status := h.agg.StatusOf(monitorID); status.ContributingPeerCount != 0 {
		t.Fatalf("tampered result reached the aggregator: %+v", status)
	}
	stored, _ := h.store.ListPeerResults(context.Background(), store.ResultQuery{})
	if len(stored) != 0 {
		t.Fatalf("tampered result was stored: %+v", stored)
	}
	snap := h.metrics.Snapshot()
	if got := metrics.Count(snap.PeerRejections, peer.PeerID()); got != 1 {
		t.Fatalf("expected one rejection for peer, got %d", got)
	}
	recent := h.events.Recent(1)
	if len(recent) != 1 || recent[0].Type != types.EventResultRejected || recent[0].Labels["reason"] != string(ReasonInvalidSignature) {
		t.Fatalf("expected rejection event, got %+v", recent)
	}
}

func TestIngestRejectsUnsigned(t *testing.T) {
	h := newHarness(t, Config{})
	r := signed(h.newPeer(t), types.StatusUp, h.now)
	r.Signature = nil
	if d := h.ingest(t, r); d.Reason != ReasonInvalidSignature {
		t.Fatalf("expected InvalidSignature for unsigned result, got %+v", d)
	}
}

func TestIngestRejectsMalformed(t *testing.T) {
	h := newHarness(t, Config{})
	peer := h.newPeer(t)

	badUUID := signed(peer, types.StatusUp, h.now)
	badUUID.MonitorUUID = "not-a-uuid"
	badStatus := signed(peer, "sideways", h.now)
	badPeer := signed(peer, types.StatusUp, h.now)
	badPeer.PeerID = "zz"
	badCode := signed(peer, types.StatusDown, h.now)
	badCode.StatusCode = types.Int(42)

	for name, r := range map[string]types.Result{
		"uuid": badUUID, "status": badStatus, "peer": badPeer, "code": badCode,
	} {
		if d := h.ingest(t, r); d.Reason != ReasonMalformedPayload {
			t.Fatalf("%s: expected MalformedPayload, got %+v", name, d)
		}
	}
}

func TestIngestRejectsUnknownMonitor(t *testing.T) {
	h := newHarness(t, Config{})
	r := types.Result{
		MonitorUUID: "5d0c8f8e-8b8e-4d4e-9a4a-1c2b3d4e5f60",
		Timestamp:   h.now,
		Status:      types.StatusUp,
	}
	h.newPeer(t).SignResult(&r)
	if d := h.ingest(t, r); d.Reason != ReasonUnknownMonitor {
		t.Fatalf("expected UnknownMonitor, got %+v", d)
	}
}

func TestIngestRejectsSkewedTimestamps(t *testing.T) {
	h := newHarness(t, Config{MaxSkew: 30 * time.Second})
	peer := h.newPeer(t)

	future := signed(peer, types.StatusUp, h.now.Add(time.Minute))
	if d := h.ingest(t, future); d.Reason != ReasonReplayOrSkew {
		t.Fatalf("expected future result rejected, got %+v", d)
	}
	stale := signed(peer, types.StatusUp, h.now.Add(-2*time.Minute))
	if d := h.ingest(t, stale); d.Reason != ReasonReplayOrSkew {
		t.Fatalf("expected 2x window old result rejected, got %+v", d)
	}
	slightlyAhead := signed(peer, types.StatusUp, h.now.Add(10*time.Second))
	if d := h.ingest(t, slightlyAhead); !d.Accepted() {
		t.Fatalf("expected result within skew accepted, got %+v", d)
	}
}

func TestIngestLateArrivalStoredWithoutRegression(t *testing.T) {
	h := newHarness(t, Config{})
	peer := h.newPeer(t)

	if d := h.ingest(t, signed(peer, types.StatusDown, h.now)); !d.Accepted() {
		t.Fatalf("expected newer result accepted, got %+v", d)
	}
	if d := h.ingest(t, signed(peer, types.StatusUp, h.now.Add(-10*time.Second))); !d.Accepted() {
		t.Fatalf("expected late arrival accepted, got %+v", d)
	}
	stored, _ := h.store.ListPeerResults(context.Background(), store.ResultQuery{MonitorUUID: monitorID})
	if len(stored) != 2 {
		t.Fatalf("expected both results stored, got %d", len(stored))
	}
	if got := h.agg.StatusOf(monitorID).Status; got != types.StatusDown {
		t.Fatalf("late arrival regressed aggregate to %s", got)
	}
}

func TestIngestRateLimitsPerPeer(t *testing.T) {
	h := newHarness(t, Config{RatePerPeer: 1, Burst: 2})
	noisy := h.newPeer(t)
	quiet := h.newPeer(t)

	for n := 0; n < 2; n++ {
		if d := h.ingest(t, signed(noisy, types.StatusUp, h.now.Add(-time.Duration(n)*time.Second))); !d.Accepted() {
			t.Fatalf("expected burst result %d accepted, got %+v", n, d)
		}
	}
	if d := h.ingest(t, signed(noisy, types.StatusUp, h.now.Add(-5*time.Second))); d.Reason != ReasonRateLimited {
		t.Fatalf("expected RateLimited, got %+v", d)
	}
	if d := h.ingest(t, signed(quiet, types.StatusUp, h.now)); !d.Accepted() {
		t.Fatalf("another peer must keep its own budget, got %+v", d)
	}
	h.now = h.now.Add(time.Second)
	if d := h.ingest(t, signed(noisy, types.StatusUp, h.now)); !d.Accepted() {
		t.Fatalf("expected bucket to refill, got %+v", d)
	}
}

func TestIngestEnvelope(t *testing.T) {
	h := newHarness(t, Config{})
	peer := h.newPeer(t)
	good := signed(peer, types.StatusUp, h.now)
	bad := signed(peer, types.StatusUp, h.now.Add(-time.Second))
	bad.Signature[0] ^= 0xff

	decisions, err := h.ingestor.IngestEnvelope(context.Background(), types.ResultEnvelope{
		SenderPeerID: peer.PeerID(),
		Results:      []types.Result{good, bad},
	})
	if err != nil {
		t.Fatalf("IngestEnvelope: %v", err)
	}
	if len(decisions) != 2 || !decisions[0].Accepted() || decisions[1].Reason != ReasonInvalidSignature {
		t.Fatalf("unexpected decisions: %+v", decisions)
	}
}

func TestIngestRejectsUnknownReporters(t *testing.T) {
	h := newHarness(t, Config{})
	for n := 0; n < 3; n++ {
		if d := h.ingest(t, signed(h.newPeer(t), types.StatusUp, h.now)); !d.Accepted() {
			t.Fatalf("expected known peer %d accepted, got %+v", n, d)
		}
	}
	for n := 0; n < 4; n++ {
		throwaway := newKey(t)
		if d := h.ingest(t, signed(throwaway, types.StatusDown, h.now)); d.Reason != ReasonUnknownPeer {
			t.Fatalf("expected UnknownPeer for unregistered key %d, got %+v", n, d)
		}
	}
	status := h.agg.StatusOf(monitorID)
	if status.Status != types.StatusUp || status.ContributingPeerCount != 3 {
		t.Fatalf("unregistered keys changed the aggregate: %+v", status)
	}
	stored, _ := h.store.ListPeerResults(context.Background(), store.ResultQuery{MonitorUUID: monitorID})
	if len(stored) != 3 {
		t.Fatalf("expected only known peers stored, got %d", len(stored))
	}
}

func TestIngestRejectsNonCanonicalIdentifiers(t *testing.T) {
	h := newHarness(t, Config{})
	peer := h.newPeer(t)
	h.peers[strings.ToUpper(peer.PeerID())] = true

	if d := h.ingest(t, signed(peer, types.StatusDown, h.now)); !d.Accepted() {
		t.Fatalf("expected canonical result accepted, got %+v", d)
	}

	upperPeer := types.Result{MonitorUUID: monitorID, Timestamp: h.now.Add(-time.Second), Status: types.StatusDown}
	peer.SignResult(&upperPeer)
	upperPeer.PeerID = strings.ToUpper(upperPeer.PeerID)
	upperPeer.Signature = peer.Sign(identity.CanonicalPayload(upperPeer))
	if d := h.ingest(t, upperPeer); d.Reason != ReasonMalformedPayload {
		t.Fatalf("expected uppercase peer_id refused, got %+v", d)
	}

	upperMonitor := types.Result{MonitorUUID: strings.ToUpper(monitorID), Timestamp: h.now.Add(-2 * time.Second), Status: types.StatusDown}
	peer.SignResult(&upperMonitor)
	if d := h.ingest(t, upperMonitor); d.Reason != ReasonMalformedPayload {
		t.Fatalf("expected uppercase monitor_uuid refused, got %+v", d)
	}

	if got := h.agg.StatusOf(monitorID).ContributingPeerCount; got != 1 {
		t.Fatalf("one key must count as one reporter, got %d", got)
	}
}
