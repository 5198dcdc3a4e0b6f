package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/uppehq/node/pkg/types"
)

func TestStoreQueueRecorder(t *testing.T) {
	store := NewStore()
	rec := store.QueueRecorder()

	rec.ObserveQueueDepth(5)
	rec.IncQueueDrops()
	rec.IncQueueDrops()
	rec.IncQueueSpills()

	snap := store.Snapshot()
	if snap.QueueDepth != 5 {
		t.Fatalf("expected depth 5 got %d", snap.QueueDepth)
	}
	if snap.QueueDroppedTotal != 2 {
		t.Fatalf("expected drops 2 got %d", snap.QueueDroppedTotal)
	}
	if snap.QueueSpilledTotal != 1 {
		t.Fatalf("expected spills 1 got %d", snap.QueueSpilledTotal)
	}
}

func TestStoreBackfillRecorderClamps(t *testing.T) {
	store := NewStore()
	rec := store.BackfillRecorder()

	rec.ObservePendingBytes(1024)
	if got := store.Snapshot().BackfillPendingBytes; got != 1024 {
		t.Fatalf("expected 1024 got %d", got)
	}
	rec.ObservePendingBytes(-10)
	if got := store.Snapshot().BackfillPendingBytes; got != 0 {
		t.Fatalf("expected clamp to 0 got %d", got)
	}
}

func TestStoreIngestCountsRejectionsPerPeer(t *testing.T) {
	store := NewStore()
	rec := store.IngestRecorder()

	rec.ObserveIngest("peer-a", "accepted", "")
	rec.ObserveIngest("peer-a", "duplicate", "")
	rec.ObserveIngest("peer-b", "rejected", "InvalidSignature")
	rec.ObserveIngest("peer-b", "rejected", "InvalidSignature")
	rec.ObserveIngest("peer-c", "rejected", "ReplayOrSkew")

	snap := store.Snapshot()
	if got := Count(snap.Ingest, "accepted", "none"); got != 1 {
		t.Fatalf("expected 1 accepted got %d", got)
	}
	if got := Count(snap.Ingest, "duplicate", "none"); got != 1 {
		t.Fatalf("expected 1 duplicate got %d", got)
	}
	if got := Count(snap.Ingest, "rejected", "InvalidSignature"); got != 2 {
		t.Fatalf("expected 2 invalid signatures got %d", got)
	}
	if got := Count(snap.PeerRejections, "peer-b"); got != 2 {
		t.Fatalf("expected 2 rejections for peer-b got %d", got)
	}
	if got := Count(snap.PeerRejections, "peer-a"); got != 0 {
		t.Fatalf("accepted results must not count as rejections, got %d", got)
	}
}

func TestStoreRecordEvents(t *testing.T) {
	store := NewStore()
	store.Record(types.Event{Type: types.EventStatusChange, Labels: map[string]string{"from": "unknown", "to": "up"}})
	store.Record(types.Event{Type: types.EventStatusChange, Labels: map[string]string{"from": "up", "to": "down"}})
	store.Record(types.Event{Type: types.EventProbeSkipped})

	snap := store.Snapshot()
	if got := Count(snap.Events, string(types.EventStatusChange)); got != 2 {
		t.Fatalf("expected 2 status change events got %d", got)
	}
	if got := Count(snap.StatusTransitions, "down"); got != 1 {
		t.Fatalf("expected 1 transition to down got %d", got)
	}
}

func TestStoreConcurrentCounters(t *testing.T) {
	store := NewStore()
	rec := store.ProbeRecorder()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				rec.ObserveProbe("up")
			}
		}()
	}
	wg.Wait()
	if got := Count(store.Snapshot().Probes, "up"); got != 800 {
		t.Fatalf("expected 800 probes got %d", got)
	}
}

func TestStoreWritePrometheus(t *testing.T) {
	store := NewStore()
	store.QueueRecorder().ObserveQueueDepth(7)
	store.QueueRecorder().IncQueueDrops()
	store.BackfillRecorder().ObservePendingBytes(2048)
	store.ProbeRecorder().ObserveProbe("up")
	store.ProbeRecorder().IncProbeSkips("busy")
	store.IngestRecorder().ObserveIngest("peer-b", "rejected", "UnknownMonitor")
	store.ObserveReadiness(true, "", nil)

	var sb strings.Builder
	if err := store.WritePrometheus(&sb); err != nil {
		t.Fatalf("WritePrometheus: %v", err)
	}
	output := sb.String()
	expect := []string{
		"# TYPE uppe_node_queue_depth_number gauge",
		"uppe_node_queue_depth_number 7",
		"uppe_node_queue_dropped_total 1",
		"uppe_node_queue_spilled_total 0",
		"uppe_node_backfill_pending_bytes 2048",
		"uppe_node_probes_total{status=\"up\"} 1",
		"uppe_node_probe_skips_total{reason=\"busy\"} 1",
		"uppe_node_ingest_total{outcome=\"rejected\",reason=\"UnknownMonitor\"} 1",
		"uppe_node_ingest_peer_rejections_total{peer=\"peer-b\"} 1",
		"uppe_node_ready 1",
		"uppe_node_ready_info{reason=\"ready\"} 1",
		"uppe_node_ready_transitions_total{state=\"ready\"} 1",
		"uppe_node_ready_transitions_total{state=\"not_ready\"} 0",
	}
	for _, fragment := range expect {
		if !strings.Contains(output, fragment) {
			t.Fatalf("expected output to contain %q, got:\n%s", fragment, output)
		}
	}
}

func TestHTTPHandler(t *testing.T) {
	store := NewStore()
	h := NewHTTPHandler(store)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	resp := w.Result()
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "text/plain") {
		t.Fatalf("expected text/plain content-type got %s", ct)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if len(body) == 0 {
		t.Fatalf("expected body content")
	}

	postReq := httptest.NewRequest(http.MethodPost, "/metrics", nil)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, postReq)
	if w.Result().StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 got %d", w.Result().StatusCode)
	}
}

func TestStoreObserveReadiness(t *testing.T) {
	store := NewStore()

	// A failure before the first ready state is not a transition.
	store.ObserveReadiness(false, "monitors not yet loaded", []ReadinessCategory{
		{Name: "MONITOR_PENDING", Severity: "info"},
	})
	snap := store.Snapshot()
	if snap.Ready {
		t.Fatalf("expected readiness false")
	}
	if snap.ReadyTransitions != 0 || snap.NotReadyTransitions != 0 {
		t.Fatalf("unexpected counters after initial failure: %+v", snap)
	}
	if len(snap.ReadyCategories) != 1 || snap.ReadyCategories[0].Name != "MONITOR_PENDING" {
		t.Fatalf("unexpected categories: %+v", snap.ReadyCategories)
	}

	store.ObserveReadiness(true, "", nil)
	store.ObserveReadiness(false, "no peers online", []ReadinessCategory{
		{Name: "PEERS_OFFLINE", Severity: "warn"},
		{Name: "PEERS_OFFLINE", Severity: "warning"},
	})
	snap = store.Snapshot()
	if snap.ReadyTransitions != 1 || snap.NotReadyTransitions != 1 {
		t.Fatalf("unexpected counters after degradation: %+v", snap)
	}
	if len(snap.ReadyCategories) != 1 {
		t.Fatalf("expected duplicate categories to collapse, got %+v", snap.ReadyCategories)
	}
	if got := Count(snap.CategoryTransitions, "PEERS_OFFLINE", "warning"); got != 1 {
		t.Fatalf("expected one PEERS_OFFLINE transition, got %d", got)
	}
}
