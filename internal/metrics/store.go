package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/uppehq/node/pkg/types"
)

const namespace = "uppe_node"

// Store maintains in-memory gauges and counters for node telemetry.
type Store struct {
	queueDepth           atomic.Int64
	queueDrops           atomic.Uint64
	queueSpills          atomic.Uint64
	backfillPendingBytes atomic.Int64
	readinessState       atomic.Int64
	readinessReason      atomic.Value
	readinessCategories  atomic.Value
	readyTransitions     atomic.Uint64
	notReadyTransitions  atomic.Uint64

	categoryTotals    labeledCounter
	probes            labeledCounter
	probeSkips        labeledCounter
	ingest            labeledCounter
	peerRejections    labeledCounter
	statusTransitions labeledCounter
	events            labeledCounter
}

// ReadinessCategory captures a categorized readiness reason with severity.
type ReadinessCategory struct {
	Name     string
	Severity string
}

// NewStore constructs a Store with zeroed metrics.
func NewStore() *Store {
	store := &Store{}
	store.readinessReason.Store("")
	store.readinessCategories.Store([]ReadinessCategory(nil))
	return store
}

// LabelCount is one series of a labeled counter. Labels are in declaration order.
type LabelCount struct {
	Labels []string
	Count  uint64
}

// Snapshot captures the current metric values in a plain struct.
type Snapshot struct {
	QueueDepth           int64
	QueueDroppedTotal    uint64
	QueueSpilledTotal    uint64
	BackfillPendingBytes int64
	Ready                bool
	ReadyReason          string
	ReadyTransitions     uint64
	NotReadyTransitions  uint64
	ReadyCategories      []ReadinessCategory
	CategoryTransitions  []LabelCount
	Probes               []LabelCount
	ProbeSkips           []LabelCount
	Ingest               []LabelCount
	PeerRejections       []LabelCount
	StatusTransitions    []LabelCount
	Events               []LabelCount
}

// Snapshot returns a point-in-time copy of the metrics.
func (s *Store) Snapshot() Snapshot {
	readyReason, _ := s.readinessReason.Load().(string)
	rawCategories, _ := s.readinessCategories.Load().([]ReadinessCategory)
	categories := make([]ReadinessCategory, len(rawCategories))
	copy(categories, rawCategories)
	return Snapshot{
		QueueDepth:           s.queueDepth.Load(),
		QueueDroppedTotal:    s.queueDrops.Load(),
		QueueSpilledTotal:    s.queueSpills.Load(),
		BackfillPendingBytes: s.backfillPendingBytes.Load(),
		Ready:                s.readinessState.Load() == 1,
		ReadyReason:          readyReason,
		ReadyTransitions:     s.readyTransitions.Load(),
		NotReadyTransitions:  s.notReadyTransitions.Load(),
		ReadyCategories:      categories,
		CategoryTransitions:  s.categoryTotals.snapshot(),
		Probes:               s.probes.snapshot(),
		ProbeSkips:           s.probeSkips.snapshot(),
		Ingest:               s.ingest.snapshot(),
		PeerRejections:       s.peerRejections.snapshot(),
		StatusTransitions:    s.statusTransitions.snapshot(),
		Events:               s.events.snapshot(),
	}
}

// Count returns the value of a labeled series from a snapshot slice, or zero.
func Count(series []LabelCount, labels ...string) uint64 {
	for _, lc := range series {
		if equalLabels(lc.Labels, labels) {
			return lc.Count
		}
	}
	return 0
}

// QueueRecorder returns an implementation of QueueRecorder backed by the store.
func (s *Store) QueueRecorder() QueueRecorder {
	return queueRecorder{store: s}
}

// BackfillRecorder returns an implementation of BackfillRecorder backed by the store.
func (s *Store) BackfillRecorder() BackfillRecorder {
	return backfillRecorder{store: s}
}

// ProbeRecorder returns an implementation of ProbeRecorder backed by the store.
func (s *Store) ProbeRecorder() ProbeRecorder {
	return probeRecorder{store: s}
}

// IngestRecorder returns an implementation of IngestRecorder backed by the store.
func (s *Store) IngestRecorder() IngestRecorder {
	return ingestRecorder{store: s}
}

type queueRecorder struct {
	store *Store
}

func (r queueRecorder) ObserveQueueDepth(depth int) {
	r.store.queueDepth.Store(int64(depth))
}

func (r queueRecorder) IncQueueDrops() {
	r.store.queueDrops.Add(1)
}

func (r queueRecorder) IncQueueSpills() {
	r.store.queueSpills.Add(1)
}

type backfillRecorder struct {
	store *Store
}

func (r backfillRecorder) ObservePendingBytes(bytes int64) {
	if bytes < 0 {
		bytes = 0
	}
	r.store.backfillPendingBytes.Store(bytes)
}

type probeRecorder struct {
	store *Store
}

func (r probeRecorder) ObserveProbe(status string) {
	r.store.probes.inc(normalizeLabel(status))
}

func (r probeRecorder) IncProbeSkips(reason string) {
	r.store.probeSkips.inc(normalizeLabel(reason))
}

type ingestRecorder struct {
	store *Store
}

func (r ingestRecorder) ObserveIngest(peerID, outcome, reason string) {
	outcome = normalizeLabel(outcome)
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "none"
	}
	r.store.ingest.inc(outcome, reason)
	if outcome == "rejected" {
		r.store.peerRejections.inc(normalizeLabel(peerID))
	}
}

// Record counts node events by type and tracks aggregate status transitions.
// It satisfies events.Recorder so the store can sit behind events.Multi.
func (s *Store) Record(evt types.Event) {
	s.events.inc(normalizeLabel(string(evt.Type)))
	if evt.Type == types.EventStatusChange {
		s.statusTransitions.inc(normalizeLabel(evt.Labels["to"]))
	}
}

// ObserveReadiness records the latest readiness evaluation.
func (s *Store) ObserveReadiness(ready bool, reason string, categories []ReadinessCategory) {
	prev := s.readinessState.Load()
	if ready {
		if prev == 0 {
			s.readyTransitions.Add(1)
		}
		s.readinessState.Store(1)
		s.readinessReason.Store("")
		s.readinessCategories.Store([]ReadinessCategory(nil))
		return
	}
	if prev == 1 {
		s.notReadyTransitions.Add(1)
	}
	s.readinessState.Store(0)
	s.readinessReason.Store(reason)
	deduped := dedupeCategories(categories)
	s.readinessCategories.Store(deduped)
	if prev == 1 {
		for _, cat := range deduped {
			s.categoryTotals.inc(cat.Name, cat.Severity)
		}
	}
}

func dedupeCategories(categories []ReadinessCategory) []ReadinessCategory {
	if len(categories) == 0 {
		return nil
	}
	seen := make(map[ReadinessCategory]struct{}, len(categories))
	result := make([]ReadinessCategory, 0, len(categories))
	for _, c := range categories {
		if strings.TrimSpace(c.Name) == "" {
			continue
		}
		cat := ReadinessCategory{
			Name:     normalizeLabel(c.Name),
			Severity: normalizeSeverity(c.Severity),
		}
		if _, ok := seen[cat]; ok {
			continue
		}
		seen[cat] = struct{}{}
		result = append(result, cat)
	}
	return result
}

func normalizeLabel(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return "unknown"
	}
	return v
}

func normalizeSeverity(severity string) string {
	switch s := strings.TrimSpace(strings.ToLower(severity)); s {
	case "":
		return "unknown"
	case "info", "informational":
		return "info"
	case "warn", "warning":
		return "warning"
	case "critical", "crit":
		return "critical"
	default:
		return s
	}
}

// labeledCounter is a set of counters keyed by an ordered label tuple.
type labeledCounter struct {
	series sync.Map // string -> *labeledSeries
}

type labeledSeries struct {
	labels []string
	count  atomic.Uint64
}

func (c *labeledCounter) inc(labels ...string) {
	key := strings.Join(labels, "\x00")
	if v, ok := c.series.Load(key); ok {
		v.(*labeledSeries).count.Add(1)
		return
	}
	fresh := &labeledSeries{labels: append([]string(nil), labels...)}
	actual, _ := c.series.LoadOrStore(key, fresh)
	actual.(*labeledSeries).count.Add(1)
}

func (c *labeledCounter) snapshot() []LabelCount {
	out := make([]LabelCount, 0)
	c.series.Range(func(_, value any) bool {
		series := value.(*labeledSeries)
		out = append(out, LabelCount{
			Labels: append([]string(nil), series.labels...),
			Count:  series.count.Load(),
		})
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		return strings.Join(out[i].Labels, "\x00") < strings.Join(out[j].Labels, "\x00")
	})
	return out
}

func equalLabels(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// WritePrometheus renders the current metrics using the Prometheus text format.
func (s *Store) WritePrometheus(w io.Writer) error {
	snap := s.Snapshot()
	readyValue := 0
	if snap.Ready {
		readyValue = 1
	}
	reason := snap.ReadyReason
	switch {
	case snap.Ready:
		reason = "ready"
	case reason == "":
		reason = "unknown"
	}

	var b strings.Builder
	gauge := func(name, help string, value int64) {
		fmt.Fprintf(&b, "# HELP %s_%s %s\n# TYPE %s_%s gauge\n%s_%s %d\n", namespace, name, help, namespace, name, namespace, name, value)
	}
	counter := func(name, help string, value uint64) {
		fmt.Fprintf(&b, "# HELP %s_%s %s\n# TYPE %s_%s counter\n%s_%s %d\n", namespace, name, help, namespace, name, namespace, name, value)
	}
	labeled := func(name, help, kind string, keys []string, series []LabelCount) {
		fmt.Fprintf(&b, "# HELP %s_%s %s\n# TYPE %s_%s %s\n", namespace, name, help, namespace, name, kind)
		for _, lc := range series {
			pairs := make([]string, 0, len(keys))
			for i, k := range keys {
				if i < len(lc.Labels) {
					pairs = append(pairs, fmt.Sprintf("%s=%q", k, lc.Labels[i]))
				}
			}
			fmt.Fprintf(&b, "%s_%s{%s} %d\n", namespace, name, strings.Join(pairs, ","), lc.Count)
		}
	}

	gauge("queue_depth_number", "Number of outbound deliveries currently buffered in memory.", snap.QueueDepth)
	counter("queue_dropped_total", "Total outbound deliveries dropped due to queue pressure.", snap.QueueDroppedTotal)
	counter("queue_spilled_total", "Total outbound deliveries spilled to disk.", snap.QueueSpilledTotal)
	gauge("backfill_pending_bytes", "Bytes currently pending in backfill spill storage.", snap.BackfillPendingBytes)
	labeled("probes_total", "Probes executed by this node by resulting status.", "counter", []string{"status"}, snap.Probes)
	labeled("probe_skips_total", "Probe ticks skipped by reason.", "counter", []string{"reason"}, snap.ProbeSkips)
	labeled("ingest_total", "Inbound peer results by decision and rejection reason.", "counter", []string{"outcome", "reason"}, snap.Ingest)
	labeled("ingest_peer_rejections_total", "Inbound peer results rejected per reporting peer.", "counter", []string{"peer"}, snap.PeerRejections)
	labeled("status_transitions_total", "Aggregate status transitions by resulting status.", "counter", []string{"to"}, snap.StatusTransitions)
	labeled("events_total", "Node events recorded by type.", "counter", []string{"type"}, snap.Events)
	gauge("ready", "Whether the node considers itself ready (1=ready).", int64(readyValue))
	labeled("ready_info", "Reason associated with the most recent readiness evaluation.", "gauge", []string{"reason"}, []LabelCount{{Labels: []string{reason}, Count: 1}})
	labeled("ready_transitions_total", "Count of readiness state transitions by resulting state.", "counter", []string{"state"}, []LabelCount{
		{Labels: []string{"ready"}, Count: snap.ReadyTransitions},
		{Labels: []string{"not_ready"}, Count: snap.NotReadyTransitions},
	})
	cats := make([]LabelCount, 0, len(snap.ReadyCategories))
	for _, cat := range snap.ReadyCategories {
		cats = append(cats, LabelCount{Labels: []string{cat.Name, cat.Severity}, Count: 1})
	}
	sort.Slice(cats, func(i, j int) bool {
		return strings.Join(cats[i].Labels, "\x00") < strings.Join(cats[j].Labels, "\x00")
	})
	labeled("ready_categories_info", "Categories associated with the most recent readiness evaluation.", "gauge", []string{"category", "severity"}, cats)
	labeled("ready_category_transitions_total", "Count of readiness degradations annotated by category.", "counter", []string{"category", "severity"}, snap.CategoryTransitions)

	_, err := io.WriteString(w, b.String())
	return err
}

// NewHTTPHandler returns an http.Handler that serves Prometheus formatted metrics.
func NewHTTPHandler(store *Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		if r.Method == http.MethodHead {
			return
		}
		if err := store.WritePrometheus(w); err != nil {
			http.Error(w, "metrics unavailable", http.StatusInternalServerError)
		}
	})
}
