package metrics

// QueueRecorder observes the outbound delivery queue.
type QueueRecorder interface {
	ObserveQueueDepth(depth int)
	IncQueueDrops()
	IncQueueSpills()
}

type NoopQueueRecorder struct{}

func (NoopQueueRecorder) ObserveQueueDepth(depth int) {}
func (NoopQueueRecorder) IncQueueDrops()              {}
func (NoopQueueRecorder) IncQueueSpills()             {}

// BackfillRecorder observes spilled bytes awaiting replay.
type BackfillRecorder interface {
	ObservePendingBytes(bytes int64)
}

type NoopBackfillRecorder struct{}

func (NoopBackfillRecorder) ObservePendingBytes(bytes int64) {}

// ProbeRecorder observes locally executed probes.
type ProbeRecorder interface {
	ObserveProbe(status string)
	IncProbeSkips(reason string)
}

type NoopProbeRecorder struct{}

func (NoopProbeRecorder) ObserveProbe(status string)  {}
func (NoopProbeRecorder) IncProbeSkips(reason string) {}

// IngestRecorder observes decisions taken on inbound peer results.
// Outcome is one of accepted, duplicate or rejected; reason is empty unless rejected.
type IngestRecorder interface {
	ObserveIngest(peerID, outcome, reason string)
}

type NoopIngestRecorder struct{}

func (NoopIngestRecorder) ObserveIngest(peerID, outcome, reason string) {}
