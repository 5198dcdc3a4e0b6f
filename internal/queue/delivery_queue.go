// Package queue buffers outbound result deliveries between the executor and the
// peer transmitter.
package queue

import (
	"sync"
	"time"

	"github.com/uppehq/node/internal/events"
	"github.com/uppehq/node/internal/metrics"
	"github.com/uppehq/node/internal/queue/persist"
	"github.com/uppehq/node/pkg/types"
)

// DeliveryQueue is a bounded FIFO. When full it moves the oldest entries to the
// attached spill log, and drops them only when no spill log can take them.
type DeliveryQueue struct {
	mu        sync.Mutex
	capacity  int
	items     []types.Delivery
	spill     *persist.Log
	threshold int
	spilled   uint64
	dropped   uint64
	events    events.Recorder
	metrics   metrics.QueueRecorder
}

type Stats struct {
	Len     int
	Dropped uint64
	Spilled uint64
}

func NewDeliveryQueue(capacity int) *DeliveryQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &DeliveryQueue{
		capacity: capacity,
		items:    make([]types.Delivery, 0, capacity),
		events:   events.NoopRecorder{},
		metrics:  metrics.NoopQueueRecorder{},
	}
}

// AttachSpill starts spilling once the queue holds thresholdRatio of its capacity.
func (q *DeliveryQueue) AttachSpill(log *persist.Log, thresholdRatio float64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.spill = log
	if thresholdRatio <= 0 || thresholdRatio > 1 {
		thresholdRatio = 0.8
	}
	q.threshold = int(float64(q.capacity) * thresholdRatio)
	if q.threshold < 1 {
		q.threshold = q.capacity
	}
}

func (q *DeliveryQueue) SetEventRecorder(rec events.Recorder) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if rec == nil {
		rec = events.NoopRecorder{}
	}
	q.events = rec
}

func (q *DeliveryQueue) SetMetricsRecorder(rec metrics.QueueRecorder) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if rec == nil {
		rec = metrics.NoopQueueRecorder{}
	}
	q.metrics = rec
}

// Enqueue appends d and reports whether an older delivery had to be dropped.
func (q *DeliveryQueue) Enqueue(d types.Delivery) (dropped bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.spill != nil {
		for len(q.items) >= q.threshold && q.spillOldestLocked() {
		}
	}
	if len(q.items) >= q.capacity {
		oldest := q.items[0]
		q.items = q.items[1:]
		q.dropLocked(oldest)
		dropped = true
	}
	q.items = append(q.items, d)
	q.metrics.ObserveQueueDepth(len(q.items))
	return dropped
}

func (q *DeliveryQueue) Drain(max int) []types.Delivery {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.items)
	if max > 0 && max < n {
		n = max
	}
	drained := make([]types.Delivery, n)
	copy(drained, q.items[:n])
	q.items = q.items[n:]
	q.metrics.ObserveQueueDepth(len(q.items))
	return drained
}

func (q *DeliveryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *DeliveryQueue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{Len: len(q.items), Dropped: q.dropped, Spilled: q.spilled}
}

func (q *DeliveryQueue) spillOldestLocked() bool {
	if len(q.items) == 0 {
		return false
	}
	oldest := q.items[0]
	q.items = q.items[1:]
	if err := q.spill.Append(oldest); err != nil {
		q.dropLocked(oldest)
		return false
	}
	q.spilled++
	q.record(types.EventQueueSpill, oldest)
	q.metrics.IncQueueSpills()
	q.metrics.ObserveQueueDepth(len(q.items))
	return true
}

func (q *DeliveryQueue) dropLocked(d types.Delivery) {
	q.dropped++
	q.record(types.EventQueueDrop, d)
	q.metrics.IncQueueDrops()
}

func (q *DeliveryQueue) record(eventType types.EventType, d types.Delivery) {
	q.events.Record(types.Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		MonitorID: d.Result.MonitorUUID,
		PeerID:    d.PeerID,
	})
}
