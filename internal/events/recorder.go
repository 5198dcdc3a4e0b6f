package events

import (
	"log"
	"sort"
	"strings"
	"sync"

	"github.com/uppehq/node/pkg/types"
)

type Recorder interface {
	Record(event types.Event)
}

type NoopRecorder struct{}

func (NoopRecorder) Record(event types.Event) {}

type Multi struct {
	recorders []Recorder
}

func NewMulti(recorders ...Recorder) Multi {
	return Multi{recorders: recorders}
}

func (m Multi) Record(event types.Event) {
	for _, rec := range m.recorders {
		if rec != nil {
			rec.Record(event)
		}
	}
}

// LogRecorder writes one line per event.
type LogRecorder struct {
	Logger *log.Logger
}

func (r LogRecorder) Record(event types.Event) {
	if r.Logger == nil {
		return
	}
	var b strings.Builder
	b.WriteString("event type=")
	b.WriteString(string(event.Type))
	if event.MonitorID != "" {
		b.WriteString(" monitor=")
		b.WriteString(event.MonitorID)
	}
	if event.PeerID != "" {
		b.WriteString(" peer=")
		b.WriteString(event.PeerID)
	}
	keys := make([]string, 0, len(event.Labels))
	for k := range event.Labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString(" ")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(event.Labels[k])
	}
	r.Logger.Print(b.String())
}

// Ring keeps the most recent events in memory for the status endpoint.
type Ring struct {
	mu     sync.Mutex
	size   int
	events []types.Event
}

func NewRing(size int) *Ring {
	if size <= 0 {
		size = 256
	}
	return &Ring{size: size}
}

func (r *Ring) Record(event types.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == r.size {
		copy(r.events, r.events[1:])
		r.events = r.events[:len(r.events)-1]
	}
	r.events = append(r.events, event)
}

// Recent returns up to limit events, newest last.
func (r *Ring) Recent(limit int) []types.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	start := 0
	if limit > 0 && len(r.events) > limit {
		start = len(r.events) - limit
	}
	out := make([]types.Event, len(r.events)-start)
	copy(out, r.events[start:])
	return out
}
