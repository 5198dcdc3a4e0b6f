package backfill

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/uppehq/node/internal/queue/persist"
	"github.com/uppehq/node/pkg/types"
)

type pendingRecorder struct {
	last int64
}

func (p *pendingRecorder) ObservePendingBytes(bytes int64) {
	p.last = bytes
}

func openLog(t *testing.T, n int) *persist.Log {
	t.Helper()
	log, err := persist.Open(filepath.Join(t.TempDir(), "spill"), persist.Options{MaxBytes: 1 << 20, SegmentBytes: 4096})
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	t.Cleanup(func() { log.Close() })
	for i := 0; i < n; i++ {
		if err := log.Append(types.Delivery{PeerID: "peer", Result: types.Result{MonitorUUID: "m"}}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	return log
}

func TestControllerNextAndAck(t *testing.T) {
	log := openLog(t, 2)
	rec := &pendingRecorder{}
	ctrl := New(log, WithRate(1000, 1000), WithMaxBatch(5), WithMetrics(rec))
	if rec.last == 0 {
		t.Fatalf("expected pending bytes to be observed at construction")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	batch, err := ctrl.Next(ctx, 10)
	if err != nil {
		t.Fatalf("Next returned error: %v", err)
	}
	if len(batch.Deliveries) != 2 {
		t.Fatalf("expected 2 deliveries got %d", len(batch.Deliveries))
	}
	if err := ctrl.Ack(batch); err != nil {
		t.Fatalf("Ack returned error: %v", err)
	}
	if pending := ctrl.PendingBytes(); pending != 0 || rec.last != 0 {
		t.Fatalf("expected pending bytes 0 got %d (observed %d)", pending, rec.last)
	}

	empty, err := ctrl.Next(ctx, 10)
	if err != nil || len(empty.Deliveries) != 0 {
		t.Fatalf("expected empty batch, got %+v err=%v", empty, err)
	}
}

func TestControllerRateLimit(t *testing.T) {
	log := openLog(t, 4)
	ctrl := New(log, WithRate(1, 2))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	first, err := ctrl.Next(ctx, 10)
	if err != nil {
		t.Fatalf("first Next: %v", err)
	}
	if len(first.Deliveries) != 2 {
		t.Fatalf("expected batch capped at burst, got %d", len(first.Deliveries))
	}
	if err := ctrl.Ack(first); err != nil {
		t.Fatalf("Ack: %v", err)
	}

	short, cancelShort := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancelShort()
	if _, err := ctrl.Next(short, 10); err == nil {
		t.Fatalf("expected limiter to block until deadline")
	}
}
