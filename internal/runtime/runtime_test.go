package runtime

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/uppehq/node/internal/metrics"
	"github.com/uppehq/node/internal/queue"
	"github.com/uppehq/node/internal/queue/persist"
	"github.com/uppehq/node/internal/scheduler"
	"github.com/uppehq/node/internal/worker"
	"github.com/uppehq/node/pkg/types"
)

func deliveringHandler(peerID string) HandlerFactory {
	return func(sched *scheduler.Scheduler, outbox *queue.DeliveryQueue) (worker.Handler, error) {
		return worker.HandlerFunc(func(ctx context.Context, job worker.Job) {
			if !sched.Release(job) {
				return
			}
			outbox.Enqueue(types.Delivery{
				PeerID: peerID,
				Result: types.Result{MonitorUUID: job.MonitorID, Timestamp: job.ScheduledFor, Status: types.StatusUp},
			})
		}), nil
	}
}

func TestRuntimeDeliversResults(t *testing.T) {
	rt, err := New(
		deliveringHandler("peer-b"),
		WithQueueCapacity(10),
		WithJobBuffer(10),
		WithTickResolution(10*time.Millisecond),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rt.Update([]scheduler.MonitorSpec{{MonitorID: "mon1", Cadence: 20 * time.Millisecond}})
	if rt.Scheduled() != 1 {
		t.Fatalf("expected one scheduled monitor, got %d", rt.Scheduled())
	}

	ctx, cancel := context.WithCancel(context.Background())
	wait := rt.Start(ctx)

	deadline := time.NewTimer(time.Second)
	defer deadline.Stop()

	for rt.Deliveries().Len() == 0 {
		select {
		case <-deadline.C:
			cancel()
			wait()
			t.Fatalf("timeout waiting for deliveries")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	wait()

	deliveries := rt.Deliveries().Drain(0)
	if len(deliveries) == 0 {
		t.Fatalf("expected deliveries in queue")
	}
	if deliveries[0].PeerID != "peer-b" || deliveries[0].Result.MonitorUUID != "mon1" {
		t.Fatalf("unexpected delivery %+v", deliveries[0])
	}

	rt.RemoveMonitor("mon1")
	if rt.Scheduled() != 0 {
		t.Fatalf("expected monitor to be removed")
	}
}

func TestRuntimeHandlerError(t *testing.T) {
	_, err := New(func(*scheduler.Scheduler, *queue.DeliveryQueue) (worker.Handler, error) {
		return nil, errors.New("no prober")
	})
	if err == nil || !strings.Contains(err.Error(), "no prober") {
		t.Fatalf("expected handler error, got %v", err)
	}
}

func TestRuntimeSpillIntegration(t *testing.T) {
	log, err := persist.Open(filepath.Join(t.TempDir(), "spill"), persist.Options{MaxBytes: 1 << 20, SegmentBytes: 512})
	if err != nil {
		t.Fatalf("open spill log: %v", err)
	}
	defer log.Close()

	store := metrics.NewStore()
	rt, err := New(
		deliveringHandler("peer-c"),
		WithQueueCapacity(2),
		WithSpill(log, 0.5),
		WithMetricsStore(store),
		WithTickResolution(5*time.Millisecond),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rt.Update([]scheduler.MonitorSpec{{MonitorID: "mon-spill", Cadence: 10 * time.Millisecond}})

	ctx, cancel := context.WithCancel(context.Background())
	wait := rt.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for log.Pending() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	wait()

	batch, err := log.Peek(10)
	if err != nil {
		t.Fatalf("Peek: %v", err)
	}
	if len(batch.Deliveries) == 0 {
		t.Fatalf("expected spilled deliveries")
	}
	if batch.Deliveries[0].PeerID != "peer-c" {
		t.Fatalf("unexpected spilled delivery %+v", batch.Deliveries[0])
	}
}
