package transmit

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/uppehq/node/internal/backfill"
	"github.com/uppehq/node/internal/queue"
	"github.com/uppehq/node/internal/queue/persist"
	"github.com/uppehq/node/pkg/types"
)

func delivery(peer, monitor string, ts time.Time) types.Delivery {
	return types.Delivery{PeerID: peer, Result: types.Result{MonitorUUID: monitor, Timestamp: ts}}
}

func TestTransmitterReplaysBackfill(t *testing.T) {
	log, err := persist.Open(filepath.Join(t.TempDir(), "spill"), persist.Options{})
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer log.Close()
	if err := log.Append(delivery("peer-a", "bf-1", time.Now())); err != nil {
		t.Fatalf("append: %v", err)
	}

	ctrl := backfill.New(log, backfill.WithRate(1000, 1000))
	sink := newRecordingSink(nil)
	tx := New(queue.NewDeliveryQueue(4), sink, WithBackfill(ctrl), WithIdleSleep(10*time.Millisecond), WithRetrySleep(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() {
		errCh <- tx.Run(ctx)
	}()

	batch, ok := sink.waitForBatch(1, time.Second)
	if !ok {
		t.Fatalf("expected backfill batch delivered")
	}
	if len(batch) != 1 || batch[0].Result.MonitorUUID != "bf-1" {
		t.Fatalf("unexpected batch contents: %+v", batch)
	}
	waitUntil(t, time.Second, func() bool { return ctrl.PendingBytes() == 0 })

	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}
}

func TestTransmitterRequeuesOnlyFailedDeliveries(t *testing.T) {
	q := queue.NewDeliveryQueue(8)
	sink := newRecordingSink(map[string]int{"peer-down": 1})
	tx := New(q, sink, WithIdleSleep(5*time.Millisecond), WithRetrySleep(5*time.Millisecond))

	now := time.Now()
	q.Enqueue(delivery("peer-up", "m1", now))
	q.Enqueue(delivery("peer-down", "m1", now))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() {
		errCh <- tx.Run(ctx)
	}()

	first, ok := sink.waitForBatch(1, time.Second)
	if !ok || len(first) != 2 {
		t.Fatalf("expected first batch with both deliveries, got %+v", first)
	}
	second, ok := sink.waitForBatch(2, time.Second)
	if !ok || len(second) != 1 || second[0].PeerID != "peer-down" {
		t.Fatalf("expected only failed delivery to be retried, got %+v", second)
	}

	cancel()
	<-errCh
}

func TestTransmitterHonoursBatchSize(t *testing.T) {
	q := queue.NewDeliveryQueue(8)
	sink := newRecordingSink(nil)
	tx := New(q, sink, WithBatchSize(2), WithIdleSleep(5*time.Millisecond))

	now := time.Now()
	for _, id := range []string{"m1", "m2", "m3"} {
		q.Enqueue(delivery("peer-a", id, now))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() {
		errCh <- tx.Run(ctx)
	}()

	first, ok := sink.waitForBatch(1, time.Second)
	if !ok || len(first) != 2 {
		t.Fatalf("expected first batch of 2, got %+v", first)
	}
	second, ok := sink.waitForBatch(2, time.Second)
	if !ok || len(second) != 1 {
		t.Fatalf("expected remainder in second batch, got %+v", second)
	}

	cancel()
	<-errCh
}

func TestTransmitterDropsStaleDeliveries(t *testing.T) {
	now := time.Unix(10_000, 0)
	q := queue.NewDeliveryQueue(8)
	sink := newRecordingSink(nil)
	tx := New(q, sink, WithMaxAge(time.Minute), WithNow(func() time.Time { return now }))

	q.Enqueue(delivery("peer", "old", now.Add(-2*time.Minute)))
	q.Enqueue(delivery("peer", "new", now))

	if !tx.flushQueue(context.Background()) {
		t.Fatalf("expected a send")
	}
	batch, ok := sink.waitForBatch(1, time.Second)
	if !ok || len(batch) != 1 || batch[0].Result.MonitorUUID != "new" {
		t.Fatalf("expected stale delivery to be dropped, got %+v", batch)
	}
}

type recordingSink struct {
	mu       sync.Mutex
	batches  [][]types.Delivery
	failures map[string]int
	notify   chan struct{}
}

func newRecordingSink(failures map[string]int) *recordingSink {
	return &recordingSink{failures: failures, notify: make(chan struct{}, 16)}
}

func (s *recordingSink) Send(ctx context.Context, deliveries []types.Delivery) ([]types.Delivery, error) {
	s.mu.Lock()
	s.batches = append(s.batches, append([]types.Delivery(nil), deliveries...))
	var failed []types.Delivery
	for _, d := range deliveries {
		if s.failures[d.PeerID] > 0 {
			s.failures[d.PeerID]--
			failed = append(failed, d)
		}
	}
	s.mu.Unlock()
	s.notify <- struct{}{}
	if len(failed) > 0 {
		return failed, errors.New("peer unreachable")
	}
	return nil, nil
}

func (s *recordingSink) waitForBatch(n int, timeout time.Duration) ([]types.Delivery, bool) {
	deadline := time.After(timeout)
	for {
		s.mu.Lock()
		if len(s.batches) >= n {
			batch := s.batches[n-1]
			s.mu.Unlock()
			return batch, true
		}
		s.mu.Unlock()
		select {
		case <-s.notify:
		case <-deadline:
			return nil, false
		}
	}
}

func waitUntil(t *testing.T, timeout time.Duration, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}
