package health

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/uppehq/node/internal/metrics"
)

func TestCheckerReadyConditions(t *testing.T) {
	store := metrics.NewStore()
	checker := NewChecker(store, 10, 30*time.Second)

	now := time.Unix(1000, 0).UTC()
	ready, reasons := checker.Ready(now)
	if ready {
		t.Fatalf("expected not ready without monitor sync")
	}
	if len(reasons) == 0 || reasons[0] != "monitors not yet synced" {
		t.Fatalf("unexpected reasons: %v", reasons)
	}
	snap := store.Snapshot()
	if snap.Ready {
		t.Fatalf("expected readiness gauge to be false")
	}
	if !containsCategoryWithSeverity(snap.ReadyCategories, categorySyncPending, severityInfo) {
		t.Fatalf("expected SYNC_PENDING category, got %+v", snap.ReadyCategories)
	}

	checker.ObserveMonitorSync(now, nil)
	ready, _ = checker.Ready(now)
	if !ready {
		t.Fatalf("expected ready after successful sync")
	}
	if snap = store.Snapshot(); !snap.Ready || snap.ReadyTransitions != 1 {
		t.Fatalf("expected one ready transition, got %+v", snap)
	}

	store.QueueRecorder().ObserveQueueDepth(10)
	ready, reasons = checker.Ready(now)
	if ready {
		t.Fatalf("expected not ready when queue at capacity")
	}
	if reasons[0] != "queue capacity exceeded" {
		t.Fatalf("unexpected reasons: %v", reasons)
	}
	snap = store.Snapshot()
	if snap.NotReadyTransitions != 1 {
		t.Fatalf("expected one not-ready transition, got %+v", snap)
	}
	if !containsCategoryWithSeverity(snap.ReadyCategories, categoryQueuePressure, severityWarning) {
		t.Fatalf("expected QUEUE_PRESSURE category, got %+v", snap.ReadyCategories)
	}

	store.QueueRecorder().ObserveQueueDepth(0)
	staleNow := now.Add(time.Minute)
	ready, _ = checker.Ready(staleNow)
	if ready {
		t.Fatalf("expected not ready when sync stale")
	}
	if snap = store.Snapshot(); !strings.Contains(snap.ReadyReason, "monitor sync stale") {
		t.Fatalf("expected stale reason, got %q", snap.ReadyReason)
	}

	checker.ObserveMonitorSync(staleNow, errors.New("store closed"))
	ready, reasons = checker.Ready(staleNow)
	if ready {
		t.Fatalf("expected not ready after sync failure")
	}
	if reasons[len(reasons)-1] != "monitor sync failing: store closed" {
		t.Fatalf("expected failure reason, got %v", reasons)
	}
	if !containsCategoryWithSeverity(store.Snapshot().ReadyCategories, categorySyncError, severityCritical) {
		t.Fatalf("expected SYNC_ERROR category")
	}

	recovery := staleNow.Add(2 * time.Second)
	checker.ObserveMonitorSync(recovery, nil)
	ready, _ = checker.Ready(recovery)
	if !ready {
		t.Fatalf("expected ready after recovery")
	}
	snap = store.Snapshot()
	if snap.ReadyTransitions != 2 || snap.NotReadyTransitions != 1 {
		t.Fatalf("expected counters (2,1) after recovery, got %+v", snap)
	}
	if len(snap.ReadyCategories) != 0 {
		t.Fatalf("expected no categories after recovery, got %+v", snap.ReadyCategories)
	}
}

func TestCheckerPeersOffline(t *testing.T) {
	store := metrics.NewStore()
	checker := NewChecker(store, 0, 0)
	ref := time.Unix(2000, 0).UTC()
	checker.ObserveMonitorSync(ref, nil)

	checker.ObservePeers(0, 0)
	if ready, reasons := checker.Ready(ref); !ready {
		t.Fatalf("a node without configured peers should be ready, got %v", reasons)
	}

	checker.ObservePeers(0, 3)
	ready, reasons := checker.Ready(ref)
	if ready {
		t.Fatalf("expected not ready with all peers offline")
	}
	if reasons[0] != "no peers online (0/3)" {
		t.Fatalf("unexpected reasons: %v", reasons)
	}
	if !containsCategoryWithSeverity(store.Snapshot().ReadyCategories, categoryPeersOffline, severityWarning) {
		t.Fatalf("expected PEERS_OFFLINE category")
	}

	checker.ObservePeers(1, 3)
	if ready, _ := checker.Ready(ref); !ready {
		t.Fatalf("expected ready once a peer is online")
	}
}

func TestCheckerStoreError(t *testing.T) {
	checker := NewChecker(nil, 0, 0)
	ref := time.Unix(3000, 0).UTC()
	checker.ObserveMonitorSync(ref, nil)

	checker.ObserveStore(errors.New("database is locked"))
	ready, reasons := checker.Ready(ref)
	if ready || reasons[0] != "store unavailable: database is locked" {
		t.Fatalf("unexpected readiness: %v %v", ready, reasons)
	}
	checker.ObserveStore(nil)
	if ready, _ := checker.Ready(ref); !ready {
		t.Fatalf("expected ready after store recovers")
	}
}

func containsCategoryWithSeverity(categories []metrics.ReadinessCategory, name, severity string) bool {
	for _, c := range categories {
		if c.Name == name && c.Severity == severity {
			return true
		}
	}
	return false
}
