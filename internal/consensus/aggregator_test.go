package consensus

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/uppehq/node/internal/events"
	"github.com/uppehq/node/pkg/types"
)

type fixedAssignments map[string][]string

func (f fixedAssignments) Expected(monitorUUID string) ([]string, bool) {
	peers, ok := f[monitorUUID]
	return peers, ok
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func peers(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("peer-%d", i)
	}
	return out
}

func report(peer string, status types.Status, ts time.Time) types.Result {
	return types.Result{MonitorUUID: "m", PeerID: peer, Status: status, Timestamp: ts}
}

func newAggregator(assigned fixedAssignments, clk *clock, rec events.Recorder) *Aggregator {
	return New(Config{FreshnessWindow: time.Minute}, Dependencies{Assignments: assigned, Events: rec}, WithNow(clk.Now))
}

func TestMajorityWithUnsolicitedReports(t *testing.T) {
	clk := &clock{now: time.Unix(1_000, 0)}
	all := peers(7)
	agg := newAggregator(fixedAssignments{"m": all[:5]}, clk, nil)

	for _, p := range all[:5] {
		agg.Observe(report(p, types.StatusUp, clk.Now()))
	}
	for _, p := range all[5:] {
		agg.Observe(report(p, types.StatusDown, clk.Now()))
	}

	got := agg.StatusOf("m")
	if got.Status != types.StatusUp {
		t.Fatalf("expected up, got %s", got.Status)
	}
	if got.ContributingPeerCount != 7 {
		t.Fatalf("expected 7 contributors, got %d", got.ContributingPeerCount)
	}
	if got.Quorum != 3 || got.ExpectedReporters != 5 {
		t.Fatalf("unexpected quorum accounting: %+v", got)
	}
	if !got.LastUpdated.Equal(clk.Now()) {
		t.Fatalf("unexpected last updated %s", got.LastUpdated)
	}
}

func TestInsufficientQuorumIsUnknown(t *testing.T) {
	clk := &clock{now: time.Unix(1_000, 0)}
	assigned := peers(5)
	agg := newAggregator(fixedAssignments{"m": assigned}, clk, nil)

	agg.Observe(report(assigned[0], types.StatusDown, clk.Now()))
	if got := agg.StatusOf("m"); got.Status != types.StatusUnknown {
		t.Fatalf("expected unknown with 1 of 5, got %s", got.Status)
	}

	agg.Observe(report("outsider-1", types.StatusDown, clk.Now()))
	agg.Observe(report("outsider-2", types.StatusDown, clk.Now()))
	if got := agg.StatusOf("m"); got.Status != types.StatusUnknown {
		t.Fatalf("unsolicited reports must not satisfy quorum, got %s", got.Status)
	}
}

func TestStaleReportIgnored(t *testing.T) {
	clk := &clock{now: time.Unix(10_000, 0)}
	agg := newAggregator(fixedAssignments{"m": {"solo"}}, clk, nil)

	agg.Observe(report("solo", types.StatusDown, clk.Now().Add(-2*time.Minute)))
	got := agg.StatusOf("m")
	if got.Status != types.StatusUnknown || got.ContributingPeerCount != 0 {
		t.Fatalf("stale report affected status: %+v", got)
	}
}

func TestLatestNeverRegresses(t *testing.T) {
	clk := &clock{now: time.Unix(10_000, 0)}
	agg := newAggregator(fixedAssignments{"m": {"solo"}}, clk, nil)

	if !agg.Observe(report("solo", types.StatusUp, clk.Now())) {
		t.Fatalf("expected first report to be applied")
	}
	if agg.Observe(report("solo", types.StatusDown, clk.Now().Add(-10*time.Second))) {
		t.Fatalf("older report must not replace newer one")
	}
	if got := agg.StatusOf("m"); got.Status != types.StatusUp {
		t.Fatalf("expected up to survive late arrival, got %s", got.Status)
	}
}

func TestTieBreaksTowardSeverity(t *testing.T) {
	clk := &clock{now: time.Unix(10_000, 0)}
	all := peers(4)
	agg := newAggregator(fixedAssignments{"m": all}, clk, nil)

	agg.Observe(report(all[0], types.StatusUp, clk.Now()))
	agg.Observe(report(all[1], types.StatusUp, clk.Now()))
	agg.Observe(report(all[2], types.StatusDegraded, clk.Now()))
	agg.Observe(report(all[3], types.StatusDegraded, clk.Now()))
	if got := agg.StatusOf("m"); got.Status != types.StatusDegraded {
		t.Fatalf("expected degraded on up/degraded tie, got %s", got.Status)
	}

	agg.Observe(report(all[2], types.StatusTimeout, clk.Now().Add(time.Second)))
	agg.Observe(report(all[3], types.StatusError, clk.Now().Add(time.Second)))
	if got := agg.StatusOf("m"); got.Status != types.StatusDown {
		t.Fatalf("expected down on up/down tie, got %s", got.Status)
	}
}

func TestConfiguredTieBreak(t *testing.T) {
	clk := &clock{now: time.Unix(10_000, 0)}
	all := peers(2)
	agg := New(
		Config{FreshnessWindow: time.Minute, TieBreak: []types.Status{types.StatusUp, types.StatusDown}},
		Dependencies{Assignments: fixedAssignments{"m": all}},
		WithNow(clk.Now),
	)

	agg.Observe(report(all[0], types.StatusUp, clk.Now()))
	agg.Observe(report(all[1], types.StatusDown, clk.Now()))
	if got := agg.StatusOf("m"); got.Status != types.StatusUp {
		t.Fatalf("expected up when up is ordered first, got %s", got.Status)
	}
}

func TestPartialTieBreakIsCompletedDeterministically(t *testing.T) {
	if got := completeTieBreak([]types.Status{types.StatusUp, types.StatusUp}); len(got) != 3 ||
		got[0] != types.StatusUp || got[1] != types.StatusDown || got[2] != types.StatusDegraded {
		t.Fatalf("unexpected completed order %v", got)
	}

	for n := 0; n < 50; n++ {
		clk := &clock{now: time.Unix(10_000, 0)}
		all := peers(2)
		agg := New(
			Config{FreshnessWindow: time.Minute, TieBreak: []types.Status{types.StatusUp}},
			Dependencies{Assignments: fixedAssignments{"m": all}},
			WithNow(clk.Now),
		)
		agg.Observe(report(all[0], types.StatusDegraded, clk.Now()))
		agg.Observe(report(all[1], types.StatusDown, clk.Now()))
		if got := agg.StatusOf("m"); got.Status != types.StatusDown {
			t.Fatalf("run %d: expected down before degraded, got %s", n, got.Status)
		}
	}
}

func TestSweepKeepsQuorumBaseWithoutAssignment(t *testing.T) {
	clk := &clock{now: time.Unix(10_000, 0)}
	all := peers(3)
	agg := newAggregator(fixedAssignments{}, clk, nil)

	for _, p := range all {
		agg.Observe(report(p, types.StatusUp, clk.Now()))
	}
	clk.Advance(2 * time.Minute)
	agg.Observe(report(all[0], types.StatusDown, clk.Now()))

	before := agg.StatusOf("m")
	agg.Sweep()
	after := agg.StatusOf("m")
	if before.Status != types.StatusUnknown || after.Status != types.StatusUnknown {
		t.Fatalf("one fresh reporter of three must stay unknown, got %s then %s", before.Status, after.Status)
	}
	if after.ExpectedReporters != 3 || after.Quorum != 2 {
		t.Fatalf("sweep shrank the quorum base: %+v", after)
	}
}

func TestSingleLocalDownDoesNotOverrideMajority(t *testing.T) {
	clk := &clock{now: time.Unix(10_000, 0)}
	all := peers(3)
	agg := newAggregator(fixedAssignments{"m": all}, clk, nil)

	agg.Observe(report(all[0], types.StatusDown, clk.Now()))
	agg.Observe(report(all[1], types.StatusUp, clk.Now()))
	agg.Observe(report(all[2], types.StatusUp, clk.Now()))
	if got := agg.StatusOf("m"); got.Status != types.StatusUp {
		t.Fatalf("expected up, got %s", got.Status)
	}
}

func TestStatusDecaysAndRecordsTransitions(t *testing.T) {
	clk := &clock{now: time.Unix(10_000, 0)}
	ring := events.NewRing(8)
	agg := newAggregator(fixedAssignments{"m": {"a", "b"}}, clk, ring)

	agg.Observe(report("a", types.StatusUp, clk.Now()))
	agg.Observe(report("b", types.StatusUp, clk.Now()))
	if got := agg.StatusOf("m"); got.Status != types.StatusUp {
		t.Fatalf("expected up, got %s", got.Status)
	}

	clk.Advance(2 * time.Minute)
	agg.Sweep()
	if got := agg.StatusOf("m"); got.Status != types.StatusUnknown {
		t.Fatalf("expected decay to unknown, got %s", got.Status)
	}

	recorded := ring.Recent(0)
	if len(recorded) != 2 {
		t.Fatalf("expected two transitions, got %+v", recorded)
	}
	if recorded[0].Labels["to"] != "up" || recorded[1].Labels["to"] != "unknown" {
		t.Fatalf("unexpected transitions: %+v", recorded)
	}
}

func TestExplicitQuorumAndUnknownAssignment(t *testing.T) {
	clk := &clock{now: time.Unix(10_000, 0)}
	agg := New(Config{FreshnessWindow: time.Minute, Quorum: 2}, Dependencies{}, WithNow(clk.Now))

	agg.Observe(report("a", types.StatusDown, clk.Now()))
	if got := agg.StatusOf("m"); got.Status != types.StatusUnknown || got.Quorum != 2 {
		t.Fatalf("expected unknown below explicit quorum, got %+v", got)
	}
	agg.Observe(report("b", types.StatusDown, clk.Now()))
	if got := agg.StatusOf("m"); got.Status != types.StatusDown {
		t.Fatalf("expected down, got %s", got.Status)
	}

	agg.Forget("m")
	if got := agg.StatusOf("m"); got.Status != types.StatusUnknown || got.ContributingPeerCount != 0 {
		t.Fatalf("expected state to be forgotten, got %+v", got)
	}
}

func TestConcurrentObserveAndRead(t *testing.T) {
	clk := &clock{now: time.Unix(10_000, 0)}
	all := peers(8)
	agg := newAggregator(fixedAssignments{"m": all}, clk, nil)

	var wg sync.WaitGroup
	for i, p := range all {
		wg.Add(1)
		go func(i int, p string) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				agg.Observe(report(p, types.StatusUp, clk.Now().Add(time.Duration(j)*time.Millisecond)))
				_ = agg.StatusOf("m")
			}
		}(i, p)
	}
	wg.Wait()

	if got := agg.StatusOf("m"); got.Status != types.StatusUp || got.ContributingPeerCount != 8 {
		t.Fatalf("unexpected final status: %+v", got)
	}
}
