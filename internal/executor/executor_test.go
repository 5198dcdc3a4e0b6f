package executor

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/uppehq/node/internal/consensus"
	"github.com/uppehq/node/internal/identity"
	"github.com/uppehq/node/internal/probe"
	"github.com/uppehq/node/internal/scheduler"
	"github.com/uppehq/node/internal/store"
	"github.com/uppehq/node/internal/worker"
	"github.com/uppehq/node/pkg/types"
)

type releaser struct{ ok bool }

func (r releaser) Release(worker.Job) bool { return r.ok }

type outbox struct {
	mu         sync.Mutex
	deliveries []types.Delivery
}

func (o *outbox) Enqueue(d types.Delivery) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.deliveries = append(o.deliveries, d)
	return false
}

type assignments map[string][]string

func (a assignments) Assignment(id string) (types.Assignment, bool) {
	peers, ok := a[id]
	return types.Assignment{MonitorUUID: id, Peers: peers}, ok
}

func (a assignments) Expected(id string) ([]string, bool) {
	peers, ok := a[id]
	return peers, ok
}

type probeCounter struct {
	mu       sync.Mutex
	statuses []string
	skips    []string
}

func (p *probeCounter) ObserveProbe(status string) {
	p.mu.Lock()
	p.statuses = append(p.statuses, status)
	p.mu.Unlock()
}

func (p *probeCounter) IncProbeSkips(reason string) {
	p.mu.Lock()
	p.skips = append(p.skips, reason)
	p.mu.Unlock()
}

func (p *probeCounter) counts() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.statuses), len(p.skips)
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

func testMonitor(owner string) types.Monitor {
	return types.Monitor{
		UUID:            "3c1f4b8e-5a6d-4e7f-8a9b-0c1d2e3f4a5b",
		Name:            "api",
		Target:          "https://example.com/health",
		CheckType:       types.CheckHTTP,
		IntervalSeconds: 60,
		TimeoutSeconds:  5,
		Enabled:         true,
		OwnerPeerID:     owner,
	}
}

func TestClassifyOutcomes(t *testing.T) {
	e := &Executor{cfg: Config{DegradedThreshold: 500 * time.Millisecond}}
	cases := []struct {
		out  probe.Outcome
		want types.Status
	}{
		{probe.Outcome{Success: true, LatencyMs: types.Int64(120)}, types.StatusUp},
		{probe.Outcome{Success: true, LatencyMs: types.Int64(900)}, types.StatusDegraded},
		{probe.Outcome{TimedOut: true, Err: context.DeadlineExceeded}, types.StatusTimeout},
		{probe.Outcome{StatusCode: types.Int(503)}, types.StatusDown},
		{probe.Outcome{Err: errors.New("connection refused")}, types.StatusError},
	}
	for _, c := range cases {
		if got := e.classify(c.out); got != c.want {
			t.Fatalf("classify(%+v) = %s, want %s", c.out, got, c.want)
		}
	}
}

func TestHandleSignsStoresAndRoutes(t *testing.T) {
	id, err := identity.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	m := testMonitor("owner-peer")
	st := store.NewMemoryStore()
	box := &outbox{}
	rec := &probeCounter{}
	now := time.Unix(1_700_000_000, 123_456_789).UTC()

	exec, err := New(Config{Location: types.Location{Country: "FR", Region: "Europe"}}, Dependencies{
		Prober: probe.ProberFunc(func(ctx context.Context, req probe.Request) probe.Outcome {
			if req.Target != m.Target || req.Timeout != 5*time.Second {
				t.Errorf("unexpected request %+v", req)
			}
			return probe.Outcome{Success: true, StatusCode: types.Int(200), LatencyMs: types.Int64(42)}
		}),
		Releaser:    releaser{ok: true},
		Signer:      id,
		Assignments: assignments{m.UUID: {id.PeerID(), "peer-b", "owner-peer"}},
		Store:       st,
		Outbox:      box,
		Metrics:     rec,
	}, WithNow(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	exec.Handle(context.Background(), worker.Job{MonitorID: m.UUID, Monitor: m})

	results, err := st.ListResults(context.Background(), store.ResultQuery{MonitorUUID: m.UUID})
	if err != nil || len(results) != 1 {
		t.Fatalf("expected one stored result, got %d %v", len(results), err)
	}
	r := results[0]
	if r.Status != types.StatusUp || r.PeerID != id.PeerID() || r.Country != "FR" {
		t.Fatalf("unexpected result %+v", r)
	}
	if !r.Timestamp.Equal(now.Truncate(time.Microsecond)) {
		t.Fatalf("expected microsecond timestamp, got %v", r.Timestamp)
	}
	if err := identity.VerifyResult(identity.Ed25519Verifier{}, r); err != nil {
		t.Fatalf("stored result does not verify: %v", err)
	}

	if len(box.deliveries) != 2 || box.deliveries[0].PeerID != "owner-peer" || box.deliveries[1].PeerID != "peer-b" {
		t.Fatalf("expected delivery to owner then co-assigned peer, got %+v", box.deliveries)
	}
	if probes, skips := rec.counts(); probes != 1 || skips != 0 {
		t.Fatalf("unexpected probe metrics %d/%d", probes, skips)
	}
}

func TestLongErrorMessageVerifiesAfterJSONTransit(t *testing.T) {
	id, err := identity.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	m := testMonitor(id.PeerID())
	st := store.NewMemoryStore()
	exec, err := New(Config{}, Dependencies{
		Prober: probe.ProberFunc(func(context.Context, probe.Request) probe.Outcome {
			return probe.Outcome{Err: errors.New(strings.Repeat("a", maxErrorMessage-1) + "é tail \xff")}
		}),
		Releaser:    releaser{ok: true},
		Signer:      id,
		Assignments: assignments{m.UUID: {id.PeerID()}},
		Store:       st,
		Outbox:      &outbox{},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	exec.Handle(context.Background(), worker.Job{MonitorID: m.UUID, Monitor: m})

	results, err := st.ListResults(context.Background(), store.ResultQuery{MonitorUUID: m.UUID})
	if err != nil || len(results) != 1 {
		t.Fatalf("expected one stored result, got %d %v", len(results), err)
	}
	msg := results[0].ErrorMessage
	if len(msg) > maxErrorMessage || !utf8.ValidString(msg) || msg != strings.Repeat("a", maxErrorMessage-1) {
		t.Fatalf("unexpected truncation: %d bytes, valid=%t", len(msg), utf8.ValidString(msg))
	}

	data, err := json.Marshal(results[0])
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var received types.Result
	if err := json.Unmarshal(data, &received); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if err := identity.VerifyResult(identity.Ed25519Verifier{}, received); err != nil {
		t.Fatalf("result no longer verifies after JSON transit: %v", err)
	}
}

func TestTruncateMessage(t *testing.T) {
	if got := truncateMessage("héllo", 2); got != "h" {
		t.Fatalf("expected cut before multi-byte rune, got %q", got)
	}
	if got := truncateMessage("ok\xffok", 16); got != "ok\uFFFDok" {
		t.Fatalf("expected invalid bytes replaced, got %q", got)
	}
	if got := truncateMessage("short", 16); got != "short" {
		t.Fatalf("unexpected %q", got)
	}
}

func TestHandleDiscardsResultWhenReleaseFails(t *testing.T) {
	id, _ := identity.Generate()
	st := store.NewMemoryStore()
	rec := &probeCounter{}
	exec, err := New(Config{}, Dependencies{
		Prober: probe.ProberFunc(func(context.Context, probe.Request) probe.Outcome {
			return probe.Outcome{Success: true}
		}),
		Releaser: releaser{ok: false},
		Signer:   id,
		Store:    st,
		Metrics:  rec,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	m := testMonitor(id.PeerID())
	exec.Handle(context.Background(), worker.Job{MonitorID: m.UUID, Monitor: m})

	results, _ := st.ListResults(context.Background(), store.ResultQuery{MonitorUUID: m.UUID})
	if len(results) != 0 {
		t.Fatalf("stale job result must be discarded, got %d", len(results))
	}
	if _, skips := rec.counts(); skips != 1 {
		t.Fatalf("expected abandoned skip recorded")
	}
}

func TestDisablingMidCycleHaltsProbesAndStatusDecays(t *testing.T) {
	id, _ := identity.Generate()
	m := testMonitor(id.PeerID())
	clk := &clock{now: time.Now().UTC()}
	st := store.NewMemoryStore()
	rec := &probeCounter{}
	assigned := assignments{m.UUID: {id.PeerID()}}
	agg := consensus.New(consensus.Config{FreshnessWindow: time.Minute, Quorum: 1},
		consensus.Dependencies{Assignments: assigned}, consensus.WithNow(clk.Now))

	jobs := make(chan worker.Job, 4)
	sched := scheduler.New(jobs, scheduler.WithTickResolution(5*time.Millisecond))

	var calls int
	var mu sync.Mutex
	inFlight := make(chan struct{}, 1)
	prober := probe.ProberFunc(func(ctx context.Context, req probe.Request) probe.Outcome {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			return probe.Outcome{Success: true, LatencyMs: types.Int64(10)}
		}
		inFlight <- struct{}{}
		<-ctx.Done()
		return probe.Outcome{Err: ctx.Err()}
	})

	exec, err := New(Config{}, Dependencies{
		Prober:      prober,
		Releaser:    sched,
		Signer:      id,
		Assignments: assigned,
		Store:       st,
		Aggregator:  agg,
		Metrics:     rec,
	}, WithNow(clk.Now))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	handled := make(chan struct{}, 4)
	pool := worker.NewPool(jobs, worker.HandlerFunc(func(ctx context.Context, job worker.Job) {
		exec.Handle(ctx, job)
		handled <- struct{}{}
	}), worker.WithWorkerCount(1))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wg := pool.Start(ctx)
	go sched.Start(ctx)
	sched.Update([]scheduler.MonitorSpec{{MonitorID: m.UUID, Monitor: m, Cadence: 20 * time.Millisecond}})

	waitFor(t, handled, "first probe")
	if got := agg.StatusOf(m.UUID).Status; got != types.StatusUp {
		t.Fatalf("expected up after first probe, got %s", got)
	}

	waitFor(t, inFlight, "second probe in flight")
	sched.Update(nil)
	waitFor(t, handled, "abandoned probe")

	time.Sleep(80 * time.Millisecond)
	mu.Lock()
	total := calls
	mu.Unlock()
	if total != 2 {
		t.Fatalf("expected probing to stop after disable, got %d calls", total)
	}
	results, _ := st.ListResults(context.Background(), store.ResultQuery{MonitorUUID: m.UUID})
	if len(results) != 1 {
		t.Fatalf("abandoned probe must not produce a result, got %d", len(results))
	}
	if _, skips := rec.counts(); skips != 1 {
		t.Fatalf("expected one abandoned skip, got %d", skips)
	}

	clk.Advance(2 * time.Minute)
	agg.Sweep()
	if got := agg.StatusOf(m.UUID).Status; got != types.StatusUnknown {
		t.Fatalf("expected status to decay to unknown, got %s", got)
	}

	cancel()
	wg.Wait()
}

func waitFor(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}
