package directory

import (
	"testing"
	"time"

	"github.com/uppehq/node/internal/events"
	"github.com/uppehq/node/pkg/types"
)

func TestDirectoryIncludesLocalNodeOnline(t *testing.T) {
	dir := New("local", []Peer{{PeerID: "B", Address: "http://b:7600/"}})
	set := dir.Snapshot()
	if len(set.Peers) != 2 {
		t.Fatalf("expected local plus one peer, got %+v", set.Peers)
	}
	local, ok := set.Lookup("local")
	if !ok || !local.Online {
		t.Fatalf("expected local node online, got %+v", local)
	}
	remote, ok := set.Lookup("b")
	if !ok || remote.Online {
		t.Fatalf("configured peers start offline until heard from, got %+v", remote)
	}
	if addr, ok := dir.Address("b"); !ok || addr != "http://b:7600" {
		t.Fatalf("unexpected address %q", addr)
	}
}

func TestDirectoryLivenessBumpsVersion(t *testing.T) {
	now := time.Unix(1_000, 0).UTC()
	ring := events.NewRing(8)
	dir := New("local", []Peer{{PeerID: "b", Address: "http://b"}},
		WithNow(func() time.Time { return now }),
		WithOfflineAfter(time.Minute),
		WithEvents(ring),
	)
	v0 := dir.Snapshot().Version

	if !dir.Observe("b", "", []string{"203.0.113.7:7600"}) {
		t.Fatalf("expected configured peer tracked")
	}
	set := dir.Snapshot()
	if set.Version == v0 {
		t.Fatalf("expected version bump when a peer comes online")
	}
	if p, _ := set.Lookup("b"); !p.Online || len(p.AddressHints) != 1 {
		t.Fatalf("expected peer online with hints, got %+v", p)
	}
	if online, known := dir.Counts(); online != 1 || known != 1 {
		t.Fatalf("unexpected counts %d/%d", online, known)
	}

	v1 := set.Version
	dir.Observe("b", "", nil)
	if dir.Snapshot().Version != v1 {
		t.Fatalf("repeated heartbeats must not change the version")
	}

	now = now.Add(2 * time.Minute)
	if n := dir.Sweep(); n != 1 {
		t.Fatalf("expected one peer marked offline, got %d", n)
	}
	if p, _ := dir.Snapshot().Lookup("b"); p.Online {
		t.Fatalf("expected peer offline after silence")
	}
	recent := ring.Recent(2)
	if len(recent) != 2 || recent[0].Type != types.EventPeerOnline || recent[1].Type != types.EventPeerOffline {
		t.Fatalf("unexpected liveness events: %+v", recent)
	}
}

func TestDirectoryDiscovery(t *testing.T) {
	closed := New("local", nil)
	if closed.Observe("stranger", "http://s", nil) {
		t.Fatalf("unknown peers must be ignored without discovery")
	}
	open := New("local", nil, WithDiscovery(true))
	if !open.Observe("stranger", "http://s", nil) {
		t.Fatalf("expected stranger admitted with discovery")
	}
	if remotes := open.Remotes(); len(remotes) != 1 || remotes[0].Address != "http://s" {
		t.Fatalf("unexpected remotes %+v", remotes)
	}
	if open.Observe("local", "http://x", nil) {
		t.Fatalf("the local node must never be observed as a remote")
	}
}

func TestDirectoryKnown(t *testing.T) {
	dir := New("local", []Peer{{PeerID: "B", Address: "http://b"}}, WithDiscovery(true))
	if !dir.Known("local") || !dir.Known("b") {
		t.Fatalf("expected local and configured peers known")
	}
	if dir.Known("B") || dir.Known("c") {
		t.Fatalf("lookups must be exact and limited to tracked peers")
	}
	dir.Observe("c", "http://c", nil)
	if !dir.Known("c") {
		t.Fatalf("expected discovered peer known after heartbeat")
	}
}
