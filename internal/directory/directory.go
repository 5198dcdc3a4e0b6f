// Package directory tracks the peers this node knows and whether they are reachable.
package directory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/uppehq/node/internal/events"
	"github.com/uppehq/node/pkg/types"
)

const DefaultOfflineAfter = 90 * time.Second

// Peer is a statically configured peer.
type Peer struct {
	PeerID  string
	Address string
}

type Option func(*Directory)

// WithOfflineAfter sets how long a peer may stay silent before it is marked offline.
func WithOfflineAfter(d time.Duration) Option {
	return func(dir *Directory) {
		if d > 0 {
			dir.offlineAfter = d
		}
	}
}

// WithDiscovery lets peers that are not configured join by sending a verified heartbeat.
func WithDiscovery(enabled bool) Option {
	return func(dir *Directory) {
		dir.discovery = enabled
	}
}

func WithEvents(rec events.Recorder) Option {
	return func(dir *Directory) {
		if rec != nil {
			dir.events = rec
		}
	}
}

func WithNow(now func() time.Time) Option {
	return func(dir *Directory) {
		if now != nil {
			dir.now = now
		}
	}
}

type entry struct {
	identity types.PeerIdentity
	address  string
}

// Directory is the versioned peer set. The local node is always present and online.
type Directory struct {
	local        string
	offlineAfter time.Duration
	discovery    bool
	events       events.Recorder
	now          func() time.Time

	mu      sync.RWMutex
	peers   map[string]*entry
	version uint64
}

func New(localPeerID string, peers []Peer, opts ...Option) *Directory {
	d := &Directory{
		local:        strings.ToLower(localPeerID),
		offlineAfter: DefaultOfflineAfter,
		events:       events.NoopRecorder{},
		now:          time.Now,
		peers:        make(map[string]*entry),
		version:      1,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.peers[d.local] = &entry{identity: types.PeerIdentity{PeerID: d.local, Online: true, LastSeen: d.now().UTC()}}
	for _, p := range peers {
		id := strings.ToLower(strings.TrimSpace(p.PeerID))
		if id == "" || id == d.local {
			continue
		}
		d.peers[id] = &entry{identity: types.PeerIdentity{PeerID: id}, address: strings.TrimRight(p.Address, "/")}
	}
	return d
}

// LocalPeerID returns the peer ID of this node.
func (d *Directory) LocalPeerID() string {
	return d.local
}

// Snapshot returns the current peer set ordered by peer ID.
func (d *Directory) Snapshot() types.PeerSet {
	d.mu.RLock()
	defer d.mu.RUnlock()
	set := types.PeerSet{Version: d.version, Peers: make([]types.PeerIdentity, 0, len(d.peers))}
	for _, e := range d.peers {
		p := e.identity
		p.AddressHints = append([]string(nil), p.AddressHints...)
		set.Peers = append(set.Peers, p)
	}
	sort.Slice(set.Peers, func(i, j int) bool { return set.Peers[i].PeerID < set.Peers[j].PeerID })
	return set
}

// Known reports whether peerID is tracked, the local node included. Lookups are exact;
// peer IDs are stored lowercase.
func (d *Directory) Known(peerID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.peers[peerID]
	return ok
}

// Address returns the base URL used to reach a peer.
func (d *Directory) Address(peerID string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.peers[peerID]
	if !ok || e.address == "" {
		return "", false
	}
	return e.address, true
}

// Remotes returns every peer other than the local node that has an address.
func (d *Directory) Remotes() []Peer {
	d.mu.RLock()
	out := make([]Peer, 0, len(d.peers))
	for id, e := range d.peers {
		if id != d.local && e.address != "" {
			out = append(out, Peer{PeerID: id, Address: e.address})
		}
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

// Counts returns the number of online and known remote peers.
func (d *Directory) Counts() (online, known int) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for id, e := range d.peers {
		if id == d.local {
			continue
		}
		known++
		if e.identity.Online {
			online++
		}
	}
	return online, known
}

// Observe records proof of life from a peer. address is only used for peers that are not
// configured and only when discovery is enabled. It reports whether the peer is tracked.
func (d *Directory) Observe(peerID, address string, hints []string) bool {
	peerID = strings.ToLower(peerID)
	if peerID == "" || peerID == d.local {
		return false
	}
	now := d.now().UTC()

	d.mu.Lock()
	e, ok := d.peers[peerID]
	if !ok {
		if !d.discovery || address == "" {
			d.mu.Unlock()
			return false
		}
		e = &entry{identity: types.PeerIdentity{PeerID: peerID}, address: strings.TrimRight(address, "/")}
		d.peers[peerID] = e
		d.version++
	}
	e.identity.LastSeen = now
	cameOnline := !e.identity.Online
	if cameOnline {
		e.identity.Online = true
		d.version++
	}
	if hints != nil && !equalStrings(hints, e.identity.AddressHints) {
		e.identity.AddressHints = append([]string(nil), hints...)
	}
	d.mu.Unlock()

	if cameOnline {
		d.events.Record(types.Event{Type: types.EventPeerOnline, Timestamp: now, PeerID: peerID})
	}
	return true
}

// SetLocalHints stores the externally visible addresses of this node.
func (d *Directory) SetLocalHints(hints []string) {
	d.mu.Lock()
	d.peers[d.local].identity.AddressHints = append([]string(nil), hints...)
	d.mu.Unlock()
}

// LocalHints returns the externally visible addresses of this node.
func (d *Directory) LocalHints() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]string(nil), d.peers[d.local].identity.AddressHints...)
}

// Sweep marks peers offline when they have been silent longer than the offline window.
// It returns the number of peers that changed state.
func (d *Directory) Sweep() int {
	now := d.now().UTC()
	var offline []string

	d.mu.Lock()
	for id, e := range d.peers {
		if id == d.local || !e.identity.Online {
			continue
		}
		if now.Sub(e.identity.LastSeen) > d.offlineAfter {
			e.identity.Online = false
			offline = append(offline, id)
		}
	}
	if len(offline) > 0 {
		d.version++
	}
	d.mu.Unlock()

	for _, id := range offline {
		d.events.Record(types.Event{Type: types.EventPeerOffline, Timestamp: now, PeerID: id})
	}
	return len(offline)
}

// Run sweeps on every tick until ctx is done.
func (d *Directory) Run(ctx context.Context, every time.Duration) error {
	if every <= 0 {
		every = d.offlineAfter / 3
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.Sweep()
		}
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
