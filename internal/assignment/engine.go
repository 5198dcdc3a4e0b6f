package assignment

import (
	"sync"

	"github.com/uppehq/node/pkg/types"
)

// PeerSource provides the current peer set snapshot.
type PeerSource interface {
	Snapshot() types.PeerSet
}

type cacheKey struct {
	monitorUUID string
	version     uint64
	redundancy  int
	owner       string
}

// Engine caches assignments against the peer set version they were computed from.
type Engine struct {
	peers       PeerSource
	localPeerID string
	redundancy  int

	mu      sync.Mutex
	version uint64
	cache   map[cacheKey]types.Assignment
}

type Option func(*Engine)

func WithRedundancy(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.redundancy = n
		}
	}
}

func NewEngine(peers PeerSource, localPeerID string, opts ...Option) *Engine {
	e := &Engine{
		peers:       peers,
		localPeerID: localPeerID,
		redundancy:  3,
		cache:       make(map[cacheKey]types.Assignment),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ForMonitor returns the monitor's assignment for the current peer set. The owner is
// always part of its own monitor's assignment, replacing the last ring pick when the
// set is already full.
func (e *Engine) ForMonitor(m types.Monitor) types.Assignment {
	set := e.peers.Snapshot()
	key := cacheKey{monitorUUID: m.UUID, version: set.Version, redundancy: e.redundancy, owner: m.OwnerPeerID}

	e.mu.Lock()
	defer e.mu.Unlock()

	if set.Version != e.version {
		e.cache = make(map[cacheKey]types.Assignment)
		e.version = set.Version
	}
	if a, ok := e.cache[key]; ok {
		return copyAssignment(a)
	}

	local := e.localPeerID
	if m.OwnerPeerID != "" {
		local = m.OwnerPeerID
	}
	peers := Assign(m.UUID, set, e.redundancy, local)
	if m.OwnerPeerID != "" && !contains(peers, m.OwnerPeerID) {
		if len(peers) >= e.redundancy && len(peers) > 0 {
			peers = peers[:len(peers)-1]
		}
		peers = append([]string{m.OwnerPeerID}, peers...)
	}

	a := types.Assignment{MonitorUUID: m.UUID, Peers: peers, PeerSetVersion: set.Version}
	e.cache[key] = a
	return copyAssignment(a)
}

// Responsible reports whether the local node should probe m.
func (e *Engine) Responsible(m types.Monitor) bool {
	if m.OwnerPeerID == e.localPeerID {
		return true
	}
	return e.ForMonitor(m).Contains(e.localPeerID)
}

func copyAssignment(a types.Assignment) types.Assignment {
	a.Peers = append([]string(nil), a.Peers...)
	return a
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
