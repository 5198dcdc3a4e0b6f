package types

import "time"

// PeerIdentity describes a known peer. PeerID is the hex encoded ed25519 public key.
type PeerIdentity struct {
	PeerID       string    `json:"peer_id" yaml:"peer_id"`
	LastSeen     time.Time `json:"last_seen" yaml:"last_seen"`
	AddressHints []string  `json:"address_hints,omitempty" yaml:"address_hints,omitempty"`
	Online       bool      `json:"online" yaml:"online"`
}

// PeerSet is a versioned snapshot of the peer directory. The version increases whenever
// membership or liveness changes, so derived assignments can be cached against it.
type PeerSet struct {
	Version uint64         `json:"version" yaml:"version"`
	Peers   []PeerIdentity `json:"peers" yaml:"peers"`
}

// Lookup finds a peer by ID.
func (s PeerSet) Lookup(peerID string) (PeerIdentity, bool) {
	for _, p := range s.Peers {
		if p.PeerID == peerID {
			return p, true
		}
	}
	return PeerIdentity{}, false
}

// Assignment is the ordered set of peers responsible for probing a monitor.
type Assignment struct {
	MonitorUUID    string   `json:"monitor_uuid" yaml:"monitor_uuid"`
	Peers          []string `json:"peers" yaml:"peers"`
	PeerSetVersion uint64   `json:"peer_set_version" yaml:"peer_set_version"`
}

// Contains reports whether peerID is part of the assignment.
func (a Assignment) Contains(peerID string) bool {
	for _, p := range a.Peers {
		if p == peerID {
			return true
		}
	}
	return false
}

// Heartbeat is the proof of life nodes exchange with their configured peers. It travels
// in a signed request body.
type Heartbeat struct {
	PeerID       string    `json:"peer_id" yaml:"peer_id"`
	Address      string    `json:"address,omitempty" yaml:"address,omitempty"`
	AddressHints []string  `json:"address_hints,omitempty" yaml:"address_hints,omitempty"`
	SentAt       time.Time `json:"sent_at" yaml:"sent_at"`
}
