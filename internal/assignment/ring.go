// Package assignment maps monitors onto the peers responsible for probing them.
package assignment

import (
	"crypto/sha256"
	"encoding/binary"
	"sort"
	"strconv"

	"github.com/uppehq/node/pkg/types"
)

// VirtualNodes is the number of ring positions each peer occupies.
const VirtualNodes = 64

type point struct {
	hash   uint64
	peerID string
}

func hashKey(key string) uint64 {
	sum := sha256.Sum256([]byte(key))
	return binary.BigEndian.Uint64(sum[:8])
}

// Assign returns up to redundancy distinct online peers for the monitor, in ring order
// starting at the monitor's hash. The result depends only on the inputs. When no peer is
// online the local peer alone is returned.
func Assign(monitorUUID string, peers types.PeerSet, redundancy int, localPeerID string) []string {
	if redundancy <= 0 {
		redundancy = 1
	}

	seen := make(map[string]struct{}, len(peers.Peers))
	ring := make([]point, 0, len(peers.Peers)*VirtualNodes)
	for _, p := range peers.Peers {
		if !p.Online || p.PeerID == "" {
			continue
		}
		if _, dup := seen[p.PeerID]; dup {
			continue
		}
		seen[p.PeerID] = struct{}{}
		for v := 0; v < VirtualNodes; v++ {
			ring = append(ring, point{hash: hashKey(p.PeerID + "#" + strconv.Itoa(v)), peerID: p.PeerID})
		}
	}
	if len(ring) == 0 {
		if localPeerID == "" {
			return nil
		}
		return []string{localPeerID}
	}

	sort.Slice(ring, func(i, j int) bool {
		if ring[i].hash == ring[j].hash {
			return ring[i].peerID < ring[j].peerID
		}
		return ring[i].hash < ring[j].hash
	})

	want := redundancy
	if want > len(seen) {
		want = len(seen)
	}

	start := sort.Search(len(ring), func(i int) bool { return ring[i].hash >= hashKey(monitorUUID) })
	chosen := make([]string, 0, want)
	picked := make(map[string]struct{}, want)
	for i := 0; i < len(ring) && len(chosen) < want; i++ {
		pt := ring[(start+i)%len(ring)]
		if _, ok := picked[pt.peerID]; ok {
			continue
		}
		picked[pt.peerID] = struct{}{}
		chosen = append(chosen, pt.peerID)
	}
	return chosen
}
