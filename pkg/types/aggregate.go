package types

import "time"

// AggregateStatus is the consensus view of one monitor, as served to dashboards.
type AggregateStatus struct {
	MonitorUUID           string    `json:"monitor_uuid"`
	Status                Status    `json:"status"`
	ContributingPeerCount int       `json:"contributing_peer_count"`
	ExpectedReporters     int       `json:"expected_reporters"`
	Quorum                int       `json:"quorum"`
	LastUpdated           time.Time `json:"last_updated"`
}
