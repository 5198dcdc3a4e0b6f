package types

import "time"

// CheckType selects the probe protocol for a monitor.
type CheckType string

const (
	CheckHTTP CheckType = "http"
	CheckTCP  CheckType = "tcp"
	CheckICMP CheckType = "icmp"
)

// Valid reports whether the check type is one the prober can dispatch.
func (c CheckType) Valid() bool {
	switch c {
	case CheckHTTP, CheckTCP, CheckICMP:
		return true
	default:
		return false
	}
}

// Monitor is a user-defined target and check configuration, owned by the node that created it.
type Monitor struct {
	UUID                string            `json:"uuid" yaml:"uuid"`
	Name                string            `json:"name" yaml:"name"`
	Target              string            `json:"target" yaml:"target"`
	CheckType           CheckType         `json:"check_type" yaml:"check_type"`
	IntervalSeconds     int               `json:"interval_seconds" yaml:"interval_seconds"`
	TimeoutSeconds      int               `json:"timeout_seconds" yaml:"timeout_seconds"`
	ExpectedStatusCodes []int             `json:"expected_status_codes,omitempty" yaml:"expected_status_codes,omitempty"`
	Headers             map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Body                string            `json:"body,omitempty" yaml:"body,omitempty"`
	Enabled             bool              `json:"enabled" yaml:"enabled"`
	OwnerPeerID         string            `json:"owner_peer_id" yaml:"owner_peer_id"`
	CreatedAt           time.Time         `json:"created_at" yaml:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at" yaml:"updated_at"`
}

// Interval returns the probe cadence as a duration.
func (m Monitor) Interval() time.Duration {
	return time.Duration(m.IntervalSeconds) * time.Second
}

// Timeout returns the per-probe deadline as a duration.
func (m Monitor) Timeout() time.Duration {
	return time.Duration(m.TimeoutSeconds) * time.Second
}

// Clone returns a deep copy so callers can mutate slices and maps freely.
func (m Monitor) Clone() Monitor {
	out := m
	if m.ExpectedStatusCodes != nil {
		out.ExpectedStatusCodes = append([]int(nil), m.ExpectedStatusCodes...)
	}
	if m.Headers != nil {
		out.Headers = make(map[string]string, len(m.Headers))
		for k, v := range m.Headers {
			out.Headers[k] = v
		}
	}
	return out
}

// MonitorAnnouncement carries monitor definitions a node shares with the peers assigned to probe them.
type MonitorAnnouncement struct {
	SenderPeerID string    `json:"sender_peer_id" yaml:"sender_peer_id"`
	SentAt       time.Time `json:"sent_at" yaml:"sent_at"`
	Monitors     []Monitor `json:"monitors" yaml:"monitors"`
	Removed      []string  `json:"removed,omitempty" yaml:"removed,omitempty"`
}
