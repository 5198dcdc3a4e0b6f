package types

import "time"

// Status is the outcome of a single probe, or of an aggregate over many probes.
type Status string

const (
	StatusUp       Status = "up"
	StatusDown     Status = "down"
	StatusTimeout  Status = "timeout"
	StatusError    Status = "error"
	StatusDegraded Status = "degraded"
	StatusUnknown  Status = "unknown"
)

// Valid reports whether s may appear on a probe Result. Unknown is aggregate-only.
func (s Status) Valid() bool {
	switch s {
	case StatusUp, StatusDown, StatusTimeout, StatusError, StatusDegraded:
		return true
	default:
		return false
	}
}

// Vote folds a probe status into the three-way vote used for consensus.
// Timeout and error are failures from the reporter's point of view.
func (s Status) Vote() Status {
	switch s {
	case StatusUp:
		return StatusUp
	case StatusDegraded:
		return StatusDegraded
	case StatusDown, StatusTimeout, StatusError:
		return StatusDown
	default:
		return StatusUnknown
	}
}

// Location is the coarse reporter location attached to a result.
type Location struct {
	City    string `json:"city,omitempty" yaml:"city,omitempty"`
	Country string `json:"country,omitempty" yaml:"country,omitempty"`
	Region  string `json:"region,omitempty" yaml:"region,omitempty"`
}

// Result is a signed probe outcome. It is immutable once signed.
type Result struct {
	MonitorUUID  string    `json:"monitor_uuid" yaml:"monitor_uuid"`
	Timestamp    time.Time `json:"timestamp" yaml:"timestamp"`
	Status       Status    `json:"status" yaml:"status"`
	LatencyMs    *int64    `json:"latency_ms,omitempty" yaml:"latency_ms,omitempty"`
	StatusCode   *int      `json:"status_code,omitempty" yaml:"status_code,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty" yaml:"error_message,omitempty"`
	PeerID       string    `json:"peer_id" yaml:"peer_id"`
	Signature    []byte    `json:"signature" yaml:"signature"`
	City         string    `json:"city,omitempty" yaml:"city,omitempty"`
	Country      string    `json:"country,omitempty" yaml:"country,omitempty"`
	Region       string    `json:"region,omitempty" yaml:"region,omitempty"`
}

// Key identifies a result for duplicate detection.
func (r Result) Key() ResultKey {
	return ResultKey{
		MonitorUUID: r.MonitorUUID,
		PeerID:      r.PeerID,
		Timestamp:   r.Timestamp.UnixNano(),
	}
}

// SetLocation copies a location onto the result.
func (r *Result) SetLocation(loc Location) {
	r.City = loc.City
	r.Country = loc.Country
	r.Region = loc.Region
}

// ResultKey is the (monitor, reporter, timestamp) triple that makes a result unique.
type ResultKey struct {
	MonitorUUID string
	PeerID      string
	Timestamp   int64
}

// PeerResult is a result received from a remote peer. It is never conflated with a
// locally produced Result.
type PeerResult struct {
	Result     `yaml:",inline"`
	Verified   bool      `json:"verified" yaml:"verified"`
	ReceivedAt time.Time `json:"received_at" yaml:"received_at"`
}

// Delivery addresses a signed result to one remote peer.
type Delivery struct {
	PeerID string `json:"peer_id" yaml:"peer_id"`
	Result Result `json:"result" yaml:"result"`
}

// ResultEnvelope batches results sent from one node to another.
type ResultEnvelope struct {
	SenderPeerID string    `json:"sender_peer_id" yaml:"sender_peer_id"`
	SentAt       time.Time `json:"sent_at" yaml:"sent_at"`
	BatchSeq     uint64    `json:"batch_seq" yaml:"batch_seq"`
	Results      []Result  `json:"results" yaml:"results"`
}

// Int64 returns a pointer to v.
func Int64(v int64) *int64 { return &v }

// Int returns a pointer to v.
func Int(v int) *int { return &v }
