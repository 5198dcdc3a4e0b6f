package types

import "time"

type EventType string

const (
	EventQueueSpill     EventType = "QueueSpill"
	EventQueueDrop      EventType = "QueueDrop"
	EventStatusChange   EventType = "StatusChange"
	EventResultRejected EventType = "ResultRejected"
	EventPeerOnline     EventType = "PeerOnline"
	EventPeerOffline    EventType = "PeerOffline"
	EventProbeSkipped   EventType = "ProbeSkipped"
)

type Event struct {
	Type      EventType         `json:"type"`
	Timestamp time.Time         `json:"ts"`
	MonitorID string            `json:"monitor_id,omitempty"`
	PeerID    string            `json:"peer_id,omitempty"`
	Labels    map[string]string `json:"labels,omitempty"`
	Details   map[string]any    `json:"details,omitempty"`
}
