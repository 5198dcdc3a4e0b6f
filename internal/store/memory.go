package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/uppehq/node/pkg/types"
)

// NewMemoryStore returns an in-memory implementation for single-process nodes and tests.
func NewMemoryStore() Store {
	return &memoryStore{
		monitors:    map[string]types.Monitor{},
		results:     map[types.ResultKey]types.Result{},
		peerResults: map[types.ResultKey]types.PeerResult{},
	}
}

type memoryStore struct {
	mu          sync.RWMutex
	monitors    map[string]types.Monitor
	results     map[types.ResultKey]types.Result
	peerResults map[types.ResultKey]types.PeerResult
}

func (m *memoryStore) PutMonitor(ctx context.Context, mon types.Monitor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.monitors[mon.UUID] = mon.Clone()
	return nil
}

func (m *memoryStore) GetMonitor(ctx context.Context, uuid string) (types.Monitor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mon, ok := m.monitors[uuid]
	if !ok {
		return types.Monitor{}, ErrNotFound
	}
	return mon.Clone(), nil
}

func (m *memoryStore) ListMonitors(ctx context.Context) ([]types.Monitor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.Monitor, 0, len(m.monitors))
	for _, mon := range m.monitors {
		out = append(out, mon.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UUID < out[j].UUID })
	return out, nil
}

func (m *memoryStore) DeleteMonitor(ctx context.Context, uuid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.monitors[uuid]; !ok {
		return ErrNotFound
	}
	delete(m.monitors, uuid)
	for key := range m.results {
		if key.MonitorUUID == uuid {
			delete(m.results, key)
		}
	}
	for key := range m.peerResults {
		if key.MonitorUUID == uuid {
			delete(m.peerResults, key)
		}
	}
	return nil
}

func (m *memoryStore) AppendResult(ctx context.Context, r types.Result) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := r.Key()
	if _, ok := m.results[key]; ok {
		return false, nil
	}
	m.results[key] = r
	return true, nil
}

func (m *memoryStore) AppendPeerResult(ctx context.Context, r types.PeerResult) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := r.Key()
	if _, ok := m.peerResults[key]; ok {
		return false, nil
	}
	m.peerResults[key] = r
	return true, nil
}

func (m *memoryStore) HasPeerResult(ctx context.Context, key types.ResultKey) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.peerResults[key]
	return ok, nil
}

func (m *memoryStore) ListResults(ctx context.Context, q ResultQuery) ([]types.Result, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.Result
	for _, r := range m.results {
		if matches(q, r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *memoryStore) ListPeerResults(ctx context.Context, q ResultQuery) ([]types.PeerResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.PeerResult
	for _, r := range m.peerResults {
		if matches(q, r.Result) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *memoryStore) DeleteResultsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for key, r := range m.results {
		if r.Timestamp.Before(cutoff) {
			delete(m.results, key)
			n++
		}
	}
	return n, nil
}

func (m *memoryStore) DeletePeerResultsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for key, r := range m.peerResults {
		if r.Timestamp.Before(cutoff) {
			delete(m.peerResults, key)
			n++
		}
	}
	return n, nil
}

func (m *memoryStore) Close() error { return nil }

func matches(q ResultQuery, r types.Result) bool {
	if q.MonitorUUID != "" && r.MonitorUUID != q.MonitorUUID {
		return false
	}
	if q.PeerID != "" && r.PeerID != q.PeerID {
		return false
	}
	if !q.Since.IsZero() && r.Timestamp.Before(q.Since) {
		return false
	}
	return true
}
