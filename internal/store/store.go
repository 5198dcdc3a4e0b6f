// Package store persists monitors, locally produced results, and verified peer results.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/uppehq/node/pkg/types"
)

// ErrNotFound signals the absence of the requested monitor.
var ErrNotFound = errors.New("monitor not found")

// ResultQuery filters result listings. Zero values match everything.
type ResultQuery struct {
	MonitorUUID string
	PeerID      string
	Since       time.Time
	Limit       int
}

// Store exposes the persistence operations the node needs. Result appends are
// idempotent on (monitor_uuid, peer_id, timestamp) and report whether a row was added.
type Store interface {
	PutMonitor(ctx context.Context, m types.Monitor) error
	GetMonitor(ctx context.Context, uuid string) (types.Monitor, error)
	ListMonitors(ctx context.Context) ([]types.Monitor, error)
	DeleteMonitor(ctx context.Context, uuid string) error

	AppendResult(ctx context.Context, r types.Result) (bool, error)
	AppendPeerResult(ctx context.Context, r types.PeerResult) (bool, error)
	HasPeerResult(ctx context.Context, key types.ResultKey) (bool, error)
	ListResults(ctx context.Context, q ResultQuery) ([]types.Result, error)
	ListPeerResults(ctx context.Context, q ResultQuery) ([]types.PeerResult, error)

	DeleteResultsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DeletePeerResultsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	Close() error
}

// Config selects a backend.
type Config struct {
	Driver string
	DSN    string
}

// Open constructs the configured backend and prepares its schema.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite", "sqlite3":
		return NewSQLiteStore(ctx, cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgresStore(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}
}

func encodeJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeMonitorExtras(m *types.Monitor, codes, headers string) error {
	if codes != "" && codes != "null" {
		if err := json.Unmarshal([]byte(codes), &m.ExpectedStatusCodes); err != nil {
			return fmt.Errorf("decode expected status codes: %w", err)
		}
	}
	if headers != "" && headers != "null" {
		if err := json.Unmarshal([]byte(headers), &m.Headers); err != nil {
			return fmt.Errorf("decode headers: %w", err)
		}
	}
	return nil
}

func nullInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return int64(*v)
}

func nullString(val string) any {
	if strings.TrimSpace(val) == "" {
		return nil
	}
	return val
}
