package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/uppehq/node/pkg/types"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS monitors (
    uuid TEXT PRIMARY KEY,
    name TEXT NOT NULL DEFAULT '',
    target TEXT NOT NULL,
    check_type TEXT NOT NULL,
    interval_seconds INTEGER NOT NULL,
    timeout_seconds INTEGER NOT NULL,
    expected_status_codes JSONB NOT NULL DEFAULT '[]',
    headers JSONB NOT NULL DEFAULT '{}',
    body TEXT NOT NULL DEFAULT '',
    enabled BOOLEAN NOT NULL DEFAULT TRUE,
    owner_peer_id TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS results (
    monitor_uuid TEXT NOT NULL,
    peer_id TEXT NOT NULL,
    ts_nanos BIGINT NOT NULL,
    status TEXT NOT NULL,
    latency_ms BIGINT,
    status_code INTEGER,
    error_message TEXT,
    signature BYTEA,
    city TEXT,
    country TEXT,
    region TEXT,
    PRIMARY KEY (monitor_uuid, peer_id, ts_nanos)
);
CREATE TABLE IF NOT EXISTS peer_results (
    monitor_uuid TEXT NOT NULL,
    peer_id TEXT NOT NULL,
    ts_nanos BIGINT NOT NULL,
    status TEXT NOT NULL,
    latency_ms BIGINT,
    status_code INTEGER,
    error_message TEXT,
    signature BYTEA NOT NULL,
    city TEXT,
    country TEXT,
    region TEXT,
    verified BOOLEAN NOT NULL DEFAULT FALSE,
    received_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (monitor_uuid, peer_id, ts_nanos)
);
CREATE INDEX IF NOT EXISTS idx_results_ts ON results (ts_nanos);
CREATE INDEX IF NOT EXISTS idx_peer_results_ts ON peer_results (ts_nanos);
`

// PostgresStore implements Store backed by PostgreSQL. Result timestamps are kept as
// Unix nanoseconds so the duplicate key survives the round trip exactly.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to PostgreSQL using the supplied connection string.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create postgres schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}

func (p *PostgresStore) PutMonitor(ctx context.Context, m types.Monitor) error {
	codes, err := encodeJSON(m.ExpectedStatusCodes)
	if err != nil {
		return err
	}
	headers, err := encodeJSON(m.Headers)
	if err != nil {
		return err
	}
	const upsert = `
INSERT INTO monitors (
    uuid, name, target, check_type, interval_seconds, timeout_seconds,
    expected_status_codes, headers, body, enabled, owner_peer_id, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7::jsonb,$8::jsonb,$9,$10,$11,$12,$13)
ON CONFLICT (uuid) DO UPDATE SET
    name = EXCLUDED.name,
    target = EXCLUDED.target,
    check_type = EXCLUDED.check_type,
    interval_seconds = EXCLUDED.interval_seconds,
    timeout_seconds = EXCLUDED.timeout_seconds,
    expected_status_codes = EXCLUDED.expected_status_codes,
    headers = EXCLUDED.headers,
    body = EXCLUDED.body,
    enabled = EXCLUDED.enabled,
    owner_peer_id = EXCLUDED.owner_peer_id,
    updated_at = EXCLUDED.updated_at;
`
	_, err = p.pool.Exec(ctx, upsert,
		m.UUID,
		m.Name,
		m.Target,
		string(m.CheckType),
		m.IntervalSeconds,
		m.TimeoutSeconds,
		codes,
		headers,
		m.Body,
		m.Enabled,
		m.OwnerPeerID,
		m.CreatedAt,
		m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("put monitor %s: %w", m.UUID, err)
	}
	return nil
}

const postgresMonitorColumns = `uuid, name, target, check_type, interval_seconds, timeout_seconds,
       expected_status_codes::text, headers::text, body, enabled, owner_peer_id, created_at, updated_at`

func scanPostgresMonitor(row pgx.Row) (types.Monitor, error) {
	var m types.Monitor
	var checkType, codes, headers string
	if err := row.Scan(&m.UUID, &m.Name, &m.Target, &checkType, &m.IntervalSeconds, &m.TimeoutSeconds,
		&codes, &headers, &m.Body, &m.Enabled, &m.OwnerPeerID, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return types.Monitor{}, err
	}
	m.CheckType = types.CheckType(checkType)
	m.CreatedAt = m.CreatedAt.UTC()
	m.UpdatedAt = m.UpdatedAt.UTC()
	if err := decodeMonitorExtras(&m, codes, headers); err != nil {
		return types.Monitor{}, err
	}
	return m, nil
}

func (p *PostgresStore) GetMonitor(ctx context.Context, uuid string) (types.Monitor, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+postgresMonitorColumns+` FROM monitors WHERE uuid = $1`, uuid)
	m, err := scanPostgresMonitor(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.Monitor{}, ErrNotFound
	}
	return m, err
}

func (p *PostgresStore) ListMonitors(ctx context.Context) ([]types.Monitor, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+postgresMonitorColumns+` FROM monitors ORDER BY uuid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Monitor
	for rows.Next() {
		m, err := scanPostgresMonitor(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (p *PostgresStore) DeleteMonitor(ctx context.Context, uuid string) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `DELETE FROM monitors WHERE uuid = $1`, uuid)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	if _, err := tx.Exec(ctx, `DELETE FROM results WHERE monitor_uuid = $1`, uuid); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM peer_results WHERE monitor_uuid = $1`, uuid); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (p *PostgresStore) AppendResult(ctx context.Context, r types.Result) (bool, error) {
	const insert = `
INSERT INTO results (
    monitor_uuid, peer_id, ts_nanos, status, latency_ms, status_code, error_message,
    signature, city, country, region
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT DO NOTHING;
`
	tag, err := p.pool.Exec(ctx, insert,
		r.MonitorUUID, r.PeerID, r.Timestamp.UnixNano(), string(r.Status),
		nullInt64(r.LatencyMs), nullInt(r.StatusCode), nullString(r.ErrorMessage),
		r.Signature, nullString(r.City), nullString(r.Country), nullString(r.Region),
	)
	if err != nil {
		return false, fmt.Errorf("append result: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (p *PostgresStore) AppendPeerResult(ctx context.Context, r types.PeerResult) (bool, error) {
	const insert = `
INSERT INTO peer_results (
    monitor_uuid, peer_id, ts_nanos, status, latency_ms, status_code, error_message,
    signature, city, country, region, verified, received_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
ON CONFLICT DO NOTHING;
`
	tag, err := p.pool.Exec(ctx, insert,
		r.MonitorUUID, r.PeerID, r.Timestamp.UnixNano(), string(r.Status),
		nullInt64(r.LatencyMs), nullInt(r.StatusCode), nullString(r.ErrorMessage),
		r.Signature, nullString(r.City), nullString(r.Country), nullString(r.Region),
		r.Verified, r.ReceivedAt,
	)
	if err != nil {
		return false, fmt.Errorf("append peer result: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (p *PostgresStore) HasPeerResult(ctx context.Context, key types.ResultKey) (bool, error) {
	const query = `
SELECT EXISTS (
    SELECT 1 FROM peer_results WHERE monitor_uuid = $1 AND peer_id = $2 AND ts_nanos = $3
);
`
	var exists bool
	if err := p.pool.QueryRow(ctx, query, key.MonitorUUID, key.PeerID, key.Timestamp).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

func postgresFilter(q ResultQuery) (string, []any) {
	var clauses []string
	var args []any
	if q.MonitorUUID != "" {
		args = append(args, q.MonitorUUID)
		clauses = append(clauses, fmt.Sprintf("monitor_uuid = $%d", len(args)))
	}
	if q.PeerID != "" {
		args = append(args, q.PeerID)
		clauses = append(clauses, fmt.Sprintf("peer_id = $%d", len(args)))
	}
	if !q.Since.IsZero() {
		args = append(args, q.Since.UnixNano())
		clauses = append(clauses, fmt.Sprintf("ts_nanos >= $%d", len(args)))
	}
	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}
	where += " ORDER BY ts_nanos DESC"
	if q.Limit > 0 {
		args = append(args, q.Limit)
		where += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return where, args
}

func (p *PostgresStore) ListResults(ctx context.Context, q ResultQuery) ([]types.Result, error) {
	where, args := postgresFilter(q)
	rows, err := p.pool.Query(ctx, `
SELECT monitor_uuid, peer_id, ts_nanos, status, latency_ms, status_code, error_message,
       signature, city, country, region
  FROM results`+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Result
	for rows.Next() {
		var r types.Result
		var c resultColumns
		var code sql.NullInt32
		if err := rows.Scan(&r.MonitorUUID, &r.PeerID, &c.ts, &c.status, &c.latency, &code, &c.errMsg,
			&r.Signature, &c.city, &c.country, &c.region); err != nil {
			return nil, err
		}
		c.statusCode = sql.NullInt64{Int64: int64(code.Int32), Valid: code.Valid}
		c.apply(&r)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ListPeerResults(ctx context.Context, q ResultQuery) ([]types.PeerResult, error) {
	where, args := postgresFilter(q)
	rows, err := p.pool.Query(ctx, `
SELECT monitor_uuid, peer_id, ts_nanos, status, latency_ms, status_code, error_message,
       signature, city, country, region, verified, received_at
  FROM peer_results`+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.PeerResult
	for rows.Next() {
		var r types.PeerResult
		var c resultColumns
		var code sql.NullInt32
		if err := rows.Scan(&r.MonitorUUID, &r.PeerID, &c.ts, &c.status, &c.latency, &code, &c.errMsg,
			&r.Signature, &c.city, &c.country, &c.region, &r.Verified, &r.ReceivedAt); err != nil {
			return nil, err
		}
		c.statusCode = sql.NullInt64{Int64: int64(code.Int32), Valid: code.Valid}
		c.apply(&r.Result)
		r.ReceivedAt = r.ReceivedAt.UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) DeleteResultsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM results WHERE ts_nanos < $1`, cutoff.UnixNano())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (p *PostgresStore) DeletePeerResultsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM peer_results WHERE ts_nanos < $1`, cutoff.UnixNano())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
