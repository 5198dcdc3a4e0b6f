package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/uppehq/node/pkg/types"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS monitors (
	uuid TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	target TEXT NOT NULL,
	check_type TEXT NOT NULL,
	interval_seconds INTEGER NOT NULL,
	timeout_seconds INTEGER NOT NULL,
	expected_status_codes TEXT NOT NULL DEFAULT '[]',
	headers TEXT NOT NULL DEFAULT '{}',
	body TEXT NOT NULL DEFAULT '',
	enabled INTEGER NOT NULL DEFAULT 1,
	owner_peer_id TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS results (
	monitor_uuid TEXT NOT NULL,
	peer_id TEXT NOT NULL,
	ts INTEGER NOT NULL,
	status TEXT NOT NULL,
	latency_ms INTEGER,
	status_code INTEGER,
	error_message TEXT,
	signature BLOB,
	city TEXT,
	country TEXT,
	region TEXT,
	PRIMARY KEY (monitor_uuid, peer_id, ts)
);
CREATE TABLE IF NOT EXISTS peer_results (
	monitor_uuid TEXT NOT NULL,
	peer_id TEXT NOT NULL,
	ts INTEGER NOT NULL,
	status TEXT NOT NULL,
	latency_ms INTEGER,
	status_code INTEGER,
	error_message TEXT,
	signature BLOB NOT NULL,
	city TEXT,
	country TEXT,
	region TEXT,
	verified INTEGER NOT NULL DEFAULT 0,
	received_at INTEGER NOT NULL,
	PRIMARY KEY (monitor_uuid, peer_id, ts)
);
CREATE INDEX IF NOT EXISTS idx_results_ts ON results(ts);
CREATE INDEX IF NOT EXISTS idx_peer_results_ts ON peer_results(ts);
`

// SQLiteStore implements Store on a local SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at dsn.
func NewSQLiteStore(ctx context.Context, dsn string) (*SQLiteStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("sqlite dsn required")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) PutMonitor(ctx context.Context, m types.Monitor) error {
	codes, err := encodeJSON(m.ExpectedStatusCodes)
	if err != nil {
		return err
	}
	headers, err := encodeJSON(m.Headers)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO monitors(uuid, name, target, check_type, interval_seconds, timeout_seconds,
			expected_status_codes, headers, body, enabled, owner_peer_id, created_at, updated_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(uuid) DO UPDATE SET
			name = excluded.name,
			target = excluded.target,
			check_type = excluded.check_type,
			interval_seconds = excluded.interval_seconds,
			timeout_seconds = excluded.timeout_seconds,
			expected_status_codes = excluded.expected_status_codes,
			headers = excluded.headers,
			body = excluded.body,
			enabled = excluded.enabled,
			owner_peer_id = excluded.owner_peer_id,
			updated_at = excluded.updated_at
	`, m.UUID, m.Name, m.Target, string(m.CheckType), m.IntervalSeconds, m.TimeoutSeconds,
		codes, headers, m.Body, m.Enabled, m.OwnerPeerID, m.CreatedAt.UnixNano(), m.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("put monitor %s: %w", m.UUID, err)
	}
	return nil
}

const sqliteMonitorColumns = `uuid, name, target, check_type, interval_seconds, timeout_seconds,
	expected_status_codes, headers, body, enabled, owner_peer_id, created_at, updated_at`

func scanSQLiteMonitor(row interface{ Scan(...any) error }) (types.Monitor, error) {
	var m types.Monitor
	var checkType, codes, headers string
	var created, updated int64
	if err := row.Scan(&m.UUID, &m.Name, &m.Target, &checkType, &m.IntervalSeconds, &m.TimeoutSeconds,
		&codes, &headers, &m.Body, &m.Enabled, &m.OwnerPeerID, &created, &updated); err != nil {
		return types.Monitor{}, err
	}
	m.CheckType = types.CheckType(checkType)
	m.CreatedAt = time.Unix(0, created).UTC()
	m.UpdatedAt = time.Unix(0, updated).UTC()
	if err := decodeMonitorExtras(&m, codes, headers); err != nil {
		return types.Monitor{}, err
	}
	return m, nil
}

func (s *SQLiteStore) GetMonitor(ctx context.Context, uuid string) (types.Monitor, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteMonitorColumns+` FROM monitors WHERE uuid = ?`, uuid)
	m, err := scanSQLiteMonitor(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Monitor{}, ErrNotFound
	}
	return m, err
}

func (s *SQLiteStore) ListMonitors(ctx context.Context) ([]types.Monitor, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteMonitorColumns+` FROM monitors ORDER BY uuid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Monitor
	for rows.Next() {
		m, err := scanSQLiteMonitor(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteMonitor(ctx context.Context, uuid string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM monitors WHERE uuid = ?`, uuid)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM results WHERE monitor_uuid = ?`, uuid); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM peer_results WHERE monitor_uuid = ?`, uuid); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) AppendResult(ctx context.Context, r types.Result) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO results(monitor_uuid, peer_id, ts, status, latency_ms, status_code, error_message,
			signature, city, country, region)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`, r.MonitorUUID, r.PeerID, r.Timestamp.UnixNano(), string(r.Status), nullInt64(r.LatencyMs), nullInt(r.StatusCode),
		nullString(r.ErrorMessage), r.Signature, nullString(r.City), nullString(r.Country), nullString(r.Region))
	if err != nil {
		return false, fmt.Errorf("append result: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *SQLiteStore) AppendPeerResult(ctx context.Context, r types.PeerResult) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO peer_results(monitor_uuid, peer_id, ts, status, latency_ms, status_code, error_message,
			signature, city, country, region, verified, received_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`, r.MonitorUUID, r.PeerID, r.Timestamp.UnixNano(), string(r.Status), nullInt64(r.LatencyMs), nullInt(r.StatusCode),
		nullString(r.ErrorMessage), r.Signature, nullString(r.City), nullString(r.Country), nullString(r.Region),
		r.Verified, r.ReceivedAt.UnixNano())
	if err != nil {
		return false, fmt.Errorf("append peer result: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *SQLiteStore) HasPeerResult(ctx context.Context, key types.ResultKey) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM peer_results WHERE monitor_uuid = ? AND peer_id = ? AND ts = ?
	`, key.MonitorUUID, key.PeerID, key.Timestamp).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func sqliteFilter(q ResultQuery) (string, []any) {
	var clauses []string
	var args []any
	if q.MonitorUUID != "" {
		clauses = append(clauses, "monitor_uuid = ?")
		args = append(args, q.MonitorUUID)
	}
	if q.PeerID != "" {
		clauses = append(clauses, "peer_id = ?")
		args = append(args, q.PeerID)
	}
	if !q.Since.IsZero() {
		clauses = append(clauses, "ts >= ?")
		args = append(args, q.Since.UnixNano())
	}
	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}
	where += " ORDER BY ts DESC"
	if q.Limit > 0 {
		where += " LIMIT ?"
		args = append(args, q.Limit)
	}
	return where, args
}

type resultColumns struct {
	ts                    int64
	status                string
	latency, statusCode   sql.NullInt64
	errMsg                sql.NullString
	city, country, region sql.NullString
}

func (c resultColumns) apply(r *types.Result) {
	r.Timestamp = time.Unix(0, c.ts).UTC()
	r.Status = types.Status(c.status)
	if c.latency.Valid {
		r.LatencyMs = types.Int64(c.latency.Int64)
	}
	if c.statusCode.Valid {
		r.StatusCode = types.Int(int(c.statusCode.Int64))
	}
	r.ErrorMessage = c.errMsg.String
	r.City = c.city.String
	r.Country = c.country.String
	r.Region = c.region.String
}

func (s *SQLiteStore) ListResults(ctx context.Context, q ResultQuery) ([]types.Result, error) {
	where, args := sqliteFilter(q)
	rows, err := s.db.QueryContext(ctx, `
		SELECT monitor_uuid, peer_id, ts, status, latency_ms, status_code, error_message, signature,
			city, country, region
		FROM results`+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Result
	for rows.Next() {
		var r types.Result
		var c resultColumns
		if err := rows.Scan(&r.MonitorUUID, &r.PeerID, &c.ts, &c.status, &c.latency, &c.statusCode, &c.errMsg,
			&r.Signature, &c.city, &c.country, &c.region); err != nil {
			return nil, err
		}
		c.apply(&r)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListPeerResults(ctx context.Context, q ResultQuery) ([]types.PeerResult, error) {
	where, args := sqliteFilter(q)
	rows, err := s.db.QueryContext(ctx, `
		SELECT monitor_uuid, peer_id, ts, status, latency_ms, status_code, error_message, signature,
			city, country, region, verified, received_at
		FROM peer_results`+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.PeerResult
	for rows.Next() {
		var r types.PeerResult
		var c resultColumns
		var received int64
		if err := rows.Scan(&r.MonitorUUID, &r.PeerID, &c.ts, &c.status, &c.latency, &c.statusCode, &c.errMsg,
			&r.Signature, &c.city, &c.country, &c.region, &r.Verified, &received); err != nil {
			return nil, err
		}
		c.apply(&r.Result)
		r.ReceivedAt = time.Unix(0, received).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteResultsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM results WHERE ts < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) DeletePeerResultsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM peer_results WHERE ts < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
