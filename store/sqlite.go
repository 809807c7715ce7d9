package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/asaplabs/asap-go/asap"
)

// SQLiteStore is a single-file durable backend implementing SnapshotStore,
// MeteringStore, and DelegationStore. One writer per process: the connection
// pool is capped at a single connection so writes serialize through it.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and runs the
// schema migration. Close releases the file.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: migrate sqlite: %w", err)
	}
	return s, nil
}

// NewSQLiteStore wraps an existing database handle and runs the migration.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	db.SetMaxOpenConns(1)
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("store: migrate sqlite: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS snapshots (
        task_id    TEXT NOT NULL,
        version    INTEGER NOT NULL,
        data_json  TEXT NOT NULL,
        checkpoint TEXT,
        created_at DATETIME NOT NULL,
        PRIMARY KEY (task_id, version)
    );
    CREATE TABLE IF NOT EXISTS issued_delegations (
        id            TEXT PRIMARY KEY,
        delegator_urn TEXT NOT NULL,
        delegate_urn  TEXT,
        created_at    DATETIME NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_issued_delegator
        ON issued_delegations(delegator_urn);
    CREATE TABLE IF NOT EXISTS revocations (
        id         TEXT PRIMARY KEY,
        revoked_at DATETIME NOT NULL,
        reason     TEXT
    );
    CREATE TABLE IF NOT EXISTS usage_events (
        id           TEXT PRIMARY KEY,
        task_id      TEXT,
        agent_id     TEXT,
        consumer_id  TEXT,
        metrics_json TEXT NOT NULL,
        timestamp    DATETIME NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_usage_agent ON usage_events(agent_id);
    CREATE INDEX IF NOT EXISTS idx_usage_timestamp ON usage_events(timestamp);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// Save inserts or overwrites the snapshot keyed by (TaskID, Version).
func (s *SQLiteStore) Save(ctx context.Context, snap *asap.StateSnapshot) error {
	if snap == nil || snap.TaskID == "" {
		return ErrInvalidID
	}

	data, err := json.Marshal(snap.Data)
	if err != nil {
		return fmt.Errorf("store: marshal snapshot data: %w", err)
	}

	createdAt := snap.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	query := `INSERT INTO snapshots (task_id, version, data_json, checkpoint, created_at)
        VALUES (?, ?, ?, ?, ?)
        ON CONFLICT(task_id, version) DO UPDATE SET
            data_json = excluded.data_json,
            checkpoint = excluded.checkpoint,
            created_at = excluded.created_at`
	_, err = s.db.ExecContext(ctx, query,
		snap.TaskID, snap.Version, string(data), snap.Checkpoint,
		createdAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("store: insert snapshot: %w", err)
	}
	return nil
}

// Get returns the exact version when version is non-nil, otherwise the
// latest version for the task.
func (s *SQLiteStore) Get(ctx context.Context, taskID string, version *int) (*asap.StateSnapshot, error) {
	if taskID == "" {
		return nil, ErrInvalidID
	}

	var row *sql.Row
	if version != nil {
		row = s.db.QueryRowContext(ctx,
			`SELECT task_id, version, data_json, checkpoint, created_at
             FROM snapshots WHERE task_id = ? AND version = ?`, taskID, *version)
	} else {
		row = s.db.QueryRowContext(ctx,
			`SELECT task_id, version, data_json, checkpoint, created_at
             FROM snapshots WHERE task_id = ? ORDER BY version DESC LIMIT 1`, taskID)
	}

	return scanSnapshot(row)
}

func scanSnapshot(row *sql.Row) (*asap.StateSnapshot, error) {
	var (
		snap       asap.StateSnapshot
		dataJSON   string
		checkpoint sql.NullString
		createdAt  string
	)
	err := row.Scan(&snap.TaskID, &snap.Version, &dataJSON, &checkpoint, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan snapshot: %w", err)
	}

	if err := json.Unmarshal([]byte(dataJSON), &snap.Data); err != nil {
		return nil, fmt.Errorf("store: unmarshal snapshot data: %w", err)
	}
	snap.Checkpoint = checkpoint.String
	if snap.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("store: parse snapshot timestamp: %w", err)
	}
	return &snap, nil
}

// ListVersions returns the stored versions for a task in ascending order.
func (s *SQLiteStore) ListVersions(ctx context.Context, taskID string) ([]int, error) {
	if taskID == "" {
		return nil, ErrInvalidID
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT version FROM snapshots WHERE task_id = ? ORDER BY version ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("store: list versions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("store: scan version: %w", err)
		}
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, ErrNotFound
	}
	return versions, nil
}

// Delete removes one version or every version of the task.
func (s *SQLiteStore) Delete(ctx context.Context, taskID string, version *int) error {
	if taskID == "" {
		return ErrInvalidID
	}

	var (
		res sql.Result
		err error
	)
	if version != nil {
		res, err = s.db.ExecContext(ctx,
			`DELETE FROM snapshots WHERE task_id = ? AND version = ?`, taskID, *version)
	} else {
		res, err = s.db.ExecContext(ctx,
			`DELETE FROM snapshots WHERE task_id = ?`, taskID)
	}
	if err != nil {
		return fmt.Errorf("store: delete snapshot: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Record persists one usage event.
func (s *SQLiteStore) Record(ctx context.Context, event *asap.UsageEvent) error {
	if event == nil || event.ID == "" {
		return ErrInvalidID
	}

	metrics, err := json.Marshal(event.Metrics)
	if err != nil {
		return fmt.Errorf("store: marshal usage metrics: %w", err)
	}

	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO usage_events (id, task_id, agent_id, consumer_id, metrics_json, timestamp)
         VALUES (?, ?, ?, ?, ?, ?)`,
		event.ID, event.TaskID, event.AgentID, event.ConsumerID,
		string(metrics), ts.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("store: insert usage event: %w", err)
	}
	return nil
}

// usageWhere builds the WHERE clause and args for a usage query.
func usageWhere(q UsageQuery) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if q.AgentID != "" {
		conds = append(conds, "agent_id = ?")
		args = append(args, q.AgentID)
	}
	if q.ConsumerID != "" {
		conds = append(conds, "consumer_id = ?")
		args = append(args, q.ConsumerID)
	}
	if q.TaskID != "" {
		conds = append(conds, "task_id = ?")
		args = append(args, q.TaskID)
	}
	if !q.Start.IsZero() {
		conds = append(conds, "timestamp >= ?")
		args = append(args, q.Start.UTC().Format(time.RFC3339Nano))
	}
	if !q.End.IsZero() {
		conds = append(conds, "timestamp <= ?")
		args = append(args, q.End.UTC().Format(time.RFC3339Nano))
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// Query returns events matching q, newest first.
func (s *SQLiteStore) Query(ctx context.Context, q UsageQuery) ([]*asap.UsageEvent, error) {
	where, args := usageWhere(q)

	query := `SELECT id, task_id, agent_id, consumer_id, metrics_json, timestamp
        FROM usage_events` + where + ` ORDER BY timestamp DESC`
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
		if q.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, q.Offset)
		}
	} else if q.Offset > 0 {
		query += " LIMIT -1 OFFSET ?"
		args = append(args, q.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query usage events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*asap.UsageEvent
	for rows.Next() {
		var (
			ev          asap.UsageEvent
			metricsJSON string
			ts          string
		)
		if err := rows.Scan(&ev.ID, &ev.TaskID, &ev.AgentID, &ev.ConsumerID, &metricsJSON, &ts); err != nil {
			return nil, fmt.Errorf("store: scan usage event: %w", err)
		}
		if err := json.Unmarshal([]byte(metricsJSON), &ev.Metrics); err != nil {
			return nil, fmt.Errorf("store: unmarshal usage metrics: %w", err)
		}
		if ev.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("store: parse usage timestamp: %w", err)
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}

// Aggregate groups matching events by the given key and sums their metrics.
// Metrics live in a JSON column, so bucketing happens in memory after a
// single filtered scan.
func (s *SQLiteStore) Aggregate(ctx context.Context, q UsageQuery, groupBy string) ([]UsageAggregate, error) {
	scan := q
	scan.Limit = 0
	scan.Offset = 0
	events, err := s.Query(ctx, scan)
	if err != nil {
		return nil, err
	}
	return aggregateEvents(events, groupBy)
}

// PurgeExpired removes events older than ttl and returns the count removed.
func (s *SQLiteStore) PurgeExpired(ctx context.Context, ttl time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-ttl).Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM usage_events WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("store: purge usage events: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// RecordIssued persists an issuance record.
func (s *SQLiteStore) RecordIssued(ctx context.Context, d *IssuedDelegation) error {
	if d == nil || d.JTI == "" {
		return ErrInvalidID
	}

	createdAt := d.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO issued_delegations (id, delegator_urn, delegate_urn, created_at)
         VALUES (?, ?, ?, ?)
         ON CONFLICT(id) DO NOTHING`,
		d.JTI, d.DelegatorURN, d.DelegateURN, createdAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("store: insert issued delegation: %w", err)
	}
	return nil
}

// Issued returns the issuance record for a token id.
func (s *SQLiteStore) Issued(ctx context.Context, jti string) (*IssuedDelegation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, delegator_urn, delegate_urn, created_at
         FROM issued_delegations WHERE id = ?`, jti)

	var (
		d         IssuedDelegation
		delegate  sql.NullString
		createdAt string
	)
	err := row.Scan(&d.JTI, &d.DelegatorURN, &delegate, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan issued delegation: %w", err)
	}
	d.DelegateURN = delegate.String
	if d.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("store: parse issuance timestamp: %w", err)
	}
	return &d, nil
}

// ListIssued returns issuance records, optionally filtered by delegator,
// newest first.
func (s *SQLiteStore) ListIssued(ctx context.Context, delegatorURN string) ([]*IssuedDelegation, error) {
	query := `SELECT id, delegator_urn, delegate_urn, created_at FROM issued_delegations`
	var args []any
	if delegatorURN != "" {
		query += ` WHERE delegator_urn = ?`
		args = append(args, delegatorURN)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list issued delegations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*IssuedDelegation
	for rows.Next() {
		var (
			d         IssuedDelegation
			delegate  sql.NullString
			createdAt string
		)
		if err := rows.Scan(&d.JTI, &d.DelegatorURN, &delegate, &createdAt); err != nil {
			return nil, fmt.Errorf("store: scan issued delegation: %w", err)
		}
		d.DelegateURN = delegate.String
		if d.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("store: parse issuance timestamp: %w", err)
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

// TokenIDsIssuedBy returns the ids of every token the delegator issued.
func (s *SQLiteStore) TokenIDsIssuedBy(ctx context.Context, delegatorURN string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM issued_delegations WHERE delegator_urn = ?`, delegatorURN)
	if err != nil {
		return nil, fmt.Errorf("store: token ids issued by: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Revoke marks a token revoked. ON CONFLICT DO NOTHING keeps the original
// revocation record, making re-revocation a no-op.
func (s *SQLiteStore) Revoke(ctx context.Context, jti, reason string) error {
	if jti == "" {
		return ErrInvalidID
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO revocations (id, revoked_at, reason) VALUES (?, ?, ?)
         ON CONFLICT(id) DO NOTHING`,
		jti, time.Now().UTC().Format(time.RFC3339Nano), reason)
	if err != nil {
		return fmt.Errorf("store: insert revocation: %w", err)
	}
	return nil
}

// IsRevoked reports whether the token id is revoked.
func (s *SQLiteStore) IsRevoked(ctx context.Context, jti string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM revocations WHERE id = ?`, jti).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: is revoked: %w", err)
	}
	return true, nil
}

// AreRevoked checks a batch of token ids in a single query.
func (s *SQLiteStore) AreRevoked(ctx context.Context, jtis []string) (map[string]bool, error) {
	out := make(map[string]bool, len(jtis))
	if len(jtis) == 0 {
		return out, nil
	}
	for _, jti := range jtis {
		out[jti] = false
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(jtis)), ",")
	args := make([]any, len(jtis))
	for i, jti := range jtis {
		args[i] = jti
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM revocations WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("store: are revoked: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}

// RevokeCascade revokes the token and every reachable descendant.
func (s *SQLiteStore) RevokeCascade(ctx context.Context, jti, reason string) error {
	return revokeCascade(ctx, s, jti, reason)
}
