// Package sqlite is the single-node grievance store. It needs no external
// database and creates its schema on open.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"grievdesk.org/internal/grievance"
)

type Store struct {
	db *sql.DB
}

var _ grievance.Store = (*Store)(nil)

// Open opens (or creates) the database file at path. The pool is limited to
// one connection, which serialises writers inside the process.
func Open(path string) (*Store, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	s, err := NewStore(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewStore wraps db and creates the schema if it is missing.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		return nil, fmt.Errorf("sqlite: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{`
	CREATE TABLE IF NOT EXISTS grievances (
		id TEXT PRIMARY KEY,
		tracking_id TEXT NOT NULL UNIQUE,
		title TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL DEFAULT '',
		submitter_id TEXT NOT NULL,
		assignee_id TEXT NOT NULL DEFAULT '',
		priority TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		resolved_at INTEGER,
		escalated_at INTEGER,
		version INTEGER NOT NULL CHECK (version > 0)
	)`, `
	CREATE INDEX IF NOT EXISTS grievances_scan_idx ON grievances (status, escalated_at, created_at)`, `
	CREATE TABLE IF NOT EXISTS grievance_audit (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		grievance_id TEXT NOT NULL REFERENCES grievances(id),
		actor_id TEXT NOT NULL,
		action TEXT NOT NULL,
		from_status TEXT NOT NULL,
		to_status TEXT NOT NULL,
		reason TEXT NOT NULL,
		version INTEGER NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		occurred_at INTEGER NOT NULL
	)`, `
	CREATE INDEX IF NOT EXISTS grievance_audit_grievance_idx ON grievance_audit (grievance_id, seq)`, `
	CREATE TRIGGER IF NOT EXISTS grievance_audit_no_update BEFORE UPDATE ON grievance_audit
	BEGIN SELECT RAISE(ABORT, 'grievance_audit is append-only'); END`, `
	CREATE TRIGGER IF NOT EXISTS grievance_audit_no_delete BEFORE DELETE ON grievance_audit
	BEGIN SELECT RAISE(ABORT, 'grievance_audit is append-only'); END`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return classify("ping", s.db.PingContext(ctx))
}

const recordColumns = `id, tracking_id, title, description, category, submitter_id, assignee_id,
	priority, status, created_at, updated_at, resolved_at, escalated_at, version`

const auditColumns = `seq, grievance_id, actor_id, action, from_status, to_status, reason, version, detail, occurred_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func toNanos(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toNanos(*t), Valid: true}
}

func scanRecord(row rowScanner) (grievance.Record, error) {
	var (
		r                   grievance.Record
		priority, status    string
		created, updated    int64
		resolved, escalated sql.NullInt64
	)
	err := row.Scan(&r.ID, &r.TrackingID, &r.Title, &r.Description, &r.Category, &r.SubmitterID, &r.AssigneeID,
		&priority, &status, &created, &updated, &resolved, &escalated, &r.Version)
	if err != nil {
		return grievance.Record{}, err
	}
	r.Priority = grievance.Priority(priority)
	r.Status = grievance.Status(status)
	r.CreatedAt = fromNanos(created)
	r.UpdatedAt = fromNanos(updated)
	if resolved.Valid {
		t := fromNanos(resolved.Int64)
		r.ResolvedAt = &t
	}
	if escalated.Valid {
		t := fromNanos(escalated.Int64)
		r.EscalatedAt = &t
	}
	return r, nil
}

func scanAudit(row rowScanner) (grievance.AuditEntry, error) {
	var (
		e                        grievance.AuditEntry
		action, from, to, reason string
		at                       int64
	)
	if err := row.Scan(&e.Seq, &e.GrievanceID, &e.ActorID, &action, &from, &to, &reason, &e.Version, &e.Detail, &at); err != nil {
		return grievance.AuditEntry{}, err
	}
	e.Action = grievance.Action(action)
	e.FromStatus = grievance.Status(from)
	e.ToStatus = grievance.Status(to)
	e.Reason = grievance.Reason(reason)
	e.Timestamp = fromNanos(at)
	return e, nil
}

func (s *Store) Insert(ctx context.Context, r grievance.Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO grievances (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.TrackingID, r.Title, r.Description, r.Category, r.SubmitterID, r.AssigneeID,
		string(r.Priority), string(r.Status), toNanos(r.CreatedAt), toNanos(r.UpdatedAt),
		nullNanos(r.ResolvedAt), nullNanos(r.EscalatedAt), r.Version)
	return classify("insert grievance", err)
}

func (s *Store) Get(ctx context.Context, id string) (grievance.Record, error) {
	return s.get(ctx, s.db, id)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) get(ctx context.Context, q querier, id string) (grievance.Record, error) {
	r, err := scanRecord(q.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM grievances WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return grievance.Record{}, grievance.ErrNotFound
	}
	if err != nil {
		return grievance.Record{}, classify("get grievance", err)
	}
	return r, nil
}

func (s *Store) CompareAndSwap(ctx context.Context, next grievance.Record, expectedVersion int64, entry grievance.AuditEntry) (grievance.Record, grievance.AuditEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return grievance.Record{}, grievance.AuditEntry{}, classify("begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE grievances SET
			assignee_id = ?,
			priority = ?,
			status = ?,
			updated_at = ?,
			resolved_at = COALESCE(resolved_at, ?),
			escalated_at = COALESCE(escalated_at, ?),
			version = version + 1
		WHERE id = ? AND version = ?
	`, next.AssigneeID, string(next.Priority), string(next.Status), toNanos(next.UpdatedAt),
		nullNanos(next.ResolvedAt), nullNanos(next.EscalatedAt), next.ID, expectedVersion)
	if err != nil {
		return grievance.Record{}, grievance.AuditEntry{}, classify("update grievance", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return grievance.Record{}, grievance.AuditEntry{}, classify("update grievance", err)
	}
	if n == 0 {
		if _, err := s.get(ctx, tx, next.ID); err != nil {
			return grievance.Record{}, grievance.AuditEntry{}, err
		}
		return grievance.Record{}, grievance.AuditEntry{}, grievance.ErrVersionConflict
	}
	stored, err := s.get(ctx, tx, next.ID)
	if err != nil {
		return grievance.Record{}, grievance.AuditEntry{}, err
	}

	entry.GrievanceID = stored.ID
	entry.Version = stored.Version
	entry.Timestamp = entry.Timestamp.UTC()
	res, err = tx.ExecContext(ctx, `
		INSERT INTO grievance_audit (grievance_id, actor_id, action, from_status, to_status, reason, version, detail, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.GrievanceID, entry.ActorID, string(entry.Action), string(entry.FromStatus), string(entry.ToStatus),
		string(entry.Reason), entry.Version, entry.Detail, toNanos(entry.Timestamp))
	if err != nil {
		return grievance.Record{}, grievance.AuditEntry{}, classify("append audit", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return grievance.Record{}, grievance.AuditEntry{}, classify("append audit", err)
	}
	entry.Seq = uint64(seq)
	if err := tx.Commit(); err != nil {
		return grievance.Record{}, grievance.AuditEntry{}, classify("commit", err)
	}
	return stored, entry, nil
}

func (s *Store) Scan(ctx context.Context, f grievance.ScanFilter) ([]grievance.Record, error) {
	var where []string
	if f.OpenOnly {
		where = append(where, `status IN ('submitted', 'in_progress')`)
	}
	switch f.Escalation {
	case grievance.OnlyUnescalated:
		where = append(where, `escalated_at IS NULL`)
	case grievance.OnlyEscalated:
		where = append(where, `escalated_at IS NOT NULL`)
	}
	q := `SELECT ` + recordColumns + ` FROM grievances`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, ` AND `)
	}
	q += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, classify("scan grievances", err)
	}
	defer func() { _ = rows.Close() }()
	var out []grievance.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, classify("scan grievances", err)
		}
		out = append(out, r)
	}
	return out, classify("scan grievances", rows.Err())
}

func (s *Store) RecentAudit(ctx context.Context, limit int) ([]grievance.AuditEntry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+auditColumns+` FROM grievance_audit ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, classify("recent audit", err)
	}
	return collectAudit(rows)
}

func (s *Store) AuditTrail(ctx context.Context, grievanceID string) ([]grievance.AuditEntry, error) {
	if _, err := s.Get(ctx, grievanceID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+auditColumns+` FROM grievance_audit WHERE grievance_id = ? ORDER BY seq ASC`, grievanceID)
	if err != nil {
		return nil, classify("audit trail", err)
	}
	return collectAudit(rows)
}

func collectAudit(rows *sql.Rows) ([]grievance.AuditEntry, error) {
	defer func() { _ = rows.Close() }()
	var out []grievance.AuditEntry
	for rows.Next() {
		e, err := scanAudit(rows)
		if err != nil {
			return nil, classify("read audit", err)
		}
		out = append(out, e)
	}
	return out, classify("read audit", rows.Err())
}

// classify maps busy/locked to ErrStoreUnavailable and constraint
// violations on keys to ErrAlreadyExists.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return fmt.Errorf("%s: %w: %v", op, grievance.ErrStoreUnavailable, err)
		case sqlite3.SQLITE_CONSTRAINT:
			code := se.Code()
			if code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY ||
				strings.Contains(se.Error(), "UNIQUE constraint failed") {
				return fmt.Errorf("%s: %w", op, grievance.ErrAlreadyExists)
			}
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %v", op, grievance.ErrStoreUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
