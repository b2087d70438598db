package pg

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"grievdesk.org/internal/grievance"
)

type Store struct {
	db *sql.DB
}

var _ grievance.Store = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// New wraps an existing handle; tests use it with sqlmock.
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error {
	return classify("ping", s.db.PingContext(ctx))
}

const recordColumns = `id, tracking_id, title, description, category, submitter_id, assignee_id,
	priority, status, created_at, updated_at, resolved_at, escalated_at, version`

const auditColumns = `seq, grievance_id, actor_id, action, from_status, to_status, reason, version, detail, occurred_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (grievance.Record, error) {
	var (
		r                   grievance.Record
		priority, status    string
		resolved, escalated sql.NullTime
	)
	err := row.Scan(&r.ID, &r.TrackingID, &r.Title, &r.Description, &r.Category, &r.SubmitterID, &r.AssigneeID,
		&priority, &status, &r.CreatedAt, &r.UpdatedAt, &resolved, &escalated, &r.Version)
	if err != nil {
		return grievance.Record{}, err
	}
	r.Priority = grievance.Priority(priority)
	r.Status = grievance.Status(status)
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	if resolved.Valid {
		t := resolved.Time.UTC()
		r.ResolvedAt = &t
	}
	if escalated.Valid {
		t := escalated.Time.UTC()
		r.EscalatedAt = &t
	}
	return r, nil
}

func scanAudit(row rowScanner) (grievance.AuditEntry, error) {
	var (
		e                        grievance.AuditEntry
		action, from, to, reason string
	)
	if err := row.Scan(&e.Seq, &e.GrievanceID, &e.ActorID, &action, &from, &to, &reason, &e.Version, &e.Detail, &e.Timestamp); err != nil {
		return grievance.AuditEntry{}, err
	}
	e.Action = grievance.Action(action)
	e.FromStatus = grievance.Status(from)
	e.ToStatus = grievance.Status(to)
	e.Reason = grievance.Reason(reason)
	e.Timestamp = e.Timestamp.UTC()
	return e, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func (s *Store) Insert(ctx context.Context, r grievance.Record) error {
	_, err := s.db.ExecContext(ctx, `
		insert into grievances(`+recordColumns+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`, r.ID, r.TrackingID, r.Title, r.Description, r.Category, r.SubmitterID, r.AssigneeID,
		string(r.Priority), string(r.Status), r.CreatedAt.UTC(), r.UpdatedAt.UTC(),
		nullTime(r.ResolvedAt), nullTime(r.EscalatedAt), r.Version)
	return classify("insert grievance", err)
}

func (s *Store) Get(ctx context.Context, id string) (grievance.Record, error) {
	r, err := scanRecord(s.db.QueryRowContext(ctx, `select `+recordColumns+` from grievances where id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return grievance.Record{}, grievance.ErrNotFound
	}
	if err != nil {
		return grievance.Record{}, classify("get grievance", err)
	}
	return r, nil
}

// CompareAndSwap runs the conditional update and the audit insert in one
// transaction. resolved_at and escalated_at are coalesced so a value, once
// written, is never replaced.
func (s *Store) CompareAndSwap(ctx context.Context, next grievance.Record, expectedVersion int64, entry grievance.AuditEntry) (grievance.Record, grievance.AuditEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return grievance.Record{}, grievance.AuditEntry{}, classify("begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	stored, err := scanRecord(tx.QueryRowContext(ctx, `
		update grievances set
			assignee_id = $3,
			priority = $4,
			status = $5,
			updated_at = $6,
			resolved_at = coalesce(resolved_at, $7),
			escalated_at = coalesce(escalated_at, $8),
			version = version + 1
		where id = $1 and version = $2
		returning `+recordColumns,
		next.ID, expectedVersion, next.AssigneeID, string(next.Priority), string(next.Status),
		next.UpdatedAt.UTC(), nullTime(next.ResolvedAt), nullTime(next.EscalatedAt)))
	if errors.Is(err, sql.ErrNoRows) {
		var exists bool
		if err := tx.QueryRowContext(ctx, `select exists(select 1 from grievances where id=$1)`, next.ID).Scan(&exists); err != nil {
			return grievance.Record{}, grievance.AuditEntry{}, classify("check grievance", err)
		}
		if !exists {
			return grievance.Record{}, grievance.AuditEntry{}, grievance.ErrNotFound
		}
		return grievance.Record{}, grievance.AuditEntry{}, grievance.ErrVersionConflict
	}
	if err != nil {
		return grievance.Record{}, grievance.AuditEntry{}, classify("update grievance", err)
	}

	entry.GrievanceID = stored.ID
	entry.Version = stored.Version
	entry.Timestamp = entry.Timestamp.UTC()
	if err := tx.QueryRowContext(ctx, `
		insert into grievance_audit(grievance_id, actor_id, action, from_status, to_status, reason, version, detail, occurred_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		returning seq
	`, entry.GrievanceID, entry.ActorID, string(entry.Action), string(entry.FromStatus), string(entry.ToStatus),
		string(entry.Reason), entry.Version, entry.Detail, entry.Timestamp).Scan(&entry.Seq); err != nil {
		return grievance.Record{}, grievance.AuditEntry{}, classify("append audit", err)
	}
	if err := tx.Commit(); err != nil {
		return grievance.Record{}, grievance.AuditEntry{}, classify("commit", err)
	}
	return stored, entry, nil
}

func (s *Store) Scan(ctx context.Context, f grievance.ScanFilter) ([]grievance.Record, error) {
	var where []string
	if f.OpenOnly {
		where = append(where, `status in ('submitted','in_progress')`)
	}
	switch f.Escalation {
	case grievance.OnlyUnescalated:
		where = append(where, `escalated_at is null`)
	case grievance.OnlyEscalated:
		where = append(where, `escalated_at is not null`)
	}
	q := `select ` + recordColumns + ` from grievances`
	if len(where) > 0 {
		q += ` where ` + strings.Join(where, ` and `)
	}
	q += ` order by created_at asc, id asc`

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, classify("scan grievances", err)
	}
	defer rows.Close()
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
	rows, err := s.db.QueryContext(ctx, `select `+auditColumns+` from grievance_audit order by seq desc limit $1`, limit)
	if err != nil {
		return nil, classify("recent audit", err)
	}
	return collectAudit(rows)
}

func (s *Store) AuditTrail(ctx context.Context, grievanceID string) ([]grievance.AuditEntry, error) {
	if _, err := s.Get(ctx, grievanceID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `select `+auditColumns+` from grievance_audit where grievance_id=$1 order by seq asc`, grievanceID)
	if err != nil {
		return nil, classify("audit trail", err)
	}
	return collectAudit(rows)
}

func collectAudit(rows *sql.Rows) ([]grievance.AuditEntry, error) {
	defer rows.Close()
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
