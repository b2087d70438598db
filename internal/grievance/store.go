package grievance

import (
	"context"
	"sort"
	"sync"
)

// EscalationFilter narrows a scan by escalation state.
type EscalationFilter int

const (
	AnyEscalation EscalationFilter = iota
	OnlyUnescalated
	OnlyEscalated
)

// ScanFilter selects records for a scan. Results are ordered by creation
// time, then id.
type ScanFilter struct {
	OpenOnly   bool
	Escalation EscalationFilter
}

func (f ScanFilter) match(r Record) bool {
	if f.OpenOnly && r.Status.Terminal() {
		return false
	}
	switch f.Escalation {
	case OnlyUnescalated:
		return r.EscalatedAt == nil
	case OnlyEscalated:
		return r.EscalatedAt != nil
	}
	return true
}

// Store persists grievances and their audit trail.
//
// CompareAndSwap is the only mutating path for existing records. It writes
// next with version expectedVersion+1 only if the stored version still equals
// expectedVersion, and appends entry in the same atomic unit, so a record
// change is never visible without its audit entry. It returns the stored
// record and the entry with Seq and Version filled in.
type Store interface {
	Insert(ctx context.Context, rec Record) error
	Get(ctx context.Context, id string) (Record, error)
	CompareAndSwap(ctx context.Context, next Record, expectedVersion int64, entry AuditEntry) (Record, AuditEntry, error)
	Scan(ctx context.Context, f ScanFilter) ([]Record, error)
	// RecentAudit returns up to limit entries, newest first.
	RecentAudit(ctx context.Context, limit int) ([]AuditEntry, error)
	// AuditTrail returns every entry for one grievance, oldest first.
	AuditTrail(ctx context.Context, grievanceID string) ([]AuditEntry, error)
	Ping(ctx context.Context) error
}

// InMemory implements Store with in-process concurrency safety.
type InMemory struct {
	mu    sync.RWMutex
	recs  map[string]*Record
	seq   uint64
	audit []AuditEntry
}

func NewInMemory() *InMemory {
	return &InMemory{recs: make(map[string]*Record)}
}

func (s *InMemory) Insert(ctx context.Context, rec Record) error {
	if rec.ID == "" || rec.Version < 1 {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recs[rec.ID]; ok {
		return ErrAlreadyExists
	}
	for _, r := range s.recs {
		if r.TrackingID == rec.TrackingID {
			return ErrAlreadyExists
		}
	}
	cp := rec.Clone()
	s.recs[rec.ID] = &cp
	return nil
}

func (s *InMemory) Get(ctx context.Context, id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.recs[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return r.Clone(), nil
}

func (s *InMemory) CompareAndSwap(ctx context.Context, next Record, expectedVersion int64, entry AuditEntry) (Record, AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.recs[next.ID]
	if !ok {
		return Record{}, AuditEntry{}, ErrNotFound
	}
	if cur.Version != expectedVersion {
		return Record{}, AuditEntry{}, ErrVersionConflict
	}

	stored := next.Clone()
	stored.Version = expectedVersion + 1
	// set-once timestamps survive any caller mistake
	if cur.ResolvedAt != nil {
		t := *cur.ResolvedAt
		stored.ResolvedAt = &t
	}
	if cur.EscalatedAt != nil {
		t := *cur.EscalatedAt
		stored.EscalatedAt = &t
	}
	stored.CreatedAt = cur.CreatedAt
	stored.TrackingID = cur.TrackingID

	s.seq++
	entry.Seq = s.seq
	entry.GrievanceID = stored.ID
	entry.Version = stored.Version
	s.audit = append(s.audit, entry)
	s.recs[stored.ID] = &stored
	return stored.Clone(), entry, nil
}

func (s *InMemory) Scan(ctx context.Context, f ScanFilter) ([]Record, error) {
	s.mu.RLock()
	out := make([]Record, 0, len(s.recs))
	for _, r := range s.recs {
		if f.match(*r) {
			out = append(out, r.Clone())
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *InMemory) RecentAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.audit) {
		limit = len(s.audit)
	}
	out := make([]AuditEntry, 0, limit)
	for i := len(s.audit) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.audit[i])
	}
	return out, nil
}

func (s *InMemory) AuditTrail(ctx context.Context, grievanceID string) ([]AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.recs[grievanceID]; !ok {
		return nil, ErrNotFound
	}
	var out []AuditEntry
	for _, e := range s.audit {
		if e.GrievanceID == grievanceID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *InMemory) Ping(ctx context.Context) error { return nil }
