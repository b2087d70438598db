package grievance

import (
	"context"
	"sort"
	"time"
)

// EscalationItem is one row of the administrative escalation view.
type EscalationItem struct {
	Record
	Deadline  time.Time     `json:"deadline"`
	OverdueBy time.Duration `json:"-"`
	// OverdueSeconds mirrors OverdueBy for JSON consumers.
	OverdueSeconds int64 `json:"overdue_seconds"`
}

const (
	defaultAuditLimit = 50
	maxAuditLimit     = 1000
)

// ListEscalated returns every open, escalated grievance, oldest escalation
// first. Ties on escalation time are broken by id so the listing is stable
// between calls.
func (s *Service) ListEscalated(ctx context.Context) ([]EscalationItem, error) {
	var recs []Record
	err := s.retryRead(ctx, func() error {
		var err error
		recs, err = s.store.Scan(ctx, ScanFilter{OpenOnly: true, Escalation: OnlyEscalated})
		return err
	})
	if err != nil {
		return nil, err
	}
	now := s.now()
	items := make([]EscalationItem, 0, len(recs))
	for _, r := range recs {
		by := s.eval.OverdueBy(r, now)
		items = append(items, EscalationItem{
			Record:         r,
			Deadline:       s.eval.Deadline(r),
			OverdueBy:      by,
			OverdueSeconds: int64(by / time.Second),
		})
	}
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if !a.EscalatedAt.Equal(*b.EscalatedAt) {
			return a.EscalatedAt.Before(*b.EscalatedAt)
		}
		return a.ID < b.ID
	})
	return items, nil
}

// ClampAuditLimit maps a requested page size onto [1, 1000], defaulting to 50.
func ClampAuditLimit(limit int) int {
	if limit <= 0 {
		return defaultAuditLimit
	}
	if limit > maxAuditLimit {
		return maxAuditLimit
	}
	return limit
}

// RecentAudit returns the newest audit entries across all grievances.
func (s *Service) RecentAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	limit = ClampAuditLimit(limit)
	var out []AuditEntry
	err := s.retryRead(ctx, func() error {
		var err error
		out, err = s.store.RecentAudit(ctx, limit)
		return err
	})
	return out, err
}

// AuditTrail returns the full history of one grievance, oldest first.
func (s *Service) AuditTrail(ctx context.Context, id string) ([]AuditEntry, error) {
	var out []AuditEntry
	err := s.retryRead(ctx, func() error {
		var err error
		out, err = s.store.AuditTrail(ctx, id)
		return err
	})
	return out, err
}
