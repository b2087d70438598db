package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"grievdesk.org/internal/grievance"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "grievdesk.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newService(s grievance.Store, now time.Time) *grievance.Service {
	return grievance.NewService(s, grievance.WithClock(func() time.Time { return now }))
}

func TestRoundTrip(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	svc := newService(s, t0)

	rec, err := svc.Create(ctx, grievance.NewGrievance{Title: "Noise", Category: "housing", SubmitterID: "owner-1", Priority: grievance.PriorityHigh})
	if err != nil {
		t.Fatal(err)
	}
	got, err := s.Get(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Title != "Noise" || got.Priority != grievance.PriorityHigh || !got.CreatedAt.Equal(t0) || got.Version != 1 {
		t.Fatalf("unexpected record: %+v", got)
	}
	if _, err := s.Get(ctx, "missing"); !errors.Is(err, grievance.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCompareAndSwapAndAudit(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	svc := newService(s, t0.Add(time.Hour))
	admin := grievance.Actor{ID: "admin-1", Role: grievance.RoleAdmin}

	rec, _ := svc.Create(ctx, grievance.NewGrievance{SubmitterID: "owner-1"})
	out, err := svc.ChangeStatus(ctx, grievance.ChangeStatusRequest{ID: rec.ID, Status: grievance.StatusResolved, Actor: admin, ExpectedVersion: 1})
	if err != nil {
		t.Fatal(err)
	}
	if out.Version != 2 || out.ResolvedAt == nil {
		t.Fatalf("unexpected record: %+v", out)
	}
	if _, err := svc.ChangeStatus(ctx, grievance.ChangeStatusRequest{ID: rec.ID, Status: grievance.StatusClosed, Actor: admin, ExpectedVersion: 1}); !errors.Is(err, grievance.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
	if _, _, err := s.CompareAndSwap(ctx, out, 1, grievance.AuditEntry{}); !errors.Is(err, grievance.ErrVersionConflict) {
		t.Fatalf("store should reject stale version, got %v", err)
	}

	trail, err := s.AuditTrail(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(trail) != 1 || trail[0].ToStatus != grievance.StatusResolved || trail[0].Version != 2 || trail[0].Seq == 0 {
		t.Fatalf("unexpected trail: %+v", trail)
	}
}

func TestSetOnceColumns(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	svc := newService(s, t0)
	rec, _ := svc.Create(ctx, grievance.NewGrievance{SubmitterID: "owner-1"})

	first := t0.Add(time.Hour)
	next := rec.Clone()
	next.EscalatedAt = &first
	out, _, err := s.CompareAndSwap(ctx, next, 1, grievance.AuditEntry{Action: grievance.ActionEscalation})
	if err != nil {
		t.Fatal(err)
	}
	later := t0.Add(9 * time.Hour)
	out.EscalatedAt = &later
	out2, _, err := s.CompareAndSwap(ctx, out, 2, grievance.AuditEntry{Action: grievance.ActionAssign})
	if err != nil {
		t.Fatal(err)
	}
	if !out2.EscalatedAt.Equal(first) {
		t.Fatalf("escalated_at overwritten: %v", out2.EscalatedAt)
	}
}

func TestScanAndRecentAudit(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	svc := newService(s, t0.Add(30*time.Hour))
	admin := grievance.Actor{ID: "admin-1", Role: grievance.RoleAdmin}

	a, _ := svc.Create(ctx, grievance.NewGrievance{SubmitterID: "o", Priority: grievance.PriorityUrgent})
	b, _ := svc.Create(ctx, grievance.NewGrievance{SubmitterID: "o"})
	c, _ := svc.Create(ctx, grievance.NewGrievance{SubmitterID: "o"})
	if _, err := svc.EscalateManually(ctx, a.ID, admin); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.ChangeStatus(ctx, grievance.ChangeStatusRequest{ID: c.ID, Status: grievance.StatusClosed, Actor: admin}); err != nil {
		t.Fatal(err)
	}

	candidates, err := s.Scan(ctx, grievance.ScanFilter{OpenOnly: true, Escalation: grievance.OnlyUnescalated})
	if err != nil {
		t.Fatal(err)
	}
	if len(candidates) != 1 || candidates[0].ID != b.ID {
		t.Fatalf("unexpected candidates: %+v", candidates)
	}
	escalated, _ := s.Scan(ctx, grievance.ScanFilter{OpenOnly: true, Escalation: grievance.OnlyEscalated})
	if len(escalated) != 1 || escalated[0].ID != a.ID {
		t.Fatalf("unexpected escalated: %+v", escalated)
	}

	recent, err := s.RecentAudit(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 2 || recent[0].GrievanceID != c.ID || recent[1].Action != grievance.ActionEscalation {
		t.Fatalf("unexpected recent audit: %+v", recent)
	}
}

func TestDuplicateInsert(t *testing.T) {
	s := openTemp(t)
	rec := grievance.Record{ID: "g1", TrackingID: "GRV-1", SubmitterID: "o", Priority: grievance.PriorityLow,
		Status: grievance.StatusSubmitted, CreatedAt: t0, UpdatedAt: t0, Version: 1}
	if err := s.Insert(context.Background(), rec); err != nil {
		t.Fatal(err)
	}
	if err := s.Insert(context.Background(), rec); !errors.Is(err, grievance.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestAuditIsAppendOnly(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	svc := newService(s, t0)
	rec, _ := svc.Create(ctx, grievance.NewGrievance{SubmitterID: "o"})
	admin := grievance.Actor{ID: "admin-1", Role: grievance.RoleAdmin}
	if _, err := svc.ChangeStatus(ctx, grievance.ChangeStatusRequest{ID: rec.ID, Status: grievance.StatusClosed, Actor: admin}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.DB().ExecContext(ctx, `DELETE FROM grievance_audit`); err == nil {
		t.Fatal("delete on audit table should fail")
	}
	if _, err := s.DB().ExecContext(ctx, `UPDATE grievance_audit SET actor_id = 'x'`); err == nil {
		t.Fatal("update on audit table should fail")
	}
}

func TestConcurrentEscalationSingleWinner(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	svc := newService(s, t0)
	rec, _ := svc.Create(ctx, grievance.NewGrievance{SubmitterID: "o", Priority: grievance.PriorityUrgent})

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.TryEscalate(ctx, rec, t0.Add(25*time.Hour), grievance.SystemActor, grievance.ReasonAutoEscalation); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected one winner, got %d", wins)
	}
	trail, _ := s.AuditTrail(ctx, rec.ID)
	if len(trail) != 1 {
		t.Fatalf("expected one audit entry, got %d", len(trail))
	}
}
