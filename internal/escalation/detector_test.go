package escalation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"grievdesk.org/internal/grievance"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type countingNotifier struct{ n atomic.Int32 }

func (c *countingNotifier) Notify(context.Context, grievance.EscalationEvent) error {
	c.n.Add(1)
	return nil
}

type fixture struct {
	svc    *grievance.Service
	store  *grievance.InMemory
	clock  *clock
	notify *countingNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{store: grievance.NewInMemory(), clock: &clock{now: t0}, notify: &countingNotifier{}}
	f.svc = grievance.NewService(f.store, grievance.WithClock(f.clock.Now), grievance.WithNotifier(f.notify))
	return f
}

func (f *fixture) create(t *testing.T, pr grievance.Priority) grievance.Record {
	t.Helper()
	rec, err := f.svc.Create(context.Background(), grievance.NewGrievance{SubmitterID: "owner-1", Priority: pr})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return rec
}

func TestUrgentEscalatesOnlyAfterDeadline(t *testing.T) {
	f := newFixture(t)
	rec := f.create(t, grievance.PriorityUrgent)
	d := NewDetector(f.svc, 4)
	ctx := context.Background()

	f.clock.Set(t0.Add(23 * time.Hour))
	res, err := d.RunPass(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Scanned != 1 || res.Escalated != 0 {
		t.Fatalf("unexpected result at +23h: %+v", res)
	}

	f.clock.Set(t0.Add(25 * time.Hour))
	res, err = d.RunPass(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Escalated != 1 || res.Overdue != 1 {
		t.Fatalf("unexpected result at +25h: %+v", res)
	}
	got, _ := f.store.Get(ctx, rec.ID)
	if got.EscalatedAt == nil || !got.EscalatedAt.Equal(t0.Add(25*time.Hour)) {
		t.Fatalf("escalatedAt should be the pass timestamp, got %v", got.EscalatedAt)
	}
	if got.Status != grievance.StatusSubmitted {
		t.Fatalf("escalation must not change status, got %s", got.Status)
	}
	trail, _ := f.store.AuditTrail(ctx, rec.ID)
	if len(trail) != 1 || trail[0].Reason != grievance.ReasonAutoEscalation {
		t.Fatalf("expected one auto-escalation entry, got %+v", trail)
	}

	res, _ = d.RunPass(ctx)
	if res.Scanned != 0 || res.Escalated != 0 {
		t.Fatalf("escalated record must not be rescanned: %+v", res)
	}
	if f.notify.n.Load() != 1 {
		t.Fatalf("expected one notification, got %d", f.notify.n.Load())
	}
}

func TestLowNotDueAtThreeDays(t *testing.T) {
	f := newFixture(t)
	f.create(t, grievance.PriorityLow)
	f.clock.Set(t0.Add(72 * time.Hour))
	res, err := NewDetector(f.svc, 1).RunPass(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Escalated != 0 || res.Overdue != 0 {
		t.Fatalf("low record escalated early: %+v", res)
	}
}

func TestTerminalRecordsAreSkipped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.create(t, grievance.PriorityUrgent)
	admin := grievance.Actor{ID: "a", Role: grievance.RoleAdmin}
	if _, err := f.svc.ChangeStatus(ctx, grievance.ChangeStatusRequest{ID: rec.ID, Status: grievance.StatusResolved, Actor: admin}); err != nil {
		t.Fatal(err)
	}
	f.clock.Set(t0.Add(1000 * time.Hour))
	res, _ := NewDetector(f.svc, 1).RunPass(ctx)
	if res.Scanned != 0 || res.Escalated != 0 {
		t.Fatalf("resolved record touched: %+v", res)
	}
}

func TestResolveAfterEscalationKeepsTimestamp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.create(t, grievance.PriorityUrgent)
	d := NewDetector(f.svc, 2)

	f.clock.Set(t0.Add(25 * time.Hour))
	if res, _ := d.RunPass(ctx); res.Escalated != 1 {
		t.Fatalf("expected escalation at +25h: %+v", res)
	}
	admin := grievance.Actor{ID: "a", Role: grievance.RoleAdmin}
	f.clock.Set(t0.Add(26 * time.Hour))
	resolved, err := f.svc.ChangeStatus(ctx, grievance.ChangeStatusRequest{ID: rec.ID, Status: grievance.StatusResolved, Actor: admin})
	if err != nil {
		t.Fatal(err)
	}
	if resolved.EscalatedAt == nil || !resolved.EscalatedAt.Equal(t0.Add(25*time.Hour)) {
		t.Fatalf("resolve cleared escalatedAt: %v", resolved.EscalatedAt)
	}

	f.clock.Set(t0.Add(40 * time.Hour))
	if res, _ := d.RunPass(ctx); res.Escalated != 0 {
		t.Fatalf("resolved record escalated again: %+v", res)
	}
	trail, _ := f.store.AuditTrail(ctx, rec.ID)
	escalations := 0
	for _, e := range trail {
		if e.Action == grievance.ActionEscalation {
			escalations++
		}
	}
	if len(trail) != 2 || escalations != 1 {
		t.Fatalf("expected one escalation and one resolve entry, got %+v", trail)
	}
	if f.notify.n.Load() != 1 {
		t.Fatalf("expected one notification, got %d", f.notify.n.Load())
	}
}

func TestConcurrentDetectorsEscalateOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	var recs []grievance.Record
	for i := 0; i < 20; i++ {
		recs = append(recs, f.create(t, grievance.PriorityUrgent))
	}
	f.clock.Set(t0.Add(48 * time.Hour))

	const replicas = 8
	var wg sync.WaitGroup
	var escalated atomic.Int64
	for i := 0; i < replicas; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := NewDetector(f.svc, 4).RunPass(ctx)
			if err != nil {
				t.Errorf("pass: %v", err)
				return
			}
			escalated.Add(int64(res.Escalated))
		}()
	}
	wg.Wait()

	if escalated.Load() != int64(len(recs)) {
		t.Fatalf("expected %d escalations in total, got %d", len(recs), escalated.Load())
	}
	for _, r := range recs {
		trail, _ := f.store.AuditTrail(ctx, r.ID)
		if len(trail) != 1 {
			t.Fatalf("%s: expected exactly one audit entry, got %d", r.ID, len(trail))
		}
	}
	if got := f.notify.n.Load(); got != int32(len(recs)) {
		t.Fatalf("expected %d notifications, got %d", len(recs), got)
	}
}

// conflictEngine reports a version conflict for the first n escalation
// attempts without writing anything.
type conflictEngine struct {
	*grievance.Service
	left atomic.Int32
}

func (e *conflictEngine) TryEscalate(ctx context.Context, rec grievance.Record, now time.Time, actor grievance.Actor, reason grievance.Reason) (grievance.Record, error) {
	if e.left.Add(-1) >= 0 {
		return grievance.Record{}, grievance.ErrVersionConflict
	}
	return e.Service.TryEscalate(ctx, rec, now, actor, reason)
}

func TestConflictIsRetriedOnce(t *testing.T) {
	f := newFixture(t)
	f.create(t, grievance.PriorityUrgent)
	f.clock.Set(t0.Add(30 * time.Hour))
	eng := &conflictEngine{Service: f.svc}
	eng.left.Store(1)

	res, err := NewDetector(eng, 1).RunPass(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Escalated != 1 || res.Conflicts != 1 {
		t.Fatalf("expected escalation after one retry: %+v", res)
	}
}

func TestSecondConflictDefersToNextPass(t *testing.T) {
	f := newFixture(t)
	rec := f.create(t, grievance.PriorityUrgent)
	f.clock.Set(t0.Add(30 * time.Hour))
	eng := &conflictEngine{Service: f.svc}
	eng.left.Store(2)
	d := NewDetector(eng, 1)

	res, err := d.RunPass(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Escalated != 0 || res.Deferred != 1 || res.Conflicts != 2 {
		t.Fatalf("expected deferral: %+v", res)
	}
	got, _ := f.store.Get(context.Background(), rec.ID)
	if got.EscalatedAt != nil {
		t.Fatal("deferred record was escalated")
	}

	res, _ = d.RunPass(context.Background())
	if res.Escalated != 1 {
		t.Fatalf("next pass should escalate: %+v", res)
	}
}

// resolvingEngine resolves the record just before the first escalation
// attempt, so the attempt carries a stale version.
type resolvingEngine struct {
	*grievance.Service
	once sync.Once
}

func (e *resolvingEngine) TryEscalate(ctx context.Context, rec grievance.Record, now time.Time, actor grievance.Actor, reason grievance.Reason) (grievance.Record, error) {
	e.once.Do(func() {
		_, _ = e.Service.ChangeStatus(ctx, grievance.ChangeStatusRequest{
			ID:     rec.ID,
			Status: grievance.StatusResolved,
			Actor:  grievance.Actor{ID: "root", Role: grievance.RoleAdmin},
		})
	})
	return e.Service.TryEscalate(ctx, rec, now, actor, reason)
}

func TestRecordResolvedMidPassIsNotEscalated(t *testing.T) {
	f := newFixture(t)
	rec := f.create(t, grievance.PriorityUrgent)
	f.clock.Set(t0.Add(30 * time.Hour))

	res, err := NewDetector(&resolvingEngine{Service: f.svc}, 1).RunPass(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Escalated != 0 || res.Conflicts != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	got, _ := f.store.Get(context.Background(), rec.ID)
	if got.EscalatedAt != nil || got.Status != grievance.StatusResolved {
		t.Fatalf("unexpected record: %+v", got)
	}
}

type blockingEngine struct {
	*grievance.Service
	started chan struct{}
	release chan struct{}
	scans   atomic.Int32
}

func newBlockingEngine(svc *grievance.Service) *blockingEngine {
	return &blockingEngine{Service: svc, started: make(chan struct{}, 16), release: make(chan struct{})}
}

func (e *blockingEngine) ScanCandidates(ctx context.Context) ([]grievance.Record, error) {
	e.scans.Add(1)
	select {
	case e.started <- struct{}{}:
	default:
	}
	select {
	case <-e.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return e.Service.ScanCandidates(ctx)
}

func TestOverlappingPassIsRejected(t *testing.T) {
	f := newFixture(t)
	eng := newBlockingEngine(f.svc)
	d := NewDetector(eng, 1)

	done := make(chan error, 1)
	go func() {
		_, err := d.RunPass(context.Background())
		done <- err
	}()
	<-eng.started

	if _, err := d.RunPass(context.Background()); !errors.Is(err, ErrPassInProgress) {
		t.Fatalf("expected ErrPassInProgress, got %v", err)
	}
	close(eng.release)
	if err := <-done; err != nil {
		t.Fatalf("first pass failed: %v", err)
	}
}

type failingEngine struct{ *grievance.Service }

func (failingEngine) ScanCandidates(context.Context) ([]grievance.Record, error) {
	return nil, grievance.ErrStoreUnavailable
}

func TestScanFailureFailsPass(t *testing.T) {
	f := newFixture(t)
	_, err := NewDetector(failingEngine{f.svc}, 1).RunPass(context.Background())
	if !errors.Is(err, grievance.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
}
