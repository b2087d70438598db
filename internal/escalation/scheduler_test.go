package escalation

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestTickDuringPassIsSkipped(t *testing.T) {
	f := newFixture(t)
	eng := newBlockingEngine(f.svc)
	s := NewScheduler(NewDetector(eng, 1), time.Hour)
	ctx := context.Background()

	if !s.trigger(ctx) {
		t.Fatal("first trigger should start a pass")
	}
	<-eng.started
	if s.trigger(ctx) {
		t.Fatal("second trigger should be skipped while a pass runs")
	}
	close(eng.release)
	s.passWG.Wait()

	if got := eng.scans.Load(); got != 1 {
		t.Fatalf("skipped tick must not queue a pass, got %d scans", got)
	}
	if !s.trigger(ctx) {
		t.Fatal("trigger after completion should start a pass")
	}
	s.passWG.Wait()
}

func TestSchedulerStartStop(t *testing.T) {
	f := newFixture(t)
	eng := newBlockingEngine(f.svc)
	close(eng.release)
	s := NewScheduler(NewDetector(eng, 1), 5*time.Millisecond)

	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); !errors.Is(err, ErrSchedulerRunning) {
		t.Fatalf("expected ErrSchedulerRunning, got %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for eng.scans.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("scheduler did not tick, scans=%d", eng.scans.Load())
		}
		time.Sleep(time.Millisecond)
	}
	s.Stop()
	after := eng.scans.Load()
	time.Sleep(30 * time.Millisecond)
	if eng.scans.Load() != after {
		t.Fatal("passes ran after Stop")
	}
	s.Stop()
}

type heldLock struct{ calls atomic.Int32 }

func (l *heldLock) TryAcquire(ctx context.Context, ttl time.Duration) (func(context.Context) error, bool, error) {
	l.calls.Add(1)
	return nil, false, nil
}

func TestHeldLockSkipsPass(t *testing.T) {
	f := newFixture(t)
	eng := newBlockingEngine(f.svc)
	close(eng.release)
	lock := &heldLock{}
	s := NewScheduler(NewDetector(eng, 1), time.Hour, WithPassLock(lock, time.Minute))

	s.trigger(context.Background())
	s.passWG.Wait()
	if lock.calls.Load() != 1 || eng.scans.Load() != 0 {
		t.Fatalf("pass should not run without the lock: calls=%d scans=%d", lock.calls.Load(), eng.scans.Load())
	}
}
