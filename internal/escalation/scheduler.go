package escalation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"grievdesk.org/internal/obs"
)

var ErrSchedulerRunning = errors.New("escalation: scheduler already started")

// Scheduler runs the detector on a fixed interval. A tick that fires while a
// pass is still running is dropped.
type Scheduler struct {
	detector *Detector
	interval time.Duration
	lock     PassLock
	lockTTL  time.Duration

	running atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	loopWG sync.WaitGroup
	passWG sync.WaitGroup
}

type SchedulerOption func(*Scheduler)

// WithPassLock makes every pass first take lock for ttl.
func WithPassLock(lock PassLock, ttl time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		s.lock = lock
		s.lockTTL = ttl
	}
}

func NewScheduler(d *Detector, interval time.Duration, opts ...SchedulerOption) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	s := &Scheduler{
		detector: d,
		interval: interval,
		lock:     LocalLock{},
		lockTTL:  interval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the loop; the first pass runs immediately so a restarted
// service catches up without waiting a full interval.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return ErrSchedulerRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.loopWG.Add(1)
	go s.loop(ctx)
	obs.Info("sweep.scheduler_started", map[string]any{"interval": s.interval.String()})
	return nil
}

// Stop cancels the loop and waits for an in-flight pass to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.loopWG.Wait()
	s.passWG.Wait()
	obs.Info("sweep.scheduler_stopped", nil)
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.loopWG.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.trigger(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.trigger(ctx)
		}
	}
}

// trigger starts a pass unless one is already running. It reports whether a
// pass was started.
func (s *Scheduler) trigger(ctx context.Context) bool {
	if !s.running.CompareAndSwap(false, true) {
		obs.SweepPasses.WithLabelValues("skipped").Inc()
		obs.Info("sweep.tick_skipped", map[string]any{"reason": "previous pass still running"})
		return false
	}
	s.passWG.Add(1)
	go func() {
		defer s.passWG.Done()
		defer s.running.Store(false)
		s.runOnce(ctx)
	}()
	return true
}

func (s *Scheduler) runOnce(ctx context.Context) {
	release, ok, err := s.lock.TryAcquire(ctx, s.lockTTL)
	if err != nil {
		obs.Warn("sweep.lock_failed", map[string]any{"error": err})
		return
	}
	if !ok {
		obs.SweepPasses.WithLabelValues("lock_held").Inc()
		return
	}
	defer func() {
		// release must outlive a cancelled pass context
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := release(rctx); err != nil {
			obs.Warn("sweep.lock_release_failed", map[string]any{"error": err})
		}
	}()
	if _, err := s.detector.RunPass(ctx); err != nil && !errors.Is(err, context.Canceled) {
		obs.Warn("sweep.pass_failed", map[string]any{"error": err})
	}
}
