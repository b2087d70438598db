package escalation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"grievdesk.org/internal/grievance"
	"grievdesk.org/internal/obs"
)

// ErrPassInProgress is returned when RunPass is called while another pass on
// the same detector is still running.
var ErrPassInProgress = errors.New("escalation: pass already in progress")

// Engine is the part of the grievance service the detector drives.
type Engine interface {
	Now() time.Time
	ScanCandidates(ctx context.Context) ([]grievance.Record, error)
	Get(ctx context.Context, id string) (grievance.Record, error)
	IsOverdue(rec grievance.Record, now time.Time) bool
	TryEscalate(ctx context.Context, rec grievance.Record, now time.Time, actor grievance.Actor, reason grievance.Reason) (grievance.Record, error)
}

// PassResult summarises one sweep.
type PassResult struct {
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Scanned   int           `json:"scanned"`
	Overdue   int           `json:"overdue"`
	Escalated int           `json:"escalated"`
	Conflicts int           `json:"conflicts"`
	// Deferred counts overdue records left for the next pass after a second
	// conflict or a transient store error.
	Deferred int `json:"deferred"`
	Failed   int `json:"failed"`
}

// Detector finds open grievances past their deadline and escalates each one
// at most once.
type Detector struct {
	engine      Engine
	concurrency int
	mu          sync.Mutex
}

// NewDetector builds a detector; concurrency bounds how many records are
// processed in parallel within one pass.
func NewDetector(engine Engine, concurrency int) *Detector {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Detector{engine: engine, concurrency: concurrency}
}

type outcome int

const (
	outcomeNotDue outcome = iota
	outcomeEscalated
	outcomeRaced
	outcomeDeferred
	outcomeFailed
)

type passCounters struct {
	overdue, escalated, conflicts, deferred, failed atomic.Int64
}

// RunPass evaluates every open, unescalated grievance against a single pass
// timestamp. Per-record failures are logged and counted; only a failed scan
// or a cancelled context fails the pass.
func (d *Detector) RunPass(ctx context.Context) (PassResult, error) {
	if !d.mu.TryLock() {
		obs.SweepPasses.WithLabelValues("overlap").Inc()
		return PassResult{}, ErrPassInProgress
	}
	defer d.mu.Unlock()

	ctx, span := obs.Tracer().Start(ctx, "escalation.RunPass")
	defer span.End()

	start := time.Now()
	now := d.engine.Now()
	res := PassResult{StartedAt: now}

	recs, err := d.engine.ScanCandidates(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		obs.SweepPasses.WithLabelValues("failed").Inc()
		obs.Error("sweep.scan_failed", map[string]any{"error": err})
		return res, fmt.Errorf("escalation: scan candidates: %w", err)
	}
	res.Scanned = len(recs)

	var c passCounters
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.concurrency)
	for _, rec := range recs {
		rec := rec
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			d.count(&c, d.process(gctx, rec, now, &c))
			return nil
		})
	}
	err = g.Wait()
	if err == nil {
		err = ctx.Err()
	}

	res.Overdue = int(c.overdue.Load())
	res.Escalated = int(c.escalated.Load())
	res.Conflicts = int(c.conflicts.Load())
	res.Deferred = int(c.deferred.Load())
	res.Failed = int(c.failed.Load())
	res.Duration = time.Since(start)

	span.SetAttributes(
		attribute.Int("sweep.scanned", res.Scanned),
		attribute.Int("sweep.escalated", res.Escalated),
		attribute.Int("sweep.conflicts", res.Conflicts),
	)
	obs.SweepDuration.Observe(res.Duration.Seconds())

	fields := map[string]any{
		"scanned":     res.Scanned,
		"overdue":     res.Overdue,
		"escalated":   res.Escalated,
		"conflicts":   res.Conflicts,
		"deferred":    res.Deferred,
		"failed":      res.Failed,
		"duration_ms": res.Duration.Milliseconds(),
	}
	if err != nil {
		obs.SweepPasses.WithLabelValues("cancelled").Inc()
		fields["error"] = err
		obs.Warn("sweep.pass_aborted", fields)
		return res, err
	}
	obs.SweepPasses.WithLabelValues("ok").Inc()
	obs.Info("sweep.pass_complete", fields)
	return res, nil
}

func (d *Detector) count(c *passCounters, o outcome) {
	switch o {
	case outcomeEscalated:
		c.overdue.Add(1)
		c.escalated.Add(1)
	case outcomeRaced:
		c.overdue.Add(1)
	case outcomeDeferred:
		c.overdue.Add(1)
		c.deferred.Add(1)
	case outcomeFailed:
		c.overdue.Add(1)
		c.failed.Add(1)
	}
}

// process escalates one record. A version conflict triggers exactly one
// re-read and retry; a second conflict leaves the record for the next pass.
func (d *Detector) process(ctx context.Context, rec grievance.Record, now time.Time, c *passCounters) outcome {
	if rec.EscalatedAt != nil || !d.engine.IsOverdue(rec, now) {
		return outcomeNotDue
	}
	_, err := d.engine.TryEscalate(ctx, rec, now, grievance.SystemActor, grievance.ReasonAutoEscalation)
	if err == nil {
		return outcomeEscalated
	}
	if !errors.Is(err, grievance.ErrVersionConflict) {
		return d.classify(rec.ID, err)
	}
	c.conflicts.Add(1)

	fresh, err := d.engine.Get(ctx, rec.ID)
	if err != nil {
		return d.classify(rec.ID, err)
	}
	// the competing write may have resolved or escalated it already
	if fresh.EscalatedAt != nil || !d.engine.IsOverdue(fresh, now) {
		return outcomeRaced
	}
	_, err = d.engine.TryEscalate(ctx, fresh, now, grievance.SystemActor, grievance.ReasonAutoEscalation)
	switch {
	case err == nil:
		return outcomeEscalated
	case errors.Is(err, grievance.ErrVersionConflict):
		c.conflicts.Add(1)
		obs.Info("sweep.escalation_deferred", map[string]any{"grievance_id": rec.ID})
		return outcomeDeferred
	default:
		return d.classify(rec.ID, err)
	}
}

func (d *Detector) classify(id string, err error) outcome {
	switch {
	case errors.Is(err, grievance.ErrAlreadyEscalated), errors.Is(err, grievance.ErrNotFound):
		return outcomeRaced
	case errors.Is(err, grievance.ErrStoreUnavailable), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		obs.Warn("sweep.escalation_deferred", map[string]any{"grievance_id": id, "error": err})
		return outcomeDeferred
	default:
		obs.Error("sweep.escalation_failed", map[string]any{"grievance_id": id, "error": err})
		return outcomeFailed
	}
}
