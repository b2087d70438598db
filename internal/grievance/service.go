package grievance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"grievdesk.org/internal/audit"
	"grievdesk.org/internal/ids"
	"grievdesk.org/internal/obs"
)

// Notifier receives escalation events after they commit. Delivery failures
// never roll anything back.
type Notifier interface {
	Notify(ctx context.Context, evt EscalationEvent) error
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces time.Now; tests use it to drive SLA evaluation.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

func WithPolicy(p Policy) Option {
	return func(s *Service) { s.eval = NewEvaluator(p) }
}

// WithReadAttempts bounds how often a read is retried after
// ErrStoreUnavailable. Values below 1 are treated as 1.
func WithReadAttempts(n int) Option {
	return func(s *Service) {
		if n < 1 {
			n = 1
		}
		s.readAttempts = n
	}
}

// Service applies the grievance lifecycle rules on top of a Store.
type Service struct {
	store        Store
	eval         Evaluator
	notifier     Notifier
	now          func() time.Time
	readAttempts int
	readBackoff  time.Duration
}

func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:        store,
		eval:         NewEvaluator(DefaultPolicy()),
		now:          func() time.Time { return time.Now().UTC() },
		readAttempts: 3,
		readBackoff:  25 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Now is the service clock.
func (s *Service) Now() time.Time { return s.now() }

func (s *Service) Evaluator() Evaluator { return s.eval }

// IsOverdue evaluates rec against the configured policy.
func (s *Service) IsOverdue(rec Record, now time.Time) bool {
	return s.eval.IsOverdue(rec, now)
}

func (s *Service) Ping(ctx context.Context) error { return s.store.Ping(ctx) }

// Create stores a new grievance in status submitted at version 1.
func (s *Service) Create(ctx context.Context, in NewGrievance) (Record, error) {
	ctx, span := obs.Tracer().Start(ctx, "grievance.Create")
	defer span.End()

	if strings.TrimSpace(in.SubmitterID) == "" {
		return Record{}, fmt.Errorf("%w: submitter is required", ErrInvalidInput)
	}
	if in.Priority == "" {
		in.Priority = PriorityMedium
	}
	if !in.Priority.Valid() {
		return Record{}, fmt.Errorf("%w: unknown priority %q", ErrInvalidInput, in.Priority)
	}
	now := s.now()
	rec := Record{
		ID:          ids.New(),
		TrackingID:  ids.NewTrackingID(),
		Title:       strings.TrimSpace(in.Title),
		Description: in.Description,
		Category:    strings.TrimSpace(in.Category),
		SubmitterID: strings.TrimSpace(in.SubmitterID),
		AssigneeID:  strings.TrimSpace(in.AssigneeID),
		Priority:    in.Priority,
		Status:      StatusSubmitted,
		CreatedAt:   now,
		UpdatedAt:   now,
		Version:     1,
	}
	if err := s.store.Insert(ctx, rec); err != nil {
		recordSpanError(span, err)
		return Record{}, err
	}
	span.SetAttributes(attribute.String("grievance.id", rec.ID))
	_ = audit.LogEvent(ctx, "grievance.created", map[string]any{
		"grievance_id": rec.ID,
		"tracking_id":  rec.TrackingID,
		"priority":     string(rec.Priority),
		"submitter_id": rec.SubmitterID,
	})
	return rec, nil
}

// Get reads one grievance, retrying transient store failures.
func (s *Service) Get(ctx context.Context, id string) (Record, error) {
	var rec Record
	err := s.retryRead(ctx, func() error {
		var err error
		rec, err = s.store.Get(ctx, id)
		return err
	})
	return rec, err
}

// ScanCandidates returns open, never-escalated grievances for a sweep.
func (s *Service) ScanCandidates(ctx context.Context) ([]Record, error) {
	var out []Record
	err := s.retryRead(ctx, func() error {
		var err error
		out, err = s.store.Scan(ctx, ScanFilter{OpenOnly: true, Escalation: OnlyUnescalated})
		return err
	})
	return out, err
}

// ChangeStatusRequest asks for one status transition. ExpectedVersion 0
// means the caller accepts whatever version is current when the request is
// evaluated; the write is still compare-and-swap against that version.
type ChangeStatusRequest struct {
	ID              string
	Status          Status
	Actor           Actor
	ExpectedVersion int64
}

// ChangeStatus validates and applies a manual status transition.
func (s *Service) ChangeStatus(ctx context.Context, req ChangeStatusRequest) (Record, error) {
	ctx, span := obs.Tracer().Start(ctx, "grievance.ChangeStatus", trace.WithAttributes(
		attribute.String("grievance.id", req.ID),
		attribute.String("grievance.to", string(req.Status)),
	))
	defer span.End()

	rec, expected, err := s.loadForWrite(ctx, req.ID, req.ExpectedVersion)
	if err != nil {
		recordSpanError(span, err)
		return Record{}, err
	}
	if err := Validate(rec.Status, req.Status, req.Actor.Role); err != nil {
		return Record{}, err
	}
	if err := checkAssignment(rec, req.Actor); err != nil {
		return Record{}, err
	}

	now := s.now()
	next := rec.Clone()
	next.Status = req.Status
	next.UpdatedAt = now
	if req.Status == StatusResolved && next.ResolvedAt == nil {
		next.ResolvedAt = &now
	}
	entry := AuditEntry{
		ActorID:    req.Actor.ID,
		Action:     ActionStatusChange,
		FromStatus: rec.Status,
		ToStatus:   req.Status,
		Reason:     ReasonManual,
		Timestamp:  now,
	}
	out, committed, err := s.store.CompareAndSwap(ctx, next, expected, entry)
	if err != nil {
		s.noteWriteError(span, "status", err)
		return Record{}, err
	}
	obs.Transitions.WithLabelValues(string(rec.Status), string(out.Status)).Inc()
	logCommitted(ctx, committed)
	return out, nil
}

// TryEscalate makes exactly one compare-and-swap attempt to mark rec as
// escalated at now. rec must be the caller's latest read; a concurrent write
// surfaces as ErrVersionConflict and nothing is written. On success the
// notifier is called after the commit.
func (s *Service) TryEscalate(ctx context.Context, rec Record, now time.Time, actor Actor, reason Reason) (Record, error) {
	ctx, span := obs.Tracer().Start(ctx, "grievance.TryEscalate", trace.WithAttributes(
		attribute.String("grievance.id", rec.ID),
		attribute.String("grievance.reason", string(reason)),
	))
	defer span.End()

	if rec.EscalatedAt != nil {
		return rec, ErrAlreadyEscalated
	}
	if rec.Status.Terminal() {
		return Record{}, fmt.Errorf("%w: %s grievance cannot be escalated", ErrInvalidTransition, rec.Status)
	}

	next := rec.Clone()
	next.EscalatedAt = &now
	next.UpdatedAt = now
	entry := AuditEntry{
		ActorID:    actor.ID,
		Action:     ActionEscalation,
		FromStatus: rec.Status,
		ToStatus:   rec.Status,
		Reason:     reason,
		Timestamp:  now,
	}
	out, committed, err := s.store.CompareAndSwap(ctx, next, rec.Version, entry)
	if err != nil {
		s.noteWriteError(span, "escalation", err)
		return Record{}, err
	}
	obs.Escalations.WithLabelValues(triggerLabel(reason)).Inc()
	logCommitted(ctx, committed)
	s.notify(ctx, EscalationEvent{
		GrievanceID: out.ID,
		TrackingID:  out.TrackingID,
		Priority:    out.Priority,
		EscalatedAt: now,
		Trigger:     reason,
	})
	return out, nil
}

// EscalateManually lets an admin escalate a grievance before its deadline.
// Escalating an already escalated grievance returns it unchanged. One
// version conflict is retried against a fresh read.
func (s *Service) EscalateManually(ctx context.Context, id string, actor Actor) (Record, error) {
	if actor.Role != RoleAdmin {
		return Record{}, fmt.Errorf("%w: only admins escalate manually", ErrForbidden)
	}
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		rec, err := s.Get(ctx, id)
		if err != nil {
			return Record{}, err
		}
		if rec.EscalatedAt != nil {
			return rec, nil
		}
		out, err := s.TryEscalate(ctx, rec, s.now(), actor, ReasonManual)
		if errors.Is(err, ErrVersionConflict) {
			lastErr = err
			continue
		}
		if errors.Is(err, ErrAlreadyEscalated) {
			return out, nil
		}
		return out, err
	}
	return Record{}, lastErr
}

// Reprioritize changes the priority of an open grievance and re-runs the
// SLA check immediately, so a record that becomes overdue under its new
// window is escalated without waiting for the next sweep.
func (s *Service) Reprioritize(ctx context.Context, id string, pr Priority, actor Actor, expectedVersion int64) (Record, error) {
	ctx, span := obs.Tracer().Start(ctx, "grievance.Reprioritize", trace.WithAttributes(
		attribute.String("grievance.id", id),
		attribute.String("grievance.priority", string(pr)),
	))
	defer span.End()

	if actor.Role != RoleAdmin {
		return Record{}, fmt.Errorf("%w: only admins change priority", ErrForbidden)
	}
	if !pr.Valid() {
		return Record{}, fmt.Errorf("%w: unknown priority %q", ErrInvalidInput, pr)
	}
	rec, expected, err := s.loadForWrite(ctx, id, expectedVersion)
	if err != nil {
		recordSpanError(span, err)
		return Record{}, err
	}
	if rec.Status.Terminal() {
		return Record{}, fmt.Errorf("%w: %s grievance cannot be reprioritized", ErrInvalidTransition, rec.Status)
	}
	if rec.Priority == pr {
		return rec, nil
	}

	now := s.now()
	next := rec.Clone()
	next.Priority = pr
	next.UpdatedAt = now
	entry := AuditEntry{
		ActorID:    actor.ID,
		Action:     ActionReprioritize,
		FromStatus: rec.Status,
		ToStatus:   rec.Status,
		Reason:     ReasonManual,
		Detail:     fmt.Sprintf("priority %s -> %s", rec.Priority, pr),
		Timestamp:  now,
	}
	out, committed, err := s.store.CompareAndSwap(ctx, next, expected, entry)
	if err != nil {
		s.noteWriteError(span, "reprioritize", err)
		return Record{}, err
	}
	logCommitted(ctx, committed)

	if out.EscalatedAt == nil && s.eval.IsOverdue(out, now) {
		escalated, err := s.TryEscalate(ctx, out, now, SystemActor, ReasonAutoEscalation)
		switch {
		case err == nil:
			return escalated, nil
		case errors.Is(err, ErrVersionConflict):
			// someone else wrote in between; the sweep will pick it up
			obs.Info("grievance.reprioritize_escalation_deferred", map[string]any{"grievance_id": out.ID})
		default:
			obs.Warn("grievance.reprioritize_escalation_failed", map[string]any{"grievance_id": out.ID, "error": err})
		}
	}
	return out, nil
}

// Assign sets or clears the handler responsible for an open grievance.
func (s *Service) Assign(ctx context.Context, id, assigneeID string, actor Actor, expectedVersion int64) (Record, error) {
	ctx, span := obs.Tracer().Start(ctx, "grievance.Assign", trace.WithAttributes(attribute.String("grievance.id", id)))
	defer span.End()

	if actor.Role != RoleAdmin {
		return Record{}, fmt.Errorf("%w: only admins assign grievances", ErrForbidden)
	}
	assigneeID = strings.TrimSpace(assigneeID)
	rec, expected, err := s.loadForWrite(ctx, id, expectedVersion)
	if err != nil {
		recordSpanError(span, err)
		return Record{}, err
	}
	if rec.Status.Terminal() {
		return Record{}, fmt.Errorf("%w: %s grievance cannot be reassigned", ErrInvalidTransition, rec.Status)
	}
	if rec.AssigneeID == assigneeID {
		return rec, nil
	}

	now := s.now()
	next := rec.Clone()
	next.AssigneeID = assigneeID
	next.UpdatedAt = now
	entry := AuditEntry{
		ActorID:    actor.ID,
		Action:     ActionAssign,
		FromStatus: rec.Status,
		ToStatus:   rec.Status,
		Reason:     ReasonManual,
		Detail:     fmt.Sprintf("assignee %q -> %q", rec.AssigneeID, assigneeID),
		Timestamp:  now,
	}
	out, committed, err := s.store.CompareAndSwap(ctx, next, expected, entry)
	if err != nil {
		s.noteWriteError(span, "assign", err)
		return Record{}, err
	}
	logCommitted(ctx, committed)
	return out, nil
}

// loadForWrite reads the record and resolves the version the write will be
// conditioned on.
func (s *Service) loadForWrite(ctx context.Context, id string, expectedVersion int64) (Record, int64, error) {
	if expectedVersion < 0 {
		return Record{}, 0, fmt.Errorf("%w: negative version", ErrInvalidInput)
	}
	rec, err := s.Get(ctx, id)
	if err != nil {
		return Record{}, 0, err
	}
	if expectedVersion == 0 {
		return rec, rec.Version, nil
	}
	if expectedVersion != rec.Version {
		return Record{}, 0, fmt.Errorf("%w: have %d, current %d", ErrVersionConflict, expectedVersion, rec.Version)
	}
	return rec, expectedVersion, nil
}

// checkAssignment keeps handlers on their own queue: a handler may only
// move grievances assigned to them. Unassigned ones wait for an admin.
func checkAssignment(rec Record, actor Actor) error {
	if actor.Role != RoleHandler || rec.AssigneeID == actor.ID {
		return nil
	}
	if rec.AssigneeID == "" {
		return fmt.Errorf("%w: grievance is not assigned", ErrForbidden)
	}
	return fmt.Errorf("%w: grievance is assigned to another handler", ErrForbidden)
}

func (s *Service) retryRead(ctx context.Context, fn func() error) error {
	backoff := s.readBackoff
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil || !errors.Is(err, ErrStoreUnavailable) || attempt >= s.readAttempts {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

func (s *Service) notify(ctx context.Context, evt EscalationEvent) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, evt); err != nil {
		obs.Warn("escalation.notify_failed", map[string]any{
			"grievance_id": evt.GrievanceID,
			"trigger":      string(evt.Trigger),
			"error":        err,
		})
	}
}

func (s *Service) noteWriteError(span trace.Span, path string, err error) {
	if errors.Is(err, ErrVersionConflict) {
		obs.CASConflicts.WithLabelValues(path).Inc()
		span.AddEvent("version_conflict")
		return
	}
	recordSpanError(span, err)
}

func logCommitted(ctx context.Context, e AuditEntry) {
	_ = audit.LogEvent(ctx, "grievance."+string(e.Action), map[string]any{
		"grievance_id": e.GrievanceID,
		"seq":          e.Seq,
		"actor_id":     e.ActorID,
		"from":         string(e.FromStatus),
		"to":           string(e.ToStatus),
		"reason":       string(e.Reason),
		"version":      e.Version,
		"detail":       e.Detail,
	})
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func triggerLabel(r Reason) string {
	if r == ReasonAutoEscalation {
		return "auto"
	}
	return "manual"
}
