package grievance

import (
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of a grievance.
type Status string

const (
	StatusSubmitted  Status = "submitted"
	StatusInProgress Status = "in_progress"
	StatusResolved   Status = "resolved"
	StatusClosed     Status = "closed"
)

// Valid reports whether s is one of the four known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusSubmitted, StatusInProgress, StatusResolved, StatusClosed:
		return true
	}
	return false
}

// Terminal reports whether no SLA applies to s any more.
func (s Status) Terminal() bool {
	return s == StatusResolved || s == StatusClosed
}

// ParseStatus normalises raw input into a Status.
func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("%w: unknown status %q", ErrInvalidInput, raw)
	}
	return s, nil
}

// Priority drives the resolution window of a grievance.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// ParsePriority normalises raw input; an empty value means medium.
func ParsePriority(raw string) (Priority, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" {
		return PriorityMedium, nil
	}
	p := Priority(raw)
	if !p.Valid() {
		return "", fmt.Errorf("%w: unknown priority %q", ErrInvalidInput, raw)
	}
	return p, nil
}

// Role is the engine-level role of an acting user.
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleHandler Role = "handler"
	RoleOwner   Role = "owner"
	RoleSystem  Role = "system"
)

// SystemActorID marks audit entries written by the escalation sweep.
const SystemActorID = "system"

// Actor identifies who requests a change.
type Actor struct {
	ID   string
	Role Role
}

// SystemActor is the identity of detector-originated writes.
var SystemActor = Actor{ID: SystemActorID, Role: RoleSystem}

// Reason classifies an audit entry.
type Reason string

const (
	ReasonManual         Reason = "manual"
	ReasonAutoEscalation Reason = "auto-escalation"
)

// Action names the kind of write an audit entry records.
type Action string

const (
	ActionStatusChange Action = "status_change"
	ActionEscalation   Action = "escalation"
	ActionReprioritize Action = "reprioritize"
	ActionAssign       Action = "assign"
)

// Record is one grievance as persisted by a Store.
type Record struct {
	ID          string     `json:"id"`
	TrackingID  string     `json:"tracking_id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Category    string     `json:"category,omitempty"`
	SubmitterID string     `json:"submitter_id"`
	AssigneeID  string     `json:"assignee_id,omitempty"`
	Priority    Priority   `json:"priority"`
	Status      Status     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
	EscalatedAt *time.Time `json:"escalated_at,omitempty"`
	Version     int64      `json:"version"`
}

// Escalated reports whether the record has ever been escalated.
func (r Record) Escalated() bool { return r.EscalatedAt != nil }

// Clone returns a copy that shares no pointers with r.
func (r Record) Clone() Record {
	out := r
	if r.ResolvedAt != nil {
		t := *r.ResolvedAt
		out.ResolvedAt = &t
	}
	if r.EscalatedAt != nil {
		t := *r.EscalatedAt
		out.EscalatedAt = &t
	}
	return out
}

// AuditEntry is an immutable fact about one committed write.
type AuditEntry struct {
	Seq         uint64    `json:"seq"`
	GrievanceID string    `json:"grievance_id"`
	ActorID     string    `json:"actor_id"`
	Action      Action    `json:"action"`
	FromStatus  Status    `json:"from_status"`
	ToStatus    Status    `json:"to_status"`
	Reason      Reason    `json:"reason"`
	Version     int64     `json:"version"`
	Detail      string    `json:"detail,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// EscalationEvent is handed to the notification collaborator after an
// escalation commits.
type EscalationEvent struct {
	GrievanceID string    `json:"grievance_id"`
	TrackingID  string    `json:"tracking_id"`
	Priority    Priority  `json:"priority"`
	EscalatedAt time.Time `json:"escalated_at"`
	Trigger     Reason    `json:"trigger"`
}

// NewGrievance carries the submission collaborator's fields.
type NewGrievance struct {
	Title       string
	Description string
	Category    string
	SubmitterID string
	AssigneeID  string
	Priority    Priority
}
