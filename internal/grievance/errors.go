package grievance

import "errors"

var (
	ErrNotFound = errors.New("grievance: not found")
	// ErrInvalidTransition rejects a status change outside the allowed graph.
	ErrInvalidTransition = errors.New("grievance: invalid transition")
	// ErrForbidden rejects a change the actor's role may not request.
	ErrForbidden = errors.New("grievance: forbidden")
	// ErrVersionConflict rejects a write that presented a stale version.
	ErrVersionConflict = errors.New("grievance: version conflict")
	// ErrStoreUnavailable marks transient storage failures; callers may retry.
	ErrStoreUnavailable = errors.New("grievance: store unavailable")
	// ErrNotificationDeliveryFailed is always non-fatal.
	ErrNotificationDeliveryFailed = errors.New("grievance: notification delivery failed")
	ErrInvalidInput               = errors.New("grievance: invalid input")
	ErrAlreadyExists              = errors.New("grievance: already exists")
	ErrAlreadyEscalated           = errors.New("grievance: already escalated")
)
