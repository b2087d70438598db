package grievance

import "time"

// Evaluator decides whether an open grievance has outlived its window. It
// holds no state beyond the policy, so repeated calls with the same inputs
// always agree.
type Evaluator struct {
	policy Policy
}

func NewEvaluator(p Policy) Evaluator {
	return Evaluator{policy: p}
}

// Deadline is createdAt plus the priority window.
func (e Evaluator) Deadline(r Record) time.Time {
	return r.CreatedAt.Add(e.policy.WindowFor(r.Priority))
}

// IsOverdue is false for terminal records regardless of now; otherwise it
// reports now > deadline.
func (e Evaluator) IsOverdue(r Record, now time.Time) bool {
	if r.Status.Terminal() {
		return false
	}
	return now.After(e.Deadline(r))
}

// OverdueBy returns how far past the deadline r is at now, or zero.
func (e Evaluator) OverdueBy(r Record, now time.Time) time.Duration {
	if d := now.Sub(e.Deadline(r)); d > 0 && !r.Status.Terminal() {
		return d
	}
	return 0
}

// Policy returns the window table the evaluator applies.
func (e Evaluator) Policy() Policy { return e.policy }
