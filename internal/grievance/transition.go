package grievance

import "fmt"

type edge struct {
	from, to Status
}

// transitions is the complete status graph. The value lists the roles that
// may request the edge.
var transitions = map[edge][]Role{
	{StatusSubmitted, StatusInProgress}: {RoleAdmin, RoleHandler},
	{StatusSubmitted, StatusResolved}:   {RoleAdmin, RoleHandler},
	{StatusSubmitted, StatusClosed}:     {RoleAdmin, RoleHandler},
	{StatusInProgress, StatusResolved}:  {RoleAdmin, RoleHandler},
	{StatusInProgress, StatusClosed}:    {RoleAdmin, RoleHandler},
	{StatusInProgress, StatusSubmitted}: {RoleAdmin},
	{StatusResolved, StatusClosed}:      {RoleAdmin, RoleHandler},
}

// Validate decides whether role may move a grievance from current to
// requested. Edge legality is checked first, so an edge missing from the
// graph is ErrInvalidTransition for every role.
func Validate(current, requested Status, role Role) error {
	roles, ok := transitions[edge{current, requested}]
	if !ok {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, requested)
	}
	for _, r := range roles {
		if r == role {
			return nil
		}
	}
	return fmt.Errorf("%w: role %q may not move %s -> %s", ErrForbidden, role, current, requested)
}

// AllowedTargets lists the statuses role may request from current, in graph
// order. Owners always get an empty list.
func AllowedTargets(current Status, role Role) []Status {
	var out []Status
	for _, to := range []Status{StatusSubmitted, StatusInProgress, StatusResolved, StatusClosed} {
		if Validate(current, to, role) == nil {
			out = append(out, to)
		}
	}
	return out
}
