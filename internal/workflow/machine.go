// Package workflow holds the reservation status state machine.
package workflow

import (
	"fmt"

	"village/internal/domain"
	"village/internal/models"
)

// Role is the relationship of the requester to a reservation.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleRenter Role = "renter"
	RoleOther  Role = "other"
)

// ResolveRole derives the requester's role from the reservation parties.
// An owner renting their own product acts as owner.
func ResolveRole(requesterID, ownerID, renterID int64) Role {
	switch requesterID {
	case ownerID:
		return RoleOwner
	case renterID:
		return RoleRenter
	default:
		return RoleOther
	}
}

// Machine validates status transitions.
type Machine struct {
	// transitions[from][to] is the role allowed to perform the move.
	transitions map[models.Status]map[models.Status]Role
}

// NewMachine creates a machine with the marketplace rules.
func NewMachine() *Machine {
	return &Machine{
		transitions: map[models.Status]map[models.Status]Role{
			models.StatusWaiting: {
				models.StatusAccepted:  RoleOwner,
				models.StatusRejected:  RoleOwner,
				models.StatusCancelled: RoleRenter,
			},
			models.StatusAccepted:  {},
			models.StatusRejected:  {},
			models.StatusCancelled: {},
		},
	}
}

// CanTransition checks if the move is allowed for the role.
func (m *Machine) CanTransition(from, to models.Status, role Role) bool {
	allowed, ok := m.transitions[from][to]
	return ok && allowed == role
}

// IsTerminal reports whether no transitions leave the status.
func (m *Machine) IsTerminal(s models.Status) bool {
	return len(m.transitions[s]) == 0
}

// Transition returns the next status or the reason the move is refused.
// Authorization is checked before state so that a stranger never learns
// anything about the reservation lifecycle.
func (m *Machine) Transition(current, requested models.Status, role Role) (models.Status, error) {
	if !requested.IsValid() || requested == models.StatusWaiting {
		return current, fmt.Errorf("%w: unknown target status %q", domain.ErrInvalidStateTransition, requested)
	}

	required, ok := requiredRole(requested)
	if ok && role != required {
		return current, roleError(required)
	}

	if !m.CanTransition(current, requested, role) {
		return current, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidStateTransition, current, requested)
	}
	return requested, nil
}

// requiredRole is the role that drives moves into the target status.
func requiredRole(to models.Status) (Role, bool) {
	switch to {
	case models.StatusAccepted, models.StatusRejected:
		return RoleOwner, true
	case models.StatusCancelled:
		return RoleRenter, true
	}
	return "", false
}

func roleError(required Role) error {
	if required == RoleOwner {
		return domain.ErrNotSeller
	}
	return domain.ErrNotAuthorized
}
