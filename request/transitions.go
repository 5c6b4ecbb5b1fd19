package request

import (
	"fmt"

	"aidflow/auth"
)

// Action names a lifecycle operation attempted against a request.
type Action string

const (
	ActionActivate Action = "activate"
	ActionReject   Action = "reject"
	ActionCancel   Action = "cancel"
	ActionEdit     Action = "edit"
	ActionDelete   Action = "delete"
	ActionMerge    Action = "merge"
	// ActionAssign and the later fulfillment actions are driven by the
	// assignment lifecycle; they appear here so the transition table is the
	// single place the request edge set is written down.
	ActionAssign   Action = "assign"
	ActionStart    Action = "start"
	ActionComplete Action = "complete"
	ActionReopen   Action = "reopen"
)

// TransitionError reports a request in a state that forbids the attempted
// action. It carries both for client display.
type TransitionError struct {
	Current   Status
	Attempted Action
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("request: cannot %s while %s", e.Attempted, e.Current)
}

// transitionRule describes one edge of the request state machine: the states
// it may start from and the roles allowed to drive it. Ownership checks
// (requester edits own request, org owns assignment) happen in the services
// on top of this table.
type transitionRule struct {
	from  []Status
	roles []auth.Role
}

var transitionTable = map[Action]transitionRule{
	ActionActivate: {
		from:  []Status{StatusPending},
		roles: []auth.Role{auth.RoleInspector, auth.RoleAdmin},
	},
	ActionReject: {
		from:  []Status{StatusPending},
		roles: []auth.Role{auth.RoleInspector, auth.RoleAdmin},
	},
	ActionCancel: {
		from:  []Status{StatusPending, StatusNew},
		roles: []auth.Role{auth.RoleRequester, auth.RoleInspector, auth.RoleAdmin},
	},
	ActionEdit: {
		from:  []Status{StatusPending, StatusNew},
		roles: []auth.Role{auth.RoleRequester, auth.RoleInspector, auth.RoleAdmin},
	},
	ActionDelete: {
		from:  []Status{StatusPending, StatusNew, StatusRejected, StatusCancelled},
		roles: []auth.Role{auth.RoleInspector, auth.RoleAdmin},
	},
	ActionMerge: {
		from:  []Status{StatusPending, StatusNew, StatusAssigned, StatusInProgress},
		roles: []auth.Role{auth.RoleInspector, auth.RoleAdmin},
	},
	ActionAssign: {
		from:  []Status{StatusPending, StatusNew},
		roles: []auth.Role{auth.RoleOrganization, auth.RoleInspector, auth.RoleAdmin},
	},
	ActionStart: {
		from:  []Status{StatusAssigned},
		roles: []auth.Role{auth.RoleOrganization, auth.RoleInspector, auth.RoleAdmin},
	},
	ActionComplete: {
		from:  []Status{StatusInProgress},
		roles: []auth.Role{auth.RoleOrganization, auth.RoleInspector, auth.RoleAdmin},
	},
	ActionReopen: {
		from:  []Status{StatusAssigned, StatusInProgress},
		roles: []auth.Role{auth.RoleOrganization, auth.RoleInspector, auth.RoleAdmin},
	},
}

// CheckTransition validates both halves of the gate: the actor's role may
// drive the action, and the current status is a legal origin for it. A role
// failure wins over a state failure so callers surface Forbidden instead of
// leaking lifecycle details.
func CheckTransition(actor auth.Actor, current Status, action Action) error {
	rule, ok := transitionTable[action]
	if !ok {
		return &TransitionError{Current: current, Attempted: action}
	}

	allowed := false
	for _, role := range rule.roles {
		if actor.Role == role {
			allowed = true
			break
		}
	}
	if !allowed {
		return ErrForbidden
	}

	for _, from := range rule.from {
		if current == from {
			return nil
		}
	}
	return &TransitionError{Current: current, Attempted: action}
}
