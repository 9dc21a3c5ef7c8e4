package consultation

import (
	"fmt"
	"strings"
)

// Action is a lifecycle command issued by a facility.
type Action string

const (
	ActionApprove       Action = "approve"
	ActionReject        Action = "reject"
	ActionRequestChange Action = "request_change"
	ActionMarkCompleted Action = "mark_completed"
	ActionMarkNoShow    Action = "mark_no_show"
)

// AllActions lists every action the guard knows about.
var AllActions = []Action{
	ActionApprove, ActionReject, ActionRequestChange, ActionMarkCompleted, ActionMarkNoShow,
}

type transition struct {
	from []Status
	to   Status
}

// transitions is the single source of truth for the status graph.
var transitions = map[Action]transition{
	ActionApprove: {
		from: []Status{StatusRequested, StatusNeedsChange, StatusRescheduled},
		to:   StatusApproved,
	},
	ActionReject: {
		from: []Status{StatusRequested, StatusApproved, StatusNeedsChange, StatusRescheduled},
		to:   StatusRejected,
	},
	ActionRequestChange: {
		from: []Status{StatusRequested, StatusApproved, StatusRescheduled},
		to:   StatusNeedsChange,
	},
	ActionMarkCompleted: {
		from: []Status{StatusApproved},
		to:   StatusCompleted,
	},
	ActionMarkNoShow: {
		from: []Status{StatusApproved},
		to:   StatusNoShow,
	},
}

// ParseAction maps a wire value onto a known action.
func ParseAction(s string) (Action, error) {
	a := Action(strings.TrimSpace(s))
	if _, ok := transitions[a]; !ok {
		return "", fmt.Errorf("unknown action %q", s)
	}
	return a, nil
}

// TransitionError is returned when an action is not allowed from the
// current status.
type TransitionError struct {
	Current Status
	Action  Action
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s a reservation in status %s", e.Action, e.Current)
}

// CheckTransition returns the status reached by applying action to current.
// It performs no I/O.
func CheckTransition(current Status, action Action) (Status, error) {
	t, ok := transitions[action]
	if !ok {
		return current, &TransitionError{Current: current, Action: action}
	}
	for _, s := range t.from {
		if s == current {
			return t.to, nil
		}
	}
	return current, &TransitionError{Current: current, Action: action}
}

// IsTerminal reports whether no action can leave status s.
func IsTerminal(s Status) bool {
	for _, t := range transitions {
		for _, from := range t.from {
			if from == s {
				return false
			}
		}
	}
	return true
}

// leavesMeeting reports whether the action releases the live meeting.
func leavesMeeting(a Action) bool {
	switch a {
	case ActionReject, ActionMarkCompleted, ActionMarkNoShow:
		return true
	}
	return false
}
