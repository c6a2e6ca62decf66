package task

import (
	"fmt"
	"strings"
)

// Status is the lifecycle state of a Record.
type Status string

const (
	StatusPending   Status = "pending"
	StatusReady     Status = "ready"
	StatusRunning   Status = "running"
	StatusRetrying  Status = "retrying"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{
	StatusPending, StatusReady, StatusRunning, StatusRetrying,
	StatusCompleted, StatusFailed, StatusCancelled,
}

func (s Status) Valid() bool {
	for _, v := range Statuses {
		if s == v {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown status %q", raw)
	}
	return s, nil
}

// CanTransition reports whether from -> to is an edge of the lifecycle.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusReady || to == StatusCancelled
	case StatusReady:
		return to == StatusRunning || to == StatusCancelled
	case StatusRunning:
		return to == StatusCompleted || to == StatusRetrying || to == StatusFailed || to == StatusCancelled
	case StatusRetrying:
		return to == StatusReady || to == StatusCancelled
	default:
		return false
	}
}

// Transition moves r to the given status. It fails without mutating r when
// the edge is not part of the lifecycle.
func (r *Record) Transition(to Status) error {
	if r == nil {
		return fmt.Errorf("nil record")
	}
	if !CanTransition(r.Status, to) {
		return fmt.Errorf("disallowed transition for %s: %s -> %s", r.ID, r.Status, to)
	}
	r.Status = to
	return nil
}
