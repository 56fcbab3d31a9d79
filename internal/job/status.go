package job

import (
	"errors"
	"fmt"
)

// Status is the lifecycle state of a job.
type Status string

const (
	Queued    Status = "queued"
	Running   Status = "running"
	Completed Status = "completed"
	Failed    Status = "failed"
	Cancelled Status = "cancelled"
)

// ErrInvalidTransition is returned for a transition the lifecycle forbids.
var ErrInvalidTransition = errors.New("invalid status transition")

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	switch s {
	case Completed, Failed, Cancelled:
		return true
	default:
		return false
	}
}

func isAllowedTransition(from, to Status) bool {
	switch from {
	case Queued:
		return to == Running || to == Completed || to == Failed || to == Cancelled
	case Running:
		return to == Completed || to == Failed || to == Cancelled
	default:
		return false
	}
}

func checkTransition(from, to Status) error {
	if !isAllowedTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
