package job

import "fmt"

// Status is the lifecycle state of a job
type Status string

// Job status constants
const (
	StatusRunning   Status = "RUNNING"
	StatusFinished  Status = "FINISHED"
	StatusError     Status = "ERROR"
	StatusCancelled Status = "CANCELLED"
)

// validTransitions maps a state to the states it may move to.
// Terminal states have no outgoing transitions.
var validTransitions = map[Status]map[Status]bool{
	StatusRunning: {
		StatusFinished:  true,
		StatusError:     true,
		StatusCancelled: true,
	},
	StatusFinished:  {},
	StatusError:     {},
	StatusCancelled: {},
}

// ValidateTransition checks if a state transition is allowed
func ValidateTransition(from, to Status) error {
	allowed, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("unknown source state: %s", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	return nil
}

// IsTerminal reports whether no transition leaves s
func (s Status) IsTerminal() bool {
	return s != StatusRunning
}

func (s Status) String() string {
	return string(s)
}
