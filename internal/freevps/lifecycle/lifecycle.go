// Package lifecycle defines the instance status state machine shared by the
// orchestrator and the reaper.
package lifecycle

// Status is the lifecycle state of an instance record.
type Status string

const (
	// StatusCreating means the record exists and provisioning is in flight.
	StatusCreating Status = "creating"
	// StatusRunning means the container is up and the host port is known.
	StatusRunning Status = "running"
	// StatusStopped means the container was shut down without expiring.
	StatusStopped Status = "stopped"
	// StatusExpired means the lease ran out and the instance was reclaimed.
	StatusExpired Status = "expired"
	// StatusError means provisioning failed; the deployment debit has been
	// refunded.
	StatusError Status = "error"
)

// All lists every valid status.
var All = []Status{StatusCreating, StatusRunning, StatusStopped, StatusExpired, StatusError}

// transitions enumerates the allowed edges. An instance never re-enters
// creating once it has left it, and terminal states have no outgoing edges.
var transitions = map[Status][]Status{
	StatusCreating: {StatusRunning, StatusError, StatusExpired},
	StatusRunning:  {StatusStopped, StatusExpired, StatusError},
}

// Valid reports whether s is a recognized status value.
func (s Status) Valid() bool {
	for _, v := range All {
		if s == v {
			return true
		}
	}
	return false
}

// Active reports whether s counts against the single-active-lease rule.
func (s Status) Active() bool {
	return s == StatusCreating || s == StatusRunning
}

// Terminal reports whether s is absorbing. Nothing moves an instance out of a
// terminal state; owner deletion is a record removal, not a transition.
func (s Status) Terminal() bool {
	return s == StatusStopped || s == StatusExpired || s == StatusError
}

// CanTransition reports whether the edge from → to is allowed.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
