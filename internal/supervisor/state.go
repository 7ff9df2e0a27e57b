// Package supervisor launches the processes of a spec, supervises their
// descriptors while they run, and reaps them into a result document.
package supervisor

// State is where one proc of the spec is in its lifecycle.
type State int

const (
	// StatePending is the initial state before the proc is launched.
	StatePending State = iota

	// StateStarting means managers are built and the fork is under way.
	StateStarting

	// StateRunning means the child has been forked and not yet reaped.
	StateRunning

	// StateReaped means the child exited and its descriptors were torn down.
	StateReaped

	// StateFailed means the proc was never launched.
	StateFailed
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateReaped:
		return "reaped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// IsActive returns true if the proc has a live child.
func (s State) IsActive() bool {
	return s == StateStarting || s == StateRunning
}

// IsTerminal returns true if the proc will not change state again.
func (s State) IsTerminal() bool {
	return s == StateReaped || s == StateFailed
}
