package types

// RunStatus is the canonical status of a run as reported to the
// coordinator. A run's status only ever advances forward through its
// state machine; it never moves from a terminal status back to an
// active one.
type RunStatus string

const (
	// StatusPending: assigned by the coordinator, not yet picked up.
	StatusPending RunStatus = "pending"
	// StatusInitializing: container created but not yet running.
	StatusInitializing RunStatus = "initializing"
	// StatusActive: container is running.
	StatusActive RunStatus = "active"
	// StatusCompleted: container exited and output was handled.
	StatusCompleted RunStatus = "completed"

	// Terminal failure statuses.
	StatusFailed           RunStatus = "failed"
	StatusCrashed          RunStatus = "crashed"
	StatusNoDockerImage    RunStatus = "no docker image"
	StatusNotAllowed       RunStatus = "not allowed"
	StatusUnexpectedOutput RunStatus = "unexpected output"
	StatusKilled           RunStatus = "killed by user"
	StatusUnknownError     RunStatus = "unknown error"
)

// IsTerminal reports whether the status ends the run's lifecycle on this
// node. A terminal run is reported to the coordinator and never touched
// again.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCrashed, StatusNoDockerImage,
		StatusNotAllowed, StatusUnexpectedOutput, StatusKilled, StatusUnknownError:
		return true
	}
	return false
}

// HasFailed reports whether the status is terminal and not a success.
func (s RunStatus) HasFailed() bool {
	return s.IsTerminal() && s != StatusCompleted
}
