package process

// Status is the lifecycle status of a process instance.
type Status string

const (
	// Pending is the status of an instance that has not yet started.
	Pending Status = "pending"

	// Running is the status of an instance that is executing steps.
	Running Status = "running"

	// Paused is the status of an instance that has been suspended by a
	// control signal. It resumes at the step at which it was paused.
	Paused Status = "paused"

	// Completed is the status of an instance that reached a terminal step.
	Completed Status = "completed"

	// Failed is the status of an instance that stopped because of an error.
	Failed Status = "failed"

	// Cancelled is the status of an instance that was stopped by a control
	// signal.
	Cancelled Status = "cancelled"
)

// IsTerminal returns true if s is a final status.
func (s Status) IsTerminal() bool {
	switch s {
	case Completed, Failed, Cancelled:
		return true
	default:
		return false
	}
}
