// Package envelope defines the units of work exchanged between the engine and
// workers, and the codec used to put them on the wire.
package envelope

import "time"

// Kind identifies the type of an envelope.
type Kind string

const (
	// CommandKind is the kind of envelope sent from the engine to a worker.
	CommandKind Kind = "command"

	// ResultKind is the kind of envelope sent from a worker to the engine
	// when a command succeeds.
	ResultKind Kind = "result"

	// ErrorKind is the kind of envelope sent from a worker to the engine when
	// a command fails.
	ErrorKind Kind = "error"

	// EventKind is the kind of envelope used for engine notifications, such as
	// escalations.
	EventKind Kind = "event"

	// ControlKind is the kind of envelope used to deliver out-of-band control
	// signals.
	ControlKind Kind = "control"
)

// Envelope is implemented by every envelope type.
type Envelope interface {
	Kind() Kind
}

// SuccessStatus is the only valid value for Result.Status.
const SuccessStatus = "SUCCESS"

// Requirements describes the capabilities a worker must advertise in order to
// handle a command.
type Requirements struct {
	Capabilities []string
}

// Context identifies the process step that produced a command.
type Context struct {
	ProcessID string
	StepID    string
}

// Command is a unit of work sent to a worker.
type Command struct {
	Action         string
	Params         map[string]any
	Requirements   Requirements
	Context        Context
	TimeoutSeconds int
	IdempotencyKey string
}

// Timeout returns the command's timeout as a duration.
func (c Command) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Result is the successful outcome of a command.
type Result struct {
	Status          string
	Output          map[string]any
	ExecutionTimeMs int64
	Metrics         map[string]any
}

// Cost returns the numeric "cost" metric reported by the worker, if any.
func (r Result) Cost() float64 {
	if c, ok := r.Metrics["cost"].(float64); ok && c > 0 {
		return c
	}

	return 0
}

// Error is the failed outcome of a command.
type Error struct {
	Error           ErrorOutcome
	ExecutionTimeMs int64
}

// Event is a notification emitted by the engine.
type Event struct {
	Type      string
	ProcessID string
	StepID    string
	Data      map[string]any
}

// ControlType is the type of a control signal.
type ControlType string

const (
	// Stop cancels a process.
	Stop ControlType = "stop"

	// Pause suspends a process at its next step boundary.
	Pause ControlType = "pause"

	// Resume continues a paused process.
	Resume ControlType = "resume"

	// Shutdown stops the engine.
	Shutdown ControlType = "shutdown"
)

// Control is an out-of-band control signal.
type Control struct {
	ControlType ControlType
	Reason      string
	Parameters  map[string]any
}

// ProcessID returns the ID of the process that the signal targets, if any.
func (c Control) ProcessID() (string, bool) {
	id, ok := c.Parameters["processId"].(string)
	return id, ok && id != ""
}

// Kind returns CommandKind.
func (Command) Kind() Kind { return CommandKind }

// Kind returns ResultKind.
func (Result) Kind() Kind { return ResultKind }

// Kind returns ErrorKind.
func (Error) Kind() Kind { return ErrorKind }

// Kind returns EventKind.
func (Event) Kind() Kind { return EventKind }

// Kind returns ControlKind.
func (Control) Kind() Kind { return ControlKind }
