package process

import (
	"github.com/dogmatiq/orchestra/definition"
	"github.com/dogmatiq/orchestra/envelope"
	"google.golang.org/grpc/codes"
)

// Event is a decision recorded by the interpreter.
type Event interface {
	// EventType returns a name that identifies the type of the event.
	EventType() string

	apply(*Instance)
}

// Started is the first event of every instance.
type Started struct {
	DefinitionRef string
	ParentID      string
	Depth         uint
	Entry         string

	// Inputs are the initial variable bindings. Values must be normalized.
	Inputs map[string]any
	Budget definition.Budget
}

// Dispatched records that a command was sent to a worker.
type Dispatched struct {
	StepID   string
	Attempt  uint
	WorkerID string
}

// Redispatched records that a pending command was re-sent to a different
// worker under the same idempotency key, typically after recovery.
type Redispatched struct {
	StepID   string
	WorkerID string
}

// SubprocessStarted records that a subprocess step started a child instance.
type SubprocessStarted struct {
	StepID  string
	Attempt uint
	ChildID string
}

// Succeeded records that an action or subprocess step completed.
type Succeeded struct {
	StepID string
	Next   string

	// Output is the variable bound to Value. It may be empty.
	Output string

	// Value is the new value of the output variable, after applying the
	// step's output mode.
	Value any

	// Steps is the number of step executions consumed by a subprocess.
	Steps uint

	// Cost is the cost reported by the worker, or consumed by a subprocess.
	Cost float64
}

// Branched records the evaluation of a branch step's condition.
type Branched struct {
	StepID string
	Result bool
	Next   string
}

// Retried records that a step will be attempted again.
type Retried struct {
	StepID   string
	WorkerID string
	Error    envelope.ErrorOutcome

	// SameWorker is true if the next attempt should prefer the same worker.
	SameWorker bool
}

// FellBack records that a worker was excluded from a step, which is then
// re-attempted by another worker under the same attempt number.
//
// A fallback does not count towards the step's retry ceiling.
type FellBack struct {
	StepID   string
	WorkerID string
	Error    envelope.ErrorOutcome
}

// Diverted records that a permanently failed step handed control to its
// declared fallback step.
type Diverted struct {
	StepID string
	Next   string
	Error  envelope.ErrorOutcome
}

// ProcessCompleted records that the instance reached a terminal step.
type ProcessCompleted struct {
	StepID string
	Result map[string]any
}

// ProcessFailed records that the instance stopped because of an error.
type ProcessFailed struct {
	StepID    string
	Error     envelope.ErrorOutcome
	Escalated bool
	Reason    string
}

// ProcessPaused records that the instance was suspended by a control signal.
type ProcessPaused struct {
	Reason string
}

// ProcessResumed records that a paused instance was continued.
type ProcessResumed struct{}

// ProcessCancelled records that the instance was stopped by a control signal.
type ProcessCancelled struct {
	Reason string
}

// EventType returns "started".
func (Started) EventType() string { return "started" }

// EventType returns "dispatched".
func (Dispatched) EventType() string { return "dispatched" }

// EventType returns "redispatched".
func (Redispatched) EventType() string { return "redispatched" }

// EventType returns "subprocess-started".
func (SubprocessStarted) EventType() string { return "subprocess-started" }

// EventType returns "succeeded".
func (Succeeded) EventType() string { return "succeeded" }

// EventType returns "branched".
func (Branched) EventType() string { return "branched" }

// EventType returns "retried".
func (Retried) EventType() string { return "retried" }

// EventType returns "fell-back".
func (FellBack) EventType() string { return "fell-back" }

// EventType returns "diverted".
func (Diverted) EventType() string { return "diverted" }

// EventType returns "completed".
func (ProcessCompleted) EventType() string { return "completed" }

// EventType returns "failed".
func (ProcessFailed) EventType() string { return "failed" }

// EventType returns "paused".
func (ProcessPaused) EventType() string { return "paused" }

// EventType returns "resumed".
func (ProcessResumed) EventType() string { return "resumed" }

// EventType returns "cancelled".
func (ProcessCancelled) EventType() string { return "cancelled" }

// Apply applies events to inst, in order.
func (inst *Instance) Apply(events ...Event) {
	for _, ev := range events {
		ev.apply(inst)
	}
}

func (ev Started) apply(inst *Instance) {
	inst.DefinitionRef = ev.DefinitionRef
	inst.ParentID = ev.ParentID
	inst.Depth = ev.Depth
	inst.Status = Running
	inst.CurrentStep = ev.Entry
	inst.Budget = ev.Budget
	inst.Variables = cloneMap(ev.Inputs)

	if inst.Variables == nil {
		inst.Variables = map[string]any{}
	}
}

func (ev Dispatched) apply(inst *Instance) {
	inst.StepsExecuted++
	inst.enter(ev.StepID, ev.Attempt)
	inst.Pending = &PendingWork{
		StepID:   ev.StepID,
		Attempt:  ev.Attempt,
		WorkerID: ev.WorkerID,
	}
	inst.PreferredWorker = ev.WorkerID
}

func (ev Redispatched) apply(inst *Instance) {
	if inst.Pending != nil {
		inst.Pending.WorkerID = ev.WorkerID
	}
	inst.PreferredWorker = ev.WorkerID
}

func (ev SubprocessStarted) apply(inst *Instance) {
	inst.StepsExecuted++
	inst.enter(ev.StepID, ev.Attempt)
	inst.Pending = &PendingWork{
		StepID:  ev.StepID,
		Attempt: ev.Attempt,
		ChildID: ev.ChildID,
	}
}

func (ev Succeeded) apply(inst *Instance) {
	if ev.Output != "" {
		if inst.Variables == nil {
			inst.Variables = map[string]any{}
		}
		inst.Variables[ev.Output] = cloneValue(ev.Value)
	}

	inst.StepsExecuted += ev.Steps
	inst.CostConsumed += ev.Cost
	inst.advance(ev.Next)
}

func (ev Branched) apply(inst *Instance) {
	inst.StepsExecuted++
	inst.enter(ev.StepID, inst.NextAttempt(ev.StepID))
	inst.advance(ev.Next)
}

func (ev Retried) apply(inst *Instance) {
	if inst.Pending == nil {
		// The attempt failed before it was dispatched, such as when no worker
		// is available. It still uses up its attempt number.
		inst.enter(ev.StepID, inst.NextAttempt(ev.StepID))
	}

	inst.Pending = nil
	inst.ReuseAttempt = false
	inst.setError(ev.Error)

	if ev.Error.Code == codes.Internal || ev.Error.Code == codes.Unknown {
		inst.InternalFailures++
	}

	if ev.SameWorker {
		inst.PreferredWorker = ev.WorkerID
	} else {
		inst.PreferredWorker = ""
	}
}

func (ev FellBack) apply(inst *Instance) {
	inst.Pending = nil
	inst.setError(ev.Error)
	inst.Fallbacks++
	inst.ReuseAttempt = true
	inst.PreferredWorker = ""

	if ev.WorkerID != "" {
		inst.Excluded = append(inst.Excluded, ev.WorkerID)
	}
}

func (ev Diverted) apply(inst *Instance) {
	inst.setError(ev.Error)
	inst.advance(ev.Next)
}

func (ev ProcessCompleted) apply(inst *Instance) {
	inst.Status = Completed
	inst.Pending = nil
	inst.Result = cloneMap(ev.Result)
}

func (ev ProcessFailed) apply(inst *Instance) {
	inst.Status = Failed
	inst.Pending = nil
	inst.FailedStep = ev.StepID
	inst.Escalated = ev.Escalated
	inst.Reason = ev.Reason
	inst.setError(ev.Error)
}

func (ev ProcessPaused) apply(inst *Instance) {
	inst.Status = Paused
	inst.Reason = ev.Reason
}

func (ProcessResumed) apply(inst *Instance) {
	inst.Status = Running
	inst.Reason = ""
}

func (ev ProcessCancelled) apply(inst *Instance) {
	inst.Status = Cancelled
	inst.Pending = nil
	inst.Reason = ev.Reason
}

// enter records the execution of a step. An execution that reuses the previous
// attempt number is not a new try, and only the first try is a visit.
func (inst *Instance) enter(stepID string, attempt uint) {
	if inst.Attempts == nil {
		inst.Attempts = map[string]uint{}
	}

	if attempt != inst.Attempts[stepID] {
		inst.Tries++

		if inst.Tries == 1 {
			if inst.Visits == nil {
				inst.Visits = map[string]uint{}
			}
			inst.Visits[stepID]++
		}
	}

	inst.Attempts[stepID] = attempt
	inst.ReuseAttempt = false
}

// advance moves to the next step, discarding the per-visit state of the
// current one.
func (inst *Instance) advance(next string) {
	inst.Pending = nil
	inst.Tries = 0
	inst.ReuseAttempt = false
	inst.Excluded = nil
	inst.Fallbacks = 0
	inst.InternalFailures = 0
	inst.PreferredWorker = ""
	inst.CurrentStep = next
}

func (inst *Instance) setError(o envelope.ErrorOutcome) {
	o.Details = cloneMap(o.Details)
	inst.LastError = &o
}
