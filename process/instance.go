// Package process defines the live execution record of a workflow and the
// events that mutate it.
package process

import (
	"github.com/dogmatiq/orchestra/definition"
	"github.com/dogmatiq/orchestra/envelope"
)

// Instance is one execution of a definition.
//
// An instance is only ever mutated by applying events, so the state of a
// recovered instance is identical to the state it had before the engine
// stopped.
type Instance struct {
	ID            string
	DefinitionRef string

	// ParentID is the ID of the process that started this instance as a
	// subprocess. It is empty for top-level processes.
	ParentID string

	// Depth is the subprocess nesting depth. Top-level processes have a depth
	// of zero.
	Depth uint

	Status      Status
	CurrentStep string

	// Variables are the process's variable bindings.
	Variables map[string]any

	// Attempts maps step IDs to the number of their most recent attempt.
	//
	// Attempt numbers increase monotonically over the life of the instance,
	// including across repeated visits to a step within a loop, so that every
	// execution has a distinct idempotency key.
	Attempts map[string]uint

	// Tries is the number of attempts made at the current step since it was
	// entered. It is reset whenever the instance advances to another step.
	Tries uint

	// ReuseAttempt is true if the next execution of the current step must
	// reuse the attempt number of the previous one, as happens when falling
	// back to another worker.
	ReuseAttempt bool

	// Visits counts the number of times each step has been entered.
	Visits map[string]uint

	StepsExecuted uint
	CostConsumed  float64
	Budget        definition.Budget

	// Pending describes work that was dispatched but whose outcome has not yet
	// been recorded.
	Pending *PendingWork

	// Excluded are the IDs of workers excluded from the current step because
	// they do not implement its action.
	Excluded []string

	// Fallbacks is the number of times the current step has switched worker
	// after an UNIMPLEMENTED error.
	Fallbacks uint

	// InternalFailures is the number of INTERNAL or UNKNOWN errors reported
	// for the current step.
	InternalFailures uint

	// PreferredWorker is the worker that should receive the next attempt at
	// the current step, if it is still available.
	PreferredWorker string

	// LastError is the most recent error reported for this instance.
	LastError *envelope.ErrorOutcome

	// FailedStep is the step at which the instance failed.
	FailedStep string

	// Escalated is true if the failure was escalated to an operator.
	Escalated bool

	// Result is the output of the terminal step.
	Result map[string]any

	// Reason is the explanation given for the most recent pause, cancellation
	// or failure.
	Reason string
}

// PendingWork describes a dispatched command or a running subprocess.
type PendingWork struct {
	StepID  string
	Attempt uint

	// WorkerID is the worker that the command was sent to.
	WorkerID string

	// ChildID is the ID of the subprocess instance, if the step is a
	// subprocess step.
	ChildID string
}

// Key returns the idempotency key of the pending work.
func (p PendingWork) Key(processID string) envelope.IdempotencyKey {
	return envelope.IdempotencyKey{
		ProcessID: processID,
		StepID:    p.StepID,
		Attempt:   p.Attempt,
	}
}

// NextAttempt returns the attempt number of the next execution of the given
// step.
func (inst *Instance) NextAttempt(stepID string) uint {
	n := inst.Attempts[stepID]

	if inst.ReuseAttempt && n > 0 {
		return n
	}

	return n + 1
}

// FailedTries returns the number of tries at the current step, including a
// try that failed before it could be dispatched.
func (inst *Instance) FailedTries(stepID string) uint {
	if inst.Pending == nil && inst.NextAttempt(stepID) != inst.Attempts[stepID] {
		return inst.Tries + 1
	}

	return inst.Tries
}

// ExcludedSet returns the excluded workers as a set.
func (inst *Instance) ExcludedSet() map[string]struct{} {
	set := make(map[string]struct{}, len(inst.Excluded))
	for _, id := range inst.Excluded {
		set[id] = struct{}{}
	}
	return set
}

// Clone returns a deep copy of inst.
func (inst Instance) Clone() Instance {
	inst.Variables = cloneMap(inst.Variables)
	inst.Attempts = cloneCounts(inst.Attempts)
	inst.Visits = cloneCounts(inst.Visits)
	inst.Excluded = append([]string(nil), inst.Excluded...)
	inst.Result = cloneMap(inst.Result)

	if inst.Pending != nil {
		p := *inst.Pending
		inst.Pending = &p
	}

	if inst.LastError != nil {
		o := *inst.LastError
		o.Details = cloneMap(o.Details)
		inst.LastError = &o
	}

	return inst
}

func cloneCounts(m map[string]uint) map[string]uint {
	if m == nil {
		return nil
	}

	c := make(map[string]uint, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}

	c := make(map[string]any, len(m))
	for k, v := range m {
		c[k] = cloneValue(v)
	}
	return c
}

func cloneValue(v any) any {
	switch v := v.(type) {
	case map[string]any:
		return cloneMap(v)
	case []any:
		c := make([]any, len(v))
		for i, x := range v {
			c[i] = cloneValue(x)
		}
		return c
	default:
		return v
	}
}
