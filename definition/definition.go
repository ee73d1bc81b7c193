// Package definition describes declarative workflows, known as process cards.
package definition

import (
	"strings"
	"time"
)

// Kind discriminates the behavior of a step.
type Kind string

const (
	// ActionKind is a step that dispatches a command to a capable worker.
	ActionKind Kind = "action"

	// SubprocessKind is a step that runs another definition in isolation.
	SubprocessKind Kind = "subprocess"

	// BranchKind is a step that chooses a successor by evaluating a condition.
	BranchKind Kind = "branch"

	// TerminalKind is a step that completes the process.
	TerminalKind Kind = "terminal"
)

// OutputMode controls how a step's output is written when the step executes
// more than once, such as within a loop.
type OutputMode string

const (
	// Overwrite replaces the previous value. It is the default.
	Overwrite OutputMode = "overwrite"

	// Append accumulates every value in a list.
	Append OutputMode = "append"
)

// RetryPolicy bounds the number of attempts made at a single step.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts allowed, including the
	// first. It must be at least 1.
	MaxAttempts uint `yaml:"maxAttempts"`
}

// Budget is a limit on the resources consumed by a process.
type Budget struct {
	// Steps is the maximum number of step executions. Zero means "inherit".
	Steps uint `yaml:"steps"`

	// Cost is the maximum cumulative cost reported by workers. Zero means
	// unlimited.
	Cost float64 `yaml:"cost"`
}

// Step is a single node in a definition's step graph.
type Step struct {
	ID   string `yaml:"id"`
	Kind Kind   `yaml:"kind"`

	// Action is the capability name invoked by an action step.
	Action string `yaml:"action"`

	// Requires is the set of capabilities a worker must advertise. If it is
	// empty, the worker must advertise Action.
	Requires []string `yaml:"requires"`

	// Params are the command parameters of an action step, or the final
	// output of a terminal step. String values may reference process
	// variables using ${name} or ${name.path}.
	Params map[string]any `yaml:"params"`

	// Condition is the boolean expression evaluated by a branch step.
	Condition string `yaml:"condition"`

	// Then and Else are the successors of a branch step. For action and
	// subprocess steps, Else is the fallback taken when the step fails
	// permanently.
	Then string `yaml:"then"`
	Else string `yaml:"else"`

	// Next is the successor of an action or subprocess step.
	Next string `yaml:"next"`

	// Output is the name of the variable that receives the step's result.
	Output string `yaml:"output"`

	// Select, if non-empty, binds only the named key of the result's output
	// map instead of the whole map.
	Select string `yaml:"select"`

	// OutputMode controls writes to Output across repeated executions.
	OutputMode OutputMode `yaml:"outputMode"`

	// Timeout is the maximum time to wait for a worker's reply.
	Timeout time.Duration `yaml:"timeout"`

	// Retry bounds the attempts made at this step.
	Retry *RetryPolicy `yaml:"retryPolicy"`

	// Process is the reference of the definition run by a subprocess step.
	Process string `yaml:"process"`

	// Inputs are the explicit inputs passed to a subprocess. Values may
	// reference process variables.
	Inputs map[string]any `yaml:"inputs"`

	// Budget is the sub-budget allocated to a subprocess.
	Budget Budget `yaml:"budget"`
}

// Capabilities returns the capabilities a worker must advertise to execute the
// step.
func (s Step) Capabilities() []string {
	if len(s.Requires) != 0 {
		return s.Requires
	}

	return []string{s.Action}
}

// MaxAttempts returns the maximum number of attempts at the step, or def if
// the step does not specify a retry policy.
func (s Step) MaxAttempts(def uint) uint {
	if s.Retry != nil && s.Retry.MaxAttempts != 0 {
		return s.Retry.MaxAttempts
	}

	return def
}

// Definition is a workflow description.
//
// The steps form a directed graph that may contain cycles. Cycles are bounded
// at runtime by the step ceiling, never by the definition itself.
type Definition struct {
	// Ref is the unique reference used to invoke the definition.
	Ref string `yaml:"ref"`

	// Entry is the ID of the first step. It defaults to the first step in
	// Steps.
	Entry string `yaml:"entry"`

	// Inputs is the allow-list of variables that may be supplied when the
	// definition is invoked as a subprocess.
	Inputs []string `yaml:"inputs"`

	// MaxSteps is the ceiling on step executions. Zero means the engine's
	// default applies.
	MaxSteps uint `yaml:"maxSteps"`

	Steps []Step `yaml:"steps"`
}

// Step returns the step with the given ID.
func (d *Definition) Step(id string) (Step, bool) {
	for _, s := range d.Steps {
		if s.ID == id {
			return s, true
		}
	}

	return Step{}, false
}

// AllowsInput returns true if n is in the definition's input allow-list.
func (d *Definition) AllowsInput(n string) bool {
	for _, x := range d.Inputs {
		if x == n {
			return true
		}
	}

	return false
}

// Normalized returns a copy of d with defaults applied.
func (d Definition) Normalized() Definition {
	d.Ref = strings.TrimSpace(d.Ref)
	d.Steps = append([]Step(nil), d.Steps...)

	if d.Entry == "" && len(d.Steps) != 0 {
		d.Entry = d.Steps[0].ID
	}

	for i := range d.Steps {
		s := &d.Steps[i]
		s.Kind = Kind(strings.ToLower(strings.TrimSpace(string(s.Kind))))

		if s.Kind == "" {
			s.Kind = inferKind(*s)
		}

		if s.OutputMode == "" {
			s.OutputMode = Overwrite
		}
	}

	return d
}

// inferKind returns the kind implied by the fields of a step that does not
// declare one.
func inferKind(s Step) Kind {
	switch {
	case s.Process != "":
		return SubprocessKind
	case s.Condition != "":
		return BranchKind
	case s.Action != "":
		return ActionKind
	default:
		return TerminalKind
	}
}

// Successors returns the IDs of the steps that may follow s.
func (s Step) Successors() []string {
	var ids []string

	for _, id := range []string{s.Next, s.Then, s.Else} {
		if id != "" {
			ids = append(ids, id)
		}
	}

	return ids
}
