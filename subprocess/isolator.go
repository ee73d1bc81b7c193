// Package subprocess runs definitions as isolated children of a process.
package subprocess

import (
	"context"
	"fmt"

	"github.com/dogmatiq/dodeca/logging"
	"github.com/dogmatiq/orchestra/definition"
	"github.com/dogmatiq/orchestra/envelope"
	"github.com/dogmatiq/orchestra/internal/x/structpbx"
	"github.com/dogmatiq/orchestra/process"
	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
)

const (
	// DefaultMaxDepth is the default maximum subprocess nesting depth.
	DefaultMaxDepth = 8

	// DefaultInlineThreshold is the default size, in bytes, above which an
	// artifact's payload is placed in the artifact store instead of being
	// inlined.
	DefaultInlineThreshold = 64 * 1024
)

// Resolver looks up definitions by reference.
type Resolver interface {
	Resolve(ref string) (definition.Definition, error)
}

// Runner executes a child process to completion.
type Runner interface {
	// RunChild runs the child described by c until it reaches a terminal
	// status, and returns its final state.
	//
	// If a process with ID c.ID already exists it is resumed, rather than
	// started again.
	RunChild(ctx context.Context, c Child) (process.Instance, error)
}

// Child describes a subprocess that is ready to run.
type Child struct {
	ID         string
	ParentID   string
	Depth      uint
	Definition definition.Definition

	// Input is the artifact that carries the child's inputs.
	Input BoundaryArtifact

	// Inputs are the initial variable bindings of the child, as read from
	// Input.
	Inputs map[string]any

	Budget definition.Budget
}

// ChildError is returned by Isolator.Run() when a child process does not
// complete successfully.
type ChildError struct {
	ChildID string
	Status  process.Status
	Failure envelope.ErrorOutcome
}

func (e ChildError) Error() string {
	return fmt.Sprintf("subprocess %s %s: %s", e.ChildID, e.Status, e.Failure)
}

// Outcome returns the failure that is attributed to the subprocess step.
func (e ChildError) Outcome() envelope.ErrorOutcome {
	return e.Failure
}

// ChildID returns the ID of the child started by the given attempt at a
// subprocess step.
//
// It is deterministic so that a recovered parent resumes the same child.
func ChildID(parentID, stepID string, attempt uint) string {
	return fmt.Sprintf("%s/%s/%d", parentID, stepID, attempt)
}

// Isolator builds and runs subprocesses.
//
// A child sees only the inputs that its definition allows, and its parent
// sees only the child's final output.
type Isolator struct {
	// Definitions resolves the definitions referenced by subprocess steps.
	Definitions Resolver

	// Runner executes child processes.
	Runner Runner

	// Artifacts stores payloads larger than InlineThreshold. If it is nil,
	// every payload is inlined.
	Artifacts ArtifactStore

	// InlineThreshold is the payload size above which payloads are placed in
	// Artifacts. If it is zero, DefaultInlineThreshold is used.
	InlineThreshold int

	// MaxDepth is the maximum nesting depth of subprocesses. If it is zero,
	// DefaultMaxDepth is used.
	MaxDepth uint

	// Logger is the target for log messages. If it is nil,
	// logging.DefaultLogger is used.
	Logger logging.Logger
}

// Prepare builds the child started by the given attempt at a subprocess step
// of parent.
//
// It fails with a process.FatalError if the child would be nested too deeply,
// the definition is unknown, an input is not in the definition's allow-list,
// or the parent has no budget left to give.
func (i *Isolator) Prepare(
	ctx context.Context,
	parent process.Instance,
	step definition.Step,
	attempt uint,
) (Child, error) {
	depth := parent.Depth + 1
	if depth > i.maxDepth() {
		return Child{}, process.Fatalf(
			codes.ResourceExhausted,
			"subprocess depth of %d exceeds the maximum of %d",
			depth,
			i.maxDepth(),
		)
	}

	def, err := i.Definitions.Resolve(step.Process)
	if err != nil {
		return Child{}, process.Fatalf(codes.NotFound, "%s", err)
	}

	for _, n := range structpbx.Keys(step.Inputs) {
		if !def.AllowsInput(n) {
			return Child{}, process.Fatalf(
				codes.InvalidArgument,
				"input %q is not in the allow-list of %s",
				n,
				def.Ref,
			)
		}
	}

	budget, err := allocate(parent, step, def)
	if err != nil {
		return Child{}, err
	}

	inputs, err := definition.RenderMap(step.Inputs, parent.Variables)
	if err != nil {
		return Child{}, process.Fatalf(codes.InvalidArgument, "%s", err)
	}

	id := ChildID(parent.ID, step.ID, attempt)

	in, err := i.wrap(ctx, id, Input, inputs)
	if err != nil {
		return Child{}, err
	}

	// The child's bindings are read back from the artifact, never taken from
	// the parent directly.
	seed, err := i.Open(ctx, in)
	if err != nil {
		return Child{}, err
	}

	return Child{
		ID:         id,
		ParentID:   parent.ID,
		Depth:      depth,
		Definition: def,
		Input:      in,
		Inputs:     seed,
		Budget:     budget,
	}, nil
}

// Run runs a prepared child to completion and returns its output artifact,
// along with the child's final state.
//
// If the child does not complete it returns a ChildError.
func (i *Isolator) Run(ctx context.Context, c Child) (BoundaryArtifact, process.Instance, error) {
	child, err := i.Runner.RunChild(ctx, c)
	if err != nil {
		return BoundaryArtifact{}, process.Instance{}, err
	}

	i.Release(ctx, c.Input)

	switch child.Status {
	case process.Completed:
	case process.Cancelled:
		return BoundaryArtifact{}, child, ChildError{
			ChildID: child.ID,
			Status:  child.Status,
			Failure: envelope.Errorf(codes.Canceled, "subprocess was cancelled: %s", child.Reason),
		}
	default:
		o := envelope.Errorf(codes.Unknown, "subprocess did not complete")
		if child.LastError != nil {
			o = *child.LastError
		}

		return BoundaryArtifact{}, child, ChildError{
			ChildID: child.ID,
			Status:  child.Status,
			Failure: o,
		}
	}

	out, err := i.wrap(ctx, child.ID, Output, child.Result)
	if err != nil {
		return BoundaryArtifact{}, child, err
	}

	logging.Debug(
		i.logger(),
		"[subprocess %s] completed after %d step(s), output is %d byte(s)",
		child.ID,
		child.StepsExecuted,
		len(out.Inline),
	)

	return out, child, nil
}

// Open returns the payload carried by an artifact.
func (i *Isolator) Open(ctx context.Context, a BoundaryArtifact) (map[string]any, error) {
	data := a.Inline

	if a.URI != "" {
		if i.Artifacts == nil {
			return nil, fmt.Errorf("artifact %s is stored externally, but there is no artifact store", a.ID)
		}

		var err error
		data, err = i.Artifacts.Get(ctx, a.URI)
		if err != nil {
			return nil, fmt.Errorf("unable to load artifact %s: %w", a.ID, err)
		}
	}

	return structpbx.Unmarshal(data)
}

// Release discards an artifact's externally stored payload, if any.
func (i *Isolator) Release(ctx context.Context, a BoundaryArtifact) {
	if a.URI == "" || i.Artifacts == nil {
		return
	}

	if err := i.Artifacts.Delete(ctx, a.URI); err != nil {
		logging.Log(
			i.logger(),
			"[subprocess %s] unable to release artifact %s: %s",
			a.ProcessID,
			a.ID,
			err,
		)
	}
}

// wrap encodes payload as an artifact, placing it in the artifact store if it
// is too large to inline.
func (i *Isolator) wrap(
	ctx context.Context,
	processID string,
	dir Direction,
	payload map[string]any,
) (BoundaryArtifact, error) {
	data, err := structpbx.Marshal(payload)
	if err != nil {
		return BoundaryArtifact{}, process.Fatalf(codes.InvalidArgument, "unable to encode %s artifact: %s", dir, err)
	}

	a := BoundaryArtifact{
		ID:          uuid.NewString(),
		ProcessID:   processID,
		Direction:   dir,
		ContentType: StructContentType,
	}

	if i.Artifacts == nil || len(data) <= i.inlineThreshold() {
		a.Inline = data
		return a, nil
	}

	a.URI, err = i.Artifacts.Put(ctx, a.ID, data)
	if err != nil {
		return BoundaryArtifact{}, fmt.Errorf("unable to store %s artifact: %w", dir, err)
	}

	return a, nil
}

// allocate returns the budget of a child. It never exceeds what remains of the
// parent's budget.
func allocate(
	parent process.Instance,
	step definition.Step,
	def definition.Definition,
) (definition.Budget, error) {
	used := parent.StepsExecuted
	if parent.Pending == nil {
		// Account for the subprocess step itself.
		used++
	}

	var remaining uint
	if parent.Budget.Steps > used {
		remaining = parent.Budget.Steps - used
	}

	if remaining == 0 {
		return definition.Budget{}, process.Fatalf(
			codes.ResourceExhausted,
			"no step budget remains for subprocess %s",
			def.Ref,
		)
	}

	b := definition.Budget{Steps: remaining}

	if n := step.Budget.Steps; n != 0 && n < b.Steps {
		b.Steps = n
	}

	if n := def.MaxSteps; n != 0 && n < b.Steps {
		b.Steps = n
	}

	if parent.Budget.Cost > 0 {
		left := parent.Budget.Cost - parent.CostConsumed
		if left <= 0 {
			return definition.Budget{}, process.Fatalf(
				codes.ResourceExhausted,
				"no cost budget remains for subprocess %s",
				def.Ref,
			)
		}
		b.Cost = left
	}

	if c := step.Budget.Cost; c > 0 && (b.Cost == 0 || c < b.Cost) {
		b.Cost = c
	}

	return b, nil
}

func (i *Isolator) maxDepth() uint {
	if i.MaxDepth != 0 {
		return i.MaxDepth
	}

	return DefaultMaxDepth
}

func (i *Isolator) inlineThreshold() int {
	if i.InlineThreshold > 0 {
		return i.InlineThreshold
	}

	return DefaultInlineThreshold
}

func (i *Isolator) logger() logging.Logger {
	if i.Logger != nil {
		return i.Logger
	}

	return logging.DefaultLogger
}
