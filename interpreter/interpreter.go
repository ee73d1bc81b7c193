// Package interpreter drives process instances through their definitions.
package interpreter

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/dogmatiq/dodeca/logging"
	"github.com/dogmatiq/linger"
	"github.com/dogmatiq/orchestra/definition"
	"github.com/dogmatiq/orchestra/dispatch"
	"github.com/dogmatiq/orchestra/envelope"
	"github.com/dogmatiq/orchestra/internal/mlog"
	"github.com/dogmatiq/orchestra/internal/x/structpbx"
	"github.com/dogmatiq/orchestra/journal"
	"github.com/dogmatiq/orchestra/matcher"
	"github.com/dogmatiq/orchestra/process"
	"github.com/dogmatiq/orchestra/retry"
	"github.com/dogmatiq/orchestra/subprocess"
	"google.golang.org/grpc/codes"
)

const (
	// DefaultMaxSteps is the default ceiling on the number of step executions
	// of a process, used when its definition does not specify one.
	DefaultMaxSteps = 1000

	// DefaultStepTimeout is the default time to wait for a worker's reply.
	DefaultStepTimeout = 30 * time.Second

	// DefaultMaxAttempts is the default number of attempts made at a step that
	// does not specify a retry policy.
	DefaultMaxAttempts = 3
)

// Sender sends commands to workers.
type Sender interface {
	Send(
		ctx context.Context,
		cmd envelope.Command,
		w matcher.WorkerRef,
		timeout time.Duration,
	) (dispatch.Outcome, error)
}

// WorkerMatcher selects the worker that executes a command.
type WorkerMatcher interface {
	MatchPreferred(
		ctx context.Context,
		required []string,
		exclude map[string]struct{},
		preferred string,
	) (matcher.WorkerRef, bool, error)
}

// Escalator notifies operators of failures that require their attention.
type Escalator interface {
	Escalate(ctx context.Context, inst process.Instance) error
}

// Interpreter executes process steps.
//
// Every decision is committed to the journal before it is acted upon.
type Interpreter struct {
	// Definitions resolves definition references.
	Definitions subprocess.Resolver

	// Journal records the events of each process.
	Journal *journal.Journal

	// Matcher selects workers for action steps.
	Matcher WorkerMatcher

	// Dispatcher sends commands to workers.
	Dispatcher Sender

	// Classifier decides what happens when a step fails. If it is nil, a
	// classifier with the default backoff strategy is used.
	Classifier *retry.Classifier

	// Isolator runs subprocess steps. If it is nil, subprocess steps fail.
	Isolator *subprocess.Isolator

	// Controls is the source of control signals. If it is nil, processes run
	// without interruption.
	Controls *Controls

	// Escalator is notified of escalated failures. It may be nil.
	Escalator Escalator

	// MaxSteps is the ceiling on step executions for definitions that do not
	// specify one. If it is zero, DefaultMaxSteps is used.
	MaxSteps uint

	// StepTimeout is the reply timeout for steps that do not specify one. If
	// it is zero, DefaultStepTimeout is used.
	StepTimeout time.Duration

	// MaxAttempts is the attempt ceiling for steps that do not specify a retry
	// policy. If it is zero, DefaultMaxAttempts is used.
	MaxAttempts uint

	// Logger is the target for log messages. If it is nil,
	// logging.DefaultLogger is used.
	Logger logging.Logger
}

// Start creates a new process that executes the definition with the given
// reference.
//
// The process's step budget is the definition's ceiling, or the
// interpreter's default, further limited by budget.Steps if it is non-zero.
func (i *Interpreter) Start(
	ctx context.Context,
	id string,
	ref string,
	inputs map[string]any,
	budget definition.Budget,
) (process.Instance, error) {
	def, err := i.Definitions.Resolve(ref)
	if err != nil {
		return process.Instance{}, err
	}
	def = def.Normalized()

	vars, err := structpbx.NormalizeMap(inputs)
	if err != nil {
		return process.Instance{}, fmt.Errorf("invalid inputs: %w", err)
	}

	b := definition.Budget{
		Steps: i.maxSteps(def),
		Cost:  budget.Cost,
	}

	if budget.Steps != 0 && budget.Steps < b.Steps {
		b.Steps = budget.Steps
	}

	inst := process.Instance{ID: id}

	if err := i.Journal.Commit(
		ctx,
		&inst,
		process.Started{
			DefinitionRef: def.Ref,
			Entry:         def.Entry,
			Inputs:        vars,
			Budget:        b,
		},
	); err != nil {
		return process.Instance{}, err
	}

	mlog.LogTransition(i.logger(), inst.ID, def.Entry, "started %s", def.Ref)

	return inst, nil
}

// Run advances inst until it reaches a terminal status.
//
// Control signals are honored at every step boundary. A stop signal also
// interrupts a step that is waiting for a reply. A paused process blocks until
// it is resumed or stopped.
//
// It returns a non-nil error if ctx is canceled or the process's state can not
// be persisted. In both cases the process can be resumed later by replaying
// its journal.
func (i *Interpreter) Run(ctx context.Context, inst *process.Instance) error {
	ctx = withLineage(ctx, inst.ID)
	defer func() {
		if inst.Status.IsTerminal() {
			i.Controls.Clear(inst.ID)
		}
	}()

	for {
		if err := i.boundary(ctx, inst); err != nil {
			return err
		}

		if inst.Status.IsTerminal() {
			return nil
		}

		if err := i.step(ctx, inst); err != nil {
			if errors.Is(err, errStopped) {
				continue
			}

			return err
		}
	}
}

// RunChild runs a subprocess to completion, resuming it if it already exists.
func (i *Interpreter) RunChild(ctx context.Context, c subprocess.Child) (process.Instance, error) {
	inst, ok, err := i.Journal.Replay(ctx, c.ID)
	if err != nil {
		return process.Instance{}, err
	}

	if !ok {
		inst = process.Instance{ID: c.ID}

		if err := i.Journal.Commit(
			ctx,
			&inst,
			process.Started{
				DefinitionRef: c.Definition.Ref,
				ParentID:      c.ParentID,
				Depth:         c.Depth,
				Entry:         c.Definition.Normalized().Entry,
				Inputs:        c.Inputs,
				Budget:        c.Budget,
			},
		); err != nil {
			return process.Instance{}, err
		}

		mlog.LogTransition(i.logger(), inst.ID, inst.CurrentStep, "started %s as a subprocess of %s", c.Definition.Ref, c.ParentID)
	}

	err = i.Run(ctx, &inst)
	return inst, err
}

// step executes a single step, interrupting it if a stop signal is received.
func (i *Interpreter) step(ctx context.Context, inst *process.Instance) error {
	stepCtx, cancel := i.Controls.watch(ctx, lineageOf(ctx))
	defer cancel()

	err := i.Advance(stepCtx, inst)

	if err != nil && context.Cause(stepCtx) == errStopped {
		return errStopped
	}

	return err
}

// boundary applies any control signal that targets inst, blocking while the
// process is paused.
func (i *Interpreter) boundary(ctx context.Context, inst *process.Instance) error {
	for {
		if inst.Status.IsTerminal() {
			return nil
		}

		s, changed, ok := i.Controls.Lookup(lineageOf(ctx))

		if ok {
			switch s.Type {
			case envelope.Stop:
				mlog.LogControl(i.logger(), inst.ID, s.Type, s.Reason)

				// The stop signal may already have canceled ctx if it arrived
				// while a step was in progress.
				return i.Journal.Commit(
					context.WithoutCancel(ctx),
					inst,
					process.ProcessCancelled{Reason: s.Reason},
				)

			case envelope.Pause:
				if inst.Status != process.Paused {
					mlog.LogControl(i.logger(), inst.ID, s.Type, s.Reason)
					if err := i.Journal.Commit(ctx, inst, process.ProcessPaused{Reason: s.Reason}); err != nil {
						return err
					}
				}

			case envelope.Resume:
				i.Controls.Clear(inst.ID)

				if inst.Status == process.Paused {
					mlog.LogControl(i.logger(), inst.ID, s.Type, s.Reason)
					if err := i.Journal.Commit(ctx, inst, process.ProcessResumed{}); err != nil {
						return err
					}
				}
			}
		}

		if inst.Status != process.Paused {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

// Advance executes exactly one step transition of inst.
//
// Failures of the step itself are recorded against the process. A non-nil
// error means the transition could not be completed, and inst reflects every
// decision that was committed before the error occurred.
func (i *Interpreter) Advance(ctx context.Context, inst *process.Instance) error {
	if inst.Status != process.Running {
		return fmt.Errorf("can not advance process %s, it is %s", inst.ID, inst.Status)
	}

	def, err := i.Definitions.Resolve(inst.DefinitionRef)
	if err != nil {
		return i.fail(ctx, inst, inst.CurrentStep, envelope.Errorf(codes.NotFound, "%s", err), false, "definition is unknown")
	}

	step, ok := def.Step(inst.CurrentStep)
	if !ok {
		return i.fail(
			ctx,
			inst,
			inst.CurrentStep,
			envelope.Errorf(codes.FailedPrecondition, "%s has no step named %q", def.Ref, inst.CurrentStep),
			false,
			"step is unknown",
		)
	}

	if o, exhausted := budgetExhausted(*inst, step); exhausted {
		return i.fail(ctx, inst, step.ID, o, false, "budget exhausted")
	}

	switch step.Kind {
	case definition.TerminalKind:
		err = i.terminal(ctx, inst, step)
	case definition.BranchKind:
		err = i.branch(ctx, inst, step)
	case definition.ActionKind:
		err = i.action(ctx, inst, step)
	case definition.SubprocessKind:
		err = i.subprocess(ctx, inst, step)
	default:
		err = process.Fatalf(codes.FailedPrecondition, "step %q has unrecognized kind %q", step.ID, step.Kind)
	}

	var fatal process.FatalError
	if errors.As(err, &fatal) {
		return i.fail(ctx, inst, step.ID, fatal.Failure, false, "fatal error")
	}

	return err
}

// budgetExhausted returns a RESOURCE_EXHAUSTED outcome if executing step
// would exceed the process's budget. Terminal steps are always allowed.
func budgetExhausted(inst process.Instance, step definition.Step) (envelope.ErrorOutcome, bool) {
	if step.Kind == definition.TerminalKind || inst.Pending != nil {
		return envelope.ErrorOutcome{}, false
	}

	if inst.StepsExecuted >= inst.Budget.Steps {
		return envelope.Errorf(
			codes.ResourceExhausted,
			"step ceiling of %d reached",
			inst.Budget.Steps,
		), true
	}

	if inst.Budget.Cost > 0 && inst.CostConsumed >= inst.Budget.Cost {
		return envelope.Errorf(
			codes.ResourceExhausted,
			"cost budget of %g reached",
			inst.Budget.Cost,
		), true
	}

	return envelope.ErrorOutcome{}, false
}

func (i *Interpreter) terminal(ctx context.Context, inst *process.Instance, step definition.Step) error {
	var result map[string]any

	if len(step.Params) != 0 {
		var err error
		result, err = definition.RenderMap(step.Params, inst.Variables)
		if err != nil {
			return process.Fatalf(codes.InvalidArgument, "%s", err)
		}
	}

	if err := i.Journal.Commit(
		ctx,
		inst,
		process.ProcessCompleted{
			StepID: step.ID,
			Result: result,
		},
	); err != nil {
		return err
	}

	mlog.LogTransition(i.logger(), inst.ID, step.ID, "completed after %d step(s)", inst.StepsExecuted)

	return nil
}

func (i *Interpreter) branch(ctx context.Context, inst *process.Instance, step definition.Step) error {
	ok, err := definition.Evaluate(step.Condition, inst.Variables)
	if err != nil {
		return process.Fatalf(codes.InvalidArgument, "%s", err)
	}

	next := step.Else
	if ok {
		next = step.Then
	}

	if err := i.Journal.Commit(
		ctx,
		inst,
		process.Branched{
			StepID: step.ID,
			Result: ok,
			Next:   next,
		},
	); err != nil {
		return err
	}

	mlog.LogTransition(i.logger(), inst.ID, step.ID, "%s is %t, next step is %s", step.Condition, ok, next)

	return nil
}

func (i *Interpreter) action(ctx context.Context, inst *process.Instance, step definition.Step) error {
	params, err := definition.RenderMap(step.Params, inst.Variables)
	if err != nil {
		return process.Fatalf(codes.InvalidArgument, "%s", err)
	}

	w, ok, err := i.Matcher.MatchPreferred(
		ctx,
		step.Capabilities(),
		inst.ExcludedSet(),
		inst.PreferredWorker,
	)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}

		return i.failure(ctx, inst, step, "", envelope.Errorf(codes.Unavailable, "%s", err))
	}

	if !ok {
		return i.failure(
			ctx,
			inst,
			step,
			"",
			envelope.Errorf(codes.Unavailable, "no live worker advertises %v", step.Capabilities()),
		)
	}

	var key envelope.IdempotencyKey

	if p := inst.Pending; p != nil && p.StepID == step.ID {
		// The command was dispatched before the process was interrupted. It is
		// sent again with the same key so that the worker can deduplicate it.
		key = p.Key(inst.ID)

		if p.WorkerID != w.ID {
			if err := i.Journal.Commit(
				ctx,
				inst,
				process.Redispatched{
					StepID:   step.ID,
					WorkerID: w.ID,
				},
			); err != nil {
				return err
			}
		}
	} else {
		key = envelope.IdempotencyKey{
			ProcessID: inst.ID,
			StepID:    step.ID,
			Attempt:   inst.NextAttempt(step.ID),
		}

		if err := i.Journal.Commit(
			ctx,
			inst,
			process.Dispatched{
				StepID:   step.ID,
				Attempt:  key.Attempt,
				WorkerID: w.ID,
			},
		); err != nil {
			return err
		}
	}

	timeout := i.timeout(step)

	out, err := i.Dispatcher.Send(
		ctx,
		envelope.Command{
			Action:         step.Action,
			Params:         params,
			Requirements:   envelope.Requirements{Capabilities: step.Capabilities()},
			Context:        envelope.Context{ProcessID: inst.ID, StepID: step.ID},
			TimeoutSeconds: int(math.Ceil(timeout.Seconds())),
			IdempotencyKey: key.String(),
		},
		w,
		timeout,
	)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}

		return i.failure(ctx, inst, step, w.ID, envelope.Errorf(codes.Unavailable, "%s", err))
	}

	if !out.Succeeded() {
		return i.failure(ctx, inst, step, w.ID, out.ErrorOutcome())
	}

	value, err := bind(*inst, step, out.Result.Output)
	if err != nil {
		return err
	}

	if err := i.Journal.Commit(
		ctx,
		inst,
		process.Succeeded{
			StepID: step.ID,
			Next:   step.Next,
			Output: step.Output,
			Value:  value,
			Cost:   out.Result.Cost(),
		},
	); err != nil {
		return err
	}

	mlog.LogTransition(i.logger(), inst.ID, step.ID, "succeeded, next step is %s", step.Next)

	return nil
}

func (i *Interpreter) subprocess(ctx context.Context, inst *process.Instance, step definition.Step) error {
	if i.Isolator == nil {
		return process.Fatalf(codes.Unimplemented, "subprocesses are not supported by this engine")
	}

	attempt := inst.NextAttempt(step.ID)
	resume := false

	if p := inst.Pending; p != nil && p.StepID == step.ID {
		attempt = p.Attempt
		resume = true
	}

	c, err := i.Isolator.Prepare(ctx, *inst, step, attempt)
	if err != nil {
		return err
	}

	if !resume {
		if err := i.Journal.Commit(
			ctx,
			inst,
			process.SubprocessStarted{
				StepID:  step.ID,
				Attempt: attempt,
				ChildID: c.ID,
			},
		); err != nil {
			return err
		}
	}

	a, child, err := i.Isolator.Run(ctx, c)
	if err != nil {
		if s, _, ok := i.Controls.Lookup(lineageOf(ctx)); ok && s.Type == envelope.Stop {
			return errStopped
		}

		var cerr subprocess.ChildError
		if errors.As(err, &cerr) {
			return i.failure(ctx, inst, step, "", cerr.Failure)
		}

		return err
	}

	payload, err := i.Isolator.Open(ctx, a)
	if err != nil {
		return err
	}

	value, err := bind(*inst, step, payload)
	if err != nil {
		return err
	}

	if err := i.Journal.Commit(
		ctx,
		inst,
		process.Succeeded{
			StepID: step.ID,
			Next:   step.Next,
			Output: step.Output,
			Value:  value,
			Steps:  child.StepsExecuted,
			Cost:   child.CostConsumed,
		},
	); err != nil {
		return err
	}

	i.Isolator.Release(ctx, a)

	mlog.LogTransition(i.logger(), inst.ID, step.ID, "subprocess %s succeeded, next step is %s", child.ID, step.Next)

	return nil
}

// failure records the verdict of the retry classifier for a failed attempt at
// step.
func (i *Interpreter) failure(
	ctx context.Context,
	inst *process.Instance,
	step definition.Step,
	worker string,
	o envelope.ErrorOutcome,
) error {
	h := retry.History{
		Attempt:          inst.FailedTries(step.ID),
		MaxAttempts:      step.MaxAttempts(i.maxAttempts()),
		Fallbacks:        inst.Fallbacks,
		InternalFailures: inst.InternalFailures,
	}

	key := envelope.IdempotencyKey{
		ProcessID: inst.ID,
		StepID:    step.ID,
		Attempt:   inst.NextAttempt(step.ID),
	}
	if inst.Pending != nil {
		key = inst.Pending.Key(inst.ID)
	}

	v := i.classifier().Classify(o, h)

	switch v.Action {
	case retry.Retry:
		if err := i.Journal.Commit(
			ctx,
			inst,
			process.Retried{
				StepID:     step.ID,
				WorkerID:   worker,
				Error:      o,
				SameWorker: v.SameWorker,
			},
		); err != nil {
			return err
		}

		mlog.LogRetry(i.logger(), key, v.Reason, v.Delay)

		if v.Delay > 0 {
			return linger.Sleep(ctx, v.Delay)
		}

		return nil

	case retry.Fallback:
		if err := i.Journal.Commit(
			ctx,
			inst,
			process.FellBack{
				StepID:   step.ID,
				WorkerID: worker,
				Error:    o,
			},
		); err != nil {
			return err
		}

		mlog.LogRetry(i.logger(), key, v.Reason, 0)

		return nil

	case retry.Escalate:
		return i.fail(ctx, inst, step.ID, o, true, v.Reason)

	default:
		if step.Else == "" {
			return i.fail(ctx, inst, step.ID, o, false, v.Reason)
		}

		if err := i.Journal.Commit(
			ctx,
			inst,
			process.Diverted{
				StepID: step.ID,
				Next:   step.Else,
				Error:  o,
			},
		); err != nil {
			return err
		}

		mlog.LogTransition(i.logger(), inst.ID, step.ID, "%s, falling back to %s", v.Reason, step.Else)

		return nil
	}
}

// fail records that inst has failed at the given step.
func (i *Interpreter) fail(
	ctx context.Context,
	inst *process.Instance,
	stepID string,
	o envelope.ErrorOutcome,
	escalate bool,
	reason string,
) error {
	if err := i.Journal.Commit(
		ctx,
		inst,
		process.ProcessFailed{
			StepID:    stepID,
			Error:     o,
			Escalated: escalate,
			Reason:    reason,
		},
	); err != nil {
		return err
	}

	mlog.LogFailure(i.logger(), inst.ID, stepID, o, escalate)

	if escalate && i.Escalator != nil {
		if err := i.Escalator.Escalate(ctx, *inst); err != nil {
			logging.Log(
				i.logger(),
				"[process %s] unable to escalate failure: %s",
				inst.ID,
				err,
			)
		}
	}

	return nil
}

// bind returns the new value of step's output variable given the payload
// produced by the step.
func bind(inst process.Instance, step definition.Step, payload map[string]any) (any, error) {
	if step.Output == "" {
		return nil, nil
	}

	var v any = payload

	if step.Select != "" {
		x, ok := payload[step.Select]
		if !ok {
			return nil, process.Fatalf(
				codes.InvalidArgument,
				"output of step %q has no %q field",
				step.ID,
				step.Select,
			)
		}
		v = x
	}

	v, err := structpbx.Normalize(v)
	if err != nil {
		return nil, process.Fatalf(codes.InvalidArgument, "output of step %q: %s", step.ID, err)
	}

	if step.OutputMode == definition.Append {
		prev, _ := inst.Variables[step.Output].([]any)
		v = append(append([]any(nil), prev...), v)
	}

	return v, nil
}

func (i *Interpreter) maxSteps(def definition.Definition) uint {
	if def.MaxSteps != 0 {
		return def.MaxSteps
	}

	if i.MaxSteps != 0 {
		return i.MaxSteps
	}

	return DefaultMaxSteps
}

func (i *Interpreter) maxAttempts() uint {
	if i.MaxAttempts != 0 {
		return i.MaxAttempts
	}

	return DefaultMaxAttempts
}

func (i *Interpreter) timeout(step definition.Step) time.Duration {
	if step.Timeout > 0 {
		return step.Timeout
	}

	if i.StepTimeout > 0 {
		return i.StepTimeout
	}

	return DefaultStepTimeout
}

func (i *Interpreter) classifier() *retry.Classifier {
	if i.Classifier != nil {
		return i.Classifier
	}

	return &retry.Classifier{}
}

func (i *Interpreter) logger() logging.Logger {
	if i.Logger != nil {
		return i.Logger
	}

	return logging.DefaultLogger
}
