// Package orchestra is a process engine that drives declarative multi-step
// workflows to completion by dispatching their steps to capability-matched
// workers.
package orchestra

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dogmatiq/dodeca/logging"
	"github.com/dogmatiq/linger"
	"github.com/dogmatiq/orchestra/bus"
	"github.com/dogmatiq/orchestra/definition"
	"github.com/dogmatiq/orchestra/dispatch"
	"github.com/dogmatiq/orchestra/envelope"
	"github.com/dogmatiq/orchestra/interpreter"
	"github.com/dogmatiq/orchestra/journal"
	"github.com/dogmatiq/orchestra/matcher"
	"github.com/dogmatiq/orchestra/process"
	"github.com/dogmatiq/orchestra/retry"
	"github.com/dogmatiq/orchestra/semaphore"
	"github.com/dogmatiq/orchestra/subprocess"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// ErrStopped is returned by engine methods that are called after the engine
// has stopped running.
var ErrStopped = errors.New("engine is not running")

// errShutdown is the cause of the engine's context being canceled when a
// shutdown signal is received.
var errShutdown = errors.New("engine shut down by control signal")

// Engine runs processes.
type Engine struct {
	opts  *engineOptions
	ready chan struct{}
	done  chan struct{}
	once  sync.Once

	// The following fields are populated by Run() before ready is closed.
	ctx         context.Context
	group       *errgroup.Group
	journal     *journal.Journal
	dispatcher  *dispatch.Dispatcher
	interpreter *interpreter.Interpreter
	controls    *interpreter.Controls
	sem         semaphore.Semaphore

	m       sync.Mutex
	running map[string]struct{}
}

// New returns a new engine.
//
// It panics if the WithBus() or WithRegistry() options are omitted.
func New(options ...EngineOption) *Engine {
	return &Engine{
		opts:  resolveEngineOptions(options...),
		ready: make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Definitions returns the engine's catalog of process definitions.
func (e *Engine) Definitions() *definition.Catalog {
	return e.opts.Catalog
}

// Run runs the engine until ctx is canceled, a shutdown signal is received or
// an error occurs.
//
// Processes that were running when the engine last stopped are resumed from
// their journals. An engine can only be run once.
func (e *Engine) Run(ctx context.Context) (err error) {
	started := false
	e.once.Do(func() { started = true })
	if !started {
		return errors.New("engine has already been run")
	}
	defer close(e.done)

	ds, err := e.opts.PersistenceProvider.Open(ctx, e.opts.DataStoreKey)
	if err != nil {
		return fmt.Errorf("unable to open data-store: %w", err)
	}
	defer func() {
		err = multierr.Append(err, ds.Close())
	}()

	parent := ctx
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	g, gctx := errgroup.WithContext(ctx)

	e.setup(gctx, g, &journal.Journal{
		DataStore:          ds,
		CheckpointInterval: e.opts.CheckpointInterval,
		Logger:             e.opts.Logger,
	})

	g.Go(func() error {
		return e.dispatcher.Run(gctx)
	})

	g.Go(func() error {
		return e.opts.Bus.Consume(gctx, bus.ControlTopic, func(ctx context.Context, m bus.Message) error {
			e.handleControl(ctx, m, cancel)
			return nil
		})
	})

	if err := e.recover(gctx); err != nil {
		cancel(err)
		g.Wait() // nolint:errcheck
		return err
	}

	close(e.ready)

	err = g.Wait()

	if parent.Err() != nil {
		return parent.Err()
	}

	if context.Cause(ctx) == errShutdown {
		logging.Log(e.opts.Logger, "engine shut down by control signal")
		return nil
	}

	return err
}

// setup builds the components that run processes.
func (e *Engine) setup(ctx context.Context, g *errgroup.Group, j *journal.Journal) {
	e.ctx = ctx
	e.group = g
	e.journal = j
	e.controls = &interpreter.Controls{}
	e.sem = semaphore.New(int(e.opts.ConcurrencyLimit))
	e.running = map[string]struct{}{}

	e.dispatcher = &dispatch.Dispatcher{
		Bus:          e.opts.Bus,
		SafetyMargin: e.opts.SafetyMargin,
		RateLimit:    e.opts.RateLimit,
		RateBurst:    e.opts.RateBurst,
		Logger:       e.opts.Logger,
	}

	e.interpreter = &interpreter.Interpreter{
		Definitions: e.opts.Catalog,
		Journal:     j,
		Matcher: &matcher.Matcher{
			Registry: e.opts.Registry,
		},
		Dispatcher: e.dispatcher,
		Classifier: &retry.Classifier{
			Backoff: e.opts.Backoff,
		},
		Controls:    e.controls,
		Escalator:   e,
		MaxSteps:    e.opts.MaxSteps,
		StepTimeout: e.opts.MessageTimeout,
		Logger:      e.opts.Logger,
	}

	e.interpreter.Isolator = &subprocess.Isolator{
		Definitions:     e.opts.Catalog,
		Runner:          e.interpreter,
		Artifacts:       e.opts.Artifacts,
		InlineThreshold: e.opts.InlineThreshold,
		MaxDepth:        e.opts.MaxDepth,
		Logger:          e.opts.Logger,
	}
}

// recover resumes every top-level process that had not reached a terminal
// status when the engine last stopped.
//
// Subprocesses are resumed by their parents.
func (e *Engine) recover(ctx context.Context) error {
	records, err := e.journal.Active(ctx)
	if err != nil {
		return fmt.Errorf("unable to load active processes: %w", err)
	}

	for _, rec := range records {
		if rec.ParentID != "" {
			continue
		}

		inst, ok, err := e.journal.Replay(ctx, rec.ID)
		if err != nil {
			return fmt.Errorf("unable to replay process %s: %w", rec.ID, err)
		}

		if !ok {
			continue
		}

		logging.Log(
			e.opts.Logger,
			"[process %s] resuming at step %s (%s)",
			inst.ID,
			inst.CurrentStep,
			inst.Status,
		)

		e.launch(inst)
	}

	return nil
}

// launch runs inst in the background, subject to the concurrency limit.
func (e *Engine) launch(inst process.Instance) {
	e.m.Lock()
	defer e.m.Unlock()

	if _, ok := e.running[inst.ID]; ok {
		return
	}
	e.running[inst.ID] = struct{}{}

	e.group.Go(func() error {
		defer func() {
			e.m.Lock()
			delete(e.running, inst.ID)
			e.m.Unlock()
		}()

		if err := e.sem.Acquire(e.ctx); err != nil {
			return nil
		}
		defer e.sem.Release()

		e.run(inst)

		return nil
	})
}

// run runs inst until it reaches a terminal status or the engine stops.
//
// If the interpreter stops with an error, such as when the journal is
// unavailable, the process is replayed from its journal and run again after a
// backoff delay.
func (e *Engine) run(inst process.Instance) {
	id := inst.ID
	var failures uint

	for {
		err := e.interpreter.Run(e.ctx, &inst)
		if err == nil || e.ctx.Err() != nil {
			return
		}

		for {
			failures++
			d := e.opts.Backoff(err, failures)

			logging.Log(
				e.opts.Logger,
				"[process %s] stopped at step %s, resuming in %s: %s",
				id,
				inst.CurrentStep,
				d,
				err,
			)

			if linger.Sleep(e.ctx, d) != nil {
				return
			}

			next, ok, rerr := e.journal.Replay(e.ctx, id)
			if rerr != nil {
				if e.ctx.Err() != nil {
					return
				}

				err = rerr
				continue
			}

			if !ok || next.Status.IsTerminal() {
				return
			}

			inst = next
			break
		}
	}
}

// Start begins a new process that executes the definition with the given
// reference, and returns its ID.
//
// inputs become the process's initial variables. It blocks until the engine
// is running.
func (e *Engine) Start(
	ctx context.Context,
	ref string,
	inputs map[string]any,
) (string, error) {
	return e.StartWithBudget(ctx, ref, inputs, definition.Budget{})
}

// StartWithBudget is like Start, except that the process's budget is further
// limited by b.
func (e *Engine) StartWithBudget(
	ctx context.Context,
	ref string,
	inputs map[string]any,
	b definition.Budget,
) (string, error) {
	if err := e.wait(ctx); err != nil {
		return "", err
	}

	inst, err := e.interpreter.Start(ctx, uuid.NewString(), ref, inputs, b)
	if err != nil {
		return "", err
	}

	e.launch(inst)

	return inst.ID, nil
}

// Signal publishes a control signal to the engine.
//
// Signals are delivered ahead of all other traffic. They are acted upon at
// the next step boundary of the targeted process, except for stop signals,
// which also interrupt a step that is in progress.
func (e *Engine) Signal(ctx context.Context, c envelope.Control) error {
	if c.ControlType != envelope.Shutdown {
		if _, ok := c.ProcessID(); !ok {
			return fmt.Errorf("%s signal must specify a process ID", c.ControlType)
		}
	}

	body, err := envelope.Marshal(c)
	if err != nil {
		return err
	}

	return e.opts.Bus.Publish(
		ctx,
		bus.Message{
			ID:       uuid.NewString(),
			Topic:    bus.ControlTopic,
			Priority: bus.Control,
			Body:     body,
		},
	)
}

// Stop signals the process with the given ID to stop.
func (e *Engine) Stop(ctx context.Context, id, reason string) error {
	return e.Signal(ctx, controlFor(envelope.Stop, id, reason))
}

// Pause signals the process with the given ID to pause.
func (e *Engine) Pause(ctx context.Context, id, reason string) error {
	return e.Signal(ctx, controlFor(envelope.Pause, id, reason))
}

// Resume signals the process with the given ID to resume.
func (e *Engine) Resume(ctx context.Context, id string) error {
	return e.Signal(ctx, controlFor(envelope.Resume, id, ""))
}

func controlFor(t envelope.ControlType, id, reason string) envelope.Control {
	return envelope.Control{
		ControlType: t,
		Reason:      reason,
		Parameters:  map[string]any{"processId": id},
	}
}

// handleControl acts upon a control message received from the bus.
//
// Signals that target a process that does not exist or has already finished
// are discarded.
func (e *Engine) handleControl(ctx context.Context, m bus.Message, shutdown context.CancelCauseFunc) {
	env, err := envelope.Unmarshal(m.Body)
	if err != nil {
		logging.Log(e.opts.Logger, "discarded malformed control message %s: %s", m.ID, err)
		return
	}

	c, ok := env.(envelope.Control)
	if !ok {
		logging.Log(e.opts.Logger, "discarded %s envelope received on the control topic", env.Kind())
		return
	}

	if c.ControlType == envelope.Shutdown {
		logging.Log(e.opts.Logger, "shutting down: %s", c.Reason)
		shutdown(errShutdown)
		return
	}

	id, ok := c.ProcessID()
	if !ok {
		logging.Log(e.opts.Logger, "discarded %s signal that does not specify a process ID", c.ControlType)
		return
	}

	// The signal is recorded before the process is checked so that it is
	// either seen by the process or cleared here, even if the process
	// finishes in between.
	e.controls.Set(
		id,
		interpreter.Signal{
			Type:   c.ControlType,
			Reason: c.Reason,
		},
	)

	rec, ok, err := e.journal.Record(ctx, id)
	if err != nil {
		logging.Log(e.opts.Logger, "[process %s] unable to load process for %s signal: %s", id, c.ControlType, err)
		return
	}

	if !ok || rec.Terminal {
		e.controls.Clear(id)
		logging.Log(e.opts.Logger, "[process %s] discarded %s signal, the process is not running", id, c.ControlType)
	}
}

// Instance returns the current state of the process with the given ID, as
// reconstructed from its journal.
//
// ok is false if the process does not exist.
func (e *Engine) Instance(ctx context.Context, id string) (_ process.Instance, ok bool, _ error) {
	if err := e.wait(ctx); err != nil {
		return process.Instance{}, false, err
	}

	return e.journal.Replay(ctx, id)
}

// History returns the events recorded for the process with the given ID.
func (e *Engine) History(ctx context.Context, id string) ([]process.Event, error) {
	if err := e.wait(ctx); err != nil {
		return nil, err
	}

	return e.journal.History(ctx, id)
}

// wait blocks until the engine is running.
func (e *Engine) wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return ErrStopped
	case <-e.ready:
	}

	select {
	case <-e.done:
		return ErrStopped
	default:
		return nil
	}
}
