// Package worker is a reference runtime for processes that execute commands
// dispatched by the engine.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dogmatiq/dodeca/logging"
	"github.com/dogmatiq/linger"
	"github.com/dogmatiq/orchestra/bus"
	"github.com/dogmatiq/orchestra/envelope"
	"github.com/dogmatiq/orchestra/internal/x/loggingx"
	"github.com/dogmatiq/orchestra/registry"
	"github.com/dogmatiq/orchestra/semaphore"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/codes"
)

const (
	// DefaultLease is the default duration of a worker's registration.
	// Heartbeats are sent at a third of this interval.
	DefaultLease = 15 * time.Second

	// DefaultRetention is the default duration for which a command's outcome
	// is kept so that duplicate commands receive the same reply.
	DefaultRetention = 10 * time.Minute

	// DefaultTimeout is the time allowed for a command that does not specify
	// a timeout.
	DefaultTimeout = 30 * time.Second
)

// Handler executes a single action.
type Handler interface {
	// Handle executes cmd and returns its result.
	//
	// The result's status and execution time are populated by the worker. An
	// error is converted to an error envelope using
	// envelope.OutcomeFromError().
	Handle(ctx context.Context, cmd envelope.Command) (envelope.Result, error)
}

// HandlerFunc is a function that implements Handler.
type HandlerFunc func(ctx context.Context, cmd envelope.Command) (envelope.Result, error)

// Handle calls fn(ctx, cmd).
func (fn HandlerFunc) Handle(ctx context.Context, cmd envelope.Command) (envelope.Result, error) {
	return fn(ctx, cmd)
}

// Worker consumes commands from its topic and replies with their outcomes.
//
// Commands are deduplicated by their idempotency key. A command that has
// already been executed is not executed again; the original reply is sent
// again instead.
type Worker struct {
	// ID uniquely identifies the worker.
	ID string

	// Address is the address from which the worker consumes commands. If it
	// is empty, ID is used.
	Address string

	// Bus is the transport used to receive commands and send replies.
	Bus bus.Bus

	// Registry is the store the worker registers with, if any.
	Registry registry.Store

	// Handlers maps action names to their handlers. The worker advertises
	// each action name as a capability.
	Handlers map[string]Handler

	// Capabilities are advertised in addition to the action names.
	Capabilities []string

	// Lease is the duration of the worker's registration. If it is zero,
	// DefaultLease is used.
	Lease time.Duration

	// Retention is the duration for which outcomes are kept for
	// deduplication. If it is zero, DefaultRetention is used.
	Retention time.Duration

	// Concurrency is the maximum number of commands executed at once. If it is
	// zero, there is no limit.
	Concurrency int

	// Logger is the target for log messages. If it is nil,
	// logging.DefaultLogger is used.
	Logger logging.Logger

	init     sync.Once
	log      logging.Logger
	sem      semaphore.Semaphore
	m        sync.Mutex
	load     int
	inflight map[string]struct{}
	outcomes map[string]outcome
}

// outcome is the retained reply to a command.
type outcome struct {
	reply   bus.Message
	expires time.Time
}

// Run consumes commands until ctx is canceled.
func (w *Worker) Run(ctx context.Context) error {
	w.init.Do(w.setup)

	if w.Registry != nil {
		if err := w.Registry.Register(ctx, w.descriptor()); err != nil {
			return fmt.Errorf("unable to register worker %s: %w", w.ID, err)
		}

		defer func() {
			if err := w.Registry.Deregister(context.WithoutCancel(ctx), w.ID); err != nil {
				logging.Log(w.log, "unable to deregister: %s", err)
			}
		}()
	}

	g, ctx := errgroup.WithContext(ctx)

	if w.Registry != nil {
		g.Go(func() error {
			return w.heartbeat(ctx)
		})
	}

	g.Go(func() error {
		return w.Bus.Consume(ctx, bus.WorkerTopic(w.address()), func(ctx context.Context, m bus.Message) error {
			return w.accept(ctx, g, m)
		})
	})

	return g.Wait()
}

// accept admits a message for execution once there is capacity to execute it.
func (w *Worker) accept(ctx context.Context, g *errgroup.Group, m bus.Message) error {
	if err := w.sem.Acquire(ctx); err != nil {
		return err
	}

	g.Go(func() error {
		defer w.sem.Release()
		w.handle(ctx, m)
		return nil
	})

	return nil
}

// handle executes the command in m, unless it is a duplicate, and publishes
// the reply.
func (w *Worker) handle(ctx context.Context, m bus.Message) {
	env, err := envelope.Unmarshal(m.Body)
	if err != nil {
		w.reject(ctx, m, err)
		return
	}

	cmd, ok := env.(envelope.Command)
	if !ok {
		w.reject(ctx, m, envelope.ValidationError{
			Field:  "kind",
			Reason: fmt.Sprintf("expected a command envelope, got %s", env.Kind()),
		})
		return
	}

	reply, dup := w.claim(cmd.IdempotencyKey)
	if dup {
		if reply != nil {
			logging.Debug(w.log, "%s is a duplicate, re-sending the original reply", cmd.IdempotencyKey)
			w.publish(ctx, *reply)
		} else {
			logging.Debug(w.log, "%s is a duplicate of a command in progress", cmd.IdempotencyKey)
		}
		return
	}

	r := w.execute(ctx, cmd, m)
	w.complete(cmd.IdempotencyKey, r)
	w.publish(ctx, r)
}

// execute runs the handler for cmd and returns the reply to publish.
func (w *Worker) execute(ctx context.Context, cmd envelope.Command, m bus.Message) bus.Message {
	w.adjustLoad(+1)
	defer w.adjustLoad(-1)

	var reply envelope.Envelope
	start := time.Now()

	h, ok := w.Handlers[cmd.Action]
	if !ok {
		reply = envelope.Error{
			Error: envelope.Errorf(codes.Unimplemented, "worker %s does not implement %q", w.ID, cmd.Action),
		}
	} else {
		ctx, cancel := linger.ContextWithTimeout(ctx, cmd.Timeout(), DefaultTimeout)
		res, err := h.Handle(ctx, cmd)
		cancel()

		elapsed := time.Since(start).Milliseconds()

		if err != nil {
			reply = envelope.Error{
				Error:           envelope.OutcomeFromError(err),
				ExecutionTimeMs: elapsed,
			}
		} else {
			res.Status = envelope.SuccessStatus
			res.ExecutionTimeMs = elapsed
			reply = res
		}
	}

	body, err := envelope.Marshal(reply)
	if err != nil {
		// The handler produced output that can not be encoded.
		body = envelope.MustMarshal(envelope.Error{
			Error: envelope.Errorf(codes.Internal, "unable to encode reply: %s", err),
		})
	}

	logging.Debug(w.log, "executed %s (%s) in %s", cmd.Action, cmd.IdempotencyKey, time.Since(start))

	return w.replyTo(m, body)
}

// reject replies to a malformed message with an INVALID_ARGUMENT error that
// cites the field in violation.
func (w *Worker) reject(ctx context.Context, m bus.Message, err error) {
	var verr envelope.ValidationError
	if !errors.As(err, &verr) {
		verr = envelope.ValidationError{Field: "<envelope>", Reason: err.Error()}
	}

	logging.Log(w.log, "rejected message %s: %s", m.ID, verr)

	if m.ReplyTo == "" {
		return
	}

	w.publish(ctx, w.replyTo(m, envelope.MustMarshal(envelope.Error{Error: verr.Outcome()})))
}

func (w *Worker) replyTo(m bus.Message, body []byte) bus.Message {
	topic := m.ReplyTo
	if topic == "" {
		topic = bus.ReplyTopic
	}

	return bus.Message{
		ID:            uuid.NewString(),
		Topic:         topic,
		Priority:      bus.High,
		CorrelationID: m.CorrelationID,
		Body:          body,
	}
}

func (w *Worker) publish(ctx context.Context, m bus.Message) {
	if err := w.Bus.Publish(ctx, m); err != nil {
		logging.Log(w.log, "unable to publish reply to %s: %s", m.CorrelationID, err)
	}
}

// claim marks the command with the given key as in progress.
//
// dup is true if the command is already in progress or complete. If it is
// complete, reply is the retained reply.
func (w *Worker) claim(key string) (reply *bus.Message, dup bool) {
	w.m.Lock()
	defer w.m.Unlock()

	w.prune()

	if o, ok := w.outcomes[key]; ok {
		return &o.reply, true
	}

	if _, ok := w.inflight[key]; ok {
		return nil, true
	}

	w.inflight[key] = struct{}{}

	return nil, false
}

// complete retains the reply to the command with the given key.
func (w *Worker) complete(key string, reply bus.Message) {
	w.m.Lock()
	defer w.m.Unlock()

	delete(w.inflight, key)
	w.outcomes[key] = outcome{
		reply:   reply,
		expires: time.Now().Add(w.retention()),
	}
}

// prune discards expired outcomes. w.m must be held.
func (w *Worker) prune() {
	now := time.Now()

	for k, o := range w.outcomes {
		if now.After(o.expires) {
			delete(w.outcomes, k)
		}
	}
}

func (w *Worker) adjustLoad(delta int) {
	w.m.Lock()
	w.load += delta
	w.m.Unlock()
}

// heartbeat renews the worker's registration until ctx is canceled.
func (w *Worker) heartbeat(ctx context.Context) error {
	interval := w.lease() / 3

	for {
		if err := linger.Sleep(ctx, interval); err != nil {
			return nil
		}

		w.m.Lock()
		load := w.load
		w.m.Unlock()

		err := w.Registry.Heartbeat(ctx, w.ID, load, time.Now().Add(w.lease()))

		if errors.Is(err, registry.ErrWorkerNotFound) {
			// The lease lapsed, most likely because heartbeats were delayed.
			err = w.Registry.Register(ctx, w.descriptor())
		}

		if err != nil && ctx.Err() == nil {
			logging.Log(w.log, "unable to renew registration: %s", err)
		}
	}
}

// descriptor returns the worker's registry entry.
func (w *Worker) descriptor() registry.WorkerDescriptor {
	caps := append([]string(nil), w.Capabilities...)
	for a := range w.Handlers {
		caps = append(caps, a)
	}
	sort.Strings(caps)

	w.m.Lock()
	load := w.load
	w.m.Unlock()

	return registry.WorkerDescriptor{
		ID:             w.ID,
		Address:        w.address(),
		Capabilities:   caps,
		CurrentLoad:    load,
		LeaseExpiresAt: time.Now().Add(w.lease()),
	}
}

func (w *Worker) setup() {
	w.log = loggingx.WithPrefix(w.logger(), "[worker %s] ", w.ID)

	if w.Concurrency > 0 {
		w.sem = semaphore.New(w.Concurrency)
	}

	w.inflight = map[string]struct{}{}
	w.outcomes = map[string]outcome{}
}

func (w *Worker) address() string {
	if w.Address != "" {
		return w.Address
	}

	return w.ID
}

func (w *Worker) lease() time.Duration {
	if w.Lease > 0 {
		return w.Lease
	}

	return DefaultLease
}

func (w *Worker) retention() time.Duration {
	if w.Retention > 0 {
		return w.Retention
	}

	return DefaultRetention
}

func (w *Worker) logger() logging.Logger {
	if w.Logger != nil {
		return w.Logger
	}

	return logging.DefaultLogger
}
