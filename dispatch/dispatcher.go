// Package dispatch sends commands to workers and correlates their replies.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/dogmatiq/dodeca/logging"
	"github.com/dogmatiq/orchestra/bus"
	"github.com/dogmatiq/orchestra/envelope"
	"github.com/dogmatiq/orchestra/internal/mlog"
	"github.com/dogmatiq/orchestra/matcher"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// DefaultSafetyMargin is the default amount by which the dispatcher's wait is
// shortened relative to the command's deadline.
const DefaultSafetyMargin = 250 * time.Millisecond

// Dispatcher sends commands to workers over a bus and waits for their
// replies.
type Dispatcher struct {
	// Bus is the transport used to send commands and receive replies.
	Bus bus.Bus

	// ReplyTopic is the topic on which replies are received. If it is empty,
	// bus.ReplyTopic is used.
	ReplyTopic string

	// SafetyMargin is subtracted from a command's deadline to compute the
	// time at which the dispatcher stops waiting. The transport expiry is the
	// deadline plus the margin, so the command is never dropped by the
	// transport before the dispatcher gives up on it. If it is zero,
	// DefaultSafetyMargin is used.
	SafetyMargin time.Duration

	// RateLimit is the maximum rate at which commands are sent to each
	// worker. If it is zero, sends are not rate limited.
	RateLimit rate.Limit

	// RateBurst is the burst size used when RateLimit is non-zero. If it is
	// zero, a burst of 1 is used.
	RateBurst int

	// Table is the set of pending correlations. If it is nil, a new table is
	// created on first use.
	Table *Table

	// Logger is the target for log messages. If it is nil,
	// logging.DefaultLogger is used.
	Logger logging.Logger

	init     sync.Once
	m        sync.Mutex
	limiters map[string]*rate.Limiter
}

// Send publishes cmd to the given worker and blocks until a reply arrives,
// the deadline elapses or ctx is canceled.
//
// The deadline is the earlier of timeout and ctx's deadline, less the safety
// margin. The command's idempotency key is used as both the transport dedup
// key and the correlation ID.
//
// A non-nil error indicates that the command could not be sent, or that ctx
// was canceled while waiting. Failures reported by the worker, and timeouts,
// are described by the returned Outcome.
func (d *Dispatcher) Send(
	ctx context.Context,
	cmd envelope.Command,
	w matcher.WorkerRef,
	timeout time.Duration,
) (Outcome, error) {
	d.init.Do(d.setup)

	key, err := envelope.ParseIdempotencyKey(cmd.IdempotencyKey)
	if err != nil {
		return Outcome{}, err
	}

	start := time.Now()
	margin := d.margin()

	deadline := start.Add(timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	wait := deadline.Add(-margin)

	if cmd.TimeoutSeconds <= 0 {
		cmd.TimeoutSeconds = int(math.Ceil(timeout.Seconds()))
	}

	body, err := envelope.Marshal(cmd)
	if err != nil {
		return Outcome{}, err
	}

	if !wait.After(start) {
		mlog.LogTimeout(d.logger(), key, w.ID, timeout)
		return Outcome{TimedOut: true}, nil
	}

	reply, err := d.Table.Register(cmd.IdempotencyKey, wait)
	if err != nil {
		return Outcome{}, err
	}

	if err := d.throttle(ctx, w.ID, wait); err != nil {
		d.Table.Abandon(cmd.IdempotencyKey)

		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return Outcome{TimedOut: true}, nil
		}

		return Outcome{}, err
	}

	if err := d.Bus.Publish(
		ctx,
		bus.Message{
			ID:            uuid.NewString(),
			Topic:         bus.WorkerTopic(w.Address),
			Priority:      bus.Normal,
			CorrelationID: cmd.IdempotencyKey,
			DedupKey:      cmd.IdempotencyKey,
			ReplyTo:       d.replyTopic(),
			ExpiresAt:     deadline.Add(margin),
			Body:          body,
		},
	); err != nil {
		d.Table.Abandon(cmd.IdempotencyKey)
		mlog.LogDispatchError(d.logger(), key, w.ID, cmd.Action, err)
		return Outcome{}, fmt.Errorf("unable to publish command: %w", err)
	}

	mlog.LogDispatch(d.logger(), key, w.ID, cmd.Action)

	timer := time.NewTimer(time.Until(wait))
	defer timer.Stop()

	select {
	case o := <-reply:
		d.logReply(key, w.ID, o, time.Since(start))
		return o, nil

	case <-timer.C:
		if d.Table.Abandon(cmd.IdempotencyKey) {
			mlog.LogTimeout(d.logger(), key, w.ID, timeout)
			return Outcome{TimedOut: true}, nil
		}

	case <-ctx.Done():
		if d.Table.Abandon(cmd.IdempotencyKey) {
			return Outcome{}, ctx.Err()
		}
	}

	// The reply won the race against the timeout or cancellation.
	o := <-reply
	d.logReply(key, w.ID, o, time.Since(start))

	return o, nil
}

// Run consumes replies from the reply topic until ctx is canceled.
//
// Each reply resolves its pending correlation. Replies that cannot be decoded,
// or whose correlation is unknown, already resolved or abandoned, are logged
// and discarded.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.init.Do(d.setup)

	return d.Bus.Consume(ctx, d.replyTopic(), d.handleReply)
}

func (d *Dispatcher) handleReply(_ context.Context, m bus.Message) error {
	env, err := envelope.Unmarshal(m.Body)
	if err != nil {
		mlog.LogMalformedReply(d.logger(), m.CorrelationID, err.Error())
		return nil
	}

	var o Outcome

	switch env := env.(type) {
	case envelope.Result:
		o.Result = &env
	case envelope.Error:
		o.Error = &env.Error
	default:
		mlog.LogMalformedReply(
			d.logger(),
			m.CorrelationID,
			fmt.Sprintf("unexpected %s envelope", env.Kind()),
		)
		return nil
	}

	if err := d.Table.Resolve(m.CorrelationID, o); err != nil {
		mlog.LogLateReply(d.logger(), m.CorrelationID, err.Error())
	}

	return nil
}

// throttle blocks until the rate limit for the given worker permits a send.
func (d *Dispatcher) throttle(ctx context.Context, worker string, until time.Time) error {
	if d.RateLimit == 0 {
		return nil
	}

	d.m.Lock()
	l, ok := d.limiters[worker]
	if !ok {
		burst := d.RateBurst
		if burst <= 0 {
			burst = 1
		}

		l = rate.NewLimiter(d.RateLimit, burst)
		d.limiters[worker] = l
	}
	d.m.Unlock()

	ctx, cancel := context.WithDeadline(ctx, until)
	defer cancel()

	if err := l.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// The limiter reports that the wait would exceed the deadline.
		return context.DeadlineExceeded
	}

	return nil
}

func (d *Dispatcher) logReply(
	key envelope.IdempotencyKey,
	worker string,
	o Outcome,
	elapsed time.Duration,
) {
	mlog.LogReply(d.logger(), key, worker, o.Error, elapsed)
}

func (d *Dispatcher) setup() {
	if d.Table == nil {
		d.Table = &Table{}
	}

	d.limiters = map[string]*rate.Limiter{}
}

func (d *Dispatcher) margin() time.Duration {
	if d.SafetyMargin > 0 {
		return d.SafetyMargin
	}

	return DefaultSafetyMargin
}

func (d *Dispatcher) replyTopic() string {
	if d.ReplyTopic != "" {
		return d.ReplyTopic
	}

	return bus.ReplyTopic
}

func (d *Dispatcher) logger() logging.Logger {
	if d.Logger != nil {
		return d.Logger
	}

	return logging.DefaultLogger
}
