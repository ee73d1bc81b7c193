// Package memorybus is an in-memory implementation of bus.Bus.
package memorybus

import (
	"context"
	"sync"
	"time"

	"github.com/dogmatiq/dodeca/logging"
	"github.com/dogmatiq/linger"
	"github.com/dogmatiq/linger/backoff"
	"github.com/dogmatiq/orchestra/bus"
	"github.com/dogmatiq/orchestra/internal/x/containerx/pqueue"
)

// DefaultRedeliveryBackoff is the default strategy used to delay redelivery of
// a message after its handler fails.
var DefaultRedeliveryBackoff backoff.Strategy = backoff.WithTransforms(
	backoff.Exponential(10*time.Millisecond),
	linger.FullJitter,
	linger.Limiter(0, 5*time.Second),
)

// Bus is an in-memory message bus.
//
// Messages on each topic are delivered in priority order, then in the order
// they were published. Messages that expire before they are delivered are
// discarded.
type Bus struct {
	// Logger is the target for log messages about dropped and redelivered
	// messages. If it is nil, logging.DefaultLogger is used.
	Logger logging.Logger

	// RedeliveryBackoff computes the delay before a failed message is
	// redelivered. If it is nil, DefaultRedeliveryBackoff is used.
	RedeliveryBackoff backoff.Strategy

	// Now returns the current time. If it is nil, time.Now() is used.
	Now func() time.Time

	m      sync.Mutex
	closed bool
	topics map[string]*topic
}

type topic struct {
	queue   pqueue.Queue[*delivery]
	ready   chan struct{}
	pending map[string]struct{} // dedup keys of queued messages
}

type delivery struct {
	message  bus.Message
	failures uint
}

func newTopic() *topic {
	return &topic{
		queue: pqueue.Queue[*delivery]{
			Less: func(a, b *delivery) bool {
				return a.message.Priority > b.message.Priority
			},
		},
		ready:   make(chan struct{}),
		pending: map[string]struct{}{},
	}
}

// Publish sends a message to m.Topic.
//
// If m.DedupKey is non-empty and a message with the same key is already
// queued on the topic, m is discarded.
func (b *Bus) Publish(ctx context.Context, m bus.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return b.push(&delivery{message: m})
}

// Consume delivers messages from a topic to h until ctx is canceled.
func (b *Bus) Consume(ctx context.Context, topic string, h bus.Handler) error {
	for {
		d, err := b.pop(ctx, topic)
		if err != nil {
			return err
		}

		if err := h(ctx, d.message); err != nil {
			if ctx.Err() != nil {
				// Put it back for some other consumer, we're shutting down.
				_ = b.push(d)
				return ctx.Err()
			}

			b.redeliver(d, err)
		}
	}
}

// Close stops the bus. Pending messages are discarded and blocked consumers
// return bus.ErrClosed.
func (b *Bus) Close() error {
	b.m.Lock()
	defer b.m.Unlock()

	if b.closed {
		return bus.ErrClosed
	}

	b.closed = true

	for _, t := range b.topics {
		close(t.ready)
	}

	return nil
}

// Len returns the number of messages waiting on a topic.
func (b *Bus) Len(topic string) int {
	b.m.Lock()
	defer b.m.Unlock()

	if t, ok := b.topics[topic]; ok {
		return t.queue.Len()
	}

	return 0
}

func (b *Bus) push(d *delivery) error {
	b.m.Lock()
	defer b.m.Unlock()

	if b.closed {
		return bus.ErrClosed
	}

	t := b.topic(d.message.Topic)

	if k := d.message.DedupKey; k != "" {
		if _, ok := t.pending[k]; ok {
			logging.Debug(
				b.logger(),
				"discarded duplicate message %s on %s (dedup key %s)",
				d.message.ID,
				d.message.Topic,
				k,
			)
			return nil
		}
		t.pending[k] = struct{}{}
	}

	t.queue.Push(d)

	// Wake every waiting consumer.
	close(t.ready)
	t.ready = make(chan struct{})

	return nil
}

// pop removes the next deliverable message from the topic, blocking until one
// is available.
func (b *Bus) pop(ctx context.Context, name string) (*delivery, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		b.m.Lock()

		if b.closed {
			b.m.Unlock()
			return nil, bus.ErrClosed
		}

		t := b.topic(name)
		now := b.now()

		for {
			d, ok := t.queue.Pop()
			if !ok {
				break
			}

			delete(t.pending, d.message.DedupKey)

			if d.message.Expired(now) {
				logging.Debug(
					b.logger(),
					"discarded expired message %s on %s",
					d.message.ID,
					name,
				)
				continue
			}

			b.m.Unlock()
			return d, nil
		}

		ready := t.ready
		b.m.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ready:
		}
	}
}

func (b *Bus) redeliver(d *delivery, cause error) {
	s := b.RedeliveryBackoff
	if s == nil {
		s = DefaultRedeliveryBackoff
	}

	delay := s(cause, d.failures)
	d.failures++

	logging.Log(
		b.logger(),
		"redelivering message %s on %s in %s: %s",
		d.message.ID,
		d.message.Topic,
		delay,
		cause,
	)

	time.AfterFunc(delay, func() {
		_ = b.push(d)
	})
}

func (b *Bus) topic(name string) *topic {
	if b.topics == nil {
		b.topics = map[string]*topic{}
	}

	t, ok := b.topics[name]
	if !ok {
		t = newTopic()
		b.topics[name] = t
	}

	return t
}

func (b *Bus) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}

	return time.Now()
}

func (b *Bus) logger() logging.Logger {
	if b.Logger != nil {
		return b.Logger
	}

	return logging.DefaultLogger
}
