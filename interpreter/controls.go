package interpreter

import (
	"context"
	"errors"
	"sync"

	"github.com/dogmatiq/orchestra/envelope"
)

// Signal is a control signal that targets a process.
type Signal struct {
	Type   envelope.ControlType
	Reason string
}

// Controls holds the control signals that have been received but not yet
// acted upon.
//
// A signal applies to the process it targets and to all of that process's
// subprocesses. It is safe for concurrent use. A nil *Controls never has any
// signals.
type Controls struct {
	m       sync.Mutex
	signals map[string]Signal
	changed chan struct{}
}

// errStopped is the cause of a context that is canceled because a stop signal
// was received.
var errStopped = errors.New("process stopped by control signal")

// Set records a signal for the process with the given ID, replacing any
// signal that has not yet been acted upon.
func (c *Controls) Set(id string, s Signal) {
	c.m.Lock()
	defer c.m.Unlock()

	if c.signals == nil {
		c.signals = map[string]Signal{}
	}

	c.signals[id] = s
	c.notify()
}

// Clear discards the signal for the process with the given ID.
func (c *Controls) Clear(id string) {
	if c == nil {
		return
	}

	c.m.Lock()
	defer c.m.Unlock()

	if _, ok := c.signals[id]; ok {
		delete(c.signals, id)
		c.notify()
	}
}

// Lookup returns the signal that applies to the innermost process in lineage,
// which lists process IDs from the root to the innermost process.
//
// A stop signal for any process in the lineage takes precedence. Otherwise the
// signal that targets the innermost process is preferred over those that
// target its ancestors.
//
// The returned channel is closed the next time any signal changes.
func (c *Controls) Lookup(lineage []string) (_ Signal, changed <-chan struct{}, ok bool) {
	if c == nil {
		return Signal{}, nil, false
	}

	c.m.Lock()
	defer c.m.Unlock()

	if c.changed == nil {
		c.changed = make(chan struct{})
	}

	var found Signal

	for i := len(lineage) - 1; i >= 0; i-- {
		s, exists := c.signals[lineage[i]]
		if !exists {
			continue
		}

		if s.Type == envelope.Stop {
			return s, c.changed, true
		}

		if !ok {
			found, ok = s, true
		}
	}

	return found, c.changed, ok
}

// watch returns a context that is canceled with errStopped when a stop
// signal applies to the innermost process in lineage.
func (c *Controls) watch(
	ctx context.Context,
	lineage []string,
) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(ctx)

	if c == nil {
		return ctx, func() { cancel(nil) }
	}

	go func() {
		for {
			s, changed, ok := c.Lookup(lineage)
			if ok && s.Type == envelope.Stop {
				cancel(errStopped)
				return
			}

			select {
			case <-ctx.Done():
				return
			case <-changed:
			}
		}
	}()

	return ctx, func() { cancel(nil) }
}

// notify wakes everything that is waiting for a signal to change. c.m must be
// held.
func (c *Controls) notify() {
	if c.changed != nil {
		close(c.changed)
	}

	c.changed = make(chan struct{})
}

type lineageKey struct{}

// withLineage returns a context that records id as the innermost process in
// the current lineage.
func withLineage(ctx context.Context, id string) context.Context {
	ids := lineageOf(ctx)
	return context.WithValue(ctx, lineageKey{}, append(ids[:len(ids):len(ids)], id))
}

// lineageOf returns the process IDs recorded in ctx, from the root to the
// innermost process.
func lineageOf(ctx context.Context) []string {
	ids, _ := ctx.Value(lineageKey{}).([]string)
	return ids
}
