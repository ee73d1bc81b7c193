package dispatch

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrAlreadyPending is returned by Table.Register() if a correlation with
	// the same ID is already pending.
	ErrAlreadyPending = errors.New("correlation is already pending")

	// ErrUnknownCorrelation is returned by Table.Resolve() if there is no
	// record of the correlation ID.
	ErrUnknownCorrelation = errors.New("correlation is unknown")

	// ErrAlreadyResolved is returned by Table.Resolve() if the correlation has
	// already been resolved by an earlier reply.
	ErrAlreadyResolved = errors.New("correlation already resolved")

	// ErrAbandoned is returned by Table.Resolve() if the caller stopped
	// waiting before the reply arrived.
	ErrAbandoned = errors.New("correlation abandoned before reply arrived")
)

// DefaultTombstoneTTL is the default time for which a resolved or abandoned
// correlation is remembered so that late replies can be identified.
const DefaultTombstoneTTL = 10 * time.Minute

type slotState int

const (
	pending slotState = iota
	resolved
	abandoned
)

type slot struct {
	state    slotState
	deadline time.Time
	reply    chan Outcome
	closedAt time.Time
}

// Table is the set of pending correlations.
//
// Each correlation is resolved at most once. The transition out of the
// pending state happens under the table's mutex, so a reply racing with a
// timeout is either delivered or reported as late, never both.
type Table struct {
	// TombstoneTTL is the time for which closed correlations are remembered.
	// If it is zero, DefaultTombstoneTTL is used.
	TombstoneTTL time.Duration

	// Now returns the current time. If it is nil, time.Now() is used.
	Now func() time.Time

	m     sync.Mutex
	slots map[string]*slot
}

// Register creates a pending correlation.
//
// It returns a channel on which the reply is delivered. A closed correlation
// with the same ID is replaced.
func (t *Table) Register(id string, deadline time.Time) (<-chan Outcome, error) {
	t.m.Lock()
	defer t.m.Unlock()

	t.prune()

	if s, ok := t.slots[id]; ok && s.state == pending {
		return nil, ErrAlreadyPending
	}

	if t.slots == nil {
		t.slots = map[string]*slot{}
	}

	s := &slot{
		state:    pending,
		deadline: deadline,
		reply:    make(chan Outcome, 1),
	}

	t.slots[id] = s

	return s.reply, nil
}

// Resolve delivers a reply to a pending correlation.
func (t *Table) Resolve(id string, o Outcome) error {
	t.m.Lock()
	defer t.m.Unlock()

	s, ok := t.slots[id]
	if !ok {
		return ErrUnknownCorrelation
	}

	switch s.state {
	case resolved:
		return ErrAlreadyResolved
	case abandoned:
		return ErrAbandoned
	}

	s.state = resolved
	s.closedAt = t.now()
	s.reply <- o

	return nil
}

// Abandon closes a pending correlation without a reply, such as when its
// deadline passes.
//
// It returns false if the correlation was resolved first, in which case the
// reply is available on the channel returned by Register().
func (t *Table) Abandon(id string) bool {
	t.m.Lock()
	defer t.m.Unlock()

	s, ok := t.slots[id]
	if !ok || s.state != pending {
		return false
	}

	s.state = abandoned
	s.closedAt = t.now()

	return true
}

// Pending returns the number of pending correlations.
func (t *Table) Pending() int {
	t.m.Lock()
	defer t.m.Unlock()

	n := 0
	for _, s := range t.slots {
		if s.state == pending {
			n++
		}
	}

	return n
}

// prune removes tombstones that have outlived the TTL.
func (t *Table) prune() {
	ttl := t.TombstoneTTL
	if ttl <= 0 {
		ttl = DefaultTombstoneTTL
	}

	cutoff := t.now().Add(-ttl)

	for id, s := range t.slots {
		if s.state != pending && s.closedAt.Before(cutoff) {
			delete(t.slots, id)
		}
	}
}

func (t *Table) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}

	return time.Now()
}
