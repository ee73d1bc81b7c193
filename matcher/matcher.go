// Package matcher selects the worker that executes a command.
package matcher

import (
	"context"
	"sort"
	"time"

	"github.com/dogmatiq/orchestra/registry"
)

// WorkerRef identifies the worker selected to execute a command.
type WorkerRef struct {
	ID      string
	Address string
}

// Matcher selects workers from a registry.
type Matcher struct {
	// Registry is the source of worker descriptors.
	Registry registry.Registry

	// Now returns the current time. If it is nil, time.Now() is used.
	Now func() time.Time
}

// Match returns the live worker that advertises every capability in required
// and is not in exclude.
//
// When several workers qualify, the one with the lowest current load is
// selected. Ties are broken by the lexicographically smallest ID so that
// selection is deterministic.
//
// ok is false if no worker qualifies.
func (m *Matcher) Match(
	ctx context.Context,
	required []string,
	exclude map[string]struct{},
) (_ WorkerRef, ok bool, _ error) {
	return m.MatchPreferred(ctx, required, exclude, "")
}

// MatchPreferred is like Match, except that the worker with the ID preferred
// is selected if it qualifies, regardless of its load.
//
// It is used to send a retry to the same worker as the failed attempt while
// still falling back to another worker if the preferred one has gone away.
func (m *Matcher) MatchPreferred(
	ctx context.Context,
	required []string,
	exclude map[string]struct{},
	preferred string,
) (_ WorkerRef, ok bool, _ error) {
	workers, err := m.Registry.Query(
		ctx,
		registry.Query{
			Capabilities: required,
			Now:          m.now(),
		},
	)
	if err != nil {
		return WorkerRef{}, false, err
	}

	candidates := workers[:0:0]
	for _, w := range workers {
		if _, ok := exclude[w.ID]; ok {
			continue
		}

		if preferred != "" && w.ID == preferred {
			return WorkerRef{w.ID, w.Address}, true, nil
		}

		candidates = append(candidates, w)
	}

	if len(candidates) == 0 {
		return WorkerRef{}, false, nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]

		if a.CurrentLoad != b.CurrentLoad {
			return a.CurrentLoad < b.CurrentLoad
		}

		return a.ID < b.ID
	})

	w := candidates[0]

	return WorkerRef{w.ID, w.Address}, true, nil
}

func (m *Matcher) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}

	return time.Now()
}
