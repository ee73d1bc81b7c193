package definition

import (
	"fmt"
	"strings"

	"go.uber.org/multierr"
)

// Validate returns an error describing every problem with d.
//
// In addition to checking each step, it verifies that at least one terminal
// step is reachable from the entry step.
func (d Definition) Validate() error {
	var err error

	if d.Ref == "" {
		err = multierr.Append(err, fmt.Errorf("definition ref must not be empty"))
	}

	if len(d.Steps) == 0 {
		return multierr.Append(err, fmt.Errorf("%s: definition must contain at least one step", d.Ref))
	}

	ids := map[string]struct{}{}
	for _, s := range d.Steps {
		if s.ID == "" {
			err = multierr.Append(err, fmt.Errorf("%s: step ID must not be empty", d.Ref))
			continue
		}

		if strings.ContainsAny(s.ID, ": \t\n") {
			err = multierr.Append(err, fmt.Errorf("%s: step ID %q must not contain colons or whitespace", d.Ref, s.ID))
		}

		if _, ok := ids[s.ID]; ok {
			err = multierr.Append(err, fmt.Errorf("%s: step ID %q is not unique", d.Ref, s.ID))
		}

		ids[s.ID] = struct{}{}
	}

	if _, ok := ids[d.Entry]; !ok {
		err = multierr.Append(err, fmt.Errorf("%s: entry step %q does not exist", d.Ref, d.Entry))
	}

	for _, n := range d.Inputs {
		if n == "" {
			err = multierr.Append(err, fmt.Errorf("%s: input names must not be empty", d.Ref))
		}
	}

	for _, s := range d.Steps {
		err = multierr.Append(err, d.validateStep(s, ids))
	}

	if err != nil {
		return err
	}

	if !d.terminalReachable() {
		return fmt.Errorf("%s: no terminal step is reachable from %q", d.Ref, d.Entry)
	}

	return nil
}

func (d Definition) validateStep(s Step, ids map[string]struct{}) error {
	var err error

	fail := func(f string, v ...any) {
		err = multierr.Append(
			err,
			fmt.Errorf("%s: step %q: %s", d.Ref, s.ID, fmt.Sprintf(f, v...)),
		)
	}

	target := func(field, id string, required bool) {
		if id == "" {
			if required {
				fail("%s must be specified for %s steps", field, s.Kind)
			}
			return
		}

		if _, ok := ids[id]; !ok {
			fail("%s target %q does not exist", field, id)
		}
	}

	switch s.Kind {
	case ActionKind:
		if s.Action == "" {
			fail("action must be specified for action steps")
		}
		target("next", s.Next, true)
		target("else", s.Else, false)

	case SubprocessKind:
		if s.Process == "" {
			fail("process must be specified for subprocess steps")
		}
		target("next", s.Next, true)
		target("else", s.Else, false)

	case BranchKind:
		if s.Condition == "" {
			fail("condition must be specified for branch steps")
		} else if _, e := ParseCondition(s.Condition); e != nil {
			fail("%s", e)
		}
		target("then", s.Then, true)
		target("else", s.Else, true)

	case TerminalKind:
		if len(s.Successors()) != 0 {
			fail("terminal steps must not have successors")
		}

	default:
		fail("unrecognized kind %q", s.Kind)
	}

	if s.Select != "" && s.Output == "" {
		fail("select requires an output variable")
	}

	switch s.OutputMode {
	case Overwrite, Append, "":
	default:
		fail("unrecognized output mode %q", s.OutputMode)
	}

	if s.Retry != nil && s.Retry.MaxAttempts == 0 {
		fail("retry policy must allow at least one attempt")
	}

	if s.Timeout < 0 {
		fail("timeout must not be negative")
	}

	if s.Budget.Cost < 0 {
		fail("budget cost must not be negative")
	}

	return err
}

// terminalReachable returns true if there is a path from the entry step to at
// least one terminal step.
func (d Definition) terminalReachable() bool {
	seen := map[string]bool{}
	queue := []string{d.Entry}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		if seen[id] {
			continue
		}
		seen[id] = true

		s, ok := d.Step(id)
		if !ok {
			continue
		}

		if s.Kind == TerminalKind {
			return true
		}

		queue = append(queue, s.Successors()...)
	}

	return false
}
