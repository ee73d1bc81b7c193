// Package retry classifies failed attempts and decides what happens next.
package retry

import (
	"fmt"
	"time"

	"github.com/dogmatiq/linger/backoff"
	"github.com/dogmatiq/orchestra/envelope"
	"google.golang.org/grpc/codes"
)

// Action is the decision made about a failed attempt.
type Action int

const (
	// Retry makes another attempt at the same step.
	Retry Action = iota

	// Fallback excludes the worker that failed and makes the same attempt on
	// a different worker.
	Fallback

	// Escalate fails the process and surfaces the failure to an operator.
	Escalate

	// Abort fails the step without retrying. If the step declares a fallback
	// step, control is transferred to it, otherwise the process fails.
	Abort
)

func (a Action) String() string {
	switch a {
	case Retry:
		return "retry"
	case Fallback:
		return "fallback"
	case Escalate:
		return "escalate"
	case Abort:
		return "abort"
	default:
		return fmt.Sprintf("Action(%d)", int(a))
	}
}

// Verdict is the result of classifying a failed attempt.
type Verdict struct {
	Action Action

	// Delay is the time to wait before retrying.
	Delay time.Duration

	// SameWorker is true if the retry should prefer the worker that failed.
	SameWorker bool

	// Exhausted is true if the step's attempt ceiling has been reached.
	Exhausted bool

	// Reason is a human-readable explanation of the verdict.
	Reason string
}

// History describes the failed attempts already made at a step.
type History struct {
	// Attempt is the number of the attempt that failed, starting at 1.
	Attempt uint

	// MaxAttempts is the step's attempt ceiling.
	MaxAttempts uint

	// Fallbacks is the number of fallbacks already taken at the step.
	Fallbacks uint

	// InternalFailures is the number of INTERNAL or UNKNOWN failures that
	// occurred at the step before this one.
	InternalFailures uint
}

// Classifier maps error outcomes to verdicts.
//
// It is the sole authority on whether a retry happens; the retryable flag on
// an error outcome is advisory only.
type Classifier struct {
	// Backoff computes the delay before a retry. If it is nil, DefaultBackoff
	// is used.
	Backoff backoff.Strategy
}

// Classify returns the verdict for a failed attempt.
func (c *Classifier) Classify(o envelope.ErrorOutcome, h History) Verdict {
	switch o.Code {
	case codes.DeadlineExceeded,
		codes.Unavailable,
		codes.Aborted:
		return c.retry(o, h, c.delay(o, h), true)

	case codes.ResourceExhausted:
		d, ok := AdvisedDelay(o)
		if !ok {
			d = c.delay(o, h)
		}
		return c.retry(o, h, d, false)

	case codes.Unimplemented:
		if h.Fallbacks == 0 {
			return Verdict{
				Action: Fallback,
				Reason: "worker does not implement the action, trying another worker",
			}
		}
		return Verdict{
			Action: Abort,
			Reason: "no fallback worker implements the action",
		}

	case codes.Internal, codes.Unknown:
		if h.InternalFailures == 0 {
			v := c.retry(o, h, c.delay(o, h), true)
			if v.Action == Retry {
				return v
			}
		}
		return Verdict{
			Action:    Escalate,
			Exhausted: h.Attempt >= h.MaxAttempts,
			Reason:    fmt.Sprintf("%s persisted after retrying", envelope.CodeName(o.Code)),
		}

	case codes.PermissionDenied, codes.Unauthenticated:
		return Verdict{
			Action: Escalate,
			Reason: fmt.Sprintf("%s requires operator attention", envelope.CodeName(o.Code)),
		}

	default:
		return Verdict{
			Action: Abort,
			Reason: fmt.Sprintf("%s is not retryable", envelope.CodeName(o.Code)),
		}
	}
}

// retry returns a Retry verdict, unless the attempt ceiling has been reached.
func (c *Classifier) retry(
	o envelope.ErrorOutcome,
	h History,
	d time.Duration,
	same bool,
) Verdict {
	if h.Attempt >= h.MaxAttempts {
		return Verdict{
			Action:    Abort,
			Exhausted: true,
			Reason: fmt.Sprintf(
				"%s after %d of %d attempt(s)",
				envelope.CodeName(o.Code),
				h.Attempt,
				h.MaxAttempts,
			),
		}
	}

	return Verdict{
		Action:     Retry,
		Delay:      d,
		SameWorker: same,
		Reason: fmt.Sprintf(
			"%s on attempt %d of %d",
			envelope.CodeName(o.Code),
			h.Attempt,
			h.MaxAttempts,
		),
	}
}

func (c *Classifier) delay(o envelope.ErrorOutcome, h History) time.Duration {
	s := c.Backoff
	if s == nil {
		s = DefaultBackoff
	}

	return s(o.Err(), h.Attempt)
}

// AdvisedDelay returns the retry delay advised by a RESOURCE_EXHAUSTED outcome.
//
// The delay is read from the "retryAfterMs" (number of milliseconds) or
// "retryAfter" (duration string, such as "1.5s") detail.
func AdvisedDelay(o envelope.ErrorOutcome) (time.Duration, bool) {
	if v, ok := o.Details["retryAfterMs"]; ok {
		switch v := v.(type) {
		case float64:
			if v >= 0 {
				return time.Duration(v * float64(time.Millisecond)), true
			}
		case int:
			if v >= 0 {
				return time.Duration(v) * time.Millisecond, true
			}
		}
	}

	if v, ok := o.Details["retryAfter"].(string); ok {
		if d, err := time.ParseDuration(v); err == nil && d >= 0 {
			return d, true
		}
	}

	return 0, false
}
