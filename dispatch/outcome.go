package dispatch

import (
	"fmt"

	"github.com/dogmatiq/orchestra/envelope"
	"google.golang.org/grpc/codes"
)

// Outcome is the result of sending a command to a worker.
//
// Exactly one of Result, Error or TimedOut is set.
type Outcome struct {
	Result   *envelope.Result
	Error    *envelope.ErrorOutcome
	TimedOut bool
}

// Succeeded returns true if the worker replied with a result.
func (o Outcome) Succeeded() bool {
	return o.Result != nil
}

// ErrorOutcome returns the failure described by o. A timeout is reported as
// DEADLINE_EXCEEDED.
func (o Outcome) ErrorOutcome() envelope.ErrorOutcome {
	switch {
	case o.Error != nil:
		return *o.Error
	case o.TimedOut:
		return envelope.Errorf(codes.DeadlineExceeded, "no reply before the deadline")
	default:
		panic(fmt.Sprintf("outcome did not fail: %#v", o))
	}
}
