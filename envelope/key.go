package envelope

import (
	"fmt"
	"strconv"
	"strings"
)

// IdempotencyKey identifies a single attempt at executing a process step.
//
// Its string form is used both as the command's deduplication key and as the
// correlation ID of the reply. It is derived only from the process ID, step ID
// and attempt number, so re-dispatching after a crash yields the same key.
type IdempotencyKey struct {
	ProcessID string
	StepID    string
	Attempt   uint
}

func (k IdempotencyKey) String() string {
	return fmt.Sprintf("%s:%s:%d", k.ProcessID, k.StepID, k.Attempt)
}

// ParseIdempotencyKey parses the string representation of a key.
//
// The process ID may itself contain colons, so the step ID and attempt are
// taken from the right.
func ParseIdempotencyKey(s string) (IdempotencyKey, error) {
	i := strings.LastIndexByte(s, ':')
	if i == -1 {
		return IdempotencyKey{}, fmt.Errorf("malformed idempotency key %q", s)
	}

	n, err := strconv.ParseUint(s[i+1:], 10, 32)
	if err != nil || n == 0 {
		return IdempotencyKey{}, fmt.Errorf("malformed idempotency key %q: invalid attempt", s)
	}

	rest := s[:i]

	j := strings.LastIndexByte(rest, ':')
	if j <= 0 || j == len(rest)-1 {
		return IdempotencyKey{}, fmt.Errorf("malformed idempotency key %q", s)
	}

	return IdempotencyKey{
		ProcessID: rest[:j],
		StepID:    rest[j+1:],
		Attempt:   uint(n),
	}, nil
}
