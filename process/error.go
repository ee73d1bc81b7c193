package process

import (
	"github.com/dogmatiq/orchestra/envelope"
	"google.golang.org/grpc/codes"
)

// FatalError is an error that fails a process without consulting the retry
// classifier, such as an unresolved template reference.
type FatalError struct {
	Failure envelope.ErrorOutcome
}

// Fatalf returns a FatalError with the given code and a formatted message.
func Fatalf(c codes.Code, f string, v ...any) FatalError {
	return FatalError{envelope.Errorf(c, f, v...)}
}

func (e FatalError) Error() string {
	return e.Failure.String()
}

// Outcome returns the error outcome recorded against the failed process.
func (e FatalError) Outcome() envelope.ErrorOutcome {
	return e.Failure
}
