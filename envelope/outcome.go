package envelope

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dogmatiq/orchestra/internal/x/grpcx"
	"github.com/dogmatiq/orchestra/internal/x/structpbx"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
)

// ErrorOutcome is a standardized description of a failure.
//
// Retryable is advisory. Whether a retry actually happens is decided by the
// engine's retry classifier.
type ErrorOutcome struct {
	Code      codes.Code
	Message   string
	Retryable bool
	Details   map[string]any
}

func (o ErrorOutcome) String() string {
	if o.Message == "" {
		return CodeName(o.Code)
	}

	return fmt.Sprintf("%s: %s", CodeName(o.Code), o.Message)
}

// Err returns o as a gRPC status error. The details, if any, are attached as a
// google.protobuf.Struct.
func (o ErrorOutcome) Err() error {
	var details []proto.Message

	if len(o.Details) != 0 {
		s, err := structpbx.NewStruct(o.Details)
		if err == nil {
			details = append(details, s)
		}
	}

	return grpcx.Errorf(o.Code, details, "%s", o.Message)
}

// Errorf returns an ErrorOutcome with the given code and a formatted message.
func Errorf(c codes.Code, f string, v ...any) ErrorOutcome {
	return ErrorOutcome{
		Code:    c,
		Message: fmt.Sprintf(f, v...),
	}
}

// OutcomeFromError converts err to an ErrorOutcome.
//
// gRPC status errors keep their code, message and Struct details. Context
// errors map to DEADLINE_EXCEEDED or CANCELLED. Anything else is UNKNOWN.
func OutcomeFromError(err error) ErrorOutcome {
	var fatal interface{ Outcome() ErrorOutcome }
	if errors.As(err, &fatal) {
		return fatal.Outcome()
	}

	s, ok := status.FromError(err)
	if !ok {
		s = status.FromContextError(err)
	}

	o := ErrorOutcome{
		Code:    s.Code(),
		Message: s.Message(),
	}

	if d, ok := grpcx.StructDetail(s); ok {
		o.Details = d.AsMap()
	}

	if !IsValidCode(o.Code) {
		o.Code = codes.Unknown
	}

	return o
}

// IsContextError returns true if err is caused by a canceled or expired
// context.
func IsContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// codeNames maps each code in the error taxonomy to its canonical name.
//
// codes.OK is not an error, and codes.DataLoss is not part of the taxonomy.
var codeNames = map[codes.Code]string{
	codes.Canceled:           "CANCELLED",
	codes.Unknown:            "UNKNOWN",
	codes.InvalidArgument:    "INVALID_ARGUMENT",
	codes.DeadlineExceeded:   "DEADLINE_EXCEEDED",
	codes.NotFound:           "NOT_FOUND",
	codes.AlreadyExists:      "ALREADY_EXISTS",
	codes.PermissionDenied:   "PERMISSION_DENIED",
	codes.ResourceExhausted:  "RESOURCE_EXHAUSTED",
	codes.FailedPrecondition: "FAILED_PRECONDITION",
	codes.Aborted:            "ABORTED",
	codes.OutOfRange:         "OUT_OF_RANGE",
	codes.Unimplemented:      "UNIMPLEMENTED",
	codes.Internal:           "INTERNAL",
	codes.Unavailable:        "UNAVAILABLE",
	codes.Unauthenticated:    "UNAUTHENTICATED",
}

var codesByName = func() map[string]codes.Code {
	m := make(map[string]codes.Code, len(codeNames))
	for c, n := range codeNames {
		m[n] = c
	}
	return m
}()

// IsValidCode returns true if c is part of the error taxonomy.
func IsValidCode(c codes.Code) bool {
	_, ok := codeNames[c]
	return ok
}

// CodeName returns the canonical name of c.
func CodeName(c codes.Code) string {
	if n, ok := codeNames[c]; ok {
		return n
	}

	return fmt.Sprintf("CODE(%d)", uint32(c))
}

// ParseCode returns the code with the given canonical name.
func ParseCode(n string) (codes.Code, bool) {
	c, ok := codesByName[strings.ToUpper(n)]
	return c, ok
}
