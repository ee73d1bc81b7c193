package envelope

import (
	"google.golang.org/grpc/codes"
)

// InvalidArgumentCode is the code used when rejecting malformed envelopes.
const InvalidArgumentCode = codes.InvalidArgument

// Validate returns a ValidationError if env is malformed.
func Validate(env Envelope) error {
	switch env := env.(type) {
	case Command:
		return validateCommand(env)
	case Result:
		if env.Status != SuccessStatus {
			return invalid("status", "must be %q", SuccessStatus)
		}
		if env.ExecutionTimeMs < 0 {
			return invalid("executionTimeMs", "must not be negative")
		}
	case Error:
		if !IsValidCode(env.Error.Code) {
			return invalid("error.code", "%d is not part of the error taxonomy", uint32(env.Error.Code))
		}
		if env.ExecutionTimeMs < 0 {
			return invalid("executionTimeMs", "must not be negative")
		}
	case Event:
		if env.Type == "" {
			return invalid("type", "must not be empty")
		}
	case Control:
		switch env.ControlType {
		case Stop, Pause, Resume:
			if _, ok := env.ProcessID(); !ok {
				return invalid("parameters.processId", "must be present for %q signals", env.ControlType)
			}
		case Shutdown:
		default:
			return invalid("controlType", "%q is not a recognized control type", env.ControlType)
		}
	case nil:
		return invalid("kind", "must be present")
	}

	return nil
}

func validateCommand(env Command) error {
	if env.Action == "" {
		return invalid("action", "must not be empty")
	}

	if env.Context.ProcessID == "" {
		return invalid("context.processId", "must not be empty")
	}

	if env.Context.StepID == "" {
		return invalid("context.stepId", "must not be empty")
	}

	if env.TimeoutSeconds <= 0 {
		return invalid("timeoutSeconds", "must be positive")
	}

	k, err := ParseIdempotencyKey(env.IdempotencyKey)
	if err != nil {
		return invalid("idempotencyKey", "%s", err)
	}

	if k.ProcessID != env.Context.ProcessID || k.StepID != env.Context.StepID {
		return invalid("idempotencyKey", "does not match the command context")
	}

	for i, c := range env.Requirements.Capabilities {
		if c == "" {
			return invalid("requirements.capabilities", "element %d must not be empty", i)
		}
	}

	return nil
}
