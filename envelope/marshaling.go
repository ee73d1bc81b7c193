package envelope

import (
	"fmt"
	"math"

	"github.com/dogmatiq/orchestra/internal/x/structpbx"
)

// ValidationError is returned when an envelope is malformed. It always cites
// the field that is in violation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid envelope: %s: %s", e.Field, e.Reason)
}

// Outcome returns an INVALID_ARGUMENT outcome describing the violation.
func (e ValidationError) Outcome() ErrorOutcome {
	return ErrorOutcome{
		Code:    InvalidArgumentCode,
		Message: e.Error(),
		Details: map[string]any{"field": e.Field},
	}
}

func invalid(field, f string, v ...any) error {
	return ValidationError{field, fmt.Sprintf(f, v...)}
}

// Marshal returns the binary representation of env.
//
// It returns a ValidationError if env is malformed.
func Marshal(env Envelope) ([]byte, error) {
	m, err := toMap(env)
	if err != nil {
		return nil, err
	}

	return structpbx.Marshal(m)
}

// MustMarshal returns the binary representation of env, or panics if env is
// malformed.
func MustMarshal(env Envelope) []byte {
	data, err := Marshal(env)
	if err != nil {
		panic(err)
	}

	return data
}

// Unmarshal parses data produced by Marshal().
//
// It returns a ValidationError if the envelope is malformed. Malformed
// envelopes are never repaired.
func Unmarshal(data []byte) (Envelope, error) {
	m, err := structpbx.Unmarshal(data)
	if err != nil {
		return nil, invalid("<envelope>", "%s", err)
	}

	return fromMap(m)
}

func toMap(env Envelope) (map[string]any, error) {
	if err := Validate(env); err != nil {
		return nil, err
	}

	switch env := env.(type) {
	case Command:
		return map[string]any{
			"kind":   string(CommandKind),
			"action": env.Action,
			"params": orEmpty(env.Params),
			"requirements": map[string]any{
				"capabilities": stringsToAny(env.Requirements.Capabilities),
			},
			"context": map[string]any{
				"processId": env.Context.ProcessID,
				"stepId":    env.Context.StepID,
			},
			"timeoutSeconds": env.TimeoutSeconds,
			"idempotencyKey": env.IdempotencyKey,
		}, nil
	case Result:
		return map[string]any{
			"kind":            string(ResultKind),
			"status":          env.Status,
			"output":          orEmpty(env.Output),
			"executionTimeMs": env.ExecutionTimeMs,
			"metrics":         orEmpty(env.Metrics),
		}, nil
	case Error:
		return map[string]any{
			"kind": string(ErrorKind),
			"error": map[string]any{
				"code":      CodeName(env.Error.Code),
				"message":   env.Error.Message,
				"retryable": env.Error.Retryable,
				"details":   orEmpty(env.Error.Details),
			},
			"executionTimeMs": env.ExecutionTimeMs,
		}, nil
	case Event:
		return map[string]any{
			"kind":      string(EventKind),
			"type":      env.Type,
			"processId": env.ProcessID,
			"stepId":    env.StepID,
			"data":      orEmpty(env.Data),
		}, nil
	case Control:
		return map[string]any{
			"kind":        string(ControlKind),
			"controlType": string(env.ControlType),
			"reason":      env.Reason,
			"parameters":  orEmpty(env.Parameters),
		}, nil
	default:
		return nil, invalid("kind", "%T is not a recognized envelope type", env)
	}
}

func fromMap(m map[string]any) (Envelope, error) {
	r := reader{m: m}

	switch Kind(r.string("kind", true)) {
	case CommandKind:
		req := r.object("requirements", true)
		ctx := r.object("context", true)
		env := Command{
			Action: r.string("action", true),
			Params: r.object("params", false).m,
			Requirements: Requirements{
				Capabilities: req.strings("capabilities"),
			},
			Context: Context{
				ProcessID: ctx.string("processId", true),
				StepID:    ctx.string("stepId", true),
			},
			TimeoutSeconds: int(r.integer("timeoutSeconds")),
			IdempotencyKey: r.string("idempotencyKey", true),
		}
		r.merge(req, ctx)
		return finish(env, r.err)

	case ResultKind:
		if _, ok := m["error"]; ok {
			return nil, invalid("error", "must not be present in a result envelope")
		}
		env := Result{
			Status:          r.string("status", true),
			Output:          r.object("output", false).m,
			ExecutionTimeMs: r.integer("executionTimeMs"),
			Metrics:         r.object("metrics", false).m,
		}
		return finish(env, r.err)

	case ErrorKind:
		if _, ok := m["output"]; ok {
			return nil, invalid("output", "must not be present in an error envelope")
		}
		if _, ok := m["status"]; ok {
			return nil, invalid("status", "must not be present in an error envelope")
		}
		e := r.object("error", true)
		env := Error{
			Error: ErrorOutcome{
				Message:   e.string("message", false),
				Retryable: e.bool("retryable"),
				Details:   e.object("details", false).m,
			},
			ExecutionTimeMs: r.integer("executionTimeMs"),
		}
		name := e.string("code", true)
		r.merge(e)
		if r.err == nil {
			c, ok := ParseCode(name)
			if !ok {
				return nil, invalid("error.code", "%q is not a recognized error code", name)
			}
			env.Error.Code = c
		}
		return finish(env, r.err)

	case EventKind:
		env := Event{
			Type:      r.string("type", true),
			ProcessID: r.string("processId", false),
			StepID:    r.string("stepId", false),
			Data:      r.object("data", false).m,
		}
		return finish(env, r.err)

	case ControlKind:
		env := Control{
			ControlType: ControlType(r.string("controlType", true)),
			Reason:      r.string("reason", false),
			Parameters:  r.object("parameters", false).m,
		}
		return finish(env, r.err)
	}

	if r.err != nil {
		return nil, r.err
	}

	return nil, invalid("kind", "%q is not a recognized envelope kind", m["kind"])
}

func finish(env Envelope, err error) (Envelope, error) {
	if err != nil {
		return nil, err
	}

	if err := Validate(env); err != nil {
		return nil, err
	}

	return env, nil
}

// reader extracts typed fields from a normalized map, recording the first
// violation it encounters.
type reader struct {
	prefix string
	m      map[string]any
	err    error
}

func (r *reader) fail(field, f string, v ...any) {
	if r.err == nil {
		r.err = invalid(r.prefix+field, f, v...)
	}
}

func (r *reader) merge(others ...*reader) {
	for _, o := range others {
		if r.err == nil {
			r.err = o.err
		}
	}
}

func (r *reader) string(k string, required bool) string {
	v, ok := r.m[k]
	if !ok || v == nil {
		if required {
			r.fail(k, "must be present")
		}
		return ""
	}

	s, ok := v.(string)
	if !ok {
		r.fail(k, "must be a string")
	}

	return s
}

func (r *reader) bool(k string) bool {
	v, ok := r.m[k]
	if !ok || v == nil {
		return false
	}

	b, ok := v.(bool)
	if !ok {
		r.fail(k, "must be a boolean")
	}

	return b
}

func (r *reader) integer(k string) int64 {
	v, ok := r.m[k]
	if !ok || v == nil {
		return 0
	}

	f, ok := v.(float64)
	if !ok || f != math.Trunc(f) {
		r.fail(k, "must be an integer")
		return 0
	}

	return int64(f)
}

func (r *reader) object(k string, required bool) *reader {
	sub := &reader{prefix: r.prefix + k + "."}

	v, ok := r.m[k]
	if !ok || v == nil {
		if required {
			r.fail(k, "must be present")
		}
		return sub
	}

	m, ok := v.(map[string]any)
	if !ok {
		r.fail(k, "must be an object")
		return sub
	}

	sub.m = m
	return sub
}

func (r *reader) strings(k string) []string {
	v, ok := r.m[k]
	if !ok || v == nil {
		return nil
	}

	list, ok := v.([]any)
	if !ok {
		r.fail(k, "must be a list of strings")
		return nil
	}

	out := make([]string, 0, len(list))
	for i, x := range list {
		s, ok := x.(string)
		if !ok {
			r.fail(fmt.Sprintf("%s[%d]", k, i), "must be a string")
			return nil
		}
		out = append(out, s)
	}

	return out
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func stringsToAny(s []string) []any {
	out := make([]any, len(s))
	for i, x := range s {
		out[i] = x
	}
	return out
}
