package process

import (
	"fmt"
	"math"

	"github.com/dogmatiq/orchestra/definition"
	"github.com/dogmatiq/orchestra/envelope"
	"github.com/dogmatiq/orchestra/internal/x/structpbx"
)

// MarshalEvent returns the binary representation of ev, along with its type.
func MarshalEvent(ev Event) (string, []byte, error) {
	var m map[string]any

	switch ev := ev.(type) {
	case Started:
		m = map[string]any{
			"definitionRef": ev.DefinitionRef,
			"parentId":      ev.ParentID,
			"depth":         ev.Depth,
			"entry":         ev.Entry,
			"budget":        marshalBudget(ev.Budget),
		}
		putMap(m, "inputs", ev.Inputs)
	case Dispatched:
		m = map[string]any{
			"stepId":   ev.StepID,
			"attempt":  ev.Attempt,
			"workerId": ev.WorkerID,
		}
	case Redispatched:
		m = map[string]any{
			"stepId":   ev.StepID,
			"workerId": ev.WorkerID,
		}
	case SubprocessStarted:
		m = map[string]any{
			"stepId":  ev.StepID,
			"attempt": ev.Attempt,
			"childId": ev.ChildID,
		}
	case Succeeded:
		m = map[string]any{
			"stepId": ev.StepID,
			"next":   ev.Next,
			"output": ev.Output,
			"value":  ev.Value,
			"steps":  ev.Steps,
			"cost":   ev.Cost,
		}
	case Branched:
		m = map[string]any{
			"stepId": ev.StepID,
			"result": ev.Result,
			"next":   ev.Next,
		}
	case Retried:
		m = map[string]any{
			"stepId":     ev.StepID,
			"workerId":   ev.WorkerID,
			"error":      marshalOutcome(ev.Error),
			"sameWorker": ev.SameWorker,
		}
	case FellBack:
		m = map[string]any{
			"stepId":   ev.StepID,
			"workerId": ev.WorkerID,
			"error":    marshalOutcome(ev.Error),
		}
	case Diverted:
		m = map[string]any{
			"stepId": ev.StepID,
			"next":   ev.Next,
			"error":  marshalOutcome(ev.Error),
		}
	case ProcessCompleted:
		m = map[string]any{
			"stepId": ev.StepID,
		}
		putMap(m, "result", ev.Result)
	case ProcessFailed:
		m = map[string]any{
			"stepId":    ev.StepID,
			"error":     marshalOutcome(ev.Error),
			"escalated": ev.Escalated,
			"reason":    ev.Reason,
		}
	case ProcessPaused:
		m = map[string]any{"reason": ev.Reason}
	case ProcessResumed:
		m = map[string]any{}
	case ProcessCancelled:
		m = map[string]any{"reason": ev.Reason}
	default:
		return "", nil, fmt.Errorf("unrecognized event type %T", ev)
	}

	data, err := structpbx.Marshal(m)
	if err != nil {
		return "", nil, fmt.Errorf("unable to marshal %s event: %w", ev.EventType(), err)
	}

	return ev.EventType(), data, nil
}

// UnmarshalEvent parses data produced by MarshalEvent().
func UnmarshalEvent(t string, data []byte) (Event, error) {
	m, err := structpbx.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("unable to unmarshal %s event: %w", t, err)
	}

	f := fields{m: m}
	var ev Event

	switch t {
	case "started":
		ev = Started{
			DefinitionRef: f.string("definitionRef"),
			ParentID:      f.string("parentId"),
			Depth:         f.uint("depth"),
			Entry:         f.string("entry"),
			Inputs:        f.object("inputs"),
			Budget:        unmarshalBudget(&f, "budget"),
		}
	case "dispatched":
		ev = Dispatched{
			StepID:   f.string("stepId"),
			Attempt:  f.uint("attempt"),
			WorkerID: f.string("workerId"),
		}
	case "redispatched":
		ev = Redispatched{
			StepID:   f.string("stepId"),
			WorkerID: f.string("workerId"),
		}
	case "subprocess-started":
		ev = SubprocessStarted{
			StepID:  f.string("stepId"),
			Attempt: f.uint("attempt"),
			ChildID: f.string("childId"),
		}
	case "succeeded":
		ev = Succeeded{
			StepID: f.string("stepId"),
			Next:   f.string("next"),
			Output: f.string("output"),
			Value:  m["value"],
			Steps:  f.uint("steps"),
			Cost:   f.float("cost"),
		}
	case "branched":
		ev = Branched{
			StepID: f.string("stepId"),
			Result: f.bool("result"),
			Next:   f.string("next"),
		}
	case "retried":
		ev = Retried{
			StepID:     f.string("stepId"),
			WorkerID:   f.string("workerId"),
			Error:      unmarshalOutcome(&f, "error"),
			SameWorker: f.bool("sameWorker"),
		}
	case "fell-back":
		ev = FellBack{
			StepID:   f.string("stepId"),
			WorkerID: f.string("workerId"),
			Error:    unmarshalOutcome(&f, "error"),
		}
	case "diverted":
		ev = Diverted{
			StepID: f.string("stepId"),
			Next:   f.string("next"),
			Error:  unmarshalOutcome(&f, "error"),
		}
	case "completed":
		ev = ProcessCompleted{
			StepID: f.string("stepId"),
			Result: f.object("result"),
		}
	case "failed":
		ev = ProcessFailed{
			StepID:    f.string("stepId"),
			Error:     unmarshalOutcome(&f, "error"),
			Escalated: f.bool("escalated"),
			Reason:    f.string("reason"),
		}
	case "paused":
		ev = ProcessPaused{Reason: f.string("reason")}
	case "resumed":
		ev = ProcessResumed{}
	case "cancelled":
		ev = ProcessCancelled{Reason: f.string("reason")}
	default:
		return nil, fmt.Errorf("unrecognized event type %q", t)
	}

	if f.err != nil {
		return nil, fmt.Errorf("unable to unmarshal %s event: %w", t, f.err)
	}

	return ev, nil
}

// MarshalInstance returns the binary representation of inst, as stored in a
// checkpoint.
func MarshalInstance(inst Instance) ([]byte, error) {
	m := map[string]any{
		"id":               inst.ID,
		"definitionRef":    inst.DefinitionRef,
		"parentId":         inst.ParentID,
		"depth":            inst.Depth,
		"status":           string(inst.Status),
		"currentStep":      inst.CurrentStep,
		"tries":            inst.Tries,
		"reuseAttempt":     inst.ReuseAttempt,
		"stepsExecuted":    inst.StepsExecuted,
		"costConsumed":     inst.CostConsumed,
		"budget":           marshalBudget(inst.Budget),
		"fallbacks":        inst.Fallbacks,
		"internalFailures": inst.InternalFailures,
		"preferredWorker":  inst.PreferredWorker,
		"failedStep":       inst.FailedStep,
		"escalated":        inst.Escalated,
		"reason":           inst.Reason,
	}

	putMap(m, "variables", inst.Variables)
	putMap(m, "result", inst.Result)

	if inst.Attempts != nil {
		m["attempts"] = inst.Attempts
	}

	if inst.Visits != nil {
		m["visits"] = inst.Visits
	}

	if inst.Excluded != nil {
		m["excluded"] = inst.Excluded
	}

	if p := inst.Pending; p != nil {
		m["pending"] = map[string]any{
			"stepId":   p.StepID,
			"attempt":  p.Attempt,
			"workerId": p.WorkerID,
			"childId":  p.ChildID,
		}
	}

	if inst.LastError != nil {
		m["lastError"] = marshalOutcome(*inst.LastError)
	}

	return structpbx.Marshal(m)
}

// UnmarshalInstance parses data produced by MarshalInstance().
func UnmarshalInstance(data []byte) (Instance, error) {
	m, err := structpbx.Unmarshal(data)
	if err != nil {
		return Instance{}, fmt.Errorf("unable to unmarshal instance: %w", err)
	}

	f := fields{m: m}

	inst := Instance{
		ID:               f.string("id"),
		DefinitionRef:    f.string("definitionRef"),
		ParentID:         f.string("parentId"),
		Depth:            f.uint("depth"),
		Status:           Status(f.string("status")),
		CurrentStep:      f.string("currentStep"),
		Variables:        f.object("variables"),
		Attempts:         f.counts("attempts"),
		Tries:            f.uint("tries"),
		ReuseAttempt:     f.bool("reuseAttempt"),
		Visits:           f.counts("visits"),
		StepsExecuted:    f.uint("stepsExecuted"),
		CostConsumed:     f.float("costConsumed"),
		Budget:           unmarshalBudget(&f, "budget"),
		Excluded:         f.strings("excluded"),
		Fallbacks:        f.uint("fallbacks"),
		InternalFailures: f.uint("internalFailures"),
		PreferredWorker:  f.string("preferredWorker"),
		FailedStep:       f.string("failedStep"),
		Escalated:        f.bool("escalated"),
		Result:           f.object("result"),
		Reason:           f.string("reason"),
	}

	if p := f.object("pending"); p != nil {
		pf := fields{m: p}
		inst.Pending = &PendingWork{
			StepID:   pf.string("stepId"),
			Attempt:  pf.uint("attempt"),
			WorkerID: pf.string("workerId"),
			ChildID:  pf.string("childId"),
		}
		f.merge(pf)
	}

	if _, ok := m["lastError"]; ok {
		o := unmarshalOutcome(&f, "lastError")
		inst.LastError = &o
	}

	if f.err != nil {
		return Instance{}, fmt.Errorf("unable to unmarshal instance: %w", f.err)
	}

	return inst, nil
}

func marshalBudget(b definition.Budget) map[string]any {
	return map[string]any{
		"steps": b.Steps,
		"cost":  b.Cost,
	}
}

func unmarshalBudget(f *fields, k string) definition.Budget {
	bf := fields{m: f.object(k)}
	b := definition.Budget{
		Steps: bf.uint("steps"),
		Cost:  bf.float("cost"),
	}
	f.merge(bf)
	return b
}

func marshalOutcome(o envelope.ErrorOutcome) map[string]any {
	m := map[string]any{
		"code":      envelope.CodeName(o.Code),
		"message":   o.Message,
		"retryable": o.Retryable,
	}
	putMap(m, "details", o.Details)
	return m
}

func unmarshalOutcome(f *fields, k string) envelope.ErrorOutcome {
	of := fields{m: f.object(k)}
	o := envelope.ErrorOutcome{
		Message:   of.string("message"),
		Retryable: of.bool("retryable"),
		Details:   of.object("details"),
	}

	n := of.string("code")
	if c, ok := envelope.ParseCode(n); ok {
		o.Code = c
	} else {
		of.fail("code", "%q is not a recognized error code", n)
	}

	f.merge(of)

	return o
}

// putMap sets m[k] to v if v is non-nil, so that nil and empty maps survive a
// round-trip.
func putMap(m map[string]any, k string, v map[string]any) {
	if v != nil {
		m[k] = v
	}
}

// fields reads typed values from an unmarshaled map, recording the first
// type mismatch it encounters.
type fields struct {
	m   map[string]any
	err error
}

func (f *fields) fail(k, format string, v ...any) {
	if f.err == nil {
		f.err = fmt.Errorf("%s: %s", k, fmt.Sprintf(format, v...))
	}
}

func (f *fields) merge(o fields) {
	if f.err == nil {
		f.err = o.err
	}
}

func (f *fields) string(k string) string {
	v, ok := f.m[k]
	if !ok || v == nil {
		return ""
	}

	s, ok := v.(string)
	if !ok {
		f.fail(k, "expected string, got %T", v)
	}
	return s
}

func (f *fields) bool(k string) bool {
	v, ok := f.m[k]
	if !ok || v == nil {
		return false
	}

	b, ok := v.(bool)
	if !ok {
		f.fail(k, "expected bool, got %T", v)
	}
	return b
}

func (f *fields) float(k string) float64 {
	v, ok := f.m[k]
	if !ok || v == nil {
		return 0
	}

	n, ok := v.(float64)
	if !ok {
		f.fail(k, "expected number, got %T", v)
	}
	return n
}

func (f *fields) uint(k string) uint {
	n := f.float(k)
	if n < 0 || n != math.Trunc(n) {
		f.fail(k, "expected unsigned integer, got %v", n)
		return 0
	}
	return uint(n)
}

func (f *fields) object(k string) map[string]any {
	v, ok := f.m[k]
	if !ok || v == nil {
		return nil
	}

	m, ok := v.(map[string]any)
	if !ok {
		f.fail(k, "expected object, got %T", v)
	}
	return m
}

func (f *fields) counts(k string) map[string]uint {
	m := f.object(k)
	if m == nil {
		return nil
	}

	cf := fields{m: m}
	c := make(map[string]uint, len(m))
	for n := range m {
		c[n] = cf.uint(n)
	}
	f.merge(cf)

	return c
}

func (f *fields) strings(k string) []string {
	v, ok := f.m[k]
	if !ok || v == nil {
		return nil
	}

	list, ok := v.([]any)
	if !ok {
		f.fail(k, "expected list, got %T", v)
		return nil
	}

	out := make([]string, 0, len(list))
	for i, x := range list {
		s, ok := x.(string)
		if !ok {
			f.fail(fmt.Sprintf("%s[%d]", k, i), "expected string, got %T", x)
			return nil
		}
		out = append(out, s)
	}

	return out
}
