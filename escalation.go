package orchestra

import (
	"context"

	"github.com/dogmatiq/orchestra/bus"
	"github.com/dogmatiq/orchestra/envelope"
	"github.com/dogmatiq/orchestra/process"
	"github.com/google/uuid"
)

// EscalatedEventType is the type of the event published when a process fails
// in a way that requires an operator's attention.
const EscalatedEventType = "escalated"

// Escalate publishes an event describing the failure of inst to the
// escalation topic.
func (e *Engine) Escalate(ctx context.Context, inst process.Instance) error {
	data := map[string]any{
		"definition": inst.DefinitionRef,
		"reason":     inst.Reason,
	}

	if o := inst.LastError; o != nil {
		data["code"] = envelope.CodeName(o.Code)
		data["message"] = o.Message
	}

	body, err := envelope.Marshal(
		envelope.Event{
			Type:      EscalatedEventType,
			ProcessID: inst.ID,
			StepID:    inst.FailedStep,
			Data:      data,
		},
	)
	if err != nil {
		return err
	}

	return e.opts.Bus.Publish(
		ctx,
		bus.Message{
			ID:            uuid.NewString(),
			Topic:         e.opts.EscalationTopic,
			Priority:      bus.High,
			CorrelationID: inst.ID,
			Body:          body,
		},
	)
}
