package envelope_test

import (
	. "github.com/dogmatiq/orchestra/envelope"
	"github.com/dogmatiq/orchestra/internal/x/structpbx"
	"github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"google.golang.org/grpc/codes"
)

var _ = ginkgo.Describe("func Marshal()", func() {
	command := Command{
		Action: "summarize",
		Params: map[string]any{"text": "<text>"},
		Requirements: Requirements{
			Capabilities: []string{"summarize", "english"},
		},
		Context: Context{
			ProcessID: "<process>",
			StepID:    "<step>",
		},
		TimeoutSeconds: 30,
		IdempotencyKey: "<process>:<step>:1",
	}

	ginkgo.It("marshals a command that can be unmarshaled", func() {
		data, err := Marshal(command)
		Expect(err).ShouldNot(HaveOccurred())

		env, err := Unmarshal(data)
		Expect(err).ShouldNot(HaveOccurred())
		Expect(env).To(Equal(command))
	})

	ginkgo.It("marshals a result that can be unmarshaled", func() {
		res := Result{
			Status:          SuccessStatus,
			Output:          map[string]any{"score": 9.0},
			ExecutionTimeMs: 15,
			Metrics:         map[string]any{"cost": 0.25},
		}

		env, err := Unmarshal(MustMarshal(res))
		Expect(err).ShouldNot(HaveOccurred())
		Expect(env).To(Equal(res))
		Expect(env.(Result).Cost()).To(Equal(0.25))
	})

	ginkgo.It("marshals an error that can be unmarshaled", func() {
		e := Error{
			Error: ErrorOutcome{
				Code:      codes.ResourceExhausted,
				Message:   "<message>",
				Retryable: true,
				Details:   map[string]any{"retryAfterMs": 250.0},
			},
			ExecutionTimeMs: 3,
		}

		env, err := Unmarshal(MustMarshal(e))
		Expect(err).ShouldNot(HaveOccurred())
		Expect(env).To(Equal(e))
	})

	ginkgo.It("marshals a control signal that can be unmarshaled", func() {
		c := Control{
			ControlType: Stop,
			Reason:      "<reason>",
			Parameters:  map[string]any{"processId": "<process>"},
		}

		env, err := Unmarshal(MustMarshal(c))
		Expect(err).ShouldNot(HaveOccurred())
		Expect(env).To(Equal(c))

		id, ok := env.(Control).ProcessID()
		Expect(ok).To(BeTrue())
		Expect(id).To(Equal("<process>"))
	})

	ginkgo.It("returns an error if the command is malformed", func() {
		c := command
		c.TimeoutSeconds = 0

		_, err := Marshal(c)
		Expect(err).To(Equal(ValidationError{
			Field:  "timeoutSeconds",
			Reason: "must be positive",
		}))
	})

	ginkgo.It("returns an error if the idempotency key does not match the context", func() {
		c := command
		c.IdempotencyKey = "<other>:<step>:1"

		_, err := Marshal(c)
		Expect(err).To(MatchError("invalid envelope: idempotencyKey: does not match the command context"))
	})

	ginkgo.It("returns an error if the error code is not part of the taxonomy", func() {
		_, err := Marshal(Error{Error: ErrorOutcome{Code: codes.DataLoss}})
		Expect(err).To(MatchError("invalid envelope: error.code: 15 is not part of the error taxonomy"))
	})
})

var _ = ginkgo.Describe("func Unmarshal()", func() {
	unmarshal := func(m map[string]any) (Envelope, error) {
		data, err := structpbx.Marshal(m)
		Expect(err).ShouldNot(HaveOccurred())
		return Unmarshal(data)
	}

	ginkgo.It("rejects a result that carries an error field", func() {
		_, err := unmarshal(map[string]any{
			"kind":   "result",
			"status": "SUCCESS",
			"error":  map[string]any{"code": "INTERNAL"},
		})
		Expect(err).To(Equal(ValidationError{
			Field:  "error",
			Reason: "must not be present in a result envelope",
		}))
	})

	ginkgo.It("rejects an error that carries an output field", func() {
		_, err := unmarshal(map[string]any{
			"kind":   "error",
			"output": map[string]any{},
			"error":  map[string]any{"code": "INTERNAL"},
		})
		Expect(err).To(MatchError("invalid envelope: output: must not be present in an error envelope"))
	})

	ginkgo.It("cites nested fields", func() {
		_, err := unmarshal(map[string]any{
			"kind":           "command",
			"action":         "<action>",
			"requirements":   map[string]any{"capabilities": []any{"a", 1}},
			"context":        map[string]any{"processId": "<process>", "stepId": "<step>"},
			"timeoutSeconds": 1,
			"idempotencyKey": "<process>:<step>:1",
		})
		Expect(err).To(MatchError("invalid envelope: requirements.capabilities[1]: must be a string"))
	})

	ginkgo.It("rejects unknown error codes", func() {
		_, err := unmarshal(map[string]any{
			"kind":  "error",
			"error": map[string]any{"code": "BROKEN"},
		})
		Expect(err).To(MatchError(`invalid envelope: error.code: "BROKEN" is not a recognized error code`))
	})

	ginkgo.It("rejects unknown kinds", func() {
		_, err := unmarshal(map[string]any{"kind": "<kind>"})
		Expect(err).To(MatchError(`invalid envelope: kind: "<kind>" is not a recognized envelope kind`))
	})

	ginkgo.It("rejects non-integral timeouts", func() {
		_, err := unmarshal(map[string]any{
			"kind":           "command",
			"action":         "<action>",
			"requirements":   map[string]any{},
			"context":        map[string]any{"processId": "<process>", "stepId": "<step>"},
			"timeoutSeconds": 1.5,
			"idempotencyKey": "<process>:<step>:1",
		})
		Expect(err).To(MatchError("invalid envelope: timeoutSeconds: must be an integer"))
	})

	ginkgo.It("rejects garbage", func() {
		_, err := Unmarshal([]byte{0xff, 0xff})
		Expect(err).To(BeAssignableToTypeOf(ValidationError{}))
	})
})
