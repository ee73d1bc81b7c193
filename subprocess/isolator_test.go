package subprocess_test

import (
	"context"
	"errors"
	"strings"

	"github.com/dogmatiq/dodeca/logging"
	"github.com/dogmatiq/orchestra/definition"
	"github.com/dogmatiq/orchestra/envelope"
	"github.com/dogmatiq/orchestra/process"
	. "github.com/dogmatiq/orchestra/subprocess"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"google.golang.org/grpc/codes"
)

type runnerStub struct {
	RunChildFunc func(context.Context, Child) (process.Instance, error)
}

func (s *runnerStub) RunChild(ctx context.Context, c Child) (process.Instance, error) {
	return s.RunChildFunc(ctx, c)
}

var _ = Describe("type Isolator", func() {
	var (
		ctx      context.Context
		catalog  *definition.Catalog
		store    *MemoryStore
		runner   *runnerStub
		isolator *Isolator
		parent   process.Instance
		step     definition.Step
	)

	BeforeEach(func() {
		ctx = context.Background()

		var err error
		catalog, err = definition.NewCatalog(
			definition.Definition{
				Ref:    "summarize",
				Inputs: []string{"text", "language"},
				Steps: []definition.Step{
					{ID: "done", Kind: definition.TerminalKind},
				},
			},
		)
		Expect(err).ShouldNot(HaveOccurred())

		store = &MemoryStore{}

		runner = &runnerStub{
			RunChildFunc: func(_ context.Context, c Child) (process.Instance, error) {
				return process.Instance{
					ID:            c.ID,
					Status:        process.Completed,
					StepsExecuted: 2,
					Result:        map[string]any{"summary": "<summary>"},
				}, nil
			},
		}

		isolator = &Isolator{
			Definitions: catalog,
			Runner:      runner,
			Artifacts:   store,
			Logger:      logging.DiscardLogger{},
		}

		parent = process.Instance{
			ID:     "<parent>",
			Status: process.Running,
			Variables: map[string]any{
				"document": "<document>",
				"secret":   "<secret>",
			},
			StepsExecuted: 3,
			Budget:        definition.Budget{Steps: 10},
		}

		step = definition.Step{
			ID:      "summarize",
			Kind:    definition.SubprocessKind,
			Process: "summarize",
			Inputs: map[string]any{
				"text": "${document}",
			},
		}
	})

	Describe("func Prepare()", func() {
		It("seeds the child with only the explicit inputs", func() {
			c, err := isolator.Prepare(ctx, parent, step, 1)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(c.Inputs).To(Equal(map[string]any{"text": "<document>"}))
			Expect(c.Input.Direction).To(Equal(Input))
			Expect(c.Input.ProcessID).To(Equal(c.ID))
		})

		It("uses a deterministic child ID", func() {
			c, err := isolator.Prepare(ctx, parent, step, 2)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(c.ID).To(Equal("<parent>/summarize/2"))
			Expect(c.ParentID).To(Equal("<parent>"))
			Expect(c.Depth).To(BeNumerically("==", 1))
		})

		It("fails if an input is not in the allow-list", func() {
			step.Inputs["secret"] = "${secret}"

			_, err := isolator.Prepare(ctx, parent, step, 1)
			Expect(err).To(MatchError(`INVALID_ARGUMENT: input "secret" is not in the allow-list of summarize`))
			Expect(envelope.OutcomeFromError(err).Code).To(Equal(codes.InvalidArgument))
		})

		It("fails if the maximum depth would be exceeded", func() {
			isolator.MaxDepth = 2
			parent.Depth = 2

			_, err := isolator.Prepare(ctx, parent, step, 1)
			Expect(err).To(MatchError("RESOURCE_EXHAUSTED: subprocess depth of 3 exceeds the maximum of 2"))
		})

		It("fails if the definition is unknown", func() {
			step.Process = "<unknown>"

			_, err := isolator.Prepare(ctx, parent, step, 1)
			Expect(envelope.OutcomeFromError(err).Code).To(Equal(codes.NotFound))
		})

		It("allocates no more than the remaining parent budget", func() {
			step.Budget.Steps = 100

			c, err := isolator.Prepare(ctx, parent, step, 1)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(c.Budget.Steps).To(BeNumerically("==", 6))
		})

		It("allocates the step's budget if it is smaller", func() {
			step.Budget.Steps = 2

			c, err := isolator.Prepare(ctx, parent, step, 1)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(c.Budget.Steps).To(BeNumerically("==", 2))
		})

		It("limits the child's cost to the parent's remaining cost", func() {
			parent.Budget.Cost = 10
			parent.CostConsumed = 7.5

			c, err := isolator.Prepare(ctx, parent, step, 1)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(c.Budget.Cost).To(Equal(2.5))
		})

		It("fails if the parent has no budget left", func() {
			parent.StepsExecuted = 10

			_, err := isolator.Prepare(ctx, parent, step, 1)
			Expect(envelope.OutcomeFromError(err).Code).To(Equal(codes.ResourceExhausted))
		})

		It("fails if an input references an undefined variable", func() {
			step.Inputs["text"] = "${missing}"

			_, err := isolator.Prepare(ctx, parent, step, 1)
			Expect(envelope.OutcomeFromError(err).Code).To(Equal(codes.InvalidArgument))
		})

		It("stores large inputs in the artifact store", func() {
			isolator.InlineThreshold = 16
			parent.Variables["document"] = strings.Repeat("x", 100)

			c, err := isolator.Prepare(ctx, parent, step, 1)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(c.Input.Inline).To(BeEmpty())
			Expect(c.Input.URI).To(HavePrefix(URIScheme))
			Expect(c.Inputs).To(HaveKeyWithValue("text", strings.Repeat("x", 100)))
			Expect(store.Len()).To(Equal(1))
		})
	})

	Describe("func Run()", func() {
		It("returns the child's result as an output artifact", func() {
			c, err := isolator.Prepare(ctx, parent, step, 1)
			Expect(err).ShouldNot(HaveOccurred())

			a, child, err := isolator.Run(ctx, c)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(a.Direction).To(Equal(Output))
			Expect(a.ContentType).To(Equal(StructContentType))
			Expect(child.StepsExecuted).To(BeNumerically("==", 2))

			out, err := isolator.Open(ctx, a)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(out).To(Equal(map[string]any{"summary": "<summary>"}))
		})

		It("releases the input artifact", func() {
			isolator.InlineThreshold = 16
			parent.Variables["document"] = strings.Repeat("x", 100)

			runner.RunChildFunc = func(_ context.Context, c Child) (process.Instance, error) {
				return process.Instance{ID: c.ID, Status: process.Completed}, nil
			}

			c, err := isolator.Prepare(ctx, parent, step, 1)
			Expect(err).ShouldNot(HaveOccurred())

			_, _, err = isolator.Run(ctx, c)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(store.Len()).To(Equal(0))
		})

		It("returns a ChildError carrying the child's last error if it fails", func() {
			o := envelope.Errorf(codes.PermissionDenied, "<message>")
			runner.RunChildFunc = func(_ context.Context, c Child) (process.Instance, error) {
				return process.Instance{
					ID:        c.ID,
					Status:    process.Failed,
					LastError: &o,
				}, nil
			}

			c, err := isolator.Prepare(ctx, parent, step, 1)
			Expect(err).ShouldNot(HaveOccurred())

			_, _, err = isolator.Run(ctx, c)
			Expect(err).To(Equal(ChildError{
				ChildID: "<parent>/summarize/1",
				Status:  process.Failed,
				Failure: o,
			}))
			Expect(envelope.OutcomeFromError(err)).To(Equal(o))
		})

		It("reports a cancelled child as CANCELLED", func() {
			runner.RunChildFunc = func(_ context.Context, c Child) (process.Instance, error) {
				return process.Instance{ID: c.ID, Status: process.Cancelled}, nil
			}

			c, err := isolator.Prepare(ctx, parent, step, 1)
			Expect(err).ShouldNot(HaveOccurred())

			_, _, err = isolator.Run(ctx, c)
			Expect(envelope.OutcomeFromError(err).Code).To(Equal(codes.Canceled))
		})

		It("returns an error if the runner fails", func() {
			runner.RunChildFunc = func(context.Context, Child) (process.Instance, error) {
				return process.Instance{}, errors.New("<error>")
			}

			c, err := isolator.Prepare(ctx, parent, step, 1)
			Expect(err).ShouldNot(HaveOccurred())

			_, _, err = isolator.Run(ctx, c)
			Expect(err).To(MatchError("<error>"))
		})
	})
})

var _ = Describe("type MemoryStore", func() {
	It("returns ErrArtifactNotFound for unknown URIs", func() {
		store := &MemoryStore{}

		_, err := store.Get(context.Background(), "artifact://<unknown>")
		Expect(err).To(Equal(ErrArtifactNotFound))

		_, err = store.Get(context.Background(), "<not a uri>")
		Expect(err).To(Equal(ErrArtifactNotFound))
	})
})
