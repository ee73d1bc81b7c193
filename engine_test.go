package orchestra_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dogmatiq/dodeca/logging"
	"github.com/dogmatiq/linger/backoff"
	. "github.com/dogmatiq/orchestra"
	"github.com/dogmatiq/orchestra/bus"
	"github.com/dogmatiq/orchestra/bus/memorybus"
	"github.com/dogmatiq/orchestra/definition"
	"github.com/dogmatiq/orchestra/envelope"
	"github.com/dogmatiq/orchestra/interpreter"
	"github.com/dogmatiq/orchestra/persistence"
	"github.com/dogmatiq/orchestra/persistence/memorypersistence"
	"github.com/dogmatiq/orchestra/process"
	"github.com/dogmatiq/orchestra/registry/memoryregistry"
	"github.com/dogmatiq/orchestra/worker"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var _ interpreter.Escalator = (*Engine)(nil)

// flakyProvider is a persistence provider whose data-stores fail to persist
// a batch while Failures is positive.
type flakyProvider struct {
	persistence.Provider
	Failures atomic.Int32
}

func (p *flakyProvider) Open(ctx context.Context, k string) (persistence.DataStore, error) {
	ds, err := p.Provider.Open(ctx, k)
	if err != nil {
		return nil, err
	}

	return &flakyDataStore{ds, p}, nil
}

type flakyDataStore struct {
	persistence.DataStore
	provider *flakyProvider
}

func (ds *flakyDataStore) Persist(ctx context.Context, b persistence.Batch) (persistence.Result, error) {
	if ds.provider.Failures.Add(-1) >= 0 {
		return persistence.Result{}, errors.New("<persistence error>")
	}

	return ds.DataStore.Persist(ctx, b)
}

var _ = Describe("type Engine", func() {
	var (
		ctx      context.Context
		cancel   context.CancelFunc
		provider *memorypersistence.Provider
		handlers map[string]worker.Handler
	)

	review := definition.Definition{
		Ref:   "review",
		Entry: "draft",
		Steps: []definition.Step{
			{
				ID:     "draft",
				Action: "draft",
				Params: map[string]any{"topic": "${topic}"},
				Output: "draft",
				Next:   "review",
			},
			{
				ID:     "review",
				Action: "review",
				Params: map[string]any{"text": "${draft.text}"},
				Output: "review",
				Next:   "done",
			},
			{
				ID:     "done",
				Kind:   definition.TerminalKind,
				Params: map[string]any{"text": "${draft.text}", "approved": "${review.approved}"},
			},
		},
	}

	// generation is a single run of an engine, along with a worker and the
	// transport they share.
	type generation struct {
		engine   *Engine
		bus      *memorybus.Bus
		cancel   context.CancelFunc
		finished chan error
	}

	// boot starts an engine and a worker that share a transport.
	boot := func(options ...EngineOption) *generation {
		b := &memorybus.Bus{Logger: logging.DiscardLogger{}}
		workers := &memoryregistry.Registry{}

		e := New(
			append(
				[]EngineOption{
					WithPersistence(provider),
					WithBus(b),
					WithRegistry(workers),
					WithDefinitions(review),
					WithBackoff(backoff.Constant(0)),
					WithMessageTimeout(2 * time.Second),
					WithLogger(logging.DiscardLogger{}),
				},
				options...,
			)...,
		)

		w := &worker.Worker{
			ID:       "<worker>",
			Bus:      b,
			Registry: workers,
			Handlers: handlers,
			Logger:   logging.DiscardLogger{},
		}

		gctx, cancel := context.WithCancel(ctx)
		g := &generation{
			engine:   e,
			bus:      b,
			cancel:   cancel,
			finished: make(chan error, 1),
		}

		go w.Run(gctx)
		go func() {
			g.finished <- e.Run(gctx)
		}()

		return g
	}

	// await waits for the process with the given ID to reach st.
	await := func(e *Engine, id string, st process.Status) process.Instance {
		var inst process.Instance

		Eventually(func() (process.Status, error) {
			var err error
			inst, _, err = e.Instance(ctx, id)
			return inst.Status, err
		}).Should(Equal(st))

		return inst
	}

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		provider = &memorypersistence.Provider{}

		handlers = map[string]worker.Handler{
			"draft": worker.HandlerFunc(func(_ context.Context, cmd envelope.Command) (envelope.Result, error) {
				return envelope.Result{
					Output: map[string]any{"text": "a draft about " + cmd.Params["topic"].(string)},
				}, nil
			}),
			"review": worker.HandlerFunc(func(context.Context, envelope.Command) (envelope.Result, error) {
				return envelope.Result{
					Output: map[string]any{"approved": true},
				}, nil
			}),
		}
	})

	AfterEach(func() {
		cancel()
	})

	Describe("func New()", func() {
		It("panics if no bus is configured", func() {
			Expect(func() {
				New(WithRegistry(&memoryregistry.Registry{}))
			}).To(Panic())
		})
	})

	Describe("func Run()", func() {
		It("runs a process to completion", func() {
			g := boot()

			id, err := g.engine.Start(ctx, "review", map[string]any{"topic": "<topic>"})
			Expect(err).ShouldNot(HaveOccurred())

			inst := await(g.engine, id, process.Completed)
			Expect(inst.Result).To(Equal(map[string]any{
				"text":     "a draft about <topic>",
				"approved": true,
			}))
			Expect(inst.StepsExecuted).To(BeEquivalentTo(2))
		})

		It("returns the context error when ctx is canceled", func() {
			g := boot()
			g.cancel()

			var err error
			Eventually(g.finished).Should(Receive(&err))
			Expect(err).To(Equal(context.Canceled))
		})

		It("returns nil when a shutdown signal is received", func() {
			g := boot()

			err := g.engine.Signal(ctx, envelope.Control{ControlType: envelope.Shutdown, Reason: "<reason>"})
			Expect(err).ShouldNot(HaveOccurred())

			Eventually(g.finished).Should(Receive(BeNil()))
		})

		It("returns an error if it is called more than once", func() {
			g := boot()

			_, err := g.engine.Start(ctx, "review", map[string]any{"topic": "<topic>"})
			Expect(err).ShouldNot(HaveOccurred())

			err = g.engine.Run(ctx)
			Expect(err).To(MatchError("engine has already been run"))
		})

		It("resumes processes that were running when the engine stopped", func() {
			var (
				m    sync.Mutex
				keys []string
			)

			blocked := make(chan struct{})
			handlers["review"] = worker.HandlerFunc(func(ctx context.Context, cmd envelope.Command) (envelope.Result, error) {
				m.Lock()
				keys = append(keys, cmd.IdempotencyKey)
				n := len(keys)
				m.Unlock()

				if n == 1 {
					close(blocked)
					<-ctx.Done()
					return envelope.Result{}, ctx.Err()
				}

				return envelope.Result{Output: map[string]any{"approved": false}}, nil
			})

			first := boot()

			id, err := first.engine.Start(ctx, "review", map[string]any{"topic": "<topic>"})
			Expect(err).ShouldNot(HaveOccurred())

			Eventually(blocked).Should(BeClosed())
			first.cancel()
			Eventually(first.finished).Should(Receive())

			second := boot()

			inst := await(second.engine, id, process.Completed)
			Expect(inst.Result).To(HaveKeyWithValue("approved", false))

			m.Lock()
			defer m.Unlock()
			Expect(keys).To(HaveLen(2))
			Expect(keys[1]).To(Equal(keys[0]))
		})

		It("resumes a process that stopped because a commit failed", func() {
			flaky := &flakyProvider{Provider: provider}
			var drafts atomic.Int32

			handlers["draft"] = worker.HandlerFunc(func(_ context.Context, cmd envelope.Command) (envelope.Result, error) {
				if drafts.Add(1) == 1 {
					flaky.Failures.Store(1)
				}

				return envelope.Result{
					Output: map[string]any{"text": "a draft about " + cmd.Params["topic"].(string)},
				}, nil
			})

			g := boot(WithPersistence(flaky))

			id, err := g.engine.Start(ctx, "review", map[string]any{"topic": "<topic>"})
			Expect(err).ShouldNot(HaveOccurred())

			inst := await(g.engine, id, process.Completed)
			Expect(inst.Result).To(HaveKeyWithValue("text", "a draft about <topic>"))
			Expect(drafts.Load()).To(BeEquivalentTo(1))
			Expect(flaky.Failures.Load()).To(BeNumerically("<", 0))
		})
	})

	Describe("func Start()", func() {
		It("returns an error if the definition is unknown", func() {
			g := boot()

			_, err := g.engine.Start(ctx, "<unknown>", nil)
			Expect(err).To(MatchError(`unknown definition "<unknown>"`))
		})

		It("returns an error if the engine has stopped", func() {
			g := boot()
			g.cancel()
			Eventually(g.finished).Should(Receive())

			_, err := g.engine.Start(ctx, "review", nil)
			Expect(err).To(Equal(ErrStopped))
		})
	})

	Describe("func StartWithBudget()", func() {
		It("fails the process when the step budget is exhausted", func() {
			g := boot()

			id, err := g.engine.StartWithBudget(
				ctx,
				"review",
				map[string]any{"topic": "<topic>"},
				definition.Budget{Steps: 1},
			)
			Expect(err).ShouldNot(HaveOccurred())

			inst := await(g.engine, id, process.Failed)
			Expect(inst.FailedStep).To(Equal("review"))
			Expect(inst.LastError.Code).To(Equal(codes.ResourceExhausted))
		})
	})

	Describe("func Signal()", func() {
		It("returns an error if a process signal does not specify a process", func() {
			g := boot()

			err := g.engine.Signal(ctx, envelope.Control{ControlType: envelope.Stop})
			Expect(err).To(MatchError("stop signal must specify a process ID"))
		})

		It("discards a signal for a process that does not exist", func() {
			logger := &logging.BufferedLogger{}
			g := boot(WithLogger(logger))

			Expect(g.engine.Stop(ctx, "<unknown>", "<reason>")).To(Succeed())

			Eventually(logger.Messages).Should(ContainElement(
				logging.BufferedLogMessage{
					Message: "[process <unknown>] discarded stop signal, the process is not running",
				},
			))
		})

		It("discards a signal for a process that has finished", func() {
			logger := &logging.BufferedLogger{}
			g := boot(WithLogger(logger))

			id, err := g.engine.Start(ctx, "review", map[string]any{"topic": "<topic>"})
			Expect(err).ShouldNot(HaveOccurred())
			await(g.engine, id, process.Completed)

			Expect(g.engine.Pause(ctx, id, "<reason>")).To(Succeed())

			Eventually(logger.Messages).Should(ContainElement(
				logging.BufferedLogMessage{
					Message: "[process " + id + "] discarded pause signal, the process is not running",
				},
			))
		})

		It("stops a process that is waiting for a reply", func() {
			handlers["review"] = worker.HandlerFunc(func(ctx context.Context, _ envelope.Command) (envelope.Result, error) {
				<-ctx.Done()
				return envelope.Result{}, ctx.Err()
			})

			g := boot()

			id, err := g.engine.Start(ctx, "review", map[string]any{"topic": "<topic>"})
			Expect(err).ShouldNot(HaveOccurred())

			await(g.engine, id, process.Running)
			Eventually(func() (string, error) {
				inst, _, err := g.engine.Instance(ctx, id)
				return inst.CurrentStep, err
			}).Should(Equal("review"))

			Expect(g.engine.Stop(ctx, id, "<reason>")).To(Succeed())

			inst := await(g.engine, id, process.Cancelled)
			Expect(inst.Reason).To(Equal("<reason>"))
		})

		It("pauses and resumes a process", func() {
			release := make(chan struct{})
			handlers["draft"] = worker.HandlerFunc(func(context.Context, envelope.Command) (envelope.Result, error) {
				<-release
				return envelope.Result{Output: map[string]any{"text": "<text>"}}, nil
			})

			g := boot()

			id, err := g.engine.Start(ctx, "review", map[string]any{"topic": "<topic>"})
			Expect(err).ShouldNot(HaveOccurred())

			Expect(g.engine.Pause(ctx, id, "<reason>")).To(Succeed())

			// Give the engine time to receive the signal before the step
			// completes.
			time.Sleep(50 * time.Millisecond)
			close(release)

			inst := await(g.engine, id, process.Paused)
			Expect(inst.Reason).To(Equal("<reason>"))
			Expect(inst.CurrentStep).To(Equal("review"))

			Expect(g.engine.Resume(ctx, id)).To(Succeed())

			await(g.engine, id, process.Completed)
		})
	})

	Describe("func Escalate()", func() {
		It("publishes an event when a failure is escalated", func() {
			handlers["review"] = worker.HandlerFunc(func(context.Context, envelope.Command) (envelope.Result, error) {
				return envelope.Result{}, status.Error(codes.PermissionDenied, "<denied>")
			})

			g := boot(WithEscalationTopic("<escalations>"))

			events := make(chan bus.Message, 1)
			go g.bus.Consume(ctx, "<escalations>", func(_ context.Context, m bus.Message) error {
				events <- m
				return nil
			})

			id, err := g.engine.Start(ctx, "review", map[string]any{"topic": "<topic>"})
			Expect(err).ShouldNot(HaveOccurred())

			inst := await(g.engine, id, process.Failed)
			Expect(inst.Escalated).To(BeTrue())

			var m bus.Message
			Eventually(events).Should(Receive(&m))
			Expect(m.CorrelationID).To(Equal(id))

			env, err := envelope.Unmarshal(m.Body)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(env).To(Equal(envelope.Event{
				Type:      EscalatedEventType,
				ProcessID: id,
				StepID:    "review",
				Data: map[string]any{
					"definition": "review",
					"reason":     inst.Reason,
					"code":       "PERMISSION_DENIED",
					"message":    "<denied>",
				},
			}))
		})
	})

	Describe("func History()", func() {
		It("returns the events recorded for the process", func() {
			g := boot()

			id, err := g.engine.Start(ctx, "review", map[string]any{"topic": "<topic>"})
			Expect(err).ShouldNot(HaveOccurred())

			await(g.engine, id, process.Completed)

			history, err := g.engine.History(ctx, id)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(history[0]).To(BeAssignableToTypeOf(process.Started{}))
			Expect(history[len(history)-1]).To(BeAssignableToTypeOf(process.ProcessCompleted{}))
		})
	})
})
