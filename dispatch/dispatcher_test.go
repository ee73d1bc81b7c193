package dispatch_test

import (
	"context"
	"sync"
	"time"

	"github.com/dogmatiq/dodeca/logging"
	"github.com/dogmatiq/orchestra/bus"
	"github.com/dogmatiq/orchestra/bus/memorybus"
	. "github.com/dogmatiq/orchestra/dispatch"
	"github.com/dogmatiq/orchestra/envelope"
	"github.com/dogmatiq/orchestra/matcher"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"google.golang.org/grpc/codes"
)

// busStub is a bus.Bus that records published messages.
type busStub struct {
	bus.Bus

	m         sync.Mutex
	published []bus.Message
}

func (s *busStub) Publish(ctx context.Context, m bus.Message) error {
	s.m.Lock()
	s.published = append(s.published, m)
	s.m.Unlock()

	return s.Bus.Publish(ctx, m)
}

func (s *busStub) Published() []bus.Message {
	s.m.Lock()
	defer s.m.Unlock()
	return append([]bus.Message(nil), s.published...)
}

var _ = Describe("type Dispatcher", func() {
	var (
		ctx        context.Context
		cancel     context.CancelFunc
		transport  *busStub
		logger     *logging.BufferedLogger
		dispatcher *Dispatcher
		worker     matcher.WorkerRef
		command    envelope.Command
	)

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)

		transport = &busStub{
			Bus: &memorybus.Bus{Logger: logging.DiscardLogger{}},
		}
		logger = &logging.BufferedLogger{}

		dispatcher = &Dispatcher{
			Bus:          transport,
			SafetyMargin: 10 * time.Millisecond,
			Logger:       logger,
		}

		worker = matcher.WorkerRef{ID: "<worker>", Address: "<address>"}

		command = envelope.Command{
			Action: "summarize",
			Params: map[string]any{"text": "<text>"},
			Requirements: envelope.Requirements{
				Capabilities: []string{"summarize"},
			},
			Context: envelope.Context{
				ProcessID: "<process>",
				StepID:    "draft",
			},
			IdempotencyKey: "<process>:draft:1",
		}

		go dispatcher.Run(ctx)
	})

	AfterEach(func() {
		cancel()
	})

	// serve runs a fake worker that answers each command with the reply
	// returned by fn. A nil reply causes the command to go unanswered.
	serve := func(fn func(envelope.Command) envelope.Envelope) {
		go transport.Consume(
			ctx,
			bus.WorkerTopic(worker.Address),
			func(ctx context.Context, m bus.Message) error {
				env, err := envelope.Unmarshal(m.Body)
				if err != nil {
					return err
				}

				reply := fn(env.(envelope.Command))
				if reply == nil {
					return nil
				}

				return transport.Publish(ctx, bus.Message{
					ID:            "<reply>",
					Topic:         m.ReplyTo,
					Priority:      bus.High,
					CorrelationID: m.CorrelationID,
					Body:          envelope.MustMarshal(reply),
				})
			},
		)
	}

	Describe("func Send()", func() {
		It("returns the worker's result", func() {
			serve(func(envelope.Command) envelope.Envelope {
				return envelope.Result{
					Status: envelope.SuccessStatus,
					Output: map[string]any{"summary": "<summary>"},
				}
			})

			o, err := dispatcher.Send(ctx, command, worker, time.Second)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(o.Succeeded()).To(BeTrue())
			Expect(o.Result.Output).To(Equal(map[string]any{"summary": "<summary>"}))
		})

		It("returns the worker's error", func() {
			serve(func(envelope.Command) envelope.Envelope {
				return envelope.Error{
					Error: envelope.Errorf(codes.Unavailable, "<message>"),
				}
			})

			o, err := dispatcher.Send(ctx, command, worker, time.Second)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(o.Succeeded()).To(BeFalse())
			Expect(o.ErrorOutcome().Code).To(Equal(codes.Unavailable))
		})

		It("publishes the command with the idempotency key as dedup key and correlation ID", func() {
			serve(func(envelope.Command) envelope.Envelope {
				return envelope.Result{Status: envelope.SuccessStatus}
			})

			_, err := dispatcher.Send(ctx, command, worker, time.Second)
			Expect(err).ShouldNot(HaveOccurred())

			m := transport.Published()[0]
			Expect(m.Topic).To(Equal(bus.WorkerTopic("<address>")))
			Expect(m.CorrelationID).To(Equal("<process>:draft:1"))
			Expect(m.DedupKey).To(Equal("<process>:draft:1"))
			Expect(m.ReplyTo).To(Equal(bus.ReplyTopic))
		})

		It("sets the transport expiry later than the dispatcher's deadline", func() {
			serve(func(envelope.Command) envelope.Envelope {
				return envelope.Result{Status: envelope.SuccessStatus}
			})

			start := time.Now()
			_, err := dispatcher.Send(ctx, command, worker, time.Second)
			Expect(err).ShouldNot(HaveOccurred())

			m := transport.Published()[0]
			Expect(m.ExpiresAt).To(BeTemporally(">=", start.Add(time.Second)))
		})

		It("uses the context deadline if it is earlier than the timeout", func() {
			serve(func(envelope.Command) envelope.Envelope { return nil })

			ctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
			defer cancel()

			start := time.Now()
			o, err := dispatcher.Send(ctx, command, worker, time.Hour)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(o.TimedOut).To(BeTrue())
			Expect(time.Since(start)).To(BeNumerically("<", time.Second))
		})

		It("times out if there is no reply", func() {
			serve(func(envelope.Command) envelope.Envelope { return nil })

			o, err := dispatcher.Send(ctx, command, worker, 50*time.Millisecond)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(o.TimedOut).To(BeTrue())
			Expect(o.ErrorOutcome().Code).To(Equal(codes.DeadlineExceeded))
			Expect(dispatcher.Table.Pending()).To(Equal(0))
		})

		It("discards a reply that arrives after the deadline", func() {
			release := make(chan struct{})
			serve(func(envelope.Command) envelope.Envelope {
				<-release
				return envelope.Result{Status: envelope.SuccessStatus}
			})

			o, err := dispatcher.Send(ctx, command, worker, 50*time.Millisecond)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(o.TimedOut).To(BeTrue())

			close(release)

			Eventually(logger.Messages).Should(ContainElement(
				logging.BufferedLogMessage{
					Message: "= <process>:draft:1  ⊘    discarded reply ● correlation abandoned before reply arrived",
				},
			))
		})

		It("delivers only the first of several replies for the same correlation", func() {
			serve(func(envelope.Command) envelope.Envelope {
				return envelope.Result{
					Status: envelope.SuccessStatus,
					Output: map[string]any{"n": 1},
				}
			})

			o, err := dispatcher.Send(ctx, command, worker, time.Second)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(o.Result.Output).To(Equal(map[string]any{"n": 1.0}))

			// Inject a late duplicate.
			err = transport.Publish(ctx, bus.Message{
				ID:            "<late>",
				Topic:         bus.ReplyTopic,
				CorrelationID: "<process>:draft:1",
				Body: envelope.MustMarshal(envelope.Result{
					Status: envelope.SuccessStatus,
					Output: map[string]any{"n": 2},
				}),
			})
			Expect(err).ShouldNot(HaveOccurred())

			Eventually(logger.Messages).Should(ContainElement(
				logging.BufferedLogMessage{
					Message: "= <process>:draft:1  ⊘    discarded reply ● correlation already resolved",
				},
			))
		})

		It("returns an error if the context is canceled while waiting", func() {
			serve(func(envelope.Command) envelope.Envelope { return nil })

			ctx, cancel := context.WithCancel(ctx)
			go func() {
				time.Sleep(20 * time.Millisecond)
				cancel()
			}()

			_, err := dispatcher.Send(ctx, command, worker, time.Minute)
			Expect(err).To(Equal(context.Canceled))
		})

		It("returns an error if the command is invalid", func() {
			command.IdempotencyKey = "<malformed>"

			_, err := dispatcher.Send(ctx, command, worker, time.Second)
			Expect(err).Should(HaveOccurred())
		})
	})

	Describe("func Run()", func() {
		It("discards replies for unknown correlations", func() {
			err := transport.Publish(ctx, bus.Message{
				ID:            "<reply>",
				Topic:         bus.ReplyTopic,
				CorrelationID: "<unknown>:x:1",
				Body:          envelope.MustMarshal(envelope.Result{Status: envelope.SuccessStatus}),
			})
			Expect(err).ShouldNot(HaveOccurred())

			Eventually(logger.Messages).Should(ContainElement(
				logging.BufferedLogMessage{
					Message: "= <unknown>:x:1  ⊘    discarded reply ● correlation is unknown",
				},
			))
		})

		It("reports a reply that can not be decoded as malformed", func() {
			err := transport.Publish(ctx, bus.Message{
				ID:            "<reply>",
				Topic:         bus.ReplyTopic,
				CorrelationID: "<process>:x:1",
				Body:          []byte("<not an envelope>"),
			})
			Expect(err).ShouldNot(HaveOccurred())

			Eventually(logger.Messages).Should(ContainElement(
				WithTransform(
					func(m logging.BufferedLogMessage) string { return m.Message },
					HavePrefix("= <process>:x:1  ✖    discarded malformed reply ● "),
				),
			))
			Expect(logger.Messages()).NotTo(ContainElement(
				WithTransform(
					func(m logging.BufferedLogMessage) string { return m.Message },
					ContainSubstring("⊘"),
				),
			))
		})

		It("reports a reply of the wrong kind as malformed", func() {
			err := transport.Publish(ctx, bus.Message{
				ID:            "<reply>",
				Topic:         bus.ReplyTopic,
				CorrelationID: "<process>:x:1",
				Body:          envelope.MustMarshal(command),
			})
			Expect(err).ShouldNot(HaveOccurred())

			Eventually(logger.Messages).Should(ContainElement(
				logging.BufferedLogMessage{
					Message: "= <process>:x:1  ✖    discarded malformed reply ● unexpected command envelope",
				},
			))
		})
	})
})
