package retry_test

import (
	"time"

	"github.com/dogmatiq/linger/backoff"
	"github.com/dogmatiq/orchestra/envelope"
	. "github.com/dogmatiq/orchestra/retry"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"google.golang.org/grpc/codes"
)

var _ = Describe("type Classifier", func() {
	var classifier *Classifier

	BeforeEach(func() {
		classifier = &Classifier{
			Backoff: backoff.Constant(time.Second),
		}
	})

	outcome := func(c codes.Code) envelope.ErrorOutcome {
		return envelope.Errorf(c, "<message>")
	}

	first := History{Attempt: 1, MaxAttempts: 3}

	Describe("func Classify()", func() {
		DescribeTable(
			"it retries transient failures on the same worker",
			func(c codes.Code) {
				v := classifier.Classify(outcome(c), first)
				Expect(v.Action).To(Equal(Retry))
				Expect(v.SameWorker).To(BeTrue())
				Expect(v.Delay).To(Equal(time.Second))
			},
			Entry("DEADLINE_EXCEEDED", codes.DeadlineExceeded),
			Entry("UNAVAILABLE", codes.Unavailable),
			Entry("ABORTED", codes.Aborted),
		)

		DescribeTable(
			"it aborts non-retryable failures",
			func(c codes.Code) {
				o := outcome(c)
				o.Retryable = true // advisory only

				v := classifier.Classify(o, first)
				Expect(v.Action).To(Equal(Abort))
				Expect(v.Exhausted).To(BeFalse())
			},
			Entry("INVALID_ARGUMENT", codes.InvalidArgument),
			Entry("NOT_FOUND", codes.NotFound),
			Entry("FAILED_PRECONDITION", codes.FailedPrecondition),
			Entry("OUT_OF_RANGE", codes.OutOfRange),
			Entry("CANCELLED", codes.Canceled),
			Entry("ALREADY_EXISTS", codes.AlreadyExists),
		)

		DescribeTable(
			"it escalates authorization failures",
			func(c codes.Code) {
				v := classifier.Classify(outcome(c), first)
				Expect(v.Action).To(Equal(Escalate))
			},
			Entry("PERMISSION_DENIED", codes.PermissionDenied),
			Entry("UNAUTHENTICATED", codes.Unauthenticated),
		)

		It("reports exhaustion when the attempt ceiling is reached", func() {
			v := classifier.Classify(
				outcome(codes.DeadlineExceeded),
				History{Attempt: 3, MaxAttempts: 3},
			)
			Expect(v.Action).To(Equal(Abort))
			Expect(v.Exhausted).To(BeTrue())
			Expect(v.Reason).To(Equal("DEADLINE_EXCEEDED after 3 of 3 attempt(s)"))
		})

		It("honors a ceiling of one attempt", func() {
			v := classifier.Classify(
				outcome(codes.Unavailable),
				History{Attempt: 1, MaxAttempts: 1},
			)
			Expect(v.Exhausted).To(BeTrue())
		})

		When("the outcome is RESOURCE_EXHAUSTED", func() {
			It("uses the advised delay", func() {
				o := outcome(codes.ResourceExhausted)
				o.Details = map[string]any{"retryAfterMs": 2500.0}

				v := classifier.Classify(o, first)
				Expect(v.Action).To(Equal(Retry))
				Expect(v.Delay).To(Equal(2500 * time.Millisecond))
				Expect(v.SameWorker).To(BeFalse())
			})

			It("falls back to the backoff strategy", func() {
				v := classifier.Classify(outcome(codes.ResourceExhausted), first)
				Expect(v.Delay).To(Equal(time.Second))
			})
		})

		When("the outcome is UNIMPLEMENTED", func() {
			It("falls back to another worker once", func() {
				v := classifier.Classify(outcome(codes.Unimplemented), first)
				Expect(v.Action).To(Equal(Fallback))

				h := first
				h.Fallbacks = 1

				v = classifier.Classify(outcome(codes.Unimplemented), h)
				Expect(v.Action).To(Equal(Abort))
			})
		})

		When("the outcome is INTERNAL or UNKNOWN", func() {
			It("retries once, then escalates", func() {
				v := classifier.Classify(outcome(codes.Internal), first)
				Expect(v.Action).To(Equal(Retry))

				h := History{Attempt: 2, MaxAttempts: 3, InternalFailures: 1}
				v = classifier.Classify(outcome(codes.Unknown), h)
				Expect(v.Action).To(Equal(Escalate))
			})

			It("escalates without retrying if the ceiling is reached", func() {
				v := classifier.Classify(
					outcome(codes.Internal),
					History{Attempt: 1, MaxAttempts: 1},
				)
				Expect(v.Action).To(Equal(Escalate))
				Expect(v.Exhausted).To(BeTrue())
			})
		})
	})
})

var _ = Describe("func AdvisedDelay()", func() {
	It("parses duration strings", func() {
		o := envelope.Errorf(codes.ResourceExhausted, "<message>")
		o.Details = map[string]any{"retryAfter": "1.5s"}

		d, ok := AdvisedDelay(o)
		Expect(ok).To(BeTrue())
		Expect(d).To(Equal(1500 * time.Millisecond))
	})

	It("returns false if there is no advice", func() {
		_, ok := AdvisedDelay(envelope.Errorf(codes.ResourceExhausted, "<message>"))
		Expect(ok).To(BeFalse())
	})
})
