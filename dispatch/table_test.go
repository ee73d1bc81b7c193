package dispatch_test

import (
	"time"

	. "github.com/dogmatiq/orchestra/dispatch"
	"github.com/dogmatiq/orchestra/envelope"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("type Table", func() {
	var (
		table    *Table
		deadline time.Time
		result   Outcome
	)

	BeforeEach(func() {
		table = &Table{}
		deadline = time.Now().Add(time.Minute)
		result = Outcome{
			Result: &envelope.Result{Status: envelope.SuccessStatus},
		}
	})

	Describe("func Register()", func() {
		It("returns an error if the correlation is already pending", func() {
			_, err := table.Register("<id>", deadline)
			Expect(err).ShouldNot(HaveOccurred())

			_, err = table.Register("<id>", deadline)
			Expect(err).To(Equal(ErrAlreadyPending))
		})

		It("replaces a closed correlation", func() {
			_, err := table.Register("<id>", deadline)
			Expect(err).ShouldNot(HaveOccurred())
			table.Abandon("<id>")

			_, err = table.Register("<id>", deadline)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(table.Pending()).To(Equal(1))
		})
	})

	Describe("func Resolve()", func() {
		It("delivers the reply to the registered channel", func() {
			reply, err := table.Register("<id>", deadline)
			Expect(err).ShouldNot(HaveOccurred())

			err = table.Resolve("<id>", result)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(reply).To(Receive(Equal(result)))
			Expect(table.Pending()).To(Equal(0))
		})

		It("resolves each correlation at most once", func() {
			reply, err := table.Register("<id>", deadline)
			Expect(err).ShouldNot(HaveOccurred())

			Expect(table.Resolve("<id>", result)).To(Succeed())
			Expect(table.Resolve("<id>", Outcome{TimedOut: true})).To(Equal(ErrAlreadyResolved))

			Expect(reply).To(Receive(Equal(result)))
			Expect(reply).NotTo(Receive())
		})

		It("returns an error if the correlation was abandoned", func() {
			_, err := table.Register("<id>", deadline)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(table.Abandon("<id>")).To(BeTrue())

			Expect(table.Resolve("<id>", result)).To(Equal(ErrAbandoned))
		})

		It("returns an error if the correlation is unknown", func() {
			Expect(table.Resolve("<id>", result)).To(Equal(ErrUnknownCorrelation))
		})

		It("forgets closed correlations after the tombstone TTL", func() {
			now := time.Now()
			table.Now = func() time.Time { return now }
			table.TombstoneTTL = time.Minute

			_, err := table.Register("<id>", deadline)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(table.Resolve("<id>", result)).To(Succeed())

			now = now.Add(2 * time.Minute)
			_, err = table.Register("<other>", deadline)
			Expect(err).ShouldNot(HaveOccurred())

			Expect(table.Resolve("<id>", result)).To(Equal(ErrUnknownCorrelation))
		})
	})

	Describe("func Abandon()", func() {
		It("returns false if the correlation was already resolved", func() {
			_, err := table.Register("<id>", deadline)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(table.Resolve("<id>", result)).To(Succeed())

			Expect(table.Abandon("<id>")).To(BeFalse())
		})
	})
})
