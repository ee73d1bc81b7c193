package envelope_test

import (
	. "github.com/dogmatiq/orchestra/envelope"
	"github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = ginkgo.Describe("type IdempotencyKey", func() {
	ginkgo.It("is formatted as process:step:attempt", func() {
		k := IdempotencyKey{"<process>", "<step>", 3}
		Expect(k.String()).To(Equal("<process>:<step>:3"))
	})

	ginkgo.DescribeTable(
		"func ParseIdempotencyKey()",
		func(s string, expect IdempotencyKey) {
			k, err := ParseIdempotencyKey(s)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(k).To(Equal(expect))
		},
		ginkgo.Entry("simple", "p:s:1", IdempotencyKey{"p", "s", 1}),
		ginkgo.Entry("process ID containing colons", "a:b:s:12", IdempotencyKey{"a:b", "s", 12}),
	)

	ginkgo.DescribeTable(
		"func ParseIdempotencyKey() errors",
		func(s string) {
			_, err := ParseIdempotencyKey(s)
			Expect(err).Should(HaveOccurred())
		},
		ginkgo.Entry("no separators", "abc"),
		ginkgo.Entry("zero attempt", "p:s:0"),
		ginkgo.Entry("missing step", "p::1"),
		ginkgo.Entry("missing process", ":s:1"),
		ginkgo.Entry("non-numeric attempt", "p:s:x"),
	)
})
