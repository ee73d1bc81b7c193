package structpbx_test

import (
	. "github.com/dogmatiq/orchestra/internal/x/structpbx"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("func Marshal()", func() {
	It("produces data that unmarshals to the normalized map", func() {
		data, err := Marshal(map[string]any{
			"int":    5,
			"float":  1.5,
			"string": "<value>",
			"bool":   true,
			"nil":    nil,
			"list":   []string{"a", "b"},
			"nested": map[string]int{"x": 1},
		})
		Expect(err).ShouldNot(HaveOccurred())

		m, err := Unmarshal(data)
		Expect(err).ShouldNot(HaveOccurred())
		Expect(m).To(Equal(map[string]any{
			"int":    5.0,
			"float":  1.5,
			"string": "<value>",
			"bool":   true,
			"nil":    nil,
			"list":   []any{"a", "b"},
			"nested": map[string]any{"x": 1.0},
		}))
	})

	It("produces identical output for equal maps", func() {
		a, err := Marshal(map[string]any{"a": 1, "b": 2, "c": 3})
		Expect(err).ShouldNot(HaveOccurred())

		b, err := Marshal(map[string]any{"c": 3, "b": 2, "a": 1})
		Expect(err).ShouldNot(HaveOccurred())

		Expect(a).To(Equal(b))
	})

	It("returns an error for unsupported types", func() {
		_, err := Marshal(map[string]any{"ch": make(chan int)})
		Expect(err).To(MatchError("ch: unsupported value type chan int"))
	})
})

var _ = Describe("func NormalizeMap()", func() {
	It("returns an empty map when given nil", func() {
		m, err := NormalizeMap(nil)
		Expect(err).ShouldNot(HaveOccurred())
		Expect(m).To(BeEmpty())
		Expect(m).NotTo(BeNil())
	})
})

var _ = Describe("func Keys()", func() {
	It("returns the keys in order", func() {
		Expect(Keys(map[string]any{"b": 1, "a": 2})).To(Equal([]string{"a", "b"}))
	})
})
