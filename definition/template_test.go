package definition_test

import (
	. "github.com/dogmatiq/orchestra/definition"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("func Render()", func() {
	vars := map[string]any{
		"draft": map[string]any{"text": "<text>", "words": 120},
		"score": 9.0,
	}

	It("substitutes exact references without converting their type", func() {
		v, err := Render("${draft}", vars)
		Expect(err).ShouldNot(HaveOccurred())
		Expect(v).To(Equal(map[string]any{"text": "<text>", "words": 120.0}))
	})

	It("substitutes embedded references as text", func() {
		v, err := Render("score: ${score}, text: ${draft.text}", vars)
		Expect(err).ShouldNot(HaveOccurred())
		Expect(v).To(Equal("score: 9, text: <text>"))
	})

	It("renders nested maps and lists", func() {
		v, err := Render(
			map[string]any{
				"items": []any{"${draft.words}", "literal"},
			},
			vars,
		)
		Expect(err).ShouldNot(HaveOccurred())
		Expect(v).To(Equal(map[string]any{
			"items": []any{120.0, "literal"},
		}))
	})

	It("returns an error if a reference cannot be resolved", func() {
		_, err := Render("${draft.missing}", vars)
		Expect(err).To(MatchError(UnresolvedReferenceError{Name: "draft.missing"}))
	})

	It("returns an error if a reference is unterminated", func() {
		_, err := Render("x ${draft", vars)
		Expect(err).To(MatchError(ContainSubstring("unterminated reference")))
	})
})

var _ = Describe("func RenderMap()", func() {
	It("returns an empty map when given nil", func() {
		m, err := RenderMap(nil, nil)
		Expect(err).ShouldNot(HaveOccurred())
		Expect(m).To(BeEmpty())
		Expect(m).NotTo(BeNil())
	})
})
