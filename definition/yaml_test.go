package definition_test

import (
	"path/filepath"
	"time"

	. "github.com/dogmatiq/orchestra/definition"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("func LoadFile()", func() {
	It("loads and normalizes a definition", func() {
		def, err := LoadFile(filepath.Join("testdata", "review.yaml"))
		Expect(err).ShouldNot(HaveOccurred())

		Expect(def.Ref).To(Equal("review"))
		Expect(def.Entry).To(Equal("draft"))
		Expect(def.Inputs).To(ConsistOf("topic"))
		Expect(def.MaxSteps).To(BeEquivalentTo(20))

		s, ok := def.Step("draft")
		Expect(ok).To(BeTrue())
		Expect(s.Kind).To(Equal(ActionKind))
		Expect(s.Timeout).To(Equal(30 * time.Second))
		Expect(s.OutputMode).To(Equal(Overwrite))

		s, ok = def.Step("score")
		Expect(ok).To(BeTrue())
		Expect(s.Capabilities()).To(Equal([]string{"score", "english"}))
		Expect(s.MaxAttempts(1)).To(BeEquivalentTo(3))
		Expect(s.Select).To(Equal("score"))

		s, ok = def.Step("check")
		Expect(ok).To(BeTrue())
		Expect(s.Kind).To(Equal(BranchKind))
	})

	It("returns an error if the file does not exist", func() {
		_, err := LoadFile(filepath.Join("testdata", "missing.yaml"))
		Expect(err).Should(HaveOccurred())
	})
})

var _ = Describe("func ParseYAML()", func() {
	It("returns an error if the payload is empty", func() {
		_, err := ParseYAML([]byte("  \n"))
		Expect(err).To(MatchError("definition payload is empty"))
	})

	It("returns an error if the definition is invalid", func() {
		_, err := ParseYAML([]byte("ref: x\nsteps:\n  - id: a\n    action: x\n    next: a\n"))
		Expect(err).To(MatchError(ContainSubstring("no terminal step is reachable")))
	})
})

var _ = Describe("func LoadDir()", func() {
	It("loads every YAML file in the directory", func() {
		defs, err := LoadDir("testdata")
		Expect(err).ShouldNot(HaveOccurred())
		Expect(defs).To(HaveLen(1))
		Expect(defs[0].Ref).To(Equal("review"))
	})
})

var _ = Describe("type Catalog", func() {
	It("returns definitions by reference", func() {
		def, err := LoadFile(filepath.Join("testdata", "review.yaml"))
		Expect(err).ShouldNot(HaveOccurred())

		c, err := NewCatalog(def)
		Expect(err).ShouldNot(HaveOccurred())

		x, ok := c.Get("review")
		Expect(ok).To(BeTrue())
		Expect(x).To(Equal(def))
		Expect(c.Refs()).To(Equal([]string{"review"}))

		_, err = c.Resolve("<unknown>")
		Expect(err).To(MatchError(`unknown definition "<unknown>"`))
	})

	It("rejects invalid definitions", func() {
		_, err := NewCatalog(Definition{Ref: "x"})
		Expect(err).Should(HaveOccurred())
	})
})
