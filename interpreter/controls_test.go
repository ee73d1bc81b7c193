package interpreter_test

import (
	"github.com/dogmatiq/orchestra/envelope"
	. "github.com/dogmatiq/orchestra/interpreter"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("type Controls", func() {
	var controls *Controls

	BeforeEach(func() {
		controls = &Controls{}
	})

	Describe("func Lookup()", func() {
		It("returns false if there is no signal for any process in the lineage", func() {
			controls.Set("<other>", Signal{Type: envelope.Pause})

			_, _, ok := controls.Lookup([]string{"<root>", "<child>"})
			Expect(ok).To(BeFalse())
		})

		It("returns false when the controls are nil", func() {
			var controls *Controls

			_, _, ok := controls.Lookup([]string{"<root>"})
			Expect(ok).To(BeFalse())
		})

		It("prefers the signal that targets the innermost process", func() {
			controls.Set("<root>", Signal{Type: envelope.Pause, Reason: "<root>"})
			controls.Set("<child>", Signal{Type: envelope.Resume, Reason: "<child>"})

			s, _, ok := controls.Lookup([]string{"<root>", "<child>"})
			Expect(ok).To(BeTrue())
			Expect(s).To(Equal(Signal{Type: envelope.Resume, Reason: "<child>"}))
		})

		It("applies an ancestor's signal to its subprocesses", func() {
			controls.Set("<root>", Signal{Type: envelope.Pause})

			s, _, ok := controls.Lookup([]string{"<root>", "<child>", "<grandchild>"})
			Expect(ok).To(BeTrue())
			Expect(s.Type).To(Equal(envelope.Pause))
		})

		It("gives precedence to a stop signal anywhere in the lineage", func() {
			controls.Set("<root>", Signal{Type: envelope.Stop, Reason: "<reason>"})
			controls.Set("<child>", Signal{Type: envelope.Resume})

			s, _, ok := controls.Lookup([]string{"<root>", "<child>"})
			Expect(ok).To(BeTrue())
			Expect(s).To(Equal(Signal{Type: envelope.Stop, Reason: "<reason>"}))
		})

		It("returns a channel that is closed when a signal changes", func() {
			_, changed, _ := controls.Lookup([]string{"<root>"})
			Expect(changed).NotTo(BeClosed())

			controls.Set("<other>", Signal{Type: envelope.Pause})
			Expect(changed).To(BeClosed())
		})
	})

	Describe("func Clear()", func() {
		It("removes the signal for the process", func() {
			controls.Set("<root>", Signal{Type: envelope.Pause})
			controls.Clear("<root>")

			_, _, ok := controls.Lookup([]string{"<root>"})
			Expect(ok).To(BeFalse())
		})

		It("does not notify watchers if there is no signal to remove", func() {
			_, changed, _ := controls.Lookup([]string{"<root>"})
			controls.Clear("<root>")

			Expect(changed).NotTo(BeClosed())
		})

		It("does nothing when the controls are nil", func() {
			var controls *Controls

			Expect(func() {
				controls.Clear("<root>")
			}).NotTo(Panic())
		})
	})
})
