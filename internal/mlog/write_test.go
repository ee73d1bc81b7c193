package mlog_test

import (
	"strings"

	. "github.com/dogmatiq/orchestra/internal/mlog"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var entries = []TableEntry{
	Entry(
		"renders a standard log message",
		"= p:s:2  ⋲ p  @ w  ▲ ↻  <foo> ● <bar>",
		[]IconWithLabel{
			KeyIcon.WithLabel("p:s:2"),
			ProcessIDIcon.WithLabel("p"),
			WorkerIcon.WithLabel("w"),
		},
		[]Icon{
			DispatchIcon,
			RetryIcon,
		},
		[]string{
			"<foo>",
			"<bar>",
		},
	),
	Entry(
		"renders a hyphen in place of empty labels",
		"= p:s:1  ⋲ -  ▼    <foo> ● <bar>",
		[]IconWithLabel{
			KeyIcon.WithLabel("p:s:1"),
			ProcessIDIcon.WithLabel(""),
		},
		[]Icon{
			ReplyIcon,
			"",
		},
		[]string{
			"<foo>",
			"<bar>",
		},
	),
	Entry(
		"skips empty text",
		"⋲ p  ≡ ✖  <foo> ● <bar>",
		[]IconWithLabel{
			ProcessIDIcon.WithLabel("p"),
		},
		[]Icon{
			ProcessIcon,
			ErrorIcon,
		},
		[]string{
			"<foo>",
			"",
			"<bar>",
		},
	),
}

var _ = DescribeTable(
	"func String()",
	func(expected string, ids []IconWithLabel, icons []Icon, text []string) {
		Expect(
			String(ids, icons, text...),
		).To(Equal(expected))
	},
	entries,
)

var _ = DescribeTable(
	"func Write()",
	func(expected string, ids []IconWithLabel, icons []Icon, text []string) {
		w := &strings.Builder{}

		n, err := Write(w, ids, icons, text...)
		Expect(err).ShouldNot(HaveOccurred())
		Expect(n).To(Equal(len(expected)))

		Expect(w.String()).To(Equal(expected))
	},
	entries,
)
