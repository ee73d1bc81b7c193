// Package registrytest is a behavioral test suite for registry.Store
// implementations.
package registrytest

import (
	"context"
	"time"

	"github.com/dogmatiq/orchestra/registry"
	"github.com/onsi/ginkgo/v2"
	"github.com/onsi/gomega"
)

// Out is a container for values that are provided by the store-specific
// "before" function.
type Out struct {
	// Store is the registry under test.
	Store registry.Store
}

// Declare declares generic behavioral tests for a specific registry.Store
// implementation.
func Declare(
	before func(context.Context) Out,
	after func(),
) {
	var (
		ctx    context.Context
		cancel context.CancelFunc
		store  registry.Store
		now    time.Time
	)

	ginkgo.Context("standard registry test suite", func() {
		ginkgo.BeforeEach(func() {
			ctx, cancel = context.WithTimeout(context.Background(), 3*time.Second)
			store = before(ctx).Store
			now = time.Now().Truncate(time.Millisecond)
		})

		ginkgo.AfterEach(func() {
			if after != nil {
				after()
			}

			cancel()
		})

		register := func(id string, load int, lease time.Duration, caps ...string) {
			err := store.Register(ctx, registry.WorkerDescriptor{
				ID:             id,
				Address:        "<address-" + id + ">",
				Capabilities:   caps,
				CurrentLoad:    load,
				LeaseExpiresAt: now.Add(lease),
			})
			gomega.Expect(err).ShouldNot(gomega.HaveOccurred())
		}

		ids := func(q registry.Query) []string {
			workers, err := store.Query(ctx, q)
			gomega.Expect(err).ShouldNot(gomega.HaveOccurred())

			var ids []string
			for _, w := range workers {
				ids = append(ids, w.ID)
			}
			return ids
		}

		ginkgo.Describe("func Query()", func() {
			ginkgo.It("returns workers with every required capability, sorted by ID", func() {
				register("w2", 0, time.Minute, "summarize", "english")
				register("w1", 0, time.Minute, "summarize", "english", "french")
				register("w3", 0, time.Minute, "summarize")

				gomega.Expect(ids(registry.Query{
					Capabilities: []string{"summarize", "english"},
					Now:          now,
				})).To(gomega.Equal([]string{"w1", "w2"}))
			})

			ginkgo.It("excludes workers with expired leases", func() {
				register("w1", 0, time.Minute, "x")
				register("w2", 0, time.Second, "x")

				gomega.Expect(ids(registry.Query{
					Capabilities: []string{"x"},
					Now:          now.Add(2 * time.Second),
				})).To(gomega.Equal([]string{"w1"}))
			})

			ginkgo.It("returns the full descriptor", func() {
				register("w1", 3, time.Minute, "a", "b")

				workers, err := store.Query(ctx, registry.Query{Now: now})
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())
				gomega.Expect(workers).To(gomega.HaveLen(1))

				w := workers[0]
				gomega.Expect(w.ID).To(gomega.Equal("w1"))
				gomega.Expect(w.Address).To(gomega.Equal("<address-w1>"))
				gomega.Expect(w.Capabilities).To(gomega.Equal([]string{"a", "b"}))
				gomega.Expect(w.CurrentLoad).To(gomega.Equal(3))
				gomega.Expect(w.LeaseExpiresAt).To(gomega.BeTemporally("==", now.Add(time.Minute)))
			})

			ginkgo.It("returns nothing when no worker matches", func() {
				register("w1", 0, time.Minute, "a")

				gomega.Expect(ids(registry.Query{
					Capabilities: []string{"b"},
					Now:          now,
				})).To(gomega.BeEmpty())
			})
		})

		ginkgo.Describe("func Register()", func() {
			ginkgo.It("replaces an existing registration", func() {
				register("w1", 0, time.Minute, "a")
				register("w1", 0, time.Minute, "b")

				gomega.Expect(ids(registry.Query{
					Capabilities: []string{"a"},
					Now:          now,
				})).To(gomega.BeEmpty())

				gomega.Expect(ids(registry.Query{
					Capabilities: []string{"b"},
					Now:          now,
				})).To(gomega.Equal([]string{"w1"}))
			})
		})

		ginkgo.Describe("func Heartbeat()", func() {
			ginkgo.It("renews the lease and updates the load", func() {
				register("w1", 0, time.Second, "a")

				err := store.Heartbeat(ctx, "w1", 5, now.Add(time.Minute))
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())

				workers, err := store.Query(ctx, registry.Query{Now: now.Add(2 * time.Second)})
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())
				gomega.Expect(workers).To(gomega.HaveLen(1))
				gomega.Expect(workers[0].CurrentLoad).To(gomega.Equal(5))
			})

			ginkgo.It("returns an error if the worker is not registered", func() {
				err := store.Heartbeat(ctx, "<unknown>", 0, now.Add(time.Minute))
				gomega.Expect(err).To(gomega.Equal(registry.ErrWorkerNotFound))
			})
		})

		ginkgo.Describe("func Deregister()", func() {
			ginkgo.It("removes the worker", func() {
				register("w1", 0, time.Minute, "a")

				err := store.Deregister(ctx, "w1")
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())

				gomega.Expect(ids(registry.Query{Now: now})).To(gomega.BeEmpty())
			})

			ginkgo.It("returns an error if the worker is not registered", func() {
				err := store.Deregister(ctx, "<unknown>")
				gomega.Expect(err).To(gomega.Equal(registry.ErrWorkerNotFound))
			})
		})
	})
}
