package providertest

import (
	"github.com/dogmatiq/orchestra/persistence"
	"github.com/onsi/ginkgo/v2"
	"github.com/onsi/gomega"
)

// declareCheckpointOperationTests declares a functional test-suite for
// persistence operations related to process checkpoints.
func declareCheckpointOperationTests(tc *TestContext) {
	ginkgo.Context("checkpoint operations", func() {
		var dataStore persistence.DataStore

		ginkgo.BeforeEach(func() {
			var tearDown func()
			dataStore, tearDown = tc.SetupDataStore()
			ginkgo.DeferCleanup(tearDown)
		})

		ginkgo.Describe("type persistence.SaveCheckpoint", func() {
			ginkgo.It("replaces the existing checkpoint", func() {
				persist(
					tc.Context,
					dataStore,
					persistence.SaveCheckpoint{
						Checkpoint: persistence.Checkpoint{
							ProcessID: "<process>",
							Offset:    10,
							Data:      []byte("<state-1>"),
						},
					},
				)

				persist(
					tc.Context,
					dataStore,
					persistence.SaveCheckpoint{
						Checkpoint: persistence.Checkpoint{
							ProcessID: "<process>",
							Offset:    20,
							Data:      []byte("<state-2>"),
						},
					},
				)

				cp, ok, err := dataStore.LoadCheckpoint(tc.Context, "<process>")
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())
				gomega.Expect(ok).To(gomega.BeTrue())
				gomega.Expect(cp).To(gomega.Equal(
					persistence.Checkpoint{
						ProcessID: "<process>",
						Offset:    20,
						Data:      []byte("<state-2>"),
					},
				))
			})
		})

		ginkgo.Describe("func LoadCheckpoint()", func() {
			ginkgo.It("returns false if the process has no checkpoint", func() {
				_, ok, err := dataStore.LoadCheckpoint(tc.Context, "<process>")
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())
				gomega.Expect(ok).To(gomega.BeFalse())
			})
		})
	})
}
