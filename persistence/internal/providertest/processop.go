package providertest

import (
	"github.com/dogmatiq/orchestra/persistence"
	"github.com/onsi/ginkgo/v2"
	"github.com/onsi/gomega"
)

// declareProcessOperationTests declares a functional test-suite for
// persistence operations related to process records.
func declareProcessOperationTests(tc *TestContext) {
	ginkgo.Context("process operations", func() {
		var dataStore persistence.DataStore

		ginkgo.BeforeEach(func() {
			var tearDown func()
			dataStore, tearDown = tc.SetupDataStore()
			ginkgo.DeferCleanup(tearDown)
		})

		ginkgo.Describe("type persistence.SaveProcess", func() {
			ginkgo.When("the process does not exist", func() {
				ginkgo.It("saves the record with a revision of 1", func() {
					persist(
						tc.Context,
						dataStore,
						persistence.SaveProcess{
							Process: persistence.ProcessRecord{
								ID:            "<process>",
								DefinitionRef: "<definition>",
								ParentID:      "<parent>",
								Status:        "running",
							},
						},
					)

					rec := loadProcess(tc.Context, dataStore, "<process>")
					gomega.Expect(rec).To(gomega.Equal(
						persistence.ProcessRecord{
							ID:            "<process>",
							Revision:      1,
							DefinitionRef: "<definition>",
							ParentID:      "<parent>",
							Status:        "running",
						},
					))
				})

				ginkgo.It("does not save the record when an OCC conflict occurs", func() {
					op := persistence.SaveProcess{
						Process: persistence.ProcessRecord{
							ID:       "<process>",
							Revision: 123,
						},
					}

					_, err := dataStore.Persist(tc.Context, persistence.Batch{op})
					gomega.Expect(err).To(gomega.Equal(
						persistence.ConflictError{
							Cause: op,
						},
					))

					rec := loadProcess(tc.Context, dataStore, "<process>")
					gomega.Expect(rec).To(gomega.Equal(
						persistence.ProcessRecord{ID: "<process>"},
					))
				})
			})

			ginkgo.When("the process exists", func() {
				ginkgo.BeforeEach(func() {
					persist(
						tc.Context,
						dataStore,
						persistence.SaveProcess{
							Process: persistence.ProcessRecord{
								ID:     "<process>",
								Status: "running",
							},
						},
					)
				})

				ginkgo.It("increments the revision", func() {
					persist(
						tc.Context,
						dataStore,
						persistence.SaveProcess{
							Process: persistence.ProcessRecord{
								ID:       "<process>",
								Revision: 1,
								Status:   "completed",
								Terminal: true,
							},
						},
					)

					rec := loadProcess(tc.Context, dataStore, "<process>")
					gomega.Expect(rec.Revision).To(gomega.BeEquivalentTo(2))
					gomega.Expect(rec.Status).To(gomega.Equal("completed"))
					gomega.Expect(rec.Terminal).To(gomega.BeTrue())
				})

				ginkgo.It("does not update the record when an OCC conflict occurs", func() {
					op := persistence.SaveProcess{
						Process: persistence.ProcessRecord{
							ID:       "<process>",
							Revision: 0,
							Status:   "failed",
						},
					}

					_, err := dataStore.Persist(tc.Context, persistence.Batch{op})
					gomega.Expect(err).To(gomega.Equal(
						persistence.ConflictError{
							Cause: op,
						},
					))

					rec := loadProcess(tc.Context, dataStore, "<process>")
					gomega.Expect(rec.Status).To(gomega.Equal("running"))
				})
			})
		})

		ginkgo.Describe("func LoadActiveProcesses()", func() {
			ginkgo.It("returns the non-terminal processes sorted by ID", func() {
				persist(
					tc.Context,
					dataStore,
					persistence.SaveProcess{
						Process: persistence.ProcessRecord{ID: "<process-c>", Status: "running"},
					},
					persistence.SaveProcess{
						Process: persistence.ProcessRecord{ID: "<process-a>", Status: "paused"},
					},
					persistence.SaveProcess{
						Process: persistence.ProcessRecord{ID: "<process-b>", Status: "completed", Terminal: true},
					},
				)

				records, err := dataStore.LoadActiveProcesses(tc.Context)
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())
				gomega.Expect(records).To(gomega.Equal(
					[]persistence.ProcessRecord{
						{ID: "<process-a>", Revision: 1, Status: "paused"},
						{ID: "<process-c>", Revision: 1, Status: "running"},
					},
				))
			})
		})
	})
}
