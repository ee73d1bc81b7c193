package providertest

import (
	"github.com/dogmatiq/orchestra/persistence"
	"github.com/onsi/ginkgo/v2"
	"github.com/onsi/gomega"
)

func declareDataStoreTests(tc *TestContext) {
	ginkgo.Describe("type DataStore (interface)", func() {
		var dataStore persistence.DataStore

		ginkgo.BeforeEach(func() {
			var tearDown func()
			dataStore, tearDown = tc.SetupDataStore()
			ginkgo.DeferCleanup(tearDown)
		})

		ginkgo.Describe("func Close()", func() {
			ginkgo.It("returns an error if the data-store is already closed", func() {
				err := dataStore.Close()
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())

				err = dataStore.Close()
				gomega.Expect(err).To(gomega.Equal(persistence.ErrDataStoreClosed))
			})

			ginkgo.It("prevents operations from being persisted", func() {
				err := dataStore.Close()
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())

				_, err = dataStore.Persist(
					tc.Context,
					persistence.Batch{
						persistence.SaveProcess{
							Process: persistence.ProcessRecord{ID: "<process>"},
						},
					},
				)
				gomega.Expect(err).To(gomega.Equal(persistence.ErrDataStoreClosed))
			})
		})

		ginkgo.Describe("func Persist()", func() {
			ginkgo.It("does not apply any operation in a batch that contains a conflict", func() {
				ok := persistence.SaveProcess{
					Process: persistence.ProcessRecord{ID: "<process>"},
				}
				conflict := persistence.AppendEvents{
					ProcessID:  "<process>",
					NextOffset: 5,
					Events: []persistence.Event{
						{Type: "<type>", Data: []byte("<data>")},
					},
				}

				_, err := dataStore.Persist(
					tc.Context,
					persistence.Batch{ok, conflict},
				)
				gomega.Expect(err).To(gomega.Equal(
					persistence.ConflictError{
						Cause: conflict,
					},
				))

				rec := loadProcess(tc.Context, dataStore, "<process>")
				gomega.Expect(rec.Revision).To(gomega.BeZero())
			})

			ginkgo.It("panics if the batch contains multiple operations on the same entity", func() {
				gomega.Expect(func() {
					dataStore.Persist(
						tc.Context,
						persistence.Batch{
							persistence.SaveProcess{
								Process: persistence.ProcessRecord{ID: "<process>"},
							},
							persistence.SaveProcess{
								Process: persistence.ProcessRecord{ID: "<process>"},
							},
						},
					)
				}).To(gomega.PanicWith(
					"batch contains multiple operations for the same entity (process <process>)",
				))
			})
		})
	})
}
