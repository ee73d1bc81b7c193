package providertest

import (
	"github.com/dogmatiq/orchestra/persistence"
	"github.com/onsi/ginkgo/v2"
	"github.com/onsi/gomega"
)

// declareEventOperationTests declares a functional test-suite for persistence
// operations related to process event histories.
func declareEventOperationTests(tc *TestContext) {
	ginkgo.Context("event operations", func() {
		var dataStore persistence.DataStore

		ginkgo.BeforeEach(func() {
			var tearDown func()
			dataStore, tearDown = tc.SetupDataStore()
			ginkgo.DeferCleanup(tearDown)
		})

		ginkgo.Describe("type persistence.AppendEvents", func() {
			ginkgo.It("appends events at sequential offsets", func() {
				res := persist(
					tc.Context,
					dataStore,
					persistence.AppendEvents{
						ProcessID: "<process>",
						Events: []persistence.Event{
							{Type: "<type-a>", Data: []byte("<data-a>")},
							{Type: "<type-b>", Data: []byte("<data-b>")},
						},
					},
				)
				gomega.Expect(res.NextEventOffsets).To(gomega.Equal(
					map[string]uint64{"<process>": 2},
				))

				res = persist(
					tc.Context,
					dataStore,
					persistence.AppendEvents{
						ProcessID:  "<process>",
						NextOffset: 2,
						Events: []persistence.Event{
							{Type: "<type-c>", Data: []byte("<data-c>")},
						},
					},
				)
				gomega.Expect(res.NextEventOffsets).To(gomega.Equal(
					map[string]uint64{"<process>": 3},
				))

				events := loadEvents(tc.Context, dataStore, "<process>", 0)
				gomega.Expect(summarize(events)).To(gomega.Equal(
					[]persistence.Event{
						{ProcessID: "<process>", Offset: 0, Type: "<type-a>", Data: []byte("<data-a>")},
						{ProcessID: "<process>", Offset: 1, Type: "<type-b>", Data: []byte("<data-b>")},
						{ProcessID: "<process>", Offset: 2, Type: "<type-c>", Data: []byte("<data-c>")},
					},
				))

				for _, ev := range events {
					gomega.Expect(ev.RecordedAt).NotTo(gomega.BeZero())
				}
			})

			ginkgo.It("keeps the histories of different processes separate", func() {
				persist(
					tc.Context,
					dataStore,
					persistence.AppendEvents{
						ProcessID: "<process-1>",
						Events:    []persistence.Event{{Type: "<type-1>"}},
					},
					persistence.AppendEvents{
						ProcessID: "<process-2>",
						Events:    []persistence.Event{{Type: "<type-2>"}},
					},
				)

				events := loadEvents(tc.Context, dataStore, "<process-2>", 0)
				gomega.Expect(events).To(gomega.HaveLen(1))
				gomega.Expect(events[0].Type).To(gomega.Equal("<type-2>"))
				gomega.Expect(events[0].Offset).To(gomega.BeZero())
			})

			ginkgo.It("does not append the events when an OCC conflict occurs", func() {
				persist(
					tc.Context,
					dataStore,
					persistence.AppendEvents{
						ProcessID: "<process>",
						Events:    []persistence.Event{{Type: "<type-a>"}},
					},
				)

				op := persistence.AppendEvents{
					ProcessID: "<process>",
					Events:    []persistence.Event{{Type: "<type-b>"}},
				}

				_, err := dataStore.Persist(tc.Context, persistence.Batch{op})
				gomega.Expect(err).To(gomega.Equal(
					persistence.ConflictError{
						Cause: op,
					},
				))

				events := loadEvents(tc.Context, dataStore, "<process>", 0)
				gomega.Expect(events).To(gomega.HaveLen(1))
			})
		})

		ginkgo.Describe("func LoadEvents()", func() {
			ginkgo.It("returns no events for an unknown process", func() {
				events := loadEvents(tc.Context, dataStore, "<unknown>", 0)
				gomega.Expect(events).To(gomega.BeEmpty())
			})

			ginkgo.It("returns only the events at or after the given offset", func() {
				persist(
					tc.Context,
					dataStore,
					persistence.AppendEvents{
						ProcessID: "<process>",
						Events: []persistence.Event{
							{Type: "<type-a>"},
							{Type: "<type-b>"},
							{Type: "<type-c>"},
						},
					},
				)

				events := loadEvents(tc.Context, dataStore, "<process>", 1)
				gomega.Expect(events).To(gomega.HaveLen(2))
				gomega.Expect(events[0].Type).To(gomega.Equal("<type-b>"))
				gomega.Expect(events[1].Type).To(gomega.Equal("<type-c>"))

				events = loadEvents(tc.Context, dataStore, "<process>", 3)
				gomega.Expect(events).To(gomega.BeEmpty())
			})
		})
	})
}
