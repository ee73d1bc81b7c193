package providertest

import (
	"github.com/dogmatiq/orchestra/persistence"
	"github.com/onsi/ginkgo/v2"
	"github.com/onsi/gomega"
)

func declareProviderTests(tc *TestContext) {
	ginkgo.Describe("type Provider (interface)", func() {
		var provider persistence.Provider

		ginkgo.BeforeEach(func() {
			var close func()
			provider, close = tc.Out.NewProvider()
			if close != nil {
				ginkgo.DeferCleanup(close)
			}
		})

		ginkgo.Describe("func Open()", func() {
			ginkgo.It("returns different instances for different keys", func() {
				ds1, err := provider.Open(tc.Context, "<key-1>")
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())
				defer ds1.Close()

				ds2, err := provider.Open(tc.Context, "<key-2>")
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())
				defer ds2.Close()

				gomega.Expect(ds1).ToNot(gomega.BeIdenticalTo(ds2))
			})

			ginkgo.It("returns an error if the data-store is already open", func() {
				ds, err := provider.Open(tc.Context, DataStoreKey)
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())
				defer ds.Close()

				_, err = provider.Open(tc.Context, DataStoreKey)
				gomega.Expect(err).To(gomega.Equal(persistence.ErrDataStoreLocked))
			})

			ginkgo.It("allows the data-store to be re-opened after it is closed", func() {
				ds, err := provider.Open(tc.Context, DataStoreKey)
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())

				err = ds.Close()
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())

				ds, err = provider.Open(tc.Context, DataStoreKey)
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())
				ds.Close()
			})

			ginkgo.It("retains persisted data after the data-store is re-opened", func() {
				ds, err := provider.Open(tc.Context, DataStoreKey)
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())

				persist(
					tc.Context,
					ds,
					persistence.SaveProcess{
						Process: persistence.ProcessRecord{ID: "<process>"},
					},
				)

				err = ds.Close()
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())

				ds, err = provider.Open(tc.Context, DataStoreKey)
				gomega.Expect(err).ShouldNot(gomega.HaveOccurred())
				defer ds.Close()

				rec := loadProcess(tc.Context, ds, "<process>")
				gomega.Expect(rec.Revision).To(gomega.BeEquivalentTo(1))
			})

			ginkgo.When("the provider shares data across instances", func() {
				ginkgo.BeforeEach(func() {
					if !tc.Out.IsShared {
						ginkgo.Skip("provider does not share data across instances")
					}
				})

				ginkgo.It("returns an error if the data-store is already open by another provider", func() {
					other, close := tc.Out.NewProvider()
					if close != nil {
						defer close()
					}

					ds, err := provider.Open(tc.Context, DataStoreKey)
					gomega.Expect(err).ShouldNot(gomega.HaveOccurred())
					defer ds.Close()

					_, err = other.Open(tc.Context, DataStoreKey)
					gomega.Expect(err).To(gomega.Equal(persistence.ErrDataStoreLocked))
				})
			})
		})
	})
}
