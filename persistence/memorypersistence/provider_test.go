package memorypersistence_test

import (
	"context"

	"github.com/dogmatiq/orchestra/persistence"
	"github.com/dogmatiq/orchestra/persistence/internal/providertest"
	. "github.com/dogmatiq/orchestra/persistence/memorypersistence"
	. "github.com/onsi/ginkgo/v2"
)

var _ = Describe("type Provider", func() {
	providertest.Declare(
		func(ctx context.Context) providertest.Out {
			return providertest.Out{
				NewProvider: func() (persistence.Provider, func()) {
					return &Provider{}, nil
				},
			}
		},
		nil,
	)
})
