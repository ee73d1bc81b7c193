//go:build cgo

package sqlite_test

import (
	"context"
	"database/sql"
	"time"

	"github.com/dogmatiq/orchestra/internal/testing/sqltest"
	"github.com/dogmatiq/orchestra/persistence"
	"github.com/dogmatiq/orchestra/persistence/internal/providertest"
	"github.com/dogmatiq/orchestra/persistence/sqlpersistence"
	. "github.com/dogmatiq/orchestra/persistence/sqlpersistence/sqlite"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("type driver", func() {
	var (
		database *sqltest.SQLite
		db       *sql.DB
	)

	providertest.Declare(
		func(ctx context.Context) providertest.Out {
			var err error
			database, err = sqltest.NewSQLite()
			Expect(err).ShouldNot(HaveOccurred())

			db, err = database.Open()
			Expect(err).ShouldNot(HaveOccurred())

			err = Driver.CreateSchema(ctx, db)
			Expect(err).ShouldNot(HaveOccurred())

			return providertest.Out{
				NewProvider: func() (persistence.Provider, func()) {
					return &sqlpersistence.Provider{
						DB:     db,
						Driver: Driver,
					}, nil
				},
				IsShared: true,
			}
		},
		func() {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()

			err := Driver.DropSchema(ctx, db)
			Expect(err).ShouldNot(HaveOccurred())

			err = db.Close()
			Expect(err).ShouldNot(HaveOccurred())

			err = database.Close()
			Expect(err).ShouldNot(HaveOccurred())
		},
	)

	Describe("func IsCompatibleWith()", func() {
		It("returns an error for a non-SQLite database", func() {
			err := Driver.IsCompatibleWith(context.Background(), sqltest.MockDB())
			Expect(err).Should(HaveOccurred())
		})
	})
})
