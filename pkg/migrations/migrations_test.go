package migrations_test

import (
	"context"
	"path/filepath"

	"github.com/netbox-sync/netbox-sync/internal/config"
	"github.com/netbox-sync/netbox-sync/internal/store"
	"github.com/netbox-sync/netbox-sync/pkg/migrations"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"gorm.io/gorm"
)

var _ = Describe("migrations", Ordered, func() {
	var (
		s      store.Store
		gormdb *gorm.DB
	)

	BeforeAll(func() {
		cfg := &config.Config{Database: &config.DatabaseConfig{
			Type: config.DBTypeSQLite,
			Name: filepath.Join(GinkgoT().TempDir(), "history.db"),
		}}
		db, err := store.InitDB(cfg)
		Expect(err).To(BeNil())

		s = store.NewStore(db)
		gormdb = db
	})

	AfterAll(func() {
		s.Close()
	})

	tableExists := func(name string) bool {
		count := 0
		tx := gormdb.Raw("SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", name).Scan(&count)
		Expect(tx.Error).To(BeNil())
		return count == 1
	}

	It("fails on an unknown database type", func() {
		err := migrations.MigrateStore(gormdb, "mysql")
		Expect(err).NotTo(BeNil())
		Expect(tableExists("runs")).To(BeFalse())
	})

	It("creates the runs table", func() {
		Expect(migrations.MigrateStore(gormdb, config.DBTypeSQLite)).To(Succeed())
		Expect(tableExists("runs")).To(BeTrue())
		Expect(tableExists("goose_db_version")).To(BeTrue())
	})

	It("is idempotent", func() {
		Expect(migrations.MigrateStore(gormdb, config.DBTypeSQLite)).To(Succeed())

		runs, err := s.Run().List(context.TODO(), nil, 0)
		Expect(err).To(BeNil())
		Expect(runs).To(BeEmpty())
	})
})
