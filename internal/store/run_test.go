package store_test

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/netbox-sync/netbox-sync/internal/config"
	"github.com/netbox-sync/netbox-sync/internal/store"
	"github.com/netbox-sync/netbox-sync/internal/store/model"
	"github.com/netbox-sync/netbox-sync/pkg/migrations"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"gorm.io/gorm"
)

func newTestStore() (store.Store, *gorm.DB) {
	cfg := &config.Config{Database: &config.DatabaseConfig{
		Type: config.DBTypeSQLite,
		Name: filepath.Join(GinkgoT().TempDir(), "history.db"),
	}}
	db, err := store.InitDB(cfg)
	Expect(err).To(BeNil())
	Expect(migrations.MigrateStore(db, config.DBTypeSQLite)).To(Succeed())
	return store.NewStore(db), db
}

func newRun(id string, started time.Time, status model.RunStatus) model.Run {
	return model.Run{
		ID:        id,
		Mode:      "batch",
		Cleanup:   true,
		Status:    status,
		StartedAt: started,
	}
}

var _ = Describe("run store", Ordered, func() {
	var (
		s      store.Store
		gormdb *gorm.DB
		base   = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	)

	BeforeAll(func() {
		s, gormdb = newTestStore()
	})

	AfterAll(func() {
		s.Close()
	})

	AfterEach(func() {
		gormdb.Exec("DELETE FROM runs;")
	})

	Context("create and get", func() {
		It("stores a run", func() {
			run, err := s.Run().Create(context.TODO(), newRun("run-1", base, model.RunStatusRunning))
			Expect(err).To(BeNil())
			Expect(run.ID).To(Equal("run-1"))

			got, err := s.Run().Get(context.TODO(), "run-1")
			Expect(err).To(BeNil())
			Expect(got.Mode).To(Equal("batch"))
			Expect(got.Cleanup).To(BeTrue())
			Expect(got.Status).To(Equal(model.RunStatusRunning))
			Expect(got.StartedAt.Equal(base)).To(BeTrue())
			Expect(got.FinishedAt).To(BeNil())
		})

		It("fails to get a missing run", func() {
			_, err := s.Run().Get(context.TODO(), "missing")
			Expect(err).To(MatchError(store.ErrRecordNotFound))
		})
	})

	Context("update", func() {
		It("records the result of a run", func() {
			run, err := s.Run().Create(context.TODO(), newRun("run-1", base, model.RunStatusRunning))
			Expect(err).To(BeNil())

			finished := base.Add(90 * time.Second)
			run.Status = model.RunStatusSucceeded
			run.FinishedAt = &finished
			run.Created = 2
			run.IPsReassigned = 1
			run.PrimaryIPsChanged = 3
			_, err = s.Run().Update(context.TODO(), *run)
			Expect(err).To(BeNil())

			got, err := s.Run().Get(context.TODO(), "run-1")
			Expect(err).To(BeNil())
			Expect(got.Status).To(Equal(model.RunStatusSucceeded))
			Expect(got.Created).To(Equal(2))
			Expect(got.IPsReassigned).To(Equal(1))
			Expect(got.PrimaryIPsChanged).To(Equal(3))
			Expect(got.Duration()).To(Equal(90 * time.Second))

			count := 0
			Expect(gormdb.Raw("SELECT primary_ips_changed FROM runs WHERE id = 'run-1';").Scan(&count).Error).To(BeNil())
			Expect(count).To(Equal(3))
		})

		It("fails to update a missing run", func() {
			_, err := s.Run().Update(context.TODO(), newRun("missing", base, model.RunStatusFailed))
			Expect(err).To(MatchError(store.ErrRecordNotFound))
		})
	})

	Context("list", func() {
		BeforeEach(func() {
			for i := 0; i < 5; i++ {
				status := model.RunStatusSucceeded
				if i%2 == 1 {
					status = model.RunStatusFailed
				}
				run := newRun(fmt.Sprintf("run-%d", i), base.Add(time.Duration(i)*time.Hour), status)
				if i == 4 {
					run.Mode = "standard"
				}
				_, err := s.Run().Create(context.TODO(), run)
				Expect(err).To(BeNil())
			}
		})

		It("returns the newest runs first", func() {
			runs, err := s.Run().List(context.TODO(), store.NewRunQueryFilter(), 0)
			Expect(err).To(BeNil())
			Expect(runs).To(HaveLen(5))
			Expect(runs[0].ID).To(Equal("run-4"))
			Expect(runs[4].ID).To(Equal("run-0"))
		})

		It("honors the limit", func() {
			runs, err := s.Run().List(context.TODO(), nil, 2)
			Expect(err).To(BeNil())
			Expect(runs).To(HaveLen(2))
			Expect(runs[1].ID).To(Equal("run-3"))
		})

		It("filters by status and mode", func() {
			runs, err := s.Run().List(context.TODO(), store.NewRunQueryFilter().ByStatus(model.RunStatusFailed), 0)
			Expect(err).To(BeNil())
			Expect(runs).To(HaveLen(2))

			runs, err = s.Run().List(context.TODO(), store.NewRunQueryFilter().ByMode("standard"), 0)
			Expect(err).To(BeNil())
			Expect(runs).To(HaveLen(1))
			Expect(runs[0].ID).To(Equal("run-4"))

			runs, err = s.Run().List(context.TODO(), store.NewRunQueryFilter().StartedAfter(base.Add(2*time.Hour)), 0)
			Expect(err).To(BeNil())
			Expect(runs).To(HaveLen(2))
		})

		It("computes statistics", func() {
			stats, err := s.Statistics(context.TODO())
			Expect(err).To(BeNil())
			Expect(stats.Total).To(Equal(5))
			Expect(stats.ByStatus[model.RunStatusSucceeded]).To(Equal(3))
			Expect(stats.ByStatus[model.RunStatusFailed]).To(Equal(2))
			Expect(stats.ByMode["batch"]).To(Equal(4))
		})

		It("prunes the oldest runs", func() {
			deleted, err := s.Run().Prune(context.TODO(), 3)
			Expect(err).To(BeNil())
			Expect(deleted).To(BeEquivalentTo(2))

			_, err = s.Run().Get(context.TODO(), "run-0")
			Expect(err).To(MatchError(store.ErrRecordNotFound))
			_, err = s.Run().Get(context.TODO(), "run-2")
			Expect(err).To(BeNil())

			deleted, err = s.Run().Prune(context.TODO(), 3)
			Expect(err).To(BeNil())
			Expect(deleted).To(BeZero())
		})
	})

	Context("transaction", func() {
		It("commits a run", func() {
			ctx, err := s.NewTransactionContext(context.TODO())
			Expect(err).To(BeNil())

			_, err = s.Run().Create(ctx, newRun("tx-1", base, model.RunStatusRunning))
			Expect(err).To(BeNil())

			_, err = store.Commit(ctx)
			Expect(err).To(BeNil())

			count := 0
			Expect(gormdb.Raw("SELECT COUNT(*) FROM runs;").Scan(&count).Error).To(BeNil())
			Expect(count).To(Equal(1))
		})

		It("rolls back a run", func() {
			ctx, err := s.NewTransactionContext(context.TODO())
			Expect(err).To(BeNil())

			_, err = s.Run().Create(ctx, newRun("tx-2", base, model.RunStatusRunning))
			Expect(err).To(BeNil())

			runs, err := s.Run().List(ctx, nil, 0)
			Expect(err).To(BeNil())
			Expect(runs).To(HaveLen(1))

			_, err = store.Rollback(ctx)
			Expect(err).To(BeNil())

			count := 0
			Expect(gormdb.Raw("SELECT COUNT(*) FROM runs;").Scan(&count).Error).To(BeNil())
			Expect(count).To(Equal(0))
		})
	})
})
