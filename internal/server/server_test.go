package server_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"time"

	"github.com/netbox-sync/netbox-sync/internal/config"
	"github.com/netbox-sync/netbox-sync/internal/scheduler"
	"github.com/netbox-sync/netbox-sync/internal/server"
	"github.com/netbox-sync/netbox-sync/internal/store"
	"github.com/netbox-sync/netbox-sync/internal/store/model"
	nbsync "github.com/netbox-sync/netbox-sync/internal/sync"
	"github.com/netbox-sync/netbox-sync/pkg/migrations"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
)

type stubTrigger struct {
	busy    bool
	running bool
	got     *nbsync.Options
	last    *nbsync.Result
	lastErr error
}

func (t *stubTrigger) TryRun(ctx context.Context, opts nbsync.Options) (string, error) {
	if t.busy {
		return "", scheduler.ErrBusy
	}
	t.got = &opts
	return "run-1", nil
}

func (t *stubTrigger) Running() bool {
	return t.running
}

func (t *stubTrigger) Last() (*nbsync.Result, error) {
	return t.last, t.lastErr
}

func newHistory() store.Store {
	cfg := &config.Config{Database: &config.DatabaseConfig{
		Type: config.DBTypeSQLite,
		Name: filepath.Join(GinkgoT().TempDir(), "history.db"),
	}}
	db, err := store.InitDB(cfg)
	Expect(err).NotTo(HaveOccurred())
	Expect(migrations.MigrateStore(db, config.DBTypeSQLite)).To(Succeed())
	s := store.NewStore(db)
	DeferCleanup(s.Close)
	return s
}

func do(h http.Handler, method, target string) (*http.Response, map[string]any) {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	resp := rec.Result()
	body := map[string]any{}
	raw, _ := io.ReadAll(resp.Body)
	if len(raw) > 0 && raw[0] == '{' {
		Expect(json.Unmarshal(raw, &body)).To(Succeed())
	}
	return resp, body
}

var _ = Describe("Server", func() {
	var (
		trigger  *stubTrigger
		history  store.Store
		defaults nbsync.Options
	)

	router := func(s store.Store) http.Handler {
		h, err := server.New(nil, trigger, s, defaults).WithRegistry(prometheus.NewRegistry()).Router()
		Expect(err).NotTo(HaveOccurred())
		return h
	}

	BeforeEach(func() {
		trigger = &stubTrigger{}
		defaults = nbsync.Options{Cleanup: true, Mode: nbsync.ModeBatch}
		history = newHistory()
	})

	It("reports health", func() {
		trigger.running = true
		resp, body := do(router(nil), http.MethodGet, "/healthz")
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		Expect(body).To(HaveKeyWithValue("status", "ok"))
		Expect(body).To(HaveKeyWithValue("running", true))
	})

	It("exposes metrics", func() {
		h := router(history)
		do(h, http.MethodGet, "/healthz")

		resp, _ := do(h, http.MethodGet, "/metrics")
		Expect(resp.StatusCode).To(Equal(http.StatusOK))

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		Expect(rec.Body.String()).To(ContainSubstring("http_requests_total"))
		Expect(rec.Body.String()).To(ContainSubstring("netbox_sync_history_runs"))
	})

	It("accepts a run with the service defaults", func() {
		resp, body := do(router(nil), http.MethodPost, "/api/v1/runs")
		Expect(resp.StatusCode).To(Equal(http.StatusAccepted))
		Expect(body).To(HaveKeyWithValue("run_id", "run-1"))
		Expect(*trigger.got).To(Equal(defaults))
	})

	It("applies per run overrides", func() {
		resp, _ := do(router(nil), http.MethodPost, "/api/v1/runs?dry_run=true&cleanup=false&mode=standard")
		Expect(resp.StatusCode).To(Equal(http.StatusAccepted))
		Expect(*trigger.got).To(Equal(nbsync.Options{DryRun: true, Cleanup: false, Mode: nbsync.ModeStandard}))
	})

	It("rejects bad overrides", func() {
		resp, _ := do(router(nil), http.MethodPost, "/api/v1/runs?mode=turbo")
		Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		Expect(trigger.got).To(BeNil())
	})

	It("answers 409 while a run is in progress", func() {
		trigger.busy = true
		resp, body := do(router(nil), http.MethodPost, "/api/v1/runs")
		Expect(resp.StatusCode).To(Equal(http.StatusConflict))
		Expect(body["message"]).To(Equal(scheduler.ErrBusy.Error()))
	})

	It("reports the last run", func() {
		trigger.last = &nbsync.Result{RunID: "r9", Mode: nbsync.ModeBatch}
		trigger.lastErr = errors.New("fetch failed")

		resp, body := do(router(nil), http.MethodGet, "/api/v1/status")
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		Expect(body).To(HaveKeyWithValue("error", "fetch failed"))
		Expect(body["last"]).To(HaveKeyWithValue("run_id", "r9"))
	})

	It("reports the version", func() {
		resp, body := do(router(nil), http.MethodGet, "/api/v1/version")
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		Expect(body).To(HaveKey("gitVersion"))
	})

	Context("run history", func() {
		BeforeEach(func() {
			base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
			for i, status := range []model.RunStatus{model.RunStatusSucceeded, model.RunStatusFailed, model.RunStatusSucceeded} {
				finished := base.Add(time.Duration(i)*time.Hour + time.Minute)
				_, err := history.Run().Create(context.TODO(), model.Run{
					ID:         "run-" + string(rune('a'+i)),
					Mode:       "batch",
					Status:     status,
					StartedAt:  base.Add(time.Duration(i) * time.Hour),
					FinishedAt: &finished,
				})
				Expect(err).NotTo(HaveOccurred())
			}
		})

		It("lists runs newest first", func() {
			resp, body := do(router(history), http.MethodGet, "/api/v1/runs?limit=2")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			runs := body["runs"].([]any)
			Expect(runs).To(HaveLen(2))
			Expect(runs[0]).To(HaveKeyWithValue("id", "run-c"))
			Expect(runs[0]).To(HaveKeyWithValue("duration_seconds", BeNumerically("==", 60)))
		})

		It("filters by status", func() {
			_, body := do(router(history), http.MethodGet, "/api/v1/runs?status=failed")
			runs := body["runs"].([]any)
			Expect(runs).To(HaveLen(1))
			Expect(runs[0]).To(HaveKeyWithValue("id", "run-b"))
		})

		It("rejects a bad limit", func() {
			resp, _ := do(router(history), http.MethodGet, "/api/v1/runs?limit=zero")
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("gets a single run", func() {
			resp, body := do(router(history), http.MethodGet, "/api/v1/runs/run-a")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(body).To(HaveKeyWithValue("status", "succeeded"))

			resp, _ = do(router(history), http.MethodGet, "/api/v1/runs/missing")
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})

		It("is unavailable without a store", func() {
			resp, _ := do(router(nil), http.MethodGet, "/api/v1/runs")
			Expect(resp.StatusCode).To(Equal(http.StatusServiceUnavailable))
		})
	})

	It("serves until the context is cancelled", func() {
		listener, err := net.Listen("tcp", "127.0.0.1:0")
		Expect(err).NotTo(HaveOccurred())

		ctx, cancel := context.WithCancel(context.TODO())
		srv := server.New(listener, trigger, nil, defaults).WithRegistry(prometheus.NewRegistry())
		done := make(chan error, 1)
		go func() { done <- srv.Run(ctx) }()

		Eventually(func() int {
			resp, err := http.Get("http://" + listener.Addr().String() + "/healthz")
			if err != nil {
				return 0
			}
			defer resp.Body.Close()
			return resp.StatusCode
		}).Should(Equal(http.StatusOK))

		cancel()
		Eventually(done).Should(Receive(BeNil()))
	})
})
