package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/netbox-sync/netbox-sync/internal/scheduler"
	"github.com/netbox-sync/netbox-sync/internal/store"
	"github.com/netbox-sync/netbox-sync/internal/store/model"
	nbsync "github.com/netbox-sync/netbox-sync/internal/sync"
	"github.com/netbox-sync/netbox-sync/pkg/version"
	"go.uber.org/zap"
)

const (
	defaultRunsLimit = 20
	maxRunsLimit     = 500
)

type HealthReply struct {
	Status  string `json:"status"`
	Running bool   `json:"running"`
}

type VersionReply struct {
	version.Info
}

type StatusReply struct {
	Running bool           `json:"running"`
	Last    *nbsync.Result `json:"last,omitempty"`
	Error   string         `json:"error,omitempty"`
}

type RunReply struct {
	model.Run
	DurationSeconds float64 `json:"duration_seconds"`
}

type RunListReply struct {
	Runs []RunReply `json:"runs"`
}

type AcceptedReply struct {
	RunID string `json:"run_id"`
}

type ErrorReply struct {
	HTTPStatusCode int    `json:"-"`
	Message        string `json:"message"`
}

func (h HealthReply) Render(w http.ResponseWriter, r *http.Request) error {
	return nil
}

func (v VersionReply) Render(w http.ResponseWriter, r *http.Request) error {
	return nil
}

func (s StatusReply) Render(w http.ResponseWriter, r *http.Request) error {
	return nil
}

func (l RunListReply) Render(w http.ResponseWriter, r *http.Request) error {
	return nil
}

func (rr RunReply) Render(w http.ResponseWriter, r *http.Request) error {
	return nil
}

func (a AcceptedReply) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, http.StatusAccepted)
	return nil
}

func (e ErrorReply) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.HTTPStatusCode)
	return nil
}

func newRunReply(run model.Run) RunReply {
	return RunReply{Run: run, DurationSeconds: run.Duration().Seconds()}
}

func errorReply(status int, message string) ErrorReply {
	return ErrorReply{HTTPStatusCode: status, Message: message}
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	_ = render.Render(w, r, HealthReply{Status: "ok", Running: s.trigger.Running()})
}

func (s *Server) version(w http.ResponseWriter, r *http.Request) {
	_ = render.Render(w, r, VersionReply{Info: version.Get()})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	reply := StatusReply{Running: s.trigger.Running()}
	last, err := s.trigger.Last()
	reply.Last = last
	if err != nil {
		reply.Error = err.Error()
	}
	_ = render.Render(w, r, reply)
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		_ = render.Render(w, r, errorReply(http.StatusServiceUnavailable, "run history is disabled"))
		return
	}

	limit := defaultRunsLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			_ = render.Render(w, r, errorReply(http.StatusBadRequest, "limit must be a positive integer"))
			return
		}
		limit = min(n, maxRunsLimit)
	}

	filter := store.NewRunQueryFilter()
	if status := r.URL.Query().Get("status"); status != "" {
		filter = filter.ByStatus(model.RunStatus(status))
	}
	if mode := r.URL.Query().Get("mode"); mode != "" {
		filter = filter.ByMode(mode)
	}
	if since := r.URL.Query().Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			_ = render.Render(w, r, errorReply(http.StatusBadRequest, "since must be an RFC 3339 timestamp"))
			return
		}
		filter = filter.StartedAfter(t)
	}

	runs, err := s.store.Run().List(r.Context(), filter, limit)
	if err != nil {
		zap.S().Named("server").Errorw("failed to list runs", "error", err)
		_ = render.Render(w, r, errorReply(http.StatusInternalServerError, "failed to list runs"))
		return
	}

	reply := RunListReply{Runs: make([]RunReply, 0, len(runs))}
	for _, run := range runs {
		reply.Runs = append(reply.Runs, newRunReply(run))
	}
	_ = render.Render(w, r, reply)
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		_ = render.Render(w, r, errorReply(http.StatusServiceUnavailable, "run history is disabled"))
		return
	}

	id := chi.URLParam(r, "id")
	run, err := s.store.Run().Get(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrRecordNotFound):
		_ = render.Render(w, r, errorReply(http.StatusNotFound, "run "+id+" not found"))
	case err != nil:
		zap.S().Named("server").Errorw("failed to get run", "id", id, "error", err)
		_ = render.Render(w, r, errorReply(http.StatusInternalServerError, "failed to get run"))
	default:
		_ = render.Render(w, r, newRunReply(*run))
	}
}

// createRun starts a cycle with the service defaults. The dry_run, cleanup
// and mode query parameters override them for this cycle only.
func (s *Server) createRun(w http.ResponseWriter, r *http.Request) {
	opts := s.defaults
	q := r.URL.Query()

	if v := q.Get("dry_run"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			_ = render.Render(w, r, errorReply(http.StatusBadRequest, "dry_run must be a boolean"))
			return
		}
		opts.DryRun = b
	}
	if v := q.Get("cleanup"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			_ = render.Render(w, r, errorReply(http.StatusBadRequest, "cleanup must be a boolean"))
			return
		}
		opts.Cleanup = b
	}
	switch mode := nbsync.Mode(q.Get("mode")); mode {
	case "":
	case nbsync.ModeBatch, nbsync.ModeStandard:
		opts.Mode = mode
	default:
		_ = render.Render(w, r, errorReply(http.StatusBadRequest, "mode must be batch or standard"))
		return
	}

	id, err := s.trigger.TryRun(r.Context(), opts)
	if errors.Is(err, scheduler.ErrBusy) {
		_ = render.Render(w, r, errorReply(http.StatusConflict, err.Error()))
		return
	}
	if err != nil {
		_ = render.Render(w, r, errorReply(http.StatusInternalServerError, err.Error()))
		return
	}
	_ = render.Render(w, r, AcceptedReply{RunID: id})
}
