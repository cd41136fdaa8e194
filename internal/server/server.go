package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/netbox-sync/netbox-sync/internal/store"
	nbsync "github.com/netbox-sync/netbox-sync/internal/sync"
	"github.com/netbox-sync/netbox-sync/pkg/metrics"
	"github.com/netbox-sync/netbox-sync/pkg/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	gracefulShutdownTimeout = 5 * time.Second
)

// Trigger starts sync cycles on demand and reports on them.
type Trigger interface {
	TryRun(ctx context.Context, opts nbsync.Options) (string, error)
	Running() bool
	Last() (*nbsync.Result, error)
}

type Server struct {
	listener   net.Listener
	trigger    Trigger
	store      store.Store
	defaults   nbsync.Options
	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer
}

// New returns the HTTP server of the service. A nil store disables the
// history endpoints.
func New(listener net.Listener, trigger Trigger, s store.Store, defaults nbsync.Options) *Server {
	return &Server{
		listener:   listener,
		trigger:    trigger,
		store:      s,
		defaults:   defaults,
		registerer: prometheus.DefaultRegisterer,
		gatherer:   prometheus.DefaultGatherer,
	}
}

// WithRegistry exposes and registers metrics on reg instead of the process
// wide default registry.
func (s *Server) WithRegistry(reg *prometheus.Registry) *Server {
	s.registerer = reg
	s.gatherer = reg
	return s
}

// Router builds the routes and registers the server's collectors.
func (s *Server) Router() (http.Handler, error) {
	metricMiddleware, err := metrics.NewMiddleware("netbox_sync")
	if err != nil {
		return nil, err
	}
	if err := metricMiddleware.Register(s.registerer); err != nil {
		return nil, err
	}
	if s.store != nil {
		if err := s.registerer.Register(metrics.NewHistoryCollector(s.store)); err != nil {
			return nil, err
		}
	}

	router := chi.NewRouter()
	router.Use(
		metricMiddleware.Handler,
		chiMiddleware.RequestID,
		middleware.Logger("/healthz", "/metrics"),
		chiMiddleware.Recoverer,
	)

	router.Get("/healthz", s.health)
	router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	router.Route("/api/v1", func(r chi.Router) {
		r.Get("/version", s.version)
		r.Get("/status", s.status)
		r.Get("/runs", s.listRuns)
		r.Post("/runs", s.createRun)
		r.Get("/runs/{id}", s.getRun)
	})
	return router, nil
}

func (s *Server) Run(ctx context.Context) error {
	log := zap.S().Named("server")

	router, err := s.Router()
	if err != nil {
		return err
	}
	srv := http.Server{Handler: router, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		log.Infof("Shutdown signal received: %s", ctx.Err())
		ctxTimeout, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
		defer cancel()

		srv.SetKeepAlivesEnabled(false)
		_ = srv.Shutdown(ctxTimeout)
		log.Info("server terminated")
	}()

	log.Infof("Listening on %s...", s.listener.Addr().String())
	if err := srv.Serve(s.listener); err != nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
