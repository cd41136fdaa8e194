// Package scheduler repeats sync cycles on a jittered interval and makes
// sure two cycles never overlap.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lthibault/jitterbug/v2"
	nbsync "github.com/netbox-sync/netbox-sync/internal/sync"
	"github.com/netbox-sync/netbox-sync/pkg/runid"
	"go.uber.org/zap"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
)

// ErrBusy is returned when a cycle is requested while another one runs.
var ErrBusy = errors.New("a sync run is already in progress")

type Runner interface {
	Run(ctx context.Context, opts nbsync.Options) (*nbsync.Result, error)
}

type Scheduler struct {
	runner   Runner
	opts     nbsync.Options
	interval time.Duration
	jitter   time.Duration
	log      *zap.SugaredLogger

	running atomic.Bool
	wg      sync.WaitGroup

	mu      sync.Mutex
	base    context.Context
	last    *nbsync.Result
	lastErr error
}

// New creates a scheduler running cycles with opts every interval, each
// tick shifted by a normally distributed offset with jitter as deviation.
func New(runner Runner, opts nbsync.Options, interval, jitter time.Duration) *Scheduler {
	return &Scheduler{
		runner:   runner,
		opts:     opts,
		interval: interval,
		jitter:   jitter,
		log:      zap.S().Named("scheduler"),
		base:     context.Background(),
	}
}

// Start runs one cycle right away and then one per tick until ctx is done.
// It returns after the cycle in flight, if any, has finished.
func (s *Scheduler) Start(ctx context.Context) error {
	defer utilruntime.HandleCrash()

	s.mu.Lock()
	s.base = ctx
	s.mu.Unlock()

	s.log.Infof("scheduling sync every %s (jitter %s)", s.interval, s.jitter)
	ticker := jitterbug.New(s.interval, &jitterbug.Norm{Stdev: s.jitter, Mean: 0})
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("stopping scheduler")
			s.wg.Wait()
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if _, err := s.TryRun(ctx, s.opts); errors.Is(err, ErrBusy) {
		s.log.Warn("previous sync still running, skipping this tick")
	}
}

// TryRun starts a cycle in the background and returns its run id, or
// ErrBusy when a cycle is already in progress. The cycle outlives ctx;
// it stops only with the context Start was given.
func (s *Scheduler) TryRun(ctx context.Context, opts nbsync.Options) (string, error) {
	if !s.running.CompareAndSwap(false, true) {
		return "", ErrBusy
	}

	id := runid.FromContext(ctx)
	if id == "" {
		id = runid.Generate()
	}

	s.mu.Lock()
	base := s.base
	s.mu.Unlock()
	runCtx := runid.ToContext(base, id)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.running.Store(false)
		defer utilruntime.HandleCrash()

		result, err := s.runner.Run(runCtx, opts)
		s.mu.Lock()
		s.last, s.lastErr = result, err
		s.mu.Unlock()
	}()
	return id, nil
}

func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// Last returns the outcome of the most recent finished cycle.
func (s *Scheduler) Last() (*nbsync.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.lastErr
}

// Wait blocks until the cycle in flight, if any, has finished.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}
