package scheduler_test

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/netbox-sync/netbox-sync/internal/scheduler"
	nbsync "github.com/netbox-sync/netbox-sync/internal/sync"
	"github.com/netbox-sync/netbox-sync/pkg/runid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type blockingRunner struct {
	calls   atomic.Int32
	release chan struct{}
	err     error
}

func newBlockingRunner() *blockingRunner {
	return &blockingRunner{release: make(chan struct{})}
}

func (r *blockingRunner) Run(ctx context.Context, opts nbsync.Options) (*nbsync.Result, error) {
	r.calls.Add(1)
	select {
	case <-r.release:
	case <-ctx.Done():
	}
	return &nbsync.Result{RunID: runid.FromContext(ctx), Mode: opts.Mode}, r.err
}

var _ = Describe("Scheduler", func() {
	var runner *blockingRunner

	BeforeEach(func() {
		runner = newBlockingRunner()
	})

	It("refuses to start a second run while one is in progress", func() {
		s := scheduler.New(runner, nbsync.Options{}, time.Hour, 0)

		id, err := s.TryRun(context.TODO(), nbsync.Options{Mode: nbsync.ModeStandard})
		Expect(err).NotTo(HaveOccurred())
		Expect(id).NotTo(BeEmpty())
		Eventually(runner.calls.Load).Should(BeEquivalentTo(1))
		Expect(s.Running()).To(BeTrue())

		_, err = s.TryRun(context.TODO(), nbsync.Options{})
		Expect(err).To(MatchError(scheduler.ErrBusy))

		close(runner.release)
		s.Wait()
		Expect(s.Running()).To(BeFalse())

		result, err := s.Last()
		Expect(err).NotTo(HaveOccurred())
		Expect(result.RunID).To(Equal(id))
		Expect(result.Mode).To(Equal(nbsync.ModeStandard))
	})

	It("keeps the run id from the request context", func() {
		close(runner.release)
		s := scheduler.New(runner, nbsync.Options{}, time.Hour, 0)

		id, err := s.TryRun(runid.ToContext(context.TODO(), "req-1"), nbsync.Options{})
		Expect(err).NotTo(HaveOccurred())
		Expect(id).To(Equal("req-1"))
		s.Wait()

		result, _ := s.Last()
		Expect(result.RunID).To(Equal("req-1"))
	})

	It("records the error of a failed run", func() {
		close(runner.release)
		runner.err = errors.New("fetch failed")
		s := scheduler.New(runner, nbsync.Options{}, time.Hour, 0)

		_, err := s.TryRun(context.TODO(), nbsync.Options{})
		Expect(err).NotTo(HaveOccurred())
		s.Wait()

		_, err = s.Last()
		Expect(err).To(MatchError("fetch failed"))
	})

	It("runs immediately on start and stops with the context", func() {
		close(runner.release)
		s := scheduler.New(runner, nbsync.Options{}, 20*time.Millisecond, 0)

		ctx, cancel := context.WithCancel(context.TODO())
		done := make(chan error, 1)
		go func() { done <- s.Start(ctx) }()

		Eventually(runner.calls.Load).Should(BeNumerically(">=", 2))
		cancel()
		Eventually(done).Should(Receive(BeNil()))
	})

	It("cancels the run in flight on shutdown", func() {
		s := scheduler.New(runner, nbsync.Options{}, time.Hour, 0)

		ctx, cancel := context.WithCancel(context.TODO())
		done := make(chan error, 1)
		go func() { done <- s.Start(ctx) }()

		Eventually(runner.calls.Load).Should(BeEquivalentTo(1))
		cancel()
		Eventually(done).Should(Receive(BeNil()))
		Expect(s.Running()).To(BeFalse())
	})
})
