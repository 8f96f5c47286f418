package service

import (
	"context"
	stderrors "errors"
	"sync"

	"github.com/gaoqiangz/svn-commit-wt/internal/commit"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// ErrClosed is returned by Submit after Shutdown.
var ErrClosed = stderrors.New("dispatcher is shut down")

type Deliverer interface {
	Deliver(ctx context.Context, target *commit.Target) error
}

// Dispatcher delivers targets in the background, each as an independent
// task, with at most workers deliveries in flight. No ordering between
// targets is kept.
type Dispatcher struct {
	deliverer Deliverer
	sem       *semaphore.Weighted
	logger    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewDispatcher(deliverer Deliverer, workers int, logger *zap.Logger) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		deliverer: deliverer,
		sem:       semaphore.NewWeighted(int64(workers)),
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Submit schedules target for delivery and returns immediately.
func (d *Dispatcher) Submit(target *commit.Target) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.sem.Acquire(d.ctx, 1); err != nil {
			d.logger.Warn("delivery abandoned", zap.String("id", target.ID()), zap.Error(err))
			return
		}
		defer d.sem.Release(1)

		// Deliver records and logs its own failures.
		_ = d.deliverer.Deliver(d.ctx, target)
	}()
	return nil
}

// Wait blocks until every submitted delivery finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Shutdown stops accepting targets and waits for in-flight deliveries. If
// ctx ends first the remaining deliveries are canceled.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}
