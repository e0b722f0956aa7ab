package base

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrShutdownTimeout is returned when graceful shutdown times out
var ErrShutdownTimeout = errors.New("shutdown timeout exceeded")

// LifecycleManager owns the observer's goroutines: the kernel reader, the
// fallback poller and anything else started through it.
type LifecycleManager struct {
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
	logger   *zap.Logger

	running atomic.Int32
}

// NewLifecycleManager creates a lifecycle manager whose context is derived
// from ctx.
func NewLifecycleManager(ctx context.Context, logger *zap.Logger) *LifecycleManager {
	if ctx == nil {
		ctx = context.Background()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(ctx)
	return &LifecycleManager{
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
}

// Start runs fn on its own goroutine. fn must return once ctx is done.
func (lm *LifecycleManager) Start(name string, fn func(ctx context.Context)) {
	lm.wg.Add(1)
	lm.running.Add(1)

	go func() {
		defer lm.wg.Done()
		defer lm.running.Add(-1)

		lm.logger.Debug("Starting goroutine", zap.String("name", name))
		defer lm.logger.Debug("Goroutine stopped", zap.String("name", name))

		fn(lm.ctx)
	}()
}

// Stop cancels the context and waits up to timeout for goroutines to exit.
// Calling Stop more than once only waits again.
func (lm *LifecycleManager) Stop(timeout time.Duration) error {
	lm.stopOnce.Do(func() {
		lm.logger.Debug("Initiating graceful shutdown",
			zap.Int32("running_goroutines", lm.running.Load()),
			zap.Duration("timeout", timeout))
		lm.cancel()
	})

	done := make(chan struct{})
	go func() {
		lm.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		lm.logger.Warn("Shutdown timeout exceeded",
			zap.Int32("still_running", lm.running.Load()))
		return ErrShutdownTimeout
	}
}

// Running returns the number of running goroutines
func (lm *LifecycleManager) Running() int32 {
	return lm.running.Load()
}
