package observability

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ShutdownFunc is a function to call during shutdown
type ShutdownFunc func(context.Context) error

type namedShutdown struct {
	name string
	fn   ShutdownFunc
}

// ShutdownManager releases process resources once the servers have stopped
type ShutdownManager struct {
	logger          logrus.FieldLogger
	shutdownFuncs   []namedShutdown
	shutdownTimeout time.Duration
	mu              sync.Mutex
}

// NewShutdownManager creates a new shutdown manager
func NewShutdownManager(logger logrus.FieldLogger, timeout time.Duration) *ShutdownManager {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &ShutdownManager{
		logger:          logger,
		shutdownTimeout: timeout,
	}
}

// Register adds a function to call during shutdown. Functions run in
// reverse registration order, so dependencies registered first close last.
func (sm *ShutdownManager) Register(name string, fn ShutdownFunc) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.shutdownFuncs = append(sm.shutdownFuncs, namedShutdown{name: name, fn: fn})
}

// Shutdown runs every registered function within the shutdown timeout. All
// functions run even if one fails.
func (sm *ShutdownManager) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, sm.shutdownTimeout)
	defer cancel()

	sm.mu.Lock()
	funcs := make([]namedShutdown, len(sm.shutdownFuncs))
	copy(funcs, sm.shutdownFuncs)
	sm.mu.Unlock()

	var failed []string
	for i := len(funcs) - 1; i >= 0; i-- {
		f := funcs[i]
		logger := sm.logger.WithField("component", f.name)
		if err := f.fn(ctx); err != nil {
			logger.WithError(err).Error("shutdown failed")
			failed = append(failed, f.name)
			continue
		}
		logger.Debug("shutdown complete")
	}

	if len(failed) > 0 {
		return fmt.Errorf("shutdown completed with errors in: %v", failed)
	}
	sm.logger.Info("Graceful shutdown complete")
	return nil
}
