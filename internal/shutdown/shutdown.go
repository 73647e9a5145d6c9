// Package shutdown runs registered cleanup functions in reverse order when
// the collector is asked to stop.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/psantana5/airbag/pkg/logging"
)

// Func is one cleanup step.
type Func func(context.Context) error

type step struct {
	name string
	fn   Func
}

// Manager handles graceful shutdown
type Manager struct {
	mu      sync.Mutex
	steps   []step
	timeout time.Duration
	logger  *logging.Logger
	done    chan struct{}
	once    sync.Once
}

// New creates a manager that gives cleanup at most timeout.
func New(timeout time.Duration, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Manager{timeout: timeout, logger: logger, done: make(chan struct{})}
}

// Register adds a cleanup step. Steps run last registered first.
func (m *Manager) Register(name string, fn Func) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps = append(m.steps, step{name: name, fn: fn})
}

// Done is closed once shutdown has been initiated.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Wait blocks until SIGINT or SIGTERM arrives or ctx ends, then runs every
// step.
func (m *Manager) Wait(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		m.logger.Info("Received signal, shutting down", logging.Fields{"signal": sig.String()})
	case <-ctx.Done():
		m.logger.Info("Context cancelled, shutting down")
	}
	return m.Shutdown()
}

// Shutdown runs every step once and joins their errors.
func (m *Manager) Shutdown() error {
	var err error
	m.once.Do(func() {
		close(m.done)

		m.mu.Lock()
		defer m.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		defer cancel()

		var errs []error
		for i := len(m.steps) - 1; i >= 0; i-- {
			s := m.steps[i]
			if stepErr := s.fn(ctx); stepErr != nil {
				m.logger.Error("Shutdown step failed", logging.Fields{"step": s.name, "error": stepErr})
				errs = append(errs, fmt.Errorf("%s: %w", s.name, stepErr))
				continue
			}
			m.logger.Debug("Shutdown step complete", logging.Fields{"step": s.name})
		}
		err = errors.Join(errs...)
		m.logger.Info("Graceful shutdown complete")
	})
	return err
}

// StopHTTPServer adapts an http.Server.
func StopHTTPServer(server interface{ Shutdown(context.Context) error }) Func {
	return func(ctx context.Context) error {
		return server.Shutdown(ctx)
	}
}

// CloseResource adapts an io.Closer.
func CloseResource(closer interface{ Close() error }) Func {
	return func(context.Context) error {
		return closer.Close()
	}
}
