// Package shutdown coordinates graceful shutdown of HR portal services
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

type hook struct {
	name string
	fn   func(ctx context.Context) error
}

// Manager drains the HTTP server and then runs cleanup hooks in reverse order
type Manager struct {
	mu      sync.Mutex
	logger  *zap.Logger
	timeout time.Duration
	server  *http.Server
	hooks   []hook
}

// NewManager creates a Manager with an overall shutdown budget
func NewManager(logger *zap.Logger, timeout time.Duration) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		logger:  logger.With(zap.String("component", "shutdown")),
		timeout: timeout,
	}
}

// RegisterHook adds a cleanup hook. Hooks run LIFO.
func (m *Manager) RegisterHook(name string, fn func(ctx context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, hook{name: name, fn: fn})
}

// Serve starts server and blocks until ctx is cancelled, SIGINT or SIGTERM
// arrives, or the server fails. It then shuts everything down.
func (m *Manager) Serve(ctx context.Context, server *http.Server) error {
	m.mu.Lock()
	m.server = server
	m.mu.Unlock()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		m.logger.Info("Starting server", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server failed: %w", err)
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		m.logger.Info("Shutdown signal received")
	case serveErr = <-errCh:
	}

	m.Shutdown()
	return serveErr
}

// Shutdown stops the server and runs hooks within the configured timeout
func (m *Manager) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	m.mu.Lock()
	server := m.server
	hooks := append([]hook(nil), m.hooks...)
	m.mu.Unlock()

	if server != nil {
		if err := server.Shutdown(ctx); err != nil {
			m.logger.Error("Server shutdown error", zap.Error(err))
		}
	}

	for i := len(hooks) - 1; i >= 0; i-- {
		h := hooks[i]
		if ctx.Err() != nil {
			m.logger.Warn("Shutdown timeout reached, skipping remaining hooks",
				zap.String("skipped_hook", h.name), zap.Int("remaining", i+1))
			return
		}

		start := time.Now()
		if err := h.fn(ctx); err != nil {
			m.logger.Error("Shutdown hook failed", zap.String("hook", h.name), zap.Error(err))
			continue
		}
		m.logger.Info("Shutdown hook completed",
			zap.String("hook", h.name), zap.Duration("duration", time.Since(start)))
	}

	m.logger.Info("Graceful shutdown complete")
}
