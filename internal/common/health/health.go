// Package health provides liveness and readiness probes for HR portal services
package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Checker is a dependency the service needs to be ready
type Checker interface {
	Name() string
	Check(ctx context.Context) error
}

// PingFunc adapts a ping method into a Checker
type PingFunc struct {
	name string
	fn   func(ctx context.Context) error
}

// NewPingFunc returns a Checker named name that calls fn
func NewPingFunc(name string, fn func(ctx context.Context) error) PingFunc {
	return PingFunc{name: name, fn: fn}
}

// Name returns the dependency name
func (p PingFunc) Name() string { return p.name }

// Check calls the wrapped ping
func (p PingFunc) Check(ctx context.Context) error { return p.fn(ctx) }

// DependencyCheck is the result for one dependency
type DependencyCheck struct {
	Status  string `json:"status"` // up, down
	Latency string `json:"latency"`
	Details string `json:"details,omitempty"`
}

// Status aggregates dependency checks
type Status struct {
	Status       string                     `json:"status"` // ready, not ready
	Uptime       string                     `json:"uptime"`
	Dependencies map[string]DependencyCheck `json:"dependencies"`
}

// Service runs readiness checks across registered dependencies
type Service struct {
	mu        sync.RWMutex
	checkers  []Checker
	timeout   time.Duration
	logger    *zap.Logger
	startTime time.Time
}

// NewService creates a health service with a per-check timeout of 3s
func NewService(logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		timeout:   3 * time.Second,
		logger:    logger.With(zap.String("component", "health")),
		startTime: time.Now(),
	}
}

// Register adds a dependency checker
func (h *Service) Register(c Checker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkers = append(h.checkers, c)
}

// Check pings every dependency concurrently
func (h *Service) Check(ctx context.Context) Status {
	h.mu.RLock()
	checkers := append([]Checker(nil), h.checkers...)
	h.mu.RUnlock()

	results := make([]DependencyCheck, len(checkers))

	g, gctx := errgroup.WithContext(ctx)
	for i, checker := range checkers {
		g.Go(func() error {
			checkCtx, cancel := context.WithTimeout(gctx, h.timeout)
			defer cancel()

			start := time.Now()
			err := checker.Check(checkCtx)
			results[i] = DependencyCheck{Status: "up", Latency: time.Since(start).String()}
			if err != nil {
				results[i].Status = "down"
				results[i].Details = err.Error()
				h.logger.Warn("Dependency is down", zap.String("dependency", checker.Name()), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()

	status := Status{
		Status:       "ready",
		Uptime:       time.Since(h.startTime).Round(time.Second).String(),
		Dependencies: make(map[string]DependencyCheck, len(checkers)),
	}
	for i, checker := range checkers {
		status.Dependencies[checker.Name()] = results[i]
		if results[i].Status == "down" {
			status.Status = "not ready"
		}
	}
	return status
}

// ReadyHandler returns 200 when all dependencies are up and 503 otherwise
func (h *Service) ReadyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		status := h.Check(c.Request.Context())

		code := http.StatusOK
		if status.Status != "ready" {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	}
}

// LiveHandler always returns 200 while the process is alive
func (h *Service) LiveHandler(serviceName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": serviceName,
			"uptime":  time.Since(h.startTime).Round(time.Second).String(),
		})
	}
}

// RegisterRoutes mounts /health and /ready
func (h *Service) RegisterRoutes(router gin.IRoutes, serviceName string) {
	router.GET("/health", h.LiveHandler(serviceName))
	router.GET("/ready", h.ReadyHandler())
}
