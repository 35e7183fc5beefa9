// Package health provides readiness checks for the stores and brokers the API depends on.
package health

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// DefaultTimeout bounds a full readiness run.
const DefaultTimeout = 5 * time.Second

// Checker reports whether a dependency is usable.
type Checker interface {
	HealthCheck(ctx context.Context) error
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context) error

// HealthCheck calls f.
func (f CheckerFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

// Status values reported per check.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Report is the outcome of a readiness run.
type Report struct {
	Healthy bool
	Checks  map[string]string
}

// Registry holds named checkers. Optional dependencies that were never
// configured are simply not registered.
type Registry struct {
	mu      sync.RWMutex
	checks  map[string]Checker
	timeout time.Duration
	logger  *slog.Logger
}

// NewRegistry creates an empty registry. A zero timeout uses DefaultTimeout.
func NewRegistry(timeout time.Duration, logger *slog.Logger) *Registry {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{checks: make(map[string]Checker), timeout: timeout, logger: logger}
}

// Register adds or replaces a named checker. A nil checker is ignored.
func (r *Registry) Register(name string, c Checker) {
	if c == nil {
		return
	}
	r.mu.Lock()
	r.checks[name] = c
	r.mu.Unlock()
}

// Names returns the registered check names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.checks))
	for name := range r.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run executes every checker concurrently under the registry timeout.
func (r *Registry) Run(ctx context.Context) Report {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	r.mu.RLock()
	checks := make(map[string]Checker, len(r.checks))
	for name, c := range r.checks {
		checks[name] = c
	}
	r.mu.RUnlock()

	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		report = Report{Healthy: true, Checks: make(map[string]string, len(checks))}
	)
	for name, c := range checks {
		wg.Add(1)
		go func(name string, c Checker) {
			defer wg.Done()
			err := c.HealthCheck(ctx)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Checks[name] = StatusError
				report.Healthy = false
				r.logger.WarnContext(ctx, "health check failed", "check", name, "error", err)
				return
			}
			report.Checks[name] = StatusOK
		}(name, c)
	}
	wg.Wait()
	return report
}
