// Package health runs dependency probes for the readiness endpoint.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/proxmox-agent/internal/errors"
)

// Status represents the health status of a dependency.
type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

const checkTimeout = 5 * time.Second

// CheckFunc probes one dependency.
type CheckFunc func(ctx context.Context) Status

// Checker manages health checks for all dependencies.
type Checker struct {
	mu     sync.RWMutex
	checks map[string]CheckFunc
	logger zerolog.Logger
}

// NewChecker creates an empty health checker.
func NewChecker(logger zerolog.Logger) *Checker {
	return &Checker{
		checks: make(map[string]CheckFunc),
		logger: logger.With().Str("component", "health").Logger(),
	}
}

// Register adds a named health check.
func (c *Checker) Register(name string, fn CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = fn
}

// RunAll executes all checks concurrently, each under its own timeout.
func (c *Checker) RunAll(ctx context.Context) map[string]Status {
	c.mu.RLock()
	checks := make(map[string]CheckFunc, len(c.checks))
	for k, v := range c.checks {
		checks[k] = v
	}
	c.mu.RUnlock()

	results := make(map[string]Status, len(checks))
	var wg sync.WaitGroup
	var mu sync.Mutex

	for name, fn := range checks {
		wg.Add(1)
		go func(n string, f CheckFunc) {
			defer wg.Done()
			checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()
			s := f(checkCtx)
			if s == StatusDown {
				c.logger.Warn().Str("check", n).Msg("dependency down")
			}
			mu.Lock()
			results[n] = s
			mu.Unlock()
		}(name, fn)
	}

	wg.Wait()
	return results
}

// IsReady reports whether no dependency is down.
func (c *Checker) IsReady(ctx context.Context) bool {
	for _, s := range c.RunAll(ctx) {
		if s == StatusDown {
			return false
		}
	}
	return true
}

// Probe adapts a cheap read against a dependency (listing containers,
// listing open intents) into a CheckFunc. Throttled or briefly unavailable
// dependencies report degraded rather than down, so the agent keeps serving.
func Probe(fn func(ctx context.Context) error) CheckFunc {
	return func(ctx context.Context) Status {
		err := fn(ctx)
		switch {
		case err == nil:
			return StatusOK
		case perrors.IsRetryable(err):
			return StatusDegraded
		default:
			return StatusDown
		}
	}
}
