// Package health provides a registry of named subsystem health checkers and
// the liveness/readiness endpoints built on it.
package health

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// DefaultTimeout bounds each checker when the caller's context has no
// earlier deadline.
const DefaultTimeout = 2 * time.Second

// Status represents the health of a single subsystem.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker is a function that checks the health of a subsystem.
type Checker func(ctx context.Context) Status

// Registry holds named health checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
	timeout  time.Duration
}

type namedChecker struct {
	name  string
	check Checker
}

// NewRegistry creates a new health check registry.
func NewRegistry() *Registry {
	return &Registry{timeout: DefaultTimeout}
}

// Register adds a named health checker.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll runs all registered checkers concurrently and returns the
// aggregate health plus individual results in registration order.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	timeout := r.timeout
	r.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	statuses = make([]Status, len(checkers))
	var wg sync.WaitGroup
	for i, nc := range checkers {
		wg.Add(1)
		go func(i int, nc namedChecker) {
			defer wg.Done()
			st := nc.check(ctx)
			if st.Name == "" {
				st.Name = nc.name
			}
			statuses[i] = st
		}(i, nc)
	}
	wg.Wait()

	healthy = true
	for _, st := range statuses {
		if !st.Healthy {
			healthy = false
		}
	}
	return healthy, statuses
}

// Database checks that the pool can reach Postgres.
func Database(db *sql.DB) Checker {
	return func(ctx context.Context) Status {
		if err := db.PingContext(ctx); err != nil {
			return Status{Name: "database", Detail: err.Error()}
		}
		return Status{Name: "database", Healthy: true}
	}
}

// Circuits reports unhealthy while any circuit breaker is open.
func Circuits(open func() []string) Checker {
	return func(context.Context) Status {
		if names := open(); len(names) > 0 {
			return Status{Name: "circuits", Detail: "open: " + strings.Join(names, ", ")}
		}
		return Status{Name: "circuits", Healthy: true}
	}
}

// Running reports unhealthy when a background loop has stopped.
func Running(name string, running func() bool) Checker {
	return func(context.Context) Status {
		if !running() {
			return Status{Name: name, Detail: "not running"}
		}
		return Status{Name: name, Healthy: true}
	}
}

// Info always reports healthy; it surfaces state operators should see,
// such as the pause flag, without failing readiness.
func Info(name string, detail func() string) Checker {
	return func(context.Context) Status {
		return Status{Name: name, Healthy: true, Detail: detail()}
	}
}

// Liveness handles GET /health/live. It only proves the process serves HTTP.
func Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

// Readiness handles GET /health/ready.
func (r *Registry) Readiness(c *gin.Context) {
	healthy, statuses := r.CheckAll(c.Request.Context())
	code, status := http.StatusOK, "ready"
	if !healthy {
		code, status = http.StatusServiceUnavailable, "not_ready"
	}
	c.JSON(code, gin.H{"status": status, "checks": statuses})
}

// String summarises statuses for logs.
func String(statuses []Status) string {
	parts := make([]string, len(statuses))
	for i, st := range statuses {
		parts[i] = fmt.Sprintf("%s=%t", st.Name, st.Healthy)
	}
	return strings.Join(parts, " ")
}
