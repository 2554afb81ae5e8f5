// Package health provides a registry of named subsystem health checkers.
package health

import (
	"context"
	"database/sql"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

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
}

type namedChecker struct {
	name  string
	check Checker
}

// NewRegistry creates a new health check registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a named health checker.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll runs all registered checkers and returns the aggregate health
// status plus individual subsystem results.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	healthy = true
	statuses = make([]Status, len(checkers))

	var wg sync.WaitGroup
	for i, nc := range checkers {
		i, nc := i, nc
		wg.Add(1)
		go func() {
			defer wg.Done()
			statuses[i] = nc.check(ctx)
			if statuses[i].Name == "" {
				statuses[i].Name = nc.name
			}
		}()
	}
	wg.Wait()

	for _, st := range statuses {
		if !st.Healthy {
			healthy = false
		}
	}
	return healthy, statuses
}

// Ping builds a checker from a connectivity probe such as a Redis ping.
func Ping(name string, probe func(ctx context.Context) error) Checker {
	return func(ctx context.Context) Status {
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := probe(ctx); err != nil {
			return Status{Name: name, Healthy: false, Detail: err.Error()}
		}
		return Status{Name: name, Healthy: true}
	}
}

// Database checks that the PostgreSQL pool can reach the server.
func Database(db *sql.DB) Checker {
	return Ping("database", db.PingContext)
}

// Handler serves the aggregate status: 200 when every subsystem is healthy,
// 503 otherwise.
func (r *Registry) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		healthy, statuses := r.CheckAll(c.Request.Context())
		code, status := http.StatusOK, "healthy"
		if !healthy {
			code, status = http.StatusServiceUnavailable, "degraded"
		}
		c.JSON(code, gin.H{"status": status, "checks": statuses})
	}
}
