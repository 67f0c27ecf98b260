// Package health provides health check functionality for vigild.
//
// Features:
//   - Liveness probe (is the process running)
//   - Readiness probe (is the pipeline producing risk)
//   - Per-component health status
//   - HTTP health endpoint
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Status represents the health status of a component.
type Status string

const (
	// StatusHealthy indicates the component is healthy.
	StatusHealthy Status = "healthy"
	// StatusDegraded indicates the component is degraded but functional.
	StatusDegraded Status = "degraded"
	// StatusUnhealthy indicates the component is unhealthy.
	StatusUnhealthy Status = "unhealthy"
	// StatusUnknown indicates the component status is unknown.
	StatusUnknown Status = "unknown"
)

// CheckResult represents the result of a health check.
type CheckResult struct {
	Status      Status                 `json:"status"`
	Message     string                 `json:"message,omitempty"`
	Details     map[string]interface{} `json:"details,omitempty"`
	LastChecked time.Time              `json:"last_checked"`
}

// Check is a function that performs a health check.
type Check func(ctx context.Context) CheckResult

// Component represents a health-checkable component.
type Component struct {
	Name     string
	Critical bool // failure makes overall status unhealthy
	Check    Check
	Timeout  time.Duration
}

// Checker manages health checks.
type Checker struct {
	mu         sync.RWMutex
	components map[string]*Component
	results    map[string]CheckResult
	startTime  time.Time
	ready      bool
}

// NewChecker creates a new Checker.
func NewChecker() *Checker {
	return &Checker{
		components: make(map[string]*Component),
		results:    make(map[string]CheckResult),
		startTime:  time.Now(),
	}
}

// Register registers a health check component.
func (c *Checker) Register(component *Component) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if component.Timeout == 0 {
		component.Timeout = 5 * time.Second
	}
	c.components[component.Name] = component
	c.results[component.Name] = CheckResult{Status: StatusUnknown}
}

// RegisterFunc registers a simple non-critical check function.
func (c *Checker) RegisterFunc(name string, check Check) {
	c.Register(&Component{Name: name, Check: check})
}

// SetReady marks the daemon ready to serve.
func (c *Checker) SetReady(ready bool) {
	c.mu.Lock()
	c.ready = ready
	c.mu.Unlock()
}

// RunChecks executes all registered checks and stores the results.
func (c *Checker) RunChecks(ctx context.Context) map[string]CheckResult {
	c.mu.RLock()
	comps := make([]*Component, 0, len(c.components))
	for _, comp := range c.components {
		comps = append(comps, comp)
	}
	c.mu.RUnlock()

	for _, comp := range comps {
		cctx, cancel := context.WithTimeout(ctx, comp.Timeout)
		result := comp.Check(cctx)
		cancel()
		result.LastChecked = time.Now()

		c.mu.Lock()
		c.results[comp.Name] = result
		c.mu.Unlock()
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]CheckResult, len(c.results))
	for name, r := range c.results {
		out[name] = r
	}
	return out
}

// Overall aggregates component results into one status: any failing critical
// component is unhealthy; any other failure is degraded.
func (c *Checker) Overall() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	overall := StatusHealthy
	for name, r := range c.results {
		comp := c.components[name]
		switch r.Status {
		case StatusUnhealthy:
			if comp != nil && comp.Critical {
				return StatusUnhealthy
			}
			overall = StatusDegraded
		case StatusDegraded, StatusUnknown:
			if overall == StatusHealthy {
				overall = StatusDegraded
			}
		}
	}
	return overall
}

// report is the JSON payload served by the HTTP handler.
type report struct {
	Status     Status                 `json:"status"`
	Ready      bool                   `json:"ready"`
	UptimeSec  float64                `json:"uptime_sec"`
	Components map[string]CheckResult `json:"components"`
}

// Handler returns an http.Handler serving /healthz and /readyz.
func (c *Checker) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		results := c.RunChecks(r.Context())
		c.mu.RLock()
		rep := report{
			Status:     c.Overall(),
			Ready:      c.ready,
			UptimeSec:  time.Since(c.startTime).Seconds(),
			Components: results,
		}
		c.mu.RUnlock()

		w.Header().Set("Content-Type", "application/json")
		if rep.Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(rep)
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		c.mu.RLock()
		ready := c.ready
		c.mu.RUnlock()
		if !ready {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	return mux
}
