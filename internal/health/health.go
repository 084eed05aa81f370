// Package health provides health check endpoints for rdmalink.
//
// The package implements probe-style checks:
//
//   - /healthz: overall status (for load balancers)
//   - /healthz/live: liveness (is the process running?)
//   - /healthz/ready: readiness (are all registered checks passing?)
//   - /healthz/detail: every check with its message
//
// Checks are named functions registered by the caller, e.g. a verbs device
// probe or the control listener:
//
//	{
//	  "status": "healthy",
//	  "checks": {
//	    "verbs": {"status": "healthy", "message": "3 devices"},
//	    "control": {"status": "healthy"}
//	  }
//	}
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Status represents the overall health status.
type Status string

const (
	// StatusHealthy indicates all checks passed.
	StatusHealthy Status = "healthy"
	// StatusDegraded indicates some checks failed but core functionality works.
	StatusDegraded Status = "degraded"
	// StatusUnhealthy indicates critical failures.
	StatusUnhealthy Status = "unhealthy"
)

// DefaultCacheTTL is how long a computed status is reused.
const DefaultCacheTTL = 5 * time.Second

// Check represents a single health check result.
type Check struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// CheckFunc evaluates one component.
type CheckFunc func(ctx context.Context) Check

// HealthStatus represents the complete health status of the process.
type HealthStatus struct {
	Timestamp time.Time        `json:"timestamp"`
	Checks    map[string]Check `json:"checks"`
	Status    Status           `json:"status"`
}

// Checker runs registered health checks.
type Checker struct {
	cacheExpiry  time.Time
	checks       map[string]CheckFunc
	cachedStatus *HealthStatus
	cacheTTL     time.Duration
	mu           sync.RWMutex
}

// NewChecker creates a new health checker. A non-positive ttl disables caching.
func NewChecker(ttl time.Duration) *Checker {
	return &Checker{
		checks:   make(map[string]CheckFunc),
		cacheTTL: ttl,
	}
}

// Register adds or replaces the check called name.
func (c *Checker) Register(name string, fn CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.checks[name] = fn
	c.cachedStatus = nil
}

// Check performs all health checks and returns the overall status.
func (c *Checker) Check(ctx context.Context) *HealthStatus {
	c.mu.RLock()

	if c.cachedStatus != nil && time.Now().Before(c.cacheExpiry) {
		status := c.cachedStatus
		c.mu.RUnlock()

		return status
	}

	fns := make(map[string]CheckFunc, len(c.checks))
	for name, fn := range c.checks {
		fns[name] = fn
	}

	c.mu.RUnlock()

	checks := make(map[string]Check, len(fns))

	var (
		wg       sync.WaitGroup
		checksMu sync.Mutex
	)

	for name, fn := range fns {
		name, fn := name, fn
		wg.Add(1)

		go func() {
			defer wg.Done()

			check := fn(ctx)

			checksMu.Lock()
			checks[name] = check
			checksMu.Unlock()
		}()
	}

	wg.Wait()

	healthStatus := &HealthStatus{
		Status:    determineOverallStatus(checks),
		Checks:    checks,
		Timestamp: time.Now(),
	}

	if c.cacheTTL > 0 {
		c.mu.Lock()
		c.cachedStatus = healthStatus
		c.cacheExpiry = time.Now().Add(c.cacheTTL)
		c.mu.Unlock()
	}

	return healthStatus
}

// IsReady reports whether every registered check is healthy.
func (c *Checker) IsReady(ctx context.Context) bool {
	return c.Check(ctx).Status == StatusHealthy
}

// IsLive checks if the process is alive.
func (c *Checker) IsLive(_ context.Context) bool {
	return true
}

func determineOverallStatus(checks map[string]Check) Status {
	hasDegraded := false

	for _, check := range checks {
		switch check.Status {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusDegraded:
			hasDegraded = true
		}
	}

	if hasDegraded {
		return StatusDegraded
	}

	return StatusHealthy
}

// Handler creates HTTP handlers for health endpoints.
type Handler struct {
	checker *Checker
}

// NewHandler creates a new health handler.
func NewHandler(checker *Checker) *Handler {
	return &Handler{checker: checker}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to write health response")
	}
}

// HealthHandler handles basic health check requests.
func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	status := h.checker.Check(r.Context())

	code := http.StatusOK
	if status.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]string{"status": string(status.Status)})
}

// LivenessHandler handles liveness probe requests.
func (h *Handler) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	if h.checker.IsLive(r.Context()) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ok"})
}

// ReadinessHandler handles readiness probe requests.
func (h *Handler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	if h.checker.IsReady(r.Context()) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}

	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
}

// DetailedHandler handles detailed health check requests.
func (h *Handler) DetailedHandler(w http.ResponseWriter, r *http.Request) {
	status := h.checker.Check(r.Context())

	code := http.StatusOK // degraded still answers 200 with the status in the body
	if status.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, status)
}
