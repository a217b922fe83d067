// Package health serves liveness, readiness and health endpoints for the
// insight server. Readiness reflects whether the tracker answers and whether
// the findings cache holds usable data.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/exploopio/insight/pkg/cache"
	"github.com/exploopio/insight/pkg/core"
)

// =============================================================================
// Health Check Interface
// =============================================================================

// Checker is the interface for health checks.
type Checker interface {
	// Name returns the check name.
	Name() string

	// Check performs the health check.
	Check(ctx context.Context) CheckResult
}

// CheckFunc is a function type that implements Checker.
type CheckFunc func(ctx context.Context) CheckResult

func (f CheckFunc) Name() string                          { return "" }
func (f CheckFunc) Check(ctx context.Context) CheckResult { return f(ctx) }

// =============================================================================
// Health Status Types
// =============================================================================

// Status represents the health status.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
	StatusUnknown   Status = "unknown"
)

// CheckResult holds the result of a health check.
type CheckResult struct {
	Status    Status         `json:"status"`
	Message   string         `json:"message,omitempty"`
	Duration  time.Duration  `json:"duration_ms"`
	Timestamp time.Time      `json:"timestamp"`
	Error     string         `json:"error,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Response is the full health check response.
type Response struct {
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
	Version   string                 `json:"version,omitempty"`
	Uptime    time.Duration          `json:"uptime_seconds,omitempty"`
}

// =============================================================================
// Health Handler
// =============================================================================

// Handler runs registered checks and serves them over HTTP.
type Handler struct {
	mu sync.RWMutex

	checks map[string]Checker

	version   string
	clock     core.Clock
	startTime time.Time
	timeout   time.Duration

	hideDetails bool

	ready bool
}

// HandlerOption configures the health handler.
type HandlerOption func(*Handler)

// WithVersion sets the application version.
func WithVersion(version string) HandlerOption {
	return func(h *Handler) {
		h.version = version
	}
}

// WithTimeout sets the timeout shared by all checks of one run.
func WithTimeout(timeout time.Duration) HandlerOption {
	return func(h *Handler) {
		h.timeout = timeout
	}
}

// WithClock sets the clock used for timestamps and uptime.
func WithClock(clock core.Clock) HandlerOption {
	return func(h *Handler) {
		h.clock = clock
	}
}

// WithHideDetails hides individual check results from responses.
func WithHideDetails() HandlerOption {
	return func(h *Handler) {
		h.hideDetails = true
	}
}

// NewHandler creates a health handler. It starts not ready; call SetReady
// once the server is wired.
func NewHandler(opts ...HandlerOption) *Handler {
	h := &Handler{
		checks:  make(map[string]Checker),
		clock:   core.SystemClock{},
		timeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.startTime = h.clock.Now()
	return h
}

// Register adds a health check under its own name.
func (h *Handler) Register(checker Checker) {
	h.RegisterAs(checker.Name(), checker)
}

// RegisterAs adds a health check under name.
func (h *Handler) RegisterAs(name string, checker Checker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = checker
}

// Unregister removes a health check.
func (h *Handler) Unregister(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.checks, name)
}

// SetReady sets the readiness state.
func (h *Handler) SetReady(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ready = ready
}

// IsReady returns the readiness state.
func (h *Handler) IsReady() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ready
}

// Check runs every registered check concurrently. The overall status is the
// worst individual status.
func (h *Handler) Check(ctx context.Context) Response {
	h.mu.RLock()
	checks := make(map[string]Checker, len(h.checks))
	for name, checker := range h.checks {
		checks[name] = checker
	}
	h.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	results := make(map[string]CheckResult, len(checks))
	var wg sync.WaitGroup
	var mu sync.Mutex

	for name, checker := range checks {
		wg.Add(1)
		go func(name string, checker Checker) {
			defer wg.Done()

			start := h.clock.Now()
			result := checker.Check(ctx)
			result.Duration = h.clock.Now().Sub(start)
			result.Timestamp = h.clock.Now()

			mu.Lock()
			results[name] = result
			mu.Unlock()
		}(name, checker)
	}
	wg.Wait()

	overall := StatusHealthy
	for _, result := range results {
		switch result.Status {
		case StatusUnhealthy:
			overall = StatusUnhealthy
		case StatusDegraded, StatusUnknown:
			if overall != StatusUnhealthy {
				overall = StatusDegraded
			}
		}
	}

	response := Response{
		Status:    overall,
		Timestamp: h.clock.Now(),
		Version:   h.version,
		Uptime:    h.clock.Now().Sub(h.startTime),
	}
	if !h.hideDetails {
		response.Checks = results
	}
	return response
}

// =============================================================================
// HTTP Handlers
// =============================================================================

// LivenessHandler answers 200 whenever the process can serve a request.
func (h *Handler) LivenessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":    StatusHealthy,
			"timestamp": h.clock.Now(),
		})
	})
}

// ReadinessHandler answers 503 until SetReady(true) and while any check is
// unhealthy. A degraded check (for example a stale cache) still accepts
// traffic.
func (h *Handler) ReadinessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.IsReady() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status":    StatusUnhealthy,
				"message":   "service not ready",
				"timestamp": h.clock.Now(),
			})
			return
		}

		response := h.Check(r.Context())
		status := http.StatusOK
		if response.Status == StatusUnhealthy {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, response)
	})
}

// HealthHandler returns the detailed result of every check.
func (h *Handler) HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		response := h.Check(r.Context())

		status := http.StatusOK
		if response.Status == StatusUnhealthy {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, response)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// =============================================================================
// Checks
// =============================================================================

// Pinger is implemented by *client.Client.
type Pinger interface {
	Ping(ctx context.Context) error
}

// UpstreamCheck verifies the tracker answers an authenticated request.
type UpstreamCheck struct {
	Client Pinger
}

func (c *UpstreamCheck) Name() string { return "upstream" }
func (c *UpstreamCheck) Check(ctx context.Context) CheckResult {
	if c.Client == nil {
		return CheckResult{Status: StatusUnknown, Message: "no upstream client configured"}
	}
	if err := c.Client.Ping(ctx); err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error()}
	}
	return CheckResult{Status: StatusHealthy, Message: "tracker reachable"}
}

// StatsSource is implemented by *cache.FindingsCache.
type StatsSource interface {
	Stats() cache.Stats
}

// CacheCheck reports the findings cache. An empty or stale cache is
// degraded rather than unhealthy: the next read refreshes it.
type CacheCheck struct {
	Cache StatsSource
	// MaxAge marks the cache unhealthy when its snapshot is older than this.
	// Zero disables the limit.
	MaxAge time.Duration
}

func (c *CacheCheck) Name() string { return "findings_cache" }
func (c *CacheCheck) Check(ctx context.Context) CheckResult {
	st := c.Cache.Stats()
	result := CheckResult{Metadata: map[string]any{
		"size":      st.Size,
		"rejected":  st.Rejected,
		"refreshes": st.Refreshes,
		"failures":  st.Failures,
		"ttl":       st.TTL.String(),
	}}

	switch {
	case !st.Populated:
		result.Status = StatusDegraded
		result.Message = "cache not populated yet"
	case c.MaxAge > 0 && st.Age > c.MaxAge:
		result.Status = StatusUnhealthy
		result.Error = fmt.Sprintf("snapshot is %s old, limit %s", st.Age.Round(time.Second), c.MaxAge)
	case st.Stale:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("snapshot is stale (%s old)", st.Age.Round(time.Second))
	default:
		result.Status = StatusHealthy
		result.Message = fmt.Sprintf("%d findings, fetched %s ago", st.Size, st.Age.Round(time.Second))
	}
	result.Metadata["age_seconds"] = st.Age.Seconds()
	return result
}

// MemoryCheck reports Go heap usage.
type MemoryCheck struct {
	// MaxHeapBytes marks the process unhealthy above this heap size.
	MaxHeapBytes uint64
}

func (c *MemoryCheck) Name() string { return "memory" }
func (c *MemoryCheck) Check(ctx context.Context) CheckResult {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	result := CheckResult{Metadata: map[string]any{
		"heap_alloc_bytes": m.HeapAlloc,
		"num_gc":           m.NumGC,
		"goroutines":       runtime.NumGoroutine(),
	}}
	if c.MaxHeapBytes > 0 && m.HeapAlloc > c.MaxHeapBytes {
		result.Status = StatusUnhealthy
		result.Error = fmt.Sprintf("heap usage %d bytes exceeds threshold %d bytes", m.HeapAlloc, c.MaxHeapBytes)
		return result
	}
	result.Status = StatusHealthy
	result.Message = fmt.Sprintf("heap: %d MB, goroutines: %d", m.HeapAlloc/1024/1024, runtime.NumGoroutine())
	return result
}

// =============================================================================
// Routes
// =============================================================================

// Paths for the health endpoints.
const (
	LivenessPath  = "/healthz"
	ReadinessPath = "/readyz"
	HealthPath    = "/health"
)

// RegisterRoutes mounts the three endpoints on mux.
func RegisterRoutes(mux *http.ServeMux, h *Handler) {
	mux.Handle("GET "+LivenessPath, h.LivenessHandler())
	mux.Handle("GET "+ReadinessPath, h.ReadinessHandler())
	mux.Handle("GET "+HealthPath, h.HealthHandler())
}

var (
	_ Checker = (*UpstreamCheck)(nil)
	_ Checker = (*CacheCheck)(nil)
	_ Checker = (*MemoryCheck)(nil)
	_ Checker = CheckFunc(nil)
)
