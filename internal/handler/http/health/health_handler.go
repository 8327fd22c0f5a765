// Package health implements the Kubernetes liveness/readiness probes and
// an operator diagnostics endpoint, generalized from the teacher's
// atomic.Bool-gated HealthHandler into one that also surfaces circuit
// breaker and rate limiter state — the design-note requirement that a
// degraded rate limiter backend must be visible to operators, not just
// silently tolerated.
package health

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ytsize/ytsize-core/internal/breaker"
	"github.com/ytsize/ytsize-core/internal/ratelimit"
	"github.com/ytsize/ytsize-core/internal/workerpool"
)

// ReadyFunc reports whether the service is currently accepting traffic.
// Decoupled from the lifecycle package's concrete State type so health
// has no dependency on lifecycle (which depends on health).
type ReadyFunc func() bool

// HealthHandler handles health and diagnostics endpoints.
type HealthHandler struct {
	ready   ReadyFunc
	breaker *breaker.Breaker
	limiter *ratelimit.Limiter
	pool    *workerpool.Pool
}

// NewHandler creates a new HealthHandler with dependency injection.
func NewHandler(ready ReadyFunc, b *breaker.Breaker, l *ratelimit.Limiter, p *workerpool.Pool) *HealthHandler {
	return &HealthHandler{ready: ready, breaker: b, limiter: l, pool: p}
}

// HandleLiveness handles GET /healthz - always 200 while the process is alive.
func (h *HealthHandler) HandleLiveness(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}

// HandleReadiness handles GET /readyz - 200 while RUNNING, 503 otherwise.
func (h *HealthHandler) HandleReadiness(c echo.Context) error {
	if h.ready() {
		return c.NoContent(http.StatusOK)
	}
	return c.NoContent(http.StatusServiceUnavailable)
}

// HandleDiagnostics handles GET /internal/diagnostics - exposes circuit
// breaker state, rate limiter backend health, and worker pool stats, so
// an operator can tell a degraded-but-serving instance from a healthy one.
func (h *HealthHandler) HandleDiagnostics(c echo.Context) error {
	resp := map[string]any{
		"ready": h.ready(),
	}

	if h.breaker != nil {
		st := h.breaker.GetStatus()
		resp["circuitBreaker"] = map[string]any{
			"state":           st.State.String(),
			"failures":        st.Failures,
			"successes":       st.Successes,
			"totalRequests":   st.TotalRequests,
			"totalRejections": st.TotalRejections,
		}
	}

	if h.limiter != nil {
		resp["rateLimiter"] = map[string]any{
			"degraded": h.limiter.Degraded(),
		}
	}

	if h.pool != nil {
		stats := h.pool.GetStats()
		resp["workerPool"] = map[string]any{
			"activeWorkers": stats.ActiveWorkers,
			"queueLength":   stats.QueueLength,
			"activeTasks":   stats.ActiveTasks,
			"totalTasks":    stats.TotalTasks,
			"failedTasks":   stats.FailedTasks,
		}
	}

	return c.JSON(http.StatusOK, resp)
}
