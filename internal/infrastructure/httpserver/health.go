// Package httpserver provides HTTP server infrastructure components.
package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/sync/errgroup"
)

const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
	StatusDegraded  = "degraded"
	StatusReady     = "ready"
	StatusNotReady  = "not_ready"
)

// DefaultProbeTimeout bounds a single probe.
const DefaultProbeTimeout = 2 * time.Second

type ComponentStatus struct {
	Name      string `json:"name"`
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

type HealthResponse struct {
	Status     string            `json:"status"`
	Components []ComponentStatus `json:"components,omitempty"`
}

// HealthChecker reports the state of each backing component.
type HealthChecker interface {
	GetHealthStatus(ctx context.Context) []ComponentStatus
}

// Overall folds component states: any unhealthy component makes the whole
// unhealthy, otherwise any degraded one makes it degraded.
func Overall(components []ComponentStatus) string {
	overall := StatusHealthy
	for _, c := range components {
		switch c.Status {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusDegraded:
			overall = StatusDegraded
		}
	}
	return overall
}

// HealthEndpoints serves liveness, readiness and the component breakdown.
type HealthEndpoints struct {
	checker HealthChecker
}

func NewHealthEndpoints(checker HealthChecker) *HealthEndpoints {
	return &HealthEndpoints{checker: checker}
}

// Register mounts /health, /ready and /health/details at the root.
func (h *HealthEndpoints) Register(e *echo.Echo) {
	e.GET("/health", h.live)
	e.GET("/ready", h.ready)
	e.GET("/health/details", h.details)
}

func (h *HealthEndpoints) live(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: StatusHealthy})
}

// ready fails only on unhealthy components; degraded ones still serve.
func (h *HealthEndpoints) ready(c echo.Context) error {
	components := h.components(c.Request().Context())
	if Overall(components) == StatusUnhealthy {
		return c.JSON(http.StatusServiceUnavailable, HealthResponse{Status: StatusNotReady, Components: components})
	}
	return c.JSON(http.StatusOK, HealthResponse{Status: StatusReady, Components: components})
}

func (h *HealthEndpoints) details(c echo.Context) error {
	components := h.components(c.Request().Context())
	status := Overall(components)
	code := http.StatusOK
	if status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, HealthResponse{Status: status, Components: components})
}

func (h *HealthEndpoints) components(ctx context.Context) []ComponentStatus {
	if h.checker == nil {
		return nil
	}
	return h.checker.GetHealthStatus(ctx)
}

// Probe checks one component. A nil error means healthy.
type Probe struct {
	Name string

	// Optional components report degraded instead of unhealthy.
	Optional bool

	Check func(ctx context.Context) error
}

// ProbeChecker runs a fixed set of probes concurrently.
type ProbeChecker struct {
	probes  []Probe
	timeout time.Duration
}

func NewProbeChecker(probes ...Probe) *ProbeChecker {
	return &ProbeChecker{probes: probes, timeout: DefaultProbeTimeout}
}

// WithTimeout replaces the per-probe deadline.
func (p *ProbeChecker) WithTimeout(d time.Duration) *ProbeChecker {
	if d > 0 {
		p.timeout = d
	}
	return p
}

// IsReady reports whether no required probe fails.
func (p *ProbeChecker) IsReady(ctx context.Context) bool {
	return Overall(p.GetHealthStatus(ctx)) != StatusUnhealthy
}

// GetHealthStatus runs every probe and returns the results in probe order.
func (p *ProbeChecker) GetHealthStatus(ctx context.Context) []ComponentStatus {
	statuses := make([]ComponentStatus, len(p.probes))
	var g errgroup.Group
	for i, probe := range p.probes {
		g.Go(func() error {
			statuses[i] = p.run(ctx, probe)
			return nil
		})
	}
	_ = g.Wait()
	return statuses
}

func (p *ProbeChecker) run(ctx context.Context, probe Probe) ComponentStatus {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	err := probe.Check(ctx)
	status := ComponentStatus{
		Name:      probe.Name,
		Status:    StatusHealthy,
		LatencyMS: time.Since(start).Milliseconds(),
	}
	if err != nil {
		status.Status = StatusUnhealthy
		if probe.Optional {
			status.Status = StatusDegraded
		}
		status.Message = err.Error()
	}
	return status
}
