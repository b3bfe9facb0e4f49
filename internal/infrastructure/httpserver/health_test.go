package httpserver_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lllypuk/matreq/internal/infrastructure/httpserver"
)

func passing(context.Context) error { return nil }

func failing(context.Context) error { return errors.New("connection refused") }

func healthRouter(probes ...httpserver.Probe) *echo.Echo {
	router := httpserver.NewRouter(echo.New(), httpserver.DefaultRouterConfig())
	router.RegisterHealthEndpoints(httpserver.NewProbeChecker(probes...))
	return router.Echo()
}

func decodeHealth(t *testing.T, body []byte) httpserver.HealthResponse {
	t.Helper()
	var resp httpserver.HealthResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	return resp
}

func TestHealthEndpoints_AllHealthy(t *testing.T) {
	e := healthRouter(
		httpserver.Probe{Name: "mongodb", Check: passing},
		httpserver.Probe{Name: "redis", Check: passing},
	)

	live := serve(e, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, live.Code)

	ready := serve(e, http.MethodGet, "/ready")
	assert.Equal(t, http.StatusOK, ready.Code)
	assert.Equal(t, httpserver.StatusReady, decodeHealth(t, ready.Body.Bytes()).Status)

	details := decodeHealth(t, serve(e, http.MethodGet, "/health/details").Body.Bytes())
	assert.Equal(t, httpserver.StatusHealthy, details.Status)
	assert.Len(t, details.Components, 2)
}

func TestHealthEndpoints_RequiredProbeFails(t *testing.T) {
	e := healthRouter(
		httpserver.Probe{Name: "mongodb", Check: failing},
		httpserver.Probe{Name: "hub", Check: passing},
	)

	assert.Equal(t, http.StatusOK, serve(e, http.MethodGet, "/health").Code, "liveness ignores components")

	ready := serve(e, http.MethodGet, "/ready")
	assert.Equal(t, http.StatusServiceUnavailable, ready.Code)
	assert.Equal(t, httpserver.StatusNotReady, decodeHealth(t, ready.Body.Bytes()).Status)

	detailsRec := serve(e, http.MethodGet, "/health/details")
	assert.Equal(t, http.StatusServiceUnavailable, detailsRec.Code)
	details := decodeHealth(t, detailsRec.Body.Bytes())
	assert.Equal(t, httpserver.StatusUnhealthy, details.Status)
	assert.Equal(t, "connection refused", details.Components[0].Message)
}

func TestHealthEndpoints_OptionalProbeDegrades(t *testing.T) {
	e := healthRouter(
		httpserver.Probe{Name: "mongodb", Check: passing},
		httpserver.Probe{Name: "broadcaster", Optional: true, Check: failing},
	)

	assert.Equal(t, http.StatusOK, serve(e, http.MethodGet, "/ready").Code)

	detailsRec := serve(e, http.MethodGet, "/health/details")
	assert.Equal(t, http.StatusOK, detailsRec.Code)
	details := decodeHealth(t, detailsRec.Body.Bytes())
	assert.Equal(t, httpserver.StatusDegraded, details.Status)
	assert.Equal(t, httpserver.StatusDegraded, details.Components[1].Status)
}

func TestProbeChecker_Timeout(t *testing.T) {
	hanging := func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}
	checker := httpserver.NewProbeChecker(
		httpserver.Probe{Name: "redis", Check: hanging},
		httpserver.Probe{Name: "mongodb", Check: passing},
	).WithTimeout(50 * time.Millisecond)

	start := time.Now()
	statuses := checker.GetHealthStatus(context.Background())

	assert.Less(t, time.Since(start), time.Second, "probes run concurrently under the deadline")
	require.Len(t, statuses, 2)
	assert.Equal(t, "redis", statuses[0].Name, "results keep probe order")
	assert.Equal(t, httpserver.StatusUnhealthy, statuses[0].Status)
	assert.Equal(t, context.DeadlineExceeded.Error(), statuses[0].Message)
	assert.Equal(t, httpserver.StatusHealthy, statuses[1].Status)
	assert.False(t, checker.IsReady(context.Background()))
}

func TestOverall(t *testing.T) {
	tests := []struct {
		name     string
		statuses []string
		want     string
	}{
		{"no components", nil, httpserver.StatusHealthy},
		{"all healthy", []string{httpserver.StatusHealthy, httpserver.StatusHealthy}, httpserver.StatusHealthy},
		{"degraded", []string{httpserver.StatusHealthy, httpserver.StatusDegraded}, httpserver.StatusDegraded},
		{"unhealthy wins", []string{httpserver.StatusDegraded, httpserver.StatusUnhealthy}, httpserver.StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			components := make([]httpserver.ComponentStatus, 0, len(tt.statuses))
			for _, s := range tt.statuses {
				components = append(components, httpserver.ComponentStatus{Status: s})
			}
			assert.Equal(t, tt.want, httpserver.Overall(components))
		})
	}
}
