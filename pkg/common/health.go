package common

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// HealthResponse is the envelope returned by all health endpoints.
type HealthResponse struct {
	Status    string                 `json:"status"`
	Service   string                 `json:"service"`
	Version   string                 `json:"version"`
	Timestamp string                 `json:"timestamp"`
	Uptime    string                 `json:"uptime,omitempty"`
	Checks    map[string]CheckStatus `json:"checks,omitempty"`
}

// CheckStatus is the outcome of probing a single dependency.
type CheckStatus struct {
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
	Duration  string `json:"duration,omitempty"`
	Timestamp string `json:"timestamp"`
}

var startTime = time.Now()

// HealthCheck answers a flat healthy response with uptime, no dependency
// probing. Suits load balancers that only need liveness-grade information.
func HealthCheck(serviceName, version string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, HealthResponse{
			Status:    "healthy",
			Service:   serviceName,
			Version:   version,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Uptime:    time.Since(startTime).String(),
		})
	}
}

// LivenessProbe returns a simple liveness check.
// It should always return 200 OK unless the service is completely broken.
func LivenessProbe(serviceName, version string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, HealthResponse{
			Status:    "alive",
			Service:   serviceName,
			Version:   version,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Uptime:    time.Since(startTime).String(),
		})
	}
}

// ReadinessProbe returns a readiness check with dependency validation.
// It indicates whether the service is ready to accept traffic by checking
// critical dependencies (database, redis, event bus).
func ReadinessProbe(serviceName, version string, checks map[string]func() error) gin.HandlerFunc {
	return func(c *gin.Context) {
		now := time.Now().UTC()

		// Dependencies are probed in parallel; one slow check must not
		// serialize behind the others.
		var (
			mu      sync.Mutex
			results = make(map[string]CheckStatus, len(checks))
			ready   = true
		)

		var wg sync.WaitGroup
		for name, check := range checks {
			wg.Add(1)
			go func(name string, check func() error) {
				defer wg.Done()

				start := time.Now()
				err := check()

				cs := CheckStatus{
					Status:    "healthy",
					Duration:  time.Since(start).String(),
					Timestamp: now.Format(time.RFC3339),
				}
				if err != nil {
					cs.Status = "unhealthy"
					cs.Message = err.Error()
				}

				mu.Lock()
				results[name] = cs
				if err != nil {
					ready = false
				}
				mu.Unlock()
			}(name, check)
		}
		wg.Wait()

		status := "ready"
		statusCode := http.StatusOK
		if !ready {
			status = "not ready"
			statusCode = http.StatusServiceUnavailable
		}

		c.JSON(statusCode, HealthResponse{
			Status:    status,
			Service:   serviceName,
			Version:   version,
			Timestamp: now.Format(time.RFC3339),
			Uptime:    time.Since(startTime).String(),
			Checks:    results,
		})
	}
}
