package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// readinessTimeout bounds one readiness check across all dependencies.
const readinessTimeout = 5 * time.Second

// Check states reported per dependency.
const (
	checkOK            = "ok"
	checkError         = "error"
	checkNotConfigured = "not_configured"
)

// HealthChecker is a dependency the service cannot serve traffic without.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// HealthHandlersConfig wires the readiness dependencies. A nil checker is
// reported as not_configured and does not fail readiness.
type HealthHandlersConfig struct {
	DBChecker    HealthChecker
	RedisChecker HealthChecker
	Version      string
}

type namedChecker struct {
	name    string
	checker HealthChecker
}

// HealthHandlers serves /health and /ready.
type HealthHandlers struct {
	checks  []namedChecker
	version string
}

func NewHealthHandlers(config HealthHandlersConfig) *HealthHandlers {
	return &HealthHandlers{
		checks: []namedChecker{
			{name: "database", checker: config.DBChecker},
			{name: "redis", checker: config.RedisChecker},
		},
		version: config.Version,
	}
}

// HealthResponse is the health check body.
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version,omitempty"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Health is the liveness check. It never touches dependencies.
func (h *HealthHandlers) Health(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r.Context(), http.StatusOK, "healthy", map[string]string{"runtime": checkOK})
}

// Ready runs every configured check concurrently and answers 503 if any fails.
func (h *HealthHandlers) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	results := make([]string, len(h.checks))
	var wg sync.WaitGroup
	for i, c := range h.checks {
		if c.checker == nil {
			results[i] = checkNotConfigured
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			start := time.Now()
			if err := c.checker.HealthCheck(ctx); err != nil {
				slog.WarnContext(ctx, "readiness check failed",
					slog.String("dependency", c.name),
					slog.Duration("elapsed", time.Since(start)),
					slog.String("error", err.Error()))
				results[i] = checkError
				return
			}
			results[i] = checkOK
		}()
	}
	wg.Wait()

	checks := make(map[string]string, len(h.checks))
	status, code := "healthy", http.StatusOK
	for i, c := range h.checks {
		checks[c.name] = results[i]
		if results[i] == checkError {
			status, code = "unhealthy", http.StatusServiceUnavailable
		}
	}
	h.respond(w, r.Context(), code, status, checks)
}

func (h *HealthHandlers) respond(w http.ResponseWriter, ctx context.Context, code int, status string, checks map[string]string) {
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, ctx, code, HealthResponse{
		Status:    status,
		Version:   h.version,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}
