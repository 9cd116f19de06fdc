package api

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// HealthStatus represents the health check response
type HealthStatus struct {
	Status     string    `json:"status"`
	Timestamp  time.Time `json:"timestamp"`
	Service    string    `json:"service"`
	Version    string    `json:"version"`
	Store      string    `json:"store"`
	Challenges int       `json:"open_challenges"`
	Batches    int       `json:"running_batches"`
}

// HandleHealth reports liveness and whether the store answers a ping. It
// returns 503 when the store is unreachable.
func (s *Server) HandleHealth(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()

	status := HealthStatus{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Service:   "transfer-orchestrator",
		Version:   s.version,
		Store:     "ok",
	}
	if s.broker != nil {
		status.Challenges = s.broker.OpenCount()
	}
	if s.dispatcher != nil {
		status.Batches = s.dispatcher.Running()
	}

	code := http.StatusOK
	if s.store != nil {
		if err := s.store.Ping(ctx); err != nil {
			s.logger.Warn("health check: store unreachable", "error", err)
			status.Status, status.Store = "degraded", "unreachable"
			code = http.StatusServiceUnavailable
		}
	}
	return c.JSON(code, status)
}
