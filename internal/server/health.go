package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kode4food/switchyard"
	"github.com/kode4food/switchyard/pkg/api"
	"github.com/kode4food/switchyard/pkg/log"
)

const (
	healthCheckTimeout = 3 * time.Second

	HealthHealthy  = "healthy"
	HealthDegraded = "degraded"
)

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(
		c.Request.Context(), healthCheckTimeout,
	)
	defer cancel()

	checks := map[string]bool{
		"state": s.stateHealthy(ctx),
		"lock":  s.locker == nil || s.locker.Healthy(ctx),
	}

	res := api.HealthResponse{
		Service: switchyard.Name,
		Version: switchyard.Version,
		Checks:  checks,
		Status:  HealthHealthy,
	}
	status := http.StatusOK
	for _, ok := range checks {
		if !ok {
			res.Status = HealthDegraded
			status = http.StatusServiceUnavailable
		}
	}
	c.JSON(status, res)
}

func (s *Server) stateHealthy(ctx context.Context) bool {
	if s.state == nil {
		return true
	}
	if _, err := s.state.Groups(ctx); err != nil {
		slog.Error("Health check failed",
			slog.String("check", "state"),
			log.Error(err))
		return false
	}
	return true
}
