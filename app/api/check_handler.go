package api

import (
	"context"
	"time"

	"contractrag/types"

	"github.com/gofiber/fiber/v2"
)

const (
	Version = "1.0.0"

	statusHealthy   = "healthy"
	statusUnhealthy = "unhealthy"
	statusDegraded  = "degraded"
	statusDisabled  = "disabled"

	healthTimeout = 3 * time.Second
)

// PingFunc reports whether a dependency answers.
type PingFunc func(ctx context.Context) error

type CheckHandler struct {
	database PingFunc
	redis    PingFunc
}

// NewCheckHandler takes a nil redis ping when no cache is configured.
func NewCheckHandler(database, redis PingFunc) *CheckHandler {
	return &CheckHandler{database: database, redis: redis}
}

func (h *CheckHandler) HandleHealthy(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), healthTimeout)
	defer cancel()

	resp := types.HealthResponse{
		Status:    statusHealthy,
		Version:   Version,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Database:  probe(ctx, h.database),
		Redis:     probe(ctx, h.redis),
	}
	if resp.Database == statusUnhealthy || resp.Redis == statusUnhealthy {
		resp.Status = statusDegraded
	}
	return c.JSON(resp)
}

func probe(ctx context.Context, ping PingFunc) string {
	if ping == nil {
		return statusDisabled
	}
	if err := ping(ctx); err != nil {
		return statusUnhealthy
	}
	return statusHealthy
}

func (h *CheckHandler) HandleRoot(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"message": "Contract Intelligence API",
		"version": Version,
		"health":  "/healthz",
	})
}
