package metrics

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthHandler returns a Fiber handler exposing the health/metrics snapshot
// as JSON, matching the status-code conventions of the teacher's
// healthHandler (internal/web/health.go): 200 when up or degraded, 503 when
// down.
func (c *Collector) HealthHandler() fiber.Handler {
	return func(ctx *fiber.Ctx) error {
		report := c.Snapshot()

		status := fiber.StatusOK
		if report.Status == StatusDown.String() {
			status = fiber.StatusServiceUnavailable
		}

		return ctx.Status(status).JSON(report)
	}
}

// LivenessHandler always reports alive while the process is responsive, per
// the teacher's livenessHandler.
func LivenessHandler() fiber.Handler {
	return func(ctx *fiber.Ctx) error {
		return ctx.JSON(fiber.Map{"status": "alive"})
	}
}

// MetricsHandler adapts net/http's promhttp.Handler to a Fiber handler via
// gofiber's adaptor middleware, the standard bridge for mounting stdlib
// handlers on a Fiber router.
func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
