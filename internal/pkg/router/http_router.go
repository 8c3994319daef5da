package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type HttpRouter struct {
	deps Dependencies
}

func (h HttpRouter) InstallRouter(app *fiber.App) {
	app.Get("/healthz", h.handleHealth)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	// Stripe signs the raw body, so the webhook must not pass through body
	// rewriting middleware.
	app.Post("/webhooks/stripe", h.deps.Billing.HandleStripeWebhook)
}

func (h HttpRouter) handleHealth(c *fiber.Ctx) error {
	if h.deps.HealthCheck != nil {
		if err := h.deps.HealthCheck(); err != nil {
			log.Warnf("[Health] Check failed: %v", err)
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "unhealthy"})
		}
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"status": "ok"})
}

func NewHttpRouter(deps Dependencies) *HttpRouter {
	return &HttpRouter{deps: deps}
}
