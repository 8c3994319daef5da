package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/StoreBilling/app/controllers"
)

type Router interface {
	InstallRouter(app *fiber.App)
}

// Dependencies carries what the routers need from the application wiring.
type Dependencies struct {
	Billing *controllers.BillingController
	// ClientAPIKey is the service key of the dashboard backend.
	ClientAPIKey string
	// SweepAPIKey is the operator key for the sweep routes.
	SweepAPIKey string
	HealthCheck func() error
	// LimiterStorage shares rate limit counters across instances. Nil keeps
	// them in process memory.
	LimiterStorage fiber.Storage
}

func InstallRouter(app *fiber.App, deps Dependencies) {
	// Install HttpRouter first so health, metrics and the webhook stay
	// outside the /api rate limiter.
	setup(app, NewHttpRouter(deps), NewApiRouter(deps))
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
