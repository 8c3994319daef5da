package router

import (
	"time"

	apiv1 "github.com/ManuelReschke/StoreBilling/internal/api/v1"
	"github.com/ManuelReschke/StoreBilling/internal/pkg/env"
	"github.com/ManuelReschke/StoreBilling/internal/pkg/middleware"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
)

type ApiRouter struct {
	deps Dependencies
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api", limiter.New(limiter.Config{
		Max:        env.GetEnvInt("API_RATE_LIMIT", 60),
		Expiration: 1 * time.Minute,
		Storage:    h.deps.LimiterStorage,
	}))
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "Hello from api",
		})
	})

	// API v1 routes
	v1 := api.Group("/v1")
	apiServer := apiv1.NewAPIServer(h.deps.Billing)
	apiv1.RegisterHandlers(v1, apiServer, apiv1.Guards{
		Client:   []fiber.Handler{middleware.APIKeyAuthMiddleware(h.deps.ClientAPIKey)},
		Operator: []fiber.Handler{middleware.APIKeyAuthMiddleware(h.deps.SweepAPIKey)},
	})
}

func NewApiRouter(deps Dependencies) *ApiRouter {
	return &ApiRouter{deps: deps}
}
