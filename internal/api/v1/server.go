package apiv1

import (
	"github.com/gofiber/fiber/v2"
)

// Pong defines model for Pong.
type Pong struct {
	Ping string `json:"ping"`
}

// ServerInterface represents all server handlers.
type ServerInterface interface {
	// (GET /ping)
	GetPing(c *fiber.Ctx) error
	// (POST /subscriptions)
	PostSubscriptions(c *fiber.Ctx) error
	// (POST /subscriptions/regenerate-qr)
	PostRegenerateQRCode(c *fiber.Ctx) error
	// (POST /subscriptions/portal)
	PostPortalSession(c *fiber.Ctx) error
	// (POST /subscriptions/sweep)
	PostSweep(c *fiber.Ctx) error
	// (GET /subscriptions/sweep/last)
	GetSweepStatus(c *fiber.Ctx) error
	// (GET /stores/{storeId}/access)
	GetStoreAccess(c *fiber.Ctx, storeID string) error
}

// Guards holds the middleware placed in front of each route class.
type Guards struct {
	// Client guards the dashboard facing store routes.
	Client []fiber.Handler
	// Operator guards the sweep routes.
	Operator []fiber.Handler
}

// RegisterHandlers adds each server route to the router.
func RegisterHandlers(router fiber.Router, si ServerInterface, guards Guards) {
	router.Get("/ping", si.GetPing)

	router.Post("/subscriptions", chain(guards.Client, si.PostSubscriptions)...)
	router.Post("/subscriptions/regenerate-qr", chain(guards.Client, si.PostRegenerateQRCode)...)
	router.Post("/subscriptions/portal", chain(guards.Client, si.PostPortalSession)...)
	router.Get("/stores/:storeId/access", chain(guards.Client, func(c *fiber.Ctx) error {
		return si.GetStoreAccess(c, c.Params("storeId"))
	})...)

	router.Post("/subscriptions/sweep", chain(guards.Operator, si.PostSweep)...)
	router.Get("/subscriptions/sweep/last", chain(guards.Operator, si.GetSweepStatus)...)
}

func chain(guards []fiber.Handler, h fiber.Handler) []fiber.Handler {
	return append(append([]fiber.Handler{}, guards...), h)
}
