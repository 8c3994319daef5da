package apiv1

import (
	"github.com/gofiber/fiber/v2"

	// Delegate to the billing controller to keep response shapes in one place
	"github.com/ManuelReschke/StoreBilling/app/controllers"
)

// APIServer implements the ServerInterface
type APIServer struct {
	billing *controllers.BillingController
}

// NewAPIServer creates a new API server instance
func NewAPIServer(billing *controllers.BillingController) *APIServer {
	return &APIServer{billing: billing}
}

// GetPing handles the ping endpoint
func (s *APIServer) GetPing(c *fiber.Ctx) error {
	response := Pong{
		Ping: "pong",
	}

	return c.Status(fiber.StatusOK).JSON(response)
}

func (s *APIServer) PostSubscriptions(c *fiber.Ctx) error {
	return s.billing.HandleCreateSubscription(c)
}

// PostRegenerateQRCode issues a fresh PIX charge for a pending store.
func (s *APIServer) PostRegenerateQRCode(c *fiber.Ctx) error {
	return s.billing.HandleRegenerateQRCode(c)
}

func (s *APIServer) PostPortalSession(c *fiber.Ctx) error {
	return s.billing.HandleOpenPortal(c)
}

// PostSweep runs the lifecycle sweep on demand (API key protected).
func (s *APIServer) PostSweep(c *fiber.Ctx) error {
	return s.billing.HandleSweep(c)
}

// GetSweepStatus returns the last sweep summary and run counters (API key protected).
func (s *APIServer) GetSweepStatus(c *fiber.Ctx) error {
	return s.billing.HandleSweepStatus(c)
}

// GetStoreAccess reports whether a store's dashboard is blocked.
func (s *APIServer) GetStoreAccess(c *fiber.Ctx, storeID string) error {
	return s.billing.StoreAccess(c, storeID)
}
