package controllers

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/StoreBilling/internal/pkg/billing"
	"github.com/ManuelReschke/StoreBilling/internal/pkg/jobqueue"
	"github.com/ManuelReschke/StoreBilling/internal/pkg/metrics"
)

const requestTimeout = 20 * time.Second

// BillingService is the part of billing.Service the HTTP layer uses.
type BillingService interface {
	CreateSubscription(ctx context.Context, in billing.CreateSubscriptionInput) (*billing.CreateSubscriptionResult, error)
	RegenerateQRCode(ctx context.Context, in billing.RegenerateQRCodeInput) (*billing.RegenerateQRCodeResult, error)
	OpenPortal(ctx context.Context, in billing.OpenPortalInput) (string, error)
	Access(ctx context.Context, storeID string) (billing.AccessDecision, error)
	HandleWebhook(ctx context.Context, payload []byte, signature string) (billing.WebhookResult, error)
}

// SweepTrigger runs one sweep on demand and reports on past runs.
type SweepTrigger interface {
	RunSweepOnce(ctx context.Context) (billing.SweepSummary, error)
	LastSummary(ctx context.Context) (*billing.SweepSummary, error)
	Stats(ctx context.Context) (map[string]int64, error)
}

type BillingController struct {
	svc     BillingService
	sweeper SweepTrigger
}

func NewBillingController(svc BillingService, sweeper SweepTrigger) *BillingController {
	return &BillingController{svc: svc, sweeper: sweeper}
}

// HandleCreateSubscription starts a PIX or hosted checkout for a store.
func (bc *BillingController) HandleCreateSubscription(c *fiber.Ctx) error {
	var in billing.CreateSubscriptionInput
	if err := c.BodyParser(&in); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_json", "message": "Request body must be JSON"})
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), requestTimeout)
	defer cancel()

	res, err := bc.svc.CreateSubscription(ctx, in)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(res)
}

func (bc *BillingController) HandleRegenerateQRCode(c *fiber.Ctx) error {
	var in billing.RegenerateQRCodeInput
	if err := c.BodyParser(&in); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_json", "message": "Request body must be JSON"})
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), requestTimeout)
	defer cancel()

	res, err := bc.svc.RegenerateQRCode(ctx, in)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(res)
}

func (bc *BillingController) HandleOpenPortal(c *fiber.Ctx) error {
	var in billing.OpenPortalInput
	if err := c.BodyParser(&in); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_json", "message": "Request body must be JSON"})
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), requestTimeout)
	defer cancel()

	url, err := bc.svc.OpenPortal(ctx, in)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"url": url})
}

// HandleSweep runs the sweeper once. Concurrent runs are rejected.
func (bc *BillingController) HandleSweep(c *fiber.Ctx) error {
	summary, err := bc.sweeper.RunSweepOnce(c.UserContext())
	if err != nil {
		if errors.Is(err, jobqueue.ErrSweepInProgress) {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "sweep_in_progress", "message": "A sweep is already running"})
		}
		return respondError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(summary)
}

// HandleSweepStatus reports the last finished sweep and the run counters.
func (bc *BillingController) HandleSweepStatus(c *fiber.Ctx) error {
	last, err := bc.sweeper.LastSummary(c.UserContext())
	if err != nil {
		log.Errorf("[Sweeper] Reading last summary failed: %v", err)
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "sweep_status_unavailable"})
	}
	stats, err := bc.sweeper.Stats(c.UserContext())
	if err != nil {
		log.Errorf("[Sweeper] Reading stats failed: %v", err)
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "sweep_status_unavailable"})
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"last": last, "stats": stats})
}

func (bc *BillingController) HandleStoreAccess(c *fiber.Ctx) error {
	return bc.StoreAccess(c, c.Params("storeId"))
}

// StoreAccess reports whether storeID's dashboard is blocked.
func (bc *BillingController) StoreAccess(c *fiber.Ctx, storeID string) error {
	decision, err := bc.svc.Access(c.UserContext(), storeID)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(decision)
}

// HandleStripeWebhook verifies and applies a Stripe delivery. Processing
// failures answer 500 so Stripe retries the delivery.
func (bc *BillingController) HandleStripeWebhook(c *fiber.Ctx) error {
	start := time.Now()
	eventType := "unknown"
	status := fiber.StatusOK
	defer func() {
		metrics.WebhookRequestsTotal.WithLabelValues(eventType, strconv.Itoa(status)).Inc()
		metrics.WebhookDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	}()

	rawBody := append([]byte(nil), c.BodyRaw()...)
	res, err := bc.svc.HandleWebhook(c.UserContext(), rawBody, c.Get("Stripe-Signature"))
	if res.EventType != "" {
		eventType = res.EventType
	}

	switch {
	case err == nil:
		return c.Status(status).JSON(fiber.Map{"received": true, "duplicate": res.Duplicate, "ignored": res.Ignored})
	case errors.Is(err, billing.ErrWebhookNotConfigured):
		status = fiber.StatusServiceUnavailable
		return c.Status(status).JSON(fiber.Map{"error": "webhook_not_configured"})
	case errors.Is(err, billing.ErrInvalidSignature):
		status = fiber.StatusBadRequest
		return c.Status(status).JSON(fiber.Map{"error": "invalid_signature"})
	default:
		status = fiber.StatusInternalServerError
		log.Errorf("[Billing] Webhook %s processing failed: %v", res.EventID, err)
		return c.Status(status).JSON(fiber.Map{"error": "processing_failed"})
	}
}

// respondError maps billing errors to HTTP responses.
func respondError(c *fiber.Ctx, err error) error {
	var (
		validationErr *billing.ValidationError
		providerErr   *billing.PaymentProviderError
		notFoundErr   *billing.NotFoundError
		noActiveErr   *billing.NoActiveSubscriptionError
		stateErr      *billing.InvalidStateError
		dbErr         *billing.DatabaseError
	)

	switch {
	case errors.As(err, &validationErr):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "validation_failed", "field": validationErr.Field, "message": validationErr.Error()})
	case errors.As(err, &noActiveErr):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "no_active_subscription", "message": noActiveErr.Error()})
	case errors.As(err, &notFoundErr):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": notFoundErr.Error()})
	case errors.As(err, &stateErr):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "invalid_state", "status": stateErr.Status, "message": stateErr.Error()})
	case errors.Is(err, billing.ErrConcurrentUpdate):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "concurrent_update", "message": "Subscription changed, please retry"})
	case errors.As(err, &providerErr):
		log.Errorf("[Billing] Payment provider error: %v", providerErr)
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "payment_provider_error", "message": "Payment provider request failed"})
	case errors.As(err, &dbErr):
		log.Errorf("[Billing] Database error: %v", dbErr)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "database_error"})
	default:
		log.Errorf("[Billing] Unexpected error: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error"})
	}
}
