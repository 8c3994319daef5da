package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2/log"
	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/ManuelReschke/StoreBilling/app/models"
)

// WebhookResult describes what happened to one delivery.
type WebhookResult struct {
	EventID   string
	EventType string
	StoreID   string
	Duplicate bool
	Ignored   bool
}

// HandleWebhook verifies, records and applies a Stripe webhook delivery.
// Deliveries that were already processed successfully are acknowledged
// without being applied again.
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, signature string) (WebhookResult, error) {
	if !s.WebhookConfigured() {
		return WebhookResult{}, ErrWebhookNotConfigured
	}
	if strings.TrimSpace(signature) == "" {
		return WebhookResult{}, fmt.Errorf("%w: missing signature header", ErrInvalidSignature)
	}

	event, err := webhook.ConstructEventWithOptions(payload, signature, s.cfg.WebhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return WebhookResult{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	res := WebhookResult{EventID: event.ID, EventType: string(event.Type)}

	created, stored, err := s.repo.CreateWebhookEventIfNotExists(ctx, &models.BillingWebhookEvent{
		Provider:        models.BillingProviderStripe,
		ProviderEventID: event.ID,
		EventType:       string(event.Type),
		PayloadJSON:     string(payload),
		SignatureValid:  true,
	})
	if err != nil {
		return res, err
	}
	if !created && !stored.NeedsProcessing() {
		log.Infof("[Billing] Duplicate webhook event %s (%s) ignored", event.ID, event.Type)
		res.Duplicate = true
		return res, nil
	}

	storeID, ignored, procErr := s.dispatchEvent(ctx, &event)
	res.StoreID = storeID
	res.Ignored = ignored

	errMsg := ""
	if procErr != nil {
		errMsg = procErr.Error()
		log.Errorf("[Billing] Webhook event %s (%s) failed: %v", event.ID, event.Type, procErr)
	}
	if err := s.repo.MarkWebhookProcessed(ctx, stored.ID, storeID, errMsg); err != nil {
		log.Errorf("[Billing] Failed to mark webhook event %s processed: %v", event.ID, err)
		if procErr == nil {
			return res, err
		}
	}
	return res, procErr
}

func (s *Service) dispatchEvent(ctx context.Context, event *stripe.Event) (storeID string, ignored bool, err error) {
	switch event.Type {
	case "payment_intent.succeeded":
		var pi paymentIntentPayload
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return "", false, fmt.Errorf("decode payment_intent: %w", err)
		}
		storeID = pi.Metadata["store_id"]
		if storeID == "" {
			// Subscription invoices are confirmed through invoice.paid.
			return "", true, nil
		}
		_, err := s.ConfirmPayment(ctx, PaymentConfirmation{StoreID: storeID, CustomerID: pi.Customer, ChargeID: pi.ID})
		return storeID, false, ignoreMissing(err)

	case "invoice.paid":
		var inv invoicePayload
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return "", false, fmt.Errorf("decode invoice: %w", err)
		}
		storeID = inv.storeID()
		sub, err := s.ConfirmPayment(ctx, PaymentConfirmation{StoreID: storeID, CustomerID: inv.Customer, ChargeID: inv.ID})
		if sub != nil {
			storeID = sub.StoreID
		}
		return storeID, false, ignoreMissing(err)

	case "payment_intent.canceled":
		var pi paymentIntentPayload
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return "", false, fmt.Errorf("decode payment_intent: %w", err)
		}
		storeID = pi.Metadata["store_id"]
		sub, err := s.HandleChargeVoided(ctx, storeID, pi.Customer, pi.ID)
		if sub != nil {
			storeID = sub.StoreID
		}
		return storeID, false, ignoreMissing(err)

	case "invoice.voided":
		var inv invoicePayload
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return "", false, fmt.Errorf("decode invoice: %w", err)
		}
		storeID = inv.storeID()
		sub, err := s.HandleChargeVoided(ctx, storeID, inv.Customer, inv.ID)
		if sub != nil {
			storeID = sub.StoreID
		}
		return storeID, false, ignoreMissing(err)

	case "checkout.session.completed":
		var cs checkoutSessionPayload
		if err := json.Unmarshal(event.Data.Raw, &cs); err != nil {
			return "", false, fmt.Errorf("decode checkout.session: %w", err)
		}
		storeID = firstNonEmpty(cs.Metadata["store_id"], cs.ClientReferenceID)
		_, err := s.AttachCheckout(ctx, CheckoutCompletion{
			StoreID:        storeID,
			CustomerID:     cs.Customer,
			SubscriptionID: cs.Subscription,
			Paid:           cs.PaymentStatus == "paid",
		})
		return storeID, false, ignoreMissing(err)

	case "customer.subscription.deleted":
		var sp subscriptionPayload
		if err := json.Unmarshal(event.Data.Raw, &sp); err != nil {
			return "", false, fmt.Errorf("decode subscription: %w", err)
		}
		storeID = sp.Metadata["store_id"]
		sub, err := s.CancelSubscription(ctx, storeID, sp.Customer)
		if sub != nil {
			storeID = sub.StoreID
		}
		var invalid *InvalidStateError
		if errors.As(err, &invalid) {
			log.Warnf("[Billing] Ignoring subscription deletion for store %s: %v", storeID, err)
			return storeID, true, nil
		}
		return storeID, false, ignoreMissing(err)

	default:
		log.Infof("[Billing] Webhook event %s ignored (unhandled type %s)", event.ID, event.Type)
		return "", true, nil
	}
}

// ignoreMissing acknowledges events for stores this service does not know.
// Retrying them would never succeed.
func ignoreMissing(err error) error {
	if IsNotFound(err) {
		log.Warnf("[Billing] Webhook refers to unknown subscription: %v", err)
		return nil
	}
	var verr *ValidationError
	if errors.As(err, &verr) {
		log.Warnf("[Billing] Webhook carries no store reference: %v", err)
		return nil
	}
	return err
}

// paymentIntentPayload is a minimal representation of a Stripe payment_intent event.
type paymentIntentPayload struct {
	ID       string            `json:"id"`
	Customer string            `json:"customer"`
	Status   string            `json:"status"`
	Metadata map[string]string `json:"metadata"`
}

// invoicePayload is a minimal representation of a Stripe invoice event.
type invoicePayload struct {
	ID                  string            `json:"id"`
	Customer            string            `json:"customer"`
	Metadata            map[string]string `json:"metadata"`
	SubscriptionDetails *struct {
		Metadata map[string]string `json:"metadata"`
	} `json:"subscription_details"`
	Parent *struct {
		SubscriptionDetails *struct {
			Metadata map[string]string `json:"metadata"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

func (p invoicePayload) storeID() string {
	if id := p.Metadata["store_id"]; id != "" {
		return id
	}
	if p.SubscriptionDetails != nil {
		if id := p.SubscriptionDetails.Metadata["store_id"]; id != "" {
			return id
		}
	}
	if p.Parent != nil && p.Parent.SubscriptionDetails != nil {
		return p.Parent.SubscriptionDetails.Metadata["store_id"]
	}
	return ""
}

// checkoutSessionPayload is a minimal representation of a Stripe checkout.session event.
type checkoutSessionPayload struct {
	ID                string            `json:"id"`
	Mode              string            `json:"mode"`
	Customer          string            `json:"customer"`
	Subscription      string            `json:"subscription"`
	PaymentStatus     string            `json:"payment_status"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
}

// subscriptionPayload is a minimal representation of a Stripe subscription event.
type subscriptionPayload struct {
	ID       string            `json:"id"`
	Customer string            `json:"customer"`
	Status   string            `json:"status"`
	Metadata map[string]string `json:"metadata"`
}
