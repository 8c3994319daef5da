package billing

import (
	"context"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"

	"github.com/ManuelReschke/StoreBilling/app/models"
	"github.com/ManuelReschke/StoreBilling/internal/pkg/metrics"
)

// Adapter turns lifecycle decisions into payment provider calls and
// normalizes the provider's answers.
type Adapter struct {
	gw    Gateway
	clock Clock
}

func NewAdapter(gw Gateway, clock Clock) *Adapter {
	if clock == nil {
		clock = SystemClock()
	}
	return &Adapter{gw: gw, clock: clock}
}

// EnsureCustomer returns the customer already on file or creates one. The
// create call uses a key derived from the store so a retried request never
// creates a second customer.
func (a *Adapter) EnsureCustomer(ctx context.Context, existingID, storeID, email string) (string, error) {
	if id := strings.TrimSpace(existingID); id != "" {
		return id, nil
	}
	id, err := a.gw.CreateCustomer(ctx, CustomerRequest{
		StoreID:        storeID,
		Email:          email,
		IdempotencyKey: customerIdempotencyKey(storeID, email),
	})
	observeProviderCall("create_customer", err)
	if err != nil {
		return "", &PaymentProviderError{Op: "create customer", Err: err}
	}
	if strings.TrimSpace(id) == "" {
		return "", &PaymentProviderError{Op: "create customer", Err: errors.New("empty customer id")}
	}
	log.Infof("[Billing] Created payment customer %s for store %s", id, storeID)
	return id, nil
}

// CreateCardCheckoutSession starts a hosted checkout for card or boleto.
func (a *Adapter) CreateCardCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (string, error) {
	if strings.TrimSpace(req.PriceRef) == "" {
		return "", &PaymentProviderError{Op: "create checkout session", Err: errors.New("no price configured for plan")}
	}
	url, err := a.gw.CreateCheckoutSession(ctx, req)
	observeProviderCall("create_checkout_session", err)
	if err != nil {
		return "", &PaymentProviderError{Op: "create checkout session", Err: err}
	}
	return url, nil
}

// CreatePixCharge issues a confirmed PIX charge for plan. The returned
// artifacts expire PixChargeTTL after the call.
func (a *Adapter) CreatePixCharge(ctx context.Context, customerID, storeID, plan string) (models.PixArtifacts, error) {
	now := a.clock.Now()
	res := a.gw.CreatePixCharge(ctx, PixChargeRequest{
		CustomerID:   customerID,
		AmountCents:  planAmountCents(plan),
		Currency:     currencyBRL,
		ExpiresAfter: PixChargeTTL,
		Metadata: map[string]string{
			"store_id": storeID,
			"plan":     plan,
		},
		IdempotencyKey: uuid.NewString(),
	})
	observeProviderCall("create_pix_charge", res.Err)

	switch res.Outcome {
	case PixChargeSucceeded:
		if res.ChargeID == "" || res.QRCodeURL == "" || res.Code == "" {
			return models.PixArtifacts{}, &PaymentProviderError{Op: "create pix charge", Err: ErrNoQRAvailable}
		}
		return models.PixArtifacts{
			InvoiceID: res.ChargeID,
			QRCodeURL: res.QRCodeURL,
			Code:      res.Code,
			ExpiresAt: now.Add(PixChargeTTL),
		}, nil
	case PixChargeNoQR:
		log.Errorf("[Billing] PIX charge %s for store %s has no displayable QR code", res.ChargeID, storeID)
		// Do not leave an unpayable intent behind.
		a.voidPriorCharge(ctx, storeID, res.ChargeID)
		return models.PixArtifacts{}, &PaymentProviderError{Op: "create pix charge", Err: ErrNoQRAvailable}
	default:
		err := res.Err
		if err == nil {
			err = errors.New("unknown provider failure")
		}
		log.Errorf("[Billing] PIX charge for store %s failed: %v", storeID, err)
		return models.PixArtifacts{}, &PaymentProviderError{Op: "create pix charge", Err: err}
	}
}

// RegeneratePixCharge voids the outstanding charge of sub, if any, and
// issues a new one.
func (a *Adapter) RegeneratePixCharge(ctx context.Context, sub *models.Subscription) (models.PixArtifacts, error) {
	if sub.PixInvoiceID != nil {
		a.voidPriorCharge(ctx, sub.StoreID, *sub.PixInvoiceID)
	}
	return a.CreatePixCharge(ctx, sub.CustomerID(), sub.StoreID, sub.Plan)
}

// OpenBillingPortal returns a self-service portal URL for the store's customer.
func (a *Adapter) OpenBillingPortal(ctx context.Context, sub *models.Subscription, returnURL string) (string, error) {
	if sub == nil || sub.CustomerID() == "" {
		storeID := ""
		if sub != nil {
			storeID = sub.StoreID
		}
		return "", &NoActiveSubscriptionError{StoreID: storeID}
	}
	url, err := a.gw.CreatePortalSession(ctx, sub.CustomerID(), returnURL)
	observeProviderCall("create_portal_session", err)
	if err != nil {
		return "", &PaymentProviderError{Op: "create portal session", Err: err}
	}
	return url, nil
}

// voidPriorCharge is best effort: the old charge may already be paid or
// voided, and a failure here must not block issuing a new charge.
func (a *Adapter) voidPriorCharge(ctx context.Context, storeID, chargeID string) {
	if strings.TrimSpace(chargeID) == "" {
		return
	}
	err := a.gw.VoidCharge(ctx, chargeID)
	if errors.Is(err, ErrChargeAlreadySettled) {
		observeProviderCall("void_charge", nil)
	} else {
		observeProviderCall("void_charge", err)
	}
	switch {
	case err == nil:
		log.Infof("[Billing] Voided prior charge %s of store %s", chargeID, storeID)
	case errors.Is(err, ErrChargeAlreadySettled):
		log.Debugf("[Billing] Prior charge %s of store %s already settled", chargeID, storeID)
	default:
		log.Warnf("[Billing] Could not void prior charge %s of store %s: %v", chargeID, storeID, err)
	}
}

func customerIdempotencyKey(storeID, email string) string {
	return "customer:" + storeID + ":" + strings.ToLower(strings.TrimSpace(email))
}

func observeProviderCall(op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.ProviderCallsTotal.WithLabelValues(op, outcome).Inc()
}
