package billing

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"

	"github.com/ManuelReschke/StoreBilling/internal/pkg/env"
)

// StripeGateway implements Gateway on an explicitly constructed Stripe API
// client, so several gateways with different keys can coexist.
type StripeGateway struct {
	api *client.API
}

func NewStripeGateway(secretKey string) *StripeGateway {
	return &StripeGateway{api: client.New(secretKey, nil)}
}

// NewStripeGatewayFromEnv builds a gateway from STRIPE_SECRET_KEY.
func NewStripeGatewayFromEnv() *StripeGateway {
	key := strings.TrimSpace(env.GetEnv("STRIPE_SECRET_KEY", ""))
	if key == "" {
		log.Warn("[Billing] STRIPE_SECRET_KEY is not configured, payment calls will fail")
	}
	return NewStripeGateway(key)
}

func (g *StripeGateway) CreateCustomer(ctx context.Context, req CustomerRequest) (string, error) {
	params := &stripe.CustomerParams{
		Email: stripe.String(req.Email),
	}
	params.Context = ctx
	params.AddMetadata("store_id", req.StoreID)
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}
	c, err := g.api.Customers.New(params)
	if err != nil {
		return "", err
	}
	return c.ID, nil
}

func (g *StripeGateway) CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (string, error) {
	method := req.PaymentMethod
	if method == "" {
		method = "card"
	}
	params := &stripe.CheckoutSessionParams{
		Mode:               stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		PaymentMethodTypes: stripe.StringSlice([]string{method}),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{Price: stripe.String(req.PriceRef), Quantity: stripe.Int64(1)},
		},
		SuccessURL: stripe.String(req.SuccessURL),
		CancelURL:  stripe.String(req.CancelURL),
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: req.Metadata,
		},
	}
	params.Context = ctx
	if req.CustomerID != "" {
		params.Customer = stripe.String(req.CustomerID)
	} else {
		params.CustomerEmail = stripe.String(req.Email)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	s, err := g.api.CheckoutSessions.New(params)
	if err != nil {
		return "", err
	}
	return s.URL, nil
}

func (g *StripeGateway) CreatePixCharge(ctx context.Context, req PixChargeRequest) PixChargeResult {
	params := &stripe.PaymentIntentParams{
		Amount:             stripe.Int64(req.AmountCents),
		Currency:           stripe.String(req.Currency),
		PaymentMethodTypes: stripe.StringSlice([]string{"pix"}),
		PaymentMethodData: &stripe.PaymentIntentPaymentMethodDataParams{
			Type: stripe.String("pix"),
		},
		PaymentMethodOptions: &stripe.PaymentIntentPaymentMethodOptionsParams{
			Pix: &stripe.PaymentIntentPaymentMethodOptionsPixParams{
				ExpiresAfterSeconds: stripe.Int64(int64(req.ExpiresAfter / time.Second)),
			},
		},
		Confirm: stripe.Bool(true),
	}
	params.Context = ctx
	if req.CustomerID != "" {
		params.Customer = stripe.String(req.CustomerID)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	pi, err := g.api.PaymentIntents.New(params)
	if err != nil {
		return PixProviderError(err)
	}
	return decodePixPaymentIntent(pi)
}

// decodePixPaymentIntent reads the QR payload out of the intent's next action.
func decodePixPaymentIntent(pi *stripe.PaymentIntent) PixChargeResult {
	if pi == nil {
		return PixProviderError(errors.New("empty payment intent"))
	}
	if pi.NextAction == nil || pi.NextAction.PixDisplayQRCode == nil {
		return PixNoQR(pi.ID)
	}
	qr := pi.NextAction.PixDisplayQRCode
	imageURL := firstNonEmpty(qr.ImageURLPNG, qr.ImageURLSVG, qr.HostedInstructionsURL)
	if strings.TrimSpace(qr.Data) == "" || imageURL == "" {
		return PixNoQR(pi.ID)
	}
	var expiresAt time.Time
	if qr.ExpiresAt > 0 {
		expiresAt = time.Unix(qr.ExpiresAt, 0).UTC()
	}
	return PixSuccess(pi.ID, imageURL, qr.Data, expiresAt)
}

// VoidCharge cancels an unpaid PIX payment intent, or voids an open invoice
// when given an invoice id.
func (g *StripeGateway) VoidCharge(ctx context.Context, chargeID string) error {
	var err error
	if strings.HasPrefix(chargeID, "in_") {
		params := &stripe.InvoiceVoidInvoiceParams{}
		params.Context = ctx
		_, err = g.api.Invoices.VoidInvoice(chargeID, params)
	} else {
		params := &stripe.PaymentIntentCancelParams{}
		params.Context = ctx
		_, err = g.api.PaymentIntents.Cancel(chargeID, params)
	}
	if err == nil {
		return nil
	}

	var se *stripe.Error
	if errors.As(err, &se) {
		switch se.Code {
		case "payment_intent_unexpected_state", "invoice_not_editable":
			return ErrChargeAlreadySettled
		}
	}
	return err
}

func (g *StripeGateway) CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(returnURL),
	}
	params.Context = ctx
	s, err := g.api.BillingPortalSessions.New(params)
	if err != nil {
		return "", err
	}
	return s.URL, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
