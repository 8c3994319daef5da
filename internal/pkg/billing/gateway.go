package billing

import (
	"context"
	"time"
)

// Gateway is the raw payment provider surface. Implementations do not keep
// any subscription state; Adapter layers the billing rules on top.
type Gateway interface {
	CreateCustomer(ctx context.Context, req CustomerRequest) (string, error)
	CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (string, error)
	CreatePixCharge(ctx context.Context, req PixChargeRequest) PixChargeResult
	VoidCharge(ctx context.Context, chargeID string) error
	CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error)
}

type CustomerRequest struct {
	StoreID        string
	Email          string
	IdempotencyKey string
}

type CheckoutSessionRequest struct {
	CustomerID    string
	Email         string
	PriceRef      string
	PaymentMethod string
	SuccessURL    string
	CancelURL     string
	Metadata      map[string]string
}

type PixChargeRequest struct {
	CustomerID     string
	AmountCents    int64
	Currency       string
	ExpiresAfter   time.Duration
	Metadata       map[string]string
	IdempotencyKey string
}

// PixChargeOutcome discriminates PixChargeResult.
type PixChargeOutcome int

const (
	PixChargeSucceeded PixChargeOutcome = iota
	PixChargeNoQR
	PixChargeProviderError
)

// PixChargeResult is decoded once at the provider boundary. Only a
// PixChargeSucceeded result carries usable QR data.
type PixChargeResult struct {
	Outcome   PixChargeOutcome
	ChargeID  string
	QRCodeURL string
	Code      string
	ExpiresAt time.Time
	Err       error
}

func PixSuccess(chargeID, qrURL, code string, expiresAt time.Time) PixChargeResult {
	return PixChargeResult{Outcome: PixChargeSucceeded, ChargeID: chargeID, QRCodeURL: qrURL, Code: code, ExpiresAt: expiresAt}
}

func PixNoQR(chargeID string) PixChargeResult {
	return PixChargeResult{Outcome: PixChargeNoQR, ChargeID: chargeID}
}

func PixProviderError(err error) PixChargeResult {
	return PixChargeResult{Outcome: PixChargeProviderError, Err: err}
}
