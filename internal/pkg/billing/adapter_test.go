package billing_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/StoreBilling/app/models"
	"github.com/ManuelReschke/StoreBilling/internal/pkg/billing"
	"github.com/ManuelReschke/StoreBilling/internal/pkg/billing/billingtest"
)

var now = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func TestEnsureCustomerReusesExistingID(t *testing.T) {
	gw := billingtest.NewFakeGateway()
	a := billing.NewAdapter(gw, billingtest.NewFixedClock(now))

	id, err := a.EnsureCustomer(context.Background(), "cus_existing", "S1", "a@b.com")
	require.NoError(t, err)
	assert.Equal(t, "cus_existing", id)
	assert.Equal(t, 0, gw.CustomerCalls())
}

func TestEnsureCustomerUsesStableIdempotencyKey(t *testing.T) {
	gw := billingtest.NewFakeGateway()
	a := billing.NewAdapter(gw, billingtest.NewFixedClock(now))

	first, err := a.EnsureCustomer(context.Background(), "", "S1", "A@B.com")
	require.NoError(t, err)
	second, err := a.EnsureCustomer(context.Background(), "", "S1", "a@b.com ")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	require.Len(t, gw.Customers, 2)
	assert.Equal(t, gw.Customers[0].IdempotencyKey, gw.Customers[1].IdempotencyKey)
}

func TestEnsureCustomerWrapsProviderError(t *testing.T) {
	gw := billingtest.NewFakeGateway()
	gw.CustomerErr = errors.New("card_declined")
	a := billing.NewAdapter(gw, billingtest.NewFixedClock(now))

	_, err := a.EnsureCustomer(context.Background(), "", "S1", "a@b.com")
	var perr *billing.PaymentProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "create customer", perr.Op)
}

func TestCreatePixChargeExpiresAfterTTL(t *testing.T) {
	gw := billingtest.NewFakeGateway()
	a := billing.NewAdapter(gw, billingtest.NewFixedClock(now))

	pix, err := a.CreatePixCharge(context.Background(), "cus_1", "S1", models.PlanMonthly)
	require.NoError(t, err)
	assert.Equal(t, now.Add(24*time.Hour), pix.ExpiresAt)
	assert.NotEmpty(t, pix.InvoiceID)
	assert.NotEmpty(t, pix.QRCodeURL)
	assert.NotEmpty(t, pix.Code)

	require.Len(t, gw.PixCharges, 1)
	req := gw.PixCharges[0]
	assert.Equal(t, int64(17990), req.AmountCents)
	assert.Equal(t, "brl", req.Currency)
	assert.Equal(t, "S1", req.Metadata["store_id"])
	assert.Equal(t, models.PlanMonthly, req.Metadata["plan"])
	assert.NotEmpty(t, req.IdempotencyKey)
}

func TestCreatePixChargeWithoutQRVoidsAndFails(t *testing.T) {
	gw := billingtest.NewFakeGateway()
	gw.PixResult = func(_ billing.PixChargeRequest, _ int) billing.PixChargeResult {
		return billing.PixNoQR("pi_noqr")
	}
	a := billing.NewAdapter(gw, billingtest.NewFixedClock(now))

	_, err := a.CreatePixCharge(context.Background(), "cus_1", "S1", models.PlanAnnual)
	var perr *billing.PaymentProviderError
	require.ErrorAs(t, err, &perr)
	assert.ErrorIs(t, err, billing.ErrNoQRAvailable)
	assert.Equal(t, []string{"pi_noqr"}, gw.VoidedCharges())
}

func TestCreatePixChargeProviderError(t *testing.T) {
	gw := billingtest.NewFakeGateway()
	boom := errors.New("rate limited")
	gw.PixResult = func(_ billing.PixChargeRequest, _ int) billing.PixChargeResult {
		return billing.PixProviderError(boom)
	}
	a := billing.NewAdapter(gw, billingtest.NewFixedClock(now))

	_, err := a.CreatePixCharge(context.Background(), "cus_1", "S1", models.PlanMonthly)
	assert.ErrorIs(t, err, boom)
}

func TestRegeneratePixChargeContinuesWhenVoidFails(t *testing.T) {
	gw := billingtest.NewFakeGateway()
	gw.VoidErr = errors.New("network down")
	a := billing.NewAdapter(gw, billingtest.NewFixedClock(now))

	prior := "pi_old"
	customer := "cus_1"
	sub := &models.Subscription{StoreID: "S1", Plan: models.PlanMonthly, ExternalCustomerID: &customer, PixInvoiceID: &prior}

	pix, err := a.RegeneratePixCharge(context.Background(), sub)
	require.NoError(t, err)
	assert.NotEqual(t, prior, pix.InvoiceID)
	assert.Equal(t, []string{"pi_old"}, gw.VoidedCharges())
}

func TestRegeneratePixChargeTreatsSettledChargeAsVoided(t *testing.T) {
	gw := billingtest.NewFakeGateway()
	gw.VoidErr = billing.ErrChargeAlreadySettled
	a := billing.NewAdapter(gw, billingtest.NewFixedClock(now))

	prior := "pi_paid"
	sub := &models.Subscription{StoreID: "S1", Plan: models.PlanMonthly, PixInvoiceID: &prior}

	_, err := a.RegeneratePixCharge(context.Background(), sub)
	require.NoError(t, err)
}

func TestOpenBillingPortalRequiresCustomer(t *testing.T) {
	gw := billingtest.NewFakeGateway()
	a := billing.NewAdapter(gw, billingtest.NewFixedClock(now))

	_, err := a.OpenBillingPortal(context.Background(), &models.Subscription{StoreID: "S1"}, "https://app.example.test")
	var nerr *billing.NoActiveSubscriptionError
	require.ErrorAs(t, err, &nerr)
	assert.Equal(t, "S1", nerr.StoreID)

	customer := "cus_9"
	url, err := a.OpenBillingPortal(context.Background(), &models.Subscription{StoreID: "S1", ExternalCustomerID: &customer}, "https://app.example.test")
	require.NoError(t, err)
	assert.Contains(t, url, "cus_9")
}

func TestCreateCardCheckoutSessionRequiresPrice(t *testing.T) {
	gw := billingtest.NewFakeGateway()
	a := billing.NewAdapter(gw, billingtest.NewFixedClock(now))

	_, err := a.CreateCardCheckoutSession(context.Background(), billing.CheckoutSessionRequest{CustomerID: "cus_1"})
	var perr *billing.PaymentProviderError
	require.ErrorAs(t, err, &perr)
	assert.Empty(t, gw.Checkouts)
}
