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

type fixture struct {
	svc   *billing.Service
	repo  *billingtest.MemoryRepository
	gw    *billingtest.FakeGateway
	clock *billingtest.FixedClock
}

func newFixture(t *testing.T, policy billing.WritePolicy) *fixture {
	t.Helper()
	repo := billingtest.NewMemoryRepository(policy)
	gw := billingtest.NewFakeGateway()
	clock := billingtest.NewFixedClock(now)
	svc := billing.NewService(repo, gw, clock, billing.Config{
		WritePolicy: policy,
		PriceRefs: map[string]string{
			models.PlanMonthly: "price_monthly",
			models.PlanAnnual:  "price_annual",
		},
		SuccessURL:    "https://app.example.test/billing/success",
		CancelURL:     "https://app.example.test/billing/cancel",
		WebhookSecret: testWebhookSecret,
	})
	return &fixture{svc: svc, repo: repo, gw: gw, clock: clock}
}

func strPtr(s string) *string { return &s }

func seedPending(f *fixture, storeID string) *models.Subscription {
	sub := models.Subscription{
		StoreID:            storeID,
		Plan:               models.PlanMonthly,
		Status:             models.SubscriptionStatusPendingPayment,
		PaymentMethod:      models.PaymentMethodPix,
		Email:              "a@b.com",
		ExternalCustomerID: strPtr("cus_seed"),
		CurrentPeriodEnd:   now.AddDate(0, 1, 0),
	}
	sub.SetPix(models.PixArtifacts{
		InvoiceID: "pi_seed",
		QRCodeURL: "https://qr.example.test/pi_seed.png",
		Code:      "00020126seed",
		ExpiresAt: now.Add(24 * time.Hour),
	})
	return f.repo.Seed(sub)
}

func TestCreateSubscriptionPixMonthly(t *testing.T) {
	f := newFixture(t, billing.WritePolicyStrict)

	res, err := f.svc.CreateSubscription(context.Background(), billing.CreateSubscriptionInput{
		Plan: "monthly", StoreID: "S1", Email: "a@b.com",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, res.PixQrCode)
	assert.NotEmpty(t, res.PixCode)
	assert.NotEmpty(t, res.PaymentIntentID)
	assert.InDelta(t, 179.90, res.Amount, 0.0001)
	require.NotNil(t, res.ExpiresAt)
	assert.Equal(t, now.Add(24*time.Hour), *res.ExpiresAt)

	row := f.repo.Get("S1")
	require.NotNil(t, row)
	assert.Equal(t, models.SubscriptionStatusPendingPayment, row.Status)
	assert.Equal(t, models.PaymentMethodPix, row.PaymentMethod)
	assert.Equal(t, now.AddDate(0, 1, 0), row.CurrentPeriodEnd)
	assert.True(t, row.HasPix())
	assert.Equal(t, res.PaymentIntentID, *row.PixInvoiceID)
}

func TestCreateSubscriptionAnnualAmount(t *testing.T) {
	f := newFixture(t, billing.WritePolicyStrict)

	res, err := f.svc.CreateSubscription(context.Background(), billing.CreateSubscriptionInput{
		Plan: "annual", StoreID: "S1", Email: "a@b.com", PaymentMethod: "pix",
	})
	require.NoError(t, err)
	assert.InDelta(t, 1799.00, res.Amount, 0.0001)
	assert.Equal(t, now.AddDate(1, 0, 0), f.repo.Get("S1").CurrentPeriodEnd)
}

func TestCreateSubscriptionTwiceReusesCustomer(t *testing.T) {
	f := newFixture(t, billing.WritePolicyStrict)
	in := billing.CreateSubscriptionInput{Plan: "monthly", StoreID: "S1", Email: "a@b.com"}

	first, err := f.svc.CreateSubscription(context.Background(), in)
	require.NoError(t, err)
	customer := f.repo.Get("S1").CustomerID()

	second, err := f.svc.CreateSubscription(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, 1, f.gw.CustomerCalls())
	assert.Equal(t, customer, f.repo.Get("S1").CustomerID())
	assert.NotEqual(t, first.PaymentIntentID, second.PaymentIntentID)
	assert.Equal(t, []string{first.PaymentIntentID}, f.gw.VoidedCharges())
}

func TestCreateSubscriptionValidation(t *testing.T) {
	tests := []struct {
		name  string
		in    billing.CreateSubscriptionInput
		field string
	}{
		{name: "missing plan", in: billing.CreateSubscriptionInput{StoreID: "S1", Email: "a@b.com"}, field: "plan"},
		{name: "unknown plan", in: billing.CreateSubscriptionInput{Plan: "weekly", StoreID: "S1", Email: "a@b.com"}, field: "plan"},
		{name: "missing store", in: billing.CreateSubscriptionInput{Plan: "monthly", Email: "a@b.com"}, field: "storeId"},
		{name: "bad email", in: billing.CreateSubscriptionInput{Plan: "monthly", StoreID: "S1", Email: "nope"}, field: "email"},
		{name: "bad method", in: billing.CreateSubscriptionInput{Plan: "monthly", StoreID: "S1", Email: "a@b.com", PaymentMethod: "cash"}, field: "paymentMethod"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, billing.WritePolicyStrict)
			_, err := f.svc.CreateSubscription(context.Background(), tt.in)

			var verr *billing.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
			assert.Equal(t, 0, f.gw.CustomerCalls())
			assert.Equal(t, 0, f.gw.PixCalls())
		})
	}
}

func TestCreateSubscriptionProviderFailureLeavesNoRow(t *testing.T) {
	f := newFixture(t, billing.WritePolicyStrict)
	f.gw.PixResult = func(_ billing.PixChargeRequest, _ int) billing.PixChargeResult {
		return billing.PixNoQR("pi_broken")
	}

	_, err := f.svc.CreateSubscription(context.Background(), billing.CreateSubscriptionInput{
		Plan: "monthly", StoreID: "S1", Email: "a@b.com",
	})
	var perr *billing.PaymentProviderError
	require.ErrorAs(t, err, &perr)
	assert.Nil(t, f.repo.Get("S1"))
}

func TestCreateSubscriptionProviderFailureKeepsExistingRow(t *testing.T) {
	f := newFixture(t, billing.WritePolicyStrict)
	seeded := seedPending(f, "S1")
	f.gw.PixResult = func(_ billing.PixChargeRequest, _ int) billing.PixChargeResult {
		return billing.PixProviderError(errors.New("timeout"))
	}

	_, err := f.svc.CreateSubscription(context.Background(), billing.CreateSubscriptionInput{
		Plan: "monthly", StoreID: "S1", Email: "a@b.com",
	})
	require.Error(t, err)

	row := f.repo.Get("S1")
	assert.Equal(t, seeded.Version, row.Version)
	assert.Equal(t, "pi_seed", *row.PixInvoiceID)
}

func TestCreateSubscriptionKeepsPaymentConfirmedDuringCheckout(t *testing.T) {
	tests := []struct {
		policy     billing.WritePolicy
		wantErr    error
		wantStatus string
	}{
		{policy: billing.WritePolicyStrict, wantErr: billing.ErrConcurrentUpdate, wantStatus: models.SubscriptionStatusActive},
		{policy: billing.WritePolicyLenient, wantErr: nil, wantStatus: models.SubscriptionStatusPendingPayment},
	}

	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			f := newFixture(t, tt.policy)
			seedPending(f, "S1")
			f.gw.PixResult = func(req billing.PixChargeRequest, n int) billing.PixChargeResult {
				// The old charge settles while the new one is being issued.
				_, err := f.svc.ConfirmPayment(context.Background(), billing.PaymentConfirmation{StoreID: "S1", ChargeID: "pi_seed"})
				require.NoError(t, err)
				return billing.PixSuccess("pi_new", "https://qr.example.test/pi_new.png", "00020126new", now.Add(req.ExpiresAfter))
			}

			_, err := f.svc.CreateSubscription(context.Background(), billing.CreateSubscriptionInput{
				Plan: "monthly", StoreID: "S1", Email: "a@b.com",
			})
			row := f.repo.Get("S1")
			assert.Equal(t, tt.wantStatus, row.Status)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.False(t, row.HasPix())
				assert.Contains(t, f.gw.VoidedCharges(), "pi_new")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "pi_new", *row.PixInvoiceID)
			assert.NotContains(t, f.gw.VoidedCharges(), "pi_new")
		})
	}
}

func TestCreateSubscriptionRejectsActiveStore(t *testing.T) {
	f := newFixture(t, billing.WritePolicyStrict)
	f.repo.Seed(models.Subscription{
		StoreID: "S1", Plan: models.PlanMonthly, Status: models.SubscriptionStatusActive,
		PaymentMethod: models.PaymentMethodPix, CurrentPeriodEnd: now.AddDate(0, 0, 10),
	})

	_, err := f.svc.CreateSubscription(context.Background(), billing.CreateSubscriptionInput{
		Plan: "monthly", StoreID: "S1", Email: "a@b.com",
	})
	var serr *billing.InvalidStateError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, 0, f.gw.PixCalls())
}

func TestCreateSubscriptionReactivatesExpiredStore(t *testing.T) {
	f := newFixture(t, billing.WritePolicyStrict)
	f.repo.Seed(models.Subscription{
		StoreID: "S1", Plan: models.PlanMonthly, Status: models.SubscriptionStatusExpired,
		PaymentMethod: models.PaymentMethodPix, ExternalCustomerID: strPtr("cus_old"),
		CurrentPeriodEnd: now.AddDate(0, -2, 0),
	})

	_, err := f.svc.CreateSubscription(context.Background(), billing.CreateSubscriptionInput{
		Plan: "monthly", StoreID: "S1", Email: "a@b.com",
	})
	require.NoError(t, err)

	row := f.repo.Get("S1")
	assert.Equal(t, models.SubscriptionStatusPendingPayment, row.Status)
	assert.Equal(t, "cus_old", row.CustomerID())
	assert.Equal(t, 0, f.gw.CustomerCalls())
}

func TestCreateSubscriptionCardReturnsSessionURL(t *testing.T) {
	f := newFixture(t, billing.WritePolicyStrict)

	res, err := f.svc.CreateSubscription(context.Background(), billing.CreateSubscriptionInput{
		Plan: "annual", StoreID: "S2", Email: "owner@store.test", PaymentMethod: "card",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, res.SessionURL)
	assert.Empty(t, res.PixQrCode)
	assert.Nil(t, res.ExpiresAt)

	require.Len(t, f.gw.Checkouts, 1)
	assert.Equal(t, "price_annual", f.gw.Checkouts[0].PriceRef)
	assert.Equal(t, "S2", f.gw.Checkouts[0].Metadata["store_id"])

	row := f.repo.Get("S2")
	assert.Equal(t, models.PaymentMethodCard, row.PaymentMethod)
	assert.Equal(t, models.SubscriptionStatusPendingPayment, row.Status)
	assert.False(t, row.HasPix())
}

func TestRegenerateQRCode(t *testing.T) {
	f := newFixture(t, billing.WritePolicyStrict)
	seedPending(f, "S1")
	f.clock.Advance(5 * time.Hour)

	res, err := f.svc.RegenerateQRCode(context.Background(), billing.RegenerateQRCodeInput{StoreID: "S1"})
	require.NoError(t, err)

	assert.Equal(t, f.clock.Now().Add(24*time.Hour), res.ExpiresAt)
	assert.NotEqual(t, "pi_seed", res.InvoiceID)
	assert.NotEqual(t, "00020126seed", res.PixCode)
	assert.Equal(t, []string{"pi_seed"}, f.gw.VoidedCharges())

	row := f.repo.Get("S1")
	assert.Equal(t, res.InvoiceID, *row.PixInvoiceID)
	assert.Equal(t, res.ExpiresAt, *row.PixExpiresAt)
	assert.True(t, row.PixConsistent())
}

func TestRegenerateQRCodeRejectsActive(t *testing.T) {
	f := newFixture(t, billing.WritePolicyStrict)
	f.repo.Seed(models.Subscription{
		StoreID: "S1", Plan: models.PlanMonthly, Status: models.SubscriptionStatusActive,
		PaymentMethod: models.PaymentMethodPix, CurrentPeriodEnd: now.AddDate(0, 0, 10),
	})

	_, err := f.svc.RegenerateQRCode(context.Background(), billing.RegenerateQRCodeInput{StoreID: "S1"})
	var serr *billing.InvalidStateError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, 0, f.gw.PixCalls())
}

func TestRegenerateQRCodeUnknownStore(t *testing.T) {
	f := newFixture(t, billing.WritePolicyStrict)

	_, err := f.svc.RegenerateQRCode(context.Background(), billing.RegenerateQRCodeInput{StoreID: "nope"})
	assert.True(t, billing.IsNotFound(err))
}

func TestRegenerateQRCodeStaleWrite(t *testing.T) {
	tests := []struct {
		policy  billing.WritePolicy
		wantErr error
	}{
		{policy: billing.WritePolicyStrict, wantErr: billing.ErrConcurrentUpdate},
		{policy: billing.WritePolicyLenient, wantErr: nil},
	}

	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			f := newFixture(t, tt.policy)
			seedPending(f, "S1")
			f.repo.BeforeUpdate = func(storeID string) { f.repo.Bump(storeID) }

			_, err := f.svc.RegenerateQRCode(context.Background(), billing.RegenerateQRCodeInput{StoreID: "S1"})
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Equal(t, "pi_seed", *f.repo.Get("S1").PixInvoiceID)
				// The charge issued for the rejected write is voided too.
				assert.Equal(t, []string{"pi_seed", "pi_1"}, f.gw.VoidedCharges())
				return
			}
			require.NoError(t, err)
			assert.NotEqual(t, "pi_seed", *f.repo.Get("S1").PixInvoiceID)
			assert.Equal(t, []string{"pi_seed"}, f.gw.VoidedCharges())
		})
	}
}

func TestOpenPortal(t *testing.T) {
	f := newFixture(t, billing.WritePolicyStrict)
	seedPending(f, "S1")

	url, err := f.svc.OpenPortal(context.Background(), billing.OpenPortalInput{StoreID: "S1", ReturnURL: "https://app.example.test/settings"})
	require.NoError(t, err)
	assert.Contains(t, url, "cus_seed")
}

func TestOpenPortalErrors(t *testing.T) {
	f := newFixture(t, billing.WritePolicyStrict)
	f.repo.Seed(models.Subscription{
		StoreID: "S2", Plan: models.PlanMonthly, Status: models.SubscriptionStatusPendingPayment,
		PaymentMethod: models.PaymentMethodPix, CurrentPeriodEnd: now,
	})

	_, err := f.svc.OpenPortal(context.Background(), billing.OpenPortalInput{StoreID: "S1", ReturnURL: "https://app.example.test"})
	assert.True(t, billing.IsNotFound(err))

	_, err = f.svc.OpenPortal(context.Background(), billing.OpenPortalInput{StoreID: "S2", ReturnURL: "https://app.example.test"})
	var nerr *billing.NoActiveSubscriptionError
	assert.ErrorAs(t, err, &nerr)

	_, err = f.svc.OpenPortal(context.Background(), billing.OpenPortalInput{StoreID: "S2", ReturnURL: "not a url"})
	var verr *billing.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestConfirmPaymentActivates(t *testing.T) {
	f := newFixture(t, billing.WritePolicyStrict)
	seedPending(f, "S1")
	f.clock.Advance(2 * time.Hour)

	sub, err := f.svc.ConfirmPayment(context.Background(), billing.PaymentConfirmation{StoreID: "S1", ChargeID: "pi_seed"})
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionStatusActive, sub.Status)

	row := f.repo.Get("S1")
	assert.Equal(t, models.SubscriptionStatusActive, row.Status)
	assert.Equal(t, f.clock.Now().AddDate(0, 1, 0), row.CurrentPeriodEnd)
	assert.False(t, row.HasPix())
	assert.True(t, row.PixConsistent())
}

func TestConfirmPaymentByCustomer(t *testing.T) {
	f := newFixture(t, billing.WritePolicyStrict)
	seedPending(f, "S1")

	sub, err := f.svc.ConfirmPayment(context.Background(), billing.PaymentConfirmation{CustomerID: "cus_seed"})
	require.NoError(t, err)
	assert.Equal(t, "S1", sub.StoreID)
	assert.Equal(t, models.SubscriptionStatusActive, f.repo.Get("S1").Status)
}

func TestConfirmPaymentLeavesCanceledAlone(t *testing.T) {
	f := newFixture(t, billing.WritePolicyStrict)
	seeded := f.repo.Seed(models.Subscription{
		StoreID: "S1", Plan: models.PlanMonthly, Status: models.SubscriptionStatusCanceled,
		PaymentMethod: models.PaymentMethodPix, CurrentPeriodEnd: now.AddDate(0, 0, -5),
	})

	_, err := f.svc.ConfirmPayment(context.Background(), billing.PaymentConfirmation{StoreID: "S1"})
	require.NoError(t, err)

	row := f.repo.Get("S1")
	assert.Equal(t, models.SubscriptionStatusCanceled, row.Status)
	assert.Equal(t, seeded.CurrentPeriodEnd, row.CurrentPeriodEnd)
	assert.Equal(t, seeded.Version, row.Version)
}

func TestConfirmPaymentRetriesOnConcurrentUpdate(t *testing.T) {
	f := newFixture(t, billing.WritePolicyStrict)
	seedPending(f, "S1")
	bumps := 0
	f.repo.BeforeUpdate = func(storeID string) {
		if bumps < 2 {
			bumps++
			f.repo.Bump(storeID)
		}
	}

	_, err := f.svc.ConfirmPayment(context.Background(), billing.PaymentConfirmation{StoreID: "S1"})
	require.NoError(t, err)
	assert.Equal(t, 2, bumps)
	assert.Equal(t, models.SubscriptionStatusActive, f.repo.Get("S1").Status)
}

func TestConfirmPaymentGivesUpAfterRepeatedConflicts(t *testing.T) {
	f := newFixture(t, billing.WritePolicyStrict)
	seedPending(f, "S1")
	f.repo.BeforeUpdate = func(storeID string) { f.repo.Bump(storeID) }

	_, err := f.svc.ConfirmPayment(context.Background(), billing.PaymentConfirmation{StoreID: "S1"})
	assert.ErrorIs(t, err, billing.ErrConcurrentUpdate)
	assert.Equal(t, models.SubscriptionStatusPendingPayment, f.repo.Get("S1").Status)
}

func TestHandleChargeVoidedOnlyClearsMatchingCharge(t *testing.T) {
	f := newFixture(t, billing.WritePolicyStrict)
	seedPending(f, "S1")

	_, err := f.svc.HandleChargeVoided(context.Background(), "S1", "", "pi_other")
	require.NoError(t, err)
	assert.True(t, f.repo.Get("S1").HasPix())

	_, err = f.svc.HandleChargeVoided(context.Background(), "S1", "", "pi_seed")
	require.NoError(t, err)
	row := f.repo.Get("S1")
	assert.False(t, row.HasPix())
	assert.Equal(t, models.SubscriptionStatusPendingPayment, row.Status)
}

func TestCancelSubscription(t *testing.T) {
	f := newFixture(t, billing.WritePolicyStrict)
	f.repo.Seed(models.Subscription{
		StoreID: "S1", Plan: models.PlanMonthly, Status: models.SubscriptionStatusPastDue,
		PaymentMethod: models.PaymentMethodPix, CurrentPeriodEnd: now.AddDate(0, 0, -2),
	})
	seedPending(f, "S2")

	_, err := f.svc.CancelSubscription(context.Background(), "S1", "")
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionStatusCanceled, f.repo.Get("S1").Status)

	_, err = f.svc.CancelSubscription(context.Background(), "S2", "")
	var serr *billing.InvalidStateError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, models.SubscriptionStatusPendingPayment, f.repo.Get("S2").Status)
}

func TestAttachCheckoutPaid(t *testing.T) {
	f := newFixture(t, billing.WritePolicyStrict)
	_, err := f.svc.CreateSubscription(context.Background(), billing.CreateSubscriptionInput{
		Plan: "monthly", StoreID: "S1", Email: "a@b.com", PaymentMethod: "card",
	})
	require.NoError(t, err)

	_, err = f.svc.AttachCheckout(context.Background(), billing.CheckoutCompletion{
		StoreID: "S1", SubscriptionID: "sub_123", Paid: true,
	})
	require.NoError(t, err)

	row := f.repo.Get("S1")
	assert.Equal(t, models.SubscriptionStatusActive, row.Status)
	require.NotNil(t, row.ExternalSubscriptionID)
	assert.Equal(t, "sub_123", *row.ExternalSubscriptionID)
	assert.Equal(t, now.AddDate(0, 1, 0), row.CurrentPeriodEnd)
}

func TestAccess(t *testing.T) {
	f := newFixture(t, billing.WritePolicyStrict)
	f.repo.Seed(models.Subscription{
		StoreID: "S1", Plan: models.PlanMonthly, Status: models.SubscriptionStatusExpired,
		PaymentMethod: models.PaymentMethodPix, CurrentPeriodEnd: now.AddDate(0, 0, -5),
	})

	d, err := f.svc.Access(context.Background(), "S1")
	require.NoError(t, err)
	assert.True(t, d.Blocked)
	assert.Equal(t, billing.PromptReactivate, d.Prompt)

	_, err = f.svc.Access(context.Background(), "missing")
	assert.True(t, billing.IsNotFound(err))
}
