package billing

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/StoreBilling/app/models"
	"github.com/ManuelReschke/StoreBilling/internal/pkg/env"
	"github.com/ManuelReschke/StoreBilling/internal/pkg/metrics"
)

// maxWriteAttempts bounds the re-read/re-apply loop of webhook driven writes
// under the strict write policy.
const maxWriteAttempts = 3

// Config holds the deployment specific billing settings.
type Config struct {
	WritePolicy WritePolicy
	// PriceRefs maps an internal plan to the provider price used by hosted checkout.
	PriceRefs     map[string]string
	SuccessURL    string
	CancelURL     string
	WebhookSecret string
}

// ConfigFromEnv reads the billing settings from the environment.
func ConfigFromEnv() Config {
	return Config{
		WritePolicy: ParseWritePolicy(env.GetEnv("BILLING_WRITE_POLICY", string(WritePolicyStrict))),
		PriceRefs: map[string]string{
			models.PlanMonthly: env.GetEnv("STRIPE_PRICE_MONTHLY", ""),
			models.PlanAnnual:  env.GetEnv("STRIPE_PRICE_ANNUAL", ""),
		},
		SuccessURL:    env.GetEnv("CHECKOUT_SUCCESS_URL", ""),
		CancelURL:     env.GetEnv("CHECKOUT_CANCEL_URL", ""),
		WebhookSecret: strings.TrimSpace(env.GetEnv("STRIPE_WEBHOOK_SECRET", "")),
	}
}

// Service drives the subscription lifecycle of every store.
type Service struct {
	repo     Repository
	payments *Adapter
	sweeper  *Sweeper
	clock    Clock
	cfg      Config
	validate *validator.Validate
}

// NewService creates a billing service from an injected repository and gateway.
func NewService(repo Repository, gw Gateway, clock Clock, cfg Config) *Service {
	if clock == nil {
		clock = SystemClock()
	}
	return &Service{
		repo:     repo,
		payments: NewAdapter(gw, clock),
		sweeper:  NewSweeper(repo, clock),
		clock:    clock,
		cfg:      cfg,
		validate: newValidator(),
	}
}

// NewServiceFromDB creates a billing service from a GORM DB handle.
func NewServiceFromDB(db *gorm.DB, gw Gateway, cfg Config) *Service {
	return NewService(NewRepository(db, cfg.WritePolicy), gw, SystemClock(), cfg)
}

func (s *Service) WebhookConfigured() bool {
	return s.cfg.WebhookSecret != ""
}

// CreateSubscription starts a checkout for a store. PIX checkouts issue a
// charge right away and persist it as pending_payment; card and boleto
// checkouts return a hosted checkout URL.
func (s *Service) CreateSubscription(ctx context.Context, in CreateSubscriptionInput) (*CreateSubscriptionResult, error) {
	in.Plan = strings.ToLower(strings.TrimSpace(in.Plan))
	in.StoreID = strings.TrimSpace(in.StoreID)
	in.Email = strings.TrimSpace(in.Email)
	in.PaymentMethod = strings.ToLower(strings.TrimSpace(in.PaymentMethod))
	if err := s.validateInput(in); err != nil {
		return nil, err
	}
	plan, _ := normalizePlan(in.Plan)
	method, _ := normalizePaymentMethod(in.PaymentMethod)

	existing, err := s.repo.GetByStoreID(ctx, in.StoreID)
	if err != nil && !IsNotFound(err) {
		return nil, err
	}
	if existing != nil && !canCheckout(existing.Status) {
		return nil, &InvalidStateError{StoreID: in.StoreID, Status: existing.Status, Op: "create subscription"}
	}

	existingCustomer := ""
	if existing != nil {
		existingCustomer = existing.CustomerID()
	}
	customerID, err := s.payments.EnsureCustomer(ctx, existingCustomer, in.StoreID, in.Email)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	sub := &models.Subscription{
		StoreID:            in.StoreID,
		Plan:               plan,
		Status:             models.SubscriptionStatusPendingPayment,
		PaymentMethod:      method,
		Email:              in.Email,
		ExternalCustomerID: &customerID,
	}
	amount := centsToAmount(planAmountCents(plan))

	if method != models.PaymentMethodPix {
		url, err := s.payments.CreateCardCheckoutSession(ctx, CheckoutSessionRequest{
			CustomerID:    customerID,
			Email:         in.Email,
			PriceRef:      s.cfg.PriceRefs[plan],
			PaymentMethod: method,
			SuccessURL:    s.cfg.SuccessURL,
			CancelURL:     s.cfg.CancelURL,
			Metadata: map[string]string{
				"store_id": in.StoreID,
				"plan":     plan,
			},
		})
		if err != nil {
			return nil, err
		}
		// Nothing is paid yet; the period starts on confirmation.
		sub.CurrentPeriodEnd = laterOf(now, existingPeriodEnd(existing))
		if existing != nil && existing.HasPix() {
			s.payments.voidPriorCharge(ctx, in.StoreID, *existing.PixInvoiceID)
		}
		if err := s.persistCheckout(ctx, sub, existing); err != nil {
			return nil, err
		}
		return &CreateSubscriptionResult{SessionURL: url, Amount: amount}, nil
	}

	var pix models.PixArtifacts
	if existing != nil && existing.HasPix() {
		pix, err = s.payments.RegeneratePixCharge(ctx, &models.Subscription{
			StoreID:            in.StoreID,
			Plan:               plan,
			ExternalCustomerID: &customerID,
			PixInvoiceID:       existing.PixInvoiceID,
		})
	} else {
		pix, err = s.payments.CreatePixCharge(ctx, customerID, in.StoreID, plan)
	}
	if err != nil {
		return nil, err
	}

	sub.CurrentPeriodEnd = laterOf(advancePeriod(plan, now), existingPeriodEnd(existing))
	sub.SetPix(pix)
	if err := s.persistCheckout(ctx, sub, existing); err != nil {
		// No row points at the new charge.
		s.payments.voidPriorCharge(ctx, in.StoreID, pix.InvoiceID)
		return nil, err
	}

	expiresAt := pix.ExpiresAt
	return &CreateSubscriptionResult{
		PaymentIntentID: pix.InvoiceID,
		PixQrCode:       pix.QRCodeURL,
		PixCode:         pix.Code,
		ExpiresAt:       &expiresAt,
		Amount:          amount,
	}, nil
}

// persistCheckout inserts the first row of a store or replaces the row read
// at the start of the checkout. The replacement is version checked, so a
// payment confirmed in between is never overwritten under the strict policy.
func (s *Service) persistCheckout(ctx context.Context, sub *models.Subscription, existing *models.Subscription) error {
	if err := sub.Validate(); err != nil {
		return &ValidationError{Message: err.Error()}
	}
	if existing == nil {
		if err := s.repo.Create(ctx, sub); err != nil {
			return err
		}
	} else {
		sub.ID = existing.ID
		sub.CreatedAt = existing.CreatedAt
		if err := s.repo.Update(ctx, sub, existing.Version); err != nil {
			return err
		}
	}
	from := ""
	if existing != nil {
		from = existing.Status
	}
	recordTransition(from, sub.Status)
	log.Infof("[Billing] Store %s started %s checkout (%s)", sub.StoreID, sub.PaymentMethod, sub.Plan)
	return nil
}

// RegenerateQRCode replaces the outstanding PIX charge of a store with a new
// one valid for PixChargeTTL.
func (s *Service) RegenerateQRCode(ctx context.Context, in RegenerateQRCodeInput) (*RegenerateQRCodeResult, error) {
	in.StoreID = strings.TrimSpace(in.StoreID)
	if err := s.validateInput(in); err != nil {
		return nil, err
	}

	sub, err := s.repo.GetByStoreID(ctx, in.StoreID)
	if err != nil {
		return nil, err
	}
	if sub.PaymentMethod != models.PaymentMethodPix || !canRegenerate(sub.Status) {
		return nil, &InvalidStateError{StoreID: sub.StoreID, Status: sub.Status, Op: "regenerate qr code"}
	}

	customerID, err := s.payments.EnsureCustomer(ctx, sub.CustomerID(), sub.StoreID, sub.Email)
	if err != nil {
		return nil, err
	}
	sub.ExternalCustomerID = &customerID

	pix, err := s.payments.RegeneratePixCharge(ctx, sub)
	if err != nil {
		return nil, err
	}

	expected := sub.Version
	sub.SetPix(pix)
	if err := s.repo.Update(ctx, sub, expected); err != nil {
		s.payments.voidPriorCharge(ctx, sub.StoreID, pix.InvoiceID)
		return nil, err
	}
	log.Infof("[Billing] Regenerated PIX charge %s for store %s", pix.InvoiceID, sub.StoreID)

	return &RegenerateQRCodeResult{
		InvoiceID: pix.InvoiceID,
		PixQrCode: pix.QRCodeURL,
		PixCode:   pix.Code,
		ExpiresAt: pix.ExpiresAt,
	}, nil
}

// OpenPortal returns a provider hosted billing portal URL for the store.
func (s *Service) OpenPortal(ctx context.Context, in OpenPortalInput) (string, error) {
	in.StoreID = strings.TrimSpace(in.StoreID)
	in.ReturnURL = strings.TrimSpace(in.ReturnURL)
	if err := s.validateInput(in); err != nil {
		return "", err
	}
	sub, err := s.repo.GetByStoreID(ctx, in.StoreID)
	if err != nil {
		return "", err
	}
	return s.payments.OpenBillingPortal(ctx, sub, in.ReturnURL)
}

// ConfirmPayment activates the store's subscription after a settled payment.
// Canceled subscriptions stay canceled.
func (s *Service) ConfirmPayment(ctx context.Context, in PaymentConfirmation) (*models.Subscription, error) {
	return s.mutate(ctx, in.StoreID, in.CustomerID, func(sub *models.Subscription) bool {
		if sub.Status == models.SubscriptionStatusCanceled {
			log.Warnf("[Billing] Ignoring payment %s for canceled subscription of store %s", in.ChargeID, sub.StoreID)
			return false
		}
		applyPaymentConfirmed(sub, s.clock.Now())
		return true
	})
}

// HandleChargeVoided clears the PIX artifacts when the voided charge is the
// one on file. Other charges are ignored.
func (s *Service) HandleChargeVoided(ctx context.Context, storeID, customerID, chargeID string) (*models.Subscription, error) {
	return s.mutate(ctx, storeID, customerID, func(sub *models.Subscription) bool {
		if sub.PixInvoiceID == nil || *sub.PixInvoiceID != chargeID {
			return false
		}
		sub.ClearPix()
		return true
	})
}

// CancelSubscription moves an active or past_due subscription to canceled.
func (s *Service) CancelSubscription(ctx context.Context, storeID, customerID string) (*models.Subscription, error) {
	var invalid *InvalidStateError
	sub, err := s.mutate(ctx, storeID, customerID, func(sub *models.Subscription) bool {
		if sub.Status == models.SubscriptionStatusCanceled {
			return false
		}
		if !canCancel(sub.Status) {
			invalid = &InvalidStateError{StoreID: sub.StoreID, Status: sub.Status, Op: "cancel subscription"}
			return false
		}
		sub.Status = models.SubscriptionStatusCanceled
		sub.ClearPix()
		return true
	})
	if err != nil {
		return nil, err
	}
	if invalid != nil {
		return sub, invalid
	}
	return sub, nil
}

// AttachCheckout stores the provider references of a completed hosted
// checkout and activates the row when the checkout was paid.
func (s *Service) AttachCheckout(ctx context.Context, in CheckoutCompletion) (*models.Subscription, error) {
	return s.mutate(ctx, in.StoreID, in.CustomerID, func(sub *models.Subscription) bool {
		if sub.Status == models.SubscriptionStatusCanceled {
			return false
		}
		changed := false
		if in.CustomerID != "" && sub.CustomerID() != in.CustomerID {
			customerID := in.CustomerID
			sub.ExternalCustomerID = &customerID
			changed = true
		}
		if in.SubscriptionID != "" && (sub.ExternalSubscriptionID == nil || *sub.ExternalSubscriptionID != in.SubscriptionID) {
			subscriptionID := in.SubscriptionID
			sub.ExternalSubscriptionID = &subscriptionID
			changed = true
		}
		if in.Paid {
			applyPaymentConfirmed(sub, s.clock.Now())
			changed = true
		}
		return changed
	})
}

// Access returns the access gate decision for a store.
func (s *Service) Access(ctx context.Context, storeID string) (AccessDecision, error) {
	storeID = strings.TrimSpace(storeID)
	if storeID == "" {
		return AccessDecision{}, &ValidationError{Field: "storeId", Message: "is required"}
	}
	sub, err := s.repo.GetByStoreID(ctx, storeID)
	if err != nil {
		return AccessDecision{}, err
	}
	return EvaluateAccess(sub), nil
}

// Sweep runs the sweeper once.
func (s *Service) Sweep(ctx context.Context) (SweepSummary, error) {
	return s.sweeper.Sweep(ctx)
}

// mutate loads the row, lets fn change it and writes it back. Under the
// strict policy a concurrent write triggers a fresh read, up to
// maxWriteAttempts times. fn returns false to skip the write.
func (s *Service) mutate(ctx context.Context, storeID, customerID string, fn func(sub *models.Subscription) bool) (*models.Subscription, error) {
	var lastErr error
	for attempt := 1; attempt <= maxWriteAttempts; attempt++ {
		sub, err := s.load(ctx, storeID, customerID)
		if err != nil {
			return nil, err
		}
		from := sub.Status
		expected := sub.Version
		if !fn(sub) {
			return sub, nil
		}
		err = s.repo.Update(ctx, sub, expected)
		if err == nil {
			recordTransition(from, sub.Status)
			return sub, nil
		}
		if !errors.Is(err, ErrConcurrentUpdate) {
			return nil, err
		}
		lastErr = err
		log.Warnf("[Billing] Concurrent update on store %s, retrying (%d/%d)", sub.StoreID, attempt, maxWriteAttempts)
	}
	return nil, lastErr
}

func (s *Service) load(ctx context.Context, storeID, customerID string) (*models.Subscription, error) {
	storeID = strings.TrimSpace(storeID)
	customerID = strings.TrimSpace(customerID)
	switch {
	case storeID != "":
		return s.repo.GetByStoreID(ctx, storeID)
	case customerID != "":
		return s.repo.GetByCustomerID(ctx, customerID)
	default:
		return nil, &ValidationError{Field: "storeId", Message: "or customer id is required"}
	}
}

func (s *Service) validateInput(in interface{}) error {
	err := s.validate.Struct(in)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return &ValidationError{Field: fe.Field(), Message: describeValidationTag(fe)}
	}
	return &ValidationError{Message: err.Error()}
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func describeValidationTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email address"
	case "url":
		return "must be a valid URL"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "max":
		return "must be at most " + fe.Param() + " characters"
	default:
		return "is invalid"
	}
}

func recordTransition(from, to string) {
	if from == to {
		return
	}
	if from == "" {
		from = "none"
	}
	metrics.TransitionsTotal.WithLabelValues(from, to).Inc()
}

func existingPeriodEnd(existing *models.Subscription) time.Time {
	if existing == nil {
		return time.Time{}
	}
	return existing.CurrentPeriodEnd
}

func laterOf(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
