package models

import (
	"time"

	"github.com/go-playground/validator/v10"
)

const (
	PlanMonthly = "monthly"
	PlanAnnual  = "annual"
)

const (
	SubscriptionStatusPendingPayment = "pending_payment"
	SubscriptionStatusActive         = "active"
	SubscriptionStatusPastDue        = "past_due"
	SubscriptionStatusExpired        = "expired"
	SubscriptionStatusCanceled       = "canceled"
)

const (
	PaymentMethodCard   = "card"
	PaymentMethodPix    = "pix"
	PaymentMethodBoleto = "boleto"
)

// Subscription is the billing record of a single store. There is exactly one
// row per store; terminal rows (expired, canceled) are kept for history.
type Subscription struct {
	ID                     uint       `gorm:"primaryKey" json:"id"`
	StoreID                string     `gorm:"type:varchar(64);not null;uniqueIndex:ux_subscriptions_store_id" json:"store_id" validate:"required,max=64"`
	Plan                   string     `gorm:"type:varchar(16);not null" json:"plan" validate:"required,oneof=monthly annual"`
	Status                 string     `gorm:"type:varchar(32);not null;default:'pending_payment';index:idx_subscriptions_method_status,priority:2" json:"status" validate:"required,oneof=pending_payment active past_due expired canceled"`
	PaymentMethod          string     `gorm:"type:varchar(16);not null;default:'pix';index:idx_subscriptions_method_status,priority:1" json:"payment_method" validate:"required,oneof=card pix boleto"`
	Email                  string     `gorm:"type:varchar(200);default:''" json:"email" validate:"omitempty,email"`
	ExternalCustomerID     *string    `gorm:"type:varchar(191);default:null;index" json:"external_customer_id,omitempty"`
	ExternalSubscriptionID *string    `gorm:"type:varchar(191);default:null" json:"external_subscription_id,omitempty"`
	CurrentPeriodEnd       time.Time  `gorm:"type:timestamp;not null" json:"current_period_end"`
	PixInvoiceID           *string    `gorm:"type:varchar(191);default:null;index" json:"pix_invoice_id,omitempty"`
	PixQrCodeURL           *string    `gorm:"type:text" json:"pix_qr_code_url,omitempty"`
	PixCode                *string    `gorm:"type:text" json:"pix_code,omitempty"`
	PixExpiresAt           *time.Time `gorm:"type:timestamp;default:null" json:"pix_expires_at,omitempty"`
	Version                uint       `gorm:"not null;default:0" json:"version"`
	CreatedAt              time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt              time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// validate caches struct metadata, so it is shared.
var validate = validator.New()

func (s *Subscription) Validate() error {
	return validate.Struct(s)
}

// PixArtifacts is the displayable part of an outstanding PIX charge. The four
// values always travel together.
type PixArtifacts struct {
	InvoiceID string
	QRCodeURL string
	Code      string
	ExpiresAt time.Time
}

// SetPix stores all PIX artifacts at once.
func (s *Subscription) SetPix(a PixArtifacts) {
	invoiceID, qr, code, exp := a.InvoiceID, a.QRCodeURL, a.Code, a.ExpiresAt
	s.PixInvoiceID = &invoiceID
	s.PixQrCodeURL = &qr
	s.PixCode = &code
	s.PixExpiresAt = &exp
}

// ClearPix nulls all PIX artifacts at once.
func (s *Subscription) ClearPix() {
	s.PixInvoiceID = nil
	s.PixQrCodeURL = nil
	s.PixCode = nil
	s.PixExpiresAt = nil
}

// HasPix reports whether an outstanding PIX charge is on file.
func (s *Subscription) HasPix() bool {
	return s.PixInvoiceID != nil && s.PixQrCodeURL != nil && s.PixCode != nil && s.PixExpiresAt != nil
}

// PixConsistent reports whether the PIX artifacts are either all set or all null.
func (s *Subscription) PixConsistent() bool {
	set := 0
	if s.PixInvoiceID != nil {
		set++
	}
	if s.PixQrCodeURL != nil {
		set++
	}
	if s.PixCode != nil {
		set++
	}
	if s.PixExpiresAt != nil {
		set++
	}
	return set == 0 || set == 4
}

func (s *Subscription) CustomerID() string {
	if s.ExternalCustomerID == nil {
		return ""
	}
	return *s.ExternalCustomerID
}

func (s *Subscription) IsTerminal() bool {
	return s.Status == SubscriptionStatusExpired || s.Status == SubscriptionStatusCanceled
}
