package billing

import "time"

// Clock is the single source of "now" for every time-based rule.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// SystemClock returns the wall clock in UTC.
func SystemClock() Clock { return systemClock{} }

// WritePolicy selects how subscription rows are written back.
type WritePolicy string

const (
	// WritePolicyStrict only writes when the row version is unchanged since read.
	WritePolicyStrict WritePolicy = "strict"
	// WritePolicyLenient lets the last writer win.
	WritePolicyLenient WritePolicy = "lenient"
)

func ParseWritePolicy(raw string) WritePolicy {
	if WritePolicy(raw) == WritePolicyLenient {
		return WritePolicyLenient
	}
	return WritePolicyStrict
}

// CreateSubscriptionInput is the checkout request of a store.
type CreateSubscriptionInput struct {
	Plan          string `json:"plan" validate:"required,oneof=monthly annual"`
	StoreID       string `json:"storeId" validate:"required,max=64"`
	Email         string `json:"email" validate:"required,email"`
	PaymentMethod string `json:"paymentMethod" validate:"omitempty,oneof=card pix boleto"`
}

// CreateSubscriptionResult carries either a PIX charge or a hosted checkout URL.
type CreateSubscriptionResult struct {
	PaymentIntentID string     `json:"paymentIntentId,omitempty"`
	SessionURL      string     `json:"sessionUrl,omitempty"`
	PixQrCode       string     `json:"pixQrCode,omitempty"`
	PixCode         string     `json:"pixCode,omitempty"`
	ExpiresAt       *time.Time `json:"expiresAt,omitempty"`
	Amount          float64    `json:"amount"`
}

type RegenerateQRCodeResult struct {
	InvoiceID string    `json:"invoiceId"`
	PixQrCode string    `json:"pixQrCode"`
	PixCode   string    `json:"pixCode"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// PaymentConfirmation identifies a settled payment. Either StoreID or
// CustomerID must be set.
type PaymentConfirmation struct {
	StoreID    string
	CustomerID string
	ChargeID   string
}

type RegenerateQRCodeInput struct {
	StoreID string `json:"storeId" validate:"required,max=64"`
}

type OpenPortalInput struct {
	StoreID   string `json:"storeId" validate:"required,max=64"`
	ReturnURL string `json:"returnUrl" validate:"required,url"`
}

// CheckoutCompletion links a finished hosted checkout to the store's row.
type CheckoutCompletion struct {
	StoreID        string
	CustomerID     string
	SubscriptionID string
	Paid           bool
}
