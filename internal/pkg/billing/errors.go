package billing

import (
	"errors"
	"fmt"
)

var (
	// ErrConcurrentUpdate is returned by the strict write policy when the row
	// changed between read and write.
	ErrConcurrentUpdate = errors.New("billing: subscription was modified concurrently")
	// ErrNoQRAvailable marks a PIX charge the provider accepted without a
	// displayable QR code.
	ErrNoQRAvailable = errors.New("billing: provider returned no displayable PIX QR code")
	// ErrChargeAlreadySettled is returned when voiding a charge that was
	// already paid or voided.
	ErrChargeAlreadySettled = errors.New("billing: charge already settled")
	ErrInvalidSignature     = errors.New("billing: invalid webhook signature")
	ErrWebhookNotConfigured = errors.New("billing: webhook secret not configured")
)

// ValidationError rejects a request before any external call is made.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Message)
}

// PaymentProviderError wraps a failed or unusable payment provider call.
type PaymentProviderError struct {
	Op  string
	Err error
}

func (e *PaymentProviderError) Error() string {
	return fmt.Sprintf("payment provider %s: %v", e.Op, e.Err)
}

func (e *PaymentProviderError) Unwrap() error { return e.Err }

// NotFoundError means a record required by the operation does not exist.
type NotFoundError struct {
	Resource string
	Key      string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Resource, e.Key)
}

// NoActiveSubscriptionError is returned when a store has no payment provider
// customer on file yet.
type NoActiveSubscriptionError struct {
	StoreID string
}

func (e *NoActiveSubscriptionError) Error() string {
	return fmt.Sprintf("store %q has no billing customer on file", e.StoreID)
}

// DatabaseError wraps a persistence failure.
type DatabaseError struct {
	Op  string
	Err error
}

func (e *DatabaseError) Error() string {
	return fmt.Sprintf("database %s: %v", e.Op, e.Err)
}

func (e *DatabaseError) Unwrap() error { return e.Err }

// InvalidStateError rejects an operation the current status does not allow.
type InvalidStateError struct {
	StoreID string
	Status  string
	Op      string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s: subscription of store %q is %s", e.Op, e.StoreID, e.Status)
}

func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}
