package billing

import (
	"time"

	"github.com/ManuelReschke/StoreBilling/app/models"
)

const (
	// PastDueAfter is how long a PIX period may be overdue before it is flagged.
	PastDueAfter = 24 * time.Hour
	// ExpireAfter is how long a PIX period may be overdue before access ends.
	ExpireAfter = 72 * time.Hour
	// PixChargeTTL is the lifetime of an issued PIX QR code.
	PixChargeTTL = 24 * time.Hour
)

// Action is the side effect the lifecycle engine decided for one row.
type Action string

const (
	ActionNone        Action = "none"
	ActionExpire      Action = "expire"
	ActionMarkPastDue Action = "mark_past_due"
	ActionClearPix    Action = "clear_pix"
)

// Decision is the outcome of evaluating one subscription at one instant.
type Decision struct {
	Action Action
	From   string
	To     string
}

func (d Decision) Changed() bool { return d.Action != ActionNone }

// Evaluate applies the time-based rules to a PIX subscription. Rules are
// checked in order and at most one fires:
//  1. period ended more than ExpireAfter ago -> expired, PIX cleared
//  2. active and period ended between ExpireAfter and PastDueAfter ago -> past_due
//  3. the outstanding QR code has expired -> PIX cleared, status kept
//
// Terminal rows and non-PIX rows are never changed.
func Evaluate(sub *models.Subscription, now time.Time) Decision {
	none := Decision{Action: ActionNone, From: sub.Status, To: sub.Status}
	if sub.PaymentMethod != models.PaymentMethodPix || sub.IsTerminal() {
		return none
	}

	expireBefore := now.Add(-ExpireAfter)
	pastDueBefore := now.Add(-PastDueAfter)
	end := sub.CurrentPeriodEnd

	switch {
	case end.Before(expireBefore) && isSweepable(sub.Status):
		return Decision{Action: ActionExpire, From: sub.Status, To: models.SubscriptionStatusExpired}
	case !end.Before(expireBefore) && end.Before(pastDueBefore) && sub.Status == models.SubscriptionStatusActive:
		return Decision{Action: ActionMarkPastDue, From: sub.Status, To: models.SubscriptionStatusPastDue}
	case sub.PixExpiresAt != nil && sub.PixExpiresAt.Before(now):
		return Decision{Action: ActionClearPix, From: sub.Status, To: sub.Status}
	}
	return none
}

// Apply mutates sub according to d.
func Apply(sub *models.Subscription, d Decision) {
	switch d.Action {
	case ActionExpire:
		sub.Status = models.SubscriptionStatusExpired
		sub.ClearPix()
	case ActionMarkPastDue:
		sub.Status = models.SubscriptionStatusPastDue
	case ActionClearPix:
		sub.ClearPix()
	}
}

// applyPaymentConfirmed activates sub after a settled payment. The new period
// runs from the confirmation instant; a later stored end is kept so the
// period end never moves backward.
func applyPaymentConfirmed(sub *models.Subscription, now time.Time) {
	next := advancePeriod(sub.Plan, now)
	if next.After(sub.CurrentPeriodEnd) {
		sub.CurrentPeriodEnd = next
	}
	sub.Status = models.SubscriptionStatusActive
	sub.ClearPix()
}

func isSweepable(status string) bool {
	switch status {
	case models.SubscriptionStatusActive, models.SubscriptionStatusPastDue, models.SubscriptionStatusPendingPayment:
		return true
	default:
		return false
	}
}

// SweepableStatuses lists the statuses the sweeper loads.
func SweepableStatuses() []string {
	return []string{
		models.SubscriptionStatusActive,
		models.SubscriptionStatusPastDue,
		models.SubscriptionStatusPendingPayment,
	}
}

func canRegenerate(status string) bool {
	return status == models.SubscriptionStatusPendingPayment || status == models.SubscriptionStatusPastDue
}

func canCancel(status string) bool {
	return status == models.SubscriptionStatusActive || status == models.SubscriptionStatusPastDue
}

// canCheckout reports whether a new checkout may replace the current row.
func canCheckout(status string) bool {
	switch status {
	case models.SubscriptionStatusPendingPayment, models.SubscriptionStatusExpired, models.SubscriptionStatusCanceled:
		return true
	default:
		return false
	}
}
