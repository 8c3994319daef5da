package billing

import (
	"time"

	"github.com/ManuelReschke/StoreBilling/app/models"
)

// Prompt selects the message the dashboard shows a blocked store.
type Prompt string

const (
	PromptNone       Prompt = "none"
	PromptReactivate Prompt = "reactivate"
	PromptWeMissYou  Prompt = "we_miss_you"
)

// AccessDecision tells the dashboard whether a store may be used.
type AccessDecision struct {
	StoreID          string    `json:"storeId"`
	Blocked          bool      `json:"blocked"`
	Prompt           Prompt    `json:"prompt"`
	Status           string    `json:"status"`
	CurrentPeriodEnd time.Time `json:"currentPeriodEnd"`
}

// EvaluateAccess blocks past_due, expired and canceled stores. Expired stores
// get the reactivation prompt, the other blocked states the "we miss you" one.
func EvaluateAccess(sub *models.Subscription) AccessDecision {
	d := AccessDecision{
		StoreID:          sub.StoreID,
		Prompt:           PromptNone,
		Status:           sub.Status,
		CurrentPeriodEnd: sub.CurrentPeriodEnd,
	}
	switch sub.Status {
	case models.SubscriptionStatusExpired:
		d.Blocked = true
		d.Prompt = PromptReactivate
	case models.SubscriptionStatusPastDue, models.SubscriptionStatusCanceled:
		d.Blocked = true
		d.Prompt = PromptWeMissYou
	}
	return d
}
