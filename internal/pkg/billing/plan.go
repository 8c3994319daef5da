package billing

import (
	"strings"
	"time"

	"github.com/ManuelReschke/StoreBilling/app/models"
)

const currencyBRL = "brl"

// Plan prices in centavos.
const (
	monthlyAmountCents int64 = 17990
	annualAmountCents  int64 = 179900
)

func normalizePlan(plan string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(plan)) {
	case models.PlanMonthly:
		return models.PlanMonthly, true
	case models.PlanAnnual:
		return models.PlanAnnual, true
	default:
		return "", false
	}
}

func normalizePaymentMethod(method string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(method)) {
	case "", models.PaymentMethodPix:
		return models.PaymentMethodPix, true
	case models.PaymentMethodCard:
		return models.PaymentMethodCard, true
	case models.PaymentMethodBoleto:
		return models.PaymentMethodBoleto, true
	default:
		return "", false
	}
}

func planAmountCents(plan string) int64 {
	if plan == models.PlanAnnual {
		return annualAmountCents
	}
	return monthlyAmountCents
}

// advancePeriod returns the end of one paid period starting at from.
func advancePeriod(plan string, from time.Time) time.Time {
	if plan == models.PlanAnnual {
		return from.AddDate(1, 0, 0)
	}
	return from.AddDate(0, 1, 0)
}

func centsToAmount(cents int64) float64 {
	return float64(cents) / 100
}
