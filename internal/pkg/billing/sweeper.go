package billing

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/StoreBilling/internal/pkg/metrics"
)

// SweepSummary reports what one sweep changed.
type SweepSummary struct {
	Blocked       int       `json:"blocked"`
	BlockedStores []string  `json:"blockedStores"`
	PastDue       int       `json:"pastDue"`
	PastDueStores []string  `json:"pastDueStores"`
	PixCleared    int       `json:"pixCleared"`
	Failed        int       `json:"failed"`
	FailedStores  []string  `json:"failedStores"`
	StartedAt     time.Time `json:"startedAt"`
	FinishedAt    time.Time `json:"finishedAt"`
}

func newSweepSummary(now time.Time) SweepSummary {
	return SweepSummary{
		BlockedStores: []string{},
		PastDueStores: []string{},
		FailedStores:  []string{},
		StartedAt:     now,
	}
}

// Sweeper applies the time-based lifecycle rules to every PIX subscription.
type Sweeper struct {
	repo  Repository
	clock Clock
}

func NewSweeper(repo Repository, clock Clock) *Sweeper {
	if clock == nil {
		clock = SystemClock()
	}
	return &Sweeper{repo: repo, clock: clock}
}

// Sweep evaluates every candidate row once against a single "now". A row
// that cannot be written is counted as failed and left as it was; the
// remaining rows are still processed.
func (sw *Sweeper) Sweep(ctx context.Context) (SweepSummary, error) {
	now := sw.clock.Now()
	summary := newSweepSummary(now)

	candidates, err := sw.repo.ListSweepCandidates(ctx)
	if err != nil {
		return summary, err
	}

	for i := range candidates {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		sub := &candidates[i]
		d := Evaluate(sub, now)
		if !d.Changed() {
			continue
		}

		expected := sub.Version
		Apply(sub, d)
		if err := sw.repo.Update(ctx, sub, expected); err != nil {
			log.Errorf("[Sweeper] Failed to apply %s to store %s: %v", d.Action, sub.StoreID, err)
			summary.Failed++
			summary.FailedStores = append(summary.FailedStores, sub.StoreID)
			metrics.SweepRowsTotal.WithLabelValues("failed").Inc()
			continue
		}
		recordTransition(d.From, d.To)

		switch d.Action {
		case ActionExpire:
			summary.Blocked++
			summary.BlockedStores = append(summary.BlockedStores, sub.StoreID)
			metrics.SweepRowsTotal.WithLabelValues("expired").Inc()
			log.Infof("[Sweeper] Store %s expired (period ended %s)", sub.StoreID, sub.CurrentPeriodEnd.Format(time.RFC3339))
		case ActionMarkPastDue:
			summary.PastDue++
			summary.PastDueStores = append(summary.PastDueStores, sub.StoreID)
			metrics.SweepRowsTotal.WithLabelValues("past_due").Inc()
			log.Infof("[Sweeper] Store %s is past due", sub.StoreID)
		case ActionClearPix:
			summary.PixCleared++
			metrics.SweepRowsTotal.WithLabelValues("pix_cleared").Inc()
			log.Debugf("[Sweeper] Cleared stale PIX charge of store %s", sub.StoreID)
		}
	}

	summary.FinishedAt = sw.clock.Now()
	return summary, nil
}
