package jobqueue

import (
	"context"
	"errors"
	"time"

	"github.com/ManuelReschke/StoreBilling/internal/pkg/billing"
)

// Redis keys
const (
	SweepLockKey        = "billing:sweep:lock"
	SweepLastSummaryKey = "billing:sweep:last"
	SweepStatsKey       = "billing:sweep:stats"
)

const (
	// DefaultSweepSchedule runs the sweeper every six hours.
	DefaultSweepSchedule = "0 */6 * * *"
	// DefaultLockTTL bounds how long a crashed instance can hold the sweep lock.
	DefaultLockTTL = 10 * time.Minute
)

// ErrSweepInProgress is returned when another instance holds the sweep lock.
var ErrSweepInProgress = errors.New("jobqueue: sweep already running")

// SweepRunner performs one sweep.
type SweepRunner interface {
	Sweep(ctx context.Context) (billing.SweepSummary, error)
}

// SweepOutcome labels a finished sweep attempt.
type SweepOutcome string

const (
	SweepOutcomeOK      SweepOutcome = "ok"
	SweepOutcomeFailed  SweepOutcome = "failed"
	SweepOutcomeSkipped SweepOutcome = "skipped"
)
