package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/ManuelReschke/StoreBilling/internal/pkg/billing"
	"github.com/ManuelReschke/StoreBilling/internal/pkg/cache"
	"github.com/ManuelReschke/StoreBilling/internal/pkg/env"
	"github.com/ManuelReschke/StoreBilling/internal/pkg/metrics"
)

// Manager schedules the billing sweeper and makes sure only one instance
// sweeps at a time.
type Manager struct {
	runner   SweepRunner
	client   *redis.Client
	schedule string
	lockTTL  time.Duration
	timeout  time.Duration

	cron    *cron.Cron
	mu      sync.Mutex
	running bool
}

// NewManager creates a scheduler for runner. An empty schedule uses
// DefaultSweepSchedule.
func NewManager(runner SweepRunner, client *redis.Client, schedule string) *Manager {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	return &Manager{
		runner:   runner,
		client:   client,
		schedule: schedule,
		lockTTL:  DefaultLockTTL,
		timeout:  DefaultLockTTL,
	}
}

// NewManagerFromEnv wires the shared cache client, SWEEP_CRON and
// SWEEP_LOCK_TTL.
func NewManagerFromEnv(runner SweepRunner) *Manager {
	m := NewManager(runner, cache.GetClient(), env.GetEnv("SWEEP_CRON", DefaultSweepSchedule))
	m.lockTTL = env.GetEnvDuration("SWEEP_LOCK_TTL", DefaultLockTTL)
	m.timeout = m.lockTTL
	return m
}

// Start registers the sweep job and starts the cron scheduler.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return nil
	}

	c := cron.New(cron.WithLocation(time.UTC))
	if _, err := c.AddFunc(m.schedule, m.tick); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", m.schedule, err)
	}
	c.Start()

	m.cron = c
	m.running = true
	log.Infof("[Scheduler] Started billing sweeper (schedule: %s)", m.schedule)
	return nil
}

// Stop stops the scheduler and waits for a running sweep to finish.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	log.Info("[Scheduler] Stopping billing sweeper...")
	<-m.cron.Stop().Done()
	m.cron = nil
	m.running = false
	log.Info("[Scheduler] Stopped successfully")
}

// IsRunning returns whether the scheduler is currently running
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Manager) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	summary, err := m.RunSweepOnce(ctx)
	switch {
	case errors.Is(err, ErrSweepInProgress):
		log.Debug("[Scheduler] Sweep skipped, another instance holds the lock")
	case err != nil:
		log.Errorf("[Scheduler] Sweep failed: %v", err)
	default:
		log.Infof("[Scheduler] Sweep finished: %d expired, %d past due, %d PIX cleared, %d failed",
			summary.Blocked, summary.PastDue, summary.PixCleared, summary.Failed)
	}
}

// RunSweepOnce runs a single sweep under the distributed lock. It is used by
// the scheduler and by the manual sweep endpoint.
func (m *Manager) RunSweepOnce(ctx context.Context) (billing.SweepSummary, error) {
	release, acquired, err := cache.TryLock(ctx, m.client, SweepLockKey, m.lockTTL)
	if err != nil {
		metrics.SweepRunsTotal.WithLabelValues(string(SweepOutcomeFailed)).Inc()
		return billing.SweepSummary{}, err
	}
	if !acquired {
		metrics.SweepRunsTotal.WithLabelValues(string(SweepOutcomeSkipped)).Inc()
		return billing.SweepSummary{}, ErrSweepInProgress
	}
	defer release()

	start := time.Now()
	summary, err := m.runner.Sweep(ctx)
	metrics.SweepDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.SweepRunsTotal.WithLabelValues(string(SweepOutcomeFailed)).Inc()
		m.updateStats(ctx, map[string]int64{"runs_failed": 1})
		return summary, err
	}

	metrics.SweepRunsTotal.WithLabelValues(string(SweepOutcomeOK)).Inc()
	m.updateStats(ctx, map[string]int64{
		"runs":        1,
		"expired":     int64(summary.Blocked),
		"past_due":    int64(summary.PastDue),
		"pix_cleared": int64(summary.PixCleared),
		"failed_rows": int64(summary.Failed),
	})
	m.storeSummary(ctx, summary)
	return summary, nil
}

// LastSummary returns the summary of the last successful sweep, or nil when
// none was recorded yet.
func (m *Manager) LastSummary(ctx context.Context) (*billing.SweepSummary, error) {
	raw, err := m.client.Get(ctx, SweepLastSummaryKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var summary billing.SweepSummary
	if err := json.Unmarshal([]byte(raw), &summary); err != nil {
		return nil, fmt.Errorf("decode last sweep summary: %w", err)
	}
	return &summary, nil
}

// Stats returns the cumulative sweep counters.
func (m *Manager) Stats(ctx context.Context) (map[string]int64, error) {
	raw, err := m.client.HGetAll(ctx, SweepStatsKey).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(raw))
	for k, v := range raw {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		out[k] = n
	}
	return out, nil
}

func (m *Manager) storeSummary(ctx context.Context, summary billing.SweepSummary) {
	data, err := json.Marshal(summary)
	if err != nil {
		log.Errorf("[Scheduler] Failed to encode sweep summary: %v", err)
		return
	}
	if err := m.client.Set(ctx, SweepLastSummaryKey, data, 0).Err(); err != nil {
		log.Warnf("[Scheduler] Failed to store sweep summary: %v", err)
	}
}

// updateStats updates sweep statistics
func (m *Manager) updateStats(ctx context.Context, deltas map[string]int64) {
	pipe := m.client.TxPipeline()
	for field, delta := range deltas {
		if delta == 0 {
			continue
		}
		pipe.HIncrBy(ctx, SweepStatsKey, field, delta)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		log.Warnf("[Scheduler] Failed to update sweep stats: %v", err)
	}
}
