/**
 * @description
 * Cron job reporting processing records that were locked but never finalized.
 *
 * @notes
 * - Reporting only. Reclaiming stale locks happens inline in AcquireOrSkip when
 *   STALE_LOCK_RECLAIM_AFTER is set.
 */
package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/transfa/bonus-service/internal/metrics"
)

type staleLockCounter interface {
	CountStaleLocks(ctx context.Context, olderThan time.Time) (int64, error)
}

// LockMonitor periodically counts stale in-flight records.
type LockMonitor struct {
	cron     *cron.Cron
	repo     staleLockCounter
	schedule string
	after    time.Duration
	logger   *slog.Logger
	metrics  *metrics.Pipeline
	now      func() time.Time
}

func NewLockMonitor(repo staleLockCounter, schedule string, after time.Duration, logger *slog.Logger, m *metrics.Pipeline) *LockMonitor {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &LockMonitor{
		cron:     c,
		repo:     repo,
		schedule: schedule,
		after:    after,
		logger:   logger,
		metrics:  m,
		now:      time.Now,
	}
}

// Start registers the report job and starts the scheduler.
func (m *LockMonitor) Start() error {
	if _, err := m.cron.AddFunc(m.schedule, m.ReportStaleLocks); err != nil {
		return err
	}
	m.logger.Info("scheduled stale lock report", "schedule", m.schedule, "older_than", m.after)
	m.cron.Start()
	return nil
}

// Stop stops the scheduler; the returned context is done once a running report ends.
func (m *LockMonitor) Stop() context.Context {
	return m.cron.Stop()
}

// ReportStaleLocks updates the stale lock gauge and warns when it is non-zero.
func (m *LockMonitor) ReportStaleLocks() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cutoff := m.now().Add(-m.after)
	count, err := m.repo.CountStaleLocks(ctx, cutoff)
	if err != nil {
		m.logger.Error("failed to count stale locks", "error", err)
		return
	}

	m.metrics.StaleLocks.Set(float64(count))
	if count > 0 {
		m.logger.Warn("processing records stuck in flight", "count", count, "older_than", m.after)
		return
	}
	m.logger.Debug("no stale locks")
}
