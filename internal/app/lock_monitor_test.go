package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/transfa/bonus-service/internal/metrics"
)

type staleCounterStub struct {
	count     int64
	err       error
	olderThan time.Time
}

func (s *staleCounterStub) CountStaleLocks(_ context.Context, olderThan time.Time) (int64, error) {
	s.olderThan = olderThan
	return s.count, s.err
}

func TestLockMonitor_ReportStaleLocks(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	repo := &staleCounterStub{count: 3}
	m := metrics.NewNoop()
	monitor := NewLockMonitor(repo, "@every 1m", 5*time.Minute, testLogger(), m)
	monitor.now = func() time.Time { return now }

	monitor.ReportStaleLocks()

	assert.Equal(t, now.Add(-5*time.Minute), repo.olderThan)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.StaleLocks))
}

func TestLockMonitor_KeepsLastValueOnError(t *testing.T) {
	repo := &staleCounterStub{count: 2}
	m := metrics.NewNoop()
	monitor := NewLockMonitor(repo, "@every 1m", time.Minute, testLogger(), m)

	monitor.ReportStaleLocks()
	repo.err = errors.New("connection reset")
	monitor.ReportStaleLocks()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.StaleLocks))
}

func TestLockMonitor_StartRejectsBadSchedule(t *testing.T) {
	monitor := NewLockMonitor(&staleCounterStub{}, "every minute", time.Minute, testLogger(), metrics.NewNoop())
	assert.Error(t, monitor.Start())
}

func TestLockMonitor_AgainstSQLite(t *testing.T) {
	repo := newTestSQLite(t)
	m := metrics.NewNoop()
	monitor := NewLockMonitor(repo, "@every 1m", time.Minute, testLogger(), m)
	monitor.now = func() time.Time { return time.Now().Add(time.Hour) }

	unit := newLoginUnit()
	_, err := repo.AcquireOrSkip(context.Background(), unit.EventID)
	require.NoError(t, err)

	monitor.ReportStaleLocks()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StaleLocks))
}
