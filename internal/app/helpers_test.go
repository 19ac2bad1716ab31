package app

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/transfa/bonus-service/internal/metrics"
	"github.com/transfa/bonus-service/internal/store"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testTracer() trace.Tracer {
	return noop.NewTracerProvider().Tracer("test")
}

func newTestSQLite(t *testing.T) *store.SQLiteRepository {
	t.Helper()
	return newTestSQLiteWithOptions(t, store.Options{})
}

func newTestSQLiteWithOptions(t *testing.T, opts store.Options) *store.SQLiteRepository {
	t.Helper()
	repo, err := store.OpenSQLite(filepath.Join(t.TempDir(), "bonus.db"), opts)
	require.NoError(t, err)
	t.Cleanup(repo.Close)
	require.NoError(t, repo.EnsureSchema(context.Background()))
	return repo
}

func newTestProcessor(locks eventLocker, bonus bonusCalculator, publisher bonusPublisher, cfg ProcessorConfig) (*Processor, *metrics.Pipeline) {
	m := metrics.NewNoop()
	return NewProcessor(locks, bonus, publisher, cfg, testLogger(), m, testTracer()), m
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
