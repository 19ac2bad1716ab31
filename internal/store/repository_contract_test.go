package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/transfa/bonus-service/internal/domain"
)

// repositoryFactory opens a fresh, schema-applied repository for one subtest.
type repositoryFactory func(t *testing.T, opts Options) Repository

// runRepositoryContract exercises the behaviour every driver must share.
func runRepositoryContract(t *testing.T, newRepo repositoryFactory) {
	t.Run("unseen event proceeds exactly once", func(t *testing.T) {
		repo := newRepo(t, Options{})
		ctx := context.Background()
		eventID := uuid.New()

		decision, err := repo.AcquireOrSkip(ctx, eventID)
		require.NoError(t, err)
		assert.Equal(t, LockAcquired, decision)

		rec, err := repo.FindProcessingRecord(ctx, eventID)
		require.NoError(t, err)
		assert.True(t, rec.Locked)
		assert.False(t, rec.Processed)
		assert.Equal(t, 1, rec.Attempts)

		for i := 0; i < 3; i++ {
			decision, err = repo.AcquireOrSkip(ctx, eventID)
			require.NoError(t, err)
			assert.Equal(t, LockSkippedInFlight, decision)
		}
	})

	t.Run("finalized event is skipped", func(t *testing.T) {
		repo := newRepo(t, Options{})
		ctx := context.Background()
		eventID := uuid.New()

		_, err := repo.AcquireOrSkip(ctx, eventID)
		require.NoError(t, err)

		rows, err := repo.MarkProcessed(ctx, eventID)
		require.NoError(t, err)
		assert.EqualValues(t, 1, rows)

		rec, err := repo.FindProcessingRecord(ctx, eventID)
		require.NoError(t, err)
		assert.False(t, rec.Locked)
		assert.True(t, rec.Processed)

		decision, err := repo.AcquireOrSkip(ctx, eventID)
		require.NoError(t, err)
		assert.Equal(t, LockSkippedProcessed, decision)
		assert.False(t, decision.Proceed())
	})

	t.Run("concurrent acquirers of one event id", func(t *testing.T) {
		repo := newRepo(t, Options{})
		ctx := context.Background()
		eventID := uuid.New()

		const callers = 16
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			proceeded int
			skipped   int
			errs      []error
		)
		start := make(chan struct{})
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				decision, err := repo.AcquireOrSkip(ctx, eventID)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err != nil:
					errs = append(errs, err)
				case decision.Proceed():
					proceeded++
				default:
					skipped++
				}
			}()
		}
		close(start)
		wg.Wait()

		require.Empty(t, errs)
		assert.Equal(t, 1, proceeded)
		assert.Equal(t, callers-1, skipped)
	})

	t.Run("mark processed is idempotent", func(t *testing.T) {
		repo := newRepo(t, Options{})
		ctx := context.Background()

		rows, err := repo.MarkProcessed(ctx, uuid.New())
		require.NoError(t, err)
		assert.Zero(t, rows)

		eventID := uuid.New()
		_, err = repo.AcquireOrSkip(ctx, eventID)
		require.NoError(t, err)
		for i, want := range []int64{1, 0, 0} {
			rows, err := repo.MarkProcessed(ctx, eventID)
			require.NoError(t, err, "call %d", i)
			assert.Equal(t, want, rows, "call %d", i)
		}
	})

	t.Run("missing record", func(t *testing.T) {
		repo := newRepo(t, Options{})
		_, err := repo.FindProcessingRecord(context.Background(), uuid.New())
		assert.ErrorIs(t, err, ErrRecordNotFound)
	})

	t.Run("credit persists the increment once per event", func(t *testing.T) {
		repo := newRepo(t, Options{})
		ctx := context.Background()
		userID := uuid.New()

		created, err := repo.CreatePlayerBonus(ctx, userID, decimal.NewFromInt(5))
		require.NoError(t, err)
		require.True(t, created)

		created, err = repo.CreatePlayerBonus(ctx, userID, decimal.NewFromInt(99))
		require.NoError(t, err)
		assert.False(t, created)

		calls := 0
		inc := func(current decimal.Decimal) (decimal.Decimal, error) {
			calls++
			return current.Add(decimal.NewFromInt(1)), nil
		}
		first, second := uuid.New(), uuid.New()
		for _, id := range []uuid.UUID{first, second} {
			_, err := repo.AcquireOrSkip(ctx, id)
			require.NoError(t, err)
		}

		total, replayed, err := repo.CreditEventBonus(ctx, first, userID, inc)
		require.NoError(t, err)
		assert.False(t, replayed)
		assert.True(t, decimal.NewFromInt(6).Equal(total), "got %s", total)

		total, replayed, err = repo.CreditEventBonus(ctx, first, userID, inc)
		require.NoError(t, err)
		assert.True(t, replayed)
		assert.True(t, decimal.NewFromInt(6).Equal(total), "got %s", total)

		total, replayed, err = repo.CreditEventBonus(ctx, second, userID, inc)
		require.NoError(t, err)
		assert.False(t, replayed)
		assert.True(t, decimal.NewFromInt(7).Equal(total), "got %s", total)
		assert.Equal(t, 2, calls)

		account, err := repo.FindPlayerBonus(ctx, userID)
		require.NoError(t, err)
		assert.True(t, decimal.NewFromInt(7).Equal(account.TotalBonus), "got %s", account.TotalBonus)

		rec, err := repo.FindProcessingRecord(ctx, first)
		require.NoError(t, err)
		require.NotNil(t, rec.CreditedTotal)
		assert.True(t, decimal.NewFromInt(6).Equal(*rec.CreditedTotal), "got %s", rec.CreditedTotal)
	})

	t.Run("credit for unknown user", func(t *testing.T) {
		repo := newRepo(t, Options{})
		ctx := context.Background()
		eventID := uuid.New()
		_, err := repo.AcquireOrSkip(ctx, eventID)
		require.NoError(t, err)

		called := false
		_, _, err = repo.CreditEventBonus(ctx, eventID, uuid.New(), func(current decimal.Decimal) (decimal.Decimal, error) {
			called = true
			return current, nil
		})
		assert.ErrorIs(t, err, domain.ErrAccountNotFound)
		assert.False(t, called)

		rec, err := repo.FindProcessingRecord(ctx, eventID)
		require.NoError(t, err)
		assert.Nil(t, rec.CreditedTotal)

		_, err = repo.FindPlayerBonus(ctx, uuid.New())
		assert.ErrorIs(t, err, domain.ErrAccountNotFound)
	})

	t.Run("credit without processing record", func(t *testing.T) {
		repo := newRepo(t, Options{})
		ctx := context.Background()
		userID := uuid.New()
		_, err := repo.CreatePlayerBonus(ctx, userID, decimal.NewFromInt(5))
		require.NoError(t, err)

		_, _, err = repo.CreditEventBonus(ctx, uuid.New(), userID, func(current decimal.Decimal) (decimal.Decimal, error) {
			return current.Add(decimal.NewFromInt(1)), nil
		})
		assert.ErrorIs(t, err, ErrRecordNotFound)

		account, err := repo.FindPlayerBonus(ctx, userID)
		require.NoError(t, err)
		assert.True(t, decimal.NewFromInt(5).Equal(account.TotalBonus), "got %s", account.TotalBonus)
	})

	t.Run("count stale locks ignores finalized records", func(t *testing.T) {
		repo := newRepo(t, Options{})
		ctx := context.Background()

		stuck, done := uuid.New(), uuid.New()
		for _, id := range []uuid.UUID{stuck, done} {
			_, err := repo.AcquireOrSkip(ctx, id)
			require.NoError(t, err)
		}
		_, err := repo.MarkProcessed(ctx, done)
		require.NoError(t, err)

		count, err := repo.CountStaleLocks(ctx, time.Now().Add(time.Hour))
		require.NoError(t, err)
		assert.EqualValues(t, 1, count)

		count, err = repo.CountStaleLocks(ctx, time.Now().Add(-time.Hour))
		require.NoError(t, err)
		assert.Zero(t, count)
	})
}
