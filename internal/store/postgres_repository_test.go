package store

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/transfa/bonus-service/internal/domain"
)

// The Postgres suite needs a disposable database; it truncates both tables per subtest.
func TestPostgresRepository_Contract(t *testing.T) {
	dsn := os.Getenv("BONUS_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("BONUS_TEST_DATABASE_URL not set")
	}

	runRepositoryContract(t, func(t *testing.T, opts Options) Repository {
		ctx := context.Background()
		pool, err := pgxpool.New(ctx, dsn)
		require.NoError(t, err)
		t.Cleanup(pool.Close)

		repo := NewPostgresRepository(pool, opts)
		require.NoError(t, repo.EnsureSchema(ctx))
		_, err = pool.Exec(ctx, "TRUNCATE processing_records, player_bonus")
		require.NoError(t, err)
		return repo
	})
}

func TestAccountLoadError(t *testing.T) {
	userID := uuid.New()
	missingTable := &pgconn.PgError{Code: "42P01", Message: `relation "player_bonus" does not exist`}

	tests := []struct {
		name        string
		err         error
		wantAccount bool
	}{
		{name: "no rows", err: pgx.ErrNoRows, wantAccount: true},
		{name: "undefined table", err: missingTable},
		{name: "connection failure", err: errors.New("connection refused")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := accountLoadError(userID, tt.err)
			assert.Equal(t, tt.wantAccount, errors.Is(err, domain.ErrAccountNotFound))
			if !tt.wantAccount {
				assert.ErrorIs(t, err, tt.err)
			}
		})
	}
}
