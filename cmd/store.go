package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/transfa/bonus-service/internal/config"
	"github.com/transfa/bonus-service/internal/store"
)

// openRepository connects the configured store driver. The caller owns Close.
func (c *cli) openRepository(ctx context.Context) (store.Repository, error) {
	opts := store.Options{ReclaimAfter: c.cfg.StaleLockReclaimAfter}

	switch c.cfg.StoreDriver {
	case config.DriverSQLite:
		repo, err := store.OpenSQLite(c.cfg.SQLitePath, opts)
		if err != nil {
			return nil, err
		}
		c.logger.Info("sqlite store opened", "path", c.cfg.SQLitePath)
		return repo, nil

	case config.DriverPostgres:
		dbConfig, err := pgxpool.ParseConfig(c.cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("unable to parse database URL: %w", err)
		}

		// Every worker may hold one transaction at a time.
		dbConfig.MaxConns = int32(c.cfg.WorkerCount + 2)
		dbConfig.MinConns = 2
		dbConfig.MaxConnLifetime = 30 * time.Minute
		dbConfig.MaxConnIdleTime = 5 * time.Minute

		// Disable prepared statement caching to prevent conflicts
		dbConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeExec

		dbpool, err := pgxpool.NewWithConfig(ctx, dbConfig)
		if err != nil {
			return nil, fmt.Errorf("unable to connect to database: %w", err)
		}
		if err := dbpool.Ping(ctx); err != nil {
			dbpool.Close()
			return nil, fmt.Errorf("unable to reach database: %w", err)
		}
		c.logger.Info("database connection established")
		return store.NewPostgresRepository(dbpool, opts), nil

	default:
		return nil, fmt.Errorf("%w: %s", store.ErrUnknownDriver, c.cfg.StoreDriver)
	}
}

// withProcessedCache puts the Redis processed-event cache in front of repo when
// REDIS_URL is set. The returned close func is never nil.
func (c *cli) withProcessedCache(ctx context.Context, repo store.Repository) (store.Repository, func(), error) {
	if c.cfg.RedisURL == "" {
		return repo, func() {}, nil
	}

	opts, err := redis.ParseURL(c.cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("unable to reach redis: %w", err)
	}

	cache := store.NewRedisProcessedCache(client, c.cfg.RedisKeyPrefix, c.cfg.RedisProcessedTTL)
	c.logger.Info("processed event cache enabled", "prefix", c.cfg.RedisKeyPrefix, "ttl", c.cfg.RedisProcessedTTL)
	return store.NewCachedRepository(repo, cache, c.logger), func() { client.Close() }, nil
}

func (c *cli) migrate(ctx context.Context) error {
	repo, err := c.openRepository(ctx)
	if err != nil {
		return err
	}
	defer repo.Close()

	if err := repo.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	c.logger.Info("schema applied", "driver", c.cfg.StoreDriver)
	return nil
}

func newSeedAccountCmd(c *cli) *cobra.Command {
	var (
		userID string
		total  string
	)
	cmd := &cobra.Command{
		Use:   "seed-account",
		Short: "Create a player bonus account",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(userID)
			if err != nil {
				return fmt.Errorf("invalid --user-id: %w", err)
			}
			amount, err := decimal.NewFromString(total)
			if err != nil {
				return fmt.Errorf("invalid --total: %w", err)
			}
			if amount.IsNegative() {
				return errors.New("--total must not be negative")
			}
			return c.seedAccount(cmd.Context(), id, amount)
		},
	}
	cmd.Flags().StringVar(&userID, "user-id", "", "player id (uuid)")
	cmd.Flags().StringVar(&total, "total", "0", "starting bonus total")
	_ = cmd.MarkFlagRequired("user-id")
	return cmd
}

func (c *cli) seedAccount(ctx context.Context, userID uuid.UUID, total decimal.Decimal) error {
	repo, err := c.openRepository(ctx)
	if err != nil {
		return err
	}
	defer repo.Close()

	if err := repo.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	created, err := repo.CreatePlayerBonus(ctx, userID, total)
	if err != nil {
		return fmt.Errorf("create bonus account: %w", err)
	}
	if !created {
		c.logger.Warn("bonus account already exists; left unchanged", "user_id", userID)
		return nil
	}
	c.logger.Info("bonus account created", "user_id", userID, "total_bonus", total.String())
	return nil
}
