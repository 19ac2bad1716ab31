/**
 * @description
 * PostgreSQL implementation of the Repository interface.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: driver, pool and error codes.
 * - github.com/shopspring/decimal: bonus arithmetic. NUMERIC columns travel as text.
 *
 * @notes
 * - AcquireOrSkip reads the record FOR UPDATE and inserts with ON CONFLICT DO NOTHING.
 *   Row locks serialize readers of an existing record; the primary key serializes racing
 *   inserters, so exactly one caller sees RowsAffected() == 1.
 */
package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/transfa/bonus-service/internal/domain"
)

//go:embed schema/postgres.sql
var postgresSchema string

// PostgresRepository is the PostgreSQL implementation of Repository.
type PostgresRepository struct {
	db   *pgxpool.Pool
	opts Options
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool, opts Options) *PostgresRepository {
	return &PostgresRepository{db: db, opts: opts}
}

// EnsureSchema applies the embedded schema. Safe to run repeatedly.
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	_, err := r.db.Exec(ctx, postgresSchema)
	return err
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.db.Ping(ctx)
}

func (r *PostgresRepository) Close() {
	r.db.Close()
}

func (r *PostgresRepository) AcquireOrSkip(ctx context.Context, eventID uuid.UUID) (LockDecision, error) {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	var (
		locked    bool
		processed bool
		stale     bool
	)
	// Use FOR UPDATE so concurrent reclaimers of the same record queue behind each other.
	err = tx.QueryRow(ctx, `
		SELECT locked, processed, ($2::float8 > 0 AND updated_at < NOW() - ($2::float8 * INTERVAL '1 second'))
		FROM processing_records
		WHERE event_id = $1
		FOR UPDATE
	`, eventID, r.opts.ReclaimAfter.Seconds()).Scan(&locked, &processed, &stale)

	switch {
	case err == nil:
		decision := decideExisting(locked, processed, stale)
		if decision == LockReclaimed {
			if _, err := tx.Exec(ctx, `
				UPDATE processing_records
				SET attempts = attempts + 1, updated_at = NOW()
				WHERE event_id = $1
			`, eventID); err != nil {
				return 0, fmt.Errorf("reclaim processing record: %w", err)
			}
		}
		if err := tx.Commit(ctx); err != nil {
			return 0, err
		}
		return decision, nil
	case errors.Is(err, pgx.ErrNoRows):
	default:
		return 0, fmt.Errorf("load processing record: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO processing_records (event_id, locked, processed)
		VALUES ($1, TRUE, FALSE)
		ON CONFLICT (event_id) DO NOTHING
	`, eventID)
	if err != nil {
		return 0, fmt.Errorf("insert processing record: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	if tag.RowsAffected() == 1 {
		return LockAcquired, nil
	}
	// A concurrent caller committed its insert first.
	return LockSkippedInFlight, nil
}

func (r *PostgresRepository) MarkProcessed(ctx context.Context, eventID uuid.UUID) (int64, error) {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE processing_records
		SET processed = TRUE, locked = FALSE, updated_at = NOW()
		WHERE event_id = $1 AND NOT processed
	`, eventID)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *PostgresRepository) FindProcessingRecord(ctx context.Context, eventID uuid.UUID) (*domain.ProcessingRecord, error) {
	var (
		rec      domain.ProcessingRecord
		credited *string
	)
	err := r.db.QueryRow(ctx, `
		SELECT event_id, locked, processed, attempts, credited_total::text, created_at, updated_at
		FROM processing_records
		WHERE event_id = $1
	`, eventID).Scan(&rec.EventID, &rec.Locked, &rec.Processed, &rec.Attempts, &credited, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	if credited != nil {
		total, err := decimal.NewFromString(*credited)
		if err != nil {
			return nil, fmt.Errorf("decode credited_total for event %s: %w", eventID, err)
		}
		rec.CreditedTotal = &total
	}
	return &rec, nil
}

func (r *PostgresRepository) CountStaleLocks(ctx context.Context, olderThan time.Time) (int64, error) {
	var count int64
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM processing_records
		WHERE locked AND NOT processed AND updated_at < $1
	`, olderThan).Scan(&count)
	return count, err
}

func (r *PostgresRepository) CreditEventBonus(ctx context.Context, eventID, userID uuid.UUID, fn BonusTransform) (decimal.Decimal, bool, error) {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return decimal.Decimal{}, false, err
	}
	defer tx.Rollback(ctx)

	// Lock order is processing record first, then account, matching AcquireOrSkip.
	var credited *string
	err = tx.QueryRow(ctx,
		"SELECT credited_total::text FROM processing_records WHERE event_id = $1 FOR UPDATE",
		eventID,
	).Scan(&credited)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Decimal{}, false, fmt.Errorf("%w: eventId=%s", ErrRecordNotFound, eventID)
		}
		return decimal.Decimal{}, false, fmt.Errorf("load processing record: %w", err)
	}
	if credited != nil {
		total, err := decimal.NewFromString(*credited)
		if err != nil {
			return decimal.Decimal{}, false, fmt.Errorf("decode credited_total for event %s: %w", eventID, err)
		}
		return total, true, nil
	}

	var raw string
	err = tx.QueryRow(ctx, "SELECT total_bonus::text FROM player_bonus WHERE user_id = $1 FOR UPDATE", userID).Scan(&raw)
	if err != nil {
		return decimal.Decimal{}, false, accountLoadError(userID, err)
	}

	current, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, false, fmt.Errorf("decode total_bonus for user %s: %w", userID, err)
	}
	next, err := fn(current)
	if err != nil {
		return decimal.Decimal{}, false, err
	}

	if _, err := tx.Exec(ctx,
		"UPDATE player_bonus SET total_bonus = $1::numeric, updated_at = NOW() WHERE user_id = $2",
		next.String(), userID,
	); err != nil {
		return decimal.Decimal{}, false, err
	}
	if _, err := tx.Exec(ctx,
		"UPDATE processing_records SET credited_total = $1::numeric, updated_at = NOW() WHERE event_id = $2",
		next.String(), eventID,
	); err != nil {
		return decimal.Decimal{}, false, fmt.Errorf("record credit: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return decimal.Decimal{}, false, err
	}
	return next, false, nil
}

func (r *PostgresRepository) FindPlayerBonus(ctx context.Context, userID uuid.UUID) (*domain.PlayerBonus, error) {
	var (
		bonus domain.PlayerBonus
		raw   string
	)
	err := r.db.QueryRow(ctx,
		"SELECT user_id, total_bonus::text, updated_at FROM player_bonus WHERE user_id = $1",
		userID,
	).Scan(&bonus.UserID, &raw, &bonus.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, err
	}
	if bonus.TotalBonus, err = decimal.NewFromString(raw); err != nil {
		return nil, fmt.Errorf("decode total_bonus for user %s: %w", userID, err)
	}
	return &bonus, nil
}

func (r *PostgresRepository) CreatePlayerBonus(ctx context.Context, userID uuid.UUID, total decimal.Decimal) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		INSERT INTO player_bonus (user_id, total_bonus)
		VALUES ($1, $2::numeric)
		ON CONFLICT (user_id) DO NOTHING
	`, userID, total.String())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// accountLoadError keeps a missing account, a domain error, apart from storage
// failures such as an unmigrated database.
func accountLoadError(userID uuid.UUID, err error) error {
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return fmt.Errorf("%w: userId=%s", domain.ErrAccountNotFound, userID)
	case isUndefinedTableError(err):
		return fmt.Errorf("load player_bonus: table missing, run migrate: %w", err)
	default:
		return fmt.Errorf("load player_bonus: %w", err)
	}
}

func isUndefinedTableError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "42P01"
}
