package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/transfa/bonus-service/internal/domain"
)

//go:embed schema/sqlite.sql
var sqliteSchema string

// SQLiteRepository is the embedded Repository used for local runs and tests.
//
// SQLite allows a single writer, so the pool is capped at one connection: every
// transaction below is serialized by the driver, which is what makes the
// insert-if-absent in AcquireOrSkip a linearization point per event id.
type SQLiteRepository struct {
	db   *sql.DB
	opts Options
}

// OpenSQLite creates or opens the database at path and applies pragmas.
func OpenSQLite(path string, opts Options) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return &SQLiteRepository{db: db, opts: opts}, nil
}

func (r *SQLiteRepository) EnsureSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, sqliteSchema)
	return err
}

func (r *SQLiteRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *SQLiteRepository) Close() {
	_ = r.db.Close()
}

func (r *SQLiteRepository) AcquireOrSkip(ctx context.Context, eventID uuid.UUID) (LockDecision, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	now := r.opts.now()
	var (
		locked    bool
		processed bool
		updatedAt int64
	)
	err = tx.QueryRowContext(ctx,
		"SELECT locked, processed, updated_at FROM processing_records WHERE event_id = ?",
		eventID.String(),
	).Scan(&locked, &processed, &updatedAt)

	switch {
	case err == nil:
		stale := r.opts.ReclaimAfter > 0 && time.UnixMilli(updatedAt).Before(now.Add(-r.opts.ReclaimAfter))
		decision := decideExisting(locked, processed, stale)
		if decision == LockReclaimed {
			if _, err := tx.ExecContext(ctx,
				"UPDATE processing_records SET attempts = attempts + 1, updated_at = ? WHERE event_id = ?",
				now.UnixMilli(), eventID.String(),
			); err != nil {
				return 0, fmt.Errorf("reclaim processing record: %w", err)
			}
		}
		if err := tx.Commit(); err != nil {
			return 0, err
		}
		return decision, nil
	case errors.Is(err, sql.ErrNoRows):
	default:
		return 0, fmt.Errorf("load processing record: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO processing_records (event_id, locked, processed, attempts, created_at, updated_at)
		VALUES (?, 1, 0, 1, ?, ?)
		ON CONFLICT (event_id) DO NOTHING
	`, eventID.String(), now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("insert processing record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return LockAcquired, nil
	}
	return LockSkippedInFlight, nil
}

func (r *SQLiteRepository) MarkProcessed(ctx context.Context, eventID uuid.UUID) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE processing_records
		SET processed = 1, locked = 0, updated_at = ?
		WHERE event_id = ? AND processed = 0
	`, r.opts.now().UnixMilli(), eventID.String())
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *SQLiteRepository) FindProcessingRecord(ctx context.Context, eventID uuid.UUID) (*domain.ProcessingRecord, error) {
	var (
		rec                  domain.ProcessingRecord
		credited             sql.NullString
		createdAt, updatedAt int64
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT event_id, locked, processed, attempts, credited_total, created_at, updated_at
		FROM processing_records
		WHERE event_id = ?
	`, eventID.String()).Scan(&rec.EventID, &rec.Locked, &rec.Processed, &rec.Attempts, &credited, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	if credited.Valid {
		total, err := decimal.NewFromString(credited.String)
		if err != nil {
			return nil, fmt.Errorf("decode credited_total for event %s: %w", eventID, err)
		}
		rec.CreditedTotal = &total
	}
	rec.CreatedAt = time.UnixMilli(createdAt).UTC()
	rec.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &rec, nil
}

func (r *SQLiteRepository) CountStaleLocks(ctx context.Context, olderThan time.Time) (int64, error) {
	var count int64
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM processing_records
		WHERE locked = 1 AND processed = 0 AND updated_at < ?
	`, olderThan.UnixMilli()).Scan(&count)
	return count, err
}

func (r *SQLiteRepository) CreditEventBonus(ctx context.Context, eventID, userID uuid.UUID, fn BonusTransform) (decimal.Decimal, bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return decimal.Decimal{}, false, err
	}
	defer func() { _ = tx.Rollback() }()

	var credited sql.NullString
	err = tx.QueryRowContext(ctx,
		"SELECT credited_total FROM processing_records WHERE event_id = ?",
		eventID.String(),
	).Scan(&credited)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return decimal.Decimal{}, false, fmt.Errorf("%w: eventId=%s", ErrRecordNotFound, eventID)
		}
		return decimal.Decimal{}, false, fmt.Errorf("load processing record: %w", err)
	}
	if credited.Valid {
		total, err := decimal.NewFromString(credited.String)
		if err != nil {
			return decimal.Decimal{}, false, fmt.Errorf("decode credited_total for event %s: %w", eventID, err)
		}
		return total, true, nil
	}

	var raw string
	err = tx.QueryRowContext(ctx, "SELECT total_bonus FROM player_bonus WHERE user_id = ?", userID.String()).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return decimal.Decimal{}, false, fmt.Errorf("%w: userId=%s", domain.ErrAccountNotFound, userID)
		}
		return decimal.Decimal{}, false, fmt.Errorf("load player_bonus: %w", err)
	}

	current, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, false, fmt.Errorf("decode total_bonus for user %s: %w", userID, err)
	}
	next, err := fn(current)
	if err != nil {
		return decimal.Decimal{}, false, err
	}

	now := r.opts.now().UnixMilli()
	if _, err := tx.ExecContext(ctx,
		"UPDATE player_bonus SET total_bonus = ?, updated_at = ? WHERE user_id = ?",
		next.String(), now, userID.String(),
	); err != nil {
		return decimal.Decimal{}, false, err
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE processing_records SET credited_total = ?, updated_at = ? WHERE event_id = ?",
		next.String(), now, eventID.String(),
	); err != nil {
		return decimal.Decimal{}, false, fmt.Errorf("record credit: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return decimal.Decimal{}, false, err
	}
	return next, false, nil
}

func (r *SQLiteRepository) FindPlayerBonus(ctx context.Context, userID uuid.UUID) (*domain.PlayerBonus, error) {
	var (
		bonus     domain.PlayerBonus
		raw       string
		updatedAt int64
	)
	err := r.db.QueryRowContext(ctx,
		"SELECT user_id, total_bonus, updated_at FROM player_bonus WHERE user_id = ?",
		userID.String(),
	).Scan(&bonus.UserID, &raw, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, err
	}
	if bonus.TotalBonus, err = decimal.NewFromString(raw); err != nil {
		return nil, fmt.Errorf("decode total_bonus for user %s: %w", userID, err)
	}
	bonus.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &bonus, nil
}

func (r *SQLiteRepository) CreatePlayerBonus(ctx context.Context, userID uuid.UUID, total decimal.Decimal) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO player_bonus (user_id, total_bonus, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (user_id) DO NOTHING
	`, userID.String(), total.String(), r.opts.now().UnixMilli())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}
