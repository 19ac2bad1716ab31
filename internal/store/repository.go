/**
 * @description
 * This file defines the storage contracts of the bonus-service: the dedup/lock store
 * for inbound event ids and the player bonus accounts.
 *
 * @notes
 * - Every method runs inside its own transaction; nothing is held open across calls.
 * - Two implementations exist: PostgreSQL (production) and SQLite (local runs, tests).
 */
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/bonus-service/internal/domain"
)

var (
	ErrRecordNotFound = errors.New("processing record not found")
	ErrUnknownDriver  = errors.New("unknown store driver")
)

// LockDecision is the result of AcquireOrSkip.
type LockDecision int

const (
	// LockAcquired means no record existed and this caller inserted it.
	LockAcquired LockDecision = iota
	// LockReclaimed means a stale in-flight record was taken over by this caller.
	LockReclaimed
	// LockSkippedProcessed means the event was already finalized.
	LockSkippedProcessed
	// LockSkippedInFlight means another run holds (or abandoned) the lock.
	LockSkippedInFlight
)

// Proceed reports whether the caller owns the event and must process it.
func (d LockDecision) Proceed() bool {
	return d == LockAcquired || d == LockReclaimed
}

func (d LockDecision) String() string {
	switch d {
	case LockAcquired:
		return "acquired"
	case LockReclaimed:
		return "reclaimed"
	case LockSkippedProcessed:
		return "skipped_processed"
	case LockSkippedInFlight:
		return "skipped_in_flight"
	default:
		return "unknown"
	}
}

// EventLockRepository is the dedup/lock store keyed by inbound event id.
type EventLockRepository interface {
	// AcquireOrSkip inserts a locked record for an unseen event id, or reports why the
	// existing record must be skipped. Exactly one concurrent caller proceeds per id.
	AcquireOrSkip(ctx context.Context, eventID uuid.UUID) (LockDecision, error)
	// MarkProcessed finalizes a record. Missing or already final records affect 0 rows.
	MarkProcessed(ctx context.Context, eventID uuid.UUID) (int64, error)
	FindProcessingRecord(ctx context.Context, eventID uuid.UUID) (*domain.ProcessingRecord, error)
	// CountStaleLocks counts in-flight records not updated since olderThan.
	CountStaleLocks(ctx context.Context, olderThan time.Time) (int64, error)
}

// BonusTransform computes the new total from the current one.
type BonusTransform func(current decimal.Decimal) (decimal.Decimal, error)

// BonusRepository stores player bonus accounts.
type BonusRepository interface {
	// CreditEventBonus credits the account once per processing record. In one
	// transaction it reads the account under a row lock, applies fn, writes the result
	// back and records it on the event's processing record. When the record already
	// carries a credit, that total is returned with replayed set and fn is not applied.
	// Returns domain.ErrAccountNotFound when the account is absent and
	// ErrRecordNotFound when no processing record exists for eventID.
	CreditEventBonus(ctx context.Context, eventID, userID uuid.UUID, fn BonusTransform) (total decimal.Decimal, replayed bool, err error)
	FindPlayerBonus(ctx context.Context, userID uuid.UUID) (*domain.PlayerBonus, error)
	// CreatePlayerBonus inserts an account; created is false when it already existed.
	CreatePlayerBonus(ctx context.Context, userID uuid.UUID, total decimal.Decimal) (created bool, err error)
}

// Repository is everything the service needs from its storage engine.
type Repository interface {
	EventLockRepository
	BonusRepository
	EnsureSchema(ctx context.Context) error
	Ping(ctx context.Context) error
	Close()
}

// Options tune lock behaviour shared by all drivers.
type Options struct {
	// ReclaimAfter lets AcquireOrSkip take over in-flight records older than this.
	// Zero keeps every existing record skipped forever.
	ReclaimAfter time.Duration
	// Now is the clock used for record timestamps where the driver keeps time itself.
	Now func() time.Time
}

func (o Options) now() time.Time {
	if o.Now != nil {
		return o.Now().UTC()
	}
	return time.Now().UTC()
}

// decideExisting maps the flags of a found record to a decision.
func decideExisting(locked, processed, stale bool) LockDecision {
	if processed {
		return LockSkippedProcessed
	}
	if locked && stale {
		return LockReclaimed
	}
	return LockSkippedInFlight
}
