package app

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/bonus-service/internal/domain"
	"github.com/transfa/bonus-service/internal/store"
)

// loginBonus is credited once per processed login.
var loginBonus = decimal.NewFromInt(1)

// BonusService computes bonus totals and builds the downstream event.
type BonusService struct {
	repo  store.BonusRepository
	newID func() uuid.UUID
}

func NewBonusService(repo store.BonusRepository) *BonusService {
	return &BonusService{repo: repo, newID: uuid.New}
}

// CalculateBonus increments the player's total in one transaction and returns the
// persisted value. The credit is recorded against eventID, so a reclaimed run of the
// same login gets the recorded total back (replayed) instead of a second increment.
func (s *BonusService) CalculateBonus(ctx context.Context, eventID, userID uuid.UUID) (total decimal.Decimal, replayed bool, err error) {
	total, replayed, err = s.repo.CreditEventBonus(ctx, eventID, userID, func(current decimal.Decimal) (decimal.Decimal, error) {
		return current.Add(loginBonus), nil
	})
	if err != nil {
		return decimal.Decimal{}, false, fmt.Errorf("calculate bonus for user %s: %w", userID, err)
	}
	return total, replayed, nil
}

// BuildBonusEvent assigns a fresh event id. A nil total is a caller bug.
func (s *BonusService) BuildBonusEvent(userID uuid.UUID, newTotal *decimal.Decimal) (domain.BonusEvent, error) {
	if newTotal == nil {
		return domain.BonusEvent{}, fmt.Errorf("%w: bonus total is nil for user %s", domain.ErrInvalidBonusInput, userID)
	}
	return domain.BonusEvent{
		UserID:      userID,
		BonusAmount: *newTotal,
		EventID:     s.newID(),
	}, nil
}
