package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ProcessingRecord is the durable dedup/lock marker for one inbound event id.
type ProcessingRecord struct {
	EventID   uuid.UUID `json:"eventId"`
	Locked    bool      `json:"locked"`
	Processed bool      `json:"processed"`
	Attempts  int       `json:"attempts"`
	// CreditedTotal is the account total written when this event's bonus was credited.
	CreditedTotal *decimal.Decimal `json:"creditedTotal,omitempty"`
	CreatedAt     time.Time        `json:"createdAt"`
	UpdatedAt     time.Time        `json:"updatedAt"`
}

// InFlight reports whether the record was locked by a run that never finalized it.
func (r ProcessingRecord) InFlight() bool {
	return r.Locked && !r.Processed
}

// PlayerBonus is the per-user bonus account.
type PlayerBonus struct {
	UserID     uuid.UUID       `json:"userId"`
	TotalBonus decimal.Decimal `json:"totalBonus"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}
