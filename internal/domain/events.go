/**
 * @description
 * This file defines the message contracts consumed and produced by the bonus-service.
 *
 * @notes
 * - `LoginEvent` arrives on the login topic keyed by a transport-assigned event id.
 * - `BonusEvent` is published downstream keyed by its own, freshly generated event id so
 *   consumers of the bonus topic can deduplicate resends.
 * - Field names are camelCase because the login producer emits them that way.
 */
package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// LoginEvent is the payload of an inbound login record.
type LoginEvent struct {
	UserID    uuid.UUID `json:"userId"`
	Timestamp time.Time `json:"timestamp"`
}

// LoginProcessEvent is one unit of work handed from the transport layer to the pipeline:
// the login payload together with the identity of the delivery that carried it.
type LoginProcessEvent struct {
	LoginEvent
	EventID uuid.UUID `json:"eventId"`
}

// NewLoginProcessEvent pairs a login payload with its delivery identity.
func NewLoginProcessEvent(event LoginEvent, eventID uuid.UUID) LoginProcessEvent {
	return LoginProcessEvent{LoginEvent: event, EventID: eventID}
}

// BonusEvent is the downstream message emitted once per credited login.
type BonusEvent struct {
	UserID      uuid.UUID       `json:"userId"`
	BonusAmount decimal.Decimal `json:"bonusAmount"`
	EventID     uuid.UUID       `json:"eventId"`
}
