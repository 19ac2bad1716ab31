/**
 * @description
 * Transport-facing handler for login records. Both broker adapters call HandleMessage
 * with the record key and body and act on the returned ack decision.
 *
 * @notes
 * - Malformed records are acknowledged and dropped; a retry could never succeed.
 * - Well-formed records are acknowledged only once their pipeline reached a terminal
 *   state that does not ask for redelivery.
 */
package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/transfa/bonus-service/internal/domain"
)

type unitDispatcher interface {
	Dispatch(ctx context.Context, unit domain.LoginProcessEvent) (<-chan Outcome, error)
}

// LoginEventConsumer turns inbound login records into pipeline units.
type LoginEventConsumer struct {
	dispatcher   unitDispatcher
	redeliveries prometheus.Counter
	logger       *slog.Logger
}

func NewLoginEventConsumer(dispatcher unitDispatcher, redeliveries prometheus.Counter, logger *slog.Logger) *LoginEventConsumer {
	return &LoginEventConsumer{dispatcher: dispatcher, redeliveries: redeliveries, logger: logger}
}

// HandleMessage processes one login record. It returns true when the transport should
// acknowledge the record and false when it should be redelivered.
func (c *LoginEventConsumer) HandleMessage(ctx context.Context, key string, body []byte) bool {
	unit, ok := c.decode(key, body)
	if !ok {
		return true
	}

	results, err := c.dispatcher.Dispatch(ctx, unit)
	if err != nil {
		c.logger.Warn("login event not dispatched, requesting redelivery",
			"event_id", unit.EventID, "user_id", unit.UserID, "error", err)
		c.redeliveries.Inc()
		return false
	}

	select {
	case outcome := <-results:
		if !outcome.ShouldAck() {
			c.logger.Info("login event will be redelivered",
				"event_id", unit.EventID, "user_id", unit.UserID, "state", outcome.State, "failed_at", outcome.FailedAt)
			c.redeliveries.Inc()
		}
		return outcome.ShouldAck()
	case <-ctx.Done():
		c.logger.Warn("stopped waiting for login event outcome",
			"event_id", unit.EventID, "user_id", unit.UserID, "error", ctx.Err())
		c.redeliveries.Inc()
		return false
	}
}

func (c *LoginEventConsumer) decode(key string, body []byte) (domain.LoginProcessEvent, bool) {
	eventID, err := uuid.Parse(strings.TrimSpace(key))
	if err != nil {
		c.logger.Error("dropping login record with invalid event id", "key", key, "error", err)
		return domain.LoginProcessEvent{}, false
	}

	var event domain.LoginEvent
	if err := json.Unmarshal(body, &event); err != nil {
		c.logger.Error("dropping malformed login record", "event_id", eventID, "error", err)
		return domain.LoginProcessEvent{}, false
	}
	if event.UserID == uuid.Nil {
		c.logger.Error("dropping login record without userId", "event_id", eventID)
		return domain.LoginProcessEvent{}, false
	}
	return domain.NewLoginProcessEvent(event, eventID), true
}
