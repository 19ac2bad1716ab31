/**
 * @description
 * Outbound publisher for bonus events. One Publish is one send plus one broker
 * acknowledgment; nothing is retried here.
 *
 * @notes
 * - The broker verdict arrives on a transport goroutine (AMQP confirm listener or the
 *   Kafka writer completion). It is only handed over through the PendingAck channel;
 *   the pipeline worker that called Publish receives it in Await and keeps ownership of
 *   every store call that follows.
 */
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/transfa/bonus-service/internal/domain"
)

// MessageSender is a broker producer in confirm mode. The returned channel receives
// exactly one value: nil for a positive acknowledgment, the cause otherwise.
type MessageSender interface {
	Send(ctx context.Context, key string, payload []byte) (<-chan error, error)
}

var errConfirmationLost = errors.New("confirmation channel closed without a verdict")

// BonusEventPublisher serializes bonus events and sends them keyed by their event id.
type BonusEventPublisher struct {
	sender MessageSender
}

func NewBonusEventPublisher(sender MessageSender) *BonusEventPublisher {
	return &BonusEventPublisher{sender: sender}
}

// Publish sends event and returns a handle on its broker acknowledgment.
func (p *BonusEventPublisher) Publish(ctx context.Context, event domain.BonusEvent) (*PendingAck, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("%w: encode bonus event: %w", domain.ErrPublishFailed, err)
	}

	verdict, err := p.sender.Send(ctx, event.EventID.String(), payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrPublishFailed, err)
	}
	return newPendingAck(event.EventID, verdict), nil
}

// PendingAck is the not-yet-received broker verdict for one published event.
type PendingAck struct {
	eventID uuid.UUID
	verdict <-chan error
}

func newPendingAck(eventID uuid.UUID, verdict <-chan error) *PendingAck {
	return &PendingAck{eventID: eventID, verdict: verdict}
}

func (a *PendingAck) EventID() uuid.UUID { return a.eventID }

// Await blocks the calling goroutine until the broker verdict arrives or ctx ends.
// A nack, a lost confirmation and a timeout all map to domain.ErrPublishFailed.
func (a *PendingAck) Await(ctx context.Context) error {
	select {
	case err, ok := <-a.verdict:
		if !ok {
			return fmt.Errorf("%w: %w", domain.ErrPublishFailed, errConfirmationLost)
		}
		if err != nil {
			return fmt.Errorf("%w: %w", domain.ErrPublishFailed, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: awaiting acknowledgment: %w", domain.ErrPublishFailed, ctx.Err())
	}
}
