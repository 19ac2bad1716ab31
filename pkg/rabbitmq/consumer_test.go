package rabbitmq

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
)

// recordingAcknowledger stands in for the channel a delivery came from.
type recordingAcknowledger struct {
	mu      sync.Mutex
	acks    []uint64
	nacks   []uint64
	requeue []bool
}

func (a *recordingAcknowledger) Ack(tag uint64, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acks = append(a.acks, tag)
	return nil
}

func (a *recordingAcknowledger) Nack(tag uint64, _ bool, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacks = append(a.nacks, tag)
	a.requeue = append(a.requeue, requeue)
	return nil
}

func (a *recordingAcknowledger) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func testConsumer(delay time.Duration) *Consumer {
	return &Consumer{
		cfg:    ConsumerConfig{Queue: "bonus.login", RedeliveryDelay: delay},
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestConsumerHandle(t *testing.T) {
	tests := []struct {
		name      string
		accept    bool
		wantAcks  []uint64
		wantNacks []uint64
	}{
		{name: "accepted delivery is acked", accept: true, wantAcks: []uint64{7}},
		{name: "rejected delivery is requeued", accept: false, wantNacks: []uint64{7}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ack := &recordingAcknowledger{}
			d := amqp.Delivery{Acknowledger: ack, DeliveryTag: 7, MessageId: "evt-1", Body: []byte(`{}`)}

			var gotKey string
			testConsumer(0).handle(context.Background(), d, func(_ context.Context, key string, _ []byte) bool {
				assert.Empty(t, ack.acks, "ack must wait for the handler")
				gotKey = key
				return tt.accept
			})

			assert.Equal(t, "evt-1", gotKey)
			assert.Equal(t, tt.wantAcks, ack.acks)
			assert.Equal(t, tt.wantNacks, ack.nacks)
			for _, requeue := range ack.requeue {
				assert.True(t, requeue)
			}
		})
	}
}

func TestConsumerHandle_HoldsRejectedDeliveryBeforeRequeue(t *testing.T) {
	ack := &recordingAcknowledger{}
	d := amqp.Delivery{Acknowledger: ack, DeliveryTag: 3, MessageId: "evt-2"}

	started := time.Now()
	testConsumer(30*time.Millisecond).handle(context.Background(), d, func(context.Context, string, []byte) bool { return false })

	assert.GreaterOrEqual(t, time.Since(started), 30*time.Millisecond)
	assert.Equal(t, []uint64{3}, ack.nacks)
}

func TestConsumerHandle_ShutdownCutsRequeueDelayShort(t *testing.T) {
	ack := &recordingAcknowledger{}
	d := amqp.Delivery{Acknowledger: ack, DeliveryTag: 4, MessageId: "evt-3"}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	started := time.Now()
	testConsumer(time.Hour).handle(ctx, d, func(context.Context, string, []byte) bool { return false })

	assert.Less(t, time.Since(started), time.Second)
	assert.Equal(t, []uint64{4}, ack.nacks)
	assert.Empty(t, ack.acks)
}
