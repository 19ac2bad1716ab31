package kafka

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// EventIDHeader repeats the message key for consumers that ignore keys.
const EventIDHeader = "event_id"

var errNoVerdict = errors.New("writer completed without delivering a verdict")

// Producer is an async kafka writer whose Completion callback resolves each Send.
// Every message waits for all in-sync replicas.
type Producer struct {
	writer *kafka.Writer
	logger *slog.Logger
}

func NewProducer(brokers []string, topic string, logger *slog.Logger) *Producer {
	p := &Producer{logger: logger}
	p.writer = &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        true,
		BatchTimeout: 10 * time.Millisecond,
		Completion:   p.complete,
	}
	return p
}

// Send enqueues one message keyed by key. The returned channel receives the result of
// the batch that carried it.
func (p *Producer) Send(ctx context.Context, key string, payload []byte) (<-chan error, error) {
	verdict := make(chan error, 1)
	err := p.writer.WriteMessages(ctx, kafka.Message{
		Key:        []byte(key),
		Value:      payload,
		Headers:    []kafka.Header{{Key: EventIDHeader, Value: []byte(key)}},
		Time:       time.Now().UTC(),
		WriterData: verdict,
	})
	if err != nil {
		return nil, err
	}
	return verdict, nil
}

// complete runs on the writer's goroutine. It only forwards the verdict.
func (p *Producer) complete(messages []kafka.Message, err error) {
	if err != nil {
		p.logger.Warn("kafka batch failed", "messages", len(messages), "error", err)
	}
	for _, m := range messages {
		verdict, ok := m.WriterData.(chan error)
		if !ok {
			p.logger.Error("kafka message completed without verdict channel", "key", string(m.Key), "error", errNoVerdict)
			continue
		}
		verdict <- err
	}
}

func (p *Producer) Close() {
	if err := p.writer.Close(); err != nil {
		p.logger.Error("failed to close kafka writer", "error", err)
	}
}
