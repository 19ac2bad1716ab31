/**
 * @description
 * Kafka consumer-group reader for inbound login records.
 *
 * @dependencies
 * - github.com/segmentio/kafka-go
 *
 * @notes
 * - Offsets are committed only after the handler accepted a message. A rejected message
 *   is retried in place after RedeliveryDelay, which keeps per-partition order.
 * - Readers sets how many group members this process runs; each gets its own
 *   partitions, so that is the unit of parallelism on Kafka.
 */
package kafka

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// Handler processes one record and reports whether its offset may be committed.
type Handler func(ctx context.Context, key string, body []byte) bool

type ConsumerConfig struct {
	Brokers         []string
	Topic           string
	GroupID         string
	Readers         int
	RedeliveryDelay time.Duration
}

// messageReader is the part of *kafka.Reader the consumer drives.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Consumer struct {
	readers []messageReader
	cfg     ConsumerConfig
	logger  *slog.Logger
}

func NewConsumer(cfg ConsumerConfig, logger *slog.Logger) *Consumer {
	if cfg.Readers <= 0 {
		cfg.Readers = 1
	}
	readers := make([]messageReader, 0, cfg.Readers)
	for i := 0; i < cfg.Readers; i++ {
		readers = append(readers, kafka.NewReader(kafka.ReaderConfig{
			Brokers:  cfg.Brokers,
			Topic:    cfg.Topic,
			GroupID:  cfg.GroupID,
			MinBytes: 1,
			MaxBytes: 10 << 20,
		}))
	}
	return &Consumer{readers: readers, cfg: cfg, logger: logger}
}

// Consume runs every reader until ctx is cancelled or one of them fails.
func (c *Consumer) Consume(ctx context.Context, handler Handler) error {
	c.logger.Info("consuming login events",
		"brokers", c.cfg.Brokers, "topic", c.cfg.Topic, "group", c.cfg.GroupID, "readers", len(c.readers))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
	)
	for i, r := range c.readers {
		wg.Add(1)
		go func(id int, r messageReader) {
			defer wg.Done()
			if err := c.run(ctx, id, r, handler); err != nil {
				once.Do(func() { firstErr = err })
				cancel()
			}
		}(i+1, r)
	}
	wg.Wait()
	return firstErr
}

func (c *Consumer) run(ctx context.Context, id int, r messageReader, handler Handler) error {
	for {
		msg, err := r.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}

		key := string(msg.Key)
		c.logger.Debug("received message",
			"reader", id, "partition", msg.Partition, "offset", msg.Offset, "event_id", key)

		if !c.handleUntilAccepted(ctx, msg, handler) {
			// shutting down; the uncommitted offset is redelivered to the next member
			return nil
		}
		if err := r.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (c *Consumer) handleUntilAccepted(ctx context.Context, msg kafka.Message, handler Handler) bool {
	key := string(msg.Key)
	for {
		if handler(ctx, key, msg.Value) {
			return true
		}
		c.logger.Warn("handler did not complete message, retrying",
			"partition", msg.Partition, "offset", msg.Offset, "event_id", key, "delay", c.cfg.RedeliveryDelay)

		timer := time.NewTimer(c.cfg.RedeliveryDelay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return false
		}
	}
}

func (c *Consumer) Close() {
	for _, r := range c.readers {
		if err := r.Close(); err != nil {
			c.logger.Error("failed to close kafka reader", "error", err)
		}
	}
}
