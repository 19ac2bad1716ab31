/**
 * @description
 * RabbitMQ consumer for inbound login records. It declares a durable topic exchange,
 * a durable queue and the binding between them, then hands each delivery to a handler
 * and acks or nacks it according to the handler's verdict.
 *
 * @dependencies
 * - github.com/rabbitmq/amqp091-go: The Go client for RabbitMQ.
 *
 * @notes
 * - Manual acknowledgment only. The ack is sent after the handler returns, which for
 *   the bonus pipeline means after the record reached a terminal state.
 * - Prefetch bounds how many deliveries are handled at once.
 * - A rejected delivery is held for RedeliveryDelay before being requeued so a
 *   failing record does not spin.
 */
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// EventIDHeader carries the event identity when the producer did not set MessageId.
const EventIDHeader = "event_id"

var ErrDeliveriesClosed = errors.New("rabbitmq delivery channel closed")

// Handler processes one delivery and reports whether it may be acknowledged.
type Handler func(ctx context.Context, key string, body []byte) bool

// ConsumerConfig names the topology and flow control of a consumer.
type ConsumerConfig struct {
	Exchange        string
	Queue           string
	RoutingKey      string
	Prefetch        int
	RedeliveryDelay time.Duration
}

// Consumer holds the connection and channel for RabbitMQ.
type Consumer struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	cfg    ConsumerConfig
	logger *slog.Logger
}

// NewConsumer dials RabbitMQ and opens a channel with the configured prefetch.
func NewConsumer(amqpURL string, cfg ConsumerConfig, logger *slog.Logger) (*Consumer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	conn, err := amqp.DialConfig(cleanURL, amqp.Config{Dial: amqp.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	if cfg.Prefetch > 0 {
		if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("set prefetch: %w", err)
		}
	}

	return &Consumer{conn: conn, ch: ch, cfg: cfg, logger: logger}, nil
}

// Consume blocks, handling deliveries concurrently until ctx is cancelled or the
// broker closes the channel. In-flight handlers are waited for before returning.
func (c *Consumer) Consume(ctx context.Context, handler Handler) error {
	// Declare a topic exchange to route messages based on a routing key.
	err := c.ch.ExchangeDeclare(
		c.cfg.Exchange, // name
		"topic",        // type
		true,           // durable
		false,          // auto-deleted
		false,          // internal
		false,          // no-wait
		nil,            // arguments
	)
	if err != nil {
		return err
	}

	// Declare a durable queue to ensure messages are not lost if the consumer restarts.
	q, err := c.ch.QueueDeclare(
		c.cfg.Queue, // name
		true,        // durable
		false,       // delete when unused
		false,       // exclusive
		false,       // no-wait
		nil,         // arguments
	)
	if err != nil {
		return err
	}

	if err := c.ch.QueueBind(q.Name, c.cfg.RoutingKey, c.cfg.Exchange, false, nil); err != nil {
		return err
	}

	msgs, err := c.ch.Consume(
		q.Name, // queue
		"",     // consumer
		false,  // auto-ack is false, we will manually acknowledge
		false,  // exclusive
		false,  // no-local
		false,  // no-wait
		nil,    // args
	)
	if err != nil {
		return err
	}

	c.logger.Info("consuming login events",
		"exchange", c.cfg.Exchange, "queue", q.Name, "routing_key", c.cfg.RoutingKey, "prefetch", c.cfg.Prefetch)

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return ErrDeliveriesClosed
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				c.handle(ctx, d, handler)
			}()
		}
	}
}

func (c *Consumer) handle(ctx context.Context, d amqp.Delivery, handler Handler) {
	key := DeliveryKey(d)
	c.logger.Debug("received message", "routing_key", d.RoutingKey, "event_id", key, "redelivered", d.Redelivered)

	if handler(ctx, key, d.Body) {
		if err := d.Ack(false); err != nil {
			c.logger.Error("failed to ack delivery", "event_id", key, "error", err)
		}
		return
	}

	// Hold the delivery before requeueing it. Shutdown cuts the wait short.
	if c.cfg.RedeliveryDelay > 0 {
		timer := time.NewTimer(c.cfg.RedeliveryDelay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
		}
	}
	c.logger.Warn("handler did not complete message, re-queuing", "event_id", key)
	if err := d.Nack(false, true); err != nil {
		c.logger.Error("failed to nack delivery", "event_id", key, "error", err)
	}
}

// DeliveryKey returns the event identity of a delivery: its MessageId, or the
// event_id header when MessageId is empty.
func DeliveryKey(d amqp.Delivery) string {
	if d.MessageId != "" {
		return d.MessageId
	}
	switch v := d.Headers[EventIDHeader].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return ""
	}
}

// Close closes the RabbitMQ channel and connection.
func (c *Consumer) Close() {
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}
