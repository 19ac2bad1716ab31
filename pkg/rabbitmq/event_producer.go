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

var ErrNacked = errors.New("broker negatively acknowledged the message")

// ProducerConfig names where bonus events are published.
type ProducerConfig struct {
	Exchange   string
	RoutingKey string
}

// EventProducer publishes to a topic exchange on a channel in confirm mode, so every
// Send resolves to a broker ack or nack.
type EventProducer struct {
	url    string
	cfg    ProducerConfig
	logger *slog.Logger

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
}

// NewEventProducer connects and prepares a confirm-mode channel.
func NewEventProducer(amqpURL string, cfg ProducerConfig, logger *slog.Logger) (*EventProducer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	p := &EventProducer{url: cleanURL, cfg: cfg, logger: logger}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.connectLocked(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *EventProducer) connectLocked() error {
	if p.conn == nil || p.conn.IsClosed() {
		// Use a bounded dial timeout so startup does not hang indefinitely
		conn, err := amqp.DialConfig(p.url, amqp.Config{Dial: amqp.DefaultDial(10 * time.Second)})
		if err != nil {
			return err
		}
		p.conn = conn
	}

	ch, err := p.conn.Channel()
	if err != nil {
		return err
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return fmt.Errorf("enable publisher confirms: %w", err)
	}
	if err := ch.ExchangeDeclare(p.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		return err
	}
	p.channel = ch
	return nil
}

// Send publishes payload with MessageId=key. The returned channel receives the broker
// verdict from a listener goroutine. Nothing is resent.
func (p *EventProducer) Send(ctx context.Context, key string, payload []byte) (<-chan error, error) {
	p.mu.Lock()
	if p.channel == nil || p.channel.IsClosed() {
		p.logger.Warn("publisher channel closed; reopening", "exchange", p.cfg.Exchange)
		if err := p.connectLocked(); err != nil {
			p.mu.Unlock()
			return nil, fmt.Errorf("reopen channel: %w", err)
		}
	}
	confirmation, err := p.channel.PublishWithDeferredConfirmWithContext(ctx, p.cfg.Exchange, p.cfg.RoutingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    key,
		Timestamp:    time.Now().UTC(),
		Headers:      amqp.Table{EventIDHeader: key},
		Body:         payload,
	})
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}

	verdict := make(chan error, 1)
	go func() {
		acked, err := confirmation.WaitContext(ctx)
		switch {
		case err != nil:
			verdict <- err
		case !acked:
			verdict <- ErrNacked
		default:
			verdict <- nil
		}
	}()

	p.logger.Debug("published message", "exchange", p.cfg.Exchange, "routing_key", p.cfg.RoutingKey, "event_id", key)
	return verdict, nil
}

// Close releases channel and connection resources.
func (p *EventProducer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}
