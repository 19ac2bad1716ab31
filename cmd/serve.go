package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/transfa/bonus-service/internal/api"
	"github.com/transfa/bonus-service/internal/app"
	"github.com/transfa/bonus-service/internal/config"
	"github.com/transfa/bonus-service/internal/metrics"
	"github.com/transfa/bonus-service/internal/tracing"
	"github.com/transfa/bonus-service/pkg/kafka"
	"github.com/transfa/bonus-service/pkg/rabbitmq"
)

// transport is one broker's inbound consumer and outbound confirm-mode sender.
type transport struct {
	sender  app.MessageSender
	consume func(ctx context.Context, handler func(ctx context.Context, key string, body []byte) bool) error
	close   func()
}

func (c *cli) openTransport() (*transport, error) {
	switch c.cfg.Broker {
	case config.BrokerRabbitMQ:
		producer, err := rabbitmq.NewEventProducer(c.cfg.RabbitMQURL, rabbitmq.ProducerConfig{
			Exchange:   c.cfg.BonusExchange,
			RoutingKey: c.cfg.BonusRoutingKey,
		}, c.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect RabbitMQ producer: %w", err)
		}
		consumer, err := rabbitmq.NewConsumer(c.cfg.RabbitMQURL, rabbitmq.ConsumerConfig{
			Exchange:        c.cfg.LoginExchange,
			Queue:           c.cfg.LoginQueue,
			RoutingKey:      c.cfg.LoginRoutingKey,
			Prefetch:        c.cfg.WorkerCount,
			RedeliveryDelay: c.cfg.RedeliveryDelay,
		}, c.logger)
		if err != nil {
			producer.Close()
			return nil, fmt.Errorf("failed to connect RabbitMQ consumer: %w", err)
		}
		return &transport{
			sender: producer,
			consume: func(ctx context.Context, handler func(context.Context, string, []byte) bool) error {
				return consumer.Consume(ctx, handler)
			},
			close: func() {
				consumer.Close()
				producer.Close()
			},
		}, nil

	case config.BrokerKafka:
		if len(c.cfg.KafkaBrokers) == 0 {
			return nil, errors.New("KAFKA_BROKERS is required when BROKER=kafka")
		}
		producer := kafka.NewProducer(c.cfg.KafkaBrokers, c.cfg.KafkaBonusTopic, c.logger)
		consumer := kafka.NewConsumer(kafka.ConsumerConfig{
			Brokers:         c.cfg.KafkaBrokers,
			Topic:           c.cfg.KafkaLoginTopic,
			GroupID:         c.cfg.KafkaGroupID,
			Readers:         c.cfg.KafkaReaders,
			RedeliveryDelay: c.cfg.RedeliveryDelay,
		}, c.logger)
		return &transport{
			sender: producer,
			consume: func(ctx context.Context, handler func(context.Context, string, []byte) bool) error {
				return consumer.Consume(ctx, handler)
			},
			close: func() {
				consumer.Close()
				producer.Close()
			},
		}, nil

	default:
		return nil, fmt.Errorf("unsupported broker %q", c.cfg.Broker)
	}
}

func (c *cli) serve(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	logger := c.logger

	tp, err := tracing.Init(ctx, serviceName, c.cfg.OTLPEndpoint, logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		tp.Shutdown(shutdownCtx)
	}()

	repo, err := c.openRepository(ctx)
	if err != nil {
		return err
	}
	defer repo.Close()

	// Ensure tables exist before the first delivery arrives.
	if err := repo.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("failed ensuring schema: %w", err)
	}

	pipelineRepo, closeCache, err := c.withProcessedCache(ctx, repo)
	if err != nil {
		return err
	}
	defer closeCache()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	pipelineMetrics := metrics.NewPipeline(registry)

	tr, err := c.openTransport()
	if err != nil {
		return err
	}
	defer tr.close()

	processor := app.NewProcessor(
		pipelineRepo,
		app.NewBonusService(repo),
		app.NewBonusEventPublisher(tr.sender),
		app.ProcessorConfig{
			PublishTimeout:    c.cfg.PublishTimeout,
			FinalizeTimeout:   c.cfg.FinalizeTimeout,
			RedeliverInFlight: c.cfg.StaleLockReclaimAfter > 0,
		},
		logger,
		pipelineMetrics,
		tracing.Tracer(),
	)
	dispatcher := app.NewDispatcher(processor, c.cfg.WorkerCount, logger)
	dispatcher.Start()
	defer dispatcher.Stop()

	monitor := app.NewLockMonitor(repo, c.cfg.StaleLockReportSchedule, c.cfg.StaleLockReportAfter, logger, pipelineMetrics)
	if err := monitor.Start(); err != nil {
		logger.Error("failed to schedule stale lock report", "error", err)
	} else {
		defer func() { <-monitor.Stop().Done() }()
	}

	srv := &http.Server{
		Addr:              ":" + c.cfg.ServerPort,
		Handler:           api.Routes(api.NewHandlers(repo, logger), registry),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("http server listening", "port", c.cfg.ServerPort)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
			stop()
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown failed", "error", err)
		}
	}()

	consumer := app.NewLoginEventConsumer(dispatcher, pipelineMetrics.Redeliveries.WithLabelValues(c.cfg.Broker), logger)
	logger.Info("bonus service is running. Waiting for events.",
		"broker", c.cfg.Broker, "store", c.cfg.StoreDriver, "workers", c.cfg.WorkerCount)

	consumeErr := c.runConsumer(ctx, tr, consumer)
	logger.Info("shutting down bonus service")
	return consumeErr
}

// runConsumer blocks until ctx ends or the broker connection fails. Deferred cleanup in
// serve then drains the dispatcher before transports and storage are closed.
func (c *cli) runConsumer(ctx context.Context, tr *transport, consumer *app.LoginEventConsumer) error {
	err := tr.consume(ctx, consumer.HandleMessage)
	if err != nil && ctx.Err() == nil {
		c.logger.Error("consumer stopped", "error", err)
		return err
	}
	return nil
}
