/**
 * @description
 * This file is responsible for managing the configuration of the bonus-service.
 * It uses the Viper library to read settings from environment variables or a .env file,
 * making the application environment-agnostic.
 *
 * @dependencies
 * - github.com/spf13/viper: For configuration management.
 *
 * @notes
 * - Out-of-range numbers and durations are coerced back to their defaults with a
 *   warning. An unknown store driver or broker is an error.
 */
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"

	BrokerRabbitMQ = "rabbitmq"
	BrokerKafka    = "kafka"
)

// Config stores all configuration for the application.
// The values are read by viper from a config file or environment variables.
type Config struct {
	ServerPort  string `mapstructure:"SERVER_PORT"`
	LogLevel    string `mapstructure:"LOG_LEVEL"`
	StoreDriver string `mapstructure:"STORE_DRIVER"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	SQLitePath  string `mapstructure:"SQLITE_PATH"`

	Broker          string `mapstructure:"BROKER"`
	RabbitMQURL     string `mapstructure:"RABBITMQ_URL"`
	LoginExchange   string `mapstructure:"LOGIN_EXCHANGE"`
	LoginQueue      string `mapstructure:"LOGIN_QUEUE"`
	LoginRoutingKey string `mapstructure:"LOGIN_ROUTING_KEY"`
	BonusExchange   string `mapstructure:"BONUS_EXCHANGE"`
	BonusRoutingKey string `mapstructure:"BONUS_ROUTING_KEY"`

	KafkaBrokers    []string `mapstructure:"KAFKA_BROKERS"`
	KafkaLoginTopic string   `mapstructure:"KAFKA_LOGIN_TOPIC"`
	KafkaBonusTopic string   `mapstructure:"KAFKA_BONUS_TOPIC"`
	KafkaGroupID    string   `mapstructure:"KAFKA_GROUP_ID"`
	KafkaReaders    int      `mapstructure:"KAFKA_READERS"`

	WorkerCount     int           `mapstructure:"WORKER_COUNT"`
	RedeliveryDelay time.Duration `mapstructure:"REDELIVERY_DELAY"`
	PublishTimeout  time.Duration `mapstructure:"PUBLISH_TIMEOUT"`
	FinalizeTimeout time.Duration `mapstructure:"FINALIZE_TIMEOUT"`

	StaleLockReclaimAfter   time.Duration `mapstructure:"STALE_LOCK_RECLAIM_AFTER"`
	StaleLockReportAfter    time.Duration `mapstructure:"STALE_LOCK_REPORT_AFTER"`
	StaleLockReportSchedule string        `mapstructure:"STALE_LOCK_REPORT_SCHEDULE"`

	RedisURL          string        `mapstructure:"REDIS_URL"`
	RedisKeyPrefix    string        `mapstructure:"REDIS_KEY_PREFIX"`
	RedisProcessedTTL time.Duration `mapstructure:"REDIS_PROCESSED_TTL"`

	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

var defaults = map[string]any{
	"SERVER_PORT":                "8080",
	"LOG_LEVEL":                  "info",
	"STORE_DRIVER":               DriverPostgres,
	"SQLITE_PATH":                "bonus.db",
	"BROKER":                     BrokerRabbitMQ,
	"LOGIN_EXCHANGE":             "login_events",
	"LOGIN_QUEUE":                "bonus_service.login_events",
	"LOGIN_ROUTING_KEY":          "player.login",
	"BONUS_EXCHANGE":             "bonus_events",
	"BONUS_ROUTING_KEY":          "player.bonus.credited",
	"KAFKA_LOGIN_TOPIC":          "login-events",
	"KAFKA_BONUS_TOPIC":          "bonus-events",
	"KAFKA_GROUP_ID":             "bonus-service",
	"KAFKA_READERS":              1,
	"WORKER_COUNT":               8,
	"REDELIVERY_DELAY":           "2s",
	"PUBLISH_TIMEOUT":            "30s",
	"FINALIZE_TIMEOUT":           "10s",
	"STALE_LOCK_RECLAIM_AFTER":   "0s",
	"STALE_LOCK_REPORT_AFTER":    "5m",
	"STALE_LOCK_REPORT_SCHEDULE": "@every 1m",
	"REDIS_KEY_PREFIX":           "bonus:processed",
	"REDIS_PROCESSED_TTL":        "24h",
}

var envKeys = []string{"DATABASE_URL", "RABBITMQ_URL", "KAFKA_BROKERS", "REDIS_URL", "OTEL_EXPORTER_OTLP_ENDPOINT"}

// LoadConfig reads configuration from a .env file under path and the environment.
func LoadConfig(path string, logger *slog.Logger) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	for key, value := range defaults {
		viper.SetDefault(key, value)
		_ = viper.BindEnv(key)
	}
	for _, key := range envKeys {
		_ = viper.BindEnv(key)
	}

	if err = viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			logger.Warn("failed to read config file; using environment values", "error", err)
		}
		err = nil
	}

	if err = viper.Unmarshal(&config); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	if err = config.normalize(logger); err != nil {
		return Config{}, err
	}
	return config, nil
}

func (c *Config) normalize(logger *slog.Logger) error {
	c.StoreDriver = strings.ToLower(strings.TrimSpace(c.StoreDriver))
	switch c.StoreDriver {
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required when STORE_DRIVER=postgres")
		}
	case DriverSQLite:
	default:
		return fmt.Errorf("unsupported STORE_DRIVER %q", c.StoreDriver)
	}

	c.Broker = strings.ToLower(strings.TrimSpace(c.Broker))
	switch c.Broker {
	case BrokerRabbitMQ, BrokerKafka:
	default:
		return fmt.Errorf("unsupported BROKER %q", c.Broker)
	}

	c.KafkaBrokers = splitList(c.KafkaBrokers)

	if c.WorkerCount <= 0 {
		logger.Warn("invalid WORKER_COUNT; coercing to default", "value", c.WorkerCount)
		c.WorkerCount = defaults["WORKER_COUNT"].(int)
	}
	if c.KafkaReaders <= 0 {
		logger.Warn("invalid KAFKA_READERS; coercing to default", "value", c.KafkaReaders)
		c.KafkaReaders = defaults["KAFKA_READERS"].(int)
	}
	c.RedeliveryDelay = positiveOrDefault(logger, "REDELIVERY_DELAY", c.RedeliveryDelay)
	c.PublishTimeout = positiveOrDefault(logger, "PUBLISH_TIMEOUT", c.PublishTimeout)
	c.FinalizeTimeout = positiveOrDefault(logger, "FINALIZE_TIMEOUT", c.FinalizeTimeout)
	c.StaleLockReportAfter = positiveOrDefault(logger, "STALE_LOCK_REPORT_AFTER", c.StaleLockReportAfter)
	c.RedisProcessedTTL = positiveOrDefault(logger, "REDIS_PROCESSED_TTL", c.RedisProcessedTTL)
	if c.StaleLockReclaimAfter < 0 {
		logger.Warn("negative STALE_LOCK_RECLAIM_AFTER; disabling reclaim", "value", c.StaleLockReclaimAfter)
		c.StaleLockReclaimAfter = 0
	}
	// A lock younger than one publish plus one finalize may still belong to a live run.
	if floor := c.PublishTimeout + c.FinalizeTimeout; c.StaleLockReclaimAfter > 0 && c.StaleLockReclaimAfter < floor {
		logger.Warn("STALE_LOCK_RECLAIM_AFTER shorter than PUBLISH_TIMEOUT + FINALIZE_TIMEOUT; raising it",
			"value", c.StaleLockReclaimAfter, "minimum", floor)
		c.StaleLockReclaimAfter = floor
	}
	return nil
}

func positiveOrDefault(logger *slog.Logger, key string, value time.Duration) time.Duration {
	if value > 0 {
		return value
	}
	fallback, _ := time.ParseDuration(defaults[key].(string))
	logger.Warn("invalid duration; coercing to default", "key", key, "value", value, "default", fallback)
	return fallback
}

// splitList accepts both "a,b" and ["a", "b"] forms of a list setting.
func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
