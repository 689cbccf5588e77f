package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ACKFLOW_"

// ApplyDefaults fills zero numeric and string values with Default. Booleans
// are left untouched since false is a valid explicit choice.
func (c *Config) ApplyDefaults() {
	d := Default()
	if c.PubSubSystem == "" {
		c.PubSubSystem = d.PubSubSystem
	}
	if c.NATSMaxReconnects == 0 {
		c.NATSMaxReconnects = d.NATSMaxReconnects
	}
	if c.NATSReconnectWait == 0 {
		c.NATSReconnectWait = d.NATSReconnectWait
	}
	if c.JetStreamStream == "" {
		c.JetStreamStream = d.JetStreamStream
	}
	if c.SendQueueSize == 0 {
		c.SendQueueSize = d.SendQueueSize
	}
	if c.SendWorkers == 0 {
		c.SendWorkers = d.SendWorkers
	}
	if c.EventBufferSize == 0 {
		c.EventBufferSize = d.EventBufferSize
	}
	if c.DrainInterval == 0 {
		c.DrainInterval = d.DrainInterval
	}
	if c.ShutdownGrace == 0 {
		c.ShutdownGrace = d.ShutdownGrace
	}
	if c.MetricsPort == 0 {
		c.MetricsPort = d.MetricsPort
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
}

// ApplyEnvOverrides overwrites fields from ACKFLOW_* environment variables.
// Malformed numeric, boolean or duration values are reported together.
func (c *Config) ApplyEnvOverrides() error {
	var errs []error

	envString("PUBSUB_SYSTEM", &c.PubSubSystem)
	if val, ok := lookup("KAFKA_BROKERS"); ok {
		c.KafkaBrokers = splitList(val)
	}
	envString("KAFKA_CLIENT_ID", &c.KafkaClientID)
	envString("KAFKA_CONSUMER_GROUP", &c.KafkaConsumerGroup)
	envString("RABBITMQ_URL", &c.RabbitMQURL)
	envString("NATS_URL", &c.NATSURL)
	envString("NATS_USER", &c.NATSUser)
	envString("NATS_PASSWORD", &c.NATSPassword)
	errs = append(errs, envInt("NATS_MAX_RECONNECTS", &c.NATSMaxReconnects))
	errs = append(errs, envDuration("NATS_RECONNECT_WAIT", &c.NATSReconnectWait))
	envString("JETSTREAM_STREAM", &c.JetStreamStream)
	envString("HTTP_SERVER_ADDRESS", &c.HTTPServerAddress)
	envString("HTTP_PUBLISHER_URL", &c.HTTPPublisherURL)
	envString("IO_FILE", &c.IOFile)
	envString("AWS_REGION", &c.AWSRegion)
	envString("AWS_ACCOUNT_ID", &c.AWSAccountID)
	envString("AWS_ACCESS_KEY_ID", &c.AWSAccessKeyID)
	envString("AWS_SECRET_ACCESS_KEY", &c.AWSSecretAccessKey)
	envString("AWS_ENDPOINT", &c.AWSEndpoint)

	errs = append(errs, envBool("SEND_BLOCKING", &c.SendBlocking))
	errs = append(errs, envInt("SEND_QUEUE_SIZE", &c.SendQueueSize))
	errs = append(errs, envInt("SEND_WORKERS", &c.SendWorkers))
	errs = append(errs, envInt("EVENT_BUFFER_SIZE", &c.EventBufferSize))
	errs = append(errs, envDuration("DRAIN_INTERVAL", &c.DrainInterval))
	errs = append(errs, envDuration("SHUTDOWN_GRACE", &c.ShutdownGrace))

	envString("JOURNAL_DRIVER", &c.JournalDriver)
	envString("JOURNAL_DSN", &c.JournalDSN)
	errs = append(errs, envBool("METRICS_ENABLED", &c.MetricsEnabled))
	errs = append(errs, envInt("METRICS_PORT", &c.MetricsPort))
	envString("LOG_LEVEL", &c.LogLevel)

	return errors.Join(errs...)
}

func lookup(key string) (string, bool) {
	val, ok := os.LookupEnv(EnvPrefix + key)
	if !ok || strings.TrimSpace(val) == "" {
		return "", false
	}
	return strings.TrimSpace(val), true
}

func envString(key string, dst *string) {
	if val, ok := lookup(key); ok {
		*dst = val
	}
}

func envInt(key string, dst *int) error {
	val, ok := lookup(key)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
	}
	*dst = n
	return nil
}

func envBool(key string, dst *bool) error {
	val, ok := lookup(key)
	if !ok {
		return nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
	}
	*dst = b
	return nil
}

func envDuration(key string, dst *time.Duration) error {
	val, ok := lookup(key)
	if !ok {
		return nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
	}
	*dst = d
	return nil
}

func splitList(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
