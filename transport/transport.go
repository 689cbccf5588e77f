// Package transport defines the interfaces ackflow sessions use to reach a
// message broker. Each backend lives in its own sub-package and registers a
// Builder with the registry from init().
package transport

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Transport combines a publisher and subscriber pair produced by a builder.
// Notifier is nil for backends that cannot report connection changes.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
	Notifier   ConnectionNotifier
}

// Builder is the function signature for creating a transport from config.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config provides the configuration values needed by transports without
// depending on the full config package.
type Config interface {
	GetPubSubSystem() string

	// Kafka
	GetKafkaBrokers() []string
	GetKafkaClientID() string
	GetKafkaConsumerGroup() string

	// RabbitMQ
	GetRabbitMQURL() string

	// NATS and JetStream
	GetNATSURL() string
	GetNATSUser() string
	GetNATSPassword() string
	GetNATSMaxReconnects() int
	GetNATSReconnectWait() time.Duration
	GetJetStreamStream() string

	// HTTP
	GetHTTPServerAddress() string
	GetHTTPPublisherURL() string

	// IO
	GetIOFile() string

	// AWS
	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string
}

// CapabilitiesProvider is implemented by transports that can report their capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}

// AsyncPublisher is implemented by publishers whose broker confirms each
// message asynchronously. PublishAsync returns once the message is handed to
// the client; the returned channel yields exactly one value: nil when the
// broker stored the message, the rejection otherwise. A non-nil error means
// the message was never handed over.
type AsyncPublisher interface {
	PublishAsync(topic string, msg *message.Message) (<-chan error, error)
}

// ConnectionState is the broker connection as seen by a transport.
type ConnectionState int

const (
	Connected ConnectionState = iota
	Reconnecting
	Disconnected
)

func (s ConnectionState) String() string {
	switch s {
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// ConnectionEvent reports a connection state change.
type ConnectionEvent struct {
	State ConnectionState
	Err   error
	At    time.Time
}

// ConnectionNotifier is implemented by transports that can report connection
// changes. The channel is closed when the transport closes.
type ConnectionNotifier interface {
	ConnectionEvents() <-chan ConnectionEvent
}
