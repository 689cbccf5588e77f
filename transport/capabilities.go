package transport

// Capabilities describes what a transport backend guarantees to a session.
type Capabilities struct {
	// SupportsPublisherConfirms indicates every publish ends with a broker
	// acknowledgement or rejection. Guaranteed publishing requires it.
	SupportsPublisherConfirms bool

	// SupportsAsyncConfirms indicates confirms arrive asynchronously through
	// AsyncPublisher instead of as the Publish return value.
	SupportsAsyncConfirms bool

	// SupportsOrdering indicates messages on one topic are delivered in
	// publish order.
	SupportsOrdering bool

	// SupportsAck indicates consumers acknowledge messages explicitly.
	SupportsAck bool

	// SupportsNack indicates consumers can request redelivery.
	SupportsNack bool

	// SupportsReconnectNotify indicates the transport reports connection
	// changes through a ConnectionNotifier.
	SupportsReconnectNotify bool

	// SupportsPersistence indicates published messages survive a broker restart.
	SupportsPersistence bool

	// MaxMessageSize is the maximum message size in bytes (0 = unlimited/unknown).
	MaxMessageSize int64

	// Name is the human-readable name of the transport.
	Name string
}

// SupportsGuaranteedDelivery reports whether a GuaranteedPublisher can track
// outcomes on this transport.
func (c Capabilities) SupportsGuaranteedDelivery() bool {
	return c.SupportsPublisherConfirms
}

// SupportsReliableConsumption returns true if consumers get at-least-once
// delivery (ack + nack).
func (c Capabilities) SupportsReliableConsumption() bool {
	return c.SupportsAck && c.SupportsNack
}

// Predefined capability sets for the built-in transports.
var (
	// ChannelCapabilities for the in-memory Go channel transport. Publish
	// returns once every subscriber has the message.
	ChannelCapabilities = Capabilities{
		Name:                      "channel",
		SupportsPublisherConfirms: true,
		SupportsOrdering:          true,
		SupportsAck:               true,
		SupportsNack:              true,
	}

	// KafkaCapabilities for Apache Kafka with a synchronous producer.
	KafkaCapabilities = Capabilities{
		Name:                      "kafka",
		SupportsPublisherConfirms: true,
		SupportsOrdering:          true,
		SupportsAck:               true,
		SupportsPersistence:       true,
		MaxMessageSize:            1048576,
	}

	// RabbitMQCapabilities for RabbitMQ with publisher confirms enabled.
	RabbitMQCapabilities = Capabilities{
		Name:                      "rabbitmq",
		SupportsPublisherConfirms: true,
		SupportsOrdering:          true,
		SupportsAck:               true,
		SupportsNack:              true,
		SupportsReconnectNotify:   true,
		SupportsPersistence:       true,
	}

	// NATSCapabilities for NATS Core. Core NATS has no broker confirms.
	NATSCapabilities = Capabilities{
		Name:                    "nats",
		SupportsReconnectNotify: true,
		MaxMessageSize:          1048576,
	}

	// NATSJetStreamCapabilities for NATS JetStream.
	NATSJetStreamCapabilities = Capabilities{
		Name:                      "nats-jetstream",
		SupportsPublisherConfirms: true,
		SupportsAsyncConfirms:     true,
		SupportsOrdering:          true,
		SupportsAck:               true,
		SupportsNack:              true,
		SupportsReconnectNotify:   true,
		SupportsPersistence:       true,
		MaxMessageSize:            1048576,
	}

	// AWSCapabilities for AWS SNS/SQS.
	AWSCapabilities = Capabilities{
		Name:                      "aws",
		SupportsPublisherConfirms: true,
		SupportsAck:               true,
		SupportsNack:              true,
		SupportsPersistence:       true,
		MaxMessageSize:            262144,
	}

	// HTTPCapabilities for the HTTP transport. A 2xx response is the confirm.
	HTTPCapabilities = Capabilities{
		Name:                      "http",
		SupportsPublisherConfirms: true,
	}

	// IOCapabilities for the file append log. A completed write is the confirm.
	IOCapabilities = Capabilities{
		Name:                      "io",
		SupportsPublisherConfirms: true,
		SupportsOrdering:          true,
		SupportsPersistence:       true,
	}
)

// GetCapabilities returns the capabilities registered for a transport name.
// Unknown transports report a zero set carrying only the name.
func GetCapabilities(transportName string) Capabilities {
	return DefaultRegistry.GetCapabilities(transportName)
}
