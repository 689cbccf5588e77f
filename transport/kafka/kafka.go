// Package kafka provides the Kafka transport. The publisher is synchronous
// with acks from all in-sync replicas, so a nil Publish return is the confirm.
package kafka

import (
	"context"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/ackflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "kafka"

// DefaultClientID is used when the config names no client id.
const DefaultClientID = "ackflow"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return kafka.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return kafka.NewSubscriber(cfg, logger)
}

func init() {
	Register()
}

// Register registers the Kafka transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.KafkaCapabilities)
}

// Build creates a new Kafka transport.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	brokers := cfg.GetKafkaBrokers()
	clientID := cfg.GetKafkaClientID()
	if clientID == "" {
		clientID = DefaultClientID
	}

	publisher, err := PublisherFactory(
		kafka.PublisherConfig{
			Brokers:               brokers,
			Marshaler:             kafka.DefaultMarshaler{},
			OverwriteSaramaConfig: PublisherSaramaConfig(clientID),
		},
		logger,
	)
	if err != nil {
		return transport.Transport{}, err
	}

	subscriberConfig := kafka.DefaultSaramaSubscriberConfig()
	subscriberConfig.ClientID = clientID

	subscriber, err := SubscriberFactory(
		kafka.SubscriberConfig{
			Brokers:               brokers,
			Unmarshaler:           kafka.DefaultMarshaler{},
			ConsumerGroup:         cfg.GetKafkaConsumerGroup(),
			OverwriteSaramaConfig: subscriberConfig,
		},
		logger,
	)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:  publisher,
		Subscriber: subscriber,
	}, nil
}

// PublisherSaramaConfig waits for every in-sync replica and enables
// idempotent writes so a retried send cannot duplicate a record.
func PublisherSaramaConfig(clientID string) *sarama.Config {
	sc := kafka.DefaultSaramaSyncPublisherConfig()
	sc.ClientID = clientID
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Idempotent = true
	sc.Net.MaxOpenRequests = 1
	return sc
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.KafkaCapabilities
}
