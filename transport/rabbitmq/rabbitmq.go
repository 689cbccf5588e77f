// Package rabbitmq provides the RabbitMQ transport with publisher confirms
// enabled: Publish returns only after the broker confirmed the message.
package rabbitmq

import (
	"context"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/ackflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "rabbitmq"

// WatchInterval is how often the connection state is sampled.
var WatchInterval = 500 * time.Millisecond

// ConnectionFactory allows overriding the connection creation for testing.
var ConnectionFactory = func(cfg amqp.ConnectionConfig, logger watermill.LoggerAdapter) (*amqp.ConnectionWrapper, error) {
	return amqp.NewConnection(cfg, logger)
}

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Publisher, error) {
	return amqp.NewPublisherWithConnection(cfg, logger, conn)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Subscriber, error) {
	return amqp.NewSubscriberWithConnection(cfg, logger, conn)
}

func init() {
	Register()
}

// Register registers the RabbitMQ transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.RabbitMQCapabilities)
}

// AMQPConfig is the durable pub/sub config with publisher confirms turned on.
func AMQPConfig(url string) amqp.Config {
	cfg := amqp.NewDurablePubSubConfig(url, amqp.GenerateQueueNameTopicName)
	cfg.Publish.ConfirmDelivery = true
	return cfg
}

// Build creates a new RabbitMQ transport.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	url := cfg.GetRabbitMQURL()
	amqpConfig := AMQPConfig(url)

	conn, err := ConnectionFactory(amqp.ConnectionConfig{
		AmqpURI:   url,
		Reconnect: amqp.DefaultReconnectConfig(),
	}, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	publisher, err := PublisherFactory(amqpConfig, logger, conn)
	if err != nil {
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(amqpConfig, logger, conn)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, err
	}

	feed := transport.NewConnectionFeed()
	w := &watcher{probe: conn, feed: feed, stop: make(chan struct{})}
	if conn != nil {
		go w.run(WatchInterval)
	}

	return transport.Transport{
		Publisher:  &watchedPublisher{Publisher: publisher, watcher: w},
		Subscriber: subscriber,
		Notifier:   feed,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.RabbitMQCapabilities
}

type connectionProbe interface {
	IsConnected() bool
}

// watcher turns the wrapper's reconnect loop into connection events.
type watcher struct {
	probe connectionProbe
	feed  *transport.ConnectionFeed

	once sync.Once
	stop chan struct{}
}

func (w *watcher) run(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	connected := true
	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			now := w.probe.IsConnected()
			if now == connected {
				continue
			}
			connected = now
			if now {
				w.feed.Emit(transport.Connected, nil)
			} else {
				w.feed.Emit(transport.Reconnecting, nil)
			}
		}
	}
}

func (w *watcher) close() {
	w.once.Do(func() {
		close(w.stop)
		w.feed.Close()
	})
}

type watchedPublisher struct {
	message.Publisher
	watcher *watcher
}

func (p *watchedPublisher) Close() error {
	err := p.Publisher.Close()
	p.watcher.close()
	return err
}
