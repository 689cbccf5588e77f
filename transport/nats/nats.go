// Package nats provides the NATS Core transport. Core NATS has no broker
// confirms, so sessions on it can send but cannot track guaranteed outcomes;
// connection changes are still reported for reconnect gating.
package nats

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	wmnats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"

	"github.com/drblury/ackflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "nats"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg wmnats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return wmnats.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg wmnats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return wmnats.NewSubscriber(cfg, logger)
}

func init() {
	Register()
}

// Register registers the NATS transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.NATSCapabilities)
}

// Build creates a new NATS transport. Only the publisher connection reports
// connection changes.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	url := cfg.GetNATSURL()
	marshaler := &wmnats.NATSMarshaler{}
	feed := transport.NewConnectionFeed()

	publisher, err := PublisherFactory(
		wmnats.PublisherConfig{
			URL:         url,
			NatsOptions: ConnectionOptions(cfg, feed, logger),
			Marshaler:   marshaler,
			JetStream:   wmnats.JetStreamConfig{Disabled: true},
		},
		logger,
	)
	if err != nil {
		feed.Close()
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(
		wmnats.SubscriberConfig{
			URL:         url,
			NatsOptions: ConnectionOptions(cfg, nil, logger),
			Unmarshaler: marshaler,
			JetStream:   wmnats.JetStreamConfig{Disabled: true},
		},
		logger,
	)
	if err != nil {
		_ = publisher.Close()
		feed.Close()
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:  &notifyingPublisher{Publisher: publisher, feed: feed},
		Subscriber: subscriber,
		Notifier:   feed,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.NATSCapabilities
}

// ConnectionOptions builds the nats.go options shared by the core and
// JetStream transports. When feed is nil no connection handlers are installed.
func ConnectionOptions(cfg transport.Config, feed *transport.ConnectionFeed, logger watermill.LoggerAdapter) []natsgo.Option {
	var opts []natsgo.Option
	if n := cfg.GetNATSMaxReconnects(); n != 0 {
		opts = append(opts, natsgo.MaxReconnects(n))
	}
	if wait := cfg.GetNATSReconnectWait(); wait > 0 {
		opts = append(opts, natsgo.ReconnectWait(wait))
	}
	if user := cfg.GetNATSUser(); user != "" {
		opts = append(opts, natsgo.UserInfo(user, cfg.GetNATSPassword()))
	}
	if feed == nil {
		return opts
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	return append(opts,
		natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
			logger.Info("NATS connection lost, reconnecting", watermill.LogFields{"error": errString(err)})
			feed.Emit(transport.Reconnecting, err)
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logger.Info("NATS connection restored", watermill.LogFields{"url": nc.ConnectedUrlRedacted()})
			feed.Emit(transport.Connected, nil)
		}),
		natsgo.ClosedHandler(func(nc *natsgo.Conn) {
			var err error
			if nc != nil {
				err = nc.LastError()
			}
			logger.Info("NATS connection closed", watermill.LogFields{"error": errString(err)})
			feed.Emit(transport.Disconnected, err)
		}),
	)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// notifyingPublisher closes the connection feed together with the publisher.
type notifyingPublisher struct {
	message.Publisher
	feed *transport.ConnectionFeed
}

func (p *notifyingPublisher) Close() error {
	err := p.Publisher.Close()
	p.feed.Close()
	return err
}
