// Package http provides the HTTP transport. Every publish is a POST to
// PublisherURL+topic and the response status is the confirm: a 4xx or 5xx
// answer fails the publish.
package http

import (
	"context"
	"errors"
	nethttp "net/http"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/ackflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "http"

// RequestTimeout bounds a single publish round trip.
var RequestTimeout = 10 * time.Second

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(config http.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return http.NewPublisher(config, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(addr string, config http.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return http.NewSubscriber(addr, config, logger)
}

func init() {
	Register()
}

// Register registers the HTTP transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.HTTPCapabilities)
}

// Build creates a new HTTP transport. The subscriber's server is started in
// the background when an address is configured.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	base := cfg.GetHTTPPublisherURL()

	publisher, err := PublisherFactory(
		http.PublisherConfig{
			MarshalMessageFunc: func(topic string, msg *message.Message) (*nethttp.Request, error) {
				return http.DefaultMarshalMessageFunc(TopicURL(base, topic), msg)
			},
			Client: &nethttp.Client{Timeout: RequestTimeout},
		},
		logger,
	)
	if err != nil {
		return transport.Transport{}, err
	}

	addr := cfg.GetHTTPServerAddress()
	subscriber, err := SubscriberFactory(
		addr,
		http.SubscriberConfig{UnmarshalMessageFunc: http.DefaultUnmarshalMessageFunc},
		logger,
	)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, err
	}

	if s, ok := subscriber.(*http.Subscriber); ok && addr != "" {
		go func() {
			if err := s.StartHTTPServer(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
				logger.Error("HTTP subscriber server stopped", err, watermill.LogFields{"addr": addr})
			}
		}()
	}

	return transport.Transport{
		Publisher:  publisher,
		Subscriber: subscriber,
	}, nil
}

// TopicURL joins the publisher base URL and a topic with exactly one slash.
func TopicURL(base, topic string) string {
	if base == "" {
		return "/" + strings.TrimPrefix(topic, "/")
	}
	return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(topic, "/")
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.HTTPCapabilities
}
