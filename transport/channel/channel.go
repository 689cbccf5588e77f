// Package channel provides the in-memory Go channel transport. Publish returns
// once the message is handed to every subscriber, which is the confirm a session
// turns into an acknowledgement. Useful for tests and local development.
package channel

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/ackflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "channel"

// OutputBuffer is the per-subscriber buffer size.
const OutputBuffer = 64

// Factory allows overriding the channel creation for testing.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
	pubSub := gochannel.NewGoChannel(cfg, logger)
	return pubSub, pubSub
}

func init() {
	Register()
}

// Register registers the channel transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.ChannelCapabilities)
	transport.RegisterWithCapabilities("gochannel", Build, transport.ChannelCapabilities)
}

// Build creates a new Go channel transport.
func Build(_ context.Context, _ transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	pub, sub := Factory(gochannel.Config{OutputChannelBuffer: OutputBuffer}, logger)
	return transport.Transport{
		Publisher:  pub,
		Subscriber: sub,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.ChannelCapabilities
}
