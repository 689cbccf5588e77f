// Package handlers turns typed JSON and protobuf callbacks into the raw
// message handlers flows and repliers run.
package handlers

import (
	"context"

	"github.com/ThreeDotsLabs/watermill/message"

	loggingpkg "github.com/drblury/ackflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/ackflow/internal/runtime/metadata"
)

// Func matches the flow message handler signature.
type Func = func(ctx context.Context, msg *message.Message) error

// ReplyFunc matches the replier handler signature.
type ReplyFunc = func(req *message.Message) (*message.Message, error)

// MessageContext holds the headers and logger shared by JSON and proto
// handlers.
type MessageContext struct {
	UUID     string
	Metadata metadatapkg.Metadata
	Logger   loggingpkg.ServiceLogger
}

func newMessageContext(msg *message.Message, logger loggingpkg.ServiceLogger) MessageContext {
	return MessageContext{
		UUID:     msg.UUID,
		Metadata: metadatapkg.FromWatermill(msg.Metadata),
		Logger:   logger,
	}
}

// CloneMetadata returns a copy handlers may mutate for outgoing messages.
func (c MessageContext) CloneMetadata() metadatapkg.Metadata {
	return c.Metadata.Clone()
}

// Get retrieves a metadata value by key.
func (c MessageContext) Get(key string) string {
	return c.Metadata[key]
}

// CorrelationID is the request/reply correlation id, if any.
func (c MessageContext) CorrelationID() string {
	return c.Metadata[metadatapkg.KeyCorrelationID]
}

// ReplyTo is the topic a reply is expected on, if any.
func (c MessageContext) ReplyTo() string {
	return c.Metadata[metadatapkg.KeyReplyTo]
}

// Token is the correlation token the publisher stamped on the message.
func (c MessageContext) Token() string {
	return c.Metadata[metadatapkg.KeyCorrelationToken]
}
