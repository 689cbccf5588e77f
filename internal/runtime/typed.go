package runtime

import (
	"github.com/ThreeDotsLabs/watermill/message"
	"google.golang.org/protobuf/proto"

	handlerpkg "github.com/drblury/ackflow/internal/runtime/handlers"
	loggingpkg "github.com/drblury/ackflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/ackflow/internal/runtime/metadata"
)

// JSONFlowHandler decodes JSON payloads into T (a pointer type) before
// calling handler. Use the result with Session.CreateFlow.
func JSONFlowHandler[T any](handler handlerpkg.JSONHandler[T], logger loggingpkg.ServiceLogger) (MessageHandler, error) {
	fn, err := handlerpkg.BuildJSONHandler(handler, logger)
	if err != nil {
		return nil, err
	}
	return MessageHandler(fn), nil
}

// ProtoFlowHandler decodes protojson payloads into T before calling handler.
// validate may be nil.
func ProtoFlowHandler[T proto.Message](prototype T, handler handlerpkg.ProtoHandler[T], validate handlerpkg.Validator, logger loggingpkg.ServiceLogger) (MessageHandler, error) {
	fn, err := handlerpkg.BuildProtoHandler(prototype, handler, validate, logger)
	if err != nil {
		return nil, err
	}
	return MessageHandler(fn), nil
}

// JSONReplyHandler decodes JSON requests and encodes replies with
// NewJSONMessage.
func JSONReplyHandler[T any, O any](handler handlerpkg.JSONReplyHandler[T, O], logger loggingpkg.ServiceLogger) (ReplyHandler, error) {
	fn, err := handlerpkg.BuildJSONReplyHandler(handler, func(v any, md metadatapkg.Metadata) (*message.Message, error) {
		return NewJSONMessage(v, WithMetadata(md))
	}, logger)
	if err != nil {
		return nil, err
	}
	return ReplyHandler(fn), nil
}

// ProtoReplyHandler decodes protojson requests and encodes replies with
// NewProtoMessage.
func ProtoReplyHandler[T proto.Message](prototype T, handler handlerpkg.ProtoReplyHandler[T], logger loggingpkg.ServiceLogger) (ReplyHandler, error) {
	fn, err := handlerpkg.BuildProtoReplyHandler(prototype, handler, func(m proto.Message, md metadatapkg.Metadata) (*message.Message, error) {
		return NewProtoMessage(m, WithMetadata(md))
	}, logger)
	if err != nil {
		return nil, err
	}
	return ReplyHandler(fn), nil
}
