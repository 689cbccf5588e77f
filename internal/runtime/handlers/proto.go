package handlers

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/ThreeDotsLabs/watermill/message"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	errspkg "github.com/drblury/ackflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/ackflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/ackflow/internal/runtime/metadata"
)

var protoJSONUnmarshalOptions = protojson.UnmarshalOptions{DiscardUnknown: true}

// ProtoContext provides strongly typed access to the delivered payload.
type ProtoContext[T proto.Message] struct {
	MessageContext
	Payload T
}

// ProtoHandler consumes a decoded protobuf payload.
type ProtoHandler[T proto.Message] func(ctx context.Context, event ProtoContext[T]) error

// ProtoOutput is the reply a proto reply handler emits. A nil Message sends
// no reply.
type ProtoOutput struct {
	Message  proto.Message
	Metadata metadatapkg.Metadata
}

// ProtoReplyHandler answers a decoded protobuf request.
type ProtoReplyHandler[T proto.Message] func(ctx context.Context, event ProtoContext[T]) (ProtoOutput, error)

// ProtoMessageFactory converts proto payloads into messages.
type ProtoMessageFactory func(proto.Message, metadatapkg.Metadata) (*message.Message, error)

// Validator checks a decoded payload. Failures make the message
// unprocessable.
type Validator func(proto.Message) error

// BuildProtoHandler converts a typed protobuf handler into a flow handler.
// A nil prototype of a pointer type is allocated. Messages whose schema
// header names another type, or that fail to decode or validate, fail with
// an UnprocessableError.
func BuildProtoHandler[T proto.Message](prototype T, handler ProtoHandler[T], validate Validator, logger loggingpkg.ServiceLogger) (Func, error) {
	if handler == nil {
		return nil, errspkg.ErrHandlerRequired
	}
	decode, err := protoDecoder(prototype, validate)
	if err != nil {
		return nil, err
	}

	return func(ctx context.Context, msg *message.Message) error {
		payload, err := decode(msg)
		if err != nil {
			return err
		}
		return handler(ctx, ProtoContext[T]{
			MessageContext: newMessageContext(msg, logger),
			Payload:        payload,
		})
	}, nil
}

// BuildProtoReplyHandler converts a typed protobuf reply handler into a
// replier handler.
func BuildProtoReplyHandler[T proto.Message](prototype T, handler ProtoReplyHandler[T], factory ProtoMessageFactory, logger loggingpkg.ServiceLogger) (ReplyFunc, error) {
	if handler == nil {
		return nil, errspkg.ErrHandlerRequired
	}
	if factory == nil {
		return nil, errors.New("ackflow: proto message factory is required")
	}
	decode, err := protoDecoder(prototype, nil)
	if err != nil {
		return nil, err
	}

	return func(req *message.Message) (*message.Message, error) {
		payload, err := decode(req)
		if err != nil {
			return nil, err
		}
		out, err := handler(req.Context(), ProtoContext[T]{
			MessageContext: newMessageContext(req, logger),
			Payload:        payload,
		})
		if err != nil {
			return nil, err
		}
		if out.Message == nil {
			return nil, nil
		}
		return factory(out.Message, out.Metadata)
	}, nil
}

func protoDecoder[T proto.Message](prototype T, validate Validator) (func(*message.Message) (T, error), error) {
	prototype, err := EnsureProtoPrototype(prototype)
	if err != nil {
		return nil, err
	}
	schema := string(prototype.ProtoReflect().Descriptor().FullName())

	return func(msg *message.Message) (T, error) {
		var zero T
		if got := msg.Metadata.Get(metadatapkg.KeyEventSchema); got != "" && got != schema {
			return zero, &errspkg.UnprocessableError{
				Schema: schema,
				Err:    fmt.Errorf("schema header names %s", got),
			}
		}
		typed, err := clonePrototype(prototype)
		if err != nil {
			return zero, err
		}
		if err := protoJSONUnmarshalOptions.Unmarshal(msg.Payload, typed); err != nil {
			return zero, &errspkg.UnprocessableError{Schema: schema, Err: err}
		}
		if validate != nil {
			if err := validate(typed); err != nil {
				return zero, &errspkg.UnprocessableError{Schema: schema, Err: err}
			}
		}
		return typed, nil
	}, nil
}

func clonePrototype[T proto.Message](prototype T) (T, error) {
	if isNilProto(prototype) {
		var zero T
		return zero, errspkg.ErrPayloadTypeRequired
	}

	cloned := proto.Clone(prototype)
	proto.Reset(cloned)

	typed, ok := cloned.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("ackflow: unexpected prototype type %T", cloned)
	}
	return typed, nil
}

// EnsureProtoPrototype returns candidate, or a freshly allocated message of
// its type when candidate is a nil pointer.
func EnsureProtoPrototype[T proto.Message](candidate T) (T, error) {
	if !isNilProto(candidate) {
		return candidate, nil
	}

	var zero T
	typ := reflect.TypeOf(candidate)
	if typ == nil {
		return zero, errspkg.ErrPayloadTypeRequired
	}
	if typ.Kind() != reflect.Ptr {
		return zero, errspkg.ErrPayloadPointerRequired
	}

	typed, ok := reflect.New(typ.Elem()).Interface().(T)
	if !ok {
		return zero, fmt.Errorf("ackflow: unexpected prototype type %s", typ)
	}
	return typed, nil
}

func isNilProto[T proto.Message](prototype T) bool {
	msg := proto.Message(prototype)
	if msg == nil {
		return true
	}

	val := reflect.ValueOf(msg)
	switch val.Kind() {
	case reflect.Interface, reflect.Ptr, reflect.Slice, reflect.Map, reflect.Func:
		return val.IsNil()
	default:
		return false
	}
}
