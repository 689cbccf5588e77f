package handlers

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/ackflow/internal/runtime/errors"
	"github.com/drblury/ackflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/ackflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/ackflow/internal/runtime/metadata"
)

// JSONContext exposes the decoded payload and headers to JSON handlers.
type JSONContext[T any] struct {
	MessageContext
	Payload T
}

// JSONHandler consumes a decoded JSON payload.
type JSONHandler[T any] func(ctx context.Context, event JSONContext[T]) error

// JSONOutput is the reply a JSON reply handler emits. A zero Message sends
// no reply.
type JSONOutput[O any] struct {
	Message  O
	Metadata metadatapkg.Metadata
}

// JSONReplyHandler answers a decoded JSON request.
type JSONReplyHandler[T any, O any] func(ctx context.Context, event JSONContext[T]) (JSONOutput[O], error)

// JSONMessageFactory encodes a reply payload into a message.
type JSONMessageFactory func(v any, md metadatapkg.Metadata) (*message.Message, error)

// BuildJSONHandler converts a typed JSON handler into a flow handler. T must
// be a pointer type. Payloads that do not decode fail with an
// UnprocessableError.
func BuildJSONHandler[T any](handler JSONHandler[T], logger loggingpkg.ServiceLogger) (Func, error) {
	if handler == nil {
		return nil, errspkg.ErrHandlerRequired
	}
	decode, err := jsonDecoder[T]()
	if err != nil {
		return nil, err
	}

	return func(ctx context.Context, msg *message.Message) error {
		payload, err := decode(msg)
		if err != nil {
			return err
		}
		return handler(ctx, JSONContext[T]{
			MessageContext: newMessageContext(msg, logger),
			Payload:        payload,
		})
	}, nil
}

// BuildJSONReplyHandler converts a typed JSON reply handler into a replier
// handler.
func BuildJSONReplyHandler[T any, O any](handler JSONReplyHandler[T, O], factory JSONMessageFactory, logger loggingpkg.ServiceLogger) (ReplyFunc, error) {
	if handler == nil {
		return nil, errspkg.ErrHandlerRequired
	}
	if factory == nil {
		return nil, errors.New("ackflow: json message factory is required")
	}
	decode, err := jsonDecoder[T]()
	if err != nil {
		return nil, err
	}

	return func(req *message.Message) (*message.Message, error) {
		payload, err := decode(req)
		if err != nil {
			return nil, err
		}
		out, err := handler(req.Context(), JSONContext[T]{
			MessageContext: newMessageContext(req, logger),
			Payload:        payload,
		})
		if err != nil {
			return nil, err
		}
		if isZero(out.Message) {
			return nil, nil
		}
		return factory(out.Message, out.Metadata)
	}, nil
}

func jsonDecoder[T any]() (func(*message.Message) (T, error), error) {
	newPayload, err := jsonPrototypeFactory[T]()
	if err != nil {
		return nil, err
	}
	schema := fmt.Sprintf("%T", *new(T))
	return func(msg *message.Message) (T, error) {
		payload := newPayload()
		if err := jsoncodec.Unmarshal(msg.Payload, payload); err != nil {
			var zero T
			return zero, &errspkg.UnprocessableError{Schema: schema, Err: err}
		}
		return payload, nil
	}, nil
}

func jsonPrototypeFactory[T any]() (func() T, error) {
	var zero T
	typ := reflect.TypeOf(zero)
	if typ == nil {
		return nil, errspkg.ErrPayloadTypeRequired
	}
	if typ.Kind() != reflect.Ptr {
		return nil, errspkg.ErrPayloadPointerRequired
	}
	elem := typ.Elem()
	return func() T {
		return reflect.New(elem).Interface().(T)
	}, nil
}

func isZero(v any) bool {
	if v == nil {
		return true
	}
	return reflect.ValueOf(v).IsZero()
}
