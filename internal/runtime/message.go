package runtime

import (
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	errspkg "github.com/drblury/ackflow/internal/runtime/errors"
	idspkg "github.com/drblury/ackflow/internal/runtime/ids"
	"github.com/drblury/ackflow/internal/runtime/jsoncodec"
	metadatapkg "github.com/drblury/ackflow/internal/runtime/metadata"
)

// DeliveryMode is carried in message metadata; brokers with a notion of
// persistence map it onto their own setting.
type DeliveryMode string

const (
	DeliveryDirect     DeliveryMode = "direct"
	DeliveryPersistent DeliveryMode = "persistent"
)

const (
	contentTypeText  = "text/plain"
	contentTypeJSON  = "application/json"
	contentTypeProto = "application/protojson"
)

var protoJSONMarshalOptions = protojson.MarshalOptions{
	EmitUnpopulated: true,
}

// MessageOption adjusts a message built by the New*Message helpers.
type MessageOption func(*message.Message)

// WithMetadata merges md into the message headers.
func WithMetadata(md metadatapkg.Metadata) MessageOption {
	return func(msg *message.Message) {
		metadatapkg.Apply(msg, md)
	}
}

// WithDeliveryMode sets the delivery mode header.
func WithDeliveryMode(mode DeliveryMode) MessageOption {
	return func(msg *message.Message) {
		msg.Metadata.Set(metadatapkg.KeyDeliveryMode, string(mode))
	}
}

// WithTTL sets the time-to-live header. Non-positive values clear it.
func WithTTL(ttl time.Duration) MessageOption {
	return func(msg *message.Message) {
		if ttl <= 0 {
			delete(msg.Metadata, metadatapkg.KeyTTL)
			return
		}
		msg.Metadata.Set(metadatapkg.KeyTTL, ttl.String())
	}
}

// MessageDeliveryMode reads the delivery mode header, defaulting to direct.
// A GuaranteedPublisher tracks messages without the header as persistent and
// only publishes explicitly direct messages untracked.
func MessageDeliveryMode(msg *message.Message) DeliveryMode {
	if msg == nil {
		return DeliveryDirect
	}
	if mode := DeliveryMode(msg.Metadata.Get(metadatapkg.KeyDeliveryMode)); mode == DeliveryPersistent {
		return mode
	}
	return DeliveryDirect
}

// MessageTTL parses the time-to-live header. It returns zero when unset.
func MessageTTL(msg *message.Message) (time.Duration, error) {
	if msg == nil {
		return 0, nil
	}
	raw := msg.Metadata.Get(metadatapkg.KeyTTL)
	if raw == "" {
		return 0, nil
	}
	ttl, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("ackflow: invalid ttl %q: %w", raw, err)
	}
	return ttl, nil
}

// stampExpiry records when a message with a TTL expires. An existing stamp is
// kept, so a republished message does not get a fresh lifetime.
func stampExpiry(msg *message.Message, now time.Time) {
	if msg.Metadata.Get(metadatapkg.KeyExpiresAt) != "" {
		return
	}
	ttl, err := MessageTTL(msg)
	if err != nil || ttl <= 0 {
		return
	}
	msg.Metadata.Set(metadatapkg.KeyExpiresAt, now.Add(ttl).UTC().Format(time.RFC3339Nano))
}

// MessageExpired reports whether msg carries an expiry stamp at or before
// now. Messages without a valid stamp never expire.
func MessageExpired(msg *message.Message, now time.Time) bool {
	if msg == nil {
		return false
	}
	raw := msg.Metadata.Get(metadatapkg.KeyExpiresAt)
	if raw == "" {
		return false
	}
	expiresAt, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return false
	}
	return !now.Before(expiresAt)
}

// NewTextMessage wraps text in a message with a fresh ULID.
func NewTextMessage(text string, opts ...MessageOption) *message.Message {
	return newMessage([]byte(text), contentTypeText, opts)
}

// NewJSONMessage encodes v as JSON.
func NewJSONMessage(v any, opts ...MessageOption) (*message.Message, error) {
	if v == nil {
		return nil, errspkg.ErrPayloadRequired
	}
	payload, err := jsoncodec.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("ackflow: marshal json payload: %w", err)
	}
	return newMessage(payload, contentTypeJSON, opts), nil
}

// NewProtoMessage encodes event with protojson and records its type in the
// event schema header.
func NewProtoMessage(event proto.Message, opts ...MessageOption) (*message.Message, error) {
	if event == nil {
		return nil, errspkg.ErrPayloadRequired
	}
	payload, err := protoJSONMarshalOptions.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("ackflow: marshal proto payload: %w", err)
	}
	msg := newMessage(payload, contentTypeProto, opts)
	msg.Metadata.Set(metadatapkg.KeyEventSchema, string(event.ProtoReflect().Descriptor().FullName()))
	return msg, nil
}

// DecodeJSON unmarshals a JSON message payload into v.
func DecodeJSON(msg *message.Message, v any) error {
	if msg == nil {
		return errspkg.ErrMessageRequired
	}
	return jsoncodec.Unmarshal(msg.Payload, v)
}

// DecodeProto unmarshals a protojson payload into event.
func DecodeProto(msg *message.Message, event proto.Message) error {
	if msg == nil {
		return errspkg.ErrMessageRequired
	}
	return protojson.UnmarshalOptions{DiscardUnknown: true}.Unmarshal(msg.Payload, event)
}

func newMessage(payload []byte, contentType string, opts []MessageOption) *message.Message {
	msg := message.NewMessage(idspkg.CreateULID(), payload)
	msg.Metadata.Set(metadatapkg.KeyContentType, contentType)
	for _, opt := range opts {
		if opt != nil {
			opt(msg)
		}
	}
	return msg
}
