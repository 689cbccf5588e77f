package runtime

import (
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"

	errspkg "github.com/drblury/ackflow/internal/runtime/errors"
	metadatapkg "github.com/drblury/ackflow/internal/runtime/metadata"
)

func TestNewTextMessage(t *testing.T) {
	msg := NewTextMessage("hello", WithMetadata(metadatapkg.New("tenant", "acme")))

	assert.Len(t, msg.UUID, 26)
	assert.Equal(t, "hello", string(msg.Payload))
	assert.Equal(t, contentTypeText, msg.Metadata.Get(metadatapkg.KeyContentType))
	assert.Equal(t, "acme", msg.Metadata.Get("tenant"))
	assert.Equal(t, DeliveryDirect, MessageDeliveryMode(msg))
}

func TestMessageOptions(t *testing.T) {
	msg := NewTextMessage("x", WithDeliveryMode(DeliveryPersistent), WithTTL(90*time.Second), nil)
	assert.Equal(t, DeliveryPersistent, MessageDeliveryMode(msg))

	ttl, err := MessageTTL(msg)
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, ttl)

	WithTTL(0)(msg)
	ttl, err = MessageTTL(msg)
	require.NoError(t, err)
	assert.Zero(t, ttl)

	msg.Metadata.Set(metadatapkg.KeyTTL, "soon")
	_, err = MessageTTL(msg)
	assert.Error(t, err)

	msg.Metadata.Set(metadatapkg.KeyDeliveryMode, "carrier-pigeon")
	assert.Equal(t, DeliveryDirect, MessageDeliveryMode(msg))
	assert.Equal(t, DeliveryDirect, MessageDeliveryMode(nil))
}

func TestMessageExpiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	plain := NewTextMessage("no ttl")
	stampExpiry(plain, now)
	assert.Empty(t, plain.Metadata.Get(metadatapkg.KeyExpiresAt))
	assert.False(t, MessageExpired(plain, now.Add(time.Hour)))

	msg := NewTextMessage("quote", WithTTL(30*time.Second))
	stampExpiry(msg, now)
	assert.Equal(t, "2026-03-01T12:00:30Z", msg.Metadata.Get(metadatapkg.KeyExpiresAt))
	assert.False(t, MessageExpired(msg, now.Add(29*time.Second)))
	assert.True(t, MessageExpired(msg, now.Add(30*time.Second)))

	// a resend keeps the original deadline
	stampExpiry(msg, now.Add(time.Minute))
	assert.Equal(t, "2026-03-01T12:00:30Z", msg.Metadata.Get(metadatapkg.KeyExpiresAt))

	msg.Metadata.Set(metadatapkg.KeyExpiresAt, "yesterday")
	assert.False(t, MessageExpired(msg, now))
	assert.False(t, MessageExpired(nil, now))
}

func TestJSONMessageRoundTrip(t *testing.T) {
	type shipment struct {
		ID     string `json:"id"`
		Weight int    `json:"weight"`
	}

	msg, err := NewJSONMessage(shipment{ID: "s-1", Weight: 12})
	require.NoError(t, err)
	assert.Equal(t, contentTypeJSON, msg.Metadata.Get(metadatapkg.KeyContentType))

	var out shipment
	require.NoError(t, DecodeJSON(msg, &out))
	assert.Equal(t, shipment{ID: "s-1", Weight: 12}, out)

	_, err = NewJSONMessage(nil)
	assert.ErrorIs(t, err, errspkg.ErrPayloadRequired)
	assert.ErrorIs(t, DecodeJSON(nil, &out), errspkg.ErrMessageRequired)
}

func TestProtoMessageRoundTrip(t *testing.T) {
	event, err := structpb.NewStruct(map[string]any{"order": "o-1", "total": 12.5})
	require.NoError(t, err)

	msg, err := NewProtoMessage(event)
	require.NoError(t, err)
	assert.Equal(t, contentTypeProto, msg.Metadata.Get(metadatapkg.KeyContentType))
	assert.Equal(t, "google.protobuf.Struct", msg.Metadata.Get(metadatapkg.KeyEventSchema))

	decoded := &structpb.Struct{}
	require.NoError(t, DecodeProto(msg, decoded))
	assert.Equal(t, "o-1", decoded.GetFields()["order"].GetStringValue())
	assert.Equal(t, 12.5, decoded.GetFields()["total"].GetNumberValue())

	_, err = NewProtoMessage(nil)
	assert.ErrorIs(t, err, errspkg.ErrPayloadRequired)
	assert.ErrorIs(t, DecodeProto((*message.Message)(nil), decoded), errspkg.ErrMessageRequired)
}
