package metadata

import "github.com/ThreeDotsLabs/watermill/message"

// FromWatermill copies Watermill metadata into a Metadata map.
func FromWatermill(md message.Metadata) Metadata {
	result := make(Metadata, len(md))
	for k, v := range md {
		result[k] = v
	}
	return result
}

// ToWatermill copies metadata into a fresh Watermill map.
func ToWatermill(md Metadata) message.Metadata {
	wm := make(message.Metadata, len(md))
	for k, v := range md {
		wm[k] = v
	}
	return wm
}

// Apply merges md into the message headers, overwriting existing keys.
func Apply(msg *message.Message, md Metadata) {
	if msg == nil || len(md) == 0 {
		return
	}
	if msg.Metadata == nil {
		msg.Metadata = make(message.Metadata, len(md))
	}
	for k, v := range md {
		msg.Metadata.Set(k, v)
	}
}

// CorrelationToken returns the pending-record token stored on msg.
func CorrelationToken(msg *message.Message) string {
	if msg == nil {
		return ""
	}
	return msg.Metadata.Get(KeyCorrelationToken)
}

// SetCorrelationToken stamps msg with token.
func SetCorrelationToken(msg *message.Message, token string) {
	Apply(msg, Metadata{KeyCorrelationToken: token})
}
