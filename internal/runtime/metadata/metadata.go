// Package metadata holds the header keys ackflow writes onto messages and a
// small immutable-style map helper for building them.
package metadata

const (
	// KeyCorrelationToken carries the pending-record token of a guaranteed publish.
	KeyCorrelationToken = "ackflow_correlation_token"
	// KeyCorrelationID pairs a request with its reply.
	KeyCorrelationID = "ackflow_correlation_id"
	// KeyReplyTo names the topic a replier should answer on.
	KeyReplyTo = "ackflow_reply_to"
	// KeyDeliveryMode is "direct" or "persistent".
	KeyDeliveryMode = "ackflow_delivery_mode"
	// KeySequence is the per-publisher submission sequence number.
	KeySequence = "ackflow_sequence"
	// KeyTTL is the message time-to-live as a Go duration string.
	KeyTTL = "ackflow_ttl"
	// KeyExpiresAt is the RFC 3339 instant a message with a TTL expires,
	// stamped when it is first sent.
	KeyExpiresAt = "ackflow_expires_at"
	// KeyDeadReason explains why a message was moved to a dead message topic.
	KeyDeadReason = "ackflow_dead_reason"
	// KeyContentType describes the payload encoding.
	KeyContentType = "ackflow_content_type"
	// KeyEventSchema records the Go type of a structured payload.
	KeyEventSchema = "ackflow_event_schema"
)

const (
	DeliveryModeDirect     = "direct"
	DeliveryModePersistent = "persistent"
)

// Metadata represents the headers carried alongside a message.
type Metadata map[string]string

func (m Metadata) cloneWithExtra(extra int) Metadata {
	cloned := make(Metadata, len(m)+extra)
	for k, v := range m {
		cloned[k] = v
	}
	return cloned
}

// Clone returns a shallow copy of the metadata map.
func (m Metadata) Clone() Metadata {
	return m.cloneWithExtra(0)
}

// With returns a cloned metadata map containing the provided key/value pair.
func (m Metadata) With(key, value string) Metadata {
	cloned := m.cloneWithExtra(1)
	cloned[key] = value
	return cloned
}

// WithAll returns a cloned metadata map containing the supplied entries.
func (m Metadata) WithAll(entries Metadata) Metadata {
	cloned := m.cloneWithExtra(len(entries))
	for k, v := range entries {
		cloned[k] = v
	}
	return cloned
}

// New constructs a Metadata map from alternating key/value pairs. A trailing
// key without a value is dropped.
func New(pairs ...string) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		md[pairs[i]] = pairs[i+1]
	}
	return md
}
