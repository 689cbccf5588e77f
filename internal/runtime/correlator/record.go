package correlator

import (
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/ackflow/internal/runtime/errors"
)

// Status is the outcome of a pending publish record as seen by the drainer.
type Status string

const (
	StatusPending       Status = "pending"
	StatusAccepted      Status = "accepted"
	StatusRejected      Status = "rejected"
	StatusIndeterminate Status = "indeterminate"
)

// Record tracks one published message from the moment it is handed to the
// transport until the broker acknowledges or rejects it.
type Record struct {
	Token    string
	Sequence uint64
	Topic    string
	Message  *message.Message

	SubmittedAt time.Time
	AckedAt     time.Time

	Acked    bool
	Accepted bool
	// Cause is the rejection reason reported by the transport, if any.
	Cause error
}

// Status reports the record outcome. A record that never saw an
// acknowledgement reports StatusPending; once Teardown released it, callers
// should treat it as StatusIndeterminate.
func (r Record) Status() Status {
	switch {
	case !r.Acked:
		return StatusPending
	case r.Accepted:
		return StatusAccepted
	default:
		return StatusRejected
	}
}

// Err returns a *errors.RejectedError for rejected records and nil otherwise.
func (r Record) Err() error {
	if !r.Acked || r.Accepted {
		return nil
	}
	return &errspkg.RejectedError{Token: r.Token, Cause: r.Cause}
}

// Latency is the time between submission and acknowledgement.
func (r Record) Latency() time.Duration {
	if !r.Acked || r.AckedAt.IsZero() {
		return 0
	}
	return r.AckedAt.Sub(r.SubmittedAt)
}
