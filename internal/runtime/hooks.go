package runtime

import (
	"time"

	"github.com/drblury/ackflow/internal/runtime/correlator"
	loggingpkg "github.com/drblury/ackflow/internal/runtime/logging"
)

// PublishContext describes one guaranteed publish to hooks.
type PublishContext struct {
	Token       string
	Sequence    uint64
	Topic       string
	MessageUUID string
	Status      correlator.Status
	SubmittedAt time.Time
	// Latency is set once the broker answered.
	Latency time.Duration
}

func publishContextOf(rec correlator.Record, status correlator.Status) PublishContext {
	pc := PublishContext{
		Token:       rec.Token,
		Sequence:    rec.Sequence,
		Topic:       rec.Topic,
		Status:      status,
		SubmittedAt: rec.SubmittedAt,
		Latency:     rec.Latency(),
	}
	if rec.Message != nil {
		pc.MessageUUID = rec.Message.UUID
	}
	return pc
}

// PublishHooks are callbacks for the lifecycle of a guaranteed publish. All
// hooks are optional. OnSubmit runs on the publishing goroutine, the others
// on the goroutine that drains.
type PublishHooks struct {
	OnSubmit func(PublishContext)

	OnAccepted func(PublishContext)

	// OnRejected receives the broker's reason, a *errors.RejectedError.
	OnRejected func(PublishContext, error)

	// OnIndeterminate runs for records released at shutdown before the
	// broker answered.
	OnIndeterminate func(PublishContext)
}

// Merge combines two hook sets; hooks from other run after those of h.
func (h PublishHooks) Merge(other PublishHooks) PublishHooks {
	return PublishHooks{
		OnSubmit:        chainHooks(h.OnSubmit, other.OnSubmit),
		OnAccepted:      chainHooks(h.OnAccepted, other.OnAccepted),
		OnRejected:      chainErrorHooks(h.OnRejected, other.OnRejected),
		OnIndeterminate: chainHooks(h.OnIndeterminate, other.OnIndeterminate),
	}
}

func chainHooks(a, b func(PublishContext)) func(PublishContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(pc PublishContext) {
		a(pc)
		b(pc)
	}
}

func chainErrorHooks(a, b func(PublishContext, error)) func(PublishContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(pc PublishContext, err error) {
		a(pc, err)
		b(pc, err)
	}
}

func (h PublishHooks) submitted(pc PublishContext) {
	if h.OnSubmit != nil {
		h.OnSubmit(pc)
	}
}

func (h PublishHooks) released(pc PublishContext, err error) {
	switch pc.Status {
	case correlator.StatusAccepted:
		if h.OnAccepted != nil {
			h.OnAccepted(pc)
		}
	case correlator.StatusRejected:
		if h.OnRejected != nil {
			h.OnRejected(pc, err)
		}
	default:
		if h.OnIndeterminate != nil {
			h.OnIndeterminate(pc)
		}
	}
}

// LoggingHooks logs every publish outcome. Submissions are logged at trace
// level.
func LoggingHooks(logger loggingpkg.ServiceLogger) PublishHooks {
	fields := func(pc PublishContext) loggingpkg.LogFields {
		return loggingpkg.LogFields{
			"token":        pc.Token,
			"sequence":     pc.Sequence,
			"topic":        pc.Topic,
			"message_uuid": pc.MessageUUID,
		}
	}
	return PublishHooks{
		OnSubmit: func(pc PublishContext) {
			logger.Trace("Message submitted", fields(pc))
		},
		OnAccepted: func(pc PublishContext) {
			f := fields(pc)
			f["latency_ms"] = pc.Latency.Milliseconds()
			logger.Debug("Message accepted", f)
		},
		OnRejected: func(pc PublishContext, err error) {
			logger.Error("Message rejected", err, fields(pc))
		},
		OnIndeterminate: func(pc PublishContext) {
			logger.Info("Message outcome unknown at shutdown", fields(pc))
		},
	}
}

// CountingHooks calls onAccepted or onRejected with the topic of every
// answered publish.
func CountingHooks(onAccepted, onRejected func(topic string)) PublishHooks {
	return PublishHooks{
		OnAccepted: func(pc PublishContext) {
			if onAccepted != nil {
				onAccepted(pc.Topic)
			}
		},
		OnRejected: func(pc PublishContext, _ error) {
			if onRejected != nil {
				onRejected(pc.Topic)
			}
		},
	}
}
