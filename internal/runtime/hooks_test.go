package runtime

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/drblury/ackflow/internal/runtime/correlator"
)

func TestPublishHooksMergeRunsBothInOrder(t *testing.T) {
	var calls []string
	first := PublishHooks{
		OnAccepted: func(PublishContext) { calls = append(calls, "first") },
	}
	second := PublishHooks{
		OnAccepted: func(PublishContext) { calls = append(calls, "second") },
		OnRejected: func(_ PublishContext, err error) { calls = append(calls, "rejected:"+err.Error()) },
	}

	merged := first.Merge(second)
	merged.released(PublishContext{Status: correlator.StatusAccepted}, nil)
	merged.released(PublishContext{Status: correlator.StatusRejected}, errors.New("nope"))
	merged.released(PublishContext{Status: correlator.StatusIndeterminate}, nil)

	assert.Equal(t, []string{"first", "second", "rejected:nope"}, calls)
}

func TestPublishHooksTolerateMissingCallbacks(t *testing.T) {
	var hooks PublishHooks
	assert.NotPanics(t, func() {
		hooks.submitted(PublishContext{})
		hooks.released(PublishContext{Status: correlator.StatusAccepted}, nil)
		hooks.released(PublishContext{Status: correlator.StatusRejected}, errors.New("x"))
		hooks.released(PublishContext{Status: correlator.StatusIndeterminate}, nil)
	})
}

func TestPublishContextOfRecord(t *testing.T) {
	submitted := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := correlator.Record{
		Token:       "tok-1",
		Sequence:    7,
		Topic:       "orders",
		Message:     payload("a"),
		SubmittedAt: submitted,
		AckedAt:     submitted.Add(15 * time.Millisecond),
		Acked:       true,
		Accepted:    true,
	}

	pc := publishContextOf(rec, correlator.StatusAccepted)
	assert.Equal(t, "tok-1", pc.Token)
	assert.Equal(t, uint64(7), pc.Sequence)
	assert.Equal(t, rec.Message.UUID, pc.MessageUUID)
	assert.Equal(t, 15*time.Millisecond, pc.Latency)
	assert.Equal(t, correlator.StatusAccepted, pc.Status)
}

func TestCountingHooksIgnoreNilCounters(t *testing.T) {
	hooks := CountingHooks(nil, nil)
	assert.NotPanics(t, func() {
		hooks.released(PublishContext{Status: correlator.StatusAccepted}, nil)
		hooks.released(PublishContext{Status: correlator.StatusRejected}, errors.New("x"))
	})
}
