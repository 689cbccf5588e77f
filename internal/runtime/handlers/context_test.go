package handlers

import (
	"io"
	"log/slog"
	"testing"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"

	loggingpkg "github.com/drblury/ackflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/ackflow/internal/runtime/metadata"
)

func testLogger() loggingpkg.ServiceLogger {
	return loggingpkg.NewSlogServiceLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestMessageContextAccessors(t *testing.T) {
	msg := message.NewMessage("uuid-1", nil)
	msg.Metadata.Set(metadatapkg.KeyCorrelationID, "corr-1")
	msg.Metadata.Set(metadatapkg.KeyReplyTo, "app.inbox.1")
	msg.Metadata.Set(metadatapkg.KeyCorrelationToken, "token-1")
	msg.Metadata.Set("custom", "value")

	ctx := newMessageContext(msg, testLogger())

	assert.Equal(t, "uuid-1", ctx.UUID)
	assert.Equal(t, "corr-1", ctx.CorrelationID())
	assert.Equal(t, "app.inbox.1", ctx.ReplyTo())
	assert.Equal(t, "token-1", ctx.Token())
	assert.Equal(t, "value", ctx.Get("custom"))
	assert.Equal(t, "", ctx.Get("missing"))
}

func TestMessageContextDoesNotAliasMessageHeaders(t *testing.T) {
	msg := message.NewMessage("uuid-1", nil)
	msg.Metadata.Set("key", "original")

	ctx := newMessageContext(msg, testLogger())
	ctx.Metadata["key"] = "changed"

	assert.Equal(t, "original", msg.Metadata.Get("key"))
}

func TestMessageContextCloneMetadata(t *testing.T) {
	ctx := MessageContext{Metadata: metadatapkg.Metadata{"key1": "value1"}}

	cloned := ctx.CloneMetadata()
	cloned["key1"] = "modified"
	cloned["key2"] = "new"

	assert.Equal(t, "value1", ctx.Metadata["key1"])
	assert.Equal(t, "", ctx.Metadata["key2"])
}
