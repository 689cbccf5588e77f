package io

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/ackflow/internal/runtime/config"
	"github.com/drblury/ackflow/transport"
)

func ioConfig(path string) *config.Config {
	cfg := config.Default()
	cfg.PubSubSystem = TransportName
	cfg.IOFile = path
	return &cfg
}

func TestRegister(t *testing.T) {
	original := transport.DefaultRegistry
	t.Cleanup(func() { transport.DefaultRegistry = original })
	transport.DefaultRegistry = transport.NewRegistry()
	Register()

	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "io", caps.Name)
	assert.True(t, caps.SupportsPublisherConfirms)
	assert.True(t, caps.SupportsOrdering)
}

func TestBuildCreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.jsonl")
	tr, err := Build(context.Background(), ioConfig(path), watermill.NopLogger{})
	require.NoError(t, err)
	defer tr.Publisher.Close()

	_, err = os.Stat(path)
	assert.NoError(t, err)
	assert.Nil(t, tr.Notifier)
}

func TestBuildFailsOnUnwritablePath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "log.jsonl")
	_, err := Build(context.Background(), ioConfig(path), watermill.NopLogger{})
	assert.ErrorContains(t, err, "open io log")
}

func TestPublishAppendsOneLinePerMessage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.jsonl")
	pub, err := NewPublisher(path)
	require.NoError(t, err)

	m1 := message.NewMessage("m-1", []byte("one"))
	m1.Metadata.Set("k", "v")
	require.NoError(t, pub.Publish("orders", m1, message.NewMessage("m-2", []byte("two"))))
	require.NoError(t, pub.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"uuid":"m-1"`)
	assert.Contains(t, lines[0], `"topic":"orders"`)

	assert.ErrorIs(t, pub.Publish("orders", message.NewMessage("m-3", nil)), ErrClosed)
	assert.NoError(t, pub.Close())
}

func TestSubscriberDeliversTopicInOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.jsonl")
	origPoll := PollInterval
	PollInterval = time.Millisecond
	t.Cleanup(func() { PollInterval = origPoll })

	pub, err := NewPublisher(path)
	require.NoError(t, err)
	defer pub.Close()

	first := message.NewMessage("a", []byte("1"))
	first.Metadata.Set("ackflow_sequence", "1")
	require.NoError(t, pub.Publish("orders", first))
	require.NoError(t, pub.Publish("other", message.NewMessage("x", nil)))

	sub := NewSubscriber(path, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	msgs, err := sub.Subscribe(ctx, "orders")
	require.NoError(t, err)

	// published after Subscribe: the tail picks it up
	require.NoError(t, pub.Publish("orders", message.NewMessage("b", []byte("2"))))

	var got []string
	for len(got) < 2 {
		select {
		case msg := <-msgs:
			got = append(got, msg.UUID)
			if msg.UUID == "a" {
				assert.Equal(t, "1", msg.Metadata.Get("ackflow_sequence"))
			}
			msg.Ack()
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out, got %v", got)
		}
	}
	assert.Equal(t, []string{"a", "b"}, got)

	require.NoError(t, sub.Close())
	_, open := <-msgs
	assert.False(t, open)
}
