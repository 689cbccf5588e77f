package runtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/ackflow/internal/runtime/config"
	"github.com/drblury/ackflow/internal/runtime/correlator"
	errspkg "github.com/drblury/ackflow/internal/runtime/errors"
	"github.com/drblury/ackflow/internal/runtime/journal"
	metadatapkg "github.com/drblury/ackflow/internal/runtime/metadata"
	"github.com/drblury/ackflow/transport"
)

var asyncCaps = transport.Capabilities{
	Name:                      "fake-async",
	SupportsPublisherConfirms: true,
	SupportsAsyncConfirms:     true,
}

func newAsyncPublisherSession(t *testing.T, opts ...sessionOption) (*Session, *fakeAsyncPublisher) {
	t.Helper()
	pub := newFakeAsyncPublisher()
	opts = append([]sessionOption{withFactory(fixedFactory(pub, newFakeSubscriber(), asyncCaps, nil))}, opts...)
	s, _ := newTestSession(t, opts...)
	return s, pub
}

func newGuaranteed(t *testing.T, s *Session, opts PublisherOptions) *GuaranteedPublisher {
	t.Helper()
	p, err := NewGuaranteedPublisher(context.Background(), s, opts)
	require.NoError(t, err)
	return p
}

func payload(text string) *message.Message {
	return message.NewMessage(watermill.NewUUID(), []byte(text))
}

// drainUntil drains until n outcomes were released.
func drainUntil(t *testing.T, p *GuaranteedPublisher, n int) []PublishOutcome {
	t.Helper()
	var out []PublishOutcome
	require.Eventually(t, func() bool {
		out = append(out, p.Drain()...)
		return len(out) >= n
	}, waitFor, tick)
	return out
}

func TestGuaranteedPublisherRequiresSession(t *testing.T) {
	_, err := NewGuaranteedPublisher(context.Background(), nil, PublisherOptions{})
	assert.ErrorIs(t, err, errspkg.ErrSessionRequired)
}

func TestGuaranteedPublisherRequiresConfirms(t *testing.T) {
	s, _ := newTestSession(t, withFactory(fixedFactory(newFakePublisher(), newFakeSubscriber(), transport.NATSCapabilities, nil)))

	_, err := NewGuaranteedPublisher(context.Background(), s, PublisherOptions{})
	assert.ErrorIs(t, err, errspkg.ErrGuaranteedUnsupported)
}

func TestGuaranteedPublisherOverChannelTransport(t *testing.T) {
	s, _ := newTestSession(t)
	p := newGuaranteed(t, s, PublisherOptions{})

	var tokens []string
	for _, text := range []string{"a", "b", "c"} {
		token, err := p.Publish(context.Background(), "orders", payload(text))
		require.NoError(t, err)
		tokens = append(tokens, token)
	}

	outcomes := drainUntil(t, p, 3)
	require.Len(t, outcomes, 3)
	for i, outcome := range outcomes {
		assert.Equal(t, tokens[i], outcome.Token)
		assert.Equal(t, uint64(i), outcome.Sequence)
		assert.Equal(t, correlator.StatusAccepted, outcome.Status)
		assert.NoError(t, outcome.Err)
	}
	assert.Zero(t, p.Pending())

	stats := p.Stats()
	assert.Equal(t, uint64(3), stats.Accepted)
	assert.Equal(t, uint64(3), stats.Topics["orders"].Submitted)
	assert.Equal(t, 3, stats.AckLatency.SampleSize)
}

func TestGuaranteedPublisherReleasesInSubmissionOrder(t *testing.T) {
	s, pub := newAsyncPublisherSession(t)
	p := newGuaranteed(t, s, PublisherOptions{})

	ctx := context.Background()
	var tokens []string
	for _, text := range []string{"first", "second", "third"} {
		token, err := p.Publish(ctx, "orders", payload(text))
		require.NoError(t, err)
		tokens = append(tokens, token)
	}

	pub.resolve(t, tokens[2], nil)
	pub.resolve(t, tokens[1], errBrokerFull)
	require.Eventually(t, func() bool { return p.Outstanding() == 1 }, waitFor, tick)

	// the head is still waiting, so nothing may be released
	assert.Empty(t, p.Drain())
	assert.Equal(t, 3, p.Pending())

	pub.resolve(t, tokens[0], nil)
	require.Eventually(t, func() bool { return p.Outstanding() == 0 }, waitFor, tick)

	outcomes := p.Drain()
	require.Len(t, outcomes, 3)
	for i, outcome := range outcomes {
		assert.Equal(t, tokens[i], outcome.Token)
	}
	assert.Equal(t, correlator.StatusAccepted, outcomes[0].Status)
	assert.Equal(t, correlator.StatusRejected, outcomes[1].Status)
	assert.ErrorIs(t, outcomes[1].Err, errspkg.ErrRejectedByBroker)
	assert.ErrorIs(t, outcomes[1].Err, errBrokerFull)
	assert.Equal(t, correlator.StatusAccepted, outcomes[2].Status)

	stats := p.Stats()
	assert.Equal(t, uint64(2), stats.Accepted)
	assert.Equal(t, uint64(1), stats.Rejected)
}

func TestGuaranteedPublisherSendRejected(t *testing.T) {
	s, pub := newAsyncPublisherSession(t)
	pub.handErr = errBrokerFull
	p := newGuaranteed(t, s, PublisherOptions{})

	token, err := p.Publish(context.Background(), "orders", payload("a"))
	assert.Empty(t, token)
	assert.ErrorIs(t, err, errspkg.ErrSendRejected)
	assert.ErrorIs(t, err, errBrokerFull)
	assert.Zero(t, p.Pending())
	assert.Equal(t, uint64(1), p.Stats().SendRejected)
}

func TestGuaranteedPublisherResubmit(t *testing.T) {
	pub := newFakePublisher()
	pub.failTopic("orders", errBrokerFull)
	s, _ := newTestSession(t, withFactory(fixedFactory(pub, newFakeSubscriber(), transport.ChannelCapabilities, nil)))
	p := newGuaranteed(t, s, PublisherOptions{})

	_, err := p.Publish(context.Background(), "orders", payload("a"))
	require.NoError(t, err)
	rejected := drainUntil(t, p, 1)[0]
	require.Equal(t, correlator.StatusRejected, rejected.Status)

	pub.failTopic("orders", nil)
	token, err := p.Resubmit(context.Background(), rejected)
	require.NoError(t, err)
	assert.NotEqual(t, rejected.Token, token)

	accepted := drainUntil(t, p, 1)[0]
	assert.Equal(t, token, accepted.Token)
	assert.Equal(t, correlator.StatusAccepted, accepted.Status)
	assert.Equal(t, rejected.Message.Payload, accepted.Message.Payload)

	_, err = p.Resubmit(context.Background(), accepted)
	assert.ErrorIs(t, err, errspkg.ErrAlreadyAccepted)
}

func TestGuaranteedPublisherCloseReportsIndeterminate(t *testing.T) {
	s, _ := newAsyncPublisherSession(t, withConfig(func(c *configpkg.Config) {
		c.ShutdownGrace = 20 * time.Millisecond
	}))

	var mu sync.Mutex
	var indeterminate []string
	p := newGuaranteed(t, s, PublisherOptions{Hooks: PublishHooks{
		OnIndeterminate: func(pc PublishContext) {
			mu.Lock()
			defer mu.Unlock()
			indeterminate = append(indeterminate, pc.Token)
		},
	}})

	token, err := p.Publish(context.Background(), "orders", payload("a"))
	require.NoError(t, err)

	outcomes, err := p.Close(context.Background())
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, token, outcomes[0].Token)
	assert.Equal(t, correlator.StatusIndeterminate, outcomes[0].Status)
	assert.True(t, p.Closed())

	mu.Lock()
	assert.Equal(t, []string{token}, indeterminate)
	mu.Unlock()
	assert.Equal(t, uint64(1), p.Stats().Indeterminate)

	_, err = p.Publish(context.Background(), "orders", payload("b"))
	assert.ErrorIs(t, err, errspkg.ErrCorrelatorClosed)
}

func TestGuaranteedPublisherCloseWaitsForAnswers(t *testing.T) {
	s, pub := newAsyncPublisherSession(t)
	p := newGuaranteed(t, s, PublisherOptions{})

	token, err := p.Publish(context.Background(), "orders", payload("a"))
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		pub.resolve(t, token, nil)
	}()

	outcomes, err := p.Close(context.Background())
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, correlator.StatusAccepted, outcomes[0].Status)
}

func TestGuaranteedPublisherHooks(t *testing.T) {
	pub := newFakePublisher()
	pub.failTopic("audit", errBrokerFull)
	s, _ := newTestSession(t, withFactory(fixedFactory(pub, newFakeSubscriber(), transport.ChannelCapabilities, nil)))

	var mu sync.Mutex
	counts := map[string]int{}
	count := func(key string) func(string) {
		return func(topic string) {
			mu.Lock()
			defer mu.Unlock()
			counts[key+":"+topic]++
		}
	}
	submitted := 0
	hooks := PublishHooks{OnSubmit: func(PublishContext) { submitted++ }}.
		Merge(CountingHooks(count("accepted"), count("rejected"))).
		Merge(LoggingHooks(testLogger()))

	p := newGuaranteed(t, s, PublisherOptions{Hooks: hooks})
	ctx := context.Background()
	_, err := p.Publish(ctx, "orders", payload("a"))
	require.NoError(t, err)
	_, err = p.Publish(ctx, "audit", payload("b"))
	require.NoError(t, err)

	drainUntil(t, p, 2)
	assert.Equal(t, 2, submitted)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, map[string]int{"accepted:orders": 1, "rejected:audit": 1}, counts)
}

func TestGuaranteedPublisherWaitsWhileReconnecting(t *testing.T) {
	feed := transport.NewConnectionFeed()
	defer feed.Close()
	s, _ := newTestSession(t, withFactory(fixedFactory(newFakePublisher(), newFakeSubscriber(), transport.RabbitMQCapabilities, feed)))
	p := newGuaranteed(t, s, PublisherOptions{})

	feed.Emit(transport.Reconnecting, nil)
	require.Eventually(t, func() bool { return s.State() == transport.Reconnecting }, waitFor, tick)

	published := make(chan error, 1)
	go func() {
		_, err := p.Publish(context.Background(), "orders", payload("a"))
		published <- err
	}()

	select {
	case err := <-published:
		t.Fatalf("Publish returned while reconnecting: %v", err)
	case <-time.After(20 * time.Millisecond):
	}
	assert.Zero(t, p.Pending())

	feed.Emit(transport.Connected, nil)
	select {
	case err := <-published:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Publish did not resume after reconnect")
	}
	drainUntil(t, p, 1)
}

func TestGuaranteedPublisherJournalsOutcomes(t *testing.T) {
	ctx := context.Background()
	j, err := journal.Open(ctx, journal.DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })

	pub := newFakePublisher()
	pub.failTopic("audit", errBrokerFull)
	s, _ := newTestSession(t, withFactory(fixedFactory(pub, newFakeSubscriber(), transport.ChannelCapabilities, nil)))
	p := newGuaranteed(t, s, PublisherOptions{Journal: j})

	_, err = p.Publish(ctx, "orders", payload("a"))
	require.NoError(t, err)
	_, err = p.Publish(ctx, "audit", payload("b"))
	require.NoError(t, err)
	drainUntil(t, p, 2)

	total, err := j.Count(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)

	rejected, err := j.Count(ctx, string(correlator.StatusRejected))
	require.NoError(t, err)
	assert.Equal(t, int64(1), rejected)

	entries, err := j.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "orders", entries[0].Topic)
	assert.Contains(t, entries[1].Error, errBrokerFull.Error())
}

func TestGuaranteedPublisherOpensConfiguredJournal(t *testing.T) {
	s, _ := newTestSession(t, withConfig(func(c *configpkg.Config) {
		c.JournalDriver = journal.DriverSQLite
		c.JournalDSN = ":memory:"
	}))
	p := newGuaranteed(t, s, PublisherOptions{})
	require.NotNil(t, p.journal)
	assert.True(t, p.ownsJournal)

	_, err := p.Publish(context.Background(), "orders", payload("a"))
	require.NoError(t, err)
	drainUntil(t, p, 1)

	n, err := p.journal.Count(context.Background(), string(correlator.StatusAccepted))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = p.Close(context.Background())
	assert.NoError(t, err)
}

func TestGuaranteedPublishersShareMetrics(t *testing.T) {
	s, _ := newTestSession(t)
	first := newGuaranteed(t, s, PublisherOptions{})
	second := newGuaranteed(t, s, PublisherOptions{})

	_, err := first.Publish(context.Background(), "orders", payload("a"))
	require.NoError(t, err)
	_, err = second.Publish(context.Background(), "orders", payload("b"))
	require.NoError(t, err)

	drainUntil(t, first, 1)
	drainUntil(t, second, 1)
	assert.Equal(t, uint64(1), first.Stats().Accepted)
	assert.Equal(t, uint64(1), second.Stats().Accepted)
}

func TestGuaranteedPublisherReportsUnsentAsIndeterminate(t *testing.T) {
	pub := newFakePublisher()
	s, log := newTestSession(t,
		withFactory(fixedFactory(pub, newFakeSubscriber(), transport.ChannelCapabilities, nil)),
		withConfig(func(c *configpkg.Config) {
			c.SendQueueSize = 8
			c.SendWorkers = 1
		}),
	)
	p := newGuaranteed(t, s, PublisherOptions{})
	entered, release := pub.hold()
	defer release()

	ctx := context.Background()
	var tokens []string
	for _, text := range []string{"a", "b", "c"} {
		token, err := p.Publish(ctx, "orders", payload(text))
		require.NoError(t, err)
		tokens = append(tokens, token)
	}
	<-entered

	closed := make(chan error, 1)
	go func() { closed <- s.Close() }()
	require.Eventually(t, func() bool {
		select {
		case <-s.sender.stop:
			return true
		default:
			return false
		}
	}, waitFor, tick)
	release()
	require.NoError(t, <-closed)

	out := p.Drain()
	require.Len(t, out, 1)
	assert.Equal(t, tokens[0], out[0].Token)
	assert.Equal(t, correlator.StatusAccepted, out[0].Status)

	rest, err := p.Close(ctx)
	require.NoError(t, err)
	require.Len(t, rest, 2)
	for i, outcome := range rest {
		assert.Equal(t, tokens[i+1], outcome.Token)
		assert.Equal(t, correlator.StatusIndeterminate, outcome.Status)
		assert.NoError(t, outcome.Err)
	}

	stats := p.Stats()
	assert.Zero(t, stats.Rejected)
	assert.Equal(t, uint64(2), stats.Indeterminate)
	assert.Empty(t, log.ofType(EventRejectedMessage))
	assert.Equal(t, 1, pub.count())
}

func TestGuaranteedPublisherSendsDirectMessagesUntracked(t *testing.T) {
	pub := newFakePublisher()
	s, log := newTestSession(t, withFactory(fixedFactory(pub, newFakeSubscriber(), transport.ChannelCapabilities, nil)))
	p := newGuaranteed(t, s, PublisherOptions{})
	ctx := context.Background()

	direct := NewTextMessage("tick", WithDeliveryMode(DeliveryDirect), WithTTL(time.Minute))
	token, err := p.Publish(ctx, "quotes", direct)
	require.NoError(t, err)
	assert.Empty(t, token)
	assert.Zero(t, p.Pending())
	assert.Equal(t, 1, pub.count())
	assert.Empty(t, metadatapkg.CorrelationToken(direct))
	assert.NotEmpty(t, direct.Metadata.Get(metadatapkg.KeyExpiresAt))
	assert.Equal(t, uint64(1), p.Stats().Direct)

	pub.failTopic("quotes", errBrokerFull)
	_, err = p.Publish(ctx, "quotes", NewTextMessage("tock", WithDeliveryMode(DeliveryDirect)))
	assert.ErrorIs(t, err, errBrokerFull)
	assert.Zero(t, p.Pending())

	tracked := NewTextMessage("order")
	token, err = p.Publish(ctx, "orders", tracked)
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.Equal(t, DeliveryPersistent, MessageDeliveryMode(tracked))

	out := drainUntil(t, p, 1)
	assert.Equal(t, token, out[0].Token)
	assert.Equal(t, correlator.StatusAccepted, out[0].Status)
	assert.Len(t, log.ofType(EventAcknowledgement), 1)
}

func TestGuaranteedPublisherCloseDetachesFromSession(t *testing.T) {
	s, _ := newTestSession(t)
	before := s.events.handlerCount()

	p := newGuaranteed(t, s, PublisherOptions{})
	other := newGuaranteed(t, s, PublisherOptions{})
	assert.Equal(t, before+2, s.events.handlerCount())

	_, err := p.Close(context.Background())
	require.NoError(t, err)
	assert.Equal(t, before+1, s.events.handlerCount())

	// the remaining publisher still hears its acknowledgements
	token, err := other.Publish(context.Background(), "orders", payload("a"))
	require.NoError(t, err)
	out := drainUntil(t, other, 1)
	assert.Equal(t, token, out[0].Token)
}
