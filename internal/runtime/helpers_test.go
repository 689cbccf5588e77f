package runtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/ackflow/internal/runtime/config"
	loggingpkg "github.com/drblury/ackflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/ackflow/internal/runtime/metadata"
	transportpkg "github.com/drblury/ackflow/internal/runtime/transport"
	"github.com/drblury/ackflow/transport"
)

var errBrokerFull = errors.New("broker: queue full")

func testLogger() loggingpkg.ServiceLogger {
	return loggingpkg.NewNopServiceLogger()
}

func testConfig() *configpkg.Config {
	cfg := configpkg.Default()
	cfg.DrainInterval = 5 * time.Millisecond
	cfg.ShutdownGrace = time.Second
	return &cfg
}

// fakePublisher confirms synchronously. Topics listed in fail are rejected;
// while gate is non-nil every Publish waits for it to close.
type fakePublisher struct {
	mu        sync.Mutex
	published []*message.Message
	topics    []string
	fail      map[string]error
	gate      chan struct{}
	entered   chan struct{}
	closed    bool
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{fail: make(map[string]error)}
}

func (p *fakePublisher) Publish(topic string, messages ...*message.Message) error {
	p.mu.Lock()
	gate, entered := p.gate, p.entered
	p.mu.Unlock()
	if entered != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
	}
	if gate != nil {
		<-gate
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("publisher closed")
	}
	if err := p.fail[topic]; err != nil {
		return err
	}
	p.published = append(p.published, messages...)
	for range messages {
		p.topics = append(p.topics, topic)
	}
	return nil
}

func (p *fakePublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePublisher) failTopic(topic string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail[topic] = err
}

// hold makes every later Publish block until the returned release is called.
func (p *fakePublisher) hold() (entered <-chan struct{}, release func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gate = make(chan struct{})
	p.entered = make(chan struct{}, 16)
	gate := p.gate
	var once sync.Once
	return p.entered, func() { once.Do(func() { close(gate) }) }
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published)
}

// fakeAsyncPublisher hands each message over immediately and lets the test
// decide when and how the broker answers.
type fakeAsyncPublisher struct {
	fakePublisher

	futuresMu sync.Mutex
	futures   map[string]chan error
	handErr   error
}

func newFakeAsyncPublisher() *fakeAsyncPublisher {
	return &fakeAsyncPublisher{
		fakePublisher: fakePublisher{fail: make(map[string]error)},
		futures:       make(map[string]chan error),
	}
}

func (p *fakeAsyncPublisher) PublishAsync(topic string, msg *message.Message) (<-chan error, error) {
	if p.handErr != nil {
		return nil, p.handErr
	}
	future := make(chan error, 1)
	p.futuresMu.Lock()
	p.futures[metadatapkg.CorrelationToken(msg)] = future
	p.futuresMu.Unlock()
	return future, nil
}

func (p *fakeAsyncPublisher) resolve(t *testing.T, token string, err error) {
	t.Helper()
	p.futuresMu.Lock()
	future, ok := p.futures[token]
	delete(p.futures, token)
	p.futuresMu.Unlock()
	require.True(t, ok, "no future for token %s", token)
	future <- err
}

func (p *fakeAsyncPublisher) Close() error {
	p.futuresMu.Lock()
	defer p.futuresMu.Unlock()
	for token, future := range p.futures {
		future <- errors.New("connection closed")
		delete(p.futures, token)
	}
	return p.fakePublisher.Close()
}

// fakeSubscriber hands out channels the test can feed. Topics in refuse fail
// their next Subscribe once.
type fakeSubscriber struct {
	mu     sync.Mutex
	topics map[string]chan *message.Message
	counts map[string]int
	refuse map[string][]error
}

func newFakeSubscriber() *fakeSubscriber {
	return &fakeSubscriber{
		topics: make(map[string]chan *message.Message),
		counts: make(map[string]int),
		refuse: make(map[string][]error),
	}
}

func (s *fakeSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if queued := s.refuse[topic]; len(queued) > 0 {
		s.refuse[topic] = queued[1:]
		return nil, queued[0]
	}
	ch := make(chan *message.Message, 16)
	s.topics[topic] = ch
	s.counts[topic]++
	return ch, nil
}

func (s *fakeSubscriber) Close() error { return nil }

// deliver pushes msg to the latest subscription on topic.
func (s *fakeSubscriber) deliver(t *testing.T, topic string, msg *message.Message) {
	t.Helper()
	var ch chan *message.Message
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		ch = s.topics[topic]
		return ch != nil
	}, waitFor, tick)
	ch <- msg
}

// refuseNext makes the next Subscribe on topic fail with err. Calls queue up.
func (s *fakeSubscriber) refuseNext(topic string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refuse[topic] = append(s.refuse[topic], err)
}

func (s *fakeSubscriber) subscriptions(topic string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[topic]
}

func (d *dispatcher) handlerCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers)
}

// settled reports "ack" or "nack" once msg is settled, or "" after timeout.
func settled(msg *message.Message, timeout time.Duration) string {
	select {
	case <-msg.Acked():
		return "ack"
	case <-msg.Nacked():
		return "nack"
	case <-time.After(timeout):
		return ""
	}
}

func fixedFactory(pub message.Publisher, sub message.Subscriber, caps transport.Capabilities, notifier transport.ConnectionNotifier) transportpkg.Factory {
	return transportpkg.FactoryFunc(func(context.Context, *configpkg.Config, watermill.LoggerAdapter) (transport.Transport, transport.Capabilities, error) {
		return transport.Transport{Publisher: pub, Subscriber: sub, Notifier: notifier}, caps, nil
	})
}

// eventLog collects session events for assertions.
type eventLog struct {
	mu     sync.Mutex
	events []SessionEvent
}

func (l *eventLog) handle(ev SessionEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) ofType(t SessionEventType) []SessionEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []SessionEvent
	for _, ev := range l.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func (l *eventLog) all() []SessionEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]SessionEvent(nil), l.events...)
}

type sessionOption func(*configpkg.Config, *SessionDependencies)

func withFactory(f transportpkg.Factory) sessionOption {
	return func(_ *configpkg.Config, deps *SessionDependencies) { deps.TransportFactory = f }
}

func withRegistry(reg *prometheus.Registry) sessionOption {
	return func(_ *configpkg.Config, deps *SessionDependencies) {
		deps.Registerer = reg
		deps.Gatherer = reg
	}
}

func withConfig(fn func(*configpkg.Config)) sessionOption {
	return func(cfg *configpkg.Config, _ *SessionDependencies) { fn(cfg) }
}

// newTestSession opens a session on the in-memory channel transport unless
// a factory option says otherwise. The session is closed at cleanup.
func newTestSession(t *testing.T, opts ...sessionOption) (*Session, *eventLog) {
	t.Helper()
	cfg := testConfig()
	log := &eventLog{}
	deps := SessionDependencies{
		Registerer:    prometheus.NewRegistry(),
		EventHandlers: []SessionEventHandler{log.handle},
	}
	for _, opt := range opts {
		opt(cfg, &deps)
	}

	s, err := NewSession(context.Background(), cfg, testLogger(), deps)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, log
}

func stampedMessage(token string) *message.Message {
	msg := message.NewMessage(watermill.NewUUID(), []byte("payload"))
	metadatapkg.SetCorrelationToken(msg, token)
	return msg
}

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond
