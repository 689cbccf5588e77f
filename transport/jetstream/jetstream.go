// Package jetstream provides the NATS JetStream transport. Every publish is
// stored by the stream and confirmed with a PubAck, which makes it the natural
// backend for guaranteed publishing: PublishAsync hands the message over and
// reports the broker outcome later.
package jetstream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"
	natsjs "github.com/nats-io/nats.go/jetstream"

	metadatapkg "github.com/drblury/ackflow/internal/runtime/metadata"
	"github.com/drblury/ackflow/transport"
	natstransport "github.com/drblury/ackflow/transport/nats"
)

// TransportName is the name used to register this transport.
const TransportName = "nats-jetstream"

const (
	// DefaultStreamName is used when the config names no stream.
	DefaultStreamName = "ACKFLOW"
	// DefaultMaxPending bounds async publishes awaiting a PubAck.
	DefaultMaxPending = 256
	// DefaultAckWait is how long consumers wait for an ack before redelivery.
	DefaultAckWait = 30 * time.Second

	headerUUID = "Ackflow-Uuid"
)

var errClosed = errors.New("jetstream: transport is closed")

// Connect dials NATS. Tests replace it to avoid a live server.
var Connect = natsgo.Connect

// NewJetStream wraps a connection in a JetStream context.
var NewJetStream = func(nc *natsgo.Conn, opts ...natsjs.JetStreamOpt) (natsjs.JetStream, error) {
	return natsjs.New(nc, opts...)
}

func init() {
	Register()
}

// Register registers the JetStream transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.NATSJetStreamCapabilities)
}

// Build creates a new NATS JetStream transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	feed := transport.NewConnectionFeed()
	t, err := New(ctx, Config{
		URL:        cfg.GetNATSURL(),
		StreamName: cfg.GetJetStreamStream(),
		Options:    natstransport.ConnectionOptions(cfg, feed, logger),
	}, feed, logger)
	if err != nil {
		feed.Close()
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:  t,
		Subscriber: t,
		Notifier:   feed,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.NATSJetStreamCapabilities
}

// Config holds JetStream-specific configuration.
type Config struct {
	URL string
	// StreamName is the stream capturing "<StreamName>.>" subjects.
	StreamName string
	// MaxPending bounds in-flight async publishes.
	MaxPending int
	AckWait    time.Duration
	Options    []natsgo.Option
}

func (c Config) withDefaults() Config {
	if c.URL == "" {
		c.URL = natsgo.DefaultURL
	}
	if c.StreamName == "" {
		c.StreamName = DefaultStreamName
	}
	if c.MaxPending <= 0 {
		c.MaxPending = DefaultMaxPending
	}
	if c.AckWait <= 0 {
		c.AckWait = DefaultAckWait
	}
	return c
}

// Transport implements message.Publisher, message.Subscriber and
// transport.AsyncPublisher over one NATS connection.
type Transport struct {
	nc     *natsgo.Conn
	js     natsjs.JetStream
	config Config
	logger watermill.LoggerAdapter
	feed   *transport.ConnectionFeed

	mu      sync.Mutex
	cancels []context.CancelFunc
	closed  bool
	closing chan struct{}
	wg      sync.WaitGroup
}

// New connects, creates the JetStream context and ensures the stream exists.
// feed may be nil.
func New(ctx context.Context, cfg Config, feed *transport.ConnectionFeed, logger watermill.LoggerAdapter) (*Transport, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	nc, err := Connect(cfg.URL, cfg.Options...)
	if err != nil {
		return nil, fmt.Errorf("jetstream: connect: %w", err)
	}

	js, err := NewJetStream(nc, natsjs.WithPublishAsyncMaxPending(cfg.MaxPending))
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream: create context: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, natsjs.StreamConfig{
		Name:     cfg.StreamName,
		Subjects: []string{cfg.StreamName + ".>"},
		Storage:  natsjs.FileStorage,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream: ensure stream %s: %w", cfg.StreamName, err)
	}

	return &Transport{
		nc:      nc,
		js:      js,
		config:  cfg,
		logger:  logger,
		feed:    feed,
		closing: make(chan struct{}),
	}, nil
}

// Publish stores messages synchronously, one PubAck per message.
func (t *Transport) Publish(topic string, messages ...*message.Message) error {
	if t.isClosed() {
		return errClosed
	}
	for _, msg := range messages {
		ctx := msg.Context()
		if _, err := t.js.PublishMsg(ctx, t.toNATS(topic, msg), natsjs.WithMsgID(msgID(msg))); err != nil {
			return fmt.Errorf("jetstream: publish %s: %w", topic, err)
		}
	}
	return nil
}

// PublishAsync implements transport.AsyncPublisher.
func (t *Transport) PublishAsync(topic string, msg *message.Message) (<-chan error, error) {
	if t.isClosed() {
		return nil, errClosed
	}
	future, err := t.js.PublishMsgAsync(t.toNATS(topic, msg), natsjs.WithMsgID(msgID(msg)))
	if err != nil {
		return nil, fmt.Errorf("jetstream: publish %s: %w", topic, err)
	}

	result := make(chan error, 1)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		result <- awaitAck(future, t.closing)
	}()
	return result, nil
}

// ackFuture is the part of natsjs.PubAckFuture awaitAck needs.
type ackFuture interface {
	Ok() <-chan *natsjs.PubAck
	Err() <-chan error
}

func awaitAck(future ackFuture, closing <-chan struct{}) error {
	select {
	case <-future.Ok():
		return nil
	case err := <-future.Err():
		if err == nil {
			err = errors.New("jetstream: publish failed")
		}
		return err
	case <-closing:
		return errClosed
	}
}

// Subscribe creates (or reuses) a durable consumer for topic and streams its
// messages. Acked messages are acked on the stream, nacked ones redelivered.
func (t *Transport) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, errClosed
	}
	subCtx, cancel := context.WithCancel(ctx)
	t.cancels = append(t.cancels, cancel)
	t.mu.Unlock()

	consumer, err := t.js.CreateOrUpdateConsumer(subCtx, t.config.StreamName, natsjs.ConsumerConfig{
		Durable:       consumerName(topic),
		FilterSubject: t.subject(topic),
		AckPolicy:     natsjs.AckExplicitPolicy,
		AckWait:       t.config.AckWait,
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("jetstream: create consumer for %s: %w", topic, err)
	}

	output := make(chan *message.Message)
	var outMu sync.RWMutex
	outClosed := false

	cc, err := consumer.Consume(func(jm natsjs.Msg) {
		outMu.RLock()
		if outClosed {
			outMu.RUnlock()
			_ = jm.Nak()
			return
		}
		msg := fromNATS(jm.Data(), jm.Headers())
		msg.SetContext(subCtx)
		select {
		case output <- msg:
		case <-subCtx.Done():
			outMu.RUnlock()
			_ = jm.Nak()
			return
		}
		outMu.RUnlock()

		select {
		case <-msg.Acked():
			if err := jm.Ack(); err != nil {
				t.logger.Error("JetStream ack failed", err, watermill.LogFields{"topic": topic})
			}
		case <-msg.Nacked():
			if err := jm.Nak(); err != nil {
				t.logger.Error("JetStream nak failed", err, watermill.LogFields{"topic": topic})
			}
		case <-subCtx.Done():
		}
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("jetstream: consume %s: %w", topic, err)
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		<-subCtx.Done()
		cc.Stop()
		outMu.Lock()
		outClosed = true
		close(output)
		outMu.Unlock()
	}()

	return output, nil
}

// Close waits briefly for outstanding PubAcks, stops consumers and closes the
// connection.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	cancels := t.cancels
	t.cancels = nil
	t.mu.Unlock()

	select {
	case <-t.js.PublishAsyncComplete():
	case <-time.After(t.config.AckWait):
	}
	close(t.closing)
	for _, cancel := range cancels {
		cancel()
	}
	t.wg.Wait()

	t.nc.Close()
	if t.feed != nil {
		t.feed.Close()
	}
	return nil
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Transport) subject(topic string) string {
	return t.config.StreamName + "." + topic
}

func (t *Transport) toNATS(topic string, msg *message.Message) *natsgo.Msg {
	header := natsgo.Header{}
	for k, v := range msg.Metadata {
		header.Set(k, v)
	}
	header.Set(headerUUID, msg.UUID)
	return &natsgo.Msg{
		Subject: t.subject(topic),
		Data:    msg.Payload,
		Header:  header,
	}
}

func fromNATS(data []byte, header natsgo.Header) *message.Message {
	msg := message.NewMessage(header.Get(headerUUID), data)
	if msg.UUID == "" {
		msg.UUID = watermill.NewUUID()
	}
	for k, v := range header {
		if k == headerUUID || len(v) == 0 {
			continue
		}
		msg.Metadata.Set(k, v[0])
	}
	return msg
}

// msgID is the JetStream de-duplication id: the correlation token when the
// message is tracked, so a resubmission under a fresh token is stored again.
func msgID(msg *message.Message) string {
	if token := metadatapkg.CorrelationToken(msg); token != "" {
		return token
	}
	return msg.UUID
}

func consumerName(topic string) string {
	return "ackflow_" + strings.NewReplacer(".", "_", "*", "_", ">", "_").Replace(topic)
}
