// Package io provides a file-backed transport: an append-only log of
// line-delimited JSON records. Publish returns after the records are written
// and synced, so a nil return is the confirm.
package io

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/ackflow/internal/runtime/jsoncodec"
	"github.com/drblury/ackflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "io"

// DefaultFilePath is used when the config names no file.
const DefaultFilePath = "ackflow.log"

// PollInterval is how long a subscriber waits at end of file before reading again.
var PollInterval = 50 * time.Millisecond

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("ackflow: io log closed")

func init() {
	Register()
}

// Register registers the file transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.IOCapabilities)
}

// Build opens the log for appending and returns a transport over it.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	path := cfg.GetIOFile()
	if path == "" {
		path = DefaultFilePath
	}

	pub, err := NewPublisher(path)
	if err != nil {
		return transport.Transport{}, err
	}
	return transport.Transport{
		Publisher:  pub,
		Subscriber: NewSubscriber(path, logger),
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.IOCapabilities
}

// record is one line of the log.
type record struct {
	UUID     string            `json:"uuid"`
	Topic    string            `json:"topic"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Payload  []byte            `json:"payload"`
}

// Publisher appends records to the log file.
type Publisher struct {
	mu   sync.Mutex
	file *os.File
}

// NewPublisher opens path for appending, creating it when missing.
func NewPublisher(path string) (*Publisher, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("ackflow: open io log: %w", err)
	}
	return &Publisher{file: f}, nil
}

// Publish writes every message as one line and syncs the file. Either all
// messages reach the file in a single write or none do.
func (p *Publisher) Publish(topic string, messages ...*message.Message) error {
	var buf bytes.Buffer
	for _, msg := range messages {
		if err := jsoncodec.Encode(&buf, record{
			UUID:     msg.UUID,
			Topic:    topic,
			Metadata: msg.Metadata,
			Payload:  msg.Payload,
		}); err != nil {
			return fmt.Errorf("ackflow: encode %s: %w", msg.UUID, err)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.file == nil {
		return ErrClosed
	}
	if _, err := p.file.Write(buf.Bytes()); err != nil {
		return err
	}
	return p.file.Sync()
}

// Close closes the log file. Further publishes fail with ErrClosed.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.file == nil {
		return nil
	}
	err := p.file.Close()
	p.file = nil
	return err
}

// Subscriber tails the log and delivers the records of one topic, waiting
// for each to be acked or nacked before reading the next.
type Subscriber struct {
	path   string
	logger watermill.LoggerAdapter

	closing chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

// NewSubscriber returns a subscriber over the log at path.
func NewSubscriber(path string, logger watermill.LoggerAdapter) *Subscriber {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Subscriber{path: path, logger: logger, closing: make(chan struct{})}
}

// Subscribe starts tailing the log from the beginning.
func (s *Subscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	f, err := os.OpenFile(s.path, os.O_RDONLY|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("ackflow: open io log: %w", err)
	}

	out := make(chan *message.Message)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(out)
		defer f.Close()
		s.tail(ctx, f, topic, out)
	}()
	return out, nil
}

func (s *Subscriber) tail(ctx context.Context, f *os.File, topic string, out chan<- *message.Message) {
	reader := bufio.NewReader(f)
	var partial []byte
	for {
		chunk, err := reader.ReadBytes('\n')
		partial = append(partial, chunk...)
		if err != nil {
			// At end of file; keep the partial line and wait for the rest.
			if !s.sleep(ctx) {
				return
			}
			continue
		}

		line := partial
		partial = nil

		var rec record
		if err := jsoncodec.Unmarshal(line, &rec); err != nil {
			s.logger.Error("Skipping malformed log line", err, nil)
			continue
		}
		if rec.Topic != topic {
			continue
		}

		msg := message.NewMessage(rec.UUID, rec.Payload)
		for k, v := range rec.Metadata {
			msg.Metadata.Set(k, v)
		}
		if !s.deliver(ctx, out, msg) {
			return
		}
	}
}

func (s *Subscriber) deliver(ctx context.Context, out chan<- *message.Message, msg *message.Message) bool {
	msgCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	msg.SetContext(msgCtx)

	select {
	case out <- msg:
	case <-ctx.Done():
		return false
	case <-s.closing:
		return false
	}
	select {
	case <-msg.Acked():
	case <-msg.Nacked():
		s.logger.Debug("Message nacked", watermill.LogFields{"uuid": msg.UUID})
	case <-ctx.Done():
		return false
	case <-s.closing:
		return false
	}
	return true
}

func (s *Subscriber) sleep(ctx context.Context) bool {
	timer := time.NewTimer(PollInterval)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-s.closing:
		return false
	}
}

// Close stops every subscription and waits for them to finish.
func (s *Subscriber) Close() error {
	s.once.Do(func() { close(s.closing) })
	s.wg.Wait()
	return nil
}
