// Package correlator matches asynchronous publish acknowledgements back to the
// messages that caused them.
//
// A Correlator keeps every in-flight message in a list ordered by submission.
// The transport's event goroutine marks records as acknowledged through
// OnAcknowledge, which only flips flags under the lock. The submitting
// goroutine later calls DrainAcknowledged, which releases the acknowledged
// prefix of the list and stops at the first record still waiting. A record
// acknowledged ahead of an older one therefore stays in the list until the
// older one is acknowledged too.
package correlator

import (
	"container/list"
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/ackflow/internal/runtime/errors"
	idspkg "github.com/drblury/ackflow/internal/runtime/ids"
	metadatapkg "github.com/drblury/ackflow/internal/runtime/metadata"
)

// Sender is the transport send primitive. A non-nil error means the message
// was not handed over and no acknowledgement will follow.
type Sender interface {
	Send(ctx context.Context, topic string, msg *message.Message) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, topic string, msg *message.Message) error

func (f SenderFunc) Send(ctx context.Context, topic string, msg *message.Message) error {
	return f(ctx, topic, msg)
}

// Option customises a Correlator.
type Option func(*Correlator)

// WithReleaseHook registers fn to run for every record released by
// DrainAcknowledged or Teardown. It runs on the releasing goroutine, outside
// the lock.
func WithReleaseHook(fn func(Record)) Option {
	return func(c *Correlator) {
		if fn != nil {
			c.release = fn
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Correlator) {
		if now != nil {
			c.now = now
		}
	}
}

// WithTokenSource overrides correlation token generation. Tokens must be
// unique among in-flight records.
func WithTokenSource(next func() string) Option {
	return func(c *Correlator) {
		if next != nil {
			c.newToken = next
		}
	}
}

// Correlator is owned by a single sending session.
type Correlator struct {
	sender Sender

	mu      sync.Mutex
	order   *list.List
	index   map[string]*list.Element
	nextSeq uint64
	closed  bool

	release  func(Record)
	now      func() time.Time
	newToken func() string
}

// New returns a Correlator that hands messages to sender.
func New(sender Sender, opts ...Option) (*Correlator, error) {
	if sender == nil {
		return nil, errspkg.ErrSenderRequired
	}
	c := &Correlator{
		sender:   sender,
		order:    list.New(),
		index:    make(map[string]*list.Element),
		release:  func(Record) {},
		now:      time.Now,
		newToken: idspkg.NewCorrelationToken,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Submit registers a pending record for msg, stamps the correlation token on
// its metadata and sends it. The record is queued before the send so an
// acknowledgement racing the return of Send still finds it. When Send fails
// the record is withdrawn and the error matches errors.ErrSendRejected.
func (c *Correlator) Submit(ctx context.Context, topic string, msg *message.Message) (string, error) {
	if topic == "" {
		return "", errspkg.ErrTopicRequired
	}
	if msg == nil {
		return "", errspkg.ErrMessageRequired
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", errspkg.ErrCorrelatorClosed
	}
	token := c.newToken()
	rec := &Record{
		Token:       token,
		Sequence:    c.nextSeq,
		Topic:       topic,
		Message:     msg,
		SubmittedAt: c.now(),
	}
	c.nextSeq++
	metadatapkg.Apply(msg, metadatapkg.Metadata{
		metadatapkg.KeyCorrelationToken: token,
		metadatapkg.KeySequence:         strconv.FormatUint(rec.Sequence, 10),
	})
	c.index[token] = c.order.PushBack(rec)
	c.mu.Unlock()

	if err := c.sender.Send(ctx, topic, msg); err != nil {
		c.withdraw(token)
		return "", &errspkg.SendRejectedError{Topic: topic, Err: err}
	}
	return token, nil
}

func (c *Correlator) withdraw(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.index[token]; ok {
		c.order.Remove(el)
		delete(c.index, token)
	}
}

// OnAcknowledge records the broker outcome for token. It is safe to call from
// the transport event goroutine: it never blocks beyond the internal lock and
// never calls back into the transport. Unknown tokens and repeated
// acknowledgements are ignored; the return value reports whether a pending
// record changed.
func (c *Correlator) OnAcknowledge(token string, accepted bool) bool {
	return c.acknowledge(token, accepted, nil)
}

// OnReject is OnAcknowledge(token, false) with the rejection cause kept on the
// record.
func (c *Correlator) OnReject(token string, cause error) bool {
	return c.acknowledge(token, false, cause)
}

func (c *Correlator) acknowledge(token string, accepted bool, cause error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.index[token]
	if !ok {
		return false
	}
	rec := el.Value.(*Record)
	if rec.Acked {
		return false
	}
	rec.Acked = true
	rec.Accepted = accepted
	rec.AckedAt = c.now()
	if !accepted {
		rec.Cause = cause
	}
	return true
}

// DrainAcknowledged removes acknowledged records from the head of the list in
// submission order and returns them. It stops at the first record that has
// not been acknowledged yet.
func (c *Correlator) DrainAcknowledged() []Record {
	c.mu.Lock()
	var drained []Record
	for el := c.order.Front(); el != nil; el = c.order.Front() {
		rec := el.Value.(*Record)
		if !rec.Acked {
			break
		}
		c.order.Remove(el)
		delete(c.index, rec.Token)
		drained = append(drained, *rec)
	}
	c.mu.Unlock()

	for _, rec := range drained {
		c.release(rec)
	}
	return drained
}

// Teardown releases every remaining record without waiting for outstanding
// acknowledgements and closes the correlator. The outcome of records that were
// still unacknowledged is unknown to the application.
func (c *Correlator) Teardown() []Record {
	c.mu.Lock()
	c.closed = true
	released := make([]Record, 0, c.order.Len())
	for el := c.order.Front(); el != nil; el = el.Next() {
		released = append(released, *el.Value.(*Record))
	}
	c.order.Init()
	c.index = make(map[string]*list.Element)
	c.mu.Unlock()

	for _, rec := range released {
		c.release(rec)
	}
	return released
}

// Len is the number of records still held.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Outstanding is the number of held records without an acknowledgement.
func (c *Correlator) Outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for el := c.order.Front(); el != nil; el = el.Next() {
		if !el.Value.(*Record).Acked {
			n++
		}
	}
	return n
}

// Pending returns a copy of the held records in submission order.
func (c *Correlator) Pending() []Record {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Record, 0, c.order.Len())
	for el := c.order.Front(); el != nil; el = el.Next() {
		out = append(out, *el.Value.(*Record))
	}
	return out
}

// Closed reports whether Teardown has run.
func (c *Correlator) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
