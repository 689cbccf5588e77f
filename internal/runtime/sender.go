package runtime

import (
	"context"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/ackflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/ackflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/ackflow/internal/runtime/metadata"
)

// Send hands msg to the transport. A nil return means the message was
// accepted for sending; its broker outcome arrives later as an
// Acknowledgement or RejectedMessageError event carrying the correlation
// token found in the message metadata. Messages still queued when the
// session closes were never sent and get no event.
//
// Transports with asynchronous confirms publish directly. The others go
// through the send queue, whose workers turn the Publish result into the
// event.
func (s *Session) Send(ctx context.Context, topic string, msg *message.Message) error {
	// Close takes the write lock before draining, so nothing is handed over
	// behind its back.
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	if s.closed.Load() {
		return errspkg.ErrSessionClosed
	}
	if topic == "" {
		return errspkg.ErrTopicRequired
	}
	if msg == nil {
		return errspkg.ErrMessageRequired
	}
	if ctx != nil {
		msg.SetContext(ctx)
	}
	stampExpiry(msg, time.Now())
	if s.async != nil {
		return s.sendAsync(topic, msg)
	}
	return s.sender.enqueue(ctx, sendJob{topic: topic, msg: msg})
}

func (s *Session) sendAsync(topic string, msg *message.Message) error {
	outcome, err := s.async.PublishAsync(topic, msg)
	if err != nil {
		return err
	}
	token := metadatapkg.CorrelationToken(msg)
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		s.emitOutcome(token, topic, <-outcome)
	}()
	return nil
}

func (s *Session) emitOutcome(token, topic string, err error) {
	ev := SessionEvent{Type: EventAcknowledgement, Token: token, Topic: topic}
	if err != nil {
		ev.Type = EventRejectedMessage
		ev.Err = err
		s.Logger.Debug("Message rejected", loggingpkg.LogFields{
			"token": token,
			"topic": topic,
			"error": err.Error(),
		})
	}
	s.events.emit(ev)
}

type sendJob struct {
	topic string
	msg   *message.Message
}

// sendQueue is the bounded queue in front of a synchronous publisher. With
// more than one worker, outcomes can be reported out of submission order.
type sendQueue struct {
	session  *Session
	jobs     chan sendJob
	blocking bool

	stop chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

func newSendQueue(s *Session, size, workers int, blocking bool) *sendQueue {
	if size <= 0 {
		size = 1
	}
	if workers <= 0 {
		workers = 1
	}
	q := &sendQueue{
		session:  s,
		jobs:     make(chan sendJob, size),
		blocking: blocking,
		stop:     make(chan struct{}),
	}
	q.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go q.work()
	}
	return q
}

func (q *sendQueue) enqueue(ctx context.Context, job sendJob) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if !q.blocking {
		select {
		case q.jobs <- job:
			return nil
		case <-q.session.closing:
			return errspkg.ErrSessionClosed
		default:
			return errspkg.ErrWouldBlock
		}
	}
	select {
	case q.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.session.closing:
		return errspkg.ErrSessionClosed
	}
}

func (q *sendQueue) work() {
	defer q.wg.Done()
	for {
		// Stopping wins over queued jobs.
		select {
		case <-q.stop:
			return
		default:
		}
		select {
		case job := <-q.jobs:
			q.publish(job)
		case <-q.stop:
			return
		}
	}
}

func (q *sendQueue) publish(job sendJob) {
	err := q.session.publisher.Publish(job.topic, job.msg)
	q.session.emitOutcome(metadatapkg.CorrelationToken(job.msg), job.topic, err)
}

func (q *sendQueue) dropQueued() int {
	dropped := 0
	for {
		select {
		case <-q.jobs:
			dropped++
		default:
			return dropped
		}
	}
}

// close stops the workers after the publish each one is running and discards
// whatever is still queued. Discarded messages never reached the broker, so
// no outcome is emitted for them.
func (q *sendQueue) close() {
	q.once.Do(func() { close(q.stop) })
	q.wg.Wait()
	if dropped := q.dropQueued(); dropped > 0 {
		q.session.Logger.Info("Discarding unsent messages", loggingpkg.LogFields{"count": dropped})
	}
}
