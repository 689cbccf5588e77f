package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	errspkg "github.com/drblury/ackflow/internal/runtime/errors"
	idspkg "github.com/drblury/ackflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/ackflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/ackflow/internal/runtime/metadata"
)

// DefaultRequestTimeout applies when Request is called without a timeout.
const DefaultRequestTimeout = 5 * time.Second

// Requester sends requests and waits for the matching reply on a private
// inbox topic.
type Requester struct {
	session *Session
	inbox   string
	logger  loggingpkg.ServiceLogger

	mu      sync.Mutex
	waiting map[string]chan *message.Message

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRequester subscribes to a fresh inbox below prefix.
func NewRequester(ctx context.Context, session *Session, prefix string) (*Requester, error) {
	if session == nil {
		return nil, errspkg.ErrSessionRequired
	}
	if ctx == nil {
		ctx = context.Background()
	}
	inbox := idspkg.NewInboxName(prefix)

	subCtx, cancel := context.WithCancel(ctx)
	replies, err := session.Subscribe(subCtx, inbox)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("ackflow: subscribe inbox: %w", err)
	}

	r := &Requester{
		session: session,
		inbox:   inbox,
		logger:  session.Logger.With(loggingpkg.LogFields{"inbox": inbox}),
		waiting: make(map[string]chan *message.Message),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go r.receive(subCtx, replies)
	return r, nil
}

// Inbox is the topic replies are expected on.
func (r *Requester) Inbox() string { return r.inbox }

// Request publishes msg on topic and waits for the reply carrying the same
// correlation id. It returns ErrRequestTimeout when no reply arrives within
// timeout.
func (r *Requester) Request(ctx context.Context, topic string, msg *message.Message, timeout time.Duration) (*message.Message, error) {
	if topic == "" {
		return nil, errspkg.ErrTopicRequired
	}
	if msg == nil {
		return nil, errspkg.ErrMessageRequired
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	id := idspkg.CreateULID()
	metadatapkg.Apply(msg, metadatapkg.Metadata{
		metadatapkg.KeyCorrelationID: id,
		metadatapkg.KeyReplyTo:       r.inbox,
	})
	middleware.SetCorrelationID(id, msg)

	reply := make(chan *message.Message, 1)
	r.mu.Lock()
	r.waiting[id] = reply
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.waiting, id)
		r.mu.Unlock()
	}()

	msg.SetContext(ctx)
	if err := r.session.Publisher().Publish(topic, msg); err != nil {
		return nil, fmt.Errorf("ackflow: send request: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case m := <-reply:
		return m, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w after %s (topic %q)", errspkg.ErrRequestTimeout, timeout, topic)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.done:
		return nil, errspkg.ErrSessionClosed
	}
}

func (r *Requester) receive(ctx context.Context, replies <-chan *message.Message) {
	defer close(r.done)
	for {
		select {
		case msg, ok := <-replies:
			if !ok {
				return
			}
			r.route(msg)
			msg.Ack()
		case <-ctx.Done():
			return
		}
	}
}

func (r *Requester) route(msg *message.Message) {
	id := msg.Metadata.Get(metadatapkg.KeyCorrelationID)
	r.mu.Lock()
	waiter, ok := r.waiting[id]
	r.mu.Unlock()
	if !ok {
		r.logger.Debug("Dropping reply without a waiting request", loggingpkg.LogFields{
			"correlation_id": id,
			"message_uuid":   msg.UUID,
		})
		return
	}
	select {
	case waiter <- msg:
	default:
	}
}

// Close stops listening on the inbox. Pending requests fail.
func (r *Requester) Close() error {
	r.cancel()
	<-r.done
	return nil
}

// ReplyHandler builds the reply to a request. Returning a nil message sends
// no reply.
type ReplyHandler func(req *message.Message) (*message.Message, error)

// Replier answers requests arriving on one topic. It runs a Watermill router
// so middlewares such as correlation id propagation and panic recovery apply.
type Replier struct {
	session *Session
	topic   string
	reply   ReplyHandler
	router  *message.Router
	handler *message.Handler
	tracer  trace.Tracer
	logger  loggingpkg.ServiceLogger
}

// NewReplier prepares a replier with DefaultReplierMiddlewares; call Serve
// to start answering.
func NewReplier(session *Session, topic string, reply ReplyHandler) (*Replier, error) {
	if session == nil {
		return nil, errspkg.ErrSessionRequired
	}
	if topic == "" {
		return nil, errspkg.ErrTopicRequired
	}
	if reply == nil {
		return nil, errspkg.ErrHandlerRequired
	}

	wmLogger := loggingpkg.NewWatermillAdapter(session.Logger)
	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: session.Conf.ShutdownGrace}, wmLogger)
	if err != nil {
		return nil, err
	}

	r := &Replier{
		session: session,
		topic:   topic,
		reply:   reply,
		router:  router,
		tracer:  otel.Tracer(tracerName),
		logger:  session.Logger.With(loggingpkg.LogFields{"replier": topic}),
	}
	r.handler = router.AddNoPublisherHandler("ackflow_replier_"+topic, topic, borrowedSubscriber{session}, r.handle)
	for _, mw := range DefaultReplierMiddlewares() {
		if err := r.Use(mw); err != nil {
			return nil, fmt.Errorf("ackflow: replier middleware %s: %w", mw.Name, err)
		}
	}
	return r, nil
}

// Serve answers requests until ctx is cancelled or Close is called.
func (r *Replier) Serve(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return r.router.Run(ctx)
}

// Running is closed once the replier is subscribed.
func (r *Replier) Running() chan struct{} {
	return r.router.Running()
}

// Close stops the router.
func (r *Replier) Close() error {
	return r.router.Close()
}

func (r *Replier) handle(req *message.Message) error {
	replyTo := req.Metadata.Get(metadatapkg.KeyReplyTo)
	if replyTo == "" {
		r.logger.Info("Request has no reply topic, dropping", loggingpkg.LogFields{"message_uuid": req.UUID})
		return nil
	}

	reply, err := r.reply(req)
	if err != nil {
		return err
	}
	if reply == nil {
		return nil
	}

	if reply.Metadata == nil {
		reply.Metadata = make(message.Metadata)
	}
	reply.Metadata.Set(metadatapkg.KeyCorrelationID, req.Metadata.Get(metadatapkg.KeyCorrelationID))
	middleware.SetCorrelationID(middleware.MessageCorrelationID(req), reply)
	reply.SetContext(req.Context())
	return r.session.Publisher().Publish(replyTo, reply)
}

// borrowedSubscriber lends the session subscriber to a router. The router
// closes its subscribers on shutdown; the session still owns this one.
type borrowedSubscriber struct {
	session *Session
}

func (b borrowedSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return b.session.Subscribe(ctx, topic)
}

func (b borrowedSubscriber) Close() error { return nil }
