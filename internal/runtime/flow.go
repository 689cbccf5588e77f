package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/ackflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/ackflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/ackflow/internal/runtime/metadata"
)

// AckMode selects who acknowledges messages delivered on a flow.
type AckMode int

const (
	// AutoAck acks after the handler returns nil and nacks on error.
	// Unprocessable messages are acked and dropped in either mode.
	AutoAck AckMode = iota
	// ClientAck leaves Ack to the handler. A handler error still nacks.
	ClientAck
)

// FlowProperties configure a Flow.
type FlowProperties struct {
	Topic string
	// Name identifies the flow in logs and events. Defaults to the topic.
	Name    string
	AckMode AckMode
	// Exclusive flows on the same topic share deliveries: only the oldest
	// running one is active and receives messages.
	Exclusive bool
	// DeadMessageTopic receives messages whose TTL ran out before delivery.
	// Without it expired messages are acked and dropped.
	DeadMessageTopic string
}

// MessageHandler processes one delivered message.
type MessageHandler func(ctx context.Context, msg *message.Message) error

// FlowEventType names a flow state change.
type FlowEventType int

const (
	FlowUp FlowEventType = iota
	FlowActive
	FlowInactive
	FlowDown
)

func (t FlowEventType) String() string {
	switch t {
	case FlowUp:
		return "FlowUp"
	case FlowActive:
		return "FlowActive"
	case FlowInactive:
		return "FlowInactive"
	case FlowDown:
		return "FlowDown"
	default:
		return "Unknown"
	}
}

// FlowEvent reports a flow state change.
type FlowEvent struct {
	Type  FlowEventType
	Flow  string
	Topic string
	Err   error
	At    time.Time
}

// FlowEventHandler receives flow events. It must not block.
type FlowEventHandler func(FlowEvent)

// Flow consumes one topic through the session subscriber.
type Flow struct {
	session *Session
	props   FlowProperties
	handler MessageHandler
	onEvent FlowEventHandler
	logger  loggingpkg.ServiceLogger

	mu      sync.Mutex
	running bool
	active  bool
	base    context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

// CreateFlow creates and starts a flow on props.Topic. flowEvents may be nil.
func (s *Session) CreateFlow(ctx context.Context, props FlowProperties, handler MessageHandler, flowEvents FlowEventHandler) (*Flow, error) {
	if s.closed.Load() {
		return nil, errspkg.ErrSessionClosed
	}
	if props.Topic == "" {
		return nil, errspkg.ErrTopicRequired
	}
	if handler == nil {
		return nil, errspkg.ErrHandlerRequired
	}
	if props.Name == "" {
		props.Name = props.Topic
	}
	if flowEvents == nil {
		flowEvents = func(FlowEvent) {}
	}

	f := &Flow{
		session: s,
		props:   props,
		handler: handler,
		onEvent: flowEvents,
		logger:  s.Logger.With(loggingpkg.LogFields{"flow": props.Name, "topic": props.Topic}),
	}
	if err := f.Start(ctx); err != nil {
		return nil, err
	}
	return f, nil
}

// Name is the flow name.
func (f *Flow) Name() string { return f.props.Name }

// Active reports whether the flow is receiving messages.
func (f *Flow) Active() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

// Start (re)starts a stopped flow. An exclusive flow joins the back of its
// topic's group and stays inactive until every older member stops.
func (f *Flow) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return nil
	}
	if f.session.closed.Load() {
		f.mu.Unlock()
		return errspkg.ErrSessionClosed
	}
	f.running = true
	f.base = ctx
	f.mu.Unlock()

	f.emit(FlowUp, nil)

	if f.props.Exclusive && !f.session.flows.join(f) {
		f.logger.Info("Flow inactive, waiting for its turn", nil)
		f.emit(FlowInactive, nil)
		return nil
	}
	if err := f.activate(); err != nil {
		f.abandon()
		return err
	}
	return nil
}

// abandon marks a flow whose subscription failed as stopped. An exclusive
// flow leaves its group so the next member can take over.
func (f *Flow) abandon() {
	f.mu.Lock()
	f.running = false
	f.mu.Unlock()
	if f.props.Exclusive {
		promote(f.session.flows.leave(f))
	}
}

// promote activates the new head of an exclusive group, moving down the group
// while subscriptions fail.
func promote(next *Flow) {
	for next != nil {
		err := next.activate()
		if err == nil {
			return
		}
		next.logger.Error("Failed to activate flow", err, nil)
		next.mu.Lock()
		next.running = false
		next.mu.Unlock()
		next = next.session.flows.leave(next)
	}
}

func (f *Flow) activate() error {
	f.mu.Lock()
	if !f.running || f.active {
		f.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(f.base)
	msgs, err := f.session.Subscribe(ctx, f.props.Topic)
	if err != nil {
		cancel()
		f.mu.Unlock()
		f.emit(FlowDown, err)
		return fmt.Errorf("ackflow: subscribe %s: %w", f.props.Topic, err)
	}
	f.active = true
	f.cancel = cancel
	f.done = make(chan struct{})
	done := f.done
	f.mu.Unlock()

	go f.consume(ctx, msgs, done)
	f.logger.Info("Flow active", nil)
	f.emit(FlowActive, nil)
	return nil
}

func (f *Flow) consume(ctx context.Context, msgs <-chan *message.Message, done chan struct{}) {
	defer close(done)
	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			f.handle(ctx, msg)
		case <-ctx.Done():
			return
		}
	}
}

func (f *Flow) handle(ctx context.Context, msg *message.Message) {
	if MessageExpired(msg, time.Now()) {
		f.expire(msg)
		return
	}

	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("ackflow: flow handler panic: %v", r)
			}
		}()
		err = f.handler(ctx, msg)
	}()

	var unprocessable *errspkg.UnprocessableError
	switch {
	case err == nil:
		if f.props.AckMode == AutoAck {
			msg.Ack()
		}
	case errors.As(err, &unprocessable):
		f.logger.Error("Dropping unprocessable message", err, loggingpkg.LogFields{"message_uuid": msg.UUID})
		msg.Ack()
	default:
		f.logger.Error("Flow handler failed", err, loggingpkg.LogFields{"message_uuid": msg.UUID})
		msg.Nack()
	}
}

// expire settles a message whose TTL ran out without handing it to the
// handler.
func (f *Flow) expire(msg *message.Message) {
	fields := loggingpkg.LogFields{"message_uuid": msg.UUID}
	if f.props.DeadMessageTopic == "" {
		f.logger.Info("Dropping expired message", fields)
		msg.Ack()
		return
	}

	fields["dead_message_topic"] = f.props.DeadMessageTopic
	dead := msg.Copy()
	dead.Metadata.Set(metadatapkg.KeyDeadReason, "ttl_expired")
	if err := f.session.Publisher().Publish(f.props.DeadMessageTopic, dead); err != nil {
		f.logger.Error("Failed to move expired message", err, fields)
		msg.Nack()
		return
	}
	f.logger.Info("Moved expired message", fields)
	msg.Ack()
}

// Stop stops consuming and waits for the in-flight handler to return. The
// next member of an exclusive group becomes active.
func (f *Flow) Stop() error {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return nil
	}
	f.running = false
	f.active = false
	cancel, done := f.cancel, f.done
	f.cancel, f.done = nil, nil
	f.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	if f.props.Exclusive {
		promote(f.session.flows.leave(f))
	}
	f.emit(FlowDown, nil)
	return nil
}

func (f *Flow) emit(t FlowEventType, err error) {
	f.onEvent(FlowEvent{
		Type:  t,
		Flow:  f.props.Name,
		Topic: f.props.Topic,
		Err:   err,
		At:    time.Now(),
	})
}

// flowGroups tracks exclusive flows per topic in start order.
type flowGroups struct {
	mu     sync.Mutex
	groups map[string][]*Flow
}

func newFlowGroups() *flowGroups {
	return &flowGroups{groups: make(map[string][]*Flow)}
}

// join appends f and reports whether it is at the head.
func (g *flowGroups) join(f *Flow) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	members := append(g.groups[f.props.Topic], f)
	g.groups[f.props.Topic] = members
	return members[0] == f
}

// leave removes f and returns the new head when f was the head.
func (g *flowGroups) leave(f *Flow) *Flow {
	g.mu.Lock()
	defer g.mu.Unlock()
	members := g.groups[f.props.Topic]
	for i, m := range members {
		if m != f {
			continue
		}
		members = append(members[:i], members[i+1:]...)
		if len(members) == 0 {
			delete(g.groups, f.props.Topic)
			return nil
		}
		g.groups[f.props.Topic] = members
		if i == 0 {
			return members[0]
		}
		return nil
	}
	return nil
}
