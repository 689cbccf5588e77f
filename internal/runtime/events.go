package runtime

import (
	"sync"
	"time"

	loggingpkg "github.com/drblury/ackflow/internal/runtime/logging"
)

// SessionEventType names what happened on a session.
type SessionEventType int

const (
	// EventAcknowledgement reports that the broker stored a message.
	EventAcknowledgement SessionEventType = iota
	// EventRejectedMessage reports that the broker refused a message.
	EventRejectedMessage
	// EventReconnecting reports a lost connection the transport is retrying.
	EventReconnecting
	// EventReconnected reports that a reconnect succeeded.
	EventReconnected
	// EventDown reports that the session gave up on the broker.
	EventDown
	// EventUp is emitted once when the session is ready.
	EventUp
)

func (t SessionEventType) String() string {
	switch t {
	case EventAcknowledgement:
		return "Acknowledgement"
	case EventRejectedMessage:
		return "RejectedMessageError"
	case EventReconnecting:
		return "Reconnecting"
	case EventReconnected:
		return "Reconnected"
	case EventDown:
		return "DownError"
	case EventUp:
		return "UpNotice"
	default:
		return "Unknown"
	}
}

// SessionEvent is delivered to every SessionEventHandler on the session's
// dispatcher goroutine.
type SessionEvent struct {
	Type  SessionEventType
	Token string
	Topic string
	Err   error
	At    time.Time
}

// SessionEventHandler receives session events. It runs on the dispatcher
// goroutine and must return quickly: a slow handler delays every later event.
type SessionEventHandler func(SessionEvent)

// dispatcher owns the bounded event channel and the goroutine draining it.
type dispatcher struct {
	events chan SessionEvent
	logger loggingpkg.ServiceLogger

	mu       sync.RWMutex
	handlers []registeredHandler
	nextID   uint64

	closeOnce sync.Once
	closing   chan struct{}
	done      chan struct{}
}

func newDispatcher(buffer int, logger loggingpkg.ServiceLogger) *dispatcher {
	if buffer <= 0 {
		buffer = 1
	}
	d := &dispatcher{
		events:  make(chan SessionEvent, buffer),
		logger:  logger,
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go d.run()
	return d
}

type registeredHandler struct {
	id     uint64
	handle SessionEventHandler
}

// addHandler appends h and returns the function that removes it. The slice is
// never modified in place, so deliver can range over a snapshot.
func (d *dispatcher) addHandler(h SessionEventHandler) func() {
	if h == nil {
		return func() {}
	}
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	handlers := make([]registeredHandler, len(d.handlers), len(d.handlers)+1)
	copy(handlers, d.handlers)
	d.handlers = append(handlers, registeredHandler{id: id, handle: h})
	d.mu.Unlock()
	return func() { d.removeHandler(id) }
}

func (d *dispatcher) removeHandler(id uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	kept := make([]registeredHandler, 0, len(d.handlers))
	for _, rh := range d.handlers {
		if rh.id != id {
			kept = append(kept, rh)
		}
	}
	d.handlers = kept
}

// emit queues ev, waiting for buffer space. It reports false once the
// dispatcher is closing; the event is then dropped.
func (d *dispatcher) emit(ev SessionEvent) bool {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	select {
	case <-d.closing:
		return false
	default:
	}
	select {
	case d.events <- ev:
		return true
	case <-d.closing:
		return false
	}
}

func (d *dispatcher) run() {
	defer close(d.done)
	for {
		select {
		case ev := <-d.events:
			d.deliver(ev)
		case <-d.closing:
			// Deliver what was queued before close.
			for {
				select {
				case ev := <-d.events:
					d.deliver(ev)
				default:
					return
				}
			}
		}
	}
}

func (d *dispatcher) deliver(ev SessionEvent) {
	d.mu.RLock()
	handlers := d.handlers
	d.mu.RUnlock()

	for _, rh := range handlers {
		d.safeCall(rh.handle, ev)
	}
}

func (d *dispatcher) safeCall(h SessionEventHandler, ev SessionEvent) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Session event handler panicked", nil, loggingpkg.LogFields{
				"event": ev.Type.String(),
				"panic": r,
			})
		}
	}()
	h(ev)
}

// close stops accepting events and waits until the queued ones are delivered.
func (d *dispatcher) close() {
	d.closeOnce.Do(func() { close(d.closing) })
	<-d.done
}
