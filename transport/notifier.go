package transport

import (
	"sync"
	"time"
)

const defaultFeedBuffer = 16

// ConnectionFeed is a ConnectionNotifier that backends feed from their client
// library callbacks. Emit never blocks: when the buffer is full the oldest
// buffered event is evicted so the latest state always reaches the session.
type ConnectionFeed struct {
	mu     sync.Mutex
	ch     chan ConnectionEvent
	closed bool
	now    func() time.Time
}

// NewConnectionFeed returns a feed with a small buffer.
func NewConnectionFeed() *ConnectionFeed {
	return &ConnectionFeed{
		ch:  make(chan ConnectionEvent, defaultFeedBuffer),
		now: time.Now,
	}
}

// Emit publishes a state change. It returns false only when the feed is
// closed.
func (f *ConnectionFeed) Emit(state ConnectionState, err error) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	event := ConnectionEvent{State: state, Err: err, At: f.now()}
	for {
		select {
		case f.ch <- event:
			return true
		default:
		}
		select {
		case <-f.ch:
		default:
		}
	}
}

// ConnectionEvents implements ConnectionNotifier.
func (f *ConnectionFeed) ConnectionEvents() <-chan ConnectionEvent {
	return f.ch
}

// Close closes the event channel. It is safe to call more than once.
func (f *ConnectionFeed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	close(f.ch)
}
