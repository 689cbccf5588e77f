package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/components/metrics"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	configpkg "github.com/drblury/ackflow/internal/runtime/config"
	errspkg "github.com/drblury/ackflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/ackflow/internal/runtime/logging"
	transportpkg "github.com/drblury/ackflow/internal/runtime/transport"
	"github.com/drblury/ackflow/transport"
)

// SessionDependencies holds the optional collaborators of a Session. Leave
// fields nil to use the defaults.
type SessionDependencies struct {
	TransportFactory transportpkg.Factory
	// Registerer receives the transport and publish metrics. Defaults to
	// prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer
	// Gatherer backs the /metrics endpoint. Defaults to
	// prometheus.DefaultGatherer.
	Gatherer      prometheus.Gatherer
	EventHandlers []SessionEventHandler
}

// Session owns one transport connection, the goroutine that delivers its
// events and the workers that send on its behalf. Create it with NewSession
// and pass it to publishers, flows and requesters explicitly.
type Session struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	publisher  message.Publisher
	subscriber message.Subscriber
	async      transport.AsyncPublisher
	caps       transport.Capabilities

	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer
	metricsSrv *http.Server

	events *dispatcher
	sender *sendQueue
	flows  *flowGroups

	stateMu sync.Mutex
	state   transport.ConnectionState
	stateCh chan struct{}

	sendMu    sync.RWMutex
	closed    atomic.Bool
	closing   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
	pending   sync.WaitGroup
	watchers  sync.WaitGroup
}

// NewSession builds the transport selected by conf and starts the event
// dispatcher and send workers. An UpNotice event is the first event every
// handler sees.
func NewSession(ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger, deps SessionDependencies) (*Session, error) {
	if err := configpkg.ValidateConfig(conf); err != nil {
		return nil, err
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}

	log = log.With(loggingpkg.LogFields{"pubsub_system": conf.PubSubSystem})
	log.Info("Creating session", loggingpkg.LogFields{"config": conf})

	factory := deps.TransportFactory
	if factory == nil {
		factory = transportpkg.DefaultFactory()
	}
	t, caps, err := factory.Build(ctx, conf, loggingpkg.NewWatermillAdapter(log))
	if err != nil {
		return nil, err
	}

	s := &Session{
		Conf:       conf,
		Logger:     log,
		publisher:  t.Publisher,
		subscriber: t.Subscriber,
		caps:       caps,
		registerer: deps.Registerer,
		gatherer:   deps.Gatherer,
		state:      transport.Connected,
		stateCh:    make(chan struct{}),
		closing:    make(chan struct{}),
		done:       make(chan struct{}),
		flows:      newFlowGroups(),
	}
	if s.registerer == nil {
		s.registerer = prometheus.DefaultRegisterer
	}
	if s.gatherer == nil {
		s.gatherer = prometheus.DefaultGatherer
	}

	if ap, ok := t.Publisher.(transport.AsyncPublisher); ok && caps.SupportsAsyncConfirms {
		s.async = ap
	}
	if conf.MetricsEnabled {
		if err := s.instrument(); err != nil {
			_ = s.closeTransport()
			return nil, err
		}
	}

	s.events = newDispatcher(conf.EventBufferSize, log)
	for _, h := range deps.EventHandlers {
		s.events.addHandler(h)
	}
	if s.async == nil {
		s.sender = newSendQueue(s, conf.SendQueueSize, conf.SendWorkers, conf.SendBlocking)
	}
	if t.Notifier != nil {
		s.watchers.Add(1)
		go s.watchConnection(t.Notifier.ConnectionEvents())
	}

	if !caps.SupportsGuaranteedDelivery() {
		log.Info("Transport does not confirm publishes; guaranteed publishing is unavailable", loggingpkg.LogFields{
			"transport": caps.Name,
		})
	}
	s.events.emit(SessionEvent{Type: EventUp})
	return s, nil
}

// instrument decorates the transport with Watermill's Prometheus metrics and
// starts the /metrics endpoint when a port is configured.
func (s *Session) instrument() error {
	builder := metrics.NewPrometheusMetricsBuilder(s.registerer, "ackflow", s.Conf.PubSubSystem)

	pub, err := builder.DecoratePublisher(s.publisher)
	if err != nil {
		return fmt.Errorf("ackflow: instrument publisher: %w", err)
	}
	sub, err := builder.DecorateSubscriber(s.subscriber)
	if err != nil {
		return fmt.Errorf("ackflow: instrument subscriber: %w", err)
	}
	s.publisher, s.subscriber = pub, sub

	if s.Conf.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
		s.metricsSrv = &http.Server{
			Addr:              fmt.Sprintf(":%d", s.Conf.MetricsPort),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			s.Logger.Info("Serving metrics", loggingpkg.LogFields{"address": s.metricsSrv.Addr})
			if err := s.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.Logger.Error("Metrics server stopped", err, loggingpkg.LogFields{"address": s.metricsSrv.Addr})
			}
		}()
	}
	return nil
}

// AddEventHandler registers h for every later session event. The returned
// function removes it again.
func (s *Session) AddEventHandler(h SessionEventHandler) (remove func()) {
	return s.events.addHandler(h)
}

// Capabilities reports what the underlying transport guarantees.
func (s *Session) Capabilities() transport.Capabilities {
	return s.caps
}

// Publisher is the session's raw publisher. Messages published on it are not
// tracked for acknowledgement.
func (s *Session) Publisher() message.Publisher {
	return s.publisher
}

// Subscriber is the session's raw subscriber.
func (s *Session) Subscriber() message.Subscriber {
	return s.subscriber
}

// Registerer is where publishers register their metrics.
func (s *Session) Registerer() prometheus.Registerer {
	return s.registerer
}

// Subscribe opens a subscription on topic through the session transport.
func (s *Session) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if s.closed.Load() {
		return nil, errspkg.ErrSessionClosed
	}
	if topic == "" {
		return nil, errspkg.ErrTopicRequired
	}
	return s.subscriber.Subscribe(ctx, topic)
}

// State is the current connection state.
func (s *Session) State() transport.ConnectionState {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

func (s *Session) setState(next transport.ConnectionState) transport.ConnectionState {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	prev := s.state
	if prev != next {
		s.state = next
		close(s.stateCh)
		s.stateCh = make(chan struct{})
	}
	return prev
}

// WaitUntilConnected blocks while the session is reconnecting. It returns
// nil once connected, ErrSessionDown when the transport gave up, and
// ErrSessionClosed after Close.
func (s *Session) WaitUntilConnected(ctx context.Context) error {
	for {
		if s.closed.Load() {
			return errspkg.ErrSessionClosed
		}
		s.stateMu.Lock()
		state, changed := s.state, s.stateCh
		s.stateMu.Unlock()

		switch state {
		case transport.Connected:
			return nil
		case transport.Disconnected:
			return errspkg.ErrSessionDown
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		case <-s.closing:
			return errspkg.ErrSessionClosed
		}
	}
}

func (s *Session) watchConnection(events <-chan transport.ConnectionEvent) {
	defer s.watchers.Done()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.applyConnectionEvent(ev)
		case <-s.closing:
			return
		}
	}
}

func (s *Session) applyConnectionEvent(ev transport.ConnectionEvent) {
	prev := s.setState(ev.State)
	fields := loggingpkg.LogFields{"from": prev.String(), "to": ev.State.String()}

	switch ev.State {
	case transport.Reconnecting:
		if prev == transport.Reconnecting {
			return
		}
		s.Logger.Info("Connection lost, reconnecting", fields)
		s.events.emit(SessionEvent{Type: EventReconnecting, Err: ev.Err, At: ev.At})
	case transport.Connected:
		if prev == transport.Connected {
			return
		}
		s.Logger.Info("Connection restored", fields)
		s.events.emit(SessionEvent{Type: EventReconnected, At: ev.At})
	case transport.Disconnected:
		err := ev.Err
		if err == nil {
			err = errspkg.ErrSessionDown
		}
		s.Logger.Error("Session is down", err, fields)
		s.events.emit(SessionEvent{Type: EventDown, Err: err, At: ev.At})
	}
}

// Close refuses further sends and stops the send workers once their current
// publish returns. Queued sends that never reached the transport are
// discarded without an event, so publishers report them as indeterminate.
// Close then closes the transport and waits for the dispatcher to deliver
// every queued event. It is safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.Logger.Info("Closing session", nil)
		close(s.closing)
		s.sendMu.Lock()
		s.closed.Store(true)
		s.sendMu.Unlock()

		if s.sender != nil {
			s.sender.close()
		}
		err := s.closeTransport()
		s.pending.Wait()
		s.watchers.Wait()
		s.events.close()

		if s.metricsSrv != nil {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			err = errors.Join(err, s.metricsSrv.Shutdown(ctx))
			cancel()
		}
		s.closeErr = err
		close(s.done)
	})
	return s.closeErr
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	return s.closed.Load()
}

func (s *Session) closeTransport() error {
	var errs []error
	if s.publisher != nil {
		errs = append(errs, s.publisher.Close())
	}
	if s.subscriber != nil {
		errs = append(errs, s.subscriber.Close())
	}
	return errors.Join(errs...)
}
