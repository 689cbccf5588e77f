package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/ackflow/internal/runtime/correlator"
	errspkg "github.com/drblury/ackflow/internal/runtime/errors"
	"github.com/drblury/ackflow/internal/runtime/journal"
	loggingpkg "github.com/drblury/ackflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/ackflow/internal/runtime/metadata"
)

const tracerName = "github.com/drblury/ackflow"

// PublisherOptions holds the optional collaborators of a GuaranteedPublisher.
type PublisherOptions struct {
	Hooks PublishHooks
	// Journal receives every released outcome. When nil and the session
	// config names a journal driver, the publisher opens and owns one.
	Journal *journal.Journal
	// Metrics defaults to collectors registered on the session registerer.
	Metrics    *PublishMetrics
	Tracer     trace.Tracer
	Correlator []correlator.Option
}

// PublishOutcome is the released result of one guaranteed publish.
type PublishOutcome struct {
	Token    string
	Sequence uint64
	Topic    string
	Message  *message.Message
	Status   correlator.Status
	// Err is a *errors.RejectedError for rejected messages.
	Err     error
	Latency time.Duration
}

// GuaranteedPublisher publishes through a session and tracks every message
// until the broker accepts or rejects it. Call Drain regularly from the
// publishing goroutine to collect outcomes; acknowledgements that arrive out
// of order are held until everything submitted before them is answered.
type GuaranteedPublisher struct {
	session *Session
	logger  loggingpkg.ServiceLogger
	corr    *correlator.Correlator
	metrics *PublishMetrics
	hooks   PublishHooks
	tracer  trace.Tracer

	journal     *journal.Journal
	ownsJournal bool

	detach func()

	spansMu sync.Mutex
	spans   map[string]trace.Span

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewGuaranteedPublisher wires a correlator to session. The session's
// transport must confirm publishes.
func NewGuaranteedPublisher(ctx context.Context, session *Session, opts PublisherOptions) (*GuaranteedPublisher, error) {
	if session == nil {
		return nil, errspkg.ErrSessionRequired
	}
	if caps := session.Capabilities(); !caps.SupportsGuaranteedDelivery() {
		return nil, fmt.Errorf("%w: %s", errspkg.ErrGuaranteedUnsupported, caps.Name)
	}

	corr, err := correlator.New(session, opts.Correlator...)
	if err != nil {
		return nil, err
	}

	p := &GuaranteedPublisher{
		session: session,
		logger:  session.Logger.With(loggingpkg.LogFields{"component": "guaranteed_publisher"}),
		corr:    corr,
		metrics: opts.Metrics,
		hooks:   opts.Hooks,
		tracer:  opts.Tracer,
		journal: opts.Journal,
		spans:   make(map[string]trace.Span),
	}
	if p.tracer == nil {
		p.tracer = otel.Tracer(tracerName)
	}
	if p.metrics == nil {
		p.metrics = NewPublishMetrics(session.Registerer())
	}
	if err := p.metrics.Register(); err != nil {
		return nil, err
	}
	if p.journal == nil && session.Conf.JournalDriver != "" {
		p.journal, err = journal.Open(ctx, session.Conf.JournalDriver, session.Conf.JournalDSN)
		if err != nil {
			return nil, err
		}
		p.ownsJournal = true
	}

	p.detach = session.AddEventHandler(p.onSessionEvent)
	return p, nil
}

// onSessionEvent runs on the session dispatcher and only flips record flags.
func (p *GuaranteedPublisher) onSessionEvent(ev SessionEvent) {
	switch ev.Type {
	case EventAcknowledgement:
		p.corr.OnAcknowledge(ev.Token, true)
	case EventRejectedMessage:
		p.corr.OnReject(ev.Token, ev.Err)
	}
}

// Publish waits while the session reconnects, then submits msg. The returned
// token identifies the message in later outcomes. A send failure leaves no
// pending record and matches errors.ErrSendRejected.
//
// Messages explicitly marked DeliveryDirect are published on the raw session
// publisher and never tracked; Publish returns an empty token for them. Every
// other message is stamped persistent and tracked.
func (p *GuaranteedPublisher) Publish(ctx context.Context, topic string, msg *message.Message) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := p.session.WaitUntilConnected(ctx); err != nil {
		return "", err
	}
	if msg != nil && msg.Metadata.Get(metadatapkg.KeyDeliveryMode) == metadatapkg.DeliveryModeDirect {
		return "", p.publishDirect(ctx, topic, msg)
	}
	if msg != nil {
		msg.Metadata.Set(metadatapkg.KeyDeliveryMode, metadatapkg.DeliveryModePersistent)
	}

	ctx, span := p.tracer.Start(ctx, "ackflow.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", topic),
			attribute.String("messaging.system", p.session.Capabilities().Name),
		),
	)
	if msg != nil {
		span.SetAttributes(attribute.String("messaging.message.id", msg.UUID))
	}

	token, err := p.corr.Submit(ctx, topic, msg)
	if err != nil {
		if errors.Is(err, errspkg.ErrSendRejected) {
			p.metrics.RecordSendRejected(topic)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "send rejected")
		span.End()
		return "", err
	}
	span.SetAttributes(attribute.String("ackflow.correlation_token", token))

	p.spansMu.Lock()
	p.spans[token] = span
	p.spansMu.Unlock()

	p.metrics.RecordSubmitted(topic)
	p.hooks.submitted(PublishContext{
		Token:       token,
		Topic:       topic,
		MessageUUID: msg.UUID,
		Status:      correlator.StatusPending,
		SubmittedAt: time.Now(),
	})
	return token, nil
}

func (p *GuaranteedPublisher) publishDirect(ctx context.Context, topic string, msg *message.Message) error {
	if topic == "" {
		return errspkg.ErrTopicRequired
	}
	if p.session.Closed() {
		return errspkg.ErrSessionClosed
	}
	msg.SetContext(ctx)
	stampExpiry(msg, time.Now())
	if err := p.session.Publisher().Publish(topic, msg); err != nil {
		return fmt.Errorf("ackflow: direct publish to %s: %w", topic, err)
	}
	p.metrics.RecordDirect(topic)
	return nil
}

// Drain releases the answered prefix of pending publishes and returns their
// outcomes in submission order.
func (p *GuaranteedPublisher) Drain() []PublishOutcome {
	recs := p.corr.DrainAcknowledged()
	p.metrics.RecordDrain(len(recs))
	return p.releaseAll(recs, false)
}

func (p *GuaranteedPublisher) releaseAll(recs []correlator.Record, teardown bool) []PublishOutcome {
	if len(recs) == 0 {
		return nil
	}
	out := make([]PublishOutcome, 0, len(recs))
	for _, rec := range recs {
		status := rec.Status()
		if teardown && status == correlator.StatusPending {
			status = correlator.StatusIndeterminate
		}
		out = append(out, p.release(rec, status))
	}
	return out
}

func (p *GuaranteedPublisher) release(rec correlator.Record, status correlator.Status) PublishOutcome {
	outcome := PublishOutcome{
		Token:    rec.Token,
		Sequence: rec.Sequence,
		Topic:    rec.Topic,
		Message:  rec.Message,
		Status:   status,
		Err:      rec.Err(),
		Latency:  rec.Latency(),
	}

	p.metrics.RecordOutcome(rec.Topic, status, outcome.Latency)
	p.hooks.released(publishContextOf(rec, status), outcome.Err)
	p.endSpan(rec.Token, status, outcome.Err)
	p.record(rec, outcome)
	return outcome
}

func (p *GuaranteedPublisher) endSpan(token string, status correlator.Status, err error) {
	p.spansMu.Lock()
	span, ok := p.spans[token]
	delete(p.spans, token)
	p.spansMu.Unlock()
	if !ok {
		return
	}

	span.SetAttributes(attribute.String("ackflow.outcome", string(status)))
	switch status {
	case correlator.StatusAccepted:
		span.SetStatus(codes.Ok, "")
	case correlator.StatusRejected:
		span.RecordError(err)
		span.SetStatus(codes.Error, "rejected by broker")
	default:
		span.SetStatus(codes.Unset, "")
	}
	span.End()
}

func (p *GuaranteedPublisher) record(rec correlator.Record, outcome PublishOutcome) {
	if p.journal == nil {
		return
	}
	entry := journal.Entry{
		Token:       rec.Token,
		Sequence:    rec.Sequence,
		Topic:       rec.Topic,
		Status:      string(outcome.Status),
		SubmittedAt: rec.SubmittedAt,
		AckedAt:     rec.AckedAt,
	}
	if rec.Message != nil {
		entry.MessageUUID = rec.Message.UUID
	}
	if outcome.Err != nil {
		entry.Error = outcome.Err.Error()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.journal.Record(ctx, entry); err != nil {
		p.logger.Error("Failed to journal publish outcome", err, loggingpkg.LogFields{
			"token":  rec.Token,
			"status": string(outcome.Status),
		})
	}
}

// Resubmit publishes the message of a rejected or indeterminate outcome
// again under a fresh token. Accepted outcomes are refused.
func (p *GuaranteedPublisher) Resubmit(ctx context.Context, outcome PublishOutcome) (string, error) {
	if outcome.Status == correlator.StatusAccepted {
		return "", fmt.Errorf("%w: %s", errspkg.ErrAlreadyAccepted, outcome.Token)
	}
	if outcome.Message == nil {
		return "", errspkg.ErrMessageRequired
	}
	p.logger.Debug("Resubmitting message", loggingpkg.LogFields{
		"previous_token": outcome.Token,
		"topic":          outcome.Topic,
		"status":         string(outcome.Status),
	})
	return p.Publish(ctx, outcome.Topic, outcome.Message.Copy())
}

// Outstanding is the number of pending publishes the broker has not answered.
func (p *GuaranteedPublisher) Outstanding() int {
	return p.corr.Outstanding()
}

// Pending is the number of records not yet released by Drain.
func (p *GuaranteedPublisher) Pending() int {
	return p.corr.Len()
}

// Stats reports the accepted, rejected and indeterminate totals so far.
func (p *GuaranteedPublisher) Stats() PublishStats {
	return p.metrics.Snapshot()
}

// Close waits up to the configured shutdown grace for outstanding answers,
// draining every DrainInterval, then releases whatever is left and stops
// listening to the session. Records the broker never answered, including
// sends the session discarded on its own Close, are reported as
// indeterminate. The session stays open.
func (p *GuaranteedPublisher) Close(ctx context.Context) ([]PublishOutcome, error) {
	var released []PublishOutcome
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		if ctx == nil {
			ctx = context.Background()
		}

		released = append(released, p.Drain()...)
		released = append(released, p.waitForAnswers(ctx)...)

		leftovers := p.corr.Teardown()
		if len(leftovers) > 0 {
			p.logger.Info("Releasing unanswered publishes", loggingpkg.LogFields{
				"count": len(leftovers),
			})
		}
		released = append(released, p.releaseAll(leftovers, true)...)
		p.detach()

		if p.ownsJournal {
			p.closeErr = p.journal.Close()
		}
	})
	return released, p.closeErr
}

func (p *GuaranteedPublisher) waitForAnswers(ctx context.Context) []PublishOutcome {
	grace := p.session.Conf.ShutdownGrace
	if grace <= 0 || p.corr.Len() == 0 {
		return nil
	}
	interval := p.session.Conf.DrainInterval
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}

	deadline := time.NewTimer(grace)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var released []PublishOutcome
	for p.corr.Len() > 0 {
		select {
		case <-ticker.C:
			released = append(released, p.Drain()...)
		case <-deadline.C:
			return released
		case <-ctx.Done():
			return released
		case <-p.session.done:
			// No answer can arrive once the session is closed.
			return append(released, p.Drain()...)
		}
	}
	return released
}

// Closed reports whether Close has been called.
func (p *GuaranteedPublisher) Closed() bool {
	return p.closed.Load()
}
