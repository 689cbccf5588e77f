package runtime

import (
	"errors"
	"time"

	"github.com/ThreeDotsLabs/watermill/components/metrics"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	loggingpkg "github.com/drblury/ackflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/ackflow/internal/runtime/metadata"
)

// MiddlewareBuilder constructs a handler middleware for a replier.
type MiddlewareBuilder func(*Replier) (message.HandlerMiddleware, error)

// MiddlewareRegistration describes a middleware added to a replier router.
// Exactly one of Middleware and Builder is used; a Builder may return nil to
// skip itself.
type MiddlewareRegistration struct {
	Name       string
	Middleware message.HandlerMiddleware
	Builder    MiddlewareBuilder
}

// RetryMiddlewareConfig customises the retry middleware.
type RetryMiddlewareConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	RetryIf         func(error) bool
}

func (cfg RetryMiddlewareConfig) withDefaults() RetryMiddlewareConfig {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 100 * time.Millisecond
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 2 * time.Second
	}
	return cfg
}

// DefaultReplierMiddlewares is the chain every replier starts with, outermost
// first.
func DefaultReplierMiddlewares() []MiddlewareRegistration {
	return []MiddlewareRegistration{
		CorrelationIDMiddleware(),
		LogMessagesMiddleware(nil),
		TracerMiddleware(),
		MetricsMiddleware(),
		DropFailedMiddleware(),
		RecovererMiddleware(),
	}
}

// CorrelationIDMiddleware copies the Watermill correlation id onto messages
// the handler produces.
func CorrelationIDMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "correlation_id",
		Middleware: middleware.CorrelationID,
	}
}

// LogMessagesMiddleware logs every request at debug level. A nil logger uses
// the session logger.
func LogMessagesMiddleware(logger loggingpkg.ServiceLogger) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "log_messages",
		Builder: func(r *Replier) (message.HandlerMiddleware, error) {
			l := logger
			if l == nil {
				l = r.logger
			}
			if l == nil {
				return nil, errors.New("ackflow: log messages middleware requires a logger")
			}
			return logMessages(l), nil
		},
	}
}

func logMessages(logger loggingpkg.ServiceLogger) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			logger.Debug("Handling request", loggingpkg.LogFields{
				"message_uuid":   msg.UUID,
				"correlation_id": msg.Metadata.Get(metadatapkg.KeyCorrelationID),
				"reply_to":       msg.Metadata.Get(metadatapkg.KeyReplyTo),
				"payload_bytes":  len(msg.Payload),
			})
			return h(msg)
		}
	}
}

// TracerMiddleware wraps request handling in a consumer span.
func TracerMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "tracer",
		Builder: func(r *Replier) (message.HandlerMiddleware, error) {
			return r.traceRequests, nil
		},
	}
}

func (r *Replier) traceRequests(h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		ctx, span := r.tracer.Start(msg.Context(), "ackflow.reply",
			trace.WithSpanKind(trace.SpanKindConsumer),
			trace.WithAttributes(
				attribute.String("messaging.destination.name", r.topic),
				attribute.String("messaging.message.id", msg.UUID),
			),
		)
		defer span.End()
		msg.SetContext(ctx)

		out, err := h(msg)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "reply failed")
		}
		return out, err
	}
}

// MetricsMiddleware records handler execution metrics on the session
// registerer when metrics are enabled.
func MetricsMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "metrics",
		Builder: func(r *Replier) (message.HandlerMiddleware, error) {
			if !r.session.Conf.MetricsEnabled {
				return nil, nil
			}
			builder := metrics.NewPrometheusMetricsBuilder(r.session.Registerer(), "ackflow", "replier")
			return builder.NewRouterMiddleware().Middleware, nil
		},
	}
}

// DropFailedMiddleware acks requests whose handler failed so they are not
// redelivered forever; the requester sees a timeout.
func DropFailedMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "drop_failed",
		Builder: func(r *Replier) (message.HandlerMiddleware, error) {
			return r.dropFailed, nil
		},
	}
}

func (r *Replier) dropFailed(h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		out, err := h(msg)
		if err != nil {
			r.logger.Error("Reply handler failed", err, loggingpkg.LogFields{"message_uuid": msg.UUID})
			return nil, nil
		}
		return out, nil
	}
}

// RetryMiddleware retries the reply handler with exponential backoff. Add it
// with Replier.Use so it runs inside the default chain.
func RetryMiddleware(cfg RetryMiddlewareConfig) MiddlewareRegistration {
	normalized := cfg.withDefaults()
	return MiddlewareRegistration{
		Name: "retry",
		Middleware: middleware.Retry{
			MaxRetries:      normalized.MaxRetries,
			InitialInterval: normalized.InitialInterval,
			MaxInterval:     normalized.MaxInterval,
			Multiplier:      2,
			ShouldRetry: func(params middleware.RetryParams) bool {
				if normalized.RetryIf != nil {
					return normalized.RetryIf(params.Err)
				}
				return true
			},
		}.Middleware,
	}
}

// RecovererMiddleware turns handler panics into errors.
func RecovererMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "recoverer",
		Middleware: middleware.Recoverer,
	}
}

// Use adds a middleware inside the ones already registered. Call it before
// Serve.
func (r *Replier) Use(cfg MiddlewareRegistration) error {
	var mw message.HandlerMiddleware
	switch {
	case cfg.Middleware != nil:
		mw = cfg.Middleware
	case cfg.Builder != nil:
		var err error
		mw, err = cfg.Builder(r)
		if err != nil {
			return err
		}
	default:
		return errors.New("ackflow: middleware registration requires Middleware or Builder")
	}

	if mw == nil {
		return nil
	}
	r.handler.AddMiddleware(mw)
	return nil
}
