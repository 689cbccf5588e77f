package ackflow

import (
	"context"
	"os"

	"google.golang.org/protobuf/proto"

	runtimepkg "github.com/drblury/ackflow/internal/runtime"
	configpkg "github.com/drblury/ackflow/internal/runtime/config"
	"github.com/drblury/ackflow/internal/runtime/correlator"
	errspkg "github.com/drblury/ackflow/internal/runtime/errors"
	handlerpkg "github.com/drblury/ackflow/internal/runtime/handlers"
	idspkg "github.com/drblury/ackflow/internal/runtime/ids"
	"github.com/drblury/ackflow/internal/runtime/journal"
	jsoncodec "github.com/drblury/ackflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/ackflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/ackflow/internal/runtime/metadata"
	transportpkg "github.com/drblury/ackflow/internal/runtime/transport"
	newtransport "github.com/drblury/ackflow/transport"
)

type (
	Config               = configpkg.Config
	Session              = runtimepkg.Session
	SessionDependencies  = runtimepkg.SessionDependencies
	SessionEvent         = runtimepkg.SessionEvent
	SessionEventType     = runtimepkg.SessionEventType
	SessionEventHandler  = runtimepkg.SessionEventHandler
	TransportFactory     = transportpkg.Factory
	TransportFactoryFunc = transportpkg.FactoryFunc

	GuaranteedPublisher = runtimepkg.GuaranteedPublisher
	PublisherOptions    = runtimepkg.PublisherOptions
	PublishOutcome      = runtimepkg.PublishOutcome
	PublishStatus       = correlator.Status
	PublishHooks        = runtimepkg.PublishHooks
	PublishContext      = runtimepkg.PublishContext
	PublishMetrics      = runtimepkg.PublishMetrics
	PublishStats        = runtimepkg.PublishStats
	TopicPublishStats   = runtimepkg.TopicPublishStats
	AckLatency          = runtimepkg.AckLatency
	Journal             = journal.Journal
	JournalEntry        = journal.Entry

	Correlator       = correlator.Correlator
	CorrelatorOption = correlator.Option
	PendingRecord    = correlator.Record
	Sender           = correlator.Sender
	SenderFunc       = correlator.SenderFunc

	Flow             = runtimepkg.Flow
	FlowProperties   = runtimepkg.FlowProperties
	FlowEvent        = runtimepkg.FlowEvent
	FlowEventType    = runtimepkg.FlowEventType
	FlowEventHandler = runtimepkg.FlowEventHandler
	AckMode          = runtimepkg.AckMode
	MessageHandler   = runtimepkg.MessageHandler

	Requester    = runtimepkg.Requester
	Replier      = runtimepkg.Replier
	ReplyHandler = runtimepkg.ReplyHandler
	Signal       = runtimepkg.Signal

	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration
	RetryMiddlewareConfig  = runtimepkg.RetryMiddlewareConfig

	JSONContext[T any]              = handlerpkg.JSONContext[T]
	JSONHandler[T any]              = handlerpkg.JSONHandler[T]
	JSONOutput[O any]               = handlerpkg.JSONOutput[O]
	JSONReplyFunc[T any, O any]     = handlerpkg.JSONReplyHandler[T, O]
	ProtoContext[T proto.Message]   = handlerpkg.ProtoContext[T]
	ProtoHandler[T proto.Message]   = handlerpkg.ProtoHandler[T]
	ProtoOutput                     = handlerpkg.ProtoOutput
	ProtoReplyFunc[T proto.Message] = handlerpkg.ProtoReplyHandler[T]
	ProtoValidator                  = handlerpkg.Validator
	MessageContext                  = handlerpkg.MessageContext

	DeliveryMode  = runtimepkg.DeliveryMode
	MessageOption = runtimepkg.MessageOption
	Metadata      = metadatapkg.Metadata

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	ConfigValidationError = errspkg.ConfigValidationError
	SendRejectedError     = errspkg.SendRejectedError
	RejectedError         = errspkg.RejectedError
	UnprocessableError    = errspkg.UnprocessableError

	// Transport types
	Capabilities       = newtransport.Capabilities
	ConnectionState    = newtransport.ConnectionState
	ConnectionEvent    = newtransport.ConnectionEvent
	ConnectionFeed     = newtransport.ConnectionFeed
	AsyncPublisher     = newtransport.AsyncPublisher
	TransportBuilder   = newtransport.Builder
	TransportConfig    = newtransport.Config
	TransportRegistry  = newtransport.Registry
	Transport          = newtransport.Transport
	ConnectionNotifier = newtransport.ConnectionNotifier
)

const (
	EventAcknowledgement = runtimepkg.EventAcknowledgement
	EventRejectedMessage = runtimepkg.EventRejectedMessage
	EventReconnecting    = runtimepkg.EventReconnecting
	EventReconnected     = runtimepkg.EventReconnected
	EventDown            = runtimepkg.EventDown
	EventUp              = runtimepkg.EventUp

	StatusPending       = correlator.StatusPending
	StatusAccepted      = correlator.StatusAccepted
	StatusRejected      = correlator.StatusRejected
	StatusIndeterminate = correlator.StatusIndeterminate

	AutoAck   = runtimepkg.AutoAck
	ClientAck = runtimepkg.ClientAck

	FlowUp       = runtimepkg.FlowUp
	FlowActive   = runtimepkg.FlowActive
	FlowInactive = runtimepkg.FlowInactive
	FlowDown     = runtimepkg.FlowDown

	DeliveryDirect     = runtimepkg.DeliveryDirect
	DeliveryPersistent = runtimepkg.DeliveryPersistent

	DefaultRequestTimeout = runtimepkg.DefaultRequestTimeout

	Connected    = newtransport.Connected
	Reconnecting = newtransport.Reconnecting
	Disconnected = newtransport.Disconnected
)

// Metadata keys ackflow writes onto messages.
const (
	MetadataKeyCorrelationToken = metadatapkg.KeyCorrelationToken
	MetadataKeyCorrelationID    = metadatapkg.KeyCorrelationID
	MetadataKeyReplyTo          = metadatapkg.KeyReplyTo
	MetadataKeyDeliveryMode     = metadatapkg.KeyDeliveryMode
	MetadataKeySequence         = metadatapkg.KeySequence
	MetadataKeyTTL              = metadatapkg.KeyTTL
	MetadataKeyExpiresAt        = metadatapkg.KeyExpiresAt
	MetadataKeyDeadReason       = metadatapkg.KeyDeadReason
	MetadataKeyContentType      = metadatapkg.KeyContentType
	MetadataKeyEventSchema      = metadatapkg.KeyEventSchema
)

var (
	NewSession             = runtimepkg.NewSession
	NewGuaranteedPublisher = runtimepkg.NewGuaranteedPublisher
	NewPublishMetrics      = runtimepkg.NewPublishMetrics
	NewRequester           = runtimepkg.NewRequester
	NewReplier             = runtimepkg.NewReplier
	NewSignal              = runtimepkg.NewSignal
	NewCorrelator          = correlator.New
	OpenJournal            = journal.Open

	WithReleaseHook = correlator.WithReleaseHook
	WithClock       = correlator.WithClock
	WithTokenSource = correlator.WithTokenSource

	LoadConfig     = configpkg.Load
	DefaultConfig  = configpkg.Default
	ValidateConfig = configpkg.ValidateConfig

	LoggingHooks  = runtimepkg.LoggingHooks
	CountingHooks = runtimepkg.CountingHooks

	DefaultReplierMiddlewares = runtimepkg.DefaultReplierMiddlewares
	CorrelationIDMiddleware   = runtimepkg.CorrelationIDMiddleware
	LogMessagesMiddleware     = runtimepkg.LogMessagesMiddleware
	TracerMiddleware          = runtimepkg.TracerMiddleware
	MetricsMiddleware         = runtimepkg.MetricsMiddleware
	DropFailedMiddleware      = runtimepkg.DropFailedMiddleware
	RetryMiddleware           = runtimepkg.RetryMiddleware
	RecovererMiddleware       = runtimepkg.RecovererMiddleware

	NewTextMessage      = runtimepkg.NewTextMessage
	NewJSONMessage      = runtimepkg.NewJSONMessage
	NewProtoMessage     = runtimepkg.NewProtoMessage
	DecodeJSON          = runtimepkg.DecodeJSON
	DecodeProto         = runtimepkg.DecodeProto
	WithMetadata        = runtimepkg.WithMetadata
	WithDeliveryMode    = runtimepkg.WithDeliveryMode
	WithTTL             = runtimepkg.WithTTL
	MessageDeliveryMode = runtimepkg.MessageDeliveryMode
	MessageTTL          = runtimepkg.MessageTTL
	MessageExpired      = runtimepkg.MessageExpired

	// Transport registry
	GetCapabilities          = newtransport.GetCapabilities
	DefaultTransportRegistry = newtransport.DefaultRegistry
	RegisterTransport        = newtransport.Register
	BuildTransport           = newtransport.Build
	NewTransportRegistry     = newtransport.NewRegistry
	NewConnectionFeed        = newtransport.NewConnectionFeed
	NewTransportFactory      = transportpkg.NewFactory

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode

	ErrSessionRequired       = errspkg.ErrSessionRequired
	ErrSessionClosed         = errspkg.ErrSessionClosed
	ErrSessionDown           = errspkg.ErrSessionDown
	ErrTopicRequired         = errspkg.ErrTopicRequired
	ErrMessageRequired       = errspkg.ErrMessageRequired
	ErrConfigRequired        = errspkg.ErrConfigRequired
	ErrLoggerRequired        = errspkg.ErrLoggerRequired
	ErrHandlerRequired       = errspkg.ErrHandlerRequired
	ErrPayloadRequired       = errspkg.ErrPayloadRequired
	ErrSendRejected          = errspkg.ErrSendRejected
	ErrRejectedByBroker      = errspkg.ErrRejectedByBroker
	ErrCorrelatorClosed      = errspkg.ErrCorrelatorClosed
	ErrWouldBlock            = errspkg.ErrWouldBlock
	ErrGuaranteedUnsupported = errspkg.ErrGuaranteedUnsupported
	ErrAlreadyAccepted       = errspkg.ErrAlreadyAccepted
	ErrWaitTimeout           = errspkg.ErrWaitTimeout
	ErrRequestTimeout        = errspkg.ErrRequestTimeout

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewLeveledServiceLogger   = loggingpkg.NewLeveledServiceLogger
	NewNopServiceLogger       = loggingpkg.NewNopServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger
	ParseLogLevel             = loggingpkg.ParseLevel

	NewMetadata = metadatapkg.New

	CreateULID = idspkg.CreateULID
)

// JSONFlowHandler decodes JSON payloads into T before calling handler.
func JSONFlowHandler[T any](handler JSONHandler[T], logger ServiceLogger) (MessageHandler, error) {
	return runtimepkg.JSONFlowHandler(handler, logger)
}

// ProtoFlowHandler decodes protojson payloads into T before calling handler.
func ProtoFlowHandler[T proto.Message](prototype T, handler ProtoHandler[T], validate ProtoValidator, logger ServiceLogger) (MessageHandler, error) {
	return runtimepkg.ProtoFlowHandler(prototype, handler, validate, logger)
}

// JSONReplyHandler builds a replier handler from a typed JSON callback.
func JSONReplyHandler[T any, O any](handler JSONReplyFunc[T, O], logger ServiceLogger) (ReplyHandler, error) {
	return runtimepkg.JSONReplyHandler(handler, logger)
}

// ProtoReplyHandler builds a replier handler from a typed protobuf callback.
func ProtoReplyHandler[T proto.Message](prototype T, handler ProtoReplyFunc[T], logger ServiceLogger) (ReplyHandler, error) {
	return runtimepkg.ProtoReplyHandler(prototype, handler, logger)
}

// Open loads the configuration at path (see LoadConfig), builds a leveled
// logger from it and opens a session with default dependencies.
func Open(ctx context.Context, path string) (*Session, error) {
	conf, err := configpkg.Load(path)
	if err != nil {
		return nil, err
	}
	level, err := loggingpkg.ParseLevel(conf.LogLevel)
	if err != nil {
		return nil, err
	}
	return runtimepkg.NewSession(ctx, conf, loggingpkg.NewLeveledServiceLogger(os.Stdout, level), SessionDependencies{})
}
