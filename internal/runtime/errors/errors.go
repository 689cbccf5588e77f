package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrSessionRequired   = sterrors.New("ackflow: session is required")
	ErrSessionClosed     = sterrors.New("ackflow: session is closed")
	ErrSessionDown       = sterrors.New("ackflow: session is disconnected")
	ErrPublisherRequired = sterrors.New("ackflow: publisher is required")
	ErrSenderRequired    = sterrors.New("ackflow: sender is required")
	ErrTopicRequired     = sterrors.New("ackflow: topic is required")
	ErrMessageRequired   = sterrors.New("ackflow: message is required")
	ErrConfigRequired    = sterrors.New("ackflow: configuration is required")
	ErrLoggerRequired    = sterrors.New("ackflow: logger is required")
	ErrHandlerRequired   = sterrors.New("ackflow: handler function is required")
	ErrPayloadRequired   = sterrors.New("ackflow: message payload is required")

	ErrPayloadTypeRequired    = sterrors.New("ackflow: payload type is required")
	ErrPayloadPointerRequired = sterrors.New("ackflow: payload type must be a pointer")

	// ErrSendRejected wraps every synchronous send failure returned by Submit.
	ErrSendRejected = sterrors.New("ackflow: send rejected")
	// ErrRejectedByBroker marks a record the broker refused.
	ErrRejectedByBroker = sterrors.New("ackflow: message rejected by broker")
	ErrCorrelatorClosed = sterrors.New("ackflow: correlator is closed")
	ErrWouldBlock       = sterrors.New("ackflow: send queue is full")

	// ErrGuaranteedUnsupported is returned when the transport cannot confirm publishes.
	ErrGuaranteedUnsupported = sterrors.New("ackflow: transport does not support guaranteed delivery")
	ErrAlreadyAccepted       = sterrors.New("ackflow: message was already accepted")

	ErrWaitTimeout    = sterrors.New("ackflow: timed out waiting for event")
	ErrRequestTimeout = sterrors.New("ackflow: request timed out")
)

// ConfigValidationError reports an invalid configuration.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "ackflow: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error { return e.Err }

// SendRejectedError is returned when the transport refuses a message before
// it was handed over. No pending record survives it.
type SendRejectedError struct {
	Topic string
	Err   error
}

func (e *SendRejectedError) Error() string {
	return fmt.Sprintf("ackflow: send rejected on topic %q: %v", e.Topic, e.Err)
}

func (e *SendRejectedError) Unwrap() []error {
	return []error{ErrSendRejected, e.Err}
}

// RejectedError describes a broker rejection for a single correlation token.
type RejectedError struct {
	Token string
	Cause error
}

func (e *RejectedError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("ackflow: message %s rejected by broker", e.Token)
	}
	return fmt.Sprintf("ackflow: message %s rejected by broker: %v", e.Token, e.Cause)
}

func (e *RejectedError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrRejectedByBroker}
	}
	return []error{ErrRejectedByBroker, e.Cause}
}

// UnprocessableError marks a delivered message that can never be handled,
// such as a payload that does not decode. Flows ack these instead of
// nacking them into an endless redelivery.
type UnprocessableError struct {
	Schema string
	Err    error
}

func (e *UnprocessableError) Error() string {
	if e.Schema == "" {
		return fmt.Sprintf("ackflow: unprocessable message: %v", e.Err)
	}
	return fmt.Sprintf("ackflow: unprocessable %s message: %v", e.Schema, e.Err)
}

func (e *UnprocessableError) Unwrap() error { return e.Err }
