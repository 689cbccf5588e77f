package ackflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"google.golang.org/protobuf/types/known/structpb"
)

func TestTypedHandlerExportsPropagateErrors(t *testing.T) {
	logger := NewNopServiceLogger()

	if _, err := JSONFlowHandler[*structpb.Struct](nil, logger); !errors.Is(err, ErrHandlerRequired) {
		t.Fatalf("expected handler required error, got %v", err)
	}
	if _, err := ProtoFlowHandler[*structpb.Struct](nil, nil, nil, logger); !errors.Is(err, ErrHandlerRequired) {
		t.Fatalf("expected handler required error, got %v", err)
	}
	if _, err := JSONReplyHandler[*structpb.Struct, *structpb.Struct](nil, logger); !errors.Is(err, ErrHandlerRequired) {
		t.Fatalf("expected handler required error, got %v", err)
	}
	if _, err := ProtoReplyHandler[*structpb.Struct](nil, nil, logger); !errors.Is(err, ErrHandlerRequired) {
		t.Fatalf("expected handler required error, got %v", err)
	}
}

func TestNewSessionExportRequiresConfig(t *testing.T) {
	if _, err := NewSession(context.Background(), nil, NewNopServiceLogger(), SessionDependencies{}); !errors.Is(err, ErrConfigRequired) {
		t.Fatalf("expected config required error, got %v", err)
	}
}

func TestGuaranteedPublisherExportRequiresSession(t *testing.T) {
	if _, err := NewGuaranteedPublisher(context.Background(), nil, PublisherOptions{}); !errors.Is(err, ErrSessionRequired) {
		t.Fatalf("expected session required error, got %v", err)
	}
}

func TestMessageExports(t *testing.T) {
	msg := NewTextMessage("hello", WithDeliveryMode(DeliveryPersistent))
	if MessageDeliveryMode(msg) != DeliveryPersistent {
		t.Fatalf("expected persistent delivery, got %q", MessageDeliveryMode(msg))
	}

	event, err := structpb.NewStruct(map[string]any{"id": "e-1"})
	if err != nil {
		t.Fatalf("unexpected error building struct: %v", err)
	}
	protoMsg, err := NewProtoMessage(event)
	if err != nil {
		t.Fatalf("unexpected error creating proto message: %v", err)
	}
	decoded := &structpb.Struct{}
	if err := DecodeProto(protoMsg, decoded); err != nil {
		t.Fatalf("decode proto failed: %v", err)
	}
	if decoded.GetFields()["id"].GetStringValue() != "e-1" {
		t.Fatalf("expected id e-1, got %v", decoded.GetFields()["id"])
	}
}

func TestMessageExpiryExport(t *testing.T) {
	msg := NewTextMessage("quote", WithMetadata(NewMetadata(MetadataKeyExpiresAt, "2026-01-01T00:00:00Z")))
	if !MessageExpired(msg, time.Date(2026, 1, 1, 0, 0, 1, 0, time.UTC)) {
		t.Fatal("expected message past its expiry to be expired")
	}
}

func TestLoggerExports(t *testing.T) {
	logger := NewNopServiceLogger()
	logger.Info("boot", LogFields{"component": "test"})

	if _, err := ParseLogLevel("debug"); err != nil {
		t.Fatalf("expected debug to parse, got %v", err)
	}
	if _, err := ParseLogLevel("loud"); err == nil {
		t.Fatal("expected unknown level to fail")
	}
}

func TestEncodingExportAliases(t *testing.T) {
	payload := map[string]string{"hello": "world"}
	if _, err := Marshal(payload); err != nil {
		t.Fatalf("marshal alias failed: %v", err)
	}
	if _, err := MarshalIndent(payload, "", "  "); err != nil {
		t.Fatalf("marshal indent alias failed: %v", err)
	}
	if err := Unmarshal([]byte(`{"hello":"world"}`), &payload); err != nil {
		t.Fatalf("unmarshal alias failed: %v", err)
	}
}

func TestMetadataExport(t *testing.T) {
	md := NewMetadata("key", "value")
	if md["key"] != "value" {
		t.Fatalf("expected metadata to contain key, got %#v", md)
	}
}

func TestStatusConstants(t *testing.T) {
	if StatusAccepted != "accepted" {
		t.Fatalf("expected StatusAccepted to be 'accepted', got %q", StatusAccepted)
	}
	if EventRejectedMessage.String() != "RejectedMessageError" {
		t.Fatalf("expected RejectedMessageError, got %q", EventRejectedMessage.String())
	}
}

func TestDefaultTransportRegistryExport(t *testing.T) {
	if !DefaultTransportRegistry.Has("channel") {
		t.Fatal("expected channel transport to be registered")
	}
}
