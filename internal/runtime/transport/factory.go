// Package transport connects a session to the backend named in its config.
package transport

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/drblury/ackflow/internal/runtime/config"
	errspkg "github.com/drblury/ackflow/internal/runtime/errors"
	"github.com/drblury/ackflow/transport"

	_ "github.com/drblury/ackflow/transport/transports"
)

// Factory abstracts how sessions initialise message transports.
type Factory interface {
	Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (transport.Transport, transport.Capabilities, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (transport.Transport, transport.Capabilities, error)

func (f FactoryFunc) Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (transport.Transport, transport.Capabilities, error) {
	return f(ctx, conf, logger)
}

// DefaultFactory returns the factory backed by transport.DefaultRegistry.
func DefaultFactory() Factory {
	return registryFactory{}
}

// NewFactory returns a factory that builds from reg.
func NewFactory(reg *transport.Registry) Factory {
	return registryFactory{registry: reg}
}

type registryFactory struct {
	registry *transport.Registry
}

func (f registryFactory) Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (transport.Transport, transport.Capabilities, error) {
	if conf == nil {
		return transport.Transport{}, transport.Capabilities{}, errspkg.ErrConfigRequired
	}

	reg := f.registry
	if reg == nil {
		reg = transport.DefaultRegistry
	}

	t, err := reg.Build(ctx, conf, logger)
	if err != nil {
		return transport.Transport{}, transport.Capabilities{}, fmt.Errorf("ackflow: build %s transport: %w", conf.PubSubSystem, err)
	}
	return t, reg.GetCapabilities(conf.PubSubSystem), nil
}
