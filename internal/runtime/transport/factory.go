// Package transport bridges watermill publishers and subscribers to the
// channel model: Listener feeds incoming channels, Sender drains outgoing
// ones. Transports themselves are built by the registry in the public
// transport package.
package transport

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/taskflow/internal/runtime/config"
	newtransport "github.com/drblury/taskflow/transport"
	_ "github.com/drblury/taskflow/transport/transports"
)

// Transport combines a publisher and subscriber pair produced by a factory.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// Close closes both sides; a shared pub/sub is closed once.
func (t Transport) Close() error {
	if t.Publisher == nil && t.Subscriber == nil {
		return nil
	}
	if pub, ok := t.Publisher.(message.Subscriber); ok && pub == t.Subscriber {
		return t.Publisher.Close()
	}
	return CloseAll(t.Publisher, t.Subscriber)
}

// Factory abstracts how taskflow initialises message transports.
type Factory interface {
	Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error)

func (f FactoryFunc) Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error) {
	return f(ctx, conf, logger)
}

// DefaultFactory returns the built-in transport factory that uses the
// modular transport registry. An empty PubSubSystem selects the in-memory
// channel transport.
func DefaultFactory() Factory {
	return defaultFactory{registry: newtransport.DefaultRegistry}
}

// RegistryFactory builds transports from a specific registry.
func RegistryFactory(registry *newtransport.Registry) Factory {
	return defaultFactory{registry: registry}
}

type defaultFactory struct {
	registry *newtransport.Registry
}

func (f defaultFactory) Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error) {
	if conf == nil {
		return Transport{}, newtransport.ErrConfigRequired
	}
	registry := f.registry
	if registry == nil {
		registry = newtransport.DefaultRegistry
	}

	cfg := *conf
	cfg.PubSubSystem = systemName(conf)
	t, err := registry.Build(ctx, &cfg, logger)
	if err != nil {
		return Transport{}, err
	}

	return Transport{
		Publisher:  t.Publisher,
		Subscriber: t.Subscriber,
	}, nil
}

// Capabilities reports what the configured transport supports.
func Capabilities(conf *config.Config) newtransport.Capabilities {
	return newtransport.GetCapabilities(systemName(conf))
}

func systemName(conf *config.Config) string {
	if conf == nil || conf.PubSubSystem == "" {
		return "channel"
	}
	return conf.PubSubSystem
}
