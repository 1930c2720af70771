package transport

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/taskflow/transport/transporttest"
)

func stubBuilder(pub *transporttest.Publisher, sub *transporttest.Subscriber) Builder {
	return func(context.Context, Config, watermill.LoggerAdapter) (Transport, error) {
		return Transport{Publisher: pub, Subscriber: sub}, nil
	}
}

func TestRegistryBuild(t *testing.T) {
	r := NewRegistry()
	pub, sub := &transporttest.Publisher{}, &transporttest.Subscriber{}
	r.Register("memory", stubBuilder(pub, sub), Capabilities{SupportsAck: true})

	tr, err := r.Build(context.Background(), &transporttest.Config{PubSubSystem: "memory"}, nil)
	require.NoError(t, err)
	assert.Same(t, pub, tr.Publisher)
	assert.Same(t, sub, tr.Subscriber)
	assert.True(t, r.Has("memory"))
	assert.Equal(t, "memory", r.Capabilities("memory").Name)
}

func TestRegistryBuildErrors(t *testing.T) {
	r := NewRegistry()
	r.Register("b", stubBuilder(nil, nil), Capabilities{})
	r.Register("a", func(context.Context, Config, watermill.LoggerAdapter) (Transport, error) {
		return Transport{}, errors.New("dial refused")
	}, Capabilities{})

	_, err := r.Build(context.Background(), nil, nil)
	assert.ErrorIs(t, err, ErrConfigRequired)

	_, err = r.Build(context.Background(), &transporttest.Config{PubSubSystem: "zeromq"}, nil)
	assert.ErrorIs(t, err, ErrUnknownTransport)
	assert.ErrorContains(t, err, "[a b]")

	_, err = r.Build(context.Background(), &transporttest.Config{PubSubSystem: "a"}, nil)
	assert.ErrorContains(t, err, "build a transport: dial refused")
}

func TestRegistryUnknownCapabilities(t *testing.T) {
	caps := NewRegistry().Capabilities("ghost")
	assert.Equal(t, Capabilities{Name: "ghost"}, caps)
	assert.False(t, caps.SupportsReliableDelivery())
}

func TestCapabilities(t *testing.T) {
	assert.True(t, ChannelCapabilities.SupportsReliableDelivery())
	assert.False(t, KafkaCapabilities.SupportsReliableDelivery())
	assert.True(t, KafkaCapabilities.SupportsPartitioning)

	assert.True(t, ChannelCapabilities.Fits(10<<20))
	assert.True(t, AWSCapabilities.Fits(256<<10))
	assert.False(t, AWSCapabilities.Fits(256<<10+1))

	for _, caps := range []Capabilities{ChannelCapabilities, KafkaCapabilities, RabbitMQCapabilities, NATSCapabilities, AWSCapabilities, HTTPCapabilities} {
		assert.True(t, caps.CarriesHeaders, caps.Name)
	}
}

func TestDefaultRegistryHelpers(t *testing.T) {
	saved := DefaultRegistry
	defer func() { DefaultRegistry = saved }()
	DefaultRegistry = NewRegistry()

	Register("memory", stubBuilder(&transporttest.Publisher{}, &transporttest.Subscriber{}), ChannelCapabilities)
	_, err := Build(context.Background(), &transporttest.Config{PubSubSystem: "memory"}, watermill.NopLogger{})
	require.NoError(t, err)
	assert.Equal(t, "channel", GetCapabilities("memory").Name)
}
