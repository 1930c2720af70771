package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/taskflow/internal/runtime/config"
	newtransport "github.com/drblury/taskflow/transport"
	"github.com/drblury/taskflow/transport/transporttest"
)

func TestDefaultFactoryBuildsChannelTransport(t *testing.T) {
	tr, err := DefaultFactory().Build(context.Background(), &config.Config{}, watermill.NopLogger{})
	require.NoError(t, err)
	defer func() { assert.NoError(t, tr.Close()) }()

	messages, err := tr.Subscriber.Subscribe(context.Background(), "jobs")
	require.NoError(t, err)
	require.NoError(t, tr.Publisher.Publish("jobs", message.NewMessage("m-1", nil)))

	select {
	case msg := <-messages:
		assert.Equal(t, "m-1", msg.UUID)
		msg.Ack()
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestRegistryFactory(t *testing.T) {
	registry := newtransport.NewRegistry()
	pub, sub := &transporttest.Publisher{}, &transporttest.Subscriber{}
	registry.Register("memory", func(_ context.Context, cfg newtransport.Config, _ watermill.LoggerAdapter) (newtransport.Transport, error) {
		assert.Equal(t, "memory", cfg.GetPubSubSystem())
		return newtransport.Transport{Publisher: pub, Subscriber: sub}, nil
	}, newtransport.Capabilities{})
	registry.Register("broken", func(context.Context, newtransport.Config, watermill.LoggerAdapter) (newtransport.Transport, error) {
		return newtransport.Transport{}, errors.New("dial refused")
	}, newtransport.Capabilities{})

	f := RegistryFactory(registry)
	tr, err := f.Build(context.Background(), &config.Config{PubSubSystem: "memory"}, nil)
	require.NoError(t, err)
	assert.Same(t, pub, tr.Publisher)

	require.NoError(t, tr.Close())
	assert.True(t, pub.Closed)
	assert.True(t, sub.Closed)

	_, err = f.Build(context.Background(), &config.Config{PubSubSystem: "broken"}, nil)
	assert.ErrorContains(t, err, "dial refused")

	_, err = f.Build(context.Background(), nil, nil)
	assert.ErrorIs(t, err, newtransport.ErrConfigRequired)
}

func TestCapabilitiesDefaultsToChannel(t *testing.T) {
	assert.Equal(t, "channel", Capabilities(nil).Name)
	assert.True(t, Capabilities(&config.Config{}).SupportsReliableDelivery())
	assert.True(t, Capabilities(&config.Config{PubSubSystem: "kafka"}).SupportsPartitioning)
}
