// Package channel registers the in-process broker backed by watermill's
// gochannel pub/sub. Incoming and outgoing channels of one microservice
// can be looped through it in tests and local runs.
package channel

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/taskflow/transport"
)

const TransportName = "channel"

// OutputBuffer sizes the per-subscriber delivery buffer.
const OutputBuffer = 64

// Factory creates the pub/sub; tests swap it.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
	pubSub := gochannel.NewGoChannel(cfg, logger)
	return pubSub, pubSub
}

func init() { Register() }

// Register adds the broker to the default registry.
func Register() {
	transport.Register(TransportName, Build, Capabilities())
}

func Build(_ context.Context, _ transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	pub, sub := Factory(gochannel.Config{OutputChannelBuffer: OutputBuffer}, logger)
	return transport.Transport{Publisher: pub, Subscriber: sub}, nil
}

func Capabilities() transport.Capabilities { return transport.ChannelCapabilities }
