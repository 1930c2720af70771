// Package transport holds the broker registry taskflow listeners and
// senders are built from. Each broker lives in its own sub-package and
// registers a Builder under the name used by the pubsub_system setting.
package transport

import (
	"context"
	"errors"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

var (
	ErrConfigRequired   = errors.New("taskflow: transport config is required")
	ErrUnknownTransport = errors.New("taskflow: unknown transport")
)

// Transport is the publisher and subscriber pair of one broker connection.
// Both sides may be the same value for in-process brokers.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// Builder opens a broker connection from config.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config is the subset of the microservice configuration brokers read.
type Config interface {
	GetPubSubSystem() string

	GetKafkaBrokers() []string
	GetKafkaClientID() string
	GetKafkaConsumerGroup() string

	GetRabbitMQURL() string

	GetNATSURL() string
	GetNATSStream() string

	GetHTTPServerAddress() string
	GetHTTPPublisherURL() string

	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string
}
