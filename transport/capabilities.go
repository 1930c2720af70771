package transport

// Capabilities describes how a broker treats the messages a channel hands
// it. The microservice rejects payloads larger than MaxMessageSize before
// they reach the broker.
type Capabilities struct {
	Name string

	// SupportsAck and SupportsNack report explicit acknowledgement. Without
	// Nack a failed payload cannot be redelivered.
	SupportsAck  bool
	SupportsNack bool

	// SupportsOrdering reports in-order delivery per topic or partition.
	SupportsOrdering bool

	// CarriesHeaders reports that message metadata survives the trip. The
	// priority, message type, action and correlation id travel as headers.
	CarriesHeaders bool

	// SupportsPartitioning reports broker side partitioning of a topic.
	SupportsPartitioning bool

	// MaxMessageSize is the body limit in bytes, 0 when unknown.
	MaxMessageSize int64
}

// SupportsReliableDelivery reports at-least-once delivery.
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

// Fits reports whether a body of size bytes can be published.
func (c Capabilities) Fits(size int) bool {
	return c.MaxMessageSize == 0 || int64(size) <= c.MaxMessageSize
}

var (
	ChannelCapabilities = Capabilities{
		Name:             "channel",
		SupportsAck:      true,
		SupportsNack:     true,
		SupportsOrdering: true,
		CarriesHeaders:   true,
	}

	KafkaCapabilities = Capabilities{
		Name:                 "kafka",
		SupportsAck:          true,
		SupportsOrdering:     true,
		CarriesHeaders:       true,
		SupportsPartitioning: true,
		MaxMessageSize:       1 << 20,
	}

	RabbitMQCapabilities = Capabilities{
		Name:             "rabbitmq",
		SupportsAck:      true,
		SupportsNack:     true,
		SupportsOrdering: true,
		CarriesHeaders:   true,
	}

	NATSCapabilities = Capabilities{
		Name:           "nats",
		CarriesHeaders: true,
		MaxMessageSize: 1 << 20,
	}

	JetStreamCapabilities = Capabilities{
		Name:             "nats-jetstream",
		SupportsAck:      true,
		SupportsNack:     true,
		SupportsOrdering: true,
		CarriesHeaders:   true,
		MaxMessageSize:   1 << 20,
	}

	AWSCapabilities = Capabilities{
		Name:           "aws",
		SupportsAck:    true,
		SupportsNack:   true,
		CarriesHeaders: true,
		MaxMessageSize: 256 << 10,
	}

	HTTPCapabilities = Capabilities{
		Name:           "http",
		CarriesHeaders: true,
	}
)
