// Package taskflow is the core of message-driven microservices. Payloads
// arrive on incoming channels, wait in priority partitions and are admitted
// by a task scheduler under a global concurrency ceiling, partition ceilings
// and shared resource profiles. Each admitted payload runs the command
// registered for its (channel, message type, action) key, and the payloads
// the command returns are routed to other channels.
//
// A Microservice is built from Config, which also declares the pipeline of
// resource profiles and channels. Register commands, initiators and
// persistence handlers, then call Start or Run; configuration problems are
// collected and returned together as a ConfigValidationError.
//
// # Transports
//
// When Config.PubSubSystem is set, non-internal channels are bound to a
// broker through Watermill:
//   - channel: In-memory Go channels for testing
//   - kafka: High-throughput streaming with consumer groups
//   - rabbitmq: AMQP-based durable queues
//   - aws: AWS SNS/SQS with LocalStack support
//   - nats: High-performance messaging
//   - http: Webhook style delivery
//
// Internal-only channels never touch a broker; payloads reach them through
// Microservice.Send.
//
// # Request and response
//
// An Initiator sends a request with a correlation id and a response channel
// header, and completes the caller when the matching response arrives or
// the request times out. Persistence clients use it to reach a persistence
// handler on another service.
//
// # Data collection
//
// Logs, entity source events, metrics and boundary traces fan out to the
// members of the data collection container: the service logger, Prometheus,
// OpenTelemetry spans or any type implementing one of the member interfaces.
package taskflow
