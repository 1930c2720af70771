/*
Package runtime provides the Microservice container of taskflow.

# Architecture Overview

A Microservice owns a set of channels, a command registry, resource profiles
and a data collection container. Listeners attach inbound payloads to
incoming channels; the scheduler admits them under the global ceiling,
partition ceilings and resource profiles, runs the matching command and
routes its outputs back through Microservice.Send.

# Package Structure

## Core Service (service.go)

The Microservice struct wires together:
  - Channels and their priority partitions
  - The command registry and middleware chain
  - The task scheduler
  - The data collection container
  - Broker transports bound from the configuration

## Pipeline (pipeline.go, binding.go)

Declarative resource profiles and channels from config.Pipeline, and the
listeners and senders that connect non-internal channels to the broker.

## Statistics & Hooks (statistics.go, hooks.go, resources.go)

Periodic snapshots of scheduler, channel, profile, initiator and process
usage, handed to LifecycleHooks and the data collection container.

## Storage (storage.go)

Helpers that build persistence handlers, clients, backends and caches from
the configuration.

# Sub-packages

  - channel/: Channels, priority partitions, listener and sender contracts
  - command/: Commands, registry, middleware and the Initiator
  - config/: Service configuration with validation
  - datacollection/: Data collection container and members
  - errors/: Sentinel errors and error types
  - ids/: ULID generation
  - jsoncodec/: JSON marshaling utilities
  - logging/: Logger interface and adapters
  - metadata/: Payload header keys
  - payload/: The transmission payload
  - persistence/: Persistence handler, backends, cache and client
  - resource/: Resource profiles
  - scheduler/: The task scheduler
  - serializer/: Serializers and their registry
  - transport/: Watermill listener and sender bridge

# Usage Example

	cfg, _ := config.Load("taskflow.yaml")
	svc, err := runtime.New(cfg, logger, runtime.Dependencies{})
	if err != nil {
		return err
	}
	_ = svc.Handle(command.NewKey("orders", "order", "create"), createOrder)
	return svc.Run(ctx)
*/
package runtime
