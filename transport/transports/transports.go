// Package transports registers every built-in broker with the default
// registry when imported.
package transports

import (
	_ "github.com/drblury/taskflow/transport/aws"
	_ "github.com/drblury/taskflow/transport/channel"
	_ "github.com/drblury/taskflow/transport/http"
	_ "github.com/drblury/taskflow/transport/jetstream"
	_ "github.com/drblury/taskflow/transport/kafka"
	_ "github.com/drblury/taskflow/transport/nats"
	_ "github.com/drblury/taskflow/transport/rabbitmq"
)
