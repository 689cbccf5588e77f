// Package transports imports every built-in backend so each registers with
// the default registry. Import it for its side effects.
package transports

import (
	_ "github.com/drblury/ackflow/transport/aws"
	_ "github.com/drblury/ackflow/transport/channel"
	_ "github.com/drblury/ackflow/transport/http"
	_ "github.com/drblury/ackflow/transport/io"
	_ "github.com/drblury/ackflow/transport/jetstream"
	_ "github.com/drblury/ackflow/transport/kafka"
	_ "github.com/drblury/ackflow/transport/nats"
	_ "github.com/drblury/ackflow/transport/rabbitmq"
)
