// Package transports registers every built-in broker with the default
// registry. Import it for side effects.
package transports

import (
	_ "github.com/drblury/hubflow/transport/aws"
	_ "github.com/drblury/hubflow/transport/channel"
	_ "github.com/drblury/hubflow/transport/kafka"
	_ "github.com/drblury/hubflow/transport/nats"
	_ "github.com/drblury/hubflow/transport/rabbitmq"
)
