package transport

import "context"

// BrokerClient is the pluggable collaborator: something that speaks
// publish/subscribe with per-message QoS and a last-will registration.
// The core never assumes a concrete wire protocol; Transport drives any
// implementation of this interface.
type BrokerClient interface {
	// Connect opens the session against addr, registering will (if non-nil)
	// to be published by the broker on ungraceful disconnect.
	Connect(ctx context.Context, addr string, will *Will) error

	// Publish sends payload to topic with the given QoS, optionally asking
	// the broker to retain it as the topic's last value.
	Publish(ctx context.Context, topic string, payload []byte, qos QoS, retain bool) error

	// Subscribe registers interest in topic (which may contain the broker's
	// wildcard segment, "+") and returns a channel of deliveries. The
	// channel is closed when the client disconnects or Unsubscribe is
	// called.
	Subscribe(ctx context.Context, topic string) (<-chan Message, error)

	// Unsubscribe cancels a prior Subscribe.
	Unsubscribe(ctx context.Context, topic string) error

	// Close disconnects cleanly: the registered will, if any, is not
	// published.
	Close() error
}
