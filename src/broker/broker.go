package broker

import "context"

// Subscription is a live listener on one pub/sub channel. Close detaches the
// listener; it is idempotent and safe to call from any terminal path.
type Subscription interface {
	// Messages yields raw payloads published on the channel. The channel is
	// closed after Close or when the underlying connection drops.
	Messages() <-chan []byte
	Close() error
}

// Broker is the thin facade over the message substrate: ephemeral fan-out
// channels plus one durable append-only stream. All components share a single
// injected implementation; none owns a connection exclusively.
type Broker interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)

	// Append adds a flat field map as one entry on a named stream. Values are
	// stringly typed on the wire; the engine parses them from text.
	Append(ctx context.Context, stream string, fields map[string]interface{}) error
}
