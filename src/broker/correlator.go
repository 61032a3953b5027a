package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// replyChannelPrefix matches the engine contract: each command's reply is
// published exactly once on response:<correlationId>.
const replyChannelPrefix = "response:"

func ReplyChannel(correlationID string) string {
	return replyChannelPrefix + correlationID
}

// Correlator is the request/reply primitive bridging the synchronous HTTP
// handlers and the asynchronous engine. One Request call is one pending
// correlation: a transient reply listener that lives from registration until
// exactly one of reply, deadline, or registration failure.
type Correlator struct {
	broker Broker
	stream string
}

func NewCorrelator(b Broker, stream string) *Correlator {
	return &Correlator{broker: b, stream: stream}
}

// Request registers a reply listener for correlationID, appends the command
// fields to the outbound stream, and waits for the first reply. The listener
// is attached strictly before the command is emitted so a fast engine cannot
// publish into the void, and it is detached exactly once on every exit path.
// The returned payload is raw; shape validation is the caller's concern.
func (c *Correlator) Request(ctx context.Context, correlationID string, fields map[string]interface{}, timeout time.Duration) ([]byte, error) {
	sub, err := c.broker.Subscribe(ctx, ReplyChannel(correlationID))
	if err != nil {
		log.Error().
			Err(err).
			Str("correlation_id", correlationID).
			Msg("Failed to register reply listener")
		return nil, fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}
	defer sub.Close()

	if err := c.broker.Append(ctx, c.stream, fields); err != nil {
		log.Error().
			Err(err).
			Str("correlation_id", correlationID).
			Str("stream", c.stream).
			Msg("Failed to append command to stream")
		return nil, fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case payload, ok := <-sub.Messages():
		if !ok {
			// Subscription dropped underneath us before any reply.
			return nil, fmt.Errorf("%w: reply channel closed", ErrBrokerUnavailable)
		}
		log.Debug().
			Str("correlation_id", correlationID).
			Int("bytes", len(payload)).
			Msg("Engine reply received")
		return payload, nil

	case <-timer.C:
		log.Warn().
			Str("correlation_id", correlationID).
			Dur("timeout", timeout).
			Msg("No engine reply within deadline")
		return nil, ErrTimeout

	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
	}
}
