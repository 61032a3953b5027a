package broker

import "errors"

var (
	// ErrBrokerUnavailable: listener registration or the command append itself
	// failed. No reply will ever arrive for the attempted exchange.
	ErrBrokerUnavailable = errors.New("broker unavailable")

	// ErrTimeout: no engine reply arrived within the per-operation deadline.
	ErrTimeout = errors.New("timed out waiting for engine reply")

	// ErrMalformedReply: a reply arrived but failed shape validation.
	ErrMalformedReply = errors.New("malformed engine reply")
)
