package broker

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisBroker implements the facade on a single shared go-redis client:
// PUBLISH/SUBSCRIBE for channels, XADD for the command stream.
type RedisBroker struct {
	rdb *redis.Client
}

func NewRedisBroker(addr string) *RedisBroker {
	return &RedisBroker{
		rdb: redis.NewClient(&redis.Options{Addr: addr}),
	}
}

func (b *RedisBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	return b.rdb.Publish(ctx, channel, payload).Err()
}

// Subscribe attaches a listener and does not return until the server has
// confirmed the subscription. Callers may publish commands immediately after
// without racing their own reply.
func (b *RedisBroker) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	pubsub := b.rdb.Subscribe(ctx, channel)

	// Receive blocks until the subscribe confirmation (or an error) arrives.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	sub := &redisSubscription{
		pubsub: pubsub,
		msgs:   make(chan []byte, 16),
		done:   make(chan struct{}),
	}
	go sub.forward()
	return sub, nil
}

func (b *RedisBroker) Append(ctx context.Context, stream string, fields map[string]interface{}) error {
	return b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: fields,
	}).Err()
}

func (b *RedisBroker) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

func (b *RedisBroker) Close() error {
	return b.rdb.Close()
}

type redisSubscription struct {
	pubsub *redis.PubSub
	msgs   chan []byte
	done   chan struct{}
	once   sync.Once
	err    error
}

func (s *redisSubscription) forward() {
	defer close(s.msgs)
	for msg := range s.pubsub.Channel() {
		select {
		case s.msgs <- []byte(msg.Payload):
		case <-s.done:
			return
		}
	}
}

func (s *redisSubscription) Messages() <-chan []byte {
	return s.msgs
}

func (s *redisSubscription) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.err = s.pubsub.Close()
		if s.err != nil {
			log.Debug().Err(s.err).Msg("Error closing pub/sub subscription")
		}
	})
	return s.err
}
