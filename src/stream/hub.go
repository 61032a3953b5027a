package stream

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"trade-gateway/src/broker"
)

const (
	resubscribeBaseWait = time.Second
	resubscribeMaxWait  = 30 * time.Second
)

// Hub owns the set of connected streaming clients and rebroadcasts every
// quote published on the broadcast channel to all of them. The set is mutated
// only inside Run's select loop, so connect, disconnect, and broadcast never
// race.
type Hub struct {
	broker  broker.Broker
	channel string

	register   chan *Client
	unregister chan *Client
	clients    map[*Client]struct{}
	done       chan struct{}

	clientCount atomic.Int64
	broadcasts  atomic.Int64
}

func NewHub(b broker.Broker, channel string) *Hub {
	return &Hub{
		broker:     b,
		channel:    channel,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[*Client]struct{}),
		done:       make(chan struct{}),
	}
}

// ClientCount reports the number of currently registered clients.
func (h *Hub) ClientCount() int64 {
	return h.clientCount.Load()
}

// Broadcasts reports the number of quotes fanned out since start.
func (h *Hub) Broadcasts() int64 {
	return h.broadcasts.Load()
}

// Run loops until ctx is cancelled. Clients are accepted and released on
// every iteration regardless of broker state; the broadcast subscription is
// acquired, and re-acquired after a drop, with exponential backoff, so a
// broker outage delays quotes without wedging connections. Delivery is best
// effort: a client whose send buffer is full is dropped rather than allowed
// to stall the fan-out.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	var sub broker.Subscription
	var msgs <-chan []byte

	wait := resubscribeBaseWait
	retry := time.NewTimer(0)
	defer retry.Stop()

	for {
		select {
		case <-retry.C:
			s, err := h.broker.Subscribe(ctx, h.channel)
			if err != nil {
				log.Warn().
					Err(err).
					Str("channel", h.channel).
					Dur("retry_in", wait).
					Msg("Broadcast subscription failed")
				retry.Reset(wait)
				wait *= 2
				if wait > resubscribeMaxWait {
					wait = resubscribeMaxWait
				}
				continue
			}
			sub = s
			msgs = sub.Messages()
			wait = resubscribeBaseWait
			log.Info().Str("channel", h.channel).Msg("Price fan-out subscribed")

		case client := <-h.register:
			h.clients[client] = struct{}{}
			h.clientCount.Store(int64(len(h.clients)))
			log.Debug().Int("clients", len(h.clients)).Msg("Stream client connected")

		case client := <-h.unregister:
			h.drop(client)

		case payload, ok := <-msgs:
			if !ok {
				log.Warn().Str("channel", h.channel).Msg("Broadcast subscription dropped, resubscribing")
				sub.Close()
				sub = nil
				msgs = nil
				retry.Reset(resubscribeBaseWait)
				continue
			}
			h.broadcasts.Add(1)
			for client := range h.clients {
				select {
				case client.send <- payload:
				default:
					// Slow consumer; drop it so one stalled socket cannot
					// hold up everyone else.
					h.drop(client)
				}
			}

		case <-ctx.Done():
			if sub != nil {
				sub.Close()
			}
			h.closeAll()
			return
		}
	}
}

func (h *Hub) drop(client *Client) {
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
		h.clientCount.Store(int64(len(h.clients)))
		log.Debug().Int("clients", len(h.clients)).Msg("Stream client removed")
	}
}

func (h *Hub) closeAll() {
	for client := range h.clients {
		delete(h.clients, client)
		close(client.send)
	}
	h.clientCount.Store(0)
}
