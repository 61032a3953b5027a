package stream

import (
	"context"
	"errors"
	"testing"
	"time"

	"trade-gateway/src/broker/brokertest"
)

func startHub(t *testing.T) (*Hub, *brokertest.MemoryBroker, context.CancelFunc) {
	t.Helper()

	mb := brokertest.NewMemoryBroker()
	hub := NewHub(mb, "price_updates")

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	// Wait for the hub's subscription before publishing anything.
	deadline := time.Now().Add(time.Second)
	for mb.SubscriberCount("price_updates") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("Hub never subscribed to broadcast channel")
		}
		time.Sleep(time.Millisecond)
	}

	return hub, mb, cancel
}

func newTestClient(hub *Hub, buffer int) *Client {
	return &Client{hub: hub, send: make(chan []byte, buffer)}
}

func registerClient(t *testing.T, hub *Hub, c *Client) {
	t.Helper()
	want := hub.ClientCount() + 1
	select {
	case hub.register <- c:
	case <-time.After(time.Second):
		t.Fatal("Registration blocked")
	}
	// The rendezvous completes before the hub updates its counter; wait for
	// the registration to settle so polls on ClientCount don't race it.
	deadline := time.Now().Add(time.Second)
	for hub.ClientCount() < want {
		if time.Now().After(deadline) {
			t.Fatal("Registration never settled")
		}
		time.Sleep(time.Millisecond)
	}
}

func expectQuote(t *testing.T, c *Client, want string) {
	t.Helper()
	select {
	case payload := <-c.send:
		if string(payload) != want {
			t.Errorf("Expected %q, got: %q", want, payload)
		}
	case <-time.After(time.Second):
		t.Fatalf("No quote delivered, wanted %q", want)
	}
}

func expectNoQuote(t *testing.T, c *Client) {
	t.Helper()
	select {
	case payload, ok := <-c.send:
		if ok {
			t.Errorf("Unexpected quote delivered: %q", payload)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubBroadcastsToAllOpenClients(t *testing.T) {
	hub, mb, cancel := startHub(t)
	defer cancel()

	first := newTestClient(hub, 8)
	second := newTestClient(hub, 8)
	registerClient(t, hub, first)
	registerClient(t, hub, second)

	mb.Publish(context.Background(), "price_updates", []byte(`{"symbol":"BTC"}`))

	expectQuote(t, first, `{"symbol":"BTC"}`)
	expectQuote(t, second, `{"symbol":"BTC"}`)

	if hub.ClientCount() != 2 {
		t.Errorf("Expected 2 clients, got: %d", hub.ClientCount())
	}
}

func TestHubDisconnectedClientMissesQuotes(t *testing.T) {
	hub, mb, cancel := startHub(t)
	defer cancel()

	staying := newTestClient(hub, 8)
	leaving := newTestClient(hub, 8)
	registerClient(t, hub, staying)
	registerClient(t, hub, leaving)

	hub.unregister <- leaving

	mb.Publish(context.Background(), "price_updates", []byte(`{"symbol":"ETH"}`))

	expectQuote(t, staying, `{"symbol":"ETH"}`)
	// The send channel was closed on unregister; nothing else may arrive.
	expectNoQuote(t, leaving)

	if hub.ClientCount() != 1 {
		t.Errorf("Expected 1 client after disconnect, got: %d", hub.ClientCount())
	}
}

func TestHubDropsSlowClient(t *testing.T) {
	hub, mb, cancel := startHub(t)
	defer cancel()

	slow := newTestClient(hub, 1)
	registerClient(t, hub, slow)

	// First quote fills the buffer; the second finds it full and the hub
	// gives up on the client.
	mb.Publish(context.Background(), "price_updates", []byte(`1`))
	mb.Publish(context.Background(), "price_updates", []byte(`2`))

	deadline := time.Now().Add(time.Second)
	for hub.ClientCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("Slow client was never dropped")
		}
		time.Sleep(time.Millisecond)
	}

	if hub.Broadcasts() != 2 {
		t.Errorf("Expected 2 broadcasts counted, got: %d", hub.Broadcasts())
	}
}

// A broker outage at startup must not wedge connections: clients register
// while the subscription is failing and start receiving quotes once the
// broker comes back.
func TestHubAcceptsClientsWhileBrokerDown(t *testing.T) {
	mb := brokertest.NewMemoryBroker()
	mb.SubscribeErr = errors.New("connection refused")
	hub := NewHub(mb, "price_updates")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	client := newTestClient(hub, 8)
	registerClient(t, hub, client)
	if hub.ClientCount() != 1 {
		t.Fatalf("Expected client accepted during outage, got: %d", hub.ClientCount())
	}

	// Broker recovers; the next retry attaches the subscription.
	mb.SetSubscribeErr(nil)
	deadline := time.Now().Add(3 * time.Second)
	for mb.SubscriberCount("price_updates") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("Hub never resubscribed after broker recovery")
		}
		time.Sleep(10 * time.Millisecond)
	}

	mb.Publish(context.Background(), "price_updates", []byte(`{"symbol":"BTC"}`))
	expectQuote(t, client, `{"symbol":"BTC"}`)
}

func TestHubStopsOnContextCancel(t *testing.T) {
	hub, _, cancel := startHub(t)

	client := newTestClient(hub, 8)
	registerClient(t, hub, client)

	cancel()

	// Cancellation closes every client's send channel and the done gate.
	deadline := time.Now().Add(time.Second)
	for {
		select {
		case _, ok := <-client.send:
			if !ok {
				if hub.ClientCount() != 0 {
					t.Errorf("Expected client set emptied, got: %d", hub.ClientCount())
				}
				select {
				case <-hub.done:
				case <-time.After(time.Second):
					t.Fatal("Done gate never closed after cancel")
				}
				return
			}
		default:
			if time.Now().After(deadline) {
				t.Fatal("Send channel never closed after cancel")
			}
			time.Sleep(time.Millisecond)
		}
	}
}

// After the hub stops, the connection path takes the done branch instead of
// blocking on a channel nobody reads.
func TestHubRegistrationAfterStop(t *testing.T) {
	hub, _, cancel := startHub(t)
	cancel()

	<-hub.done

	late := newTestClient(hub, 8)
	select {
	case hub.register <- late:
		t.Fatal("Registration succeeded on a stopped hub")
	case <-hub.done:
	}

	// Disconnect paths drain the same way.
	select {
	case hub.unregister <- late:
		t.Fatal("Unregistration succeeded on a stopped hub")
	case <-hub.done:
	}
}
