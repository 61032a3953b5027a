// Package brokertest provides an in-process broker implementation for tests
// and local development without a Redis instance.
package brokertest

import (
	"context"
	"sync"

	"trade-gateway/src/broker"
)

// MemoryBroker keeps stream entries in memory, fans published payloads out to
// live subscriptions, and records the order of operations so correlation
// invariants can be asserted.
type MemoryBroker struct {
	mu      sync.Mutex
	subs    map[string][]*memorySubscription
	streams map[string][]map[string]interface{}
	ops     []string

	// OnAppend, when set, is invoked in its own goroutine after each
	// successful append. Tests use it to play the engine.
	OnAppend func(stream string, fields map[string]interface{})

	// Forced failures for error-path testing.
	SubscribeErr error
	PublishErr   error
	AppendErr    error
	PingErr      error
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		subs:    make(map[string][]*memorySubscription),
		streams: make(map[string][]map[string]interface{}),
	}
}

func (m *MemoryBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.PublishErr != nil {
		return m.PublishErr
	}

	m.ops = append(m.ops, "publish:"+channel)
	for _, sub := range m.subs[channel] {
		select {
		case sub.msgs <- append([]byte(nil), payload...):
		default:
			// Subscriber is not draining; drop, as a real broker would for a
			// slow pub/sub consumer.
		}
	}
	return nil
}

func (m *MemoryBroker) Subscribe(ctx context.Context, channel string) (broker.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SubscribeErr != nil {
		return nil, m.SubscribeErr
	}

	m.ops = append(m.ops, "subscribe:"+channel)
	sub := &memorySubscription{
		owner:   m,
		channel: channel,
		msgs:    make(chan []byte, 16),
	}
	m.subs[channel] = append(m.subs[channel], sub)
	return sub, nil
}

func (m *MemoryBroker) Append(ctx context.Context, stream string, fields map[string]interface{}) error {
	m.mu.Lock()
	if m.AppendErr != nil {
		m.mu.Unlock()
		return m.AppendErr
	}

	m.ops = append(m.ops, "append:"+stream)
	entry := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		entry[k] = v
	}
	m.streams[stream] = append(m.streams[stream], entry)
	hook := m.OnAppend
	m.mu.Unlock()

	if hook != nil {
		go hook(stream, entry)
	}
	return nil
}

func (m *MemoryBroker) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.PingErr
}

// SetSubscribeErr swaps the forced Subscribe failure; unlike writing the
// field directly, it is safe while other goroutines use the broker.
func (m *MemoryBroker) SetSubscribeErr(err error) {
	m.mu.Lock()
	m.SubscribeErr = err
	m.mu.Unlock()
}

// Stream returns a copy of the entries appended to a stream so far.
func (m *MemoryBroker) Stream(name string) []map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]map[string]interface{}(nil), m.streams[name]...)
}

// Operations returns the ordered log of subscribe/publish/append calls.
func (m *MemoryBroker) Operations() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.ops...)
}

// SubscriberCount reports live subscriptions on a channel; a correlation that
// reached a terminal state must have left this at zero.
func (m *MemoryBroker) SubscriberCount(channel string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs[channel])
}

type memorySubscription struct {
	owner   *MemoryBroker
	channel string
	msgs    chan []byte
	once    sync.Once
}

func (s *memorySubscription) Messages() <-chan []byte {
	return s.msgs
}

func (s *memorySubscription) Close() error {
	s.once.Do(func() {
		m := s.owner
		m.mu.Lock()
		live := m.subs[s.channel][:0]
		for _, sub := range m.subs[s.channel] {
			if sub != s {
				live = append(live, sub)
			}
		}
		if len(live) == 0 {
			delete(m.subs, s.channel)
		} else {
			m.subs[s.channel] = live
		}
		m.mu.Unlock()
		close(s.msgs)
	})
	return nil
}
