package syncbus

import (
	"context"
	"sync"
	"sync/atomic"
)

// subscriberBuffer bounds how many undelivered events a subscriber channel
// holds before further events for it are dropped.
const subscriberBuffer = 16

// Event is a message received on a channel.
type Event struct {
	Channel string
	Payload string
}

// Bus provides the publish/subscribe primitive used by warplock to wake
// blocked acquirers across nodes.
//
// Subscribe must not return before the backend has acknowledged the
// subscription: a message published after Subscribe returns is guaranteed to
// be observable by the returned channel (delivery itself stays best-effort).
// The subscription lives until ctx is done or Unsubscribe is called, after
// which the channel is closed.
type Bus interface {
	Publish(ctx context.Context, channel, payload string) error
	Subscribe(ctx context.Context, channel string) (<-chan Event, error)
	Unsubscribe(ctx context.Context, channel string, ch <-chan Event) error
}

// InMemoryBus is a local implementation of Bus for single process use and testing.
type InMemoryBus struct {
	mu        sync.Mutex
	subs      map[string][]chan Event
	published atomic.Uint64
	delivered atomic.Uint64
}

// NewInMemoryBus returns a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{subs: make(map[string][]chan Event)}
}

// Publish implements Bus.Publish.
func (b *InMemoryBus) Publish(ctx context.Context, channel, payload string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.published.Add(1)
	evt := Event{Channel: channel, Payload: payload}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[channel] {
		select {
		case ch <- evt:
			b.delivered.Add(1)
		default:
		}
	}
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *InMemoryBus) Subscribe(ctx context.Context, channel string) (<-chan Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := make(chan Event, subscriberBuffer)
	b.mu.Lock()
	b.subs[channel] = append(b.subs[channel], ch)
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), channel, ch)
	}()
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *InMemoryBus) Unsubscribe(ctx context.Context, channel string, ch <-chan Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[channel]
	for i, c := range subs {
		if c == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			b.subs[channel] = subs
			close(c)
			break
		}
	}
	if len(subs) == 0 {
		delete(b.subs, channel)
	}
	return nil
}

// Subscribers returns the number of live subscriptions on channel.
func (b *InMemoryBus) Subscribers(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[channel])
}

type Metrics struct {
	Published uint64
	Delivered uint64
}

func (b *InMemoryBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
	}
}
