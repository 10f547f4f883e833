package syncbus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const natsFlushTimeout = 5 * time.Second

type natsSubscription struct {
	sub   *nats.Subscription
	chans []chan Event
}

// NATSBus implements Bus using core NATS subjects.
type NATSBus struct {
	conn      *nats.Conn
	mu        sync.Mutex
	subs      map[string]*natsSubscription
	published atomic.Uint64
	delivered atomic.Uint64
}

// NewNATSBus returns a new NATSBus using the provided connection.
func NewNATSBus(conn *nats.Conn) *NATSBus {
	return &NATSBus{
		conn: conn,
		subs: make(map[string]*natsSubscription),
	}
}

// Subject maps a channel name onto a valid NATS subject. Characters NATS
// treats specially are replaced, so distinct channels may share a subject;
// subscribers only ever observe spurious wakeups from that.
func Subject(channel string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-', r == '_', r == ':', r == '.':
			return r
		default:
			return '_'
		}
	}, channel)
}

// Publish implements Bus.Publish.
func (b *NATSBus) Publish(ctx context.Context, channel, payload string) error {
	_, span := tracer.Start(ctx, "NATSBus.Publish", trace.WithAttributes(attribute.String("warplock.bus.channel", channel)))
	defer span.End()

	backoff := 50 * time.Millisecond
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err = b.conn.Publish(Subject(channel), []byte(payload))
		if err == nil {
			b.published.Add(1)
			return nil
		}
		if berr := sleepBackoff(ctx, &backoff); berr != nil {
			return berr
		}
	}
	span.RecordError(err)
	return fmt.Errorf("publish %s: %w", channel, err)
}

// Subscribe implements Bus.Subscribe. The subscription is flushed to the
// server before returning, which serves as its acknowledgement.
func (b *NATSBus) Subscribe(ctx context.Context, channel string) (<-chan Event, error) {
	_, span := tracer.Start(ctx, "NATSBus.Subscribe", trace.WithAttributes(attribute.String("warplock.bus.channel", channel)))
	defer span.End()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	if sub := b.subs[channel]; sub != nil {
		sub.chans = append(sub.chans, ch)
		b.mu.Unlock()
	} else {
		ns, err := b.conn.Subscribe(Subject(channel), b.natsHandler(channel))
		if err != nil {
			b.mu.Unlock()
			span.RecordError(err)
			return nil, fmt.Errorf("subscribe %s: %w", channel, err)
		}
		b.subs[channel] = &natsSubscription{sub: ns, chans: []chan Event{ch}}
		b.mu.Unlock()
	}

	timeout := natsFlushTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if err := b.conn.FlushTimeout(timeout); err != nil {
		_ = b.Unsubscribe(context.Background(), channel, ch)
		span.RecordError(err)
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), channel, ch)
	}()
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *NATSBus) Unsubscribe(ctx context.Context, channel string, ch <-chan Event) error {
	b.mu.Lock()
	sub := b.subs[channel]
	if sub == nil {
		b.mu.Unlock()
		return nil
	}
	for i, c := range sub.chans {
		if c == ch {
			sub.chans[i] = sub.chans[len(sub.chans)-1]
			sub.chans = sub.chans[:len(sub.chans)-1]
			close(c)
			break
		}
	}
	if len(sub.chans) == 0 {
		delete(b.subs, channel)
		b.mu.Unlock()
		return sub.sub.Unsubscribe()
	}
	b.mu.Unlock()
	return nil
}

// Metrics returns the published and delivered counts.
func (b *NATSBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
	}
}

func (b *NATSBus) natsHandler(channel string) nats.MsgHandler {
	return func(m *nats.Msg) {
		evt := Event{Channel: channel, Payload: string(m.Data)}
		b.mu.Lock()
		defer b.mu.Unlock()
		sub := b.subs[channel]
		if sub == nil {
			return
		}
		for _, c := range sub.chans {
			select {
			case c <- evt:
				b.delivered.Add(1)
			default:
			}
		}
	}
}
