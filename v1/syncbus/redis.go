package syncbus

import (
	"context"
	stdErrors "errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	warperrors "github.com/mirkobrombin/warplock/v1/errors"
)

const (
	redisBusTimeout = 5 * time.Second
	maxAttempts     = 3
)

var tracer = otel.Tracer("github.com/mirkobrombin/warplock/v1/syncbus")

type redisSubscription struct {
	pubsub *redis.PubSub
	chans  []chan Event
}

// RedisBus implements Bus using Redis PUBLISH/SUBSCRIBE. Each channel gets a
// dedicated PubSub connection shared by all local subscribers of it.
type RedisBus struct {
	client redis.UniversalClient

	mu        sync.Mutex
	subs      map[string]*redisSubscription
	published atomic.Uint64
	delivered atomic.Uint64
}

// NewRedisBus returns a new RedisBus using the provided Redis client.
func NewRedisBus(client redis.UniversalClient) *RedisBus {
	return &RedisBus{
		client: client,
		subs:   make(map[string]*redisSubscription),
	}
}

// Publish implements Bus.Publish.
func (b *RedisBus) Publish(ctx context.Context, channel, payload string) error {
	ctx, span := tracer.Start(ctx, "RedisBus.Publish", trace.WithAttributes(attribute.String("warplock.bus.channel", channel)))
	defer span.End()

	backoff := 50 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		cctx, cancel := context.WithTimeout(ctx, redisBusTimeout)
		err := b.client.Publish(cctx, channel, payload).Err()
		cancel()
		if err == nil {
			b.published.Add(1)
			return nil
		}
		lastErr = err
		if stdErrors.Is(err, redis.ErrClosed) {
			return warperrors.ErrConnectionClosed
		}
		if err := sleepBackoff(ctx, &backoff); err != nil {
			return err
		}
	}
	span.RecordError(lastErr)
	return fmt.Errorf("publish %s: %w", channel, lastErr)
}

// Subscribe implements Bus.Subscribe. It returns once Redis has confirmed
// the subscription.
func (b *RedisBus) Subscribe(ctx context.Context, channel string) (<-chan Event, error) {
	ctx, span := tracer.Start(ctx, "RedisBus.Subscribe", trace.WithAttributes(attribute.String("warplock.bus.channel", channel)))
	defer span.End()

	if err := ctx.Err(); err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return nil, warperrors.ErrTimeout
		}
		return nil, err
	}
	ch := make(chan Event, subscriberBuffer)
	if err := b.attach(ctx, channel, ch); err != nil {
		span.RecordError(err)
		return nil, err
	}

	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), channel, ch)
	}()
	return ch, nil
}

func (b *RedisBus) attach(ctx context.Context, channel string, ch chan Event) error {
	backoff := 50 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		b.mu.Lock()
		if sub, ok := b.subs[channel]; ok {
			sub.chans = append(sub.chans, ch)
			b.mu.Unlock()
			return nil
		}
		b.mu.Unlock()

		cctx, cancel := context.WithTimeout(ctx, redisBusTimeout)
		ps := b.client.Subscribe(cctx, channel)
		_, err := ps.Receive(cctx)
		cancel()
		if err == nil {
			b.mu.Lock()
			if sub, ok := b.subs[channel]; ok {
				// Lost the race against a concurrent first subscriber.
				sub.chans = append(sub.chans, ch)
				b.mu.Unlock()
				_ = ps.Close()
				return nil
			}
			sub := &redisSubscription{pubsub: ps, chans: []chan Event{ch}}
			b.subs[channel] = sub
			b.mu.Unlock()
			go b.dispatch(channel, sub)
			return nil
		}
		_ = ps.Close()
		lastErr = err
		if stdErrors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
			return warperrors.ErrTimeout
		}
		if err := sleepBackoff(ctx, &backoff); err != nil {
			return err
		}
	}
	return fmt.Errorf("subscribe %s: %w", channel, lastErr)
}

func (b *RedisBus) dispatch(channel string, sub *redisSubscription) {
	for msg := range sub.pubsub.Channel() {
		evt := Event{Channel: msg.Channel, Payload: msg.Payload}
		b.mu.Lock()
		for _, ch := range sub.chans {
			select {
			case ch <- evt:
				b.delivered.Add(1)
			default:
			}
		}
		b.mu.Unlock()
	}
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *RedisBus) Unsubscribe(ctx context.Context, channel string, ch <-chan Event) error {
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
	if len(sub.chans) > 0 {
		b.mu.Unlock()
		return nil
	}
	delete(b.subs, channel)
	b.mu.Unlock()

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), redisBusTimeout)
	defer cancel()
	_ = sub.pubsub.Unsubscribe(cctx, channel)
	if err := sub.pubsub.Close(); err != nil {
		if stdErrors.Is(err, redis.ErrClosed) {
			return warperrors.ErrConnectionClosed
		}
		return err
	}
	return nil
}

// Close tears down every subscription and closes all subscriber channels.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[string]*redisSubscription)
	b.mu.Unlock()
	for _, sub := range subs {
		_ = sub.pubsub.Close()
		b.mu.Lock()
		for _, ch := range sub.chans {
			close(ch)
		}
		sub.chans = nil
		b.mu.Unlock()
	}
	return nil
}

// Metrics returns the published and delivered counts.
func (b *RedisBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
	}
}

// sleepBackoff waits for the current backoff plus jitter and doubles it up
// to one second.
func sleepBackoff(ctx context.Context, backoff *time.Duration) error {
	jitter := time.Duration(rand.Int63n(int64(*backoff)))
	select {
	case <-ctx.Done():
		if stdErrors.Is(ctx.Err(), context.DeadlineExceeded) {
			return warperrors.ErrTimeout
		}
		return ctx.Err()
	case <-time.After(*backoff + jitter):
	}
	if *backoff < time.Second {
		*backoff *= 2
		if *backoff > time.Second {
			*backoff = time.Second
		}
	}
	return nil
}
