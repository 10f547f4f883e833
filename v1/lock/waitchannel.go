package lock

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mirkobrombin/warplock/v1/metrics"
	"github.com/mirkobrombin/warplock/v1/syncbus"
)

const permitBuffer = 16

// waitChannel is the local end of one lock's wake channel. Incoming unlock
// messages become permits; each permit wakes one blocked waiter.
type waitChannel struct {
	channel string
	permits chan struct{}
	events  <-chan syncbus.Event
	cancel  context.CancelFunc
	waiters int // guarded by SubscriptionRegistry.mu
}

func (w *waitChannel) signal() {
	select {
	case w.permits <- struct{}{}:
	default:
	}
}

// wait blocks until a permit arrives, d elapses (d < 0 waits forever) or ctx
// is done. Only the last case returns an error.
func (w *waitChannel) wait(ctx context.Context, d time.Duration) error {
	var timeout <-chan time.Time
	if d >= 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case <-w.permits:
		return nil
	case <-timeout:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SubscriptionRegistry holds at most one bus subscription per wake channel
// for the whole process, shared by every local waiter on that lock.
type SubscriptionRegistry struct {
	bus    syncbus.Bus
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]*waitChannel
	group   singleflight.Group
}

// NewSubscriptionRegistry returns an empty registry subscribing through bus.
func NewSubscriptionRegistry(bus syncbus.Bus, logger *slog.Logger) *SubscriptionRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscriptionRegistry{
		bus:     bus,
		logger:  logger,
		entries: make(map[string]*waitChannel),
	}
}

// join registers the caller as a waiter on channel, subscribing to the bus
// first if it is the first local waiter. It returns only once the bus has
// acknowledged the subscription. Every successful call must be paired with
// leave.
func (r *SubscriptionRegistry) join(ctx context.Context, channel string) (*waitChannel, error) {
	for {
		r.mu.Lock()
		if w, ok := r.entries[channel]; ok {
			w.waiters++
			r.mu.Unlock()
			return w, nil
		}
		r.mu.Unlock()

		res := r.group.DoChan(channel, func() (any, error) {
			return r.open(channel)
		})
		select {
		case out := <-res:
			if out.Err != nil {
				return nil, out.Err
			}
		case <-ctx.Done():
			// The subscription may still land with nobody to claim it.
			go func() {
				if out := <-res; out.Err == nil {
					r.dropIfIdle(out.Val.(*waitChannel))
				}
			}()
			return nil, ctx.Err()
		}
	}
}

func (r *SubscriptionRegistry) open(channel string) (*waitChannel, error) {
	r.mu.Lock()
	if w, ok := r.entries[channel]; ok {
		r.mu.Unlock()
		return w, nil
	}
	r.mu.Unlock()

	subCtx, cancel := context.WithCancel(context.Background())
	events, err := r.bus.Subscribe(subCtx, channel)
	if err != nil {
		cancel()
		return nil, err
	}
	w := &waitChannel{
		channel: channel,
		permits: make(chan struct{}, permitBuffer),
		events:  events,
		cancel:  cancel,
	}
	r.mu.Lock()
	r.entries[channel] = w
	r.mu.Unlock()
	metrics.SubscriptionsGauge.Inc()
	go r.pump(w)
	return w, nil
}

func (r *SubscriptionRegistry) pump(w *waitChannel) {
	for evt := range w.events {
		if evt.Payload == UnlockMessage {
			w.signal()
		}
	}
	// The bus dropped the subscription; let the next waiter open a new one.
	r.mu.Lock()
	if r.entries[w.channel] == w {
		delete(r.entries, w.channel)
		metrics.SubscriptionsGauge.Dec()
		r.logger.Debug("warplock: wake subscription closed by bus", "channel", w.channel)
	}
	r.mu.Unlock()
}

// leave removes one waiter and tears the subscription down when it was the
// last.
func (r *SubscriptionRegistry) leave(w *waitChannel) {
	r.mu.Lock()
	w.waiters--
	if w.waiters > 0 {
		r.mu.Unlock()
		return
	}
	r.detach(w)
	r.mu.Unlock()
}

func (r *SubscriptionRegistry) dropIfIdle(w *waitChannel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w.waiters <= 0 {
		r.detach(w)
	}
}

// detach must be called with r.mu held.
func (r *SubscriptionRegistry) detach(w *waitChannel) {
	if r.entries[w.channel] == w {
		delete(r.entries, w.channel)
		metrics.SubscriptionsGauge.Dec()
	}
	w.cancel()
	go func() {
		_ = r.bus.Unsubscribe(context.Background(), w.channel, w.events)
	}()
}

// Close tears down every subscription.
func (r *SubscriptionRegistry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, w := range r.entries {
		r.detach(w)
	}
}

// Waiters returns the number of local waiters on channel.
func (r *SubscriptionRegistry) Waiters(channel string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.entries[channel]; ok {
		return w.waiters
	}
	return 0
}

// Subscribed reports whether channel has a live subscription.
func (r *SubscriptionRegistry) Subscribed(channel string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[channel]
	return ok
}
