package lock

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	hashiuuid "github.com/hashicorp/go-uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	warperrors "github.com/mirkobrombin/warplock/v1/errors"
	"github.com/mirkobrombin/warplock/v1/metrics"
	"github.com/mirkobrombin/warplock/v1/syncbus"
)

var tracer = otel.Tracer("github.com/mirkobrombin/warplock/v1/lock")

// holdKey identifies one owner's hold on one lock key.
type holdKey struct {
	key   string
	owner string
}

type holdState struct {
	count int
	lease time.Duration
}

// busProvider is implemented by stores that publish wake messages on a bus
// of their own, such as MemoryStore and NATSStore.
type busProvider interface {
	Bus() syncbus.Bus
}

// Client holds the process-scoped state shared by every Mutex it creates:
// the instance id, the renewal and subscription registries and the local
// view of held locks. A Client is safe for concurrent use.
type Client struct {
	store      Store
	bus        syncbus.Bus
	instanceID string
	opts       *Options
	logger     *slog.Logger
	renewals   *RenewalRegistry
	subs       *SubscriptionRegistry
	closed     atomic.Bool
	// done is cancelled by Close to interrupt waiting acquisitions.
	done     context.Context
	closeAll context.CancelCauseFunc

	mu    sync.Mutex
	holds map[holdKey]*holdState
}

// NewClient returns a client using store for lock state and bus for wake
// messages. With a nil bus the store's own bus is used when it has one;
// otherwise waiters poll.
func NewClient(store Store, bus syncbus.Bus, opts ...Option) *Client {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	o.normalize()

	if bus == nil {
		if bp, ok := store.(busProvider); ok {
			bus = bp.Bus()
		}
	}

	c := &Client{
		store:      store,
		instanceID: o.InstanceID,
		opts:       o,
		logger:     o.Logger,
		renewals:   NewRenewalRegistry(store, o.Logger),
		holds:      make(map[holdKey]*holdState),
	}
	c.done, c.closeAll = context.WithCancelCause(context.Background())
	if c.instanceID == "" {
		c.instanceID = uuid.NewString()
	}
	c.renewals.onLost = func(key, owner string) {
		c.setHolds(holdKey{key: key, owner: owner}, 0)
	}
	if bus != nil {
		c.bus = syncbus.NewCircuitBreaker(bus, o.BreakerThreshold, o.BreakerTimeout)
		c.subs = NewSubscriptionRegistry(c.bus, o.Logger)
	}
	return c
}

// InstanceID returns the process instance id embedded in every owner id.
func (c *Client) InstanceID() string {
	return c.instanceID
}

// NewMutex returns a mutex on name. Unless WithOwner is given, each mutex
// gets its own logical owner id.
func (c *Client) NewMutex(name string, opts ...MutexOption) *Mutex {
	m := &Mutex{
		client:  c,
		name:    name,
		key:     c.key(name),
		channel: c.channel(name),
		owner:   OwnerID{Instance: c.instanceID},
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.owner.Task == "" {
		m.owner.Task = newTaskID()
	}
	return m
}

func newTaskID() string {
	id, err := hashiuuid.GenerateUUID()
	if err != nil {
		return uuid.NewString()
	}
	return id
}

func (c *Client) key(name string) string {
	return c.opts.KeyPrefix + name
}

func (c *Client) channel(name string) string {
	return c.opts.ChannelPrefix + name
}

// ForceUnlock deletes the lock on name whatever its owner and reports
// whether anything was removed. Local renewals of the lock are cancelled.
func (c *Client) ForceUnlock(ctx context.Context, name string) (bool, error) {
	ctx, span := tracer.Start(ctx, "Client.ForceUnlock", trace.WithAttributes(attribute.String("warplock.lock", name)))
	defer span.End()

	key := c.key(name)
	var removed bool
	err := c.do(ctx, "force_unlock", func(ctx context.Context) error {
		var err error
		removed, err = c.store.ForceUnlock(ctx, key, c.channel(name))
		return err
	})
	if err != nil {
		span.RecordError(err)
		return false, err
	}
	c.renewals.CancelKey(key)
	c.dropHolds(key)
	if removed {
		metrics.ReleaseCounter.WithLabelValues("forced").Inc()
		c.logger.Info("warplock: lock force-unlocked", "lock", name)
	}
	return removed, nil
}

// IsLocked reports whether anyone holds the lock on name.
func (c *Client) IsLocked(ctx context.Context, name string) (bool, error) {
	var locked bool
	err := c.do(ctx, "is_locked", func(ctx context.Context) error {
		var err error
		locked, err = c.store.IsLocked(ctx, c.key(name))
		return err
	})
	return locked, err
}

// Close stops every renewal and wake subscription. Held locks are not
// released: they expire after their lease, and Unlock keeps working. New
// acquisitions, and those still waiting, fail with ErrClientClosed.
func (c *Client) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.closeAll(warperrors.ErrClientClosed)
	c.renewals.Close()
	if c.subs != nil {
		c.subs.Close()
	}
	c.mu.Lock()
	for hk := range c.holds {
		delete(c.holds, hk)
		metrics.HeldGauge.Dec()
	}
	c.mu.Unlock()
}

func (c *Client) checkOpen() error {
	if c.closed.Load() {
		return warperrors.ErrClientClosed
	}
	return nil
}

// addHold records one more local hold of hk acquired with lease.
func (c *Client) addHold(hk holdKey, lease time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.holds[hk]
	if !ok {
		st = &holdState{}
		c.holds[hk] = st
		metrics.HeldGauge.Inc()
	}
	st.count++
	st.lease = lease
}

// setHolds overwrites the local hold count of hk; zero forgets it.
func (c *Client) setHolds(hk holdKey, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.holds[hk]
	switch {
	case n <= 0:
		if ok {
			delete(c.holds, hk)
			metrics.HeldGauge.Dec()
		}
	case !ok:
		c.holds[hk] = &holdState{count: n, lease: c.opts.LeaseTime}
		metrics.HeldGauge.Inc()
	default:
		st.count = n
	}
}

// localHold returns the local hold count of hk and the lease of its last
// acquisition.
func (c *Client) localHold(hk holdKey) (int, time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.holds[hk]; ok {
		return st.count, st.lease
	}
	return 0, c.opts.LeaseTime
}

func (c *Client) dropHolds(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for hk := range c.holds {
		if hk.key == key {
			delete(c.holds, hk)
			metrics.HeldGauge.Dec()
		}
	}
}
